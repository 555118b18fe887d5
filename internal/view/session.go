package view

import (
	"sync"
	"time"

	"ebbflow.dev/internal/board"
	"ebbflow.dev/internal/localkv"
)

// Session is one user's live presentation state. The previous last-visit
// timestamp is captured at open and frozen for the whole session, and the
// new visit is stamped exactly once; unseen markers therefore stay stable
// while the session is up and reset only on the next open.
type Session struct {
	uid       string
	lastVisit time.Time

	mu       sync.RWMutex
	boardSet []NoteItem
	threads  map[string]Thread
	activity []CommentItem
}

// OpenSession loads the user's prior visit stamp from kv, records now as
// the latest visit, and returns a session keyed to the prior stamp. A first
// visit has a zero lastVisit, so every existing item shows as unseen.
func OpenSession(kv *localkv.Store, uid string, now time.Time) (*Session, error) {
	last, ok, err := kv.LastVisit(uid)
	if err != nil {
		return nil, err
	}
	if !ok {
		last = time.Time{}
	}
	if err := kv.StampVisit(uid, now); err != nil {
		return nil, err
	}
	return &Session{
		uid:       uid,
		lastVisit: last,
		threads:   make(map[string]Thread),
	}, nil
}

// LastVisit reports the frozen boundary used for unseen markers.
func (s *Session) LastVisit() time.Time {
	return s.lastVisit
}

// ApplyNotes replaces the board state from a full note snapshot.
func (s *Session) ApplyNotes(notes []board.Note) {
	derived := DeriveBoard(notes, s.lastVisit)
	s.mu.Lock()
	s.boardSet = derived
	s.mu.Unlock()
}

// ApplyThread replaces one note's comment panel from a full snapshot.
func (s *Session) ApplyThread(noteID string, comments []board.Comment) {
	derived := DeriveThread(comments, s.lastVisit)
	s.mu.Lock()
	s.threads[noteID] = derived
	s.mu.Unlock()
}

// ApplyActivity replaces the recent-activity feed.
func (s *Session) ApplyActivity(comments []board.Comment) {
	derived := DeriveActivity(comments, s.lastVisit)
	s.mu.Lock()
	s.activity = derived
	s.mu.Unlock()
}

// Board returns the current derived board, optionally filtered.
func (s *Session) Board(status board.Status, category string) []NoteItem {
	s.mu.RLock()
	items := s.boardSet
	s.mu.RUnlock()
	return FilterBoard(items, status, category)
}

// Thread returns the derived comment panel for a note.
func (s *Session) Thread(noteID string) Thread {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.threads[noteID]
}

// Activity returns the derived recent-activity feed.
func (s *Session) Activity() []CommentItem {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.activity
}
