package board

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"ebbflow.dev/internal/docstore"
	"ebbflow.dev/internal/identity"
	"ebbflow.dev/internal/ids"
	"ebbflow.dev/internal/perm"
)

// DefaultActivityLimit bounds the recent-activity feed.
const DefaultActivityLimit = 20

// CommentService mediates access to the per-note comment sub-collections.
type CommentService struct {
	store docstore.Store
	log   *zap.Logger
}

func NewCommentService(store docstore.Store, log *zap.Logger) (*CommentService, error) {
	if store == nil {
		return nil, errors.New("board: store is required")
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &CommentService{store: store, log: log}, nil
}

// Create appends a comment to a note. A comment may be born pinned (the UI
// pins the first comment on a note); a pinned birth runs through the same
// exclusive batch as SetPinned so it displaces any existing pin atomically.
func (s *CommentService) Create(ctx context.Context, actor identity.Principal, noteID, content string, pinned bool) (Comment, error) {
	if !actor.Can(perm.ActionCreateComment) {
		return Comment{}, perm.ErrPermissionDenied
	}
	if pinned && !actor.Can(perm.ActionPinComment) {
		return Comment{}, perm.ErrPermissionDenied
	}
	content = strings.TrimSpace(content)
	if content == "" {
		return Comment{}, validationErr(errors.New("content must not be blank"))
	}
	if err := s.noteExists(ctx, noteID); err != nil {
		return Comment{}, err
	}
	collection := commentsCollection(noteID)
	fields := map[string]any{
		"noteId":    noteID,
		"content":   content,
		"isPinned":  pinned,
		"createdBy": refOf(actor).fields(),
	}

	var id string
	if pinned {
		id = ids.New()
		writes, err := s.unpinSiblings(ctx, collection, id)
		if err != nil {
			return Comment{}, err
		}
		writes = append(writes, docstore.Write{
			Kind:       docstore.WriteInsert,
			Collection: collection,
			ID:         id,
			Fields:     fields,
		})
		if err := s.store.BatchWrite(ctx, writes); err != nil {
			return Comment{}, err
		}
	} else {
		var err error
		id, err = s.store.Insert(ctx, collection, fields)
		if err != nil {
			return Comment{}, err
		}
	}
	s.log.Info("comment created",
		zap.String("note", noteID),
		zap.String("comment", id),
		zap.String("actor", actor.UID),
		zap.Bool("pinned", pinned))
	return s.get(ctx, noteID, id)
}

// Update rewrites a comment's content. Only the creator may touch it.
func (s *CommentService) Update(ctx context.Context, actor identity.Principal, noteID, commentID, content string) error {
	comment, err := s.get(ctx, noteID, commentID)
	if err != nil {
		return err
	}
	if !perm.CanModifyComment(actor.UID, comment.CreatedBy.UID) {
		return perm.ErrPermissionDenied
	}
	content = strings.TrimSpace(content)
	if content == "" {
		return validationErr(errors.New("content must not be blank"))
	}
	return s.store.Update(ctx, commentsCollection(noteID), commentID, map[string]any{
		"content": content,
	})
}

// Remove deletes a comment. Only the creator may remove it.
func (s *CommentService) Remove(ctx context.Context, actor identity.Principal, noteID, commentID string) error {
	comment, err := s.get(ctx, noteID, commentID)
	if err != nil {
		return err
	}
	if !perm.CanModifyComment(actor.UID, comment.CreatedBy.UID) {
		return perm.ErrPermissionDenied
	}
	return s.store.Delete(ctx, commentsCollection(noteID), commentID)
}

// SetPinned pins or unpins a comment. Pinning runs one atomic batch that
// unpins every sibling and pins the target, so no reader ever observes two
// pinned comments on a note. Unpinning is a single update.
func (s *CommentService) SetPinned(ctx context.Context, actor identity.Principal, noteID, commentID string, pinned bool) error {
	if !actor.Can(perm.ActionPinComment) {
		return perm.ErrPermissionDenied
	}
	collection := commentsCollection(noteID)
	if _, err := s.get(ctx, noteID, commentID); err != nil {
		return err
	}
	if !pinned {
		return s.store.Update(ctx, collection, commentID, map[string]any{"isPinned": false})
	}

	writes, err := s.unpinSiblings(ctx, collection, commentID)
	if err != nil {
		return err
	}
	writes = append(writes, docstore.Write{
		Kind:       docstore.WriteUpdate,
		Collection: collection,
		ID:         commentID,
		Fields:     map[string]any{"isPinned": true},
	})
	if err := s.store.BatchWrite(ctx, writes); err != nil {
		return err
	}
	s.log.Info("comment pinned",
		zap.String("note", noteID),
		zap.String("comment", commentID),
		zap.String("actor", actor.UID))
	return nil
}

// List returns a note's comments, pinned first, then newest first.
func (s *CommentService) List(ctx context.Context, actor identity.Principal, noteID string) ([]Comment, error) {
	if !actor.Can(perm.ActionViewBoard) {
		return nil, perm.ErrPermissionDenied
	}
	docs, err := s.store.Query(ctx, commentsCollection(noteID), nil, commentOrder())
	if err != nil {
		return nil, err
	}
	return commentsFromDocs(docs), nil
}

// Count reports how many comments a note carries.
func (s *CommentService) Count(ctx context.Context, actor identity.Principal, noteID string) (int, error) {
	if !actor.Can(perm.ActionViewBoard) {
		return 0, perm.ErrPermissionDenied
	}
	docs, err := s.store.Query(ctx, commentsCollection(noteID), nil, nil)
	if err != nil {
		return 0, err
	}
	return len(docs), nil
}

// Subscribe registers a live feed over one note's comments, pinned first.
func (s *CommentService) Subscribe(ctx context.Context, actor identity.Principal, noteID string, fn func([]Comment)) (docstore.CancelFunc, error) {
	if !actor.Can(perm.ActionViewBoard) {
		return nil, perm.ErrPermissionDenied
	}
	return s.store.Subscribe(ctx, commentsCollection(noteID), nil, commentOrder(), func(docs []docstore.Document) {
		fn(commentsFromDocs(docs))
	})
}

// RecentActivity gathers the newest comments across every live note: one
// query per note sub-collection, merged and truncated client-side. A non-zero
// since restricts each sub-collection to comments created strictly after it.
func (s *CommentService) RecentActivity(ctx context.Context, actor identity.Principal, since time.Time, limit int) ([]Comment, error) {
	if !actor.Can(perm.ActionViewBoard) {
		return nil, perm.ErrPermissionDenied
	}
	if limit <= 0 {
		limit = DefaultActivityLimit
	}
	noteDocs, err := s.store.Query(ctx, notesCollection, nil, nil)
	if err != nil {
		return nil, err
	}
	filters := activityFilters(since)
	var merged []Comment
	for _, note := range noteDocs {
		docs, err := s.store.Query(ctx, commentsCollection(note.ID), filters, nil)
		if err != nil {
			return nil, err
		}
		merged = append(merged, commentsFromDocs(docs)...)
	}
	return truncateActivity(merged, limit), nil
}

// SubscribeActivity keeps a live recent-activity feed. It follows the note
// set and maintains one comment subscription per live note: a note appearing
// or disappearing, or any comment change, triggers a fresh merged delivery.
// Deleted notes' orphan comments drop out of the feed with their note.
func (s *CommentService) SubscribeActivity(ctx context.Context, actor identity.Principal, since time.Time, limit int, fn func([]Comment)) (docstore.CancelFunc, error) {
	if !actor.Can(perm.ActionViewBoard) {
		return nil, perm.ErrPermissionDenied
	}
	if limit <= 0 {
		limit = DefaultActivityLimit
	}
	feed := &activityFeed{
		store:   s.store,
		log:     s.log,
		filters: activityFilters(since),
		limit:   limit,
		fn:      fn,
		byNote:  make(map[string][]Comment),
		cancels: make(map[string]docstore.CancelFunc),
	}
	cancelNotes, err := s.store.Subscribe(ctx, notesCollection, nil, nil, func(docs []docstore.Document) {
		feed.onNotes(ctx, docs)
	})
	if err != nil {
		return nil, err
	}
	var once sync.Once
	cancel := func() {
		once.Do(func() {
			cancelNotes()
			feed.close()
		})
	}
	return cancel, nil
}

// activityFeed is the state behind one SubscribeActivity registration. All
// fields are guarded by mu; emissions happen under the lock so merged
// snapshots go out in order.
type activityFeed struct {
	store   docstore.Store
	log     *zap.Logger
	filters []docstore.Filter
	limit   int
	fn      func([]Comment)

	mu      sync.Mutex
	closed  bool
	byNote  map[string][]Comment
	cancels map[string]docstore.CancelFunc
}

func (f *activityFeed) onNotes(ctx context.Context, docs []docstore.Document) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	live := make(map[string]bool, len(docs))
	for _, doc := range docs {
		live[doc.ID] = true
	}
	for id, cancel := range f.cancels {
		if !live[id] {
			cancel()
			delete(f.cancels, id)
			delete(f.byNote, id)
		}
	}
	for id := range live {
		if _, ok := f.cancels[id]; ok {
			continue
		}
		noteID := id
		cancel, err := f.store.Subscribe(ctx, commentsCollection(noteID), f.filters, nil, func(commentDocs []docstore.Document) {
			f.onComments(noteID, commentDocs)
		})
		if err != nil {
			f.log.Warn("activity feed subscription failed",
				zap.String("note", noteID),
				zap.Error(err))
			continue
		}
		f.cancels[noteID] = cancel
	}
	f.emitLocked()
}

func (f *activityFeed) onComments(noteID string, docs []docstore.Document) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	if _, ok := f.cancels[noteID]; !ok {
		return
	}
	f.byNote[noteID] = commentsFromDocs(docs)
	f.emitLocked()
}

func (f *activityFeed) emitLocked() {
	var merged []Comment
	for _, comments := range f.byNote {
		merged = append(merged, comments...)
	}
	f.fn(truncateActivity(merged, f.limit))
}

func (f *activityFeed) close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	for _, cancel := range f.cancels {
		cancel()
	}
	f.cancels = map[string]docstore.CancelFunc{}
	f.byNote = map[string][]Comment{}
}

// unpinSiblings builds updates clearing the pin on every comment in the
// collection except keepID. It covers the full comment set, not just the
// comments a read saw pinned, so the batch restores exclusivity no matter
// how it interleaves with a concurrent pin.
func (s *CommentService) unpinSiblings(ctx context.Context, collection, keepID string) ([]docstore.Write, error) {
	docs, err := s.store.Query(ctx, collection, nil, nil)
	if err != nil {
		return nil, err
	}
	var writes []docstore.Write
	for _, doc := range docs {
		if doc.ID == keepID {
			continue
		}
		writes = append(writes, docstore.Write{
			Kind:       docstore.WriteUpdate,
			Collection: collection,
			ID:         doc.ID,
			Fields:     map[string]any{"isPinned": false},
		})
	}
	return writes, nil
}

func (s *CommentService) noteExists(ctx context.Context, noteID string) error {
	docs, err := s.store.Query(ctx, notesCollection, []docstore.Filter{
		{Field: "id", Op: docstore.OpEqual, Value: noteID},
	}, nil)
	if err != nil {
		return err
	}
	if len(docs) == 0 {
		return docstore.ErrNotFound
	}
	return nil
}

func (s *CommentService) get(ctx context.Context, noteID, commentID string) (Comment, error) {
	docs, err := s.store.Query(ctx, commentsCollection(noteID), []docstore.Filter{
		{Field: "id", Op: docstore.OpEqual, Value: commentID},
	}, nil)
	if err != nil {
		return Comment{}, err
	}
	if len(docs) == 0 {
		return Comment{}, docstore.ErrNotFound
	}
	return commentFromDoc(docs[0]), nil
}

// activityFilters restricts activity reads to comments created strictly
// after since; a zero since means no restriction.
func activityFilters(since time.Time) []docstore.Filter {
	if since.IsZero() {
		return nil
	}
	return []docstore.Filter{{Field: "createdAt", Op: docstore.OpGreater, Value: since}}
}

func commentOrder() []docstore.Order {
	return []docstore.Order{
		{Field: "isPinned", Desc: true},
		{Field: "createdAt", Desc: true},
	}
}

func truncateActivity(comments []Comment, limit int) []Comment {
	sort.SliceStable(comments, func(i, j int) bool {
		if !comments[i].CreatedAt.Equal(comments[j].CreatedAt) {
			return comments[i].CreatedAt.After(comments[j].CreatedAt)
		}
		return comments[i].ID > comments[j].ID
	})
	if len(comments) > limit {
		comments = comments[:limit]
	}
	return comments
}
