package httpapi

import (
	"net/http"
	"strconv"
	"time"

	"ebbflow.dev/internal/board"
	"ebbflow.dev/internal/view"
)

// handleBoard serves the derived board: priority-sorted notes with unseen
// markers and comment counts, filterable by status and category.
func (a *API) handleBoard(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	principal, ok := a.principalOr401(w, r)
	if !ok {
		return
	}
	notes, err := a.notes.List(r.Context(), principal, board.NoteFilter{})
	if err != nil {
		a.handleDomainError(w, r, err)
		return
	}

	var items []view.NoteItem
	if session := a.sessionFor(principal.UID); session != nil {
		session.ApplyNotes(notes)
		items = session.Board(board.Status(r.URL.Query().Get("status")), r.URL.Query().Get("category"))
	} else {
		items = view.FilterBoard(
			view.DeriveBoard(notes, time.Time{}),
			board.Status(r.URL.Query().Get("status")),
			r.URL.Query().Get("category"))
	}
	for i := range items {
		count, err := a.comments.Count(r.Context(), principal, items[i].ID)
		if err != nil {
			a.handleDomainError(w, r, err)
			return
		}
		items[i].CommentCount = count
	}
	writeJSON(w, http.StatusOK, map[string]any{"board": items})
}

// handleNoteThread serves one note's derived comment panel.
func (a *API) handleNoteThread(w http.ResponseWriter, r *http.Request, noteID string) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	principal, ok := a.principalOr401(w, r)
	if !ok {
		return
	}
	if _, err := a.notes.Get(r.Context(), principal, noteID); err != nil {
		a.handleDomainError(w, r, err)
		return
	}
	comments, err := a.comments.List(r.Context(), principal, noteID)
	if err != nil {
		a.handleDomainError(w, r, err)
		return
	}
	var thread view.Thread
	if session := a.sessionFor(principal.UID); session != nil {
		session.ApplyThread(noteID, comments)
		thread = session.Thread(noteID)
	} else {
		thread = view.DeriveThread(comments, time.Time{})
	}
	writeJSON(w, http.StatusOK, thread)
}

// handleActivity serves the merged recent-comment feed.
func (a *API) handleActivity(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	principal, ok := a.principalOr401(w, r)
	if !ok {
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	since, ok := sinceParam(w, r)
	if !ok {
		return
	}
	feed, err := a.comments.RecentActivity(r.Context(), principal, since, limit)
	if err != nil {
		a.handleDomainError(w, r, err)
		return
	}
	var items []view.CommentItem
	if session := a.sessionFor(principal.UID); session != nil {
		session.ApplyActivity(feed)
		items = session.Activity()
	} else {
		items = view.DeriveActivity(feed, time.Time{})
	}
	writeJSON(w, http.StatusOK, map[string]any{"activity": items})
}

// sinceParam parses the optional RFC 3339 "since" query parameter. A bad
// value is rejected rather than silently widened to the full feed.
func sinceParam(w http.ResponseWriter, r *http.Request) (time.Time, bool) {
	raw := r.URL.Query().Get("since")
	if raw == "" {
		return time.Time{}, true
	}
	since, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		writeError(w, r, http.StatusUnprocessableEntity, "since must be RFC 3339")
		return time.Time{}, false
	}
	return since, true
}
