package httpapi

import (
	"net/http"
	"strings"

	"ebbflow.dev/internal/board"
)

type assignRequest struct {
	UID         string `json:"uid"`
	DisplayName string `json:"displayName"`
	AvatarURL   string `json:"avatarUrl"`
}

func (a *API) handleNotes(w http.ResponseWriter, r *http.Request) {
	principal, ok := a.principalOr401(w, r)
	if !ok {
		return
	}
	switch r.Method {
	case http.MethodGet:
		notes, err := a.notes.List(r.Context(), principal, noteFilterFromQuery(r))
		if err != nil {
			a.handleDomainError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"notes": notes})
	case http.MethodPost:
		var draft board.NoteDraft
		if err := decodeJSON(w, r, &draft); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		note, err := a.notes.Create(r.Context(), principal, draft)
		if err != nil {
			a.handleDomainError(w, r, err)
			return
		}
		w.Header().Set("Location", "/v1/notes/"+note.ID)
		writeJSON(w, http.StatusCreated, note)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPost)
	}
}

// handleNoteScoped routes /v1/notes/{id}[/assign|/comments[/{cid}[/pin]]].
func (a *API) handleNoteScoped(w http.ResponseWriter, r *http.Request) {
	path := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/notes/"), "/")
	if path == "" {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	parts := strings.Split(path, "/")
	noteID := parts[0]
	switch {
	case len(parts) == 1:
		a.handleNoteItem(w, r, noteID)
	case len(parts) == 2 && parts[1] == "assign":
		a.handleNoteAssign(w, r, noteID)
	case len(parts) == 2 && parts[1] == "thread":
		a.handleNoteThread(w, r, noteID)
	case len(parts) == 2 && parts[1] == "comments":
		a.handleComments(w, r, noteID)
	case len(parts) == 3 && parts[1] == "comments":
		a.handleCommentItem(w, r, noteID, parts[2])
	case len(parts) == 4 && parts[1] == "comments" && parts[3] == "pin":
		a.handleCommentPin(w, r, noteID, parts[2])
	default:
		writeError(w, r, http.StatusNotFound, "resource not found")
	}
}

func (a *API) handleNoteItem(w http.ResponseWriter, r *http.Request, noteID string) {
	principal, ok := a.principalOr401(w, r)
	if !ok {
		return
	}
	switch r.Method {
	case http.MethodGet:
		note, err := a.notes.Get(r.Context(), principal, noteID)
		if err != nil {
			a.handleDomainError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, note)
	case http.MethodPatch:
		var patch board.NotePatch
		if err := decodeJSON(w, r, &patch); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		if err := a.notes.Update(r.Context(), principal, noteID, patch); err != nil {
			a.handleDomainError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	case http.MethodDelete:
		if err := a.notes.Remove(r.Context(), principal, noteID); err != nil {
			a.handleDomainError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPatch, http.MethodDelete)
	}
}

func (a *API) handleNoteAssign(w http.ResponseWriter, r *http.Request, noteID string) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	principal, ok := a.principalOr401(w, r)
	if !ok {
		return
	}
	var req assignRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	assignee := board.UserRef{UID: req.UID, DisplayName: req.DisplayName, AvatarURL: req.AvatarURL}
	if err := a.notes.Assign(r.Context(), principal, noteID, assignee); err != nil {
		a.handleDomainError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func noteFilterFromQuery(r *http.Request) board.NoteFilter {
	return board.NoteFilter{
		Status:   board.Status(r.URL.Query().Get("status")),
		Category: r.URL.Query().Get("category"),
	}
}
