package httpapi

import (
	"net/http"
)

type commentRequest struct {
	Content string `json:"content"`
	Pinned  bool   `json:"pinned"`
}

type pinRequest struct {
	Pinned bool `json:"pinned"`
}

func (a *API) handleComments(w http.ResponseWriter, r *http.Request, noteID string) {
	principal, ok := a.principalOr401(w, r)
	if !ok {
		return
	}
	switch r.Method {
	case http.MethodGet:
		comments, err := a.comments.List(r.Context(), principal, noteID)
		if err != nil {
			a.handleDomainError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"comments": comments})
	case http.MethodPost:
		var req commentRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		comment, err := a.comments.Create(r.Context(), principal, noteID, req.Content, req.Pinned)
		if err != nil {
			a.handleDomainError(w, r, err)
			return
		}
		w.Header().Set("Location", "/v1/notes/"+noteID+"/comments/"+comment.ID)
		writeJSON(w, http.StatusCreated, comment)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPost)
	}
}

func (a *API) handleCommentItem(w http.ResponseWriter, r *http.Request, noteID, commentID string) {
	principal, ok := a.principalOr401(w, r)
	if !ok {
		return
	}
	switch r.Method {
	case http.MethodPatch:
		var req commentRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		if err := a.comments.Update(r.Context(), principal, noteID, commentID, req.Content); err != nil {
			a.handleDomainError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	case http.MethodDelete:
		if err := a.comments.Remove(r.Context(), principal, noteID, commentID); err != nil {
			a.handleDomainError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		methodNotAllowed(w, r, http.MethodPatch, http.MethodDelete)
	}
}

func (a *API) handleCommentPin(w http.ResponseWriter, r *http.Request, noteID, commentID string) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	principal, ok := a.principalOr401(w, r)
	if !ok {
		return
	}
	var req pinRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if err := a.comments.SetPinned(r.Context(), principal, noteID, commentID, req.Pinned); err != nil {
		a.handleDomainError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
