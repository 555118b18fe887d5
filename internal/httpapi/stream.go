package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"ebbflow.dev/internal/board"
	"ebbflow.dev/internal/docstore"
)

// streamNotes pushes full note snapshots over Server-Sent Events.
func (a *API) streamNotes(w http.ResponseWriter, r *http.Request) {
	principal, ok := a.principalOr401(w, r)
	if !ok {
		return
	}
	a.serveSSE(w, r, func(ctx context.Context, emit func(any)) (docstore.CancelFunc, error) {
		return a.notes.Subscribe(ctx, principal, noteFilterFromQuery(r), func(notes []board.Note) {
			emit(map[string]any{"notes": notes})
		})
	})
}

// streamNoteScoped routes /v1/stream/notes/{id}/comments.
func (a *API) streamNoteScoped(w http.ResponseWriter, r *http.Request) {
	path := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/stream/notes/"), "/")
	parts := strings.Split(path, "/")
	if len(parts) != 2 || parts[1] != "comments" {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	principal, ok := a.principalOr401(w, r)
	if !ok {
		return
	}
	noteID := parts[0]
	a.serveSSE(w, r, func(ctx context.Context, emit func(any)) (docstore.CancelFunc, error) {
		return a.comments.Subscribe(ctx, principal, noteID, func(comments []board.Comment) {
			emit(map[string]any{"comments": comments})
		})
	})
}

// streamActivity pushes the merged recent-comment feed.
func (a *API) streamActivity(w http.ResponseWriter, r *http.Request) {
	principal, ok := a.principalOr401(w, r)
	if !ok {
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	since, ok := sinceParam(w, r)
	if !ok {
		return
	}
	a.serveSSE(w, r, func(ctx context.Context, emit func(any)) (docstore.CancelFunc, error) {
		return a.comments.SubscribeActivity(ctx, principal, since, limit, func(comments []board.Comment) {
			emit(map[string]any{"activity": comments})
		})
	})
}

// serveSSE runs one event-stream connection: subscribe, forward snapshots
// until the client goes away, then cancel.
func (a *API) serveSSE(w http.ResponseWriter, r *http.Request, subscribe func(context.Context, func(any)) (docstore.CancelFunc, error)) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	ctx, cancelCtx := context.WithCancel(r.Context())
	defer cancelCtx()

	events := make(chan any, 8)
	emit := func(event any) {
		select {
		case events <- event:
		case <-ctx.Done():
		}
	}
	cancel, err := subscribe(ctx, emit)
	if err != nil {
		a.handleDomainError(w, r, err)
		return
	}
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	// Send an initial comment to establish the stream
	_, _ = w.Write([]byte(": stream started\n\n"))
	flusher.Flush()

	for {
		select {
		case <-ctx.Done():
			return
		case event := <-events:
			payload, err := json.Marshal(event)
			if err != nil {
				continue
			}
			_, _ = w.Write([]byte("data: "))
			_, _ = w.Write(payload)
			_, _ = w.Write([]byte("\n\n"))
			flusher.Flush()
		}
	}
}
