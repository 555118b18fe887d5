// Package httpapi is the HTTP surface of the board: REST handlers, the
// authentication middleware, and the live SSE/WebSocket feeds.
package httpapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"ebbflow.dev/internal/board"
	"ebbflow.dev/internal/docstore"
	"ebbflow.dev/internal/identity"
	"ebbflow.dev/internal/localkv"
	"ebbflow.dev/internal/obs"
	"ebbflow.dev/internal/perm"
	"ebbflow.dev/internal/view"
)

// ReadyProbe reports backend readiness, typically a database ping.
type ReadyProbe struct {
	DB *sql.DB
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB == nil {
		return nil
	}
	return rp.DB.PingContext(ctx)
}

// Config carries the collaborators the API serves.
type Config struct {
	Resolver *identity.Resolver
	Notes    *board.NoteService
	Comments *board.CommentService
	Store    docstore.Store
	Visits   *localkv.Store
	Probe    ReadyProbe
	Version  string
	Log      *zap.Logger
	TokenTTL time.Duration
}

// API is the HTTP layer.
type API struct {
	mux      *http.ServeMux
	resolver *identity.Resolver
	notes    *board.NoteService
	comments *board.CommentService
	store    docstore.Store
	visits   *localkv.Store
	probe    ReadyProbe
	version  string
	log      *zap.Logger
	tokenTTL time.Duration

	sessionMu sync.Mutex
	sessions  map[string]*view.Session
}

func New(cfg Config) (*API, error) {
	if cfg.Resolver == nil || cfg.Notes == nil || cfg.Comments == nil || cfg.Store == nil {
		return nil, errors.New("httpapi: resolver, notes, comments and store are required")
	}
	if cfg.Log == nil {
		cfg.Log = zap.NewNop()
	}
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = 12 * time.Hour
	}
	a := &API{
		mux:      http.NewServeMux(),
		resolver: cfg.Resolver,
		notes:    cfg.Notes,
		comments: cfg.Comments,
		store:    cfg.Store,
		visits:   cfg.Visits,
		probe:    cfg.Probe,
		version:  cfg.Version,
		log:      cfg.Log,
		tokenTTL: cfg.TokenTTL,
		sessions: make(map[string]*view.Session),
	}

	a.mux.HandleFunc("/healthz", a.Healthz)
	a.mux.HandleFunc("/readyz", a.Ready)
	a.mux.HandleFunc("/v1/info", a.Info)
	a.mux.Handle("/metrics", obs.Handler())

	a.mux.HandleFunc("/v1/auth/register", a.handleRegister)
	a.mux.HandleFunc("/v1/auth/login", a.handleLogin)

	a.mux.HandleFunc("/v1/notes", a.handleNotes)
	a.mux.HandleFunc("/v1/notes/", a.handleNoteScoped)
	a.mux.HandleFunc("/v1/users", a.handleUsers)
	a.mux.HandleFunc("/v1/users/", a.handleUserScoped)
	a.mux.HandleFunc("/v1/assignees", a.handleAssignees)
	a.mux.HandleFunc("/v1/board", a.handleBoard)
	a.mux.HandleFunc("/v1/activity", a.handleActivity)

	a.mux.HandleFunc("/v1/stream/notes", a.streamNotes)
	a.mux.HandleFunc("/v1/stream/notes/", a.streamNoteScoped)
	a.mux.HandleFunc("/v1/stream/activity", a.streamActivity)
	a.mux.HandleFunc("/v1/ws/notes", a.wsNotes)

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})

	return a, nil
}

// Handler returns the fully wrapped handler for the server.
func (a *API) Handler() http.Handler {
	var h http.Handler = a.mux
	h = a.withAuth(h)
	h = MaxBodyBytes(h, 1<<20)
	h = RateLimit(h, 60, 30)
	h = SecurityHeaders(h)
	h = CORS(h)
	h = Logging(a.log, h)
	h = RequestID(h)
	return obs.Instrument(h)
}

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "ebb-api",
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.probe.Check(r.Context()); err != nil {
		obs.SetReady(false)
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	obs.SetReady(true)
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    "ebb-api",
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.version,
	})
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	payload := map[string]any{
		"error": msg,
	}
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request, allowed ...string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	reader := http.MaxBytesReader(w, r.Body, 1<<20)
	defer reader.Close()
	dec := json.NewDecoder(reader)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}

// handleDomainError maps domain sentinels onto HTTP statuses. Unmatched
// errors stay opaque to the client.
func (a *API) handleDomainError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, perm.ErrPermissionDenied):
		writeError(w, r, http.StatusForbidden, "permission denied")
	case errors.Is(err, identity.ErrNotAuthenticated), errors.Is(err, identity.ErrInvalidToken):
		writeError(w, r, http.StatusUnauthorized, "not authenticated")
	case errors.Is(err, docstore.ErrNotFound), errors.Is(err, identity.ErrNotFound):
		writeError(w, r, http.StatusNotFound, "resource not found")
	case errors.Is(err, board.ErrValidation), errors.Is(err, identity.ErrInvalidInput):
		writeError(w, r, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, identity.ErrAlreadyExists):
		writeError(w, r, http.StatusConflict, err.Error())
	case errors.Is(err, docstore.ErrUnavailable):
		writeError(w, r, http.StatusServiceUnavailable, "store unavailable")
	default:
		a.log.Error("request failed", zap.String("path", r.URL.Path), zap.Error(err))
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}

// principalOr401 pulls the authenticated principal; the auth middleware
// guarantees it on protected paths, this is the backstop.
func (a *API) principalOr401(w http.ResponseWriter, r *http.Request) (identity.Principal, bool) {
	p, ok := identity.PrincipalFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "not authenticated")
		return identity.Principal{}, false
	}
	return p, true
}
