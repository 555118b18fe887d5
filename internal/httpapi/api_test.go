package httpapi

import (
	"bufio"
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"ebbflow.dev/internal/board"
	"ebbflow.dev/internal/docstore"
	"ebbflow.dev/internal/identity"
	"ebbflow.dev/internal/localkv"
	"ebbflow.dev/internal/perm"
)

type testAPI struct {
	api     *API
	handler http.Handler
	store   *docstore.Memory
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	t.Setenv("EBB_AUTH_SECRET", "test-secret")
	identity.ResetSecretForTests()
	t.Cleanup(identity.ResetSecretForTests)

	store := docstore.NewMemory()
	resolver, err := identity.NewResolver(store, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	notes, err := board.NewNoteService(store, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	comments, err := board.NewCommentService(store, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	kv, err := localkv.OpenInMemory()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { kv.Close() })

	api, err := New(Config{
		Resolver: resolver,
		Notes:    notes,
		Comments: comments,
		Store:    store,
		Visits:   kv,
		Version:  "test",
		Log:      zap.NewNop(),
	})
	if err != nil {
		t.Fatal(err)
	}
	return &testAPI{api: api, handler: api.Handler(), store: store}
}

func token(t *testing.T, uid string, role perm.Role) string {
	t.Helper()
	p := identity.Principal{
		AuthIdentity: identity.AuthIdentity{UID: uid, DisplayName: "User " + uid},
		Role:         role,
	}
	tok, err := identity.GenerateToken(p, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	return tok
}

func (ta *testAPI) do(t *testing.T, method, path, tok string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	rec := httptest.NewRecorder()
	ta.handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, dst any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), dst); err != nil {
		t.Fatalf("decode response: %v (%s)", err, rec.Body.String())
	}
}

func TestPublicEndpoints(t *testing.T) {
	ta := newTestAPI(t)
	for _, path := range []string{"/healthz", "/readyz", "/v1/info", "/metrics"} {
		rec := ta.do(t, http.MethodGet, path, "", nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("%s -> %d", path, rec.Code)
		}
	}
}

func TestProtectedEndpointRequiresToken(t *testing.T) {
	ta := newTestAPI(t)
	rec := ta.do(t, http.MethodGet, "/v1/notes", "", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	rec = ta.do(t, http.MethodGet, "/v1/notes", "garbage", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("bad token: expected 401, got %d", rec.Code)
	}
}

func TestRegisterAndLoginFlow(t *testing.T) {
	ta := newTestAPI(t)

	rec := ta.do(t, http.MethodPost, "/v1/auth/register", "", map[string]any{
		"email":       "ada@example.test",
		"password":    "s3cretpass",
		"displayName": "Ada",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("register -> %d: %s", rec.Code, rec.Body.String())
	}
	var reg authResponse
	decodeBody(t, rec, &reg)
	if reg.Token == "" || reg.Principal.Role != "viewer" {
		t.Fatalf("unexpected register response: %+v", reg)
	}

	rec = ta.do(t, http.MethodPost, "/v1/auth/login", "", map[string]any{
		"email":    "ada@example.test",
		"password": "s3cretpass",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("login -> %d", rec.Code)
	}

	rec = ta.do(t, http.MethodPost, "/v1/auth/login", "", map[string]any{
		"email":    "ada@example.test",
		"password": "wrong",
	})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("bad login -> %d", rec.Code)
	}

	// Duplicate registration conflicts.
	rec = ta.do(t, http.MethodPost, "/v1/auth/register", "", map[string]any{
		"email":    "ada@example.test",
		"password": "otherpass",
	})
	if rec.Code != http.StatusConflict {
		t.Fatalf("duplicate register -> %d", rec.Code)
	}
}

func TestNoteLifecycle(t *testing.T) {
	ta := newTestAPI(t)
	editor := token(t, "e1", perm.RoleEditor)
	viewer := token(t, "v1", perm.RoleViewer)

	rec := ta.do(t, http.MethodPost, "/v1/notes", viewer, map[string]any{"title": "nope"})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("viewer create -> %d", rec.Code)
	}

	rec = ta.do(t, http.MethodPost, "/v1/notes", editor, map[string]any{
		"title":      "Ship the sync layer",
		"content":    "details",
		"categories": []string{"infra"},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create -> %d: %s", rec.Code, rec.Body.String())
	}
	var note board.Note
	decodeBody(t, rec, &note)
	if note.ID == "" || note.AssignedTo.UID != "e1" {
		t.Fatalf("unexpected note: %+v", note)
	}

	rec = ta.do(t, http.MethodPost, "/v1/notes", editor, map[string]any{"title": "   "})
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("blank title -> %d", rec.Code)
	}

	rec = ta.do(t, http.MethodPatch, "/v1/notes/"+note.ID, editor, map[string]any{
		"status": "review",
	})
	if rec.Code != http.StatusNoContent {
		t.Fatalf("patch -> %d: %s", rec.Code, rec.Body.String())
	}

	rec = ta.do(t, http.MethodGet, "/v1/notes/"+note.ID, viewer, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get -> %d", rec.Code)
	}
	var got board.Note
	decodeBody(t, rec, &got)
	if got.Status != board.StatusReview || got.CreatedBy.UID != "e1" {
		t.Fatalf("unexpected note after patch: %+v", got)
	}

	rec = ta.do(t, http.MethodGet, "/v1/notes/missing", viewer, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("missing note -> %d", rec.Code)
	}

	rec = ta.do(t, http.MethodDelete, "/v1/notes/"+note.ID, editor, nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("delete -> %d", rec.Code)
	}
}

func TestCommentAndPinFlow(t *testing.T) {
	ta := newTestAPI(t)
	admin := token(t, "a1", perm.RoleAdmin)
	editor := token(t, "e1", perm.RoleEditor)

	rec := ta.do(t, http.MethodPost, "/v1/notes", admin, map[string]any{"title": "n"})
	var note board.Note
	decodeBody(t, rec, &note)

	rec = ta.do(t, http.MethodPost, "/v1/notes/"+note.ID+"/comments", editor, map[string]any{"content": "hi"})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("editor comment -> %d", rec.Code)
	}

	var first, second board.Comment
	rec = ta.do(t, http.MethodPost, "/v1/notes/"+note.ID+"/comments", admin, map[string]any{"content": "first"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("comment -> %d: %s", rec.Code, rec.Body.String())
	}
	decodeBody(t, rec, &first)
	rec = ta.do(t, http.MethodPost, "/v1/notes/"+note.ID+"/comments", admin, map[string]any{"content": "second"})
	decodeBody(t, rec, &second)

	rec = ta.do(t, http.MethodPost, "/v1/notes/"+note.ID+"/comments/"+first.ID+"/pin", admin, map[string]any{"pinned": true})
	if rec.Code != http.StatusNoContent {
		t.Fatalf("pin -> %d: %s", rec.Code, rec.Body.String())
	}
	rec = ta.do(t, http.MethodPost, "/v1/notes/"+note.ID+"/comments/"+second.ID+"/pin", admin, map[string]any{"pinned": true})
	if rec.Code != http.StatusNoContent {
		t.Fatalf("repin -> %d", rec.Code)
	}

	rec = ta.do(t, http.MethodGet, "/v1/notes/"+note.ID+"/comments", editor, nil)
	var listing struct {
		Comments []board.Comment `json:"comments"`
	}
	decodeBody(t, rec, &listing)
	var pinned []string
	for _, c := range listing.Comments {
		if c.IsPinned {
			pinned = append(pinned, c.ID)
		}
	}
	if len(pinned) != 1 || pinned[0] != second.ID {
		t.Fatalf("pinned = %v, want only %s", pinned, second.ID)
	}

	// A comment created pinned displaces the standing pin.
	rec = ta.do(t, http.MethodPost, "/v1/notes/"+note.ID+"/comments", admin, map[string]any{"content": "third", "pinned": true})
	if rec.Code != http.StatusCreated {
		t.Fatalf("pinned comment -> %d: %s", rec.Code, rec.Body.String())
	}
	var third board.Comment
	decodeBody(t, rec, &third)
	if !third.IsPinned {
		t.Fatal("comment not born pinned")
	}
	rec = ta.do(t, http.MethodGet, "/v1/notes/"+note.ID+"/comments", editor, nil)
	listing.Comments = nil
	decodeBody(t, rec, &listing)
	pinned = nil
	for _, c := range listing.Comments {
		if c.IsPinned {
			pinned = append(pinned, c.ID)
		}
	}
	if len(pinned) != 1 || pinned[0] != third.ID {
		t.Fatalf("pinned = %v, want only %s", pinned, third.ID)
	}

	// Another admin cannot edit someone else's comment.
	other := token(t, "a2", perm.RoleAdmin)
	rec = ta.do(t, http.MethodPatch, "/v1/notes/"+note.ID+"/comments/"+first.ID, other, map[string]any{"content": "hijack"})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("other admin edit -> %d", rec.Code)
	}
}

func TestRoleManagement(t *testing.T) {
	ta := newTestAPI(t)
	admin := token(t, "a1", perm.RoleAdmin)
	editor := token(t, "e1", perm.RoleEditor)

	// Provision a profile by registering.
	rec := ta.do(t, http.MethodPost, "/v1/auth/register", "", map[string]any{
		"email":    "kim@example.test",
		"password": "s3cretpass",
	})
	var reg authResponse
	decodeBody(t, rec, &reg)

	rec = ta.do(t, http.MethodPut, "/v1/users/"+reg.Principal.UID+"/role", editor, map[string]any{"role": "editor"})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("editor role change -> %d", rec.Code)
	}
	rec = ta.do(t, http.MethodPut, "/v1/users/"+reg.Principal.UID+"/role", admin, map[string]any{"role": "editor"})
	if rec.Code != http.StatusNoContent {
		t.Fatalf("admin role change -> %d: %s", rec.Code, rec.Body.String())
	}
	rec = ta.do(t, http.MethodPut, "/v1/users/"+reg.Principal.UID+"/role", admin, map[string]any{"role": "overlord"})
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("bogus role -> %d", rec.Code)
	}

	rec = ta.do(t, http.MethodGet, "/v1/users", editor, nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("editor listing -> %d", rec.Code)
	}
	rec = ta.do(t, http.MethodGet, "/v1/users", admin, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("admin listing -> %d", rec.Code)
	}
}

func TestBoardViewEndpoint(t *testing.T) {
	ta := newTestAPI(t)
	editor := token(t, "e1", perm.RoleEditor)

	for _, spec := range []struct{ title, status string }{
		{"done", "complete"},
		{"reviewing", "review"},
		{"queued", "backlog"},
	} {
		rec := ta.do(t, http.MethodPost, "/v1/notes", editor, map[string]any{
			"title":  spec.title,
			"status": spec.status,
		})
		if rec.Code != http.StatusCreated {
			t.Fatalf("create %s -> %d", spec.title, rec.Code)
		}
	}

	rec := ta.do(t, http.MethodGet, "/v1/board", editor, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("board -> %d: %s", rec.Code, rec.Body.String())
	}
	var payload struct {
		Board []struct {
			Title  string `json:"title"`
			Unseen bool   `json:"unseen"`
		} `json:"board"`
	}
	decodeBody(t, rec, &payload)
	if len(payload.Board) != 3 {
		t.Fatalf("board size = %d", len(payload.Board))
	}
	if payload.Board[0].Title != "reviewing" || payload.Board[2].Title != "done" {
		t.Fatalf("board order: %+v", payload.Board)
	}
	// First-ever session: everything is unseen.
	for _, item := range payload.Board {
		if !item.Unseen {
			t.Fatalf("expected unseen items on first visit: %+v", payload.Board)
		}
	}
}

func TestActivitySinceParam(t *testing.T) {
	ta := newTestAPI(t)
	admin := token(t, "a1", perm.RoleAdmin)

	rec := ta.do(t, http.MethodPost, "/v1/notes", admin, map[string]any{"title": "n"})
	var note board.Note
	decodeBody(t, rec, &note)

	var older, newer board.Comment
	rec = ta.do(t, http.MethodPost, "/v1/notes/"+note.ID+"/comments", admin, map[string]any{"content": "older"})
	decodeBody(t, rec, &older)
	time.Sleep(2 * time.Millisecond)
	rec = ta.do(t, http.MethodPost, "/v1/notes/"+note.ID+"/comments", admin, map[string]any{"content": "newer"})
	decodeBody(t, rec, &newer)

	since := url.QueryEscape(older.CreatedAt.Format(time.RFC3339Nano))
	rec = ta.do(t, http.MethodGet, "/v1/activity?since="+since, admin, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("activity -> %d: %s", rec.Code, rec.Body.String())
	}
	var payload struct {
		Activity []board.Comment `json:"activity"`
	}
	decodeBody(t, rec, &payload)
	if len(payload.Activity) != 1 || payload.Activity[0].ID != newer.ID {
		t.Fatalf("since filter result: %+v", payload.Activity)
	}

	rec = ta.do(t, http.MethodGet, "/v1/activity?since=not-a-time", admin, nil)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("bad since -> %d", rec.Code)
	}
}

func TestStreamNotesSSE(t *testing.T) {
	ta := newTestAPI(t)
	editor := token(t, "e1", perm.RoleEditor)

	rec := ta.do(t, http.MethodPost, "/v1/notes", editor, map[string]any{"title": "streamed"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create -> %d", rec.Code)
	}

	srv := httptest.NewServer(ta.handler)
	defer srv.Close()

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/v1/stream/notes", nil)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Authorization", "Bearer "+editor)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("stream -> %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Fatalf("content type = %s", ct)
	}

	scanner := bufio.NewScanner(resp.Body)
	deadline := time.AfterFunc(5*time.Second, func() { resp.Body.Close() })
	defer deadline.Stop()
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "data: ") {
			if !strings.Contains(line, "streamed") {
				t.Fatalf("first snapshot missing note: %s", line)
			}
			return
		}
	}
	t.Fatal("no data event received")
}
