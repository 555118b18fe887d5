package httpapi

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"ebbflow.dev/internal/board"
	"ebbflow.dev/internal/identity"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || isLocalOrigin(origin)
	},
}

const wsWriteTimeout = 10 * time.Second

// wsNotes pushes full note snapshots over a WebSocket. The endpoint
// authenticates itself: browsers cannot attach an Authorization header to a
// WebSocket handshake, so the token also travels in the query string.
func (a *API) wsNotes(w http.ResponseWriter, r *http.Request) {
	principal, ok := identity.PrincipalFromContext(r.Context())
	if !ok {
		token := r.URL.Query().Get("token")
		if header := r.Header.Get(authHeader); token == "" && header != "" {
			token, _ = extractBearerToken(header)
		}
		var err error
		principal, err = identity.ParseToken(token)
		if err != nil {
			writeError(w, r, http.StatusUnauthorized, "invalid token")
			return
		}
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	cancel, err := a.notes.Subscribe(r.Context(), principal, noteFilterFromQuery(r), func(notes []board.Note) {
		conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		if err := conn.WriteJSON(map[string]any{"notes": notes}); err != nil {
			conn.Close()
		}
	})
	if err != nil {
		a.log.Warn("ws subscribe failed", zap.Error(err))
		return
	}
	defer cancel()

	// Drain the read side to observe the close handshake.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
