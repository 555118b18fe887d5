package httpapi

import (
	"net/http"
	"time"

	"go.uber.org/zap"

	"ebbflow.dev/internal/identity"
	"ebbflow.dev/internal/view"
)

type registerRequest struct {
	Email       string `json:"email"`
	Password    string `json:"password"`
	DisplayName string `json:"displayName"`
	AvatarURL   string `json:"avatarUrl"`
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type authResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
	Principal principalPayload `json:"principal"`
}

type principalPayload struct {
	UID         string `json:"uid"`
	Email       string `json:"email"`
	DisplayName string `json:"displayName"`
	AvatarURL   string `json:"avatarUrl,omitempty"`
	Role        string `json:"role"`
}

func payloadOf(p identity.Principal) principalPayload {
	return principalPayload{
		UID:         p.UID,
		Email:       p.Email,
		DisplayName: p.DisplayName,
		AvatarURL:   p.AvatarURL,
		Role:        string(p.Role),
	}
}

func (a *API) handleRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req registerRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	principal, err := a.resolver.Register(r.Context(), req.Email, req.Password, req.DisplayName, req.AvatarURL)
	if err != nil {
		a.handleDomainError(w, r, err)
		return
	}
	a.issueSession(w, r, principal, http.StatusCreated)
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req loginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	principal, err := a.resolver.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		a.handleDomainError(w, r, err)
		return
	}
	a.issueSession(w, r, principal, http.StatusOK)
}

// issueSession signs a token and opens the presentation session, moving the
// unseen boundary forward exactly once per sign-in.
func (a *API) issueSession(w http.ResponseWriter, r *http.Request, principal identity.Principal, code int) {
	token, err := identity.GenerateToken(principal, a.tokenTTL)
	if err != nil {
		a.log.Error("token issuance failed", zap.Error(err))
		writeError(w, r, http.StatusInternalServerError, "token generation failed")
		return
	}
	a.openSession(principal.UID)
	writeJSON(w, code, authResponse{
		Token:     token,
		ExpiresAt: time.Now().UTC().Add(a.tokenTTL),
		Principal: payloadOf(principal),
	})
}

// openSession replaces any live session for uid, stamping the visit. With
// no visit store configured the derived views run with a zero boundary and
// mark everything unseen.
func (a *API) openSession(uid string) *view.Session {
	if a.visits == nil {
		return nil
	}
	session, err := view.OpenSession(a.visits, uid, time.Now().UTC())
	if err != nil {
		a.log.Warn("session open failed", zap.String("uid", uid), zap.Error(err))
		return nil
	}
	a.sessionMu.Lock()
	a.sessions[uid] = session
	a.sessionMu.Unlock()
	return session
}

// sessionFor returns the live session for uid, opening one for principals
// that authenticated before the server started.
func (a *API) sessionFor(uid string) *view.Session {
	a.sessionMu.Lock()
	session, ok := a.sessions[uid]
	a.sessionMu.Unlock()
	if ok {
		return session
	}
	return a.openSession(uid)
}
