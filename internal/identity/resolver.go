// Package identity resolves authenticated identities to role-bearing
// principals, lazily provisioning a profile record on first sign-in.
package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"ebbflow.dev/internal/docstore"
	"ebbflow.dev/internal/perm"
)

const usersCollection = "users"

// Resolver maps authenticated identities to principals and manages stored
// profiles. The store client is passed in explicitly; there is no package
// level database handle.
type Resolver struct {
	store docstore.Store
	log   *zap.Logger
}

// NewResolver constructs a Resolver.
func NewResolver(store docstore.Store, log *zap.Logger) (*Resolver, error) {
	if store == nil {
		return nil, errors.New("identity: store is required")
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Resolver{store: store, log: log}, nil
}

// Resolve returns the principal for an authenticated identity. A missing
// profile is provisioned with the default viewer role. Any store fault
// degrades to viewer instead of blocking sign-in: a transient outage must
// never lock users out, it only costs them elevated rights until retry.
func (r *Resolver) Resolve(ctx context.Context, ident AuthIdentity) Principal {
	fallback := Principal{AuthIdentity: ident, Role: perm.RoleViewer}
	if strings.TrimSpace(ident.UID) == "" {
		return fallback
	}

	docs, err := r.store.Query(ctx, usersCollection,
		[]docstore.Filter{{Field: "uid", Op: docstore.OpEqual, Value: ident.UID}}, nil)
	if err != nil {
		r.log.Warn("profile lookup failed, degrading to viewer",
			zap.String("uid", ident.UID), zap.Error(err))
		return fallback
	}

	if len(docs) == 0 {
		if _, err := r.store.Insert(ctx, usersCollection, profileFields(ident, perm.RoleViewer)); err != nil {
			r.log.Warn("profile provisioning failed, degrading to viewer",
				zap.String("uid", ident.UID), zap.Error(err))
		}
		return fallback
	}

	role, err := perm.ParseRole(stringField(docs[0].Fields, "role"))
	if err != nil {
		r.log.Warn("stored role unreadable, degrading to viewer",
			zap.String("uid", ident.UID), zap.Error(err))
		return fallback
	}
	return Principal{AuthIdentity: ident, Role: role}
}

// SetRole updates a stored profile's role. Only admins may change roles; the
// new role is visible to readers of the profile on their next fetch.
func (r *Resolver) SetRole(ctx context.Context, actor Principal, targetUID string, role perm.Role) error {
	if !actor.Can(perm.ActionChangeRole) {
		return perm.ErrPermissionDenied
	}
	targetUID = strings.TrimSpace(targetUID)
	if targetUID == "" {
		return fmt.Errorf("%w: target uid is required", ErrInvalidInput)
	}
	if _, err := perm.ParseRole(string(role)); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	doc, err := r.findByUID(ctx, targetUID)
	if err != nil {
		return err
	}
	return r.store.Update(ctx, usersCollection, doc.ID, map[string]any{"role": string(role)})
}

// Profiles lists every stored profile; admin only.
func (r *Resolver) Profiles(ctx context.Context, actor Principal) ([]Profile, error) {
	if !actor.Can(perm.ActionChangeRole) {
		return nil, perm.ErrPermissionDenied
	}
	docs, err := r.store.Query(ctx, usersCollection, nil, []docstore.Order{{Field: "displayName"}})
	if err != nil {
		return nil, err
	}
	out := make([]Profile, 0, len(docs))
	for _, doc := range docs {
		out = append(out, profileFromDoc(doc))
	}
	return out, nil
}

// Admins lists the profiles holding the admin role, the pool notes may be
// assigned to.
func (r *Resolver) Admins(ctx context.Context, actor Principal) ([]Profile, error) {
	if !actor.Can(perm.ActionAssignNote) {
		return nil, perm.ErrPermissionDenied
	}
	docs, err := r.store.Query(ctx, usersCollection,
		[]docstore.Filter{{Field: "role", Op: docstore.OpEqual, Value: string(perm.RoleAdmin)}},
		[]docstore.Order{{Field: "displayName"}})
	if err != nil {
		return nil, err
	}
	out := make([]Profile, 0, len(docs))
	for _, doc := range docs {
		out = append(out, profileFromDoc(doc))
	}
	return out, nil
}

// Register provisions a local-credential account with the default viewer
// role and returns its principal.
func (r *Resolver) Register(ctx context.Context, email, password, displayName, avatarURL string) (Principal, error) {
	email = strings.TrimSpace(strings.ToLower(email))
	if email == "" || !strings.Contains(email, "@") {
		return Principal{}, fmt.Errorf("%w: valid email is required", ErrInvalidInput)
	}
	displayName = strings.TrimSpace(displayName)
	if displayName == "" {
		displayName = email[:strings.Index(email, "@")]
	}
	hash, err := HashPassword(strings.TrimSpace(password))
	if err != nil {
		return Principal{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	if existing, err := r.findByEmail(ctx, email); err == nil && existing.ID != "" {
		return Principal{}, ErrAlreadyExists
	}

	ident := AuthIdentity{Email: email, DisplayName: displayName, AvatarURL: avatarURL}
	fields := profileFields(ident, perm.RoleViewer)
	fields["passwordHash"] = hash

	id, err := r.store.Insert(ctx, usersCollection, fields)
	if err != nil {
		return Principal{}, err
	}
	// The document id doubles as the stable uid for local accounts.
	if err := r.store.Update(ctx, usersCollection, id, map[string]any{"uid": id}); err != nil {
		return Principal{}, err
	}
	ident.UID = id
	return Principal{AuthIdentity: ident, Role: perm.RoleViewer}, nil
}

// Login authenticates local credentials and resolves the stored role.
func (r *Resolver) Login(ctx context.Context, email, password string) (Principal, error) {
	email = strings.TrimSpace(strings.ToLower(email))
	doc, err := r.findByEmail(ctx, email)
	if err != nil {
		return Principal{}, ErrNotAuthenticated
	}
	if err := VerifyPassword(stringField(doc.Fields, "passwordHash"), password); err != nil {
		return Principal{}, ErrNotAuthenticated
	}
	profile := profileFromDoc(doc)
	return Principal{
		AuthIdentity: AuthIdentity{
			UID:         profile.UID,
			Email:       profile.Email,
			DisplayName: profile.DisplayName,
			AvatarURL:   profile.AvatarURL,
		},
		Role: profile.Role,
	}, nil
}

func (r *Resolver) findByUID(ctx context.Context, uid string) (docstore.Document, error) {
	docs, err := r.store.Query(ctx, usersCollection,
		[]docstore.Filter{{Field: "uid", Op: docstore.OpEqual, Value: uid}}, nil)
	if err != nil {
		return docstore.Document{}, err
	}
	if len(docs) == 0 {
		return docstore.Document{}, ErrNotFound
	}
	return docs[0], nil
}

func (r *Resolver) findByEmail(ctx context.Context, email string) (docstore.Document, error) {
	docs, err := r.store.Query(ctx, usersCollection,
		[]docstore.Filter{{Field: "email", Op: docstore.OpEqual, Value: email}}, nil)
	if err != nil {
		return docstore.Document{}, err
	}
	if len(docs) == 0 {
		return docstore.Document{}, ErrNotFound
	}
	return docs[0], nil
}

func profileFields(ident AuthIdentity, role perm.Role) map[string]any {
	return map[string]any{
		"uid":         ident.UID,
		"email":       ident.Email,
		"displayName": ident.DisplayName,
		"avatarUrl":   ident.AvatarURL,
		"role":        string(role),
	}
}

func profileFromDoc(doc docstore.Document) Profile {
	role, err := perm.ParseRole(stringField(doc.Fields, "role"))
	if err != nil {
		role = perm.RoleViewer
	}
	uid := stringField(doc.Fields, "uid")
	if uid == "" {
		uid = doc.ID
	}
	return Profile{
		UID:         uid,
		Email:       stringField(doc.Fields, "email"),
		DisplayName: stringField(doc.Fields, "displayName"),
		AvatarURL:   stringField(doc.Fields, "avatarUrl"),
		Role:        role,
		CreatedAt:   doc.CreatedAt,
	}
}

func stringField(fields map[string]any, key string) string {
	if v, ok := fields[key].(string); ok {
		return v
	}
	return ""
}
