package board

import (
	"context"
	"errors"
	"strings"

	"go.uber.org/zap"

	"ebbflow.dev/internal/docstore"
	"ebbflow.dev/internal/identity"
	"ebbflow.dev/internal/perm"
)

// NoteDraft is the caller-supplied part of a note. Provenance fields are
// stamped by the service, never accepted from the caller.
type NoteDraft struct {
	Title      string   `json:"title" validate:"required,max=200"`
	Content    string   `json:"content" validate:"max=20000"`
	Status     string   `json:"status"`
	Categories []string `json:"categories" validate:"max=20,dive,required,max=60"`
}

// NotePatch carries a partial note update. Nil pointers leave the field
// untouched.
type NotePatch struct {
	Title      *string  `json:"title" validate:"omitempty,min=1,max=200"`
	Content    *string  `json:"content" validate:"omitempty,max=20000"`
	Status     *string  `json:"status"`
	Categories []string `json:"categories" validate:"omitempty,max=20,dive,required,max=60"`
}

// NoteFilter narrows listings and subscriptions.
type NoteFilter struct {
	Status   Status
	Category string
}

// NoteService mediates between callers and the notes collection. Every
// mutation consults the permission gate first.
type NoteService struct {
	store docstore.Store
	log   *zap.Logger
}

func NewNoteService(store docstore.Store, log *zap.Logger) (*NoteService, error) {
	if store == nil {
		return nil, errors.New("board: store is required")
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &NoteService{store: store, log: log}, nil
}

// Create inserts a new note. AssignedTo defaults to the author so a fresh
// card is never unowned.
func (s *NoteService) Create(ctx context.Context, actor identity.Principal, draft NoteDraft) (Note, error) {
	if !actor.Can(perm.ActionCreateNote) {
		return Note{}, perm.ErrPermissionDenied
	}
	draft.Title = strings.TrimSpace(draft.Title)
	if err := validate.Struct(draft); err != nil {
		return Note{}, validationErr(err)
	}
	status := StatusBacklog
	if draft.Status != "" {
		parsed, err := ParseStatus(draft.Status)
		if err != nil {
			return Note{}, err
		}
		status = parsed
	}

	author := refOf(actor)
	fields := map[string]any{
		"title":      draft.Title,
		"content":    draft.Content,
		"status":     string(status),
		"categories": append([]string(nil), draft.Categories...),
		"createdBy":  author.fields(),
		"assignedTo": author.fields(),
	}
	id, err := s.store.Insert(ctx, notesCollection, fields)
	if err != nil {
		return Note{}, err
	}
	s.log.Info("note created", zap.String("note", id), zap.String("actor", actor.UID))
	return s.Get(ctx, actor, id)
}

// Update merges a patch into the note. Provenance (createdBy, createdAt) is
// immutable: the patch shape cannot express it and nothing here writes it.
func (s *NoteService) Update(ctx context.Context, actor identity.Principal, id string, patch NotePatch) error {
	if !actor.Can(perm.ActionEditNote) {
		return perm.ErrPermissionDenied
	}
	if err := validate.Struct(patch); err != nil {
		return validationErr(err)
	}
	fields := map[string]any{}
	if patch.Title != nil {
		title := strings.TrimSpace(*patch.Title)
		if title == "" {
			return validationErr(errors.New("title must not be blank"))
		}
		fields["title"] = title
	}
	if patch.Content != nil {
		fields["content"] = *patch.Content
	}
	if patch.Status != nil {
		status, err := ParseStatus(*patch.Status)
		if err != nil {
			return err
		}
		fields["status"] = string(status)
	}
	if patch.Categories != nil {
		fields["categories"] = append([]string(nil), patch.Categories...)
	}
	if len(fields) == 0 {
		return validationErr(errors.New("empty patch"))
	}
	return s.store.Update(ctx, notesCollection, id, fields)
}

// Assign points the note at a new owner.
func (s *NoteService) Assign(ctx context.Context, actor identity.Principal, id string, assignee UserRef) error {
	if !actor.Can(perm.ActionAssignNote) {
		return perm.ErrPermissionDenied
	}
	if assignee.UID == "" {
		return validationErr(errors.New("assignee uid is required"))
	}
	return s.store.Update(ctx, notesCollection, id, map[string]any{
		"assignedTo": assignee.fields(),
	})
}

// Remove deletes the note document. Comment sub-collections are left in
// place; they fall out of every live feed once the note is gone.
func (s *NoteService) Remove(ctx context.Context, actor identity.Principal, id string) error {
	if !actor.Can(perm.ActionDeleteNote) {
		return perm.ErrPermissionDenied
	}
	if err := s.store.Delete(ctx, notesCollection, id); err != nil {
		return err
	}
	s.log.Info("note removed", zap.String("note", id), zap.String("actor", actor.UID))
	return nil
}

// Get fetches one note by id.
func (s *NoteService) Get(ctx context.Context, actor identity.Principal, id string) (Note, error) {
	if !actor.Can(perm.ActionViewBoard) {
		return Note{}, perm.ErrPermissionDenied
	}
	docs, err := s.store.Query(ctx, notesCollection, []docstore.Filter{
		{Field: "id", Op: docstore.OpEqual, Value: id},
	}, nil)
	if err != nil {
		return Note{}, err
	}
	if len(docs) == 0 {
		return Note{}, docstore.ErrNotFound
	}
	return noteFromDoc(docs[0]), nil
}

// List returns the notes matching the filter, most recently touched first.
func (s *NoteService) List(ctx context.Context, actor identity.Principal, filter NoteFilter) ([]Note, error) {
	if !actor.Can(perm.ActionViewBoard) {
		return nil, perm.ErrPermissionDenied
	}
	docs, err := s.store.Query(ctx, notesCollection, noteFilters(filter), noteOrder())
	if err != nil {
		return nil, err
	}
	return notesFromDocs(docs), nil
}

// Subscribe registers a live feed of full note snapshots in updatedAt-desc
// order. Cancel must be called on teardown.
func (s *NoteService) Subscribe(ctx context.Context, actor identity.Principal, filter NoteFilter, fn func([]Note)) (docstore.CancelFunc, error) {
	if !actor.Can(perm.ActionViewBoard) {
		return nil, perm.ErrPermissionDenied
	}
	return s.store.Subscribe(ctx, notesCollection, noteFilters(filter), noteOrder(), func(docs []docstore.Document) {
		fn(notesFromDocs(docs))
	})
}

// Assignees returns the admin profiles offered by the assignment picker.
// Only admins hold notes, so only admin profiles are listed.
func (s *NoteService) Assignees(ctx context.Context, actor identity.Principal, resolver *identity.Resolver) ([]UserRef, error) {
	if !actor.Can(perm.ActionAssignNote) {
		return nil, perm.ErrPermissionDenied
	}
	profiles, err := resolver.Admins(ctx, actor)
	if err != nil {
		return nil, err
	}
	refs := make([]UserRef, 0, len(profiles))
	for _, p := range profiles {
		refs = append(refs, UserRef{UID: p.UID, DisplayName: p.DisplayName, AvatarURL: p.AvatarURL})
	}
	return refs, nil
}

func noteFilters(filter NoteFilter) []docstore.Filter {
	var filters []docstore.Filter
	if filter.Status != "" {
		filters = append(filters, docstore.Filter{Field: "status", Op: docstore.OpEqual, Value: string(filter.Status)})
	}
	if filter.Category != "" {
		filters = append(filters, docstore.Filter{Field: "categories", Op: docstore.OpArrayContains, Value: filter.Category})
	}
	return filters
}

func noteOrder() []docstore.Order {
	return []docstore.Order{{Field: "updatedAt", Desc: true}}
}
