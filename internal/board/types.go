// Package board implements the note and comment services: validated,
// permission-gated adapters between callers and the document store.
package board

import (
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"

	"ebbflow.dev/internal/docstore"
	"ebbflow.dev/internal/identity"
)

// ErrValidation marks a rejected input. The wrapped message names the field.
var ErrValidation = errors.New("board: invalid input")

var validate = validator.New()

const notesCollection = "notes"

func commentsCollection(noteID string) string {
	return notesCollection + "/" + noteID + "/comments"
}

// Status is the workflow stage of a note.
type Status string

const (
	StatusBacklog    Status = "backlog"
	StatusInProgress Status = "in-progress"
	StatusReview     Status = "review"
	StatusComplete   Status = "complete"
)

// Statuses lists every workflow stage in display-priority order: items in
// review surface first, completed items last.
var Statuses = []Status{StatusReview, StatusInProgress, StatusBacklog, StatusComplete}

// Priority reports the display rank of a status; lower sorts first. Unknown
// statuses sink below every known one.
func (s Status) Priority() int {
	for i, known := range Statuses {
		if s == known {
			return i
		}
	}
	return len(Statuses)
}

// ParseStatus validates a stored or submitted status string.
func ParseStatus(s string) (Status, error) {
	for _, known := range Statuses {
		if Status(s) == known {
			return known, nil
		}
	}
	return "", fmt.Errorf("%w: unknown status %q", ErrValidation, s)
}

// UserRef is a denormalized author/assignee snapshot taken at write time.
// It deliberately does not track later profile edits.
type UserRef struct {
	UID         string `json:"uid"`
	DisplayName string `json:"displayName"`
	AvatarURL   string `json:"avatarUrl,omitempty"`
}

func refOf(p identity.Principal) UserRef {
	return UserRef{UID: p.UID, DisplayName: p.DisplayName, AvatarURL: p.AvatarURL}
}

func (r UserRef) fields() map[string]any {
	return map[string]any{
		"uid":         r.UID,
		"displayName": r.DisplayName,
		"avatarUrl":   r.AvatarURL,
	}
}

// Note is a board card.
type Note struct {
	ID         string    `json:"id"`
	Title      string    `json:"title"`
	Content    string    `json:"content"`
	Status     Status    `json:"status"`
	Categories []string  `json:"categories"`
	CreatedBy  UserRef   `json:"createdBy"`
	AssignedTo UserRef   `json:"assignedTo"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// Comment belongs to exactly one note. At most one comment per note carries
// IsPinned at any observable point.
type Comment struct {
	ID        string    `json:"id"`
	NoteID    string    `json:"noteId"`
	Content   string    `json:"content"`
	IsPinned  bool      `json:"isPinned"`
	CreatedBy UserRef   `json:"createdBy"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func noteFromDoc(doc docstore.Document) Note {
	return Note{
		ID:         doc.ID,
		Title:      stringField(doc.Fields, "title"),
		Content:    stringField(doc.Fields, "content"),
		Status:     Status(stringField(doc.Fields, "status")),
		Categories: stringSlice(doc.Fields["categories"]),
		CreatedBy:  refFromField(doc.Fields["createdBy"]),
		AssignedTo: refFromField(doc.Fields["assignedTo"]),
		CreatedAt:  doc.CreatedAt,
		UpdatedAt:  doc.UpdatedAt,
	}
}

func notesFromDocs(docs []docstore.Document) []Note {
	notes := make([]Note, 0, len(docs))
	for _, doc := range docs {
		notes = append(notes, noteFromDoc(doc))
	}
	return notes
}

func commentFromDoc(doc docstore.Document) Comment {
	pinned, _ := doc.Fields["isPinned"].(bool)
	return Comment{
		ID:        doc.ID,
		NoteID:    stringField(doc.Fields, "noteId"),
		Content:   stringField(doc.Fields, "content"),
		IsPinned:  pinned,
		CreatedBy: refFromField(doc.Fields["createdBy"]),
		CreatedAt: doc.CreatedAt,
		UpdatedAt: doc.UpdatedAt,
	}
}

func commentsFromDocs(docs []docstore.Document) []Comment {
	comments := make([]Comment, 0, len(docs))
	for _, doc := range docs {
		comments = append(comments, commentFromDoc(doc))
	}
	return comments
}

func stringField(fields map[string]any, key string) string {
	s, _ := fields[key].(string)
	return s
}

// stringSlice tolerates both []string (memory store) and []any (fields that
// round-tripped through JSONB).
func stringSlice(v any) []string {
	switch vals := v.(type) {
	case []string:
		out := make([]string, len(vals))
		copy(out, vals)
		return out
	case []any:
		out := make([]string, 0, len(vals))
		for _, item := range vals {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

func refFromField(v any) UserRef {
	m, ok := v.(map[string]any)
	if !ok {
		return UserRef{}
	}
	return UserRef{
		UID:         stringField(m, "uid"),
		DisplayName: stringField(m, "displayName"),
		AvatarURL:   stringField(m, "avatarUrl"),
	}
}

func validationErr(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %v", ErrValidation, err)
}
