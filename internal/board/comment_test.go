package board

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"ebbflow.dev/internal/docstore"
	"ebbflow.dev/internal/identity"
	"ebbflow.dev/internal/perm"
)

type boardFixture struct {
	notes    *NoteService
	comments *CommentService
	store    *docstore.Memory
	clock    *fakeClock
}

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) tick() time.Time {
	c.now = c.now.Add(time.Second)
	return c.now
}

func newBoardFixture(t *testing.T) *boardFixture {
	t.Helper()
	clock := &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	store := docstore.NewMemory(docstore.WithClock(clock.tick))
	notes, err := NewNoteService(store, zap.NewNop())
	require.NoError(t, err)
	comments, err := NewCommentService(store, zap.NewNop())
	require.NoError(t, err)
	return &boardFixture{notes: notes, comments: comments, store: store, clock: clock}
}

// requirePinned asserts that exactly wantPinned is pinned on the note; an
// empty wantPinned asserts nothing is.
func requirePinned(t *testing.T, f *boardFixture, actor identity.Principal, noteID, wantPinned string) {
	t.Helper()
	list, err := f.comments.List(context.Background(), actor, noteID)
	require.NoError(t, err)
	var pinned []string
	for _, c := range list {
		if c.IsPinned {
			pinned = append(pinned, c.ID)
		}
	}
	if wantPinned == "" {
		require.Empty(t, pinned)
		return
	}
	require.Equal(t, []string{wantPinned}, pinned)
}

func TestCommentCreateAdminOnly(t *testing.T) {
	f := newBoardFixture(t)
	ctx := context.Background()
	admin := principal("a1", perm.RoleAdmin)
	note, err := f.notes.Create(ctx, admin, NoteDraft{Title: "n"})
	require.NoError(t, err)

	for _, role := range []perm.Role{perm.RoleViewer, perm.RoleEditor} {
		_, err := f.comments.Create(ctx, principal("x", role), note.ID, "hi", false)
		require.ErrorIs(t, err, perm.ErrPermissionDenied)
	}

	comment, err := f.comments.Create(ctx, admin, note.ID, "hi", false)
	require.NoError(t, err)
	require.Equal(t, note.ID, comment.NoteID)
	require.False(t, comment.IsPinned, "unpinned create stays unpinned")
	require.Equal(t, "a1", comment.CreatedBy.UID)
}

func TestCommentCreateMissingNote(t *testing.T) {
	f := newBoardFixture(t)
	_, err := f.comments.Create(context.Background(), principal("a1", perm.RoleAdmin), "ghost", "hi", false)
	require.ErrorIs(t, err, docstore.ErrNotFound)
}

func TestCommentModifyCreatorOnly(t *testing.T) {
	f := newBoardFixture(t)
	ctx := context.Background()
	creator := principal("a1", perm.RoleAdmin)
	other := principal("a2", perm.RoleAdmin)

	note, err := f.notes.Create(ctx, creator, NoteDraft{Title: "n"})
	require.NoError(t, err)
	comment, err := f.comments.Create(ctx, creator, note.ID, "original", false)
	require.NoError(t, err)

	// Even another admin may not touch someone else's comment.
	require.ErrorIs(t, f.comments.Update(ctx, other, note.ID, comment.ID, "nope"), perm.ErrPermissionDenied)
	require.ErrorIs(t, f.comments.Remove(ctx, other, note.ID, comment.ID), perm.ErrPermissionDenied)

	require.NoError(t, f.comments.Update(ctx, creator, note.ID, comment.ID, "edited"))
	list, err := f.comments.List(ctx, creator, note.ID)
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.Equal(t, "edited", list[0].Content)

	require.NoError(t, f.comments.Remove(ctx, creator, note.ID, comment.ID))
	count, err := f.comments.Count(ctx, creator, note.ID)
	require.NoError(t, err)
	require.Zero(t, count)
}

func TestPinExclusivity(t *testing.T) {
	f := newBoardFixture(t)
	ctx := context.Background()
	admin := principal("a1", perm.RoleAdmin)

	note, err := f.notes.Create(ctx, admin, NoteDraft{Title: "n"})
	require.NoError(t, err)
	first, err := f.comments.Create(ctx, admin, note.ID, "first", false)
	require.NoError(t, err)
	second, err := f.comments.Create(ctx, admin, note.ID, "second", false)
	require.NoError(t, err)

	require.NoError(t, f.comments.SetPinned(ctx, admin, note.ID, first.ID, true))
	requirePinned(t, f, admin, note.ID, first.ID)

	// Pinning the second must atomically release the first.
	require.NoError(t, f.comments.SetPinned(ctx, admin, note.ID, second.ID, true))
	requirePinned(t, f, admin, note.ID, second.ID)

	require.NoError(t, f.comments.SetPinned(ctx, admin, note.ID, second.ID, false))
	requirePinned(t, f, admin, note.ID, "")
}

// batchBarrierStore holds every BatchWrite at a barrier until all expected
// callers have finished their reads, forcing the interleaving where
// concurrent pins each read the pre-pin state before either batch lands.
type batchBarrierStore struct {
	docstore.Store
	barrier *sync.WaitGroup
}

func (s *batchBarrierStore) BatchWrite(ctx context.Context, writes []docstore.Write) error {
	s.barrier.Done()
	s.barrier.Wait()
	return s.Store.BatchWrite(ctx, writes)
}

func TestPinExclusivityUnderConcurrentPins(t *testing.T) {
	f := newBoardFixture(t)
	ctx := context.Background()
	admin := principal("a1", perm.RoleAdmin)

	note, err := f.notes.Create(ctx, admin, NoteDraft{Title: "n"})
	require.NoError(t, err)
	first, err := f.comments.Create(ctx, admin, note.ID, "first", false)
	require.NoError(t, err)
	second, err := f.comments.Create(ctx, admin, note.ID, "second", false)
	require.NoError(t, err)

	var barrier sync.WaitGroup
	barrier.Add(2)
	racing, err := NewCommentService(&batchBarrierStore{Store: f.store, barrier: &barrier}, zap.NewNop())
	require.NoError(t, err)

	errs := make(chan error, 2)
	go func() { errs <- racing.SetPinned(ctx, admin, note.ID, first.ID, true) }()
	go func() { errs <- racing.SetPinned(ctx, admin, note.ID, second.ID, true) }()
	require.NoError(t, <-errs)
	require.NoError(t, <-errs)

	// Whichever batch lands last wins, but never both.
	list, err := f.comments.List(ctx, admin, note.ID)
	require.NoError(t, err)
	var pinned []string
	for _, c := range list {
		if c.IsPinned {
			pinned = append(pinned, c.ID)
		}
	}
	require.Len(t, pinned, 1)
}

func TestCommentBornPinned(t *testing.T) {
	f := newBoardFixture(t)
	ctx := context.Background()
	admin := principal("a1", perm.RoleAdmin)

	note, err := f.notes.Create(ctx, admin, NoteDraft{Title: "n"})
	require.NoError(t, err)
	first, err := f.comments.Create(ctx, admin, note.ID, "first", true)
	require.NoError(t, err)
	require.True(t, first.IsPinned)
	requirePinned(t, f, admin, note.ID, first.ID)

	// A later pinned birth displaces the standing pin atomically.
	second, err := f.comments.Create(ctx, admin, note.ID, "second", true)
	require.NoError(t, err)
	requirePinned(t, f, admin, note.ID, second.ID)
}

func TestPinDeniedAndMissing(t *testing.T) {
	f := newBoardFixture(t)
	ctx := context.Background()
	admin := principal("a1", perm.RoleAdmin)
	note, err := f.notes.Create(ctx, admin, NoteDraft{Title: "n"})
	require.NoError(t, err)
	comment, err := f.comments.Create(ctx, admin, note.ID, "c", false)
	require.NoError(t, err)

	editor := principal("e1", perm.RoleEditor)
	require.ErrorIs(t, f.comments.SetPinned(ctx, editor, note.ID, comment.ID, true), perm.ErrPermissionDenied)
	require.ErrorIs(t, f.comments.SetPinned(ctx, admin, note.ID, "ghost", true), docstore.ErrNotFound)
}

func TestCommentListOrder(t *testing.T) {
	f := newBoardFixture(t)
	ctx := context.Background()
	admin := principal("a1", perm.RoleAdmin)
	note, err := f.notes.Create(ctx, admin, NoteDraft{Title: "n"})
	require.NoError(t, err)

	older, err := f.comments.Create(ctx, admin, note.ID, "older", false)
	require.NoError(t, err)
	newer, err := f.comments.Create(ctx, admin, note.ID, "newer", false)
	require.NoError(t, err)
	// The pinned comment leads regardless of age.
	require.NoError(t, f.comments.SetPinned(ctx, admin, note.ID, older.ID, true))

	list, err := f.comments.List(ctx, admin, note.ID)
	require.NoError(t, err)
	require.Len(t, list, 2)
	require.Equal(t, older.ID, list[0].ID)
	require.Equal(t, newer.ID, list[1].ID)
}

func TestRecentActivityMergesAcrossNotes(t *testing.T) {
	f := newBoardFixture(t)
	ctx := context.Background()
	admin := principal("a1", perm.RoleAdmin)

	noteA, err := f.notes.Create(ctx, admin, NoteDraft{Title: "a"})
	require.NoError(t, err)
	noteB, err := f.notes.Create(ctx, admin, NoteDraft{Title: "b"})
	require.NoError(t, err)

	c1, err := f.comments.Create(ctx, admin, noteA.ID, "one", false)
	require.NoError(t, err)
	c2, err := f.comments.Create(ctx, admin, noteB.ID, "two", false)
	require.NoError(t, err)
	c3, err := f.comments.Create(ctx, admin, noteA.ID, "three", false)
	require.NoError(t, err)

	feed, err := f.comments.RecentActivity(ctx, admin, time.Time{}, 2)
	require.NoError(t, err)
	require.Len(t, feed, 2)
	require.Equal(t, c3.ID, feed[0].ID)
	require.Equal(t, c2.ID, feed[1].ID)

	all, err := f.comments.RecentActivity(ctx, admin, time.Time{}, 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	require.Equal(t, c1.ID, all[2].ID)
}

func TestRecentActivitySinceBoundary(t *testing.T) {
	f := newBoardFixture(t)
	ctx := context.Background()
	admin := principal("a1", perm.RoleAdmin)

	note, err := f.notes.Create(ctx, admin, NoteDraft{Title: "n"})
	require.NoError(t, err)
	older, err := f.comments.Create(ctx, admin, note.ID, "older", false)
	require.NoError(t, err)
	newer, err := f.comments.Create(ctx, admin, note.ID, "newer", false)
	require.NoError(t, err)

	// The boundary is exclusive: a comment created exactly at since is out.
	feed, err := f.comments.RecentActivity(ctx, admin, older.CreatedAt, 0)
	require.NoError(t, err)
	require.Len(t, feed, 1)
	require.Equal(t, newer.ID, feed[0].ID)

	feed, err = f.comments.RecentActivity(ctx, admin, newer.CreatedAt, 0)
	require.NoError(t, err)
	require.Empty(t, feed)
}

func TestSubscribeActivitySince(t *testing.T) {
	f := newBoardFixture(t)
	ctx := context.Background()
	admin := principal("a1", perm.RoleAdmin)

	note, err := f.notes.Create(ctx, admin, NoteDraft{Title: "n"})
	require.NoError(t, err)
	older, err := f.comments.Create(ctx, admin, note.ID, "older", false)
	require.NoError(t, err)

	feeds := make(chan []Comment, 16)
	cancel, err := f.comments.SubscribeActivity(ctx, admin, older.CreatedAt, 10, func(comments []Comment) {
		feeds <- comments
	})
	require.NoError(t, err)
	defer cancel()

	newer, err := f.comments.Create(ctx, admin, note.ID, "newer", false)
	require.NoError(t, err)
	waitForActivity(t, feeds, func(comments []Comment) bool {
		return len(comments) == 1 && comments[0].ID == newer.ID
	})
}

func TestRecentActivitySkipsOrphans(t *testing.T) {
	f := newBoardFixture(t)
	ctx := context.Background()
	admin := principal("a1", perm.RoleAdmin)

	note, err := f.notes.Create(ctx, admin, NoteDraft{Title: "doomed"})
	require.NoError(t, err)
	_, err = f.comments.Create(ctx, admin, note.ID, "soon orphaned", false)
	require.NoError(t, err)

	require.NoError(t, f.notes.Remove(ctx, admin, note.ID))

	feed, err := f.comments.RecentActivity(ctx, admin, time.Time{}, 0)
	require.NoError(t, err)
	require.Empty(t, feed, "orphan comments age out with their note")
}

func TestSubscribeActivityFollowsChanges(t *testing.T) {
	f := newBoardFixture(t)
	ctx := context.Background()
	admin := principal("a1", perm.RoleAdmin)

	note, err := f.notes.Create(ctx, admin, NoteDraft{Title: "n"})
	require.NoError(t, err)

	feeds := make(chan []Comment, 16)
	cancel, err := f.comments.SubscribeActivity(ctx, admin, time.Time{}, 10, func(comments []Comment) {
		feeds <- comments
	})
	require.NoError(t, err)
	defer cancel()

	comment, err := f.comments.Create(ctx, admin, note.ID, "hello", false)
	require.NoError(t, err)
	waitForActivity(t, feeds, func(comments []Comment) bool {
		return len(comments) == 1 && comments[0].ID == comment.ID
	})

	// Deleting the note drops its comments from the feed.
	require.NoError(t, f.notes.Remove(ctx, admin, note.ID))
	waitForActivity(t, feeds, func(comments []Comment) bool { return len(comments) == 0 })

	cancel()
	cancel() // idempotent
}

func waitForActivity(t *testing.T, ch <-chan []Comment, cond func([]Comment) bool) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case comments := <-ch:
			if cond(comments) {
				return
			}
		case <-deadline:
			t.Fatal("timed out waiting for matching activity feed")
		}
	}
}
