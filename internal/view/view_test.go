package view

import (
	"reflect"
	"testing"
	"time"

	"ebbflow.dev/internal/board"
	"ebbflow.dev/internal/localkv"
)

var base = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func note(id string, status board.Status, createdOff, updatedOff time.Duration, categories ...string) board.Note {
	return board.Note{
		ID:         id,
		Title:      "note " + id,
		Status:     status,
		Categories: categories,
		CreatedAt:  base.Add(createdOff),
		UpdatedAt:  base.Add(updatedOff),
	}
}

func comment(id string, pinned bool, createdOff time.Duration) board.Comment {
	return board.Comment{
		ID:        id,
		Content:   "comment " + id,
		IsPinned:  pinned,
		CreatedAt: base.Add(createdOff),
	}
}

func TestDeriveBoardOrdering(t *testing.T) {
	notes := []board.Note{
		note("done", board.StatusComplete, 0, 50*time.Minute),
		note("old-review", board.StatusReview, 0, time.Minute),
		note("new-review", board.StatusReview, 0, 10*time.Minute),
		note("wip", board.StatusInProgress, 0, 40*time.Minute),
		note("idea", board.StatusBacklog, 0, 30*time.Minute),
	}

	items := DeriveBoard(notes, base)
	var ids []string
	for _, item := range items {
		ids = append(ids, item.ID)
	}
	// Review first regardless of recency, then by recency within a status.
	want := []string{"new-review", "old-review", "wip", "idea", "done"}
	if !reflect.DeepEqual(ids, want) {
		t.Fatalf("order = %v, want %v", ids, want)
	}
}

func TestDeriveBoardIdempotent(t *testing.T) {
	notes := []board.Note{
		note("a", board.StatusReview, time.Minute, time.Minute),
		note("b", board.StatusBacklog, 2*time.Minute, 2*time.Minute),
	}
	first := DeriveBoard(notes, base)
	second := DeriveBoard(notes, base)
	if !reflect.DeepEqual(first, second) {
		t.Fatal("same snapshot must derive the same state")
	}
}

func TestUnseenBoundaryIsExclusive(t *testing.T) {
	lastVisit := base
	notes := []board.Note{
		note("before", board.StatusBacklog, -time.Second, 0),
		note("exact", board.StatusBacklog, 0, 0),
		note("after", board.StatusBacklog, time.Second, time.Second),
	}
	items := DeriveBoard(notes, lastVisit)
	unseen := map[string]bool{}
	for _, item := range items {
		unseen[item.ID] = item.Unseen
	}
	if unseen["before"] || unseen["exact"] {
		t.Fatalf("items at or before the boundary must read as seen: %v", unseen)
	}
	if !unseen["after"] {
		t.Fatal("item created after the boundary must read as unseen")
	}
}

func TestFilterBoard(t *testing.T) {
	items := DeriveBoard([]board.Note{
		note("a", board.StatusReview, 0, 0, "infra"),
		note("b", board.StatusBacklog, 0, 0, "infra", "ux"),
		note("c", board.StatusBacklog, 0, 0),
	}, base)

	byStatus := FilterBoard(items, board.StatusBacklog, "")
	if len(byStatus) != 2 {
		t.Fatalf("status filter: got %d items", len(byStatus))
	}
	byBoth := FilterBoard(items, board.StatusBacklog, "ux")
	if len(byBoth) != 1 || byBoth[0].ID != "b" {
		t.Fatalf("combined filter: %v", byBoth)
	}
	all := FilterBoard(items, "", "")
	if len(all) != 3 {
		t.Fatalf("unfiltered: got %d items", len(all))
	}
}

func TestDeriveThreadPartition(t *testing.T) {
	thread := DeriveThread([]board.Comment{
		comment("c1", false, time.Minute),
		comment("c2", true, 2*time.Minute),
		comment("c3", false, 3*time.Minute),
	}, base)

	if thread.Pinned == nil || thread.Pinned.ID != "c2" {
		t.Fatalf("pinned = %v", thread.Pinned)
	}
	if len(thread.Others) != 2 || thread.Others[0].ID != "c3" || thread.Others[1].ID != "c1" {
		t.Fatalf("others = %v", thread.Others)
	}
}

func TestDeriveThreadEmptyAndNoPin(t *testing.T) {
	empty := DeriveThread(nil, base)
	if empty.Pinned != nil || len(empty.Others) != 0 {
		t.Fatalf("empty thread: %v", empty)
	}

	thread := DeriveThread([]board.Comment{comment("c1", false, time.Minute)}, base)
	if thread.Pinned != nil || len(thread.Others) != 1 {
		t.Fatalf("unpinned thread: %v", thread)
	}
}

func TestSessionFreezesBoundary(t *testing.T) {
	kv, err := localkv.OpenInMemory()
	if err != nil {
		t.Fatal(err)
	}
	defer kv.Close()

	// First session: no prior visit, everything unseen.
	s1, err := OpenSession(kv, "u-1", base)
	if err != nil {
		t.Fatal(err)
	}
	if !s1.LastVisit().IsZero() {
		t.Fatalf("first session boundary = %v, want zero", s1.LastVisit())
	}
	s1.ApplyNotes([]board.Note{note("a", board.StatusBacklog, 0, 0)})
	if items := s1.Board("", ""); len(items) != 1 || !items[0].Unseen {
		t.Fatalf("first-session items: %v", items)
	}

	// Second session picks up the stamp from the first open.
	s2, err := OpenSession(kv, "u-1", base.Add(time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if !s2.LastVisit().Equal(base) {
		t.Fatalf("second session boundary = %v, want %v", s2.LastVisit(), base)
	}
	s2.ApplyNotes([]board.Note{
		note("a", board.StatusBacklog, 0, 0),
		note("b", board.StatusBacklog, time.Minute, time.Minute),
	})
	unseen := map[string]bool{}
	for _, item := range s2.Board("", "") {
		unseen[item.ID] = item.Unseen
	}
	if unseen["a"] || !unseen["b"] {
		t.Fatalf("unseen = %v", unseen)
	}
}

func TestSessionReplacesState(t *testing.T) {
	kv, err := localkv.OpenInMemory()
	if err != nil {
		t.Fatal(err)
	}
	defer kv.Close()

	s, err := OpenSession(kv, "u-1", base)
	if err != nil {
		t.Fatal(err)
	}
	s.ApplyNotes([]board.Note{note("a", board.StatusBacklog, 0, 0)})
	s.ApplyNotes(nil)
	if items := s.Board("", ""); len(items) != 0 {
		t.Fatalf("stale board state survived replacement: %v", items)
	}

	s.ApplyThread("n1", []board.Comment{comment("c1", true, 0)})
	s.ApplyThread("n1", nil)
	if thread := s.Thread("n1"); thread.Pinned != nil {
		t.Fatal("stale thread state survived replacement")
	}

	s.ApplyActivity([]board.Comment{comment("c1", false, time.Minute)})
	feed := s.Activity()
	if len(feed) != 1 || !feed[0].Unseen {
		t.Fatalf("activity = %v", feed)
	}
}
