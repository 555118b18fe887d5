// Package view derives presentation state from full board snapshots. Every
// derivation is pure and total: the same inputs always produce the same
// output, and each applied snapshot fully replaces the previous state for
// its scope.
package view

import (
	"sort"
	"time"

	"ebbflow.dev/internal/board"
)

// NoteItem is a note decorated for display.
type NoteItem struct {
	board.Note
	Unseen       bool `json:"unseen"`
	CommentCount int  `json:"commentCount"`
}

// CommentItem is a comment decorated for display.
type CommentItem struct {
	board.Comment
	Unseen bool `json:"unseen"`
}

// Thread is one note's comment panel: at most one pinned comment on top,
// the rest newest first.
type Thread struct {
	Pinned *CommentItem  `json:"pinned,omitempty"`
	Others []CommentItem `json:"others"`
}

// DeriveBoard orders notes for display: status priority first (review,
// in-progress, backlog, complete), most recently touched first within a
// status. A note is unseen when it was created strictly after lastVisit;
// a note created exactly at lastVisit counts as seen.
func DeriveBoard(notes []board.Note, lastVisit time.Time) []NoteItem {
	items := make([]NoteItem, 0, len(notes))
	for _, n := range notes {
		items = append(items, NoteItem{
			Note:   n,
			Unseen: n.CreatedAt.After(lastVisit),
		})
	}
	sort.SliceStable(items, func(i, j int) bool {
		pi, pj := items[i].Status.Priority(), items[j].Status.Priority()
		if pi != pj {
			return pi < pj
		}
		if !items[i].UpdatedAt.Equal(items[j].UpdatedAt) {
			return items[i].UpdatedAt.After(items[j].UpdatedAt)
		}
		return items[i].ID > items[j].ID
	})
	return items
}

// FilterBoard narrows a derived board by status and category. Empty values
// leave the respective dimension unfiltered.
func FilterBoard(items []NoteItem, status board.Status, category string) []NoteItem {
	out := make([]NoteItem, 0, len(items))
	for _, item := range items {
		if status != "" && item.Status != status {
			continue
		}
		if category != "" && !contains(item.Categories, category) {
			continue
		}
		out = append(out, item)
	}
	return out
}

// DeriveThread partitions a note's comments into the pinned slot and the
// rest, newest first. When the store briefly holds more than one pinned
// comment, the newest wins the slot and the rest rejoin the tail.
func DeriveThread(comments []board.Comment, lastVisit time.Time) Thread {
	sorted := make([]board.Comment, len(comments))
	copy(sorted, comments)
	sort.SliceStable(sorted, func(i, j int) bool {
		if !sorted[i].CreatedAt.Equal(sorted[j].CreatedAt) {
			return sorted[i].CreatedAt.After(sorted[j].CreatedAt)
		}
		return sorted[i].ID > sorted[j].ID
	})

	var thread Thread
	for _, c := range sorted {
		item := CommentItem{Comment: c, Unseen: c.CreatedAt.After(lastVisit)}
		if c.IsPinned && thread.Pinned == nil {
			pinned := item
			thread.Pinned = &pinned
			continue
		}
		thread.Others = append(thread.Others, item)
	}
	return thread
}

// DeriveActivity decorates a recent-activity feed with unseen markers. The
// feed arrives pre-sorted from the comment service and is kept as-is.
func DeriveActivity(comments []board.Comment, lastVisit time.Time) []CommentItem {
	items := make([]CommentItem, 0, len(comments))
	for _, c := range comments {
		items = append(items, CommentItem{Comment: c, Unseen: c.CreatedAt.After(lastVisit)})
	}
	return items
}

func contains(haystack []string, needle string) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}
