// Package backlog models epics, features and stories and the status rules
// that keep them consistent with sandboxes and pull requests.
package backlog

import (
	"fmt"
	"strings"
)

// Status is the stored lifecycle status of a work item.
type Status string

const (
	StatusBacklog       Status = "backlog"
	StatusInProgress    Status = "in_progress"
	StatusPendingReview Status = "pending_review"
	StatusDone          Status = "done"
)

// ParseStatus normalizes a stored or user-supplied status. The legacy
// terminal spellings "completed" and "closed" read as done.
func ParseStatus(raw string) (Status, error) {
	norm := strings.ToLower(strings.TrimSpace(raw))
	norm = strings.NewReplacer("-", "_", " ", "_").Replace(norm)
	switch norm {
	case "", "backlog", "todo", "open":
		return StatusBacklog, nil
	case "in_progress", "inprogress":
		return StatusInProgress, nil
	case "pending_review", "in_review", "review":
		return StatusPendingReview, nil
	case "done", "completed", "closed":
		return StatusDone, nil
	}
	return "", fmt.Errorf("unknown status %q", raw)
}

// Terminal reports whether s is a final status.
func (s Status) Terminal() bool {
	return s == StatusDone
}

func (s Status) String() string {
	return string(s)
}

// Label is the human form used on the board.
func (s Status) Label() string {
	switch s {
	case StatusInProgress:
		return "In Progress"
	case StatusPendingReview:
		return "Pending Review"
	case StatusDone:
		return "Done"
	default:
		return "Backlog"
	}
}

// Effective derives the status shown to users. It is never persisted.
//
// A terminal stored status always wins. Otherwise a recorded PR means the
// item is awaiting review, and an open sandbox bound to the item means work
// is in progress. Everything else is backlog, which drops a stale
// in-progress once its sandbox is gone.
func Effective(stored Status, prURL string, sandboxOpen bool) Status {
	switch {
	case stored.Terminal():
		return StatusDone
	case strings.TrimSpace(prURL) != "":
		return StatusPendingReview
	case sandboxOpen:
		return StatusInProgress
	default:
		return StatusBacklog
	}
}
