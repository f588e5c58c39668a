package domain

import "strings"

// Status markers used in checklist status cells
const (
	MarkerPending   = "☐"
	MarkerCompleted = "✅"
	MarkerFailed    = "❌"
)

// ChecklistItem is one row of the work checklist. Treated as immutable;
// WithStatus returns a modified copy.
type ChecklistItem struct {
	ID       string `json:"id"`
	Target   string `json:"target"`
	Priority string `json:"priority"`
	Risk     string `json:"risk"`
	Status   string `json:"status"`
	Tier     string `json:"tier,omitempty"`
	Section  string `json:"section,omitempty"`
}

// IsCompleted reports whether the item is marked done
func (i ChecklistItem) IsCompleted() bool {
	return strings.Contains(i.Status, MarkerCompleted)
}

// IsFailed reports whether the item is marked failed
func (i ChecklistItem) IsFailed() bool {
	return strings.Contains(i.Status, MarkerFailed)
}

// IsPending reports whether the item still needs processing
func (i ChecklistItem) IsPending() bool {
	return !i.IsCompleted() && !i.IsFailed()
}

// WithStatus returns a copy of the item with a new status cell
func (i ChecklistItem) WithStatus(status string) ChecklistItem {
	i.Status = status
	return i
}
