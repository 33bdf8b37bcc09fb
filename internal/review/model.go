// Package review is an interactive terminal UI for working through
// quarantine records: approving flagged applications, restoring false
// positives and removing confirmed malware.
package review

import (
	"context"
	"sort"

	"github.com/charmbracelet/bubbles/help"

	"github.com/chris-regnier/warden/internal/quarantine"
)

// Pane represents which pane is currently active
type Pane int

const (
	PaneRecords Pane = iota
	PaneDetails
)

// Filter selects which records are listed
type Filter int

const (
	// FilterOpen shows flagged and quarantined records.
	FilterOpen Filter = iota
	FilterFlagged
	FilterAll
)

// Commander executes quarantine transitions. *quarantine.Service satisfies it.
type Commander interface {
	RequestQuarantine(ctx context.Context, id, reason string) (quarantine.Record, error)
	RequestRestore(ctx context.Context, id, reason string) (quarantine.Record, error)
	RequestRemove(ctx context.Context, id, reason string) (quarantine.Record, error)
}

// ReviewModel is the bubbletea model for the quarantine review TUI
type ReviewModel struct {
	records   []quarantine.Record
	commander Commander

	current    int
	activePane Pane
	filter     Filter
	pending    bool
	status     string

	keys keyMap
	help help.Model

	width  int
	height int
}

// NewReviewModel creates a model over records, newest first.
func NewReviewModel(records []quarantine.Record, commander Commander) ReviewModel {
	rs := make([]quarantine.Record, len(records))
	copy(rs, records)
	sort.SliceStable(rs, func(i, j int) bool { return rs[i].UpdatedAt.After(rs[j].UpdatedAt) })

	return ReviewModel{
		records:    rs,
		commander:  commander,
		activePane: PaneRecords,
		filter:     FilterOpen,
		keys:       defaultKeys(),
		help:       help.New(),
	}
}

// Records returns the model's current view of every record.
func (m ReviewModel) Records() []quarantine.Record {
	return m.records
}

// selected returns the highlighted record among the filtered ones.
func (m ReviewModel) selected() (quarantine.Record, bool) {
	visible := m.visible()
	if m.current < 0 || m.current >= len(visible) {
		return quarantine.Record{}, false
	}
	return visible[m.current], true
}
