// Package quarantine tracks candidates that crossed the quarantine threshold
// through a small state machine: flagged, quarantined, then restored or
// removed by an explicit external command.
package quarantine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/chris-regnier/warden/internal/verdict"
)

// State of a quarantine record.
type State string

const (
	StateFlagged     State = "flagged"
	StateQuarantined State = "quarantined"
	StateRestored    State = "restored"
	StateRemoved     State = "removed"
)

var (
	// ErrTransitionRejected is returned when a requested transition is not
	// valid from the record's current state.
	ErrTransitionRejected = errors.New("quarantine transition rejected")
	// ErrNotFound is returned for unknown candidate IDs.
	ErrNotFound = errors.New("quarantine record not found")
)

// transitions lists, for each target state, the states it may be entered from.
// The empty state stands for "no record yet".
var transitions = map[State][]State{
	StateFlagged:     {"", StateFlagged, StateRestored, StateRemoved},
	StateQuarantined: {StateFlagged},
	StateRestored:    {StateQuarantined},
	StateRemoved:     {StateQuarantined},
}

// CanTransition reports whether a record in from may move to to.
func CanTransition(from, to State) bool {
	for _, s := range transitions[to] {
		if s == from {
			return true
		}
	}
	return false
}

// Transition is one entry in a record's history.
type Transition struct {
	From   State     `json:"from,omitempty"`
	To     State     `json:"to"`
	At     time.Time `json:"at"`
	Reason string    `json:"reason,omitempty"`
}

// Record is the durable quarantine state for one candidate.
type Record struct {
	CandidateID   string          `json:"candidate_id"`
	Fingerprint   string          `json:"fingerprint"`
	State         State           `json:"state"`
	Verdict       verdict.Verdict `json:"verdict"`
	FlaggedAt     time.Time       `json:"flagged_at"`
	QuarantinedAt time.Time       `json:"quarantined_at,omitempty"`
	RestoredAt    time.Time       `json:"restored_at,omitempty"`
	RemovedAt     time.Time       `json:"removed_at,omitempty"`
	UpdatedAt     time.Time       `json:"updated_at"`
	History       []Transition    `json:"history,omitempty"`
}

// Active reports whether the candidate is currently contained.
func (r Record) Active() bool {
	return r.State == StateQuarantined
}

// Open reports whether the record still awaits or holds containment.
func (r Record) Open() bool {
	return r.State == StateFlagged || r.State == StateQuarantined
}

func (r Record) clone() Record {
	out := r
	out.Verdict = r.Verdict.Clone()
	if r.History != nil {
		out.History = make([]Transition, len(r.History))
		copy(out.History, r.History)
	}
	return out
}

// apply moves rec to the target state. A flagged record that is flagged again
// only refreshes its verdict snapshot.
func apply(rec *Record, to State, v *verdict.Verdict, reason string, now time.Time) error {
	if !CanTransition(rec.State, to) {
		return fmt.Errorf("%w: %s cannot move from %q to %q", ErrTransitionRejected, rec.CandidateID, rec.State, to)
	}
	if v != nil {
		rec.Verdict = v.Clone()
		rec.Fingerprint = v.Fingerprint
	}
	rec.UpdatedAt = now
	if rec.State == to {
		return nil
	}
	rec.History = append(rec.History, Transition{From: rec.State, To: to, At: now, Reason: reason})
	rec.State = to
	switch to {
	case StateFlagged:
		rec.FlaggedAt = now
		rec.QuarantinedAt = time.Time{}
		rec.RestoredAt = time.Time{}
		rec.RemovedAt = time.Time{}
	case StateQuarantined:
		rec.QuarantinedAt = now
	case StateRestored:
		rec.RestoredAt = now
	case StateRemoved:
		rec.RemovedAt = now
	}
	return nil
}

// Store is the durable record of actioned candidates. Implementations
// serialize writes per record and allow concurrent reads.
type Store interface {
	// Flag records a quarantine-worthy verdict.
	Flag(ctx context.Context, v verdict.Verdict) (Record, error)
	// Quarantine moves a flagged record into containment.
	Quarantine(ctx context.Context, id, reason string) (Record, error)
	// Restore releases a quarantined record.
	Restore(ctx context.Context, id, reason string) (Record, error)
	// Remove marks a quarantined record as uninstalled.
	Remove(ctx context.Context, id, reason string) (Record, error)
	Get(ctx context.Context, id string) (Record, error)
	// List returns records in the given states, or all records when none are given.
	List(ctx context.Context, states ...State) ([]Record, error)
	// Active reports whether id is currently quarantined.
	Active(ctx context.Context, id string) (bool, error)
}

// Option configures a store.
type Option func(*options)

type options struct {
	now func() time.Time
}

// WithClock overrides the time source used for transition timestamps.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		o.now = now
	}
}

func buildOptions(opts []Option) options {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func matchesStates(s State, states []State) bool {
	if len(states) == 0 {
		return true
	}
	for _, want := range states {
		if s == want {
			return true
		}
	}
	return false
}

func isNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
