package quarantine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/chris-regnier/warden/internal/scorer"
	"github.com/chris-regnier/warden/internal/verdict"
)

// CommandKind names an OS-level remediation action.
type CommandKind string

const (
	CommandDisable   CommandKind = "disable"
	CommandEnable    CommandKind = "enable"
	CommandUninstall CommandKind = "uninstall"
)

// Command is an abstract remediation request for the host platform.
type Command struct {
	Kind        CommandKind `json:"kind"`
	CandidateID string      `json:"candidate_id"`
	Fingerprint string      `json:"fingerprint"`
	Reason      string      `json:"reason,omitempty"`
}

// Remediator carries out commands on the host. Implementations live outside
// the engine; the state transition is committed only when Execute succeeds.
type Remediator interface {
	Execute(ctx context.Context, cmd Command) error
}

// LogRemediator only logs commands. It is the default when no platform
// actor is configured.
type LogRemediator struct {
	Logger *slog.Logger
}

func (r LogRemediator) Execute(ctx context.Context, cmd Command) error {
	l := r.Logger
	if l == nil {
		l = slog.Default()
	}
	l.Info("remediation command", "kind", cmd.Kind, "candidate", cmd.CandidateID, "reason", cmd.Reason)
	return nil
}

// FeedbackSink receives the outcome of user decisions so scoring thresholds
// can adapt. *scorer.Tuner satisfies it.
type FeedbackSink interface {
	Record(fb scorer.Feedback) error
}

// Service is the user-facing command surface over a Store. Requests for one
// candidate are serialized from the state check through the host command to
// the commit.
type Service struct {
	store      Store
	remediator Remediator
	feedback   FeedbackSink
	logger     *slog.Logger

	locks sync.Map // candidate id -> *sync.Mutex
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithRemediator sets the platform actor.
func WithRemediator(r Remediator) ServiceOption {
	return func(s *Service) {
		s.remediator = r
	}
}

// WithFeedback routes restore and remove decisions to sink.
func WithFeedback(sink FeedbackSink) ServiceOption {
	return func(s *Service) {
		s.feedback = sink
	}
}

// WithLogger sets the service logger.
func WithLogger(l *slog.Logger) ServiceOption {
	return func(s *Service) {
		s.logger = l
	}
}

// NewService wraps store.
func NewService(store Store, opts ...ServiceOption) *Service {
	s := &Service{store: store, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	if s.remediator == nil {
		s.remediator = LogRemediator{Logger: s.logger}
	}
	return s
}

func (s *Service) lockFor(id string) *sync.Mutex {
	m, _ := s.locks.LoadOrStore(id, &sync.Mutex{})
	return m.(*sync.Mutex)
}

// Store returns the underlying record store.
func (s *Service) Store() Store {
	return s.store
}

// Flag records a quarantine-worthy verdict.
func (s *Service) Flag(ctx context.Context, v verdict.Verdict) (Record, error) {
	mu := s.lockFor(v.CandidateID)
	mu.Lock()
	defer mu.Unlock()
	return s.store.Flag(ctx, v)
}

// RequestQuarantine disables a flagged candidate.
func (s *Service) RequestQuarantine(ctx context.Context, id, reason string) (Record, error) {
	return s.request(ctx, id, StateFlagged, CommandDisable, reason, s.store.Quarantine, "")
}

// RequestRestore re-enables a quarantined candidate and reports a false positive.
func (s *Service) RequestRestore(ctx context.Context, id, reason string) (Record, error) {
	return s.request(ctx, id, StateQuarantined, CommandEnable, reason, s.store.Restore, scorer.FalsePositive)
}

// RequestRemove uninstalls a quarantined candidate and reports a confirmation.
func (s *Service) RequestRemove(ctx context.Context, id, reason string) (Record, error) {
	return s.request(ctx, id, StateQuarantined, CommandUninstall, reason, s.store.Remove, scorer.Confirmed)
}

func (s *Service) request(
	ctx context.Context,
	id string,
	want State,
	kind CommandKind,
	reason string,
	commit func(context.Context, string, string) (Record, error),
	fb scorer.FeedbackKind,
) (rec Record, err error) {
	ctx, span := tracer.Start(ctx, "quarantine request")
	defer span.End()
	span.SetAttributes(
		attribute.String("warden.candidate.id", id),
		attribute.String("warden.quarantine.command", string(kind)),
	)
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	}()

	mu := s.lockFor(id)
	mu.Lock()
	defer mu.Unlock()

	cur, err := s.store.Get(ctx, id)
	if err != nil {
		return Record{}, err
	}
	if cur.State != want {
		return Record{}, fmt.Errorf("%w: %s is %s, %s requires %s", ErrTransitionRejected, id, cur.State, kind, want)
	}

	cmd := Command{Kind: kind, CandidateID: id, Fingerprint: cur.Fingerprint, Reason: reason}
	if err := s.remediator.Execute(ctx, cmd); err != nil {
		return Record{}, fmt.Errorf("remediation %s for %s failed: %w", kind, id, err)
	}

	rec, err = commit(ctx, id, reason)
	if err != nil {
		// The host action ran but the record moved underneath us.
		s.logger.Error("remediation applied but transition not recorded", "candidate", id, "command", kind, "err", err)
		return Record{}, err
	}
	s.logger.Info("quarantine transition", "candidate", id, "state", rec.State)

	if fb != "" && s.feedback != nil {
		if ferr := s.feedback.Record(scorer.Feedback{CandidateID: id, Kind: fb}); ferr != nil {
			s.logger.Warn("failed to record feedback", "candidate", id, "err", ferr)
		}
	}
	return rec, nil
}
