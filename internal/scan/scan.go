// Package scan runs candidates through pre-screening, the result cache, the
// signal collectors and the scorer with bounded concurrency, emitting one
// terminal event per candidate.
package scan

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"

	"github.com/chris-regnier/warden/internal/cache"
	"github.com/chris-regnier/warden/internal/evaluator"
	"github.com/chris-regnier/warden/internal/metrics"
	"github.com/chris-regnier/warden/internal/quarantine"
	"github.com/chris-regnier/warden/internal/scorer"
	"github.com/chris-regnier/warden/internal/signal"
	"github.com/chris-regnier/warden/internal/verdict"
)

var tracer = otel.Tracer("github.com/chris-regnier/warden/internal/scan")

// ErrMisconfigured is returned by Run when the run cannot start.
var ErrMisconfigured = errors.New("scan misconfigured")

// DefaultConcurrency is the worker limit used by callers that have no preference.
const DefaultConcurrency = 10

// Timeouts bounds each collector invocation.
type Timeouts struct {
	Static     time.Duration `json:"static" yaml:"static"`
	Signature  time.Duration `json:"signature" yaml:"signature"`
	Reputation time.Duration `json:"reputation" yaml:"reputation"`
	Behavioral time.Duration `json:"behavioral" yaml:"behavioral"`
}

// DefaultTimeouts returns the built-in collector deadlines.
func DefaultTimeouts() Timeouts {
	return Timeouts{
		Static:     3 * time.Second,
		Signature:  2 * time.Second,
		Reputation: 5 * time.Second,
		Behavioral: 5 * time.Second,
	}
}

// For returns the deadline for kind. Unset values fall back to the default.
func (t Timeouts) For(kind signal.Kind) time.Duration {
	var d time.Duration
	switch kind {
	case signal.KindStatic:
		d = t.Static
	case signal.KindSignature:
		d = t.Signature
	case signal.KindReputation:
		d = t.Reputation
	case signal.KindBehavioral:
		d = t.Behavioral
	}
	if d <= 0 {
		d = DefaultTimeouts().For(kind)
	}
	return d
}

// Max returns the longest collector deadline.
func (t Timeouts) Max() time.Duration {
	var longest time.Duration
	for _, k := range signal.Kinds() {
		if d := t.For(k); d > longest {
			longest = d
		}
	}
	return longest
}

// Thresholds drive the fast path and conditional collector elision.
type Thresholds struct {
	// FastPath is the pre-screen score below which a non-privileged candidate
	// is assigned a baseline verdict without running collectors.
	FastPath float64 `json:"fast_path" yaml:"fast_path"`
	// Suspicion is the pre-screen or static score at which reputation and
	// behavioral collectors are worth running.
	Suspicion float64 `json:"suspicion" yaml:"suspicion"`
}

// DefaultThresholds returns the built-in thresholds.
func DefaultThresholds() Thresholds {
	return Thresholds{FastPath: 10, Suspicion: 40}
}

// Orchestrator evaluates candidates. It is safe to call Run concurrently.
type Orchestrator struct {
	collectors    map[signal.Kind]signal.Collector
	prescreen     *Prescreener
	cache         cache.Store
	cacheLifetime time.Duration
	quarantine    *quarantine.Service
	policy        *evaluator.Evaluator
	tuner         *scorer.Tuner
	profile       *scorer.Profile
	timeouts      Timeouts
	thresholds    Thresholds
	recorder      *metrics.Recorder
	logger        *slog.Logger
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithCollectors registers collectors by kind. A kind with no collector is
// reported as skipped.
func WithCollectors(cols ...signal.Collector) Option {
	return func(o *Orchestrator) {
		for _, c := range cols {
			if c != nil {
				o.collectors[c.Kind()] = c
			}
		}
	}
}

// WithPrescreener overrides the capability pre-screen.
func WithPrescreener(p *Prescreener) Option {
	return func(o *Orchestrator) {
		o.prescreen = p
	}
}

// WithCache enables verdict caching. A non-positive lifetime uses the cache default.
func WithCache(store cache.Store, lifetime time.Duration) Option {
	return func(o *Orchestrator) {
		o.cache = store
		o.cacheLifetime = lifetime
	}
}

// WithQuarantine hands quarantine verdicts to svc.
func WithQuarantine(svc *quarantine.Service) Option {
	return func(o *Orchestrator) {
		o.quarantine = svc
	}
}

// WithPolicy sets the remediation policy consulted for quarantine verdicts.
// Without one, quarantine verdicts are flagged and wait for confirmation.
func WithPolicy(e *evaluator.Evaluator) Option {
	return func(o *Orchestrator) {
		o.policy = e
	}
}

// WithTuner makes each run commit pending feedback and score with the
// resulting profile.
func WithTuner(t *scorer.Tuner) Option {
	return func(o *Orchestrator) {
		o.tuner = t
	}
}

// WithProfile sets a fixed scoring profile, used when no tuner is configured.
func WithProfile(p *scorer.Profile) Option {
	return func(o *Orchestrator) {
		o.profile = p
	}
}

// WithTimeouts sets collector deadlines.
func WithTimeouts(t Timeouts) Option {
	return func(o *Orchestrator) {
		o.timeouts = t
	}
}

// WithThresholds sets the fast-path and suspicion thresholds.
func WithThresholds(t Thresholds) Option {
	return func(o *Orchestrator) {
		o.thresholds = t
	}
}

// WithRecorder records per-candidate metrics.
func WithRecorder(r *metrics.Recorder) Option {
	return func(o *Orchestrator) {
		o.recorder = r
	}
}

// WithLogger sets the orchestrator logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) {
		o.logger = l
	}
}

// New builds an orchestrator.
func New(opts ...Option) *Orchestrator {
	o := &Orchestrator{
		collectors: make(map[signal.Kind]signal.Collector),
		timeouts:   DefaultTimeouts(),
		thresholds: DefaultThresholds(),
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.prescreen == nil {
		o.prescreen = NewPrescreener(nil)
	}
	if o.profile == nil {
		o.profile = scorer.DefaultProfile()
	}
	if o.recorder == nil {
		o.recorder = metrics.NoOpRecorder()
	}
	return o
}

// snapshot commits pending feedback and returns the profile for one run.
func (o *Orchestrator) snapshot() *scorer.Profile {
	if o.tuner != nil {
		return o.tuner.Commit()
	}
	return o.profile
}

// run carries the state shared by one Run invocation.
type run struct {
	id      string
	profile *scorer.Profile
	total   int

	mu        sync.Mutex
	processed int
	events    chan Event
}

func (r *run) emit(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.processed++
	ev.RunID = r.id
	ev.Processed = r.processed
	ev.Total = r.total
	if ev.Err != nil {
		ev.Error = ev.Err.Error()
	}
	r.events <- ev
}

// Run evaluates candidates with at most concurrency candidates in flight and
// returns a channel that yields exactly one terminal event per candidate and
// closes when the run ends. Cancelling ctx stops new work; candidates not yet
// started are reported as aborted, and collectors already dispatched finish
// under their own deadlines.
func (o *Orchestrator) Run(ctx context.Context, candidates []signal.Candidate, concurrency int) (<-chan Event, error) {
	if concurrency <= 0 {
		return nil, fmt.Errorf("%w: concurrency must be positive, got %d", ErrMisconfigured, concurrency)
	}

	r := &run{
		id:      uuid.NewString(),
		profile: o.snapshot(),
		total:   len(candidates),
		// Buffered for every event so a slow consumer never stalls workers.
		events: make(chan Event, len(candidates)),
	}
	o.logger.Info("scan started", "run", r.id, "candidates", r.total, "concurrency", concurrency, "profile_version", r.profile.Version)

	go func() {
		defer close(r.events)
		start := time.Now()

		var g errgroup.Group
		g.SetLimit(concurrency)
		for i, c := range candidates {
			if err := ctx.Err(); err != nil {
				for _, rest := range candidates[i:] {
					r.emit(abortedEvent(rest, err))
				}
				break
			}
			g.Go(func() error {
				r.emit(o.evaluate(ctx, r, c))
				return nil
			})
		}
		_ = g.Wait()
		o.logger.Info("scan finished", "run", r.id, "candidates", r.total, "elapsed", time.Since(start))
	}()

	return r.events, nil
}

// Scan runs candidates to completion and summarizes the events.
func (o *Orchestrator) Scan(ctx context.Context, candidates []signal.Candidate, concurrency int) (Report, error) {
	events, err := o.Run(ctx, candidates, concurrency)
	if err != nil {
		return Report{}, err
	}
	return Summarize(Drain(events)), nil
}

func abortedEvent(c signal.Candidate, cause error) Event {
	return Event{Candidate: c, Stage: StageAborted, Aborted: true, Err: cause}
}

// evaluate produces the terminal event for one candidate.
func (o *Orchestrator) evaluate(ctx context.Context, r *run, c signal.Candidate) Event {
	if err := ctx.Err(); err != nil {
		return abortedEvent(c, err)
	}

	ctx, span := tracer.Start(ctx, "scan candidate")
	defer span.End()
	span.SetAttributes(
		attribute.String("warden.run.id", r.id),
		attribute.String("warden.candidate.id", c.ID),
	)
	// Store writes and collector calls must not be torn by run cancellation.
	detached := context.WithoutCancel(ctx)

	b := o.recorder.StartScan(r.id, c.ID).MarkStarted()
	log := o.logger.With("candidate", c.ID)

	if err := c.Validate(); err != nil {
		log.Warn("invalid candidate", "err", err)
		v := r.profile.Baseline(c, verdict.PathInvalid, 0, err.Error())
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		b.WithCacheResult(metrics.CacheBypass).CompleteWithError(ctx, string(StagePrescreen), err)
		return Event{Candidate: c, Verdict: &v, Stage: StagePrescreen, Err: err}
	}

	active := o.isActive(detached, c, log)
	pre := o.prescreen.Score(c)
	span.SetAttributes(
		attribute.Float64("warden.prescreen.score", pre),
		attribute.Bool("warden.quarantine.active", active),
	)

	if pre < o.thresholds.FastPath && !c.Privileged && !active {
		v := r.profile.Baseline(c, verdict.PathFastPath, pre,
			fmt.Sprintf("fast path: pre-screen %.0f below %.0f", pre, o.thresholds.FastPath))
		b.WithCacheResult(metrics.CacheBypass).Complete(ctx, string(StagePrescreen), v)
		span.SetAttributes(attribute.String("warden.stage", string(StagePrescreen)))
		return Event{Candidate: c, Verdict: &v, Stage: StagePrescreen}
	}

	if o.cache != nil && !active {
		cached, ok, err := o.cache.Get(detached, c.ID, c.Fingerprint)
		if err != nil {
			log.Warn("cache lookup failed, evaluating", "err", err)
		}
		if ok {
			b.WithCacheResult(metrics.CacheHit).Complete(ctx, string(StageCacheHit), cached)
			span.SetAttributes(attribute.String("warden.stage", string(StageCacheHit)))
			return Event{Candidate: c, Verdict: &cached, Stage: StageCacheHit}
		}
		b.WithCacheResult(metrics.CacheMiss)
	} else {
		b.WithCacheResult(metrics.CacheBypass)
	}

	signals, reasons := o.collect(ctx, detached, r, c, pre, b)
	b.MarkCollected()

	v := r.profile.Score(signals, c)
	v.Reasons = append(v.Reasons, reasons...)
	stage := stageFor(signals)

	if o.cache != nil {
		if err := o.cache.Put(detached, c.ID, c.Fingerprint, v, o.cacheLifetime); err != nil {
			log.Warn("cache store failed", "err", err)
		}
	}

	ev := Event{Candidate: c, Verdict: &v, Stage: stage}
	if v.Action == verdict.ActionQuarantine {
		ev.Remediation = o.handOff(detached, v, log)
	}

	span.SetAttributes(
		attribute.String("warden.stage", string(stage)),
		attribute.Float64("warden.verdict.score", v.Score),
		attribute.String("warden.verdict.action", string(v.Action)),
	)
	log.Debug("candidate scored", "score", v.Score, "severity", v.Severity, "action", v.Action, "stage", stage)
	b.Complete(ctx, string(stage), v)
	return ev
}

func (o *Orchestrator) isActive(ctx context.Context, c signal.Candidate, log *slog.Logger) bool {
	if o.quarantine == nil {
		return false
	}
	active, err := o.quarantine.Store().Active(ctx, c.ID)
	if err != nil {
		log.Warn("quarantine lookup failed", "err", err)
		return false
	}
	return active
}

// collect runs the collector phases and returns one result per kind, in
// kind order, plus the reasons for any elided collectors.
func (o *Orchestrator) collect(ctx, detached context.Context, r *run, c signal.Candidate, pre float64, b *metrics.ScanBuilder) ([]signal.Result, []string) {
	results := make(map[signal.Kind]signal.Result, len(signal.Kinds()))
	var reasons []string

	phase1 := []signal.Kind{signal.KindStatic, signal.KindSignature}
	phase2 := []signal.Kind{signal.KindReputation, signal.KindBehavioral}
	eager := pre >= o.thresholds.Suspicion
	if eager {
		phase1 = append(phase1, phase2...)
		phase2 = nil
	}
	o.runPhase(detached, c, phase1, results, b)

	if len(phase2) > 0 {
		var skip string
		sig := results[signal.KindSignature]
		static := results[signal.KindStatic]
		switch {
		case sig.Outcome == signal.OutcomeCompleted && sig.Score >= r.profile.NearCertain:
			skip = "known-bad signature match"
		case ctx.Err() != nil:
			skip = "run cancelled"
		case static.Outcome == signal.OutcomeCompleted && static.Score >= o.thresholds.Suspicion:
		default:
			skip = fmt.Sprintf("pre-screen %.0f and static %.0f below suspicion %.0f", pre, static.Score, o.thresholds.Suspicion)
		}

		if skip == "" {
			o.runPhase(detached, c, phase2, results, b)
		} else {
			names := make([]string, len(phase2))
			for i, k := range phase2 {
				results[k] = signal.Skipped(k, skip)
				b.Collector(ctx, results[k])
				names[i] = string(k)
			}
			reasons = append(reasons, fmt.Sprintf("%s skipped: %s", strings.Join(names, " and "), skip))
		}
	}

	out := make([]signal.Result, 0, len(results))
	for _, k := range signal.Kinds() {
		if res, ok := results[k]; ok {
			out = append(out, res)
		}
	}
	return out, reasons
}

// runPhase invokes kinds concurrently and waits for all of them.
func (o *Orchestrator) runPhase(ctx context.Context, c signal.Candidate, kinds []signal.Kind, into map[signal.Kind]signal.Result, b *metrics.ScanBuilder) {
	var mu sync.Mutex
	var g errgroup.Group
	for _, k := range kinds {
		g.Go(func() error {
			res := o.invoke(ctx, c, k)
			b.Collector(ctx, res)
			mu.Lock()
			into[k] = res
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
}

func (o *Orchestrator) invoke(ctx context.Context, c signal.Candidate, kind signal.Kind) signal.Result {
	ctx, span := tracer.Start(ctx, "collect")
	defer span.End()
	span.SetAttributes(attribute.String("warden.collector.kind", string(kind)))

	res := signal.Run(ctx, o.collectors[kind], c, o.timeouts.For(kind))
	res.Kind = kind

	span.SetAttributes(
		attribute.String("warden.collector.outcome", string(res.Outcome)),
		attribute.Float64("warden.collector.score", res.Score),
	)
	if res.Error != "" {
		span.SetStatus(codes.Error, res.Error)
		o.logger.Debug("collector did not complete", "candidate", c.ID, "kind", kind, "outcome", res.Outcome, "err", res.Error)
	}
	return res
}

// handOff flags a quarantine verdict and applies the remediation policy. It
// returns the policy decision.
func (o *Orchestrator) handOff(ctx context.Context, v verdict.Verdict, log *slog.Logger) string {
	if o.quarantine == nil {
		return ""
	}
	if _, err := o.quarantine.Flag(ctx, v); err != nil {
		if errors.Is(err, quarantine.ErrTransitionRejected) {
			// Already contained; nothing to re-flag.
			log.Debug("candidate already quarantined")
		} else {
			log.Error("failed to flag candidate", "err", err)
		}
		return ""
	}

	res := evaluator.Result{Decision: evaluator.DecisionConfirm}
	if o.policy != nil {
		var err error
		if res, err = o.policy.Evaluate(ctx, v); err != nil {
			log.Warn("remediation policy failed, awaiting confirmation", "err", err)
		}
	}
	decision := res.Decision

	if decision == evaluator.DecisionAuto {
		if _, err := o.quarantine.RequestQuarantine(ctx, v.CandidateID, "auto-quarantine: "+res.Reason); err != nil {
			log.Error("auto-quarantine failed", "err", err)
			return evaluator.DecisionConfirm
		}
		log.Info("candidate quarantined", "score", v.Score, "severity", v.Severity)
	}
	return decision
}
