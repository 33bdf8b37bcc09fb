// Package engine assembles the scan pipeline from configuration and exposes
// the operations shared by the CLI, the HTTP API and the MCP server.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"

	"github.com/chris-regnier/warden/internal/cache"
	"github.com/chris-regnier/warden/internal/collector"
	"github.com/chris-regnier/warden/internal/config"
	"github.com/chris-regnier/warden/internal/evaluator"
	"github.com/chris-regnier/warden/internal/metrics"
	"github.com/chris-regnier/warden/internal/quarantine"
	"github.com/chris-regnier/warden/internal/rules"
	"github.com/chris-regnier/warden/internal/sarif"
	"github.com/chris-regnier/warden/internal/scan"
	"github.com/chris-regnier/warden/internal/scorer"
	"github.com/chris-regnier/warden/internal/signal"
	"github.com/chris-regnier/warden/internal/store"
	"github.com/chris-regnier/warden/internal/verdict"
)

// DefaultBlocklistScore is reported by a blocklist with no configured score.
const DefaultBlocklistScore = 80

// Engine owns one configured scan pipeline and its durable state.
type Engine struct {
	cfg          *config.Config
	version      string
	orchestrator *scan.Orchestrator
	cache        cache.Store
	quarantine   *quarantine.Service
	tuner        *scorer.Tuner
	recorder     *metrics.Recorder
	reports      *store.FileStore
	rules        []rules.Rule
	logger       *slog.Logger

	stateMu sync.Mutex
	closers []func() error
}

// Option configures New.
type Option func(*options)

type options struct {
	logger     *slog.Logger
	version    string
	remediator quarantine.Remediator
	qstore     quarantine.Store
}

// WithLogger sets the logger passed to every component.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithVersion stamps SARIF output with the tool version.
func WithVersion(v string) Option {
	return func(o *options) { o.version = v }
}

// WithRemediator sets the platform actor that executes quarantine commands.
func WithRemediator(r quarantine.Remediator) Option {
	return func(o *options) { o.remediator = r }
}

// WithQuarantineStore replaces the SQLite quarantine database.
func WithQuarantineStore(s quarantine.Store) Option {
	return func(o *options) { o.qstore = s }
}

// New validates cfg and builds every component it describes.
func New(cfg *config.Config, opts ...Option) (*Engine, error) {
	o := options{logger: slog.Default(), version: "dev"}
	for _, opt := range opts {
		opt(&o)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", scan.ErrMisconfigured, err)
	}

	e := &Engine{cfg: cfg, version: o.version, logger: o.logger}
	ok := false
	defer func() {
		if !ok {
			_ = e.Close()
		}
	}()

	profile, err := buildProfile(cfg.Scoring)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", scan.ErrMisconfigured, err)
	}
	e.tuner = scorer.NewTuner(profile, scorer.TunerConfig{
		Gain:       cfg.Scoring.Tuner.Gain,
		MaxShift:   cfg.Scoring.Tuner.MaxShift,
		MinSamples: cfg.Scoring.Tuner.MinSamples,
	})
	if path := cfg.Scoring.Tuner.StatePath; path != "" {
		state, err := scorer.LoadState(path)
		if err != nil {
			return nil, err
		}
		e.tuner.Restore(state)
	}

	e.rules, err = rules.LoadRules(cfg.Rules.UserDir, cfg.Rules.ProjectDir)
	if err != nil {
		return nil, err
	}

	cols, err := e.buildCollectors()
	if err != nil {
		return nil, err
	}

	qstore := o.qstore
	if qstore == nil {
		db, err := quarantine.OpenSQLite(cfg.Quarantine.Database)
		if err != nil {
			return nil, err
		}
		e.closers = append(e.closers, db.Close)
		qstore = db
	}
	svcOpts := []quarantine.ServiceOption{
		quarantine.WithFeedback(feedbackSink{e}),
		quarantine.WithLogger(e.logger),
	}
	if o.remediator != nil {
		svcOpts = append(svcOpts, quarantine.WithRemediator(o.remediator))
	}
	e.quarantine = quarantine.NewService(qstore, svcOpts...)

	policy, err := evaluator.NewEvaluator(cfg.Quarantine.PolicyDir)
	if err != nil {
		return nil, err
	}

	instruments, err := metrics.NewInstruments()
	if err != nil {
		e.logger.Warn("metric instruments unavailable", "err", err)
		instruments = nil
	}
	e.recorder = metrics.NewRecorder(metrics.NewCollector(), instruments)

	if cfg.Reports.Dir != "" {
		e.reports = store.NewFileStore(cfg.Reports.Dir)
	}

	weights := scan.DefaultCapabilityWeights()
	for k, w := range cfg.Prescreen.Weights {
		weights[strings.ToUpper(k)] = w
	}

	scanOpts := []scan.Option{
		scan.WithCollectors(cols...),
		scan.WithPrescreener(scan.NewPrescreener(weights)),
		scan.WithQuarantine(e.quarantine),
		scan.WithPolicy(policy),
		scan.WithTuner(e.tuner),
		scan.WithTimeouts(scan.Timeouts{
			Static:     cfg.Scan.Timeouts.Static,
			Signature:  cfg.Scan.Timeouts.Signature,
			Reputation: cfg.Scan.Timeouts.Reputation,
			Behavioral: cfg.Scan.Timeouts.Behavioral,
		}),
		scan.WithThresholds(scan.Thresholds{
			FastPath:  cfg.Scan.FastPathThreshold,
			Suspicion: cfg.Scan.SuspicionThreshold,
		}),
		scan.WithRecorder(e.recorder),
		scan.WithLogger(e.logger),
	}
	if e.cache = e.buildCache(); e.cache != nil {
		scanOpts = append(scanOpts, scan.WithCache(e.cache, cfg.Cache.Lifetime))
	}
	e.orchestrator = scan.New(scanOpts...)

	ok = true
	return e, nil
}

func buildProfile(sc config.ScoringConfig) (*scorer.Profile, error) {
	weights := scorer.DefaultWeights()
	for k, w := range sc.Weights {
		weights[signal.Kind(k)] = w
	}
	bands := make([]scorer.Band, len(sc.Bands))
	for i, b := range sc.Bands {
		bands[i] = scorer.Band{Min: b.Min, Severity: verdict.Severity(b.Severity)}
	}
	return scorer.NewProfile(weights, bands, sc.NearCertain, scorer.QuarantinePolicy{
		MinScore:      sc.QuarantineMinScore,
		MinConfidence: sc.QuarantineMinConfidence,
	})
}

func (e *Engine) buildCollectors() ([]signal.Collector, error) {
	cfg := e.cfg

	known := collector.NewKnownBadSet(nil)
	for _, path := range cfg.Signatures.Paths {
		set, err := collector.LoadKnownBad(path)
		if err != nil {
			return nil, err
		}
		known.Merge(set.Entries())
	}
	e.logger.Debug("known-bad database loaded", "fingerprints", known.Len())

	var sources []collector.Source
	for _, s := range cfg.Reputation.Sources {
		name := s.Name
		if name == "" {
			name = s.URL
		}
		sources = append(sources, collector.NewHTTPSource(name, s.URL, collector.WithSourceToken(s.Token)))
	}
	for _, b := range cfg.Reputation.Blocklists {
		set, err := collector.LoadKnownBad(b.Path)
		if err != nil {
			return nil, err
		}
		name := b.Name
		if name == "" {
			name = strings.TrimSuffix(filepath.Base(b.Path), filepath.Ext(b.Path))
		}
		score := b.Score
		if score == 0 {
			score = DefaultBlocklistScore
		}
		sources = append(sources, collector.NewIndicatorListSource(name, score, set.Entries()))
	}

	var monitor collector.Monitor
	if cfg.Behavior.Feed != "" {
		monitor = collector.NewFileMonitor(cfg.Behavior.Feed)
	}

	return []signal.Collector{
		collector.NewStaticCollector(e.rules, collector.DefaultStaticConfidence),
		collector.NewSignatureCollector(known),
		collector.NewReputationCollector(sources...),
		collector.NewBehavioralCollector(monitor, cfg.Behavior.ExpectedDestinations...),
	}, nil
}

// buildCache stacks memory over disk over remote, leaving out unconfigured tiers.
func (e *Engine) buildCache() cache.Store {
	cc := e.cfg.Cache
	if cc.Disabled {
		return nil
	}
	tierCfg := cache.DefaultMultiTierConfig()
	tierCfg.WarmLifetime = cc.Lifetime

	var s cache.Store = cache.New(cache.WithMaxSize(cc.MaxSize), cache.WithLifetime(cc.Lifetime))
	if cc.Dir != "" {
		s = cache.NewMultiTierCache(s, cache.NewDiskCache(cc.Dir), tierCfg).WithLogger(e.logger)
	}
	if cc.Remote.URL != "" {
		remote := cache.NewRemoteCache(cc.Remote.URL,
			cache.WithToken(cc.Remote.Token),
			cache.WithTimeout(cc.Remote.Timeout))
		if err := remote.Ping(context.Background()); err != nil {
			e.logger.Warn("remote cache unreachable, lookups will fall through", "url", cc.Remote.URL, "err", err)
		}
		s = cache.NewMultiTierCache(s, remote, tierCfg).WithLogger(e.logger)
	}
	return s
}

// feedbackSink persists tuner state after every recorded report.
type feedbackSink struct{ e *Engine }

func (f feedbackSink) Record(fb scorer.Feedback) error {
	return f.e.Feedback(fb)
}

// Config returns the configuration the engine was built from.
func (e *Engine) Config() *config.Config { return e.cfg }

// Rules returns the loaded static detection rules.
func (e *Engine) Rules() []rules.Rule { return e.rules }

// Quarantine returns the remediation command surface.
func (e *Engine) Quarantine() *quarantine.Service { return e.quarantine }

// Profile returns the active scoring profile.
func (e *Engine) Profile() *scorer.Profile { return e.tuner.Current() }

// Metrics returns the in-process scan metrics.
func (e *Engine) Metrics() *metrics.Collector { return e.recorder.Collector() }

// Reports returns the report archive, or nil when archiving is disabled.
func (e *Engine) Reports() *store.FileStore { return e.reports }

// Run starts a streaming scan. Concurrency <= 0 uses the configured value.
func (e *Engine) Run(ctx context.Context, candidates []signal.Candidate, concurrency int) (<-chan scan.Event, error) {
	if concurrency <= 0 {
		concurrency = e.cfg.Scan.Concurrency
	}
	return e.orchestrator.Run(ctx, candidates, concurrency)
}

// Result is a finished scan.
type Result struct {
	Report    scan.Report
	SARIF     *sarif.Log
	ArchiveID string
}

// Scan evaluates candidates, archives the report and then folds pending
// feedback into the profile used by the next run.
func (e *Engine) Scan(ctx context.Context, candidates []signal.Candidate, concurrency int) (Result, error) {
	events, err := e.Run(ctx, candidates, concurrency)
	if err != nil {
		return Result{}, err
	}
	return e.Finish(context.WithoutCancel(ctx), scan.Drain(events), candidates)
}

// Finish summarizes a run's events, archives them and commits the profile.
// Archive failures are logged, not returned.
func (e *Engine) Finish(ctx context.Context, events []scan.Event, candidates []signal.Candidate) (Result, error) {
	res := Result{Report: scan.Summarize(events)}
	res.SARIF = e.SARIF(res.Report, candidates)

	if e.reports != nil {
		id, err := e.reports.WriteReport(ctx, &res.Report)
		if err == nil {
			err = e.reports.WriteSARIF(ctx, id, res.SARIF)
		}
		if err != nil {
			e.logger.Warn("failed to archive report", "run", res.Report.RunID, "err", err)
		} else {
			res.ArchiveID = id
		}
	}

	if _, err := e.CommitProfile(); err != nil {
		e.logger.Warn("failed to persist tuner state", "err", err)
	}
	return res, nil
}

// SARIF renders a report. Candidates supply package paths for locations;
// verdicts without one are located by app identity.
func (e *Engine) SARIF(r scan.Report, candidates []signal.Candidate) *sarif.Log {
	paths := make(map[string]signal.Candidate, len(candidates))
	for _, c := range candidates {
		paths[c.ID] = c
	}
	a := sarif.NewAssembler(e.version).WithRules(e.rules).WithRunID(r.RunID)
	for _, v := range r.Verdicts {
		c, ok := paths[v.CandidateID]
		if !ok {
			c = signal.Candidate{ID: v.CandidateID}
		}
		a.AddVerdict(v, sarif.ArtifactURI(c))
	}
	return a.Build()
}

// Feedback records a report about a past verdict. It takes effect at the
// next CommitProfile.
func (e *Engine) Feedback(fb scorer.Feedback) error {
	if fb.CandidateID == "" {
		return fmt.Errorf("feedback requires a candidate id")
	}
	if err := e.tuner.Record(fb); err != nil {
		return err
	}
	// A disputed verdict must be re-derived on the next scan, not served from cache.
	if e.cache != nil {
		if err := cache.Forget(context.Background(), e.cache, fb.CandidateID); err != nil {
			e.logger.Warn("dropping cached verdict failed", "candidate", fb.CandidateID, "err", err)
		}
	}
	return e.saveState()
}

// CommitProfile swaps in a new profile version when enough feedback is
// pending. Runs already in flight keep the profile they started with.
func (e *Engine) CommitProfile() (*scorer.Profile, error) {
	before := e.tuner.Current().Version
	p := e.tuner.Commit()
	if p.Version != before {
		e.logger.Info("scoring profile updated", "version", p.Version, "offset", p.Offset)
	}
	return p, e.saveState()
}

func (e *Engine) saveState() error {
	path := e.cfg.Scoring.Tuner.StatePath
	if path == "" {
		return nil
	}
	e.stateMu.Lock()
	defer e.stateMu.Unlock()
	return scorer.SaveState(path, e.tuner.State())
}

// Close releases the quarantine database.
func (e *Engine) Close() error {
	var errs []error
	for _, c := range e.closers {
		errs = append(errs, c())
	}
	e.closers = nil
	return errors.Join(errs...)
}
