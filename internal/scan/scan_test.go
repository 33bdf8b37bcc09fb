package scan

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chris-regnier/warden/internal/cache"
	"github.com/chris-regnier/warden/internal/collector"
	"github.com/chris-regnier/warden/internal/evaluator"
	"github.com/chris-regnier/warden/internal/metrics"
	"github.com/chris-regnier/warden/internal/quarantine"
	"github.com/chris-regnier/warden/internal/rules"
	"github.com/chris-regnier/warden/internal/scorer"
	"github.com/chris-regnier/warden/internal/signal"
	"github.com/chris-regnier/warden/internal/verdict"
)

// fakeCollector returns a fixed result and counts invocations.
type fakeCollector struct {
	kind  signal.Kind
	res   signal.Result
	err   error
	delay time.Duration
	panic bool
	calls atomic.Int32

	inflight    atomic.Int32
	maxInflight atomic.Int32
}

func (f *fakeCollector) Kind() signal.Kind { return f.kind }

func (f *fakeCollector) Collect(ctx context.Context, c signal.Candidate) (signal.Result, error) {
	f.calls.Add(1)
	n := f.inflight.Add(1)
	defer f.inflight.Add(-1)
	for {
		cur := f.maxInflight.Load()
		if n <= cur || f.maxInflight.CompareAndSwap(cur, n) {
			break
		}
	}
	if f.panic {
		panic("collector exploded")
	}
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return signal.Result{}, ctx.Err()
		}
	}
	return f.res, f.err
}

func completed(kind signal.Kind, score, confidence float64) *fakeCollector {
	return &fakeCollector{kind: kind, res: signal.Result{Outcome: signal.OutcomeCompleted, Score: score, Confidence: confidence}}
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func runAll(t *testing.T, o *Orchestrator, ctx context.Context, cands []signal.Candidate, concurrency int) []Event {
	t.Helper()
	ch, err := o.Run(ctx, cands, concurrency)
	require.NoError(t, err)
	return Drain(ch)
}

func single(t *testing.T, o *Orchestrator, c signal.Candidate) Event {
	t.Helper()
	events := runAll(t, o, context.Background(), []signal.Candidate{c}, 1)
	require.Len(t, events, 1)
	return events[0]
}

func benign(id string) signal.Candidate {
	return signal.Candidate{ID: id, Fingerprint: "fp-" + id, Capabilities: []string{"INTERNET", "VIBRATE"}}
}

func overlayApp() signal.Candidate {
	return signal.Candidate{
		ID:           "com.example.flashlight",
		Fingerprint:  "a1b2c3",
		Capabilities: []string{"SYSTEM_ALERT_WINDOW", "BIND_ACCESSIBILITY_SERVICE", "INTERNET"},
	}
}

func defaultStatic(t *testing.T) *collector.StaticCollector {
	t.Helper()
	rs, err := rules.DefaultRules()
	require.NoError(t, err)
	return collector.NewStaticCollector(rs, 0)
}

func TestRun_RejectsNonPositiveConcurrency(t *testing.T) {
	o := New(WithLogger(quietLogger()))
	for _, n := range []int{0, -3} {
		ch, err := o.Run(context.Background(), []signal.Candidate{benign("a")}, n)
		assert.ErrorIs(t, err, ErrMisconfigured)
		assert.Nil(t, ch)
	}
}

func TestRun_EmptyBatch(t *testing.T) {
	o := New(WithLogger(quietLogger()))
	events := runAll(t, o, context.Background(), nil, 4)
	assert.Empty(t, events)
}

// Nothing risky and not privileged: fast path.
func TestRun_FastPathSkipsCollectors(t *testing.T) {
	static := completed(signal.KindStatic, 90, 0.9)
	sig := completed(signal.KindSignature, 0, 0)
	o := New(WithCollectors(static, sig), WithLogger(quietLogger()))

	ev := single(t, o, benign("com.example.notes"))
	require.NotNil(t, ev.Verdict)
	assert.Equal(t, StagePrescreen, ev.Stage)
	assert.Equal(t, verdict.PathFastPath, ev.Verdict.Path)
	assert.Equal(t, verdict.ActionMonitor, ev.Verdict.Action)
	assert.Equal(t, verdict.SeverityLow, ev.Verdict.Severity)
	assert.Zero(t, static.calls.Load())
	assert.Zero(t, sig.calls.Load())
}

func TestRun_PrivilegedCandidateBypassesFastPath(t *testing.T) {
	static := completed(signal.KindStatic, 0, 0.9)
	o := New(WithCollectors(static), WithLogger(quietLogger()))

	c := benign("com.vendor.system")
	c.Privileged = true
	ev := single(t, o, c)
	assert.NotEqual(t, StagePrescreen, ev.Stage)
	assert.Equal(t, int32(1), static.calls.Load())
}

// A dangerous capability combination with no other evidence.
func TestRun_StaticOnlyDetectionAlerts(t *testing.T) {
	rep := collector.NewReputationCollector(collector.NewIndicatorListSource("blocklist", 90, nil))
	o := New(
		WithCollectors(defaultStatic(t), collector.NewSignatureCollector(nil), rep),
		WithLogger(quietLogger()),
	)

	ev := single(t, o, overlayApp())
	require.NotNil(t, ev.Verdict)
	v := ev.Verdict
	assert.InDelta(t, 80, v.Score, 10)
	assert.Equal(t, verdict.ActionAlert, v.Action)
	assert.False(t, v.KnownBad)
	assert.Equal(t, 0.25, v.Confidence)

	static, ok := v.Signal(signal.KindStatic)
	require.True(t, ok)
	assert.Contains(t, static.Evidence.Patterns, "WRD-P001")
}

// Known-bad fingerprint short-circuits the remaining collectors.
func TestRun_KnownBadShortCircuits(t *testing.T) {
	rep := completed(signal.KindReputation, 50, 1)
	beh := completed(signal.KindBehavioral, 50, 1)
	set := collector.NewKnownBadSet(map[string]string{"deadbeef": "Anubis"})
	svc := quarantine.NewService(quarantine.NewMemoryStore(), quarantine.WithLogger(quietLogger()))
	policy, err := evaluator.NewEvaluator("")
	require.NoError(t, err)

	o := New(
		WithCollectors(completed(signal.KindStatic, 10, 0.9), collector.NewSignatureCollector(set), rep, beh),
		WithQuarantine(svc),
		WithPolicy(policy),
		WithLogger(quietLogger()),
	)

	c := signal.Candidate{ID: "com.bad.app", Fingerprint: "DEADBEEF", Capabilities: []string{"READ_CONTACTS"}}
	ev := single(t, o, c)
	require.NotNil(t, ev.Verdict)
	v := ev.Verdict
	assert.Equal(t, verdict.ActionQuarantine, v.Action)
	assert.Equal(t, verdict.SeverityCritical, v.Severity)
	assert.True(t, v.KnownBad)
	assert.Zero(t, rep.calls.Load())
	assert.Zero(t, beh.calls.Load())
	assert.Equal(t, StageStatic, ev.Stage)

	res, ok := v.Signal(signal.KindReputation)
	require.True(t, ok)
	assert.Equal(t, signal.OutcomeSkipped, res.Outcome)
	assert.Contains(t, v.Reasons, "reputation and behavioral skipped: known-bad signature match")

	assert.Equal(t, evaluator.DecisionAuto, ev.Remediation)
	rec, err := svc.Store().Get(context.Background(), c.ID)
	require.NoError(t, err)
	assert.Equal(t, quarantine.StateQuarantined, rec.State)
}

// Reputation times out while static completes.
func TestRun_ReputationTimeoutDegradesConfidence(t *testing.T) {
	c := overlayApp()
	timeouts := DefaultTimeouts()
	timeouts.Reputation = 50 * time.Millisecond

	slow := &fakeCollector{kind: signal.KindReputation, delay: 2 * time.Second}
	o := New(
		WithCollectors(completed(signal.KindStatic, 55, 0.9), slow),
		WithTimeouts(timeouts),
		WithLogger(quietLogger()),
	)
	start := time.Now()
	degraded := single(t, o, c)
	assert.Less(t, time.Since(start), time.Second)

	o = New(
		WithCollectors(completed(signal.KindStatic, 55, 0.9), completed(signal.KindReputation, 55, 0.8)),
		WithLogger(quietLogger()),
	)
	full := single(t, o, c)

	require.NotNil(t, degraded.Verdict)
	rep, _ := degraded.Verdict.Signal(signal.KindReputation)
	assert.Equal(t, signal.OutcomeTimedOut, rep.Outcome)
	assert.Equal(t, 55.0, degraded.Verdict.Score)
	assert.Less(t, degraded.Verdict.Confidence, full.Verdict.Confidence)
}

func TestRun_PhaseTwoElidedBelowSuspicion(t *testing.T) {
	rep := completed(signal.KindReputation, 80, 1)
	beh := completed(signal.KindBehavioral, 80, 1)
	o := New(
		WithCollectors(completed(signal.KindStatic, 15, 0.9), completed(signal.KindSignature, 0, 0), rep, beh),
		WithLogger(quietLogger()),
	)

	c := signal.Candidate{ID: "com.example.contacts", Fingerprint: "ff", Capabilities: []string{"READ_CONTACTS"}}
	ev := single(t, o, c)
	assert.Zero(t, rep.calls.Load())
	assert.Zero(t, beh.calls.Load())
	assert.Equal(t, StageStatic, ev.Stage)
	require.NotNil(t, ev.Verdict)
	assert.Len(t, ev.Verdict.Signals, 4)
	assert.Contains(t, ev.Verdict.Reasons[len(ev.Verdict.Reasons)-1], "below suspicion")
}

func TestRun_PhaseTwoRunsWhenStaticIsSuspicious(t *testing.T) {
	rep := completed(signal.KindReputation, 80, 1)
	beh := completed(signal.KindBehavioral, 70, 0.6)
	o := New(
		WithCollectors(completed(signal.KindStatic, 65, 0.9), completed(signal.KindSignature, 0, 0), rep, beh),
		WithLogger(quietLogger()),
	)

	c := signal.Candidate{ID: "com.example.contacts", Fingerprint: "ff", Capabilities: []string{"READ_CONTACTS"}}
	ev := single(t, o, c)
	assert.Equal(t, int32(1), rep.calls.Load())
	assert.Equal(t, int32(1), beh.calls.Load())
	assert.Equal(t, StageScored, ev.Stage)
}

func TestRun_MissingPhaseTwoCollectorReportsStage(t *testing.T) {
	o := New(
		WithCollectors(completed(signal.KindStatic, 65, 0.9), completed(signal.KindReputation, 60, 1)),
		WithLogger(quietLogger()),
	)
	ev := single(t, o, overlayApp())
	assert.Equal(t, StageReputation, ev.Stage)

	beh, ok := ev.Verdict.Signal(signal.KindBehavioral)
	require.True(t, ok)
	assert.Equal(t, signal.OutcomeSkipped, beh.Outcome)
}

func TestRun_NoEvidenceMeansMonitor(t *testing.T) {
	o := New(
		WithCollectors(
			&fakeCollector{kind: signal.KindStatic, err: errors.New("parse error")},
			&fakeCollector{kind: signal.KindSignature, panic: true},
		),
		WithLogger(quietLogger()),
	)
	ev := single(t, o, overlayApp())
	require.NotNil(t, ev.Verdict)
	assert.Zero(t, ev.Verdict.Confidence)
	assert.Equal(t, verdict.ActionMonitor, ev.Verdict.Action)
	assert.Equal(t, verdict.SeverityLow, ev.Verdict.Severity)
	assert.NoError(t, ev.Err)

	sig, _ := ev.Verdict.Signal(signal.KindSignature)
	assert.Equal(t, signal.OutcomeFailed, sig.Outcome)
}

func TestRun_InvalidCandidateDoesNotAbortBatch(t *testing.T) {
	o := New(WithCollectors(completed(signal.KindStatic, 10, 0.9)), WithLogger(quietLogger()))
	cands := []signal.Candidate{{ID: "no-fingerprint"}, overlayApp()}

	events := runAll(t, o, context.Background(), cands, 2)
	require.Len(t, events, 2)
	byID := map[string]Event{}
	for _, ev := range events {
		byID[ev.Candidate.ID] = ev
	}
	bad := byID["no-fingerprint"]
	assert.ErrorIs(t, bad.Err, signal.ErrInvalidCandidate)
	require.NotNil(t, bad.Verdict)
	assert.Equal(t, verdict.PathInvalid, bad.Verdict.Path)
	assert.Zero(t, bad.Verdict.Confidence)
	assert.NoError(t, byID[overlayApp().ID].Err)
}

func TestRun_CacheHitIsIdenticalAndSkipsCollectors(t *testing.T) {
	static := completed(signal.KindStatic, 70, 0.9)
	rc := cache.New()
	o := New(WithCollectors(static), WithCache(rc, time.Hour), WithLogger(quietLogger()))

	first := single(t, o, overlayApp())
	callsAfterFirst := static.calls.Load()
	second := single(t, o, overlayApp())

	assert.Equal(t, StageCacheHit, second.Stage)
	assert.Equal(t, callsAfterFirst, static.calls.Load())
	a, err := json.Marshal(first.Verdict)
	require.NoError(t, err)
	b, err := json.Marshal(second.Verdict)
	require.NoError(t, err)
	assert.Equal(t, string(a), string(b))
}

func TestRun_FingerprintChangeInvalidatesCache(t *testing.T) {
	static := completed(signal.KindStatic, 70, 0.9)
	o := New(WithCollectors(static), WithCache(cache.New(), time.Hour), WithLogger(quietLogger()))

	c := overlayApp()
	single(t, o, c)
	c.Fingerprint = "updated"
	ev := single(t, o, c)

	assert.NotEqual(t, StageCacheHit, ev.Stage)
	assert.Equal(t, int32(2), static.calls.Load())
	assert.Equal(t, "updated", ev.Verdict.Fingerprint)
}

type brokenCache struct{}

func (brokenCache) Get(context.Context, string, string) (verdict.Verdict, bool, error) {
	return verdict.Verdict{}, false, fmt.Errorf("%w: disk full", cache.ErrCacheUnavailable)
}

func (brokenCache) Put(context.Context, string, string, verdict.Verdict, time.Duration) error {
	return fmt.Errorf("%w: disk full", cache.ErrCacheUnavailable)
}

func TestRun_CacheFailureIsNotFatal(t *testing.T) {
	o := New(WithCollectors(completed(signal.KindStatic, 70, 0.9)), WithCache(brokenCache{}, 0), WithLogger(quietLogger()))
	ev := single(t, o, overlayApp())
	assert.NoError(t, ev.Err)
	require.NotNil(t, ev.Verdict)
	assert.Equal(t, verdict.PathFull, ev.Verdict.Path)
}

func TestRun_ActiveQuarantineBypassesFastPathAndCache(t *testing.T) {
	ctx := context.Background()
	store := quarantine.NewMemoryStore()
	svc := quarantine.NewService(store, quarantine.WithLogger(quietLogger()))
	c := benign("com.example.contained")

	_, err := store.Flag(ctx, verdict.Verdict{CandidateID: c.ID, Fingerprint: c.Fingerprint, Action: verdict.ActionQuarantine})
	require.NoError(t, err)
	_, err = store.Quarantine(ctx, c.ID, "test")
	require.NoError(t, err)

	rc := cache.New()
	require.NoError(t, rc.Put(ctx, c.ID, c.Fingerprint, verdict.Verdict{CandidateID: c.ID, Fingerprint: c.Fingerprint, Path: verdict.PathFull}, time.Hour))

	static := completed(signal.KindStatic, 0, 0.9)
	o := New(WithCollectors(static), WithCache(rc, time.Hour), WithQuarantine(svc), WithLogger(quietLogger()))
	ev := single(t, o, c)

	assert.NotEqual(t, StagePrescreen, ev.Stage)
	assert.NotEqual(t, StageCacheHit, ev.Stage)
	assert.Equal(t, int32(1), static.calls.Load())
}

func TestRun_QuarantineWithoutPolicyWaitsForConfirmation(t *testing.T) {
	svc := quarantine.NewService(quarantine.NewMemoryStore(), quarantine.WithLogger(quietLogger()))
	o := New(
		WithCollectors(completed(signal.KindStatic, 85, 0.9), completed(signal.KindReputation, 85, 1)),
		WithQuarantine(svc),
		WithLogger(quietLogger()),
	)
	ev := single(t, o, overlayApp())
	require.Equal(t, verdict.ActionQuarantine, ev.Verdict.Action)
	assert.Equal(t, evaluator.DecisionConfirm, ev.Remediation)

	rec, err := svc.Store().Get(context.Background(), overlayApp().ID)
	require.NoError(t, err)
	assert.Equal(t, quarantine.StateFlagged, rec.State)

	// A later scan of the same candidate refreshes the flag.
	again := single(t, o, overlayApp())
	assert.Equal(t, evaluator.DecisionConfirm, again.Remediation)
}

func TestRun_ExactlyOneEventPerCandidate(t *testing.T) {
	static := completed(signal.KindStatic, 30, 0.9)
	static.delay = 5 * time.Millisecond
	o := New(WithCollectors(static), WithLogger(quietLogger()))

	var cands []signal.Candidate
	for i := 0; i < 50; i++ {
		c := overlayApp()
		c.ID = fmt.Sprintf("app-%02d", i)
		cands = append(cands, c)
	}
	events := runAll(t, o, context.Background(), cands, 3)
	require.Len(t, events, 50)

	seen := map[string]bool{}
	maxProcessed := 0
	for _, ev := range events {
		assert.False(t, seen[ev.Candidate.ID], "duplicate event for %s", ev.Candidate.ID)
		seen[ev.Candidate.ID] = true
		assert.Equal(t, 50, ev.Total)
		assert.NotEmpty(t, ev.RunID)
		if ev.Processed > maxProcessed {
			maxProcessed = ev.Processed
		}
	}
	assert.Equal(t, 50, maxProcessed)
	assert.LessOrEqual(t, static.maxInflight.Load(), int32(3))
}

func TestRun_CancelledBeforeStartAbortsEverything(t *testing.T) {
	static := completed(signal.KindStatic, 30, 0.9)
	o := New(WithCollectors(static), WithLogger(quietLogger()))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	cands := []signal.Candidate{overlayApp(), benign("b"), benign("c")}
	events := runAll(t, o, ctx, cands, 2)
	require.Len(t, events, 3)
	for _, ev := range events {
		assert.True(t, ev.Aborted)
		assert.Equal(t, StageAborted, ev.Stage)
		assert.Nil(t, ev.Verdict)
		assert.ErrorIs(t, ev.Err, context.Canceled)
	}
	assert.Zero(t, static.calls.Load())
}

func TestRun_CancellationIsBounded(t *testing.T) {
	timeouts := Timeouts{Static: 200 * time.Millisecond, Signature: 200 * time.Millisecond, Reputation: 200 * time.Millisecond, Behavioral: 200 * time.Millisecond}
	static := completed(signal.KindStatic, 60, 0.9)
	static.delay = 100 * time.Millisecond
	rep := completed(signal.KindReputation, 60, 0.9)
	rep.delay = 100 * time.Millisecond
	o := New(WithCollectors(static, rep), WithTimeouts(timeouts), WithLogger(quietLogger()))

	var cands []signal.Candidate
	for i := 0; i < 40; i++ {
		c := overlayApp()
		c.ID = fmt.Sprintf("app-%02d", i)
		cands = append(cands, c)
	}

	ctx, cancel := context.WithCancel(context.Background())
	ch, err := o.Run(ctx, cands, 2)
	require.NoError(t, err)
	time.Sleep(50 * time.Millisecond)
	cancel()
	cancelledAt := time.Now()
	events := Drain(ch)
	elapsed := time.Since(cancelledAt)

	require.Len(t, events, 40)
	assert.Less(t, elapsed, timeouts.Max()+time.Second)

	aborted := 0
	for _, ev := range events {
		if ev.Aborted {
			aborted++
			continue
		}
		require.NotNil(t, ev.Verdict)
	}
	assert.Greater(t, aborted, 30)
}

func TestRun_ProfileSnapshotCommitsFeedback(t *testing.T) {
	tuner := scorer.NewTuner(scorer.DefaultProfile(), scorer.DefaultTunerConfig())
	for i := 0; i < 5; i++ {
		require.NoError(t, tuner.Record(scorer.Feedback{CandidateID: "x", Kind: scorer.FalsePositive}))
	}
	o := New(WithCollectors(completed(signal.KindStatic, 50, 0.9)), WithTuner(tuner), WithLogger(quietLogger()))

	ev := single(t, o, overlayApp())
	require.NotNil(t, ev.Verdict)
	assert.Equal(t, 2, ev.Verdict.ProfileVersion)
	assert.Equal(t, 2, tuner.Current().Version)
}

func TestRun_RecordsMetrics(t *testing.T) {
	col := metrics.NewCollector()
	rc := cache.New()
	o := New(
		WithCollectors(completed(signal.KindStatic, 70, 0.9)),
		WithCache(rc, time.Hour),
		WithRecorder(metrics.NewRecorder(col, nil)),
		WithLogger(quietLogger()),
	)
	runAll(t, o, context.Background(), []signal.Candidate{overlayApp(), benign("b")}, 2)
	single(t, o, overlayApp())

	stats := col.GetStats()
	assert.Equal(t, int64(3), stats.TotalScans)
	assert.Equal(t, int64(1), stats.CacheHits)
	assert.Equal(t, int64(1), stats.CacheMisses)
	assert.Equal(t, int64(1), stats.CacheBypassed)
}

func TestRun_ConcurrentRunsShareCache(t *testing.T) {
	rc := cache.New()
	o := New(WithCollectors(completed(signal.KindStatic, 70, 0.9)), WithCache(rc, time.Hour), WithLogger(quietLogger()))

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ch, err := o.Run(context.Background(), []signal.Candidate{overlayApp()}, 1)
			if err != nil {
				t.Error(err)
				return
			}
			for ev := range ch {
				if ev.Verdict == nil {
					t.Error("missing verdict")
				}
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, rc.Size())
}

func TestScan_Summarizes(t *testing.T) {
	o := New(WithCollectors(completed(signal.KindStatic, 70, 0.9)), WithLogger(quietLogger()))
	rep, err := o.Scan(context.Background(), []signal.Candidate{overlayApp(), benign("b"), {ID: "broken"}}, 2)
	require.NoError(t, err)

	assert.NotEmpty(t, rep.RunID)
	assert.Equal(t, 3, rep.Total)
	assert.Equal(t, 1, rep.Errors)
	assert.Equal(t, 2, rep.ByStage[StagePrescreen])
	assert.Len(t, rep.Verdicts, 3)
	assert.Equal(t, overlayApp().ID, rep.Verdicts[0].CandidateID)

	_, err = o.Scan(context.Background(), nil, 0)
	assert.ErrorIs(t, err, ErrMisconfigured)
}
