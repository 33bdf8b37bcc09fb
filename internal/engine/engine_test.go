package engine

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chris-regnier/warden/internal/config"
	"github.com/chris-regnier/warden/internal/quarantine"
	"github.com/chris-regnier/warden/internal/scan"
	"github.com/chris-regnier/warden/internal/scorer"
	"github.com/chris-regnier/warden/internal/signal"
	"github.com/chris-regnier/warden/internal/verdict"
)

const badHash = "aa11bb22cc33dd44ee55ff66aa11bb22cc33dd44ee55ff66aa11bb22cc33dd44"

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	kb := filepath.Join(dir, "known_bad.json")
	require.NoError(t, os.WriteFile(kb, []byte(`{"`+badHash+`": "Anubis"}`), 0o644))

	cfg := config.SystemDefaults()
	cfg.Rules = config.RulesConfig{ProjectDir: filepath.Join(dir, "rules")}
	cfg.Cache.Dir = filepath.Join(dir, "cache")
	cfg.Quarantine.Database = filepath.Join(dir, "quarantine.db")
	cfg.Reports.Dir = filepath.Join(dir, "reports")
	cfg.Scoring.Tuner.StatePath = filepath.Join(dir, "tuner.json")
	cfg.Scoring.Tuner.MinSamples = 1
	cfg.Signatures.Paths = []string{kb}
	return cfg
}

func newTestEngine(t *testing.T, cfg *config.Config) *Engine {
	t.Helper()
	e, err := New(cfg,
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithVersion("1.0.0"),
		WithQuarantineStore(quarantine.NewMemoryStore()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func candidates() []signal.Candidate {
	return []signal.Candidate{
		{ID: "com.bad", Fingerprint: badHash, Path: "/data/app/bad.apk",
			Capabilities: []string{"RECEIVE_SMS", "BIND_ACCESSIBILITY_SERVICE"}},
		{ID: "com.calculator", Fingerprint: "0123"},
		{ID: "com.broken"},
	}
}

func TestNew_RejectsInvalidConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Scan.Concurrency = 0
	_, err := New(cfg, WithQuarantineStore(quarantine.NewMemoryStore()))
	require.Error(t, err)
	assert.ErrorIs(t, err, scan.ErrMisconfigured)
}

func TestNew_MissingSignatureDatabase(t *testing.T) {
	cfg := testConfig(t)
	cfg.Signatures.Paths = []string{filepath.Join(t.TempDir(), "absent.json")}
	_, err := New(cfg, WithQuarantineStore(quarantine.NewMemoryStore()))
	assert.Error(t, err)
}

func TestEngine_Scan(t *testing.T) {
	e := newTestEngine(t, testConfig(t))

	res, err := e.Scan(context.Background(), candidates(), 0)
	require.NoError(t, err)

	r := res.Report
	assert.Equal(t, 3, r.Total)
	assert.Equal(t, 1, r.Errors)
	assert.Equal(t, 2, r.ByStage[scan.StagePrescreen])

	var bad *verdict.Verdict
	for i := range r.Verdicts {
		if r.Verdicts[i].CandidateID == "com.bad" {
			bad = &r.Verdicts[i]
		}
	}
	require.NotNil(t, bad)
	assert.True(t, bad.KnownBad)
	assert.Equal(t, verdict.ActionQuarantine, bad.Action)

	rec, err := e.Quarantine().Store().Get(context.Background(), "com.bad")
	require.NoError(t, err)
	assert.Equal(t, quarantine.StateQuarantined, rec.State)

	require.NotNil(t, res.SARIF)
	require.Len(t, res.SARIF.Runs[0].Results, 1)

	require.NotEmpty(t, res.ArchiveID)
	stored, err := e.Reports().ReadReport(context.Background(), res.ArchiveID)
	require.NoError(t, err)
	assert.Equal(t, r.RunID, stored.RunID)

	assert.EqualValues(t, 3, e.Metrics().GetStats().TotalScans)
}

func TestEngine_SecondScanHitsCache(t *testing.T) {
	e := newTestEngine(t, testConfig(t))
	cands := []signal.Candidate{{ID: "com.sms", Fingerprint: "feed", Capabilities: []string{"READ_SMS", "SEND_SMS"}}}

	_, err := e.Scan(context.Background(), cands, 1)
	require.NoError(t, err)
	res, err := e.Scan(context.Background(), cands, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Report.ByStage[scan.StageCacheHit])

	// feedback on a candidate evicts its cached verdict from every tier
	require.NoError(t, e.Feedback(scorer.Feedback{CandidateID: "com.sms", Kind: scorer.FalsePositive}))
	res, err = e.Scan(context.Background(), cands, 1)
	require.NoError(t, err)
	assert.Zero(t, res.Report.ByStage[scan.StageCacheHit])
}

func TestEngine_FeedbackPersistsAndCommits(t *testing.T) {
	cfg := testConfig(t)
	e := newTestEngine(t, cfg)

	require.Error(t, e.Feedback(scorer.Feedback{Kind: scorer.FalsePositive}))
	require.Error(t, e.Feedback(scorer.Feedback{CandidateID: "com.x", Kind: "bogus"}))
	require.NoError(t, e.Feedback(scorer.Feedback{CandidateID: "com.x", Kind: scorer.FalsePositive}))

	_, err := os.Stat(cfg.Scoring.Tuner.StatePath)
	require.NoError(t, err)
	assert.Equal(t, 1, e.Profile().Version)

	p, err := e.CommitProfile()
	require.NoError(t, err)
	assert.Equal(t, 2, p.Version)
	assert.Greater(t, p.Offset, 0.0)

	// A fresh engine resumes from the saved state.
	e2 := newTestEngine(t, cfg)
	assert.Equal(t, 2, e2.Profile().Version)
	assert.Equal(t, p.Offset, e2.Profile().Offset)
}

func TestEngine_RestoreFeedsTuner(t *testing.T) {
	cfg := testConfig(t)
	e := newTestEngine(t, cfg)
	ctx := context.Background()

	_, err := e.Scan(ctx, candidates()[:1], 1)
	require.NoError(t, err)

	_, err = e.Quarantine().RequestRestore(ctx, "com.bad", "user trusts it")
	require.NoError(t, err)

	state, err := scorer.LoadState(cfg.Scoring.Tuner.StatePath)
	require.NoError(t, err)
	assert.Equal(t, 1, state.FalsePositives)
}

func TestEngine_CacheDisabled(t *testing.T) {
	cfg := testConfig(t)
	cfg.Cache.Disabled = true
	e := newTestEngine(t, cfg)
	assert.Nil(t, e.buildCache())
}

func TestEngine_SARIFLocatesByPath(t *testing.T) {
	e := newTestEngine(t, testConfig(t))
	res, err := e.Scan(context.Background(), candidates()[:1], 1)
	require.NoError(t, err)

	loc := res.SARIF.Runs[0].Results[0].Locations[0]
	assert.Equal(t, "/data/app/bad.apk", loc.PhysicalLocation.ArtifactLocation.URI)
}
