package api

import (
	"bufio"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chris-regnier/warden/internal/config"
	"github.com/chris-regnier/warden/internal/engine"
	"github.com/chris-regnier/warden/internal/quarantine"
	"github.com/chris-regnier/warden/internal/scan"
)

const badHash = "aa11bb22cc33dd44ee55ff66aa11bb22cc33dd44ee55ff66aa11bb22cc33dd44"

const inventory = `{"candidates": [
  {"id": "com.bad", "fingerprint": "` + badHash + `", "capabilities": ["RECEIVE_SMS", "BIND_ACCESSIBILITY_SERVICE"]},
  {"id": "com.calculator", "fingerprint": "0123"}
]}`

func newTestServer(t *testing.T, opts ...Option) *Server {
	t.Helper()
	dir := t.TempDir()
	kb := filepath.Join(dir, "known_bad.json")
	require.NoError(t, os.WriteFile(kb, []byte(`{"`+badHash+`": "Anubis"}`), 0o644))

	cfg := config.SystemDefaults()
	cfg.Rules = config.RulesConfig{}
	cfg.Cache.Dir = ""
	cfg.Reports.Dir = filepath.Join(dir, "reports")
	cfg.Scoring.Tuner.StatePath = filepath.Join(dir, "tuner.json")
	cfg.Signatures.Paths = []string{kb}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	e, err := engine.New(cfg, engine.WithLogger(logger), engine.WithQuarantineStore(quarantine.NewMemoryStore()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return NewServer(e, append([]Option{WithLogger(logger)}, opts...)...)
}

func do(t *testing.T, s *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	return rec
}

func scanInventory(t *testing.T, s *Server) []json.RawMessage {
	t.Helper()
	rec := do(t, s, http.MethodPost, "/api/scan", inventory)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/x-ndjson", rec.Header().Get("Content-Type"))

	var lines []json.RawMessage
	sc := bufio.NewScanner(rec.Body)
	for sc.Scan() {
		lines = append(lines, json.RawMessage(append([]byte(nil), sc.Bytes()...)))
	}
	return lines
}

func TestHealth(t *testing.T) {
	s := newTestServer(t, WithToken("secret"))
	rec := do(t, s, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"ok"`)
}

func TestToken(t *testing.T) {
	s := newTestServer(t, WithToken("secret"))

	rec := do(t, s, http.MethodGet, "/api/quarantine", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/api/quarantine", nil)
	req.Header.Set("Authorization", "Bearer secret")
	rr := httptest.NewRecorder()
	s.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestScan_StreamsEventsThenSummary(t *testing.T) {
	s := newTestServer(t)
	lines := scanInventory(t, s)
	require.Len(t, lines, 3)

	for _, l := range lines[:2] {
		var ev scan.Event
		require.NoError(t, json.Unmarshal(l, &ev))
		assert.NotEmpty(t, ev.RunID)
		assert.Equal(t, 2, ev.Total)
		require.NotNil(t, ev.Verdict)
	}

	var summary scanSummary
	require.NoError(t, json.Unmarshal(lines[2], &summary))
	assert.Equal(t, 2, summary.Report.Total)
	assert.NotEmpty(t, summary.ArchiveID)

	rec := do(t, s, http.MethodGet, "/api/reports/"+summary.ArchiveID, "")
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = do(t, s, http.MethodGet, "/api/reports/"+summary.ArchiveID+"/sarif", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "WRD-K001")
}

func TestScan_BadRequests(t *testing.T) {
	s := newTestServer(t)
	assert.Equal(t, http.StatusBadRequest, do(t, s, http.MethodPost, "/api/scan", "{not json").Code)
	assert.Equal(t, http.StatusBadRequest, do(t, s, http.MethodPost, "/api/scan?concurrency=x", inventory).Code)
}

func TestQuarantineLifecycle(t *testing.T) {
	s := newTestServer(t)
	scanInventory(t, s)

	rec := do(t, s, http.MethodGet, "/api/quarantine?state=quarantined", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Records []quarantine.Record `json:"records"`
		Count   int                 `json:"count"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Equal(t, 1, list.Count)
	assert.Equal(t, "com.bad", list.Records[0].CandidateID)

	// Already quarantined: approving again is rejected.
	rec = do(t, s, http.MethodPost, "/api/quarantine/com.bad/approve", "")
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = do(t, s, http.MethodPost, "/api/quarantine/com.bad/restore", `{"reason": "trusted"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	var restored quarantine.Record
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &restored))
	assert.Equal(t, quarantine.StateRestored, restored.State)

	assert.Equal(t, http.StatusNotFound, do(t, s, http.MethodGet, "/api/quarantine/com.unknown", "").Code)
	assert.Equal(t, http.StatusNotFound, do(t, s, http.MethodPost, "/api/quarantine/com.bad/explode", "").Code)
	assert.Equal(t, http.StatusBadRequest, do(t, s, http.MethodPost, "/api/quarantine/com.bad/remove", "{").Code)
}

func TestFeedbackAndCommit(t *testing.T) {
	s := newTestServer(t)

	assert.Equal(t, http.StatusBadRequest, do(t, s, http.MethodPost, "/api/feedback", `{"candidate_id":"x","kind":"meh"}`).Code)
	for i := 0; i < 5; i++ {
		rec := do(t, s, http.MethodPost, "/api/feedback", `{"candidate_id":"x","kind":"false_positive"}`)
		require.Equal(t, http.StatusAccepted, rec.Code)
	}

	rec := do(t, s, http.MethodPost, "/api/profile/commit", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var p struct {
		Version int     `json:"version"`
		Offset  float64 `json:"offset"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &p))
	assert.Equal(t, 2, p.Version)
	assert.Equal(t, 10.0, p.Offset)
}

func TestMetricsAndReports(t *testing.T) {
	s := newTestServer(t)

	rec := do(t, s, http.MethodGet, "/api/reports", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"count":0`)

	scanInventory(t, s)

	rec = do(t, s, http.MethodGet, "/api/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"total_scans":2`)

	rec = do(t, s, http.MethodGet, "/api/metrics?format=csv", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/csv", rec.Header().Get("Content-Type"))
	assert.Equal(t, 3, strings.Count(rec.Body.String(), "\n"), "header plus one row per candidate")
	assert.Equal(t, http.StatusBadRequest, do(t, s, http.MethodGet, "/api/metrics?format=xml", "").Code)

	assert.Equal(t, http.StatusBadRequest, do(t, s, http.MethodGet, "/api/reports/..", "").Code)
	assert.Equal(t, http.StatusNotFound, do(t, s, http.MethodGet, "/api/reports/nope", "").Code)
}
