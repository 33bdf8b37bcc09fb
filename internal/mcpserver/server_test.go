package mcpserver

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chris-regnier/warden/internal/config"
	"github.com/chris-regnier/warden/internal/engine"
	"github.com/chris-regnier/warden/internal/quarantine"
)

const badHash = "aa11bb22cc33dd44ee55ff66aa11bb22cc33dd44ee55ff66aa11bb22cc33dd44"

func newTools(t *testing.T) *tools {
	t.Helper()
	dir := t.TempDir()
	kb := filepath.Join(dir, "known_bad.json")
	require.NoError(t, os.WriteFile(kb, []byte(`{"`+badHash+`": "Anubis"}`), 0o644))

	cfg := config.SystemDefaults()
	cfg.Rules = config.RulesConfig{}
	cfg.Cache.Dir = ""
	cfg.Reports.Dir = ""
	cfg.Scoring.Tuner.StatePath = ""
	cfg.Signatures.Paths = []string{kb}

	e, err := engine.New(cfg,
		engine.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		engine.WithQuarantineStore(quarantine.NewMemoryStore()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return &tools{engine: e}
}

func call(args map[string]any) mcp.CallToolRequest {
	var req mcp.CallToolRequest
	req.Params.Arguments = args
	return req
}

func text(t *testing.T, res *mcp.CallToolResult) string {
	t.Helper()
	require.NotNil(t, res)
	require.NotEmpty(t, res.Content)
	tc, ok := res.Content[0].(mcp.TextContent)
	require.True(t, ok)
	return tc.Text
}

func TestNew_RegistersTools(t *testing.T) {
	s := New(newTools(t).engine, "1.0.0")
	for _, name := range []string{"scan_inventory", "list_quarantine", "quarantine_action", "record_feedback"} {
		assert.NotNil(t, s.GetTool(name), name)
	}
}

func TestScanInventory(t *testing.T) {
	tl := newTools(t)
	ctx := context.Background()

	res, err := tl.scanInventory(ctx, call(map[string]any{
		"inventory": `[{"id": "com.bad", "fingerprint": "` + badHash + `", "capabilities": ["READ_SMS", "SYSTEM_ALERT_WINDOW"]}]`,
	}))
	require.NoError(t, err)
	assert.False(t, res.IsError)

	var out struct {
		Report struct {
			Total int `json:"total"`
		} `json:"report"`
	}
	require.NoError(t, json.Unmarshal([]byte(text(t, res)), &out))
	assert.Equal(t, 1, out.Report.Total)

	res, err = tl.listQuarantine(ctx, call(map[string]any{"state": "quarantined"}))
	require.NoError(t, err)
	assert.Contains(t, text(t, res), "com.bad")
}

func TestScanInventory_Invalid(t *testing.T) {
	tl := newTools(t)
	res, err := tl.scanInventory(context.Background(), call(map[string]any{}))
	require.NoError(t, err)
	assert.True(t, res.IsError)

	res, err = tl.scanInventory(context.Background(), call(map[string]any{"inventory": "{"}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
}

func TestQuarantineAction(t *testing.T) {
	tl := newTools(t)
	ctx := context.Background()

	res, err := tl.quarantineAction(ctx, call(map[string]any{"candidate_id": "com.none", "action": "restore"}))
	require.NoError(t, err)
	assert.True(t, res.IsError)

	_, err = tl.scanInventory(ctx, call(map[string]any{
		"inventory": `[{"id": "com.bad", "fingerprint": "` + badHash + `", "capabilities": ["READ_SMS", "SYSTEM_ALERT_WINDOW"]}]`,
	}))
	require.NoError(t, err)

	res, err = tl.quarantineAction(ctx, call(map[string]any{"candidate_id": "com.bad", "action": "remove"}))
	require.NoError(t, err)
	require.False(t, res.IsError)
	assert.Contains(t, text(t, res), `"state": "removed"`)

	res, err = tl.quarantineAction(ctx, call(map[string]any{"candidate_id": "com.bad", "action": "explode"}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
}

func TestRecordFeedback(t *testing.T) {
	tl := newTools(t)
	res, err := tl.recordFeedback(context.Background(), call(map[string]any{"candidate_id": "com.x", "kind": "false_negative"}))
	require.NoError(t, err)
	assert.False(t, res.IsError)

	res, err = tl.recordFeedback(context.Background(), call(map[string]any{"candidate_id": "com.x", "kind": "nonsense"}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
}
