// Package mcpserver exposes the scan engine as Model Context Protocol tools.
package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/chris-regnier/warden/internal/engine"
	"github.com/chris-regnier/warden/internal/input"
	"github.com/chris-regnier/warden/internal/quarantine"
	"github.com/chris-regnier/warden/internal/scorer"
)

// New registers the warden tools on a fresh MCP server.
func New(e *engine.Engine, version string) *server.MCPServer {
	s := server.NewMCPServer("warden", version, server.WithToolCapabilities(false))
	t := &tools{engine: e}

	s.AddTool(mcp.NewTool("scan_inventory",
		mcp.WithDescription("Scan installed applications. Takes a JSON inventory (a list of candidates or {\"candidates\": [...]}) and returns the run report."),
		mcp.WithString("inventory", mcp.Required(), mcp.Description("JSON inventory of candidates")),
		mcp.WithNumber("concurrency", mcp.Description("Maximum candidates evaluated at once")),
	), t.scanInventory)

	s.AddTool(mcp.NewTool("list_quarantine",
		mcp.WithDescription("List quarantine records, optionally filtered by state."),
		mcp.WithString("state", mcp.Description("flagged, quarantined, restored or removed; comma separated")),
	), t.listQuarantine)

	s.AddTool(mcp.NewTool("quarantine_action",
		mcp.WithDescription("Approve, restore or remove a quarantined application."),
		mcp.WithString("candidate_id", mcp.Required(), mcp.Description("Application identity")),
		mcp.WithString("action", mcp.Required(), mcp.Enum("approve", "restore", "remove")),
		mcp.WithString("reason", mcp.Description("Why the action was taken")),
	), t.quarantineAction)

	s.AddTool(mcp.NewTool("record_feedback",
		mcp.WithDescription("Report a false positive, false negative or confirmed detection for a past verdict."),
		mcp.WithString("candidate_id", mcp.Required()),
		mcp.WithString("kind", mcp.Required(), mcp.Enum(string(scorer.FalsePositive), string(scorer.FalseNegative), string(scorer.Confirmed))),
	), t.recordFeedback)

	return s
}

// ServeStdio runs the MCP server over stdin and stdout until the client disconnects.
func ServeStdio(e *engine.Engine, version string) error {
	return server.ServeStdio(New(e, version))
}

type tools struct {
	engine *engine.Engine
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, err
	}
	return mcp.NewToolResultText(string(data)), nil
}

func (t *tools) scanInventory(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := req.RequireString("inventory")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	cands, err := input.NewHandler().Read(strings.NewReader(raw), input.FormatJSON)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid inventory: %v", err)), nil
	}
	res, err := t.engine.Scan(ctx, cands, req.GetInt("concurrency", 0))
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(map[string]any{
		"report":     res.Report,
		"archive_id": res.ArchiveID,
	})
}

func (t *tools) listQuarantine(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var states []quarantine.State
	for _, s := range strings.Split(req.GetString("state", ""), ",") {
		if s = strings.TrimSpace(s); s != "" {
			states = append(states, quarantine.State(s))
		}
	}
	records, err := t.engine.Quarantine().Store().List(ctx, states...)
	if err != nil {
		return nil, err
	}
	if records == nil {
		records = []quarantine.Record{}
	}
	return jsonResult(records)
}

func (t *tools) quarantineAction(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("candidate_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	action, err := req.RequireString("action")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	reason := req.GetString("reason", "requested over MCP")

	svc := t.engine.Quarantine()
	var rec quarantine.Record
	switch action {
	case "approve":
		rec, err = svc.RequestQuarantine(ctx, id, reason)
	case "restore":
		rec, err = svc.RequestRestore(ctx, id, reason)
	case "remove":
		rec, err = svc.RequestRemove(ctx, id, reason)
	default:
		return mcp.NewToolResultError(fmt.Sprintf("unknown action %q", action)), nil
	}
	if errors.Is(err, quarantine.ErrNotFound) || errors.Is(err, quarantine.ErrTransitionRejected) {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if err != nil {
		return nil, err
	}
	return jsonResult(rec)
}

func (t *tools) recordFeedback(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("candidate_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	kind, err := req.RequireString("kind")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if err := t.engine.Feedback(scorer.Feedback{CandidateID: id, Kind: scorer.FeedbackKind(kind)}); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("recorded %s for %s", kind, id)), nil
}
