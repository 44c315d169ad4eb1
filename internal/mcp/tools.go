package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	gomcp "github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/gateway-fm/rpctester/internal/chain"
	"github.com/gateway-fm/rpctester/internal/config"
	"github.com/gateway-fm/rpctester/internal/storage"
	"github.com/gateway-fm/rpctester/internal/tester"
)

// Tools holds what the tool handlers need.
type Tools struct {
	Client *Client      // API of a listening tester; nil disables the API tools
	Dialer chain.Dialer // Used by rpctester_run
	Logger *slog.Logger
}

// RegisterTools registers all tester tools on the MCP server.
func RegisterTools(s *server.MCPServer, t *Tools) {
	if t.Logger == nil {
		t.Logger = slog.Default()
	}

	s.AddTool(gomcp.NewTool("rpctester_validate",
		gomcp.WithDescription("Validate a test script config without connecting. Lists endpoints, connection count, parsed entries and warnings."),
		gomcp.WithString("config_path",
			gomcp.Description("Path to a .json, .jsonc, .yaml or .yml config file"),
		),
		gomcp.WithString("config",
			gomcp.Description("Inline config document, used when config_path is empty"),
		),
		gomcp.WithString("format",
			gomcp.Description("Format of the inline config: json (default, comments allowed) or yaml"),
		),
	), t.validate)

	s.AddTool(gomcp.NewTool("rpctester_run",
		gomcp.WithDescription("Run a test script: connect to every endpoint, replay the script on each connection and return the report. Write entries submit real transactions. This is a MUTATING operation."),
		gomcp.WithString("config_path",
			gomcp.Description("Path to a .json, .jsonc, .yaml or .yml config file"),
		),
		gomcp.WithString("config",
			gomcp.Description("Inline config document, used when config_path is empty"),
		),
		gomcp.WithString("format",
			gomcp.Description("Format of the inline config: json (default, comments allowed) or yaml"),
		),
		gomcp.WithString("database",
			gomcp.Description("SQLite database path to record the run to (optional)"),
		),
		gomcp.WithBoolean("live",
			gomcp.Description("Include every entry result in the report (default: false)"),
		),
	), t.run)

	if t.Client == nil {
		return
	}

	s.AddTool(gomcp.NewTool("rpctester_status",
		gomcp.WithDescription("Get the state of a listening tester: phase, connections, entries executed and failed."),
	), t.status)

	s.AddTool(gomcp.NewTool("rpctester_history",
		gomcp.WithDescription("List recorded runs with summary counts (paginated)."),
		gomcp.WithNumber("limit",
			gomcp.Description("Max results to return (default: 10, max: 1000)"),
		),
		gomcp.WithNumber("offset",
			gomcp.Description("Results offset for pagination (default: 0)"),
		),
	), t.history)

	s.AddTool(gomcp.NewTool("rpctester_run_detail",
		gomcp.WithDescription("Get a recorded run by ID with one outcome per connection."),
		gomcp.WithString("id",
			gomcp.Required(),
			gomcp.Description("Run ID"),
		),
	), t.runDetail)

	s.AddTool(gomcp.NewTool("rpctester_run_entries",
		gomcp.WithDescription("Get the entry log of a recorded run (paginated)."),
		gomcp.WithString("id",
			gomcp.Required(),
			gomcp.Description("Run ID"),
		),
		gomcp.WithNumber("limit",
			gomcp.Description("Max entries to return (default: 50, max: 1000)"),
		),
		gomcp.WithNumber("offset",
			gomcp.Description("Offset for pagination (default: 0)"),
		),
	), t.runEntries)

	s.AddTool(gomcp.NewTool("rpctester_delete_run",
		gomcp.WithDescription("Delete a recorded run and its entry log. This is a MUTATING operation."),
		gomcp.WithString("id",
			gomcp.Required(),
			gomcp.Description("Run ID to delete"),
		),
	), t.deleteRun)
}

// loadConfig reads config_path, or the inline config when no path is given.
func loadConfig(req gomcp.CallToolRequest) (*config.Config, string, error) {
	if path := req.GetString("config_path", ""); path != "" {
		cfg, err := config.Load(path)
		return cfg, path, err
	}
	doc := req.GetString("config", "")
	if strings.TrimSpace(doc) == "" {
		return nil, "", errors.New("config_path or config is required")
	}
	format := config.FormatJSON
	if strings.EqualFold(req.GetString("format", ""), "yaml") {
		format = config.FormatYAML
	}
	cfg, err := config.Parse([]byte(doc), format)
	return cfg, "(inline)", err
}

func (t *Tools) validate(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
	cfg, source, err := loadConfig(req)
	if err != nil {
		return gomcp.NewToolResultError(fmt.Sprintf("Invalid config: %v", err)), nil
	}
	return gomcp.NewToolResultText(formatConfig(source, cfg)), nil
}

func (t *Tools) run(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
	cfg, source, err := loadConfig(req)
	if err != nil {
		return gomcp.NewToolResultError(fmt.Sprintf("Invalid config: %v", err)), nil
	}
	if t.Dialer == nil {
		return gomcp.NewToolResultError("No dialer configured"), nil
	}

	var out bytes.Buffer
	opts := tester.Options{
		ConfigPath: source,
		Config:     cfg,
		Dialer:     t.Dialer,
		Out:        &out,
		NoColor:    true,
		Live:       req.GetBool("live", false),
		Logger:     t.Logger,
	}

	if path := req.GetString("database", ""); path != "" {
		store, err := storage.NewSQLiteStorage(path)
		if err != nil {
			return gomcp.NewToolResultError(fmt.Sprintf("Open database failed: %v", err)), nil
		}
		defer store.Close()
		opts.Store = store
	}

	sum, err := tester.Run(ctx, opts)
	if sum == nil {
		return gomcp.NewToolResultError(fmt.Sprintf("Run failed: %v", err)), nil
	}

	lines := joinLines(
		section("Run Complete"),
		kv("Run ID", sum.RunID),
		kv("Connections OK", formatNumber(sum.Succeeded)),
		kv("Connections Failed", formatNumber(sum.Failed)),
		kv("Dial Failures", formatNumber(len(sum.Failures))),
		kv("Connect", sum.Timing.ConnectDuration().String()),
		kv("Execute", sum.Timing.ExecuteDuration().String()),
	)
	if err != nil {
		lines += "\n" + kv("Interrupted", err.Error())
	}
	lines += "\n\n```\n" + strings.TrimSpace(out.String()) + "\n```"
	return gomcp.NewToolResultText(lines), nil
}

func (t *Tools) status(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
	raw, err := t.Client.Get("/v1/status")
	if err != nil {
		return gomcp.NewToolResultError(fmt.Sprintf("Tester unreachable: %v\n\nIs it running with --listen?", err)), nil
	}
	return gomcp.NewToolResultText(formatStatus(raw)), nil
}

func (t *Tools) history(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
	limit := req.GetInt("limit", 10)
	offset := req.GetInt("offset", 0)
	raw, err := t.Client.Get(fmt.Sprintf("/v1/history?limit=%d&offset=%d", limit, offset))
	if err != nil {
		return gomcp.NewToolResultError(fmt.Sprintf("History failed: %v", err)), nil
	}
	return gomcp.NewToolResultText(formatHistory(raw)), nil
}

func (t *Tools) runDetail(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
	id, err := req.RequireString("id")
	if err != nil {
		return gomcp.NewToolResultError("id is required"), nil
	}
	raw, err := t.Client.Get("/v1/history/" + id)
	if err != nil {
		return gomcp.NewToolResultError(fmt.Sprintf("Run detail failed: %v", err)), nil
	}
	return gomcp.NewToolResultText(formatRunDetail(raw)), nil
}

func (t *Tools) runEntries(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
	id, err := req.RequireString("id")
	if err != nil {
		return gomcp.NewToolResultError("id is required"), nil
	}
	limit := req.GetInt("limit", 50)
	offset := req.GetInt("offset", 0)
	raw, err := t.Client.Get(fmt.Sprintf("/v1/history/%s/entries?limit=%d&offset=%d", id, limit, offset))
	if err != nil {
		return gomcp.NewToolResultError(fmt.Sprintf("Run entries failed: %v", err)), nil
	}
	return gomcp.NewToolResultText(formatEntries(raw)), nil
}

func (t *Tools) deleteRun(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
	id, err := req.RequireString("id")
	if err != nil {
		return gomcp.NewToolResultError("id is required"), nil
	}
	if _, err := t.Client.Delete("/v1/history/" + id); err != nil {
		return gomcp.NewToolResultError(fmt.Sprintf("Delete failed: %v", err)), nil
	}
	return gomcp.NewToolResultText(joinLines(
		section("Run Deleted"),
		kv("ID", id),
	)), nil
}

// Response formatting functions

func formatConfig(source string, cfg *config.Config) string {
	lines := joinLines(
		section("Config OK: "+source),
		kv("Endpoints", strings.Join(cfg.EndPoints, ", ")),
		kv("Connections", fmt.Sprintf("%d per endpoint (%d total)", cfg.Connections, cfg.Attempts())),
		kv("Write Wait", string(cfg.WaitPolicy)),
		kv("Entries", formatNumber(len(cfg.Entries))),
	)
	for i, e := range cfg.Entries {
		lines += fmt.Sprintf("\n  [%d] %-5s %s", i, e.Kind, e)
	}
	if warnings := cfg.Warnings(); len(warnings) > 0 {
		lines += "\n\n" + section("Warnings")
		for _, w := range warnings {
			lines += "\n- " + w
		}
	}
	return lines
}

func formatStatus(raw json.RawMessage) string {
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return fmt.Sprintf("Error parsing status: %v", err)
	}

	lines := joinLines(
		section("Tester Status"),
		kv("State", getStr(m, "state")),
		kv("Attempts", formatNumber(getNum(m, "attempts"))),
		kv("Connected", formatNumber(getNum(m, "connected"))),
		kv("Entries Executed", formatNumber(getNum(m, "entriesExecuted"))),
		kv("Entries Failed", formatNumber(getNum(m, "entriesFailed"))),
	)

	if results, ok := m["results"].([]any); ok && len(results) > 0 {
		failed := 0
		for _, r := range results {
			if res, ok := r.(map[string]any); ok && getStr(res, "error") != "" {
				failed++
			}
		}
		lines += "\n\n" + joinLines(
			section("Outcomes"),
			kv("Succeeded", formatNumber(len(results)-failed)),
			kv("Failed", formatNumber(failed)),
		)
	}
	return lines
}

func formatHistory(raw json.RawMessage) string {
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return fmt.Sprintf("Error parsing history: %v", err)
	}

	lines := joinLines(
		section("Run History"),
		kv("Total Runs", formatNumber(getNum(m, "total"))),
		"",
	)

	runs, ok := m["runs"].([]any)
	if !ok || len(runs) == 0 {
		return lines + "\nNo runs found."
	}

	for _, r := range runs {
		run, ok := r.(map[string]any)
		if !ok {
			continue
		}
		title := getStr(run, "id")
		if name := getStr(run, "customName"); name != "" {
			title += " (" + name + ")"
		}
		lines += fmt.Sprintf("\n### %s\n", title)
		lines += joinLines(
			kv("Status", getStr(run, "status")),
			kv("Config", getStr(run, "configPath")),
			kv("Connected", fmt.Sprintf("%s / %s", formatNumber(getNum(run, "connected")), formatNumber(getNum(run, "attempts")))),
			kv("Succeeded", formatNumber(getNum(run, "succeeded"))),
			kv("Failed", formatNumber(getNum(run, "failed"))),
			kv("Execute", formatMs(getNum(run, "executeMs"))),
			kv("Started", formatTime(getStr(run, "startedAt"))),
		)
		lines += "\n"
	}
	return lines
}

func formatRunDetail(raw json.RawMessage) string {
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return fmt.Sprintf("Error parsing run detail: %v", err)
	}
	run, ok := m["run"].(map[string]any)
	if !ok {
		return "Run not found"
	}

	var endpoints []string
	if eps, ok := run["endpoints"].([]any); ok {
		for _, e := range eps {
			if s, ok := e.(string); ok {
				endpoints = append(endpoints, s)
			}
		}
	}

	lines := joinLines(
		section("Run: "+getStr(run, "id")),
		kv("Status", getStr(run, "status")),
		kv("Config", getStr(run, "configPath")),
		kv("Endpoints", strings.Join(endpoints, ", ")),
		kv("Write Wait", getStr(run, "writeTxWait")),
		kv("Connect", formatMs(getNum(run, "connectMs"))),
		kv("Execute", formatMs(getNum(run, "executeMs"))),
		kv("Succeeded", formatNumber(getNum(run, "succeeded"))),
		kv("Failed", formatNumber(getNum(run, "failed"))),
	)
	if msg := getStr(run, "errorMessage"); msg != "" {
		lines += "\n" + kv("Error", msg)
	}

	if lat, ok := run["latencyStats"].(map[string]any); ok && len(lat) > 0 {
		lines += "\n\n" + section("Latency by Path")
		for path, v := range lat {
			st, ok := v.(map[string]any)
			if !ok {
				continue
			}
			lines += "\n" + kv(path, fmt.Sprintf("n=%s p50=%s p99=%s",
				formatNumber(getNum(st, "count")), formatMs(getNum(st, "p50")), formatMs(getNum(st, "p99"))))
		}
	}

	if outcomes, ok := m["outcomes"].([]any); ok && len(outcomes) > 0 {
		lines += "\n\n" + section("Outcomes")
		for _, o := range outcomes {
			oc, ok := o.(map[string]any)
			if !ok {
				continue
			}
			mark := "ok"
			if success, _ := oc["success"].(bool); !success {
				mark = fmt.Sprintf("failed at entry %d: %s", int(getNum(oc, "failedEntry")), getStr(oc, "error"))
			}
			lines += fmt.Sprintf("\n  %s #%d  %s", getStr(oc, "endpoint"), int(getNum(oc, "connection")), mark)
		}
	}
	return lines
}

func formatEntries(raw json.RawMessage) string {
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return fmt.Sprintf("Error parsing entries: %v", err)
	}

	lines := joinLines(
		section("Entry Log"),
		kv("Total", formatNumber(getNum(m, "total"))),
		"",
	)

	entries, ok := m["entries"].([]any)
	if !ok || len(entries) == 0 {
		return lines + "\nNo entries found."
	}

	for i, e := range entries {
		if i >= 50 {
			lines += fmt.Sprintf("\n... and %d more", len(entries)-50)
			break
		}
		ev, ok := e.(map[string]any)
		if !ok {
			continue
		}
		line := fmt.Sprintf("\n  %s #%d [%d] %s %s %s",
			getStr(ev, "endpoint"), int(getNum(ev, "connection")), int(getNum(ev, "entry")),
			getStr(ev, "path"), getStr(ev, "status"), formatMs(getNum(ev, "durationMs")))
		if n, ok := ev["nonce"].(float64); ok {
			line += fmt.Sprintf(" nonce=%d", int64(n))
		}
		if msg := getStr(ev, "error"); msg != "" {
			line += " - " + msg
		}
		lines += line
	}
	return lines
}
