package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/weatherhub/weatherhub/internal/core"
	"github.com/weatherhub/weatherhub/internal/identity"
	"github.com/weatherhub/weatherhub/internal/telemetry"
	"github.com/weatherhub/weatherhub/internal/weather"
)

// Config carries what a per-request registry needs to build its clients.
type Config struct {
	NWSBaseURL      string
	OutboundTimeout time.Duration
	Identity        identity.Config
}

// ConfigFrom maps the assembled runtime configuration onto the registry's
// view of it.
func ConfigFrom(c *core.Config) Config {
	return Config{
		NWSBaseURL:      c.NWSBaseURL,
		OutboundTimeout: c.OutboundTimeout,
		Identity: identity.Config{
			Audience:          c.ExchangeAudience,
			FederatedClientID: c.FederatedClientID,
			ClientID:          c.ClientID,
			TenantID:          c.TenantID,
			Hostname:          c.Hostname,
			IdentityEndpoint:  c.IdentityEndpoint,
			LoginBase:         c.LoginBase,
			GraphBase:         c.GraphBase,
			Timeout:           c.OutboundTimeout,
		},
	}
}

// Registry holds the tool handlers for exactly one inbound call. A fresh
// Registry is constructed per request and discarded with it; no instance is
// ever shared between two requests.
type Registry struct {
	weather  *weather.Client
	identity *identity.Exchanger
	logger   *slog.Logger
}

// RegistryFactory produces the fresh Registry for one inbound call.
type RegistryFactory func() *Registry

func NewRegistryFactory(cfg Config, logger *slog.Logger) RegistryFactory {
	return func() *Registry {
		return &Registry{
			weather:  weather.NewClient(cfg.NWSBaseURL, cfg.OutboundTimeout, logger),
			identity: identity.NewExchanger(cfg.Identity, logger),
			logger:   logger,
		}
	}
}

func (reg *Registry) dispatch(ctx context.Context, traceID string, headers http.Header, req jsonRPCRequest) jsonRPCResponse {
	base := jsonRPCResponse{JSONRPC: "2.0", ID: req.ID}

	switch req.Method {
	case "initialize":
		base.Result = map[string]any{
			"protocolVersion": "2025-06-18",
			"capabilities":    map[string]any{"tools": map[string]any{"listChanged": false}},
			"serverInfo":      map[string]any{"name": "weatherhub", "version": "0.1.0"},
		}
		return base

	case "ping":
		base.Result = map[string]any{}
		return base

	case "tools/list":
		base.Result = map[string]any{"tools": ToolDefinitions()}
		return base

	case "tools/call":
		return reg.handleToolCall(ctx, traceID, headers, req, base)

	default:
		base.Error = &rpcError{Code: -32601, Message: fmt.Sprintf("method not found: %s", req.Method)}
		return base
	}
}

type toolCallParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

func (reg *Registry) handleToolCall(ctx context.Context, traceID string, headers http.Header, req jsonRPCRequest, base jsonRPCResponse) jsonRPCResponse {
	var params toolCallParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		base.Error = &rpcError{Code: -32602, Message: "invalid params: " + err.Error()}
		return base
	}

	start := time.Now()
	var result core.ToolResult
	switch params.Name {
	case "get_alerts":
		result = reg.toolAlerts(ctx, params.Arguments)
	case "get_forecast":
		result = reg.toolForecast(ctx, params.Arguments)
	case "get_user_info":
		result = reg.toolUserInfo(ctx, headers)
	default:
		base.Error = &rpcError{Code: -32602, Message: fmt.Sprintf("unknown tool: %s", params.Name)}
		return base
	}

	telemetry.ObserveToolDuration(params.Name, time.Since(start))
	status := "ok"
	if result.IsError {
		status = "error"
	}
	telemetry.IncToolCall(params.Name, status)

	reg.logger.Info("tool call completed",
		"trace_id", traceID,
		"tool_name", params.Name,
		"status", status,
		"duration", fmt.Sprintf("%dms", time.Since(start).Milliseconds()),
	)

	base.Result = result
	return base
}

func ToolDefinitions() []map[string]any {
	return []map[string]any{
		{
			"name":        "get_alerts",
			"description": "Get active weather alerts for a US state",
			"inputSchema": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"state": map[string]string{"type": "string", "description": "Two-letter US state code (e.g. CA, NY)"},
				},
				"required": []string{"state"},
			},
		},
		{
			"name":        "get_forecast",
			"description": "Get the multi-period weather forecast for a location",
			"inputSchema": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"latitude":  map[string]string{"type": "number", "description": "Latitude, -90 to 90"},
					"longitude": map[string]string{"type": "number", "description": "Longitude, -180 to 180"},
				},
				"required": []string{"latitude", "longitude"},
			},
		},
		{
			"name":        "get_user_info",
			"description": "Get the calling user's profile via on-behalf-of delegation",
			"inputSchema": map[string]any{
				"type":       "object",
				"properties": map[string]any{},
			},
		},
	}
}

type alertsArgs struct {
	State string `json:"state"`
}

func (reg *Registry) toolAlerts(ctx context.Context, raw json.RawMessage) core.ToolResult {
	var args alertsArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return core.ErrorResult("invalid arguments: "+err.Error(), nil)
	}
	code, err := core.ValidateAreaCode(args.State)
	if err != nil {
		return core.ErrorResult(err.Error(), nil)
	}

	features, ok := reg.weather.ActiveAlerts(ctx, code)
	if !ok {
		return core.ErrorResult("Failed to retrieve alerts data", nil)
	}

	records := make([]weather.AlertRecord, 0, len(features))
	for _, f := range features {
		records = append(records, weather.NormalizeAlert(f.Properties))
	}
	structured := map[string]any{"alerts": records}
	if len(records) == 0 {
		return core.TextResult("No active alerts for "+code, structured)
	}
	return core.TextResult(weather.FormatAlerts(records), structured)
}

type forecastArgs struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

func (reg *Registry) toolForecast(ctx context.Context, raw json.RawMessage) core.ToolResult {
	var args forecastArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return core.ErrorResult("invalid arguments: "+err.Error(), nil)
	}
	if err := core.ValidateCoordinates(args.Latitude, args.Longitude); err != nil {
		return core.ErrorResult(err.Error(), nil)
	}

	// Chained lookup: each step only runs if the previous one succeeded.
	point, ok := reg.weather.GridPoint(ctx, args.Latitude, args.Longitude)
	if !ok {
		msg := fmt.Sprintf("Failed to retrieve grid point data for coordinates: %.4f, %.4f. This location may not be supported by the NWS API (only US locations are supported).",
			args.Latitude, args.Longitude)
		return core.ErrorResult(msg, nil)
	}

	periods, ok := reg.weather.ForecastPeriods(ctx, point.Properties.Forecast)
	if !ok {
		return core.ErrorResult("Failed to retrieve forecast data", nil)
	}
	if len(periods) == 0 {
		return core.ErrorResult("No forecast periods available", nil)
	}

	records := make([]weather.PeriodRecord, 0, len(periods))
	for _, p := range periods {
		records = append(records, weather.NormalizePeriod(p))
	}
	return core.TextResult(weather.FormatPeriods(records), map[string]any{"periods": records})
}

func (reg *Registry) toolUserInfo(ctx context.Context, headers http.Header) core.ToolResult {
	out := reg.identity.Exchange(ctx, headers)
	if !out.Authenticated {
		text := out.Message
		if out.ConsentURL != "" {
			text += "\nConsent link: " + out.ConsentURL
		}
		return core.ToolResult{
			Content:    []core.ContentBlock{{Type: "text", Text: text}},
			Structured: out,
			IsError:    true,
		}
	}
	return core.TextResult(formatProfile(out.Profile), out)
}

func formatProfile(profile map[string]any) string {
	keys := make([]string, 0, len(profile))
	for k := range profile {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	lines := make([]string, 0, len(keys))
	for _, k := range keys {
		lines = append(lines, fmt.Sprintf("%s: %v", k, profile[k]))
	}
	return strings.Join(lines, "\n")
}
