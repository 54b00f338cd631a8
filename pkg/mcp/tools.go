package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/pario-ai/pit/pkg/bout"
	"github.com/pario-ai/pit/pkg/models"
	"github.com/pario-ai/pit/pkg/pricing"
)

type tool struct {
	def    ToolDefinition
	handle func(ctx context.Context, s *Server, args json.RawMessage) ToolCallResult
}

var tools = []tool{
	{
		def: ToolDefinition{
			Name:        "pit_presets",
			Description: "List bout presets with their agents and turn counts, plus response lengths and formats.",
			InputSchema: object(nil, nil),
		},
		handle: handlePresets,
	},
	{
		def: ToolDefinition{
			Name:        "pit_pools",
			Description: "Show the intro pool and today's free bout pool.",
			InputSchema: object(nil, nil),
		},
		handle: handlePools,
	},
	{
		def: ToolDefinition{
			Name:        "pit_bouts",
			Description: "List recent bouts, newest first.",
			InputSchema: object(nil, map[string]prop{
				"owner_id": str("Filter by owner (optional)"),
				"status":   str("Filter by status: pending, running, completed or error (optional)"),
				"limit":    num("Max bouts to list (optional, default 20)"),
			}),
		},
		handle: handleBouts,
	},
	{
		def: ToolDefinition{
			Name:        "pit_bout",
			Description: "Show a bout's transcript, share line and totals.",
			InputSchema: object([]string{"bout_id"}, map[string]prop{
				"bout_id": str("The bout to show"),
			}),
		},
		handle: handleBout,
	},
	{
		def: ToolDefinition{
			Name:        "pit_usage",
			Description: "Show token usage aggregated by owner and model.",
			InputSchema: object(nil, map[string]prop{
				"owner_id": str("Filter by owner (optional)"),
			}),
		},
		handle: handleUsage,
	},
	{
		def: ToolDefinition{
			Name:        "pit_bout_usage",
			Description: "Show per-turn token usage of a bout, including prompt growth between turns.",
			InputSchema: object([]string{"bout_id"}, map[string]prop{
				"bout_id": str("The bout to inspect"),
			}),
		},
		handle: handleBoutUsage,
	},
	{
		def: ToolDefinition{
			Name:        "pit_estimate",
			Description: "Estimate the credits a bout would be preauthorized for.",
			InputSchema: object(nil, map[string]prop{
				"preset_id": str("Preset whose turn count to use (optional, default roast-battle)"),
				"model":     str("Model to price (optional, defaults to the engine model)"),
				"length":    str("Response length id (optional)"),
				"turns":     num("Turn count, overriding the preset's (optional)"),
			}),
		},
		handle: handleEstimate,
	},
	{
		def: ToolDefinition{
			Name:        "pit_anomalies",
			Description: "Search recorded persona breaks.",
			InputSchema: object(nil, map[string]prop{
				"model":     str("Filter by model (optional)"),
				"preset_id": str("Filter by preset (optional)"),
				"bout_id":   str("Filter by bout (optional)"),
				"since":     str("Start date in YYYY-MM-DD format (optional)"),
			}),
		},
		handle: handleAnomalies,
	},
}

func toolDefinitions() []ToolDefinition {
	defs := make([]ToolDefinition, len(tools))
	for i, t := range tools {
		defs[i] = t.def
	}
	return defs
}

func toolByName(name string) (tool, bool) {
	for _, t := range tools {
		if t.def.Name == name {
			return t, true
		}
	}
	return tool{}, false
}

func handlePresets(_ context.Context, s *Server, _ json.RawMessage) ToolCallResult {
	if s.deps.Catalog == nil {
		return textResult("No catalog is loaded.")
	}
	return textResult(formatCatalog(s.deps.Catalog))
}

func handlePools(ctx context.Context, s *Server, _ json.RawMessage) ToolCallResult {
	st, err := s.deps.Pools.Status(ctx)
	if err != nil {
		return errorResult("Error fetching pools: " + err.Error())
	}
	return textResult(formatPools(st))
}

type boutsArgs struct {
	OwnerID string `json:"owner_id"`
	Status  string `json:"status"`
	Limit   int    `json:"limit"`
}

func handleBouts(ctx context.Context, s *Server, raw json.RawMessage) ToolCallResult {
	var args boutsArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return errorResult("Invalid arguments: " + err.Error())
	}
	if args.Limit <= 0 {
		args.Limit = 20
	}
	list, err := s.deps.Bouts.List(ctx, bout.ListOpts{
		OwnerID: args.OwnerID,
		Status:  models.BoutStatus(args.Status),
		Limit:   args.Limit,
	})
	if err != nil {
		return errorResult("Error listing bouts: " + err.Error())
	}
	return textResult(formatBouts(list))
}

type boutArgs struct {
	BoutID string `json:"bout_id"`
}

func handleBout(ctx context.Context, s *Server, raw json.RawMessage) ToolCallResult {
	var args boutArgs
	if err := json.Unmarshal(raw, &args); err != nil || args.BoutID == "" {
		return errorResult("bout_id is required")
	}
	b, err := s.deps.Bouts.Get(ctx, args.BoutID)
	if errors.Is(err, bout.ErrNotFound) {
		return errorResult("No bout with id " + args.BoutID)
	}
	if err != nil {
		return errorResult("Error fetching bout: " + err.Error())
	}
	return textResult(formatBout(b))
}

type usageArgs struct {
	OwnerID string `json:"owner_id"`
}

func handleUsage(ctx context.Context, s *Server, raw json.RawMessage) ToolCallResult {
	var args usageArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return errorResult("Invalid arguments: " + err.Error())
	}
	rows, err := s.deps.Usage.Summary(ctx, args.OwnerID)
	if err != nil {
		return errorResult("Error fetching usage: " + err.Error())
	}
	return textResult(formatSummary(rows))
}

func handleBoutUsage(ctx context.Context, s *Server, raw json.RawMessage) ToolCallResult {
	var args boutArgs
	if err := json.Unmarshal(raw, &args); err != nil || args.BoutID == "" {
		return errorResult("bout_id is required")
	}
	turns, err := s.deps.Usage.BoutTurns(ctx, args.BoutID)
	if err != nil {
		return errorResult("Error fetching bout usage: " + err.Error())
	}
	return textResult(formatBoutTurns(turns))
}

type estimateArgs struct {
	PresetID string `json:"preset_id"`
	Model    string `json:"model"`
	Length   string `json:"length"`
	Turns    int    `json:"turns"`
}

func handleEstimate(_ context.Context, s *Server, raw json.RawMessage) ToolCallResult {
	var args estimateArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return errorResult("Invalid arguments: " + err.Error())
	}
	if s.deps.Catalog == nil {
		return errorResult("No catalog is loaded.")
	}
	if args.PresetID == "" {
		args.PresetID = "roast-battle"
	}
	if args.Model == "" {
		args.Model = s.deps.DefaultModel
	}
	if args.Turns <= 0 {
		p, err := s.deps.Catalog.Lookup(args.PresetID)
		if err != nil {
			return errorResult(err.Error())
		}
		args.Turns = p.MaxTurns
	}
	l, err := s.deps.Catalog.Length(args.Length)
	if err != nil {
		return errorResult(err.Error())
	}

	in, out := pricing.EstimateTokens(args.Turns, l.OutputTokensPerTurn)
	return textResult(formatEstimate(estimate{
		Model:  args.Model,
		Turns:  args.Turns,
		Length: l.ID,
		Input:  in,
		Output: out,
		Micro:  s.deps.Pricing.EstimateBout(args.Model, args.Turns, l.OutputTokensPerTurn),
		Known:  s.deps.Pricing.Known(args.Model),
	}))
}

type anomaliesArgs struct {
	Model    string `json:"model"`
	PresetID string `json:"preset_id"`
	BoutID   string `json:"bout_id"`
	Since    string `json:"since"`
}

func handleAnomalies(ctx context.Context, s *Server, raw json.RawMessage) ToolCallResult {
	if s.deps.Anomalies == nil {
		return textResult("The anomaly log is not enabled.")
	}
	var args anomaliesArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return errorResult("Invalid arguments: " + err.Error())
	}
	opts := models.AnomalyQueryOpts{
		Kind:     models.AnomalyPersonaBreak,
		Model:    args.Model,
		PresetID: args.PresetID,
		BoutID:   args.BoutID,
		Limit:    50,
	}
	if args.Since != "" {
		t, err := time.Parse("2006-01-02", args.Since)
		if err != nil {
			return errorResult("Invalid since date (use YYYY-MM-DD): " + err.Error())
		}
		opts.Since = t
	}
	entries, err := s.deps.Anomalies.Query(ctx, opts)
	if err != nil {
		return errorResult("Error searching anomalies: " + err.Error())
	}
	return textResult(formatAnomalies(entries))
}
