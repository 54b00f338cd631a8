package models

import "time"

// UsageRecord tracks per-turn token usage.
type UsageRecord struct {
	ID               int64     `json:"id"`
	OwnerID          string    `json:"owner_id"`
	BoutID           string    `json:"bout_id"`
	Turn             int       `json:"turn"`
	Model            string    `json:"model"`
	PromptTokens     int       `json:"prompt_tokens"`
	CompletionTokens int       `json:"completion_tokens"`
	TotalTokens      int       `json:"total_tokens"`
	Estimated        bool      `json:"estimated"`
	CreatedAt        time.Time `json:"created_at"`
}

// BoutTurnUsage is one turn's usage within a bout, with prompt growth info.
type BoutTurnUsage struct {
	Turn             int       `json:"turn"`
	CreatedAt        time.Time `json:"created_at"`
	PromptTokens     int       `json:"prompt_tokens"`
	CompletionTokens int       `json:"completion_tokens"`
	TotalTokens      int       `json:"total_tokens"`
	ContextGrowth    int       `json:"context_growth"`
}

// UsageSummary aggregates usage across turns.
type UsageSummary struct {
	OwnerID         string `json:"owner_id"`
	Model           string `json:"model"`
	TurnCount       int    `json:"turn_count"`
	BoutCount       int    `json:"bout_count"`
	TotalPrompt     int    `json:"total_prompt"`
	TotalCompletion int    `json:"total_completion"`
	TotalTokens     int    `json:"total_tokens"`
}
