// Package budget keeps generation calls inside a model's input-size limit.
// Every function here is pure: identical inputs always give identical outputs.
package budget

import (
	"math"
	"unicode/utf8"
)

const (
	// CharsPerToken is the fixed ratio used to approximate token counts.
	CharsPerToken = 4
	// DefaultContextWindow is used for models missing from the table.
	DefaultContextWindow = 100_000
	// SafetyMargin is the fraction of the window reserved for output and framing.
	SafetyMargin = 0.15
	// DefaultFramingTokens is reserved for prompt structure that is not
	// part of the system or overhead text (tags, role headers).
	DefaultFramingTokens = 100
)

// ContextWindows lists the total context window of known models.
var ContextWindows = map[string]int{
	"claude-haiku-4-5-20251001":     200_000,
	"claude-sonnet-4-5-20250929":    200_000,
	"claude-opus-4-5-20251101":      200_000,
	"claude-opus-4-6":               200_000,
	"openai/gpt-4o":                 128_000,
	"openai/gpt-4o-mini":            128_000,
	"openai/gpt-4.1":                1_047_576,
	"openai/o4-mini":                200_000,
	"google/gemini-2.5-pro-preview": 1_048_576,
	"google/gemini-2.5-flash":       1_048_576,
	"meta-llama/llama-4-maverick":   1_048_576,
	"meta-llama/llama-4-scout":      512_000,
	"anthropic/claude-sonnet-4":     200_000,
	"anthropic/claude-haiku-4":      200_000,
	"deepseek/deepseek-r1":          128_000,
	"deepseek/deepseek-chat":        128_000,
	"mistralai/mistral-large":       128_000,
	"gpt-4o":                        128_000,
	"gpt-4o-mini":                   128_000,
}

// EstimateTokens approximates the token cost of text as characters divided
// by CharsPerToken, rounded up.
func EstimateTokens(text string) int {
	n := utf8.RuneCountInString(text)
	return (n + CharsPerToken - 1) / CharsPerToken
}

// Allocator computes input budgets from a context window table.
type Allocator struct {
	// Windows overrides or extends ContextWindows.
	Windows map[string]int
	// FramingTokens is added to the fixed cost of every truncation.
	FramingTokens int
	// SeparatorTokens is charged per kept history line for the separator
	// that joins it to the next one.
	SeparatorTokens int
}

// NewAllocator returns an Allocator with overrides layered over ContextWindows.
func NewAllocator(overrides map[string]int) *Allocator {
	w := make(map[string]int, len(ContextWindows)+len(overrides))
	for k, v := range ContextWindows {
		w[k] = v
	}
	for k, v := range overrides {
		if v > 0 {
			w[k] = v
		}
	}
	return &Allocator{Windows: w, FramingTokens: DefaultFramingTokens, SeparatorTokens: 1}
}

// ContextWindow returns the model's total window or DefaultContextWindow.
func (a *Allocator) ContextWindow(modelID string) int {
	if a != nil {
		if w, ok := a.Windows[modelID]; ok {
			return w
		}
	}
	if w, ok := ContextWindows[modelID]; ok {
		return w
	}
	return DefaultContextWindow
}

// InputBudget returns floor(window * (1 - SafetyMargin)) for the model.
func (a *Allocator) InputBudget(modelID string) int {
	return int(math.Floor(float64(a.ContextWindow(modelID)) * (1 - SafetyMargin)))
}

// Truncate trims history for the model, counting FramingTokens as overhead.
// History lines must already be in the form they will be sent in.
func (a *Allocator) Truncate(history []string, systemText, overheadText, modelID string) Truncation {
	budget := a.InputBudget(modelID)
	perLine := 0
	if a != nil {
		budget -= a.FramingTokens
		perLine = a.SeparatorTokens
	}
	return truncate(history, systemText, overheadText, budget, perLine)
}

// InputBudget uses the default context window table.
func InputBudget(modelID string) int {
	var a *Allocator
	return a.InputBudget(modelID)
}
