// Package pricing converts token usage into micro-credits.
package pricing

import (
	"github.com/shopspring/decimal"

	"github.com/pario-ai/pit/pkg/models"
)

// Price is the cost of a model in GBP per million tokens.
type Price struct {
	InputPerMillion  decimal.Decimal
	OutputPerMillion decimal.Decimal
}

var (
	// CreditValueGBP is what one credit is worth.
	CreditValueGBP = decimal.RequireFromString("0.01")
	// PlatformMargin is added on top of upstream cost.
	PlatformMargin = decimal.RequireFromString("0.10")
	// InputFactor estimates input tokens as a multiple of output tokens.
	InputFactor = decimal.RequireFromString("5.5")
)

// DefaultOutputTokensPerTurn is used when a response length does not set one.
const DefaultOutputTokensPerTurn = 120

func gbp(in, out string) Price {
	return Price{
		InputPerMillion:  decimal.RequireFromString(in),
		OutputPerMillion: decimal.RequireFromString(out),
	}
}

// DefaultPrices lists built-in model prices.
var DefaultPrices = map[string]Price{
	"claude-haiku-4-5-20251001":  gbp("0.732", "3.66"),
	"claude-sonnet-4-5-20250929": gbp("2.196", "10.98"),
	"claude-opus-4-5-20251101":   gbp("3.66", "18.3"),
	"claude-opus-4-6":            gbp("3.66", "18.3"),
}

// Table prices models. Unknown models cost nothing.
type Table struct {
	prices map[string]Price
}

// NewTable layers overrides on top of DefaultPrices.
func NewTable(overrides map[string]Price) *Table {
	p := make(map[string]Price, len(DefaultPrices)+len(overrides))
	for k, v := range DefaultPrices {
		p[k] = v
	}
	for k, v := range overrides {
		p[k] = v
	}
	return &Table{prices: p}
}

// Known reports whether the model has a price.
func (t *Table) Known(model string) bool {
	_, ok := t.prices[model]
	return ok
}

// CostGBP returns the marked-up GBP cost of the given usage.
func (t *Table) CostGBP(model string, inputTokens, outputTokens int64) decimal.Decimal {
	p, ok := t.prices[model]
	if !ok {
		return decimal.Zero
	}
	raw := p.InputPerMillion.Mul(decimal.NewFromInt(inputTokens)).
		Add(p.OutputPerMillion.Mul(decimal.NewFromInt(outputTokens))).
		Div(decimal.NewFromInt(1_000_000))
	return raw.Mul(decimal.NewFromInt(1).Add(PlatformMargin))
}

// Cost returns the micro-credit cost of the given usage, rounded up.
func (t *Table) Cost(model string, inputTokens, outputTokens int64) int64 {
	return ToMicro(t.CostGBP(model, inputTokens, outputTokens))
}

// EstimateTokens predicts bout usage from its turn count.
func EstimateTokens(turns, outputTokensPerTurn int) (inputTokens, outputTokens int64) {
	if outputTokensPerTurn <= 0 {
		outputTokensPerTurn = DefaultOutputTokensPerTurn
	}
	outputTokens = int64(turns) * int64(outputTokensPerTurn)
	if outputTokens < 1 {
		outputTokens = 1
	}
	inputTokens = decimal.NewFromInt(outputTokens).Mul(InputFactor).Ceil().IntPart()
	if inputTokens < 1 {
		inputTokens = 1
	}
	return inputTokens, outputTokens
}

// EstimateBout returns the micro-credit estimate used for preauthorization.
func (t *Table) EstimateBout(model string, turns, outputTokensPerTurn int) int64 {
	in, out := EstimateTokens(turns, outputTokensPerTurn)
	return t.Cost(model, in, out)
}

// ToMicro converts GBP to micro-credits, rounding up.
func ToMicro(amount decimal.Decimal) int64 {
	microValue := CreditValueGBP.Div(decimal.NewFromInt(models.MicroPerCredit))
	return amount.Div(microValue).Ceil().IntPart()
}
