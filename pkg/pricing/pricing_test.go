package pricing

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestCostHaiku(t *testing.T) {
	tbl := NewTable(nil)
	// (1000*0.732 + 500*3.66) / 1e6 = 0.002562 GBP; *1.1 = 0.0028182; /0.0001 = 28.182 -> 29
	assert.Equal(t, int64(29), tbl.Cost("claude-haiku-4-5-20251001", 1000, 500))
}

func TestCostUnknownModelIsFree(t *testing.T) {
	tbl := NewTable(nil)
	assert.Equal(t, int64(0), tbl.Cost("mystery", 1_000_000, 1_000_000))
	assert.False(t, tbl.Known("mystery"))
}

func TestOverrides(t *testing.T) {
	tbl := NewTable(map[string]Price{
		"flat": {InputPerMillion: decimal.NewFromInt(0), OutputPerMillion: decimal.NewFromInt(100)},
	})
	// 10000 output tokens at 100 GBP/M = 1 GBP; *1.1 = 1.1 GBP = 11000 micro
	assert.Equal(t, int64(11_000), tbl.Cost("flat", 0, 10_000))
	assert.True(t, tbl.Known("claude-opus-4-6"))
}

func TestEstimateTokens(t *testing.T) {
	in, out := EstimateTokens(4, 120)
	assert.Equal(t, int64(480), out)
	assert.Equal(t, int64(2640), in)

	in, out = EstimateTokens(0, 0)
	assert.Equal(t, int64(1), out)
	assert.Equal(t, int64(6), in)
}

func TestEstimateBoutCoversTypicalUsage(t *testing.T) {
	tbl := NewTable(nil)
	est := tbl.EstimateBout("claude-sonnet-4-5-20250929", 6, 120)
	actual := tbl.Cost("claude-sonnet-4-5-20250929", 3000, 600)
	assert.Greater(t, est, int64(0))
	assert.GreaterOrEqual(t, est, actual)
}
