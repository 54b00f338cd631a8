package models

import "time"

// DecayingPool is the shared introductory allowance that drains linearly.
type DecayingPool struct {
	InitialMicro        int64     `json:"initial_micro"`
	ClaimedMicro        int64     `json:"claimed_micro"`
	DrainMicroPerMinute int64     `json:"drain_micro_per_minute"`
	StartedAt           time.Time `json:"started_at"`
}

// Remaining returns the unclaimed, undrained capacity at now.
func (p DecayingPool) Remaining(now time.Time) int64 {
	elapsed := int64(now.Sub(p.StartedAt) / time.Minute)
	if elapsed < 0 {
		elapsed = 0
	}
	r := p.InitialMicro - p.ClaimedMicro - elapsed*p.DrainMicroPerMinute
	if r < 0 {
		return 0
	}
	return r
}

// Exhausted reports whether nothing is left to claim.
func (p DecayingPool) Exhausted(now time.Time) bool {
	return p.Remaining(now) == 0
}

// DailyPool is the free-run allowance for one UTC calendar date.
type DailyPool struct {
	Date          string `json:"date"`
	Used          int64  `json:"used"`
	MaxCount      int64  `json:"max_count"`
	SpendMicro    int64  `json:"spend_micro"`
	MaxSpendMicro int64  `json:"max_spend_micro"`
}

// Remaining returns how many free runs are left today.
func (p DailyPool) Remaining() int64 {
	if p.Used >= p.MaxCount {
		return 0
	}
	return p.MaxCount - p.Used
}

// PoolReason names the ceiling that rejected a consume call.
type PoolReason string

const (
	ReasonCount PoolReason = "count"
	ReasonSpend PoolReason = "spend"
)

// DailyConsumeResult is the outcome of consuming from the daily pool.
type DailyConsumeResult struct {
	Consumed            bool       `json:"consumed"`
	Remaining           int64      `json:"remaining"`
	SpendRemainingMicro int64      `json:"spend_remaining_micro"`
	Reason              PoolReason `json:"reason,omitempty"`
}

// DayKey formats t as the UTC date key used by the daily pool.
func DayKey(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}
