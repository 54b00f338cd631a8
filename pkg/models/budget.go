package models

import "time"

// IntroPoolPolicy configures the decaying introductory pool.
type IntroPoolPolicy struct {
	InitialCredits  int64     `json:"initial_credits" yaml:"initial_credits"`
	DrainPerMinute  int64     `json:"drain_per_minute" yaml:"drain_per_minute"`
	StartedAt       time.Time `json:"started_at" yaml:"started_at"`
	SignupCredits   int64     `json:"signup_credits" yaml:"signup_credits"`
	ReferralCredits int64     `json:"referral_credits" yaml:"referral_credits"`
}

// DailyPoolPolicy configures the free-run pool reset each UTC day.
type DailyPoolPolicy struct {
	MaxBouts      int64 `json:"max_bouts" yaml:"max_bouts"`
	SpendCapMicro int64 `json:"spend_cap_micro" yaml:"spend_cap_micro"`
}

// BudgetStatus is a display snapshot of both shared pools. It is never used
// to gate a write.
type BudgetStatus struct {
	Intro          DecayingPool `json:"intro"`
	IntroRemaining int64        `json:"intro_remaining_micro"`
	Daily          DailyPool    `json:"daily"`
}
