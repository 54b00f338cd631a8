package models

import "time"

// MicroPerCredit is the number of micro-units in one credit.
const MicroPerCredit = 100

// CreditsToMicro converts whole credits to micro-units.
func CreditsToMicro(credits int64) int64 {
	return credits * MicroPerCredit
}

// MicroToCredits converts micro-units to fractional credits for display.
func MicroToCredits(micro int64) float64 {
	return float64(micro) / MicroPerCredit
}

// Account holds a user's materialized credit balance.
type Account struct {
	OwnerID      string    `json:"owner_id"`
	BalanceMicro int64     `json:"balance_micro"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// TransactionSource tags why a ledger transaction was written.
type TransactionSource string

const (
	SourceSignup     TransactionSource = "signup"
	SourceReferral   TransactionSource = "referral"
	SourceGrant      TransactionSource = "grant"
	SourcePreauth    TransactionSource = "preauth"
	SourceSettlement TransactionSource = "bout-settlement"
	SourceRelease    TransactionSource = "preauth-release"
	SourceIntroPool  TransactionSource = "intro-pool"
)

// Transaction is one immutable entry in the credit log.
type Transaction struct {
	ID          int64             `json:"id"`
	OwnerID     string            `json:"owner_id"`
	DeltaMicro  int64             `json:"delta_micro"`
	Source      TransactionSource `json:"source"`
	ReferenceID string            `json:"reference_id,omitempty"`
	Metadata    map[string]any    `json:"metadata,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
}

// Preauthorization is the outcome of gating a run against a balance.
type Preauthorization struct {
	OK           bool  `json:"ok"`
	BalanceMicro int64 `json:"balance_micro"`
}

// AccountAudit compares the materialized balance with the transaction log.
type AccountAudit struct {
	OwnerID      string `json:"owner_id"`
	BalanceMicro int64  `json:"balance_micro"`
	LogSumMicro  int64  `json:"log_sum_micro"`
	Transactions int    `json:"transactions"`
}

// Consistent reports whether the materialized balance matches the log.
func (a AccountAudit) Consistent() bool {
	return a.BalanceMicro == a.LogSumMicro
}

// Settlement reports how a settle call moved the balance. Both amounts are
// signed balance movements: negative charges, positive refunds.
type Settlement struct {
	RequestedMicro int64 `json:"requested_micro"`
	AppliedMicro   int64 `json:"applied_micro"`
	BalanceMicro   int64 `json:"balance_micro"`
}
