package models

// ReferralStatus is the outcome of recording a referral.
type ReferralStatus string

const (
	// ReferralCredited means the referrer received a bonus.
	ReferralCredited ReferralStatus = "credited"
	// ReferralEmpty means the referral was recorded but the intro pool had nothing left.
	ReferralEmpty ReferralStatus = "empty"
	// ReferralAlready means the referred owner was referred before; nothing changed.
	ReferralAlready ReferralStatus = "already"
)

// ReferralResult reports what ApplyReferral did.
type ReferralResult struct {
	Status        ReferralStatus `json:"status"`
	ReferrerID    string         `json:"referrer_id"`
	CreditedMicro int64          `json:"credited_micro"`
}
