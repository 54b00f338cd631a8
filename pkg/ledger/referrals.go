package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/pario-ai/pit/pkg/models"
)

// ApplyReferral records that referred joined through referrer and pays the
// referrer the referral bonus from the intro pool. Each referred owner can
// be referred once; the INSERT that records it is the only gate, so a
// concurrent duplicate sees ReferralAlready and pays nothing.
func (l *SQLiteLedger) ApplyReferral(ctx context.Context, referrer, referred string) (models.ReferralResult, error) {
	if referrer == "" || referred == "" || referrer == referred {
		return models.ReferralResult{}, fmt.Errorf("apply referral: %w", ErrInvalidReferral)
	}
	if _, err := l.Balance(ctx, referrer); err != nil {
		return models.ReferralResult{}, fmt.Errorf("apply referral: %w", err)
	}

	res, err := l.db.ExecContext(ctx,
		`INSERT INTO referrals (referred_id, referrer_id, created_at)
		 VALUES (?, ?, ?)
		 ON CONFLICT(referred_id) DO NOTHING`,
		referred, referrer, l.now(),
	)
	if err != nil {
		return models.ReferralResult{}, fmt.Errorf("apply referral: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return models.ReferralResult{}, fmt.Errorf("apply referral: %w", err)
	}
	if n == 0 {
		var existing string
		err := l.db.QueryRowContext(ctx,
			`SELECT referrer_id FROM referrals WHERE referred_id = ?`, referred).Scan(&existing)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return models.ReferralResult{}, fmt.Errorf("apply referral: %w", err)
		}
		return models.ReferralResult{Status: models.ReferralAlready, ReferrerID: existing}, nil
	}

	claimed, err := l.ClaimFromDecayingPool(ctx, referrer, models.CreditsToMicro(l.cfg.Intro.ReferralCredits), models.SourceReferral, referred)
	if err != nil {
		return models.ReferralResult{}, fmt.Errorf("apply referral: %w", err)
	}
	if claimed == 0 {
		return models.ReferralResult{Status: models.ReferralEmpty, ReferrerID: referrer}, nil
	}
	if _, err := l.db.ExecContext(ctx,
		`UPDATE referrals SET credited_micro = ? WHERE referred_id = ?`, claimed, referred); err != nil {
		return models.ReferralResult{}, fmt.Errorf("mark referral credited: %w", err)
	}
	l.logger.Info("referral credited", "referrer_id", referrer, "referred_id", referred, "credited_micro", claimed)
	return models.ReferralResult{Status: models.ReferralCredited, ReferrerID: referrer, CreditedMicro: claimed}, nil
}
