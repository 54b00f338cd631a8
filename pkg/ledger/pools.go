package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/pario-ai/pit/pkg/models"
)

// remainingExpr computes the intro pool's remaining capacity in SQL. It takes
// the current unix time as its single parameter.
const remainingExpr = `MAX(0, initial_micro - claimed_micro - (MAX(0, ? - started_at) / 60) * drain_micro_per_minute)`

func (l *SQLiteLedger) ensureIntroPool(ctx context.Context) error {
	started := l.cfg.Intro.StartedAt
	if started.IsZero() {
		started = l.now()
	}
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO intro_pool (id, initial_micro, claimed_micro, drain_micro_per_minute, started_at)
		 VALUES (1, ?, 0, ?, ?)
		 ON CONFLICT(id) DO NOTHING`,
		models.CreditsToMicro(l.cfg.Intro.InitialCredits),
		models.CreditsToMicro(l.cfg.Intro.DrainPerMinute),
		started.Unix(),
	)
	if err != nil {
		return fmt.Errorf("ensure intro pool: %w", err)
	}
	return nil
}

// ClaimFromDecayingPool clamps requested to what the pool still holds,
// increments the claimed counter by that amount in one UPDATE and credits
// the owner. An exhausted pool yields a zero claim, not an error.
func (l *SQLiteLedger) ClaimFromDecayingPool(ctx context.Context, owner string, requested int64, source models.TransactionSource, reference string) (int64, error) {
	if requested <= 0 {
		return 0, nil
	}
	now := l.now().Unix()

	// SET expressions all read the pre-update row, so last_claim_micro and the
	// increment see the same remaining capacity.
	var claimed int64
	err := l.db.QueryRowContext(ctx,
		`UPDATE intro_pool SET
			last_claim_micro = MIN(?, `+remainingExpr+`),
			claimed_micro = claimed_micro + MIN(?, `+remainingExpr+`)
		 WHERE id = 1
		 RETURNING last_claim_micro`,
		requested, now, requested, now,
	).Scan(&claimed)
	if err != nil {
		return 0, fmt.Errorf("claim intro pool: %w", err)
	}
	if claimed == 0 {
		return 0, nil
	}

	if _, err := l.ApplyDelta(ctx, owner, claimed, source, reference, map[string]any{"pool": "intro"}); err != nil {
		// Put the units back so a failed credit does not shrink the pool.
		if rerr := l.RefundDecayingPool(ctx, claimed); rerr != nil {
			l.logger.Error("intro pool refund after failed credit", "owner_id", owner, "claimed_micro", claimed, "error", rerr)
		}
		return 0, fmt.Errorf("credit intro claim: %w", err)
	}
	return claimed, nil
}

// ConsumeDecayingPool takes amount from the intro pool only if the whole
// amount is still available. Used to fund anonymous runs.
func (l *SQLiteLedger) ConsumeDecayingPool(ctx context.Context, amount int64) (bool, error) {
	if amount < 0 {
		return false, fmt.Errorf("consume intro pool: %w: %d", ErrInvalidAmount, amount)
	}
	if amount == 0 {
		return true, nil
	}
	res, err := l.db.ExecContext(ctx,
		`UPDATE intro_pool SET claimed_micro = claimed_micro + ?
		 WHERE id = 1 AND `+remainingExpr+` >= ?`,
		amount, l.now().Unix(), amount,
	)
	if err != nil {
		return false, fmt.Errorf("consume intro pool: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("consume intro pool: %w", err)
	}
	return n == 1, nil
}

// RefundDecayingPool returns amount to the intro pool, never below zero claimed.
func (l *SQLiteLedger) RefundDecayingPool(ctx context.Context, amount int64) error {
	if amount <= 0 {
		return nil
	}
	_, err := l.db.ExecContext(ctx,
		`UPDATE intro_pool SET claimed_micro = MAX(0, claimed_micro - ?) WHERE id = 1`,
		amount,
	)
	if err != nil {
		return fmt.Errorf("refund intro pool: %w", err)
	}
	return nil
}

// DecayingPoolStatus returns a display snapshot of the intro pool.
func (l *SQLiteLedger) DecayingPoolStatus(ctx context.Context) (models.DecayingPool, error) {
	var p models.DecayingPool
	var started int64
	err := l.db.QueryRowContext(ctx,
		`SELECT initial_micro, claimed_micro, drain_micro_per_minute, started_at FROM intro_pool WHERE id = 1`,
	).Scan(&p.InitialMicro, &p.ClaimedMicro, &p.DrainMicroPerMinute, &started)
	if err != nil {
		return models.DecayingPool{}, fmt.Errorf("intro pool status: %w", err)
	}
	p.StartedAt = time.Unix(started, 0).UTC()
	return p, nil
}

func (l *SQLiteLedger) ensureDay(ctx context.Context, date string) error {
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO daily_pool (date, used, max_count, spend_micro, max_spend_micro)
		 VALUES (?, 0, ?, 0, ?)
		 ON CONFLICT(date) DO NOTHING`,
		date, l.cfg.Daily.MaxBouts, l.cfg.Daily.SpendCapMicro,
	)
	if err != nil {
		return fmt.Errorf("ensure daily pool: %w", err)
	}
	return nil
}

// ConsumeFromDailyPool takes one run and estimated spend from the day's pool.
// The conditional UPDATE is the only arbiter: both ceilings are checked and
// both counters move in one statement, or nothing changes.
func (l *SQLiteLedger) ConsumeFromDailyPool(ctx context.Context, date string, estimated int64) (models.DailyConsumeResult, error) {
	if estimated < 0 {
		return models.DailyConsumeResult{}, fmt.Errorf("consume daily pool: %w: %d", ErrInvalidAmount, estimated)
	}
	if err := l.ensureDay(ctx, date); err != nil {
		return models.DailyConsumeResult{}, err
	}

	var p models.DailyPool
	p.Date = date
	err := l.db.QueryRowContext(ctx,
		`UPDATE daily_pool SET used = used + 1, spend_micro = spend_micro + ?
		 WHERE date = ? AND used < max_count AND spend_micro + ? <= max_spend_micro
		 RETURNING used, max_count, spend_micro, max_spend_micro`,
		estimated, date, estimated,
	).Scan(&p.Used, &p.MaxCount, &p.SpendMicro, &p.MaxSpendMicro)
	if err == nil {
		return models.DailyConsumeResult{
			Consumed:            true,
			Remaining:           p.Remaining(),
			SpendRemainingMicro: p.MaxSpendMicro - p.SpendMicro,
		}, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return models.DailyConsumeResult{}, fmt.Errorf("consume daily pool: %w", err)
	}

	// Rejected: re-read only to explain which ceiling was hit.
	p, err = l.DailyPoolStatus(ctx, date)
	if err != nil {
		return models.DailyConsumeResult{}, err
	}
	reason := models.ReasonCount
	if p.SpendMicro+estimated > p.MaxSpendMicro {
		reason = models.ReasonSpend
	}
	spendLeft := p.MaxSpendMicro - p.SpendMicro
	if spendLeft < 0 {
		spendLeft = 0
	}
	return models.DailyConsumeResult{
		Consumed:            false,
		Remaining:           p.Remaining(),
		SpendRemainingMicro: spendLeft,
		Reason:              reason,
	}, nil
}

// SettleDailyPoolSpend adjusts the day's spend by delta, clamped at zero so
// out-of-order refunds cannot drive it negative.
func (l *SQLiteLedger) SettleDailyPoolSpend(ctx context.Context, date string, delta int64) error {
	if delta == 0 {
		return nil
	}
	_, err := l.db.ExecContext(ctx,
		`UPDATE daily_pool SET spend_micro = MAX(0, spend_micro + ?) WHERE date = ?`,
		delta, date,
	)
	if err != nil {
		return fmt.Errorf("settle daily pool: %w", err)
	}
	return nil
}

// DailyPoolStatus returns a display snapshot of the day's pool. A day with no
// row yet reports the configured ceilings and zero usage.
func (l *SQLiteLedger) DailyPoolStatus(ctx context.Context, date string) (models.DailyPool, error) {
	p := models.DailyPool{Date: date}
	err := l.db.QueryRowContext(ctx,
		`SELECT used, max_count, spend_micro, max_spend_micro FROM daily_pool WHERE date = ?`,
		date,
	).Scan(&p.Used, &p.MaxCount, &p.SpendMicro, &p.MaxSpendMicro)
	if errors.Is(err, sql.ErrNoRows) {
		p.MaxCount = l.cfg.Daily.MaxBouts
		p.MaxSpendMicro = l.cfg.Daily.SpendCapMicro
		return p, nil
	}
	if err != nil {
		return models.DailyPool{}, fmt.Errorf("daily pool status: %w", err)
	}
	return p, nil
}

// Status returns display snapshots of both pools for now.
func (l *SQLiteLedger) Status(ctx context.Context) (models.BudgetStatus, error) {
	intro, err := l.DecayingPoolStatus(ctx)
	if err != nil {
		return models.BudgetStatus{}, err
	}
	now := l.now()
	daily, err := l.DailyPoolStatus(ctx, models.DayKey(now))
	if err != nil {
		return models.BudgetStatus{}, err
	}
	return models.BudgetStatus{
		Intro:          intro,
		IntroRemaining: intro.Remaining(now),
		Daily:          daily,
	}, nil
}
