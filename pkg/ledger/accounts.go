package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/pario-ai/pit/pkg/models"
)

// EnsureAccount creates the owner's account if absent. The opening grant is
// written to the log by the same INSERT, so concurrent callers see exactly
// one account and one signup transaction. The caller that actually created
// the account also claims the signup bonus from the intro pool.
func (l *SQLiteLedger) EnsureAccount(ctx context.Context, owner string) (models.Account, error) {
	if owner == "" {
		return models.Account{}, fmt.Errorf("ensure account: %w: empty owner", ErrInvalidAmount)
	}
	now := l.now()
	res, err := l.db.ExecContext(ctx,
		`INSERT INTO credit_accounts (owner_id, balance_micro, opening_micro, created_at, updated_at)
		 VALUES (?, 0, ?, ?, ?)
		 ON CONFLICT(owner_id) DO NOTHING`,
		owner, l.cfg.StartingMicro, now, now,
	)
	if err != nil {
		return models.Account{}, fmt.Errorf("ensure account: %w", err)
	}
	created, err := res.RowsAffected()
	if err != nil {
		return models.Account{}, fmt.Errorf("ensure account: %w", err)
	}
	if created == 1 && l.cfg.Intro.SignupCredits > 0 {
		claimed, err := l.ClaimFromDecayingPool(ctx, owner, models.CreditsToMicro(l.cfg.Intro.SignupCredits), models.SourceSignup, "signup-bonus")
		if err != nil {
			return models.Account{}, fmt.Errorf("signup bonus: %w", err)
		}
		l.logger.Debug("account opened", "owner_id", owner, "signup_bonus_micro", claimed)
	}
	return l.Balance(ctx, owner)
}

// Balance returns the owner's materialized balance.
func (l *SQLiteLedger) Balance(ctx context.Context, owner string) (models.Account, error) {
	var a models.Account
	err := l.db.QueryRowContext(ctx,
		`SELECT owner_id, balance_micro, created_at, updated_at FROM credit_accounts WHERE owner_id = ?`,
		owner,
	).Scan(&a.OwnerID, &a.BalanceMicro, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Account{}, fmt.Errorf("balance %s: %w", owner, ErrAccountNotFound)
	}
	if err != nil {
		return models.Account{}, fmt.Errorf("balance: %w", err)
	}
	return a, nil
}

func encodeMetadata(metadata map[string]any) (string, error) {
	if len(metadata) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(metadata)
	if err != nil {
		return "", fmt.Errorf("encode metadata: %w", err)
	}
	return string(b), nil
}

// ApplyDelta appends one transaction; the balance trigger moves the
// materialized balance in the same statement. A delta that would take the
// balance below zero fails the CHECK constraint and nothing is written.
func (l *SQLiteLedger) ApplyDelta(ctx context.Context, owner string, delta int64, source models.TransactionSource, reference string, metadata map[string]any) (models.Account, error) {
	meta, err := encodeMetadata(metadata)
	if err != nil {
		return models.Account{}, err
	}
	_, err = l.db.ExecContext(ctx,
		`INSERT INTO credit_transactions (owner_id, delta_micro, source, reference_id, metadata, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		owner, delta, string(source), reference, meta, l.now(),
	)
	if err != nil {
		return models.Account{}, fmt.Errorf("apply delta: %w", mapConstraint(err))
	}
	return l.Balance(ctx, owner)
}

// Preauthorize debits estimated from the owner only if the balance covers it.
// The check and the debit are one INSERT ... SELECT, so two concurrent runs
// cannot both spend the same credits.
func (l *SQLiteLedger) Preauthorize(ctx context.Context, owner string, estimated int64, reference string) (models.Preauthorization, error) {
	if estimated < 0 {
		return models.Preauthorization{}, fmt.Errorf("preauthorize: %w: %d", ErrInvalidAmount, estimated)
	}
	if estimated > 0 {
		meta, _ := encodeMetadata(map[string]any{"estimated_micro": estimated})
		res, err := l.db.ExecContext(ctx,
			`INSERT INTO credit_transactions (owner_id, delta_micro, source, reference_id, metadata, created_at)
			 SELECT owner_id, ?, ?, ?, ?, ? FROM credit_accounts
			 WHERE owner_id = ? AND balance_micro >= ?`,
			-estimated, string(models.SourcePreauth), reference, meta, l.now(),
			owner, estimated,
		)
		if err != nil {
			return models.Preauthorization{}, fmt.Errorf("preauthorize: %w", mapConstraint(err))
		}
		n, err := res.RowsAffected()
		if err != nil {
			return models.Preauthorization{}, fmt.Errorf("preauthorize: %w", err)
		}
		if n == 0 {
			acct, err := l.Balance(ctx, owner)
			if err != nil {
				return models.Preauthorization{}, err
			}
			return models.Preauthorization{OK: false, BalanceMicro: acct.BalanceMicro}, nil
		}
	}
	acct, err := l.Balance(ctx, owner)
	if err != nil {
		return models.Preauthorization{}, err
	}
	return models.Preauthorization{OK: true, BalanceMicro: acct.BalanceMicro}, nil
}

// Settle applies actual - estimated. Refunds are unconditional; additional
// charges are capped at the available balance so settlement never fails on
// an account that was drained in the meantime.
func (l *SQLiteLedger) Settle(ctx context.Context, owner string, estimated, actual int64, reference string) (models.Settlement, error) {
	if estimated < 0 || actual < 0 {
		return models.Settlement{}, fmt.Errorf("settle: %w", ErrInvalidAmount)
	}
	delta := actual - estimated
	out := models.Settlement{RequestedMicro: -delta}
	meta, _ := encodeMetadata(map[string]any{
		"estimated_micro": estimated,
		"actual_micro":    actual,
	})

	switch {
	case delta < 0:
		if _, err := l.db.ExecContext(ctx,
			`INSERT INTO credit_transactions (owner_id, delta_micro, source, reference_id, metadata, created_at)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			owner, -delta, string(models.SourceSettlement), reference, meta, l.now(),
		); err != nil {
			return models.Settlement{}, fmt.Errorf("settle refund: %w", mapConstraint(err))
		}
		out.AppliedMicro = -delta
	case delta > 0:
		err := l.db.QueryRowContext(ctx,
			`INSERT INTO credit_transactions (owner_id, delta_micro, source, reference_id, metadata, created_at)
			 SELECT owner_id, -MIN(?, balance_micro), ?, ?, ?, ? FROM credit_accounts
			 WHERE owner_id = ? AND balance_micro > 0
			 RETURNING delta_micro`,
			delta, string(models.SourceSettlement), reference, meta, l.now(),
			owner,
		).Scan(&out.AppliedMicro)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return models.Settlement{}, fmt.Errorf("settle charge: %w", mapConstraint(err))
		}
		if out.AppliedMicro != out.RequestedMicro {
			l.logger.Warn("settlement charge capped at balance",
				"owner_id", owner, "reference", reference,
				"requested_micro", delta, "applied_micro", -out.AppliedMicro)
		}
	}

	acct, err := l.Balance(ctx, owner)
	if err != nil {
		return models.Settlement{}, err
	}
	out.BalanceMicro = acct.BalanceMicro
	return out, nil
}

// Transactions returns the owner's most recent log entries, newest first.
func (l *SQLiteLedger) Transactions(ctx context.Context, owner string, limit int) ([]models.Transaction, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := l.db.QueryContext(ctx,
		`SELECT id, owner_id, delta_micro, source, reference_id, metadata, created_at
		 FROM credit_transactions WHERE owner_id = ? ORDER BY id DESC LIMIT ?`,
		owner, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query transactions: %w", err)
	}
	defer rows.Close()

	var txs []models.Transaction
	for rows.Next() {
		var t models.Transaction
		var source, meta string
		if err := rows.Scan(&t.ID, &t.OwnerID, &t.DeltaMicro, &source, &t.ReferenceID, &meta, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		t.Source = models.TransactionSource(source)
		if meta != "" && meta != "{}" {
			_ = json.Unmarshal([]byte(meta), &t.Metadata)
		}
		txs = append(txs, t)
	}
	return txs, rows.Err()
}

// RecomputeBalance sums the owner's transaction log.
func (l *SQLiteLedger) RecomputeBalance(ctx context.Context, owner string) (int64, error) {
	var sum int64
	err := l.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(delta_micro), 0) FROM credit_transactions WHERE owner_id = ?`,
		owner,
	).Scan(&sum)
	if err != nil {
		return 0, fmt.Errorf("recompute balance: %w", err)
	}
	return sum, nil
}

// Audit compares the materialized balance against the transaction log.
func (l *SQLiteLedger) Audit(ctx context.Context, owner string) (models.AccountAudit, error) {
	acct, err := l.Balance(ctx, owner)
	if err != nil {
		return models.AccountAudit{}, err
	}
	out := models.AccountAudit{OwnerID: owner, BalanceMicro: acct.BalanceMicro}
	err = l.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(delta_micro), 0), COUNT(*) FROM credit_transactions WHERE owner_id = ?`,
		owner,
	).Scan(&out.LogSumMicro, &out.Transactions)
	if err != nil {
		return models.AccountAudit{}, fmt.Errorf("audit: %w", err)
	}
	return out, nil
}
