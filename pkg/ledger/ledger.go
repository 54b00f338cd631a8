// Package ledger owns per-user credit balances and the two shared promotional
// pools. Every mutation is a single SQLite statement so that independent
// workers sharing only the database file can never overspend.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/pario-ai/pit/pkg/models"
	"github.com/pario-ai/pit/pkg/store"
)

var (
	// ErrInsufficientBalance is returned when a mutation would drive a balance negative.
	ErrInsufficientBalance = errors.New("insufficient balance")
	// ErrAccountNotFound is returned when the owner has no account.
	ErrAccountNotFound = errors.New("account not found")
	// ErrInvalidAmount is returned for negative costs and empty owners.
	ErrInvalidAmount = errors.New("invalid amount")
	// ErrInvalidReferral is returned for self-referrals and empty ids.
	ErrInvalidReferral = errors.New("invalid referral")
)

// Ledger gates metered work and records what was spent.
type Ledger interface {
	// EnsureAccount creates the owner's account with the starting balance if absent.
	EnsureAccount(ctx context.Context, owner string) (models.Account, error)
	// ApplyDelta appends one transaction and moves the balance by exactly delta.
	ApplyDelta(ctx context.Context, owner string, delta int64, source models.TransactionSource, reference string, metadata map[string]any) (models.Account, error)
	// Preauthorize debits the estimated cost if the balance covers it.
	Preauthorize(ctx context.Context, owner string, estimated int64, reference string) (models.Preauthorization, error)
	// Settle applies actual - estimated against a preauthorized owner.
	Settle(ctx context.Context, owner string, estimated, actual int64, reference string) (models.Settlement, error)
	// ClaimFromDecayingPool moves up to requested units from the intro pool to the owner.
	ClaimFromDecayingPool(ctx context.Context, owner string, requested int64, source models.TransactionSource, reference string) (int64, error)
	// ConsumeDecayingPool takes amount from the intro pool without crediting anyone.
	ConsumeDecayingPool(ctx context.Context, amount int64) (bool, error)
	// RefundDecayingPool returns amount to the intro pool.
	RefundDecayingPool(ctx context.Context, amount int64) error
	// ConsumeFromDailyPool takes one run and estimated spend from the day's pool.
	ConsumeFromDailyPool(ctx context.Context, date string, estimated int64) (models.DailyConsumeResult, error)
	// SettleDailyPoolSpend adjusts the day's spend by delta, never below zero.
	SettleDailyPoolSpend(ctx context.Context, date string, delta int64) error
}

// Clock supplies the current time.
type Clock interface {
	Now() time.Time
}

// ClockFunc adapts a function to Clock.
type ClockFunc func() time.Time

// Now returns f().
func (f ClockFunc) Now() time.Time { return f() }

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

// Config controls account opening and the shared pools.
type Config struct {
	StartingMicro int64
	Intro         models.IntroPoolPolicy
	Daily         models.DailyPoolPolicy
	Clock         Clock
	Logger        *slog.Logger
}

// SQLiteLedger implements Ledger on SQLite.
type SQLiteLedger struct {
	db     *sql.DB
	cfg    Config
	clock  Clock
	logger *slog.Logger
	ownsDB bool
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS credit_accounts (
	owner_id TEXT PRIMARY KEY,
	balance_micro INTEGER NOT NULL DEFAULT 0 CHECK (balance_micro >= 0),
	opening_micro INTEGER NOT NULL DEFAULT 0,
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL
)`,
	`CREATE TABLE IF NOT EXISTS credit_transactions (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	owner_id TEXT NOT NULL REFERENCES credit_accounts(owner_id),
	delta_micro INTEGER NOT NULL,
	source TEXT NOT NULL,
	reference_id TEXT NOT NULL DEFAULT '',
	metadata TEXT NOT NULL DEFAULT '{}',
	created_at DATETIME NOT NULL
)`,
	`CREATE INDEX IF NOT EXISTS idx_credit_tx_owner ON credit_transactions(owner_id, id)`,
	`CREATE INDEX IF NOT EXISTS idx_credit_tx_ref ON credit_transactions(reference_id)`,
	// The log is the only writer of the materialized balance.
	`CREATE TRIGGER IF NOT EXISTS credit_tx_apply AFTER INSERT ON credit_transactions
BEGIN
	UPDATE credit_accounts
	SET balance_micro = balance_micro + NEW.delta_micro, updated_at = NEW.created_at
	WHERE owner_id = NEW.owner_id;
END`,
	`CREATE TRIGGER IF NOT EXISTS credit_account_opening AFTER INSERT ON credit_accounts
WHEN NEW.opening_micro <> 0
BEGIN
	INSERT INTO credit_transactions (owner_id, delta_micro, source, created_at)
	VALUES (NEW.owner_id, NEW.opening_micro, 'signup', NEW.created_at);
END`,
	`CREATE TRIGGER IF NOT EXISTS credit_tx_no_update BEFORE UPDATE ON credit_transactions
BEGIN
	SELECT RAISE(ABORT, 'credit transactions are append-only');
END`,
	`CREATE TRIGGER IF NOT EXISTS credit_tx_no_delete BEFORE DELETE ON credit_transactions
BEGIN
	SELECT RAISE(ABORT, 'credit transactions are append-only');
END`,
	`CREATE TABLE IF NOT EXISTS intro_pool (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	initial_micro INTEGER NOT NULL CHECK (initial_micro >= 0),
	claimed_micro INTEGER NOT NULL DEFAULT 0 CHECK (claimed_micro >= 0),
	drain_micro_per_minute INTEGER NOT NULL DEFAULT 0 CHECK (drain_micro_per_minute >= 0),
	started_at INTEGER NOT NULL,
	last_claim_micro INTEGER NOT NULL DEFAULT 0
)`,
	`CREATE TABLE IF NOT EXISTS referrals (
	referred_id TEXT PRIMARY KEY,
	referrer_id TEXT NOT NULL REFERENCES credit_accounts(owner_id),
	credited_micro INTEGER NOT NULL DEFAULT 0,
	created_at DATETIME NOT NULL
)`,
	`CREATE INDEX IF NOT EXISTS idx_referrals_referrer ON referrals(referrer_id)`,
	`CREATE TABLE IF NOT EXISTS daily_pool (
	date TEXT PRIMARY KEY,
	used INTEGER NOT NULL DEFAULT 0 CHECK (used >= 0),
	max_count INTEGER NOT NULL,
	spend_micro INTEGER NOT NULL DEFAULT 0 CHECK (spend_micro >= 0),
	max_spend_micro INTEGER NOT NULL
)`,
}

// New opens the ledger database at dbPath and runs migrations.
func New(dbPath string, cfg Config) (*SQLiteLedger, error) {
	db, err := store.Open(dbPath)
	if err != nil {
		return nil, fmt.Errorf("open ledger db: %w", err)
	}
	l, err := NewWithDB(db, cfg)
	if err != nil {
		db.Close()
		return nil, err
	}
	l.ownsDB = true
	return l, nil
}

// NewWithDB builds a ledger over an already opened database.
func NewWithDB(db *sql.DB, cfg Config) (*SQLiteLedger, error) {
	if cfg.Clock == nil {
		cfg.Clock = systemClock{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	l := &SQLiteLedger{db: db, cfg: cfg, clock: cfg.Clock, logger: cfg.Logger}

	ctx := context.Background()
	if err := store.Migrate(ctx, db, schema); err != nil {
		return nil, fmt.Errorf("migrate ledger db: %w", err)
	}
	if err := l.ensureIntroPool(ctx); err != nil {
		return nil, err
	}
	return l, nil
}

// Close releases the database connection if the ledger opened it.
func (l *SQLiteLedger) Close() error {
	if !l.ownsDB {
		return nil
	}
	return l.db.Close()
}

func (l *SQLiteLedger) now() time.Time {
	return l.clock.Now().UTC()
}

// mapConstraint turns SQLite constraint failures into ledger sentinels.
func mapConstraint(err error) error {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return err
	}
	code := se.Code()
	if code&0xff != sqlite3.SQLITE_CONSTRAINT {
		return err
	}
	switch {
	case code == sqlite3.SQLITE_CONSTRAINT_CHECK || strings.Contains(se.Error(), "CHECK constraint"):
		return fmt.Errorf("%w: %v", ErrInsufficientBalance, err)
	case code == sqlite3.SQLITE_CONSTRAINT_FOREIGNKEY || strings.Contains(se.Error(), "FOREIGN KEY"):
		return fmt.Errorf("%w: %v", ErrAccountNotFound, err)
	}
	return err
}
