package tracker

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/pario-ai/pit/pkg/models"
	"github.com/pario-ai/pit/pkg/store"
)

// Tracker records and queries per-turn token usage.
type Tracker interface {
	// Record stores a usage record.
	Record(ctx context.Context, rec models.UsageRecord) error
	// QueryByOwner returns usage records for an owner since a given time.
	QueryByOwner(ctx context.Context, owner string, since time.Time) ([]models.UsageRecord, error)
	// TotalByOwner returns total tokens used by an owner since a given time.
	TotalByOwner(ctx context.Context, owner string, since time.Time) (int64, error)
	// TotalByOwnerAndModel returns total tokens used by an owner and model since a given time.
	TotalByOwnerAndModel(ctx context.Context, owner, model string, since time.Time) (int64, error)
	// Summary returns aggregated usage summaries, optionally filtered by owner.
	Summary(ctx context.Context, owner string) ([]models.UsageSummary, error)
	// BoutTurns returns per-turn detail for a bout with prompt growth.
	BoutTurns(ctx context.Context, boutID string) ([]models.BoutTurnUsage, error)
	// Close releases resources.
	Close() error
}

// SQLiteTracker implements Tracker with a SQLite database.
type SQLiteTracker struct {
	db     *sql.DB
	ownsDB bool
}

var schema = []string{`
CREATE TABLE IF NOT EXISTS usage_records (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	owner_id TEXT NOT NULL DEFAULT '',
	bout_id TEXT NOT NULL,
	turn INTEGER NOT NULL,
	model TEXT NOT NULL,
	prompt_tokens INTEGER NOT NULL,
	completion_tokens INTEGER NOT NULL,
	total_tokens INTEGER NOT NULL,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
)`,
	`CREATE INDEX IF NOT EXISTS idx_usage_owner_time ON usage_records(owner_id, created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_usage_bout ON usage_records(bout_id, turn)`,
}

// New opens the database at dbPath and runs auto-migration.
func New(dbPath string) (*SQLiteTracker, error) {
	db, err := store.Open(dbPath)
	if err != nil {
		return nil, fmt.Errorf("open tracker db: %w", err)
	}
	t, err := NewWithDB(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	t.ownsDB = true
	return t, nil
}

// NewWithDB migrates and wraps an already open database.
func NewWithDB(db *sql.DB) (*SQLiteTracker, error) {
	if err := store.Migrate(context.Background(), db, schema); err != nil {
		return nil, fmt.Errorf("migrate tracker db: %w", err)
	}

	// Add estimated column to usage_records if missing.
	if !store.ColumnExists(db, "usage_records", "estimated") {
		if _, err := db.Exec(`ALTER TABLE usage_records ADD COLUMN estimated INTEGER NOT NULL DEFAULT 0`); err != nil {
			return nil, fmt.Errorf("add estimated column: %w", err)
		}
	}
	return &SQLiteTracker{db: db}, nil
}

// Record stores a usage record. A zero TotalTokens is derived from the parts.
func (t *SQLiteTracker) Record(ctx context.Context, rec models.UsageRecord) error {
	if rec.TotalTokens == 0 {
		rec.TotalTokens = rec.PromptTokens + rec.CompletionTokens
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	_, err := t.db.ExecContext(ctx,
		`INSERT INTO usage_records (owner_id, bout_id, turn, model, prompt_tokens, completion_tokens, total_tokens, estimated, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.OwnerID, rec.BoutID, rec.Turn, rec.Model, rec.PromptTokens, rec.CompletionTokens, rec.TotalTokens, rec.Estimated, rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("record usage: %w", err)
	}
	return nil
}

// BoutTurns returns per-turn detail for a bout with prompt growth.
func (t *SQLiteTracker) BoutTurns(ctx context.Context, boutID string) ([]models.BoutTurnUsage, error) {
	rows, err := t.db.QueryContext(ctx,
		`SELECT turn, created_at, prompt_tokens, completion_tokens, total_tokens
		 FROM usage_records WHERE bout_id = ? ORDER BY turn ASC, id ASC`,
		boutID,
	)
	if err != nil {
		return nil, fmt.Errorf("bout turns: %w", err)
	}
	defer rows.Close()

	var turns []models.BoutTurnUsage
	var prevPrompt int
	for rows.Next() {
		var u models.BoutTurnUsage
		if err := rows.Scan(&u.Turn, &u.CreatedAt, &u.PromptTokens, &u.CompletionTokens, &u.TotalTokens); err != nil {
			return nil, fmt.Errorf("scan bout turn: %w", err)
		}
		if len(turns) > 0 {
			u.ContextGrowth = u.PromptTokens - prevPrompt
		}
		prevPrompt = u.PromptTokens
		turns = append(turns, u)
	}
	return turns, rows.Err()
}

// QueryByOwner returns usage records for an owner since a given time.
func (t *SQLiteTracker) QueryByOwner(ctx context.Context, owner string, since time.Time) ([]models.UsageRecord, error) {
	rows, err := t.db.QueryContext(ctx,
		`SELECT id, owner_id, bout_id, turn, model, prompt_tokens, completion_tokens, total_tokens, estimated, created_at
		 FROM usage_records WHERE owner_id = ? AND created_at >= ? ORDER BY created_at DESC, id DESC`,
		owner, since,
	)
	if err != nil {
		return nil, fmt.Errorf("query usage: %w", err)
	}
	defer rows.Close()

	var records []models.UsageRecord
	for rows.Next() {
		var r models.UsageRecord
		if err := rows.Scan(&r.ID, &r.OwnerID, &r.BoutID, &r.Turn, &r.Model, &r.PromptTokens, &r.CompletionTokens, &r.TotalTokens, &r.Estimated, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan usage: %w", err)
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// TotalByOwner returns total tokens used by an owner since a given time.
func (t *SQLiteTracker) TotalByOwner(ctx context.Context, owner string, since time.Time) (int64, error) {
	var total int64
	err := t.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(total_tokens), 0) FROM usage_records WHERE owner_id = ? AND created_at >= ?`,
		owner, since,
	).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("total usage: %w", err)
	}
	return total, nil
}

// TotalByOwnerAndModel returns total tokens used by an owner and model since a given time.
func (t *SQLiteTracker) TotalByOwnerAndModel(ctx context.Context, owner, model string, since time.Time) (int64, error) {
	var total int64
	err := t.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(total_tokens), 0) FROM usage_records WHERE owner_id = ? AND model = ? AND created_at >= ?`,
		owner, model, since,
	).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("total usage by model: %w", err)
	}
	return total, nil
}

// Summary returns aggregated usage grouped by owner and model.
func (t *SQLiteTracker) Summary(ctx context.Context, owner string) ([]models.UsageSummary, error) {
	query := `SELECT owner_id, model, COUNT(*), COUNT(DISTINCT bout_id), SUM(prompt_tokens), SUM(completion_tokens), SUM(total_tokens)
		 FROM usage_records`
	var args []any
	if owner != "" {
		query += ` WHERE owner_id = ?`
		args = append(args, owner)
	}
	query += ` GROUP BY owner_id, model ORDER BY owner_id, model`

	rows, err := t.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("summary: %w", err)
	}
	defer rows.Close()

	var summaries []models.UsageSummary
	for rows.Next() {
		var s models.UsageSummary
		if err := rows.Scan(&s.OwnerID, &s.Model, &s.TurnCount, &s.BoutCount, &s.TotalPrompt, &s.TotalCompletion, &s.TotalTokens); err != nil {
			return nil, fmt.Errorf("scan summary: %w", err)
		}
		summaries = append(summaries, s)
	}
	return summaries, rows.Err()
}

// Close releases the database connection when the tracker opened it.
func (t *SQLiteTracker) Close() error {
	if !t.ownsDB {
		return nil
	}
	return t.db.Close()
}
