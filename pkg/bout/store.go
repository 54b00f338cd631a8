package bout

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/pario-ai/pit/pkg/models"
	"github.com/pario-ai/pit/pkg/store"
)

var (
	// ErrNotFound is returned for bout ids with no row.
	ErrNotFound = errors.New("bout not found")
	// ErrAlreadyRunning is returned when another worker holds a live claim.
	ErrAlreadyRunning = errors.New("bout already running")
	// ErrLostClaim is returned when a write finds the bout no longer running
	// at the expected position.
	ErrLostClaim = errors.New("bout claim lost")
)

var schema = []string{`
CREATE TABLE IF NOT EXISTS bouts (
	id              TEXT PRIMARY KEY,
	preset_id       TEXT NOT NULL,
	owner_id        TEXT NOT NULL DEFAULT '',
	status          TEXT NOT NULL DEFAULT 'pending'
	                CHECK(status IN ('pending','running','completed','error')),
	topic           TEXT NOT NULL DEFAULT '',
	model           TEXT NOT NULL,
	response_length TEXT NOT NULL,
	response_format TEXT NOT NULL,
	max_turns       INTEGER NOT NULL CHECK(max_turns > 0),
	agents          TEXT NOT NULL,
	transcript      TEXT NOT NULL DEFAULT '[]',
	share_line      TEXT NOT NULL DEFAULT '',
	input_tokens    INTEGER NOT NULL DEFAULT 0,
	output_tokens   INTEGER NOT NULL DEFAULT 0,
	cost_micro      INTEGER NOT NULL DEFAULT 0,
	error_message   TEXT NOT NULL DEFAULT '',
	created_at      INTEGER NOT NULL,
	updated_at      INTEGER NOT NULL
)`,
	`CREATE INDEX IF NOT EXISTS idx_bouts_owner ON bouts(owner_id, created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_bouts_status ON bouts(status, updated_at)`,
}

const boutColumns = `id, preset_id, owner_id, status, topic, model, response_length, response_format,
	max_turns, agents, transcript, share_line, input_tokens, output_tokens, cost_micro,
	error_message, created_at, updated_at`

// Store persists bouts. Every state transition is one conditional
// statement so that workers sharing only the database file agree on who
// owns a bout.
type Store struct {
	db     *sql.DB
	ownsDB bool
	now    func() time.Time
}

// OpenStore opens the database at path and migrates the bout schema.
func OpenStore(path string) (*Store, error) {
	db, err := store.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open bout db: %w", err)
	}
	s, err := NewStore(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	s.ownsDB = true
	return s, nil
}

// NewStore migrates and wraps an already open database.
func NewStore(db *sql.DB) (*Store, error) {
	if err := store.Migrate(context.Background(), db, schema); err != nil {
		return nil, fmt.Errorf("migrate bout db: %w", err)
	}
	return &Store{db: db, now: func() time.Time { return time.Now().UTC() }}, nil
}

// Close closes the database if the store opened it.
func (s *Store) Close() error {
	if !s.ownsDB {
		return nil
	}
	return s.db.Close()
}

// Create inserts a pending bout. An existing row with the same id is left
// untouched and created is false.
func (s *Store) Create(ctx context.Context, b models.Bout) (created bool, err error) {
	agents, err := json.Marshal(b.Agents)
	if err != nil {
		return false, fmt.Errorf("encode agents: %w", err)
	}
	now := s.now().UnixMilli()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO bouts (id, preset_id, owner_id, status, topic, model, response_length, response_format,
			max_turns, agents, created_at, updated_at)
		 VALUES (?, ?, ?, 'pending', ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO NOTHING`,
		b.ID, b.PresetID, b.OwnerID, b.Topic, b.Model, b.ResponseLength, b.ResponseFormat,
		b.MaxTurns, string(agents), now, now,
	)
	if err != nil {
		return false, fmt.Errorf("create bout: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("create bout: %w", err)
	}
	return n == 1, nil
}

// Get loads a bout by id.
func (s *Store) Get(ctx context.Context, id string) (models.Bout, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+boutColumns+` FROM bouts WHERE id = ?`, id)
	b, err := scanBout(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Bout{}, ErrNotFound
	}
	if err != nil {
		return models.Bout{}, fmt.Errorf("get bout: %w", err)
	}
	return b, nil
}

// Claim moves a pending bout to running, or takes over a running bout
// whose last write is older than staleAfter. It returns the claimed row.
// A terminal bout is returned unchanged with no error; a live running
// bout yields ErrAlreadyRunning.
func (s *Store) Claim(ctx context.Context, id string, staleAfter time.Duration) (models.Bout, bool, error) {
	now := s.now()
	staleBefore := now.Add(-staleAfter).UnixMilli()
	row := s.db.QueryRowContext(ctx,
		`UPDATE bouts SET status = 'running', error_message = '', updated_at = ?
		 WHERE id = ? AND (status = 'pending' OR (status = 'running' AND updated_at < ?))
		 RETURNING `+boutColumns,
		now.UnixMilli(), id, staleBefore,
	)
	b, err := scanBout(row)
	if err == nil {
		return b, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return models.Bout{}, false, fmt.Errorf("claim bout: %w", err)
	}

	cur, err := s.Get(ctx, id)
	if err != nil {
		return models.Bout{}, false, err
	}
	if cur.Status == models.BoutRunning {
		return cur, false, ErrAlreadyRunning
	}
	return cur, false, nil
}

// AppendTurn adds rec to the transcript. It succeeds only while the bout
// is running and the transcript holds exactly rec.Turn entries.
func (s *Store) AppendTurn(ctx context.Context, id string, rec models.TurnRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode turn: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE bouts SET transcript = json_insert(transcript, '$[#]', json(?)), updated_at = ?
		 WHERE id = ? AND status = 'running' AND json_array_length(transcript) = ?`,
		string(data), s.now().UnixMilli(), id, rec.Turn,
	)
	if err != nil {
		return fmt.Errorf("append turn: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("append turn: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("append turn %d: %w", rec.Turn, ErrLostClaim)
	}
	return nil
}

// Finish records the outcome and moves a running bout to a terminal status.
func (s *Store) Finish(ctx context.Context, id string, out models.BoutOutcome) error {
	if !out.Status.Terminal() {
		return fmt.Errorf("finish bout: status %q is not terminal", out.Status)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE bouts SET status = ?, share_line = ?, input_tokens = ?, output_tokens = ?,
			cost_micro = ?, error_message = ?, updated_at = ?
		 WHERE id = ? AND status = 'running'`,
		out.Status, out.ShareLine, out.InputTokens, out.OutputTokens,
		out.CostMicro, out.ErrorMessage, s.now().UnixMilli(), id,
	)
	if err != nil {
		return fmt.Errorf("finish bout: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("finish bout: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("finish bout: %w", ErrLostClaim)
	}
	return nil
}

// ListOpts filters List.
type ListOpts struct {
	OwnerID string
	Status  models.BoutStatus
	Limit   int
}

// List returns bouts newest first.
func (s *Store) List(ctx context.Context, opts ListOpts) ([]models.Bout, error) {
	q := `SELECT ` + boutColumns + ` FROM bouts WHERE 1=1`
	var args []any
	if opts.OwnerID != "" {
		q += " AND owner_id = ?"
		args = append(args, opts.OwnerID)
	}
	if opts.Status != "" {
		q += " AND status = ?"
		args = append(args, opts.Status)
	}
	limit := opts.Limit
	if limit <= 0 {
		limit = 50
	}
	q += " ORDER BY created_at DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list bouts: %w", err)
	}
	defer rows.Close()

	var out []models.Bout
	for rows.Next() {
		b, err := scanBout(rows)
		if err != nil {
			return nil, fmt.Errorf("scan bout: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanBout(sc scanner) (models.Bout, error) {
	var (
		b                    models.Bout
		agents, transcript   string
		createdAt, updatedAt int64
	)
	err := sc.Scan(&b.ID, &b.PresetID, &b.OwnerID, &b.Status, &b.Topic, &b.Model,
		&b.ResponseLength, &b.ResponseFormat, &b.MaxTurns, &agents, &transcript,
		&b.ShareLine, &b.InputTokens, &b.OutputTokens, &b.CostMicro, &b.ErrorMessage,
		&createdAt, &updatedAt)
	if err != nil {
		return models.Bout{}, err
	}
	if err := json.Unmarshal([]byte(agents), &b.Agents); err != nil {
		return models.Bout{}, fmt.Errorf("decode agents: %w", err)
	}
	if err := json.Unmarshal([]byte(transcript), &b.Transcript); err != nil {
		return models.Bout{}, fmt.Errorf("decode transcript: %w", err)
	}
	if b.Transcript == nil {
		b.Transcript = []models.TurnRecord{}
	}
	b.CreatedAt = time.UnixMilli(createdAt).UTC()
	b.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	return b, nil
}
