// Package anomaly keeps a queryable log of turns flagged by a detector,
// in a dedicated SQLite database with time-based retention.
package anomaly

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/pario-ai/pit/pkg/models"
	"github.com/pario-ai/pit/pkg/store"
)

// Logger writes and queries anomaly entries.
type Logger struct {
	db   *sql.DB
	cfg  models.AnomalyConfig
	done chan struct{}
	wg   sync.WaitGroup
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS anomalies (
		id              INTEGER PRIMARY KEY AUTOINCREMENT,
		kind            TEXT NOT NULL,
		bout_id         TEXT NOT NULL,
		turn            INTEGER NOT NULL,
		agent_id        TEXT NOT NULL,
		agent_name      TEXT NOT NULL,
		model           TEXT NOT NULL,
		preset_id       TEXT NOT NULL,
		topic           TEXT,
		owner_hash      TEXT,
		marker          TEXT NOT NULL,
		response_length INTEGER NOT NULL,
		excerpt         TEXT,
		created_at      DATETIME NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_anomalies_model ON anomalies(model)`,
	`CREATE INDEX IF NOT EXISTS idx_anomalies_created ON anomalies(created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_anomalies_bout ON anomalies(bout_id, turn)`,
}

// New opens the anomaly database, creates the schema and starts the
// hourly retention loop.
func New(cfg models.AnomalyConfig) (*Logger, error) {
	db, err := store.Open(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open anomaly db: %w", err)
	}

	if err := store.Migrate(context.Background(), db, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate anomaly db: %w", err)
	}

	l := &Logger{
		db:   db,
		cfg:  cfg,
		done: make(chan struct{}),
	}

	l.wg.Add(1)
	go l.retentionLoop()

	return l, nil
}

// Log inserts an entry. The excerpt is cut to the configured size.
func (l *Logger) Log(ctx context.Context, e models.AnomalyEntry) error {
	if l == nil || l.db == nil {
		return nil
	}
	if e.Kind == "" {
		e.Kind = models.AnomalyPersonaBreak
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	if l.cfg.MaxExcerpt > 0 && len(e.Excerpt) > l.cfg.MaxExcerpt {
		e.Excerpt = strings.ToValidUTF8(e.Excerpt[:l.cfg.MaxExcerpt], "")
	}

	_, err := l.db.ExecContext(ctx,
		`INSERT INTO anomalies
		(kind, bout_id, turn, agent_id, agent_name, model, preset_id, topic,
		 owner_hash, marker, response_length, excerpt, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.Kind, e.BoutID, e.Turn, e.AgentID, e.AgentName, e.Model, e.PresetID, e.Topic,
		e.OwnerHash, e.Marker, e.ResponseLength, e.Excerpt, e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("log anomaly: %w", err)
	}
	return nil
}

// Query returns entries matching the given options, newest first.
func (l *Logger) Query(ctx context.Context, opts models.AnomalyQueryOpts) ([]models.AnomalyEntry, error) {
	q := `SELECT id, kind, bout_id, turn, agent_id, agent_name, model, preset_id,
		topic, owner_hash, marker, response_length, excerpt, created_at
		FROM anomalies WHERE 1=1`
	var args []any

	if opts.Kind != "" {
		q += " AND kind = ?"
		args = append(args, opts.Kind)
	}
	if opts.Model != "" {
		q += " AND model = ?"
		args = append(args, opts.Model)
	}
	if opts.PresetID != "" {
		q += " AND preset_id = ?"
		args = append(args, opts.PresetID)
	}
	if opts.BoutID != "" {
		q += " AND bout_id = ?"
		args = append(args, opts.BoutID)
	}
	if !opts.Since.IsZero() {
		q += " AND created_at >= ?"
		args = append(args, opts.Since)
	}

	q += " ORDER BY created_at DESC, id DESC"

	limit := opts.Limit
	if limit <= 0 {
		limit = 100
	}
	q += " LIMIT ?"
	args = append(args, limit)

	rows, err := l.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query anomalies: %w", err)
	}
	defer rows.Close()

	var entries []models.AnomalyEntry
	for rows.Next() {
		var e models.AnomalyEntry
		var topic, ownerHash, excerpt sql.NullString
		if err := rows.Scan(
			&e.ID, &e.Kind, &e.BoutID, &e.Turn, &e.AgentID, &e.AgentName, &e.Model, &e.PresetID,
			&topic, &ownerHash, &e.Marker, &e.ResponseLength, &excerpt, &e.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan anomaly row: %w", err)
		}
		e.Topic = topic.String
		e.OwnerHash = ownerHash.String
		e.Excerpt = excerpt.String
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Stats returns counts grouped by model and day.
func (l *Logger) Stats(ctx context.Context) ([]models.AnomalyStat, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT model, substr(created_at, 1, 10) as day, count(*) as cnt
		 FROM anomalies GROUP BY model, day ORDER BY day DESC, model`)
	if err != nil {
		return nil, fmt.Errorf("anomaly stats: %w", err)
	}
	defer rows.Close()

	var stats []models.AnomalyStat
	for rows.Next() {
		var s models.AnomalyStat
		var day sql.NullString
		if err := rows.Scan(&s.Model, &day, &s.Count); err != nil {
			return nil, fmt.Errorf("scan anomaly stat: %w", err)
		}
		s.Day = day.String
		stats = append(stats, s)
	}
	return stats, rows.Err()
}

// Cleanup deletes entries older than the configured retention period.
func (l *Logger) Cleanup(ctx context.Context) (int64, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -l.cfg.RetentionDays)
	res, err := l.db.ExecContext(ctx,
		`DELETE FROM anomalies WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("anomaly cleanup: %w", err)
	}
	return res.RowsAffected()
}

// Close stops the retention goroutine and closes the database.
func (l *Logger) Close() error {
	close(l.done)
	l.wg.Wait()
	return l.db.Close()
}

func (l *Logger) retentionLoop() {
	defer l.wg.Done()
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-l.done:
			return
		case <-ticker.C:
			_, _ = l.Cleanup(context.Background())
		}
	}
}

// HashOwner returns a short stable digest of an owner id, so that logged
// anomalies can be grouped per user without storing the id itself.
func HashOwner(owner string) string {
	if owner == "" {
		return ""
	}
	h := sha256.Sum256([]byte(owner))
	return hex.EncodeToString(h[:8])
}
