// Package store persists the append-only task trajectory and the learned
// state of the adaptive components in SQLite. Learned state is best-effort:
// a missing or corrupt record means a cold start, never a refused boot.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/haasonsaas/dispatch/internal/observability"
	"github.com/haasonsaas/dispatch/pkg/models"
)

// Keys under which each component's learned state is stored.
const (
	KeyDispatcherWeights = "dispatcher_weights"
	KeyDispatcherStats   = "dispatcher_stats"
	KeyRecoveryRates     = "recovery_rates"
	KeyCriticRates       = "critic_rates"
	KeyToolHealth        = "tool_health"
)

// ErrNoState is returned by LoadState when no record exists for the key.
var ErrNoState = errors.New("store: no state for key")

const schema = `
CREATE TABLE IF NOT EXISTS trajectory (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	task_id     TEXT    NOT NULL,
	seq         INTEGER NOT NULL,
	recorded_at TEXT    NOT NULL,
	step        BLOB    NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_trajectory_task ON trajectory(task_id, seq);

CREATE TABLE IF NOT EXISTS learning_state (
	key        TEXT PRIMARY KEY,
	value      BLOB NOT NULL,
	updated_at TEXT NOT NULL
);
`

// Store wraps the SQLite database.
type Store struct {
	db  *sql.DB
	log *observability.Logger
}

// Open opens (or creates) the database at path and applies the schema.
func Open(path string, log *observability.Logger) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	// The sqlite driver serializes writes; a single connection avoids
	// SQLITE_BUSY churn under concurrent flushes.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return NewWithDB(db, log), nil
}

// NewWithDB wraps an existing database handle. The caller owns migration.
func NewWithDB(db *sql.DB, log *observability.Logger) *Store {
	return &Store{db: db, log: log.Component("store")}
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// AppendStep appends one trajectory record. The step is stored whole as
// JSON; task id, sequence and timestamp are lifted into columns for queries.
func (s *Store) AppendStep(ctx context.Context, step models.TrajectoryStep) error {
	blob, err := json.Marshal(step)
	if err != nil {
		return fmt.Errorf("marshal step: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO trajectory (task_id, seq, recorded_at, step) VALUES (?, ?, ?, ?)`,
		step.TaskID, step.Seq, step.RecordedAt.UTC().Format(time.RFC3339Nano), blob)
	if err != nil {
		return fmt.Errorf("append step: %w", err)
	}
	return nil
}

// Steps returns a task's trajectory in sequence order. Records that no
// longer unmarshal are skipped, not fatal.
func (s *Store) Steps(ctx context.Context, taskID string) ([]models.TrajectoryStep, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT step FROM trajectory WHERE task_id = ? ORDER BY seq`, taskID)
	if err != nil {
		return nil, fmt.Errorf("query trajectory: %w", err)
	}
	defer rows.Close()

	var out []models.TrajectoryStep
	for rows.Next() {
		var blob []byte
		if err := rows.Scan(&blob); err != nil {
			return nil, fmt.Errorf("scan step: %w", err)
		}
		var step models.TrajectoryStep
		if err := json.Unmarshal(blob, &step); err != nil {
			s.log.Warn(ctx, "skipping unreadable trajectory record",
				"task_id", taskID, "error", err)
			continue
		}
		out = append(out, step)
	}
	return out, rows.Err()
}

// SaveState upserts one component's learned state as JSON.
func (s *Store) SaveState(ctx context.Context, key string, value any) error {
	blob, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal state %s: %w", key, err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO learning_state (key, value, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, blob, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("save state %s: %w", key, err)
	}
	return nil
}

// LoadState reads one component's learned state into out. A missing record
// returns ErrNoState; a record that no longer unmarshals is an error the
// caller treats as a cold start.
func (s *Store) LoadState(ctx context.Context, key string, out any) error {
	var blob []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM learning_state WHERE key = ?`, key).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNoState
	}
	if err != nil {
		return fmt.Errorf("load state %s: %w", key, err)
	}
	if err := json.Unmarshal(blob, out); err != nil {
		return fmt.Errorf("corrupt state %s: %w", key, err)
	}
	return nil
}

// PruneTrajectory deletes records older than the cutoff, returning how many
// rows went away.
func (s *Store) PruneTrajectory(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM trajectory WHERE recorded_at < ?`,
		cutoff.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return 0, fmt.Errorf("prune trajectory: %w", err)
	}
	return res.RowsAffected()
}
