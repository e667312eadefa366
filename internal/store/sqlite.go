package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/fyrsmithlabs/gated/internal/validation"
)

// SQLite is the durable validation.Store backing the daemon.
type SQLite struct {
	db *sql.DB
}

// NewSQLite opens (or creates) the database at path and migrates the
// schema.
func NewSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	s := &SQLite{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate sqlite: %w", err)
	}
	return s, nil
}

func (s *SQLite) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		status TEXT NOT NULL,
		current_gate INTEGER NOT NULL DEFAULT 0,
		data TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS validator_results (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL,
		gate INTEGER NOT NULL,
		validator_code TEXT NOT NULL,
		status TEXT NOT NULL,
		data TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		FOREIGN KEY (run_id) REFERENCES runs(id)
	);

	CREATE TABLE IF NOT EXISTS gate_results (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL,
		gate INTEGER NOT NULL,
		status TEXT NOT NULL,
		data TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		FOREIGN KEY (run_id) REFERENCES runs(id)
	);

	CREATE TABLE IF NOT EXISTS config (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		active INTEGER NOT NULL DEFAULT 1
	);

	CREATE TABLE IF NOT EXISTS watch_lists (
		kind TEXT NOT NULL,
		entry TEXT NOT NULL,
		active INTEGER NOT NULL DEFAULT 1,
		PRIMARY KEY (kind, entry)
	);

	CREATE INDEX IF NOT EXISTS idx_validator_results_run ON validator_results(run_id, gate);
	CREATE INDEX IF NOT EXISTS idx_gate_results_run ON gate_results(run_id, gate);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close releases the database handle.
func (s *SQLite) Close() error {
	return s.db.Close()
}

func (s *SQLite) CreateRun(ctx context.Context, run *validation.Run) error {
	now := time.Now().UTC()
	run.CreatedAt = now
	run.UpdatedAt = now

	data, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("marshal run: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO runs (id, status, current_gate, data, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, run.ID, string(run.Status), run.CurrentGate, string(data), now, now)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

func (s *SQLite) GetRun(ctx context.Context, id string) (*validation.Run, error) {
	var data string
	err := s.db.QueryRowContext(ctx, "SELECT data FROM runs WHERE id = ?", id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query run: %w", err)
	}
	var run validation.Run
	if err := json.Unmarshal([]byte(data), &run); err != nil {
		return nil, fmt.Errorf("unmarshal run: %w", err)
	}
	return &run, nil
}

func (s *SQLite) UpdateRunStatus(ctx context.Context, id string, status validation.RunStatus, currentGate int) error {
	return s.updateRun(ctx, id, func(run *validation.Run) {
		run.Status = status
		run.CurrentGate = currentGate
	})
}

func (s *SQLite) UpdateRunTestFile(ctx context.Context, id, path string) error {
	return s.updateRun(ctx, id, func(run *validation.Run) {
		run.TestFilePath = path
	})
}

func (s *SQLite) updateRun(ctx context.Context, id string, mutate func(*validation.Run)) error {
	run, err := s.GetRun(ctx, id)
	if err != nil {
		return err
	}
	mutate(run)
	run.UpdatedAt = time.Now().UTC()

	data, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("marshal run: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		UPDATE runs SET status = ?, current_gate = ?, data = ?, updated_at = ? WHERE id = ?
	`, string(run.Status), run.CurrentGate, string(data), run.UpdatedAt, id)
	if err != nil {
		return fmt.Errorf("update run: %w", err)
	}
	return nil
}

func (s *SQLite) AppendValidatorResult(ctx context.Context, runID string, gate int, result validation.Result) error {
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal validator result: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO validator_results (run_id, gate, validator_code, status, data, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, runID, gate, result.ValidatorCode, string(result.Status), string(data), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("insert validator result: %w", err)
	}
	return nil
}

func (s *SQLite) AppendGateResult(ctx context.Context, runID string, result validation.GateResult) error {
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal gate result: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO gate_results (run_id, gate, status, data, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, runID, result.GateNumber, string(result.Status), string(data), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("insert gate result: %w", err)
	}
	return nil
}

func (s *SQLite) DeleteResultsFromGate(ctx context.Context, runID string, gate int) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		"DELETE FROM validator_results WHERE run_id = ? AND gate >= ?", runID, gate); err != nil {
		return fmt.Errorf("delete validator results: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		"DELETE FROM gate_results WHERE run_id = ? AND gate >= ?", runID, gate); err != nil {
		return fmt.Errorf("delete gate results: %w", err)
	}
	return tx.Commit()
}

func (s *SQLite) ConfigValue(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx,
		"SELECT value FROM config WHERE key = ? AND active = 1", key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("query config: %w", err)
	}
	return value, true, nil
}

// SetConfig upserts an active configuration value.
func (s *SQLite) SetConfig(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO config (key, value, active) VALUES (?, ?, 1)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, active = 1
	`, key, value)
	return err
}

func (s *SQLite) SensitiveFilePatterns(ctx context.Context) ([]string, error) {
	return s.watchList(ctx, "sensitive_file")
}

func (s *SQLite) AmbiguousTerms(ctx context.Context) ([]string, error) {
	return s.watchList(ctx, "ambiguous_term")
}

// AddWatchEntry adds an active entry to one of the watch lists.
func (s *SQLite) AddWatchEntry(ctx context.Context, kind, entry string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO watch_lists (kind, entry, active) VALUES (?, ?, 1)
		ON CONFLICT(kind, entry) DO UPDATE SET active = 1
	`, kind, entry)
	return err
}

func (s *SQLite) watchList(ctx context.Context, kind string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT entry FROM watch_lists WHERE kind = ? AND active = 1 ORDER BY entry", kind)
	if err != nil {
		return nil, fmt.Errorf("query watch list %s: %w", kind, err)
	}
	defer rows.Close()

	var entries []string
	for rows.Next() {
		var entry string
		if err := rows.Scan(&entry); err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

var _ validation.Store = (*SQLite)(nil)
