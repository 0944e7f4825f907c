// Package history records finished runs in a local sqlite database.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Run is one finished invocation of the runner.
type Run struct {
	ID         string
	Backend    string
	Model      string
	Workers    int
	Iterations int
	Passes     int
	StartedAt  time.Time
	Duration   time.Duration
	// Error is empty for a successful run.
	Error       string
	WorkerStats []WorkerStat
}

// WorkerStat is one worker's share of a run.
type WorkerStat struct {
	WorkerID int
	Passes   int
	Duration time.Duration
}

type Store struct {
	db *sql.DB
}

func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open history db: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(5 * time.Minute)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to migrate history db: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
CREATE TABLE IF NOT EXISTS runs (
  run_id TEXT PRIMARY KEY,
  backend TEXT NOT NULL,
  model TEXT NOT NULL,
  workers INTEGER NOT NULL,
  iterations INTEGER NOT NULL,
  passes INTEGER NOT NULL,
  started_at DATETIME NOT NULL,
  duration_ms INTEGER NOT NULL,
  error TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS worker_stats (
  run_id TEXT NOT NULL REFERENCES runs(run_id),
  worker_id INTEGER NOT NULL,
  passes INTEGER NOT NULL,
  duration_ms INTEGER NOT NULL,
  PRIMARY KEY (run_id, worker_id)
);
`)
	return err
}

// Record stores r and its worker stats in one transaction.
func (s *Store) Record(ctx context.Context, r Run) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
INSERT INTO runs(run_id, backend, model, workers, iterations, passes, started_at, duration_ms, error)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?);
`, r.ID, r.Backend, r.Model, r.Workers, r.Iterations, r.Passes, r.StartedAt.UTC(), r.Duration.Milliseconds(), r.Error)
	if err != nil {
		return fmt.Errorf("failed to insert run %s: %w", r.ID, err)
	}

	for _, w := range r.WorkerStats {
		_, err = tx.ExecContext(ctx, `
INSERT INTO worker_stats(run_id, worker_id, passes, duration_ms) VALUES(?, ?, ?, ?);
`, r.ID, w.WorkerID, w.Passes, w.Duration.Milliseconds())
		if err != nil {
			return fmt.Errorf("failed to insert worker %d of run %s: %w", w.WorkerID, r.ID, err)
		}
	}
	return tx.Commit()
}

// Recent returns up to limit runs, newest first, with their worker stats.
func (s *Store) Recent(ctx context.Context, limit int) ([]Run, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT run_id, backend, model, workers, iterations, passes, started_at, duration_ms, error
FROM runs ORDER BY started_at DESC LIMIT ?;
`, limit)
	if err != nil {
		return nil, err
	}

	var runs []Run
	for rows.Next() {
		var r Run
		var durMS int64
		if err := rows.Scan(&r.ID, &r.Backend, &r.Model, &r.Workers, &r.Iterations, &r.Passes, &r.StartedAt, &durMS, &r.Error); err != nil {
			rows.Close()
			return nil, err
		}
		r.Duration = time.Duration(durMS) * time.Millisecond
		runs = append(runs, r)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	for i := range runs {
		stats, err := s.workerStats(ctx, runs[i].ID)
		if err != nil {
			return nil, err
		}
		runs[i].WorkerStats = stats
	}
	return runs, nil
}

func (s *Store) workerStats(ctx context.Context, runID string) ([]WorkerStat, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT worker_id, passes, duration_ms FROM worker_stats WHERE run_id=? ORDER BY worker_id;
`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []WorkerStat
	for rows.Next() {
		var w WorkerStat
		var durMS int64
		if err := rows.Scan(&w.WorkerID, &w.Passes, &durMS); err != nil {
			return nil, err
		}
		w.Duration = time.Duration(durMS) * time.Millisecond
		out = append(out, w)
	}
	return out, rows.Err()
}
