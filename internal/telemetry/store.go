package telemetry

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"ensembled/internal/common/fsutil"
)

// Store persists recorder logs to SQLite for downstream reporting.
type Store struct {
	db *sql.DB
}

// OpenStore opens or creates a SQLite database at path and initializes the
// schema. Parent directories are created if they do not exist.
func OpenStore(path string) (*Store, error) {
	if err := fsutil.EnsureParentDir(path); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open telemetry db: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init telemetry schema: %w", err)
	}
	return &Store{db: db}, nil
}

func initSchema(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		run_id TEXT PRIMARY KEY,
		saved_at TIMESTAMP NOT NULL,
		overflow TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS lease_events (
		run_id TEXT NOT NULL,
		seq INTEGER NOT NULL,
		at TIMESTAMP NOT NULL,
		action TEXT NOT NULL,
		model TEXT NOT NULL,
		devices TEXT,
		snapshots TEXT,
		PRIMARY KEY (run_id, seq)
	);

	CREATE TABLE IF NOT EXISTS rotation_events (
		run_id TEXT NOT NULL,
		seq INTEGER NOT NULL,
		at TIMESTAMP NOT NULL,
		kind TEXT NOT NULL,
		model TEXT,
		status TEXT NOT NULL,
		detail TEXT,
		PRIMARY KEY (run_id, seq)
	);

	CREATE TABLE IF NOT EXISTS mitigation_events (
		run_id TEXT NOT NULL,
		seq INTEGER NOT NULL,
		at TIMESTAMP NOT NULL,
		model TEXT NOT NULL,
		reason TEXT NOT NULL,
		action TEXT NOT NULL,
		previous_batch INTEGER NOT NULL,
		new_batch INTEGER NOT NULL,
		total_batch INTEGER NOT NULL,
		companion INTEGER NOT NULL,
		device INTEGER NOT NULL,
		allocated_bytes INTEGER NOT NULL DEFAULT 0,
		free_bytes INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (run_id, seq)
	);

	CREATE TABLE IF NOT EXISTS batch_progress (
		run_id TEXT NOT NULL,
		seq INTEGER NOT NULL,
		at TIMESTAMP NOT NULL,
		model TEXT NOT NULL,
		device INTEGER NOT NULL,
		start_idx INTEGER NOT NULL,
		end_idx INTEGER NOT NULL,
		attempts INTEGER NOT NULL,
		batch_size INTEGER NOT NULL,
		final INTEGER NOT NULL DEFAULT 0,
		sample_ids TEXT,
		PRIMARY KEY (run_id, seq)
	);

	CREATE TABLE IF NOT EXISTS samples (
		run_id TEXT NOT NULL,
		seq INTEGER NOT NULL,
		at TIMESTAMP NOT NULL,
		payload TEXT NOT NULL,
		PRIMARY KEY (run_id, seq)
	);

	CREATE INDEX IF NOT EXISTS idx_batch_progress_model ON batch_progress(run_id, model);
	`
	_, err := db.Exec(schema)
	return err
}

// SaveRun writes every log of l in one transaction. Saving the same run
// twice replaces the earlier rows.
func (s *Store) SaveRun(ctx context.Context, l Log) error {
	if l.RunID == "" {
		return fmt.Errorf("save run: empty run id")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, table := range []string{"lease_events", "rotation_events", "mitigation_events", "batch_progress", "samples", "runs"} {
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+table+" WHERE run_id = ?", l.RunID); err != nil {
			return fmt.Errorf("clear %s: %w", table, err)
		}
	}

	overflow, err := json.Marshal(l.Overflow)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO runs (run_id, saved_at, overflow) VALUES (?, ?, ?)`,
		l.RunID, time.Now().UTC(), string(overflow)); err != nil {
		return fmt.Errorf("insert run: %w", err)
	}

	for _, e := range l.Leases {
		devices, _ := json.Marshal(e.Devices)
		snaps, _ := json.Marshal(e.Snapshots)
		if _, err := tx.ExecContext(ctx, `INSERT INTO lease_events (run_id, seq, at, action, model, devices, snapshots)
			VALUES (?, ?, ?, ?, ?, ?, ?)`, l.RunID, e.Seq, e.At.UTC(), string(e.Action), e.Model, string(devices), string(snaps)); err != nil {
			return fmt.Errorf("insert lease event: %w", err)
		}
	}
	for _, e := range l.Rotations {
		detail, _ := json.Marshal(e.Detail)
		if _, err := tx.ExecContext(ctx, `INSERT INTO rotation_events (run_id, seq, at, kind, model, status, detail)
			VALUES (?, ?, ?, ?, ?, ?, ?)`, l.RunID, e.Seq, e.At.UTC(), string(e.Kind), e.Model, string(e.Status), string(detail)); err != nil {
			return fmt.Errorf("insert rotation event: %w", err)
		}
	}
	for _, e := range l.Mitigations {
		if _, err := tx.ExecContext(ctx, `INSERT INTO mitigation_events
			(run_id, seq, at, model, reason, action, previous_batch, new_batch, total_batch, companion, device,
			allocated_bytes, free_bytes)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			l.RunID, e.Seq, e.At.UTC(), e.Model, e.Reason, e.Action, e.PreviousBatch, e.NewBatch, e.TotalBatch,
			boolInt(e.Companion), e.Device, int64(e.AllocatedBytes), int64(e.FreeBytes)); err != nil {
			return fmt.Errorf("insert mitigation event: %w", err)
		}
	}
	for _, e := range l.Batches {
		ids, _ := json.Marshal(e.SampleIDs)
		if _, err := tx.ExecContext(ctx, `INSERT INTO batch_progress
			(run_id, seq, at, model, device, start_idx, end_idx, attempts, batch_size, final, sample_ids)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			l.RunID, e.Seq, e.At.UTC(), e.Model, e.Device, e.Start, e.End, e.Attempts, e.BatchSize,
			boolInt(e.Final), string(ids)); err != nil {
			return fmt.Errorf("insert batch progress: %w", err)
		}
	}
	for _, smp := range l.Samples {
		payload, err := json.Marshal(smp)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO samples (run_id, seq, at, payload) VALUES (?, ?, ?, ?)`,
			l.RunID, smp.Seq, smp.At.UTC(), string(payload)); err != nil {
			return fmt.Errorf("insert sample: %w", err)
		}
	}
	return tx.Commit()
}

// EventCounts returns the number of stored rows per table for runID.
func (s *Store) EventCounts(ctx context.Context, runID string) (map[string]int, error) {
	out := make(map[string]int)
	for _, table := range []string{"lease_events", "rotation_events", "mitigation_events", "batch_progress", "samples"} {
		var n int
		if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table+" WHERE run_id = ?", runID).Scan(&n); err != nil {
			return nil, fmt.Errorf("count %s: %w", table, err)
		}
		out[table] = n
	}
	return out, nil
}

// Overflow loads the drop counters saved for runID.
func (s *Store) Overflow(ctx context.Context, runID string) (Overflow, error) {
	var raw string
	if err := s.db.QueryRowContext(ctx, "SELECT overflow FROM runs WHERE run_id = ?", runID).Scan(&raw); err != nil {
		return Overflow{}, fmt.Errorf("load run %s: %w", runID, err)
	}
	var o Overflow
	if err := json.Unmarshal([]byte(raw), &o); err != nil {
		return Overflow{}, err
	}
	return o, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }
