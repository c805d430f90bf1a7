// Package runstore persists pipeline runs, per-document outcomes and report
// artifacts in SQLite.
//
// The database is opened with the production-safe pragmas (WAL, foreign keys,
// busy timeout) applied via EXEC so they work with any driver; callers
// blank-import modernc.org/sqlite. Writes retry on SQLITE_BUSY.
package runstore

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// Open opens the registry database at path, creating parent directories.
func Open(path string) (*sql.DB, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("runstore: mkdir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("runstore: open: %w", err)
	}
	for _, pragma := range []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 10000",
		"PRAGMA synchronous = NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("runstore: %s: %w", pragma, err)
		}
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("runstore: ping: %w", err)
	}
	return db, nil
}

// OpenMemory opens an in-memory registry for tests. MaxOpenConns(1) keeps
// every query on the same in-memory database.
func OpenMemory(t testing.TB) *sql.DB {
	t.Helper()
	db, err := Open(":memory:")
	if err != nil {
		t.Fatalf("runstore.OpenMemory: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	return db
}

const schemaSQL = `
CREATE TABLE IF NOT EXISTS runs (
	run_id          TEXT PRIMARY KEY,
	status          TEXT NOT NULL,
	schema_name     TEXT NOT NULL DEFAULT '',
	group_by        TEXT NOT NULL DEFAULT '',
	format          TEXT NOT NULL DEFAULT '',
	error           TEXT NOT NULL DEFAULT '',
	artifact_path   TEXT NOT NULL DEFAULT '',
	artifact_hash   TEXT NOT NULL DEFAULT '',
	artifact_size   INTEGER NOT NULL DEFAULT 0,
	created_at      INTEGER NOT NULL,
	finished_at     INTEGER
);

CREATE TABLE IF NOT EXISTS run_documents (
	run_id   TEXT NOT NULL REFERENCES runs(run_id) ON DELETE CASCADE,
	doc_id   TEXT NOT NULL,
	name     TEXT NOT NULL DEFAULT '',
	format   TEXT NOT NULL DEFAULT '',
	outcome  TEXT NOT NULL,
	reason   TEXT NOT NULL DEFAULT '',
	records  INTEGER NOT NULL DEFAULT 0,
	issues   INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (run_id, doc_id)
);

CREATE INDEX IF NOT EXISTS idx_runs_created ON runs(created_at DESC);
`

// Store is the run registry.
type Store struct {
	db *sql.DB
}

// NewStore wraps an open database.
func NewStore(db *sql.DB) *Store { return &Store{db: db} }

// Init creates the schema.
func (s *Store) Init(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("runstore: init: %w", err)
	}
	return nil
}

// Run is one pipeline run as persisted.
type Run struct {
	ID           string     `json:"run_id"`
	Status       string     `json:"status"` // running, succeeded, partial, failed
	SchemaName   string     `json:"schema"`
	GroupBy      string     `json:"group_by"`
	Format       string     `json:"format"`
	Error        string     `json:"error,omitempty"`
	ArtifactPath string     `json:"artifact_path,omitempty"`
	ArtifactHash string     `json:"artifact_hash,omitempty"`
	ArtifactSize int64      `json:"artifact_size,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	FinishedAt   *time.Time `json:"finished_at,omitempty"`
}

// DocumentStatus is one document's outcome within a run.
type DocumentStatus struct {
	RunID   string `json:"-"`
	DocID   string `json:"doc_id"`
	Name    string `json:"name"`
	Format  string `json:"format"`
	Outcome string `json:"outcome"` // ok, partial, failed
	Reason  string `json:"reason,omitempty"`
	Records int    `json:"records"`
	Issues  int    `json:"issues"`
}

// CreateRun inserts a run in status "running".
func (s *Store) CreateRun(ctx context.Context, r *Run) error {
	_, err := execRetry(ctx, s.db, `
		INSERT INTO runs (run_id, status, schema_name, group_by, format, created_at)
		VALUES (?, 'running', ?, ?, ?, ?)`,
		r.ID, r.SchemaName, r.GroupBy, r.Format, r.CreatedAt.Unix())
	if err != nil {
		return fmt.Errorf("runstore: create run: %w", err)
	}
	return nil
}

// FinishRun records the terminal state of a run.
func (s *Store) FinishRun(ctx context.Context, r *Run) error {
	var finished int64
	if r.FinishedAt != nil {
		finished = r.FinishedAt.Unix()
	} else {
		finished = time.Now().Unix()
	}
	_, err := execRetry(ctx, s.db, `
		UPDATE runs SET status = ?, error = ?, schema_name = ?,
			artifact_path = ?, artifact_hash = ?, artifact_size = ?,
			finished_at = ?
		WHERE run_id = ?`,
		r.Status, r.Error, r.SchemaName,
		r.ArtifactPath, r.ArtifactHash, r.ArtifactSize,
		finished, r.ID)
	if err != nil {
		return fmt.Errorf("runstore: finish run: %w", err)
	}
	return nil
}

// PutDocuments records per-document outcomes for a run.
func (s *Store) PutDocuments(ctx context.Context, runID string, docs []DocumentStatus) error {
	return runTx(ctx, s.db, func(tx *sql.Tx) error {
		for _, d := range docs {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO run_documents (run_id, doc_id, name, format, outcome, reason, records, issues)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?)
				ON CONFLICT (run_id, doc_id) DO UPDATE SET
					outcome = excluded.outcome, reason = excluded.reason,
					records = excluded.records, issues = excluded.issues`,
				runID, d.DocID, d.Name, d.Format, d.Outcome, d.Reason, d.Records, d.Issues)
			if err != nil {
				return fmt.Errorf("runstore: put document %s: %w", d.DocID, err)
			}
		}
		return nil
	})
}

// GetRun fetches a run and its document outcomes.
func (s *Store) GetRun(ctx context.Context, runID string) (*Run, []DocumentStatus, error) {
	var r Run
	var created, finished sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
		SELECT run_id, status, schema_name, group_by, format, error,
			artifact_path, artifact_hash, artifact_size, created_at, finished_at
		FROM runs WHERE run_id = ?`, runID).
		Scan(&r.ID, &r.Status, &r.SchemaName, &r.GroupBy, &r.Format, &r.Error,
			&r.ArtifactPath, &r.ArtifactHash, &r.ArtifactSize, &created, &finished)
	if err != nil {
		return nil, nil, fmt.Errorf("runstore: get run %s: %w", runID, err)
	}
	if created.Valid {
		r.CreatedAt = time.Unix(created.Int64, 0).UTC()
	}
	if finished.Valid {
		t := time.Unix(finished.Int64, 0).UTC()
		r.FinishedAt = &t
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT doc_id, name, format, outcome, reason, records, issues
		FROM run_documents WHERE run_id = ? ORDER BY doc_id`, runID)
	if err != nil {
		return nil, nil, fmt.Errorf("runstore: run documents %s: %w", runID, err)
	}
	defer rows.Close()

	var docs []DocumentStatus
	for rows.Next() {
		d := DocumentStatus{RunID: runID}
		if err := rows.Scan(&d.DocID, &d.Name, &d.Format, &d.Outcome, &d.Reason, &d.Records, &d.Issues); err != nil {
			return nil, nil, fmt.Errorf("runstore: scan document: %w", err)
		}
		docs = append(docs, d)
	}
	return &r, docs, rows.Err()
}

// ListRuns returns the most recent runs, newest first.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, status, schema_name, group_by, format, error,
			artifact_path, artifact_hash, artifact_size, created_at, finished_at
		FROM runs ORDER BY created_at DESC, run_id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("runstore: list runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var r Run
		var created, finished sql.NullInt64
		if err := rows.Scan(&r.ID, &r.Status, &r.SchemaName, &r.GroupBy, &r.Format, &r.Error,
			&r.ArtifactPath, &r.ArtifactHash, &r.ArtifactSize, &created, &finished); err != nil {
			return nil, fmt.Errorf("runstore: scan run: %w", err)
		}
		if created.Valid {
			r.CreatedAt = time.Unix(created.Int64, 0).UTC()
		}
		if finished.Valid {
			t := time.Unix(finished.Int64, 0).UTC()
			r.FinishedAt = &t
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// Ping verifies the registry is reachable, for liveness checks.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

const maxRetries = 3

// isBusy reports whether err is an SQLITE_BUSY condition.
func isBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") ||
		strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked")
}

func execRetry(ctx context.Context, db *sql.DB, query string, args ...any) (sql.Result, error) {
	var lastErr error
	for i := range maxRetries {
		res, err := db.ExecContext(ctx, query, args...)
		if err == nil {
			return res, nil
		}
		lastErr = err
		if !isBusy(err) {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Duration(100*(i+1)) * time.Millisecond):
		}
	}
	return nil, lastErr
}

func runTx(ctx context.Context, db *sql.DB, fn func(*sql.Tx) error) error {
	var lastErr error
	for i := range maxRetries {
		err := func() error {
			tx, err := db.BeginTx(ctx, nil)
			if err != nil {
				return fmt.Errorf("begin tx: %w", err)
			}
			if err := fn(tx); err != nil {
				tx.Rollback()
				return err
			}
			return tx.Commit()
		}()
		if err == nil {
			return nil
		}
		lastErr = err
		if !isBusy(err) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(100*(i+1)) * time.Millisecond):
		}
	}
	return lastErr
}
