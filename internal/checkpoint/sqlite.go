package checkpoint

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dschulmeist/slide2anki/internal/dedupe"
	"github.com/dschulmeist/slide2anki/internal/logging"

	_ "modernc.org/sqlite"
)

// SQLiteStore persists runs and checkpoints in a single SQLite file.
// The connection pool is pinned to one connection; WAL mode and a busy
// timeout keep concurrent runs from tripping over each other.
type SQLiteStore struct {
	db   *sql.DB
	path string
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore opens (creating if needed) the database at path and
// applies migrations.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	timer := logging.StartTimer(logging.CategoryCheckpoint, "NewSQLiteStore")
	defer timer.Stop()

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create store directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		logging.Get(logging.CategoryCheckpoint).Debugf("set busy_timeout: %v", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		logging.Get(logging.CategoryCheckpoint).Debugf("set journal_mode: %v", err)
	}

	s := &SQLiteStore{db: db, path: path}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	logging.Checkpoint("sqlite store ready at %s", path)
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			status TEXT NOT NULL,
			last_error TEXT NOT NULL DEFAULT '',
			latest_seq INTEGER NOT NULL DEFAULT -1,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS checkpoints (
			run_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			node_name TEXT NOT NULL,
			state BLOB NOT NULL,
			created_at INTEGER NOT NULL,
			PRIMARY KEY (run_id, seq)
		)`,
		`CREATE TABLE IF NOT EXISTS canonical_units (
			run_id TEXT PRIMARY KEY,
			payload BLOB NOT NULL,
			created_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_checkpoints_run ON checkpoints(run_id, seq)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// PutCheckpoint appends one snapshot; rewriting a sequence is an error.
func (s *SQLiteStore) PutCheckpoint(ctx context.Context, runID string, seq int, nodeName string, state []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO checkpoints (run_id, seq, node_name, state, created_at) VALUES (?, ?, ?, ?, ?)`,
		runID, seq, nodeName, state, time.Now().UnixMilli())
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: run %s seq %d", ErrDuplicateSeq, runID, seq)
		}
		return fmt.Errorf("put checkpoint: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`UPDATE runs SET latest_seq = MAX(latest_seq, ?), updated_at = ? WHERE id = ?`,
		seq, time.Now().UnixMilli(), runID)
	if err != nil {
		return fmt.Errorf("update run latest_seq: %w", err)
	}
	logging.Checkpoint("run %s checkpoint %d (%s), %d bytes", runID, seq, nodeName, len(state))
	return nil
}

// LatestCheckpoint returns the highest-sequence checkpoint for the run.
func (s *SQLiteStore) LatestCheckpoint(ctx context.Context, runID string) (*Checkpoint, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT run_id, seq, node_name, state, created_at FROM checkpoints
		 WHERE run_id = ? ORDER BY seq DESC LIMIT 1`, runID)
	cp, err := scanCheckpoint(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: run %s has no checkpoints", ErrNotFound, runID)
	}
	return cp, err
}

// ListCheckpoints returns every checkpoint for the run in sequence order.
func (s *SQLiteStore) ListCheckpoints(ctx context.Context, runID string) ([]Checkpoint, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, seq, node_name, state, created_at FROM checkpoints
		 WHERE run_id = ? ORDER BY seq ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	defer rows.Close()

	var out []Checkpoint
	for rows.Next() {
		cp, err := scanCheckpoint(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *cp)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCheckpoint(row rowScanner) (*Checkpoint, error) {
	var cp Checkpoint
	var createdAt int64
	if err := row.Scan(&cp.RunID, &cp.Seq, &cp.NodeName, &cp.State, &createdAt); err != nil {
		return nil, err
	}
	cp.CreatedAt = time.UnixMilli(createdAt)
	return &cp, nil
}

// PutRun upserts the run record.
func (s *SQLiteStore) PutRun(ctx context.Context, rec RunRecord) error {
	now := time.Now()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (id, status, last_error, latest_seq, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   status = excluded.status,
		   last_error = excluded.last_error,
		   latest_seq = MAX(runs.latest_seq, excluded.latest_seq),
		   updated_at = excluded.updated_at`,
		rec.ID, string(rec.Status), rec.LastError, rec.LatestSeq,
		rec.CreatedAt.UnixMilli(), now.UnixMilli())
	if err != nil {
		return fmt.Errorf("put run: %w", err)
	}
	return nil
}

// GetRun fetches one run record.
func (s *SQLiteStore) GetRun(ctx context.Context, runID string) (*RunRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, status, last_error, latest_seq, created_at, updated_at FROM runs WHERE id = ?`,
		runID)
	rec, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: run %s", ErrNotFound, runID)
	}
	return rec, err
}

// ListRuns returns all run records, newest first.
func (s *SQLiteStore) ListRuns(ctx context.Context) ([]RunRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, status, last_error, latest_seq, created_at, updated_at
		 FROM runs ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var out []RunRecord
	for rows.Next() {
		rec, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

func scanRun(row rowScanner) (*RunRecord, error) {
	var rec RunRecord
	var status string
	var createdAt, updatedAt int64
	if err := row.Scan(&rec.ID, &status, &rec.LastError, &rec.LatestSeq, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	rec.Status = RunStatus(status)
	rec.CreatedAt = time.UnixMilli(createdAt)
	rec.UpdatedAt = time.UnixMilli(updatedAt)
	return &rec, nil
}

// PutCanonicalUnits stores the final assembled output for the run.
func (s *SQLiteStore) PutCanonicalUnits(ctx context.Context, runID string, units []dedupe.CanonicalUnit) error {
	payload, err := json.Marshal(units)
	if err != nil {
		return fmt.Errorf("marshal canonical units: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO canonical_units (run_id, payload, created_at) VALUES (?, ?, ?)
		 ON CONFLICT(run_id) DO UPDATE SET payload = excluded.payload, created_at = excluded.created_at`,
		runID, payload, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("put canonical units: %w", err)
	}
	return nil
}

// CanonicalUnits fetches the final output of a run.
func (s *SQLiteStore) CanonicalUnits(ctx context.Context, runID string) ([]dedupe.CanonicalUnit, error) {
	var payload []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT payload FROM canonical_units WHERE run_id = ?`, runID).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: run %s has no canonical units", ErrNotFound, runID)
	}
	if err != nil {
		return nil, fmt.Errorf("get canonical units: %w", err)
	}
	var units []dedupe.CanonicalUnit
	if err := json.Unmarshal(payload, &units); err != nil {
		return nil, fmt.Errorf("unmarshal canonical units: %w", err)
	}
	return units, nil
}

// Close releases the database handle.
func (s *SQLiteStore) Close() error { return s.db.Close() }

func isUniqueViolation(err error) bool {
	// modernc.org/sqlite surfaces constraint failures in the message;
	// there is no portable errno to switch on through database/sql.
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
