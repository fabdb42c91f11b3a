package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	_ "modernc.org/sqlite"
)

// SQLiteStore keeps pass history in a single-file SQLite database.
//
// It uses WAL mode so readers are not blocked by the evaluator writing
// reports. The schema is created on first use:
//
//   - evaluation_passes: one row per (run_id, pass), node outcomes as JSON
type SQLiteStore struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool
	path   string
}

// NewSQLiteStore opens or creates the database at path.
// Use ":memory:" for a throwaway database.
//
// Example:
//
//	st, err := store.NewSQLiteStore("./passes.db")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer st.Close()
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite connection: %w", err)
	}

	db.SetMaxOpenConns(1) // SQLite supports one writer at a time
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	ctx := context.Background()
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", p, err)
		}
	}

	s := &SQLiteStore{db: db, path: path}
	if err := s.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) createTables(ctx context.Context) error {
	passesTable := `
		CREATE TABLE IF NOT EXISTS evaluation_passes (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL,
			pass INTEGER NOT NULL,
			started_at_ns INTEGER NOT NULL,
			duration_ns INTEGER NOT NULL,
			aborted INTEGER NOT NULL DEFAULT 0,
			error TEXT NOT NULL DEFAULT '',
			nodes TEXT NOT NULL,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			UNIQUE(run_id, pass)
		)
	`
	if _, err := s.db.ExecContext(ctx, passesTable); err != nil {
		return fmt.Errorf("failed to create evaluation_passes table: %w", err)
	}

	index := `CREATE INDEX IF NOT EXISTS idx_passes_run ON evaluation_passes(run_id)`
	if _, err := s.db.ExecContext(ctx, index); err != nil {
		return fmt.Errorf("failed to create run index: %w", err)
	}
	return nil
}

func (s *SQLiteStore) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	return nil
}

// SavePass implements Store.
func (s *SQLiteStore) SavePass(ctx context.Context, rec Record) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	args, err := passArgs(rec)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO evaluation_passes (` + passColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id, pass) DO UPDATE SET
			started_at_ns = excluded.started_at_ns,
			duration_ns = excluded.duration_ns,
			aborted = excluded.aborted,
			error = excluded.error,
			nodes = excluded.nodes
	`
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to save pass: %w", err)
	}
	return nil
}

// LoadPasses implements Store.
func (s *SQLiteStore) LoadPasses(ctx context.Context, runID string) ([]Record, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	query := `SELECT ` + passColumns + ` FROM evaluation_passes WHERE run_id = ? ORDER BY pass ASC`
	rows, err := s.db.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to load passes: %w", err)
	}
	return scanPasses(rows)
}

// LatestPass implements Store.
func (s *SQLiteStore) LatestPass(ctx context.Context, runID string) (Record, error) {
	if err := s.checkOpen(); err != nil {
		return Record{}, err
	}

	query := `SELECT ` + passColumns + ` FROM evaluation_passes WHERE run_id = ? ORDER BY pass DESC LIMIT 1`
	rows, err := s.db.QueryContext(ctx, query, runID)
	if err != nil {
		return Record{}, fmt.Errorf("failed to load latest pass: %w", err)
	}
	recs, err := scanPasses(rows)
	if err != nil {
		return Record{}, err
	}
	if len(recs) == 0 {
		return Record{}, ErrNotFound
	}
	return recs[0], nil
}

// Close implements Store.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

// Ping verifies the database connection is alive.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if err := s.db.PingContext(ctx); err != nil {
		return errors.Join(errors.New("sqlite ping failed"), err)
	}
	return nil
}

// Path returns the database file path.
func (s *SQLiteStore) Path() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.path
}
