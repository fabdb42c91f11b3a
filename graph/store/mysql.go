package store

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "github.com/go-sql-driver/mysql"
)

// MySQLStore keeps pass history in MySQL or MariaDB so several processes
// can share it.
//
// Schema:
//   - evaluation_passes: one row per (run_id, pass), node outcomes as JSON
type MySQLStore struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool
}

// NewMySQLStore connects with dsn and creates the schema if needed.
//
// DSN format:
//
//	[username[:password]@][protocol[(address)]]/dbname[?param1=value1&...]
//
// Never hardcode credentials; read the DSN from the environment:
//
//	st, err := store.NewMySQLStore(os.Getenv("MYSQL_DSN"))
func NewMySQLStore(dsn string) (*MySQLStore, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open MySQL connection: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(10 * time.Minute)

	ctx := context.Background()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping MySQL: %w", err)
	}

	m := &MySQLStore{db: db}
	if err := m.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return m, nil
}

func (m *MySQLStore) createTables(ctx context.Context) error {
	passesTable := `
		CREATE TABLE IF NOT EXISTS evaluation_passes (
			id BIGINT AUTO_INCREMENT PRIMARY KEY,
			run_id VARCHAR(255) NOT NULL,
			pass INT NOT NULL,
			started_at_ns BIGINT NOT NULL,
			duration_ns BIGINT NOT NULL,
			aborted BOOLEAN NOT NULL DEFAULT FALSE,
			error TEXT NOT NULL,
			nodes JSON NOT NULL,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			INDEX idx_run_id (run_id),
			UNIQUE KEY unique_run_pass (run_id, pass)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci
	`
	if _, err := m.db.ExecContext(ctx, passesTable); err != nil {
		return fmt.Errorf("failed to create evaluation_passes table: %w", err)
	}
	return nil
}

func (m *MySQLStore) checkOpen() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return ErrClosed
	}
	return nil
}

// SavePass implements Store.
func (m *MySQLStore) SavePass(ctx context.Context, rec Record) error {
	if err := m.checkOpen(); err != nil {
		return err
	}

	args, err := passArgs(rec)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO evaluation_passes (` + passColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE
			started_at_ns = VALUES(started_at_ns),
			duration_ns = VALUES(duration_ns),
			aborted = VALUES(aborted),
			error = VALUES(error),
			nodes = VALUES(nodes)
	`
	if _, err := m.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to save pass: %w", err)
	}
	return nil
}

// LoadPasses implements Store.
func (m *MySQLStore) LoadPasses(ctx context.Context, runID string) ([]Record, error) {
	if err := m.checkOpen(); err != nil {
		return nil, err
	}

	query := `SELECT ` + passColumns + ` FROM evaluation_passes WHERE run_id = ? ORDER BY pass ASC`
	rows, err := m.db.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to load passes: %w", err)
	}
	return scanPasses(rows)
}

// LatestPass implements Store.
func (m *MySQLStore) LatestPass(ctx context.Context, runID string) (Record, error) {
	if err := m.checkOpen(); err != nil {
		return Record{}, err
	}

	query := `SELECT ` + passColumns + ` FROM evaluation_passes WHERE run_id = ? ORDER BY pass DESC LIMIT 1`
	rows, err := m.db.QueryContext(ctx, query, runID)
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
func (m *MySQLStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	return m.db.Close()
}

// Stats returns connection pool statistics.
func (m *MySQLStore) Stats() sql.DBStats {
	return m.db.Stats()
}
