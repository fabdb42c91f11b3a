// Package store persists evaluation pass history.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when a run has no recorded passes.
var ErrNotFound = errors.New("not found")

// ErrClosed is returned by operations on a closed store.
var ErrClosed = errors.New("store is closed")

// Record is the persisted form of one evaluation pass.
type Record struct {
	RunID     string        `json:"run_id"`
	Pass      int           `json:"pass"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
	Aborted   bool          `json:"aborted"`

	// Error holds the configuration error that prevented the pass, if any.
	Error string `json:"error,omitempty"`

	Nodes []NodeRecord `json:"nodes"`
}

// NodeRecord is the persisted outcome of one node in a pass.
type NodeRecord struct {
	ID       int           `json:"id"`
	Name     string        `json:"name"`
	Status   string        `json:"status"`
	Duration time.Duration `json:"duration"`
	Error    string        `json:"error,omitempty"`
}

// Store records pass history.
//
// Implementations:
//   - MemStore: in-process history for tests and short-lived tools
//   - SQLiteStore: single-file history for local runs
//   - MySQLStore: shared history for long-running deployments
type Store interface {
	// SavePass persists rec. Saving the same RunID and Pass again replaces
	// the earlier record.
	SavePass(ctx context.Context, rec Record) error

	// LoadPasses returns every pass of a run ordered by pass number.
	// A run without passes yields an empty slice.
	LoadPasses(ctx context.Context, runID string) ([]Record, error)

	// LatestPass returns the highest-numbered pass of a run, or ErrNotFound.
	LatestPass(ctx context.Context, runID string) (Record, error)

	// Close releases resources. Calling Close more than once is a no-op.
	Close() error
}

// passColumns is the column list shared by the SQL stores.
const passColumns = "run_id, pass, started_at_ns, duration_ns, aborted, error, nodes"

// passArgs flattens rec into query arguments matching passColumns.
func passArgs(rec Record) ([]any, error) {
	nodes := rec.Nodes
	if nodes == nil {
		nodes = []NodeRecord{}
	}
	nodesJSON, err := json.Marshal(nodes)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal node records: %w", err)
	}
	return []any{
		rec.RunID,
		rec.Pass,
		rec.StartedAt.UnixNano(),
		int64(rec.Duration),
		rec.Aborted,
		rec.Error,
		string(nodesJSON),
	}, nil
}

// scanPasses reads rows selected with passColumns.
func scanPasses(rows *sql.Rows) ([]Record, error) {
	defer rows.Close()

	recs := []Record{}
	for rows.Next() {
		var (
			rec       Record
			startedNS int64
			duration  int64
			nodesJSON string
		)
		if err := rows.Scan(&rec.RunID, &rec.Pass, &startedNS, &duration, &rec.Aborted, &rec.Error, &nodesJSON); err != nil {
			return nil, fmt.Errorf("failed to scan pass: %w", err)
		}
		rec.StartedAt = time.Unix(0, startedNS).UTC()
		rec.Duration = time.Duration(duration)
		if err := json.Unmarshal([]byte(nodesJSON), &rec.Nodes); err != nil {
			return nil, fmt.Errorf("failed to unmarshal node records: %w", err)
		}
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read passes: %w", err)
	}
	return recs, nil
}
