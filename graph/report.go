package graph

import (
	"time"

	"github.com/dshills/dataflow-go/graph/store"
)

// Status is the outcome of one node in one evaluation pass.
type Status string

const (
	// StatusRan means Run returned nil.
	StatusRan Status = "ran"
	// StatusFailed means Run returned an error or panicked.
	StatusFailed Status = "failed"
	// StatusSkippedDisabled means the node is invalid but disabled.
	StatusSkippedDisabled Status = "skipped_disabled"
	// StatusSkippedAbort means an earlier failure aborted the pass.
	StatusSkippedAbort Status = "skipped_abort"
	// StatusUpToDate means the node was already valid.
	StatusUpToDate Status = "up_to_date"
	// StatusRemoved means the node was removed while the pass was running.
	StatusRemoved Status = "removed"
)

// NodeOutcome records what happened to one node during a pass.
type NodeOutcome struct {
	ID       NodeID
	Name     string
	Status   Status
	Duration time.Duration
	Err      *ProcessorError
}

// PassReport aggregates the per-node outcomes of one evaluation pass.
type PassReport struct {
	RunID     string
	Pass      int
	StartedAt time.Time
	Duration  time.Duration

	// Order is the evaluation order the pass followed.
	Order []NodeID

	// Nodes holds one outcome per node in Order.
	Nodes []NodeOutcome

	// Aborted is set when the exception handler stopped the pass.
	Aborted bool

	// Err is a *ConfigError when no order could be computed. No node ran.
	Err error
}

// Ran returns the nodes whose Run succeeded, in execution order.
func (r *PassReport) Ran() []NodeID {
	return r.with(StatusRan)
}

// Failed returns the nodes whose Run failed, in execution order.
func (r *PassReport) Failed() []NodeID {
	return r.with(StatusFailed)
}

// Executed returns every node whose Run was called, in execution order.
func (r *PassReport) Executed() []NodeID {
	var ids []NodeID
	for _, o := range r.Nodes {
		if o.Status == StatusRan || o.Status == StatusFailed {
			ids = append(ids, o.ID)
		}
	}
	return ids
}

// Outcome returns the outcome recorded for id.
func (r *PassReport) Outcome(id NodeID) (NodeOutcome, bool) {
	for _, o := range r.Nodes {
		if o.ID == id {
			return o, true
		}
	}
	return NodeOutcome{}, false
}

func (r *PassReport) with(s Status) []NodeID {
	var ids []NodeID
	for _, o := range r.Nodes {
		if o.Status == s {
			ids = append(ids, o.ID)
		}
	}
	return ids
}

// record converts the report to its persisted form.
func (r *PassReport) record() store.Record {
	rec := store.Record{
		RunID:     r.RunID,
		Pass:      r.Pass,
		StartedAt: r.StartedAt,
		Duration:  r.Duration,
		Aborted:   r.Aborted,
		Nodes:     make([]store.NodeRecord, 0, len(r.Nodes)),
	}
	if r.Err != nil {
		rec.Error = r.Err.Error()
	}
	for _, o := range r.Nodes {
		nr := store.NodeRecord{
			ID:       int(o.ID),
			Name:     o.Name,
			Status:   string(o.Status),
			Duration: o.Duration,
		}
		if o.Err != nil {
			nr.Error = o.Err.Message
		}
		rec.Nodes = append(rec.Nodes, nr)
	}
	return rec
}
