package graph

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/dshills/dataflow-go/graph/dispatch"
	"github.com/dshills/dataflow-go/graph/emit"
	"github.com/google/uuid"
)

// Evaluator decides when and in what order the nodes of a Network run.
//
// It listens to the network's events: topology changes mark the cached
// evaluation order dirty, invalidations and explicit requests schedule an
// evaluation pass. Requests are coalesced, so any number of changes made
// between two passes produce a single pass.
//
// The Evaluator and its Network belong to one owner goroutine, the one
// serving the mailbox through Run or RunPending. Other goroutines, such as
// pool workers finishing a job, hand work to that goroutine with Post.
// Every other method must be called from the owner goroutine.
//
// Example:
//
//	net := graph.NewNetwork()
//	src, _ := net.AddNode("src", source, graph.Ports{Outputs: []string{"out"}})
//	dst, _ := net.AddNode("dst", sink, graph.Ports{Inputs: []string{"in"}})
//
//	ev, err := graph.NewEvaluator(net, graph.WithLogger(logger))
//	if err != nil {
//	    return err
//	}
//	defer ev.Close()
//
//	_ = net.Connect(graph.Outport{Node: src, Name: "out"}, graph.Inport{Node: dst, Name: "in"})
//	go func() { _ = ev.Run(ctx) }()
type Evaluator struct {
	net    *Network
	cfg    evaluatorConfig
	logger *slog.Logger

	// mailbox is the only state shared with other goroutines.
	mu      sync.Mutex
	mailbox []func()
	wake    chan struct{}

	ctx context.Context

	dirty  bool
	order  []NodeID
	states map[NodeID]*evalState

	disabled   int
	pending    bool
	scheduled  bool
	evaluating bool
	current    NodeID
	closed     bool

	passes int
	last   *PassReport
	onPass dispatch.Dispatcher[*PassReport]
	sub    *dispatch.Handle
}

// NewEvaluator attaches a new evaluator to net. A network accepts a single
// evaluator until that evaluator is closed.
func NewEvaluator(net *Network, opts ...Option) (*Evaluator, error) {
	if net == nil {
		return nil, errors.New("network must not be nil")
	}
	if net.evaluator != nil {
		return nil, ErrEvaluatorAttached
	}

	var cfg evaluatorConfig
	for _, opt := range opts {
		if err := opt(&cfg); err != nil {
			return nil, fmt.Errorf("invalid option: %w", err)
		}
	}
	if cfg.logger == nil {
		cfg.logger = slog.Default()
	}
	if cfg.emitter == nil {
		cfg.emitter = emit.NewNullEmitter()
	}
	if cfg.handler == nil {
		cfg.handler = LogAndContinue(cfg.logger)
	}
	if cfg.runID == "" {
		cfg.runID = uuid.NewString()
	}

	e := &Evaluator{
		net:    net,
		cfg:    cfg,
		logger: cfg.logger.With(slog.String("run_id", cfg.runID)),
		wake:   make(chan struct{}, 1),
		ctx:    context.Background(),
		dirty:  true,
	}
	e.onPass.SetLogger(e.logger)
	net.events.SetLogger(e.logger)
	e.sub = net.events.Add(e.onNetworkEvent)
	net.evaluator = e
	return e, nil
}

// Close detaches the evaluator from its network. Pending and future
// requests are ignored. Close is idempotent.
func (e *Evaluator) Close() {
	if e.closed {
		return
	}
	e.closed = true
	e.sub.Remove()
	if e.net.evaluator == e {
		e.net.evaluator = nil
		e.net.events.SetLogger(nil)
	}
}

// Network returns the evaluated network.
func (e *Evaluator) Network() *Network { return e.net }

// RunID returns the identifier attached to reports, events and metrics.
func (e *Evaluator) RunID() string { return e.cfg.runID }

// Passes returns the number of evaluation passes started so far.
func (e *Evaluator) Passes() int { return e.passes }

// LastReport returns the report of the most recent pass, or nil.
func (e *Evaluator) LastReport() *PassReport { return e.last }

// OnPass returns the dispatcher invoked with every finished pass report.
func (e *Evaluator) OnPass() *dispatch.Dispatcher[*PassReport] { return &e.onPass }

// Dirty reports whether the cached evaluation order must be recomputed.
func (e *Evaluator) Dirty() bool { return e.dirty }

// TopologyUpdated marks the cached evaluation state stale. The order is
// recomputed by the next pass or the next call that needs it.
func (e *Evaluator) TopologyUpdated() {
	e.dirty = true
}

// RequestEvaluate asks for an evaluation pass. At most one pass is
// scheduled at a time; requests made while evaluation is disabled, the
// network is locked or a pass is running are remembered and served once
// by the next pass.
func (e *Evaluator) RequestEvaluate() {
	e.pending = true
	if e.scheduled || !e.canEvaluate() {
		return
	}
	e.scheduled = true
	e.Post(e.evaluatePending)
}

// DisableEvaluation holds back evaluation until the matching
// EnableEvaluation. Calls nest.
func (e *Evaluator) DisableEvaluation() {
	e.disabled++
}

// EnableEvaluation undoes one DisableEvaluation. When the last hold is
// released and a request arrived meanwhile, exactly one pass is scheduled.
func (e *Evaluator) EnableEvaluation() {
	if e.disabled == 0 {
		e.logger.Warn("EnableEvaluation called without matching DisableEvaluation")
		return
	}
	e.disabled--
	if e.disabled == 0 && e.pending {
		e.RequestEvaluate()
	}
}

// EvaluationDisabled reports whether a DisableEvaluation hold is active.
func (e *Evaluator) EvaluationDisabled() bool {
	return e.disabled > 0
}

// Order returns the current evaluation order, computing it if the cache is
// dirty.
func (e *Evaluator) Order() ([]NodeID, error) {
	if e.dirty {
		if err := e.determineProcessingOrder(); err != nil {
			return nil, err
		}
	}
	return slices.Clone(e.order), nil
}

func (e *Evaluator) canEvaluate() bool {
	return !e.closed && e.disabled == 0 && !e.evaluating && !e.net.Locked()
}

func (e *Evaluator) onNetworkEvent(ev NetworkEvent) {
	switch ev.Kind {
	case EventNodeAdded, EventNodeRemoved, EventConnected, EventDisconnected:
		e.TopologyUpdated()
	case EventInvalidationEnd:
		// Consumers of the running node come later in the order and run
		// in this pass.
		if e.evaluating && ev.Downstream && ev.Node == e.current {
			return
		}
		e.RequestEvaluate()
	case EventEvaluateRequest, EventUnlocked:
		e.RequestEvaluate()
	}
}

func (e *Evaluator) evaluatePending() {
	e.scheduled = false
	if !e.pending || !e.canEvaluate() {
		return
	}
	e.pending = false
	e.evaluate()
	if e.pending {
		e.RequestEvaluate()
	}
}

// evaluate runs one pass over the current order.
func (e *Evaluator) evaluate() *PassReport {
	e.evaluating = true
	defer func() {
		e.evaluating = false
		e.current = 0
	}()

	e.passes++
	report := &PassReport{
		RunID:     e.cfg.runID,
		Pass:      e.passes,
		StartedAt: time.Now(),
	}
	e.publish(emit.MsgPassStart, "", nil)

	if e.dirty {
		if err := e.determineProcessingOrder(); err != nil {
			report.Err = err
			e.logger.Error("evaluation order failed",
				slog.Int("pass", report.Pass),
				slog.String("error", err.Error()))
			e.publish(emit.MsgPassConfigError, "", map[string]interface{}{"error": err.Error()})
			e.finishPass(report, "config_error")
			return report
		}
	}

	report.Order = slices.Clone(e.order)
	report.Nodes = make([]NodeOutcome, 0, len(report.Order))
	for _, id := range report.Order {
		outcome := e.step(id, report.Aborted)
		if outcome.Err != nil && e.cfg.handler(outcome.Err) == Abort {
			report.Aborted = true
		}
		report.Nodes = append(report.Nodes, outcome)
	}

	result := "ok"
	if report.Aborted {
		result = "aborted"
	}
	e.finishPass(report, result)
	return report
}

// step decides the outcome of one node and runs it if it is invalid and
// enabled.
func (e *Evaluator) step(id NodeID, aborted bool) NodeOutcome {
	entry, ok := e.net.nodes[id]
	if !ok {
		return NodeOutcome{ID: id, Status: StatusRemoved}
	}
	outcome := NodeOutcome{ID: id, Name: entry.name}
	switch {
	case entry.valid:
		outcome.Status = StatusUpToDate
		return outcome
	case aborted:
		outcome.Status = StatusSkippedAbort
		e.publish(emit.MsgNodeSkipped, entry.name, map[string]interface{}{"status": string(outcome.Status)})
		return outcome
	case !entry.enabled:
		outcome.Status = StatusSkippedDisabled
		e.publish(emit.MsgNodeSkipped, entry.name, map[string]interface{}{"status": string(outcome.Status)})
		return outcome
	}

	gen := entry.gen
	e.current = id
	e.publish(emit.MsgNodeStart, entry.name, nil)

	start := time.Now()
	perr := e.call(id, entry)
	outcome.Duration = time.Since(start)
	e.current = 0

	meta := map[string]interface{}{"latency_ms": outcome.Duration.Milliseconds()}
	if perr == nil {
		outcome.Status = StatusRan
		e.net.markValid(id, gen)
		meta["status"] = string(StatusRan)
		e.publish(emit.MsgNodeEnd, entry.name, meta)
	} else {
		outcome.Status = StatusFailed
		outcome.Err = perr
		meta["status"] = string(StatusFailed)
		meta["error"] = perr.Message
		e.publish(emit.MsgNodeError, entry.name, meta)
	}
	if e.cfg.metrics != nil {
		e.cfg.metrics.RecordNode(entry.name, outcome.Status, outcome.Duration)
	}
	e.logger.Debug("node run",
		slog.String("node", entry.name),
		slog.String("status", string(outcome.Status)),
		slog.Duration("duration", outcome.Duration))
	return outcome
}

// call runs a node, converting a returned error or a panic into a
// ProcessorError.
func (e *Evaluator) call(id NodeID, entry *nodeEntry) (perr *ProcessorError) {
	defer func() {
		if r := recover(); r != nil {
			perr = &ProcessorError{
				NodeID:  id,
				Name:    entry.name,
				Message: fmt.Sprintf("panic: %v", r),
				Panic:   r,
			}
		}
	}()

	pc := &ProcessContext{net: e.net, id: id}
	if err := entry.node.Run(e.ctx, pc); err != nil {
		return &ProcessorError{
			NodeID:  id,
			Name:    entry.name,
			Message: err.Error(),
			Cause:   err,
		}
	}
	return nil
}

func (e *Evaluator) finishPass(report *PassReport, result string) {
	report.Duration = time.Since(report.StartedAt)
	e.last = report

	if e.cfg.metrics != nil {
		e.cfg.metrics.RecordPass(result, report.Duration)
	}
	if e.cfg.store != nil {
		if err := e.cfg.store.SavePass(e.ctx, report.record()); err != nil {
			e.logger.Error("failed to save pass report",
				slog.Int("pass", report.Pass),
				slog.String("error", err.Error()))
		}
	}

	e.logger.Debug("evaluation pass",
		slog.Int("pass", report.Pass),
		slog.String("result", result),
		slog.Int("ran", len(report.Ran())),
		slog.Int("failed", len(report.Failed())),
		slog.Duration("duration", report.Duration))
	e.publish(emit.MsgPassEnd, "", map[string]interface{}{
		"latency_ms": report.Duration.Milliseconds(),
		"result":     result,
		"order":      e.names(report.Order),
	})
	e.onPass.Invoke(report)
}

func (e *Evaluator) publish(msg, node string, meta map[string]interface{}) {
	e.cfg.emitter.Emit(emit.Event{
		RunID:  e.cfg.runID,
		Pass:   e.passes,
		NodeID: node,
		Msg:    msg,
		Meta:   meta,
	})
}

func (e *Evaluator) names(ids []NodeID) []string {
	names := make([]string, len(ids))
	for i, id := range ids {
		names[i] = e.net.Name(id)
	}
	return names
}

// Post queues fn for the owner goroutine. It is safe to call from any
// goroutine, including from within a posted function.
func (e *Evaluator) Post(fn func()) {
	if fn == nil {
		return
	}
	e.mu.Lock()
	e.mailbox = append(e.mailbox, fn)
	e.mu.Unlock()

	select {
	case e.wake <- struct{}{}:
	default:
	}
}

// RunPending runs queued functions on the calling goroutine until the
// mailbox is empty or ctx is done, and returns how many ran. Functions
// posted while draining run in the same call.
func (e *Evaluator) RunPending(ctx context.Context) int {
	e.ctx = ctx
	ran := 0
	for {
		batch := e.take()
		if len(batch) == 0 {
			return ran
		}
		for i, fn := range batch {
			if ctx.Err() != nil {
				e.requeue(batch[i:])
				return ran
			}
			e.invoke(fn)
			ran++
		}
	}
}

// Run serves the mailbox on the calling goroutine until ctx is done.
func (e *Evaluator) Run(ctx context.Context) error {
	for {
		e.RunPending(ctx)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-e.wake:
		}
	}
}

// RunUntilIdle serves the mailbox until it is empty and idle reports true,
// or ctx is done. A nil idle means the mailbox alone decides.
func (e *Evaluator) RunUntilIdle(ctx context.Context, idle func() bool) error {
	for {
		e.RunPending(ctx)
		if err := ctx.Err(); err != nil {
			return err
		}
		if e.queued() == 0 && (idle == nil || idle()) {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-e.wake:
		}
	}
}

func (e *Evaluator) take() []func() {
	e.mu.Lock()
	defer e.mu.Unlock()
	batch := e.mailbox
	e.mailbox = nil
	return batch
}

func (e *Evaluator) requeue(fns []func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.mailbox = append(slices.Clone(fns), e.mailbox...)
}

func (e *Evaluator) queued() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.mailbox)
}

func (e *Evaluator) invoke(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("posted function panicked", slog.String("panic", fmt.Sprint(r)))
		}
	}()
	fn()
}
