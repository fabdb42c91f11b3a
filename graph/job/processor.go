// Package job runs long node computations on a worker pool and marshals
// progress and results back onto the goroutine that owns the network.
package job

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrStateMissing is logged when a finished job is no longer in the
	// active set. It indicates a double completion.
	ErrStateMissing = errors.New("job: state missing from active set")

	// ErrTaskPanic wraps the value of a task that panicked.
	ErrTaskPanic = errors.New("job: task panicked")
)

// Submitter runs fire-and-forget tasks in the background. onCancel is
// called instead of f when the task is dropped before it starts.
// pool.Pool implements it.
type Submitter interface {
	EnqueueRaw(f func(), onCancel func(error)) error
}

// Poster schedules a function on the goroutine that owns the network.
// graph.Evaluator implements it.
type Poster interface {
	Post(fn func())
}

// Recorder receives job metrics. graph.PrometheusMetrics implements it.
type Recorder interface {
	SetActiveJobs(node string, n int)
	IncJobOutcome(node, outcome string)
	IncProgressDispatch(node string)
}

// Job outcomes reported to a Recorder.
const (
	OutcomeSucceeded = "succeeded"
	OutcomeFailed    = "failed"
	OutcomeStopped   = "stopped"
)

// Task is one unit of worker-side work. ctx is cancelled when the job is
// stopped; p reports progress and exposes the stop flag.
type Task func(ctx context.Context, p Progress) error

// Submission describes a job.
//
// SetupProgress, OnResults and OnError run on the owner goroutine.
// OnResults runs when every task succeeded and the job was not stopped.
// OnError runs with the first task error unless the job was stopped.
type Submission struct {
	Tasks         []Task
	SetupProgress func()
	OnResults     func()
	OnError       func(err error)
}

// Option configures a Processor.
type Option func(*Processor)

// WithDebounce coalesces Submit calls arriving within d into the last one.
func WithDebounce(d time.Duration) Option {
	return func(p *Processor) {
		p.debounce = d
	}
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Processor) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithRecorder reports job metrics to rec.
func WithRecorder(rec Recorder) Option {
	return func(p *Processor) {
		p.rec = rec
	}
}

// OnProgress sets the callback receiving aggregated progress in [0, 1].
// It runs on the owner goroutine.
func OnProgress(fn func(float64)) Option {
	return func(p *Processor) {
		p.onProgress = fn
	}
}

// Processor owns the jobs of a single node.
//
// Submit, StopJobs and Close are meant to be called from the owner
// goroutine; ActiveJobs and Busy are safe from any goroutine.
type Processor struct {
	name       string
	submitter  Submitter
	poster     Poster
	debounce   time.Duration
	logger     *slog.Logger
	rec        Recorder
	onProgress func(float64)

	mu      sync.Mutex
	active  []*State
	pending *Submission
	gen     uint64 // bumped by every Submit and StopJobs
	timer   *time.Timer
	closed  bool
}

// NewProcessor creates a job owner named after its node.
func NewProcessor(name string, submitter Submitter, poster Poster, opts ...Option) *Processor {
	p := &Processor{
		name:      name,
		submitter: submitter,
		poster:    poster,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.With(slog.String("node", name))
	return p
}

// Submit queues a job. Within the debounce window only the latest
// submission survives. When it launches, jobs still running for this node
// are stopped first.
func (p *Processor) Submit(sub Submission) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.logger.Warn("job: submit after close ignored")
		return
	}
	p.pending = &sub
	p.gen++
	gen := p.gen
	if p.debounce <= 0 {
		p.mu.Unlock()
		p.launch(gen)
		return
	}
	if p.timer != nil {
		p.timer.Stop()
	}
	p.timer = time.AfterFunc(p.debounce, func() {
		p.poster.Post(func() { p.launch(gen) })
	})
	p.mu.Unlock()
}

// launch runs on the owner goroutine. A launch posted by a timer that was
// superseded or stopped in the meantime does nothing.
func (p *Processor) launch(gen uint64) {
	p.mu.Lock()
	sub := p.pending
	if sub == nil || gen != p.gen {
		p.mu.Unlock()
		return
	}
	p.pending = nil
	p.timer = nil
	p.mu.Unlock()

	p.stopActive()

	if sub.SetupProgress != nil {
		sub.SetupProgress()
	}

	s := newState(uuid.NewString(), p, *sub)
	n := p.addActive(s)
	p.logger.Debug("job: launched",
		slog.String("job_id", s.id),
		slog.Int("tasks", len(sub.Tasks)),
		slog.Int("active", n),
	)

	if len(sub.Tasks) == 0 {
		p.poster.Post(func() { p.complete(s) })
		return
	}

	for i, t := range sub.Tasks {
		slot, task := i, t
		run := func() { s.run(slot, task) }
		if err := p.submitter.EnqueueRaw(run, s.drop); err != nil {
			s.fail(fmt.Errorf("job: enqueue task %d: %w", slot, err))
			s.finishTask()
		}
	}
}

// run executes one task on a worker goroutine.
func (s *State) run(slot int, t Task) {
	defer s.finishTask()
	defer func() {
		if r := recover(); r != nil {
			s.fail(fmt.Errorf("%w: %v", ErrTaskPanic, r))
		}
	}()
	if err := t(s.ctx, Progress{state: s, slot: slot}); err != nil {
		s.fail(err)
		return
	}
	s.progress[slot].Store(math.Float64bits(1))
	s.scheduleProgress()
}

// drop accounts for a task the submitter discarded before it started.
func (s *State) drop(err error) {
	s.fail(fmt.Errorf("job: task dropped: %w", err))
	s.finishTask()
}

// finishTask posts completion once the last task is done.
func (s *State) finishTask() {
	if s.remaining.Add(-1) != 0 {
		return
	}
	p := s.owner.Value()
	if p == nil {
		return
	}
	p.poster.Post(func() { p.complete(s) })
}

// complete runs on the owner goroutine.
func (p *Processor) complete(s *State) {
	n, ok := p.removeActive(s)
	if !ok {
		p.logger.Error("job: completion without active state",
			slog.String("job_id", s.id),
			slog.String("error", ErrStateMissing.Error()),
		)
		return
	}
	s.cancel()

	switch {
	case s.Stopped():
		p.outcome(s, OutcomeStopped, n)
	case s.Err() != nil:
		p.outcome(s, OutcomeFailed, n)
		p.logger.Warn("job: failed", slog.String("job_id", s.id), slog.String("error", s.Err().Error()))
		if s.sub.OnError != nil {
			s.sub.OnError(s.Err())
		}
	default:
		p.outcome(s, OutcomeSucceeded, n)
		if s.sub.OnResults != nil {
			s.sub.OnResults()
		}
	}
}

func (p *Processor) outcome(s *State, outcome string, active int) {
	p.logger.Debug("job: finished",
		slog.String("job_id", s.id),
		slog.String("outcome", outcome),
		slog.Int("active", active),
	)
	if p.rec != nil {
		p.rec.IncJobOutcome(p.name, outcome)
		p.rec.SetActiveJobs(p.name, active)
	}
}

func (p *Processor) deliverProgress(v float64) {
	if p.rec != nil {
		p.rec.IncProgressDispatch(p.name)
	}
	if p.onProgress != nil {
		p.onProgress(v)
	}
}

// StopJobs drops a submission still waiting for its debounce timer and asks
// every active job of this node to stop. Running tasks are not interrupted;
// they observe the flag cooperatively.
func (p *Processor) StopJobs() {
	p.mu.Lock()
	p.dropPendingLocked()
	p.mu.Unlock()
	p.stopActive()
}

func (p *Processor) dropPendingLocked() {
	p.pending = nil
	p.gen++
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
}

func (p *Processor) stopActive() {
	p.mu.Lock()
	active := slices.Clone(p.active)
	p.mu.Unlock()
	for _, s := range active {
		s.Stop()
	}
}

// ActiveJobs returns the number of jobs that have not completed.
func (p *Processor) ActiveJobs() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.active)
}

// Busy reports whether a submission is waiting for its debounce timer or a
// job is still active.
func (p *Processor) Busy() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pending != nil || len(p.active) > 0
}

// Close drops any debounced submission, stops active jobs and rejects
// further submissions. Active jobs still complete through the owner loop.
func (p *Processor) Close() {
	p.mu.Lock()
	p.closed = true
	p.dropPendingLocked()
	p.mu.Unlock()
	p.stopActive()
}

func (p *Processor) addActive(s *State) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.active = append(p.active, s)
	if p.rec != nil {
		p.rec.SetActiveJobs(p.name, len(p.active))
	}
	return len(p.active)
}

func (p *Processor) removeActive(s *State) (int, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	i := slices.Index(p.active, s)
	if i < 0 {
		return len(p.active), false
	}
	p.active = slices.Delete(p.active, i, i+1)
	return len(p.active), true
}
