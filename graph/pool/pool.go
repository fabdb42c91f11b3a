// Package pool provides a resizable worker pool that executes closures and
// returns futures for their results.
package pool

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

var (
	// ErrAborted is set on futures whose task was still queued when the pool
	// was aborted.
	ErrAborted = errors.New("pool: task aborted before it started")

	// ErrClosed is returned when work is submitted to a closed pool.
	ErrClosed = errors.New("pool: closed")

	// ErrPanicked wraps the value of a task that panicked.
	ErrPanicked = errors.New("pool: task panicked")
)

// workerState is the lifecycle of a single worker goroutine.
//
// A worker starts Free. Shrinking or Close moves it to Stop, which finishes
// the queue before exiting; Abort exits without draining. Once the
// goroutine has left its loop the state is Done and the worker can be reaped.
type workerState int

const (
	stateFree workerState = iota
	stateStop
	stateAbort
	stateDone
)

type worker struct {
	state workerState
}

type task struct {
	run    func()
	cancel func(error)
}

// Recorder receives pool gauges. graph.PrometheusMetrics implements it.
type Recorder interface {
	SetPoolWorkers(n int)
	SetPoolQueueDepth(n int)
}

// Option configures a Pool.
type Option func(*Pool)

// WithLogger sets the logger used for panics in fire-and-forget tasks.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Pool) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithRecorder reports worker count and queue depth to rec.
func WithRecorder(rec Recorder) Option {
	return func(p *Pool) {
		p.rec = rec
	}
}

// Pool runs submitted closures on a set of worker goroutines.
//
// A pool with zero workers runs every task synchronously on the submitting
// goroutine, so callers never deadlock on a zero-worker configuration.
//
// The queue lock is held only while tasks are pushed or popped; tasks
// always run without it.
//
// Example:
//
//	p := pool.New(4)
//	defer p.Close()
//
//	f := pool.Enqueue(p, func() (int, error) { return 6 * 7, nil })
//	v, err := f.Get(ctx)
type Pool struct {
	mu      sync.Mutex
	cond    *sync.Cond
	queue   []*task
	workers []*worker
	wg      sync.WaitGroup
	closed  bool

	logger *slog.Logger
	rec    Recorder
}

// New creates a pool with the given number of workers.
func New(workers int, opts ...Option) *Pool {
	p := &Pool{logger: slog.Default()}
	p.cond = sync.NewCond(&p.mu)
	for _, opt := range opts {
		opt(p)
	}
	p.TrySetSize(workers)
	return p
}

// Enqueue submits f to p and returns a future for its result.
//
// With zero workers f runs before Enqueue returns and the future is already
// complete. A panic in f completes the future with ErrPanicked. Submitting
// to a closed pool completes the future with ErrClosed.
func Enqueue[R any](p *Pool, f func() (R, error)) *Future[R] {
	fut := newFuture[R]()
	t := &task{
		run: func() {
			defer func() {
				if r := recover(); r != nil {
					var zero R
					fut.complete(zero, fmt.Errorf("%w: %v", ErrPanicked, r))
				}
			}()
			v, err := f()
			fut.complete(v, err)
		},
		cancel: func(err error) {
			var zero R
			fut.complete(zero, err)
		},
	}
	if err := p.submit(t); err != nil {
		t.cancel(err)
	}
	return fut
}

// EnqueueRaw submits a fire-and-forget task. The caller handles its own
// result delivery. Panics are recovered and logged.
//
// If Abort drops the task before it starts, onCancel (when non-nil) is
// called with ErrAborted instead. onCancel is not called when EnqueueRaw
// itself returns an error.
func (p *Pool) EnqueueRaw(f func(), onCancel func(error)) error {
	return p.submit(&task{run: f, cancel: onCancel})
}

func (p *Pool) submit(t *task) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}
	if p.freeLocked() == 0 {
		p.mu.Unlock()
		p.execute(t)
		return nil
	}
	p.queue = append(p.queue, t)
	p.recordLocked()
	p.cond.Signal()
	p.mu.Unlock()
	return nil
}

// TrySetSize grows or shrinks the pool toward n workers and returns the
// resulting size.
//
// Growing spawns workers immediately. Shrinking moves excess Free workers to
// Stop and wakes them; they exit once the queue is empty, so the call never
// blocks on running tasks. Workers that already exited are reaped.
func (p *Pool) TrySetSize(n int) int {
	if n < 0 {
		n = 0
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return 0
	}

	p.reapLocked()
	free := p.freeLocked()
	for ; free < n; free++ {
		w := &worker{state: stateFree}
		p.workers = append(p.workers, w)
		p.wg.Add(1)
		go p.work(w)
	}

	if free > n {
		for i := len(p.workers) - 1; i >= 0 && free > n; i-- {
			if p.workers[i].state == stateFree {
				p.workers[i].state = stateStop
				free--
			}
		}
		p.cond.Broadcast()
	}

	p.reapLocked()
	p.recordLocked()
	return free
}

// Size returns the number of workers accepting new tasks.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.freeLocked()
}

// QueueSize returns the number of tasks waiting for a worker.
func (p *Pool) QueueSize() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

// Close stops accepting tasks, lets the workers finish the queue and waits
// for them to exit.
func (p *Pool) Close() {
	p.shutdown(stateStop)
}

// Abort stops accepting tasks, cancels every queued task with ErrAborted and
// waits for running tasks to return.
func (p *Pool) Abort() {
	p.shutdown(stateAbort)
}

func (p *Pool) shutdown(to workerState) {
	p.mu.Lock()
	p.closed = true
	for _, w := range p.workers {
		if w.state == stateFree || (to == stateAbort && w.state == stateStop) {
			w.state = to
		}
	}
	var dropped []*task
	if to == stateAbort {
		dropped = p.queue
		p.queue = nil
	}
	p.cond.Broadcast()
	p.mu.Unlock()

	for _, t := range dropped {
		if t.cancel != nil {
			t.cancel(ErrAborted)
		}
	}

	p.wg.Wait()

	p.mu.Lock()
	p.reapLocked()
	p.recordLocked()
	p.mu.Unlock()
}

func (p *Pool) work(w *worker) {
	defer p.wg.Done()

	p.mu.Lock()
	for {
		for w.state == stateFree && len(p.queue) == 0 {
			p.cond.Wait()
		}
		if w.state == stateAbort || len(p.queue) == 0 {
			break
		}

		t := p.queue[0]
		p.queue[0] = nil
		p.queue = p.queue[1:]
		p.recordLocked()

		p.mu.Unlock()
		p.execute(t)
		p.mu.Lock()
	}
	w.state = stateDone
	p.mu.Unlock()
}

func (p *Pool) execute(t *task) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("pool: task panicked", slog.String("panic", fmt.Sprint(r)))
		}
	}()
	t.run()
}

func (p *Pool) freeLocked() int {
	n := 0
	for _, w := range p.workers {
		if w.state == stateFree {
			n++
		}
	}
	return n
}

func (p *Pool) reapLocked() {
	kept := p.workers[:0]
	for _, w := range p.workers {
		if w.state != stateDone {
			kept = append(kept, w)
		}
	}
	for i := len(kept); i < len(p.workers); i++ {
		p.workers[i] = nil
	}
	p.workers = kept
}

func (p *Pool) recordLocked() {
	if p.rec == nil {
		return
	}
	p.rec.SetPoolWorkers(p.freeLocked())
	p.rec.SetPoolQueueDepth(len(p.queue))
}
