package job

import (
	"context"
	"math"
	"sync"
	"sync/atomic"
	"weak"
)

// State tracks one submitted job: per-task progress, the cooperative stop
// flag and the first task error.
//
// A State is shared by its Processor, which may stop it, and the workers
// running its tasks, which update progress. The Processor removes it from
// the active set exactly once when the last task finishes.
type State struct {
	id    string
	owner weak.Pointer[Processor]
	sub   Submission

	progress    []atomic.Uint64 // math.Float64bits per task
	remaining   atomic.Int32
	stopped     atomic.Bool
	dispatching atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc

	mu  sync.Mutex
	err error
}

func newState(id string, owner *Processor, sub Submission) *State {
	ctx, cancel := context.WithCancel(context.Background())
	s := &State{
		id:       id,
		owner:    weak.Make(owner),
		sub:      sub,
		progress: make([]atomic.Uint64, len(sub.Tasks)),
		ctx:      ctx,
		cancel:   cancel,
	}
	s.remaining.Store(int32(len(sub.Tasks)))
	return s
}

// ID returns the job identifier.
func (s *State) ID() string { return s.id }

// Stop requests cooperative cancellation. Tasks observe it through
// Progress.Stopped or their context.
func (s *State) Stop() {
	s.stopped.Store(true)
	s.cancel()
}

// Stopped reports whether Stop was called.
func (s *State) Stopped() bool { return s.stopped.Load() }

// Progress returns the mean progress over all tasks in [0, 1].
func (s *State) Progress() float64 {
	if len(s.progress) == 0 {
		return 1
	}
	var sum float64
	for i := range s.progress {
		sum += math.Float64frombits(s.progress[i].Load())
	}
	return sum / float64(len(s.progress))
}

// Err returns the first error reported by a task.
func (s *State) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *State) fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err == nil {
		s.err = err
	}
}

// scheduleProgress posts at most one aggregated progress callback to the
// owner loop at a time. The marker is cleared before the aggregate is read,
// so an update racing with delivery schedules a fresh callback.
func (s *State) scheduleProgress() {
	if !s.dispatching.CompareAndSwap(false, true) {
		return
	}
	p := s.owner.Value()
	if p == nil {
		s.dispatching.Store(false)
		return
	}
	p.poster.Post(func() {
		s.dispatching.Store(false)
		if s.Stopped() {
			return
		}
		p.deliverProgress(s.Progress())
	})
}

// Progress is handed to each task and reports into that task's slot.
type Progress struct {
	state *State
	slot  int
}

// Report sets the task's progress to v, clamped to [0, 1].
func (p Progress) Report(v float64) {
	if math.IsNaN(v) {
		return
	}
	v = math.Max(0, math.Min(1, v))
	p.state.progress[p.slot].Store(math.Float64bits(v))
	p.state.scheduleProgress()
}

// Step reports i of total steps done. A non-positive total is ignored.
func (p Progress) Step(i, total int) {
	if total <= 0 {
		return
	}
	p.Report(float64(i) / float64(total))
}

// Stopped reports whether the job was asked to stop. Long-running tasks
// should poll it between sub-steps.
func (p Progress) Stopped() bool { return p.state.Stopped() }

// JobID returns the identifier of the job the task belongs to.
func (p Progress) JobID() string { return p.state.id }
