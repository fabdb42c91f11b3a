// Package dispatch provides a goroutine-safe multi-subscriber broadcast
// primitive with copy-on-write subscriber snapshots.
package dispatch

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
)

// cell holds one subscription. A removed cell stays in published snapshots
// until the next successful compaction but is never called again.
type cell[E any] struct {
	fn      func(E)
	expired atomic.Bool
}

// Handle is the unsubscribe token returned by Dispatcher.Add.
//
// The subscription stays active until Remove is called. Remove is idempotent
// and safe to call from any goroutine, including from inside the callback.
type Handle struct {
	once   sync.Once
	expire func()
}

// Remove ends the subscription. Calls to Invoke that already loaded a
// snapshot containing the subscription may still be running, but no Invoke
// starting after Remove returns will call it.
func (h *Handle) Remove() {
	if h == nil {
		return
	}
	h.once.Do(h.expire)
}

// Dispatcher broadcasts events of type E to every live subscriber.
//
// The subscriber list is an immutable snapshot behind an atomic pointer.
// Add publishes a new snapshot with a compare-and-swap retry loop, and
// Invoke reads the snapshot once and calls subscribers without holding any
// lock, so callbacks may re-enter Add, Invoke or Handle.Remove freely.
//
// The zero value is ready to use. A Dispatcher must not be copied after
// first use: a copy shares the subscriber snapshot of the original at the
// time of the copy instead of starting empty, and the two diverge on the
// next Add. go vet's copylocks check reports such copies. Declare a new
// zero value to get a dispatcher with no subscribers.
//
// Example:
//
//	var d dispatch.Dispatcher[string]
//	h := d.Add(func(s string) { fmt.Println("got", s) })
//	d.Invoke("hello")
//	h.Remove()
type Dispatcher[E any] struct {
	snapshot atomic.Pointer[[]*cell[E]]
	compact  sync.Mutex
	logger   atomic.Pointer[slog.Logger]
}

// SetLogger sets the logger receiving recovered subscriber panics. A nil
// logger falls back to slog.Default().
func (d *Dispatcher[E]) SetLogger(logger *slog.Logger) {
	d.logger.Store(logger)
}

// Add subscribes fn and returns the token that ends the subscription.
//
// The new snapshot is built by copying the current one, dropping expired
// cells and appending the new cell. It is published only if the snapshot
// is unchanged since it was read; otherwise the copy is rebuilt.
func (d *Dispatcher[E]) Add(fn func(E)) *Handle {
	c := &cell[E]{fn: fn}
	for {
		old := d.snapshot.Load()
		next := live(old, 1)
		next = append(next, c)
		if d.snapshot.CompareAndSwap(old, &next) {
			break
		}
	}
	return &Handle{expire: func() { c.expired.Store(true) }}
}

// Invoke calls every live subscriber with ev, in subscription order.
//
// If an expired cell is seen, a best-effort compaction publishes a pruned
// snapshot. Compaction is skipped when another goroutine holds the
// compaction lock or when the snapshot changed in the meantime.
func (d *Dispatcher[E]) Invoke(ev E) {
	snap := d.snapshot.Load()
	if snap == nil {
		return
	}

	sawExpired := false
	for _, c := range *snap {
		if c.expired.Load() {
			sawExpired = true
			continue
		}
		d.call(c, ev)
	}

	if sawExpired {
		d.prune()
	}
}

// Len returns the number of live subscribers.
func (d *Dispatcher[E]) Len() int {
	snap := d.snapshot.Load()
	if snap == nil {
		return 0
	}
	n := 0
	for _, c := range *snap {
		if !c.expired.Load() {
			n++
		}
	}
	return n
}

func (d *Dispatcher[E]) prune() {
	if !d.compact.TryLock() {
		return
	}
	defer d.compact.Unlock()

	old := d.snapshot.Load()
	next := live(old, 0)
	d.snapshot.CompareAndSwap(old, &next)
}

func (d *Dispatcher[E]) call(c *cell[E], ev E) {
	defer func() {
		if r := recover(); r != nil {
			logger := d.logger.Load()
			if logger == nil {
				logger = slog.Default()
			}
			logger.Error("dispatch: subscriber panicked",
				slog.String("panic", fmt.Sprint(r)),
			)
		}
	}()
	c.fn(ev)
}

// live copies the non-expired cells of snap into a new slice with room for
// extra more entries.
func live[E any](snap *[]*cell[E], extra int) []*cell[E] {
	if snap == nil {
		return make([]*cell[E], 0, extra)
	}
	out := make([]*cell[E], 0, len(*snap)+extra)
	for _, c := range *snap {
		if !c.expired.Load() {
			out = append(out, c)
		}
	}
	return out
}
