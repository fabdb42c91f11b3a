package emit

import "sync"

// BufferedEmitter keeps every event in memory, grouped by run.
//
// It is meant for tests and for tools that print a run's history after the
// fact. Nothing is evicted; call Clear for long-lived processes.
//
//	buf := emit.NewBufferedEmitter()
//	ev, _ := graph.NewEvaluator(net, graph.WithEmitter(buf), graph.WithRunID("run-1"))
//	...
//	failures := buf.GetHistoryWithFilter("run-1", emit.HistoryFilter{Msg: emit.MsgNodeError})
type BufferedEmitter struct {
	mu     sync.RWMutex
	events map[string][]Event // runID -> events
}

// HistoryFilter selects events. Zero fields match everything; set fields
// are combined with AND.
type HistoryFilter struct {
	NodeID  string
	Msg     string
	MinPass *int
	MaxPass *int
}

func (f HistoryFilter) match(event Event) bool {
	if f.NodeID != "" && event.NodeID != f.NodeID {
		return false
	}
	if f.Msg != "" && event.Msg != f.Msg {
		return false
	}
	if f.MinPass != nil && event.Pass < *f.MinPass {
		return false
	}
	if f.MaxPass != nil && event.Pass > *f.MaxPass {
		return false
	}
	return true
}

// NewBufferedEmitter returns an empty buffer.
func NewBufferedEmitter() *BufferedEmitter {
	return &BufferedEmitter{events: make(map[string][]Event)}
}

// Emit implements Emitter.
func (b *BufferedEmitter) Emit(event Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events[event.RunID] = append(b.events[event.RunID], event)
}

// GetHistory returns a copy of the events of runID in emission order.
func (b *BufferedEmitter) GetHistory(runID string) []Event {
	return b.GetHistoryWithFilter(runID, HistoryFilter{})
}

// GetHistoryWithFilter returns the events of runID matching filter.
// The result is never nil.
func (b *BufferedEmitter) GetHistoryWithFilter(runID string, filter HistoryFilter) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	result := []Event{}
	for _, event := range b.events[runID] {
		if filter.match(event) {
			result = append(result, event)
		}
	}
	return result
}

// Clear drops the events of runID, or every event when runID is empty.
func (b *BufferedEmitter) Clear(runID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if runID == "" {
		b.events = make(map[string][]Event)
		return
	}
	delete(b.events, runID)
}
