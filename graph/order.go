package graph

import (
	"container/heap"
	"fmt"
	"slices"
)

// evalState is the cached per-node result of the last order computation.
type evalState struct {
	visited bool

	// predecessors is the transitive set of nodes whose output reaches
	// this node.
	predecessors map[NodeID]struct{}

	// producers are the direct predecessors in inport declaration order.
	producers []NodeID
}

// readyHeap is a min-heap of node handles. Handles grow with registration,
// so popping the minimum yields the earliest registered ready node.
type readyHeap []NodeID

func (h readyHeap) Len() int { return len(h) }

func (h readyHeap) Less(i, j int) bool { return h[i] < h[j] }

func (h readyHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *readyHeap) Push(x any) {
	*h = append(*h, x.(NodeID))
}

func (h *readyHeap) Pop() any {
	old := *h
	n := len(old)
	id := old[n-1]
	*h = old[:n-1]
	return id
}

// determineProcessingOrder rebuilds the evaluation state and order from the
// current topology.
//
// A depth-first walk seeded from every node in registration order memoizes
// each node's transitive predecessor set and reports cycles. The linear
// order then comes from Kahn's algorithm over direct producers, always
// taking the earliest registered ready node, so every producer precedes
// its consumers and ties are broken by registration order.
//
// On error the cache is cleared and stays dirty.
func (e *Evaluator) determineProcessingOrder() error {
	e.order = nil
	e.states = nil

	nodes := e.net.Nodes()
	states := make(map[NodeID]*evalState, len(nodes))
	onPath := make(map[NodeID]bool)
	var path []NodeID

	var visit func(id NodeID) error
	visit = func(id NodeID) error {
		if st, ok := states[id]; ok && st.visited {
			return nil
		}
		if onPath[id] {
			return e.cycleError(path, id)
		}
		onPath[id] = true
		path = append(path, id)

		st := &evalState{predecessors: make(map[NodeID]struct{})}
		for _, in := range e.net.Inputs(id) {
			src, ok := e.net.Source(in)
			if !ok {
				continue
			}
			if !e.net.Has(src.Node) {
				return &ConfigError{
					Code:    "MISSING_PREDECESSOR",
					Message: fmt.Sprintf("%s (%s) is fed by unknown node %s", e.net.Name(id), in, src.Node),
					Cause:   ErrMissingPredecessor,
				}
			}
			if err := visit(src.Node); err != nil {
				return err
			}
			if !slices.Contains(st.producers, src.Node) {
				st.producers = append(st.producers, src.Node)
			}
			st.predecessors[src.Node] = struct{}{}
			for p := range states[src.Node].predecessors {
				st.predecessors[p] = struct{}{}
			}
		}

		st.visited = true
		states[id] = st
		onPath[id] = false
		path = path[:len(path)-1]
		return nil
	}

	for _, id := range nodes {
		if err := visit(id); err != nil {
			return err
		}
	}

	pending := make(map[NodeID]int, len(nodes))
	consumers := make(map[NodeID][]NodeID, len(nodes))
	ready := &readyHeap{}
	for _, id := range nodes {
		st := states[id]
		pending[id] = len(st.producers)
		for _, p := range st.producers {
			consumers[p] = append(consumers[p], id)
		}
		if len(st.producers) == 0 {
			heap.Push(ready, id)
		}
	}

	order := make([]NodeID, 0, len(nodes))
	for ready.Len() > 0 {
		id := heap.Pop(ready).(NodeID)
		order = append(order, id)
		for _, c := range consumers[id] {
			pending[c]--
			if pending[c] == 0 {
				heap.Push(ready, c)
			}
		}
	}
	if len(order) != len(nodes) {
		return &ConfigError{
			Code:    "CYCLE",
			Message: fmt.Sprintf("%d of %d nodes could not be ordered", len(nodes)-len(order), len(nodes)),
			Cause:   ErrCycle,
		}
	}

	e.states = states
	e.order = order
	e.dirty = false
	return nil
}

func (e *Evaluator) cycleError(path []NodeID, back NodeID) error {
	start := slices.Index(path, back)
	names := make([]string, 0, len(path)-start+1)
	for _, id := range path[start:] {
		names = append(names, e.net.Name(id))
	}
	names = append(names, e.net.Name(back))
	return &ConfigError{
		Code:    "CYCLE",
		Message: fmt.Sprintf("cycle through %v", names),
		Cause:   ErrCycle,
	}
}

// Predecessors returns the transitive predecessor set of id from the last
// successful order computation, in registration order. It returns nil for
// an unknown node or while the cache is stale.
func (e *Evaluator) Predecessors(id NodeID) []NodeID {
	if e.dirty {
		return nil
	}
	st, ok := e.states[id]
	if !ok {
		return nil
	}
	preds := make([]NodeID, 0, len(st.predecessors))
	for p := range st.predecessors {
		preds = append(preds, p)
	}
	slices.Sort(preds)
	return preds
}
