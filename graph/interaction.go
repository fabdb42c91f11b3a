package graph

import (
	"log/slog"
	"slices"
)

// PropagateInteractionEvent routes ev from node id upward through the
// nodes that feed it.
//
// Only the recorded predecessor set of id is visited. Closer producers are
// offered the event first; nodes at the same distance go in registration
// order. Each ancestor implementing InteractionHandler sees the event once,
// and propagation stops as soon as a handler consumes it. The node itself
// is not offered the event.
//
// It returns false if id is unknown or the evaluation order cannot be
// computed.
func (e *Evaluator) PropagateInteractionEvent(id NodeID, ev *InteractionEvent) bool {
	if ev == nil || !e.net.Has(id) {
		return false
	}
	if e.dirty {
		if err := e.determineProcessingOrder(); err != nil {
			e.logger.Warn("interaction dropped",
				slog.String("node", e.net.Name(id)),
				slog.String("kind", ev.Kind),
				slog.String("error", err.Error()))
			return false
		}
	}

	st, ok := e.states[id]
	if !ok {
		return false
	}
	seen := map[NodeID]bool{id: true}
	level := slices.Clone(st.producers)
	for len(level) > 0 {
		slices.Sort(level)
		var next []NodeID
		for _, p := range level {
			if seen[p] {
				continue
			}
			seen[p] = true
			if _, ok := st.predecessors[p]; !ok {
				continue
			}
			if node, ok := e.net.Node(p); ok {
				if h, ok := node.(InteractionHandler); ok {
					h.HandleInteraction(&ProcessContext{net: e.net, id: p}, ev)
					if ev.Consumed() {
						return true
					}
				}
			}
			if ps, ok := e.states[p]; ok {
				next = append(next, ps.producers...)
			}
		}
		level = next
	}
	return true
}
