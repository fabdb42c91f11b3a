package graph

import (
	"slices"
	"testing"
)

// picker records the interaction events it is offered.
type picker struct {
	tracker
	calls   *[]string
	consume bool
}

func (p *picker) HandleInteraction(pc *ProcessContext, ev *InteractionEvent) {
	*p.calls = append(*p.calls, pc.Name()+":"+ev.Kind)
	if p.consume {
		ev.Consume()
	}
}

// interactionNetwork builds
//
//	a ─┐
//	   ├─> c ─> d      e (unconnected)
//	b ─┘
//
// with c's inports declared so its direct producers are [b, a].
func interactionNetwork(t *testing.T, calls *[]string) (*Network, map[string]*picker, map[string]NodeID) {
	t.Helper()
	net := NewNetwork()
	nodes := map[string]*picker{}
	ids := map[string]NodeID{}
	for _, name := range []string{"a", "b", "c", "d", "e"} {
		nodes[name] = &picker{calls: calls}
		ports := relayPorts
		if name == "c" {
			ports = Ports{Inputs: []string{"first", "second"}, Outputs: []string{"out"}}
		}
		ids[name] = mustAdd(t, net, name, nodes[name], ports)
	}
	mustConnect(t, net, ids["b"], "out", ids["c"], "first")
	mustConnect(t, net, ids["a"], "out", ids["c"], "second")
	mustConnect(t, net, ids["c"], "out", ids["d"], "in")
	return net, nodes, ids
}

func TestPropagateInteractionEvent(t *testing.T) {
	tests := []struct {
		name    string
		from    string
		consume string
		want    []string
	}{
		{"closest first then registration order", "d", "", []string{"c:pick", "a:pick", "b:pick"}},
		{"consumed stops propagation", "d", "c", []string{"c:pick"}},
		{"consumed at second level", "d", "a", []string{"c:pick", "a:pick"}},
		{"only predecessors are visited", "c", "", []string{"a:pick", "b:pick"}},
		{"source node has no ancestors", "a", "", nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls []string
			net, nodes, ids := interactionNetwork(t, &calls)
			if tt.consume != "" {
				nodes[tt.consume].consume = true
			}
			ev := newTestEvaluator(t, net)

			event := &InteractionEvent{Kind: "pick", Payload: 3}
			if !ev.PropagateInteractionEvent(ids[tt.from], event) {
				t.Fatal("PropagateInteractionEvent returned false")
			}
			if !slices.Equal(calls, tt.want) {
				t.Errorf("calls = %v, want %v", calls, tt.want)
			}
			if event.Consumed() != (tt.consume != "") {
				t.Errorf("Consumed() = %v", event.Consumed())
			}
		})
	}
}

func TestPropagateInteractionEvent_Misses(t *testing.T) {
	var calls []string
	net, _, ids := interactionNetwork(t, &calls)
	ev := newTestEvaluator(t, net)

	if ev.PropagateInteractionEvent(99, &InteractionEvent{Kind: "pick"}) {
		t.Error("unknown node accepted")
	}
	if ev.PropagateInteractionEvent(ids["d"], nil) {
		t.Error("nil event accepted")
	}

	// A cycle makes the predecessor sets unavailable.
	mustConnect(t, net, ids["d"], "out", ids["a"], "in")
	if ev.PropagateInteractionEvent(ids["d"], &InteractionEvent{Kind: "pick"}) {
		t.Error("event routed through a cyclic network")
	}
	if len(calls) != 0 {
		t.Errorf("handlers called: %v", calls)
	}
}

func TestPropagateInteractionEvent_FollowsTopologyChanges(t *testing.T) {
	var calls []string
	net, _, ids := interactionNetwork(t, &calls)
	ev := newTestEvaluator(t, net)

	ev.PropagateInteractionEvent(ids["d"], &InteractionEvent{Kind: "zoom"})
	calls = nil

	mustConnect(t, net, ids["e"], "out", ids["a"], "in")
	ev.PropagateInteractionEvent(ids["d"], &InteractionEvent{Kind: "zoom"})

	want := []string{"c:zoom", "a:zoom", "b:zoom", "e:zoom"}
	if !slices.Equal(calls, want) {
		t.Errorf("calls = %v, want %v", calls, want)
	}
}
