package graph

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"slices"
	"testing"
)

func newTestEvaluator(t *testing.T, net *Network, opts ...Option) *Evaluator {
	t.Helper()
	ev, err := NewEvaluator(net, append([]Option{WithLogger(discardLogger())}, opts...)...)
	if err != nil {
		t.Fatalf("NewEvaluator failed: %v", err)
	}
	t.Cleanup(ev.Close)
	return ev
}

func TestOrder_TieBreakByRegistration(t *testing.T) {
	net := NewNetwork()
	a := mustAdd(t, net, "a", &tracker{}, relayPorts)
	b := mustAdd(t, net, "b", &tracker{}, relayPorts)
	c := mustAdd(t, net, "c", &tracker{}, relayPorts)
	mustConnect(t, net, c, "out", a, "in")
	ev := newTestEvaluator(t, net)

	order, err := ev.Order()
	if err != nil {
		t.Fatalf("Order failed: %v", err)
	}
	if want := []NodeID{b, c, a}; !slices.Equal(order, want) {
		t.Errorf("order = %v, want %v", order, want)
	}
}

func TestOrder_ReverseRegisteredChain(t *testing.T) {
	net := NewNetwork()
	c := mustAdd(t, net, "c", &tracker{}, relayPorts)
	b := mustAdd(t, net, "b", &tracker{}, relayPorts)
	a := mustAdd(t, net, "a", &tracker{}, relayPorts)
	mustConnect(t, net, a, "out", b, "in")
	mustConnect(t, net, b, "out", c, "in")
	ev := newTestEvaluator(t, net)

	order, err := ev.Order()
	if err != nil {
		t.Fatalf("Order failed: %v", err)
	}
	if want := []NodeID{a, b, c}; !slices.Equal(order, want) {
		t.Errorf("order = %v, want %v", order, want)
	}
}

// TestOrder_RandomDAGs checks on random acyclic networks that every
// producer precedes its consumers and that each position holds the
// earliest registered node whose producers are all placed.
func TestOrder_RandomDAGs(t *testing.T) {
	rng := rand.New(rand.NewPCG(7, 11))
	inputs := []string{"in0", "in1", "in2"}

	for round := 0; round < 25; round++ {
		t.Run(fmt.Sprintf("round=%d", round), func(t *testing.T) {
			net := NewNetwork()
			size := 5 + rng.IntN(25)

			// Registration order differs from the hidden topological rank, so
			// the tie-break is exercised against real dependencies.
			rank := rng.Perm(size)
			ids := make([]NodeID, size)
			for i := range ids {
				ids[i] = mustAdd(t, net, fmt.Sprintf("n%d", i), &tracker{}, Ports{Inputs: inputs, Outputs: []string{"out"}})
			}
			for i := range ids {
				for _, in := range inputs {
					j := rng.IntN(size)
					if rank[j] < rank[i] && rng.IntN(3) > 0 {
						mustConnect(t, net, ids[j], "out", ids[i], in)
					}
				}
			}

			ev := newTestEvaluator(t, net)
			order, err := ev.Order()
			if err != nil {
				t.Fatalf("Order failed: %v", err)
			}
			if len(order) != size {
				t.Fatalf("order has %d nodes, want %d", len(order), size)
			}

			pos := make(map[NodeID]int, size)
			for i, id := range order {
				pos[id] = i
			}
			for _, c := range net.Connections() {
				if pos[c.From.Node] >= pos[c.To.Node] {
					t.Errorf("%s placed after its consumer %s", c.From.Node, c.To.Node)
				}
			}

			placed := make(map[NodeID]bool, size)
			for i, id := range order {
				var want NodeID
				for _, cand := range net.Nodes() {
					if placed[cand] {
						continue
					}
					ready := true
					for _, p := range net.Producers(cand) {
						if !placed[p] {
							ready = false
							break
						}
					}
					if ready {
						want = cand
						break
					}
				}
				if id != want {
					t.Fatalf("order[%d] = %s, want earliest ready %s", i, id, want)
				}
				placed[id] = true
			}
		})
	}
}

func TestOrder_Cycle(t *testing.T) {
	net := NewNetwork()
	a := mustAdd(t, net, "a", &tracker{}, relayPorts)
	b := mustAdd(t, net, "b", &tracker{}, relayPorts)
	c := mustAdd(t, net, "c", &tracker{}, relayPorts)
	mustConnect(t, net, a, "out", b, "in")
	mustConnect(t, net, b, "out", c, "in")
	mustConnect(t, net, c, "out", a, "in")
	ev := newTestEvaluator(t, net)

	order, err := ev.Order()
	if order != nil {
		t.Errorf("order = %v, want nil", order)
	}
	if !errors.Is(err, ErrCycle) {
		t.Fatalf("error = %v, want ErrCycle", err)
	}
	var cfgErr *ConfigError
	if !errors.As(err, &cfgErr) || cfgErr.Code != "CYCLE" {
		t.Errorf("error = %#v, want ConfigError CYCLE", err)
	}
	if !ev.Dirty() {
		t.Error("evaluator not dirty after failed order")
	}
	if ev.Predecessors(a) != nil {
		t.Error("predecessors available after failed order")
	}

	if err := net.Disconnect(Inport{Node: a, Name: "in"}); err != nil {
		t.Fatalf("Disconnect failed: %v", err)
	}
	order, err = ev.Order()
	if err != nil {
		t.Fatalf("Order after breaking cycle failed: %v", err)
	}
	if want := []NodeID{a, b, c}; !slices.Equal(order, want) {
		t.Errorf("order = %v, want %v", order, want)
	}
}

func TestOrder_MissingPredecessor(t *testing.T) {
	net := NewNetwork()
	a := mustAdd(t, net, "a", &tracker{}, relayPorts)
	ev := newTestEvaluator(t, net)

	// Connections to removed nodes cannot be made through the public API.
	net.nodes[a].sources["in"] = Outport{Node: 77, Name: "out"}
	ev.TopologyUpdated()

	_, err := ev.Order()
	var cfgErr *ConfigError
	if !errors.As(err, &cfgErr) || cfgErr.Code != "MISSING_PREDECESSOR" {
		t.Fatalf("error = %v, want MISSING_PREDECESSOR", err)
	}
	if !errors.Is(err, ErrMissingPredecessor) {
		t.Error("error does not wrap ErrMissingPredecessor")
	}
}

func TestEvaluator_Predecessors(t *testing.T) {
	net := NewNetwork()
	a := mustAdd(t, net, "a", &tracker{}, relayPorts)
	b := mustAdd(t, net, "b", &tracker{}, relayPorts)
	c := mustAdd(t, net, "c", &tracker{}, Ports{Inputs: []string{"x", "y"}, Outputs: []string{"out"}})
	d := mustAdd(t, net, "d", &tracker{}, relayPorts)
	mustConnect(t, net, a, "out", b, "in")
	mustConnect(t, net, d, "out", c, "x")
	mustConnect(t, net, b, "out", c, "y")
	ev := newTestEvaluator(t, net)

	if ev.Predecessors(c) != nil {
		t.Error("predecessors returned before order computed")
	}
	if _, err := ev.Order(); err != nil {
		t.Fatalf("Order failed: %v", err)
	}

	if got, want := ev.Predecessors(c), []NodeID{a, b, d}; !slices.Equal(got, want) {
		t.Errorf("Predecessors(c) = %v, want %v", got, want)
	}
	if got := ev.Predecessors(a); len(got) != 0 {
		t.Errorf("Predecessors(a) = %v, want empty", got)
	}
	if ev.Predecessors(99) != nil {
		t.Error("Predecessors(unknown) not nil")
	}
	if got, want := ev.states[c].producers, []NodeID{d, b}; !slices.Equal(got, want) {
		t.Errorf("producers(c) = %v, want %v (inport order)", got, want)
	}

	ev.TopologyUpdated()
	if ev.Predecessors(c) != nil {
		t.Error("predecessors returned while dirty")
	}
}
