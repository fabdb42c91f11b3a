package graph

import (
	"fmt"
	"slices"

	"github.com/dshills/dataflow-go/graph/dispatch"
)

// Inport addresses a named input port of a node.
type Inport struct {
	Node NodeID
	Name string
}

// String implements fmt.Stringer.
func (p Inport) String() string { return fmt.Sprintf("%s.%s", p.Node, p.Name) }

// Outport addresses a named output port of a node.
type Outport struct {
	Node NodeID
	Name string
}

// String implements fmt.Stringer.
func (p Outport) String() string { return fmt.Sprintf("%s.%s", p.Node, p.Name) }

// Connection is a directed edge from an outport to an inport. It makes
// From.Node a direct predecessor of To.Node.
type Connection struct {
	From Outport
	To   Inport
}

// EventKind tags a NetworkEvent.
type EventKind int

const (
	// EventNodeAdded follows AddNode.
	EventNodeAdded EventKind = iota + 1
	// EventNodeRemoved follows RemoveNode.
	EventNodeRemoved
	// EventConnected follows Connect.
	EventConnected
	// EventDisconnected follows Disconnect and the implicit disconnects of RemoveNode.
	EventDisconnected
	// EventInvalidationEnd follows a completed invalidation sweep.
	EventInvalidationEnd
	// EventEvaluateRequest asks the evaluator for a pass.
	EventEvaluateRequest
	// EventUnlocked follows the Unlock that releases the last batch lock.
	EventUnlocked
)

var eventKindNames = map[EventKind]string{
	EventNodeAdded:       "node_added",
	EventNodeRemoved:     "node_removed",
	EventConnected:       "connected",
	EventDisconnected:    "disconnected",
	EventInvalidationEnd: "invalidation_end",
	EventEvaluateRequest: "evaluate_request",
	EventUnlocked:        "unlocked",
}

// String implements fmt.Stringer.
func (k EventKind) String() string {
	if s, ok := eventKindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("event(%d)", int(k))
}

// NetworkEvent is broadcast on Network.Events after every change.
type NetworkEvent struct {
	Kind EventKind

	// Node is the node the event concerns. For connection events it is the
	// consumer.
	Node NodeID

	// Connection is set for EventConnected and EventDisconnected.
	Connection Connection

	// Downstream is set on EventInvalidationEnd when only the consumers of
	// Node were invalidated, as after publishing new output data.
	Downstream bool
}

type portData struct {
	value any
	valid bool
}

type nodeEntry struct {
	id      NodeID
	name    string
	node    Node
	inputs  []string
	outputs []string
	sources map[string]Outport
	data    map[string]*portData
	enabled bool
	valid   bool
	gen     uint64
}

// Network is the graph model: an arena of nodes addressed by NodeID, their
// ports, and the connections between them.
//
// A Network is not safe for concurrent use. It belongs to the goroutine
// running its Evaluator; other goroutines reach it through Evaluator.Post.
type Network struct {
	nodes     map[NodeID]*nodeEntry
	ids       []NodeID
	names     map[string]NodeID
	consumers map[Outport][]Inport
	next      NodeID
	locks     int

	events    dispatch.Dispatcher[NetworkEvent]
	evaluator *Evaluator
}

// NewNetwork creates an empty network.
func NewNetwork() *Network {
	return &Network{
		nodes:     make(map[NodeID]*nodeEntry),
		names:     make(map[string]NodeID),
		consumers: make(map[Outport][]Inport),
	}
}

// Events returns the dispatcher carrying every change to the network.
func (n *Network) Events() *dispatch.Dispatcher[NetworkEvent] {
	return &n.events
}

// Evaluator returns the evaluator attached to the network, or nil.
func (n *Network) Evaluator() *Evaluator {
	return n.evaluator
}

// AddNode registers node under a unique name with the given ports.
// New nodes are enabled and invalid.
func (n *Network) AddNode(name string, node Node, ports Ports) (NodeID, error) {
	if name == "" {
		return 0, fmt.Errorf("add node: empty name")
	}
	if node == nil {
		return 0, fmt.Errorf("add node %q: nil node", name)
	}
	if _, ok := n.names[name]; ok {
		return 0, fmt.Errorf("add node %q: %w", name, ErrDuplicateName)
	}
	if dup, ok := firstDuplicate(ports.Inputs); ok {
		return 0, fmt.Errorf("add node %q: inport %q: %w", name, dup, ErrDuplicateName)
	}
	if dup, ok := firstDuplicate(ports.Outputs); ok {
		return 0, fmt.Errorf("add node %q: outport %q: %w", name, dup, ErrDuplicateName)
	}

	n.next++
	id := n.next
	e := &nodeEntry{
		id:      id,
		name:    name,
		node:    node,
		inputs:  slices.Clone(ports.Inputs),
		outputs: slices.Clone(ports.Outputs),
		sources: make(map[string]Outport),
		data:    make(map[string]*portData, len(ports.Outputs)),
		enabled: true,
	}
	for _, out := range e.outputs {
		e.data[out] = &portData{}
	}

	n.nodes[id] = e
	n.ids = append(n.ids, id)
	n.names[name] = id

	n.events.Invoke(NetworkEvent{Kind: EventNodeAdded, Node: id})
	return id, nil
}

// RemoveNode disconnects and removes a node. Its consumers are invalidated.
func (n *Network) RemoveNode(id NodeID) error {
	e, ok := n.nodes[id]
	if !ok {
		return fmt.Errorf("remove node %s: %w", id, ErrNodeNotFound)
	}

	for _, in := range e.inputs {
		if _, ok := e.sources[in]; ok {
			n.disconnect(Inport{Node: id, Name: in}, false)
		}
	}
	for _, out := range e.outputs {
		for _, in := range slices.Clone(n.consumers[Outport{Node: id, Name: out}]) {
			n.disconnect(in, true)
		}
	}

	delete(n.nodes, id)
	delete(n.names, e.name)
	n.ids = slices.DeleteFunc(n.ids, func(x NodeID) bool { return x == id })

	n.events.Invoke(NetworkEvent{Kind: EventNodeRemoved, Node: id})
	return nil
}

// Connect adds a connection. The consumer and its downstream nodes are
// invalidated. Cycles are accepted here and reported by the evaluator.
func (n *Network) Connect(from Outport, to Inport) error {
	src, ok := n.nodes[from.Node]
	if !ok {
		return fmt.Errorf("connect %s: producer: %w", from, ErrNodeNotFound)
	}
	dst, ok := n.nodes[to.Node]
	if !ok {
		return fmt.Errorf("connect %s: consumer: %w", to, ErrNodeNotFound)
	}
	if !slices.Contains(src.outputs, from.Name) {
		return fmt.Errorf("connect %s -> %s: outport %q on %s: %w", from, to, from.Name, src.name, ErrPortNotFound)
	}
	if !slices.Contains(dst.inputs, to.Name) {
		return fmt.Errorf("connect %s -> %s: inport %q on %s: %w", from, to, to.Name, dst.name, ErrPortNotFound)
	}
	if from.Node == to.Node {
		return fmt.Errorf("connect %s -> %s: %w", from, to, ErrSelfLoop)
	}
	if cur, ok := dst.sources[to.Name]; ok {
		return fmt.Errorf("connect %s -> %s: fed by %s: %w", from, to, cur, ErrInportOccupied)
	}

	dst.sources[to.Name] = from
	n.consumers[from] = append(n.consumers[from], to)

	c := Connection{From: from, To: to}
	n.events.Invoke(NetworkEvent{Kind: EventConnected, Node: to.Node, Connection: c})
	n.invalidate([]NodeID{to.Node})
	n.events.Invoke(NetworkEvent{Kind: EventInvalidationEnd, Node: to.Node})
	return nil
}

// Disconnect removes the connection feeding in. Disconnecting an unconnected
// inport is a no-op.
func (n *Network) Disconnect(in Inport) error {
	dst, ok := n.nodes[in.Node]
	if !ok {
		return fmt.Errorf("disconnect %s: %w", in, ErrNodeNotFound)
	}
	if !slices.Contains(dst.inputs, in.Name) {
		return fmt.Errorf("disconnect %s: %w", in, ErrPortNotFound)
	}
	if _, ok := dst.sources[in.Name]; !ok {
		return nil
	}
	n.disconnect(in, true)
	return nil
}

func (n *Network) disconnect(in Inport, invalidate bool) {
	dst := n.nodes[in.Node]
	from := dst.sources[in.Name]
	delete(dst.sources, in.Name)

	rest := slices.DeleteFunc(n.consumers[from], func(x Inport) bool { return x == in })
	if len(rest) == 0 {
		delete(n.consumers, from)
	} else {
		n.consumers[from] = rest
	}

	n.events.Invoke(NetworkEvent{
		Kind:       EventDisconnected,
		Node:       in.Node,
		Connection: Connection{From: from, To: in},
	})
	if invalidate {
		n.invalidate([]NodeID{in.Node})
		n.events.Invoke(NetworkEvent{Kind: EventInvalidationEnd, Node: in.Node})
	}
}

// Invalidate marks a node and every node downstream of it invalid.
func (n *Network) Invalidate(id NodeID) error {
	if _, ok := n.nodes[id]; !ok {
		return fmt.Errorf("invalidate %s: %w", id, ErrNodeNotFound)
	}
	n.invalidate([]NodeID{id})
	n.events.Invoke(NetworkEvent{Kind: EventInvalidationEnd, Node: id})
	return nil
}

// PublishOutput stores v on an outport, marks it valid and invalidates the
// consumers of the outport.
func (n *Network) PublishOutput(out Outport, v any) error {
	d, err := n.outport(out)
	if err != nil {
		return fmt.Errorf("publish %s: %w", out, err)
	}
	d.value = v
	d.valid = true
	n.invalidateConsumers(out.Node, []Outport{out})
	return nil
}

// InvalidateOutport marks an outport's data invalid and invalidates its
// consumers. The last value is kept but no longer returned.
func (n *Network) InvalidateOutport(out Outport) error {
	d, err := n.outport(out)
	if err != nil {
		return fmt.Errorf("invalidate %s: %w", out, err)
	}
	d.valid = false
	n.invalidateConsumers(out.Node, []Outport{out})
	return nil
}

// ClearOutputs drops the data of every outport of a node and invalidates
// their consumers.
func (n *Network) ClearOutputs(id NodeID) error {
	e, ok := n.nodes[id]
	if !ok {
		return fmt.Errorf("clear outputs %s: %w", id, ErrNodeNotFound)
	}
	outs := make([]Outport, 0, len(e.outputs))
	for _, name := range e.outputs {
		*e.data[name] = portData{}
		outs = append(outs, Outport{Node: id, Name: name})
	}
	n.invalidateConsumers(id, outs)
	return nil
}

func (n *Network) invalidateConsumers(producer NodeID, outs []Outport) {
	var roots []NodeID
	for _, out := range outs {
		for _, in := range n.consumers[out] {
			roots = append(roots, in.Node)
		}
	}
	if len(roots) == 0 {
		return
	}
	n.invalidate(roots)
	n.events.Invoke(NetworkEvent{Kind: EventInvalidationEnd, Node: producer, Downstream: true})
}

// invalidate marks roots and their transitive consumers invalid and bumps
// their generation.
func (n *Network) invalidate(roots []NodeID) {
	seen := make(map[NodeID]bool, len(roots))
	queue := slices.Clone(roots)
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if seen[id] {
			continue
		}
		seen[id] = true

		e, ok := n.nodes[id]
		if !ok {
			continue
		}
		e.valid = false
		e.gen++
		for _, out := range e.outputs {
			for _, in := range n.consumers[Outport{Node: id, Name: out}] {
				queue = append(queue, in.Node)
			}
		}
	}
}

// markValid marks a node valid if it was not invalidated since gen.
func (n *Network) markValid(id NodeID, gen uint64) bool {
	e, ok := n.nodes[id]
	if !ok || e.gen != gen {
		return false
	}
	e.valid = true
	return true
}

// SetEnabled includes or excludes a node from evaluation. Re-enabling a node
// invalidates it so the next pass runs it.
func (n *Network) SetEnabled(id NodeID, enabled bool) error {
	e, ok := n.nodes[id]
	if !ok {
		return fmt.Errorf("set enabled %s: %w", id, ErrNodeNotFound)
	}
	if e.enabled == enabled {
		return nil
	}
	e.enabled = enabled
	if enabled {
		n.invalidate([]NodeID{id})
		n.events.Invoke(NetworkEvent{Kind: EventInvalidationEnd, Node: id})
	}
	return nil
}

// RequestEvaluate asks the attached evaluator for a pass.
func (n *Network) RequestEvaluate() {
	n.events.Invoke(NetworkEvent{Kind: EventEvaluateRequest})
}

// Lock starts a batch edit. Evaluation is held back until the matching
// Unlock. Locks nest.
func (n *Network) Lock() {
	n.locks++
}

// Unlock ends a batch edit. The last Unlock broadcasts EventUnlocked.
// Unlocking an unlocked network is a no-op.
func (n *Network) Unlock() {
	if n.locks == 0 {
		return
	}
	n.locks--
	if n.locks == 0 {
		n.events.Invoke(NetworkEvent{Kind: EventUnlocked})
	}
}

// Locked reports whether a batch edit is in progress.
func (n *Network) Locked() bool {
	return n.locks > 0
}

// Has reports whether id is registered.
func (n *Network) Has(id NodeID) bool {
	_, ok := n.nodes[id]
	return ok
}

// Node returns the node registered under id.
func (n *Network) Node(id NodeID) (Node, bool) {
	e, ok := n.nodes[id]
	if !ok {
		return nil, false
	}
	return e.node, true
}

// Name returns the registered name of id, or "" for an unknown node.
func (n *Network) Name(id NodeID) string {
	if e, ok := n.nodes[id]; ok {
		return e.name
	}
	return ""
}

// Lookup returns the node registered under name.
func (n *Network) Lookup(name string) (NodeID, bool) {
	id, ok := n.names[name]
	return id, ok
}

// Nodes returns every node in registration order.
func (n *Network) Nodes() []NodeID {
	return slices.Clone(n.ids)
}

// Len returns the number of registered nodes.
func (n *Network) Len() int {
	return len(n.ids)
}

// Inputs returns the inports of id in declaration order.
func (n *Network) Inputs(id NodeID) []Inport {
	e, ok := n.nodes[id]
	if !ok {
		return nil
	}
	ports := make([]Inport, len(e.inputs))
	for i, name := range e.inputs {
		ports[i] = Inport{Node: id, Name: name}
	}
	return ports
}

// Outputs returns the outports of id in declaration order.
func (n *Network) Outputs(id NodeID) []Outport {
	e, ok := n.nodes[id]
	if !ok {
		return nil
	}
	ports := make([]Outport, len(e.outputs))
	for i, name := range e.outputs {
		ports[i] = Outport{Node: id, Name: name}
	}
	return ports
}

// Source returns the outport feeding in.
func (n *Network) Source(in Inport) (Outport, bool) {
	e, ok := n.nodes[in.Node]
	if !ok {
		return Outport{}, false
	}
	out, ok := e.sources[in.Name]
	return out, ok
}

// Consumers returns the inports fed by out, in connection order.
func (n *Network) Consumers(out Outport) []Inport {
	return slices.Clone(n.consumers[out])
}

// IsConnected reports whether out feeds in.
func (n *Network) IsConnected(out Outport, in Inport) bool {
	src, ok := n.Source(in)
	return ok && src == out
}

// Connections returns every connection ordered by consumer registration and
// inport declaration.
func (n *Network) Connections() []Connection {
	var conns []Connection
	for _, id := range n.ids {
		e := n.nodes[id]
		for _, in := range e.inputs {
			if src, ok := e.sources[in]; ok {
				conns = append(conns, Connection{From: src, To: Inport{Node: id, Name: in}})
			}
		}
	}
	return conns
}

// Producers returns the direct predecessors of id, deduplicated, in inport
// declaration order.
func (n *Network) Producers(id NodeID) []NodeID {
	e, ok := n.nodes[id]
	if !ok {
		return nil
	}
	var out []NodeID
	for _, in := range e.inputs {
		if src, ok := e.sources[in]; ok && !slices.Contains(out, src.Node) {
			out = append(out, src.Node)
		}
	}
	return out
}

// IsEnabled reports whether id takes part in evaluation. Unknown nodes are
// not enabled.
func (n *Network) IsEnabled(id NodeID) bool {
	e, ok := n.nodes[id]
	return ok && e.enabled
}

// IsValid reports whether id ran successfully since it was last invalidated.
func (n *Network) IsValid(id NodeID) bool {
	e, ok := n.nodes[id]
	return ok && e.valid
}

// Output returns the data on out if it is valid.
func (n *Network) Output(out Outport) (any, bool) {
	d, err := n.outport(out)
	if err != nil || !d.valid {
		return nil, false
	}
	return d.value, true
}

// Input returns the valid data on the outport feeding in.
func (n *Network) Input(in Inport) (any, bool) {
	src, ok := n.Source(in)
	if !ok {
		return nil, false
	}
	return n.Output(src)
}

func (n *Network) outport(out Outport) (*portData, error) {
	e, ok := n.nodes[out.Node]
	if !ok {
		return nil, ErrNodeNotFound
	}
	d, ok := e.data[out.Name]
	if !ok {
		return nil, ErrPortNotFound
	}
	return d, nil
}

func firstDuplicate(names []string) (string, bool) {
	seen := make(map[string]bool, len(names))
	for _, name := range names {
		if seen[name] {
			return name, true
		}
		seen[name] = true
	}
	return "", false
}
