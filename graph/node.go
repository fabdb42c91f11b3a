// Package graph provides the dataflow network and the evaluator that decides
// when and in what order its nodes run.
package graph

import (
	"context"
	"fmt"
)

// NodeID is a stable arena handle for a node registered in a Network.
// IDs are assigned in registration order starting at 1 and never reused.
// The zero NodeID refers to no node.
type NodeID int

// String implements fmt.Stringer.
func (id NodeID) String() string {
	return fmt.Sprintf("#%d", int(id))
}

// Node is a processing unit in the dataflow network.
//
// The evaluator calls Run synchronously on the goroutine that owns the
// network, once per evaluation pass while the node is invalid and enabled.
// Run reads inputs and writes outputs through pc. A node with long-running
// work submits a job and returns immediately; the job publishes outputs
// later through the owner loop.
//
// A returned error is reported to the evaluator's ExceptionHandler and the
// node stays invalid. Returning nil marks the node valid.
type Node interface {
	Run(ctx context.Context, pc *ProcessContext) error
}

// NodeFunc adapts a plain function to the Node interface.
//
// Example:
//
//	double := graph.NodeFunc(func(ctx context.Context, pc *graph.ProcessContext) error {
//	    v, _ := pc.Input("in")
//	    return pc.SetOutput("out", v.(float64)*2)
//	})
type NodeFunc func(ctx context.Context, pc *ProcessContext) error

// Run implements the Node interface for NodeFunc.
func (f NodeFunc) Run(ctx context.Context, pc *ProcessContext) error {
	return f(ctx, pc)
}

// InteractionHandler is implemented by nodes that react to interaction
// events propagated from their consumers.
type InteractionHandler interface {
	HandleInteraction(pc *ProcessContext, ev *InteractionEvent)
}

// InteractionEvent is an input event routed upward through the producers of
// a node. A handler calls Consume to stop further propagation.
type InteractionEvent struct {
	// Kind names the event, for example "pick" or "zoom".
	Kind string

	// Payload carries event specific data.
	Payload any

	consumed bool
}

// Consume marks the event as handled.
func (e *InteractionEvent) Consume() { e.consumed = true }

// Consumed reports whether a handler consumed the event.
func (e *InteractionEvent) Consumed() bool { return e.consumed }

// Ports declares the named ports of a node at registration.
type Ports struct {
	Inputs  []string
	Outputs []string
}

// ProcessContext gives a running node access to its own ports.
type ProcessContext struct {
	net *Network
	id  NodeID
}

// ID returns the running node's handle.
func (pc *ProcessContext) ID() NodeID { return pc.id }

// Name returns the running node's registered name.
func (pc *ProcessContext) Name() string { return pc.net.Name(pc.id) }

// Network returns the network the node belongs to.
func (pc *ProcessContext) Network() *Network { return pc.net }

// Input returns the valid data on the outport feeding the named inport.
// It returns false if the inport is unconnected or its source is invalid.
func (pc *ProcessContext) Input(name string) (any, bool) {
	return pc.net.Input(Inport{Node: pc.id, Name: name})
}

// SetOutput publishes v on the named outport and invalidates its consumers.
func (pc *ProcessContext) SetOutput(name string, v any) error {
	return pc.net.PublishOutput(Outport{Node: pc.id, Name: name}, v)
}

// ClearOutputs invalidates every outport of the running node.
func (pc *ProcessContext) ClearOutputs() error {
	return pc.net.ClearOutputs(pc.id)
}
