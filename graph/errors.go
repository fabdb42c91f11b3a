package graph

import (
	"errors"
	"fmt"
)

var (
	// ErrCycle indicates the connections form a cycle. Evaluation passes
	// fail with a ConfigError wrapping it until the cycle is removed.
	ErrCycle = errors.New("connection cycle detected")

	// ErrMissingPredecessor indicates a connection whose producer is no
	// longer registered.
	ErrMissingPredecessor = errors.New("connection references a missing producer")

	// ErrNodeNotFound is returned by mutators given an unknown NodeID.
	ErrNodeNotFound = errors.New("node not found")

	// ErrPortNotFound is returned when a port name is not declared on its node.
	ErrPortNotFound = errors.New("port not found")

	// ErrInportOccupied is returned when connecting to an inport that already
	// has a source. An inport accepts at most one connection.
	ErrInportOccupied = errors.New("inport already connected")

	// ErrSelfLoop is returned when connecting a node to itself.
	ErrSelfLoop = errors.New("node cannot connect to itself")

	// ErrEvaluatorAttached is returned when a second evaluator is created for
	// a network.
	ErrEvaluatorAttached = errors.New("network already has an evaluator")

	// ErrDuplicateName is returned when a node or port name is reused.
	ErrDuplicateName = errors.New("duplicate name")
)

// ConfigError reports a topology problem found while computing the
// evaluation order. It is fatal to the pass that found it only.
type ConfigError struct {
	// Code is a machine-readable error code: "CYCLE" or "MISSING_PREDECESSOR".
	Code string

	// Message is the human-readable description.
	Message string

	// Cause is ErrCycle or ErrMissingPredecessor.
	Cause error
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	return e.Code + ": " + e.Message
}

// Unwrap returns the underlying sentinel.
func (e *ConfigError) Unwrap() error {
	return e.Cause
}

// ProcessorError describes a node whose Run failed or panicked.
type ProcessorError struct {
	// NodeID identifies the failing node.
	NodeID NodeID

	// Name is the node's registered name.
	Name string

	// Message is the human-readable description.
	Message string

	// Cause is the error returned by Run, nil for a panic.
	Cause error

	// Panic holds the recovered value if Run panicked.
	Panic any
}

// Error implements the error interface.
func (e *ProcessorError) Error() string {
	return fmt.Sprintf("node %s (%s): %s", e.Name, e.NodeID, e.Message)
}

// Unwrap returns the error returned by Run.
func (e *ProcessorError) Unwrap() error {
	return e.Cause
}
