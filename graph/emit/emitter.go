// Package emit delivers evaluator observability events to pluggable backends.
package emit

// Emitter receives events from the evaluator.
//
// Emit is called on the evaluator's owner loop, so implementations must not
// block for long and must not panic. Implementations shipped here are safe
// for concurrent use.
type Emitter interface {
	Emit(event Event)
}

// Multi fans each event out to every emitter in order.
type Multi []Emitter

// Emit implements Emitter.
func (m Multi) Emit(event Event) {
	for _, e := range m {
		if e != nil {
			e.Emit(event)
		}
	}
}
