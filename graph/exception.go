package graph

import (
	"fmt"
	"log/slog"
)

// Action tells the evaluator how to continue after a node failure.
type Action int

const (
	// Continue runs the remaining nodes of the pass.
	Continue Action = iota
	// Abort skips the remaining nodes of the pass.
	Abort
)

// String implements fmt.Stringer.
func (a Action) String() string {
	switch a {
	case Continue:
		return "continue"
	case Abort:
		return "abort"
	default:
		return fmt.Sprintf("action(%d)", int(a))
	}
}

// ExceptionHandler is called once per failing node per pass.
type ExceptionHandler func(err *ProcessorError) Action

// LogAndContinue logs the failure and lets the pass go on.
func LogAndContinue(logger *slog.Logger) ExceptionHandler {
	return logFailure(logger, Continue)
}

// LogAndAbort logs the failure and ends the pass.
func LogAndAbort(logger *slog.Logger) ExceptionHandler {
	return logFailure(logger, Abort)
}

func logFailure(logger *slog.Logger, action Action) ExceptionHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(err *ProcessorError) Action {
		attrs := []any{
			slog.String("node", err.Name),
			slog.Int("node_id", int(err.NodeID)),
			slog.String("error", err.Message),
			slog.String("action", action.String()),
		}
		if err.Panic != nil {
			attrs = append(attrs, slog.String("panic", fmt.Sprint(err.Panic)))
		}
		logger.Error("node failed", attrs...)
		return action
	}
}

// ParseAction maps "continue" and "abort" to their Action.
func ParseAction(s string) (Action, error) {
	switch s {
	case "continue", "":
		return Continue, nil
	case "abort":
		return Abort, nil
	default:
		return Continue, fmt.Errorf("unknown failure policy %q", s)
	}
}
