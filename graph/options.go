package graph

import (
	"errors"
	"log/slog"

	"github.com/dshills/dataflow-go/graph/emit"
	"github.com/dshills/dataflow-go/graph/store"
)

// Option is a functional option for configuring an Evaluator.
//
// Example:
//
//	ev, err := graph.NewEvaluator(net,
//	    graph.WithLogger(logger),
//	    graph.WithExceptionHandler(graph.LogAndAbort(logger)),
//	    graph.WithMetrics(graph.NewPrometheusMetrics(registry)),
//	)
type Option func(*evaluatorConfig) error

// evaluatorConfig collects options before they are applied to an Evaluator.
type evaluatorConfig struct {
	logger  *slog.Logger
	emitter emit.Emitter
	handler ExceptionHandler
	metrics *PrometheusMetrics
	store   store.Store
	runID   string
}

// WithLogger sets the structured logger. Default: slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(cfg *evaluatorConfig) error {
		if logger == nil {
			return errors.New("logger must not be nil")
		}
		cfg.logger = logger
		return nil
	}
}

// WithEmitter sends pass and node events to emitter.
// Default: emit.NullEmitter.
func WithEmitter(emitter emit.Emitter) Option {
	return func(cfg *evaluatorConfig) error {
		if emitter == nil {
			return errors.New("emitter must not be nil")
		}
		cfg.emitter = emitter
		return nil
	}
}

// WithExceptionHandler sets the node failure policy.
// Default: LogAndContinue with the evaluator's logger.
func WithExceptionHandler(h ExceptionHandler) Option {
	return func(cfg *evaluatorConfig) error {
		if h == nil {
			return errors.New("exception handler must not be nil")
		}
		cfg.handler = h
		return nil
	}
}

// WithMetrics records pass and node metrics.
func WithMetrics(m *PrometheusMetrics) Option {
	return func(cfg *evaluatorConfig) error {
		cfg.metrics = m
		return nil
	}
}

// WithStore persists every pass report. Store errors are logged and do not
// fail the pass.
func WithStore(s store.Store) Option {
	return func(cfg *evaluatorConfig) error {
		cfg.store = s
		return nil
	}
}

// WithRunID sets the identifier attached to reports, events and metrics.
// Default: a random UUID.
func WithRunID(id string) Option {
	return func(cfg *evaluatorConfig) error {
		if id == "" {
			return errors.New("run ID must not be empty")
		}
		cfg.runID = id
		return nil
	}
}
