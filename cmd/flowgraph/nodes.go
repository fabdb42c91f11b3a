package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dshills/dataflow-go/graph"
	"github.com/dshills/dataflow-go/graph/job"
)

// Node kinds and their ports. All node data is float64.
var kinds = map[string]graph.Ports{
	"constant": {Outputs: []string{"out"}},
	"add":      {Inputs: []string{"a", "b"}, Outputs: []string{"out"}},
	"scale":    {Inputs: []string{"in"}, Outputs: []string{"out"}},
	"slow":     {Inputs: []string{"in"}, Outputs: []string{"out"}},
	"fail":     {Inputs: []string{"in"}, Outputs: []string{"out"}},
	"print":    {Inputs: []string{"in"}},
}

// pipeline is a network built from a Config together with the evaluator and
// job processors driving it.
type pipeline struct {
	net    *graph.Network
	ev     *graph.Evaluator
	procs  []*job.Processor
	logger *slog.Logger

	// outputs holds the last value seen by each print node. Owner goroutine
	// only.
	outputs map[string]any
}

func buildPipeline(cfg *Config, ev *graph.Evaluator, submitter job.Submitter, rec job.Recorder, logger *slog.Logger) (*pipeline, error) {
	p := &pipeline{
		net:     ev.Network(),
		ev:      ev,
		logger:  logger,
		outputs: make(map[string]any),
	}

	// Hold evaluation until the whole network is in place.
	p.net.Lock()
	defer p.net.Unlock()

	for _, nc := range cfg.Nodes {
		node := p.node(nc, submitter, rec)
		id, err := p.net.AddNode(nc.Name, node, kinds[nc.Kind])
		if err != nil {
			p.close()
			return nil, fmt.Errorf("node %s: %w", nc.Name, err)
		}
		if nc.Disabled {
			if err := p.net.SetEnabled(id, false); err != nil {
				p.close()
				return nil, err
			}
		}
	}

	for _, conn := range cfg.Connections {
		from, err := p.outport(conn.From)
		if err != nil {
			p.close()
			return nil, err
		}
		to, err := p.inport(conn.To)
		if err != nil {
			p.close()
			return nil, err
		}
		if err := p.net.Connect(from, to); err != nil {
			p.close()
			return nil, err
		}
	}
	return p, nil
}

func (p *pipeline) node(nc NodeConfig, submitter job.Submitter, rec job.Recorder) graph.Node {
	switch nc.Kind {
	case "constant":
		return graph.NodeFunc(func(_ context.Context, pc *graph.ProcessContext) error {
			return pc.SetOutput("out", nc.Value)
		})
	case "add":
		return graph.NodeFunc(func(_ context.Context, pc *graph.ProcessContext) error {
			a, okA := input(pc, "a")
			b, okB := input(pc, "b")
			if !okA || !okB {
				return pc.ClearOutputs()
			}
			return pc.SetOutput("out", a+b)
		})
	case "scale":
		return graph.NodeFunc(func(_ context.Context, pc *graph.ProcessContext) error {
			v, ok := input(pc, "in")
			if !ok {
				return pc.ClearOutputs()
			}
			return pc.SetOutput("out", v*nc.Factor)
		})
	case "fail":
		return graph.NodeFunc(func(context.Context, *graph.ProcessContext) error {
			msg := nc.Message
			if msg == "" {
				msg = "failed"
			}
			return errors.New(msg)
		})
	case "print":
		return graph.NodeFunc(func(_ context.Context, pc *graph.ProcessContext) error {
			if v, ok := pc.Input("in"); ok {
				p.outputs[pc.Name()] = v
			} else {
				delete(p.outputs, pc.Name())
			}
			return nil
		})
	default:
		return p.slowNode(nc, submitter, rec)
	}
}

// slowNode multiplies its input by Factor on the worker pool, split into
// Parts tasks that each sleep Delay.
func (p *pipeline) slowNode(nc NodeConfig, submitter job.Submitter, rec job.Recorder) graph.Node {
	logger := p.logger
	proc := job.NewProcessor(nc.Name, submitter, p.ev,
		job.WithDebounce(nc.Debounce),
		job.WithLogger(logger),
		job.WithRecorder(rec),
		job.OnProgress(func(v float64) {
			logger.Debug("job progress", slog.String("node", nc.Name), slog.Float64("progress", v))
		}),
	)
	p.procs = append(p.procs, proc)

	parts := max(nc.Parts, 1)
	return graph.NodeFunc(func(_ context.Context, pc *graph.ProcessContext) error {
		v, ok := input(pc, "in")
		if !ok {
			proc.StopJobs()
			return pc.ClearOutputs()
		}

		net, id := pc.Network(), pc.ID()
		out := graph.Outport{Node: id, Name: "out"}
		share := v * nc.Factor / float64(parts)
		results := make([]float64, parts)
		tasks := make([]job.Task, parts)
		for i := range tasks {
			tasks[i] = func(ctx context.Context, prog job.Progress) error {
				const steps = 4
				for s := 1; s <= steps; s++ {
					if prog.Stopped() {
						return nil
					}
					select {
					case <-ctx.Done():
						return nil
					case <-time.After(nc.Delay / steps):
					}
					prog.Step(s, steps)
				}
				results[i] = share
				return nil
			}
		}

		proc.Submit(job.Submission{
			Tasks:         tasks,
			SetupProgress: func() { _ = net.InvalidateOutport(out) },
			OnResults: func() {
				var total float64
				for _, r := range results {
					total += r
				}
				if err := net.PublishOutput(out, total); err != nil {
					logger.Warn("publish failed", slog.String("node", nc.Name), slog.String("error", err.Error()))
				}
			},
			OnError: func(err error) {
				logger.Error("job failed", slog.String("node", nc.Name), slog.String("error", err.Error()))
				_ = net.ClearOutputs(id)
			},
		})
		return nil
	})
}

// busy reports whether any slow node still has a job in flight.
func (p *pipeline) busy() bool {
	for _, proc := range p.procs {
		if proc.Busy() {
			return true
		}
	}
	return false
}

func (p *pipeline) close() {
	for _, proc := range p.procs {
		proc.Close()
	}
	p.procs = nil
}

func (p *pipeline) outport(ref string) (graph.Outport, error) {
	name, port, err := splitPort(ref)
	if err != nil {
		return graph.Outport{}, err
	}
	id, ok := p.net.Lookup(name)
	if !ok {
		return graph.Outport{}, fmt.Errorf("connection from %s: %w", ref, graph.ErrNodeNotFound)
	}
	return graph.Outport{Node: id, Name: port}, nil
}

func (p *pipeline) inport(ref string) (graph.Inport, error) {
	name, port, err := splitPort(ref)
	if err != nil {
		return graph.Inport{}, err
	}
	id, ok := p.net.Lookup(name)
	if !ok {
		return graph.Inport{}, fmt.Errorf("connection to %s: %w", ref, graph.ErrNodeNotFound)
	}
	return graph.Inport{Node: id, Name: port}, nil
}

func input(pc *graph.ProcessContext, name string) (float64, bool) {
	v, ok := pc.Input(name)
	if !ok {
		return 0, false
	}
	f, ok := v.(float64)
	return f, ok
}
