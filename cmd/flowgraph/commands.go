package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/dshills/dataflow-go/graph"
	"github.com/dshills/dataflow-go/graph/emit"
	"github.com/dshills/dataflow-go/graph/pool"
	"github.com/dshills/dataflow-go/graph/store"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

// ErrRunFailed is returned when a pass could not be computed or a node
// failed.
var ErrRunFailed = errors.New("evaluation failed")

type options struct {
	workers     int
	policy      string
	jsonOutput  bool
	verbose     bool
	events      bool
	metricsAddr string
	sqlitePath  string
	mysqlDSN    string
	otel        bool
}

func newRootCmd() *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:           "flowgraph",
		Short:         "Evaluate dataflow networks described in YAML",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "debug logging")

	run := &cobra.Command{
		Use:   "run [config.yaml]",
		Short: "Evaluate a network until every job has finished",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runNetwork(cmd.Context(), cmd.OutOrStdout(), cmd.ErrOrStderr(), args[0], opts)
		},
	}
	flags := run.Flags()
	flags.IntVar(&opts.workers, "workers", 4, "worker pool size (0 runs jobs inline)")
	flags.StringVar(&opts.policy, "policy", "continue", "node failure policy: continue or abort")
	flags.BoolVar(&opts.jsonOutput, "json", false, "print the report as JSON")
	flags.BoolVar(&opts.events, "events", false, "write evaluator events to stderr")
	flags.StringVar(&opts.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address until interrupted")
	flags.StringVar(&opts.sqlitePath, "sqlite", "", "record pass history in this SQLite file")
	flags.StringVar(&opts.mysqlDSN, "mysql-dsn", "", "record pass history in MySQL")
	flags.BoolVar(&opts.otel, "otel", false, "trace evaluator events with OpenTelemetry")

	order := &cobra.Command{
		Use:   "order [config.yaml]",
		Short: "Print the evaluation order of a network",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return printOrder(cmd.OutOrStdout(), cmd.ErrOrStderr(), args[0], opts)
		},
	}

	root.AddCommand(run, order)
	return root
}

func newLogger(w io.Writer, verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

func openStore(opts *options) (store.Store, error) {
	switch {
	case opts.sqlitePath != "" && opts.mysqlDSN != "":
		return nil, errors.New("--sqlite and --mysql-dsn are mutually exclusive")
	case opts.sqlitePath != "":
		return store.NewSQLiteStore(opts.sqlitePath)
	case opts.mysqlDSN != "":
		return store.NewMySQLStore(opts.mysqlDSN)
	default:
		return store.NewMemStore(), nil
	}
}

func runNetwork(ctx context.Context, stdout, stderr io.Writer, path string, opts *options) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := loadConfig(path)
	if err != nil {
		return err
	}
	action, err := graph.ParseAction(opts.policy)
	if err != nil {
		return err
	}
	logger := newLogger(stderr, opts.verbose)

	history, err := openStore(opts)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer history.Close()

	registry := prometheus.NewRegistry()
	metrics := graph.NewPrometheusMetrics(registry)

	var emitters emit.Multi
	if opts.events {
		emitters = append(emitters, emit.NewLogEmitter(stderr, opts.jsonOutput))
	}
	if opts.otel {
		tp := newTracerProvider(logger)
		defer func() {
			if err := tp.Shutdown(context.Background()); err != nil {
				logger.Warn("tracer shutdown failed", slog.String("error", err.Error()))
			}
		}()
		emitters = append(emitters, emit.NewOTelEmitter(tp.Tracer("flowgraph")))
	}

	handler := graph.LogAndContinue(logger)
	if action == graph.Abort {
		handler = graph.LogAndAbort(logger)
	}

	evOpts := []graph.Option{
		graph.WithLogger(logger),
		graph.WithExceptionHandler(handler),
		graph.WithMetrics(metrics),
		graph.WithStore(history),
	}
	if len(emitters) > 0 {
		evOpts = append(evOpts, graph.WithEmitter(emitters))
	}

	wp := pool.New(opts.workers, pool.WithLogger(logger), pool.WithRecorder(metrics))
	defer wp.Close()

	ev, err := graph.NewEvaluator(graph.NewNetwork(), evOpts...)
	if err != nil {
		return err
	}
	defer ev.Close()

	p, err := buildPipeline(cfg, ev, wp, metrics, logger)
	if err != nil {
		return err
	}
	defer p.close()

	var srv *http.Server
	if opts.metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
		srv = &http.Server{Addr: opts.metricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := ev.RunUntilIdle(gctx, func() bool { return !p.busy() }); err != nil {
			return err
		}
		if err := report(gctx, stdout, p, history, opts.jsonOutput); err != nil {
			return err
		}
		if srv == nil {
			return nil
		}
		logger.Info("serving metrics until interrupted", slog.String("addr", opts.metricsAddr))
		<-gctx.Done()
		return nil
	})
	if srv != nil {
		g.Go(func() error {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}
	return g.Wait()
}

// runReport is the JSON form of a finished run.
type runReport struct {
	RunID   string         `json:"run_id"`
	Passes  []store.Record `json:"passes"`
	Outputs map[string]any `json:"outputs"`
}

// report writes the pass history and print node values, and returns
// ErrRunFailed if any pass had a configuration error or a failed node.
func report(ctx context.Context, w io.Writer, p *pipeline, history store.Store, jsonOutput bool) error {
	passes, err := history.LoadPasses(ctx, p.ev.RunID())
	if err != nil {
		return fmt.Errorf("failed to load pass history: %w", err)
	}

	if jsonOutput {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if err := enc.Encode(runReport{RunID: p.ev.RunID(), Passes: passes, Outputs: p.outputs}); err != nil {
			return err
		}
	} else {
		writeText(w, p, passes)
	}

	var failures int
	for _, rec := range passes {
		if rec.Error != "" {
			return fmt.Errorf("%w: pass %d: %s", ErrRunFailed, rec.Pass, rec.Error)
		}
		for _, n := range rec.Nodes {
			if n.Status == string(graph.StatusFailed) {
				failures++
			}
		}
	}
	if failures > 0 {
		return fmt.Errorf("%w: %d node failure(s)", ErrRunFailed, failures)
	}
	return nil
}

func writeText(w io.Writer, p *pipeline, passes []store.Record) {
	fmt.Fprintf(w, "run %s\n", p.ev.RunID())
	for _, rec := range passes {
		result := "ok"
		switch {
		case rec.Error != "":
			result = "config error: " + rec.Error
		case rec.Aborted:
			result = "aborted"
		}
		fmt.Fprintf(w, "pass %d %s (%s)\n", rec.Pass, result, rec.Duration)
		for _, n := range rec.Nodes {
			if n.Status == string(graph.StatusUpToDate) {
				continue
			}
			line := fmt.Sprintf("  %-12s %s", n.Name, n.Status)
			if n.Error != "" {
				line += ": " + n.Error
			}
			fmt.Fprintln(w, line)
		}
	}

	names := make([]string, 0, len(p.outputs))
	for name := range p.outputs {
		names = append(names, name)
	}
	slices.Sort(names)
	for _, name := range names {
		fmt.Fprintf(w, "%s = %v\n", name, p.outputs[name])
	}
}

func printOrder(stdout, stderr io.Writer, path string, opts *options) error {
	cfg, err := loadConfig(path)
	if err != nil {
		return err
	}
	logger := newLogger(stderr, opts.verbose)

	wp := pool.New(0, pool.WithLogger(logger))
	defer wp.Close()

	ev, err := graph.NewEvaluator(graph.NewNetwork(), graph.WithLogger(logger))
	if err != nil {
		return err
	}
	defer ev.Close()

	metrics := graph.NewPrometheusMetrics(prometheus.NewRegistry())
	p, err := buildPipeline(cfg, ev, wp, metrics, logger)
	if err != nil {
		return err
	}
	defer p.close()

	order, err := ev.Order()
	if err != nil {
		return err
	}
	names := make([]string, len(order))
	for i, id := range order {
		names[i] = p.net.Name(id)
	}
	fmt.Fprintln(stdout, strings.Join(names, " -> "))
	return nil
}
