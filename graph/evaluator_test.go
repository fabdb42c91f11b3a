package graph

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"slices"
	"strings"
	"testing"

	"github.com/dshills/dataflow-go/graph/emit"
	"github.com/dshills/dataflow-go/graph/store"
)

func TestNewEvaluator(t *testing.T) {
	t.Run("nil network", func(t *testing.T) {
		if _, err := NewEvaluator(nil); err == nil {
			t.Error("expected error")
		}
	})

	t.Run("invalid option", func(t *testing.T) {
		net := NewNetwork()
		if _, err := NewEvaluator(net, WithRunID("")); err == nil {
			t.Error("expected error")
		}
		if net.Evaluator() != nil {
			t.Error("failed construction attached an evaluator")
		}
	})

	t.Run("one evaluator per network", func(t *testing.T) {
		net := NewNetwork()
		ev, err := NewEvaluator(net, WithRunID("first"))
		if err != nil {
			t.Fatalf("NewEvaluator failed: %v", err)
		}
		if net.Evaluator() != ev {
			t.Error("network does not reference its evaluator")
		}
		if _, err := NewEvaluator(net); !errors.Is(err, ErrEvaluatorAttached) {
			t.Errorf("second NewEvaluator = %v, want ErrEvaluatorAttached", err)
		}

		ev.Close()
		ev.Close()
		if net.Evaluator() != nil {
			t.Error("Close did not detach")
		}
		second, err := NewEvaluator(net)
		if err != nil {
			t.Fatalf("NewEvaluator after Close failed: %v", err)
		}
		defer second.Close()
		if second.RunID() == "" || second.RunID() == "first" {
			t.Errorf("RunID = %q, want generated id", second.RunID())
		}
	})
}

// TestEvaluator_Chain covers the A -> B -> C scenario.
func TestEvaluator_Chain(t *testing.T) {
	var log []string
	net := NewNetwork()
	ids, trackers := chain(t, net, &log, "a", "b", "c")
	ev := newTestEvaluator(t, net)
	net.RequestEvaluate()
	ev.RunPending(context.Background())

	if ev.Passes() != 1 {
		t.Fatalf("passes = %d, want 1", ev.Passes())
	}
	if want := []string{"a", "b", "c"}; !slices.Equal(log, want) {
		t.Errorf("run log = %v, want %v", log, want)
	}
	for i, p := range trackers {
		if p.runs != 1 {
			t.Errorf("node %d ran %d times, want 1", i, p.runs)
		}
		if !net.IsValid(ids[i]) {
			t.Errorf("node %d not valid after pass", i)
		}
	}
	if v, ok := net.Output(Outport{Node: ids[2], Name: "out"}); !ok || v != 3 {
		t.Errorf("c.out = %v, %v, want 3", v, ok)
	}

	report := ev.LastReport()
	if report == nil || !slices.Equal(report.Ran(), ids) || len(report.Failed()) != 0 {
		t.Errorf("report = %+v", report)
	}
}

func TestEvaluator_FailurePolicies(t *testing.T) {
	boom := errors.New("boom")

	tests := []struct {
		name      string
		handler   ExceptionHandler
		panics    bool
		wantLog   []string
		wantC     Status
		wantAbort bool
	}{
		{
			name:      "continue runs the rest",
			handler:   LogAndContinue(discardLogger()),
			wantLog:   []string{"a", "b", "c"},
			wantC:     StatusRan,
			wantAbort: false,
		},
		{
			name:      "abort skips the rest",
			handler:   LogAndAbort(discardLogger()),
			wantLog:   []string{"a", "b"},
			wantC:     StatusSkippedAbort,
			wantAbort: true,
		},
		{
			name:      "panic is a failure",
			handler:   LogAndAbort(discardLogger()),
			panics:    true,
			wantLog:   []string{"a", "b"},
			wantC:     StatusSkippedAbort,
			wantAbort: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var log []string
			net := NewNetwork()
			ids, trackers := chain(t, net, &log, "a", "b", "c")
			trackers[1].fn = func(pc *ProcessContext) error {
				if tt.panics {
					panic("kaboom")
				}
				return boom
			}

			var calls int
			var got *ProcessorError
			ev := newTestEvaluator(t, net, WithExceptionHandler(func(err *ProcessorError) Action {
				calls++
				got = err
				return tt.handler(err)
			}))
			net.RequestEvaluate()
			ev.RunPending(context.Background())

			if !slices.Equal(log, tt.wantLog) {
				t.Errorf("run log = %v, want %v", log, tt.wantLog)
			}
			if calls != 1 {
				t.Errorf("handler called %d times, want 1", calls)
			}
			if got == nil || got.NodeID != ids[1] || got.Name != "b" {
				t.Fatalf("handler got %+v", got)
			}
			if tt.panics {
				if got.Panic == nil || got.Cause != nil {
					t.Errorf("panic not recorded: %+v", got)
				}
			} else if !errors.Is(got, boom) {
				t.Errorf("ProcessorError does not wrap cause: %v", got)
			}

			report := ev.LastReport()
			if report.Aborted != tt.wantAbort {
				t.Errorf("Aborted = %v, want %v", report.Aborted, tt.wantAbort)
			}
			if o, _ := report.Outcome(ids[2]); o.Status != tt.wantC {
				t.Errorf("c status = %s, want %s", o.Status, tt.wantC)
			}
			if o, _ := report.Outcome(ids[1]); o.Status != StatusFailed || o.Err == nil {
				t.Errorf("b outcome = %+v", o)
			}
			if net.IsValid(ids[1]) {
				t.Error("failed node marked valid")
			}
			if ev.evaluating {
				t.Error("evaluator still evaluating after failed pass")
			}
		})
	}
}

func TestEvaluator_SingleEvaluationPerChange(t *testing.T) {
	net := NewNetwork()
	ids, trackers := chain(t, net, nil, "a", "b", "c")
	ev := newTestEvaluator(t, net)
	ctx := context.Background()
	net.RequestEvaluate()
	ev.RunPending(ctx)

	net.RequestEvaluate()
	ev.RunPending(ctx)
	if ev.Passes() != 2 {
		t.Fatalf("passes = %d, want 2", ev.Passes())
	}
	if r := ev.LastReport(); len(r.Executed()) != 0 {
		t.Errorf("valid nodes re-ran: %v", r.Executed())
	}

	_ = net.Invalidate(ids[0])
	_ = net.Invalidate(ids[1])
	ev.RequestEvaluate()
	net.RequestEvaluate()
	ev.RunPending(ctx)

	if ev.Passes() != 3 {
		t.Errorf("passes = %d, want 3", ev.Passes())
	}
	for i, p := range trackers {
		if p.runs != 2 {
			t.Errorf("node %d ran %d times, want 2", i, p.runs)
		}
	}
}

func TestEvaluator_DisableEnableDeferral(t *testing.T) {
	net := NewNetwork()
	ids, _ := chain(t, net, nil, "a", "b")
	ev := newTestEvaluator(t, net)
	ctx := context.Background()
	net.RequestEvaluate()
	ev.RunPending(ctx)

	ev.DisableEvaluation()
	ev.DisableEvaluation()
	_ = net.Invalidate(ids[0])
	net.RequestEvaluate()
	ev.RunPending(ctx)
	if ev.Passes() != 1 {
		t.Fatalf("evaluated while disabled: passes = %d", ev.Passes())
	}

	ev.EnableEvaluation()
	ev.RunPending(ctx)
	if ev.Passes() != 1 {
		t.Fatalf("evaluated with one hold left: passes = %d", ev.Passes())
	}

	ev.EnableEvaluation()
	if ev.EvaluationDisabled() {
		t.Error("still disabled")
	}
	ev.RunPending(ctx)
	if ev.Passes() != 2 {
		t.Fatalf("passes = %d after enable, want exactly 2", ev.Passes())
	}

	// Unmatched enable is clamped.
	ev.EnableEvaluation()
	ev.DisableEvaluation()
	if !ev.EvaluationDisabled() {
		t.Error("unmatched EnableEvaluation left a negative count")
	}
	ev.EnableEvaluation()
	ev.RunPending(ctx)
	if ev.Passes() != 2 {
		t.Errorf("passes = %d without request, want 2", ev.Passes())
	}
}

func TestEvaluator_DisableAfterSchedule(t *testing.T) {
	net := NewNetwork()
	chain(t, net, nil, "a")
	ev := newTestEvaluator(t, net)
	ctx := context.Background()

	net.RequestEvaluate()
	ev.DisableEvaluation()
	ev.RunPending(ctx)
	if ev.Passes() != 0 {
		t.Fatalf("passes = %d, want 0", ev.Passes())
	}

	ev.EnableEvaluation()
	ev.RunPending(ctx)
	if ev.Passes() != 1 {
		t.Errorf("passes = %d, want 1", ev.Passes())
	}
}

func TestEvaluator_NetworkLock(t *testing.T) {
	net := NewNetwork()
	ev := newTestEvaluator(t, net)
	ctx := context.Background()

	net.Lock()
	ids, trackers := chain(t, net, nil, "a", "b", "c")
	net.Lock()
	_ = net.Invalidate(ids[0])
	net.Unlock()
	ev.RunPending(ctx)
	if ev.Passes() != 0 {
		t.Fatalf("evaluated while locked: passes = %d", ev.Passes())
	}

	net.Unlock()
	ev.RunPending(ctx)
	if ev.Passes() != 1 {
		t.Fatalf("passes = %d after unlock, want 1", ev.Passes())
	}
	for i, p := range trackers {
		if p.runs != 1 {
			t.Errorf("node %d ran %d times, want 1", i, p.runs)
		}
	}
}

func TestEvaluator_SelfInvalidationDuringRun(t *testing.T) {
	net := NewNetwork()
	ids, trackers := chain(t, net, nil, "a", "b", "c")
	trackers[1].fn = func(pc *ProcessContext) error {
		if err := relay(pc); err != nil {
			return err
		}
		if trackers[1].runs == 1 {
			return pc.Network().Invalidate(pc.ID())
		}
		return nil
	}
	ev := newTestEvaluator(t, net)
	net.RequestEvaluate()
	ev.RunPending(context.Background())

	if ev.Passes() != 2 {
		t.Fatalf("passes = %d, want 2", ev.Passes())
	}
	if trackers[0].runs != 1 || trackers[1].runs != 2 || trackers[2].runs != 2 {
		t.Errorf("runs = %d/%d/%d, want 1/2/2", trackers[0].runs, trackers[1].runs, trackers[2].runs)
	}
	if !net.IsValid(ids[1]) {
		t.Error("node not valid after second pass")
	}
}

func TestEvaluator_DisabledNode(t *testing.T) {
	net := NewNetwork()
	ids, trackers := chain(t, net, nil, "a", "b")
	if err := net.SetEnabled(ids[1], false); err != nil {
		t.Fatalf("SetEnabled failed: %v", err)
	}
	ev := newTestEvaluator(t, net)
	ctx := context.Background()
	net.RequestEvaluate()
	ev.RunPending(ctx)

	if trackers[1].runs != 0 {
		t.Error("disabled node ran")
	}
	if o, _ := ev.LastReport().Outcome(ids[1]); o.Status != StatusSkippedDisabled {
		t.Errorf("status = %s, want %s", o.Status, StatusSkippedDisabled)
	}

	_ = net.SetEnabled(ids[1], true)
	ev.RunPending(ctx)
	if trackers[1].runs != 1 || trackers[0].runs != 1 {
		t.Errorf("runs after enable = %d/%d, want 1/1", trackers[0].runs, trackers[1].runs)
	}
}

func TestEvaluator_RemovedDuringPass(t *testing.T) {
	net := NewNetwork()
	ids, trackers := chain(t, net, nil, "a", "b")
	c := mustAdd(t, net, "c", &tracker{}, relayPorts)
	trackers[0].fn = func(pc *ProcessContext) error {
		return pc.Network().RemoveNode(c)
	}
	ev := newTestEvaluator(t, net)
	net.RequestEvaluate()
	ev.RunPending(context.Background())

	if ev.Passes() != 1 {
		t.Fatalf("passes = %d, want 1", ev.Passes())
	}
	report := ev.LastReport()
	if o, ok := report.Outcome(c); !ok || o.Status != StatusRemoved {
		t.Errorf("removed node outcome = %+v, %v", o, ok)
	}
	if net.Has(c) || !net.IsValid(ids[1]) {
		t.Error("network state wrong after removal")
	}
}

func TestEvaluator_ConfigErrorPass(t *testing.T) {
	net := NewNetwork()
	a := mustAdd(t, net, "a", &tracker{}, relayPorts)
	b := mustAdd(t, net, "b", &tracker{}, relayPorts)
	buf := emit.NewBufferedEmitter()
	st := store.NewMemStore()
	ev := newTestEvaluator(t, net, WithEmitter(buf), WithStore(st), WithRunID("cfg"))

	mustConnect(t, net, a, "out", b, "in")
	mustConnect(t, net, b, "out", a, "in")
	ev.RunPending(context.Background())

	report := ev.LastReport()
	var cfgErr *ConfigError
	if report == nil || !errors.As(report.Err, &cfgErr) {
		t.Fatalf("report error = %v, want ConfigError", report)
	}
	if len(report.Nodes) != 0 {
		t.Error("nodes ran despite config error")
	}
	if !ev.Dirty() || ev.evaluating {
		t.Error("evaluator state not reset after config error")
	}
	if got := buf.GetHistoryWithFilter("cfg", emit.HistoryFilter{Msg: emit.MsgPassConfigError}); len(got) != 1 {
		t.Errorf("config error events = %d, want 1", len(got))
	}
	rec, err := st.LatestPass(context.Background(), "cfg")
	if err != nil {
		t.Fatalf("LatestPass failed: %v", err)
	}
	if rec.Error == "" {
		t.Error("persisted pass lacks the config error")
	}
}

// TestEvaluator_SubscriberPanicLogged verifies panicking network and pass
// subscribers are logged to the evaluator's logger.
func TestEvaluator_SubscriberPanicLogged(t *testing.T) {
	var logs bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logs, nil))

	net := NewNetwork()
	ev := newTestEvaluator(t, net, WithLogger(logger))
	net.Events().Add(func(NetworkEvent) { panic("network subscriber") })
	ev.OnPass().Add(func(*PassReport) { panic("pass subscriber") })

	net.RequestEvaluate()
	ev.RunPending(context.Background())

	for _, want := range []string{"network subscriber", "pass subscriber"} {
		if !strings.Contains(logs.String(), want) {
			t.Errorf("log is missing %q:\n%s", want, logs.String())
		}
	}
	if ev.Passes() != 1 {
		t.Errorf("passes = %d, want 1", ev.Passes())
	}
}

func TestEvaluator_ReportsAndHistory(t *testing.T) {
	net := NewNetwork()
	ids, trackers := chain(t, net, nil, "a", "b")
	trackers[1].fn = func(*ProcessContext) error { return errors.New("bad input") }

	buf := emit.NewBufferedEmitter()
	st := store.NewMemStore()
	ev := newTestEvaluator(t, net, WithEmitter(buf), WithStore(st), WithRunID("hist"))

	var seen []int
	h := ev.OnPass().Add(func(r *PassReport) { seen = append(seen, r.Pass) })
	defer h.Remove()

	ctx := context.Background()
	net.RequestEvaluate()
	ev.RunPending(ctx)
	net.RequestEvaluate()
	ev.RunPending(ctx)

	if !slices.Equal(seen, []int{1, 2}) {
		t.Errorf("OnPass saw %v, want [1 2]", seen)
	}

	starts := buf.GetHistoryWithFilter("hist", emit.HistoryFilter{Msg: emit.MsgNodeStart})
	if len(starts) != 3 {
		t.Errorf("node_start events = %d, want 3", len(starts))
	}
	errs := buf.GetHistoryWithFilter("hist", emit.HistoryFilter{Msg: emit.MsgNodeError, NodeID: "b"})
	if len(errs) != 2 || errs[0].Meta["error"] != "bad input" {
		t.Errorf("node_error events = %+v", errs)
	}

	recs, err := st.LoadPasses(ctx, "hist")
	if err != nil {
		t.Fatalf("LoadPasses failed: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("persisted %d passes, want 2", len(recs))
	}
	first := recs[0]
	if len(first.Nodes) != 2 || first.Nodes[0].Status != string(StatusRan) || first.Nodes[1].Error != "bad input" {
		t.Errorf("first pass nodes = %+v", first.Nodes)
	}
	if recs[1].Nodes[0].Status != string(StatusUpToDate) || recs[1].Nodes[0].ID != int(ids[0]) {
		t.Errorf("second pass a = %+v", recs[1].Nodes[0])
	}
}

func TestEvaluator_PostFromGoroutines(t *testing.T) {
	net := NewNetwork()
	ev := newTestEvaluator(t, net)

	const n = 50
	done := make(chan struct{})
	count := 0
	for i := 0; i < n; i++ {
		go ev.Post(func() {
			count++
			if count == n {
				close(done)
			}
		})
	}

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- ev.Run(ctx) }()
	<-done
	cancel()
	if err := <-errCh; !errors.Is(err, context.Canceled) {
		t.Errorf("Run = %v, want context.Canceled", err)
	}
	if count != n {
		t.Errorf("ran %d posted functions, want %d", count, n)
	}
}

func TestEvaluator_PostedPanicRecovered(t *testing.T) {
	ev := newTestEvaluator(t, NewNetwork())
	ran := false
	ev.Post(func() { panic("posted") })
	ev.Post(func() { ran = true })

	if got := ev.RunPending(context.Background()); got != 2 {
		t.Errorf("RunPending = %d, want 2", got)
	}
	if !ran {
		t.Error("function after panic did not run")
	}
}

func TestEvaluator_RunPendingCancelled(t *testing.T) {
	ev := newTestEvaluator(t, NewNetwork())
	ran := 0
	ev.Post(func() { ran++ })
	ev.Post(func() { ran++ })

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if got := ev.RunPending(ctx); got != 0 || ran != 0 {
		t.Errorf("cancelled RunPending ran %d", got)
	}
	if got := ev.RunPending(context.Background()); got != 2 {
		t.Errorf("requeued functions = %d, want 2", got)
	}
}

func TestEvaluator_ClosedIgnoresRequests(t *testing.T) {
	net := NewNetwork()
	chain(t, net, nil, "a")
	ev := newTestEvaluator(t, net)
	ev.Close()

	net.RequestEvaluate()
	ev.RequestEvaluate()
	ev.RunPending(context.Background())
	if ev.Passes() != 0 {
		t.Errorf("closed evaluator ran %d passes", ev.Passes())
	}
}
