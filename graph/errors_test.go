package graph

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"testing"
)

// TestTypedErrorHandling verifies that exported errors work with errors.Is.
func TestTypedErrorHandling(t *testing.T) {
	cycle := &ConfigError{Code: "CYCLE", Message: "cycle through [a b a]", Cause: ErrCycle}
	missing := &ConfigError{Code: "MISSING_PREDECESSOR", Message: "b is fed by #9", Cause: ErrMissingPredecessor}
	cause := errors.New("division by zero")
	failed := &ProcessorError{NodeID: 2, Name: "div", Message: cause.Error(), Cause: cause}

	tests := []struct {
		name     string
		err      error
		target   error
		shouldBe bool
	}{
		{"ConfigError unwraps to ErrCycle", cycle, ErrCycle, true},
		{"ConfigError unwraps to ErrMissingPredecessor", missing, ErrMissingPredecessor, true},
		{"wrapped ConfigError", fmt.Errorf("pass 3: %w", cycle), ErrCycle, true},
		{"ProcessorError unwraps to cause", failed, cause, true},
		{"different sentinels don't match", ErrNodeNotFound, ErrPortNotFound, false},
		{"cycle is not missing predecessor", cycle, ErrMissingPredecessor, false},
		{"nil error doesn't match", nil, ErrCycle, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if errors.Is(tt.err, tt.target) != tt.shouldBe {
				t.Errorf("errors.Is(%v, %v) = %v, want %v", tt.err, tt.target, !tt.shouldBe, tt.shouldBe)
			}
		})
	}
}

func TestErrorMessages(t *testing.T) {
	cfg := &ConfigError{Code: "CYCLE", Message: "cycle through [a b a]", Cause: ErrCycle}
	if got := cfg.Error(); got != "CYCLE: cycle through [a b a]" {
		t.Errorf("ConfigError = %q", got)
	}

	perr := &ProcessorError{NodeID: 4, Name: "scale", Message: "bad factor"}
	if got := perr.Error(); got != "node scale (#4): bad factor" {
		t.Errorf("ProcessorError = %q", got)
	}

	var target *ProcessorError
	if !errors.As(fmt.Errorf("wrapped: %w", perr), &target) || target.Name != "scale" {
		t.Error("errors.As failed for ProcessorError")
	}
}

func TestExceptionHandlers(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	perr := &ProcessorError{NodeID: 3, Name: "fail", Message: "boom", Panic: "boom"}

	if got := LogAndContinue(logger)(perr); got != Continue {
		t.Errorf("LogAndContinue = %s", got)
	}
	if got := LogAndAbort(logger)(perr); got != Abort {
		t.Errorf("LogAndAbort = %s", got)
	}

	out := buf.String()
	for _, want := range []string{`"msg":"node failed"`, `"node":"fail"`, `"action":"continue"`, `"action":"abort"`, `"panic":"boom"`} {
		if !strings.Contains(out, want) {
			t.Errorf("log output missing %s:\n%s", want, out)
		}
	}

	if LogAndContinue(nil)(perr) != Continue {
		t.Error("nil logger handler failed")
	}
}

func TestParseAction(t *testing.T) {
	tests := []struct {
		in      string
		want    Action
		wantErr bool
	}{
		{"continue", Continue, false},
		{"", Continue, false},
		{"abort", Abort, false},
		{"retry", Continue, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseAction(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ParseAction(%q) = %s, want %s", tt.in, got, tt.want)
			}
		})
	}
	if Action(7).String() != "action(7)" {
		t.Errorf("Action(7) = %q", Action(7).String())
	}
}
