package harnessevents

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestLogBreakerTripWritesStructuredJSON(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithWriter("run-1", &buf)

	l.LogBreakerTrip("err-rate", "consecutive", 3, 2)

	var decoded map[string]any
	if err := json.Unmarshal(buf.Bytes(), &decoded); err != nil {
		t.Fatalf("expected valid JSON line, got %q: %v", buf.String(), err)
	}
	if decoded["msg"] != "breaker_trip" {
		t.Fatalf("expected msg=breaker_trip, got %v", decoded["msg"])
	}
	if decoded["run_id"] != "run-1" {
		t.Fatalf("expected run_id=run-1, got %v", decoded["run_id"])
	}
	if decoded["breaker"] != "err-rate" {
		t.Fatalf("expected breaker=err-rate, got %v", decoded["breaker"])
	}
}

func TestNoopDiscardsOutput(t *testing.T) {
	l := Noop()
	l.LogSigint(1)
	_ = l
}

func TestGlobalDefaultsToNoopWhenUnset(t *testing.T) {
	globalMu.Lock()
	globalLogger = nil
	globalMu.Unlock()

	g := Global()
	if g == nil {
		t.Fatal("expected Global() to return a non-nil no-op logger")
	}
}

func TestSetGlobalInstallsLogger(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithWriter("run-2", &buf)
	SetGlobal(l)
	defer SetGlobal(nil)

	Global().LogSigint(5)
	if !strings.Contains(buf.String(), "sigint_observed") {
		t.Fatalf("expected installed global logger to receive events, got %q", buf.String())
	}
}
