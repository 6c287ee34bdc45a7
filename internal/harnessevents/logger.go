// Package harnessevents provides structured event logging for the
// orchestrator's run-level occurrences (stage transitions, breaker trips,
// stream stalls) -- adapted directly from the teacher's event logger,
// generalized from MCP session events to HTTP load-generation events.
package harnessevents

import (
	"io"
	"log/slog"
	"os"
	"sync"
)

// Logger wraps a structured JSON slog.Logger tagged with the run's
// identity.
type Logger struct {
	logger *slog.Logger
	runID  string
}

// New creates a Logger with JSON output to stdout.
func New(runID string) *Logger {
	return NewWithWriter(runID, os.Stdout)
}

// NewWithWriter creates a Logger writing JSON to w, for tests or
// redirected output.
func NewWithWriter(runID string, w io.Writer) *Logger {
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{Level: slog.LevelInfo})
	return &Logger{logger: slog.New(handler).With("run_id", runID), runID: runID}
}

// LogStageTransition logs a stage state-machine transition.
func (l *Logger) LogStageTransition(fromStage, toStage string, stageID int, reason string) {
	l.logger.Info("stage_transition",
		"from_stage", fromStage,
		"to_stage", toStage,
		"stage_id", stageID,
		"reason", reason,
	)
}

// LogStageTimeout logs a stage hitting its max_duration safety timer.
func (l *Logger) LogStageTimeout(stageID int, maxDurationS float64) {
	l.logger.Warn("stage_timeout",
		"stage_id", stageID,
		"max_duration_s", maxDurationS,
	)
}

// LogBreakerTrip logs a circuit breaker opening.
func (l *Logger) LogBreakerTrip(breakerName, kind string, observed float64, stageID int) {
	l.logger.Warn("breaker_trip",
		"breaker", breakerName,
		"trigger_kind", kind,
		"observed", observed,
		"stage_id", stageID,
	)
}

// LogStreamStall logs detection of a stalled SSE stream.
func (l *Logger) LogStreamStall(stallSeconds float64, thresholdSeconds int) {
	l.logger.Warn("stream_stall",
		"stall_seconds", stallSeconds,
		"threshold_seconds", thresholdSeconds,
	)
}

// LogSweepPlanned logs the sweep planner's derived stage list.
func (l *Logger) LogSweepPlanned(saturation float64, numStages int) {
	l.logger.Info("sweep_planned",
		"saturation", saturation,
		"num_stages", numStages,
	)
}

// LogSigint logs SIGINT being observed by the orchestrator.
func (l *Logger) LogSigint(stageID int) {
	l.logger.Warn("sigint_observed", "stage_id", stageID)
}

var (
	globalLogger *Logger
	globalMu     sync.RWMutex
)

// SetGlobal installs the process-wide default Logger.
func SetGlobal(l *Logger) {
	globalMu.Lock()
	defer globalMu.Unlock()
	globalLogger = l
}

// Global returns the process-wide Logger, or a no-op logger if none was
// installed.
func Global() *Logger {
	globalMu.RLock()
	defer globalMu.RUnlock()
	if globalLogger != nil {
		return globalLogger
	}
	return Noop()
}

// Noop returns a Logger that discards every event.
func Noop() *Logger {
	return NewWithWriter("", io.Discard)
}
