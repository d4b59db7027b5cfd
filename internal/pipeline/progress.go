package pipeline

import (
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

// ProgressSink receives structured engine events (attempt start/end, retry
// sleeps, skip decisions, finalizer, cost summary). Sinks must be cheap and
// must not block; the engine calls them inline.
type ProgressSink func(event map[string]any)

func (e *Engine) appendProgress(ev map[string]any) {
	if e == nil || e.progress == nil || ev == nil {
		return
	}
	if _, ok := ev["event_id"]; !ok {
		ev["event_id"] = ulid.Make().String()
	}
	if _, ok := ev["ts"]; !ok {
		ev["ts"] = time.Now().UTC().Format(time.RFC3339Nano)
	}
	e.progress(ev)
}

// Warn records an operator-facing warning on the engine and mirrors it to the
// progress sink.
func (e *Engine) Warn(msg string) {
	if e == nil {
		return
	}
	msg = strings.TrimSpace(msg)
	if msg == "" {
		return
	}
	e.warningsMu.Lock()
	e.warnings = append(e.warnings, msg)
	e.warningsMu.Unlock()
	e.appendProgress(map[string]any{
		"event":   "warning",
		"message": msg,
	})
}

// Warnings returns a copy of the warnings collected so far.
func (e *Engine) Warnings() []string {
	e.warningsMu.Lock()
	defer e.warningsMu.Unlock()
	return append([]string{}, e.warnings...)
}
