package pipeline

import (
	"fmt"
	"strings"
)

// Severity classifies a stage failure at the moment it is raised.
type Severity string

const (
	// SeverityCritical marks unrecoverable errors (bad config, invalid input).
	SeverityCritical Severity = "critical"
	// SeverityRetryable marks transient errors worth retrying.
	SeverityRetryable Severity = "retryable"
	// SeverityFallback marks errors where the provider chain should be exhausted.
	SeverityFallback Severity = "fallback"
	// SeverityDegraded marks quality problems: continue, but flag the run.
	SeverityDegraded Severity = "degraded"
	// SeverityRecoverable marks failures where the stage can simply be skipped.
	SeverityRecoverable Severity = "recoverable"
)

func ParseSeverity(s string) (Severity, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "critical":
		return SeverityCritical, nil
	case "retryable", "transient":
		return SeverityRetryable, nil
	case "fallback":
		return SeverityFallback, nil
	case "degraded":
		return SeverityDegraded, nil
	case "recoverable", "skippable":
		return SeverityRecoverable, nil
	default:
		return "", fmt.Errorf("invalid severity: %q", s)
	}
}

func (s Severity) Valid() bool {
	_, err := ParseSeverity(string(s))
	return err == nil
}

// Error codes produced by the engine itself. Stage executors carry their own
// codes (e.g. "TTS_SYNTHESIS_FAILED", "NEWSAPI_RATE_LIMIT").
const (
	CodeRetriesExhausted  = "RETRIES_EXHAUSTED"
	CodeFallbackExhausted = "FALLBACK_CHAIN_EXHAUSTED"
	CodeStageNotBound     = "STAGE_NOT_CONFIGURED"
	CodeStageError        = "STAGE_EXECUTION_ERROR"
	CodeStagePanic        = "STAGE_PANIC"
)

// StageError is the failure envelope raised by stage executors and the retry
// wrapper. When the retry wrapper escalates an exhausted RETRYABLE/FALLBACK
// error to critical, the pre-escalation severity is preserved in
// OriginalSeverity so classification can still reason about the root cause.
type StageError struct {
	Code             string
	Message          string
	Severity         Severity
	OriginalSeverity Severity
	Context          map[string]any
}

func (e *StageError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Message == "" {
		return e.Code
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// RootSeverity returns the pre-escalation severity when one was stashed,
// otherwise the current severity.
func (e *StageError) RootSeverity() Severity {
	if e == nil {
		return ""
	}
	if e.OriginalSeverity != "" {
		return e.OriginalSeverity
	}
	return e.Severity
}

// NewStageError builds a StageError with a normalized severity. An invalid or
// empty severity is coerced to critical rather than rejected: a stage that
// cannot even classify its own failure is not safe to retry.
func NewStageError(code, message string, severity Severity) *StageError {
	sev, err := ParseSeverity(string(severity))
	if err != nil {
		sev = SeverityCritical
	}
	return &StageError{Code: strings.TrimSpace(code), Message: message, Severity: sev}
}

// AsStageError coerces any error into a StageError. Unclassified errors become
// critical with a generic engine code.
func AsStageError(err error) *StageError {
	if err == nil {
		return nil
	}
	if se, ok := err.(*StageError); ok {
		return se
	}
	return &StageError{Code: CodeStageError, Message: err.Error(), Severity: SeverityCritical}
}
