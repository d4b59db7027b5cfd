package pipeline

import (
	"fmt"
	"strings"
)

// ErrorKind is the engine's coarse classification of a terminal stage error.
// Kinds are derived from an ordered predicate table so the mapping is
// unit-testable away from the execution loop.
type ErrorKind string

const (
	KindRetriesExhausted  ErrorKind = "retries_exhausted"
	KindFallbackExhausted ErrorKind = "fallback_exhausted"
	KindProviderFailure   ErrorKind = "provider_failure"
	KindUnclassified      ErrorKind = "unclassified"
)

// providerFailureSuffixes are the error-code shapes produced by provider
// outages and throttling. A critical stage failing with one of these is worth
// retrying on a future run rather than aborting for good.
var providerFailureSuffixes = []string{
	"_TIMEOUT",
	"_RATE_LIMIT",
	"_SYNTHESIS_FAILED",
	"_GENERATION_FAILED",
	"_UNAVAILABLE",
}

type kindRule struct {
	match func(code string) bool
	kind  ErrorKind
}

var kindRules = []kindRule{
	{func(code string) bool { return code == CodeRetriesExhausted }, KindRetriesExhausted},
	{func(code string) bool { return code == CodeFallbackExhausted }, KindFallbackExhausted},
	{func(code string) bool {
		for _, suffix := range providerFailureSuffixes {
			if strings.HasSuffix(code, suffix) {
				return true
			}
		}
		return false
	}, KindProviderFailure},
}

// KindOf classifies an error code. The first matching rule wins.
func KindOf(code string) ErrorKind {
	code = strings.ToUpper(strings.TrimSpace(code))
	for _, r := range kindRules {
		if r.match(code) {
			return r.kind
		}
	}
	return KindUnclassified
}

// Classifier decides whether a critical-stage failure ends the run as a
// graceful skip (topic retried on a future run) or a hard fail (no retry
// tomorrow; typically configuration or validation errors).
type Classifier struct {
	Table StageTable
}

// Decide implements the skip/fail rule. Only critical-tier stages can produce
// skip=true; failures on other tiers are handled by the continue/degrade
// branch of the loop, never here.
func (c Classifier) Decide(err *StageError, stage string, retryAttempts int) SkipDecision {
	dec := SkipDecision{Stage: stage}
	if err == nil {
		return dec
	}
	if c.Table.Criticality(stage) != CriticalityCritical {
		return dec
	}

	kind := KindOf(err.Code)
	orig := err.RootSeverity()

	switch {
	case retryAttempts > 0 && (kind == KindRetriesExhausted || orig == SeverityRetryable || orig == SeverityFallback):
		dec.Skip = true
		dec.Reason = fmt.Sprintf("retries exhausted after %d attempts at stage %s (%s)", retryAttempts, stage, err.Code)
	case kind == KindFallbackExhausted:
		dec.Skip = true
		dec.Reason = fmt.Sprintf("fallback chain exhausted at stage %s (%s)", stage, err.Code)
	case kind == KindProviderFailure:
		dec.Skip = true
		dec.Reason = fmt.Sprintf("provider failure at stage %s (%s)", stage, err.Code)
	default:
		dec.Reason = fmt.Sprintf("hard failure at stage %s (%s): retrying will not fix it", stage, err.Code)
	}
	return dec
}

// inferRootCause produces the operator-facing cause line recorded on
// incidents.
func inferRootCause(err *StageError, retryAttempts int) string {
	if err == nil {
		return ""
	}
	switch KindOf(err.Code) {
	case KindRetriesExhausted:
		return "transient failure persisted past the retry budget"
	case KindFallbackExhausted:
		return "all providers in the fallback chain failed"
	case KindProviderFailure:
		return "provider outage or throttling"
	}
	switch err.RootSeverity() {
	case SeverityRetryable, SeverityFallback:
		if retryAttempts > 0 {
			return "transient failure persisted past the retry budget"
		}
		return "transient provider error"
	case SeverityDegraded:
		return "output quality below threshold"
	case SeverityRecoverable:
		return "optional stage failed"
	default:
		return "configuration or validation error"
	}
}
