package pipeline

import (
	"fmt"
	"strings"
	"time"
)

// RunStatus is the lifecycle state of one run (one calendar key).
type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunSkipped   RunStatus = "skipped"
	RunPaused    RunStatus = "paused"
)

func ParseRunStatus(s string) (RunStatus, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "pending":
		return RunPending, nil
	case "running":
		return RunRunning, nil
	case "completed", "complete":
		return RunCompleted, nil
	case "failed", "fail":
		return RunFailed, nil
	case "skipped", "skip":
		return RunSkipped, nil
	case "paused":
		return RunPaused, nil
	default:
		return "", fmt.Errorf("invalid run status: %q", s)
	}
}

// Resumable reports whether ResumeRun accepts this status.
func (s RunStatus) Resumable() bool {
	return s == RunFailed || s == RunSkipped || s == RunPaused
}

// StageStatus is the lifecycle state of one stage within a run.
type StageStatus string

const (
	StagePending   StageStatus = "pending"
	StageRunning   StageStatus = "running"
	StageCompleted StageStatus = "completed"
	StageFailed    StageStatus = "failed"
)

// StageErrorRecord is the persisted form of a StageError, enriched with the
// incident id assigned when the failure was logged.
type StageErrorRecord struct {
	Code             string   `json:"code"`
	Message          string   `json:"message"`
	Severity         Severity `json:"severity"`
	OriginalSeverity Severity `json:"original_severity,omitempty"`
	IncidentID       string   `json:"incident_id,omitempty"`
}

// StageRecord is the per-stage outcome within a run. Invariants: completed
// implies Provider and Cost are set; failed implies Error is set.
type StageRecord struct {
	Status        StageStatus       `json:"status"`
	StartTime     time.Time         `json:"start_time,omitzero"`
	EndTime       time.Time         `json:"end_time,omitzero"`
	DurationMS    int64             `json:"duration_ms"`
	RetryAttempts int               `json:"retry_attempts"`
	Provider      *ProviderInfo     `json:"provider,omitempty"`
	Cost          float64           `json:"cost"`
	Error         *StageErrorRecord `json:"error,omitempty"`
}

// QualityContext accumulates degradation signals across a run. All three
// slices are append-only; later stages read it as part of their input, and it
// is persisted after every stage completion so a resumed run inherits it.
type QualityContext struct {
	DegradedStages []string `json:"degraded_stages"`
	FallbacksUsed  []string `json:"fallbacks_used"`
	Flags          []string `json:"flags"`
}

// Clone returns an independent copy so persisted snapshots never alias the
// loop's live slices.
func (q QualityContext) Clone() QualityContext {
	return QualityContext{
		DegradedStages: append([]string{}, q.DegradedStages...),
		FallbacksUsed:  append([]string{}, q.FallbacksUsed...),
		Flags:          append([]string{}, q.Flags...),
	}
}

// SkipInfo records a graceful early termination eligible for retry on a
// future run.
type SkipInfo struct {
	Stage         string `json:"stage"`
	Reason        string `json:"reason"`
	Code          string `json:"code,omitempty"`
	TopicQueued   bool   `json:"topic_queued"`
	QueuedForDate string `json:"queued_for_date,omitempty"`
}

// FailureInfo records a hard fail: early termination not eligible for
// automatic retry.
type FailureInfo struct {
	Stage    string   `json:"stage"`
	Code     string   `json:"code"`
	Message  string   `json:"message"`
	Severity Severity `json:"severity"`
}

// Run is the persisted document for one calendar key.
type Run struct {
	RunID     string                  `json:"run_id"`
	Status    RunStatus               `json:"status"`
	StartTime time.Time               `json:"start_time"`
	EndTime   time.Time               `json:"end_time,omitzero"`
	Stages    map[string]*StageRecord `json:"stages"`
	Quality   QualityContext          `json:"quality_context"`
	TotalCost float64                 `json:"total_cost"`
	SkipInfo  *SkipInfo               `json:"skip_info,omitempty"`
	Failure   *FailureInfo            `json:"failure_info,omitempty"`
}

// RunResult is the value returned to the caller of ExecuteRun/ResumeRun.
type RunResult struct {
	Success         bool
	RunID           string
	Status          RunStatus
	StageOutputs    map[string]*StageRecord
	CompletedStages []string
	SkippedStages   []string
	Quality         QualityContext
	TotalDurationMS int64
	TotalCost       float64
	Error           *StageErrorRecord
	SkipInfo        *SkipInfo
}

// SkipDecision is the classifier's verdict for a critical-stage failure. It is
// transient; Reason and Stage are folded into the run's SkipInfo.
type SkipDecision struct {
	Skip   bool
	Reason string
	Stage  string
}

// QueuedTopic is a topic carried over from a failed run for retry on a future
// calendar key.
type QueuedTopic struct {
	Topic       map[string]any `json:"topic"`
	FailureCode string         `json:"failure_code"`
	FailedStage string         `json:"failed_stage"`
	TargetDate  string         `json:"target_date"`
	RetryCount  int            `json:"retry_count"`
	QueuedAt    time.Time      `json:"queued_at"`
}

// StateStore is the persistence collaborator. The engine writes after every
// stage, not in batches, so a crash leaves state consistent up to the last
// completed stage. Lookup misses are reported as ErrRunNotFound.
type StateStore interface {
	GetState(runID string) (*Run, error)
	InitializeRun(runID string) (*Run, error)
	UpdateStageStatus(runID, stage string, rec StageRecord) error
	UpdateRetryAttempts(runID, stage string, attempts int) error
	PersistStageOutput(runID, stage string, out *StageOutput) error
	LoadStageOutput(runID, stage string) (*StageOutput, error)
	UpdateQualityContext(runID string, q QualityContext) error
	UpdateTotalCost(runID string, total float64) error
	MarkRunning(runID string) error
	MarkSkipped(runID string, info SkipInfo) error
	MarkFailed(runID string, info FailureInfo) error
	MarkComplete(runID string) error
}

// TopicQueue is the queue collaborator bridging failed runs to future ones.
type TopicQueue interface {
	// CheckToday returns the queued topic targeting the given calendar key,
	// or nil when none is queued.
	CheckToday(runID string) (*QueuedTopic, error)
	// IncrementRetry bumps the retry counter; returns nil when the entry is gone.
	IncrementRetry(runID string) (*QueuedTopic, error)
	Clear(runID string) error
	// QueueFailed stores a topic for a future run and returns the calendar key
	// it was queued for.
	QueueFailed(topic map[string]any, code, stage, fromRunID string) (string, error)
}

// IncidentRecord is logged for every stage failure before any alert goes out.
type IncidentRecord struct {
	IncidentID string         `json:"incident_id"`
	RunID      string         `json:"run_id"`
	Stage      string         `json:"stage"`
	Code       string         `json:"code"`
	Message    string         `json:"message"`
	Severity   Severity       `json:"severity"`
	RootCause  string         `json:"root_cause"`
	Quality    QualityContext `json:"quality_context"`
	Timestamp  time.Time      `json:"timestamp"`
}

// IncidentLogger records incidents and returns the assigned incident id.
type IncidentLogger interface {
	LogIncident(rec IncidentRecord) (string, error)
}

// Alert is dispatched for runtime-critical incidents.
type Alert struct {
	RunID      string   `json:"run_id"`
	Stage      string   `json:"stage"`
	Severity   Severity `json:"severity"`
	Title      string   `json:"title"`
	Body       string   `json:"body"`
	IncidentID string   `json:"incident_id,omitempty"`
}

type AlertDispatcher interface {
	DispatchAlert(a Alert) error
}

// BudgetChecker receives the run's cost total and per-category breakdown after
// the finalizer. Returned warnings surface on the engine; nothing here can
// affect the run's status.
type BudgetChecker interface {
	CheckBudget(runID string, total float64, breakdown map[string]float64) []string
}
