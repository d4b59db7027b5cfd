package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// Options configures collaborators around the core engine. All of them are
// optional except the state store; nil collaborators disable the matching
// side integration.
type Options struct {
	// Queue bridges topics from failed runs to future calendar keys.
	Queue TopicQueue

	// Incidents receives a record for every stage failure, before any alert.
	Incidents IncidentLogger

	// Alerts is invoked for runtime-critical incidents.
	Alerts AlertDispatcher

	// Budget receives the cost total and per-category breakdown after the
	// finalizer.
	Budget BudgetChecker

	// CostCategories maps stage names to cost-report categories
	// (e.g. "LLM/image", "speech", "render/publish").
	CostCategories map[string]string

	// MaxRunDuration is the stale-lock ceiling. Defaults to DefaultMaxRunDuration.
	MaxRunDuration time.Duration

	// MaxTopicRetries bounds how many future runs a queued topic may be
	// retried on before it is abandoned. Defaults to 3.
	MaxTopicRetries int

	// Progress receives structured engine events.
	Progress ProgressSink
}

// Engine sequences the daily production pipeline: it drives stages in table
// order, applies per-stage retry and severity handling, persists resumable
// state after every stage, and guarantees the terminal notification stage
// always executes.
type Engine struct {
	table    StageTable
	registry *Registry
	store    StateStore

	queue      TopicQueue
	incidents  IncidentLogger
	alerts     AlertDispatcher
	budget     BudgetChecker
	categories map[string]string

	maxRunDuration  time.Duration
	maxTopicRetries int
	progress        ProgressSink

	classifier Classifier

	warningsMu sync.Mutex
	warnings   []string
}

// New builds an engine over an explicit stage table. The registry supplies
// each stage's unit of work; the store is the persistence collaborator.
func New(table StageTable, registry *Registry, store StateStore, opts Options) (*Engine, error) {
	if table.Len() == 0 {
		return nil, fmt.Errorf("stage table is required")
	}
	if registry == nil {
		return nil, fmt.Errorf("executor registry is required")
	}
	if store == nil {
		return nil, fmt.Errorf("state store is required")
	}
	if opts.MaxRunDuration <= 0 {
		opts.MaxRunDuration = DefaultMaxRunDuration
	}
	if opts.MaxTopicRetries <= 0 {
		opts.MaxTopicRetries = 3
	}
	return &Engine{
		table:           table,
		registry:        registry,
		store:           store,
		queue:           opts.Queue,
		incidents:       opts.Incidents,
		alerts:          opts.Alerts,
		budget:          opts.Budget,
		categories:      opts.CostCategories,
		maxRunDuration:  opts.MaxRunDuration,
		maxTopicRetries: opts.MaxTopicRetries,
		progress:        opts.Progress,
		classifier:      Classifier{Table: table},
	}, nil
}

// ExecuteRun runs the full pipeline for one calendar key. It fails fast with
// ErrRunLocked when a fresh run already holds the key and ErrAlreadyCompleted
// when the key's run finished; a stale running run is overridden with a
// warning.
func (e *Engine) ExecuteRun(ctx context.Context, runID string) (*RunResult, error) {
	if runID == "" {
		return nil, fmt.Errorf("run id is required")
	}

	prior, err := e.store.GetState(runID)
	if err != nil && !errors.Is(err, ErrRunNotFound) {
		return nil, err
	}
	if prior != nil {
		if prior.Status == RunCompleted {
			return nil, fmt.Errorf("%w: %s", ErrAlreadyCompleted, runID)
		}
		locked, err := e.CheckLock(runID)
		if err != nil {
			return nil, err
		}
		if locked {
			return nil, fmt.Errorf("%w: %s", ErrRunLocked, runID)
		}
	}

	if _, err := e.store.InitializeRun(runID); err != nil {
		return nil, fmt.Errorf("initialize run %s: %w", runID, err)
	}
	e.appendProgress(map[string]any{
		"event":  "run_started",
		"run_id": runID,
	})

	ls := &loopState{
		runID:     runID,
		data:      map[string]any{},
		outputs:   map[string]*StageRecord{},
		startedAt: time.Now().UTC(),
	}
	e.consumeQueuedTopic(ls)

	e.runLoop(ctx, ls)
	return e.finalize(ctx, ls), nil
}

// loopState is the carried state of the stage execution loop. The current
// topic is an explicit field here, not a closure capture, so skip handling
// and the queue bridge read the same value the loop wrote.
type loopState struct {
	runID      string
	startIndex int
	startedAt  time.Time

	data      map[string]any
	prevStage string
	quality   QualityContext

	completed []string
	skipped   []string
	outputs   map[string]*StageRecord
	totalCost float64

	currentTopic   map[string]any
	consumedQueued bool

	aborted     bool
	abortReason string
	skipInfo    *SkipInfo
	failure     *FailureInfo
}

// runLoop drives stages from ls.startIndex in table order. The terminal stage
// is excluded here; finalize runs it unconditionally afterwards.
func (e *Engine) runLoop(ctx context.Context, ls *loopState) {
	for i := ls.startIndex; i < e.table.Len(); i++ {
		spec := e.table.At(i)
		if spec.Name == e.table.Terminal() {
			continue
		}

		out, retries, err := e.executeStage(ctx, ls, spec)
		if err == nil {
			e.recordStageSuccess(ls, spec, out, retries)
			continue
		}
		if stop := e.handleStageFailure(ls, spec, AsStageError(err), retries); stop {
			return
		}
	}
}

// executeStage marks the stage running, builds its input, and invokes its
// unit of work under the stage's retry policy. Executor panics are recovered
// and converted into failed outcomes.
func (e *Engine) executeStage(ctx context.Context, ls *loopState, spec StageSpec) (*StageOutput, int, error) {
	now := time.Now().UTC()
	if err := e.store.UpdateStageStatus(ls.runID, spec.Name, StageRecord{
		Status:    StageRunning,
		StartTime: now,
	}); err != nil {
		e.Warn(fmt.Sprintf("persist stage start %s/%s: %v", ls.runID, spec.Name, err))
	}

	exec, ok := e.registry.Resolve(spec.Name)
	if !ok {
		return nil, 0, &StageError{
			Code:     CodeStageNotBound,
			Message:  fmt.Sprintf("no executor registered for stage %s", spec.Name),
			Severity: SeverityCritical,
		}
	}

	input := StageInput{
		RunID:         ls.runID,
		PreviousStage: ls.prevStage,
		Data:          ls.data,
		Config:        StageConfig{Timeout: spec.Timeout, Retries: spec.Retry.MaxRetries},
		Quality:       ls.quality.Clone(),
	}

	observe := func(stage string, attempt int, delay time.Duration, err error) {
		e.appendProgress(map[string]any{
			"event":    "stage_retry_sleep",
			"run_id":   ls.runID,
			"stage":    stage,
			"attempt":  attempt,
			"delay_ms": delay.Milliseconds(),
			"error":    err.Error(),
		})
		if serr := e.store.UpdateRetryAttempts(ls.runID, stage, attempt); serr != nil {
			e.Warn(fmt.Sprintf("persist retry count %s/%s: %v", ls.runID, stage, serr))
		}
	}

	return executeWithRetry(ctx, spec.Name, spec.Retry, observe, func(ctx context.Context, attempt int) (*StageOutput, error) {
		e.appendProgress(map[string]any{
			"event":   "stage_attempt_start",
			"run_id":  ls.runID,
			"stage":   spec.Name,
			"attempt": attempt,
			"max":     spec.Retry.MaxRetries + 1,
		})
		out, err := invokeRecovering(ctx, exec, input)
		e.appendProgress(map[string]any{
			"event":   "stage_attempt_end",
			"run_id":  ls.runID,
			"stage":   spec.Name,
			"attempt": attempt,
			"ok":      err == nil,
		})
		return out, err
	})
}

func invokeRecovering(ctx context.Context, exec Executor, input StageInput) (out *StageOutput, err error) {
	defer func() {
		if r := recover(); r != nil {
			out = nil
			err = &StageError{
				Code:     CodeStagePanic,
				Message:  fmt.Sprintf("panic in stage %s: %v", exec.Name(), r),
				Severity: SeverityCritical,
			}
		}
	}()
	return exec.Invoke(ctx, input)
}

// recordStageSuccess persists the stage outcome and chains its output to the
// next stage.
func (e *Engine) recordStageSuccess(ls *loopState, spec StageSpec, out *StageOutput, retries int) {
	if out == nil {
		out = &StageOutput{}
	}
	rec := &StageRecord{
		Status:        StageCompleted,
		EndTime:       time.Now().UTC(),
		DurationMS:    out.Duration.Milliseconds(),
		RetryAttempts: retries,
		Provider:      &out.Provider,
		Cost:          out.Cost,
	}
	ls.outputs[spec.Name] = rec
	ls.completed = append(ls.completed, spec.Name)
	ls.totalCost += out.Cost

	ls.quality.Flags = append(ls.quality.Flags, out.Warnings...)
	if out.Provider.Tier == TierFallback {
		ls.quality.FallbacksUsed = append(ls.quality.FallbacksUsed,
			fmt.Sprintf("%s:%s", spec.Name, out.Provider.Name))
	}
	if topic, ok := out.Data["topic"].(map[string]any); ok {
		ls.currentTopic = topic
	}

	if err := e.store.UpdateStageStatus(ls.runID, spec.Name, *rec); err != nil {
		e.Warn(fmt.Sprintf("persist stage record %s/%s: %v", ls.runID, spec.Name, err))
	}
	if err := e.store.PersistStageOutput(ls.runID, spec.Name, out); err != nil {
		e.Warn(fmt.Sprintf("persist stage output %s/%s: %v", ls.runID, spec.Name, err))
	}
	if err := e.store.UpdateQualityContext(ls.runID, ls.quality.Clone()); err != nil {
		e.Warn(fmt.Sprintf("persist quality context %s: %v", ls.runID, err))
	}
	if err := e.store.UpdateTotalCost(ls.runID, ls.totalCost); err != nil {
		e.Warn(fmt.Sprintf("persist total cost %s: %v", ls.runID, err))
	}

	e.appendProgress(map[string]any{
		"event":    "stage_completed",
		"run_id":   ls.runID,
		"stage":    spec.Name,
		"provider": out.Provider.Name,
		"tier":     string(out.Provider.Tier),
		"cost":     out.Cost,
		"retries":  retries,
	})

	ls.data = out.Data
	ls.prevStage = spec.Name
}

// handleStageFailure applies the severity/criticality branch of the loop.
// It returns true when the loop must stop (abort or skip).
func (e *Engine) handleStageFailure(ls *loopState, spec StageSpec, serr *StageError, retries int) bool {
	incidentID := e.logIncident(ls, spec.Name, serr, retries)

	rec := &StageRecord{
		Status:        StageFailed,
		EndTime:       time.Now().UTC(),
		RetryAttempts: retries,
		Error: &StageErrorRecord{
			Code:             serr.Code,
			Message:          serr.Message,
			Severity:         serr.Severity,
			OriginalSeverity: serr.OriginalSeverity,
			IncidentID:       incidentID,
		},
	}
	ls.outputs[spec.Name] = rec
	if err := e.store.UpdateStageStatus(ls.runID, spec.Name, *rec); err != nil {
		e.Warn(fmt.Sprintf("persist stage failure %s/%s: %v", ls.runID, spec.Name, err))
	}

	orig := serr.RootSeverity()
	crit := spec.Criticality

	runCritical := orig == SeverityCritical ||
		(orig != SeverityRecoverable && orig != SeverityDegraded && crit == CriticalityCritical)

	if runCritical {
		e.dispatchAlert(ls, spec.Name, serr, incidentID)
		dec := e.classifier.Decide(serr, spec.Name, retries)
		e.appendProgress(map[string]any{
			"event":  "skip_decision",
			"run_id": ls.runID,
			"stage":  spec.Name,
			"skip":   dec.Skip,
			"reason": dec.Reason,
		})
		if dec.Skip {
			ls.skipInfo = &SkipInfo{Stage: dec.Stage, Reason: dec.Reason, Code: serr.Code}
			e.queueTopicForRetry(ls, serr)
		} else {
			ls.aborted = true
			ls.abortReason = dec.Reason
			ls.failure = &FailureInfo{
				Stage:    spec.Name,
				Code:     serr.Code,
				Message:  serr.Message,
				Severity: serr.Severity,
			}
		}
		return true
	}

	// Non-fatal tiers: the failed stage contributes nothing downstream; the
	// loop continues with the previous stage's output unchanged.
	ls.skipped = append(ls.skipped, spec.Name)
	if orig == SeverityRecoverable || crit == CriticalityRecoverable {
		e.appendProgress(map[string]any{
			"event":  "stage_skipped",
			"run_id": ls.runID,
			"stage":  spec.Name,
			"tier":   string(CriticalityRecoverable),
		})
		return false
	}
	ls.quality.DegradedStages = append(ls.quality.DegradedStages, spec.Name)
	if err := e.store.UpdateQualityContext(ls.runID, ls.quality.Clone()); err != nil {
		e.Warn(fmt.Sprintf("persist quality context %s: %v", ls.runID, err))
	}
	e.appendProgress(map[string]any{
		"event":  "stage_degraded",
		"run_id": ls.runID,
		"stage":  spec.Name,
	})
	return false
}

// logIncident records an incident for the failure. It runs before any alert
// and its own failure never affects the loop's decision.
func (e *Engine) logIncident(ls *loopState, stage string, serr *StageError, retries int) string {
	if e.incidents == nil {
		return ""
	}
	defer func() {
		if r := recover(); r != nil {
			e.Warn(fmt.Sprintf("incident logger panic for %s/%s: %v", ls.runID, stage, r))
		}
	}()
	id, err := e.incidents.LogIncident(IncidentRecord{
		RunID:     ls.runID,
		Stage:     stage,
		Code:      serr.Code,
		Message:   serr.Message,
		Severity:  serr.Severity,
		RootCause: inferRootCause(serr, retries),
		Quality:   ls.quality.Clone(),
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		e.Warn(fmt.Sprintf("log incident for %s/%s: %v", ls.runID, stage, err))
		return ""
	}
	return id
}

func (e *Engine) dispatchAlert(ls *loopState, stage string, serr *StageError, incidentID string) {
	if e.alerts == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			e.Warn(fmt.Sprintf("alert dispatcher panic for %s/%s: %v", ls.runID, stage, r))
		}
	}()
	err := e.alerts.DispatchAlert(Alert{
		RunID:      ls.runID,
		Stage:      stage,
		Severity:   serr.Severity,
		Title:      fmt.Sprintf("run %s: critical failure at %s", ls.runID, stage),
		Body:       serr.Error(),
		IncidentID: incidentID,
	})
	if err != nil {
		e.Warn(fmt.Sprintf("dispatch alert for %s/%s: %v", ls.runID, stage, err))
	}
}

// finalize runs the always-run terminal stage, applies the cost hook, and
// persists the run's terminal status exactly once.
func (e *Engine) finalize(ctx context.Context, ls *loopState) *RunResult {
	e.runTerminalStage(ctx, ls)
	e.applyCostHook(ls)

	status := RunCompleted
	switch {
	case ls.skipInfo != nil:
		status = RunSkipped
		if err := e.store.MarkSkipped(ls.runID, *ls.skipInfo); err != nil {
			e.Warn(fmt.Sprintf("mark run %s skipped: %v", ls.runID, err))
		}
	case ls.aborted:
		status = RunFailed
		if err := e.store.MarkFailed(ls.runID, *ls.failure); err != nil {
			e.Warn(fmt.Sprintf("mark run %s failed: %v", ls.runID, err))
		}
	default:
		if err := e.store.MarkComplete(ls.runID); err != nil {
			e.Warn(fmt.Sprintf("mark run %s complete: %v", ls.runID, err))
		}
		e.clearConsumedTopic(ls)
	}

	res := &RunResult{
		Success:         status == RunCompleted,
		RunID:           ls.runID,
		Status:          status,
		StageOutputs:    ls.outputs,
		CompletedStages: append([]string{}, ls.completed...),
		SkippedStages:   append([]string{}, ls.skipped...),
		Quality:         ls.quality.Clone(),
		TotalDurationMS: time.Since(ls.startedAt).Milliseconds(),
		TotalCost:       ls.totalCost,
		SkipInfo:        ls.skipInfo,
	}
	if ls.failure != nil {
		res.Error = &StageErrorRecord{
			Code:     ls.failure.Code,
			Message:  ls.failure.Message,
			Severity: ls.failure.Severity,
		}
	}
	e.appendProgress(map[string]any{
		"event":            "run_finished",
		"run_id":           ls.runID,
		"status":           string(status),
		"completed_stages": res.CompletedStages,
		"skipped_stages":   res.SkippedStages,
		"total_cost":       res.TotalCost,
	})
	return res
}

// runTerminalStage executes the designated notification stage unconditionally.
// Its failure is logged but never changes the run's outcome; its only trace on
// the result is its own stage record.
func (e *Engine) runTerminalStage(ctx context.Context, ls *loopState) {
	name := e.table.Terminal()
	spec, err := e.table.Spec(name)
	if err != nil {
		e.Warn(fmt.Sprintf("terminal stage %s missing from table: %v", name, err))
		return
	}

	summary := map[string]any{
		"aborted":          ls.aborted,
		"skipped":          ls.skipInfo != nil,
		"abort_reason":     ls.abortReason,
		"completed_stages": append([]string{}, ls.completed...),
		"skipped_stages":   append([]string{}, ls.skipped...),
		"total_cost":       ls.totalCost,
	}
	if ls.skipInfo != nil {
		summary["skip_info"] = map[string]any{
			"stage":  ls.skipInfo.Stage,
			"reason": ls.skipInfo.Reason,
		}
	}
	data := map[string]any{"run_summary": summary}
	for k, v := range ls.data {
		data[k] = v
	}

	exec, ok := e.registry.Resolve(name)
	if !ok {
		e.Warn(fmt.Sprintf("no executor registered for terminal stage %s", name))
		return
	}
	input := StageInput{
		RunID:         ls.runID,
		PreviousStage: ls.prevStage,
		Data:          data,
		Config:        StageConfig{Timeout: spec.Timeout, Retries: spec.Retry.MaxRetries},
		Quality:       ls.quality.Clone(),
	}

	start := time.Now().UTC()
	out, retries, err := executeWithRetry(ctx, name, spec.Retry, nil, func(ctx context.Context, attempt int) (*StageOutput, error) {
		return invokeRecovering(ctx, exec, input)
	})

	rec := &StageRecord{StartTime: start, EndTime: time.Now().UTC(), RetryAttempts: retries}
	if err != nil {
		serr := AsStageError(err)
		rec.Status = StageFailed
		rec.Error = &StageErrorRecord{
			Code:             serr.Code,
			Message:          serr.Message,
			Severity:         serr.Severity,
			OriginalSeverity: serr.OriginalSeverity,
		}
		e.Warn(fmt.Sprintf("terminal stage %s failed: %v", name, serr))
	} else {
		if out == nil {
			out = &StageOutput{}
		}
		rec.Status = StageCompleted
		rec.DurationMS = out.Duration.Milliseconds()
		rec.Provider = &out.Provider
		rec.Cost = out.Cost
		ls.totalCost += out.Cost
		if !ls.aborted && ls.skipInfo == nil {
			ls.completed = append(ls.completed, name)
		}
	}
	ls.outputs[name] = rec
	if serr := e.store.UpdateStageStatus(ls.runID, name, *rec); serr != nil {
		e.Warn(fmt.Sprintf("persist terminal stage record %s/%s: %v", ls.runID, name, serr))
	}
	e.appendProgress(map[string]any{
		"event":  "finalizer_done",
		"run_id": ls.runID,
		"stage":  name,
		"ok":     err == nil,
	})
}
