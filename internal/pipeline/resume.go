package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ResumeRun re-enters the stage loop for a failed, skipped, or paused run.
// When fromStage is empty the restart point is the stage after the last
// completed one; otherwise it is the named stage. The stage name is validated
// against the table before any persisted state is touched.
func (e *Engine) ResumeRun(ctx context.Context, runID, fromStage string) (*RunResult, error) {
	if runID == "" {
		return nil, fmt.Errorf("run id is required")
	}
	forcedIndex := -1
	if fromStage != "" {
		i, err := e.table.Index(fromStage)
		if err != nil {
			return nil, err
		}
		forcedIndex = i
	}

	st, err := e.store.GetState(runID)
	if err != nil {
		if errors.Is(err, ErrRunNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
		}
		return nil, err
	}
	switch {
	case st.Status == RunRunning:
		return nil, fmt.Errorf("%w: %s", ErrAlreadyRunning, runID)
	case st.Status == RunCompleted:
		return nil, fmt.Errorf("%w: %s", ErrAlreadyCompleted, runID)
	case !st.Status.Resumable():
		return nil, fmt.Errorf("%w: %s is %s", ErrNotResumable, runID, st.Status)
	}

	// Best-effort transition; a persistence hiccup here must not block resume.
	if err := e.store.MarkRunning(runID); err != nil {
		e.Warn(fmt.Sprintf("mark run %s running for resume: %v", runID, err))
	}

	startIndex := forcedIndex
	if startIndex < 0 {
		startIndex = e.restartIndexFor(st)
	}

	ls := &loopState{
		runID:      runID,
		startIndex: startIndex,
		startedAt:  time.Now().UTC(),
		data:       map[string]any{},
		outputs:    map[string]*StageRecord{},
		quality:    st.Quality.Clone(),
	}
	e.reconstructCompleted(st, ls, startIndex)
	e.reloadChainedOutput(ls, startIndex)

	e.appendProgress(map[string]any{
		"event":       "run_resumed",
		"run_id":      runID,
		"from_stage":  fromStage,
		"start_index": startIndex,
	})

	e.runLoop(ctx, ls)
	return e.finalize(ctx, ls), nil
}

// restartIndexFor scans backward through the stage order for the last stage
// the persisted run marks completed and restarts at the one after it. The
// terminal stage never counts; it runs on every attempt regardless.
func (e *Engine) restartIndexFor(st *Run) int {
	for i := e.table.Len() - 1; i >= 0; i-- {
		name := e.table.At(i).Name
		if name == e.table.Terminal() {
			continue
		}
		rec, ok := st.Stages[name]
		if ok && rec != nil && rec.Status == StageCompleted {
			return i + 1
		}
	}
	return 0
}

// reconstructCompleted rebuilds completedStages and the carried stage records
// from every stage marked completed before the restart index.
func (e *Engine) reconstructCompleted(st *Run, ls *loopState, startIndex int) {
	for i := 0; i < startIndex && i < e.table.Len(); i++ {
		name := e.table.At(i).Name
		if name == e.table.Terminal() {
			continue
		}
		rec, ok := st.Stages[name]
		if !ok || rec == nil || rec.Status != StageCompleted {
			continue
		}
		ls.completed = append(ls.completed, name)
		ls.outputs[name] = rec
		ls.totalCost += rec.Cost
		ls.prevStage = name
	}
}

// reloadChainedOutput loads the persisted output feeding the restart stage.
// The nearest completed stage before the restart index supplies it; stages
// skipped by the recoverable/degraded branch never stored one. Restarting at
// index 0 starts from empty input.
func (e *Engine) reloadChainedOutput(ls *loopState, startIndex int) {
	for i := startIndex - 1; i >= 0; i-- {
		name := e.table.At(i).Name
		if name == e.table.Terminal() {
			continue
		}
		out, err := e.store.LoadStageOutput(ls.runID, name)
		if err != nil {
			if errors.Is(err, ErrRunNotFound) {
				continue
			}
			e.Warn(fmt.Sprintf("load persisted output %s/%s: %v", ls.runID, name, err))
			continue
		}
		if out == nil {
			continue
		}
		ls.data = out.Data
		ls.prevStage = name
		if topic, ok := out.Data["topic"].(map[string]any); ok {
			ls.currentTopic = topic
		}
		return
	}
	ls.data = map[string]any{}
}
