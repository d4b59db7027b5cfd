package pipeline

import "errors"

// Precondition violations raised directly to the caller of ExecuteRun/ResumeRun.
// Everything else a stage does wrong is caught inside the loop and converted
// into a classification decision, never an error return.
var (
	// ErrRunLocked: a fresh run with status=running already holds the calendar key.
	ErrRunLocked = errors.New("run already in progress")

	// ErrAlreadyRunning: resume requested for a run that is still executing.
	ErrAlreadyRunning = errors.New("run is already running")

	// ErrAlreadyCompleted: the run finished successfully; nothing to do.
	ErrAlreadyCompleted = errors.New("run already completed")

	// ErrNotResumable: persisted status is not failed/skipped/paused.
	ErrNotResumable = errors.New("run is not in a resumable state")

	// ErrUnknownStage: a stage name that does not exist in the stage table.
	ErrUnknownStage = errors.New("unknown stage")

	// ErrRunNotFound: no persisted state exists for the calendar key.
	ErrRunNotFound = errors.New("run not found")
)
