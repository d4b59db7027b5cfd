package pipeline

import (
	"errors"
	"fmt"
	"time"
)

// DefaultMaxRunDuration is the ceiling past which a persisted "running" run is
// considered stale and safe to override. Daily runs finish in minutes; a few
// hours of slack covers slow providers.
const DefaultMaxRunDuration = 4 * time.Hour

// CheckLock reports whether a run for this calendar key is already in flight.
//
// The lock is advisory: it is implemented by inspecting persisted state, so
// two processes starting within the same read-check-write window can both see
// "not locked". That race is accepted — runs are daily and operator-triggered,
// not contended.
func (e *Engine) CheckLock(runID string) (bool, error) {
	st, err := e.store.GetState(runID)
	if err != nil {
		if errors.Is(err, ErrRunNotFound) {
			return false, nil
		}
		return false, err
	}
	if st == nil || st.Status != RunRunning {
		return false, nil
	}
	elapsed := time.Since(st.StartTime)
	if elapsed < e.maxRunDuration {
		return true, nil
	}
	e.Warn(fmt.Sprintf("overriding stale lock for run %s: running for %s (ceiling %s)",
		runID, elapsed.Round(time.Second), e.maxRunDuration))
	return false, nil
}
