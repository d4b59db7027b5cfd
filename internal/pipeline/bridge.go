package pipeline

import "fmt"

// consumeQueuedTopic checks for a topic queued from a prior failed run
// targeting this calendar key and injects it as the initial stage input so
// topic sourcing can skip fresh discovery. Entries at or past the retry cap
// are abandoned. Queue I/O failures are non-fatal; sourcing proceeds fresh.
func (e *Engine) consumeQueuedTopic(ls *loopState) {
	if e.queue == nil {
		return
	}
	qt, err := e.queue.CheckToday(ls.runID)
	if err != nil {
		e.Warn(fmt.Sprintf("check queued topic for %s: %v", ls.runID, err))
		return
	}
	if qt == nil {
		return
	}
	if qt.RetryCount >= e.maxTopicRetries {
		e.Warn(fmt.Sprintf("abandoning queued topic for %s after %d retries", ls.runID, qt.RetryCount))
		if err := e.queue.Clear(ls.runID); err != nil {
			e.Warn(fmt.Sprintf("clear abandoned topic for %s: %v", ls.runID, err))
		}
		return
	}
	updated, err := e.queue.IncrementRetry(ls.runID)
	if err != nil {
		e.Warn(fmt.Sprintf("increment queued topic retry for %s: %v", ls.runID, err))
		return
	}
	if updated == nil {
		return
	}

	ls.currentTopic = updated.Topic
	ls.consumedQueued = true
	ls.data["topic"] = updated.Topic
	ls.data["topic_source"] = "queue"
	e.appendProgress(map[string]any{
		"event":       "queued_topic_consumed",
		"run_id":      ls.runID,
		"retry_count": updated.RetryCount,
		"from_stage":  updated.FailedStage,
	})
}

// queueTopicForRetry enqueues the loop's current topic when a skip decision
// ends the run. Failures are non-fatal; the skip stands either way.
func (e *Engine) queueTopicForRetry(ls *loopState, serr *StageError) {
	if e.queue == nil || ls.skipInfo == nil || ls.currentTopic == nil {
		return
	}
	date, err := e.queue.QueueFailed(ls.currentTopic, serr.Code, ls.skipInfo.Stage, ls.runID)
	if err != nil {
		e.Warn(fmt.Sprintf("queue topic from %s: %v", ls.runID, err))
		return
	}
	ls.skipInfo.TopicQueued = true
	ls.skipInfo.QueuedForDate = date
	e.appendProgress(map[string]any{
		"event":      "topic_queued",
		"run_id":     ls.runID,
		"stage":      ls.skipInfo.Stage,
		"queued_for": date,
	})
}

// clearConsumedTopic removes the queue entry after a fully successful run
// that started from a queued topic.
func (e *Engine) clearConsumedTopic(ls *loopState) {
	if e.queue == nil || !ls.consumedQueued {
		return
	}
	if err := e.queue.Clear(ls.runID); err != nil {
		e.Warn(fmt.Sprintf("clear consumed topic for %s: %v", ls.runID, err))
	}
}
