package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/runereel/runereel/internal/pipeline"
)

// FileQueue implements pipeline.TopicQueue as one JSON file per target
// calendar key under a queue directory. At most one topic is queued per key;
// a later failure for the same key overwrites the earlier entry.
type FileQueue struct {
	dir string
	now func() time.Time
}

func NewFileQueue(dir string) (*FileQueue, error) {
	if dir == "" {
		return nil, fmt.Errorf("queue dir is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &FileQueue{dir: dir, now: time.Now}, nil
}

func (q *FileQueue) entryPath(key string) string {
	return filepath.Join(q.dir, sanitizeKey(key)+".json")
}

func (q *FileQueue) CheckToday(runID string) (*pipeline.QueuedTopic, error) {
	b, err := os.ReadFile(q.entryPath(runID))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var qt pipeline.QueuedTopic
	if err := json.Unmarshal(b, &qt); err != nil {
		return nil, fmt.Errorf("decode queued topic for %s: %w", runID, err)
	}
	return &qt, nil
}

func (q *FileQueue) IncrementRetry(runID string) (*pipeline.QueuedTopic, error) {
	qt, err := q.CheckToday(runID)
	if err != nil || qt == nil {
		return nil, err
	}
	qt.RetryCount++
	if err := writeJSONAtomic(q.entryPath(runID), qt); err != nil {
		return nil, err
	}
	return qt, nil
}

func (q *FileQueue) Clear(runID string) error {
	err := os.Remove(q.entryPath(runID))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

// QueueFailed stores the topic for the calendar key after fromRunID. The retry
// count carries over from any entry consumed for fromRunID, so a topic that
// keeps failing day after day eventually hits the abandonment cap.
func (q *FileQueue) QueueFailed(topic map[string]any, code, stage, fromRunID string) (string, error) {
	target := nextCalendarKey(fromRunID, q.now)

	retries := 0
	if prior, err := q.CheckToday(fromRunID); err == nil && prior != nil {
		retries = prior.RetryCount
	}

	qt := pipeline.QueuedTopic{
		Topic:       topic,
		FailureCode: code,
		FailedStage: stage,
		TargetDate:  target,
		RetryCount:  retries,
		QueuedAt:    q.now().UTC(),
	}
	if err := writeJSONAtomic(q.entryPath(target), qt); err != nil {
		return "", err
	}
	return target, nil
}

// nextCalendarKey returns the day after the given key, falling back to
// tomorrow when the key does not parse as a date.
func nextCalendarKey(key string, now func() time.Time) string {
	t, err := time.Parse("2006-01-02", key)
	if err != nil {
		t = now().UTC()
	}
	return t.AddDate(0, 0, 1).Format("2006-01-02")
}
