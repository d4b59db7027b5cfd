// Package incident records stage failures durably and pushes alerts for the
// runtime-critical ones. Logging always happens before alerting so the local
// record survives even when the alert channel is down.
package incident

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/runereel/runereel/internal/pipeline"
)

// FileLogger appends incidents to an NDJSON file, one JSON object per line.
type FileLogger struct {
	mu   sync.Mutex
	path string
}

func NewFileLogger(path string) (*FileLogger, error) {
	if path == "" {
		return nil, fmt.Errorf("incident log path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	return &FileLogger{path: path}, nil
}

func (l *FileLogger) LogIncident(rec pipeline.IncidentRecord) (string, error) {
	if rec.IncidentID == "" {
		rec.IncidentID = ulid.Make().String()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}
	line, err := json.Marshal(rec)
	if err != nil {
		return "", err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return "", err
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		return "", err
	}
	return rec.IncidentID, nil
}

// ReadAll returns every incident in the log, oldest first. Tooling and tests
// use it; the engine only writes.
func (l *FileLogger) ReadAll() ([]pipeline.IncidentRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, err := os.ReadFile(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var out []pipeline.IncidentRecord
	dec := json.NewDecoder(bytes.NewReader(b))
	for dec.More() {
		var rec pipeline.IncidentRecord
		if err := dec.Decode(&rec); err != nil {
			return out, fmt.Errorf("decode incident log: %w", err)
		}
		out = append(out, rec)
	}
	return out, nil
}
