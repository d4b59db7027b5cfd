// Package state persists run documents for the pipeline engine as JSON files,
// one directory per calendar key. Writes are atomic (temp file + rename) and
// happen after every stage, so a crash leaves state consistent up to the last
// completed stage.
package state

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/zeebo/blake3"

	"github.com/runereel/runereel/internal/pipeline"
)

// FileStore implements pipeline.StateStore on a directory tree:
//
//	<root>/<run_id>/run.json
//	<root>/<run_id>/outputs/<stage>.json
type FileStore struct {
	root string
}

func NewFileStore(root string) (*FileStore, error) {
	root = strings.TrimSpace(root)
	if root == "" {
		return nil, fmt.Errorf("state root is required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	return &FileStore{root: root}, nil
}

func (s *FileStore) Root() string { return s.root }

func (s *FileStore) runDir(runID string) string {
	return filepath.Join(s.root, sanitizeKey(runID))
}

func (s *FileStore) runPath(runID string) string {
	return filepath.Join(s.runDir(runID), "run.json")
}

func (s *FileStore) outputPath(runID, stage string) string {
	return filepath.Join(s.runDir(runID), "outputs", sanitizeKey(stage)+".json")
}

func (s *FileStore) GetState(runID string) (*pipeline.Run, error) {
	b, err := os.ReadFile(s.runPath(runID))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", pipeline.ErrRunNotFound, runID)
		}
		return nil, err
	}
	var run pipeline.Run
	if err := json.Unmarshal(b, &run); err != nil {
		return nil, fmt.Errorf("decode run %s: %w", runID, err)
	}
	return &run, nil
}

func (s *FileStore) InitializeRun(runID string) (*pipeline.Run, error) {
	run := &pipeline.Run{
		RunID:     runID,
		Status:    pipeline.RunRunning,
		StartTime: time.Now().UTC(),
		Stages:    map[string]*pipeline.StageRecord{},
	}
	if err := os.MkdirAll(filepath.Join(s.runDir(runID), "outputs"), 0o755); err != nil {
		return nil, err
	}
	if err := s.writeRun(run); err != nil {
		return nil, err
	}
	return run, nil
}

func (s *FileStore) UpdateStageStatus(runID, stage string, rec pipeline.StageRecord) error {
	return s.mutate(runID, func(run *pipeline.Run) {
		existing := run.Stages[stage]
		if existing != nil {
			// Partial update: preserve fields the caller did not set.
			if rec.StartTime.IsZero() {
				rec.StartTime = existing.StartTime
			}
			if rec.RetryAttempts == 0 {
				rec.RetryAttempts = existing.RetryAttempts
			}
		}
		run.Stages[stage] = &rec
	})
}

func (s *FileStore) UpdateRetryAttempts(runID, stage string, attempts int) error {
	return s.mutate(runID, func(run *pipeline.Run) {
		rec := run.Stages[stage]
		if rec == nil {
			rec = &pipeline.StageRecord{Status: pipeline.StageRunning}
			run.Stages[stage] = rec
		}
		rec.RetryAttempts = attempts
	})
}

// storedOutput wraps a persisted stage output with a content hash so resume
// can detect truncated or hand-edited documents before trusting them.
type storedOutput struct {
	RunID   string                `json:"run_id"`
	Stage   string                `json:"stage"`
	SavedAt time.Time             `json:"saved_at"`
	Hash    string                `json:"hash"`
	Output  *pipeline.StageOutput `json:"output"`
}

func (s *FileStore) PersistStageOutput(runID, stage string, out *pipeline.StageOutput) error {
	if out == nil {
		out = &pipeline.StageOutput{}
	}
	digest, err := outputDigest(out)
	if err != nil {
		return err
	}
	doc := storedOutput{
		RunID:   runID,
		Stage:   stage,
		SavedAt: time.Now().UTC(),
		Hash:    digest,
		Output:  out,
	}
	if err := os.MkdirAll(filepath.Dir(s.outputPath(runID, stage)), 0o755); err != nil {
		return err
	}
	return writeJSONAtomic(s.outputPath(runID, stage), doc)
}

func (s *FileStore) LoadStageOutput(runID, stage string) (*pipeline.StageOutput, error) {
	b, err := os.ReadFile(s.outputPath(runID, stage))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: no output for %s/%s", pipeline.ErrRunNotFound, runID, stage)
		}
		return nil, err
	}
	var doc storedOutput
	if err := json.Unmarshal(b, &doc); err != nil {
		return nil, fmt.Errorf("decode output %s/%s: %w", runID, stage, err)
	}
	if doc.Output == nil {
		return nil, fmt.Errorf("output %s/%s is empty", runID, stage)
	}
	digest, err := outputDigest(doc.Output)
	if err != nil {
		return nil, err
	}
	if doc.Hash != "" && doc.Hash != digest {
		return nil, fmt.Errorf("output %s/%s failed hash verification", runID, stage)
	}
	return doc.Output, nil
}

func (s *FileStore) UpdateQualityContext(runID string, q pipeline.QualityContext) error {
	return s.mutate(runID, func(run *pipeline.Run) {
		run.Quality = q
	})
}

func (s *FileStore) UpdateTotalCost(runID string, total float64) error {
	return s.mutate(runID, func(run *pipeline.Run) {
		run.TotalCost = total
	})
}

func (s *FileStore) MarkRunning(runID string) error {
	return s.mutate(runID, func(run *pipeline.Run) {
		run.Status = pipeline.RunRunning
		run.EndTime = time.Time{}
		run.SkipInfo = nil
		run.Failure = nil
	})
}

func (s *FileStore) MarkSkipped(runID string, info pipeline.SkipInfo) error {
	return s.mutate(runID, func(run *pipeline.Run) {
		run.Status = pipeline.RunSkipped
		run.EndTime = time.Now().UTC()
		run.SkipInfo = &info
	})
}

func (s *FileStore) MarkFailed(runID string, info pipeline.FailureInfo) error {
	return s.mutate(runID, func(run *pipeline.Run) {
		run.Status = pipeline.RunFailed
		run.EndTime = time.Now().UTC()
		run.Failure = &info
	})
}

func (s *FileStore) MarkComplete(runID string) error {
	return s.mutate(runID, func(run *pipeline.Run) {
		run.Status = pipeline.RunCompleted
		run.EndTime = time.Now().UTC()
		run.SkipInfo = nil
		run.Failure = nil
	})
}

// SaveRun overwrites the full run document. Tests and tooling use it to seed
// state; the engine itself goes through the narrower mutators.
func (s *FileStore) SaveRun(run *pipeline.Run) error {
	if run == nil || strings.TrimSpace(run.RunID) == "" {
		return fmt.Errorf("run with run_id is required")
	}
	if err := os.MkdirAll(filepath.Join(s.runDir(run.RunID), "outputs"), 0o755); err != nil {
		return err
	}
	return s.writeRun(run)
}

func (s *FileStore) mutate(runID string, fn func(run *pipeline.Run)) error {
	run, err := s.GetState(runID)
	if err != nil {
		return err
	}
	if run.Stages == nil {
		run.Stages = map[string]*pipeline.StageRecord{}
	}
	fn(run)
	return s.writeRun(run)
}

func (s *FileStore) writeRun(run *pipeline.Run) error {
	return writeJSONAtomic(s.runPath(run.RunID), run)
}

func outputDigest(out *pipeline.StageOutput) (string, error) {
	b, err := json.Marshal(out)
	if err != nil {
		return "", err
	}
	sum := blake3.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

func writeJSONAtomic(path string, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, path)
}

// sanitizeKey keeps calendar keys and stage names filesystem-safe.
func sanitizeKey(k string) string {
	k = strings.TrimSpace(k)
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '-' || r == '_' || r == '.':
			return r
		default:
			return '_'
		}
	}, k)
}
