package state

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/runereel/runereel/internal/pipeline"
)

func newTestStore(t *testing.T) *FileStore {
	t.Helper()
	s, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	return s
}

func TestGetStateMissingRun(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetState("2026-08-25")
	if !errors.Is(err, pipeline.ErrRunNotFound) {
		t.Fatalf("got %v, want ErrRunNotFound", err)
	}
}

func TestInitializeAndGet(t *testing.T) {
	s := newTestStore(t)
	run, err := s.InitializeRun("2026-08-25")
	if err != nil {
		t.Fatalf("InitializeRun: %v", err)
	}
	if run.Status != pipeline.RunRunning {
		t.Fatalf("status = %q, want running", run.Status)
	}
	got, err := s.GetState("2026-08-25")
	if err != nil {
		t.Fatalf("GetState: %v", err)
	}
	if got.RunID != "2026-08-25" || got.Status != pipeline.RunRunning {
		t.Fatalf("round-trip mismatch: %+v", got)
	}
	if got.Stages == nil {
		t.Fatal("stages map not persisted")
	}
}

func TestStageStatusPartialUpdate(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.InitializeRun("2026-08-25"); err != nil {
		t.Fatalf("InitializeRun: %v", err)
	}
	if err := s.UpdateStageStatus("2026-08-25", "script", pipeline.StageRecord{Status: pipeline.StageRunning}); err != nil {
		t.Fatalf("UpdateStageStatus: %v", err)
	}
	if err := s.UpdateRetryAttempts("2026-08-25", "script", 2); err != nil {
		t.Fatalf("UpdateRetryAttempts: %v", err)
	}
	if err := s.UpdateStageStatus("2026-08-25", "script", pipeline.StageRecord{Status: pipeline.StageCompleted, Cost: 0.5}); err != nil {
		t.Fatalf("UpdateStageStatus completed: %v", err)
	}
	run, err := s.GetState("2026-08-25")
	if err != nil {
		t.Fatalf("GetState: %v", err)
	}
	rec := run.Stages["script"]
	if rec == nil {
		t.Fatal("stage record missing")
	}
	if rec.Status != pipeline.StageCompleted {
		t.Fatalf("status = %q, want completed", rec.Status)
	}
	if rec.RetryAttempts != 2 {
		t.Fatalf("retry attempts = %d, want 2 (preserved across status update)", rec.RetryAttempts)
	}
}

func TestStageOutputRoundTrip(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.InitializeRun("2026-08-25"); err != nil {
		t.Fatalf("InitializeRun: %v", err)
	}
	out := &pipeline.StageOutput{
		Data:     map[string]any{"script": "hello", "word_count": float64(2)},
		Cost:     1.25,
		Provider: pipeline.ProviderInfo{Name: "alpha", Tier: pipeline.TierPrimary},
	}
	if err := s.PersistStageOutput("2026-08-25", "script", out); err != nil {
		t.Fatalf("PersistStageOutput: %v", err)
	}
	got, err := s.LoadStageOutput("2026-08-25", "script")
	if err != nil {
		t.Fatalf("LoadStageOutput: %v", err)
	}
	if got.Data["script"] != "hello" || got.Cost != 1.25 {
		t.Fatalf("round-trip mismatch: %+v", got)
	}
}

func TestLoadStageOutputDetectsTampering(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.InitializeRun("2026-08-25"); err != nil {
		t.Fatalf("InitializeRun: %v", err)
	}
	if err := s.PersistStageOutput("2026-08-25", "script", &pipeline.StageOutput{Data: map[string]any{"k": "v"}}); err != nil {
		t.Fatalf("PersistStageOutput: %v", err)
	}
	path := filepath.Join(s.Root(), "2026-08-25", "outputs", "script.json")
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read output file: %v", err)
	}
	var doc map[string]any
	if err := json.Unmarshal(b, &doc); err != nil {
		t.Fatalf("decode output file: %v", err)
	}
	doc["output"].(map[string]any)["data"].(map[string]any)["k"] = "edited"
	edited, _ := json.Marshal(doc)
	if err := os.WriteFile(path, edited, 0o644); err != nil {
		t.Fatalf("rewrite output file: %v", err)
	}
	if _, err := s.LoadStageOutput("2026-08-25", "script"); err == nil || !strings.Contains(err.Error(), "hash verification") {
		t.Fatalf("got %v, want hash verification failure", err)
	}
}

func TestLoadStageOutputMissing(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.InitializeRun("2026-08-25"); err != nil {
		t.Fatalf("InitializeRun: %v", err)
	}
	_, err := s.LoadStageOutput("2026-08-25", "script")
	if !errors.Is(err, pipeline.ErrRunNotFound) {
		t.Fatalf("got %v, want ErrRunNotFound", err)
	}
}

func TestTerminalTransitions(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.InitializeRun("2026-08-25"); err != nil {
		t.Fatalf("InitializeRun: %v", err)
	}
	if err := s.MarkFailed("2026-08-25", pipeline.FailureInfo{Stage: "script", Code: "X"}); err != nil {
		t.Fatalf("MarkFailed: %v", err)
	}
	run, _ := s.GetState("2026-08-25")
	if run.Status != pipeline.RunFailed || run.Failure == nil || run.Failure.Stage != "script" {
		t.Fatalf("after MarkFailed: %+v", run)
	}
	if run.EndTime.IsZero() {
		t.Fatal("end time not set")
	}

	if err := s.MarkRunning("2026-08-25"); err != nil {
		t.Fatalf("MarkRunning: %v", err)
	}
	run, _ = s.GetState("2026-08-25")
	if run.Status != pipeline.RunRunning || run.Failure != nil || !run.EndTime.IsZero() {
		t.Fatalf("after MarkRunning: %+v", run)
	}

	if err := s.MarkSkipped("2026-08-25", pipeline.SkipInfo{Stage: "script", Reason: "r"}); err != nil {
		t.Fatalf("MarkSkipped: %v", err)
	}
	run, _ = s.GetState("2026-08-25")
	if run.Status != pipeline.RunSkipped || run.SkipInfo == nil {
		t.Fatalf("after MarkSkipped: %+v", run)
	}

	if err := s.MarkComplete("2026-08-25"); err != nil {
		t.Fatalf("MarkComplete: %v", err)
	}
	run, _ = s.GetState("2026-08-25")
	if run.Status != pipeline.RunCompleted || run.SkipInfo != nil {
		t.Fatalf("after MarkComplete: %+v", run)
	}
}

func TestQualityAndCostPersist(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.InitializeRun("2026-08-25"); err != nil {
		t.Fatalf("InitializeRun: %v", err)
	}
	q := pipeline.QualityContext{DegradedStages: []string{"thumbnail"}, Flags: []string{"low_res"}}
	if err := s.UpdateQualityContext("2026-08-25", q); err != nil {
		t.Fatalf("UpdateQualityContext: %v", err)
	}
	if err := s.UpdateTotalCost("2026-08-25", 3.5); err != nil {
		t.Fatalf("UpdateTotalCost: %v", err)
	}
	run, _ := s.GetState("2026-08-25")
	if len(run.Quality.DegradedStages) != 1 || run.Quality.DegradedStages[0] != "thumbnail" {
		t.Fatalf("quality = %+v", run.Quality)
	}
	if run.TotalCost != 3.5 {
		t.Fatalf("total cost = %v, want 3.5", run.TotalCost)
	}
}

func TestPrune(t *testing.T) {
	s := newTestStore(t)
	for _, key := range []string{"2026-08-20", "2026-08-21", "2026-08-22", "2026-08-23", "2026-08-24"} {
		if _, err := s.InitializeRun(key); err != nil {
			t.Fatalf("InitializeRun %s: %v", key, err)
		}
	}
	removed, err := s.Prune(2, []string{"*-21"})
	if err != nil {
		t.Fatalf("Prune: %v", err)
	}
	if len(removed) != 2 || removed[0] != "2026-08-20" || removed[1] != "2026-08-22" {
		t.Fatalf("removed = %v, want [2026-08-20 2026-08-22]", removed)
	}
	for key, want := range map[string]bool{
		"2026-08-20": false,
		"2026-08-21": true,
		"2026-08-22": false,
		"2026-08-23": true,
		"2026-08-24": true,
	} {
		_, err := s.GetState(key)
		if exists := err == nil; exists != want {
			t.Fatalf("run %s exists=%v, want %v", key, exists, want)
		}
	}
}
