package pipeline

import (
	"fmt"
	"strings"
	"time"
)

// Criticality is the static tier of a stage, controlling abort-vs-continue
// behavior when the stage fails.
type Criticality string

const (
	// CriticalityCritical stages abort or skip the run on failure.
	CriticalityCritical Criticality = "critical"
	// CriticalityDegraded stages are skipped on failure and flag the run as degraded.
	CriticalityDegraded Criticality = "degraded"
	// CriticalityRecoverable stages are skipped on failure with no quality penalty.
	CriticalityRecoverable Criticality = "recoverable"
)

func ParseCriticality(s string) (Criticality, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "critical":
		return CriticalityCritical, nil
	case "degraded":
		return CriticalityDegraded, nil
	case "recoverable":
		return CriticalityRecoverable, nil
	default:
		return "", fmt.Errorf("invalid criticality: %q", s)
	}
}

// RetryPolicy bounds the retry wrapper for one stage. Static configuration,
// never mutated at runtime. MaxRetries is the number of retries after the
// first attempt; zero means execute exactly once.
type RetryPolicy struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// StageSpec is one entry of the ordered stage table.
type StageSpec struct {
	Name        string
	Criticality Criticality
	Retry       RetryPolicy
	// Timeout is handed to the stage's unit of work through its input config.
	// The engine does not preempt; the executor is responsible for honoring it.
	Timeout time.Duration
}

// StageTable is the ordered stage list plus the designated always-run terminal
// stage. It is an explicit value passed to the engine constructor; there is no
// process-wide registry.
type StageTable struct {
	stages   []StageSpec
	terminal string
	index    map[string]int
}

// NewStageTable builds and validates a stage table. The terminal stage must be
// the last entry of the ordered list.
func NewStageTable(stages []StageSpec, terminal string) (StageTable, error) {
	if len(stages) == 0 {
		return StageTable{}, fmt.Errorf("stage table must define at least one stage")
	}
	terminal = strings.TrimSpace(terminal)
	if terminal == "" {
		return StageTable{}, fmt.Errorf("stage table must designate a terminal stage")
	}
	idx := make(map[string]int, len(stages))
	for i, s := range stages {
		name := strings.TrimSpace(s.Name)
		if name == "" {
			return StageTable{}, fmt.Errorf("stage %d: name is required", i)
		}
		if _, dup := idx[name]; dup {
			return StageTable{}, fmt.Errorf("duplicate stage name: %s", name)
		}
		if _, err := ParseCriticality(string(s.Criticality)); err != nil {
			return StageTable{}, fmt.Errorf("stage %s: %w", name, err)
		}
		if s.Retry.MaxRetries < 0 {
			return StageTable{}, fmt.Errorf("stage %s: max_retries must be >= 0", name)
		}
		idx[name] = i
	}
	ti, ok := idx[terminal]
	if !ok {
		return StageTable{}, fmt.Errorf("terminal stage %s is not in the stage table", terminal)
	}
	if ti != len(stages)-1 {
		return StageTable{}, fmt.Errorf("terminal stage %s must be the last table entry", terminal)
	}
	return StageTable{stages: append([]StageSpec{}, stages...), terminal: terminal, index: idx}, nil
}

// Names returns stage names in execution order, including the terminal stage.
func (t StageTable) Names() []string {
	out := make([]string, len(t.stages))
	for i, s := range t.stages {
		out[i] = s.Name
	}
	return out
}

func (t StageTable) Len() int { return len(t.stages) }

// At returns the stage spec at position i.
func (t StageTable) At(i int) StageSpec { return t.stages[i] }

// Index resolves a stage name to its position in execution order.
func (t StageTable) Index(name string) (int, error) {
	i, ok := t.index[strings.TrimSpace(name)]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownStage, name)
	}
	return i, nil
}

// Spec resolves a stage name to its spec.
func (t StageTable) Spec(name string) (StageSpec, error) {
	i, err := t.Index(name)
	if err != nil {
		return StageSpec{}, err
	}
	return t.stages[i], nil
}

// Terminal returns the name of the always-run terminal stage.
func (t StageTable) Terminal() string { return t.terminal }

// Criticality returns the tier for a stage, defaulting to critical for names
// the table does not know. An unknown stage failing is a configuration
// problem, and critical is the conservative tier for those.
func (t StageTable) Criticality(name string) Criticality {
	if i, ok := t.index[strings.TrimSpace(name)]; ok {
		return t.stages[i].Criticality
	}
	return CriticalityCritical
}

// DefaultStageTable is the daily production pipeline: source a topic, write a
// script, synthesize audio, generate visuals, render, publish, notify.
func DefaultStageTable() StageTable {
	stages := []StageSpec{
		{Name: "topic_sourcing", Criticality: CriticalityCritical,
			Retry: RetryPolicy{MaxRetries: 3, BaseDelay: 2 * time.Second, MaxDelay: 30 * time.Second}, Timeout: time.Minute},
		{Name: "script_writing", Criticality: CriticalityCritical,
			Retry: RetryPolicy{MaxRetries: 2, BaseDelay: 5 * time.Second, MaxDelay: 60 * time.Second}, Timeout: 3 * time.Minute},
		{Name: "audio_synthesis", Criticality: CriticalityCritical,
			Retry: RetryPolicy{MaxRetries: 2, BaseDelay: 5 * time.Second, MaxDelay: 60 * time.Second}, Timeout: 5 * time.Minute},
		{Name: "visual_generation", Criticality: CriticalityDegraded,
			Retry: RetryPolicy{MaxRetries: 1, BaseDelay: 10 * time.Second, MaxDelay: 60 * time.Second}, Timeout: 10 * time.Minute},
		{Name: "render", Criticality: CriticalityCritical,
			Retry: RetryPolicy{MaxRetries: 1, BaseDelay: 15 * time.Second, MaxDelay: 60 * time.Second}, Timeout: 20 * time.Minute},
		{Name: "publish", Criticality: CriticalityCritical,
			Retry: RetryPolicy{MaxRetries: 3, BaseDelay: 10 * time.Second, MaxDelay: 2 * time.Minute}, Timeout: 10 * time.Minute},
		{Name: "notify", Criticality: CriticalityRecoverable,
			Retry: RetryPolicy{MaxRetries: 1, BaseDelay: 2 * time.Second, MaxDelay: 10 * time.Second}, Timeout: time.Minute},
	}
	t, err := NewStageTable(stages, "notify")
	if err != nil {
		// The default table is static; a constructor error here is a bug.
		panic(err)
	}
	return t
}
