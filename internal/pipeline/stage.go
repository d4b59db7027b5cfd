package pipeline

import (
	"context"
	"strings"
	"sync"
	"time"
)

// ProviderTier records whether a stage's output came from its primary provider
// or a fallback.
type ProviderTier string

const (
	TierPrimary  ProviderTier = "primary"
	TierFallback ProviderTier = "fallback"
)

// ProviderInfo describes which provider produced a stage's output.
type ProviderInfo struct {
	Name     string       `json:"name"`
	Tier     ProviderTier `json:"tier"`
	Attempts int          `json:"attempts"`
}

// StageConfig is the contract slice of the stage table handed to the unit of
// work. The executor, not the engine, is responsible for honoring Timeout.
type StageConfig struct {
	Timeout time.Duration `json:"timeout_ms"`
	Retries int           `json:"retries"`
}

// StageInput is what a stage's unit of work receives.
type StageInput struct {
	RunID         string         `json:"run_id"`
	PreviousStage string         `json:"previous_stage"`
	Data          map[string]any `json:"data"`
	Config        StageConfig    `json:"config"`
	Quality       QualityContext `json:"quality_context"`
}

// StageOutput is what a successful unit of work returns.
type StageOutput struct {
	Data                map[string]any     `json:"data"`
	QualityMeasurements map[string]float64 `json:"quality_measurements,omitempty"`
	Cost                float64            `json:"cost"`
	Duration            time.Duration      `json:"-"`
	Provider            ProviderInfo       `json:"provider"`
	Warnings            []string           `json:"warnings,omitempty"`
	Artifacts           map[string]string  `json:"artifacts,omitempty"`
}

// Executor is one pluggable unit of work in the pipeline. Implementations
// live outside the engine; the engine treats them opaquely. Failures should be
// returned as *StageError so severity survives classification; any other error
// is coerced to critical.
type Executor interface {
	Name() string
	Invoke(ctx context.Context, in StageInput) (*StageOutput, error)
}

// Registry maps stage names to executors. Unlike the stage table it is
// mutable only before the engine starts; Resolve is safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	executors map[string]Executor
}

func NewRegistry() *Registry {
	return &Registry{executors: map[string]Executor{}}
}

func (r *Registry) Register(e Executor) {
	if e == nil {
		return
	}
	name := strings.TrimSpace(e.Name())
	if name == "" {
		return
	}
	r.mu.Lock()
	r.executors[name] = e
	r.mu.Unlock()
}

func (r *Registry) Resolve(name string) (Executor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.executors[strings.TrimSpace(name)]
	return e, ok
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc struct {
	StageName string
	Fn        func(ctx context.Context, in StageInput) (*StageOutput, error)
}

func (f ExecutorFunc) Name() string { return f.StageName }

func (f ExecutorFunc) Invoke(ctx context.Context, in StageInput) (*StageOutput, error) {
	return f.Fn(ctx, in)
}
