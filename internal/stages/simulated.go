package stages

import (
	"context"
	"sync"

	"github.com/runereel/runereel/internal/pipeline"
	"github.com/runereel/runereel/internal/pipeline/config"
)

// Simulated is a scripted executor built from configuration. It fails its
// first Fail.Attempts invocations with the configured code and severity
// (every invocation when Attempts is 0 and a failure is configured), then
// succeeds with the configured output and cost. When a fallback provider is
// named, the post-failure success reports the fallback tier, mimicking a
// provider chain that recovered on its secondary.
type Simulated struct {
	stage string
	sim   config.SimulateConfig

	mu       sync.Mutex
	attempts int
}

func NewSimulated(stage string, sim config.SimulateConfig) *Simulated {
	return &Simulated{stage: stage, sim: sim}
}

func (s *Simulated) Name() string { return s.stage }

// Attempts reports how many times the executor has been invoked.
func (s *Simulated) Attempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts
}

func (s *Simulated) Invoke(ctx context.Context, in pipeline.StageInput) (*pipeline.StageOutput, error) {
	s.mu.Lock()
	s.attempts++
	attempt := s.attempts
	s.mu.Unlock()

	if f := s.sim.Fail; f != nil && (f.Attempts == 0 || attempt <= f.Attempts) {
		sev := pipeline.SeverityCritical
		if f.Severity != "" {
			sev, _ = pipeline.ParseSeverity(f.Severity)
		}
		msg := f.Message
		if msg == "" {
			msg = "injected failure"
		}
		return nil, pipeline.NewStageError(f.Code, msg, sev)
	}

	provider := s.sim.Provider
	if provider == "" {
		provider = s.stage + "-sim"
	}
	tier := pipeline.TierPrimary
	if attempt > 1 && s.sim.FallbackProvider != "" {
		provider = s.sim.FallbackProvider
		tier = pipeline.TierFallback
	}

	out := carryForward(in.Data)
	for k, v := range s.sim.Output {
		out[k] = v
	}
	return &pipeline.StageOutput{
		Data:     out,
		Cost:     s.sim.Cost,
		Provider: pipeline.ProviderInfo{Name: provider, Tier: tier, Attempts: attempt},
	}, nil
}

// BuildRegistry wires executors for every configured stage: the scripted
// executor when a simulate block is present, the matching built-in otherwise.
// Stages with neither get a passthrough that chains input to output, so a
// partially configured table still runs end to end.
func BuildRegistry(cfg *config.File) *pipeline.Registry {
	builtins := map[string]func() pipeline.Executor{
		"topic_sourcing":    TopicSourcing,
		"script_writing":    ScriptWriting,
		"audio_synthesis":   AudioSynthesis,
		"visual_generation": VisualGeneration,
		"render":            Render,
		"publish":           Publish,
		"notify":            Notify,
	}

	reg := pipeline.NewRegistry()
	names := make([]string, 0, len(cfg.Stages))
	for _, st := range cfg.Stages {
		names = append(names, st.Name)
		if st.Simulate != nil {
			reg.Register(NewSimulated(st.Name, *st.Simulate))
			continue
		}
		if mk, ok := builtins[st.Name]; ok {
			reg.Register(mk())
			continue
		}
		reg.Register(passthrough(st.Name))
	}
	if len(names) == 0 {
		for _, mk := range builtins {
			reg.Register(mk())
		}
	}
	return reg
}

func passthrough(name string) pipeline.Executor {
	return pipeline.ExecutorFunc{StageName: name, Fn: func(ctx context.Context, in pipeline.StageInput) (*pipeline.StageOutput, error) {
		return &pipeline.StageOutput{
			Data:     carryForward(in.Data),
			Provider: pipeline.ProviderInfo{Name: name + "-noop", Tier: pipeline.TierPrimary, Attempts: 1},
		}, nil
	}}
}
