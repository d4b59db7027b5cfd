// Package config loads the pipeline configuration file: the ordered stage
// table with per-stage retry and criticality settings, plus engine-level
// knobs (lock ceiling, queue retry cap, budget, paths). YAML is the primary
// format; JSON is accepted by extension.
package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/runereel/runereel/internal/pipeline"
)

// File is the on-disk configuration document.
type File struct {
	Version int `yaml:"version" json:"version"`

	StateDir     string `yaml:"state_dir" json:"state_dir"`
	QueueDir     string `yaml:"queue_dir" json:"queue_dir"`
	ProgressPath string `yaml:"progress_path" json:"progress_path"`
	IncidentLog  string `yaml:"incident_log" json:"incident_log"`
	AlertWebhook string `yaml:"alert_webhook" json:"alert_webhook"`

	// MaxRunDuration is the advisory-lock staleness ceiling (duration string).
	MaxRunDuration  string `yaml:"max_run_duration" json:"max_run_duration"`
	MaxTopicRetries int    `yaml:"max_topic_retries" json:"max_topic_retries"`

	Budget BudgetConfig  `yaml:"budget" json:"budget"`
	Stages []StageConfig `yaml:"stages" json:"stages,omitempty"`
}

type BudgetConfig struct {
	Ceiling        float64            `yaml:"ceiling" json:"ceiling"`
	CategoryLimits map[string]float64 `yaml:"category_limits" json:"category_limits,omitempty"`
}

// StageConfig is one row of the stage table. Order in the file is execution
// order; the last entry is the terminal stage and always runs.
type StageConfig struct {
	Name        string `yaml:"name" json:"name"`
	Criticality string `yaml:"criticality" json:"criticality"`
	MaxRetries  int    `yaml:"max_retries" json:"max_retries"`
	BaseDelay   string `yaml:"base_delay" json:"base_delay"`
	MaxDelay    string `yaml:"max_delay" json:"max_delay"`
	Timeout     string `yaml:"timeout" json:"timeout"`
	Category    string `yaml:"category" json:"category"`

	Simulate *SimulateConfig `yaml:"simulate" json:"simulate,omitempty"`
}

// SimulateConfig scripts a stage executor for dry runs and tests: fixed cost,
// provider identity, and optional injected failures for the first N attempts.
type SimulateConfig struct {
	Provider         string         `yaml:"provider" json:"provider"`
	FallbackProvider string         `yaml:"fallback_provider" json:"fallback_provider"`
	Cost             float64        `yaml:"cost" json:"cost"`
	Output           map[string]any `yaml:"output" json:"output,omitempty"`
	Fail             *FailConfig    `yaml:"fail" json:"fail,omitempty"`
}

// FailConfig injects a failure for the first Attempts invocations of a stage
// (0 means every invocation fails).
type FailConfig struct {
	Code     string `yaml:"code" json:"code"`
	Severity string `yaml:"severity" json:"severity"`
	Message  string `yaml:"message" json:"message"`
	Attempts int    `yaml:"attempts" json:"attempts"`
}

// Load reads, decodes, defaults, and validates a configuration file.
func Load(path string) (*File, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg File
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		if err := decodeJSONStrict(b, &cfg); err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
	default:
		if err := decodeYAMLStrict(b, &cfg); err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
	}
	applyDefaults(&cfg)
	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &cfg, nil
}

func decodeJSONStrict(b []byte, cfg *File) error {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	if err := dec.Decode(cfg); err != nil {
		return err
	}
	var trailing any
	if err := dec.Decode(&trailing); err != io.EOF {
		if err == nil {
			return fmt.Errorf("json: multiple top-level values are not allowed")
		}
		return err
	}
	return nil
}

func decodeYAMLStrict(b []byte, cfg *File) error {
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return err
	}
	var trailing any
	if err := dec.Decode(&trailing); err != io.EOF {
		if err == nil {
			return fmt.Errorf("yaml: multiple documents are not allowed")
		}
		return err
	}
	return nil
}

func applyDefaults(cfg *File) {
	if cfg.Version == 0 {
		cfg.Version = 1
	}
	if cfg.StateDir == "" {
		cfg.StateDir = "runs"
	}
	if cfg.QueueDir == "" {
		cfg.QueueDir = filepath.Join(cfg.StateDir, "queue")
	}
	if cfg.MaxRunDuration == "" {
		cfg.MaxRunDuration = "4h"
	}
	if cfg.MaxTopicRetries == 0 {
		cfg.MaxTopicRetries = 3
	}
	for i := range cfg.Stages {
		st := &cfg.Stages[i]
		if st.Criticality == "" {
			st.Criticality = string(pipeline.CriticalityCritical)
		}
		if st.BaseDelay == "" {
			st.BaseDelay = "1s"
		}
		if st.MaxDelay == "" {
			st.MaxDelay = "2m"
		}
	}
}

// Table builds the engine's stage table from the configured rows, or the
// built-in default table when the file names no stages. The last configured
// stage is the terminal one.
func (cfg *File) Table() (pipeline.StageTable, error) {
	if len(cfg.Stages) == 0 {
		return pipeline.DefaultStageTable(), nil
	}
	specs := make([]pipeline.StageSpec, 0, len(cfg.Stages))
	for _, st := range cfg.Stages {
		crit, err := pipeline.ParseCriticality(st.Criticality)
		if err != nil {
			return pipeline.StageTable{}, fmt.Errorf("stage %s: %w", st.Name, err)
		}
		base, err := time.ParseDuration(st.BaseDelay)
		if err != nil {
			return pipeline.StageTable{}, fmt.Errorf("stage %s base_delay: %w", st.Name, err)
		}
		max, err := time.ParseDuration(st.MaxDelay)
		if err != nil {
			return pipeline.StageTable{}, fmt.Errorf("stage %s max_delay: %w", st.Name, err)
		}
		var timeout time.Duration
		if st.Timeout != "" {
			timeout, err = time.ParseDuration(st.Timeout)
			if err != nil {
				return pipeline.StageTable{}, fmt.Errorf("stage %s timeout: %w", st.Name, err)
			}
		}
		specs = append(specs, pipeline.StageSpec{
			Name:        st.Name,
			Criticality: crit,
			Retry: pipeline.RetryPolicy{
				MaxRetries: st.MaxRetries,
				BaseDelay:  base,
				MaxDelay:   max,
			},
			Timeout: timeout,
		})
	}
	return pipeline.NewStageTable(specs, specs[len(specs)-1].Name)
}

// CostCategories maps stage names to their budget category for the cost hook.
func (cfg *File) CostCategories() map[string]string {
	out := map[string]string{}
	for _, st := range cfg.Stages {
		if st.Category != "" {
			out[st.Name] = st.Category
		}
	}
	return out
}

// LockCeiling parses MaxRunDuration; validate guarantees it parses.
func (cfg *File) LockCeiling() time.Duration {
	d, err := time.ParseDuration(cfg.MaxRunDuration)
	if err != nil {
		return pipeline.DefaultMaxRunDuration
	}
	return d
}
