package config

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/runereel/runereel/internal/pipeline"
)

var durationPattern = `^([0-9]+(\.[0-9]+)?(ns|us|µs|ms|s|m|h))+$`

// configSchema constrains the decoded document before the structural checks
// run, so misconfigurations fail with a field path instead of a zero value
// silently flowing into the engine.
var configSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"version":           map[string]any{"type": "integer", "minimum": 1, "maximum": 1},
		"state_dir":         map[string]any{"type": "string", "minLength": 1},
		"queue_dir":         map[string]any{"type": "string", "minLength": 1},
		"progress_path":     map[string]any{"type": "string"},
		"incident_log":      map[string]any{"type": "string"},
		"alert_webhook":     map[string]any{"type": "string"},
		"max_run_duration":  map[string]any{"type": "string", "pattern": durationPattern},
		"max_topic_retries": map[string]any{"type": "integer", "minimum": 0},
		"budget": map[string]any{
			"type": "object",
			"properties": map[string]any{
				"ceiling": map[string]any{"type": "number", "minimum": 0},
				"category_limits": map[string]any{
					"type":                 "object",
					"additionalProperties": map[string]any{"type": "number", "minimum": 0},
				},
			},
		},
		"stages": map[string]any{
			"type": "array",
			"items": map[string]any{
				"type":     "object",
				"required": []any{"name"},
				"properties": map[string]any{
					"name":        map[string]any{"type": "string", "minLength": 1},
					"criticality": map[string]any{"enum": []any{"critical", "degraded", "recoverable"}},
					"max_retries": map[string]any{"type": "integer", "minimum": 0},
					"base_delay":  map[string]any{"type": "string", "pattern": durationPattern},
					"max_delay":   map[string]any{"type": "string", "pattern": durationPattern},
					"timeout":     map[string]any{"type": "string"},
					"category":    map[string]any{"type": "string"},
					"simulate":    map[string]any{"type": "object"},
				},
			},
		},
	},
}

var (
	schemaOnce     sync.Once
	compiledSchema *jsonschema.Schema
	schemaErr      error
)

func compileSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		b, err := json.Marshal(configSchema)
		if err != nil {
			schemaErr = err
			return
		}
		c := jsonschema.NewCompiler()
		if err := c.AddResource("config.schema.json", strings.NewReader(string(b))); err != nil {
			schemaErr = err
			return
		}
		compiledSchema, schemaErr = c.Compile("config.schema.json")
	})
	return compiledSchema, schemaErr
}

func validate(cfg *File) error {
	s, err := compileSchema()
	if err != nil {
		return err
	}
	// Round-trip through JSON so the schema sees plain decoded values.
	b, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	var doc any
	if err := json.Unmarshal(b, &doc); err != nil {
		return err
	}
	if err := s.Validate(doc); err != nil {
		return fmt.Errorf("config schema: %w", err)
	}

	if _, err := time.ParseDuration(cfg.MaxRunDuration); err != nil {
		return fmt.Errorf("max_run_duration: %w", err)
	}
	for _, st := range cfg.Stages {
		if st.Simulate != nil && st.Simulate.Fail != nil {
			f := st.Simulate.Fail
			if f.Code == "" {
				return fmt.Errorf("stage %s: simulate.fail.code is required", st.Name)
			}
			if f.Severity != "" {
				if _, err := pipeline.ParseSeverity(f.Severity); err != nil {
					return fmt.Errorf("stage %s: %w", st.Name, err)
				}
			}
			if f.Attempts < 0 {
				return fmt.Errorf("stage %s: simulate.fail.attempts must be >= 0", st.Name)
			}
		}
	}
	// Table() repeats the per-stage parsing; running it here surfaces table
	// errors at load time rather than at engine construction.
	if _, err := cfg.Table(); err != nil {
		return err
	}
	return nil
}
