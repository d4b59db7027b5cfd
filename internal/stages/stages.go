// Package stages provides the built-in executors for the daily production
// pipeline and a scripted executor driven by configuration, used for dry runs
// and failure-injection testing. Real provider integrations implement
// pipeline.Executor the same way and register under the same stage names.
package stages

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/runereel/runereel/internal/pipeline"
)

// TopicSourcing picks the day's topic. A topic already present in the input
// (injected from the retry queue) is used as-is; otherwise a deterministic
// topic is derived from the calendar key.
func TopicSourcing() pipeline.Executor {
	return pipeline.ExecutorFunc{StageName: "topic_sourcing", Fn: func(ctx context.Context, in pipeline.StageInput) (*pipeline.StageOutput, error) {
		topic, fromQueue := in.Data["topic"].(map[string]any)
		if !fromQueue {
			topic = map[string]any{
				"title": fmt.Sprintf("daily brief %s", in.RunID),
				"angle": "overview",
			}
		}
		out := carryForward(in.Data)
		out["topic"] = topic
		if fromQueue {
			out["topic_source"] = "queue"
		} else {
			out["topic_source"] = "fresh"
		}
		return &pipeline.StageOutput{
			Data:     out,
			Cost:     0.01,
			Provider: pipeline.ProviderInfo{Name: "topic-engine", Tier: pipeline.TierPrimary, Attempts: 1},
		}, nil
	}}
}

// ScriptWriting turns the topic into a narration script.
func ScriptWriting() pipeline.Executor {
	return pipeline.ExecutorFunc{StageName: "script_writing", Fn: func(ctx context.Context, in pipeline.StageInput) (*pipeline.StageOutput, error) {
		topic, ok := in.Data["topic"].(map[string]any)
		if !ok {
			return nil, pipeline.NewStageError("SCRIPT_NO_TOPIC", "no topic in stage input", pipeline.SeverityCritical)
		}
		title, _ := topic["title"].(string)
		script := fmt.Sprintf("Today: %s. %s", title, strings.Repeat("Narration beat. ", 8))
		out := carryForward(in.Data)
		out["script"] = script
		out["word_count"] = float64(len(strings.Fields(script)))
		return &pipeline.StageOutput{
			Data:                out,
			Cost:                0.12,
			QualityMeasurements: map[string]float64{"script_length": float64(len(script))},
			Provider:            pipeline.ProviderInfo{Name: "writer", Tier: pipeline.TierPrimary, Attempts: 1},
		}, nil
	}}
}

// AudioSynthesis voices the script into an audio artifact.
func AudioSynthesis() pipeline.Executor {
	return pipeline.ExecutorFunc{StageName: "audio_synthesis", Fn: func(ctx context.Context, in pipeline.StageInput) (*pipeline.StageOutput, error) {
		script, ok := in.Data["script"].(string)
		if !ok || script == "" {
			return nil, pipeline.NewStageError("AUDIO_NO_SCRIPT", "no script in stage input", pipeline.SeverityCritical)
		}
		out := carryForward(in.Data)
		out["audio"] = map[string]any{"duration_s": float64(len(script)) / 15.0}
		return &pipeline.StageOutput{
			Data:      out,
			Cost:      0.30,
			Provider:  pipeline.ProviderInfo{Name: "voice", Tier: pipeline.TierPrimary, Attempts: 1},
			Artifacts: map[string]string{"audio": fmt.Sprintf("artifacts/%s/audio.wav", in.RunID)},
		}, nil
	}}
}

// VisualGeneration produces the image set for the render stage.
func VisualGeneration() pipeline.Executor {
	return pipeline.ExecutorFunc{StageName: "visual_generation", Fn: func(ctx context.Context, in pipeline.StageInput) (*pipeline.StageOutput, error) {
		out := carryForward(in.Data)
		out["visuals"] = map[string]any{"count": float64(6)}
		return &pipeline.StageOutput{
			Data:      out,
			Cost:      0.45,
			Provider:  pipeline.ProviderInfo{Name: "imager", Tier: pipeline.TierPrimary, Attempts: 1},
			Artifacts: map[string]string{"frames": fmt.Sprintf("artifacts/%s/frames/", in.RunID)},
		}, nil
	}}
}

// Render assembles audio and visuals into the final video.
func Render() pipeline.Executor {
	return pipeline.ExecutorFunc{StageName: "render", Fn: func(ctx context.Context, in pipeline.StageInput) (*pipeline.StageOutput, error) {
		if _, ok := in.Data["audio"]; !ok {
			return nil, pipeline.NewStageError("RENDER_NO_AUDIO", "no audio in stage input", pipeline.SeverityCritical)
		}
		out := carryForward(in.Data)
		out["video"] = map[string]any{"container": "mp4"}
		var warnings []string
		if _, ok := in.Data["visuals"]; !ok {
			// Degraded upstream: render falls back to a static-card video.
			out["video"].(map[string]any)["static_card"] = true
			warnings = append(warnings, "rendered without generated visuals")
		}
		return &pipeline.StageOutput{
			Data:      out,
			Cost:      0.20,
			Provider:  pipeline.ProviderInfo{Name: "renderer", Tier: pipeline.TierPrimary, Attempts: 1},
			Warnings:  warnings,
			Artifacts: map[string]string{"video": fmt.Sprintf("artifacts/%s/final.mp4", in.RunID)},
		}, nil
	}}
}

// Publish uploads the rendered video.
func Publish() pipeline.Executor {
	return pipeline.ExecutorFunc{StageName: "publish", Fn: func(ctx context.Context, in pipeline.StageInput) (*pipeline.StageOutput, error) {
		if _, ok := in.Data["video"]; !ok {
			return nil, pipeline.NewStageError("PUBLISH_NO_VIDEO", "no video in stage input", pipeline.SeverityCritical)
		}
		out := carryForward(in.Data)
		out["published_url"] = fmt.Sprintf("https://videos.example.com/%s", in.RunID)
		return &pipeline.StageOutput{
			Data:     out,
			Cost:     0.02,
			Provider: pipeline.ProviderInfo{Name: "uploader", Tier: pipeline.TierPrimary, Attempts: 1},
		}, nil
	}}
}

// Notify is the terminal stage: it summarizes the run outcome. It runs whether
// the run completed, skipped, or aborted, reading the summary the engine puts
// in its input.
func Notify() pipeline.Executor {
	return pipeline.ExecutorFunc{StageName: "notify", Fn: func(ctx context.Context, in pipeline.StageInput) (*pipeline.StageOutput, error) {
		summary, _ := in.Data["run_summary"].(map[string]any)
		status := "completed"
		if summary != nil {
			if aborted, _ := summary["aborted"].(bool); aborted {
				status = "aborted"
			} else if skipped, _ := summary["skipped"].(bool); skipped {
				status = "skipped"
			}
		}
		out := carryForward(in.Data)
		out["notification"] = map[string]any{
			"status":  status,
			"sent_at": time.Now().UTC().Format(time.RFC3339),
		}
		return &pipeline.StageOutput{
			Data:     out,
			Provider: pipeline.ProviderInfo{Name: "notifier", Tier: pipeline.TierPrimary, Attempts: 1},
		}, nil
	}}
}

// carryForward copies the chained input so a stage never mutates its
// predecessor's persisted output.
func carryForward(in map[string]any) map[string]any {
	out := make(map[string]any, len(in)+2)
	for k, v := range in {
		out[k] = v
	}
	return out
}
