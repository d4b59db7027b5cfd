package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/runereel/runereel/internal/incident"
	"github.com/runereel/runereel/internal/pipeline"
	"github.com/runereel/runereel/internal/pipeline/config"
	"github.com/runereel/runereel/internal/pipeline/state"
	"github.com/runereel/runereel/internal/stages"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}
	switch os.Args[1] {
	case "run":
		cmdRun(os.Args[2:])
	case "resume":
		cmdResume(os.Args[2:])
	case "status":
		cmdStatus(os.Args[2:])
	case "prune":
		cmdPrune(os.Args[2:])
	default:
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage:")
	fmt.Fprintln(os.Stderr, "  runereel run [--config <pipeline.yaml>] [--date <YYYY-MM-DD>]")
	fmt.Fprintln(os.Stderr, "  runereel resume [--config <pipeline.yaml>] --date <YYYY-MM-DD> [--from-stage <name>]")
	fmt.Fprintln(os.Stderr, "  runereel status [--config <pipeline.yaml>] --date <YYYY-MM-DD>")
	fmt.Fprintln(os.Stderr, "  runereel prune [--config <pipeline.yaml>] --keep <n> [--exclude <glob>]...")
}

func cmdRun(args []string) {
	var configPath, date string
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--config":
			i++
			configPath = requireValue(args, i, "--config")
		case "--date":
			i++
			date = requireValue(args, i, "--date")
		default:
			fmt.Fprintf(os.Stderr, "unknown arg: %s\n", args[i])
			os.Exit(1)
		}
	}
	if date == "" {
		date = time.Now().UTC().Format("2006-01-02")
	}

	eng, cleanup := buildEngine(configPath)
	defer cleanup()

	res, err := eng.ExecuteRun(signalContext(), date)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	printResult(res, eng.Warnings())
	if !res.Success && res.Status == pipeline.RunFailed {
		os.Exit(1)
	}
}

func cmdResume(args []string) {
	var configPath, date, fromStage string
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--config":
			i++
			configPath = requireValue(args, i, "--config")
		case "--date":
			i++
			date = requireValue(args, i, "--date")
		case "--from-stage":
			i++
			fromStage = requireValue(args, i, "--from-stage")
		default:
			fmt.Fprintf(os.Stderr, "unknown arg: %s\n", args[i])
			os.Exit(1)
		}
	}
	if date == "" {
		usage()
		os.Exit(1)
	}

	eng, cleanup := buildEngine(configPath)
	defer cleanup()

	res, err := eng.ResumeRun(signalContext(), date, fromStage)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	printResult(res, eng.Warnings())
	if !res.Success && res.Status == pipeline.RunFailed {
		os.Exit(1)
	}
}

func cmdStatus(args []string) {
	var configPath, date string
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--config":
			i++
			configPath = requireValue(args, i, "--config")
		case "--date":
			i++
			date = requireValue(args, i, "--date")
		default:
			fmt.Fprintf(os.Stderr, "unknown arg: %s\n", args[i])
			os.Exit(1)
		}
	}
	if date == "" {
		usage()
		os.Exit(1)
	}

	cfg := loadConfig(configPath)
	store, err := state.NewFileStore(cfg.StateDir)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	run, err := store.GetState(date)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	b, _ := json.MarshalIndent(run, "", "  ")
	fmt.Println(string(b))
}

func cmdPrune(args []string) {
	var configPath string
	keep := -1
	var excludes []string
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--config":
			i++
			configPath = requireValue(args, i, "--config")
		case "--keep":
			i++
			v := requireValue(args, i, "--keep")
			if _, err := fmt.Sscanf(v, "%d", &keep); err != nil {
				fmt.Fprintf(os.Stderr, "--keep: %v\n", err)
				os.Exit(1)
			}
		case "--exclude":
			i++
			excludes = append(excludes, requireValue(args, i, "--exclude"))
		default:
			fmt.Fprintf(os.Stderr, "unknown arg: %s\n", args[i])
			os.Exit(1)
		}
	}
	if keep < 0 {
		usage()
		os.Exit(1)
	}

	cfg := loadConfig(configPath)
	store, err := state.NewFileStore(cfg.StateDir)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	removed, err := store.Prune(keep, excludes)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	for _, key := range removed {
		fmt.Printf("pruned %s\n", key)
	}
	fmt.Printf("removed %d run(s)\n", len(removed))
}

func requireValue(args []string, i int, flag string) string {
	if i >= len(args) {
		fmt.Fprintf(os.Stderr, "%s requires a value\n", flag)
		os.Exit(1)
	}
	return args[i]
}

func loadConfig(path string) *config.File {
	if path == "" {
		path = "pipeline.yaml"
		if _, err := os.Stat(path); err != nil {
			// No config file: run on defaults.
			cfg := &config.File{}
			applyZeroConfigDefaults(cfg)
			return cfg
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	return cfg
}

// applyZeroConfigDefaults mirrors the loader defaults for the no-file case.
func applyZeroConfigDefaults(cfg *config.File) {
	cfg.Version = 1
	cfg.StateDir = "runs"
	cfg.QueueDir = filepath.Join(cfg.StateDir, "queue")
	cfg.MaxRunDuration = "4h"
	cfg.MaxTopicRetries = 3
}

func buildEngine(configPath string) (*pipeline.Engine, func()) {
	cfg := loadConfig(configPath)

	store, err := state.NewFileStore(cfg.StateDir)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	queue, err := state.NewFileQueue(cfg.QueueDir)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	table, err := cfg.Table()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	opts := pipeline.Options{
		Queue:           queue,
		CostCategories:  cfg.CostCategories(),
		MaxRunDuration:  cfg.LockCeiling(),
		MaxTopicRetries: cfg.MaxTopicRetries,
	}
	if cfg.Budget.Ceiling > 0 || len(cfg.Budget.CategoryLimits) > 0 {
		opts.Budget = pipeline.ThresholdBudget{Ceiling: cfg.Budget.Ceiling, CategoryLimits: cfg.Budget.CategoryLimits}
	}
	if cfg.IncidentLog != "" {
		logger, err := incident.NewFileLogger(cfg.IncidentLog)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		opts.Incidents = logger
	}
	if cfg.AlertWebhook != "" {
		opts.Alerts = incident.NewWebhookDispatcher(cfg.AlertWebhook)
	}

	cleanup := func() {}
	if cfg.ProgressPath != "" {
		sink, closeSink, err := newFileProgressSink(cfg.ProgressPath)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		opts.Progress = sink
		cleanup = closeSink
	}

	eng, err := pipeline.New(table, stages.BuildRegistry(cfg), store, opts)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	return eng, cleanup
}

// newFileProgressSink appends every event to <dir>/progress.ndjson and keeps
// <dir>/live.json overwritten with the latest event for cheap polling.
func newFileProgressSink(dir string) (pipeline.ProgressSink, func(), error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, nil, err
	}
	f, err := os.OpenFile(filepath.Join(dir, "progress.ndjson"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, err
	}
	livePath := filepath.Join(dir, "live.json")

	var mu sync.Mutex
	sink := func(ev map[string]any) {
		b, err := json.Marshal(ev)
		if err != nil {
			return
		}
		mu.Lock()
		defer mu.Unlock()
		_, _ = f.Write(append(b, '\n'))
		_ = os.WriteFile(livePath, b, 0o644)
	}
	return sink, func() { _ = f.Close() }, nil
}

func signalContext() context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-ch
		cancel()
	}()
	return ctx
}

func printResult(res *pipeline.RunResult, warnings []string) {
	fmt.Printf("run %s: %s\n", res.RunID, res.Status)
	fmt.Printf("  completed: %v\n", res.CompletedStages)
	if len(res.SkippedStages) > 0 {
		fmt.Printf("  skipped:   %v\n", res.SkippedStages)
	}
	if res.SkipInfo != nil {
		fmt.Printf("  skip: stage=%s reason=%q queued=%v\n", res.SkipInfo.Stage, res.SkipInfo.Reason, res.SkipInfo.TopicQueued)
	}
	if res.Error != nil {
		fmt.Printf("  error: %s (%s, severity %s)\n", res.Error.Message, res.Error.Code, res.Error.Severity)
	}
	fmt.Printf("  cost: %.4f  duration: %dms\n", res.TotalCost, res.TotalDurationMS)
	for _, w := range warnings {
		fmt.Printf("  warning: %s\n", w)
	}
}
