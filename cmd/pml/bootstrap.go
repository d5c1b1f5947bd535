package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"goa.design/clue/log"

	"github.com/casys-ai/pml/internal/config"
	"github.com/casys-ai/pml/internal/pml"
	"github.com/casys-ai/pml/internal/server"
	"github.com/casys-ai/pml/internal/telemetry"
	"github.com/casys-ai/pml/internal/wire"
)

// loggingContext returns a background context carrying clue's log
// formatting/debug settings, the same idiom
// example/cmd/assistant/main.go's generated entrypoint uses, generalized
// to this CLI's --debug-by-env convention (PML_DEBUG).
func loggingContext() context.Context {
	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))
	if os.Getenv("PML_DEBUG") != "" {
		ctx = log.Context(ctx, log.WithDebug())
	}
	return ctx
}

// bootstrapApp loads the workspace config and environment, then builds a
// *pml.App wired according to them. Returns the App, its config watcher
// (so the caller can Close it alongside the app), and an error suitable
// for exit code 1 (missing PML_API_KEY, unreadable workspace).
func bootstrapApp(ctx context.Context, workspace string, expose, only []string, logger telemetry.Logger) (*pml.App, *config.Watcher, error) {
	if err := config.LoadEnv(workspace); err != nil {
		logger.Warn(ctx, "pml: load .env failed, continuing with shell environment", "error", err)
	}

	apiKey := os.Getenv("PML_API_KEY")
	if apiKey == "" {
		return nil, nil, fmt.Errorf("pml: PML_API_KEY is required")
	}

	watcher, err := config.NewWatcher(workspace, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("pml: load workspace config: %w", err)
	}
	cfg := watcher.Current()

	if cloudURL := os.Getenv("PML_CLOUD_URL"); cloudURL != "" {
		cfg.Cloud.URL = cloudURL
	}

	var registry server.ToolRegistry
	if len(only) > 0 {
		tools := make(server.StaticRegistry, 0, len(only))
		for _, name := range only {
			tools = append(tools, wire.Tool{ID: wire.Ident(name), Name: name})
		}
		registry = tools
		if expose == nil {
			expose = only
		}
	}

	app, err := pml.New(ctx, pml.Options{
		Config:           cfg,
		APIKey:           apiKey,
		MongoURI:         os.Getenv("PML_MONGO_URL"),
		MongoDatabase:    os.Getenv("PML_MONGO_DATABASE"),
		WorkflowEngine:   strings.ToLower(os.Getenv("PML_WORKFLOW_ENGINE")),
		TemporalHostPort: os.Getenv("PML_TEMPORAL_HOST_PORT"),
		TemporalQueue:    os.Getenv("PML_TEMPORAL_TASK_QUEUE"),
		RedisURL:         os.Getenv("PML_REDIS_URL"),
		Expose:           expose,
		Registry:         registry,
		Logger:           logger,
	})
	if err != nil {
		_ = watcher.Close()
		return nil, nil, err
	}
	return app, watcher, nil
}

// parseExpose splits the --expose flag's comma-separated tool name list,
// returning nil (meaning "no filter") when the flag was not set.
func parseExpose(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
