package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/casys-ai/pml/internal/server"
	"github.com/casys-ai/pml/internal/telemetry"
)

func newStdioCommand() *cobra.Command {
	var exposeRaw, onlyRaw string
	cmd := &cobra.Command{
		Use:   "stdio",
		Short: "Run PML as a JSON-RPC 2.0 stdio MCP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStdio(parseExpose(exposeRaw), parseExpose(onlyRaw))
		},
	}
	cmd.Flags().StringVar(&exposeRaw, "expose", "", "comma-separated list of tool names to expose (default: all discovered tools)")
	cmd.Flags().StringVar(&onlyRaw, "only", "", "comma-separated list of tool names to serve, bypassing MCP server discovery")
	return cmd
}

func runStdio(expose, only []string) error {
	logger := telemetry.NewClueLogger()
	ctx, cancel := signal.NotifyContext(loggingContext(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	workspace := resolveWorkspace()
	app, watcher, err := bootstrapApp(ctx, workspace, expose, only, logger)
	if err != nil {
		return err
	}
	defer func() { _ = watcher.Close() }()
	defer func() {
		closeCtx, closeCancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer closeCancel()
		_ = app.Close(closeCtx, workspace)
	}()

	err = server.ServeStdio(ctx, app.Server, os.Stdin, os.Stdout, logger)
	if errors.Is(err, context.Canceled) {
		// A signal-driven shutdown is a clean exit, same as stdin EOF.
		return nil
	}
	return err
}
