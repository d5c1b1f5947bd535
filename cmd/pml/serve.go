package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/casys-ai/pml/internal/server"
	"github.com/casys-ai/pml/internal/telemetry"
)

func newServeCommand() *cobra.Command {
	var port int
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run PML as an HTTP JSON-RPC 2.0 server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(port)
		},
	}
	cmd.Flags().IntVar(&port, "port", 0, "HTTP port (default: workspace config's server.port, or 8787)")
	return cmd
}

func runServe(port int) error {
	logger := telemetry.NewClueLogger()
	ctx, cancel := signal.NotifyContext(loggingContext(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	workspace := resolveWorkspace()
	app, watcher, err := bootstrapApp(ctx, workspace, nil, nil, logger)
	if err != nil {
		return err
	}
	defer func() { _ = watcher.Close() }()
	defer func() {
		closeCtx, closeCancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer closeCancel()
		_ = app.Close(closeCtx, workspace)
	}()

	if port == 0 {
		port = watcher.Current().Server.Port
	}
	if port == 0 {
		port = 8787
	}

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: server.NewHTTPHandler(app.Server, logger),
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info(ctx, "pml: serving", "port", port)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer shutdownCancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
