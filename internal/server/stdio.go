package server

import (
	"bufio"
	"context"
	"fmt"
	"io"

	"github.com/google/uuid"

	"github.com/casys-ai/pml/internal/telemetry"
)

// ServeStdio runs s as the MCP protocol server reading/writing newline-
// delimited JSON-RPC on in/out (spec.md §6's `stdio` subcommand), matching
// internal/mcpstdio's own one-JSON-value-per-line framing for the
// corresponding outbound transport. One process is one session: every
// request sees the same sessionID, generated once at startup, so "ask"
// permission approvals made by this client persist for the rest of the
// process's life.
//
// ServeStdio blocks until ctx is canceled or in returns io.EOF (clean
// shutdown, exit code 0 per spec.md §6).
func ServeStdio(ctx context.Context, s *Server, in io.Reader, out io.Writer, logger telemetry.Logger) error {
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	id, _ := uuid.NewV7()
	sessionID := id.String()

	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	writer := bufio.NewWriter(out)

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		reply := s.HandleMessage(ctx, sessionID, line)
		if _, err := writer.Write(reply); err != nil {
			return fmt.Errorf("server: write response: %w", err)
		}
		if err := writer.WriteByte('\n'); err != nil {
			return fmt.Errorf("server: write newline: %w", err)
		}
		if err := writer.Flush(); err != nil {
			return fmt.Errorf("server: flush response: %w", err)
		}
	}
	if err := scanner.Err(); err != nil {
		logger.Error(ctx, "server: stdio read failed", "error", err)
		return err
	}
	return nil
}
