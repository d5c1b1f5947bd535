package server

import (
	"io"
	"net/http"

	"github.com/google/uuid"

	"github.com/casys-ai/pml/internal/telemetry"
)

// NewHTTPHandler returns the `serve --port <p>` transport: POST carries
// JSON-RPC 2.0 requests, GET returns 405, `/health` returns 200
// `{"status":"ok"}`, and every response carries permissive CORS headers
// (spec.md §6). No third-party HTTP router is used: the pack never reaches
// for one over net/http.ServeMux for a handful of fixed routes, and this
// surface is exactly that.
func NewHTTPHandler(s *Server, logger telemetry.Logger) http.Handler {
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/health", handleHealth)
	mux.HandleFunc("/", handleRPC(s, logger))
	return withCORS(mux)
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

// handleRPC dispatches one HTTP connection's JSON-RPC request onto a
// session scoped to that single request — an HTTP caller that wants "ask"
// approvals to persist across calls must echo back its own correlation in
// continue_workflow, since HTTP has no notion of a long-lived connection
// the way stdio does.
func handleRPC(s *Server, logger telemetry.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		body, err := io.ReadAll(r.Body)
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		id, _ := uuid.NewV7()
		reply := s.HandleMessage(r.Context(), id.String(), body)
		w.Header().Set("Content-Type", "application/json")
		if _, err := w.Write(reply); err != nil {
			logger.Warn(r.Context(), "server: write http response failed", "error", err)
		}
	}
}

func withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
