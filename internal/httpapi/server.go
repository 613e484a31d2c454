// Package httpapi exposes the daemon's health surface: GET /health with
// the full health object, GET /ready as a liveness boolean.
package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/nextlevelbuilder/agentd/internal/sessions"
)

// Health is the response body of GET /health.
type Health struct {
	Running      bool            `json:"running"`
	AgentType    string          `json:"agentType"`
	Status       string          `json:"status"`
	LoopCount    int64           `json:"loopCount"`
	LastLoopAt   string          `json:"lastLoopAt,omitempty"`
	LLMAvailable bool            `json:"llmAvailable"`
	SessionPool  *sessions.Stats `json:"sessionPool,omitempty"`
}

// Server serves the health endpoints for one daemon.
type Server struct {
	srv    *http.Server
	health func() Health
}

// New builds the server on the given port. health is called per request.
func New(port int, health func() Health) *Server {
	s := &Server{health: health}
	mux := http.NewServeMux()
	// Method patterns like "GET /health" need Go 1.22+; guard manually so
	// the routes behave identically on the Go 1.21 toolchain.
	mux.HandleFunc("/health", getOnly(s.handleHealth))
	mux.HandleFunc("/ready", getOnly(s.handleReady))

	s.srv = &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           newRateLimiter(mux),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Start listens in the background. Binding failures are returned
// synchronously; later serve errors are logged.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return fmt.Errorf("health listen %s: %w", s.srv.Addr, err)
	}
	go func() {
		if err := s.srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			slog.Error("health server failed", "error", err)
		}
	}()
	slog.Info("health server listening", "addr", s.srv.Addr)
	return nil
}

// Shutdown drains the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func getOnly(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
			return
		}
		h(w, r)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.health()); err != nil {
		slog.Warn("health encode failed", "error", err)
	}
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	if s.health().Running {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	fmt.Fprintln(w, "not running")
}
