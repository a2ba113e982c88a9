// Package server exposes the orchestrator over HTTP: ASR ingress, operator
// control endpoints, the status snapshot, Prometheus metrics, health probes,
// and the WebSocket event stream.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kitsunebi-ai/kitsunebi/internal/broker"
	"github.com/kitsunebi-ai/kitsunebi/internal/health"
	"github.com/kitsunebi-ai/kitsunebi/internal/observe"
	"github.com/kitsunebi-ai/kitsunebi/internal/state"
)

const (
	readHeaderTimeout = 10 * time.Second
	shutdownGrace     = 10 * time.Second
)

// Config carries the Server's collaborators.
type Config struct {
	Addr         string
	Orchestrator *state.Orchestrator
	Broker       *broker.Broker
	Health       *health.Handler
	Metrics      *observe.Metrics
}

// Server is the HTTP/WS surface. Handlers are thin: they decode, delegate to
// the state facade, and encode.
type Server struct {
	cfg     Config
	httpSrv *http.Server
}

// New assembles the route table and wraps it in the tracing middleware.
func New(cfg Config) *Server {
	s := &Server{cfg: cfg}

	mux := http.NewServeMux()

	// Pipeline ingress.
	mux.HandleFunc("POST /events/asr", s.handleASR)
	mux.HandleFunc("POST /prompt", s.handlePrompt)

	// Operator control.
	mux.HandleFunc("POST /control/toggle", s.handleToggle)
	mux.HandleFunc("POST /control/mute", s.handleMute)
	mux.HandleFunc("POST /control/panic", s.handlePanic)
	mux.HandleFunc("POST /control/persona", s.handlePersona)
	mux.HandleFunc("POST /control/preset", s.handlePreset)
	mux.HandleFunc("POST /control/scene", s.handleScene)
	mux.HandleFunc("POST /control/expression", s.handleExpression)
	mux.HandleFunc("POST /tts/record", s.handleTTSRecord)
	mux.HandleFunc("POST /memory/turn", s.handleTurn)

	// Observation.
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("GET /ws", s.handleWS)
	mux.Handle("GET /metrics", promhttp.Handler())
	if cfg.Health != nil {
		cfg.Health.Register(mux)
	}

	s.httpSrv = &http.Server{
		Addr:              cfg.Addr,
		Handler:           observe.Middleware(cfg.Metrics)(mux),
		ReadHeaderTimeout: readHeaderTimeout,
	}
	return s
}

// Handler returns the assembled route table. Tests serve it directly.
func (s *Server) Handler() http.Handler {
	return s.httpSrv.Handler
}

// Run serves until ctx is cancelled, then drains in-flight requests.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server listening", "addr", s.httpSrv.Addr)
		errCh <- s.httpSrv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server: listen: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := s.httpSrv.Shutdown(shutCtx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	<-errCh
	return nil
}
