// Package supervisor runs the engine's long-lived loops under a suture tree so
// a crashed loop is restarted with backoff instead of taking the process down.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"github.com/thejerf/suture/v4"
)

type TreeConfig struct {
	FailureThreshold float64
	FailureDecay     float64
	FailureBackoff   time.Duration
	ShutdownTimeout  time.Duration
}

func DefaultTreeConfig() TreeConfig {
	return TreeConfig{
		FailureThreshold: 5,
		FailureDecay:     30,
		FailureBackoff:   15 * time.Second,
		ShutdownTimeout:  10 * time.Second,
	}
}

// Tree groups services in three layers: sessions (orchestrator loops),
// pipeline (queue and reply loops) and api.
type Tree struct {
	root     *suture.Supervisor
	sessions *suture.Supervisor
	pipeline *suture.Supervisor
	api      *suture.Supervisor
}

func NewTree(logger zerolog.Logger, config TreeConfig) *Tree {
	defaults := DefaultTreeConfig()
	if config.FailureThreshold == 0 {
		config.FailureThreshold = defaults.FailureThreshold
	}
	if config.FailureDecay == 0 {
		config.FailureDecay = defaults.FailureDecay
	}
	if config.FailureBackoff == 0 {
		config.FailureBackoff = defaults.FailureBackoff
	}
	if config.ShutdownTimeout == 0 {
		config.ShutdownTimeout = defaults.ShutdownTimeout
	}

	logger = logger.With().Str("component", "supervisor").Logger()
	rootSpec := suture.Spec{
		EventHook:        EventHook(logger),
		FailureThreshold: config.FailureThreshold,
		FailureDecay:     config.FailureDecay,
		FailureBackoff:   config.FailureBackoff,
		Timeout:          config.ShutdownTimeout,
	}
	childSpec := rootSpec

	tree := &Tree{
		root:     suture.New("tiprelay", rootSpec),
		sessions: suture.New("sessions", childSpec),
		pipeline: suture.New("pipeline", childSpec),
		api:      suture.New("api", childSpec),
	}
	tree.root.Add(tree.sessions)
	tree.root.Add(tree.pipeline)
	tree.root.Add(tree.api)
	return tree
}

func (t *Tree) AddSessionService(svc suture.Service) suture.ServiceToken {
	return t.sessions.Add(svc)
}

func (t *Tree) AddPipelineService(svc suture.Service) suture.ServiceToken {
	return t.pipeline.Add(svc)
}

func (t *Tree) AddAPIService(svc suture.Service) suture.ServiceToken {
	return t.api.Add(svc)
}

func (t *Tree) Serve(ctx context.Context) error {
	return t.root.Serve(ctx)
}

func (t *Tree) ServeBackground(ctx context.Context) <-chan error {
	return t.root.ServeBackground(ctx)
}

// EventHook logs supervisor events. Panics and terminations are errors, the
// rest are informational.
func EventHook(logger zerolog.Logger) suture.EventHook {
	return func(event suture.Event) {
		entry := logger.Info()
		switch event.Type() {
		case suture.EventTypeServicePanic, suture.EventTypeServiceTerminate:
			entry = logger.Error()
		case suture.EventTypeBackoff, suture.EventTypeStopTimeout:
			entry = logger.Warn()
		}
		entry.Fields(event.Map()).Msg(event.String())
	}
}

// Service adapts a Serve-style loop into a named suture service.
type Service struct {
	name  string
	serve func(ctx context.Context) error
}

func NewService(name string, serve func(ctx context.Context) error) *Service {
	return &Service{name: name, serve: serve}
}

func (s *Service) Serve(ctx context.Context) error {
	return s.serve(ctx)
}

func (s *Service) String() string {
	return s.name
}

type HTTPServer interface {
	ListenAndServe() error
	Shutdown(ctx context.Context) error
}

// HTTPService runs an HTTP server until the context ends, then shuts it down
// within the timeout.
type HTTPService struct {
	server          HTTPServer
	shutdownTimeout time.Duration
}

func NewHTTPService(server HTTPServer, shutdownTimeout time.Duration) *HTTPService {
	if shutdownTimeout <= 0 {
		shutdownTimeout = 10 * time.Second
	}
	return &HTTPService{server: server, shutdownTimeout: shutdownTimeout}
}

func (h *HTTPService) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		if err := h.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), h.shutdownTimeout)
		defer cancel()
		if err := h.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http server shutdown failed: %w", err)
		}
		<-errCh
		return ctx.Err()
	}
}

func (h *HTTPService) String() string {
	return "http-server"
}
