// Package app assembles the engine from its components and registers the
// long-running loops with the supervisor.
package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/iago/tiprelay/internal/classifier"
	"github.com/iago/tiprelay/internal/config"
	"github.com/iago/tiprelay/internal/correlation"
	"github.com/iago/tiprelay/internal/dispatch"
	"github.com/iago/tiprelay/internal/domain"
	httpserver "github.com/iago/tiprelay/internal/http"
	"github.com/iago/tiprelay/internal/http/handlers"
	"github.com/iago/tiprelay/internal/notify"
	"github.com/iago/tiprelay/internal/orchestrator"
	"github.com/iago/tiprelay/internal/queue"
	"github.com/iago/tiprelay/internal/reply"
	"github.com/iago/tiprelay/internal/repository"
	"github.com/iago/tiprelay/internal/sink"
	"github.com/iago/tiprelay/internal/supervisor"
	"github.com/iago/tiprelay/internal/transport"
	"github.com/iago/tiprelay/internal/worker"
)

// Service is an extra loop supervised next to the pipeline, such as the
// notification bot.
type Service interface {
	Serve(ctx context.Context) error
}

// Dependencies are the infrastructure adapters the engine runs on.
type Dependencies struct {
	Store      repository.Store
	Cache      correlation.Cache
	Sink       sink.Sink
	Classifier classifier.Classifier
	Factory    transport.Factory
	Notifier   notify.Notifier
	Replies    reply.Source
	Observers  []orchestrator.Observer
	Services   map[string]Service
}

func (d Dependencies) validate() error {
	missing := ""
	switch {
	case d.Store == nil:
		missing = "store"
	case d.Cache == nil:
		missing = "correlation cache"
	case d.Sink == nil:
		missing = "sink"
	case d.Classifier == nil:
		missing = "classifier"
	case d.Factory == nil:
		missing = "transport factory"
	case d.Notifier == nil:
		missing = "notifier"
	case d.Replies == nil:
		missing = "reply source"
	}
	if missing != "" {
		return fmt.Errorf("%w: %s is not configured", domain.ErrConfiguration, missing)
	}
	return nil
}

type App struct {
	cfg    config.Config
	deps   Dependencies
	logger zerolog.Logger

	Manager    *orchestrator.Manager
	Heartbeat  *orchestrator.HeartbeatMonitor
	Queue      *queue.Queue
	Dispatcher *dispatch.Dispatcher
	Processor  *worker.Processor
	Sweeper    *worker.Sweeper
	Correlator *reply.Correlator
	Intake     *reply.Intake
	Router     http.Handler
}

func New(cfg config.Config, deps Dependencies, logger zerolog.Logger) (*App, error) {
	if err := deps.validate(); err != nil {
		return nil, err
	}

	a := &App{cfg: cfg, deps: deps, logger: logger}

	// The dispatcher and processor emit into the manager, which is built
	// after the dispatcher it depends on.
	emitter := domain.EmitterFunc(func(event domain.LifecycleEvent) {
		a.Manager.Emit(event)
	})

	a.Queue = queue.New(deps.Store, queue.Config{
		MaxAttempts: cfg.Queue.MaxAttempts,
		Events:      emitter,
	}, logger)
	a.Dispatcher = dispatch.NewDispatcher(deps.Store, deps.Classifier, a.Queue, emitter, logger)
	a.Manager = orchestrator.NewManager(deps.Store, deps.Factory, a.Dispatcher, orchestrator.Config{
		MaxSessions:          cfg.Orchestrator.MaxSessions,
		HeartbeatInterval:    cfg.Orchestrator.HeartbeatInterval,
		HeartbeatTimeout:     cfg.Orchestrator.HeartbeatTimeout,
		RestartCooldown:      cfg.Orchestrator.RestartCooldown,
		RestartSweepInterval: cfg.Orchestrator.RestartSweepInterval,
		StopTimeout:          cfg.Orchestrator.StopTimeout,
		AutoRestart:          cfg.Orchestrator.AutoRestart,
		EventBuffer:          cfg.Orchestrator.EventBuffer,
	}, logger)
	for _, observer := range deps.Observers {
		a.Manager.AddObserver(observer)
	}
	a.Heartbeat = orchestrator.NewHeartbeatMonitor(a.Manager, logger)

	a.Processor = worker.NewProcessor(a.Queue, deps.Sink, deps.Store, deps.Notifier, deps.Cache, emitter, worker.ProcessorConfig{
		DrainInterval: cfg.Queue.DrainInterval,
		BackoffStep:   cfg.Queue.BackoffStep,
	}, logger)
	a.Sweeper = worker.NewSweeper(deps.Store, cfg.Queue.SweepInterval, cfg.Queue.Retention, logger)

	a.Correlator = reply.NewCorrelator(deps.Cache, deps.Sink, a.Queue, deps.Notifier, logger)
	a.Intake = reply.NewIntake(deps.Replies, deps.Store, deps.Store, a.Correlator, reply.IntakeConfig{
		CursorName:   cfg.Reply.CursorName,
		PollInterval: cfg.Reply.PollInterval,
		BatchSize:    cfg.Reply.BatchSize,
	}, logger)

	a.Router = httpserver.NewRouter(httpserver.RouterDependencies{
		API:            handlers.NewAPI(a.Manager, a.Queue),
		Logger:         logger,
		RateLimitRPS:   cfg.HTTP.RateLimitRPS,
		RateLimitBurst: cfg.HTTP.RateLimitBurst,
	})
	return a, nil
}

// Register adds every loop to the supervisor tree.
func (a *App) Register(tree *supervisor.Tree) {
	tree.AddSessionService(supervisor.NewService("lifecycle-events", a.Manager.Serve))
	tree.AddSessionService(supervisor.NewService("restart-sweep", a.Manager.ServeRestarts))
	tree.AddSessionService(supervisor.NewService("heartbeat-monitor", a.Heartbeat.Serve))

	tree.AddPipelineService(supervisor.NewService("queue-processor", a.Processor.Serve))
	tree.AddPipelineService(supervisor.NewService("queue-sweeper", a.Sweeper.Serve))
	tree.AddPipelineService(supervisor.NewService("reply-intake", a.Intake.Serve))
	for name, svc := range a.deps.Services {
		tree.AddPipelineService(supervisor.NewService(name, svc.Serve))
	}

	if a.cfg.HTTP.Addr != "" {
		server := &http.Server{
			Addr:              a.cfg.HTTP.Addr,
			Handler:           a.Router,
			ReadTimeout:       10 * time.Second,
			ReadHeaderTimeout: 5 * time.Second,
			WriteTimeout:      15 * time.Second,
			IdleTimeout:       60 * time.Second,
		}
		tree.AddAPIService(supervisor.NewHTTPService(server, a.cfg.ShutdownTimeout))
	}
}

// Run recovers persisted sessions, serves the tree until ctx ends and then
// stops every session within the shutdown timeout.
func (a *App) Run(ctx context.Context, tree *supervisor.Tree) error {
	report, err := a.Manager.Recover(ctx)
	if err != nil {
		return fmt.Errorf("recover sessions: %w", err)
	}
	a.logger.Info().
		Int("recovered", len(report.Recovered)).
		Int("deactivated", len(report.Deactivated)).
		Msg("session recovery finished")

	a.Register(tree)
	serveErr := tree.Serve(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.cfg.ShutdownTimeout)
	defer cancel()
	a.Manager.Shutdown(shutdownCtx)

	if serveErr != nil && ctx.Err() == nil {
		return fmt.Errorf("supervisor stopped: %w", serveErr)
	}
	return nil
}
