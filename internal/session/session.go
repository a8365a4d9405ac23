// Package session wraps one transport connection for one (tenant, credential)
// pair. Messages are handled by a single goroutine per session, in the order
// the transport delivered them.
package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/iago/tiprelay/internal/dispatch"
	"github.com/iago/tiprelay/internal/domain"
	"github.com/iago/tiprelay/internal/transport"
)

const defaultInboxSize = 256

// Dispatcher handles one inbound message for a session.
type Dispatcher interface {
	Dispatch(ctx context.Context, origin dispatch.Origin, msg transport.Message) (dispatch.Outcome, error)
}

type Config struct {
	TenantID     string
	CredentialID string
	Targets      []string
	Client       transport.Client
	Dispatcher   Dispatcher
	Events       domain.LifecycleEmitter
	InboxSize    int
	Now          func() time.Time
}

type Session struct {
	id           string
	tenantID     string
	credentialID string
	targets      map[string]struct{}
	client       transport.Client
	dispatcher   Dispatcher
	events       domain.LifecycleEmitter
	logger       zerolog.Logger
	now          func() time.Time
	createdAt    time.Time

	processed     atomic.Int64
	errors        atomic.Int64
	lastHeartbeat atomic.Int64

	inbox       chan transport.Message
	cancel      context.CancelFunc
	unsubscribe func()
	wg          sync.WaitGroup
	started     atomic.Bool
	stopOnce    sync.Once
	stopErr     error
}

// New builds a session without connecting it.
func New(cfg Config, logger zerolog.Logger) (*Session, error) {
	targets := make(map[string]struct{}, len(cfg.Targets))
	for _, target := range cfg.Targets {
		if target != "" {
			targets[target] = struct{}{}
		}
	}
	if len(targets) == 0 {
		return nil, domain.ErrNoTargets
	}
	if cfg.Client == nil || cfg.Dispatcher == nil {
		return nil, fmt.Errorf("%w: session requires a client and a dispatcher", domain.ErrConfiguration)
	}
	if cfg.Events == nil {
		cfg.Events = domain.NopEmitter{}
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.InboxSize <= 0 {
		cfg.InboxSize = defaultInboxSize
	}

	createdAt := cfg.Now().UTC()
	id := domain.NewSessionID(cfg.TenantID, cfg.CredentialID, createdAt)
	s := &Session{
		id:           id,
		tenantID:     cfg.TenantID,
		credentialID: cfg.CredentialID,
		targets:      targets,
		client:       cfg.Client,
		dispatcher:   cfg.Dispatcher,
		events:       cfg.Events,
		now:          cfg.Now,
		createdAt:    createdAt,
		inbox:        make(chan transport.Message, cfg.InboxSize),
		logger: logger.With().
			Str("component", "session").
			Str("tenant_id", cfg.TenantID).
			Str("session_id", id).
			Logger(),
	}
	s.lastHeartbeat.Store(createdAt.UnixNano())
	return s, nil
}

func (s *Session) ID() string           { return s.id }
func (s *Session) TenantID() string     { return s.tenantID }
func (s *Session) CredentialID() string { return s.credentialID }
func (s *Session) CreatedAt() time.Time { return s.createdAt }
func (s *Session) Processed() int64     { return s.processed.Load() }
func (s *Session) Errors() int64        { return s.errors.Load() }
func (s *Session) Connected() bool      { return s.started.Load() && s.client.Connected() }
func (s *Session) Pair() domain.PairKey {
	return domain.PairKey{TenantID: s.tenantID, CredentialID: s.credentialID}
}
func (s *Session) LastHeartbeat() time.Time { return time.Unix(0, s.lastHeartbeat.Load()).UTC() }

// Touch advances the liveness timestamp.
func (s *Session) Touch(at time.Time) {
	s.lastHeartbeat.Store(at.UnixNano())
}

// Healthy reports whether liveness advanced within timeout.
func (s *Session) Healthy(now time.Time, timeout time.Duration) bool {
	return s.Connected() && now.Sub(s.LastHeartbeat()) <= timeout
}

// Targets returns the subscribed chat ids, sorted.
func (s *Session) Targets() []string {
	out := make([]string, 0, len(s.targets))
	for target := range s.targets {
		out = append(out, target)
	}
	sort.Strings(out)
	return out
}

// Start connects the client, registers the message handler and launches the
// session goroutines. They run until Stop or parent cancellation.
func (s *Session) Start(ctx context.Context) error {
	if err := s.client.Connect(ctx); err != nil {
		return fmt.Errorf("connect session %s: %w", s.id, err)
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.cancel = cancel
	s.unsubscribe = s.client.Subscribe(func(msg transport.Message) {
		select {
		case s.inbox <- msg:
		case <-runCtx.Done():
		}
	})

	s.wg.Add(2)
	go s.work(runCtx)
	go s.watchFatal(runCtx)
	s.started.Store(true)
	s.Touch(s.now())
	s.logger.Info().Strs("targets", s.Targets()).Msg("session started")
	return nil
}

func (s *Session) work(ctx context.Context) {
	defer s.wg.Done()
	origin := dispatch.Origin{
		TenantID:     s.tenantID,
		CredentialID: s.credentialID,
		SessionID:    s.id,
		Targets:      s.targets,
		Media:        s.client,
	}
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-s.inbox:
			outcome, err := s.dispatcher.Dispatch(ctx, origin, msg)
			s.processed.Add(1)
			if err != nil {
				s.errors.Add(1)
				s.logger.Warn().Err(err).Str("message_id", msg.ID).Str("outcome", string(outcome)).Msg("message dispatch failed")
			}
		}
	}
}

func (s *Session) watchFatal(ctx context.Context) {
	defer s.wg.Done()
	fatal := s.client.Fatal()
	if fatal == nil {
		<-ctx.Done()
		return
	}
	select {
	case <-ctx.Done():
	case err, ok := <-fatal:
		if !ok {
			return
		}
		s.errors.Add(1)
		if !errors.Is(err, domain.ErrFatalSession) {
			err = fmt.Errorf("%w: %v", domain.ErrFatalSession, err)
		}
		s.logger.Error().Err(err).Msg("fatal transport error")
		s.events.Emit(domain.LifecycleEvent{
			Type:         domain.LifecycleSessionError,
			TenantID:     s.tenantID,
			CredentialID: s.credentialID,
			SessionID:    s.id,
			Error:        err.Error(),
			Fatal:        true,
			At:           s.now().UTC(),
		})
	}
}

// Stop unregisters the handler, cancels in-flight work and disconnects. It
// returns once the session goroutines exit or ctx expires. Safe to call more
// than once.
func (s *Session) Stop(ctx context.Context) error {
	s.stopOnce.Do(func() {
		s.started.Store(false)
		if s.unsubscribe != nil {
			s.unsubscribe()
		}
		if s.cancel != nil {
			s.cancel()
		}
		var errs []error
		if err := s.client.Disconnect(ctx); err != nil {
			errs = append(errs, fmt.Errorf("disconnect: %w", err))
		}

		done := make(chan struct{})
		go func() {
			s.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			errs = append(errs, fmt.Errorf("wait for session goroutines: %w", ctx.Err()))
		}
		s.stopErr = errors.Join(errs...)
		s.logger.Info().Int64("processed", s.processed.Load()).Msg("session stopped")
	})
	return s.stopErr
}

// Status snapshots the session for reporting.
func (s *Session) Status(now time.Time, timeout time.Duration) domain.SessionStatus {
	return domain.SessionStatus{
		TenantID:          s.tenantID,
		CredentialID:      s.credentialID,
		SessionID:         s.id,
		IsActive:          s.started.Load(),
		LastHeartbeat:     s.LastHeartbeat(),
		ProcessedMessages: s.processed.Load(),
		ErrorCount:        s.errors.Load(),
		SubscribedChats:   s.Targets(),
		IsHealthy:         s.Healthy(now, timeout),
	}
}
