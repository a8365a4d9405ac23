// Package orchestrator owns the session registry. It admits, starts, stops
// and restarts sessions, recovers them after a process restart, and routes
// lifecycle events to observers from a single consumer loop.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/iago/tiprelay/internal/domain"
	"github.com/iago/tiprelay/internal/metrics"
	"github.com/iago/tiprelay/internal/repository"
	"github.com/iago/tiprelay/internal/session"
	"github.com/iago/tiprelay/internal/transport"
)

const (
	DefaultMaxSessions          = 50
	DefaultHeartbeatInterval    = 60 * time.Second
	DefaultHeartbeatTimeout     = 5 * time.Minute
	DefaultRestartCooldown      = 2 * time.Second
	DefaultRestartSweepInterval = 10 * time.Second
	DefaultStopTimeout          = 10 * time.Second
	defaultEventBuffer          = 1024
)

// Store is the slice of the durable store the orchestrator needs.
type Store interface {
	repository.SessionRepository
	repository.TenantRepository
}

type Config struct {
	MaxSessions          int
	HeartbeatInterval    time.Duration
	HeartbeatTimeout     time.Duration
	RestartCooldown      time.Duration
	RestartSweepInterval time.Duration
	StopTimeout          time.Duration
	AutoRestart          bool
	EventBuffer          int
	Now                  func() time.Time
}

func (c *Config) applyDefaults() {
	if c.MaxSessions <= 0 {
		c.MaxSessions = DefaultMaxSessions
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = DefaultHeartbeatTimeout
	}
	if c.RestartCooldown < 0 {
		c.RestartCooldown = 0
	}
	if c.RestartSweepInterval <= 0 {
		c.RestartSweepInterval = DefaultRestartSweepInterval
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = DefaultStopTimeout
	}
	if c.EventBuffer <= 0 {
		c.EventBuffer = defaultEventBuffer
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

// Observer receives lifecycle events in emission order.
type Observer interface {
	Observe(ctx context.Context, event domain.LifecycleEvent)
}

type ObserverFunc func(ctx context.Context, event domain.LifecycleEvent)

func (f ObserverFunc) Observe(ctx context.Context, event domain.LifecycleEvent) { f(ctx, event) }

type Manager struct {
	cfg        Config
	store      Store
	factory    transport.Factory
	dispatcher session.Dispatcher
	logger     zerolog.Logger

	mu       sync.Mutex
	sessions map[domain.PairKey]*session.Session
	starting map[domain.PairKey]chan struct{}

	events    chan domain.LifecycleEvent
	obsMu     sync.RWMutex
	observers []Observer
}

func NewManager(
	store Store,
	factory transport.Factory,
	dispatcher session.Dispatcher,
	cfg Config,
	logger zerolog.Logger,
) *Manager {
	cfg.applyDefaults()
	return &Manager{
		cfg:        cfg,
		store:      store,
		factory:    factory,
		dispatcher: dispatcher,
		logger:     logger.With().Str("component", "orchestrator").Logger(),
		sessions:   make(map[domain.PairKey]*session.Session),
		starting:   make(map[domain.PairKey]chan struct{}),
		events:     make(chan domain.LifecycleEvent, cfg.EventBuffer),
	}
}

func (m *Manager) Config() Config { return m.cfg }

// AddObserver registers an observer. Observers run on the event loop and
// must not block for long.
func (m *Manager) AddObserver(observer Observer) {
	m.obsMu.Lock()
	defer m.obsMu.Unlock()
	m.observers = append(m.observers, observer)
}

// Emit queues a lifecycle event for the event loop. It never blocks; when the
// buffer is full the event is dropped and logged.
func (m *Manager) Emit(event domain.LifecycleEvent) {
	if event.At.IsZero() {
		event.At = m.cfg.Now().UTC()
	}
	metrics.SessionLifecycle.WithLabelValues(string(event.Type)).Inc()
	select {
	case m.events <- event:
	default:
		m.logger.Warn().
			Str("type", string(event.Type)).
			Str("tenant_id", event.TenantID).
			Msg("lifecycle event buffer full, event dropped")
	}
}

// Serve is the lifecycle event loop.
func (m *Manager) Serve(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event := <-m.events:
			m.route(ctx, event)
		}
	}
}

func (m *Manager) route(ctx context.Context, event domain.LifecycleEvent) {
	if event.Type == domain.LifecycleSessionError && event.Fatal {
		m.handleFatal(ctx, event)
	}
	m.obsMu.RLock()
	observers := append([]Observer(nil), m.observers...)
	m.obsMu.RUnlock()
	for _, observer := range observers {
		observer.Observe(ctx, event)
	}
}

func (m *Manager) handleFatal(ctx context.Context, event domain.LifecycleEvent) {
	pair := domain.PairKey{TenantID: event.TenantID, CredentialID: event.CredentialID}
	m.mu.Lock()
	current, ok := m.sessions[pair]
	if !ok || current.ID() != event.SessionID {
		m.mu.Unlock()
		return
	}
	delete(m.sessions, pair)
	m.observeCountLocked()
	m.mu.Unlock()

	m.teardown(ctx, current)
	if !m.cfg.AutoRestart {
		return
	}
	if err := m.RequestRestart(ctx, pair.TenantID, pair.CredentialID); err != nil {
		m.logger.Error().Err(err).Str("pair", pair.String()).Msg("file restart after fatal error")
	}
}

// StartMonitoring starts a session for the pair, or returns the id of the
// healthy session already running for it.
func (m *Manager) StartMonitoring(ctx context.Context, tenantID, credentialID string) (string, error) {
	tenantID = strings.TrimSpace(tenantID)
	credentialID = strings.TrimSpace(credentialID)
	if tenantID == "" || credentialID == "" {
		return "", fmt.Errorf("%w: tenant and credential ids are required", domain.ErrConfiguration)
	}
	pair := domain.PairKey{TenantID: tenantID, CredentialID: credentialID}

	done, existingID, err := m.admit(ctx, pair)
	if err != nil || existingID != "" {
		return existingID, err
	}
	defer func() {
		m.mu.Lock()
		delete(m.starting, pair)
		m.mu.Unlock()
		close(done)
	}()

	s, err := m.buildSession(ctx, pair)
	if err != nil {
		return "", err
	}
	if err := s.Start(ctx); err != nil {
		_ = s.Stop(context.WithoutCancel(ctx))
		return "", fmt.Errorf("%w: %v", domain.ErrTransientIO, err)
	}

	m.mu.Lock()
	m.sessions[pair] = s
	m.observeCountLocked()
	m.mu.Unlock()

	if err := m.persistStarted(ctx, s); err != nil {
		m.mu.Lock()
		if m.sessions[pair] == s {
			delete(m.sessions, pair)
		}
		m.observeCountLocked()
		m.mu.Unlock()
		_ = s.Stop(context.WithoutCancel(ctx))
		return "", err
	}

	m.Emit(domain.LifecycleEvent{
		Type:         domain.LifecycleSessionStarted,
		TenantID:     pair.TenantID,
		CredentialID: pair.CredentialID,
		SessionID:    s.ID(),
	})
	return s.ID(), nil
}

// admit reserves a start slot for pair. Concurrent starts for the same pair
// wait for the first one and then re-check.
func (m *Manager) admit(ctx context.Context, pair domain.PairKey) (chan struct{}, string, error) {
	for {
		m.mu.Lock()
		if existing, ok := m.sessions[pair]; ok {
			if existing.Healthy(m.cfg.Now(), m.cfg.HeartbeatTimeout) {
				m.mu.Unlock()
				return nil, existing.ID(), nil
			}
			delete(m.sessions, pair)
			m.observeCountLocked()
			m.mu.Unlock()
			m.logger.Info().Str("session_id", existing.ID()).Msg("replacing unhealthy session")
			m.teardown(ctx, existing)
			continue
		}
		if wait, ok := m.starting[pair]; ok {
			m.mu.Unlock()
			select {
			case <-wait:
				continue
			case <-ctx.Done():
				return nil, "", ctx.Err()
			}
		}
		if len(m.sessions)+len(m.starting) >= m.cfg.MaxSessions {
			m.mu.Unlock()
			return nil, "", fmt.Errorf("%w: limit %d", domain.ErrCapacityExceeded, m.cfg.MaxSessions)
		}
		done := make(chan struct{})
		m.starting[pair] = done
		m.mu.Unlock()
		return done, "", nil
	}
}

func (m *Manager) buildSession(ctx context.Context, pair domain.PairKey) (*session.Session, error) {
	if _, err := m.store.GetTenant(ctx, pair.TenantID); err != nil {
		return nil, configError("resolve tenant", err)
	}
	credential, err := m.store.GetCredential(ctx, pair.TenantID, pair.CredentialID)
	if err != nil {
		return nil, configError("resolve credential", err)
	}
	if !credential.Active {
		return nil, fmt.Errorf("%w: credential %s is inactive", domain.ErrConfiguration, pair.CredentialID)
	}
	if !hasTargets(credential.Targets) {
		return nil, domain.ErrNoTargets
	}
	client, err := m.factory.NewClient(*credential)
	if err != nil {
		return nil, fmt.Errorf("%w: build client: %v", domain.ErrConfiguration, err)
	}
	return session.New(session.Config{
		TenantID:     pair.TenantID,
		CredentialID: pair.CredentialID,
		Targets:      credential.Targets,
		Client:       client,
		Dispatcher:   m.dispatcher,
		Events:       m,
		Now:          m.cfg.Now,
	}, m.logger)
}

func configError(action string, err error) error {
	if errors.Is(err, repository.ErrNotFound) {
		return fmt.Errorf("%w: %s: %v", domain.ErrConfiguration, action, err)
	}
	return fmt.Errorf("%w: %s: %v", domain.ErrTransientIO, action, err)
}

func hasTargets(targets []string) bool {
	for _, target := range targets {
		if strings.TrimSpace(target) != "" {
			return true
		}
	}
	return false
}

func (m *Manager) persistStarted(ctx context.Context, s *session.Session) error {
	if err := m.store.DeactivatePair(ctx, s.TenantID(), s.CredentialID()); err != nil {
		return fmt.Errorf("%w: deactivate previous sessions: %v", domain.ErrTransientIO, err)
	}
	now := m.cfg.Now().UTC()
	record := &domain.SessionRecord{
		ID:            s.ID(),
		TenantID:      s.TenantID(),
		CredentialID:  s.CredentialID(),
		IsActive:      true,
		LastHeartbeat: now,
		CreatedAt:     s.CreatedAt(),
		UpdatedAt:     now,
	}
	if err := m.store.SaveSession(ctx, record); err != nil {
		return fmt.Errorf("%w: save session: %v", domain.ErrTransientIO, err)
	}
	return nil
}

// StopMonitoring stops the pair's session if one is running. It returns after
// the client disconnected or the stop timeout elapsed.
func (m *Manager) StopMonitoring(ctx context.Context, tenantID, credentialID string) error {
	pair := domain.PairKey{TenantID: tenantID, CredentialID: credentialID}
	m.mu.Lock()
	s, ok := m.sessions[pair]
	if ok {
		delete(m.sessions, pair)
		m.observeCountLocked()
	}
	m.mu.Unlock()

	if !ok {
		if err := m.store.DeactivatePair(ctx, tenantID, credentialID); err != nil {
			return fmt.Errorf("deactivate pair %s: %w", pair, err)
		}
		return nil
	}
	return m.teardown(ctx, s)
}

func (m *Manager) teardown(ctx context.Context, s *session.Session) error {
	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.cfg.StopTimeout)
	defer cancel()
	if err := s.Stop(stopCtx); err != nil {
		m.logger.Warn().Err(err).Str("session_id", s.ID()).Msg("session stop incomplete")
	}
	err := m.store.DeactivateSession(stopCtx, s.ID())
	if err != nil && !errors.Is(err, repository.ErrNotFound) {
		err = fmt.Errorf("deactivate session %s: %w", s.ID(), err)
	} else {
		err = nil
	}
	m.Emit(domain.LifecycleEvent{
		Type:         domain.LifecycleSessionStopped,
		TenantID:     s.TenantID(),
		CredentialID: s.CredentialID(),
		SessionID:    s.ID(),
	})
	return err
}

// RequestRestart files a durable restart request picked up by the sweep.
func (m *Manager) RequestRestart(ctx context.Context, tenantID, credentialID string) error {
	if err := m.store.RequestRestart(ctx, tenantID, credentialID, m.cfg.Now().UTC()); err != nil {
		return fmt.Errorf("request restart %s/%s: %w", tenantID, credentialID, err)
	}
	return nil
}

// RestartSweep executes pending restart requests: stop, cooldown, start.
func (m *Manager) RestartSweep(ctx context.Context) (int, error) {
	requests, err := m.store.TakeRestartRequests(ctx)
	if err != nil {
		return 0, fmt.Errorf("take restart requests: %w", err)
	}
	restarted := 0
	for _, request := range requests {
		logger := m.logger.With().
			Str("tenant_id", request.TenantID).
			Str("credential_id", request.CredentialID).
			Logger()
		if err := m.StopMonitoring(ctx, request.TenantID, request.CredentialID); err != nil {
			logger.Warn().Err(err).Msg("stop before restart")
		}
		if err := sleep(ctx, m.cfg.RestartCooldown); err != nil {
			return restarted, err
		}
		sessionID, err := m.StartMonitoring(ctx, request.TenantID, request.CredentialID)
		if err != nil {
			logger.Error().Err(err).Msg("restart failed")
			continue
		}
		restarted++
		metrics.SessionRestarts.Inc()
		logger.Info().Str("session_id", sessionID).Msg("session restarted")
	}
	return restarted, nil
}

// ServeRestarts runs RestartSweep on its interval.
func (m *Manager) ServeRestarts(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.RestartSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := m.RestartSweep(ctx); err != nil && ctx.Err() == nil {
				m.logger.Error().Err(err).Msg("restart sweep failed")
			}
		}
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// GetSessionsStatus reports every registered session, sorted by pair.
func (m *Manager) GetSessionsStatus() []domain.SessionStatus {
	now := m.cfg.Now()
	sessions := m.snapshot()
	out := make([]domain.SessionStatus, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.Status(now, m.cfg.HeartbeatTimeout))
	}
	return out
}

// Session returns the running session for a pair.
func (m *Manager) Session(tenantID, credentialID string) (*session.Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[domain.PairKey{TenantID: tenantID, CredentialID: credentialID}]
	return s, ok
}

func (m *Manager) snapshot() []*session.Session {
	m.mu.Lock()
	out := make([]*session.Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].TenantID() != out[j].TenantID() {
			return out[i].TenantID() < out[j].TenantID()
		}
		return out[i].CredentialID() < out[j].CredentialID()
	})
	return out
}

func (m *Manager) hasSessionID(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.sessions {
		if s.ID() == id {
			return true
		}
	}
	return false
}

// Shutdown disconnects every session without deactivating the durable
// records, so the next process recovers them.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	sessions := make([]*session.Session, 0, len(m.sessions))
	for pair, s := range m.sessions {
		sessions = append(sessions, s)
		delete(m.sessions, pair)
	}
	m.observeCountLocked()
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, s := range sessions {
		wg.Add(1)
		go func(s *session.Session) {
			defer wg.Done()
			stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.cfg.StopTimeout)
			defer cancel()
			if err := s.Stop(stopCtx); err != nil {
				m.logger.Warn().Err(err).Str("session_id", s.ID()).Msg("session stop incomplete on shutdown")
			}
		}(s)
	}
	wg.Wait()
	m.logger.Info().Int("sessions", len(sessions)).Msg("sessions stopped")
}

func (m *Manager) observeCountLocked() {
	metrics.ActiveSessions.Set(float64(len(m.sessions)))
}
