package orchestrator

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/iago/tiprelay/internal/domain"
)

type HeartbeatReport struct {
	Stamped    int
	Unhealthy  int
	Reconciled int
}

// HeartbeatMonitor stamps liveness of connected sessions, flags sessions whose
// liveness stopped advancing, and deactivates durable records the registry
// no longer knows about.
type HeartbeatMonitor struct {
	manager *Manager
	logger  zerolog.Logger
	flagged map[string]struct{}
}

func NewHeartbeatMonitor(manager *Manager, logger zerolog.Logger) *HeartbeatMonitor {
	return &HeartbeatMonitor{
		manager: manager,
		logger:  logger.With().Str("component", "heartbeat").Logger(),
		flagged: make(map[string]struct{}),
	}
}

func (h *HeartbeatMonitor) Serve(ctx context.Context) error {
	ticker := time.NewTicker(h.manager.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			h.Tick(ctx)
		}
	}
}

// Tick runs one heartbeat pass. It is not safe for concurrent use.
func (h *HeartbeatMonitor) Tick(ctx context.Context) HeartbeatReport {
	report := HeartbeatReport{}
	cfg := h.manager.cfg
	now := cfg.Now().UTC()
	store := h.manager.store

	live := make(map[string]struct{})
	for _, s := range h.manager.snapshot() {
		live[s.ID()] = struct{}{}
		if s.Connected() {
			s.Touch(now)
			delete(h.flagged, s.ID())
			if err := store.UpdateHeartbeat(ctx, s.ID(), now, s.Processed(), s.Errors()); err != nil {
				h.logger.Error().Err(err).Str("session_id", s.ID()).Msg("persist heartbeat")
				continue
			}
			report.Stamped++
			continue
		}
		if now.Sub(s.LastHeartbeat()) <= cfg.HeartbeatTimeout {
			continue
		}
		if _, seen := h.flagged[s.ID()]; seen {
			continue
		}
		h.flagged[s.ID()] = struct{}{}
		report.Unhealthy++
		h.logger.Warn().
			Str("tenant_id", s.TenantID()).
			Str("session_id", s.ID()).
			Time("last_heartbeat", s.LastHeartbeat()).
			Msg("session unhealthy")
		h.manager.Emit(domain.LifecycleEvent{
			Type:         domain.LifecycleSessionUnhealthy,
			TenantID:     s.TenantID(),
			CredentialID: s.CredentialID(),
			SessionID:    s.ID(),
		})
		if cfg.AutoRestart {
			if err := h.manager.RequestRestart(ctx, s.TenantID(), s.CredentialID()); err != nil {
				h.logger.Error().Err(err).Str("session_id", s.ID()).Msg("request restart")
			}
		}
	}
	for id := range h.flagged {
		if _, ok := live[id]; !ok {
			delete(h.flagged, id)
		}
	}

	records, err := store.ListActiveSessions(ctx)
	if err != nil {
		h.logger.Error().Err(err).Msg("list active sessions")
		return report
	}
	for _, record := range records {
		if _, ok := live[record.ID]; ok || h.manager.hasSessionID(record.ID) {
			continue
		}
		if err := store.DeactivateSession(ctx, record.ID); err != nil {
			h.logger.Error().Err(err).Str("session_id", record.ID).Msg("deactivate orphaned session")
			continue
		}
		report.Reconciled++
		h.logger.Info().Str("session_id", record.ID).Msg("orphaned session record deactivated")
	}
	return report
}
