package orchestrator

import (
	"context"
	"fmt"
)

type RecoveryReport struct {
	Recovered   []string
	Deactivated []string
}

// Recover re-establishes sessions the durable store still marks active. Stale
// heartbeats, missing targets and failed starts are marked inactive; one
// session failing never prevents the others from recovering.
func (m *Manager) Recover(ctx context.Context) (RecoveryReport, error) {
	report := RecoveryReport{}
	records, err := m.store.ListActiveSessions(ctx)
	if err != nil {
		return report, fmt.Errorf("list active sessions: %w", err)
	}

	now := m.cfg.Now()
	for _, record := range records {
		logger := m.logger.With().
			Str("tenant_id", record.TenantID).
			Str("session_id", record.ID).
			Logger()

		reason := ""
		switch {
		case now.Sub(record.LastHeartbeat) > m.cfg.HeartbeatTimeout:
			reason = "stale heartbeat"
		default:
			credential, err := m.store.GetCredential(ctx, record.TenantID, record.CredentialID)
			if err != nil {
				reason = "credential unavailable"
			} else if !hasTargets(credential.Targets) {
				reason = "no subscription targets"
			}
		}

		if reason == "" {
			newID, err := m.StartMonitoring(ctx, record.TenantID, record.CredentialID)
			if err == nil {
				logger.Info().Str("new_session_id", newID).Msg("session recovered")
				report.Recovered = append(report.Recovered, newID)
				continue
			}
			if ctx.Err() != nil {
				return report, ctx.Err()
			}
			reason = err.Error()
		}

		if err := m.store.DeactivateSession(ctx, record.ID); err != nil {
			logger.Error().Err(err).Msg("deactivate unrecoverable session")
			continue
		}
		report.Deactivated = append(report.Deactivated, record.ID)
		logger.Warn().Str("reason", reason).Msg("session not recovered")
	}
	return report, nil
}
