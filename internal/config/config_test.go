package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadFileDefaults(t *testing.T) {
	cfg, err := LoadFile("")
	require.NoError(t, err)

	assert.Equal(t, 50, cfg.Orchestrator.MaxSessions)
	assert.Equal(t, 60*time.Second, cfg.Orchestrator.HeartbeatInterval)
	assert.Equal(t, 5*time.Minute, cfg.Orchestrator.HeartbeatTimeout)
	assert.Equal(t, 2*time.Second, cfg.Orchestrator.RestartCooldown)
	assert.Equal(t, 10*time.Second, cfg.Orchestrator.RestartSweepInterval)
	assert.Equal(t, 3, cfg.Queue.MaxAttempts)
	assert.Equal(t, 5*time.Second, cfg.Queue.DrainInterval)
	assert.Equal(t, 30*time.Second, cfg.Queue.BackoffStep)
	assert.Equal(t, time.Hour, cfg.Queue.SweepInterval)
	assert.Equal(t, 24*time.Hour, cfg.Queue.Retention)
	assert.Equal(t, 2*time.Second, cfg.Reply.PollInterval)
	assert.Equal(t, "sqlite", cfg.Sink.Driver)
	assert.True(t, cfg.Orchestrator.AutoRestart)
}

func TestLoadFileYAMLOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
log:
  level: debug
  format: console
orchestrator:
  max_sessions: 5
  heartbeat_timeout: 10m
queue:
  max_attempts: 4
sink:
  breaker:
    min_requests: 7
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := LoadFile(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "console", cfg.Log.Format)
	assert.Equal(t, 5, cfg.Orchestrator.MaxSessions)
	assert.Equal(t, 10*time.Minute, cfg.Orchestrator.HeartbeatTimeout)
	assert.Equal(t, 60*time.Second, cfg.Orchestrator.HeartbeatInterval)
	assert.Equal(t, 4, cfg.Queue.MaxAttempts)
	assert.Equal(t, uint32(7), cfg.Sink.Breaker.MinRequests)
}

func TestLoadFileEnvironmentWins(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("queue:\n  drain_interval: 9s\n"), 0o600))

	t.Setenv("TIPRELAY_QUEUE__DRAIN_INTERVAL", "1s")
	t.Setenv("TIPRELAY_ORCHESTRATOR__AUTO_RESTART", "false")
	t.Setenv("TIPRELAY_DATABASE__URL", "postgres://localhost/tiprelay")
	t.Setenv("TIPRELAY_SINK__BREAKER__TIMEOUT", "45s")

	cfg, err := LoadFile(path)
	require.NoError(t, err)

	assert.Equal(t, time.Second, cfg.Queue.DrainInterval)
	assert.False(t, cfg.Orchestrator.AutoRestart)
	assert.Equal(t, "postgres://localhost/tiprelay", cfg.Database.URL)
	assert.Equal(t, 45*time.Second, cfg.Sink.Breaker.Timeout)
}

func TestLoadFileRejectsInvalidValues(t *testing.T) {
	t.Setenv("TIPRELAY_SINK__DRIVER", "mysql")

	_, err := LoadFile("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Driver")
}

func TestValidateHeartbeatTimeoutMustExceedInterval(t *testing.T) {
	cfg := Defaults()
	cfg.Orchestrator.HeartbeatTimeout = cfg.Orchestrator.HeartbeatInterval

	require.Error(t, cfg.Validate())
}

func TestLoadUsesConfigPathEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "custom.yaml")
	require.NoError(t, os.WriteFile(path, []byte("http:\n  addr: \":9999\"\n"), 0o600))
	t.Setenv(ConfigPathEnvVar, path)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ":9999", cfg.HTTP.Addr)
}

func TestEnvKey(t *testing.T) {
	assert.Equal(t, "queue.drain_interval", envKey("TIPRELAY_QUEUE__DRAIN_INTERVAL"))
	assert.Equal(t, "sink.breaker.failure_ratio", envKey("TIPRELAY_SINK__BREAKER__FAILURE_RATIO"))
	assert.Equal(t, "shutdown_timeout", envKey("TIPRELAY_SHUTDOWN_TIMEOUT"))
}
