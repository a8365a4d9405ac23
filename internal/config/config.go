// Package config loads runtime settings from defaults, an optional YAML file
// and TIPRELAY_ environment variables, in that order of precedence.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

const (
	// ConfigPathEnvVar points at a YAML file that overrides the defaults.
	ConfigPathEnvVar = "CONFIG_PATH"
	// EnvPrefix marks variables that override file and default values.
	// Sections are separated by a double underscore:
	// TIPRELAY_QUEUE__DRAIN_INTERVAL=5s sets queue.drain_interval.
	EnvPrefix = "TIPRELAY_"
)

var DefaultConfigPaths = []string{
	"config.yaml",
	"config.yml",
	"/etc/tiprelay/config.yaml",
}

var validate = validator.New()

type Config struct {
	Log          LogConfig          `koanf:"log"`
	HTTP         HTTPConfig         `koanf:"http"`
	Database     DatabaseConfig     `koanf:"database"`
	Redis        RedisConfig        `koanf:"redis"`
	Sink         SinkConfig         `koanf:"sink"`
	Discord      DiscordConfig      `koanf:"discord"`
	LLM          LLMConfig          `koanf:"llm"`
	Classifier   ClassifierConfig   `koanf:"classifier"`
	Orchestrator OrchestratorConfig `koanf:"orchestrator"`
	Queue        QueueConfig        `koanf:"queue"`
	Reply        ReplyConfig        `koanf:"reply"`

	ShutdownTimeout time.Duration `koanf:"shutdown_timeout" validate:"gt=0"`
}

type LogConfig struct {
	Level  string `koanf:"level" validate:"oneof=trace debug info warn error"`
	Format string `koanf:"format" validate:"oneof=json console"`
}

type HTTPConfig struct {
	Addr           string  `koanf:"addr" validate:"required"`
	RateLimitRPS   float64 `koanf:"rate_limit_rps" validate:"gte=0"`
	RateLimitBurst int     `koanf:"rate_limit_burst" validate:"gte=0"`
}

// DatabaseConfig selects the durable store. An empty URL keeps everything in
// memory, which loses state on restart.
type DatabaseConfig struct {
	URL string `koanf:"url"`
}

type RedisConfig struct {
	Addr            string `koanf:"addr"`
	Password        string `koanf:"password"`
	DB              int    `koanf:"db" validate:"gte=0"`
	KeyPrefix       string `koanf:"key_prefix" validate:"required"`
	ReplyStream     string `koanf:"reply_stream" validate:"required"`
	LifecycleStream string `koanf:"lifecycle_stream" validate:"required"`
	StreamMaxLen    int64  `koanf:"stream_max_len" validate:"gte=0"`
}

type SinkConfig struct {
	Driver  string        `koanf:"driver" validate:"oneof=sqlite postgres"`
	DSN     string        `koanf:"dsn" validate:"required"`
	Breaker BreakerConfig `koanf:"breaker"`
}

type BreakerConfig struct {
	MaxRequests  uint32        `koanf:"max_requests" validate:"gte=1"`
	Interval     time.Duration `koanf:"interval" validate:"gte=0"`
	Timeout      time.Duration `koanf:"timeout" validate:"gt=0"`
	MinRequests  uint32        `koanf:"min_requests" validate:"gte=1"`
	FailureRatio float64       `koanf:"failure_ratio" validate:"gt=0,lte=1"`
}

type DiscordConfig struct {
	// BotToken drives the private notification channel and reply listener.
	BotToken    string        `koanf:"bot_token"`
	HTTPTimeout time.Duration `koanf:"http_timeout" validate:"gt=0"`
}

type LLMConfig struct {
	APIKey     string        `koanf:"api_key"`
	BaseURL    string        `koanf:"base_url" validate:"required,url"`
	Model      string        `koanf:"model" validate:"required"`
	Timeout    time.Duration `koanf:"timeout" validate:"gt=0"`
	MaxRetries int           `koanf:"max_retries" validate:"gte=0,lte=5"`
	// CacheTTL keeps model verdicts for repeated content.
	CacheTTL        time.Duration `koanf:"cache_ttl" validate:"gt=0"`
	CacheMaxEntries int           `koanf:"cache_max_entries" validate:"gte=1"`
}

type ClassifierConfig struct {
	MinOdds float64 `koanf:"min_odds" validate:"gte=1"`
}

type OrchestratorConfig struct {
	MaxSessions          int           `koanf:"max_sessions" validate:"gte=1"`
	HeartbeatInterval    time.Duration `koanf:"heartbeat_interval" validate:"gt=0"`
	HeartbeatTimeout     time.Duration `koanf:"heartbeat_timeout" validate:"gtfield=HeartbeatInterval"`
	RestartCooldown      time.Duration `koanf:"restart_cooldown" validate:"gte=0"`
	RestartSweepInterval time.Duration `koanf:"restart_sweep_interval" validate:"gt=0"`
	StopTimeout          time.Duration `koanf:"stop_timeout" validate:"gt=0"`
	AutoRestart          bool          `koanf:"auto_restart"`
	EventBuffer          int           `koanf:"event_buffer" validate:"gte=1"`
}

type QueueConfig struct {
	MaxAttempts   int           `koanf:"max_attempts" validate:"gte=1"`
	DrainInterval time.Duration `koanf:"drain_interval" validate:"gt=0"`
	BackoffStep   time.Duration `koanf:"backoff_step" validate:"gt=0"`
	SweepInterval time.Duration `koanf:"sweep_interval" validate:"gt=0"`
	Retention     time.Duration `koanf:"retention" validate:"gt=0"`
}

type ReplyConfig struct {
	PollInterval time.Duration `koanf:"poll_interval" validate:"gt=0"`
	BatchSize    int           `koanf:"batch_size" validate:"gte=1,lte=1000"`
	CursorName   string        `koanf:"cursor_name" validate:"required"`
}

func Defaults() Config {
	return Config{
		Log: LogConfig{Level: "info", Format: "json"},
		HTTP: HTTPConfig{
			Addr:           ":8080",
			RateLimitRPS:   20,
			RateLimitBurst: 40,
		},
		Redis: RedisConfig{
			KeyPrefix:       "tiprelay:corr:",
			ReplyStream:     "tiprelay:replies",
			LifecycleStream: "tiprelay:lifecycle",
			StreamMaxLen:    10000,
		},
		Sink: SinkConfig{
			Driver: "sqlite",
			DSN:    "data/tips.db",
			Breaker: BreakerConfig{
				MaxRequests:  1,
				Interval:     time.Minute,
				Timeout:      30 * time.Second,
				MinRequests:  3,
				FailureRatio: 0.6,
			},
		},
		Discord: DiscordConfig{HTTPTimeout: 30 * time.Second},
		LLM: LLMConfig{
			BaseURL:         "https://openrouter.ai/api/v1",
			Model:           "openai/gpt-4.1-mini",
			Timeout:         20 * time.Second,
			MaxRetries:      2,
			CacheTTL:        15 * time.Minute,
			CacheMaxEntries: 2000,
		},
		Classifier: ClassifierConfig{MinOdds: 1.01},
		Orchestrator: OrchestratorConfig{
			MaxSessions:          50,
			HeartbeatInterval:    60 * time.Second,
			HeartbeatTimeout:     5 * time.Minute,
			RestartCooldown:      2 * time.Second,
			RestartSweepInterval: 10 * time.Second,
			StopTimeout:          10 * time.Second,
			AutoRestart:          true,
			EventBuffer:          1024,
		},
		Queue: QueueConfig{
			MaxAttempts:   3,
			DrainInterval: 5 * time.Second,
			BackoffStep:   30 * time.Second,
			SweepInterval: time.Hour,
			Retention:     24 * time.Hour,
		},
		Reply: ReplyConfig{
			PollInterval: 2 * time.Second,
			BatchSize:    50,
			CursorName:   "reply_intake",
		},
		ShutdownTimeout: 15 * time.Second,
	}
}

// Load layers defaults, the first config file found and the environment.
func Load() (*Config, error) {
	return LoadFile(findConfigFile())
}

// LoadFile is Load with an explicit file path. An empty path skips the file
// layer.
func LoadFile(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(Defaults(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}
	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	return validate.Struct(c)
}

// envKey maps TIPRELAY_SINK__BREAKER__TIMEOUT to sink.breaker.timeout.
func envKey(key string) string {
	key = strings.TrimPrefix(key, EnvPrefix)
	key = strings.ToLower(key)
	return strings.ReplaceAll(key, "__", ".")
}

func findConfigFile() string {
	if envPath := os.Getenv(ConfigPathEnvVar); envPath != "" {
		if _, err := os.Stat(envPath); err == nil {
			return envPath
		}
	}
	for _, path := range DefaultConfigPaths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}
