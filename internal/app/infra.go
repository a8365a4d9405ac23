package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/iago/tiprelay/internal/classifier"
	"github.com/iago/tiprelay/internal/config"
	"github.com/iago/tiprelay/internal/correlation"
	"github.com/iago/tiprelay/internal/domain"
	"github.com/iago/tiprelay/internal/events"
	"github.com/iago/tiprelay/internal/orchestrator"
	"github.com/iago/tiprelay/internal/reply"
	"github.com/iago/tiprelay/internal/repository"
	"github.com/iago/tiprelay/internal/sink"
	"github.com/iago/tiprelay/internal/transport/discord"
)

// Open connects the production adapters described by cfg. The returned func
// releases them in reverse order.
func Open(ctx context.Context, cfg config.Config, logger zerolog.Logger) (Dependencies, func(), error) {
	var closers []func()
	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	fail := func(err error) (Dependencies, func(), error) {
		closeAll()
		return Dependencies{}, func() {}, err
	}

	if cfg.Discord.BotToken == "" {
		return fail(fmt.Errorf("%w: discord.bot_token is required for tenant notifications", domain.ErrConfiguration))
	}

	deps := Dependencies{
		Observers: []orchestrator.Observer{events.NewLogObserver(logger)},
		Services:  map[string]Service{},
	}

	if cfg.Database.URL == "" {
		logger.Warn().Msg("database.url not configured, using in-memory store")
		deps.Store = repository.NewMemoryStore()
	} else {
		store, err := repository.NewPostgresStore(ctx, cfg.Database.URL)
		if err != nil {
			return fail(fmt.Errorf("open postgres store: %w", err))
		}
		closers = append(closers, store.Close)
		deps.Store = store
		logger.Info().Msg("postgres store initialized")
	}

	var publisher discord.Publisher
	if cfg.Redis.Addr == "" {
		logger.Warn().Msg("redis.addr not configured, using in-memory correlation cache and reply source")
		deps.Cache = correlation.NewMemoryCache()
		source := reply.NewChannelSource()
		deps.Replies = source
		publisher = source
	} else {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return fail(fmt.Errorf("ping redis: %w", err))
		}
		closers = append(closers, func() { _ = client.Close() })
		deps.Cache = correlation.NewRedisCache(client, cfg.Redis.KeyPrefix)
		source := reply.NewStreamSource(client, cfg.Redis.ReplyStream, cfg.Redis.StreamMaxLen)
		deps.Replies = source
		publisher = source
		deps.Observers = append(deps.Observers, events.NewStreamPublisher(client, cfg.Redis.LifecycleStream, logger))
		logger.Info().Str("addr", cfg.Redis.Addr).Msg("redis initialized")
	}

	gormSink, err := sink.NewGormSink(cfg.Sink.Driver, cfg.Sink.DSN)
	if err != nil {
		return fail(fmt.Errorf("open sink: %w", err))
	}
	closers = append(closers, func() { _ = gormSink.Close() })
	deps.Sink = sink.NewBreakerSink(gormSink, sink.BreakerConfig{
		Name:         "sink",
		MaxRequests:  cfg.Sink.Breaker.MaxRequests,
		Interval:     cfg.Sink.Breaker.Interval,
		Timeout:      cfg.Sink.Breaker.Timeout,
		MinRequests:  cfg.Sink.Breaker.MinRequests,
		FailureRatio: cfg.Sink.Breaker.FailureRatio,
	}, logger)

	deps.Classifier = buildClassifier(cfg, logger)

	httpClient := &http.Client{Timeout: cfg.Discord.HTTPTimeout}
	deps.Factory = discord.Factory{HTTPClient: httpClient}

	bot := discord.NewBot(cfg.Discord.BotToken, deps.Store, publisher, logger)
	deps.Notifier = bot
	deps.Services["discord-bot"] = bot

	return deps, closeAll, nil
}

// buildClassifier chains the rule classifier with the LLM classifier when an
// API key is configured. Without a key media messages are never classified.
func buildClassifier(cfg config.Config, logger zerolog.Logger) classifier.Classifier {
	chain := classifier.Chain{classifier.RuleClassifier{MinOdds: cfg.Classifier.MinOdds}}
	llm := classifier.NewLLMClassifier(classifier.LLMConfig{
		APIKey:     cfg.LLM.APIKey,
		BaseURL:    cfg.LLM.BaseURL,
		Model:      cfg.LLM.Model,
		Timeout:    cfg.LLM.Timeout,
		MaxRetries: cfg.LLM.MaxRetries,
	})
	if llm.Available() {
		chain = append(chain, classifier.NewCached(llm, classifier.CacheConfig{
			TTL:        cfg.LLM.CacheTTL,
			MaxEntries: cfg.LLM.CacheMaxEntries,
		}))
	} else {
		logger.Warn().Msg("llm.api_key not configured, classifying text with rules only")
	}
	return chain
}

// IsConfigurationError reports whether Open or New failed on configuration
// rather than on infrastructure.
func IsConfigurationError(err error) bool {
	return errors.Is(err, domain.ErrConfiguration)
}
