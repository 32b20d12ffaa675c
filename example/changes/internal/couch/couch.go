package couch

import (
	"github.com/kroma-labs/couchrelay/example/changes/internal/config"
	"github.com/kroma-labs/couchrelay/httpclient"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"go.opentelemetry.io/otel"
)

// DB wraps a couchrelay client bound to one database.
type DB struct {
	*httpclient.Client

	name   string
	logger zerolog.Logger
}

// New creates a client with cookie authentication, retries, rate limiting
// and a circuit breaker. When redisAddr is non-empty the breaker state is
// shared through Redis.
func New(logger zerolog.Logger, redisAddr string) (*DB, error) {
	breaker := httpclient.DefaultBreakerConfig()
	if redisAddr != "" {
		rdb := redis.NewUniversalClient(&redis.UniversalOptions{Addrs: []string{redisAddr}})
		breaker = httpclient.DistributedBreakerConfig(httpclient.NewRedisBreakerStore(rdb))
	}

	client, err := httpclient.New(
		httpclient.WithServerURL(config.Env("COUCH_URL", config.DefaultServerURL)),
		httpclient.WithCredentials(
			config.Env("COUCH_USER", config.DefaultUsername),
			config.Env("COUCH_PASSWORD", config.DefaultPassword),
		),
		httpclient.WithPlugins(
			httpclient.PluginSpec{Name: httpclient.CookieAuthPluginID},
			httpclient.PluginSpec{Name: httpclient.RetryPluginID},
		),
		httpclient.WithServiceName(config.ServiceName),
		httpclient.WithRateLimit(httpclient.DefaultRateLimitConfig()),
		httpclient.WithCircuitBreaker(breaker),
		httpclient.WithLogger(logger),
		httpclient.WithTracerProvider(otel.GetTracerProvider()),
		httpclient.WithMeterProvider(otel.GetMeterProvider()),
		httpclient.WithPropagators(otel.GetTextMapPropagator()),
	)
	if err != nil {
		return nil, err
	}

	return &DB{
		Client: client,
		name:   config.Env("COUCH_DB", config.DefaultDatabase),
		logger: logger,
	}, nil
}

// Name returns the database name.
func (db *DB) Name() string {
	return db.name
}
