package httpclient

import (
	"context"
	"errors"
	"net"
	"net/http"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	gobreaker "github.com/sony/gobreaker/v2"
	gobreakerredis "github.com/sony/gobreaker/v2/redis"
)

// NewRedisBreakerStore creates a SharedDataStore backed by Redis so several
// processes talking to the same database share one breaker state.
//
//	rdb := redis.NewUniversalClient(&redis.UniversalOptions{Addrs: []string{"localhost:6379"}})
//	client, err := httpclient.New(
//	    httpclient.WithCircuitBreaker(httpclient.DistributedBreakerConfig(httpclient.NewRedisBreakerStore(rdb))),
//	)
func NewRedisBreakerStore(client redis.UniversalClient) gobreaker.SharedDataStore {
	return gobreakerredis.NewStoreFromClient(client)
}

// BreakerClassifier reports whether an attempt counts as a failure for the
// circuit breaker.
type BreakerClassifier func(resp *http.Response, err error) bool

// BreakerConfig holds the configuration for the circuit breaker.
//
// The breaker wraps the transport below the plugin pipeline. An open
// breaker rejects attempts with gobreaker.ErrOpenState, which reaches the
// plugins' OnError hooks like any transport error.
type BreakerConfig struct {
	// MaxRequests is the number of probe attempts allowed while half-open.
	// If 0, one probe is allowed.
	MaxRequests uint32

	// Interval is the cyclic period of the closed state after which counts
	// are cleared. If 0, counts are never cleared while closed.
	Interval time.Duration

	// Timeout is how long the breaker stays open before probing.
	Timeout time.Duration

	// FailureThreshold is the minimum number of attempts before the failure
	// ratio is considered.
	FailureThreshold uint32

	// FailureRatio (0.0 - 1.0) trips the breaker.
	FailureRatio float64

	// ConsecutiveFailures trips the breaker regardless of the ratio.
	// If 0, this rule is disabled.
	ConsecutiveFailures uint32

	// Store shares breaker state across processes. If nil, the breaker is
	// local to the client.
	Store gobreaker.SharedDataStore

	// Classifier determines which outcomes count as failures.
	// Default: DefaultBreakerClassifier
	Classifier BreakerClassifier

	// OnStateChange is invoked when the breaker changes state.
	OnStateChange func(name string, from, to gobreaker.State)
}

// DefaultBreakerConfig returns a local breaker that trips after 5
// consecutive failures, or at a 50% failure ratio over at least 20 attempts.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		MaxRequests:         1,
		Interval:            10 * time.Second,
		Timeout:             10 * time.Second,
		FailureThreshold:    20,
		FailureRatio:        0.5,
		ConsecutiveFailures: 5,
		Classifier:          DefaultBreakerClassifier,
	}
}

// DistributedBreakerConfig returns DefaultBreakerConfig backed by store.
func DistributedBreakerConfig(store gobreaker.SharedDataStore) BreakerConfig {
	cfg := DefaultBreakerConfig()
	cfg.Store = store
	return cfg
}

// DefaultBreakerClassifier counts 5xx responses and network errors as
// failures. 429 is left to the retry plugin, and aborts or cancellations
// never count.
func DefaultBreakerClassifier(resp *http.Response, err error) bool {
	if err != nil {
		if errors.Is(err, ErrAborted) || errors.Is(err, context.Canceled) {
			return false
		}
		return isNetworkError(err)
	}

	return resp != nil && resp.StatusCode >= 500
}

func isNetworkError(err error) bool {
	if err == nil {
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	return errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ETIMEDOUT)
}

// readyToTrip builds gobreaker's trip predicate from the config.
func (c BreakerConfig) readyToTrip(counts gobreaker.Counts) bool {
	if c.ConsecutiveFailures > 0 && counts.ConsecutiveFailures >= c.ConsecutiveFailures {
		return true
	}
	if c.FailureThreshold > 0 && counts.Requests < c.FailureThreshold {
		return false
	}
	if c.FailureRatio > 0 && counts.Requests > 0 {
		ratio := float64(counts.TotalFailures) / float64(counts.Requests)
		return ratio >= c.FailureRatio
	}
	return false
}
