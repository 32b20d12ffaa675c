package httpclient

import (
	"context"
	"errors"
	"net/http"

	"golang.org/x/time/rate"
)

// RateLimitConfig configures client-level rate limiting. The limiter sits
// below the plugin pipeline, so every attempt (retries and session renewals
// included) takes a token.
type RateLimitConfig struct {
	// RequestsPerSecond is the maximum sustained attempt rate.
	RequestsPerSecond float64

	// Burst is the maximum number of attempts allowed in a burst.
	Burst int

	// WaitOnLimit makes attempts wait for a token (respecting the request
	// context, which Stream.Abort cancels). If false, attempts fail
	// immediately with ErrRateLimited.
	WaitOnLimit bool
}

// DefaultRateLimitConfig returns 10 requests per second with a burst of 20.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		RequestsPerSecond: 10,
		Burst:             20,
		WaitOnLimit:       true,
	}
}

// ErrRateLimited is returned when an attempt is rejected by the rate limiter.
var ErrRateLimited = errors.New("httpclient: rate limit exceeded")

type rateLimitTransport struct {
	next    http.RoundTripper
	limiter *rate.Limiter
	wait    bool
	cfg     *internalConfig
}

func newRateLimitTransport(next http.RoundTripper, cfg *internalConfig) http.RoundTripper {
	if cfg.RateLimit == nil || cfg.RateLimit.RequestsPerSecond <= 0 {
		return next
	}

	burst := cfg.RateLimit.Burst
	if burst <= 0 {
		burst = 1
	}

	return &rateLimitTransport{
		next:    next,
		limiter: rate.NewLimiter(rate.Limit(cfg.RateLimit.RequestsPerSecond), burst),
		wait:    cfg.RateLimit.WaitOnLimit,
		cfg:     cfg,
	}
}

// RoundTrip implements http.RoundTripper.
func (t *rateLimitTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	ctx := req.Context()

	if t.wait {
		if err := t.limiter.Wait(ctx); err != nil {
			if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
				return nil, err
			}
			if cause := context.Cause(ctx); cause != nil {
				return nil, cause
			}
			t.cfg.Metrics.recordRateLimited(ctx, t.cfg.baseAttributes())
			return nil, ErrRateLimited
		}
	} else if !t.limiter.Allow() {
		t.cfg.Metrics.recordRateLimited(ctx, t.cfg.baseAttributes())
		return nil, ErrRateLimited
	}

	return t.next.RoundTrip(req)
}
