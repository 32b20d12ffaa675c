package httpclient

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// metrics holds the metric instruments for the request engine.
type metrics struct {
	// === Logical Request Metrics ===

	// requestDuration measures a logical request from Request to its
	// terminal outcome, retries and delays included.
	requestDuration metric.Float64Histogram

	// activeRequests tracks logical requests that have not finished.
	activeRequests metric.Int64UpDownCounter

	// requestErrors counts terminal errors by error type.
	requestErrors metric.Int64Counter

	// === Attempt Metrics ===

	// attemptDuration measures a single transport call in seconds.
	attemptDuration metric.Float64Histogram

	// attempts counts every attempt, including those stopped by hooks.
	attempts metric.Int64Counter

	// retryAttempts counts attempts scheduled because a plugin asked for a retry.
	retryAttempts metric.Int64Counter

	// retryExhausted counts requests whose retry request was dropped because
	// MaxAttempt was reached.
	retryExhausted metric.Int64Counter

	// hookAborts counts requests short-circuited by a plugin.
	hookAborts metric.Int64Counter

	// === Session Metrics ===

	// tokenRenewals counts session renewals by plugin and outcome.
	tokenRenewals metric.Int64Counter

	// === Transport Wrapper Metrics ===

	// breakerRequests counts requests through the circuit breaker by outcome.
	breakerRequests metric.Int64Counter

	// breakerState reports the breaker state (0 closed, 1 half-open, 2 open).
	breakerState metric.Int64Gauge

	// rateLimited counts attempts rejected by the client rate limiter.
	rateLimited metric.Int64Counter
}

// newMetrics creates and registers metric instruments.
func newMetrics(meter metric.Meter) (*metrics, error) {
	m := &metrics{}
	var err error

	m.requestDuration, err = meter.Float64Histogram(
		"couchrelay.client.request.duration",
		metric.WithDescription("Duration of logical requests including retries in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(
			0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120,
		),
	)
	if err != nil {
		return nil, err
	}

	m.activeRequests, err = meter.Int64UpDownCounter(
		"couchrelay.client.active_requests",
		metric.WithDescription("Number of logical requests in progress"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, err
	}

	m.requestErrors, err = meter.Int64Counter(
		"couchrelay.client.request.error",
		metric.WithDescription("Number of requests that ended with an error"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		return nil, err
	}

	// Per-attempt duration follows the OTel HTTP client semconv name.
	m.attemptDuration, err = meter.Float64Histogram(
		"http.client.request.duration",
		metric.WithDescription("Duration of HTTP client requests in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(
			0.005, 0.01, 0.025, 0.05, 0.075, 0.1, 0.25, 0.5, 0.75, 1, 2.5, 5, 7.5, 10,
		),
	)
	if err != nil {
		return nil, err
	}

	m.attempts, err = meter.Int64Counter(
		"couchrelay.client.attempts",
		metric.WithDescription("Number of request attempts"),
		metric.WithUnit("{attempt}"),
	)
	if err != nil {
		return nil, err
	}

	m.retryAttempts, err = meter.Int64Counter(
		"couchrelay.client.retry.attempts",
		metric.WithDescription("Number of retries requested by plugins"),
		metric.WithUnit("{attempt}"),
	)
	if err != nil {
		return nil, err
	}

	m.retryExhausted, err = meter.Int64Counter(
		"couchrelay.client.retry.exhausted",
		metric.WithDescription("Number of requests that exhausted all attempts"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, err
	}

	m.hookAborts, err = meter.Int64Counter(
		"couchrelay.client.hook.aborts",
		metric.WithDescription("Number of requests short-circuited by a plugin"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, err
	}

	m.tokenRenewals, err = meter.Int64Counter(
		"couchrelay.client.session.renewals",
		metric.WithDescription("Number of session renewals"),
		metric.WithUnit("{renewal}"),
	)
	if err != nil {
		return nil, err
	}

	m.breakerRequests, err = meter.Int64Counter(
		"couchrelay.client.breaker.requests",
		metric.WithDescription("Number of requests through the circuit breaker"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, err
	}

	m.breakerState, err = meter.Int64Gauge(
		"couchrelay.client.breaker.state",
		metric.WithDescription("Circuit breaker state: 0 closed, 1 half-open, 2 open"),
	)
	if err != nil {
		return nil, err
	}

	m.rateLimited, err = meter.Int64Counter(
		"couchrelay.client.rate_limited",
		metric.WithDescription("Number of attempts rejected by the rate limiter"),
		metric.WithUnit("{attempt}"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

func (m *metrics) recordRequestDuration(
	ctx context.Context,
	duration time.Duration,
	attrs []attribute.KeyValue,
) {
	if m == nil || m.requestDuration == nil {
		return
	}
	m.requestDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
}

func (m *metrics) recordActiveRequestStart(ctx context.Context, attrs []attribute.KeyValue) {
	if m == nil || m.activeRequests == nil {
		return
	}
	m.activeRequests.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func (m *metrics) recordActiveRequestEnd(ctx context.Context, attrs []attribute.KeyValue) {
	if m == nil || m.activeRequests == nil {
		return
	}
	m.activeRequests.Add(ctx, -1, metric.WithAttributes(attrs...))
}

// recordError records a terminal request error.
func (m *metrics) recordError(ctx context.Context, errorType string, attrs []attribute.KeyValue) {
	if m == nil || m.requestErrors == nil {
		return
	}
	allAttrs := make([]attribute.KeyValue, 0, len(attrs)+1)
	allAttrs = append(allAttrs, attrs...)
	allAttrs = append(allAttrs, attribute.String("error.type", errorType))
	m.requestErrors.Add(ctx, 1, metric.WithAttributes(allAttrs...))
}

func (m *metrics) recordAttemptDuration(
	ctx context.Context,
	duration time.Duration,
	attrs []attribute.KeyValue,
) {
	if m == nil || m.attemptDuration == nil {
		return
	}
	m.attemptDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
}

func (m *metrics) recordAttempt(ctx context.Context, attrs []attribute.KeyValue) {
	if m == nil || m.attempts == nil {
		return
	}
	m.attempts.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// recordRetryAttempt records a retry scheduled after the given attempt.
func (m *metrics) recordRetryAttempt(ctx context.Context, attrs []attribute.KeyValue, attempt int) {
	if m == nil || m.retryAttempts == nil {
		return
	}
	allAttrs := make([]attribute.KeyValue, 0, len(attrs)+1)
	allAttrs = append(allAttrs, attrs...)
	allAttrs = append(allAttrs, attribute.Int("retry.attempt", attempt))
	m.retryAttempts.Add(ctx, 1, metric.WithAttributes(allAttrs...))
}

func (m *metrics) recordRetryExhausted(ctx context.Context, attrs []attribute.KeyValue) {
	if m == nil || m.retryExhausted == nil {
		return
	}
	m.retryExhausted.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func (m *metrics) recordHookAbort(ctx context.Context, phase string, attrs []attribute.KeyValue) {
	if m == nil || m.hookAborts == nil {
		return
	}
	allAttrs := make([]attribute.KeyValue, 0, len(attrs)+1)
	allAttrs = append(allAttrs, attrs...)
	allAttrs = append(allAttrs, attribute.String("hook", phase))
	m.hookAborts.Add(ctx, 1, metric.WithAttributes(allAttrs...))
}

func (m *metrics) recordRenewal(ctx context.Context, plugin string, err error) {
	if m == nil || m.tokenRenewals == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	m.tokenRenewals.Add(ctx, 1, metric.WithAttributes(
		attribute.String("plugin", plugin),
		attribute.String("outcome", outcome),
	))
}

func (m *metrics) recordBreakerRequest(ctx context.Context, name, outcome string) {
	if m == nil || m.breakerRequests == nil {
		return
	}
	m.breakerRequests.Add(ctx, 1, metric.WithAttributes(
		attribute.String("breaker.name", name),
		attribute.String("outcome", outcome),
	))
}

func (m *metrics) recordBreakerState(ctx context.Context, name string, state int64) {
	if m == nil || m.breakerState == nil {
		return
	}
	m.breakerState.Record(ctx, state, metric.WithAttributes(attribute.String("breaker.name", name)))
}

func (m *metrics) recordRateLimited(ctx context.Context, attrs []attribute.KeyValue) {
	if m == nil || m.rateLimited == nil {
		return
	}
	m.rateLimited.Add(ctx, 1, metric.WithAttributes(attrs...))
}
