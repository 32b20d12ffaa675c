package httpclient

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"
)

// RetryPluginID identifies the built-in retry plugin.
const RetryPluginID = "retry"

// Retry plugin defaults.
const (
	DefaultRetryInitialDelay    = 500 * time.Millisecond
	DefaultRetryDelayMultiplier = 2.0
	DefaultRetryMaxDelay        = 5 * time.Minute
)

// DefaultRetryStatusCodes are the response codes retried when
// PluginConfig.RetryStatusCodes is empty.
var DefaultRetryStatusCodes = []int{
	http.StatusTooManyRequests,
	http.StatusInternalServerError,
	http.StatusNotImplemented,
	http.StatusBadGateway,
	http.StatusServiceUnavailable,
	http.StatusGatewayTimeout,
}

const stashBackOff = "backoff"

// retryPlugin retries responses with a configured status code, and
// transport errors RetryableError (or transientError when transientOnly is
// set) accepts, with exponential backoff. Each request carries its own
// backoff in the plugin stash, so delays grow per request rather than per
// client.
type retryPlugin struct {
	BasePlugin

	statusCodes   map[int]bool
	initial       time.Duration
	multiplier    float64
	maxDelay      time.Duration
	retryErrors   bool
	transientOnly bool
	logger        zerolog.Logger
}

var (
	_ ResponseHook = (*retryPlugin)(nil)
	_ ErrorHook    = (*retryPlugin)(nil)
)

func newRetryPlugin(_ *http.Client, cfg PluginConfig) (Plugin, error) {
	codes := cfg.RetryStatusCodes
	if len(codes) == 0 {
		codes = DefaultRetryStatusCodes
	}

	p := &retryPlugin{
		statusCodes:   make(map[int]bool, len(codes)),
		initial:       cfg.RetryInitialDelay,
		multiplier:    cfg.RetryDelayMultiplier,
		maxDelay:      cfg.RetryMaxDelay,
		retryErrors:   cfg.RetryErrors == nil || *cfg.RetryErrors,
		transientOnly: cfg.RetryTransientOnly,
		logger:        cfg.Logger.With().Str("plugin", RetryPluginID).Logger(),
	}
	for _, c := range codes {
		p.statusCodes[c] = true
	}
	if p.initial <= 0 {
		p.initial = DefaultRetryInitialDelay
	}
	if p.multiplier < 1 {
		p.multiplier = DefaultRetryDelayMultiplier
	}
	if p.maxDelay <= 0 {
		p.maxDelay = DefaultRetryMaxDelay
	}
	if p.maxDelay < p.initial {
		p.maxDelay = p.initial
	}

	p.Init(RetryPluginID, cfg.Clock, cfg.Logger)
	return p, nil
}

// OnResponse implements ResponseHook.
func (p *retryPlugin) OnResponse(_ context.Context, state *State, resp *http.Response) error {
	if !p.statusCodes[resp.StatusCode] {
		return nil
	}
	p.schedule(state, retryAfter(resp))
	return nil
}

// OnError implements ErrorHook.
func (p *retryPlugin) OnError(_ context.Context, state *State, err error) error {
	if !p.retryErrors {
		return nil
	}
	retryable := RetryableError
	if p.transientOnly {
		retryable = transientError
	}
	if !retryable(err) {
		return nil
	}
	p.logger.Debug().Err(err).
		Str("request_id", state.RequestID).
		Msg("transport error, retrying")
	p.schedule(state, 0)
	return nil
}

// schedule requests another attempt after the request's next backoff
// interval, or after floor if the server asked for longer.
func (p *retryPlugin) schedule(state *State, floor time.Duration) {
	b, ok := state.Stash[stashBackOff].(*backoff.ExponentialBackOff)
	if !ok {
		b = &backoff.ExponentialBackOff{
			InitialInterval:     p.initial,
			RandomizationFactor: 0,
			Multiplier:          p.multiplier,
			MaxInterval:         p.maxDelay,
		}
		b.Reset()
		state.Stash[stashBackOff] = b
	}

	delay := max(b.NextBackOff(), min(floor, p.maxDelay))
	state.Retry = true
	if delay > state.RetryDelay {
		state.RetryDelay = delay
	}
}

// retryAfter parses a Retry-After header given in seconds.
func retryAfter(resp *http.Response) time.Duration {
	v := resp.Header.Get("Retry-After")
	if v == "" {
		return 0
	}
	secs, err := strconv.Atoi(v)
	if err != nil || secs <= 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}
