package httpclient

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"

	"github.com/kroma-labs/couchrelay/tokenmanager"
)

// Identifiers of the built-in session plugins.
const (
	CookieAuthPluginID = "cookieauth"
	IAMAuthPluginID    = "iamauth"
)

// DefaultLockTimeout bounds the wait for a session plugin's renewal lock.
const DefaultLockTimeout = 30 * time.Second

// sessionPlugin authenticates requests with a session cookie. Before every
// attempt it renews the session if the manager asks for it, then adds the
// jar's cookies; a 401 forces a renewal and a retry.
type sessionPlugin struct {
	BasePlugin

	manager      *tokenmanager.Manager
	jar          *tokenmanager.Jar
	lockTimeout  time.Duration
	retryInitial time.Duration
	retryMax     time.Duration
	logger       zerolog.Logger
}

var (
	_ RequestHook  = (*sessionPlugin)(nil)
	_ ResponseHook = (*sessionPlugin)(nil)
	_ Closer       = (*sessionPlugin)(nil)
)

// newCookieAuthPlugin authenticates with the account's username and
// password. Without credentials the plugin disables itself, or fails when
// ErrorOnNoCreds is set.
func newCookieAuthPlugin(client *http.Client, cfg PluginConfig) (Plugin, error) {
	if cfg.Username == "" || cfg.Password == "" {
		if cfg.ErrorOnNoCreds {
			return nil, fmt.Errorf("%s: %w", CookieAuthPluginID, ErrNoCredentials)
		}
		return disabledSessionPlugin(CookieAuthPluginID, cfg), nil
	}

	jar := tokenmanager.NewJar(cfg.Clock)
	src, err := tokenmanager.NewCookieSource(client, jar, cfg.ServerURL, cfg.Username, cfg.Password)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", CookieAuthPluginID, err)
	}
	return newSessionPlugin(CookieAuthPluginID, cfg, src, jar), nil
}

// newIAMAuthPlugin authenticates with an IAM API key.
func newIAMAuthPlugin(client *http.Client, cfg PluginConfig) (Plugin, error) {
	if cfg.IAMAPIKey == "" {
		return nil, fmt.Errorf("%s: %w", IAMAuthPluginID, ErrNoCredentials)
	}

	jar := tokenmanager.NewJar(cfg.Clock)
	src, err := tokenmanager.NewIAMSource(client, jar, tokenmanager.IAMConfig{
		ServerURL:    cfg.ServerURL,
		APIKey:       cfg.IAMAPIKey,
		TokenURL:     cfg.IAMTokenURL,
		ClientID:     cfg.IAMClientID,
		ClientSecret: cfg.IAMClientSecret,
		Cache:        cfg.TokenCache,
		Logger:       cfg.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", IAMAuthPluginID, err)
	}
	return newSessionPlugin(IAMAuthPluginID, cfg, src, jar), nil
}

func newSessionPlugin(
	id string,
	cfg PluginConfig,
	src tokenmanager.TokenSource,
	jar *tokenmanager.Jar,
) *sessionPlugin {
	logger := cfg.Logger.With().Str("plugin", id).Logger()
	m := cfg.metrics

	p := &sessionPlugin{
		jar:          jar,
		lockTimeout:  cfg.LockTimeout,
		retryInitial: cfg.RetryInitialDelay,
		retryMax:     cfg.RetryMaxDelay,
		logger:       logger,
	}
	if p.lockTimeout <= 0 {
		p.lockTimeout = DefaultLockTimeout
	}
	if p.retryInitial <= 0 {
		p.retryInitial = DefaultRetryInitialDelay
	}
	if p.retryMax <= 0 {
		p.retryMax = DefaultRetryMaxDelay
	}
	p.retryMax = max(p.retryMax, p.retryInitial)
	p.manager = tokenmanager.New(src,
		tokenmanager.WithClock(cfg.Clock),
		tokenmanager.WithLogger(logger),
		tokenmanager.WithAutoRenew(cfg.AutoRenew),
		tokenmanager.WithRenewalHook(func(err error) {
			m.recordRenewal(context.Background(), id, err)
		}),
	)
	p.Init(id, cfg.Clock, logger)
	return p
}

func disabledSessionPlugin(id string, cfg PluginConfig) *sessionPlugin {
	p := &sessionPlugin{logger: cfg.Logger}
	p.Init(id, cfg.Clock, cfg.Logger)
	p.Disable()
	cfg.Logger.Debug().Str("plugin", id).Msg("no credentials, plugin disabled")
	return p
}

// OnRequest implements RequestHook. A renewal that failed for a transient
// reason asks for another attempt while the budget allows; otherwise the
// request ends with the renewal error.
func (p *sessionPlugin) OnRequest(ctx context.Context, state *State, req *http.Request) error {
	err := p.WithLock(ctx, p.lockTimeout, func() error {
		return p.manager.RenewIfRequired(ctx)
	})
	if err == nil {
		p.jar.Apply(req)
		return nil
	}
	if ctx.Err() != nil {
		// Aborted or cancelled; the engine ends the request.
		return nil
	}

	log := p.logger.Warn().Err(err).Str("request_id", state.RequestID).Int("attempt", state.Attempt)
	if state.Attempt < state.MaxAttempt && transientRenewalError(err) {
		delay := p.renewalDelay(state)
		log.Dur("delay", delay).Msg("session unavailable, retrying")
		state.Retry = true
		if delay > state.RetryDelay {
			state.RetryDelay = delay
		}
		return nil
	}

	log.Msg("session unavailable")
	state.AbortWithResponse = &Outcome{Err: err}
	return nil
}

// renewalDelay returns the next backoff interval for this request's
// renewal retries.
func (p *sessionPlugin) renewalDelay(state *State) time.Duration {
	b, ok := state.Stash[stashBackOff].(*backoff.ExponentialBackOff)
	if !ok {
		b = &backoff.ExponentialBackOff{
			InitialInterval:     p.retryInitial,
			RandomizationFactor: 0,
			Multiplier:          DefaultRetryDelayMultiplier,
			MaxInterval:         p.retryMax,
		}
		b.Reset()
		state.Stash[stashBackOff] = b
	}
	return b.NextBackOff()
}

// transientRenewalError reports whether a failed renewal may succeed when
// tried again. Rejected credentials are final.
func transientRenewalError(err error) bool {
	if errors.Is(err, ErrLockTimeout) {
		return true
	}
	var se *tokenmanager.StatusError
	if errors.As(err, &se) {
		return se.StatusCode == http.StatusTooManyRequests || se.StatusCode >= http.StatusInternalServerError
	}
	return RetryableError(err)
}

// OnResponse implements ResponseHook.
func (p *sessionPlugin) OnResponse(_ context.Context, state *State, resp *http.Response) error {
	if resp.StatusCode != http.StatusUnauthorized {
		return nil
	}

	p.logger.Debug().Str("request_id", state.RequestID).Int("attempt", state.Attempt).
		Msg("unauthorized, renewing session")
	p.manager.SetAttemptTokenRenewal(true)
	state.Retry = true
	return nil
}

// Manager exposes the plugin's session manager.
func (p *sessionPlugin) Manager() *tokenmanager.Manager {
	return p.manager
}

// Close implements Closer.
func (p *sessionPlugin) Close() error {
	if p.manager != nil {
		p.manager.Stop()
	}
	return nil
}
