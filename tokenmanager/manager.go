// Package tokenmanager keeps a database session alive for the auth plugins.
//
// A Manager owns one renewable session. Renewals are single-flight: any
// number of concurrent callers share one in-flight renewal and its outcome.
// The session itself is obtained by a TokenSource strategy, CookieSource
// for username/password accounts and IAMSource for IAM API keys, which
// stores the session cookie in the Manager's Jar.
package tokenmanager

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/quartz"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

const (
	// DefaultMaxAge is assumed when the session cookie carries no Max-Age.
	DefaultMaxAge = 3600 * time.Second

	// RetryAfterFailure is the auto-renewal delay after a failed renewal.
	RetryAfterFailure = 60 * time.Second
)

// Session describes a freshly established session.
type Session struct {
	// MaxAge is the session cookie's advertised lifetime, zero when the
	// server did not send one.
	MaxAge time.Duration
}

// TokenSource obtains a new session.
type TokenSource interface {
	GetToken(ctx context.Context) (Session, error)
}

// Manager renews a session on demand and, optionally, in the background.
type Manager struct {
	source TokenSource
	group  singleflight.Group

	// attempt starts true: the first RenewIfRequired always renews.
	attempt atomic.Bool

	clock     quartz.Clock
	logger    zerolog.Logger
	autoRenew bool
	onRenew   func(error)

	timerMu sync.Mutex
	timer   *quartz.Timer
	stopped bool
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock sets the clock behind auto-renewal timers.
func WithClock(clock quartz.Clock) Option {
	return func(m *Manager) {
		if clock != nil {
			m.clock = clock
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

// WithAutoRenew renews the session at half its max-age after every
// successful renewal.
func WithAutoRenew(enabled bool) Option {
	return func(m *Manager) {
		m.autoRenew = enabled
	}
}

// WithRenewalHook registers fn to observe the outcome of every renewal.
func WithRenewalHook(fn func(err error)) Option {
	return func(m *Manager) {
		m.onRenew = fn
	}
}

// New returns a Manager that renews through source.
func New(source TokenSource, opts ...Option) *Manager {
	m := &Manager{
		source: source,
		clock:  quartz.NewReal(),
		logger: zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.attempt.Store(true)
	return m
}

// AttemptTokenRenewal reports whether the next RenewIfRequired renews.
func (m *Manager) AttemptTokenRenewal() bool {
	return m.attempt.Load()
}

// SetAttemptTokenRenewal forces (true) or cancels (false) a renewal on the
// next RenewIfRequired. Auth plugins set it after a 401.
func (m *Manager) SetAttemptTokenRenewal(v bool) {
	m.attempt.Store(v)
}

// RenewIfRequired renews the session when AttemptTokenRenewal is set and
// returns immediately otherwise.
func (m *Manager) RenewIfRequired(ctx context.Context) error {
	if !m.attempt.Load() {
		return nil
	}
	return m.Renew(ctx)
}

// Renew obtains a new session, joining a renewal already in flight. The
// renewal outlives ctx so that one caller giving up does not fail the
// others; ctx only bounds how long this caller waits.
func (m *Manager) Renew(ctx context.Context) error {
	ch := m.group.DoChan("renew", func() (any, error) {
		return nil, m.renew(context.WithoutCancel(ctx))
	})

	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) renew(ctx context.Context) error {
	m.logger.Debug().Msg("renewing session")

	sess, err := m.source.GetToken(ctx)
	if m.onRenew != nil {
		m.onRenew(err)
	}
	if err != nil {
		m.logger.Warn().Err(err).Msg("session renewal failed")
		return err
	}

	m.attempt.Store(false)

	maxAge := sess.MaxAge
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}
	m.logger.Debug().Dur("max_age", maxAge).Msg("session renewed")

	if m.autoRenew {
		m.schedule(maxAge / 2)
	}
	return nil
}

// schedule arms the auto-renewal timer, replacing any pending one.
func (m *Manager) schedule(d time.Duration) {
	m.timerMu.Lock()
	defer m.timerMu.Unlock()

	if m.stopped {
		return
	}
	if m.timer != nil {
		m.timer.Stop()
	}
	m.timer = m.clock.AfterFunc(d, m.autoRenewTick, "tokenmanager", "autorenew")
}

func (m *Manager) autoRenewTick() {
	if err := m.Renew(context.Background()); err != nil {
		m.logger.Debug().Dur("retry_in", RetryAfterFailure).Msg("auto-renewal failed, rescheduling")
		m.schedule(RetryAfterFailure)
	}
}

// Stop cancels auto-renewal. In-flight renewals complete normally.
func (m *Manager) Stop() {
	m.timerMu.Lock()
	defer m.timerMu.Unlock()

	m.stopped = true
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}
