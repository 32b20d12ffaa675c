package httpclient

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/quartz"
	"github.com/rs/zerolog"

	"github.com/kroma-labs/couchrelay/tokenmanager"
)

// Plugin is the minimum a plugin implements: a stable identifier, unique
// within a client. Hooks are optional and discovered through the
// RequestHook, ResponseHook and ErrorHook interfaces.
type Plugin interface {
	ID() string
}

// RequestHook runs before each attempt's transport call. The request is a
// fresh clone for this attempt and may be modified in place.
type RequestHook interface {
	OnRequest(ctx context.Context, state *State, req *http.Request) error
}

// ResponseHook runs when an attempt produced a response. The body has not
// been read yet.
type ResponseHook interface {
	OnResponse(ctx context.Context, state *State, resp *http.Response) error
}

// ErrorHook runs when an attempt failed without a response.
type ErrorHook interface {
	OnError(ctx context.Context, state *State, err error) error
}

// Disableable is implemented by plugins that can switch themselves off.
// A disabled plugin's hooks are skipped.
type Disableable interface {
	Disabled() bool
}

// Closer is implemented by plugins owning background work.
type Closer interface {
	Close() error
}

// PluginFactory builds a plugin. client is the raw transport client (no
// plugin pipeline) that plugins may use for side requests such as session
// renewal.
type PluginFactory func(client *http.Client, cfg PluginConfig) (Plugin, error)

// PluginConfig carries every option recognized by the built-in plugins.
// Each plugin reads the fields it understands.
type PluginConfig struct {
	// ServerURL is the database root, e.g. https://account.cloudant.com.
	ServerURL string

	// Username and Password are the account credentials used by cookieauth.
	Username string
	Password string

	// MaxAttempt mirrors the client setting.
	MaxAttempt int

	// RetryStatusCodes are the response codes retried by the retry plugin.
	// Default: 429, 500, 501, 502, 503, 504.
	RetryStatusCodes []int

	// RetryInitialDelay is the first backoff delay. Default: 500ms.
	RetryInitialDelay time.Duration

	// RetryDelayMultiplier grows the delay per attempt. Default: 2.
	RetryDelayMultiplier float64

	// RetryMaxDelay caps the delay. Default: 5m.
	RetryMaxDelay time.Duration

	// RetryErrors enables retries on transport errors. Default: true.
	RetryErrors *bool

	// RetryTransientOnly limits error retries to known transient failures
	// (timeouts, refused or reset connections, EOF, an open breaker or
	// rate limiter). Unknown transport errors are then returned at once.
	RetryTransientOnly bool

	// IAMAPIKey enables the iamauth plugin.
	IAMAPIKey       string
	IAMTokenURL     string
	IAMClientID     string
	IAMClientSecret string

	// AutoRenew keeps sessions fresh in the background.
	AutoRenew bool

	// ErrorOnNoCreds turns missing cookieauth credentials into a
	// configuration error instead of disabling the plugin.
	ErrorOnNoCreds bool

	// TokenCache caches IAM access tokens across clients.
	TokenCache tokenmanager.TokenCache

	// LockTimeout bounds how long an auth plugin waits for its renewal lock.
	// Default: 30s.
	LockTimeout time.Duration

	Clock  quartz.Clock
	Logger zerolog.Logger

	metrics *metrics
}

// PluginSpec selects a plugin for a client. Exactly one of Name, Factory or
// Instance must be set. Config, when non-nil, replaces the client-wide
// plugin configuration for this plugin.
type PluginSpec struct {
	Name     string
	Factory  PluginFactory
	Instance Plugin
	Config   *PluginConfig
}

// Configuration errors, returned by New.
var (
	ErrUnknownPlugin      = errors.New("httpclient: unknown plugin")
	ErrInvalidPluginSpec  = errors.New("httpclient: invalid plugin specification")
	ErrDuplicateTransport = errors.New("httpclient: only one custom transport may be configured")
	ErrNoCredentials      = errors.New("httpclient: credentials required")
)

var (
	registryMu sync.RWMutex
	registry   = map[string]PluginFactory{
		RetryPluginID:      newRetryPlugin,
		CookieAuthPluginID: newCookieAuthPlugin,
		IAMAuthPluginID:    newIAMAuthPlugin,
	}
)

// RegisterPlugin adds a named factory to the static registry so clients can
// refer to it by name. Registering an existing name is an error.
func RegisterPlugin(name string, f PluginFactory) error {
	if name == "" || f == nil {
		return ErrInvalidPluginSpec
	}

	registryMu.Lock()
	defer registryMu.Unlock()

	if _, exists := registry[name]; exists {
		return fmt.Errorf("plugin %q is already registered", name)
	}
	registry[name] = f
	return nil
}

// RegisteredPlugins lists the registry's plugin names in sorted order.
func RegisteredPlugins() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()

	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func lookupPlugin(name string) (PluginFactory, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	f, ok := registry[name]
	return f, ok
}

// buildPlugins resolves specs into plugin instances, dropping later
// duplicates of an already registered identifier.
func buildPlugins(client *http.Client, specs []PluginSpec, base PluginConfig) ([]Plugin, error) {
	var (
		plugins []Plugin
		seen    = make(map[string]bool)
	)

	for i, spec := range specs {
		cfg := base
		if spec.Config != nil {
			cfg = *spec.Config
			if cfg.ServerURL == "" {
				cfg.ServerURL = base.ServerURL
			}
			if cfg.MaxAttempt == 0 {
				cfg.MaxAttempt = base.MaxAttempt
			}
			if cfg.Clock == nil {
				cfg.Clock = base.Clock
			}
			cfg.Logger = base.Logger
			cfg.metrics = base.metrics
		}

		var (
			p   Plugin
			err error
		)
		switch {
		case spec.Instance != nil:
			p = spec.Instance
		case spec.Factory != nil:
			p, err = spec.Factory(client, cfg)
		case spec.Name != "":
			f, ok := lookupPlugin(spec.Name)
			if !ok {
				return nil, fmt.Errorf("%w: %q", ErrUnknownPlugin, spec.Name)
			}
			p, err = f(client, cfg)
		default:
			return nil, fmt.Errorf("%w: entry %d has no name, factory or instance", ErrInvalidPluginSpec, i)
		}
		if err != nil {
			return nil, fmt.Errorf("plugin %d: %w", i, err)
		}
		if p == nil || p.ID() == "" {
			return nil, fmt.Errorf("%w: entry %d produced no identifier", ErrInvalidPluginSpec, i)
		}

		if seen[p.ID()] {
			base.Logger.Debug().Str("plugin", p.ID()).Msg("duplicate plugin ignored")
			if c, ok := p.(Closer); ok && spec.Instance == nil {
				_ = c.Close()
			}
			continue
		}
		seen[p.ID()] = true
		plugins = append(plugins, p)
	}

	return plugins, nil
}

// BasePlugin provides the identifier, self-disable flag and a renewal lock
// shared by the built-in plugins. Embed it in custom plugins to get the same.
type BasePlugin struct {
	id       string
	disabled atomic.Bool
	lock     *Mutex
}

// Init sets the identifier and creates the plugin lock. Call it once from
// the embedding plugin's constructor.
func (p *BasePlugin) Init(id string, clock quartz.Clock, logger zerolog.Logger) {
	p.id = id
	p.lock = NewMutex(clock, logger)
}

// ID implements Plugin.
func (p *BasePlugin) ID() string { return p.id }

// Disabled implements Disableable.
func (p *BasePlugin) Disabled() bool { return p.disabled.Load() }

// Disable switches the plugin off for the rest of the client's lifetime.
func (p *BasePlugin) Disable() { p.disabled.Store(true) }

// WithLock runs fn while holding the plugin's lock, waiting at most ttl or
// until ctx is done.
func (p *BasePlugin) WithLock(ctx context.Context, ttl time.Duration, fn func() error) error {
	if err := p.lock.LockContext(ctx, ttl); err != nil {
		return err
	}
	defer p.lock.Unlock()
	return fn()
}
