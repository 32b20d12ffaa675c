package httpclient

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

// hookPhase selects which plugin hook runHooks invokes.
type hookPhase int

const (
	phaseRequest hookPhase = iota
	phaseResponse
	phaseError
)

func (p hookPhase) String() string {
	switch p {
	case phaseRequest:
		return "OnRequest"
	case phaseResponse:
		return "OnResponse"
	case phaseError:
		return "OnError"
	default:
		return "unknown"
	}
}

// HookError reports a plugin hook that returned an error or panicked. It is
// delivered to the caller as the terminal error; the request is not retried.
type HookError struct {
	Plugin string
	Hook   string
	Err    error
}

func (e *HookError) Error() string {
	return fmt.Sprintf("plugin %s %s: %v", e.Plugin, e.Hook, e.Err)
}

func (e *HookError) Unwrap() error { return e.Err }

// hookPayload is the phase-specific argument handed to each hook.
type hookPayload struct {
	req  *http.Request
	resp *http.Response
	err  error
}

// runHooks calls the phase's hook on every enabled plugin, in order, one at a
// time. Each hook sees a copy of the shared state carrying its own stash and
// the mutations of the plugins before it. The copy is merged back:
//
//   - AbortWithResponse wins: it is recorded, Retry is cleared, and no
//     further plugin runs.
//   - Retry is sticky for the phase; later plugins still run.
//   - RetryDelay only grows.
//
// runHooks reports whether the phase ended in an abort.
func runHooks(
	ctx context.Context,
	plugins []Plugin,
	phase hookPhase,
	rc *requestContext,
	payload hookPayload,
	logger zerolog.Logger,
) bool {
	for _, p := range plugins {
		if d, ok := p.(Disableable); ok && d.Disabled() {
			continue
		}

		id := p.ID()
		snapshot := rc.state
		snapshot.Stash = rc.pluginStash(id)

		called, err := invokeHook(ctx, p, phase, &snapshot, payload)
		if !called {
			continue
		}
		rc.setPluginStash(id, snapshot.Stash)

		if err != nil {
			logger.Warn().Err(err).
				Str("plugin", id).
				Str("hook", phase.String()).
				Msg("plugin hook failed, aborting request")
			rc.state.AbortWithResponse = &Outcome{
				Err: &HookError{Plugin: id, Hook: phase.String(), Err: err},
			}
			rc.state.Retry = false
			return true
		}

		if snapshot.AbortWithResponse != nil {
			logger.Debug().Str("plugin", id).Str("hook", phase.String()).Msg("plugin aborted request")
			rc.state.AbortWithResponse = snapshot.AbortWithResponse
			rc.state.Retry = false
			return true
		}

		if snapshot.Retry {
			rc.state.Retry = true
		}

		if delay := snapshot.RetryDelay.Truncate(time.Millisecond); delay > rc.state.RetryDelay {
			rc.state.RetryDelay = delay
		}
	}

	return false
}

// invokeHook calls the plugin's hook for phase, if it has one. A panicking
// hook is reported as an error.
func invokeHook(
	ctx context.Context,
	p Plugin,
	phase hookPhase,
	state *State,
	payload hookPayload,
) (called bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			called = true
			err = fmt.Errorf("panic: %v", r)
		}
	}()

	switch phase {
	case phaseRequest:
		if h, ok := p.(RequestHook); ok {
			return true, h.OnRequest(ctx, state, payload.req)
		}
	case phaseResponse:
		if h, ok := p.(ResponseHook); ok {
			return true, h.OnResponse(ctx, state, payload.resp)
		}
	case phaseError:
		if h, ok := p.(ErrorHook); ok {
			return true, h.OnError(ctx, state, payload.err)
		}
	}
	return false, nil
}
