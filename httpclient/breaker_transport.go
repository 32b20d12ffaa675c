package httpclient

import (
	"context"
	"errors"
	"net/http"

	gobreaker "github.com/sony/gobreaker/v2"
)

// circuitBreaker is the subset of gobreaker's local and distributed
// breakers used by the transport.
type circuitBreaker interface {
	Execute(req func() (*http.Response, error)) (*http.Response, error)
}

type circuitBreakerTransport struct {
	breaker    circuitBreaker
	next       http.RoundTripper
	classifier BreakerClassifier
	cfg        *internalConfig
	name       string
}

// errCountedFailure marks a response the classifier treats as a failure so
// gobreaker counts it. It never reaches the caller.
var errCountedFailure = errors.New("counted failure")

// uncountedError carries a transport error the classifier ignores, such as
// an abort. gobreaker sees it as a success.
type uncountedError struct{ err error }

func (e *uncountedError) Error() string { return e.err.Error() }

func isUncounted(err error) bool {
	var u *uncountedError
	return err == nil || errors.As(err, &u)
}

// RoundTrip implements http.RoundTripper.
func (t *circuitBreakerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	ctx := req.Context()

	resp, err := t.breaker.Execute(func() (*http.Response, error) {
		resp, err := t.next.RoundTrip(req) //nolint:bodyclose // returned to the caller
		switch {
		case t.classifier(resp, err):
			if err == nil {
				err = errCountedFailure
			}
			return resp, err
		case err != nil:
			return nil, &uncountedError{err: err}
		}
		return resp, nil
	})

	var uncounted *uncountedError
	switch {
	case err == nil:
		t.cfg.Metrics.recordBreakerRequest(ctx, t.name, "success")
		return resp, nil
	case errors.As(err, &uncounted):
		t.cfg.Metrics.recordBreakerRequest(ctx, t.name, "ignored")
		return nil, uncounted.err
	case errors.Is(err, errCountedFailure):
		t.cfg.Metrics.recordBreakerRequest(ctx, t.name, "failure")
		return resp, nil
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		t.cfg.Metrics.recordBreakerRequest(ctx, t.name, "rejected")
		return nil, err
	default:
		t.cfg.Metrics.recordBreakerRequest(ctx, t.name, "failure")
		return nil, err
	}
}

func newCircuitBreakerTransport(next http.RoundTripper, cfg *internalConfig) http.RoundTripper {
	if cfg.BreakerConfig == nil {
		return next
	}
	bc := *cfg.BreakerConfig
	if bc.Classifier == nil {
		bc.Classifier = DefaultBreakerClassifier
	}

	name := cfg.ServiceName
	if name == "" {
		name = "couchrelay"
	}

	st := gobreaker.Settings{
		Name:         name,
		MaxRequests:  bc.MaxRequests,
		Interval:     bc.Interval,
		Timeout:      bc.Timeout,
		ReadyToTrip:  bc.readyToTrip,
		IsSuccessful: isUncounted,
		OnStateChange: func(name string, from, to gobreaker.State) {
			cfg.Logger.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("circuit breaker state changed")
			cfg.Metrics.recordBreakerState(context.Background(), name, int64(to))
			if bc.OnStateChange != nil {
				bc.OnStateChange(name, from, to)
			}
		},
	}

	var cb circuitBreaker = gobreaker.NewCircuitBreaker[*http.Response](st)
	if bc.Store != nil {
		dcb, err := gobreaker.NewDistributedCircuitBreaker[*http.Response](bc.Store, st)
		if err != nil {
			// A local breaker still protects this process.
			cfg.Logger.Warn().Err(err).Msg("distributed circuit breaker unavailable, using local breaker")
		} else {
			cb = dcb
		}
	}

	return &circuitBreakerTransport{
		breaker:    cb,
		next:       next,
		classifier: bc.Classifier,
		cfg:        cfg,
		name:       name,
	}
}
