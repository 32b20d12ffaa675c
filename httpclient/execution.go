package httpclient

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// readChunkSize is the buffer size used to slice a response body into
// EventData chunks.
const readChunkSize = 32 * 1024

var (
	errNotStreaming = errors.New("httpclient: request body is not streamed")
	errEmptyAbort   = errors.New("httpclient: plugin aborted without an outcome")
)

// execution drives one logical request through its attempts. All of its
// methods except abort run on a single goroutine.
type execution struct {
	client *Client
	rc     *requestContext
	stream *Stream
	relay  *EventRelay
	cb     Callback

	// ctx carries the request span. sendCtx is derived from it, is
	// cancelled by Stream.Abort and is what hooks and the transport receive.
	ctx     context.Context
	sendCtx context.Context
	cancel  context.CancelCauseFunc

	url    *url.URL
	body   []byte
	replay *replayBody

	span   trace.Span
	start  time.Time
	attrs  []attribute.KeyValue
	logger zerolog.Logger
	done   bool
}

func (c *Client) newExecution(ctx context.Context, opts RequestOptions, cb Callback) *execution {
	rc := newRequestContext(opts, c.config.MaxAttempt)
	rc.options.Header = opts.Header.Clone()
	if rc.options.Header == nil {
		rc.options.Header = make(http.Header)
	}
	if rc.options.Method == "" {
		rc.options.Method = http.MethodGet
	}

	logger := c.logger.With().
		Str("request_id", rc.id).
		Str("method", rc.options.Method).
		Logger()

	attrs := append(c.config.baseAttributes(), attribute.String("http.request.method", rc.options.Method))
	ctx, span := c.config.Tracer.Start(ctx, "couchrelay "+rc.options.Method,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attrs...),
		trace.WithAttributes(attribute.String("couchrelay.request_id", rc.id)),
	)
	sendCtx, cancel := context.WithCancelCause(ctx)

	stream := newStream(logger)
	e := &execution{
		client:  c,
		rc:      rc,
		stream:  stream,
		relay:   NewEventRelay(stream.events),
		cb:      cb,
		ctx:     ctx,
		sendCtx: sendCtx,
		cancel:  cancel,
		span:    span,
		start:   time.Now(),
		attrs:   attrs,
		logger:  logger,
	}
	stream.abort = e.abort

	if !opts.Streaming {
		_ = stream.bodyR.CloseWithError(errNotStreaming)
	}
	return e
}

// abort is Stream.Abort. It may be called from any goroutine, including
// event listeners running on the execution goroutine.
func (e *execution) abort() {
	if e.rc.aborted.CompareAndSwap(false, true) {
		e.logger.Debug().Msg("abort requested")
		e.cancel(ErrAborted)
	}
}

func (e *execution) prepare() error {
	u, err := resolveURL(e.client.serverURL, e.rc.options.URL, e.rc.options.Query)
	if err != nil {
		return err
	}
	e.url = u
	e.span.SetAttributes(attribute.String("url.full", u.String()))
	e.logger = e.logger.With().Str("url", u.String()).Logger()

	switch {
	case e.rc.options.Streaming:
		e.replay = newReplayBody(e.stream.bodyR, e.logger)
	case e.rc.options.BodyReader != nil:
		e.replay = newReplayBody(e.rc.options.BodyReader, e.logger)
	default:
		body, err := encodeBody(&e.rc.options)
		if err != nil {
			return err
		}
		e.body = body
	}
	return nil
}

func (e *execution) run() {
	defer e.cancel(nil)

	e.client.config.Metrics.recordActiveRequestStart(e.ctx, e.attrs)

	if err := e.prepare(); err != nil {
		e.fail(err)
		return
	}

	plugins := e.client.plugins
	for {
		attempt := e.rc.newAttempt()
		log := e.logger.With().Int("attempt", attempt).Logger()

		if delay := e.rc.state.RetryDelay; delay > 0 {
			log.Debug().Dur("delay", delay).Msg("waiting before attempt")
			if err := e.wait(delay); err != nil {
				e.fail(err)
				return
			}
			e.rc.state.RetryDelay = 0
		}

		e.client.config.Metrics.recordAttempt(e.ctx, e.attrs)
		e.span.AddEvent("attempt", trace.WithAttributes(attribute.Int("attempt", attempt)))

		req, err := e.newRequest()
		if err != nil {
			e.fail(err)
			return
		}

		if runHooks(e.sendCtx, plugins, phaseRequest, e.rc, hookPayload{req: req}, log) {
			e.finishWith(phaseRequest, e.rc.state.AbortWithResponse)
			return
		}
		if e.rc.aborted.Load() {
			e.finishAborted(nil)
			return
		}
		if e.retryScheduled(attempt, log) {
			continue
		}

		src := NewEmitter()
		e.relay.Clear()
		e.relay.SetSource(src)
		e.rc.state.Sending = true
		src.Emit(Event{Type: EventRequest, Request: req})

		logRequest(log, req)
		sent := time.Now()
		resp, err := e.client.httpClient.Do(req)
		if err != nil {
			if e.rc.aborted.Load() {
				e.finishAborted(nil)
				return
			}
			log.Debug().Err(err).Msg("attempt failed")

			if runHooks(e.sendCtx, plugins, phaseError, e.rc, hookPayload{err: err}, log) {
				e.finishWith(phaseError, e.rc.state.AbortWithResponse)
				return
			}
			if e.retryScheduled(attempt, log) {
				continue
			}
			e.fail(err)
			return
		}
		logResponse(log, resp, time.Since(sent))

		src.Emit(Event{Type: EventResponse, Response: resp})

		if runHooks(e.sendCtx, plugins, phaseResponse, e.rc, hookPayload{resp: resp}, log) {
			drainBody(resp)
			e.finishWith(phaseResponse, e.rc.state.AbortWithResponse)
			return
		}
		if e.rc.aborted.Load() {
			drainBody(resp)
			e.finishAborted(nil)
			return
		}
		if e.retryScheduled(attempt, log) {
			drainBody(resp)
			continue
		}

		e.finishResponse(resp, src)
		return
	}
}

// wait blocks for delay, returning early on abort or when the caller's
// context ends.
func (e *execution) wait(delay time.Duration) error {
	timer := e.client.config.Clock.NewTimer(delay, "execution", "delay")
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-e.sendCtx.Done():
		if e.rc.aborted.Load() {
			return ErrAborted
		}
		return e.ctx.Err()
	}
}

// newRequest builds a fresh request for the current attempt from the
// original options.
func (e *execution) newRequest() (*http.Request, error) {
	var body io.Reader
	switch {
	case e.replay != nil:
		body = e.replay.reader()
	case len(e.body) > 0:
		body = bytes.NewReader(e.body)
	}

	req, err := http.NewRequestWithContext(e.sendCtx, e.rc.options.Method, e.url.String(), body)
	if err != nil {
		return nil, err
	}
	req.Header = e.rc.options.Header.Clone()
	return req, nil
}

// retryScheduled reports whether the hooks asked for another attempt and
// one is still allowed. An exhausted request keeps going with Retry cleared.
func (e *execution) retryScheduled(attempt int, log zerolog.Logger) bool {
	if !e.rc.state.Retry {
		return false
	}

	if attempt >= e.rc.state.MaxAttempt {
		e.rc.state.Retry = false
		e.client.config.Metrics.recordRetryExhausted(e.ctx, e.attrs)
		log.Debug().Int("max_attempt", e.rc.state.MaxAttempt).Msg("retry requested but attempts exhausted")
		return false
	}

	e.client.config.Metrics.recordRetryAttempt(e.ctx, e.attrs, attempt)
	e.span.AddEvent("retry", trace.WithAttributes(
		attribute.Int("attempt", attempt),
		attribute.Int64("delay_ms", e.rc.state.RetryDelay.Milliseconds()),
	))
	log.Debug().Dur("delay", e.rc.state.RetryDelay).Msg("retrying request")
	return true
}

// finishResponse releases the buffered events of the final attempt and
// streams the body.
func (e *execution) finishResponse(resp *http.Response, src *Emitter) {
	e.relay.Resume()
	e.stream.connectPipes()

	var collected *bytes.Buffer
	if e.cb != nil {
		collected = new(bytes.Buffer)
	}

	buf := make([]byte, readChunkSize)
	for {
		// Listeners may abort while data is flowing.
		if e.rc.aborted.Load() {
			drainBody(resp)
			e.emitAbort(src)
			return
		}

		n, err := resp.Body.Read(buf)
		if n > 0 {
			chunk := bytes.Clone(buf[:n])
			if collected != nil {
				collected.Write(chunk)
			}
			src.Emit(Event{Type: EventData, Data: chunk})
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			_ = resp.Body.Close()
			if e.rc.aborted.Load() {
				e.emitAbort(src)
				return
			}
			src.Emit(Event{Type: EventError, Err: err})
			e.terminate(resp, nil, err)
			return
		}
	}
	_ = resp.Body.Close()

	src.Emit(Event{Type: EventEnd})

	var body []byte
	if collected != nil {
		body = collected.Bytes()
	}
	e.terminate(resp, body, nil)
}

// finishWith delivers a plugin's substitute outcome in place of the
// attempt's own.
func (e *execution) finishWith(phase hookPhase, outcome *Outcome) {
	e.client.config.Metrics.recordHookAbort(e.ctx, phase.String(), e.attrs)

	out := Outcome{Err: errEmptyAbort}
	if outcome != nil && (outcome.Err != nil || outcome.Response != nil) {
		out = *outcome
	}

	src := NewEmitter()
	e.relay.Clear()
	e.relay.SetSource(src)
	e.relay.Resume()

	if out.Err != nil {
		src.Emit(Event{Type: EventError, Err: out.Err})
		e.terminate(nil, nil, out.Err)
		return
	}

	src.Emit(Event{Type: EventResponse, Response: out.Response})
	e.stream.connectPipes()
	if len(out.Body) > 0 {
		src.Emit(Event{Type: EventData, Data: out.Body})
	}
	src.Emit(Event{Type: EventEnd})
	e.terminate(out.Response, out.Body, nil)
}

// finishAborted ends a request aborted outside of body streaming.
func (e *execution) finishAborted(src *Emitter) {
	e.relay.Resume()
	e.emitAbort(src)
}

func (e *execution) emitAbort(src *Emitter) {
	ev := Event{Type: EventAbort, Err: ErrAborted}
	if src != nil {
		src.Emit(ev)
	} else {
		e.stream.events.Emit(ev)
	}
	e.terminate(nil, nil, ErrAborted)
}

// fail ends the request with err.
func (e *execution) fail(err error) {
	if errors.Is(err, ErrAborted) || e.rc.aborted.Load() {
		e.finishAborted(nil)
		return
	}
	e.relay.Resume()
	e.stream.events.Emit(Event{Type: EventError, Err: err})
	e.terminate(nil, nil, err)
}

// terminate records the outcome, calls the callback and completes the
// stream. Only the first call has an effect.
func (e *execution) terminate(resp *http.Response, body []byte, err error) {
	if e.done {
		return
	}
	e.done = true

	retries := e.rc.state.Attempt - 1
	if retries < 0 {
		retries = 0
	}
	e.span.SetAttributes(attribute.Int("http.retry_count", retries))

	attrs := e.attrs
	if err != nil {
		errorType := classifyError(err)
		setSpanError(e.span, err, errorType)
		e.client.config.Metrics.recordError(e.ctx, errorType, e.attrs)
		attrs = append(attrs[:len(attrs):len(attrs)], attribute.String("error.type", errorType))
		e.logger.Debug().Err(err).Int("attempts", e.rc.state.Attempt).Msg("request failed")
	} else {
		setSpanResponse(e.span, resp)
		attrs = append(attrs[:len(attrs):len(attrs)], attribute.Int("http.response.status_code", resp.StatusCode))
		e.logger.Debug().Int("status", resp.StatusCode).Int("attempts", e.rc.state.Attempt).Msg("request finished")
	}
	e.client.config.Metrics.recordRequestDuration(e.ctx, time.Since(e.start), attrs)
	e.client.config.Metrics.recordActiveRequestEnd(e.ctx, e.attrs)
	e.span.End()

	if e.cb != nil {
		e.invokeCallback(err, resp, body)
	}
	e.stream.finish(resp, err)
}

func (e *execution) invokeCallback(err error, resp *http.Response, body []byte) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error().Interface("panic", r).Msg("request callback panicked")
		}
	}()
	e.cb(err, resp, body)
}

// drainBody discards the rest of a response body so the connection can be
// reused, then closes it.
func drainBody(resp *http.Response) {
	if resp == nil || resp.Body == nil {
		return
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))
	_ = resp.Body.Close()
}
