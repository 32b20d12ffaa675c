package httpclient

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"sync"

	"github.com/rs/zerolog"
)

// ErrAborted is the terminal error of a request cancelled with Stream.Abort.
var ErrAborted = errors.New("httpclient: request aborted")

// Stream is returned synchronously by Client.Request, before any network
// I/O exists. It is both the destination for a streamed request body and
// the source of the eventual response body.
//
// Writable side: Write, ReadFrom and CloseWrite feed the request body when
// RequestOptions.Streaming is set.
//
// Readable side: Read, Pipe and On. Response data only flows once the
// request has completed an attempt that is not retried, so readers and
// listeners attached early never miss data and never see data from a
// discarded attempt.
//
// Bytes are buffered for Read until the caller commits to another consumer:
// a Pipe destination or an EventData listener registered before the first
// Read switches buffering off, so a long feed consumed that way does not
// accumulate in memory. A later Read only sees bytes delivered after it.
type Stream struct {
	events *Emitter

	bodyR *io.PipeReader
	bodyW *io.PipeWriter

	readMu   sync.Mutex
	readCond *sync.Cond
	readBuf  bytes.Buffer
	readDone bool
	readErr  error
	readMode readMode

	pipeMu    sync.Mutex
	pipes     []io.Writer
	connected bool

	abort func()

	done     chan struct{}
	doneOnce sync.Once
	resp     *http.Response
	err      error

	logger zerolog.Logger
}

type readMode int

const (
	// readUndecided buffers until the caller picks a consumer.
	readUndecided readMode = iota
	readActive
	readDetached
)

func newStream(logger zerolog.Logger) *Stream {
	s := &Stream{
		events: NewEmitter(),
		done:   make(chan struct{}),
		logger: logger,
	}
	s.readCond = sync.NewCond(&s.readMu)
	s.bodyR, s.bodyW = io.Pipe()

	s.events.On(EventData, func(ev Event) { s.deliver(ev.Data) })
	s.events.On(EventEnd, func(Event) { s.closeRead(nil) })
	s.events.On(EventError, func(ev Event) { s.closeRead(ev.Err) })
	s.events.On(EventAbort, func(Event) { s.closeRead(ErrAborted) })
	return s
}

// On registers a listener for events of type t.
func (s *Stream) On(t EventType, l Listener) *Stream {
	if t == EventData {
		s.detachRead()
	}
	s.events.On(t, l)
	return s
}

// Write appends p to the streamed request body.
func (s *Stream) Write(p []byte) (int, error) {
	return s.bodyW.Write(p)
}

// ReadFrom copies r into the streamed request body until EOF, then closes
// the writable side.
func (s *Stream) ReadFrom(r io.Reader) (int64, error) {
	s.events.Emit(Event{Type: EventPipe})
	n, err := io.Copy(s.bodyW, r)
	if err != nil {
		_ = s.bodyW.CloseWithError(err)
		return n, err
	}
	return n, s.bodyW.Close()
}

// CloseWrite marks the end of the streamed request body.
func (s *Stream) CloseWrite() error {
	return s.bodyW.Close()
}

// Read reads response body bytes. It blocks until data arrives or the
// request ends; a failed or aborted request surfaces its error after the
// buffered bytes are consumed.
func (s *Stream) Read(p []byte) (int, error) {
	s.readMu.Lock()
	defer s.readMu.Unlock()

	s.readMode = readActive
	for s.readBuf.Len() == 0 && !s.readDone {
		s.readCond.Wait()
	}
	if s.readBuf.Len() > 0 {
		return s.readBuf.Read(p)
	}
	if s.readErr != nil {
		return 0, s.readErr
	}
	return 0, io.EOF
}

// Pipe forwards response body bytes to dst. Destinations registered before
// the response exists are queued in order and connected when it does.
// dst is not closed at the end of the body.
func (s *Stream) Pipe(dst io.Writer) *Stream {
	s.detachRead()
	s.pipeMu.Lock()
	s.pipes = append(s.pipes, dst)
	s.pipeMu.Unlock()
	return s
}

// Abort cancels the request. Before the transport call it stops the request
// from being sent; afterwards it cancels the in-flight call and emits
// EventAbort. Either way the terminal error is ErrAborted.
func (s *Stream) Abort() {
	if s.abort != nil {
		s.abort()
	}
}

// Done is closed once the request reached its terminal outcome.
func (s *Stream) Done() <-chan struct{} {
	return s.done
}

// Wait blocks until the terminal outcome and returns the response (nil on
// error) and the terminal error.
func (s *Stream) Wait(ctx context.Context) (*http.Response, error) {
	select {
	case <-s.done:
		return s.resp, s.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// connectPipes marks the readable side live. Queued pipe destinations start
// receiving data from here on.
func (s *Stream) connectPipes() {
	s.pipeMu.Lock()
	s.connected = true
	n := len(s.pipes)
	s.pipeMu.Unlock()

	if n > 0 {
		s.logger.Debug().Int("pipes", n).Msg("connected queued pipe destinations")
	}
}

func (s *Stream) deliver(chunk []byte) {
	if len(chunk) == 0 {
		return
	}

	s.readMu.Lock()
	if s.readMode != readDetached {
		s.readBuf.Write(chunk)
		s.readCond.Broadcast()
	}
	s.readMu.Unlock()

	s.pipeMu.Lock()
	defer s.pipeMu.Unlock()

	if !s.connected {
		return
	}

	live := s.pipes[:0]
	for _, dst := range s.pipes {
		if _, err := dst.Write(chunk); err != nil {
			s.logger.Warn().Err(err).Msg("pipe destination failed, detaching")
			continue
		}
		live = append(live, dst)
	}
	s.pipes = live
}

// detachRead stops buffering for Read unless a reader already started.
func (s *Stream) detachRead() {
	s.readMu.Lock()
	if s.readMode == readUndecided {
		s.readMode = readDetached
		s.readBuf.Reset()
	}
	s.readMu.Unlock()
}

func (s *Stream) closeRead(err error) {
	s.readMu.Lock()
	if !s.readDone {
		s.readDone = true
		s.readErr = err
	}
	s.readCond.Broadcast()
	s.readMu.Unlock()
}

// finish records the terminal outcome. Only the first call has an effect.
func (s *Stream) finish(resp *http.Response, err error) bool {
	first := false
	s.doneOnce.Do(func() {
		first = true
		s.resp = resp
		s.err = err
		if err != nil {
			s.closeRead(err)
		}
		_ = s.bodyR.CloseWithError(io.ErrClosedPipe)
		close(s.done)
	})
	return first
}
