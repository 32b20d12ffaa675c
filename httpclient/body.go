package httpclient

import (
	"bytes"
	"io"
	"sync"

	"github.com/rs/zerolog"
)

// replayBody captures a streamed request body while the first attempt sends
// it, so that retries can resend the same bytes. A stream can only be read
// once from its source.
type replayBody struct {
	mu      sync.Mutex
	src     io.Reader
	buf     bytes.Buffer
	started bool
	drained bool
	logger  zerolog.Logger
}

func newReplayBody(src io.Reader, logger zerolog.Logger) *replayBody {
	return &replayBody{src: src, logger: logger}
}

// reader returns the body for the next attempt. The first attempt reads
// through to the source, recording what it reads. Later attempts first
// drain whatever the source still holds, then replay the recording. If
// draining fails the recording so far is sent as is.
func (b *replayBody) reader() io.Reader {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.started {
		b.started = true
		return &teeSource{b: b}
	}

	if !b.drained {
		b.drained = true
		if _, err := io.Copy(&b.buf, b.src); err != nil {
			b.logger.Warn().Err(err).
				Int("buffered_bytes", b.buf.Len()).
				Msg("buffering streamed request body failed, resending partial body")
		}
	}

	return bytes.NewReader(b.buf.Bytes())
}

// teeSource reads from the source under the replayBody lock so that a late
// read by a previous attempt's transport cannot race the drain.
type teeSource struct {
	b *replayBody
}

func (t *teeSource) Read(p []byte) (int, error) {
	t.b.mu.Lock()
	defer t.b.mu.Unlock()

	if t.b.drained {
		return 0, io.EOF
	}
	n, err := t.b.src.Read(p)
	if n > 0 {
		t.b.buf.Write(p[:n])
	}
	return n, err
}
