package httpclient

import (
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type failingReader struct {
	data []byte
	err  error
}

func (r *failingReader) Read(p []byte) (int, error) {
	if len(r.data) == 0 {
		return 0, r.err
	}
	n := copy(p, r.data)
	r.data = r.data[n:]
	return n, nil
}

func TestReplayBody(t *testing.T) {
	t.Parallel()

	t.Run("given a fully read first attempt, then retries resend the same bytes", func(t *testing.T) {
		t.Parallel()

		b := newReplayBody(strings.NewReader(`{"docs":[1,2,3]}`), zerolog.Nop())

		first, err := io.ReadAll(b.reader())
		require.NoError(t, err)
		second, err := io.ReadAll(b.reader())
		require.NoError(t, err)
		third, err := io.ReadAll(b.reader())
		require.NoError(t, err)

		assert.Equal(t, `{"docs":[1,2,3]}`, string(first))
		assert.Equal(t, string(first), string(second))
		assert.Equal(t, string(first), string(third))
	})

	t.Run("given a partly read first attempt, then the retry drains the rest", func(t *testing.T) {
		t.Parallel()

		b := newReplayBody(strings.NewReader("abcdefgh"), zerolog.Nop())

		buf := make([]byte, 3)
		first := b.reader()
		n, err := first.Read(buf)
		require.NoError(t, err)
		assert.Equal(t, "abc", string(buf[:n]))

		second, err := io.ReadAll(b.reader())
		require.NoError(t, err)
		assert.Equal(t, "abcdefgh", string(second))

		// The stale first reader is cut off once the source was drained.
		n, err = first.Read(buf)
		assert.Zero(t, n)
		assert.ErrorIs(t, err, io.EOF)
	})

	t.Run("given a failing source, then the retry sends what was read", func(t *testing.T) {
		t.Parallel()

		src := &failingReader{data: []byte("partial"), err: errors.New("client went away")}
		b := newReplayBody(src, zerolog.Nop())

		_, err := io.ReadAll(b.reader())
		require.Error(t, err)

		second, err := io.ReadAll(b.reader())
		require.NoError(t, err)
		assert.Equal(t, "partial", string(second))
	})
}
