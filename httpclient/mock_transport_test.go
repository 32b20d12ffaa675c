package httpclient

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMockTransport(t *testing.T) {
	t.Parallel()

	newReq := func(t *testing.T, body string) *http.Request {
		t.Helper()
		req, err := http.NewRequest(http.MethodPost, "http://db.example.com/db", strings.NewReader(body))
		require.NoError(t, err)
		return req
	}

	t.Run("given a script, then replies are consumed in order", func(t *testing.T) {
		t.Parallel()

		mock := NewMockTransport().
			Respond(http.StatusInternalServerError, "first").
			RespondWithHeader(http.StatusOK, http.Header{"Etag": {`"1-abc"`}}, "second")
		assert.Equal(t, 2, mock.Pending())

		resp, err := mock.RoundTrip(newReq(t, "a"))
		require.NoError(t, err)
		assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)

		resp, err = mock.RoundTrip(newReq(t, "b"))
		require.NoError(t, err)
		body, _ := io.ReadAll(resp.Body)
		assert.Equal(t, "second", string(body))
		assert.Equal(t, `"1-abc"`, resp.Header.Get("Etag"))
		assert.NotNil(t, resp.Request)

		assert.Equal(t, 0, mock.Pending())
		assert.Equal(t, 2, mock.RequestCount())
		assert.Equal(t, [][]byte{[]byte("a"), []byte("b")}, mock.Bodies())
	})

	t.Run("given a scripted failure, then the error is returned", func(t *testing.T) {
		t.Parallel()

		boom := errors.New("boom")
		mock := NewMockTransport().Fail(boom)

		_, err := mock.RoundTrip(newReq(t, ""))
		require.ErrorIs(t, err, boom)
	})

	t.Run("given an exhausted script, then the fallback repeats or an error is returned", func(t *testing.T) {
		t.Parallel()

		mock := NewMockTransport()
		_, err := mock.RoundTrip(newReq(t, ""))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "no reply scripted")

		mock.Always(http.StatusAccepted, "")
		for range 3 {
			resp, err := mock.RoundTrip(newReq(t, ""))
			require.NoError(t, err)
			assert.Equal(t, http.StatusAccepted, resp.StatusCode)
		}
	})

	t.Run("given a cancelled request, then the context error wins", func(t *testing.T) {
		t.Parallel()

		ctx, cancel := context.WithCancel(context.Background())
		mock := NewMockTransport().
			Respond(http.StatusOK, "").
			OnRequest(func(*http.Request) { cancel() })

		_, err := mock.RoundTrip(newReq(t, "").WithContext(ctx))
		require.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, 1, mock.RequestCount())
	})
}
