package httpclient

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
	"testing"

	gobreaker "github.com/sony/gobreaker/v2"
	"github.com/stretchr/testify/assert"
)

func TestRetryableError(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "given nil, then not retryable", err: nil},
		{name: "given an abort, then not retryable", err: ErrAborted},
		{name: "given a cancellation, then not retryable", err: fmt.Errorf("get: %w", context.Canceled)},
		{name: "given a deadline, then not retryable", err: context.DeadlineExceeded},
		{name: "given an open breaker, then retryable", err: gobreaker.ErrOpenState, want: true},
		{name: "given too many half-open probes, then retryable", err: gobreaker.ErrTooManyRequests, want: true},
		{name: "given a rate limit, then retryable", err: ErrRateLimited, want: true},
		{name: "given a reset, then retryable", err: syscall.ECONNRESET, want: true},
		{name: "given an unknown error, then retryable", err: errors.New("weird"), want: true},
		{name: "given NXDOMAIN, then not retryable", err: &net.DNSError{Err: "no such host", IsNotFound: true}},
		{name: "given permission denied, then not retryable", err: syscall.EACCES},
		{name: "given a certificate message, then not retryable", err: errors.New("x509: certificate signed by unknown authority")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, RetryableError(tt.err))
		})
	}
}

func TestIsRetryableNetworkError(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "given nil, then false", err: nil},
		{name: "given a timeout, then true", err: &netError{msg: "i/o", timeout: true}, want: true},
		{name: "given a temporary DNS failure, then true", err: &net.DNSError{IsTemporary: true}, want: true},
		{name: "given a permanent DNS failure, then false", err: &net.DNSError{IsNotFound: true}},
		{name: "given ECONNREFUSED, then true", err: syscall.ECONNREFUSED, want: true},
		{name: "given EOF, then true", err: io.EOF, want: true},
		{name: "given a broken pipe message, then true", err: errors.New("write: broken pipe"), want: true},
		{name: "given an unrelated error, then false", err: errors.New("bad request")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, isRetryableNetworkError(tt.err))
		})
	}
}

func TestTransientError(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "given an unknown error, then not transient", err: errors.New("weird")},
		{name: "given an abort, then not transient", err: ErrAborted},
		{name: "given a timed-out context, then not transient", err: context.DeadlineExceeded},
		{name: "given a certificate failure mentioning EOF, then not transient", err: errors.New("tls: handshake failure: EOF")},
		{name: "given an open breaker, then transient", err: gobreaker.ErrOpenState, want: true},
		{name: "given a rate limit, then transient", err: fmt.Errorf("send: %w", ErrRateLimited), want: true},
		{name: "given a reset connection, then transient", err: syscall.ECONNRESET, want: true},
		{name: "given a network timeout, then transient", err: &netError{msg: "i/o", timeout: true}, want: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, transientError(tt.err))
		})
	}
}

func TestIsPermanentError(t *testing.T) {
	t.Parallel()

	assert.False(t, isPermanentError(nil))
	assert.True(t, isPermanentError(syscall.EHOSTDOWN))
	assert.True(t, isPermanentError(errors.New("dial tcp: no route to host")))
	assert.False(t, isPermanentError(errors.New("connection reset by peer")))
}
