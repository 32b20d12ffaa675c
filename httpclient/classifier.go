package httpclient

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"os"
	"strings"
	"syscall"

	gobreaker "github.com/sony/gobreaker/v2"
)

// RetryableError reports whether a failed attempt is worth repeating.
//
// Retried:
//   - network errors (timeouts, refused or reset connections, EOF)
//   - an open circuit breaker or an exhausted rate limiter
//   - unknown transport errors
//
// Not retried:
//   - Stream.Abort and caller context cancellation
//   - permanent errors (certificate failures, NXDOMAIN, permission denied)
func RetryableError(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, ErrAborted) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	if errors.Is(err, gobreaker.ErrOpenState) ||
		errors.Is(err, gobreaker.ErrTooManyRequests) ||
		errors.Is(err, ErrRateLimited) {
		return true
	}

	if isPermanentError(err) {
		return false
	}

	// Unknown transport failures are treated as transient.
	return true
}

// transientError is the narrower policy used when
// PluginConfig.RetryTransientOnly is set: only failures known to be
// transient are retried, unknown transport errors are not.
func transientError(err error) bool {
	if !RetryableError(err) {
		return false
	}
	if errors.Is(err, gobreaker.ErrOpenState) ||
		errors.Is(err, gobreaker.ErrTooManyRequests) ||
		errors.Is(err, ErrRateLimited) {
		return true
	}
	return isRetryableNetworkError(err)
}

// isRetryableNetworkError returns true for network errors that are
// typically transient and may succeed on retry.
func isRetryableNetworkError(err error) bool {
	if err == nil {
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return dnsErr.IsTemporary || dnsErr.IsTimeout
	}

	if errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNABORTED) ||
		errors.Is(err, syscall.ETIMEDOUT) ||
		errors.Is(err, syscall.ENETUNREACH) ||
		errors.Is(err, syscall.EHOSTUNREACH) ||
		errors.Is(err, syscall.EPIPE) {
		return true
	}

	if errors.Is(err, os.ErrDeadlineExceeded) || errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}

	return containsPattern(err,
		"connection refused",
		"connection reset",
		"network is down",
		"network unreachable",
		"i/o timeout",
		"temporary failure",
		"server closed",
		"broken pipe",
		"eof",
	)
}

// isPermanentError returns true for errors that will not succeed on retry.
func isPermanentError(err error) bool {
	if err == nil {
		return false
	}

	var certErr *tls.CertificateVerificationError
	if errors.As(err, &certErr) {
		return true
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) && dnsErr.IsNotFound {
		return true
	}

	if errors.Is(err, syscall.EACCES) || errors.Is(err, syscall.EHOSTDOWN) {
		return true
	}

	return containsPattern(err,
		"x509:",
		"certificate",
		"tls:",
		"no route to host",
		"permission denied",
	)
}

// containsPattern is a fallback for wrapped errors whose types were lost.
func containsPattern(err error, patterns ...string) bool {
	errStr := strings.ToLower(err.Error())
	for _, p := range patterns {
		if strings.Contains(errStr, p) {
			return true
		}
	}
	return false
}
