package httpclient

import (
	"net/http"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// defaultLogger is used when no logger is configured. Debug output is only
// produced once WithDebug lowers the level.
var defaultLogger = zerolog.New(os.Stderr).With().Timestamp().Logger().Level(zerolog.InfoLevel)

// redactedHeaders are never written to debug logs verbatim.
var redactedHeaders = map[string]bool{
	"Authorization": true,
	"Cookie":        true,
	"Set-Cookie":    true,
}

// logRequest logs an outbound attempt at debug level.
func logRequest(logger zerolog.Logger, req *http.Request) {
	if logger.GetLevel() > zerolog.DebugLevel {
		return
	}
	logger.Debug().
		Str("host", req.URL.Host).
		Str("path", req.URL.Path).
		Strs("headers", headerSummary(req.Header)).
		Int64("content_length", req.ContentLength).
		Msg("HTTP request")
}

// logResponse logs an attempt's response at debug level.
func logResponse(logger zerolog.Logger, resp *http.Response, duration time.Duration) {
	logger.Debug().
		Int("status", resp.StatusCode).
		Str("status_text", resp.Status).
		Dur("duration_ms", duration).
		Int64("content_length", resp.ContentLength).
		Msg("HTTP response")
}

// headerSummary renders headers as sorted "Name: value" pairs with
// credentials masked.
func headerSummary(h http.Header) []string {
	keys := make([]string, 0, len(h))
	for k := range h {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]string, 0, len(keys))
	for _, k := range keys {
		v := strings.Join(h[k], ", ")
		if redactedHeaders[http.CanonicalHeaderKey(k)] {
			v = "***"
		}
		out = append(out, k+": "+v)
	}
	return out
}
