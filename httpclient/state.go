package httpclient

import (
	"bytes"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
)

// RequestOptions describes an outbound request. The engine clones it for
// every attempt, so plugins may mutate the *http.Request they receive in
// OnRequest without affecting later attempts.
type RequestOptions struct {
	// Method defaults to GET.
	Method string

	// URL is absolute, or relative to the client's server URL.
	URL string

	// Query values are merged into the URL's query string.
	Query url.Values

	Header http.Header

	// Body is a plain in-memory body.
	Body []byte

	// JSON, when non-nil, is encoded as the body with
	// Content-Type: application/json. It takes precedence over Body.
	JSON any

	// BodyReader is a caller-supplied body stream. It is read once; the
	// bytes are buffered so retries resend them verbatim.
	BodyReader io.Reader

	// Streaming means the body is written into the returned Stream
	// (Stream.Write / Stream.ReadFrom, terminated by Stream.CloseWrite).
	Streaming bool
}

// Outcome is a terminal result: a transport error, or a response with its
// fully read body.
type Outcome struct {
	Err      error
	Response *http.Response
	Body     []byte
}

// State is the per-request bookkeeping shared by plugins. Hooks receive a
// copy; the hook runner merges their changes back (see runHooks).
type State struct {
	// Attempt is 1 for the first attempt.
	Attempt int

	// MaxAttempt bounds the number of attempts.
	MaxAttempt int

	// Retry asks for another attempt once the current hook phase ends.
	Retry bool

	// RetryDelay is waited before the next attempt. Plugins raise it;
	// the largest value requested by any plugin wins.
	RetryDelay time.Duration

	// AbortWithResponse short-circuits the request with a substitute outcome.
	AbortWithResponse *Outcome

	// Sending is true once the transport call has been issued for this
	// attempt.
	Sending bool

	// Stash is the calling plugin's private scratch space. It survives
	// across attempts of the same request.
	Stash map[string]any

	// RequestID identifies the logical request in logs and traces.
	RequestID string
}

// requestContext is the engine's private view of one Request call.
type requestContext struct {
	id      string
	options RequestOptions
	state   State

	stashMu sync.Mutex
	stash   map[string]map[string]any

	aborted atomic.Bool
}

func newRequestContext(opts RequestOptions, maxAttempt int) *requestContext {
	id := uuid.NewString()
	return &requestContext{
		id:      id,
		options: opts,
		state: State{
			MaxAttempt: maxAttempt,
			RequestID:  id,
		},
		stash: make(map[string]map[string]any),
	}
}

// pluginStash returns the stash for a plugin, creating it on first use.
func (rc *requestContext) pluginStash(id string) map[string]any {
	rc.stashMu.Lock()
	defer rc.stashMu.Unlock()

	s, ok := rc.stash[id]
	if !ok {
		s = make(map[string]any)
		rc.stash[id] = s
	}
	return s
}

func (rc *requestContext) setPluginStash(id string, s map[string]any) {
	if s == nil {
		s = make(map[string]any)
	}
	rc.stashMu.Lock()
	rc.stash[id] = s
	rc.stashMu.Unlock()
}

// newAttempt resets the per-attempt flags and returns the attempt number.
func (rc *requestContext) newAttempt() int {
	rc.state.Attempt++
	rc.state.Retry = false
	rc.state.Sending = false
	return rc.state.Attempt
}

// resolveURL joins a relative request URL onto the server URL and merges
// extra query values.
func resolveURL(server *url.URL, raw string, query url.Values) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, err
	}

	if !u.IsAbs() && server != nil {
		base := *server
		if !strings.HasSuffix(base.Path, "/") {
			base.Path += "/"
			if base.RawPath != "" {
				base.RawPath += "/"
			}
		}
		// RawPath keeps escapes such as %2F inside document ids.
		u = base.ResolveReference(&url.URL{
			Path:     strings.TrimPrefix(u.Path, "/"),
			RawPath:  strings.TrimPrefix(u.RawPath, "/"),
			RawQuery: u.RawQuery,
		})
	}

	if len(query) > 0 {
		q := u.Query()
		for k, vs := range query {
			for _, v := range vs {
				q.Add(k, v)
			}
		}
		u.RawQuery = q.Encode()
	}

	u.User = nil
	return u, nil
}

// encodeBody returns the in-memory body for opts, encoding JSON if set.
func encodeBody(opts *RequestOptions) ([]byte, error) {
	if opts.JSON == nil {
		return opts.Body, nil
	}

	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(opts.JSON); err != nil {
		return nil, err
	}
	if opts.Header == nil {
		opts.Header = make(http.Header)
	}
	if opts.Header.Get("Content-Type") == "" {
		opts.Header.Set("Content-Type", "application/json")
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}
