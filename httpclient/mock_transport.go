package httpclient

import (
	"bytes"
	"errors"
	"io"
	"net/http"
	"sync"
)

// MockTransport is a scripted http.RoundTripper for tests. Replies are
// consumed in order; once the script runs out, the fallback reply (if any)
// is repeated.
//
//	mock := httpclient.NewMockTransport().
//	    Respond(http.StatusInternalServerError, "").
//	    Respond(http.StatusOK, `{"ok":true}`)
//	client, _ := httpclient.New(httpclient.WithMockTransport(mock))
type MockTransport struct {
	mu       sync.Mutex
	script   []mockReply
	fallback *mockReply
	requests []*http.Request
	bodies   [][]byte
	onReq    func(*http.Request)
}

type mockReply struct {
	status int
	header http.Header
	body   []byte
	err    error
}

// NewMockTransport returns a transport with an empty script.
func NewMockTransport() *MockTransport {
	return &MockTransport{}
}

// Respond appends a reply with the given status and body.
func (m *MockTransport) Respond(status int, body string) *MockTransport {
	return m.RespondWithHeader(status, nil, body)
}

// RespondWithHeader appends a reply carrying header.
func (m *MockTransport) RespondWithHeader(status int, header http.Header, body string) *MockTransport {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.script = append(m.script, mockReply{status: status, header: header.Clone(), body: []byte(body)})
	return m
}

// Fail appends a transport error.
func (m *MockTransport) Fail(err error) *MockTransport {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.script = append(m.script, mockReply{err: err})
	return m
}

// Always sets the reply used after the script is exhausted.
func (m *MockTransport) Always(status int, body string) *MockTransport {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fallback = &mockReply{status: status, body: []byte(body)}
	return m
}

// OnRequest registers fn to observe every request before it is answered.
func (m *MockTransport) OnRequest(fn func(*http.Request)) *MockTransport {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onReq = fn
	return m
}

// RoundTrip implements http.RoundTripper.
func (m *MockTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	var body []byte
	if req.Body != nil {
		b, err := io.ReadAll(req.Body)
		_ = req.Body.Close()
		if err != nil {
			return nil, err
		}
		body = b
	}

	m.mu.Lock()
	m.requests = append(m.requests, req)
	m.bodies = append(m.bodies, body)
	hook := m.onReq

	var reply *mockReply
	if len(m.script) > 0 {
		r := m.script[0]
		m.script = m.script[1:]
		reply = &r
	} else {
		reply = m.fallback
	}
	m.mu.Unlock()

	if hook != nil {
		hook(req)
	}
	if err := req.Context().Err(); err != nil {
		return nil, err
	}

	switch {
	case reply == nil:
		return nil, errors.New("mock transport: no reply scripted for " + req.Method + " " + req.URL.String())
	case reply.err != nil:
		return nil, reply.err
	}

	header := reply.header.Clone()
	if header == nil {
		header = make(http.Header)
	}
	return &http.Response{
		Status:        http.StatusText(reply.status),
		StatusCode:    reply.status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(reply.body)),
		ContentLength: int64(len(reply.body)),
		Request:       req,
	}, nil
}

// Requests returns every request seen so far.
func (m *MockTransport) Requests() []*http.Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*http.Request(nil), m.requests...)
}

// Bodies returns the request bodies, in request order.
func (m *MockTransport) Bodies() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([][]byte(nil), m.bodies...)
}

// RequestCount returns the number of requests seen.
func (m *MockTransport) RequestCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}

// Pending returns the number of scripted replies not yet used.
func (m *MockTransport) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.script)
}

// WithMockTransport installs mock as the client's base transport.
func WithMockTransport(mock *MockTransport) Option {
	return WithTransport(mock)
}
