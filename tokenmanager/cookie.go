package tokenmanager

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// SessionCookieName is the cookie the database issues for a session.
const SessionCookieName = "AuthSession"

// maxErrorBody bounds how much of an error reply ends up in a StatusError.
const maxErrorBody = 512

// CookieSource creates sessions with POST /_session and an account's
// username and password.
type CookieSource struct {
	client     *http.Client
	jar        *Jar
	sessionURL string
	username   string
	password   string
}

var _ TokenSource = (*CookieSource)(nil)

// NewCookieSource returns a source posting to serverURL's /_session. The
// session cookie is stored in jar.
func NewCookieSource(client *http.Client, jar *Jar, serverURL, username, password string) (*CookieSource, error) {
	if username == "" || password == "" {
		return nil, ErrMissingCredentials
	}
	sessionURL, err := endpoint(serverURL, "_session")
	if err != nil {
		return nil, err
	}
	return &CookieSource{
		client:     client,
		jar:        jar,
		sessionURL: sessionURL,
		username:   username,
		password:   password,
	}, nil
}

// GetToken implements TokenSource.
func (s *CookieSource) GetToken(ctx context.Context) (Session, error) {
	form := url.Values{
		"name":     {s.username},
		"password": {s.password},
	}
	return exchangeSession(ctx, s.client, s.jar, s.sessionURL, form, "session")
}

// exchangeSession posts form to a session endpoint and stores the issued
// cookies.
func exchangeSession(
	ctx context.Context,
	client *http.Client,
	jar *Jar,
	target string,
	form url.Values,
	op string,
) (Session, error) {
	resp, err := postForm(ctx, client, target, form, nil)
	if err != nil {
		return Session{}, fmt.Errorf("tokenmanager: %s: %w", op, err)
	}
	defer drainClose(resp)

	if resp.StatusCode != http.StatusOK {
		return Session{}, statusError(op, resp)
	}

	cookieURL, err := url.Parse(target)
	if err != nil {
		return Session{}, err
	}
	if resp.Request != nil && resp.Request.URL != nil {
		cookieURL = resp.Request.URL
	}

	cookies := resp.Cookies()
	jar.SetCookies(cookieURL, cookies)
	return Session{MaxAge: sessionMaxAge(cookies)}, nil
}

// postForm sends an urlencoded POST. setAuth, when non-nil, decorates the
// request before it is sent.
func postForm(
	ctx context.Context,
	client *http.Client,
	target string,
	form url.Values,
	setAuth func(*http.Request),
) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	if setAuth != nil {
		setAuth(req)
	}
	return client.Do(req)
}

func statusError(op string, resp *http.Response) *StatusError {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return &StatusError{
		Op:         op,
		StatusCode: resp.StatusCode,
		Body:       strings.TrimSpace(string(body)),
	}
}

func drainClose(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))
	_ = resp.Body.Close()
}

// sessionMaxAge returns the session cookie's Max-Age, zero if absent.
func sessionMaxAge(cookies []*http.Cookie) time.Duration {
	for _, c := range cookies {
		if c.Name == SessionCookieName && c.MaxAge > 0 {
			return time.Duration(c.MaxAge) * time.Second
		}
	}
	return 0
}

// endpoint joins path onto the server root.
func endpoint(serverURL, path string) (string, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return "", fmt.Errorf("tokenmanager: invalid server URL: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("tokenmanager: server URL %q is not absolute", serverURL)
	}
	u.User = nil
	u.Path = strings.TrimSuffix(u.Path, "/") + "/" + path
	u.RawQuery = ""
	return u.String(), nil
}
