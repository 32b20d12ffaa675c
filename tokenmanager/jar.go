package tokenmanager

import (
	"net"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/coder/quartz"
)

// Jar is a minimal http.CookieJar for session cookies. Max-Age is counted
// from the moment the cookie is stored, on the Jar's clock, so tests can
// expire sessions deterministically.
type Jar struct {
	mu      sync.Mutex
	clock   quartz.Clock
	entries map[string]*jarEntry
}

type jarEntry struct {
	name, value string
	domain      string
	hostOnly    bool
	path        string
	secure      bool
	httpOnly    bool
	expires     time.Time // zero for session cookies
	created     time.Time
}

var _ http.CookieJar = (*Jar)(nil)

// NewJar returns an empty Jar. A nil clock means the real clock.
func NewJar(clock quartz.Clock) *Jar {
	if clock == nil {
		clock = quartz.NewReal()
	}
	return &Jar{
		clock:   clock,
		entries: make(map[string]*jarEntry),
	}
}

// SetCookies implements http.CookieJar.
func (j *Jar) SetCookies(u *url.URL, cookies []*http.Cookie) {
	host := jarHost(u)
	if host == "" {
		return
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	now := j.clock.Now()
	for _, c := range cookies {
		e := &jarEntry{
			name:     c.Name,
			value:    c.Value,
			domain:   host,
			hostOnly: true,
			path:     c.Path,
			secure:   c.Secure,
			httpOnly: c.HttpOnly,
			created:  now,
		}

		if d := strings.TrimPrefix(strings.ToLower(c.Domain), "."); d != "" {
			// A Domain attribute the host is outside of is ignored
			// (RFC 6265 section 5.3 step 6).
			if !domainMatch(host, d) {
				continue
			}
			e.domain = d
			e.hostOnly = false
		}
		if e.path == "" || e.path[0] != '/' {
			e.path = defaultPath(u.Path)
		}

		key := e.domain + ";" + e.path + ";" + e.name
		switch {
		case c.MaxAge < 0:
			delete(j.entries, key)
			continue
		case c.MaxAge > 0:
			e.expires = now.Add(time.Duration(c.MaxAge) * time.Second)
		case !c.Expires.IsZero():
			if !c.Expires.After(now) {
				delete(j.entries, key)
				continue
			}
			e.expires = c.Expires
		}

		if old, ok := j.entries[key]; ok {
			e.created = old.created
		}
		j.entries[key] = e
	}
}

// Cookies implements http.CookieJar. Expired cookies are evicted.
func (j *Jar) Cookies(u *url.URL) []*http.Cookie {
	host := jarHost(u)
	if host == "" {
		return nil
	}
	path := u.Path
	if path == "" {
		path = "/"
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	now := j.clock.Now()
	var matched []*jarEntry
	for key, e := range j.entries {
		if !e.expires.IsZero() && !e.expires.After(now) {
			delete(j.entries, key)
			continue
		}
		if e.hostOnly && host != e.domain {
			continue
		}
		if !e.hostOnly && !domainMatch(host, e.domain) {
			continue
		}
		if e.secure && u.Scheme != "https" {
			continue
		}
		if !pathMatch(path, e.path) {
			continue
		}
		matched = append(matched, e)
	}

	// Longer paths first, then oldest first (RFC 6265 section 5.4).
	sort.Slice(matched, func(a, b int) bool {
		if len(matched[a].path) != len(matched[b].path) {
			return len(matched[a].path) > len(matched[b].path)
		}
		return matched[a].created.Before(matched[b].created)
	})

	out := make([]*http.Cookie, 0, len(matched))
	for _, e := range matched {
		out = append(out, &http.Cookie{Name: e.name, Value: e.value})
	}
	return out
}

// Apply adds the jar's cookies for req.URL to req, replacing any
// same-named cookie already on the request.
func (j *Jar) Apply(req *http.Request) {
	cookies := j.Cookies(req.URL)
	if len(cookies) == 0 {
		return
	}

	names := make(map[string]bool, len(cookies))
	for _, c := range cookies {
		names[c.Name] = true
	}

	kept := make([]string, 0)
	for _, c := range req.Cookies() {
		if !names[c.Name] {
			kept = append(kept, c.String())
		}
	}
	for _, c := range cookies {
		kept = append(kept, c.String())
	}
	req.Header.Set("Cookie", strings.Join(kept, "; "))
}

// Len returns the number of stored cookies, expired ones included until
// the next lookup evicts them.
func (j *Jar) Len() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.entries)
}

// Clear removes every cookie.
func (j *Jar) Clear() {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.entries = make(map[string]*jarEntry)
}

func jarHost(u *url.URL) string {
	if u == nil {
		return ""
	}
	host := u.Host
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	return strings.ToLower(host)
}

func domainMatch(host, domain string) bool {
	if host == domain {
		return true
	}
	return strings.HasSuffix(host, "."+domain) && net.ParseIP(host) == nil
}

// defaultPath implements RFC 6265 section 5.1.4.
func defaultPath(p string) string {
	if p == "" || p[0] != '/' {
		return "/"
	}
	i := strings.LastIndex(p, "/")
	if i == 0 {
		return "/"
	}
	return p[:i]
}

// pathMatch implements RFC 6265 section 5.1.4.
func pathMatch(reqPath, cookiePath string) bool {
	if reqPath == cookiePath {
		return true
	}
	if !strings.HasPrefix(reqPath, cookiePath) {
		return false
	}
	return strings.HasSuffix(cookiePath, "/") || reqPath[len(cookiePath)] == '/'
}
