package tokenmanager

import (
	"net/http"
	"net/url"
	"testing"
	"time"

	"github.com/coder/quartz"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustURL(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	require.NoError(t, err)
	return u
}

func cookieNames(cookies []*http.Cookie) []string {
	names := make([]string, 0, len(cookies))
	for _, c := range cookies {
		names = append(names, c.Name+"="+c.Value)
	}
	return names
}

func TestJar_Cookies(t *testing.T) {
	t.Parallel()

	session := mustURL(t, "https://acct.cloudant.com/_session")

	tests := []struct {
		name    string
		set     []*http.Cookie
		lookup  string
		advance time.Duration
		want    []string
	}{
		{
			name:   "given a root path cookie, then it applies to every database",
			set:    []*http.Cookie{{Name: SessionCookieName, Value: "abc", Path: "/"}},
			lookup: "https://acct.cloudant.com/animaldb/_all_docs",
			want:   []string{"AuthSession=abc"},
		},
		{
			name:   "given no path, then the default path of /_session is /",
			set:    []*http.Cookie{{Name: SessionCookieName, Value: "abc"}},
			lookup: "https://acct.cloudant.com/animaldb",
			want:   []string{"AuthSession=abc"},
		},
		{
			name:   "given another host, then nothing matches",
			set:    []*http.Cookie{{Name: SessionCookieName, Value: "abc", Path: "/"}},
			lookup: "https://other.cloudant.com/animaldb",
			want:   []string{},
		},
		{
			name:   "given a domain cookie, then subdomains match",
			set:    []*http.Cookie{{Name: "shared", Value: "1", Path: "/", Domain: ".cloudant.com"}},
			lookup: "https://replica.cloudant.com/db",
			want:   []string{"shared=1"},
		},
		{
			name:   "given a domain the host is outside of, then the cookie is rejected",
			set:    []*http.Cookie{{Name: SessionCookieName, Value: "abc", Path: "/", Domain: ".other.com"}},
			lookup: "https://acct.cloudant.com/db",
			want:   []string{},
		},
		{
			name: "given a rejected domain next to a valid cookie, then only the valid one is kept",
			set: []*http.Cookie{
				{Name: "stray", Value: "1", Path: "/", Domain: "example.org"},
				{Name: SessionCookieName, Value: "abc", Path: "/"},
			},
			lookup: "https://acct.cloudant.com/db",
			want:   []string{"AuthSession=abc"},
		},
		{
			name:   "given a secure cookie, then plain http does not receive it",
			set:    []*http.Cookie{{Name: SessionCookieName, Value: "abc", Path: "/", Secure: true}},
			lookup: "http://acct.cloudant.com/db",
			want:   []string{},
		},
		{
			name:   "given a narrower path, then other paths do not match",
			set:    []*http.Cookie{{Name: "scoped", Value: "1", Path: "/animaldb"}},
			lookup: "https://acct.cloudant.com/animaldbx",
			want:   []string{},
		},
		{
			name:    "given Max-Age elapsed on the clock, then the cookie is gone",
			set:     []*http.Cookie{{Name: SessionCookieName, Value: "abc", Path: "/", MaxAge: 600}},
			lookup:  "https://acct.cloudant.com/db",
			advance: 600 * time.Second,
			want:    []string{},
		},
		{
			name:    "given Max-Age not yet elapsed, then the cookie is sent",
			set:     []*http.Cookie{{Name: SessionCookieName, Value: "abc", Path: "/", MaxAge: 600}},
			lookup:  "https://acct.cloudant.com/db",
			advance: 599 * time.Second,
			want:    []string{"AuthSession=abc"},
		},
		{
			name: "given a negative Max-Age, then the cookie is deleted",
			set: []*http.Cookie{
				{Name: SessionCookieName, Value: "abc", Path: "/"},
				{Name: SessionCookieName, Value: "", Path: "/", MaxAge: -1},
			},
			lookup: "https://acct.cloudant.com/db",
			want:   []string{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			clock := quartz.NewMock(t)
			jar := NewJar(clock)
			jar.SetCookies(session, tt.set)
			if tt.advance > 0 {
				clock.Set(clock.Now().Add(tt.advance))
			}

			assert.Equal(t, tt.want, cookieNames(jar.Cookies(mustURL(t, tt.lookup))))
		})
	}
}

func TestJar_Ordering(t *testing.T) {
	t.Parallel()

	jar := NewJar(nil)
	u := mustURL(t, "https://acct.cloudant.com/animaldb/doc")
	jar.SetCookies(u, []*http.Cookie{
		{Name: "root", Value: "1", Path: "/"},
		{Name: "db", Value: "2", Path: "/animaldb"},
	})

	assert.Equal(t, []string{"db=2", "root=1"}, cookieNames(jar.Cookies(u)))
	assert.Equal(t, 2, jar.Len())

	jar.Clear()
	assert.Equal(t, 0, jar.Len())
}

func TestJar_Apply(t *testing.T) {
	t.Parallel()

	jar := NewJar(nil)
	jar.SetCookies(mustURL(t, "http://localhost:5984/_session"), []*http.Cookie{
		{Name: SessionCookieName, Value: "fresh", Path: "/"},
	})

	req, err := http.NewRequest(http.MethodGet, "http://localhost:5984/animaldb", nil)
	require.NoError(t, err)
	req.AddCookie(&http.Cookie{Name: SessionCookieName, Value: "stale"})
	req.AddCookie(&http.Cookie{Name: "theme", Value: "dark"})

	jar.Apply(req)

	got := map[string]string{}
	for _, c := range req.Cookies() {
		got[c.Name] = c.Value
	}
	assert.Equal(t, map[string]string{SessionCookieName: "fresh", "theme": "dark"}, got)
}

func TestJar_IgnoresURLWithoutHost(t *testing.T) {
	t.Parallel()

	jar := NewJar(nil)
	jar.SetCookies(&url.URL{Path: "/x"}, []*http.Cookie{{Name: "a", Value: "b"}})
	assert.Equal(t, 0, jar.Len())
	assert.Nil(t, jar.Cookies(nil))
}
