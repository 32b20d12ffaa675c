package tokenmanager

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type iamServer struct {
	*httptest.Server

	tokens   atomic.Int32
	sessions atomic.Int32

	// expiresIn is sent as expires_in.
	expiresIn int
	// requireBasic rejects token requests without these credentials.
	requireBasic [2]string
}

func newIAMServer(t *testing.T, configure func(*iamServer)) *iamServer {
	t.Helper()

	s := &iamServer{expiresIn: 3600}
	if configure != nil {
		configure(s)
	}

	r := chi.NewRouter()
	r.Post("/identity/token", func(w http.ResponseWriter, r *http.Request) {
		if s.requireBasic[0] != "" {
			user, pass, ok := r.BasicAuth()
			if !ok || user != s.requireBasic[0] || pass != s.requireBasic[1] {
				http.Error(w, `{"errorCode":"BXNIM0400E"}`, http.StatusUnauthorized)
				return
			}
		}
		if err := r.ParseForm(); err != nil ||
			r.PostForm.Get("grant_type") != iamGrantType ||
			r.PostForm.Get("response_type") != iamResponseType ||
			r.PostForm.Get("apikey") != "iam-key" {
			http.Error(w, `{"errorMessage":"Provided API key could not be found"}`, http.StatusBadRequest)
			return
		}
		n := s.tokens.Add(1)
		w.Header().Set("Content-Type", "application/json")
		_, _ = fmt.Fprintf(w, `{"access_token":"token-%d","refresh_token":"not_supported","token_type":"Bearer","expires_in":%d}`, n, s.expiresIn)
	})
	r.Post("/_iam_session", func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil || r.PostForm.Get("access_token") == "" {
			http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
			return
		}
		s.sessions.Add(1)
		http.SetCookie(w, &http.Cookie{
			Name:   SessionCookieName,
			Value:  "iam-" + r.PostForm.Get("access_token"),
			Path:   "/",
			MaxAge: 3600,
		})
		_, _ = w.Write([]byte(`{"ok":true}`))
	})

	s.Server = httptest.NewServer(r)
	t.Cleanup(s.Close)
	return s
}

func (s *iamServer) config(cache TokenCache) IAMConfig {
	return IAMConfig{
		ServerURL: s.URL,
		APIKey:    "iam-key",
		TokenURL:  s.URL + "/identity/token",
		Cache:     cache,
		Logger:    zerolog.Nop(),
	}
}

func TestNewIAMSource(t *testing.T) {
	t.Parallel()

	t.Run("given no API key, then ErrMissingCredentials", func(t *testing.T) {
		t.Parallel()

		_, err := NewIAMSource(http.DefaultClient, NewJar(nil), IAMConfig{ServerURL: "http://localhost:5984"})
		require.ErrorIs(t, err, ErrMissingCredentials)
	})

	t.Run("given defaults, then the public token endpoint and offset are used", func(t *testing.T) {
		t.Parallel()

		src, err := NewIAMSource(http.DefaultClient, NewJar(nil), IAMConfig{
			ServerURL: "https://acct.cloudant.com",
			APIKey:    "k",
		})
		require.NoError(t, err)
		assert.Equal(t, DefaultIAMTokenURL, src.cfg.TokenURL)
		assert.Equal(t, DefaultTTLOffset, src.cfg.TTLOffset)
		assert.Equal(t, "https://acct.cloudant.com/_iam_session", src.sessionURL)
	})

	t.Run("given different keys, then cache keys differ", func(t *testing.T) {
		t.Parallel()

		a, err := NewIAMSource(http.DefaultClient, NewJar(nil), IAMConfig{ServerURL: "http://h", APIKey: "a"})
		require.NoError(t, err)
		b, err := NewIAMSource(http.DefaultClient, NewJar(nil), IAMConfig{ServerURL: "http://h", APIKey: "b"})
		require.NoError(t, err)
		assert.NotEqual(t, a.cacheKey, b.cacheKey)
		assert.Len(t, a.cacheKey, len("iam:")+64)
	})
}

func TestIAMSource_GetToken(t *testing.T) {
	t.Parallel()

	t.Run("given a valid key, then the token is exchanged for a session cookie", func(t *testing.T) {
		t.Parallel()

		server := newIAMServer(t, nil)
		jar := NewJar(nil)
		src, err := NewIAMSource(server.Client(), jar, server.config(nil))
		require.NoError(t, err)

		sess, err := src.GetToken(context.Background())
		require.NoError(t, err)
		assert.Equal(t, time.Hour, sess.MaxAge)

		cookies := jar.Cookies(mustURL(t, server.URL+"/animaldb"))
		require.Len(t, cookies, 1)
		assert.Equal(t, "iam-token-1", cookies[0].Value)
	})

	t.Run("given client credentials, then the token request uses basic auth", func(t *testing.T) {
		t.Parallel()

		server := newIAMServer(t, func(s *iamServer) { s.requireBasic = [2]string{"bx", "bx-secret"} })
		cfg := server.config(nil)
		cfg.ClientID, cfg.ClientSecret = "bx", "bx-secret"

		src, err := NewIAMSource(server.Client(), NewJar(nil), cfg)
		require.NoError(t, err)
		_, err = src.GetToken(context.Background())
		require.NoError(t, err)
	})

	t.Run("given a rejected key, then a StatusError from the token step", func(t *testing.T) {
		t.Parallel()

		server := newIAMServer(t, nil)
		cfg := server.config(nil)
		cfg.APIKey = "wrong"

		src, err := NewIAMSource(server.Client(), NewJar(nil), cfg)
		require.NoError(t, err)

		_, err = src.GetToken(context.Background())
		var se *StatusError
		require.ErrorAs(t, err, &se)
		assert.Equal(t, "iam token", se.Op)
		assert.Equal(t, http.StatusBadRequest, se.StatusCode)
		assert.Equal(t, int32(0), server.sessions.Load())
	})

	t.Run("given a cache, then later renewals reuse the access token", func(t *testing.T) {
		t.Parallel()

		server := newIAMServer(t, nil)
		cache := NewMemoryCache(nil)
		src, err := NewIAMSource(server.Client(), NewJar(nil), server.config(cache))
		require.NoError(t, err)

		for range 3 {
			_, err := src.GetToken(context.Background())
			require.NoError(t, err)
		}
		assert.Equal(t, int32(1), server.tokens.Load())
		assert.Equal(t, int32(3), server.sessions.Load())
	})

	t.Run("given a lifetime shorter than the offset, then the token is not cached", func(t *testing.T) {
		t.Parallel()

		server := newIAMServer(t, func(s *iamServer) { s.expiresIn = 30 })
		cache := NewMemoryCache(nil)
		src, err := NewIAMSource(server.Client(), NewJar(nil), server.config(cache))
		require.NoError(t, err)

		for range 2 {
			_, err := src.GetToken(context.Background())
			require.NoError(t, err)
		}
		assert.Equal(t, int32(2), server.tokens.Load())
	})
}
