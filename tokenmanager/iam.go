package tokenmanager

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"golang.org/x/oauth2"
)

const (
	// DefaultIAMTokenURL is the public IAM token endpoint.
	DefaultIAMTokenURL = "https://iam.cloud.ibm.com/identity/token"

	// DefaultTTLOffset is subtracted from the access token lifetime when
	// caching it, so a cached token is never handed out close to expiry.
	DefaultTTLOffset = 60 * time.Second

	iamGrantType    = "urn:ibm:params:oauth:grant-type:apikey"
	iamResponseType = "cloud_iam"
)

// IAMConfig configures an IAMSource.
type IAMConfig struct {
	// ServerURL is the database root; the session is created at
	// {ServerURL}/_iam_session.
	ServerURL string

	APIKey string

	// TokenURL defaults to DefaultIAMTokenURL.
	TokenURL string

	// ClientID and ClientSecret, when both set, authenticate the token
	// request with HTTP basic auth.
	ClientID     string
	ClientSecret string

	// Cache, when set, shares access tokens between sources.
	Cache TokenCache

	// TTLOffset defaults to DefaultTTLOffset.
	TTLOffset time.Duration

	Logger zerolog.Logger
}

// IAMSource creates sessions in two steps: it exchanges an API key for an
// IAM access token, then exchanges the access token for a session cookie
// with POST /_iam_session.
type IAMSource struct {
	client     *http.Client
	jar        *Jar
	cfg        IAMConfig
	sessionURL string
	cacheKey   string
}

var _ TokenSource = (*IAMSource)(nil)

// iamTokenResponse is the IAM token endpoint reply.
type iamTokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	Expiration   int64  `json:"expiration"`
}

// NewIAMSource returns an IAM source. The session cookie is stored in jar.
func NewIAMSource(client *http.Client, jar *Jar, cfg IAMConfig) (*IAMSource, error) {
	if cfg.APIKey == "" {
		return nil, ErrMissingCredentials
	}
	if cfg.TokenURL == "" {
		cfg.TokenURL = DefaultIAMTokenURL
	}
	if cfg.TTLOffset <= 0 {
		cfg.TTLOffset = DefaultTTLOffset
	}
	if _, err := url.Parse(cfg.TokenURL); err != nil {
		return nil, fmt.Errorf("tokenmanager: invalid IAM token URL: %w", err)
	}

	sessionURL, err := endpoint(cfg.ServerURL, "_iam_session")
	if err != nil {
		return nil, err
	}

	sum := sha256.Sum256([]byte(cfg.TokenURL + "\n" + cfg.APIKey))
	return &IAMSource{
		client:     client,
		jar:        jar,
		cfg:        cfg,
		sessionURL: sessionURL,
		cacheKey:   "iam:" + hex.EncodeToString(sum[:]),
	}, nil
}

// GetToken implements TokenSource.
func (s *IAMSource) GetToken(ctx context.Context) (Session, error) {
	accessToken, err := s.accessToken(ctx)
	if err != nil {
		return Session{}, err
	}

	form := url.Values{"access_token": {accessToken}}
	return exchangeSession(ctx, s.client, s.jar, s.sessionURL, form, "iam session")
}

// accessToken returns a cached access token or requests a new one.
func (s *IAMSource) accessToken(ctx context.Context) (string, error) {
	if s.cfg.Cache != nil {
		if v, ok := s.cfg.Cache.Get(ctx, s.cacheKey); ok && v != "" {
			s.cfg.Logger.Debug().Msg("using cached IAM access token")
			return v, nil
		}
	}

	tok, err := s.requestToken(ctx)
	if err != nil {
		return "", err
	}

	if s.cfg.Cache != nil {
		if expiresIn, ok := tok.Extra("expires_in").(int64); ok {
			if ttl := time.Duration(expiresIn)*time.Second - s.cfg.TTLOffset; ttl > 0 {
				s.cfg.Cache.Set(ctx, s.cacheKey, tok.AccessToken, ttl)
			}
		}
	}
	return tok.AccessToken, nil
}

func (s *IAMSource) requestToken(ctx context.Context) (*oauth2.Token, error) {
	form := url.Values{
		"grant_type":    {iamGrantType},
		"response_type": {iamResponseType},
		"apikey":        {s.cfg.APIKey},
	}

	var setAuth func(*http.Request)
	if s.cfg.ClientID != "" && s.cfg.ClientSecret != "" {
		setAuth = func(req *http.Request) {
			req.SetBasicAuth(s.cfg.ClientID, s.cfg.ClientSecret)
		}
	}

	resp, err := postForm(ctx, s.client, s.cfg.TokenURL, form, setAuth)
	if err != nil {
		return nil, fmt.Errorf("tokenmanager: iam token: %w", err)
	}
	defer drainClose(resp)

	if resp.StatusCode != http.StatusOK {
		return nil, statusError("iam token", resp)
	}

	var body iamTokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("tokenmanager: iam token: decode reply: %w", err)
	}
	if body.AccessToken == "" {
		return nil, errors.New("tokenmanager: iam token: reply has no access_token")
	}

	tok := &oauth2.Token{
		AccessToken:  body.AccessToken,
		TokenType:    body.TokenType,
		RefreshToken: body.RefreshToken,
	}
	switch {
	case body.Expiration > 0:
		tok.Expiry = time.Unix(body.Expiration, 0)
	case body.ExpiresIn > 0:
		tok.Expiry = time.Now().Add(time.Duration(body.ExpiresIn) * time.Second)
	}
	tok = tok.WithExtra(map[string]any{"expires_in": body.ExpiresIn})

	if !tok.Valid() {
		return nil, errors.New("tokenmanager: iam token: reply holds an expired token")
	}
	return tok, nil
}
