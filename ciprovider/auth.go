// Package ciprovider adapts Forrest to a GitHub-shaped CI provider: webhook
// verification, app-level JWT/installation-token authentication, JIT runner
// registration, and the polling backstop.
package ciprovider

import (
	"context"
	"crypto/rsa"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/sync/singleflight"

	"github.com/forrest-ci/forrest/ferrors"
	"github.com/forrest-ci/forrest/types"
)

const (
	jwtClockSkew      = 60 * time.Second
	jwtLifetime       = 9 * time.Minute
	tokenSafetyMargin = 2 * time.Minute
)

// tokenEntry caches one installation access token.
type tokenEntry struct {
	token   string
	expires time.Time
}

// Client talks to the CI provider's REST API, authenticating as a GitHub
// App. Installation tokens are cached until expiry minus a safety margin;
// concurrent callers for the same installation collapse onto a single
// in-flight exchange via singleflight.
type Client struct {
	cfg types.CIProviderConfig
	key *rsa.PrivateKey

	mu            sync.Mutex
	tokens        map[int64]tokenEntry // installation ID -> token
	installations map[string]int64     // "owner/repo" -> installation ID
	sf            singleflight.Group

	httpClient *http.Client
}

// New parses cfg.PrivateKeyPEM and constructs a Client.
func New(cfg types.CIProviderConfig) (*Client, error) {
	key, err := jwt.ParseRSAPrivateKeyFromPEM(cfg.PrivateKeyPEM)
	if err != nil {
		return nil, fmt.Errorf("%w: parse app private key: %v", ferrors.ErrCIProviderAuthFailed, err)
	}
	return &Client{
		cfg:           cfg,
		key:           key,
		tokens:        make(map[int64]tokenEntry),
		installations: make(map[string]int64),
		httpClient:    &http.Client{Timeout: 30 * time.Second}, //nolint:mnd
	}, nil
}

// appJWT mints a short-lived JWT identifying the GitHub App itself (used
// only to exchange for an installation access token).
func (c *Client) appJWT(now time.Time) (string, error) {
	claims := jwt.RegisteredClaims{
		IssuedAt:  jwt.NewNumericDate(now.Add(-jwtClockSkew)),
		ExpiresAt: jwt.NewNumericDate(now.Add(jwtLifetime)),
		Issuer:    fmt.Sprintf("%d", c.cfg.AppID),
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	signed, err := tok.SignedString(c.key)
	if err != nil {
		return "", fmt.Errorf("%w: sign app jwt: %v", ferrors.ErrCIProviderAuthFailed, err)
	}
	return signed, nil
}

// InstallationToken returns a cached or freshly exchanged installation
// access token for installationID.
func (c *Client) InstallationToken(ctx context.Context, installationID int64) (string, error) {
	c.mu.Lock()
	if entry, ok := c.tokens[installationID]; ok && time.Now().Before(entry.expires.Add(-tokenSafetyMargin)) {
		c.mu.Unlock()
		return entry.token, nil
	}
	c.mu.Unlock()

	key := fmt.Sprintf("%d", installationID)
	v, err, _ := c.sf.Do(key, func() (any, error) {
		return c.exchangeInstallationToken(ctx, installationID)
	})
	if err != nil {
		return "", err
	}
	entry := v.(tokenEntry) //nolint:forcetypeassert

	c.mu.Lock()
	c.tokens[installationID] = entry
	c.mu.Unlock()
	return entry.token, nil
}

// exchangeInstallationToken calls POST /app/installations/{id}/access_tokens.
// The transport-level request/response handling lives in transport.go; kept
// separate here so the caching/singleflight policy stays easy to read.
func (c *Client) exchangeInstallationToken(ctx context.Context, installationID int64) (tokenEntry, error) {
	jwtTok, err := c.appJWT(time.Now())
	if err != nil {
		return tokenEntry{}, err
	}
	token, expires, err := c.postAccessTokens(ctx, installationID, jwtTok)
	if err != nil {
		return tokenEntry{}, fmt.Errorf("%w: %v", ferrors.ErrCIProviderTransient, err)
	}
	return tokenEntry{token: token, expires: expires}, nil
}
