// internal/gateway/paypal/token.go
package paypal

import (
	"context"
	"net/http"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// TokenFetcher obtains a fresh access token.
type TokenFetcher func(ctx context.Context) (*oauth2.Token, error)

// TokenCache holds the provider access token for the process. It is built once
// at startup and handed to the client.
type TokenCache struct {
	fetch  TokenFetcher
	now    func() time.Time
	skew   time.Duration
	maxTTL time.Duration

	mu        sync.Mutex
	token     *oauth2.Token
	fetchedAt time.Time
}

type TokenOption func(*TokenCache)

func WithTokenClock(now func() time.Time) TokenOption {
	return func(c *TokenCache) { c.now = now }
}

// WithSkew refreshes the token this long before the provider's expiry.
func WithSkew(d time.Duration) TokenOption {
	return func(c *TokenCache) { c.skew = d }
}

// WithMaxTTL caps how long a token is reused regardless of its expiry.
func WithMaxTTL(d time.Duration) TokenOption {
	return func(c *TokenCache) { c.maxTTL = d }
}

func NewTokenCache(fetch TokenFetcher, opts ...TokenOption) *TokenCache {
	c := &TokenCache{
		fetch:  fetch,
		now:    time.Now,
		skew:   time.Minute,
		maxTTL: 8 * time.Hour,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ClientCredentials fetches tokens from the provider's OAuth2 endpoint using
// the given HTTP client.
func ClientCredentials(baseURL, clientID, clientSecret string, httpClient *http.Client) TokenFetcher {
	cfg := clientcredentials.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		TokenURL:     baseURL + "/v1/oauth2/token",
		AuthStyle:    oauth2.AuthStyleInHeader,
	}
	return func(ctx context.Context) (*oauth2.Token, error) {
		if httpClient != nil {
			ctx = context.WithValue(ctx, oauth2.HTTPClient, httpClient)
		}
		return cfg.Token(ctx)
	}
}

// Token returns the cached token or fetches a new one.
func (c *TokenCache) Token(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.validLocked() {
		return c.token.AccessToken, nil
	}

	tok, err := c.fetch(ctx)
	if err != nil {
		return "", err
	}
	c.token = tok
	c.fetchedAt = c.now()
	return tok.AccessToken, nil
}

// Invalidate drops the cached token, e.g. after the provider rejects it.
func (c *TokenCache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = nil
}

func (c *TokenCache) validLocked() bool {
	if c.token == nil || c.token.AccessToken == "" {
		return false
	}
	now := c.now()
	if c.maxTTL > 0 && !now.Before(c.fetchedAt.Add(c.maxTTL)) {
		return false
	}
	if c.token.Expiry.IsZero() {
		return true
	}
	return now.Before(c.token.Expiry.Add(-c.skew))
}
