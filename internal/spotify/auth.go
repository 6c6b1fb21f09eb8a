package spotify

import (
	"context"
	"fmt"
	"sync"
	"time"

	"resty.dev/v3"

	"github.com/algorhythms/algorhythms/internal/ctxlog"
)

// AccountsURL is the Spotify accounts service used for token exchange.
const AccountsURL = "https://accounts.spotify.com"

// tokenCacheName keys the client-credentials token in the token cache.
const tokenCacheName = "spotify_client_credentials"

// TokenSource yields a bearer token for API calls.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// StaticToken is a TokenSource wrapping a caller-supplied user access token.
type StaticToken string

// Token implements TokenSource.
func (t StaticToken) Token(context.Context) (string, error) {
	if t == "" {
		return "", fmt.Errorf("spotify: empty access token")
	}
	return string(t), nil
}

// TokenCache persists tokens between runs. A nil cache keeps tokens in memory
// only.
type TokenCache interface {
	Token(ctx context.Context, name string) (token string, expiresAt time.Time, ok bool, err error)
	StoreToken(ctx context.Context, name, token string, expiresAt time.Time) error
}

// ClientCredentials is a TokenSource implementing Spotify's client-credentials
// flow, for server-to-server endpoints such as search and track lookup. The
// token is refreshed shortly before it expires.
type ClientCredentials struct {
	clientID     string
	clientSecret string
	cache        TokenCache
	http         *resty.Client

	mu        sync.Mutex
	token     string
	expiresAt time.Time
}

// NewClientCredentials builds a token source against accountsURL, normally
// AccountsURL. A non-nil cache survives process restarts.
func NewClientCredentials(accountsURL, clientID, clientSecret string, cache TokenCache) *ClientCredentials {
	return &ClientCredentials{
		clientID:     clientID,
		clientSecret: clientSecret,
		cache:        cache,
		http:         resty.New().SetBaseURL(accountsURL).SetTimeout(15 * time.Second),
	}
}

// Close releases the token-exchange HTTP client.
func (c *ClientCredentials) Close() error {
	return c.http.Close()
}

// Token returns a valid access token, exchanging credentials when the cached
// one is missing or about to expire.
func (c *ClientCredentials) Token(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.token != "" && time.Until(c.expiresAt) > time.Minute {
		return c.token, nil
	}

	logger := ctxlog.FromContext(ctx)
	if c.token == "" && c.cache != nil {
		tok, exp, ok, err := c.cache.Token(ctx, tokenCacheName)
		if err != nil {
			logger.Warn("Token cache read failed.", "error", err)
		} else if ok && time.Until(exp) > time.Minute {
			c.token, c.expiresAt = tok, exp
			return c.token, nil
		}
	}

	tok, exp, err := c.exchange(ctx)
	if err != nil {
		return "", err
	}
	c.token, c.expiresAt = tok, exp

	if c.cache != nil {
		if err := c.cache.StoreToken(ctx, tokenCacheName, tok, exp); err != nil {
			logger.Warn("Token cache write failed.", "error", err)
		}
	}
	logger.Debug("Exchanged client credentials for an access token.", "expiresAt", exp)
	return c.token, nil
}

func (c *ClientCredentials) exchange(ctx context.Context) (string, time.Time, error) {
	var body struct {
		AccessToken string `json:"access_token"`
		TokenType   string `json:"token_type"`
		ExpiresIn   int    `json:"expires_in"`
	}
	res, err := c.http.R().
		SetContext(ctx).
		SetBasicAuth(c.clientID, c.clientSecret).
		SetFormData(map[string]string{"grant_type": "client_credentials"}).
		SetResult(&body).
		Post("/api/token")
	if err != nil {
		return "", time.Time{}, fmt.Errorf("spotify: token exchange: %w", err)
	}
	if res.IsError() {
		return "", time.Time{}, fmt.Errorf("spotify: token exchange failed with status %d", res.StatusCode())
	}
	if body.AccessToken == "" {
		return "", time.Time{}, fmt.Errorf("spotify: token exchange returned no access token")
	}
	return body.AccessToken, time.Now().Add(time.Duration(body.ExpiresIn) * time.Second), nil
}
