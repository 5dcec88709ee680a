// Package authclient issues and caches a bearer token for the Ingester's
// own service identity, obtained from Admin's OAuth2 client-credentials
// endpoint. It is on the critical path of every outbound SE and Admin call.
package authclient

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"github.com/filemesh/ingester/pkg/coreerr"
)

// defaultExpiry is used when the token endpoint omits expires_in.
const defaultExpiry = 1800 * time.Second

// Config configures a Client.
type Config struct {
	AdminURL     string
	ClientID     string
	ClientSecret string
	RefreshSkew  time.Duration // default 300s
}

// Client caches a (token, expires_at) pair and refreshes it on demand,
// coalescing concurrent refreshers behind a single in-flight request.
type Client struct {
	cfg        Config
	httpClient *http.Client
	logger     *slog.Logger
	group      singleflight.Group

	mu    sync.RWMutex
	token oauth2.Token
}

// New constructs an AuthClient. A zero RefreshSkew defaults to 5 minutes.
func New(cfg Config, httpClient *http.Client, logger *slog.Logger) *Client {
	if cfg.RefreshSkew <= 0 {
		cfg.RefreshSkew = 5 * time.Minute
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &Client{cfg: cfg, httpClient: httpClient, logger: logger}
}

// Token returns a currently-valid bearer token, refreshing if necessary.
func (c *Client) Token(ctx context.Context) (string, error) {
	if tok, ok := c.cached(); ok {
		return tok, nil
	}

	v, err, _ := c.group.Do("refresh", func() (any, error) {
		// Re-check under the single-flight gate: another caller may have
		// already refreshed while we were waiting to enter Do.
		if tok, ok := c.cached(); ok {
			return tok, nil
		}
		return c.refresh(ctx)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// Close drops the cached token. The underlying http.Client's idle
// connections are reclaimed by the transport on its own schedule.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = oauth2.Token{}
}

func (c *Client) cached() (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.token.AccessToken == "" {
		return "", false
	}
	if time.Now().Before(c.token.Expiry.Add(-c.cfg.RefreshSkew)) {
		return c.token.AccessToken, true
	}
	return "", false
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   *int64 `json:"expires_in"`
}

// refresh performs the client-credentials exchange and, on success,
// replaces the cached token. On failure the previously cached token (if
// any) is left intact — only the failed refresh attempt is reported.
func (c *Client) refresh(ctx context.Context) (string, error) {
	form := url.Values{
		"grant_type":    {"client_credentials"},
		"client_id":     {c.cfg.ClientID},
		"client_secret": {c.cfg.ClientSecret},
	}

	endpoint := strings.TrimRight(c.cfg.AdminURL, "/") + "/oauth/token"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return "", coreerr.Wrap(coreerr.KindAuth, "building token request", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", coreerr.Wrap(coreerr.KindAuth, "contacting admin token endpoint", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return "", coreerr.New(coreerr.KindAuth, fmt.Sprintf("admin rejected credentials (status %d)", resp.StatusCode))
	case resp.StatusCode >= 500:
		return "", coreerr.New(coreerr.KindAuth, fmt.Sprintf("admin token endpoint server error (status %d)", resp.StatusCode))
	case resp.StatusCode != http.StatusOK:
		return "", coreerr.New(coreerr.KindAuth, fmt.Sprintf("unexpected token endpoint status %d", resp.StatusCode))
	}

	var tr tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil || tr.AccessToken == "" {
		return "", coreerr.Wrap(coreerr.KindAuth, "malformed token response", err)
	}

	expiresIn := defaultExpiry
	if tr.ExpiresIn != nil {
		expiresIn = time.Duration(*tr.ExpiresIn) * time.Second
	}

	tok := oauth2.Token{
		AccessToken: tr.AccessToken,
		TokenType:   tr.TokenType,
		Expiry:      time.Now().Add(expiresIn),
	}

	c.mu.Lock()
	c.token = tok
	c.mu.Unlock()

	// expires_in <= refresh_skew: the token is immediately "expiring" by
	// our own cached() check, but we still hand back this freshly issued
	// token once rather than looping back into another refresh.
	if c.logger != nil && expiresIn <= c.cfg.RefreshSkew {
		c.logger.Warn("authclient: token expiry shorter than refresh skew",
			"expires_in", expiresIn, "refresh_skew", c.cfg.RefreshSkew)
	}

	return tok.AccessToken, nil
}
