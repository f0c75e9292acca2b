package signaling

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/proline/callkit/internal/util"
)

// TokenProvider issues short-lived tokens for the relay connection. Every
// reconnect re-fetches: relay tokens are not assumed long-lived.
type TokenProvider interface {
	Token(ctx context.Context) (string, error)
}

// HTTPTokenProvider fetches tokens from the marketplace backend's
// ws-auth-token endpoint. The response body is `{"access_token": "..."}`.
type HTTPTokenProvider struct {
	URL    string
	Client *http.Client
}

// Token performs the GET and extracts the access token. An empty or missing
// token is ErrNoToken: a hard auth failure, not a transient one.
func (p *HTTPTokenProvider) Token(ctx context.Context) (string, error) {
	client := p.Client
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.URL, nil)
	if err != nil {
		return "", fmt.Errorf("build token request: %w", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch auth token: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("token endpoint returned %s: %w", resp.Status, ErrNoToken)
	}

	var body struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("decode token response: %w", err)
	}
	if body.AccessToken == "" {
		return "", ErrNoToken
	}
	return body.AccessToken, nil
}

// CachingTokenProvider wraps another provider and reuses its token until
// shortly before the JWT exp claim. The claim is read without signature
// verification. The relay verifies; we only need the expiry for cache
// invalidation.
type CachingTokenProvider struct {
	Inner TokenProvider

	mu     sync.Mutex
	token  string
	expiry time.Time
}

// refreshMargin is how long before expiry a cached token is discarded.
const refreshMargin = 30 * time.Second

// Token returns the cached token when still fresh, otherwise fetches a new
// one through the inner provider.
func (p *CachingTokenProvider) Token(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.token != "" && time.Now().Before(p.expiry.Add(-refreshMargin)) {
		return p.token, nil
	}

	token, err := p.Inner.Token(ctx)
	if err != nil {
		p.token = ""
		return "", err
	}

	p.token = token
	p.expiry = tokenExpiry(token)
	return token, nil
}

// tokenExpiry extracts the exp claim from a JWT. Unparseable tokens get a
// zero expiry so they are never cached.
func tokenExpiry(token string) time.Time {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		util.LogDebug("token not a parseable JWT, caching disabled: %v", err)
		return time.Time{}
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}
	}
	return exp.Time
}
