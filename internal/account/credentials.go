package account

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/poemonsense/cloudpool/internal/config"
	"github.com/poemonsense/cloudpool/internal/utils"
)

// TokenRefresher exchanges an OAuth refresh token for an access token.
// The production implementation lives in internal/auth; tests inject a
// stub.
type TokenRefresher interface {
	RefreshAccessToken(ctx context.Context, refreshToken string) (token string, expiresInSec int, err error)
}

// TokenExtractor pulls a ready-to-use access token out of an external
// credential store (the Antigravity IDE state database) for
// database-source accounts.
type TokenExtractor interface {
	ExtractToken(email string) (string, error)
}

type cachedToken struct {
	token     string
	expiresAt int64 // epoch ms
}

// Credentials caches access tokens per account with a TTL, refreshing
// through the configured refresher when the cache misses. Expiry is
// skewed early so a token is never handed out right at its deadline.
type Credentials struct {
	mu        sync.Mutex
	cache     map[string]cachedToken
	refresher TokenRefresher
	extractor TokenExtractor
}

// NewCredentials creates a credentials cache
func NewCredentials(refresher TokenRefresher, extractor TokenExtractor) *Credentials {
	return &Credentials{
		cache:     make(map[string]cachedToken),
		refresher: refresher,
		extractor: extractor,
	}
}

// GetAccessToken returns a valid access token for the account, from the
// cache when fresh, otherwise via a refresh.
func (c *Credentials) GetAccessToken(ctx context.Context, acc *Account) (string, error) {
	// Manual accounts carry their key directly, nothing to refresh
	if acc.Source == SourceManual {
		if acc.APIKey == "" {
			return "", fmt.Errorf("account %s has no API key", acc.Email)
		}
		return acc.APIKey, nil
	}

	c.mu.Lock()
	if cached, ok := c.cache[acc.Email]; ok && utils.NowMs() < cached.expiresAt {
		token := cached.token
		c.mu.Unlock()
		return token, nil
	}
	c.mu.Unlock()

	token, expiresInSec, err := c.fetchFreshToken(ctx, acc)
	if err != nil {
		return "", err
	}

	ttl := int64(config.TokenCacheTTLMs)
	if expiresInSec > 0 {
		reported := int64(expiresInSec) * 1000
		if reported < ttl {
			ttl = reported
		}
	}
	ttl -= config.TokenCacheSkewMs
	if ttl < 0 {
		ttl = 0
	}

	c.mu.Lock()
	c.cache[acc.Email] = cachedToken{
		token:     token,
		expiresAt: utils.NowMs() + ttl,
	}
	c.mu.Unlock()

	return token, nil
}

func (c *Credentials) fetchFreshToken(ctx context.Context, acc *Account) (string, int, error) {
	switch acc.Source {
	case SourceOAuth:
		if acc.RefreshToken == "" {
			return "", 0, fmt.Errorf("account %s has no refresh token", acc.Email)
		}
		return c.refresher.RefreshAccessToken(ctx, acc.RefreshToken)

	case SourceDatabase:
		if c.extractor == nil {
			return "", 0, fmt.Errorf("no token extractor configured for account %s", acc.Email)
		}
		token, err := c.extractor.ExtractToken(acc.Email)
		if err != nil {
			return "", 0, fmt.Errorf("extract token for %s: %w", acc.Email, err)
		}
		return token, 0, nil

	default:
		return "", 0, fmt.Errorf("unknown account source %q for %s", acc.Source, acc.Email)
	}
}

// ClearCache drops all cached tokens
func (c *Credentials) ClearCache() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache = make(map[string]cachedToken)
}

// ClearCacheFor drops the cached token for one account
func (c *Credentials) ClearCacheFor(email string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.cache, email)
}

// CachedUntil returns the cache expiry for an account, or zero when not
// cached. Used by tests and the status endpoint.
func (c *Credentials) CachedUntil(email string) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cached, ok := c.cache[email]; ok {
		return time.UnixMilli(cached.expiresAt)
	}
	return time.Time{}
}
