// Package auth resolves upstream credentials: Google OAuth token refresh
// and token extraction from the Antigravity IDE state database.
package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/poemonsense/cloudpool/internal/config"
	"github.com/poemonsense/cloudpool/internal/utils"
)

// RefreshParts represents the components of a composite refresh token.
// Format: refreshToken|projectId|managedProjectId
type RefreshParts struct {
	RefreshToken     string
	ProjectID        string
	ManagedProjectID string
}

// ParseRefreshParts parses a composite refresh token string
func ParseRefreshParts(refresh string) RefreshParts {
	parts := strings.Split(refresh, "|")
	result := RefreshParts{}
	if len(parts) > 0 {
		result.RefreshToken = parts[0]
	}
	if len(parts) > 1 && parts[1] != "" {
		result.ProjectID = parts[1]
	}
	if len(parts) > 2 && parts[2] != "" {
		result.ManagedProjectID = parts[2]
	}
	return result
}

// FormatRefreshParts formats refresh token parts back into the composite
// string form
func FormatRefreshParts(parts RefreshParts) string {
	base := fmt.Sprintf("%s|%s", parts.RefreshToken, parts.ProjectID)
	if parts.ManagedProjectID != "" {
		return fmt.Sprintf("%s|%s", base, parts.ManagedProjectID)
	}
	return base
}

// Refresher exchanges OAuth refresh tokens for access tokens. It
// implements account.TokenRefresher.
type Refresher struct {
	client   *http.Client
	tokenURL string
}

// NewRefresher creates a refresher against Google's token endpoint
func NewRefresher() *Refresher {
	return &Refresher{
		client:   &http.Client{Timeout: 30 * time.Second},
		tokenURL: config.OAuthConfig.TokenURL,
	}
}

// NewRefresherWithClient creates a refresher against a custom endpoint,
// used by tests.
func NewRefresherWithClient(client *http.Client, tokenURL string) *Refresher {
	return &Refresher{client: client, tokenURL: tokenURL}
}

// RefreshAccessToken refreshes an access token using a (possibly
// composite) refresh token.
func (r *Refresher) RefreshAccessToken(ctx context.Context, compositeRefresh string) (string, int, error) {
	parts := ParseRefreshParts(compositeRefresh)

	data := url.Values{
		"client_id":     {config.OAuthConfig.ClientID},
		"client_secret": {config.OAuthConfig.ClientSecret},
		"refresh_token": {parts.RefreshToken},
		"grant_type":    {"refresh_token"},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.tokenURL, strings.NewReader(data.Encode()))
	if err != nil {
		return "", 0, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := r.client.Do(req)
	if err != nil {
		return "", 0, fmt.Errorf("token refresh request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", 0, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return "", 0, fmt.Errorf("token refresh failed: %s", string(body))
	}

	var result struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return "", 0, fmt.Errorf("failed to parse token response: %w", err)
	}
	if result.AccessToken == "" {
		return "", 0, fmt.Errorf("token refresh failed: no access token in response")
	}

	return result.AccessToken, result.ExpiresIn, nil
}

// GetUserEmail resolves the account email behind an access token
func (r *Refresher) GetUserEmail(ctx context.Context, accessToken string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, config.OAuthConfig.UserInfoURL, nil)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := r.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("user info request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		utils.Error("[OAuth] getUserEmail failed: %d %s", resp.StatusCode, utils.TruncateString(string(body), 200))
		return "", fmt.Errorf("failed to get user info: %d", resp.StatusCode)
	}

	var userInfo struct {
		Email string `json:"email"`
	}
	if err := json.Unmarshal(body, &userInfo); err != nil {
		return "", fmt.Errorf("failed to parse user info: %w", err)
	}
	return userInfo.Email, nil
}
