package cloudcode

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/poemonsense/cloudpool/internal/account"
	"github.com/poemonsense/cloudpool/internal/config"
	"github.com/poemonsense/cloudpool/internal/errors"
	"github.com/poemonsense/cloudpool/internal/stats"
	"github.com/poemonsense/cloudpool/internal/utils"
)

// Client executes Messages calls against the Cloud Code upstream with
// account failover, endpoint fallback, and rate-limit bookkeeping. One
// Client is shared by all in-flight requests.
type Client struct {
	accounts *account.Manager
	cfg      *config.Config
	http     *http.Client
	tracker  *RateLimitTracker
	recorder *stats.Recorder

	// endpoints is the ordered endpoint fallback list; assistEndpoints
	// is the (differently ordered) list for loadCodeAssist. Tests point
	// these at local servers.
	endpoints       []string
	assistEndpoints []string

	// fallbackFor resolves the next model in the fallback chain
	fallbackFor func(model string) (string, bool)

	// models caches the upstream model catalog for validation
	models modelCache
}

// NewClient creates a Client over the account pool
func NewClient(accounts *account.Manager, cfg *config.Config) *Client {
	return &Client{
		accounts: accounts,
		cfg:      cfg,
		http: &http.Client{
			Timeout: time.Duration(cfg.RequestTimeoutMs) * time.Millisecond,
		},
		tracker:         NewRateLimitTracker(cfg),
		endpoints:       config.CloudCodeEndpointFallbacks,
		assistEndpoints: config.LoadCodeAssistEndpoints,
		fallbackFor:     config.GetFallbackModel,
	}
}

// SetStatsRecorder attaches a usage recorder; nil disables recording
func (c *Client) SetStatsRecorder(r *stats.Recorder) {
	c.recorder = r
}

// Tracker exposes the 429 streak tracker for lifecycle management
func (c *Client) Tracker() *RateLimitTracker {
	return c.tracker
}

// maxAttempts bounds one logical call: at least MaxRetries, and enough
// to give every account one chance plus one.
func (c *Client) maxAttempts() int {
	n := c.accounts.Count() + 1
	if c.cfg.MaxRetries > n {
		return c.cfg.MaxRetries
	}
	return n
}

// nextFallback returns the next untried model in the fallback chain.
// The tried list keeps a cyclic fallback map from recursing forever.
func (c *Client) nextFallback(model string, tried []string) (string, bool) {
	next, ok := c.fallbackFor(model)
	if !ok {
		return "", false
	}
	for _, m := range tried {
		if m == next {
			return "", false
		}
	}
	return next, true
}

// resourceExhausted builds the terminal error for a fully limited pool
func resourceExhausted(model string, minWaitMs int64) error {
	resetAt := time.Now().Add(time.Duration(minWaitMs) * time.Millisecond).Format(time.RFC3339)
	msg := fmt.Sprintf("RESOURCE_EXHAUSTED: Rate limited on %s. Quota will reset after %s. Next available: %s",
		model, utils.FormatDuration(minWaitMs), resetAt)
	return errors.NewRateLimitError(msg, &minWaitMs, "")
}

// poolOutcome tells the outer retry loop what to do when no account is
// available for the model.
type poolOutcome int

const (
	poolRetry    poolOutcome = iota // waited for a reset, run the attempt again
	poolFallback                    // wait too long, recurse into the fallback model
	poolFail                        // terminal, error set
)

// waitForPool handles the empty-pool branch of an attempt: wait for the
// shortest reset when it is short enough, otherwise signal fallback or
// fail with a structured exhaustion error.
func (c *Client) waitForPool(ctx context.Context, model string, fallbackEnabled bool, tried []string) (poolOutcome, error) {
	if !c.accounts.IsAllRateLimited(model) {
		return poolFail, errors.NewNoAccountsError("No accounts available for "+model, false)
	}

	minWaitMs := c.accounts.GetMinWaitTimeMs(model)
	if minWaitMs > c.cfg.MaxWaitBeforeErrorMs {
		if fallbackEnabled {
			if _, ok := c.nextFallback(model, tried); ok {
				return poolFallback, nil
			}
		}
		return poolFail, resourceExhausted(model, minWaitMs)
	}

	utils.Warn("[CloudCode] All %d account(s) rate-limited for %s. Waiting %s...",
		c.accounts.Count(), model, utils.FormatDuration(minWaitMs))
	if err := utils.Sleep(ctx, minWaitMs+500); err != nil {
		return poolFail, err
	}
	c.accounts.ClearExpiredLimits()
	return poolRetry, nil
}

// projectFor resolves the project ID for an account, discovering it
// from the upstream once when the account record has none.
func (c *Client) projectFor(ctx context.Context, acc *account.Account, token string) string {
	projectID := c.accounts.GetProjectFor(acc.Email)
	if projectID != config.DefaultProjectID {
		return projectID
	}
	if acc.ProjectID != "" || acc.Subscription != nil {
		return projectID
	}

	sub, err := c.SubscriptionTier(ctx, token)
	if err != nil || sub.ProjectID == "" {
		return projectID
	}
	c.accounts.UpdateSubscription(acc.Email, sub.Tier, sub.ProjectID)
	return sub.ProjectID
}

// endpointAction is the decision for one upstream error response
type endpointAction int

const (
	actionRetryEndpoint endpointAction = iota // backoff already applied, hit the same endpoint again
	actionNextEndpoint                        // remember lastError, advance to the next endpoint
	actionRefreshToken                        // caches cleared, reacquire the token, advance endpoint
	actionSwitchAccount                       // account-scoped failure, leave the endpoint loop
	actionTerminal                            // unrecoverable, propagate
)

// handleUpstreamError classifies a non-2xx upstream response and
// applies the matching state mutation. Sleeps for in-place retries
// happen here so callers just dispatch on the action.
func (c *Client) handleUpstreamError(ctx context.Context, acc *account.Account, model string,
	status int, headers http.Header, errorText string, capacityRetries *int) (endpointAction, error) {

	switch status {
	case 401:
		if IsPermanentAuthFailure(errorText) {
			utils.Error("[CloudCode] Permanent auth failure for %s: %.100s",
				utils.MaskEmail(acc.Email), errorText)
			c.accounts.MarkInvalid(acc.Email, "Token revoked - re-authentication required")
			return actionTerminal, errors.NewAuthError(
				"AUTH_INVALID_PERMANENT: "+utils.TruncateString(errorText, 200), acc.Email, "token_revoked")
		}
		// Transient: drop cached credentials and reacquire on the next
		// endpoint
		c.accounts.ClearTokenCacheFor(acc.Email)
		c.accounts.ClearProjectCacheFor(acc.Email)
		return actionRefreshToken, errors.NewAuthError(
			"Auth error: "+utils.TruncateString(errorText, 200), acc.Email, "transient")

	case 429:
		resetMs := ParseResetTime(headers, errorText)

		if IsModelCapacityExhausted(errorText) && *capacityRetries < c.cfg.MaxCapacityRetries {
			waitMs := resetMs
			if waitMs <= 0 {
				waitMs = CapacityBackoffMs(c.cfg, *capacityRetries+1)
			}
			*capacityRetries++
			utils.Info("[CloudCode] Model capacity exhausted, retry %d/%d after %s...",
				*capacityRetries, c.cfg.MaxCapacityRetries, utils.FormatDuration(waitMs))
			if err := utils.Sleep(ctx, waitMs); err != nil {
				return actionTerminal, err
			}
			return actionRetryEndpoint, nil
		}

		// A sub-second server reset is cheaper to sit out in place than
		// to switch accounts over
		if resetMs > 0 && resetMs < 1000 {
			utils.Info("[CloudCode] Short rate limit on %s (%dms), retrying in place...",
				utils.MaskEmail(acc.Email), resetMs)
			if err := utils.Sleep(ctx, resetMs); err != nil {
				return actionTerminal, err
			}
			return actionRetryEndpoint, nil
		}

		backoff := c.tracker.OnRateLimit(acc.Email, model, resetMs)
		smartMs := CalculateSmartBackoff(c.cfg, errorText, resetMs, backoff.Attempt-1)
		c.accounts.MarkRateLimited(acc.Email, smartMs, model)
		return actionSwitchAccount, errors.NewRateLimitError(
			utils.TruncateString(errorText, 300), &smartMs, acc.Email)

	case 400:
		utils.Error("[CloudCode] Invalid request (400): %.200s", errorText)
		return actionTerminal, errors.NewApiError(utils.TruncateString(errorText, 500), 400, "invalid_request_error")

	case 503, 529:
		if IsModelCapacityExhausted(errorText) {
			if *capacityRetries < c.cfg.MaxCapacityRetries {
				waitMs := CapacityBackoffMs(c.cfg, *capacityRetries+1)
				*capacityRetries++
				utils.Info("[CloudCode] %d model capacity exhausted, retry %d/%d after %s...",
					status, *capacityRetries, c.cfg.MaxCapacityRetries, utils.FormatDuration(waitMs))
				if err := utils.Sleep(ctx, waitMs); err != nil {
					return actionTerminal, err
				}
				return actionRetryEndpoint, nil
			}
			// Capacity retries exhausted on a 503: switch accounts
			// without marking, the overload is not account-scoped
			utils.Warn("[CloudCode] Max capacity retries (%d) exceeded, switching account",
				c.cfg.MaxCapacityRetries)
			return actionSwitchAccount, errors.NewApiError(
				utils.TruncateString(errorText, 300), status, "api_error")
		}
		fallthrough

	default:
		apiErr := errors.NewApiError(fmt.Sprintf("API error %d: %s", status,
			utils.TruncateString(errorText, 300)), status, "api_error")
		if status >= 500 {
			utils.Warn("[CloudCode] %d error, waiting 1s before next endpoint...", status)
			if err := utils.Sleep(ctx, 1000); err != nil {
				return actionTerminal, err
			}
		}
		return actionNextEndpoint, apiErr
	}
}

// classifyAttemptError routes the error an endpoint loop ended with:
// true means try the next account, false means propagate. The 1 s
// network pause keeps a flapping link from burning attempts instantly.
func (c *Client) classifyAttemptError(ctx context.Context, acc *account.Account, model string, lastErr error) (bool, error) {
	switch {
	case errors.IsRateLimitError(lastErr):
		c.accounts.NotifyRateLimit(acc, model)
		utils.Info("[CloudCode] Account %s rate-limited, trying next...", utils.MaskEmail(acc.Email))
		return true, nil

	case errors.IsAuthError(lastErr):
		utils.Warn("[CloudCode] Account %s has credential trouble, trying next...", utils.MaskEmail(acc.Email))
		return true, nil

	case is5xxError(lastErr):
		c.accounts.NotifyFailure(acc, model)
		utils.Warn("[CloudCode] Account %s failed with a 5xx, trying next...", utils.MaskEmail(acc.Email))
		return true, nil

	case utils.IsNetworkError(lastErr):
		c.accounts.NotifyFailure(acc, model)
		utils.Warn("[CloudCode] Network error for %s, trying next account... (%v)", utils.MaskEmail(acc.Email), lastErr)
		if err := utils.Sleep(ctx, 1000); err != nil {
			return false, err
		}
		return true, nil

	default:
		return false, lastErr
	}
}

func is5xxError(err error) bool {
	if apiErr, ok := err.(*errors.ApiError); ok {
		return apiErr.StatusCode >= 500
	}
	return false
}

// post issues one upstream POST with the prepared headers
func (c *Client) post(ctx context.Context, url string, headers map[string]string, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	return c.http.Do(req)
}

// drainBody reads and closes an error response body
func drainBody(resp *http.Response) string {
	defer resp.Body.Close()
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	return string(data)
}

// recordOutcome feeds the stats recorder when one is attached
func (c *Client) recordOutcome(model, email string, usage *statsUsage, success bool) {
	if c.recorder == nil {
		return
	}
	var in, out int
	if usage != nil {
		in, out = usage.input, usage.output
	}
	c.recorder.Record(model, email, in, out, success)
}

type statsUsage struct {
	input  int
	output int
}
