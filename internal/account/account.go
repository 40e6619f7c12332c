// Package account implements the multi-account pool: persistent account
// records, credential caching, and the thread-safe selection facade.
package account

import (
	"time"
)

// RateLimitInfo tracks the rate-limit state of one (account, model) pair
type RateLimitInfo struct {
	IsRateLimited bool  `json:"isRateLimited"`
	ResetTime     int64 `json:"resetTime,omitempty"` // epoch ms
	ActualResetMs int64 `json:"actualResetMs,omitempty"`
}

// Expired reports whether the limit's reset time has passed
func (r *RateLimitInfo) Expired(now time.Time) bool {
	return r.ResetTime > 0 && now.UnixMilli() >= r.ResetTime
}

// SubscriptionInfo is the detected subscription tier of an account
type SubscriptionInfo struct {
	Tier       string `json:"tier"`
	ProjectID  string `json:"projectId,omitempty"`
	DetectedAt int64  `json:"detectedAt"`
}

// ModelQuotaInfo is the remaining quota for one model on one account.
// RemainingFraction is nil when the upstream did not report one.
type ModelQuotaInfo struct {
	RemainingFraction *float64 `json:"remainingFraction,omitempty"`
	ResetTime         string   `json:"resetTime,omitempty"`
}

// QuotaInfo is the per-account quota snapshot from the last refresh sweep
type QuotaInfo struct {
	Models      map[string]*ModelQuotaInfo `json:"models"`
	LastChecked int64                      `json:"lastChecked"`
}

// Account source values
const (
	SourceOAuth    = "oauth"
	SourceManual   = "manual"
	SourceDatabase = "database"
)

// Account is one upstream credential in the pool. Email is the stable
// identity; insertion order in the pool is the tie-break order everywhere.
type Account struct {
	Email        string `json:"email"`
	Source       string `json:"source"`
	RefreshToken string `json:"refreshToken,omitempty"`
	APIKey       string `json:"apiKey,omitempty"`
	ProjectID    string `json:"projectId,omitempty"`
	Enabled      bool   `json:"enabled"`
	AddedAt      int64  `json:"addedAt,omitempty"`

	// Invalid flag is sticky until an operator intervenes
	IsInvalid     bool   `json:"isInvalid,omitempty"`
	InvalidReason string `json:"invalidReason,omitempty"`
	InvalidAt     int64  `json:"invalidAt,omitempty"`

	// Transient health state, rebuilt on restart
	ModelRateLimits     map[string]*RateLimitInfo `json:"modelRateLimits,omitempty"`
	ConsecutiveFailures int                       `json:"-"`
	LastUsed            int64                     `json:"lastUsed,omitempty"`

	Subscription *SubscriptionInfo `json:"subscription,omitempty"`
	Quota        *QuotaInfo        `json:"quota,omitempty"`
}

// IsRateLimitedFor reports whether the account is currently rate-limited
// for the given model. An expired limit does not count.
func (a *Account) IsRateLimitedFor(modelID string, now time.Time) bool {
	if modelID == "" || a.ModelRateLimits == nil {
		return false
	}
	info, ok := a.ModelRateLimits[modelID]
	if !ok || !info.IsRateLimited {
		return false
	}
	if info.Expired(now) {
		return false
	}
	return true
}

// IsAvailableFor reports whether the account can serve the given model
// right now: enabled, not invalid, not rate-limited (or limit expired).
func (a *Account) IsAvailableFor(modelID string, now time.Time) bool {
	if !a.Enabled || a.IsInvalid {
		return false
	}
	return !a.IsRateLimitedFor(modelID, now)
}

// SetRateLimit records a rate limit on the account for a model
func (a *Account) SetRateLimit(modelID string, resetMs int64, now time.Time) {
	if a.ModelRateLimits == nil {
		a.ModelRateLimits = make(map[string]*RateLimitInfo)
	}
	a.ModelRateLimits[modelID] = &RateLimitInfo{
		IsRateLimited: true,
		ResetTime:     now.Add(time.Duration(resetMs) * time.Millisecond).UnixMilli(),
		ActualResetMs: resetMs,
	}
}

// ClearExpiredLimits drops expired rate limits and returns how many it
// cleared. Safe to call any number of times.
func (a *Account) ClearExpiredLimits(now time.Time) int {
	var cleared int
	for modelID, info := range a.ModelRateLimits {
		if info.IsRateLimited && info.Expired(now) {
			delete(a.ModelRateLimits, modelID)
			cleared++
		}
	}
	return cleared
}

// QuotaFractionFor returns the remaining quota fraction for a model, or
// nil when no fresh quota data exists for it.
func (a *Account) QuotaFractionFor(modelID string) *float64 {
	if a.Quota == nil || a.Quota.Models == nil {
		return nil
	}
	info, ok := a.Quota.Models[modelID]
	if !ok {
		return nil
	}
	return info.RemainingFraction
}
