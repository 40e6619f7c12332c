package account

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/poemonsense/cloudpool/internal/config"
	"github.com/poemonsense/cloudpool/internal/errors"
	"github.com/poemonsense/cloudpool/internal/utils"
)

// Manager is the thread-safe facade over the account pool. All state
// transitions and selections happen under one mutex so availability
// checks and the selection they feed stay atomic.
type Manager struct {
	mu sync.Mutex

	store       *Store
	accounts    []*Account
	credentials *Credentials

	strategy Strategy

	// projectCache maps email -> discovered project ID
	projectCache map[string]string

	config *config.Config
}

// NewManager creates a manager over the given store, credentials, and
// strategy. Call Initialize before use.
func NewManager(store *Store, credentials *Credentials, strategy Strategy, cfg *config.Config) *Manager {
	return &Manager{
		store:        store,
		accounts:     make([]*Account, 0),
		credentials:  credentials,
		strategy:     strategy,
		projectCache: make(map[string]string),
		config:       cfg,
	}
}

// Initialize loads accounts from the store
func (m *Manager) Initialize() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	accounts, err := m.store.Load()
	if err != nil {
		return err
	}
	m.accounts = accounts
	m.clearExpiredLimitsLocked()
	utils.Info("[AccountManager] Loaded %d account(s), strategy: %s", len(accounts), m.strategy.Label())
	return nil
}

// Reload re-reads the account file, replacing in-memory state
func (m *Manager) Reload() error {
	if err := m.Initialize(); err != nil {
		return err
	}
	utils.Info("[AccountManager] Accounts reloaded from %s", m.store.Path())
	return nil
}

// Count returns the number of accounts in the pool
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.accounts)
}

// List returns a snapshot of the pool slice, in insertion order
func (m *Manager) List() []*Account {
	m.mu.Lock()
	defer m.mu.Unlock()
	result := make([]*Account, len(m.accounts))
	copy(result, m.accounts)
	return result
}

// SelectAccount picks an account for the model via the strategy.
// Expired limits are cleared first, atomically with the selection.
func (m *Manager) SelectAccount(modelID string, opts SelectOptions) (*Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.accounts) == 0 {
		return nil, errors.NewNoAccountsError("No accounts configured", false)
	}

	m.clearExpiredLimitsLocked()

	acc := m.strategy.Select(m.accounts, modelID, time.Now(), opts)
	if acc == nil {
		allRateLimited := m.isAllRateLimitedLocked(modelID)
		return nil, errors.NewNoAccountsError("No accounts available for "+modelID, allRateLimited)
	}
	return acc, nil
}

// IsAllRateLimited reports whether every enabled, valid account is
// rate-limited for the model.
func (m *Manager) IsAllRateLimited(modelID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clearExpiredLimitsLocked()
	return m.isAllRateLimitedLocked(modelID)
}

func (m *Manager) isAllRateLimitedLocked(modelID string) bool {
	now := time.Now()
	sawUsable := false
	for _, acc := range m.accounts {
		if !acc.Enabled || acc.IsInvalid {
			continue
		}
		sawUsable = true
		if !acc.IsRateLimitedFor(modelID, now) {
			return false
		}
	}
	return sawUsable
}

// AvailableCount returns how many accounts could serve the model now
func (m *Manager) AvailableCount(modelID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	var n int
	for _, acc := range m.accounts {
		if acc.IsAvailableFor(modelID, now) {
			n++
		}
	}
	return n
}

// MarkRateLimited records a rate limit on one account for a model.
// resetMs is relative to now.
func (m *Manager) MarkRateLimited(email string, resetMs int64, modelID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	acc := m.findLocked(email)
	if acc == nil {
		return
	}
	acc.SetRateLimit(modelID, resetMs, time.Now())
	utils.Warn("[AccountManager] %s rate-limited on %s for %s",
		utils.MaskEmail(email), modelID, utils.FormatDuration(resetMs))
	m.saveLocked()
}

// MarkInvalid permanently disables an account until operator action
func (m *Manager) MarkInvalid(email, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	acc := m.findLocked(email)
	if acc == nil {
		return
	}
	acc.IsInvalid = true
	acc.InvalidReason = reason
	acc.InvalidAt = time.Now().UnixMilli()
	utils.Error("[AccountManager] %s marked invalid: %s", utils.MaskEmail(email), reason)
	m.saveLocked()
}

// MarkValid clears the invalid flag, e.g. after a successful token
// refresh proves the credential works again.
func (m *Manager) MarkValid(email string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	acc := m.findLocked(email)
	if acc == nil || !acc.IsInvalid {
		return
	}
	acc.IsInvalid = false
	acc.InvalidReason = ""
	acc.InvalidAt = 0
	m.saveLocked()
}

// ResetAllRateLimits optimistically clears every rate limit. Used when
// all accounts look limited but the caller wants one more sweep.
func (m *Manager) ResetAllRateLimits() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, acc := range m.accounts {
		acc.ModelRateLimits = nil
	}
	utils.Info("[AccountManager] All rate limits reset")
}

// ClearExpiredLimits drops expired rate limits across the pool and
// returns how many were cleared. Idempotent.
func (m *Manager) ClearExpiredLimits() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.clearExpiredLimitsLocked()
}

func (m *Manager) clearExpiredLimitsLocked() int {
	now := time.Now()
	var cleared int
	for _, acc := range m.accounts {
		cleared += acc.ClearExpiredLimits(now)
	}
	if cleared > 0 {
		utils.Debug("[AccountManager] Cleared %d expired rate limit(s)", cleared)
	}
	return cleared
}

// GetMinWaitTimeMs returns the smallest remaining wait until some
// account frees up for the model. Zero when an account is available now.
func (m *Manager) GetMinWaitTimeMs(modelID string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	var minWait int64 = -1

	for _, acc := range m.accounts {
		if !acc.Enabled || acc.IsInvalid {
			continue
		}
		if !acc.IsRateLimitedFor(modelID, now) {
			return 0
		}
		info := acc.ModelRateLimits[modelID]
		if info.ResetTime > 0 {
			wait := info.ResetTime - now.UnixMilli()
			if wait > 0 && (minWait < 0 || wait < minWait) {
				minWait = wait
			}
		}
	}

	if minWait < 0 {
		return 0
	}
	return minWait
}

// NotifySuccess reports a successful request to the strategy
func (m *Manager) NotifySuccess(acc *Account, modelID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.strategy.OnSuccess(acc, modelID)
}

// NotifyRateLimit reports an upstream rate limit to the strategy
func (m *Manager) NotifyRateLimit(acc *Account, modelID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.strategy.OnRateLimit(acc, modelID)
}

// NotifyFailure reports a failed request. After MaxConsecutiveFailures
// in a row the account gets an extended cooldown on the model so a
// flapping credential stops absorbing attempts.
func (m *Manager) NotifyFailure(acc *Account, modelID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.strategy.OnFailure(acc, modelID)
	if acc.ConsecutiveFailures >= m.config.MaxConsecutiveFailures {
		acc.SetRateLimit(modelID, m.config.ExtendedCooldownMs, time.Now())
		utils.Warn("[AccountManager] %s hit %d consecutive failures, cooling down for %s",
			utils.MaskEmail(acc.Email), acc.ConsecutiveFailures,
			utils.FormatDuration(m.config.ExtendedCooldownMs))
		acc.ConsecutiveFailures = 0
	}
}

// StrategyLabel returns the display label of the active strategy
func (m *Manager) StrategyLabel() string {
	return m.strategy.Label()
}

// GetTokenForAccount resolves an access token for the account. A
// permanent credential failure marks the account invalid; a successful
// refresh clears a stale invalid flag.
func (m *Manager) GetTokenForAccount(ctx context.Context, acc *Account) (string, error) {
	token, err := m.credentials.GetAccessToken(ctx, acc)
	if err != nil {
		if isCredentialAuthError(err) {
			m.MarkInvalid(acc.Email, err.Error())
		}
		return "", err
	}
	if acc.IsInvalid {
		m.MarkValid(acc.Email)
	}
	return token, nil
}

func isCredentialAuthError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "invalid_grant") ||
		strings.Contains(msg, "token refresh failed") ||
		strings.Contains(msg, "token has been expired or revoked")
}

// ClearTokenCache drops every cached access token
func (m *Manager) ClearTokenCache() {
	m.credentials.ClearCache()
}

// ClearTokenCacheFor drops the cached access token for one account
func (m *Manager) ClearTokenCacheFor(email string) {
	m.credentials.ClearCacheFor(email)
}

// GetProjectFor returns the cached project ID for an account, falling
// back to the account record and then the shared default.
func (m *Manager) GetProjectFor(email string) string {
	m.mu.Lock()
	defer m.mu.Unlock()

	if projectID, ok := m.projectCache[email]; ok && projectID != "" {
		return projectID
	}
	if acc := m.findLocked(email); acc != nil && acc.ProjectID != "" {
		return acc.ProjectID
	}
	return config.DefaultProjectID
}

// SetProjectFor caches a discovered project ID for an account
func (m *Manager) SetProjectFor(email, projectID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.projectCache[email] = projectID
}

// ClearProjectCache drops every cached project ID
func (m *Manager) ClearProjectCache() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.projectCache = make(map[string]string)
}

// ClearProjectCacheFor drops the cached project ID for one account
func (m *Manager) ClearProjectCacheFor(email string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.projectCache, email)
}

// UpdateSubscription records the detected subscription for an account
func (m *Manager) UpdateSubscription(email, tier, projectID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	acc := m.findLocked(email)
	if acc == nil {
		return
	}
	acc.Subscription = &SubscriptionInfo{
		Tier:       tier,
		ProjectID:  projectID,
		DetectedAt: time.Now().UnixMilli(),
	}
	if projectID != "" {
		m.projectCache[email] = projectID
	}
	m.saveLocked()
}

// UpdateQuota records a quota snapshot for an account
func (m *Manager) UpdateQuota(email string, models map[string]*ModelQuotaInfo) {
	m.mu.Lock()
	defer m.mu.Unlock()

	acc := m.findLocked(email)
	if acc == nil {
		return
	}
	if acc.Quota == nil {
		acc.Quota = &QuotaInfo{Models: make(map[string]*ModelQuotaInfo)}
	}
	acc.Quota.LastChecked = time.Now().UnixMilli()
	for modelID, info := range models {
		acc.Quota.Models[modelID] = info
	}
	m.saveLocked()
}

// GetByEmail returns the account with the given email
func (m *Manager) GetByEmail(email string) (*Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if acc := m.findLocked(email); acc != nil {
		return acc, nil
	}
	return nil, errors.NewNoAccountsError("Account "+email+" not found", false)
}

// AddOrUpdate inserts a new account at the end of the pool, or replaces
// an existing one in place (preserving its position).
func (m *Manager) AddOrUpdate(acc *Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i, existing := range m.accounts {
		if existing.Email == acc.Email {
			m.accounts[i] = acc
			utils.Info("[AccountManager] Account %s updated", utils.MaskEmail(acc.Email))
			return m.saveLocked()
		}
	}

	if len(m.accounts) >= m.config.MaxAccounts {
		return errors.NewNoAccountsError("Maximum accounts reached", false)
	}
	if acc.AddedAt == 0 {
		acc.AddedAt = time.Now().UnixMilli()
	}
	m.accounts = append(m.accounts, acc)
	utils.Info("[AccountManager] Account %s added", utils.MaskEmail(acc.Email))
	return m.saveLocked()
}

// Remove deletes an account from the pool
func (m *Manager) Remove(email string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i, acc := range m.accounts {
		if acc.Email == email {
			m.accounts = append(m.accounts[:i], m.accounts[i+1:]...)
			delete(m.projectCache, email)
			return m.saveLocked()
		}
	}
	return errors.NewNoAccountsError("Account "+email+" not found", false)
}

// SetEnabled enables or disables an account
func (m *Manager) SetEnabled(email string, enabled bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	acc := m.findLocked(email)
	if acc == nil {
		return errors.NewNoAccountsError("Account "+email+" not found", false)
	}
	acc.Enabled = enabled
	return m.saveLocked()
}

// SaveToDisk flushes the pool to the store
func (m *Manager) SaveToDisk() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saveLocked()
}

func (m *Manager) saveLocked() error {
	if err := m.store.Save(m.accounts); err != nil {
		utils.Warn("[AccountManager] Failed to save accounts: %v", err)
		return err
	}
	return nil
}

func (m *Manager) findLocked(email string) *Account {
	for _, acc := range m.accounts {
		if acc.Email == email {
			return acc
		}
	}
	return nil
}

// Status summarizes the pool for the status endpoint and CLI
type Status struct {
	Total       int              `json:"total"`
	Available   int              `json:"available"`
	RateLimited int              `json:"rateLimited"`
	Invalid     int              `json:"invalid"`
	Strategy    string           `json:"strategy"`
	Accounts    []*AccountStatus `json:"accounts"`
}

// AccountStatus is the per-account slice of Status
type AccountStatus struct {
	Email           string                     `json:"email"`
	Source          string                     `json:"source"`
	Enabled         bool                       `json:"enabled"`
	ProjectID       string                     `json:"projectId,omitempty"`
	IsInvalid       bool                       `json:"isInvalid"`
	InvalidReason   string                     `json:"invalidReason,omitempty"`
	LastUsed        int64                      `json:"lastUsed,omitempty"`
	Subscription    *SubscriptionInfo          `json:"subscription,omitempty"`
	Quota           *QuotaInfo                 `json:"quota,omitempty"`
	ModelRateLimits map[string]*RateLimitInfo  `json:"modelRateLimits,omitempty"`
}

// GetStatus returns a snapshot of pool health
func (m *Manager) GetStatus() *Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	status := &Status{
		Total:    len(m.accounts),
		Strategy: m.strategy.Label(),
		Accounts: make([]*AccountStatus, 0, len(m.accounts)),
	}

	for _, acc := range m.accounts {
		limited := false
		for modelID := range acc.ModelRateLimits {
			if acc.IsRateLimitedFor(modelID, now) {
				limited = true
				break
			}
		}

		switch {
		case acc.IsInvalid || !acc.Enabled:
			status.Invalid++
		case limited:
			status.RateLimited++
		default:
			status.Available++
		}

		status.Accounts = append(status.Accounts, &AccountStatus{
			Email:           acc.Email,
			Source:          acc.Source,
			Enabled:         acc.Enabled,
			ProjectID:       acc.ProjectID,
			IsInvalid:       acc.IsInvalid,
			InvalidReason:   acc.InvalidReason,
			LastUsed:        acc.LastUsed,
			Subscription:    acc.Subscription,
			Quota:           acc.Quota,
			ModelRateLimits: acc.ModelRateLimits,
		})
	}

	return status
}
