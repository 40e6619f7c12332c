package account_test

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/poemonsense/cloudpool/internal/account"
	"github.com/poemonsense/cloudpool/internal/account/strategies"
	"github.com/poemonsense/cloudpool/internal/config"
)

type stubRefresher struct {
	token string
	err   error
}

func (s *stubRefresher) RefreshAccessToken(ctx context.Context, refreshToken string) (string, int, error) {
	if s.err != nil {
		return "", 0, s.err
	}
	return s.token, 3600, nil
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.AccountStorePath = filepath.Join(t.TempDir(), "accounts.json")
	return cfg
}

func newTestManager(t *testing.T, cfg *config.Config, refresher account.TokenRefresher) *account.Manager {
	t.Helper()
	if refresher == nil {
		refresher = &stubRefresher{token: "test-token"}
	}
	store := account.NewStore(cfg.AccountStorePath)
	credentials := account.NewCredentials(refresher, nil)
	m := account.NewManager(store, credentials, strategies.NewRoundRobin(), cfg)
	require.NoError(t, m.Initialize())
	return m
}

func addAccount(t *testing.T, m *account.Manager, email string) *account.Account {
	t.Helper()
	acc := &account.Account{
		Email:     email,
		Source:    account.SourceOAuth,
		Enabled:   true,
		ProjectID: "proj-" + email,
	}
	require.NoError(t, m.AddOrUpdate(acc))
	return acc
}

func TestAddOrUpdate(t *testing.T) {
	m := newTestManager(t, testConfig(t), nil)

	addAccount(t, m, "a@example.com")
	addAccount(t, m, "b@example.com")
	assert.Equal(t, 2, m.Count())

	// Replacing an existing account keeps its position
	require.NoError(t, m.AddOrUpdate(&account.Account{
		Email:   "a@example.com",
		Source:  account.SourceManual,
		APIKey:  "sk-new",
		Enabled: true,
	}))
	assert.Equal(t, 2, m.Count())

	accounts := m.List()
	assert.Equal(t, "a@example.com", accounts[0].Email)
	assert.Equal(t, account.SourceManual, accounts[0].Source)
}

func TestAddOrUpdateMaxAccounts(t *testing.T) {
	cfg := testConfig(t)
	cfg.MaxAccounts = 1
	m := newTestManager(t, cfg, nil)

	addAccount(t, m, "a@example.com")
	err := m.AddOrUpdate(&account.Account{Email: "b@example.com", Source: account.SourceOAuth, Enabled: true})
	assert.Error(t, err)
	assert.Equal(t, 1, m.Count())
}

func TestRemove(t *testing.T) {
	m := newTestManager(t, testConfig(t), nil)
	addAccount(t, m, "a@example.com")

	require.NoError(t, m.Remove("a@example.com"))
	assert.Equal(t, 0, m.Count())
	assert.Error(t, m.Remove("missing@example.com"))
}

func TestSetEnabled(t *testing.T) {
	m := newTestManager(t, testConfig(t), nil)
	addAccount(t, m, "a@example.com")

	require.NoError(t, m.SetEnabled("a@example.com", false))
	assert.Equal(t, 0, m.AvailableCount("claude-sonnet-4-5"))

	require.NoError(t, m.SetEnabled("a@example.com", true))
	assert.Equal(t, 1, m.AvailableCount("claude-sonnet-4-5"))
}

func TestMarkRateLimited(t *testing.T) {
	m := newTestManager(t, testConfig(t), nil)
	addAccount(t, m, "a@example.com")
	addAccount(t, m, "b@example.com")

	m.MarkRateLimited("a@example.com", 60_000, "claude-sonnet-4-5")

	assert.Equal(t, 1, m.AvailableCount("claude-sonnet-4-5"))
	// Other models on the same account are unaffected
	assert.Equal(t, 2, m.AvailableCount("gemini-3-flash"))
	assert.False(t, m.IsAllRateLimited("claude-sonnet-4-5"))

	m.MarkRateLimited("b@example.com", 60_000, "claude-sonnet-4-5")
	assert.True(t, m.IsAllRateLimited("claude-sonnet-4-5"))
}

func TestRateLimitExpiry(t *testing.T) {
	m := newTestManager(t, testConfig(t), nil)
	addAccount(t, m, "a@example.com")

	m.MarkRateLimited("a@example.com", 10, "claude-sonnet-4-5")
	assert.Equal(t, 0, m.AvailableCount("claude-sonnet-4-5"))

	time.Sleep(30 * time.Millisecond)

	assert.Equal(t, 1, m.ClearExpiredLimits())
	assert.Equal(t, 1, m.AvailableCount("claude-sonnet-4-5"))
	// A second sweep has nothing left to clear
	assert.Equal(t, 0, m.ClearExpiredLimits())
}

func TestResetAllRateLimits(t *testing.T) {
	m := newTestManager(t, testConfig(t), nil)
	addAccount(t, m, "a@example.com")
	m.MarkRateLimited("a@example.com", 60_000, "claude-sonnet-4-5")

	m.ResetAllRateLimits()
	assert.Equal(t, 1, m.AvailableCount("claude-sonnet-4-5"))
}

func TestGetMinWaitTimeMs(t *testing.T) {
	m := newTestManager(t, testConfig(t), nil)
	addAccount(t, m, "a@example.com")
	addAccount(t, m, "b@example.com")

	// An available account means no wait at all
	m.MarkRateLimited("a@example.com", 60_000, "claude-sonnet-4-5")
	assert.Equal(t, int64(0), m.GetMinWaitTimeMs("claude-sonnet-4-5"))

	m.MarkRateLimited("b@example.com", 30_000, "claude-sonnet-4-5")
	wait := m.GetMinWaitTimeMs("claude-sonnet-4-5")
	assert.Greater(t, wait, int64(25_000))
	assert.LessOrEqual(t, wait, int64(30_000))
}

func TestSelectAccountErrors(t *testing.T) {
	m := newTestManager(t, testConfig(t), nil)

	_, err := m.SelectAccount("claude-sonnet-4-5", account.SelectOptions{})
	assert.Error(t, err)

	addAccount(t, m, "a@example.com")
	m.MarkRateLimited("a@example.com", 60_000, "claude-sonnet-4-5")
	_, err = m.SelectAccount("claude-sonnet-4-5", account.SelectOptions{})
	assert.Error(t, err)
}

func TestNotifyFailureExtendedCooldown(t *testing.T) {
	cfg := testConfig(t)
	cfg.MaxConsecutiveFailures = 2
	m := newTestManager(t, cfg, nil)
	acc := addAccount(t, m, "a@example.com")

	m.NotifyFailure(acc, "claude-sonnet-4-5")
	assert.Equal(t, 1, m.AvailableCount("claude-sonnet-4-5"))

	m.NotifyFailure(acc, "claude-sonnet-4-5")
	assert.Equal(t, 0, m.AvailableCount("claude-sonnet-4-5"))
	// The streak restarts once the cooldown is applied
	assert.Equal(t, 0, acc.ConsecutiveFailures)
}

func TestNotifySuccessResetsFailures(t *testing.T) {
	m := newTestManager(t, testConfig(t), nil)
	acc := addAccount(t, m, "a@example.com")

	m.NotifyFailure(acc, "claude-sonnet-4-5")
	assert.Equal(t, 1, acc.ConsecutiveFailures)

	m.NotifySuccess(acc, "claude-sonnet-4-5")
	assert.Equal(t, 0, acc.ConsecutiveFailures)
}

func TestGetTokenForAccountManual(t *testing.T) {
	m := newTestManager(t, testConfig(t), nil)
	acc := &account.Account{
		Email:   "key@example.com",
		Source:  account.SourceManual,
		APIKey:  "sk-direct",
		Enabled: true,
	}
	require.NoError(t, m.AddOrUpdate(acc))

	token, err := m.GetTokenForAccount(context.Background(), acc)
	require.NoError(t, err)
	assert.Equal(t, "sk-direct", token)
}

func TestGetTokenMarksInvalidOnPermanentFailure(t *testing.T) {
	m := newTestManager(t, testConfig(t), &stubRefresher{err: fmt.Errorf("invalid_grant: token revoked")})
	acc := &account.Account{
		Email:        "bad@example.com",
		Source:       account.SourceOAuth,
		RefreshToken: "1//revoked",
		Enabled:      true,
	}
	require.NoError(t, m.AddOrUpdate(acc))

	_, err := m.GetTokenForAccount(context.Background(), acc)
	assert.Error(t, err)
	assert.True(t, acc.IsInvalid)

	got, gerr := m.GetByEmail("bad@example.com")
	require.NoError(t, gerr)
	assert.True(t, got.IsInvalid)
}

func TestGetTokenClearsStaleInvalidFlag(t *testing.T) {
	m := newTestManager(t, testConfig(t), &stubRefresher{token: "fresh"})
	acc := &account.Account{
		Email:        "flaky@example.com",
		Source:       account.SourceOAuth,
		RefreshToken: "1//ok",
		Enabled:      true,
		IsInvalid:    true,
	}
	require.NoError(t, m.AddOrUpdate(acc))

	token, err := m.GetTokenForAccount(context.Background(), acc)
	require.NoError(t, err)
	assert.Equal(t, "fresh", token)
	assert.False(t, acc.IsInvalid)
}

func TestGetProjectFor(t *testing.T) {
	m := newTestManager(t, testConfig(t), nil)
	addAccount(t, m, "a@example.com")

	// Account record wins over the shared default
	assert.Equal(t, "proj-a@example.com", m.GetProjectFor("a@example.com"))

	// A discovered project overrides the record
	m.SetProjectFor("a@example.com", "discovered-proj")
	assert.Equal(t, "discovered-proj", m.GetProjectFor("a@example.com"))

	m.ClearProjectCache()
	assert.Equal(t, "proj-a@example.com", m.GetProjectFor("a@example.com"))

	// Unknown accounts get the shared default
	assert.Equal(t, config.DefaultProjectID, m.GetProjectFor("nobody@example.com"))
}

func TestUpdateSubscriptionAndQuota(t *testing.T) {
	m := newTestManager(t, testConfig(t), nil)
	acc := addAccount(t, m, "a@example.com")

	m.UpdateSubscription("a@example.com", "pro", "companion-proj")
	require.NotNil(t, acc.Subscription)
	assert.Equal(t, "pro", acc.Subscription.Tier)
	assert.Equal(t, "companion-proj", m.GetProjectFor("a@example.com"))

	fraction := 0.75
	m.UpdateQuota("a@example.com", map[string]*account.ModelQuotaInfo{
		"claude-sonnet-4-5": {RemainingFraction: &fraction},
	})
	got := acc.QuotaFractionFor("claude-sonnet-4-5")
	require.NotNil(t, got)
	assert.Equal(t, 0.75, *got)
	assert.Nil(t, acc.QuotaFractionFor("gemini-3-flash"))
}

func TestGetStatusCounts(t *testing.T) {
	m := newTestManager(t, testConfig(t), nil)
	addAccount(t, m, "ok@example.com")
	addAccount(t, m, "limited@example.com")
	addAccount(t, m, "broken@example.com")
	addAccount(t, m, "off@example.com")

	m.MarkRateLimited("limited@example.com", 60_000, "claude-sonnet-4-5")
	m.MarkInvalid("broken@example.com", "token revoked")
	require.NoError(t, m.SetEnabled("off@example.com", false))

	status := m.GetStatus()
	assert.Equal(t, 4, status.Total)
	assert.Equal(t, 1, status.Available)
	assert.Equal(t, 1, status.RateLimited)
	assert.Equal(t, 2, status.Invalid)
	assert.Len(t, status.Accounts, 4)
}

func TestStorePersistsAcrossManagers(t *testing.T) {
	cfg := testConfig(t)
	m := newTestManager(t, cfg, nil)
	addAccount(t, m, "a@example.com")
	m.MarkInvalid("a@example.com", "revoked")

	reloaded := newTestManager(t, cfg, nil)
	assert.Equal(t, 1, reloaded.Count())
	acc, err := reloaded.GetByEmail("a@example.com")
	require.NoError(t, err)
	assert.True(t, acc.IsInvalid)
	assert.Equal(t, "revoked", acc.InvalidReason)
}
