package strategies

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/poemonsense/cloudpool/internal/account"
)

const testModel = "claude-sonnet-4-5"

func mkAccount(email string) *account.Account {
	return &account.Account{
		Email:   email,
		Source:  account.SourceOAuth,
		Enabled: true,
	}
}

func mkPool(emails ...string) []*account.Account {
	pool := make([]*account.Account, 0, len(emails))
	for _, email := range emails {
		pool = append(pool, mkAccount(email))
	}
	return pool
}

func limit(acc *account.Account, modelID string) {
	acc.SetRateLimit(modelID, 60_000, time.Now())
}

func setQuota(acc *account.Account, modelID string, fraction *float64) {
	if acc.Quota == nil {
		acc.Quota = &account.QuotaInfo{Models: make(map[string]*account.ModelQuotaInfo)}
	}
	acc.Quota.Models[modelID] = &account.ModelQuotaInfo{RemainingFraction: fraction}
}

func TestRoundRobinRotates(t *testing.T) {
	s := NewRoundRobin()
	pool := mkPool("a@x.com", "b@x.com", "c@x.com")
	now := time.Now()

	seen := make(map[string]bool)
	var sequence []string
	for i := 0; i < 3; i++ {
		acc := s.Select(pool, testModel, now, account.SelectOptions{})
		require.NotNil(t, acc)
		seen[acc.Email] = true
		sequence = append(sequence, acc.Email)
	}
	// One full rotation hands out every account exactly once
	assert.Len(t, seen, 3)

	acc := s.Select(pool, testModel, now, account.SelectOptions{})
	require.NotNil(t, acc)
	assert.Equal(t, sequence[0], acc.Email)
}

func TestRoundRobinSkipsUnavailable(t *testing.T) {
	s := NewRoundRobin()
	pool := mkPool("a@x.com", "b@x.com", "c@x.com")
	pool[1].Enabled = false
	limit(pool[2], testModel)
	now := time.Now()

	for i := 0; i < 3; i++ {
		acc := s.Select(pool, testModel, now, account.SelectOptions{})
		require.NotNil(t, acc)
		assert.Equal(t, "a@x.com", acc.Email)
	}
}

func TestRoundRobinEmptyPool(t *testing.T) {
	s := NewRoundRobin()
	assert.Nil(t, s.Select(nil, testModel, time.Now(), account.SelectOptions{}))

	pool := mkPool("a@x.com")
	limit(pool[0], testModel)
	assert.Nil(t, s.Select(pool, testModel, time.Now(), account.SelectOptions{}))
}

func TestRoundRobinTouchesLastUsed(t *testing.T) {
	s := NewRoundRobin()
	pool := mkPool("a@x.com")
	now := time.Now()

	acc := s.Select(pool, testModel, now, account.SelectOptions{})
	require.NotNil(t, acc)
	assert.Equal(t, now.UnixMilli(), acc.LastUsed)
}

func TestStickyModelAffinity(t *testing.T) {
	s := NewSticky()
	pool := mkPool("a@x.com", "b@x.com")
	now := time.Now()

	first := s.Select(pool, testModel, now, account.SelectOptions{})
	require.NotNil(t, first)

	// Repeated selections stay on the same account while it is available
	for i := 0; i < 5; i++ {
		acc := s.Select(pool, testModel, now, account.SelectOptions{})
		require.NotNil(t, acc)
		assert.Equal(t, first.Email, acc.Email)
	}
}

func TestStickySwitchesWhenPinnedUnavailable(t *testing.T) {
	s := NewSticky()
	pool := mkPool("a@x.com", "b@x.com")
	now := time.Now()

	first := s.Select(pool, testModel, now, account.SelectOptions{})
	require.Equal(t, "a@x.com", first.Email)

	limit(pool[0], testModel)
	second := s.Select(pool, testModel, now, account.SelectOptions{})
	require.NotNil(t, second)
	assert.Equal(t, "b@x.com", second.Email)

	// The new pin holds even after the old account recovers
	pool[0].ModelRateLimits = nil
	third := s.Select(pool, testModel, now, account.SelectOptions{})
	require.NotNil(t, third)
	assert.Equal(t, "b@x.com", third.Email)
}

func TestStickySessionAffinity(t *testing.T) {
	s := NewSticky()
	pool := mkPool("a@x.com", "b@x.com")
	now := time.Now()
	opts := account.SelectOptions{SessionKey: "session-1"}

	first := s.Select(pool, testModel, now, opts)
	require.NotNil(t, first)

	// The session pin carries across models
	acc := s.Select(pool, "gemini-3-flash", now, opts)
	require.NotNil(t, acc)
	assert.Equal(t, first.Email, acc.Email)
}

func TestStickyOnRateLimitBreaksAffinity(t *testing.T) {
	s := NewSticky()
	pool := mkPool("a@x.com", "b@x.com")
	now := time.Now()

	first := s.Select(pool, testModel, now, account.SelectOptions{})
	require.Equal(t, "a@x.com", first.Email)

	limit(pool[0], testModel)
	s.OnRateLimit(pool[0], testModel)

	acc := s.Select(pool, testModel, now, account.SelectOptions{})
	require.NotNil(t, acc)
	assert.Equal(t, "b@x.com", acc.Email)
}

func TestLeastUsedPicksOldest(t *testing.T) {
	s := NewLeastUsed()
	pool := mkPool("a@x.com", "b@x.com", "c@x.com")
	now := time.Now()
	pool[0].LastUsed = now.UnixMilli() - 1000
	pool[1].LastUsed = now.UnixMilli() - 5000
	pool[2].LastUsed = now.UnixMilli() - 2000

	acc := s.Select(pool, testModel, now, account.SelectOptions{})
	require.NotNil(t, acc)
	assert.Equal(t, "b@x.com", acc.Email)
	// Selection refreshes lastUsed so the next pick moves on
	assert.Equal(t, now.UnixMilli(), acc.LastUsed)

	next := s.Select(pool, testModel, now, account.SelectOptions{})
	require.NotNil(t, next)
	assert.Equal(t, "c@x.com", next.Email)
}

func TestLeastUsedPrefersNeverUsed(t *testing.T) {
	s := NewLeastUsed()
	pool := mkPool("a@x.com", "b@x.com")
	now := time.Now()
	pool[0].LastUsed = now.UnixMilli()

	acc := s.Select(pool, testModel, now, account.SelectOptions{})
	require.NotNil(t, acc)
	assert.Equal(t, "b@x.com", acc.Email)
}

func TestQuotaAwarePicksHighestFraction(t *testing.T) {
	s := NewQuotaAware()
	pool := mkPool("a@x.com", "b@x.com", "c@x.com")
	now := time.Now()
	lo, mid, hi := 0.1, 0.5, 0.9
	setQuota(pool[0], testModel, &mid)
	setQuota(pool[1], testModel, &hi)
	setQuota(pool[2], testModel, &lo)

	acc := s.Select(pool, testModel, now, account.SelectOptions{})
	require.NotNil(t, acc)
	assert.Equal(t, "b@x.com", acc.Email)
}

func TestQuotaAwareUnknownRanksMedium(t *testing.T) {
	s := NewQuotaAware()
	now := time.Now()

	// Unknown quota beats a nearly exhausted account
	pool := mkPool("low@x.com", "unknown@x.com")
	lo := 0.1
	setQuota(pool[0], testModel, &lo)
	acc := s.Select(pool, testModel, now, account.SelectOptions{})
	require.NotNil(t, acc)
	assert.Equal(t, "unknown@x.com", acc.Email)

	// But a healthy account beats unknown
	pool = mkPool("high@x.com", "unknown@x.com")
	hi := 0.9
	setQuota(pool[0], testModel, &hi)
	acc = s.Select(pool, testModel, now, account.SelectOptions{})
	require.NotNil(t, acc)
	assert.Equal(t, "high@x.com", acc.Email)
}

func TestQuotaAwareTieBreaksByPoolOrder(t *testing.T) {
	s := NewQuotaAware()
	pool := mkPool("a@x.com", "b@x.com")
	now := time.Now()
	f1, f2 := 0.5, 0.5
	setQuota(pool[0], testModel, &f1)
	setQuota(pool[1], testModel, &f2)

	acc := s.Select(pool, testModel, now, account.SelectOptions{})
	require.NotNil(t, acc)
	assert.Equal(t, "a@x.com", acc.Email)
}

func TestQuotaAwareDegradesToLeastUsed(t *testing.T) {
	s := NewQuotaAware()
	pool := mkPool("a@x.com", "b@x.com")
	now := time.Now()
	pool[0].LastUsed = now.UnixMilli()

	// No quota data anywhere: fall back to fair-share selection
	acc := s.Select(pool, testModel, now, account.SelectOptions{})
	require.NotNil(t, acc)
	assert.Equal(t, "b@x.com", acc.Email)
}

func TestQuotaAwareSkipsUnavailable(t *testing.T) {
	s := NewQuotaAware()
	pool := mkPool("a@x.com", "b@x.com")
	now := time.Now()
	hi, lo := 0.9, 0.1
	setQuota(pool[0], testModel, &hi)
	setQuota(pool[1], testModel, &lo)
	limit(pool[0], testModel)

	acc := s.Select(pool, testModel, now, account.SelectOptions{})
	require.NotNil(t, acc)
	assert.Equal(t, "b@x.com", acc.Email)
}

func TestNewFallsBackToRoundRobin(t *testing.T) {
	assert.IsType(t, &RoundRobin{}, New("round-robin"))
	assert.IsType(t, &Sticky{}, New("sticky"))
	assert.IsType(t, &LeastUsed{}, New("least-used"))
	assert.IsType(t, &QuotaAware{}, New("quota-aware"))
	assert.IsType(t, &RoundRobin{}, New("bogus"))
	assert.IsType(t, &RoundRobin{}, New(""))
}

func TestOnSuccessStampsLastUsed(t *testing.T) {
	s := NewRoundRobin()
	acc := mkAccount("a@x.com")
	acc.ConsecutiveFailures = 3
	acc.LastUsed = 5

	s.OnSuccess(acc, testModel)

	assert.Equal(t, 0, acc.ConsecutiveFailures)
	// The completion time counts as usage, not just the selection time
	assert.Greater(t, acc.LastUsed, int64(5))
}
