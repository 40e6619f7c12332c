package quota

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/poemonsense/cloudpool/internal/account"
	"github.com/poemonsense/cloudpool/internal/account/strategies"
	"github.com/poemonsense/cloudpool/internal/cloudcode"
	"github.com/poemonsense/cloudpool/internal/config"
	"github.com/poemonsense/cloudpool/internal/utils"
)

type fakeFetcher struct {
	mu       sync.Mutex
	tokens   []string
	tier     string
	fraction float64
	block    chan struct{}
}

func (f *fakeFetcher) SubscriptionTier(ctx context.Context, token string) (*cloudcode.SubscriptionResult, error) {
	f.mu.Lock()
	f.tokens = append(f.tokens, token)
	f.mu.Unlock()
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return &cloudcode.SubscriptionResult{Tier: f.tier, ProjectID: "proj-detected"}, nil
}

func (f *fakeFetcher) ModelQuotas(ctx context.Context, token, projectID string) (map[string]*account.ModelQuotaInfo, error) {
	return map[string]*account.ModelQuotaInfo{
		"claude-sonnet-4-5": {RemainingFraction: utils.Ptr(f.fraction)},
	}, nil
}

func (f *fakeFetcher) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.tokens)
}

func refresherConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.AccountStorePath = filepath.Join(t.TempDir(), "accounts.json")
	cfg.QuotaRefreshStaggerMs = 1
	return cfg
}

func newTestPool(t *testing.T, cfg *config.Config, emails ...string) *account.Manager {
	t.Helper()
	store := account.NewStore(cfg.AccountStorePath)
	manager := account.NewManager(store, account.NewCredentials(nil, nil), strategies.NewRoundRobin(), cfg)
	require.NoError(t, manager.Initialize())
	for _, email := range emails {
		require.NoError(t, manager.AddOrUpdate(&account.Account{
			Email:   email,
			Source:  account.SourceManual,
			APIKey:  "key-" + email,
			Enabled: true,
		}))
	}
	return manager
}

func TestRefreshAllUpdatesPool(t *testing.T) {
	cfg := refresherConfig(t)
	manager := newTestPool(t, cfg, "a@x.com", "b@x.com")
	fetcher := &fakeFetcher{tier: "pro", fraction: 0.75}
	refresher := NewRefresher(manager, fetcher, cfg)

	require.True(t, refresher.RefreshAll(context.Background()))
	assert.Equal(t, 2, fetcher.calls())

	acc, err := manager.GetByEmail("a@x.com")
	require.NoError(t, err)
	require.NotNil(t, acc.Subscription)
	assert.Equal(t, "pro", acc.Subscription.Tier)
	assert.Equal(t, "proj-detected", acc.Subscription.ProjectID)

	fraction := acc.QuotaFractionFor("claude-sonnet-4-5")
	require.NotNil(t, fraction)
	assert.Equal(t, 0.75, *fraction)
	assert.Greater(t, acc.Quota.LastChecked, int64(0))
}

func TestRefreshAllSkipsDisabledAndInvalid(t *testing.T) {
	cfg := refresherConfig(t)
	manager := newTestPool(t, cfg, "on@x.com", "off@x.com", "bad@x.com")
	require.NoError(t, manager.SetEnabled("off@x.com", false))
	manager.MarkInvalid("bad@x.com", "revoked")

	fetcher := &fakeFetcher{tier: "free", fraction: 0.5}
	refresher := NewRefresher(manager, fetcher, cfg)

	require.True(t, refresher.RefreshAll(context.Background()))
	assert.Equal(t, 1, fetcher.calls())

	off, err := manager.GetByEmail("off@x.com")
	require.NoError(t, err)
	assert.Nil(t, off.Quota)
}

func TestRefreshAllSingleFlight(t *testing.T) {
	cfg := refresherConfig(t)
	manager := newTestPool(t, cfg, "a@x.com")
	fetcher := &fakeFetcher{tier: "pro", fraction: 0.9, block: make(chan struct{})}
	refresher := NewRefresher(manager, fetcher, cfg)

	done := make(chan bool, 1)
	go func() {
		done <- refresher.RefreshAll(context.Background())
	}()

	// Wait until the first sweep is inside the fetcher
	require.Eventually(t, func() bool { return fetcher.calls() == 1 }, time.Second, time.Millisecond)

	assert.False(t, refresher.RefreshAll(context.Background()))

	close(fetcher.block)
	assert.True(t, <-done)
}

func TestStartRunsImmediateSweepAndStops(t *testing.T) {
	cfg := refresherConfig(t)
	// Large interval so only the startup sweep fires during the test
	cfg.QuotaRefreshIntervalMs = 60 * 60 * 1000
	manager := newTestPool(t, cfg, "a@x.com")
	fetcher := &fakeFetcher{tier: "pro", fraction: 0.25}
	refresher := NewRefresher(manager, fetcher, cfg)

	refresher.Start()
	require.Eventually(t, func() bool { return fetcher.calls() == 1 }, time.Second, time.Millisecond)
	refresher.Stop()

	acc, err := manager.GetByEmail("a@x.com")
	require.NoError(t, err)
	require.NotNil(t, acc.Subscription)
	assert.Equal(t, "pro", acc.Subscription.Tier)

	// Stop is idempotent and a second Start after Stop works
	refresher.Stop()
}
