// Package quota periodically refreshes per-account subscription and
// quota information so quota-aware selection has fresh numbers.
package quota

import (
	"context"
	"sync"
	"time"

	"github.com/poemonsense/cloudpool/internal/account"
	"github.com/poemonsense/cloudpool/internal/cloudcode"
	"github.com/poemonsense/cloudpool/internal/config"
	"github.com/poemonsense/cloudpool/internal/utils"
)

// Fetcher is the slice of the upstream client the refresher needs
type Fetcher interface {
	SubscriptionTier(ctx context.Context, token string) (*cloudcode.SubscriptionResult, error)
	ModelQuotas(ctx context.Context, token, projectID string) (map[string]*account.ModelQuotaInfo, error)
}

// Refresher sweeps the account pool on a fixed interval and stores the
// results back into the pool. One sweep runs at a time; a tick that
// fires while a sweep is still running is skipped.
type Refresher struct {
	accounts *account.Manager
	client   Fetcher
	cfg      *config.Config

	mu           sync.Mutex
	isRefreshing bool
	cancel       context.CancelFunc
	wg           sync.WaitGroup
}

// NewRefresher creates a Refresher over the pool
func NewRefresher(accounts *account.Manager, client Fetcher, cfg *config.Config) *Refresher {
	return &Refresher{
		accounts: accounts,
		client:   client,
		cfg:      cfg,
	}
}

// Start launches the background refresh loop. The first sweep runs
// immediately so selection does not wait a full interval for quota
// data.
func (r *Refresher) Start() {
	r.mu.Lock()
	if r.cancel != nil {
		r.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	r.mu.Unlock()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()

		r.RefreshAll(ctx)

		ticker := time.NewTicker(time.Duration(r.cfg.QuotaRefreshIntervalMs) * time.Millisecond)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.RefreshAll(ctx)
			}
		}
	}()

	utils.Info("[Quota] Refresher started (interval %s)",
		utils.FormatDuration(r.cfg.QuotaRefreshIntervalMs))
}

// Stop halts the loop and waits for an in-flight sweep to finish
func (r *Refresher) Stop() {
	r.mu.Lock()
	cancel := r.cancel
	r.cancel = nil
	r.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	r.wg.Wait()
	utils.Info("[Quota] Refresher stopped")
}

// RefreshAll sweeps every enabled, valid account once. Returns false
// when another sweep was already in progress.
func (r *Refresher) RefreshAll(ctx context.Context) bool {
	r.mu.Lock()
	if r.isRefreshing {
		r.mu.Unlock()
		utils.Debug("[Quota] Sweep already in progress, skipping")
		return false
	}
	r.isRefreshing = true
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		r.isRefreshing = false
		r.mu.Unlock()
	}()

	accounts := r.accounts.List()
	refreshed := 0

	for i, acc := range accounts {
		if ctx.Err() != nil {
			return false
		}
		if !acc.Enabled || acc.IsInvalid {
			continue
		}

		if err := r.refreshAccount(ctx, acc); err != nil {
			utils.Warn("[Quota] Refresh failed for %s: %v", utils.MaskEmail(acc.Email), err)
		} else {
			refreshed++
		}

		// Stagger requests so a big pool does not hammer the upstream
		if i < len(accounts)-1 {
			if err := utils.Sleep(ctx, r.cfg.QuotaRefreshStaggerMs); err != nil {
				return false
			}
		}
	}

	if refreshed > 0 {
		if err := r.accounts.SaveToDisk(); err != nil {
			utils.Warn("[Quota] Failed to persist refreshed quotas: %v", err)
		}
	}

	utils.Debug("[Quota] Sweep complete: %d/%d account(s) refreshed", refreshed, len(accounts))
	return true
}

// refreshAccount updates subscription and quota info for one account
func (r *Refresher) refreshAccount(ctx context.Context, acc *account.Account) error {
	token, err := r.accounts.GetTokenForAccount(ctx, acc)
	if err != nil {
		return err
	}

	sub, err := r.client.SubscriptionTier(ctx, token)
	if err == nil && sub != nil {
		r.accounts.UpdateSubscription(acc.Email, sub.Tier, sub.ProjectID)
	}

	projectID := r.accounts.GetProjectFor(acc.Email)
	quotas, err := r.client.ModelQuotas(ctx, token, projectID)
	if err != nil {
		return err
	}

	r.accounts.UpdateQuota(acc.Email, quotas)
	return nil
}
