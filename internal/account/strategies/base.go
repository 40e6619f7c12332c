// Package strategies implements the account selection strategies.
package strategies

import (
	"time"

	"github.com/poemonsense/cloudpool/internal/account"
)

// candidate pairs an account with its pool index so strategies can
// break ties by insertion order.
type candidate struct {
	acc   *account.Account
	index int
}

// baseStrategy provides the shared availability filtering and the
// default notification hooks.
type baseStrategy struct{}

// usableAccounts returns the accounts available for a model, in pool order
func (baseStrategy) usableAccounts(accounts []*account.Account, modelID string, now time.Time) []candidate {
	result := make([]candidate, 0, len(accounts))
	for i, acc := range accounts {
		if acc != nil && acc.IsAvailableFor(modelID, now) {
			result = append(result, candidate{acc: acc, index: i})
		}
	}
	return result
}

// touch records that the account was handed out
func (baseStrategy) touch(acc *account.Account, now time.Time) {
	acc.LastUsed = now.UnixMilli()
}

// OnSuccess resets the account's failure streak and refreshes its
// last-used stamp; long-running requests finish well after selection
func (baseStrategy) OnSuccess(acc *account.Account, modelID string) {
	if acc != nil {
		acc.ConsecutiveFailures = 0
		acc.LastUsed = time.Now().UnixMilli()
	}
}

// OnFailure bumps the account's failure streak
func (baseStrategy) OnFailure(acc *account.Account, modelID string) {
	if acc != nil {
		acc.ConsecutiveFailures++
	}
}

// OnRateLimit is a no-op by default; a rate limit is not a health failure
func (baseStrategy) OnRateLimit(acc *account.Account, modelID string) {}
