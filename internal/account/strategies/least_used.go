package strategies

import (
	"time"

	"github.com/poemonsense/cloudpool/internal/account"
)

// LeastUsed picks the available account that served a request longest
// ago, evening wear across the pool. Accounts that never served rank
// first; ties go to pool order.
type LeastUsed struct {
	baseStrategy
}

// NewLeastUsed creates a least-used strategy
func NewLeastUsed() *LeastUsed {
	return &LeastUsed{}
}

// Select returns the available account with the smallest lastUsed
func (s *LeastUsed) Select(accounts []*account.Account, modelID string, now time.Time, _ account.SelectOptions) *account.Account {
	usable := s.usableAccounts(accounts, modelID, now)
	if len(usable) == 0 {
		return nil
	}

	best := usable[0]
	for _, c := range usable[1:] {
		if c.acc.LastUsed < best.acc.LastUsed {
			best = c
		}
	}
	s.touch(best.acc, now)
	return best.acc
}

// Label returns the display name
func (s *LeastUsed) Label() string {
	return "Least Used (Fair Share)"
}
