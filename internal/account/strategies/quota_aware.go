package strategies

import (
	"time"

	"github.com/poemonsense/cloudpool/internal/account"
)

// unknownQuotaFraction ranks accounts without quota data between
// exhausted and full ones.
const unknownQuotaFraction = 0.5

// QuotaAware picks the available account with the most remaining quota
// for the requested model, per the refresher's last sweep. Accounts
// without quota data rank as medium. When nobody has quota data the
// strategy degrades to least-used.
type QuotaAware struct {
	baseStrategy
	leastUsed LeastUsed
}

// NewQuotaAware creates a quota-aware strategy
func NewQuotaAware() *QuotaAware {
	return &QuotaAware{}
}

// Select returns the available account with the highest remaining
// fraction; ties go to pool order.
func (s *QuotaAware) Select(accounts []*account.Account, modelID string, now time.Time, opts account.SelectOptions) *account.Account {
	usable := s.usableAccounts(accounts, modelID, now)
	if len(usable) == 0 {
		return nil
	}

	anyKnown := false
	best := usable[0]
	bestFraction := fractionOf(best.acc, modelID, &anyKnown)
	for _, c := range usable[1:] {
		f := fractionOf(c.acc, modelID, &anyKnown)
		if f > bestFraction {
			best = c
			bestFraction = f
		}
	}

	if !anyKnown {
		return s.leastUsed.Select(accounts, modelID, now, opts)
	}

	s.touch(best.acc, now)
	return best.acc
}

func fractionOf(acc *account.Account, modelID string, anyKnown *bool) float64 {
	if f := acc.QuotaFractionFor(modelID); f != nil {
		*anyKnown = true
		return *f
	}
	return unknownQuotaFraction
}

// Label returns the display name
func (s *QuotaAware) Label() string {
	return "Quota Aware (Headroom First)"
}
