package strategies

import (
	"sync"
	"time"

	"github.com/poemonsense/cloudpool/internal/account"
	"github.com/poemonsense/cloudpool/internal/utils"
)

// Sticky keeps serving a model from the account that served it last, and
// optionally pins a client session to one account. Affinity maximizes
// upstream prompt-cache hits; the strategy only switches when the pinned
// account stops being available.
type Sticky struct {
	baseStrategy
	mu        sync.Mutex
	byModel   map[string]string // modelID -> email
	bySession map[string]string // session key -> email
}

// NewSticky creates a sticky strategy
func NewSticky() *Sticky {
	return &Sticky{
		byModel:   make(map[string]string),
		bySession: make(map[string]string),
	}
}

// Select prefers the session-pinned account, then the model-affine
// account, then falls back to the first available account in pool order.
func (s *Sticky) Select(accounts []*account.Account, modelID string, now time.Time, opts account.SelectOptions) *account.Account {
	if len(accounts) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if opts.SessionKey != "" {
		if acc := findByEmail(accounts, s.bySession[opts.SessionKey]); acc != nil && acc.IsAvailableFor(modelID, now) {
			s.pin(acc, modelID, opts.SessionKey, now)
			return acc
		}
	}

	if acc := findByEmail(accounts, s.byModel[modelID]); acc != nil && acc.IsAvailableFor(modelID, now) {
		s.pin(acc, modelID, opts.SessionKey, now)
		return acc
	}

	// Affinity broken; take the first available account and re-pin
	usable := s.usableAccounts(accounts, modelID, now)
	if len(usable) == 0 {
		return nil
	}
	acc := usable[0].acc
	if prev := s.byModel[modelID]; prev != "" && prev != acc.Email {
		utils.Info("[Sticky] %s switched from %s to %s", modelID, utils.MaskEmail(prev), utils.MaskEmail(acc.Email))
	}
	s.pin(acc, modelID, opts.SessionKey, now)
	return acc
}

func (s *Sticky) pin(acc *account.Account, modelID, sessionKey string, now time.Time) {
	s.byModel[modelID] = acc.Email
	if sessionKey != "" {
		s.bySession[sessionKey] = acc.Email
	}
	s.touch(acc, now)
}

// OnRateLimit breaks the model affinity so the next request moves on
// immediately instead of re-probing the limited account.
func (s *Sticky) OnRateLimit(acc *account.Account, modelID string) {
	if acc == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.byModel[modelID] == acc.Email {
		delete(s.byModel, modelID)
	}
}

// Label returns the display name
func (s *Sticky) Label() string {
	return "Sticky (Cache Optimized)"
}

func findByEmail(accounts []*account.Account, email string) *account.Account {
	if email == "" {
		return nil
	}
	for _, acc := range accounts {
		if acc.Email == email {
			return acc
		}
	}
	return nil
}
