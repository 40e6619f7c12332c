package strategies

import (
	"sync"
	"time"

	"github.com/poemonsense/cloudpool/internal/account"
)

// RoundRobin rotates through available accounts in pool order. It is the
// default strategy: even spread, no affinity.
type RoundRobin struct {
	baseStrategy
	mu     sync.Mutex
	cursor int
}

// NewRoundRobin creates a round-robin strategy
func NewRoundRobin() *RoundRobin {
	return &RoundRobin{}
}

// Select returns the next available account after the cursor, walking
// the pool at most once.
func (s *RoundRobin) Select(accounts []*account.Account, modelID string, now time.Time, _ account.SelectOptions) *account.Account {
	if len(accounts) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	start := s.cursor
	for i := 1; i <= len(accounts); i++ {
		idx := (start + i) % len(accounts)
		acc := accounts[idx]
		if acc.IsAvailableFor(modelID, now) {
			s.cursor = idx
			s.touch(acc, now)
			return acc
		}
	}
	return nil
}

// Label returns the display name
func (s *RoundRobin) Label() string {
	return "Round Robin (Load Balanced)"
}
