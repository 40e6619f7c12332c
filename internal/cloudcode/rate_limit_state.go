package cloudcode

import (
	"math"
	"sync"
	"time"

	"github.com/poemonsense/cloudpool/internal/config"
	"github.com/poemonsense/cloudpool/internal/utils"
)

// rateLimitEntry tracks the 429 streak for one (account, model) pair
type rateLimitEntry struct {
	consecutive429 int
	lastAt         time.Time
}

// RateLimitTracker deduplicates bursts of 429s per (account, model) and
// feeds the streak length into exponential backoff. Concurrent requests
// hitting the same limited account within the dedup window share one
// attempt number instead of each escalating it.
type RateLimitTracker struct {
	mu      sync.Mutex
	entries map[string]*rateLimitEntry
	cfg     *config.Config
	done    chan struct{}
}

// NewRateLimitTracker creates a tracker
func NewRateLimitTracker(cfg *config.Config) *RateLimitTracker {
	return &RateLimitTracker{
		entries: make(map[string]*rateLimitEntry),
		cfg:     cfg,
		done:    make(chan struct{}),
	}
}

// BackoffResult is the outcome of recording a 429
type BackoffResult struct {
	Attempt     int
	DelayMs     int64
	IsDuplicate bool
}

func dedupKey(email, model string) string {
	return email + ":" + model
}

// OnRateLimit records a 429 for the pair and returns the backoff to
// apply. serverRetryAfterMs <= 0 means the upstream gave no hint.
func (t *RateLimitTracker) OnRateLimit(email, model string, serverRetryAfterMs int64) *BackoffResult {
	now := time.Now()
	key := dedupKey(email, model)

	t.mu.Lock()
	defer t.mu.Unlock()

	previous := t.entries[key]

	baseDelay := serverRetryAfterMs
	if baseDelay <= 0 {
		baseDelay = config.FirstRetryDelayMs
	}

	// Within the dedup window the streak does not grow
	if previous != nil && now.Sub(previous.lastAt).Milliseconds() < t.cfg.RateLimitDedupWindowMs {
		delay := expBackoff(baseDelay, previous.consecutive429)
		return &BackoffResult{
			Attempt:     previous.consecutive429,
			DelayMs:     delay,
			IsDuplicate: true,
		}
	}

	attempt := 1
	if previous != nil && now.Sub(previous.lastAt).Milliseconds() < config.RateLimitStateResetMs {
		attempt = previous.consecutive429 + 1
	}
	t.entries[key] = &rateLimitEntry{consecutive429: attempt, lastAt: now}

	delay := expBackoff(baseDelay, attempt)
	utils.Debug("[CloudCode] Rate limit backoff for %s:%s attempt=%d delay=%dms",
		utils.MaskEmail(email), model, attempt, delay)
	return &BackoffResult{
		Attempt:     attempt,
		DelayMs:     delay,
		IsDuplicate: false,
	}
}

func expBackoff(baseDelay int64, attempt int) int64 {
	backoff := int64(math.Min(float64(baseDelay)*math.Pow(2, float64(attempt-1)), 60000))
	if baseDelay > backoff {
		return baseDelay
	}
	return backoff
}

// OnSuccess clears the streak for the pair
func (t *RateLimitTracker) OnSuccess(email, model string) {
	t.mu.Lock()
	delete(t.entries, dedupKey(email, model))
	t.mu.Unlock()
}

// Attempt returns the current streak length for the pair
func (t *RateLimitTracker) Attempt(email, model string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.entries[dedupKey(email, model)]; ok {
		return e.consecutive429
	}
	return 0
}

// StartCleanup launches a loop that drops stale entries until Stop
func (t *RateLimitTracker) StartCleanup() {
	go func() {
		ticker := time.NewTicker(60 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				t.cleanup()
			case <-t.done:
				return
			}
		}
	}()
}

// Stop terminates the cleanup loop
func (t *RateLimitTracker) Stop() {
	select {
	case <-t.done:
	default:
		close(t.done)
	}
}

func (t *RateLimitTracker) cleanup() {
	cutoff := time.Now().Add(-time.Duration(config.RateLimitStateResetMs) * time.Millisecond)
	t.mu.Lock()
	defer t.mu.Unlock()
	for key, e := range t.entries {
		if e.lastAt.Before(cutoff) {
			delete(t.entries, key)
		}
	}
}
