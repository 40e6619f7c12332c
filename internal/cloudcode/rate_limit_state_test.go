package cloudcode

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/poemonsense/cloudpool/internal/config"
)

func TestTrackerFirstRateLimit(t *testing.T) {
	tracker := NewRateLimitTracker(config.DefaultConfig())

	result := tracker.OnRateLimit("a@x.com", "claude-sonnet-4-5", 0)
	assert.Equal(t, 1, result.Attempt)
	assert.False(t, result.IsDuplicate)
	assert.Equal(t, int64(config.FirstRetryDelayMs), result.DelayMs)
	assert.Equal(t, 1, tracker.Attempt("a@x.com", "claude-sonnet-4-5"))
}

func TestTrackerDedupWindow(t *testing.T) {
	tracker := NewRateLimitTracker(config.DefaultConfig())

	tracker.OnRateLimit("a@x.com", "claude-sonnet-4-5", 0)
	// A burst within the window shares the streak instead of escalating it
	result := tracker.OnRateLimit("a@x.com", "claude-sonnet-4-5", 0)
	assert.True(t, result.IsDuplicate)
	assert.Equal(t, 1, result.Attempt)
	assert.Equal(t, 1, tracker.Attempt("a@x.com", "claude-sonnet-4-5"))
}

func TestTrackerStreakGrowsPastDedupWindow(t *testing.T) {
	tracker := NewRateLimitTracker(config.DefaultConfig())

	tracker.OnRateLimit("a@x.com", "claude-sonnet-4-5", 0)
	// Age the entry past the dedup window but inside the reset window
	tracker.mu.Lock()
	tracker.entries[dedupKey("a@x.com", "claude-sonnet-4-5")].lastAt = time.Now().Add(-5 * time.Second)
	tracker.mu.Unlock()

	result := tracker.OnRateLimit("a@x.com", "claude-sonnet-4-5", 0)
	require.False(t, result.IsDuplicate)
	assert.Equal(t, 2, result.Attempt)
	// Exponential: base * 2^(attempt-1)
	assert.Equal(t, int64(config.FirstRetryDelayMs*2), result.DelayMs)
}

func TestTrackerStreakResetsAfterQuietPeriod(t *testing.T) {
	tracker := NewRateLimitTracker(config.DefaultConfig())

	tracker.OnRateLimit("a@x.com", "claude-sonnet-4-5", 0)
	tracker.mu.Lock()
	tracker.entries[dedupKey("a@x.com", "claude-sonnet-4-5")].lastAt =
		time.Now().Add(-time.Duration(config.RateLimitStateResetMs+1000) * time.Millisecond)
	tracker.mu.Unlock()

	result := tracker.OnRateLimit("a@x.com", "claude-sonnet-4-5", 0)
	assert.Equal(t, 1, result.Attempt)
}

func TestTrackerOnSuccessClearsStreak(t *testing.T) {
	tracker := NewRateLimitTracker(config.DefaultConfig())

	tracker.OnRateLimit("a@x.com", "claude-sonnet-4-5", 0)
	tracker.OnSuccess("a@x.com", "claude-sonnet-4-5")
	assert.Equal(t, 0, tracker.Attempt("a@x.com", "claude-sonnet-4-5"))
}

func TestTrackerPairsAreIndependent(t *testing.T) {
	tracker := NewRateLimitTracker(config.DefaultConfig())

	tracker.OnRateLimit("a@x.com", "claude-sonnet-4-5", 0)
	assert.Equal(t, 0, tracker.Attempt("a@x.com", "gemini-3-flash"))
	assert.Equal(t, 0, tracker.Attempt("b@x.com", "claude-sonnet-4-5"))
}

func TestExpBackoff(t *testing.T) {
	assert.Equal(t, int64(1000), expBackoff(1000, 1))
	assert.Equal(t, int64(2000), expBackoff(1000, 2))
	assert.Equal(t, int64(4000), expBackoff(1000, 3))
	// Capped at one minute
	assert.Equal(t, int64(60_000), expBackoff(1000, 20))
	// A large server hint is never shrunk below itself
	assert.Equal(t, int64(90_000), expBackoff(90_000, 1))
}

func TestTrackerCleanupDropsStaleEntries(t *testing.T) {
	tracker := NewRateLimitTracker(config.DefaultConfig())

	tracker.OnRateLimit("a@x.com", "claude-sonnet-4-5", 0)
	tracker.mu.Lock()
	tracker.entries[dedupKey("a@x.com", "claude-sonnet-4-5")].lastAt =
		time.Now().Add(-time.Duration(config.RateLimitStateResetMs+1000) * time.Millisecond)
	tracker.mu.Unlock()

	tracker.cleanup()
	assert.Equal(t, 0, tracker.Attempt("a@x.com", "claude-sonnet-4-5"))
}
