package cloudcode

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/poemonsense/cloudpool/internal/config"
)

func TestSmartBackoffServerResetWins(t *testing.T) {
	cfg := config.DefaultConfig()

	assert.Equal(t, int64(45_000), CalculateSmartBackoff(cfg, "quota exceeded", 45_000, 3))
	// Sub-minimum server hints are floored so retries cannot spin
	assert.Equal(t, cfg.MinBackoffMs, CalculateSmartBackoff(cfg, "", 500, 0))
}

func TestSmartBackoffQuotaExhaustedLadder(t *testing.T) {
	cfg := config.DefaultConfig()
	text := `{"error":{"status":"RESOURCE_EXHAUSTED","message":"QUOTA_EXHAUSTED for model"}}`

	assert.Equal(t, int64(60_000), CalculateSmartBackoff(cfg, text, 0, 0))
	assert.Equal(t, int64(300_000), CalculateSmartBackoff(cfg, text, 0, 1))
	assert.Equal(t, int64(1_800_000), CalculateSmartBackoff(cfg, text, 0, 2))
	assert.Equal(t, int64(7_200_000), CalculateSmartBackoff(cfg, text, 0, 3))
	// Streaks beyond the ladder stay on the last tier
	assert.Equal(t, int64(7_200_000), CalculateSmartBackoff(cfg, text, 0, 10))
}

func TestSmartBackoffFixedPerErrorType(t *testing.T) {
	cfg := config.DefaultConfig()

	assert.Equal(t, int64(30_000), CalculateSmartBackoff(cfg, "rate_limit_exceeded: too fast", 0, 0))
	assert.Equal(t, int64(20_000), CalculateSmartBackoff(cfg, "internal server error", 0, 0))
	assert.Equal(t, int64(60_000), CalculateSmartBackoff(cfg, "something inscrutable", 0, 0))
}

func TestSmartBackoffCapacityJitter(t *testing.T) {
	cfg := config.DefaultConfig()
	base := cfg.BackoffByErrorType["MODEL_CAPACITY_EXHAUSTED"]
	half := int64(config.CapacityJitterMaxMs / 2)

	for i := 0; i < 20; i++ {
		got := CalculateSmartBackoff(cfg, "MODEL_CAPACITY_EXHAUSTED", 0, 0)
		assert.GreaterOrEqual(t, got, base-half)
		assert.LessOrEqual(t, got, base+half)
	}
}

func TestCapacityBackoffLadder(t *testing.T) {
	cfg := config.DefaultConfig()

	assert.Equal(t, int64(1000), CapacityBackoffMs(cfg, 1))
	assert.Equal(t, int64(5000), CapacityBackoffMs(cfg, 2))
	assert.Equal(t, int64(15_000), CapacityBackoffMs(cfg, 3))
	// Past the ladder the last tier repeats
	assert.Equal(t, int64(15_000), CapacityBackoffMs(cfg, 7))

	cfg.CapacityBackoffTiersMs = nil
	assert.Equal(t, cfg.CapacityRetryDelayMs, CapacityBackoffMs(cfg, 1))
}
