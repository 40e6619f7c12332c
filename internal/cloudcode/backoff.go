package cloudcode

import (
	"github.com/poemonsense/cloudpool/internal/config"
	"github.com/poemonsense/cloudpool/internal/utils"
)

// CalculateSmartBackoff computes how long a limited account should sit
// out. A server-reported reset always wins, floored at MinBackoffMs so a
// sub-second hint cannot spin the retry loop. Otherwise the error class
// decides: quota exhaustion climbs the tier ladder by streak length,
// everything else uses its fixed amount.
func CalculateSmartBackoff(cfg *config.Config, errorText string, serverResetMs int64, consecutive429 int) int64 {
	if serverResetMs > 0 {
		if serverResetMs < cfg.MinBackoffMs {
			return cfg.MinBackoffMs
		}
		return serverResetMs
	}

	reason := ParseRateLimitReason(errorText, 0)

	var backoff int64
	switch reason {
	case ReasonQuotaExhausted:
		tiers := cfg.QuotaExhaustedBackoffTiersMs
		idx := consecutive429
		if idx > len(tiers)-1 {
			idx = len(tiers) - 1
		}
		if idx < 0 {
			idx = 0
		}
		backoff = tiers[idx]
	case ReasonModelCapacityExhausted:
		// Jitter spreads clients hammering an overloaded model
		backoff = cfg.BackoffByErrorType[string(ReasonModelCapacityExhausted)] +
			utils.GenerateJitter(config.CapacityJitterMaxMs)
	case ReasonRateLimitExceeded:
		backoff = cfg.BackoffByErrorType[string(ReasonRateLimitExceeded)]
	case ReasonServerError:
		backoff = cfg.BackoffByErrorType[string(ReasonServerError)]
	default:
		backoff = cfg.BackoffByErrorType[string(ReasonUnknown)]
	}

	if backoff < cfg.MinBackoffMs {
		backoff = cfg.MinBackoffMs
	}
	return backoff
}

// CapacityBackoffMs returns the same-endpoint delay before capacity
// retry number attempt (1-based). Attempts beyond the ladder reuse the
// last tier.
func CapacityBackoffMs(cfg *config.Config, attempt int) int64 {
	tiers := cfg.CapacityBackoffTiersMs
	if len(tiers) == 0 {
		return cfg.CapacityRetryDelayMs
	}
	idx := attempt - 1
	if idx < 0 {
		idx = 0
	}
	if idx > len(tiers)-1 {
		idx = len(tiers) - 1
	}
	return tiers[idx]
}
