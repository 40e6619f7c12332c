// Package handlers provides the HTTP request handlers for the server.
package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/poemonsense/cloudpool/internal/account"
	"github.com/poemonsense/cloudpool/internal/config"
	"github.com/poemonsense/cloudpool/internal/utils"
)

// HealthHandler handles the health check endpoint
type HealthHandler struct {
	accounts *account.Manager
}

// NewHealthHandler creates a new HealthHandler
func NewHealthHandler(accounts *account.Manager) *HealthHandler {
	return &HealthHandler{accounts: accounts}
}

// Health handles GET /health. Quota numbers come from the last
// refresher sweep rather than a live upstream call, so this endpoint
// stays cheap enough for load balancer probes.
func (h *HealthHandler) Health(c *gin.Context) {
	status := h.accounts.GetStatus()
	now := time.Now().UnixMilli()

	accounts := make([]gin.H, 0, len(status.Accounts))
	for _, acc := range status.Accounts {
		detail := gin.H{
			"email":   utils.MaskEmail(acc.Email),
			"source":  acc.Source,
			"enabled": acc.Enabled,
		}

		switch {
		case acc.IsInvalid:
			detail["status"] = "invalid"
			detail["error"] = acc.InvalidReason
		case !acc.Enabled:
			detail["status"] = "disabled"
		default:
			detail["status"] = "ok"
		}

		if acc.LastUsed > 0 {
			detail["lastUsed"] = time.UnixMilli(acc.LastUsed).Format(time.RFC3339)
		}
		if acc.Subscription != nil {
			detail["tier"] = acc.Subscription.Tier
		}

		limits := gin.H{}
		var soonestReset int64
		for modelID, limit := range acc.ModelRateLimits {
			if limit == nil {
				continue
			}
			limits[modelID] = gin.H{
				"isRateLimited": limit.IsRateLimited,
				"resetTime":     limit.ResetTime,
			}
			if limit.IsRateLimited && limit.ResetTime > now {
				if soonestReset == 0 || limit.ResetTime < soonestReset {
					soonestReset = limit.ResetTime
				}
			}
		}
		if len(limits) > 0 {
			detail["modelRateLimits"] = limits
		}
		if soonestReset > 0 {
			detail["status"] = "rate-limited"
			detail["cooldownRemainingMs"] = soonestReset - now
		}

		if acc.Quota != nil {
			models := gin.H{}
			for modelID, info := range acc.Quota.Models {
				if info == nil {
					continue
				}
				entry := gin.H{"resetTime": info.ResetTime}
				if info.RemainingFraction != nil {
					entry["remainingFraction"] = *info.RemainingFraction
				}
				models[modelID] = entry
			}
			detail["models"] = models
			detail["quotaCheckedAt"] = acc.Quota.LastChecked
		}

		accounts = append(accounts, detail)
	}

	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"version":   config.Version,
		"timestamp": time.Now().Format(time.RFC3339),
		"strategy":  status.Strategy,
		"counts": gin.H{
			"total":       status.Total,
			"available":   status.Available,
			"rateLimited": status.RateLimited,
			"invalid":     status.Invalid,
		},
		"accounts": accounts,
	})
}
