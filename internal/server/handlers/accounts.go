package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/poemonsense/cloudpool/internal/account"
	"github.com/poemonsense/cloudpool/internal/stats"
)

// AccountsHandler handles pool inspection endpoints
type AccountsHandler struct {
	accounts *account.Manager
	recorder *stats.Recorder
}

// NewAccountsHandler creates a new AccountsHandler; recorder may be nil
func NewAccountsHandler(accounts *account.Manager, recorder *stats.Recorder) *AccountsHandler {
	return &AccountsHandler{accounts: accounts, recorder: recorder}
}

// AccountLimits handles GET /account-limits
func (h *AccountsHandler) AccountLimits(c *gin.Context) {
	c.JSON(http.StatusOK, h.accounts.GetStatus())
}

// Stats handles GET /stats
func (h *AccountsHandler) Stats(c *gin.Context) {
	if h.recorder == nil {
		c.JSON(http.StatusOK, gin.H{"enabled": false})
		return
	}
	c.JSON(http.StatusOK, h.recorder.GetSnapshot())
}

// RefreshTokenHandler handles POST /refresh-token
type RefreshTokenHandler struct {
	accounts *account.Manager
}

// NewRefreshTokenHandler creates a new RefreshTokenHandler
func NewRefreshTokenHandler(accounts *account.Manager) *RefreshTokenHandler {
	return &RefreshTokenHandler{accounts: accounts}
}

// RefreshToken drops all cached tokens and project IDs so the next
// request reacquires them
func (h *RefreshTokenHandler) RefreshToken(c *gin.Context) {
	h.accounts.ClearTokenCache()
	h.accounts.ClearProjectCache()

	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"message": "Token caches cleared and refreshed",
	})
}
