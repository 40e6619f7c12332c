package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/poemonsense/cloudpool/internal/account"
	"github.com/poemonsense/cloudpool/internal/cloudcode"
	"github.com/poemonsense/cloudpool/internal/utils"
)

// ModelsHandler handles the model listing endpoint
type ModelsHandler struct {
	accounts *account.Manager
	client   *cloudcode.Client
}

// NewModelsHandler creates a new ModelsHandler
func NewModelsHandler(accounts *account.Manager, client *cloudcode.Client) *ModelsHandler {
	return &ModelsHandler{accounts: accounts, client: client}
}

// ListModels handles GET /v1/models
func (h *ModelsHandler) ListModels(c *gin.Context) {
	ctx := c.Request.Context()

	acc, err := h.accounts.SelectAccount("", account.SelectOptions{})
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"type": "error",
			"error": gin.H{
				"type":    "api_error",
				"message": "No accounts available",
			},
		})
		return
	}

	token, err := h.accounts.GetTokenForAccount(ctx, acc)
	if err != nil {
		utils.Error("[API] Error getting token for models: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"type": "error",
			"error": gin.H{
				"type":    "api_error",
				"message": err.Error(),
			},
		})
		return
	}

	models, err := h.client.ListModels(ctx, token)
	if err != nil {
		utils.Error("[API] Error listing models: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"type": "error",
			"error": gin.H{
				"type":    "api_error",
				"message": err.Error(),
			},
		})
		return
	}

	c.JSON(http.StatusOK, models)
}
