package handlers

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/poemonsense/cloudpool/internal/account"
	"github.com/poemonsense/cloudpool/internal/cloudcode"
	"github.com/poemonsense/cloudpool/internal/config"
	"github.com/poemonsense/cloudpool/internal/errors"
	"github.com/poemonsense/cloudpool/internal/server/sse"
	"github.com/poemonsense/cloudpool/internal/utils"
	"github.com/poemonsense/cloudpool/pkg/anthropic"
)

// MessagesHandler handles the /v1/messages endpoint
type MessagesHandler struct {
	accounts *account.Manager
	client   *cloudcode.Client
	cfg      *config.Config
}

// NewMessagesHandler creates a new MessagesHandler
func NewMessagesHandler(accounts *account.Manager, client *cloudcode.Client, cfg *config.Config) *MessagesHandler {
	return &MessagesHandler{
		accounts: accounts,
		client:   client,
		cfg:      cfg,
	}
}

// Messages handles POST /v1/messages
func (h *MessagesHandler) Messages(c *gin.Context) {
	var req anthropic.MessagesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.sendError(c, http.StatusBadRequest, "invalid_request_error",
			"Invalid request body: "+err.Error())
		return
	}

	if req.Model == "" {
		h.sendError(c, http.StatusBadRequest, "invalid_request_error", "model is required")
		return
	}
	mapped := h.cfg.MapModel(req.Model)
	if mapped != req.Model {
		utils.Info("[API] Mapping model %s -> %s", req.Model, mapped)
		req.Model = mapped
	}

	if len(req.Messages) == 0 {
		h.sendError(c, http.StatusBadRequest, "invalid_request_error",
			"messages is required and must be a non-empty array")
		return
	}

	// Some clients probe with a bare "count" message before every real
	// request; answer it without burning an upstream call
	if len(req.Messages) == 1 && len(req.Messages[0].Content) == 1 &&
		req.Messages[0].Content[0].Type == "text" && req.Messages[0].Content[0].Text == "count" {
		c.JSON(http.StatusOK, gin.H{})
		return
	}

	if req.MaxTokens == 0 {
		req.MaxTokens = config.DefaultMaxTokens
	}

	// Optimistic retry: when every account looks limited for this model,
	// the state may be stale, so reset and let the upstream re-confirm
	if h.accounts.IsAllRateLimited(req.Model) {
		utils.Warn("[API] All accounts rate-limited for %s, resetting state for optimistic retry", req.Model)
		h.accounts.ResetAllRateLimits()
	}

	utils.Info("[API] Request for model: %s, stream: %t", req.Model, req.Stream)
	if utils.IsDebug() {
		for i, msg := range req.Messages {
			types := make([]string, 0, len(msg.Content))
			for _, block := range msg.Content {
				types = append(types, block.Type)
			}
			utils.Debug("  [%d] %s: %s", i, msg.Role, strings.Join(types, ", "))
		}
	}

	opts := cloudcode.ExecuteOptions{
		FallbackEnabled: h.cfg.FallbackEnabled,
		SessionKey:      sessionKey(&req),
	}

	if req.Stream {
		h.handleStreaming(c, &req, opts)
	} else {
		h.handleNonStreaming(c, &req, opts)
	}
}

// sessionKey derives the sticky-affinity key for a request. An explicit
// user ID wins; otherwise the conversation fingerprint is used.
func sessionKey(req *anthropic.MessagesRequest) string {
	if req.Metadata != nil && req.Metadata.UserID != "" {
		return req.Metadata.UserID
	}
	return cloudcode.DeriveSessionID(req)
}

// handleStreaming buffers the first event before committing to SSE so
// early failures still produce a proper JSON error response
func (h *MessagesHandler) handleStreaming(c *gin.Context, req *anthropic.MessagesRequest, opts cloudcode.ExecuteOptions) {
	ctx := c.Request.Context()

	events, errs := h.client.SendMessageStream(ctx, req, opts)

	var firstEvent *anthropic.SSEEvent
	var firstErr error

	select {
	case event, ok := <-events:
		if !ok {
			select {
			case err := <-errs:
				firstErr = err
			default:
				firstErr = errors.NewEmptyResponseError("No response received")
			}
		} else {
			firstEvent = event
		}
	case err := <-errs:
		firstErr = err
	}

	if firstErr != nil {
		utils.Error("[API] Initial stream error: %v", firstErr)
		errorType, statusCode, message := h.classifyError(firstErr)
		h.sendError(c, statusCode, errorType, message)
		return
	}

	writer, err := sse.NewWriter(c.Writer)
	if err != nil {
		utils.Error("[API] Failed to create SSE writer: %v", err)
		h.sendError(c, http.StatusInternalServerError, "api_error", "Streaming not supported")
		return
	}

	c.Status(http.StatusOK)
	writer.SetHeaders()
	writer.Flush()

	if firstEvent != nil {
		if err := writer.WriteEvent(string(firstEvent.Type), firstEvent); err != nil {
			utils.Error("[API] Error writing first SSE event: %v", err)
			return
		}
	}

	for {
		select {
		case event, ok := <-events:
			if !ok {
				return
			}
			if err := writer.WriteEvent(string(event.Type), event); err != nil {
				utils.Error("[API] Error writing SSE event: %v", err)
				return
			}
		case err := <-errs:
			if err != nil {
				utils.Error("[API] Mid-stream error: %v", err)
				errorType, _, message := h.classifyError(err)
				writer.WriteError(errorType, message)
			}
			return
		case <-ctx.Done():
			return
		}
	}
}

func (h *MessagesHandler) handleNonStreaming(c *gin.Context, req *anthropic.MessagesRequest, opts cloudcode.ExecuteOptions) {
	response, err := h.client.SendMessage(c.Request.Context(), req, opts)
	if err != nil {
		utils.Error("[API] Error: %v", err)
		errorType, statusCode, message := h.classifyError(err)

		if errorType == "authentication_error" {
			// Credentials may simply be stale; a cache flush lets the
			// client retry without operator intervention
			utils.Warn("[API] Clearing credential caches after auth failure")
			h.accounts.ClearTokenCache()
			h.accounts.ClearProjectCache()
		}

		h.sendError(c, statusCode, errorType, message)
		return
	}

	c.JSON(http.StatusOK, response)
}

// classifyError maps a typed executor error to the wire-level error
// type, HTTP status, and client-facing message
func (h *MessagesHandler) classifyError(err error) (string, int, string) {
	statusCode := errors.HTTPStatusFromError(err)

	switch e := err.(type) {
	case *errors.AuthError:
		return "authentication_error", statusCode,
			"Authentication failed for the upstream account. Re-authenticate or replace the account."

	case *errors.RateLimitError:
		message := "All accounts are rate limited. Please wait for quota to reset."
		if e.ResetMs != nil {
			message = "All accounts are rate limited. Quota will reset after " +
				utils.FormatDuration(*e.ResetMs) + "."
		}
		return "rate_limit_error", statusCode, message

	case *errors.NoAccountsError:
		if e.AllRateLimited {
			return "rate_limit_error", statusCode, "All accounts are rate limited. Please retry later."
		}
		return "api_error", statusCode, "No accounts configured. Add accounts before sending requests."

	case *errors.MaxRetriesError:
		return "api_error", statusCode, "Request failed after exhausting all accounts and retries."

	case *errors.ApiError:
		return e.ErrorType, statusCode, e.Message

	case *errors.EmptyResponseError:
		return "api_error", statusCode, "Upstream returned an empty response. Please retry."

	case *errors.CapacityExhaustedError:
		return "overloaded_error", statusCode, "The model is temporarily overloaded. Please retry."

	default:
		return "api_error", statusCode, err.Error()
	}
}

func (h *MessagesHandler) sendError(c *gin.Context, statusCode int, errorType, message string) {
	c.JSON(statusCode, gin.H{
		"type": "error",
		"error": gin.H{
			"type":    errorType,
			"message": message,
		},
	})
}

// CountTokens handles POST /v1/messages/count_tokens
func (h *MessagesHandler) CountTokens(c *gin.Context) {
	c.JSON(http.StatusNotImplemented, gin.H{
		"type": "error",
		"error": gin.H{
			"type":    "not_implemented",
			"message": "Token counting is not implemented. Configure your client to skip token counting.",
		},
	})
}
