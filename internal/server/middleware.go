package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/poemonsense/cloudpool/internal/config"
	"github.com/poemonsense/cloudpool/internal/utils"
)

// CORSMiddleware handles CORS headers
func CORSMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-API-Key")
		c.Writer.Header().Set("Access-Control-Max-Age", "86400")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// APIKeyAuthMiddleware validates the API key on /v1/* endpoints. With
// no key configured the proxy is open.
func APIKeyAuthMiddleware(cfg *config.Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		if cfg.APIKey == "" {
			c.Next()
			return
		}

		var providedKey string
		if auth := c.GetHeader("Authorization"); strings.HasPrefix(auth, "Bearer ") {
			providedKey = strings.TrimPrefix(auth, "Bearer ")
		} else if key := c.GetHeader("X-API-Key"); key != "" {
			providedKey = key
		}

		if providedKey != cfg.APIKey {
			utils.Warn("[API] Unauthorized request from %s, invalid API key", c.ClientIP())
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"type": "error",
				"error": gin.H{
					"type":    "authentication_error",
					"message": "Invalid or missing API key",
				},
			})
			return
		}
		c.Next()
	}
}

// RequestLoggingMiddleware logs requests with a per-request ID
func RequestLoggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		requestID := uuid.New().String()[:8]
		c.Set("requestID", requestID)
		c.Writer.Header().Set("X-Request-ID", requestID)

		c.Next()

		duration := time.Since(start)
		status := c.Writer.Status()
		path := c.Request.URL.Path

		// Noise endpoints only show up in debug mode
		if strings.HasPrefix(path, "/v1/messages/count_tokens") ||
			strings.HasPrefix(path, "/.well-known/") {
			if utils.IsDebug() {
				utils.Debug("[%s] %s %s %d (%dms)", requestID, c.Request.Method, path, status, duration.Milliseconds())
			}
			return
		}

		switch {
		case status >= 500:
			utils.Error("[%s] %s %s %d (%dms)", requestID, c.Request.Method, path, status, duration.Milliseconds())
		case status >= 400:
			utils.Warn("[%s] %s %s %d (%dms)", requestID, c.Request.Method, path, status, duration.Milliseconds())
		default:
			utils.Info("[%s] %s %s %d (%dms)", requestID, c.Request.Method, path, status, duration.Milliseconds())
		}
	}
}

// SilentHandlerMiddleware answers client telemetry endpoints without
// touching the rest of the pipeline
func SilentHandlerMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.Method == "POST" &&
			(c.Request.URL.Path == "/" || c.Request.URL.Path == "/api/event_logging/batch") {
			c.JSON(http.StatusOK, gin.H{"status": "ok"})
			c.Abort()
			return
		}
		c.Next()
	}
}
