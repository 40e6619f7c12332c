// Package config provides compile-time constants and runtime configuration
// for the cloudpool proxy.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"strconv"
	"strings"
)

// Version information
const Version = "0.3.0"

// Cloud Code API endpoints (in fallback order)
const (
	CloudCodeEndpointDaily = "https://daily-cloudcode-pa.googleapis.com"
	CloudCodeEndpointProd  = "https://cloudcode-pa.googleapis.com"
)

// CloudCodeEndpointFallbacks is the endpoint fallback order (daily first,
// then prod)
var CloudCodeEndpointFallbacks = []string{
	CloudCodeEndpointDaily,
	CloudCodeEndpointProd,
}

// LoadCodeAssistEndpoints is the endpoint order for loadCodeAssist.
// Prod handles fresh/unprovisioned accounts better, so it goes first.
var LoadCodeAssistEndpoints = []string{
	CloudCodeEndpointProd,
	CloudCodeEndpointDaily,
}

// DefaultProjectID is used when no project can be discovered for an account
const DefaultProjectID = "rising-fact-p41fc"

// CloudCodeHeaders are the required headers for Cloud Code API requests
func CloudCodeHeaders() map[string]string {
	return map[string]string{
		"User-Agent":        getPlatformUserAgent(),
		"X-Goog-Api-Client": "google-cloud-sdk vscode_cloudshelleditor/0.1",
		"Client-Metadata":   getClientMetadata(),
	}
}

func getPlatformUserAgent() string {
	return fmt.Sprintf("antigravity/1.16.5 %s/%s", runtime.GOOS, runtime.GOARCH)
}

func getClientMetadata() string {
	metadata := map[string]string{
		"ideType":    "IDE_UNSPECIFIED",
		"platform":   "PLATFORM_UNSPECIFIED",
		"pluginType": "GEMINI",
	}
	data, _ := json.Marshal(metadata)
	return string(data)
}

// Timing constants
const (
	// TokenCacheTTLMs is the access-token cache TTL (5 minutes)
	TokenCacheTTLMs = 5 * 60 * 1000
	// TokenCacheSkewMs is subtracted from the TTL so tokens are refreshed
	// before they actually expire
	TokenCacheSkewMs = 30 * 1000
	// RequestBodyLimit is the max request body size (50MB)
	RequestBodyLimit int64 = 50 * 1024 * 1024
	// DefaultPort is the default server port
	DefaultPort = 8080
)

// File paths
var (
	// AccountStorePath is the path to the accounts file
	AccountStorePath = filepath.Join(getHomeDir(), ".config", "cloudpool", "accounts.json")
	// ConfigFilePath is the path to the runtime config file
	ConfigFilePath = filepath.Join(getHomeDir(), ".config", "cloudpool", "config.json")
	// AntigravityDBPath is where the Antigravity IDE keeps its state database
	AntigravityDBPath = getAntigravityDbPath()
)

// Rate limit and retry constants
const (
	DefaultCooldownMs      = 10 * 1000
	MaxRetries             = 5
	MaxEmptyResponseRetries = 2
	MaxAccounts            = 10
	MaxWaitBeforeErrorMs   = 120000 // 2 minutes
	RateLimitDedupWindowMs = 2000
	RateLimitStateResetMs  = 120000
	FirstRetryDelayMs      = 1000
	MaxConsecutiveFailures = 3
	ExtendedCooldownMs     = 60000
	MaxCapacityRetries     = 3
	CapacityRetryDelayMs   = 5000
	MinBackoffMs           = 2000
	CapacityJitterMaxMs    = 10000 // ±5s jitter range
	RequestTimeoutMs       = 600000
	SwitchAccountDelayMs   = 2000
)

// CloudCodeSystemInstruction is the upstream's expected identity preamble.
// It is sent first and immediately retracted with an [ignore] wrapper so
// the model does not present itself as the upstream IDE assistant.
const CloudCodeSystemInstruction = `You are Antigravity, a powerful agentic AI coding assistant designed by the Google Deepmind team working on Advanced Agentic Coding.You are pair programming with a USER to solve their coding task. The task may require creating a new codebase, modifying or debugging an existing codebase, or simply answering a question.**Absolute paths only****Proactiveness**`

// CapacityBackoffTiersMs is the per-attempt backoff ladder for capacity
// retries on the same endpoint
var CapacityBackoffTiersMs = []int64{1000, 5000, 15000}

// QuotaExhaustedBackoffTiersMs is the backoff ladder for QUOTA_EXHAUSTED
// (1m, 5m, 30m, 2h)
var QuotaExhaustedBackoffTiersMs = []int64{60000, 300000, 1800000, 7200000}

// BackoffByErrorType is the fixed smart-backoff amount per classified error
var BackoffByErrorType = map[string]int64{
	"RATE_LIMIT_EXCEEDED":      30000,
	"MODEL_CAPACITY_EXHAUSTED": 15000,
	"SERVER_ERROR":             20000,
	"UNKNOWN":                  60000,
}

// Quota refresh constants
const (
	QuotaRefreshIntervalMs = 15 * 60 * 1000
	QuotaRefreshStaggerMs  = 2000
)

// Account selection strategies
var SelectionStrategies = []string{"round-robin", "sticky", "least-used", "quota-aware"}

const DefaultSelectionStrategy = "round-robin"

// StrategyLabels are the display labels for strategies
var StrategyLabels = map[string]string{
	"round-robin": "Round Robin (Load Balanced)",
	"sticky":      "Sticky (Cache Optimized)",
	"least-used":  "Least Used (Fair Share)",
	"quota-aware": "Quota Aware (Headroom First)",
}

// ModelValidationCacheTTLMs is how long a fetched model list stays fresh
const ModelValidationCacheTTLMs = 5 * 60 * 1000

// Format conversion constants
const (
	// GeminiMaxOutputTokens caps maxOutputTokens for Gemini models
	GeminiMaxOutputTokens = 16384
	// DefaultThinkingBudget is used when a Gemini thinking model gets no
	// explicit budget
	DefaultThinkingBudget = 16000
	// DefaultMaxTokens is applied when the client omits max_tokens
	DefaultMaxTokens = 4096
	// GeminiSkipSignature tells the upstream validator to accept a tool
	// call whose thought signature was lost by the client
	GeminiSkipSignature = "skip_thought_signature_validator"
	// MinSignatureLength filters out truncated thought signatures
	MinSignatureLength = 50
	// SignatureCacheTTLMs is how long thought signatures stay cached
	SignatureCacheTTLMs = 2 * 60 * 60 * 1000
)

// AnthropicBetaInterleaved is sent for Claude thinking models so thinking
// may appear between tool calls
const AnthropicBetaInterleaved = "interleaved-thinking-2025-05-14"

// OAuth configuration
type OAuthConfigType struct {
	ClientID     string
	ClientSecret string
	TokenURL     string
	UserInfoURL  string
	Scopes       []string
}

// OAuthConfig is the Google OAuth configuration used for token refresh
var OAuthConfig = OAuthConfigType{
	ClientID:     "1071006060591-tmhssin2h21lcre235vtolojh4g403ep.apps.googleusercontent.com",
	ClientSecret: "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",
	TokenURL:     "https://oauth2.googleapis.com/token",
	UserInfoURL:  "https://www.googleapis.com/oauth2/v1/userinfo",
	Scopes: []string{
		"https://www.googleapis.com/auth/cloud-platform",
		"https://www.googleapis.com/auth/userinfo.email",
		"https://www.googleapis.com/auth/userinfo.profile",
	},
}

// ModelFallbackMap maps a primary model to its fallback when quota is
// exhausted everywhere
var ModelFallbackMap = map[string]string{
	"gemini-3-pro-high":          "claude-opus-4-5-thinking",
	"gemini-3-pro-low":           "claude-sonnet-4-5",
	"gemini-3-flash":             "claude-sonnet-4-5-thinking",
	"claude-opus-4-5-thinking":   "gemini-3-pro-high",
	"claude-sonnet-4-5-thinking": "gemini-3-flash",
	"claude-sonnet-4-5":          "gemini-3-flash",
}

// ModelFamily represents the model family type
type ModelFamily string

const (
	ModelFamilyClaude  ModelFamily = "claude"
	ModelFamilyGemini  ModelFamily = "gemini"
	ModelFamilyUnknown ModelFamily = "unknown"
)

// GetModelFamily returns the model family from the model name
func GetModelFamily(modelName string) ModelFamily {
	lower := strings.ToLower(modelName)
	if strings.Contains(lower, "claude") {
		return ModelFamilyClaude
	}
	if strings.Contains(lower, "gemini") {
		return ModelFamilyGemini
	}
	return ModelFamilyUnknown
}

var geminiVersionRe = regexp.MustCompile(`gemini-(\d+)`)

// IsThinkingModel checks if a model emits thinking/reasoning output.
// Claude thinking models carry "thinking" in the name; Gemini models are
// thinking-class from version 3 onward.
func IsThinkingModel(modelName string) bool {
	lower := strings.ToLower(modelName)

	if strings.Contains(lower, "claude") && strings.Contains(lower, "thinking") {
		return true
	}

	if strings.Contains(lower, "gemini") {
		if strings.Contains(lower, "thinking") {
			return true
		}
		matches := geminiVersionRe.FindStringSubmatch(lower)
		if len(matches) >= 2 {
			version, err := strconv.Atoi(matches[1])
			if err == nil && version >= 3 {
				return true
			}
		}
	}

	return false
}

// GetFallbackModel returns the fallback model for the given model
func GetFallbackModel(modelName string) (string, bool) {
	fallback, ok := ModelFallbackMap[modelName]
	return fallback, ok
}

// HasFallback checks if a model has a fallback configured
func HasFallback(modelName string) bool {
	_, ok := ModelFallbackMap[modelName]
	return ok
}

func getHomeDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return home
}

func getAntigravityDbPath() string {
	home := getHomeDir()
	switch runtime.GOOS {
	case "darwin":
		return filepath.Join(home, "Library/Application Support/Antigravity/User/globalStorage/state.vscdb")
	case "windows":
		return filepath.Join(home, "AppData/Roaming/Antigravity/User/globalStorage/state.vscdb")
	default:
		return filepath.Join(home, ".config/Antigravity/User/globalStorage/state.vscdb")
	}
}
