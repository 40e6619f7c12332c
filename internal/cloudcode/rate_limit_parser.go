// Package cloudcode implements the Cloud Code upstream client: request
// building, the retry/failover executor, rate-limit parsing, and the
// model/quota/subscription API.
package cloudcode

import (
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/poemonsense/cloudpool/internal/utils"
)

// RateLimitReason classifies why the upstream pushed back
type RateLimitReason string

const (
	ReasonRateLimitExceeded      RateLimitReason = "RATE_LIMIT_EXCEEDED"
	ReasonQuotaExhausted         RateLimitReason = "QUOTA_EXHAUSTED"
	ReasonModelCapacityExhausted RateLimitReason = "MODEL_CAPACITY_EXHAUSTED"
	ReasonServerError            RateLimitReason = "SERVER_ERROR"
	ReasonUnknown                RateLimitReason = "UNKNOWN"
)

var (
	quotaDelayRegex     = regexp.MustCompile(`(?i)quotaResetDelay[:\s"]+(\d+(?:\.\d+)?)(ms|s)`)
	quotaTimestampRegex = regexp.MustCompile(`(?i)quotaResetTimeStamp[:\s"]+(\d{4}-\d{2}-\d{2}T[\d:.]+Z?)`)
	retrySecondsRegex   = regexp.MustCompile(`(?i)(?:retry[-_]?after[-_]?ms|retryDelay)[:\s"]+([\d.]+)(?:s\b|s")`)
	retryMsRegex        = regexp.MustCompile(`(?i)(?:retry[-_]?after[-_]?ms|retryDelay)[:\s"]+(\d+)(?:\s*ms)?(?:\s|$|[,;}\]])`)
	retryAfterSecRegex  = regexp.MustCompile(`(?i)retry\s+(?:after\s+)?(\d+)\s*(?:sec|s\b)`)
	durationRegex       = regexp.MustCompile(`(?i)(\d+)h(\d+)m(\d+)s|(\d+)m(\d+)s|(\d+)s`)
	isoTimestampRegex   = regexp.MustCompile(`(?i)reset[:\s"]+(\d{4}-\d{2}-\d{2}T[\d:.]+Z?)`)
)

// ParseResetTime extracts an upstream-reported reset delay from headers
// or the error body. Returns milliseconds, or -1 when nothing usable was
// found. Headers take precedence over the body.
func ParseResetTime(headers http.Header, errorText string) int64 {
	resetMs := parseResetFromHeaders(headers)

	if resetMs < 0 && errorText != "" {
		resetMs = parseResetFromBody(errorText)
	}

	// Tiny or zero resets still mean "not yet", pad them so the retry
	// does not race the limiter
	if resetMs >= 0 {
		if resetMs == 0 {
			resetMs = 500
		} else if resetMs < 500 {
			resetMs += 200
		}
	}

	return resetMs
}

func parseResetFromHeaders(headers http.Header) int64 {
	if retryAfter := headers.Get("retry-after"); retryAfter != "" {
		if seconds, err := strconv.Atoi(retryAfter); err == nil {
			return int64(seconds) * 1000
		}
		if t, err := time.Parse(time.RFC1123, retryAfter); err == nil {
			if ms := time.Until(t).Milliseconds(); ms > 0 {
				return ms
			}
		}
	}

	// x-ratelimit-reset is a Unix timestamp in seconds
	if reset := headers.Get("x-ratelimit-reset"); reset != "" {
		if ts, err := strconv.ParseInt(reset, 10, 64); err == nil {
			if ms := ts*1000 - time.Now().UnixMilli(); ms > 0 {
				return ms
			}
		}
	}

	// x-ratelimit-reset-after is relative seconds
	if resetAfter := headers.Get("x-ratelimit-reset-after"); resetAfter != "" {
		if seconds, err := strconv.Atoi(resetAfter); err == nil && seconds > 0 {
			return int64(seconds) * 1000
		}
	}

	return -1
}

func parseResetFromBody(msg string) int64 {
	// quotaResetDelay, e.g. "754.431528ms" or "1.5s"
	if match := quotaDelayRegex.FindStringSubmatch(msg); match != nil {
		value, _ := strconv.ParseFloat(match[1], 64)
		if strings.EqualFold(match[2], "s") {
			return int64(value * 1000)
		}
		return int64(value)
	}

	// quotaResetTimeStamp, ISO format
	if match := quotaTimestampRegex.FindStringSubmatch(msg); match != nil {
		if t, err := time.Parse(time.RFC3339, match[1]); err == nil {
			return time.Until(t).Milliseconds()
		}
	}

	// retryDelay / retry-after-ms with a seconds suffix
	if match := retrySecondsRegex.FindStringSubmatch(msg); match != nil {
		value, _ := strconv.ParseFloat(match[1], 64)
		return int64(value * 1000)
	}

	// retryDelay / retry-after-ms, bare number is milliseconds
	if match := retryMsRegex.FindStringSubmatch(msg); match != nil {
		ms, _ := strconv.ParseInt(match[1], 10, 64)
		return ms
	}

	// "retry after 60 seconds"
	if match := retryAfterSecRegex.FindStringSubmatch(msg); match != nil {
		seconds, _ := strconv.ParseInt(match[1], 10, 64)
		return seconds * 1000
	}

	// Go-style duration, "1h23m45s" / "23m45s" / "45s"
	if match := durationRegex.FindStringSubmatch(msg); match != nil {
		var resetMs int64 = -1
		switch {
		case match[1] != "":
			hours, _ := strconv.Atoi(match[1])
			minutes, _ := strconv.Atoi(match[2])
			seconds, _ := strconv.Atoi(match[3])
			resetMs = int64((hours*3600 + minutes*60 + seconds) * 1000)
		case match[4] != "":
			minutes, _ := strconv.Atoi(match[4])
			seconds, _ := strconv.Atoi(match[5])
			resetMs = int64((minutes*60 + seconds) * 1000)
		case match[6] != "":
			seconds, _ := strconv.Atoi(match[6])
			resetMs = int64(seconds * 1000)
		}
		if resetMs > 0 {
			utils.Debug("[CloudCode] Parsed duration from body: %s", utils.FormatDuration(resetMs))
		}
		return resetMs
	}

	// "reset: <ISO timestamp>"
	if match := isoTimestampRegex.FindStringSubmatch(msg); match != nil {
		if t, err := time.Parse(time.RFC3339, match[1]); err == nil {
			if ms := time.Until(t).Milliseconds(); ms > 0 {
				return ms
			}
		}
	}

	return -1
}

// ParseRateLimitReason classifies an upstream pushback from the status
// code and error text. Status codes win over body sniffing.
func ParseRateLimitReason(errorText string, status int) RateLimitReason {
	// 529 Site Overloaded and 503 are capacity problems, not quota
	if status == 529 || status == 503 {
		return ReasonModelCapacityExhausted
	}
	if status == 500 {
		return ReasonServerError
	}

	// Structured fields from a JSON body beat substring sniffing
	parsed := ParseUpstreamError(errorText)
	switch parsed.Reason {
	case "QUOTA_EXHAUSTED":
		return ReasonQuotaExhausted
	case "RATE_LIMIT_EXCEEDED":
		return ReasonRateLimitExceeded
	case "MODEL_CAPACITY_EXHAUSTED":
		return ReasonModelCapacityExhausted
	}
	switch parsed.Status {
	case "RESOURCE_EXHAUSTED":
		return ReasonQuotaExhausted
	case "UNAVAILABLE":
		return ReasonModelCapacityExhausted
	case "INTERNAL":
		return ReasonServerError
	}

	lower := strings.ToLower(errorText)

	if utils.ContainsAny(lower,
		"quota_exhausted", "quotaresetdelay", "quotaresettimestamp",
		"resource_exhausted", "daily limit", "quota exceeded") {
		return ReasonQuotaExhausted
	}

	if utils.ContainsAny(lower,
		"model_capacity_exhausted", "capacity_exhausted",
		"model is currently overloaded", "service temporarily unavailable") {
		return ReasonModelCapacityExhausted
	}

	if utils.ContainsAny(lower,
		"rate_limit_exceeded", "rate limit", "too many requests", "throttl") {
		return ReasonRateLimitExceeded
	}

	if utils.ContainsAny(lower,
		"internal server error", "server error", "503", "502", "504") {
		return ReasonServerError
	}

	return ReasonUnknown
}

// IsPermanentAuthFailure detects credential failures that no retry can
// fix; the account must be re-authenticated.
func IsPermanentAuthFailure(errorText string) bool {
	lower := strings.ToLower(errorText)
	return utils.ContainsAny(lower,
		"invalid_grant",
		"token revoked",
		"token has been expired or revoked",
		"token_revoked",
		"invalid_client",
		"credentials are invalid")
}

// IsModelCapacityExhausted detects whether a 429 is model capacity
// rather than the account's own quota.
func IsModelCapacityExhausted(errorText string) bool {
	lower := strings.ToLower(errorText)
	return utils.ContainsAny(lower,
		"model_capacity_exhausted",
		"capacity_exhausted",
		"model is currently overloaded",
		"service temporarily unavailable")
}

// UpstreamError is the interesting part of a Cloud Code error body
type UpstreamError struct {
	Status  string
	Message string
	Reason  string
}

// ParseUpstreamError probes a (possibly truncated or array-wrapped)
// JSON error body for the structured error fields.
func ParseUpstreamError(body string) UpstreamError {
	var e UpstreamError
	for _, prefix := range []string{"error", "0.error"} {
		if e.Status == "" {
			e.Status = gjson.Get(body, prefix+".status").String()
		}
		if e.Message == "" {
			e.Message = gjson.Get(body, prefix+".message").String()
		}
		if e.Reason == "" {
			e.Reason = gjson.Get(body, prefix+`.details.#(reason!="").reason`).String()
		}
	}
	return e
}
