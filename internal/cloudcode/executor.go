package cloudcode

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/poemonsense/cloudpool/internal/account"
	"github.com/poemonsense/cloudpool/internal/config"
	"github.com/poemonsense/cloudpool/internal/errors"
	"github.com/poemonsense/cloudpool/internal/format"
	"github.com/poemonsense/cloudpool/internal/utils"
	"github.com/poemonsense/cloudpool/pkg/anthropic"
)

// SendMessage executes one non-streaming Messages call with account
// failover. Thinking-class models are fetched over the SSE endpoint
// and accumulated, since the plain endpoint drops thinking blocks.
func (c *Client) SendMessage(ctx context.Context, req *anthropic.MessagesRequest, opts ExecuteOptions) (*anthropic.MessagesResponse, error) {
	return c.sendMessage(ctx, req, opts, []string{req.Model})
}

// ExecuteOptions carries per-call executor settings
type ExecuteOptions struct {
	// FallbackEnabled allows recursing into the model fallback chain
	// when the pool is exhausted for the requested model
	FallbackEnabled bool
	// SessionKey pins sticky selection for this caller
	SessionKey string
}

func (c *Client) sendMessage(ctx context.Context, req *anthropic.MessagesRequest, opts ExecuteOptions, tried []string) (*anthropic.MessagesResponse, error) {
	model := req.Model
	isThinking := config.IsThinkingModel(model)
	maxAttempts := c.maxAttempts()

	for attempt := 0; attempt < maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		c.accounts.ClearExpiredLimits()

		if c.accounts.AvailableCount(model) == 0 {
			outcome, err := c.waitForPool(ctx, model, opts.FallbackEnabled, tried)
			switch outcome {
			case poolRetry:
				// Waiting out a reset is not a failed attempt
				attempt--
				continue
			case poolFallback:
				return c.fallbackMessage(ctx, req, opts, tried)
			default:
				return nil, err
			}
		}

		acc, err := c.accounts.SelectAccount(model, account.SelectOptions{SessionKey: opts.SessionKey})
		if err != nil {
			// The pool changed between the availability check and the
			// selection; a short pause avoids a hot loop
			if err := utils.Sleep(ctx, 1000); err != nil {
				return nil, err
			}
			continue
		}

		token, err := c.accounts.GetTokenForAccount(ctx, acc)
		if err != nil {
			utils.Warn("[CloudCode] Failed to get token for %s: %v", utils.MaskEmail(acc.Email), err)
			continue
		}

		projectID := c.projectFor(ctx, acc, token)
		payloadBytes, err := json.Marshal(BuildPayload(req, projectID))
		if err != nil {
			return nil, err
		}

		utils.Debug("[CloudCode] Sending request for model %s via %s", model, utils.MaskEmail(acc.Email))

		resp, lastErr := c.attemptEndpoints(ctx, acc, model, &token, payloadBytes, isThinking)
		if lastErr != nil {
			if errors.IsAuthError(lastErr) && acc.IsInvalid {
				// Permanent auth failures propagate
				return nil, lastErr
			}
			retry, err := c.classifyAttemptError(ctx, acc, model, lastErr)
			if !retry {
				c.recordOutcome(model, acc.Email, nil, false)
				return nil, err
			}
			continue
		}
		if resp == nil {
			continue
		}

		result, err := c.consumeResponse(ctx, resp, req, isThinking)
		if err != nil {
			c.accounts.NotifyFailure(acc, model)
			return nil, err
		}

		c.tracker.OnSuccess(acc.Email, model)
		c.accounts.NotifySuccess(acc, model)
		usage := &statsUsage{}
		if result.Usage != nil {
			usage.input = result.Usage.InputTokens
			usage.output = result.Usage.OutputTokens
		}
		c.recordOutcome(model, acc.Email, usage, true)
		return result, nil
	}

	if opts.FallbackEnabled {
		if _, ok := c.nextFallback(model, tried); ok {
			utils.Warn("[CloudCode] All retries exhausted for %s, falling back", model)
			return c.fallbackMessage(ctx, req, opts, tried)
		}
	}
	return nil, errors.NewMaxRetriesError("Max retries exceeded", maxAttempts)
}

// fallbackMessage recurses into the next model of the fallback chain
func (c *Client) fallbackMessage(ctx context.Context, req *anthropic.MessagesRequest, opts ExecuteOptions, tried []string) (*anthropic.MessagesResponse, error) {
	next, _ := c.nextFallback(req.Model, tried)
	utils.Warn("[CloudCode] Falling back from %s to %s", req.Model, next)
	fallbackReq := *req
	fallbackReq.Model = next
	return c.sendMessage(ctx, &fallbackReq, opts, append(tried, next))
}

// attemptEndpoints walks the endpoint fallback list once for one
// account. A non-nil response is an open 2xx body the caller owns.
// A nil response with a nil error means the list was exhausted without
// a classified failure.
func (c *Client) attemptEndpoints(ctx context.Context, acc *account.Account, model string,
	token *string, payloadBytes []byte, streaming bool) (*http.Response, error) {

	path := "/v1internal:generateContent"
	accept := "application/json"
	if streaming {
		path = "/v1internal:streamGenerateContent?alt=sse"
		accept = "text/event-stream"
	}

	var lastErr error
	capacityRetries := 0

	for i := 0; i < len(c.endpoints); {
		endpoint := c.endpoints[i]
		headers := BuildHeaders(*token, model, accept)

		resp, err := c.post(ctx, endpoint+path, headers, payloadBytes)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if utils.IsNetworkError(err) {
				utils.Warn("[CloudCode] Network error at %s: %v", endpoint, err)
				lastErr = err
				i++
				continue
			}
			return nil, err
		}

		if resp.StatusCode == http.StatusOK {
			return resp, nil
		}

		errorText := drainBody(resp)
		utils.Warn("[CloudCode] Error at %s: %d - %.200s", endpoint, resp.StatusCode, errorText)

		action, aerr := c.handleUpstreamError(ctx, acc, model, resp.StatusCode, resp.Header, errorText, &capacityRetries)
		switch action {
		case actionRetryEndpoint:
			// same endpoint, backoff already applied
		case actionNextEndpoint:
			lastErr = aerr
			i++
		case actionRefreshToken:
			lastErr = aerr
			fresh, terr := c.accounts.GetTokenForAccount(ctx, acc)
			if terr != nil {
				utils.Warn("[CloudCode] Token reacquire failed for %s: %v", utils.MaskEmail(acc.Email), terr)
				return nil, lastErr
			}
			*token = fresh
			i++
		case actionSwitchAccount:
			return nil, aerr
		default:
			return nil, aerr
		}
	}

	return nil, lastErr
}

// consumeResponse turns a 2xx upstream body into a Messages response
func (c *Client) consumeResponse(ctx context.Context, resp *http.Response, req *anthropic.MessagesRequest, streaming bool) (*anthropic.MessagesResponse, error) {
	defer resp.Body.Close()

	if streaming {
		return CollectStreamedResponse(ctx, resp.Body, req.Model)
	}

	var data map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return nil, err
	}
	return format.ConvertGoogleToAnthropic(format.GoogleResponseFromMap(data), req.Model), nil
}
