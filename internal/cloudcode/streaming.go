package cloudcode

import (
	"context"
	"encoding/json"
	"io"

	"github.com/poemonsense/cloudpool/internal/account"
	"github.com/poemonsense/cloudpool/internal/errors"
	"github.com/poemonsense/cloudpool/internal/utils"
	"github.com/poemonsense/cloudpool/pkg/anthropic"
)

// SendMessageStream executes one streaming Messages call with account
// failover. Events arrive on the returned channel; a failure before or
// during the stream arrives on the error channel. Both channels close
// when the call is over.
func (c *Client) SendMessageStream(ctx context.Context, req *anthropic.MessagesRequest, opts ExecuteOptions) (<-chan *anthropic.SSEEvent, <-chan error) {
	out := make(chan *anthropic.SSEEvent, 100)
	errOut := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errOut)
		if err := c.streamMessage(ctx, req, opts, []string{req.Model}, out); err != nil {
			errOut <- err
		}
	}()

	return out, errOut
}

func (c *Client) streamMessage(ctx context.Context, req *anthropic.MessagesRequest, opts ExecuteOptions, tried []string, out chan<- *anthropic.SSEEvent) error {
	model := req.Model
	maxAttempts := c.maxAttempts()

	for attempt := 0; attempt < maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		c.accounts.ClearExpiredLimits()

		if c.accounts.AvailableCount(model) == 0 {
			outcome, err := c.waitForPool(ctx, model, opts.FallbackEnabled, tried)
			switch outcome {
			case poolRetry:
				attempt--
				continue
			case poolFallback:
				return c.fallbackStream(ctx, req, opts, tried, out)
			default:
				return err
			}
		}

		acc, err := c.accounts.SelectAccount(model, account.SelectOptions{SessionKey: opts.SessionKey})
		if err != nil {
			if err := utils.Sleep(ctx, 1000); err != nil {
				return err
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
			return err
		}

		utils.Debug("[CloudCode] Streaming request for model %s via %s", model, utils.MaskEmail(acc.Email))

		resp, lastErr := c.attemptEndpoints(ctx, acc, model, &token, payloadBytes, true)
		if lastErr != nil {
			if errors.IsAuthError(lastErr) && acc.IsInvalid {
				return lastErr
			}
			retry, err := c.classifyAttemptError(ctx, acc, model, lastErr)
			if !retry {
				c.recordOutcome(model, acc.Email, nil, false)
				return err
			}
			continue
		}
		if resp == nil {
			continue
		}

		// Empty-response retry loop. A stream that ends with no content
		// is refetched a bounded number of times; after that a synthetic
		// fallback message is emitted so the client gets a valid stream.
		emptyRetries := 0
		for {
			emitted, usage, serr := c.pipeStream(ctx, resp.Body, model, out)
			resp.Body.Close()

			if serr == nil {
				c.tracker.OnSuccess(acc.Email, model)
				c.accounts.NotifySuccess(acc, model)
				c.recordOutcome(model, acc.Email, usage, true)
				return nil
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}

			if !errors.IsEmptyResponseError(serr) || emitted {
				// Failed mid-stream; the client already saw events, so a
				// retry would corrupt the event sequence
				c.accounts.NotifyFailure(acc, model)
				c.recordOutcome(model, acc.Email, nil, false)
				return serr
			}

			if emptyRetries >= c.cfg.MaxEmptyResponseRetries {
				utils.Warn("[CloudCode] Empty response persisted after %d retries, emitting fallback", emptyRetries)
				emitEmptyResponseFallback(ctx, out, model)
				c.accounts.NotifySuccess(acc, model)
				c.recordOutcome(model, acc.Email, nil, true)
				return nil
			}

			delay := int64(500) << emptyRetries
			emptyRetries++
			utils.Warn("[CloudCode] Empty response from %s, refetch %d in %dms", utils.MaskEmail(acc.Email), emptyRetries, delay)
			if err := utils.Sleep(ctx, delay); err != nil {
				return err
			}

			resp, lastErr = c.attemptEndpoints(ctx, acc, model, &token, payloadBytes, true)
			if lastErr != nil || resp == nil {
				if lastErr == nil {
					lastErr = serr
				}
				if errors.IsAuthError(lastErr) && acc.IsInvalid {
					return lastErr
				}
				retry, err := c.classifyAttemptError(ctx, acc, model, lastErr)
				if !retry {
					c.recordOutcome(model, acc.Email, nil, false)
					return err
				}
				break
			}
		}
	}

	if opts.FallbackEnabled {
		if _, ok := c.nextFallback(model, tried); ok {
			utils.Warn("[CloudCode] All retries exhausted for %s, falling back", model)
			return c.fallbackStream(ctx, req, opts, tried, out)
		}
	}
	return errors.NewMaxRetriesError("Max retries exceeded", maxAttempts)
}

func (c *Client) fallbackStream(ctx context.Context, req *anthropic.MessagesRequest, opts ExecuteOptions, tried []string, out chan<- *anthropic.SSEEvent) error {
	next, _ := c.nextFallback(req.Model, tried)
	utils.Warn("[CloudCode] Falling back from %s to %s", req.Model, next)
	fallbackReq := *req
	fallbackReq.Model = next
	return c.streamMessage(ctx, &fallbackReq, opts, append(tried, next), out)
}

// pipeStream forwards converted events to the caller. It reports
// whether any event was forwarded and the output token usage observed
// on the way through.
func (c *Client) pipeStream(ctx context.Context, body io.Reader, model string, out chan<- *anthropic.SSEEvent) (bool, *statsUsage, error) {
	events, errs := StreamEvents(ctx, body, model)

	emitted := false
	usage := &statsUsage{}

	for event := range events {
		if event.Type == anthropic.SSEEventMessageStart && event.Message != nil && event.Message.Usage != nil {
			usage.input = event.Message.Usage.InputTokens
		}
		if event.Type == anthropic.SSEEventMessageDelta && event.Usage != nil {
			usage.output = event.Usage.OutputTokens
		}
		select {
		case out <- event:
			emitted = true
		case <-ctx.Done():
			return emitted, usage, ctx.Err()
		}
	}

	if err := <-errs; err != nil {
		return emitted, usage, err
	}
	return emitted, usage, nil
}

// emitEmptyResponseFallback writes a minimal valid event sequence
// carrying a placeholder message
func emitEmptyResponseFallback(ctx context.Context, out chan<- *anthropic.SSEEvent, model string) {
	const fallbackText = "[No response after retries - please try again]"

	sequence := []*anthropic.SSEEvent{
		{
			Type: anthropic.SSEEventMessageStart,
			Message: &anthropic.MessagesResponse{
				ID:      anthropic.GenerateMessageID(),
				Type:    "message",
				Role:    "assistant",
				Content: []anthropic.ContentBlock{},
				Model:   model,
				Usage:   &anthropic.Usage{},
			},
		},
		{
			Type:         anthropic.SSEEventContentBlockStart,
			ContentBlock: &anthropic.ContentBlock{Type: "text"},
		},
		{
			Type:  anthropic.SSEEventContentBlockDelta,
			Delta: &anthropic.ContentDelta{Type: "text_delta", Text: fallbackText},
		},
		{Type: anthropic.SSEEventContentBlockStop},
		{
			Type:  anthropic.SSEEventMessageDelta,
			Delta: &anthropic.ContentDelta{StopReason: "end_turn"},
			Usage: &anthropic.Usage{},
		},
		{Type: anthropic.SSEEventMessageStop},
	}

	for _, event := range sequence {
		select {
		case out <- event:
		case <-ctx.Done():
			return
		}
	}
}
