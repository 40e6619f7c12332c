package cloudcode

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/poemonsense/cloudpool/internal/errors"
	"github.com/poemonsense/cloudpool/pkg/anthropic"
)

func collectEvents(t *testing.T, body string, model string) ([]*anthropic.SSEEvent, error) {
	t.Helper()
	events, errs := StreamEvents(context.Background(), strings.NewReader(body), model)
	var out []*anthropic.SSEEvent
	for event := range events {
		out = append(out, event)
	}
	return out, <-errs
}

func eventTypes(events []*anthropic.SSEEvent) []anthropic.SSEEventType {
	types := make([]anthropic.SSEEventType, 0, len(events))
	for _, e := range events {
		types = append(types, e.Type)
	}
	return types
}

func TestStreamEventsTextOnly(t *testing.T) {
	body := `data: {"candidates":[{"content":{"parts":[{"text":"Hello"}]}}],"usageMetadata":{"promptTokenCount":100,"cachedContentTokenCount":20}}

data: {"candidates":[{"content":{"parts":[{"text":" world"}]},"finishReason":"STOP"}],"usageMetadata":{"promptTokenCount":100,"candidatesTokenCount":7,"cachedContentTokenCount":20}}

`
	events, err := collectEvents(t, body, "claude-sonnet-4-5")
	require.NoError(t, err)

	assert.Equal(t, []anthropic.SSEEventType{
		anthropic.SSEEventMessageStart,
		anthropic.SSEEventContentBlockStart,
		anthropic.SSEEventContentBlockDelta,
		anthropic.SSEEventContentBlockDelta,
		anthropic.SSEEventContentBlockStop,
		anthropic.SSEEventMessageDelta,
		anthropic.SSEEventMessageStop,
	}, eventTypes(events))

	start := events[0]
	require.NotNil(t, start.Message)
	assert.Equal(t, "assistant", start.Message.Role)
	assert.Equal(t, "claude-sonnet-4-5", start.Message.Model)
	// Cached tokens are reported separately, not inside input
	assert.Equal(t, 80, start.Message.Usage.InputTokens)
	assert.Equal(t, 20, start.Message.Usage.CacheReadInputTokens)

	assert.Equal(t, "text", events[1].ContentBlock.Type)
	assert.Equal(t, "Hello", events[2].Delta.Text)
	assert.Equal(t, " world", events[3].Delta.Text)

	final := events[5]
	assert.Equal(t, "end_turn", final.Delta.StopReason)
	assert.Equal(t, 7, final.Usage.OutputTokens)
}

func TestStreamEventsThinkingThenText(t *testing.T) {
	sig := strings.Repeat("s", 64)
	body := `data: {"candidates":[{"content":{"parts":[{"text":"pondering","thought":true,"thoughtSignature":"` + sig + `"}]}}]}

data: {"candidates":[{"content":{"parts":[{"text":"answer"}]},"finishReason":"STOP"}]}

`
	events, err := collectEvents(t, body, "gemini-3-pro-high")
	require.NoError(t, err)

	assert.Equal(t, []anthropic.SSEEventType{
		anthropic.SSEEventMessageStart,
		anthropic.SSEEventContentBlockStart, // thinking, index 0
		anthropic.SSEEventContentBlockDelta, // thinking_delta
		anthropic.SSEEventContentBlockDelta, // signature_delta
		anthropic.SSEEventContentBlockStop,
		anthropic.SSEEventContentBlockStart, // text, index 1
		anthropic.SSEEventContentBlockDelta,
		anthropic.SSEEventContentBlockStop,
		anthropic.SSEEventMessageDelta,
		anthropic.SSEEventMessageStop,
	}, eventTypes(events))

	assert.Equal(t, "thinking", events[1].ContentBlock.Type)
	assert.Equal(t, 0, events[1].Index)
	assert.Equal(t, "thinking_delta", events[2].Delta.Type)
	assert.Equal(t, "pondering", events[2].Delta.Thinking)

	// The signature flushes when the thinking block closes
	assert.Equal(t, "signature_delta", events[3].Delta.Type)
	assert.Equal(t, sig, events[3].Delta.Signature)

	assert.Equal(t, "text", events[5].ContentBlock.Type)
	assert.Equal(t, 1, events[5].Index)
}

func TestStreamEventsToolUse(t *testing.T) {
	body := `data: {"candidates":[{"content":{"parts":[{"functionCall":{"name":"get_weather","args":{"city":"Berlin"},"id":"toolu_abc"}}]},"finishReason":"STOP"}]}

`
	events, err := collectEvents(t, body, "claude-sonnet-4-5")
	require.NoError(t, err)

	var start, delta, msgDelta *anthropic.SSEEvent
	for _, e := range events {
		switch {
		case e.Type == anthropic.SSEEventContentBlockStart:
			start = e
		case e.Type == anthropic.SSEEventContentBlockDelta:
			delta = e
		case e.Type == anthropic.SSEEventMessageDelta:
			msgDelta = e
		}
	}

	require.NotNil(t, start)
	assert.Equal(t, "tool_use", start.ContentBlock.Type)
	assert.Equal(t, "get_weather", start.ContentBlock.Name)
	assert.Equal(t, "toolu_abc", start.ContentBlock.ID)

	require.NotNil(t, delta)
	assert.Equal(t, "input_json_delta", delta.Delta.Type)
	assert.JSONEq(t, `{"city":"Berlin"}`, delta.Delta.PartialJSON)

	require.NotNil(t, msgDelta)
	assert.Equal(t, "tool_use", msgDelta.Delta.StopReason)
}

func TestStreamEventsToolUseGeneratesID(t *testing.T) {
	body := `data: {"candidates":[{"content":{"parts":[{"functionCall":{"name":"lookup","args":{}}}]}}]}

`
	events, err := collectEvents(t, body, "gemini-3-flash")
	require.NoError(t, err)

	for _, e := range events {
		if e.Type == anthropic.SSEEventContentBlockStart && e.ContentBlock.Type == "tool_use" {
			assert.True(t, strings.HasPrefix(e.ContentBlock.ID, "toolu_"))
			return
		}
	}
	t.Fatal("no tool_use block emitted")
}

func TestStreamEventsEnvelopedResponse(t *testing.T) {
	body := `data: {"response":{"candidates":[{"content":{"parts":[{"text":"wrapped"}]},"finishReason":"STOP"}]}}

`
	events, err := collectEvents(t, body, "claude-sonnet-4-5")
	require.NoError(t, err)
	require.NotEmpty(t, events)
	assert.Equal(t, anthropic.SSEEventMessageStart, events[0].Type)
}

func TestStreamEventsMaxTokensStopReason(t *testing.T) {
	body := `data: {"candidates":[{"content":{"parts":[{"text":"truncat"}]},"finishReason":"MAX_TOKENS"}]}

`
	events, err := collectEvents(t, body, "claude-sonnet-4-5")
	require.NoError(t, err)

	for _, e := range events {
		if e.Type == anthropic.SSEEventMessageDelta {
			assert.Equal(t, "max_tokens", e.Delta.StopReason)
			return
		}
	}
	t.Fatal("no message_delta emitted")
}

func TestStreamEventsEmptyStream(t *testing.T) {
	events, err := collectEvents(t, "", "claude-sonnet-4-5")
	assert.Empty(t, events)
	require.Error(t, err)
	assert.True(t, errors.IsEmptyResponseError(err))

	// A stream carrying only usage chunks is still empty
	body := `data: {"usageMetadata":{"promptTokenCount":10}}

`
	events, err = collectEvents(t, body, "claude-sonnet-4-5")
	assert.Empty(t, events)
	assert.True(t, errors.IsEmptyResponseError(err))
}

func TestStreamEventsSkipsMalformedChunks(t *testing.T) {
	body := `data: {not json}

data: {"candidates":[{"content":{"parts":[{"text":"ok"}]},"finishReason":"STOP"}]}

`
	events, err := collectEvents(t, body, "claude-sonnet-4-5")
	require.NoError(t, err)
	assert.NotEmpty(t, events)
}

func TestCollectStreamedResponse(t *testing.T) {
	sig := strings.Repeat("g", 64)
	body := `data: {"candidates":[{"content":{"parts":[{"text":"think","thought":true,"thoughtSignature":"` + sig + `"}]}}],"usageMetadata":{"promptTokenCount":50}}

data: {"candidates":[{"content":{"parts":[{"text":"Hello "}]}}]}

data: {"candidates":[{"content":{"parts":[{"text":"there"}]},"finishReason":"STOP"}],"usageMetadata":{"promptTokenCount":50,"candidatesTokenCount":12}}

`
	resp, err := CollectStreamedResponse(context.Background(), strings.NewReader(body), "claude-opus-4-5-thinking")
	require.NoError(t, err)

	assert.Equal(t, "claude-opus-4-5-thinking", resp.Model)
	assert.Equal(t, "end_turn", resp.StopReason)
	require.Len(t, resp.Content, 2)

	assert.Equal(t, "thinking", resp.Content[0].Type)
	assert.Equal(t, "think", resp.Content[0].Thinking)
	assert.Equal(t, sig, resp.Content[0].Signature)

	assert.Equal(t, "text", resp.Content[1].Type)
	assert.Equal(t, "Hello there", resp.Content[1].Text)

	require.NotNil(t, resp.Usage)
	assert.Equal(t, 50, resp.Usage.InputTokens)
	assert.Equal(t, 12, resp.Usage.OutputTokens)
}

func TestCollectStreamedResponseToolUse(t *testing.T) {
	body := `data: {"candidates":[{"content":{"parts":[{"functionCall":{"name":"search","args":{"q":"go"},"id":"toolu_1"}}]},"finishReason":"STOP"}]}

`
	resp, err := CollectStreamedResponse(context.Background(), strings.NewReader(body), "gemini-3-pro-high")
	require.NoError(t, err)

	assert.Equal(t, "tool_use", resp.StopReason)
	require.Len(t, resp.Content, 1)
	block := resp.Content[0]
	assert.Equal(t, "tool_use", block.Type)
	assert.Equal(t, "search", block.Name)
	assert.JSONEq(t, `{"q":"go"}`, string(block.Input))
}

func TestCollectStreamedResponseEmpty(t *testing.T) {
	_, err := CollectStreamedResponse(context.Background(), strings.NewReader(""), "claude-sonnet-4-5")
	require.Error(t, err)
	assert.True(t, errors.IsEmptyResponseError(err))
}

func TestStreamEventsStopsWhenConsumerAbandons(t *testing.T) {
	// Far more events than the channel buffer holds, so an abandoned
	// consumer would wedge the producer forever without the ctx guard
	var b strings.Builder
	for i := 0; i < 400; i++ {
		b.WriteString(`data: {"candidates":[{"content":{"parts":[{"text":"chunk"}]}}]}` + "\n\n")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	events, errs := StreamEvents(ctx, strings.NewReader(b.String()), "claude-sonnet-4-5")

	// Never read events; the producer must still terminate
	err := <-errs
	require.ErrorIs(t, err, context.Canceled)

	// Both channels close once the producer goroutine has returned
	_, ok := <-errs
	assert.False(t, ok)
	for range events {
	}
}
