package cloudcode

import (
	"context"
	"encoding/json"
	"io"

	"github.com/poemonsense/cloudpool/pkg/anthropic"
)

// CollectStreamedResponse accumulates a streamed upstream body into a
// single Messages response. Non-streaming calls for thinking models go
// through here because the plain generate endpoint drops thinking
// blocks.
func CollectStreamedResponse(ctx context.Context, body io.Reader, model string) (*anthropic.MessagesResponse, error) {
	events, errs := StreamEvents(ctx, body, model)

	var (
		messageID  string
		content    []anthropic.ContentBlock
		usage      anthropic.Usage
		stopReason string
		current    *anthropic.ContentBlock
		inputJSON  string
	)

	for event := range events {
		switch event.Type {
		case anthropic.SSEEventMessageStart:
			if event.Message != nil {
				messageID = event.Message.ID
				if event.Message.Usage != nil {
					usage.InputTokens = event.Message.Usage.InputTokens
					usage.CacheReadInputTokens = event.Message.Usage.CacheReadInputTokens
				}
			}

		case anthropic.SSEEventContentBlockStart:
			if event.ContentBlock != nil {
				block := *event.ContentBlock
				current = &block
				inputJSON = ""
			}

		case anthropic.SSEEventContentBlockDelta:
			if current == nil || event.Delta == nil {
				continue
			}
			switch event.Delta.Type {
			case "text_delta":
				current.Text += event.Delta.Text
			case "thinking_delta":
				current.Thinking += event.Delta.Thinking
			case "signature_delta":
				current.Signature = event.Delta.Signature
			case "input_json_delta":
				inputJSON += event.Delta.PartialJSON
			}

		case anthropic.SSEEventContentBlockStop:
			if current == nil {
				continue
			}
			if current.Type == "tool_use" {
				if inputJSON == "" {
					inputJSON = "{}"
				}
				current.Input = json.RawMessage(inputJSON)
			}
			content = append(content, *current)
			current = nil

		case anthropic.SSEEventMessageDelta:
			if event.Delta != nil && event.Delta.StopReason != "" {
				stopReason = event.Delta.StopReason
			}
			if event.Usage != nil {
				usage.OutputTokens = event.Usage.OutputTokens
			}
		}
	}

	if err := <-errs; err != nil {
		return nil, err
	}

	if messageID == "" {
		messageID = anthropic.GenerateMessageID()
	}
	if stopReason == "" {
		stopReason = "end_turn"
	}
	if len(content) == 0 {
		content = []anthropic.ContentBlock{{Type: "text", Text: ""}}
	}

	return anthropic.NewMessagesResponse(messageID, model, content, stopReason, &usage), nil
}
