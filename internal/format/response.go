package format

import (
	"encoding/json"

	"github.com/poemonsense/cloudpool/internal/config"
	"github.com/poemonsense/cloudpool/pkg/anthropic"
)

// ConvertGoogleToAnthropic converts an upstream response to the
// Messages API shape, caching thought signatures along the way so
// follow-up requests can restore them.
func ConvertGoogleToAnthropic(resp *GoogleResponse, model string) *anthropic.MessagesResponse {
	candidates, usage := resp.Unwrap()

	var candidate Candidate
	if len(candidates) > 0 {
		candidate = candidates[0]
	}
	var parts []GooglePart
	if candidate.Content != nil {
		parts = candidate.Content.Parts
	}

	cache := Signatures()
	family := string(config.GetModelFamily(model))

	content := make([]anthropic.ContentBlock, 0, len(parts))
	hasToolCalls := false

	for _, part := range parts {
		switch {
		case part.Text != "" && part.Thought:
			if len(part.ThoughtSignature) >= config.MinSignatureLength {
				cache.CacheThinkingSignature(part.ThoughtSignature, family)
			}
			content = append(content, anthropic.ContentBlock{
				Type:      "thinking",
				Thinking:  part.Text,
				Signature: part.ThoughtSignature,
			})

		case part.Text != "":
			content = append(content, anthropic.ContentBlock{
				Type: "text",
				Text: part.Text,
			})

		case part.FunctionCall != nil:
			toolID := part.FunctionCall.ID
			if toolID == "" {
				toolID = anthropic.GenerateToolUseID()
			}

			input := json.RawMessage("{}")
			if part.FunctionCall.Args != nil {
				if data, err := json.Marshal(part.FunctionCall.Args); err == nil {
					input = data
				}
			}

			block := anthropic.ContentBlock{
				Type:  "tool_use",
				ID:    toolID,
				Name:  part.FunctionCall.Name,
				Input: input,
			}
			// Gemini attaches the signature at the part level; keep it
			// on the block and cache it for clients that strip it
			if len(part.ThoughtSignature) >= config.MinSignatureLength {
				block.ThoughtSignature = part.ThoughtSignature
				cache.CacheSignature(toolID, part.ThoughtSignature)
			}
			content = append(content, block)
			hasToolCalls = true

		case part.InlineData != nil:
			content = append(content, anthropic.ContentBlock{
				Type: "image",
				Source: &anthropic.ImageSource{
					Type:      "base64",
					MediaType: part.InlineData.MimeType,
					Data:      part.InlineData.Data,
				},
			})
		}
	}

	if len(content) == 0 {
		content = append(content, anthropic.ContentBlock{Type: "text", Text: ""})
	}

	stopReason := "end_turn"
	switch {
	case candidate.FinishReason == "MAX_TOKENS":
		stopReason = "max_tokens"
	case candidate.FinishReason == "TOOL_USE" || hasToolCalls:
		stopReason = "tool_use"
	}

	// Upstream promptTokenCount includes cached tokens; Anthropic's
	// input_tokens excludes them
	var promptTokens, cachedTokens, outputTokens int
	if usage != nil {
		promptTokens = usage.PromptTokenCount
		cachedTokens = usage.CachedContentTokenCount
		outputTokens = usage.CandidatesTokenCount
	}

	return anthropic.NewMessagesResponse(
		anthropic.GenerateMessageID(),
		model,
		content,
		stopReason,
		&anthropic.Usage{
			InputTokens:          promptTokens - cachedTokens,
			OutputTokens:         outputTokens,
			CacheReadInputTokens: cachedTokens,
		},
	)
}
