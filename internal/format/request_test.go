package format

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/poemonsense/cloudpool/internal/config"
	"github.com/poemonsense/cloudpool/pkg/anthropic"
)

func TestConvertRolesAndSystem(t *testing.T) {
	req := &anthropic.MessagesRequest{
		Model:     "claude-sonnet-4-5",
		MaxTokens: 100,
		System:    "You are terse.",
		Messages: []anthropic.Message{
			{Role: "user", Content: []anthropic.ContentBlock{{Type: "text", Text: "hi"}}},
			{Role: "assistant", Content: []anthropic.ContentBlock{{Type: "text", Text: "hello"}}},
		},
	}

	out := ConvertAnthropicToGoogle(req)

	require.NotNil(t, out.SystemInstruction)
	assert.Equal(t, "You are terse.", out.SystemInstruction.Parts[0].Text)

	require.Len(t, out.Contents, 2)
	assert.Equal(t, "user", out.Contents[0].Role)
	assert.Equal(t, "model", out.Contents[1].Role)
	assert.Equal(t, "hello", out.Contents[1].Parts[0].Text)
}

func TestConvertSystemBlockArray(t *testing.T) {
	req := &anthropic.MessagesRequest{
		Model:     "claude-sonnet-4-5",
		MaxTokens: 100,
		System: []interface{}{
			map[string]interface{}{"type": "text", "text": "first"},
			map[string]interface{}{"type": "text", "text": "second"},
		},
		Messages: []anthropic.Message{
			{Role: "user", Content: []anthropic.ContentBlock{{Type: "text", Text: "hi"}}},
		},
	}

	out := ConvertAnthropicToGoogle(req)
	require.NotNil(t, out.SystemInstruction)
	require.Len(t, out.SystemInstruction.Parts, 2)
	assert.Equal(t, "first", out.SystemInstruction.Parts[0].Text)
}

func TestConvertEmptyTurnGetsPlaceholder(t *testing.T) {
	req := &anthropic.MessagesRequest{
		Model:     "claude-sonnet-4-5",
		MaxTokens: 100,
		Messages: []anthropic.Message{
			{Role: "user", Content: []anthropic.ContentBlock{}},
		},
	}

	out := ConvertAnthropicToGoogle(req)
	require.Len(t, out.Contents, 1)
	require.Len(t, out.Contents[0].Parts, 1)
	assert.Equal(t, ".", out.Contents[0].Parts[0].Text)
}

func TestConvertMaxTokensDefault(t *testing.T) {
	req := &anthropic.MessagesRequest{
		Model: "claude-sonnet-4-5",
		Messages: []anthropic.Message{
			{Role: "user", Content: []anthropic.ContentBlock{{Type: "text", Text: "hi"}}},
		},
	}

	out := ConvertAnthropicToGoogle(req)
	assert.Equal(t, config.DefaultMaxTokens, out.GenerationConfig.MaxOutputTokens)
}

func TestConvertClaudeThinkingBudget(t *testing.T) {
	req := &anthropic.MessagesRequest{
		Model:     "claude-sonnet-4-5-thinking",
		MaxTokens: 4096,
		Thinking:  &anthropic.ThinkingConfig{Type: "enabled", BudgetTokens: 8000},
		Messages: []anthropic.Message{
			{Role: "user", Content: []anthropic.ContentBlock{{Type: "text", Text: "hi"}}},
		},
	}

	out := ConvertAnthropicToGoogle(req)

	tc := out.GenerationConfig.ThinkingConfig
	require.NotNil(t, tc)
	assert.True(t, tc.IncludeThoughts)
	assert.Equal(t, 8000, tc.ThinkingBudget)
	// max_tokens must exceed the thinking budget
	assert.Equal(t, 8000+8192, out.GenerationConfig.MaxOutputTokens)
}

func TestConvertGeminiThinkingDefaults(t *testing.T) {
	req := &anthropic.MessagesRequest{
		Model:     "gemini-3-pro-high",
		MaxTokens: 64000,
		Messages: []anthropic.Message{
			{Role: "user", Content: []anthropic.ContentBlock{{Type: "text", Text: "hi"}}},
		},
	}

	out := ConvertAnthropicToGoogle(req)

	tc := out.GenerationConfig.ThinkingConfig
	require.NotNil(t, tc)
	assert.True(t, tc.IncludeThoughtsGemini)
	assert.Equal(t, config.DefaultThinkingBudget, tc.ThinkingBudgetGemini)
	assert.Equal(t, config.GeminiMaxOutputTokens, out.GenerationConfig.MaxOutputTokens)
}

func TestConvertTools(t *testing.T) {
	req := &anthropic.MessagesRequest{
		Model:     "claude-sonnet-4-5",
		MaxTokens: 100,
		Tools: []anthropic.Tool{
			{
				Name:        "my.tool name!",
				Description: "does things",
				InputSchema: json.RawMessage(`{"type":"object","properties":{"q":{"type":"string"}}}`),
			},
		},
		Messages: []anthropic.Message{
			{Role: "user", Content: []anthropic.ContentBlock{{Type: "text", Text: "hi"}}},
		},
	}

	out := ConvertAnthropicToGoogle(req)

	require.Len(t, out.Tools, 1)
	require.Len(t, out.Tools[0].FunctionDeclarations, 1)
	decl := out.Tools[0].FunctionDeclarations[0]
	assert.Equal(t, "my_tool_name_", decl.Name)
	assert.Equal(t, "does things", decl.Description)
	assert.NotNil(t, decl.Parameters)

	require.NotNil(t, out.ToolConfig)
	assert.Equal(t, "VALIDATED", out.ToolConfig.FunctionCallingConfig.Mode)
}

func TestConvertToolUseAndResult(t *testing.T) {
	req := &anthropic.MessagesRequest{
		Model:     "claude-sonnet-4-5",
		MaxTokens: 100,
		Messages: []anthropic.Message{
			{Role: "assistant", Content: []anthropic.ContentBlock{
				{Type: "tool_use", ID: "toolu_1", Name: "lookup", Input: json.RawMessage(`{"q":"go"}`)},
			}},
			{Role: "user", Content: []anthropic.ContentBlock{
				{Type: "tool_result", ToolUseID: "toolu_1", Content: "found it"},
			}},
		},
	}

	out := ConvertAnthropicToGoogle(req)
	require.Len(t, out.Contents, 2)

	call := out.Contents[0].Parts[0].FunctionCall
	require.NotNil(t, call)
	assert.Equal(t, "lookup", call.Name)
	assert.Equal(t, "toolu_1", call.ID)
	assert.Equal(t, "go", call.Args["q"])

	resp := out.Contents[1].Parts[0].FunctionResponse
	require.NotNil(t, resp)
	assert.Equal(t, "toolu_1", resp.Name)
	assert.Equal(t, "found it", resp.Response["result"])
}

func TestConvertGeminiToolUseSkipSignature(t *testing.T) {
	req := &anthropic.MessagesRequest{
		Model:     "gemini-3-flash",
		MaxTokens: 100,
		Messages: []anthropic.Message{
			{Role: "assistant", Content: []anthropic.ContentBlock{
				{Type: "tool_use", ID: "toolu_9", Name: "lookup", Input: json.RawMessage(`{}`)},
			}},
		},
	}

	out := ConvertAnthropicToGoogle(req)
	part := out.Contents[0].Parts[0]
	require.NotNil(t, part.FunctionCall)
	assert.Equal(t, config.GeminiSkipSignature, part.ThoughtSignature)
}

func TestConvertDropsTrailingUnsignedThinking(t *testing.T) {
	signed := strings.Repeat("x", config.MinSignatureLength)
	req := &anthropic.MessagesRequest{
		Model:     "claude-sonnet-4-5-thinking",
		MaxTokens: 100,
		Messages: []anthropic.Message{
			{Role: "assistant", Content: []anthropic.ContentBlock{
				{Type: "thinking", Thinking: "signed", Signature: signed},
				{Type: "text", Text: "answer"},
				{Type: "thinking", Thinking: "stripped by client"},
			}},
		},
	}

	out := ConvertAnthropicToGoogle(req)
	parts := out.Contents[0].Parts
	require.Len(t, parts, 2)
	assert.True(t, parts[0].Thought)
	assert.Equal(t, signed, parts[0].ThoughtSignature)
	assert.Equal(t, "answer", parts[1].Text)
}

func TestConvertBase64Image(t *testing.T) {
	req := &anthropic.MessagesRequest{
		Model:     "claude-sonnet-4-5",
		MaxTokens: 100,
		Messages: []anthropic.Message{
			{Role: "user", Content: []anthropic.ContentBlock{
				{Type: "image", Source: &anthropic.ImageSource{
					Type: "base64", MediaType: "image/png", Data: "aGk=",
				}},
			}},
		},
	}

	out := ConvertAnthropicToGoogle(req)
	part := out.Contents[0].Parts[0]
	require.NotNil(t, part.InlineData)
	assert.Equal(t, "image/png", part.InlineData.MimeType)
	assert.Equal(t, "aGk=", part.InlineData.Data)
}
