package format

import (
	"encoding/json"
	"strings"

	"github.com/poemonsense/cloudpool/internal/config"
	"github.com/poemonsense/cloudpool/internal/utils"
	"github.com/poemonsense/cloudpool/pkg/anthropic"
)

const interleavedThinkingHint = "Interleaved thinking is enabled. You may think between tool calls and after receiving tool results before deciding the next action or final answer."

// ConvertAnthropicToGoogle converts a Messages API request into the
// Google Generative AI format the Cloud Code upstream expects.
func ConvertAnthropicToGoogle(req *anthropic.MessagesRequest) *GoogleRequest {
	family := config.GetModelFamily(req.Model)
	isClaude := family == config.ModelFamilyClaude
	isGemini := family == config.ModelFamilyGemini
	isThinking := config.IsThinkingModel(req.Model)

	out := &GoogleRequest{
		Contents:         make([]GoogleContent, 0, len(req.Messages)),
		GenerationConfig: &GenerationConfig{},
	}

	out.SystemInstruction = buildSystemInstruction(req)
	if isClaude && isThinking && len(req.Tools) > 0 {
		out.SystemInstruction = appendSystemHint(out.SystemInstruction, interleavedThinkingHint)
	}

	for _, msg := range req.Messages {
		content := msg.Content
		if msg.Role == "assistant" {
			content = normalizeAssistantContent(content)
		}

		parts := convertContentToParts(content, isClaude, isGemini)
		if len(parts) == 0 {
			// The API rejects turns with no parts
			parts = []GooglePart{{Text: "."}}
		}
		out.Contents = append(out.Contents, GoogleContent{
			Role:  convertRole(msg.Role),
			Parts: parts,
		})
	}

	applyGenerationConfig(out.GenerationConfig, req, isClaude, isGemini, isThinking)
	out.Tools, out.ToolConfig = convertTools(req.Tools, isClaude)

	return out
}

// convertRole maps Anthropic roles onto Google's user/model pair
func convertRole(role string) string {
	if role == "assistant" {
		return "model"
	}
	return "user"
}

// buildSystemInstruction flattens the system prompt, which may be a
// string or an array of text blocks.
func buildSystemInstruction(req *anthropic.MessagesRequest) *GoogleContent {
	var parts []GooglePart

	switch s := req.System.(type) {
	case string:
		if s != "" {
			parts = append(parts, GooglePart{Text: s})
		}
	case []interface{}:
		for _, block := range s {
			m, ok := block.(map[string]interface{})
			if !ok || m["type"] != "text" {
				continue
			}
			if text, ok := m["text"].(string); ok && text != "" {
				parts = append(parts, GooglePart{Text: text})
			}
		}
	}

	if len(parts) == 0 {
		return nil
	}
	return &GoogleContent{Parts: parts}
}

func appendSystemHint(instruction *GoogleContent, hint string) *GoogleContent {
	if instruction == nil {
		return &GoogleContent{Parts: []GooglePart{{Text: hint}}}
	}
	last := &instruction.Parts[len(instruction.Parts)-1]
	if last.Text != "" {
		last.Text += "\n\n" + hint
	} else {
		instruction.Parts = append(instruction.Parts, GooglePart{Text: hint})
	}
	return instruction
}

// normalizeAssistantContent prepares an assistant turn for resending:
// thinking signatures are restored from the cache where the client
// stripped them, trailing unsigned thinking is dropped, and blocks are
// ordered thinking, text, tool_use as the upstream requires.
func normalizeAssistantContent(content []anthropic.ContentBlock) []anthropic.ContentBlock {
	cache := Signatures()

	blocks := make([]anthropic.ContentBlock, len(content))
	copy(blocks, content)

	for i := range blocks {
		if blocks[i].Type == "tool_use" && blocks[i].ThoughtSignature == "" && blocks[i].ID != "" {
			if sig := cache.GetCachedSignature(blocks[i].ID); sig != "" {
				blocks[i].ThoughtSignature = sig
			}
		}
	}

	// Trailing unsigned thinking cannot be replayed
	for len(blocks) > 0 {
		last := blocks[len(blocks)-1]
		if last.Type == "thinking" && len(last.Signature) < config.MinSignatureLength {
			blocks = blocks[:len(blocks)-1]
			continue
		}
		break
	}

	ordered := make([]anthropic.ContentBlock, 0, len(blocks))
	for _, want := range []string{"thinking", "text"} {
		for _, b := range blocks {
			if b.Type == want {
				ordered = append(ordered, b)
			}
		}
	}
	for _, b := range blocks {
		if b.Type != "thinking" && b.Type != "text" {
			ordered = append(ordered, b)
		}
	}
	return ordered
}

// convertContentToParts converts Anthropic content blocks to Google
// parts. Images inside tool results are deferred to the end of the turn
// because the upstream rejects inlineData between functionResponses.
func convertContentToParts(content []anthropic.ContentBlock, isClaude, isGemini bool) []GooglePart {
	cache := Signatures()
	parts := make([]GooglePart, 0, len(content))
	var deferred []GooglePart

	for _, block := range content {
		switch block.Type {
		case "text":
			if block.Text != "" {
				parts = append(parts, GooglePart{Text: block.Text})
			}

		case "image", "document":
			if p, ok := mediaPart(block.Source, block.Type); ok {
				parts = append(parts, p)
			}

		case "tool_use":
			call := &FunctionCall{Name: block.Name, Args: decodeArgs(block.Input)}
			if isClaude && block.ID != "" {
				call.ID = block.ID
			}
			part := GooglePart{FunctionCall: call}
			if isGemini {
				signature := block.ThoughtSignature
				if signature == "" && block.ID != "" {
					signature = cache.GetCachedSignature(block.ID)
				}
				if signature == "" {
					signature = config.GeminiSkipSignature
				}
				part.ThoughtSignature = signature
			}
			parts = append(parts, part)

		case "tool_result":
			resultText, images := flattenToolResult(block.Content)
			name := block.ToolUseID
			if name == "" {
				name = "unknown"
			}
			resp := &FunctionResponse{
				Name:     name,
				Response: map[string]interface{}{"result": resultText},
			}
			if isClaude && block.ToolUseID != "" {
				resp.ID = block.ToolUseID
			}
			parts = append(parts, GooglePart{FunctionResponse: resp})
			deferred = append(deferred, images...)

		case "thinking":
			if len(block.Signature) < config.MinSignatureLength {
				continue
			}
			if isGemini {
				// A Gemini model only accepts its own signatures; drop
				// blocks from another family or of unknown origin
				if cache.GetCachedSignatureFamily(block.Signature) != string(config.ModelFamilyGemini) {
					utils.Debug("[Format] Dropping thinking block with foreign signature")
					continue
				}
			}
			parts = append(parts, GooglePart{
				Text:             block.Thinking,
				Thought:          true,
				ThoughtSignature: block.Signature,
			})
		}
	}

	return append(parts, deferred...)
}

func decodeArgs(input json.RawMessage) map[string]interface{} {
	if len(input) == 0 {
		return nil
	}
	var args map[string]interface{}
	if err := json.Unmarshal(input, &args); err != nil {
		return nil
	}
	return args
}

// mediaPart converts an image or document source to inlineData or
// fileData
func mediaPart(source *anthropic.ImageSource, blockType string) (GooglePart, bool) {
	if source == nil {
		return GooglePart{}, false
	}
	switch source.Type {
	case "base64":
		return GooglePart{InlineData: &InlineData{
			MimeType: source.MediaType,
			Data:     source.Data,
		}}, true
	case "url":
		mimeType := source.MediaType
		if mimeType == "" {
			if blockType == "document" {
				mimeType = "application/pdf"
			} else {
				mimeType = "image/jpeg"
			}
		}
		return GooglePart{FileData: &FileData{
			MimeType: mimeType,
			FileURI:  source.URL,
		}}, true
	}
	return GooglePart{}, false
}

// flattenToolResult joins a tool result's text blocks and extracts any
// embedded images
func flattenToolResult(content any) (string, []GooglePart) {
	switch c := content.(type) {
	case string:
		return c, nil
	case []interface{}:
		var texts []string
		var images []GooglePart
		for _, item := range c {
			m, ok := item.(map[string]interface{})
			if !ok {
				continue
			}
			switch m["type"] {
			case "text":
				if text, ok := m["text"].(string); ok {
					texts = append(texts, text)
				}
			case "image":
				source, ok := m["source"].(map[string]interface{})
				if !ok || source["type"] != "base64" {
					continue
				}
				mimeType, _ := source["media_type"].(string)
				data, _ := source["data"].(string)
				images = append(images, GooglePart{InlineData: &InlineData{
					MimeType: mimeType,
					Data:     data,
				}})
			}
		}
		text := strings.Join(texts, "\n")
		if text == "" && len(images) > 0 {
			text = "Image attached"
		}
		return text, images
	default:
		return "", nil
	}
}

// applyGenerationConfig fills sampling limits and the thinking config
func applyGenerationConfig(gc *GenerationConfig, req *anthropic.MessagesRequest, isClaude, isGemini, isThinking bool) {
	if req.MaxTokens > 0 {
		gc.MaxOutputTokens = req.MaxTokens
	} else {
		gc.MaxOutputTokens = config.DefaultMaxTokens
	}
	gc.Temperature = req.Temperature
	gc.TopP = req.TopP
	gc.TopK = req.TopK
	if len(req.StopSequences) > 0 {
		gc.StopSequences = req.StopSequences
	}

	if !isThinking {
		return
	}

	budget := 0
	if req.Thinking != nil {
		budget = req.Thinking.BudgetTokens
	}

	switch {
	case isClaude:
		tc := &ThinkingConfig{IncludeThoughts: true}
		if budget > 0 {
			tc.ThinkingBudget = budget
			// max_tokens must exceed the thinking budget
			if gc.MaxOutputTokens > 0 && gc.MaxOutputTokens <= budget {
				adjusted := budget + 8192
				utils.Warn("[Format] max_tokens %d <= thinking budget %d, raising to %d",
					gc.MaxOutputTokens, budget, adjusted)
				gc.MaxOutputTokens = adjusted
			}
		}
		gc.ThinkingConfig = tc
	case isGemini:
		if budget <= 0 {
			budget = config.DefaultThinkingBudget
		}
		gc.ThinkingConfig = &ThinkingConfig{
			IncludeThoughtsGemini: true,
			ThinkingBudgetGemini:  budget,
		}
	}

	if isGemini && gc.MaxOutputTokens > config.GeminiMaxOutputTokens {
		gc.MaxOutputTokens = config.GeminiMaxOutputTokens
	}
}

// convertTools converts tool definitions, sanitizing each schema for
// the upstream validator
func convertTools(tools []anthropic.Tool, isClaude bool) ([]GoogleTool, *ToolConfig) {
	if len(tools) == 0 {
		return nil, nil
	}

	decls := make([]FunctionDeclaration, 0, len(tools))
	for _, tool := range tools {
		var schema map[string]interface{}
		if len(tool.InputSchema) > 0 {
			if err := json.Unmarshal(tool.InputSchema, &schema); err != nil {
				utils.Warn("[Format] Unparseable schema for tool %s: %v", tool.Name, err)
				schema = nil
			}
		}
		decls = append(decls, FunctionDeclaration{
			Name:        cleanToolName(tool.Name),
			Description: tool.Description,
			Parameters:  SanitizeToolSchema(schema),
		})
	}

	googleTools := []GoogleTool{{FunctionDeclarations: decls}}

	var toolConfig *ToolConfig
	if isClaude {
		toolConfig = &ToolConfig{
			FunctionCallingConfig: &FunctionCallingConfig{Mode: "VALIDATED"},
		}
	}
	return googleTools, toolConfig
}

// cleanToolName restricts names to [A-Za-z0-9_-] and 64 characters
func cleanToolName(name string) string {
	var b strings.Builder
	for _, r := range name {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') ||
			(r >= '0' && r <= '9') || r == '_' || r == '-' {
			b.WriteRune(r)
		} else {
			b.WriteRune('_')
		}
	}
	cleaned := b.String()
	if cleaned == "" {
		cleaned = "tool"
	}
	if len(cleaned) > 64 {
		cleaned = cleaned[:64]
	}
	return cleaned
}
