// Package format converts between the Anthropic Messages API and the
// Google Generative AI wire format used by the Cloud Code upstream.
package format

import "encoding/json"

// GoogleRequest is a request in Google Generative AI format
type GoogleRequest struct {
	Contents          []GoogleContent   `json:"contents"`
	GenerationConfig  *GenerationConfig `json:"generationConfig,omitempty"`
	SystemInstruction *GoogleContent    `json:"systemInstruction,omitempty"`
	Tools             []GoogleTool      `json:"tools,omitempty"`
	ToolConfig        *ToolConfig       `json:"toolConfig,omitempty"`
}

// ToMap converts the request to a map so callers can attach dynamic
// wrapper fields before sending.
func (r *GoogleRequest) ToMap() map[string]interface{} {
	data, err := json.Marshal(r)
	if err != nil {
		return map[string]interface{}{}
	}
	var result map[string]interface{}
	if err := json.Unmarshal(data, &result); err != nil {
		return map[string]interface{}{}
	}
	return result
}

// GoogleContent is one turn of conversation content
type GoogleContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []GooglePart `json:"parts"`
}

// GooglePart is a single part within a content turn
type GooglePart struct {
	Text             string            `json:"text,omitempty"`
	Thought          bool              `json:"thought,omitempty"`
	ThoughtSignature string            `json:"thoughtSignature,omitempty"`
	FunctionCall     *FunctionCall     `json:"functionCall,omitempty"`
	FunctionResponse *FunctionResponse `json:"functionResponse,omitempty"`
	InlineData       *InlineData       `json:"inlineData,omitempty"`
	FileData         *FileData         `json:"fileData,omitempty"`
}

// FunctionCall is a tool invocation emitted by the model
type FunctionCall struct {
	Name string                 `json:"name"`
	Args map[string]interface{} `json:"args,omitempty"`
	ID   string                 `json:"id,omitempty"`
}

// FunctionResponse carries a tool result back to the model
type FunctionResponse struct {
	Name     string                 `json:"name"`
	Response map[string]interface{} `json:"response,omitempty"`
	ID       string                 `json:"id,omitempty"`
}

// InlineData is base64-embedded media
type InlineData struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

// FileData is URL-referenced media
type FileData struct {
	MimeType string `json:"mimeType"`
	FileURI  string `json:"fileUri"`
}

// GenerationConfig holds sampling and output limits
type GenerationConfig struct {
	MaxOutputTokens int             `json:"maxOutputTokens,omitempty"`
	Temperature     *float64        `json:"temperature,omitempty"`
	TopP            *float64        `json:"topP,omitempty"`
	TopK            *int            `json:"topK,omitempty"`
	StopSequences   []string        `json:"stopSequences,omitempty"`
	ThinkingConfig  *ThinkingConfig `json:"thinkingConfig,omitempty"`
}

// ThinkingConfig enables thinking output. Claude models read the
// snake_case fields, Gemini models the camelCase ones.
type ThinkingConfig struct {
	IncludeThoughts bool `json:"include_thoughts,omitempty"`
	ThinkingBudget  int  `json:"thinking_budget,omitempty"`

	IncludeThoughtsGemini bool `json:"includeThoughts,omitempty"`
	ThinkingBudgetGemini  int  `json:"thinkingBudget,omitempty"`
}

// GoogleTool wraps function declarations
type GoogleTool struct {
	FunctionDeclarations []FunctionDeclaration `json:"functionDeclarations,omitempty"`
}

// FunctionDeclaration describes one callable tool
type FunctionDeclaration struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description,omitempty"`
	Parameters  map[string]interface{} `json:"parameters,omitempty"`
}

// ToolConfig controls function calling behavior
type ToolConfig struct {
	FunctionCallingConfig *FunctionCallingConfig `json:"functionCallingConfig,omitempty"`
}

// FunctionCallingConfig sets the function calling mode
type FunctionCallingConfig struct {
	Mode string `json:"mode,omitempty"`
}

// GoogleResponse is a response from the upstream. Cloud Code wraps the
// payload in a "response" envelope; the bare form appears in SSE chunks.
type GoogleResponse struct {
	Response      *GoogleResponseInner `json:"response,omitempty"`
	Candidates    []Candidate          `json:"candidates,omitempty"`
	UsageMetadata *UsageMetadata       `json:"usageMetadata,omitempty"`
}

// GoogleResponseInner is the enveloped response payload
type GoogleResponseInner struct {
	Candidates    []Candidate    `json:"candidates,omitempty"`
	UsageMetadata *UsageMetadata `json:"usageMetadata,omitempty"`
}

// Candidate is one response candidate
type Candidate struct {
	Content      *CandidateContent `json:"content,omitempty"`
	FinishReason string            `json:"finishReason,omitempty"`
}

// CandidateContent holds the candidate's parts
type CandidateContent struct {
	Parts []GooglePart `json:"parts,omitempty"`
	Role  string       `json:"role,omitempty"`
}

// UsageMetadata is the upstream token accounting
type UsageMetadata struct {
	PromptTokenCount        int `json:"promptTokenCount,omitempty"`
	CandidatesTokenCount    int `json:"candidatesTokenCount,omitempty"`
	CachedContentTokenCount int `json:"cachedContentTokenCount,omitempty"`
}

// Unwrap peels the optional response envelope and returns the
// candidates and usage, wherever they live
func (r *GoogleResponse) Unwrap() ([]Candidate, *UsageMetadata) {
	if r.Response != nil {
		return r.Response.Candidates, r.Response.UsageMetadata
	}
	return r.Candidates, r.UsageMetadata
}

// GoogleResponseFromMap decodes a generic map into a GoogleResponse
func GoogleResponseFromMap(data map[string]interface{}) *GoogleResponse {
	raw, err := json.Marshal(data)
	if err != nil {
		return &GoogleResponse{}
	}
	var response GoogleResponse
	if err := json.Unmarshal(raw, &response); err != nil {
		return &GoogleResponse{}
	}
	return &response
}
