package cloudcode

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"strings"

	"github.com/poemonsense/cloudpool/internal/config"
	"github.com/poemonsense/cloudpool/internal/errors"
	"github.com/poemonsense/cloudpool/internal/format"
	"github.com/poemonsense/cloudpool/internal/utils"
	"github.com/poemonsense/cloudpool/pkg/anthropic"
)

// StreamEvents reads an upstream SSE body and yields Messages API
// events. The upstream sends whole Google-format chunks per data line;
// this converter tracks block transitions (thinking, text, tool_use,
// image) and emits the corresponding start/delta/stop sequence.
//
// The error channel delivers at most one error. An EmptyResponseError
// means the stream finished without any content parts, which callers
// treat as retryable. When ctx is cancelled the producer stops emitting
// and exits instead of blocking on an abandoned channel.
func StreamEvents(ctx context.Context, reader io.Reader, originalModel string) (<-chan *anthropic.SSEEvent, <-chan error) {
	events := make(chan *anthropic.SSEEvent, 100)
	errs := make(chan error, 1)

	go func() {
		defer close(events)
		defer close(errs)

		st := &streamState{
			ctx:       ctx,
			events:    events,
			messageID: anthropic.GenerateMessageID(),
			model:     originalModel,
		}

		scanner := bufio.NewScanner(reader)
		// Single chunks can carry whole tool call argument payloads
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

		for scanner.Scan() {
			line := scanner.Text()
			if !strings.HasPrefix(line, "data:") {
				continue
			}
			jsonText := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if jsonText == "" {
				continue
			}

			var chunk format.GoogleResponse
			if err := json.Unmarshal([]byte(jsonText), &chunk); err != nil {
				utils.Warn("[CloudCode] SSE parse error: %v", err)
				continue
			}
			st.consume(&chunk)
			if st.aborted {
				errs <- ctx.Err()
				return
			}
		}

		if err := scanner.Err(); err != nil {
			errs <- err
			return
		}

		if !st.started {
			utils.Warn("[CloudCode] Stream ended without content parts")
			errs <- errors.NewEmptyResponseError("No content parts received from API")
			return
		}

		st.finish()
	}()

	return events, errs
}

// streamState carries the block-transition state across SSE chunks
type streamState struct {
	ctx       context.Context
	events    chan<- *anthropic.SSEEvent
	messageID string
	model     string

	started      bool
	aborted      bool
	blockIndex   int
	blockType    string // "", "thinking", "text", "tool_use", "image"
	thinkingSig  string
	inputTokens  int
	outputTokens int
	cachedTokens int
	stopReason   string
}

// emit forwards one event unless the consumer's context is gone; an
// abandoned stream must never block the producer
func (st *streamState) emit(event *anthropic.SSEEvent) {
	if st.aborted {
		return
	}
	select {
	case st.events <- event:
	case <-st.ctx.Done():
		st.aborted = true
	}
}

func (st *streamState) consume(chunk *format.GoogleResponse) {
	candidates, usage := chunk.Unwrap()

	if usage != nil {
		st.inputTokens = maxInt(st.inputTokens, usage.PromptTokenCount)
		st.outputTokens = maxInt(st.outputTokens, usage.CandidatesTokenCount)
		st.cachedTokens = maxInt(st.cachedTokens, usage.CachedContentTokenCount)
	}

	if len(candidates) == 0 {
		return
	}
	candidate := candidates[0]

	if candidate.Content == nil {
		st.noteFinishReason(candidate.FinishReason)
		return
	}
	parts := candidate.Content.Parts

	if !st.started && len(parts) > 0 {
		st.started = true
		st.emit(&anthropic.SSEEvent{
			Type: anthropic.SSEEventMessageStart,
			Message: &anthropic.MessagesResponse{
				ID:      st.messageID,
				Type:    "message",
				Role:    "assistant",
				Content: []anthropic.ContentBlock{},
				Model:   st.model,
				Usage: &anthropic.Usage{
					InputTokens:          st.inputTokens - st.cachedTokens,
					CacheReadInputTokens: st.cachedTokens,
				},
			},
		})
	}

	for _, part := range parts {
		switch {
		case part.Thought:
			st.consumeThinking(part)
		case part.Text != "":
			st.consumeText(part)
		case part.FunctionCall != nil:
			st.consumeToolUse(part)
		case part.InlineData != nil:
			st.consumeImage(part)
		}
	}

	st.noteFinishReason(candidate.FinishReason)
}

func (st *streamState) consumeThinking(part format.GooglePart) {
	if st.blockType != "thinking" {
		st.closeBlock()
		st.blockType = "thinking"
		st.thinkingSig = ""
		st.emit(&anthropic.SSEEvent{
			Type:         anthropic.SSEEventContentBlockStart,
			Index:        st.blockIndex,
			ContentBlock: &anthropic.ContentBlock{Type: "thinking"},
		})
	}

	if len(part.ThoughtSignature) >= config.MinSignatureLength {
		st.thinkingSig = part.ThoughtSignature
		family := string(config.GetModelFamily(st.model))
		format.Signatures().CacheThinkingSignature(part.ThoughtSignature, family)
	}

	st.emit(&anthropic.SSEEvent{
		Type:  anthropic.SSEEventContentBlockDelta,
		Index: st.blockIndex,
		Delta: &anthropic.ContentDelta{Type: "thinking_delta", Thinking: part.Text},
	})
}

func (st *streamState) consumeText(part format.GooglePart) {
	if st.blockType != "text" {
		st.closeBlock()
		st.blockType = "text"
		st.emit(&anthropic.SSEEvent{
			Type:         anthropic.SSEEventContentBlockStart,
			Index:        st.blockIndex,
			ContentBlock: &anthropic.ContentBlock{Type: "text"},
		})
	}

	st.emit(&anthropic.SSEEvent{
		Type:  anthropic.SSEEventContentBlockDelta,
		Index: st.blockIndex,
		Delta: &anthropic.ContentDelta{Type: "text_delta", Text: part.Text},
	})
}

func (st *streamState) consumeToolUse(part format.GooglePart) {
	st.closeBlock()
	st.blockType = "tool_use"
	st.stopReason = "tool_use"

	toolID := part.FunctionCall.ID
	if toolID == "" {
		toolID = anthropic.GenerateToolUseID()
	}

	block := &anthropic.ContentBlock{
		Type: "tool_use",
		ID:   toolID,
		Name: part.FunctionCall.Name,
	}
	// Keep the signature on the block and cache it; clients often strip
	// unknown fields before the next turn
	if len(part.ThoughtSignature) >= config.MinSignatureLength {
		block.ThoughtSignature = part.ThoughtSignature
		format.Signatures().CacheSignature(toolID, part.ThoughtSignature)
	}

	st.emit(&anthropic.SSEEvent{
		Type:         anthropic.SSEEventContentBlockStart,
		Index:        st.blockIndex,
		ContentBlock: block,
	})

	argsJSON, _ := json.Marshal(part.FunctionCall.Args)
	st.emit(&anthropic.SSEEvent{
		Type:  anthropic.SSEEventContentBlockDelta,
		Index: st.blockIndex,
		Delta: &anthropic.ContentDelta{Type: "input_json_delta", PartialJSON: string(argsJSON)},
	})
}

func (st *streamState) consumeImage(part format.GooglePart) {
	st.closeBlock()

	st.emit(&anthropic.SSEEvent{
		Type:  anthropic.SSEEventContentBlockStart,
		Index: st.blockIndex,
		ContentBlock: &anthropic.ContentBlock{
			Type: "image",
			Source: &anthropic.ImageSource{
				Type:      "base64",
				MediaType: part.InlineData.MimeType,
				Data:      part.InlineData.Data,
			},
		},
	})
	st.emit(&anthropic.SSEEvent{Type: anthropic.SSEEventContentBlockStop, Index: st.blockIndex})
	st.blockIndex++
	st.blockType = ""
}

// closeBlock flushes a pending thinking signature and emits the stop
// event for the currently open block, if any
func (st *streamState) closeBlock() {
	if st.blockType == "" {
		return
	}
	if st.blockType == "thinking" && st.thinkingSig != "" {
		st.emit(&anthropic.SSEEvent{
			Type:  anthropic.SSEEventContentBlockDelta,
			Index: st.blockIndex,
			Delta: &anthropic.ContentDelta{Type: "signature_delta", Signature: st.thinkingSig},
		})
		st.thinkingSig = ""
	}
	st.emit(&anthropic.SSEEvent{Type: anthropic.SSEEventContentBlockStop, Index: st.blockIndex})
	st.blockIndex++
	st.blockType = ""
}

func (st *streamState) noteFinishReason(reason string) {
	if reason == "" || st.stopReason != "" {
		return
	}
	switch reason {
	case "MAX_TOKENS":
		st.stopReason = "max_tokens"
	default:
		st.stopReason = "end_turn"
	}
}

// finish closes any open block and emits the trailing message_delta and
// message_stop events
func (st *streamState) finish() {
	st.closeBlock()

	if st.stopReason == "" {
		st.stopReason = "end_turn"
	}

	st.emit(&anthropic.SSEEvent{
		Type:  anthropic.SSEEventMessageDelta,
		Delta: &anthropic.ContentDelta{StopReason: st.stopReason},
		Usage: &anthropic.Usage{
			OutputTokens:         st.outputTokens,
			CacheReadInputTokens: st.cachedTokens,
		},
	})
	st.emit(&anthropic.SSEEvent{Type: anthropic.SSEEventMessageStop})
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
