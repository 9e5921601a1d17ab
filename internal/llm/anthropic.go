package llm

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	anthropic "github.com/liushuangls/go-anthropic/v2"
	"github.com/rs/zerolog"
)

// anthropicOutputTokens maps model prefixes to max_tokens. Unknown models get
// a conservative 4096.
var anthropicOutputTokens = map[string]int{
	"claude-3-5":      8192,
	"claude-3-7":      32000,
	"claude-opus-4":   32000,
	"claude-sonnet-4": 64000,
	"claude-haiku-4":  64000,
}

// AnthropicAdapter speaks the Anthropic Messages API.
type AnthropicAdapter struct {
	client *anthropic.Client
	log    zerolog.Logger
}

func NewAnthropicAdapter(apiKey string, log zerolog.Logger) *AnthropicAdapter {
	return &AnthropicAdapter{
		client: anthropic.NewClient(apiKey),
		log:    log.With().Str("component", "llm").Str("provider", "anthropic").Logger(),
	}
}

func (a *AnthropicAdapter) Name() string { return "anthropic" }

func (a *AnthropicAdapter) SupportsTools() bool { return true }

func (a *AnthropicAdapter) MaxOutputTokens(model string) int {
	return lookupByPrefix(anthropicOutputTokens, model, 4096)
}

// convertMessages maps the neutral conversation onto Anthropic messages.
// System messages are lifted out as system parts. Consecutive tool messages
// merge into a single user message of tool_result blocks, which the API
// requires (roles must alternate).
func (a *AnthropicAdapter) convertMessages(req Request) ([]anthropic.MessageSystemPart, []anthropic.Message) {
	var system []anthropic.MessageSystemPart
	var msgs []anthropic.Message
	var prevAssistantHadToolCalls bool
	lastUser := -1

	appendToolResults := func(blocks []anthropic.MessageContent) {
		// Merge into the preceding user message when it is already a
		// tool-result carrier.
		if n := len(msgs); n > 0 && msgs[n-1].Role == anthropic.RoleUser {
			if len(msgs[n-1].Content) > 0 && msgs[n-1].Content[0].Type == "tool_result" {
				msgs[n-1].Content = append(msgs[n-1].Content, blocks...)
				return
			}
		}
		msgs = append(msgs, anthropic.Message{Role: anthropic.RoleUser, Content: blocks})
	}

	for _, msg := range req.Messages {
		switch msg.Role {
		case RoleSystem:
			system = append(system, anthropic.MessageSystemPart{
				Type: "text",
				Text: msg.Text(),
			})
			prevAssistantHadToolCalls = false
		case RoleUser:
			var content []anthropic.MessageContent
			if len(msg.Parts) > 0 {
				for _, p := range msg.Parts {
					switch p.Type {
					case PartText:
						if p.Text != "" {
							content = append(content, anthropic.NewTextMessageContent(p.Text))
						}
					case PartImage:
						if p.Image != nil {
							content = append(content, anthropic.NewImageMessageContent(
								anthropic.NewMessageContentSource(anthropic.MessagesContentSourceTypeBase64, p.Image.MimeType, p.Image.Data)))
						}
					case PartToolResult:
						if p.ToolResult != nil {
							content = append(content, anthropic.NewToolResultMessageContent(
								p.ToolResult.ToolCallID, nonEmptyJSON(p.ToolResult.Content), p.ToolResult.IsError))
						}
					}
				}
			} else {
				content = append(content, anthropic.NewTextMessageContent(msg.Content))
			}
			msgs = append(msgs, anthropic.Message{Role: anthropic.RoleUser, Content: content})
			lastUser = len(msgs) - 1
			prevAssistantHadToolCalls = false
		case RoleAssistant:
			var content []anthropic.MessageContent
			if text := msg.Text(); text != "" && text != " " {
				content = append(content, anthropic.NewTextMessageContent(text))
			}
			for _, tc := range msg.ToolCalls {
				args := tc.Arguments
				if args == "" {
					args = "{}"
				}
				content = append(content, anthropic.NewToolUseMessageContent(tc.ID, tc.Name, json.RawMessage(args)))
			}
			if len(content) == 0 {
				content = append(content, anthropic.NewTextMessageContent(" "))
			}
			msgs = append(msgs, anthropic.Message{Role: anthropic.RoleAssistant, Content: content})
			prevAssistantHadToolCalls = len(msg.ToolCalls) > 0
		case RoleTool:
			if !prevAssistantHadToolCalls {
				continue
			}
			block := anthropic.NewToolResultMessageContent(msg.ToolCallID, nonEmptyJSON(msg.Content), false)
			appendToolResults([]anthropic.MessageContent{block})
		}
	}

	if len(req.Images) > 0 && lastUser >= 0 {
		for _, img := range req.Images {
			msgs[lastUser].Content = append(msgs[lastUser].Content, anthropic.NewImageMessageContent(
				anthropic.NewMessageContentSource(anthropic.MessagesContentSourceTypeBase64, img.MimeType, img.Data)))
		}
	}

	return system, msgs
}

func convertAnthropicTools(tools []Tool) ([]anthropic.ToolDefinition, error) {
	var defs []anthropic.ToolDefinition
	for _, t := range tools {
		schema, err := t.SchemaMap()
		if err != nil {
			return nil, err
		}
		defs = append(defs, anthropic.ToolDefinition{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: schema,
		})
	}
	return defs, nil
}

func (a *AnthropicAdapter) buildRequest(req Request) (anthropic.MessagesRequest, error) {
	system, msgs := a.convertMessages(req)
	tools, err := convertAnthropicTools(req.Tools)
	if err != nil {
		return anthropic.MessagesRequest{}, err
	}

	maxTokens := req.MaxOutputTokens
	if maxTokens <= 0 {
		maxTokens = a.MaxOutputTokens(req.Model)
	}

	out := anthropic.MessagesRequest{
		Model:     anthropic.Model(req.Model),
		Messages:  msgs,
		MaxTokens: maxTokens,
	}
	if req.Temperature != nil {
		out.Temperature = req.Temperature
	}
	if len(system) > 0 {
		out.MultiSystem = system
	}
	if len(tools) > 0 {
		out.Tools = tools
	}
	return out, nil
}

// Call performs one non-streaming completion.
func (a *AnthropicAdapter) Call(ctx context.Context, req Request) (*Result, error) {
	areq, err := a.buildRequest(req)
	if err != nil {
		return nil, err
	}

	resp, err := a.client.CreateMessages(ctx, areq)
	if err != nil {
		return nil, a.wrapError(err)
	}
	return a.parseResponse(resp), nil
}

// CallStream performs one streaming completion. Text deltas are forwarded as
// they arrive. Tool-use input arrives as raw JSON string fragments which the
// stream accumulates and parses exactly once when the block stops; only the
// completed call is emitted, so no partial-JSON state ever reaches the
// conversation model.
func (a *AnthropicAdapter) CallStream(ctx context.Context, req Request, onChunk ChunkFunc) (*Result, error) {
	areq, err := a.buildRequest(req)
	if err != nil {
		return nil, err
	}

	toolIndex := 0
	sreq := anthropic.MessagesStreamRequest{MessagesRequest: areq}
	sreq.OnContentBlockDelta = func(delta anthropic.MessagesEventContentBlockDeltaData) {
		if delta.Delta.Type == "text_delta" && delta.Delta.Text != nil && onChunk != nil {
			onChunk(Chunk{Kind: ChunkContent, Text: *delta.Delta.Text})
		}
	}
	sreq.OnContentBlockStop = func(_ anthropic.MessagesEventContentBlockStopData, content anthropic.MessageContent) {
		if content.Type != "tool_use" || content.MessageContentToolUse == nil {
			return
		}
		tu := content.MessageContentToolUse
		if onChunk != nil {
			onChunk(Chunk{
				Kind:       ChunkToolCallDelta,
				Index:      toolIndex,
				ToolCallID: tu.ID,
				NameDelta:  tu.Name,
				ArgsDelta:  string(tu.Input),
			})
		}
		toolIndex++
	}

	resp, err := a.client.CreateMessagesStream(ctx, sreq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, a.wrapError(err)
	}
	return a.parseResponse(resp), nil
}

func (a *AnthropicAdapter) parseResponse(resp anthropic.MessagesResponse) *Result {
	var text strings.Builder
	var toolCalls []ToolCall

	for _, block := range resp.Content {
		switch block.Type {
		case anthropic.MessagesContentTypeText:
			if block.Text != nil {
				text.WriteString(*block.Text)
			}
		case "tool_use":
			if block.MessageContentToolUse == nil {
				continue
			}
			tu := block.MessageContentToolUse
			if tu.ID == "" || tu.Name == "" {
				continue
			}
			args := string(tu.Input)
			if strings.TrimSpace(args) == "" {
				args = "{}"
			}
			toolCalls = append(toolCalls, ToolCall{ID: tu.ID, Name: tu.Name, Arguments: args})
		}
	}

	finish := "stop"
	switch {
	case len(toolCalls) > 0:
		finish = "tool_calls"
	case resp.StopReason == "max_tokens":
		finish = "length"
	case resp.StopReason == "content_filtered":
		finish = "content_filter"
	}

	return &Result{
		Message: Message{
			Role:      RoleAssistant,
			Content:   text.String(),
			ToolCalls: toolCalls,
		},
		ToolCalls: toolCalls,
		Usage: Usage{
			Prompt:     resp.Usage.InputTokens,
			Completion: resp.Usage.OutputTokens,
			Total:      resp.Usage.InputTokens + resp.Usage.OutputTokens,
		},
		FinishReason: finish,
	}
}

// FormatToolResults returns a single user message whose parts are
// tool_result blocks, the only continuation shape the Messages API accepts.
func (a *AnthropicAdapter) FormatToolResults(results []ToolResult) []Message {
	if len(results) == 0 {
		return nil
	}
	parts := make([]Part, 0, len(results))
	for _, r := range results {
		parts = append(parts, Part{
			Type: PartToolResult,
			ToolResult: &ToolResultPart{
				ToolCallID: r.ToolCallID,
				Content:    nonEmptyJSON(r.Content),
				IsError:    r.IsError,
			},
		})
	}
	return []Message{{Role: RoleUser, Parts: parts}}
}

func (a *AnthropicAdapter) wrapError(err error) error {
	var apiErr *anthropic.APIError
	if errors.As(err, &apiErr) {
		status := 0
		switch string(apiErr.Type) {
		case "rate_limit_error":
			status = 429
		case "overloaded_error":
			status = 529
		case "authentication_error", "permission_error":
			status = 401
		case "invalid_request_error":
			status = 400
		case "api_error":
			status = 500
		}
		return &ProviderError{Provider: "anthropic", StatusCode: status, Body: apiErr.Message, Err: err}
	}
	return &ProviderError{Provider: "anthropic", Err: err}
}

func nonEmptyJSON(s string) string {
	if s == "" {
		return "{}"
	}
	return s
}
