package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	openai "github.com/meguminnnnnnnnn/go-openai"
	"github.com/rs/zerolog"
)

// openaiVisionModels are model prefixes that accept image parts.
var openaiVisionModels = []string{
	"gpt-4o",
	"gpt-4-turbo",
	"gpt-4-vision",
	"gpt-4.1",
	"gpt-5",
}

// openaiOutputTokens maps model prefixes to output budgets. Longest prefix
// wins; unknown models fall back to 4096.
var openaiOutputTokens = map[string]int{
	"gpt-3.5":     4096,
	"gpt-4":       4096,
	"gpt-4o":      16384,
	"gpt-4o-mini": 16384,
	"gpt-4.1":     32768,
	"gpt-5":       32768,
}

// OpenAIAdapter speaks the OpenAI chat-completions wire format. It also
// serves any OpenAI-compatible endpoint (custom base URLs) since the format
// is identical.
type OpenAIAdapter struct {
	client *openai.Client
	name   string
	// visionAll force-enables image parts regardless of the model allow-list
	// (custom endpoints declare vision support themselves).
	visionAll bool
	log       zerolog.Logger
}

// NewOpenAIAdapter builds an adapter for the given credentials. An empty
// baseURL targets api.openai.com.
func NewOpenAIAdapter(name, apiKey, baseURL string, visionAll bool, log zerolog.Logger) *OpenAIAdapter {
	config := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		config.BaseURL = baseURL
	}
	return &OpenAIAdapter{
		client:    openai.NewClientWithConfig(config),
		name:      name,
		visionAll: visionAll,
		log:       log.With().Str("component", "llm").Str("provider", name).Logger(),
	}
}

func (a *OpenAIAdapter) Name() string { return a.name }

func (a *OpenAIAdapter) SupportsTools() bool { return true }

func (a *OpenAIAdapter) MaxOutputTokens(model string) int {
	return lookupByPrefix(openaiOutputTokens, model, 4096)
}

func (a *OpenAIAdapter) supportsVision(model string) bool {
	if a.visionAll {
		return true
	}
	for _, prefix := range openaiVisionModels {
		if strings.HasPrefix(model, prefix) {
			return true
		}
	}
	return false
}

// convertMessages maps the neutral conversation onto OpenAI chat messages.
// Images, when allowed for the model, rewrite the last user message into
// multi-part content with data-URI image parts.
func (a *OpenAIAdapter) convertMessages(req Request) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(req.Messages))
	var prevAssistantHadToolCalls bool
	lastUser := -1

	for _, msg := range req.Messages {
		switch msg.Role {
		case RoleSystem:
			out = append(out, openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleSystem,
				Content: msg.Text(),
			})
			prevAssistantHadToolCalls = false
		case RoleUser:
			out = append(out, openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleUser,
				Content: msg.Text(),
			})
			lastUser = len(out) - 1
			prevAssistantHadToolCalls = false
		case RoleAssistant:
			// Empty assistant content serializes as null and is rejected;
			// a single space is accepted and semantically equivalent.
			content := msg.Text()
			if content == "" {
				content = " "
			}
			var toolCalls []openai.ToolCall
			for _, tc := range msg.ToolCalls {
				args := tc.Arguments
				if args == "" {
					args = "{}"
				}
				toolCalls = append(toolCalls, openai.ToolCall{
					ID:   tc.ID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      tc.Name,
						Arguments: args,
					},
				})
			}
			out = append(out, openai.ChatCompletionMessage{
				Role:      openai.ChatMessageRoleAssistant,
				Content:   content,
				ToolCalls: toolCalls,
			})
			prevAssistantHadToolCalls = len(toolCalls) > 0
		case RoleTool:
			// Tool messages are only legal after an assistant message with
			// tool calls; anything else would be rejected by the API.
			if !prevAssistantHadToolCalls {
				continue
			}
			content := msg.Content
			if content == "" {
				content = "{}"
			}
			out = append(out, openai.ChatCompletionMessage{
				Role:       openai.ChatMessageRoleTool,
				ToolCallID: msg.ToolCallID,
				Content:    content,
			})
		}
	}

	if len(req.Images) > 0 {
		if lastUser >= 0 && a.supportsVision(req.Model) {
			text := out[lastUser].Content
			parts := []openai.ChatMessagePart{{
				Type: openai.ChatMessagePartTypeText,
				Text: text,
			}}
			for _, img := range req.Images {
				parts = append(parts, openai.ChatMessagePart{
					Type: openai.ChatMessagePartTypeImageURL,
					ImageURL: &openai.ChatMessageImageURL{
						URL: fmt.Sprintf("data:%s;base64,%s", img.MimeType, img.Data),
					},
				})
			}
			out[lastUser].Content = ""
			out[lastUser].MultiContent = parts
		} else {
			a.log.Warn().Str("model", req.Model).Int("images", len(req.Images)).
				Msg("model does not accept images, dropping attachments")
		}
	}

	return out
}

func convertOpenAITools(tools []Tool) ([]openai.Tool, error) {
	var out []openai.Tool
	for _, t := range tools {
		schema, err := t.SchemaMap()
		if err != nil {
			return nil, fmt.Errorf("tool %s: %w", t.Name, err)
		}
		out = append(out, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  schema,
			},
		})
	}
	return out, nil
}

func (a *OpenAIAdapter) buildRequest(req Request, stream bool) (openai.ChatCompletionRequest, error) {
	tools, err := convertOpenAITools(req.Tools)
	if err != nil {
		return openai.ChatCompletionRequest{}, err
	}

	out := openai.ChatCompletionRequest{
		Model:    req.Model,
		Messages: a.convertMessages(req),
	}
	if len(tools) > 0 {
		out.Tools = tools
		out.ToolChoice = "auto"
	}
	if req.MaxOutputTokens > 0 {
		out.MaxTokens = req.MaxOutputTokens
	} else {
		out.MaxTokens = a.MaxOutputTokens(req.Model)
	}
	if req.Temperature != nil {
		out.Temperature = req.Temperature
	}
	if stream {
		out.Stream = true
		out.StreamOptions = &openai.StreamOptions{IncludeUsage: true}
	}
	return out, nil
}

// Call performs one non-streaming completion.
func (a *OpenAIAdapter) Call(ctx context.Context, req Request) (*Result, error) {
	oreq, err := a.buildRequest(req, false)
	if err != nil {
		return nil, err
	}

	resp, err := a.client.CreateChatCompletion(ctx, oreq)
	if err != nil {
		return nil, a.wrapError(err)
	}
	if len(resp.Choices) == 0 {
		return nil, &ProviderError{Provider: a.name, Body: "empty response: no choices"}
	}

	choice := resp.Choices[0]
	result := &Result{
		Message: Message{
			Role:    RoleAssistant,
			Content: choice.Message.Content,
		},
		Usage: Usage{
			Prompt:     resp.Usage.PromptTokens,
			Completion: resp.Usage.CompletionTokens,
			Total:      resp.Usage.TotalTokens,
		},
	}

	for _, tc := range choice.Message.ToolCalls {
		args := tc.Function.Arguments
		if args == "" {
			args = "{}"
		}
		result.ToolCalls = append(result.ToolCalls, ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: args,
		})
	}
	result.Message.ToolCalls = result.ToolCalls
	result.FinishReason = openaiFinishReason(choice.FinishReason, len(result.ToolCalls))
	return result, nil
}

// CallStream performs one streaming completion. Content and tool-call deltas
// are forwarded to onChunk in arrival order; tool-call fragments are keyed by
// slot index and assembled into the returned result.
func (a *OpenAIAdapter) CallStream(ctx context.Context, req Request, onChunk ChunkFunc) (*Result, error) {
	oreq, err := a.buildRequest(req, true)
	if err != nil {
		return nil, err
	}

	stream, err := a.client.CreateChatCompletionStream(ctx, oreq)
	if err != nil {
		return nil, a.wrapError(err)
	}
	defer stream.Close()

	type toolCallAccum struct {
		id   string
		name string
		args strings.Builder
	}
	accums := make(map[int]*toolCallAccum)
	nextSlot := 0
	var content strings.Builder
	var usage Usage
	var finish string

	for {
		resp, err := stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, a.wrapError(err)
		}

		// The usage-only final chunk has no choices.
		if resp.Usage != nil && resp.Usage.TotalTokens > 0 {
			usage = Usage{
				Prompt:     resp.Usage.PromptTokens,
				Completion: resp.Usage.CompletionTokens,
				Total:      resp.Usage.TotalTokens,
			}
		}
		if len(resp.Choices) == 0 {
			continue
		}
		choice := resp.Choices[0]
		if choice.FinishReason != "" {
			finish = string(choice.FinishReason)
		}

		if choice.Delta.Content != "" {
			content.WriteString(choice.Delta.Content)
			if onChunk != nil {
				onChunk(Chunk{Kind: ChunkContent, Text: choice.Delta.Content})
			}
		}

		for _, tcDelta := range choice.Delta.ToolCalls {
			slot := nextSlot
			if tcDelta.Index != nil {
				slot = *tcDelta.Index
			}
			acc, ok := accums[slot]
			if !ok {
				acc = &toolCallAccum{}
				accums[slot] = acc
				if slot >= nextSlot {
					nextSlot = slot + 1
				}
			}
			if tcDelta.ID != "" {
				acc.id = tcDelta.ID
			}
			if tcDelta.Function.Name != "" {
				acc.name += tcDelta.Function.Name
			}
			if tcDelta.Function.Arguments != "" {
				acc.args.WriteString(tcDelta.Function.Arguments)
			}
			if onChunk != nil {
				onChunk(Chunk{
					Kind:       ChunkToolCallDelta,
					Index:      slot,
					ToolCallID: tcDelta.ID,
					NameDelta:  tcDelta.Function.Name,
					ArgsDelta:  tcDelta.Function.Arguments,
				})
			}
		}
	}

	result := &Result{
		Message: Message{Role: RoleAssistant, Content: content.String()},
		Usage:   usage,
	}

	slots := make([]int, 0, len(accums))
	for slot := range accums {
		slots = append(slots, slot)
	}
	sort.Ints(slots)
	for _, slot := range slots {
		acc := accums[slot]
		if acc.name == "" {
			continue
		}
		args := strings.TrimSpace(acc.args.String())
		if args == "" {
			args = "{}"
		}
		id := acc.id
		if id == "" {
			id = fmt.Sprintf("call_%d", slot)
		}
		result.ToolCalls = append(result.ToolCalls, ToolCall{
			ID:        id,
			Name:      acc.name,
			Arguments: args,
		})
	}
	result.Message.ToolCalls = result.ToolCalls
	result.FinishReason = openaiFinishReason(openai.FinishReason(finish), len(result.ToolCalls))
	return result, nil
}

// FormatToolResults shapes executed tool outcomes as tool-role messages
// referencing their call ids, one message per result.
func (a *OpenAIAdapter) FormatToolResults(results []ToolResult) []Message {
	out := make([]Message, 0, len(results))
	for _, r := range results {
		content := r.Content
		if content == "" {
			content = "{}"
		}
		out = append(out, Message{
			Role:       RoleTool,
			Content:    content,
			ToolCallID: r.ToolCallID,
			Name:       r.Name,
		})
	}
	return out
}

// wrapError normalizes SDK errors into ProviderError so classification works
// from real status codes instead of substring guessing.
func (a *OpenAIAdapter) wrapError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return &ProviderError{
			Provider:   a.name,
			StatusCode: apiErr.HTTPStatusCode,
			Body:       apiErr.Message,
			Err:        err,
		}
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return &ProviderError{
			Provider:   a.name,
			StatusCode: reqErr.HTTPStatusCode,
			Body:       reqErr.Error(),
			Err:        err,
		}
	}
	return &ProviderError{Provider: a.name, Err: err}
}

func openaiFinishReason(reason openai.FinishReason, toolCalls int) string {
	if toolCalls > 0 {
		return "tool_calls"
	}
	switch reason {
	case openai.FinishReasonLength:
		return "length"
	case openai.FinishReasonContentFilter:
		return "content_filter"
	default:
		return "stop"
	}
}

// lookupByPrefix returns the value whose key is the longest prefix of model.
func lookupByPrefix(table map[string]int, model string, fallback int) int {
	best := -1
	value := fallback
	for prefix, v := range table {
		if strings.HasPrefix(model, prefix) && len(prefix) > best {
			best = len(prefix)
			value = v
		}
	}
	return value
}
