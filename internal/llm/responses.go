package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const responsesDefaultBaseURL = "https://api.openai.com/v1"

var responsesOutputTokens = map[string]int{
	"gpt-5": 32768,
	"o1":    32768,
	"o3":    32768,
	"o4":    32768,
}

// responsesModelRE matches models that must be served through the Responses
// API instead of chat completions: the o-series and the gpt-5 family.
var responsesModelRE = regexp.MustCompile(`^o[0-9]`)

// IsResponsesModel reports whether the model requires the Responses API.
func IsResponsesModel(model string) bool {
	return strings.HasPrefix(model, "gpt-5") || responsesModelRE.MatchString(model)
}

// ResponsesAdapter speaks the OpenAI Responses API, the surface reasoning
// models live on. The SDK in use here only covers chat completions, so this
// adapter talks to the endpoint directly.
type ResponsesAdapter struct {
	apiKey  string
	baseURL string
	client  *http.Client
	log     zerolog.Logger
}

func NewResponsesAdapter(apiKey, baseURL string, log zerolog.Logger) *ResponsesAdapter {
	if baseURL == "" {
		baseURL = responsesDefaultBaseURL
	}
	return &ResponsesAdapter{
		apiKey:  apiKey,
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: 10 * time.Minute},
		log:     log.With().Str("component", "llm").Str("provider", "openai-responses").Logger(),
	}
}

func (a *ResponsesAdapter) Name() string { return "openai-responses" }

func (a *ResponsesAdapter) SupportsTools() bool { return true }

func (a *ResponsesAdapter) MaxOutputTokens(model string) int {
	return lookupByPrefix(responsesOutputTokens, model, 32768)
}

// Wire types for the /responses surface. Input items and output items share
// one shape; the populated fields depend on Type.

type responsesItem struct {
	Type    string `json:"type"`
	Role    string `json:"role,omitempty"`
	Content any    `json:"content,omitempty"`

	// function_call and function_call_output fields.
	CallID    string `json:"call_id,omitempty"`
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
	Output    string `json:"output,omitempty"`
}

type responsesContentPart struct {
	Type     string `json:"type"` // input_text, output_text, input_image
	Text     string `json:"text,omitempty"`
	ImageURL string `json:"image_url,omitempty"`
}

type responsesTool struct {
	Type        string         `json:"type"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

type responsesReasoning struct {
	Effort string `json:"effort,omitempty"`
}

type responsesRequest struct {
	Model           string              `json:"model"`
	Input           []responsesItem     `json:"input"`
	Instructions    string              `json:"instructions,omitempty"`
	Stream          bool                `json:"stream,omitempty"`
	MaxOutputTokens int                 `json:"max_output_tokens,omitempty"`
	Tools           []responsesTool     `json:"tools,omitempty"`
	ToolChoice      string              `json:"tool_choice,omitempty"`
	Reasoning       *responsesReasoning `json:"reasoning,omitempty"`
}

type responsesOutputContent struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type responsesOutputItem struct {
	Type    string                   `json:"type"`
	ID      string                   `json:"id,omitempty"`
	Role    string                   `json:"role,omitempty"`
	Content []responsesOutputContent `json:"content,omitempty"`

	CallID    string `json:"call_id,omitempty"`
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
}

type responsesUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

type responsesError struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

type responsesResponse struct {
	ID                string                `json:"id,omitempty"`
	Status            string                `json:"status,omitempty"`
	Output            []responsesOutputItem `json:"output,omitempty"`
	Usage             *responsesUsage       `json:"usage,omitempty"`
	Error             *responsesError       `json:"error,omitempty"`
	IncompleteDetails *struct {
		Reason string `json:"reason,omitempty"`
	} `json:"incomplete_details,omitempty"`
}

// responsesStreamEvent is the envelope every SSE event shares; the event type
// selects which fields are meaningful.
type responsesStreamEvent struct {
	Type        string             `json:"type"`
	ItemID      string             `json:"item_id,omitempty"`
	OutputIndex int                `json:"output_index,omitempty"`
	Delta       string             `json:"delta,omitempty"`
	Name        string             `json:"name,omitempty"`
	Arguments   string             `json:"arguments,omitempty"`
	Item        json.RawMessage    `json:"item,omitempty"`
	Response    *responsesResponse `json:"response,omitempty"`
}

// convertInput reshapes the neutral conversation into Responses input items.
// System messages are folded into instructions; assistant tool calls become
// function_call items and tool results function_call_output items.
func (a *ResponsesAdapter) convertInput(req Request) (string, []responsesItem) {
	var instructions []string
	items := make([]responsesItem, 0, len(req.Messages))
	lastUser := -1

	for _, msg := range req.Messages {
		switch msg.Role {
		case RoleSystem:
			if text := msg.Text(); text != "" {
				instructions = append(instructions, text)
			}
		case RoleUser:
			items = append(items, responsesItem{
				Type: "message",
				Role: "user",
				Content: []responsesContentPart{
					{Type: "input_text", Text: msg.Text()},
				},
			})
			lastUser = len(items) - 1
		case RoleAssistant:
			if text := msg.Text(); text != "" {
				items = append(items, responsesItem{
					Type: "message",
					Role: "assistant",
					Content: []responsesContentPart{
						{Type: "output_text", Text: text},
					},
				})
			}
			for _, tc := range msg.ToolCalls {
				args := tc.Arguments
				if args == "" {
					args = "{}"
				}
				items = append(items, responsesItem{
					Type:      "function_call",
					CallID:    tc.ID,
					Name:      tc.Name,
					Arguments: args,
				})
			}
		case RoleTool:
			output := msg.Content
			if output == "" {
				output = "{}"
			}
			items = append(items, responsesItem{
				Type:   "function_call_output",
				CallID: msg.ToolCallID,
				Output: output,
			})
		}
	}

	if len(req.Images) > 0 {
		if lastUser >= 0 {
			parts := items[lastUser].Content.([]responsesContentPart)
			for _, img := range req.Images {
				parts = append(parts, responsesContentPart{
					Type:     "input_image",
					ImageURL: fmt.Sprintf("data:%s;base64,%s", img.MimeType, img.Data),
				})
			}
			items[lastUser].Content = parts
		} else {
			a.log.Warn().Int("images", len(req.Images)).Msg("no user message to attach images to, dropping")
		}
	}

	return strings.Join(instructions, "\n\n"), items
}

func (a *ResponsesAdapter) buildRequest(req Request, stream bool) (*responsesRequest, error) {
	instructions, items := a.convertInput(req)

	var tools []responsesTool
	for _, t := range req.Tools {
		schema, err := t.SchemaMap()
		if err != nil {
			return nil, fmt.Errorf("tool %s: %w", t.Name, err)
		}
		tools = append(tools, responsesTool{
			Type:        "function",
			Name:        t.Name,
			Description: t.Description,
			Parameters:  schema,
		})
	}

	maxTokens := req.MaxOutputTokens
	if maxTokens == 0 {
		maxTokens = a.MaxOutputTokens(req.Model)
	}
	out := &responsesRequest{
		Model:           req.Model,
		Input:           items,
		Instructions:    instructions,
		Stream:          stream,
		MaxOutputTokens: maxTokens,
		Tools:           tools,
	}
	if len(tools) > 0 {
		out.ToolChoice = "auto"
	}
	// Every model behind this adapter reasons; sampling parameters are
	// rejected, so Temperature is intentionally not forwarded.
	out.Reasoning = &responsesReasoning{Effort: "medium"}
	return out, nil
}

func (a *ResponsesAdapter) post(ctx context.Context, body *responsesRequest) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal responses request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/responses", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Authorization", "Bearer "+a.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return nil, &ProviderError{Provider: a.Name(), Err: err}
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
		return nil, &ProviderError{
			Provider:   a.Name(),
			StatusCode: resp.StatusCode,
			Body:       string(raw),
			RetryAfter: resp.Header.Get("Retry-After"),
		}
	}
	return resp, nil
}

// Call performs one non-streaming completion.
func (a *ResponsesAdapter) Call(ctx context.Context, req Request) (*Result, error) {
	body, err := a.buildRequest(req, false)
	if err != nil {
		return nil, err
	}
	resp, err := a.post(ctx, body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var rr responsesResponse
	if err := json.NewDecoder(resp.Body).Decode(&rr); err != nil {
		return nil, &ProviderError{Provider: a.Name(), Body: "undecodable response", Err: err}
	}
	if rr.Error != nil {
		return nil, &ProviderError{Provider: a.Name(), Body: rr.Error.Message}
	}
	return a.assembleResult(&rr), nil
}

// CallStream performs one streaming completion. Text deltas and function-call
// argument fragments are forwarded as they arrive; the response.completed
// event carries the authoritative final output and usage.
func (a *ResponsesAdapter) CallStream(ctx context.Context, req Request, onChunk ChunkFunc) (*Result, error) {
	body, err := a.buildRequest(req, true)
	if err != nil {
		return nil, err
	}
	resp, err := a.post(ctx, body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	type callAccum struct {
		slot   int
		callID string
		name   string
		args   strings.Builder
		final  string
	}
	var (
		accums  = map[string]*callAccum{}
		order   []string
		text    strings.Builder
		final   *responsesResponse
		failure *responsesError
	)

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), geminiScanBuffer)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "" || payload == "[DONE]" {
			continue
		}
		var ev responsesStreamEvent
		if err := json.Unmarshal([]byte(payload), &ev); err != nil {
			a.log.Debug().Err(err).Msg("skipping undecodable stream event")
			continue
		}

		switch ev.Type {
		case "response.output_item.added":
			var item responsesOutputItem
			if err := json.Unmarshal(ev.Item, &item); err != nil || item.Type != "function_call" {
				continue
			}
			acc := &callAccum{slot: len(order), callID: item.CallID, name: item.Name}
			accums[item.ID] = acc
			order = append(order, item.ID)
			if onChunk != nil {
				onChunk(Chunk{
					Kind:       ChunkToolCallDelta,
					Index:      acc.slot,
					ToolCallID: item.CallID,
					NameDelta:  item.Name,
				})
			}
		case "response.output_text.delta":
			if ev.Delta == "" {
				continue
			}
			text.WriteString(ev.Delta)
			if onChunk != nil {
				onChunk(Chunk{Kind: ChunkContent, Text: ev.Delta})
			}
		case "response.function_call_arguments.delta":
			acc, ok := accums[ev.ItemID]
			if !ok || ev.Delta == "" {
				continue
			}
			acc.args.WriteString(ev.Delta)
			if onChunk != nil {
				onChunk(Chunk{
					Kind:       ChunkToolCallDelta,
					Index:      acc.slot,
					ToolCallID: acc.callID,
					ArgsDelta:  ev.Delta,
				})
			}
		case "response.function_call_arguments.done":
			if acc, ok := accums[ev.ItemID]; ok {
				if ev.Name != "" {
					acc.name = ev.Name
				}
				acc.final = ev.Arguments
			}
		case "response.completed", "response.incomplete":
			final = ev.Response
		case "response.failed":
			if ev.Response != nil && ev.Response.Error != nil {
				failure = ev.Response.Error
			} else {
				failure = &responsesError{Message: "response failed"}
			}
		}
	}
	if err := scanner.Err(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &ProviderError{Provider: a.Name(), Body: "stream read failed", Err: err}
	}
	if failure != nil {
		return nil, &ProviderError{Provider: a.Name(), Body: failure.Message}
	}
	if final != nil {
		return a.assembleResult(final), nil
	}

	// No terminal event; fall back to what was accumulated.
	result := &Result{
		Message: Message{Role: RoleAssistant, Content: text.String()},
	}
	for _, id := range order {
		acc := accums[id]
		args := acc.final
		if args == "" {
			args = strings.TrimSpace(acc.args.String())
		}
		if args == "" {
			args = "{}"
		}
		callID := acc.callID
		if callID == "" {
			callID = id
		}
		result.ToolCalls = append(result.ToolCalls, ToolCall{ID: callID, Name: acc.name, Arguments: args})
	}
	result.Message.ToolCalls = result.ToolCalls
	result.FinishReason = responsesFinishReason("", len(result.ToolCalls))
	return result, nil
}

// assembleResult folds a final response object into the neutral result.
func (a *ResponsesAdapter) assembleResult(rr *responsesResponse) *Result {
	result := &Result{}
	var text strings.Builder

	for _, item := range rr.Output {
		switch item.Type {
		case "message":
			for _, c := range item.Content {
				if c.Type == "output_text" {
					text.WriteString(c.Text)
				}
			}
		case "function_call":
			args := item.Arguments
			if args == "" {
				args = "{}"
			}
			callID := item.CallID
			if callID == "" {
				callID = item.ID
			}
			result.ToolCalls = append(result.ToolCalls, ToolCall{
				ID:        callID,
				Name:      item.Name,
				Arguments: args,
			})
		}
	}

	result.Message = Message{Role: RoleAssistant, Content: text.String()}
	result.Message.ToolCalls = result.ToolCalls
	if rr.Usage != nil {
		result.Usage = Usage{
			Prompt:     rr.Usage.InputTokens,
			Completion: rr.Usage.OutputTokens,
			Total:      rr.Usage.TotalTokens,
		}
	}
	status := rr.Status
	if rr.IncompleteDetails != nil && rr.IncompleteDetails.Reason != "" {
		status = rr.IncompleteDetails.Reason
	}
	result.FinishReason = responsesFinishReason(status, len(result.ToolCalls))
	return result
}

// FormatToolResults shapes executed tool outcomes as tool-role messages;
// convertInput turns them into function_call_output items on the next call.
func (a *ResponsesAdapter) FormatToolResults(results []ToolResult) []Message {
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

func responsesFinishReason(status string, toolCalls int) string {
	if toolCalls > 0 {
		return "tool_calls"
	}
	switch status {
	case "max_output_tokens":
		return "length"
	case "content_filter":
		return "content_filter"
	default:
		return "stop"
	}
}
