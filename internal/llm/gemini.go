package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const geminiDefaultBaseURL = "https://generativelanguage.googleapis.com"

// geminiScanBuffer bounds one SSE event; generous because a single event can
// carry a complete function call with large arguments.
const geminiScanBuffer = 10 * 1024 * 1024

var geminiOutputTokens = map[string]int{
	"gemini-1.5": 8192,
	"gemini-2.0": 8192,
	"gemini-2.5": 65536,
	"gemini-3":   65536,
}

// GeminiAdapter speaks the Google Generative Language REST API (v1beta).
// There is no Go SDK in use here; the wire format is small enough that raw
// structs over net/http stay readable.
type GeminiAdapter struct {
	apiKey  string
	baseURL string
	client  *http.Client
	log     zerolog.Logger
}

func NewGeminiAdapter(apiKey, baseURL string, log zerolog.Logger) *GeminiAdapter {
	if baseURL == "" {
		baseURL = geminiDefaultBaseURL
	}
	return &GeminiAdapter{
		apiKey:  apiKey,
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: 5 * time.Minute},
		log:     log.With().Str("component", "llm").Str("provider", "gemini").Logger(),
	}
}

func (a *GeminiAdapter) Name() string { return "gemini" }

func (a *GeminiAdapter) SupportsTools() bool { return true }

func (a *GeminiAdapter) MaxOutputTokens(model string) int {
	return lookupByPrefix(geminiOutputTokens, model, 8192)
}

// geminiThinkingModel reports whether the model emits thought signatures that
// must be round-tripped across turns.
func geminiThinkingModel(model string) bool {
	return strings.Contains(model, "gemini-2.5") ||
		strings.Contains(model, "gemini-3") ||
		strings.Contains(model, "-thinking")
}

// Wire types for the v1beta generateContent surface.

type geminiContent struct {
	Role  string       `json:"role,omitempty"` // user or model
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text string `json:"text,omitempty"`
	// ThoughtSignature is an opaque token thinking models attach to parts.
	// It is echoed back verbatim on subsequent turns and never fabricated.
	ThoughtSignature string                  `json:"thoughtSignature,omitempty"`
	InlineData       *geminiInlineData       `json:"inlineData,omitempty"`
	FunctionCall     *geminiFunctionCall     `json:"functionCall,omitempty"`
	FunctionResponse *geminiFunctionResponse `json:"functionResponse,omitempty"`
}

type geminiInlineData struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

type geminiFunctionCall struct {
	Name string         `json:"name"`
	Args map[string]any `json:"args"`
}

type geminiFunctionResponse struct {
	Name     string         `json:"name"`
	Response map[string]any `json:"response"`
}

type geminiTool struct {
	FunctionDeclarations []geminiFunctionDeclaration `json:"functionDeclarations,omitempty"`
}

type geminiFunctionDeclaration struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

type geminiGenerationConfig struct {
	Temperature     *float32 `json:"temperature,omitempty"`
	MaxOutputTokens int      `json:"maxOutputTokens,omitempty"`
}

type geminiRequest struct {
	Contents          []geminiContent         `json:"contents"`
	Tools             []geminiTool            `json:"tools,omitempty"`
	GenerationConfig  *geminiGenerationConfig `json:"generationConfig,omitempty"`
	SystemInstruction *geminiContent          `json:"systemInstruction,omitempty"`
}

type geminiCandidate struct {
	Content      geminiContent `json:"content"`
	FinishReason string        `json:"finishReason,omitempty"`
}

type geminiUsageMetadata struct {
	PromptTokenCount     int `json:"promptTokenCount"`
	CandidatesTokenCount int `json:"candidatesTokenCount"`
	TotalTokenCount      int `json:"totalTokenCount"`
}

type geminiResponse struct {
	Candidates    []geminiCandidate    `json:"candidates"`
	UsageMetadata *geminiUsageMetadata `json:"usageMetadata,omitempty"`
}

// convertContents maps the neutral conversation onto Gemini contents. System
// messages are lifted into systemInstruction, assistant becomes model, and
// consecutive tool results merge into a single user turn of functionResponse
// parts keyed by tool name (Gemini has no call ids).
func (a *GeminiAdapter) convertContents(req Request) (*geminiContent, []geminiContent) {
	var system []geminiPart
	var contents []geminiContent
	thinking := geminiThinkingModel(req.Model)

	for _, msg := range req.Messages {
		switch msg.Role {
		case RoleSystem:
			if text := msg.Text(); text != "" {
				system = append(system, geminiPart{Text: text})
			}
		case RoleUser:
			contents = append(contents, geminiContent{
				Role:  "user",
				Parts: []geminiPart{{Text: msg.Text()}},
			})
		case RoleAssistant:
			content := geminiContent{Role: "model"}
			if len(msg.Parts) > 0 {
				for _, p := range msg.Parts {
					if p.Type != PartText || p.Text == "" {
						continue
					}
					part := geminiPart{Text: p.Text}
					if thinking {
						part.ThoughtSignature = p.ThoughtSignature
					}
					content.Parts = append(content.Parts, part)
				}
			} else if text := msg.Text(); text != "" {
				content.Parts = append(content.Parts, geminiPart{Text: text})
			}
			for _, tc := range msg.ToolCalls {
				content.Parts = append(content.Parts, geminiPart{
					FunctionCall: &geminiFunctionCall{
						Name: tc.Name,
						Args: geminiArgs(tc.Arguments),
					},
				})
			}
			if len(content.Parts) > 0 {
				contents = append(contents, content)
			}
		case RoleTool:
			part := geminiPart{
				FunctionResponse: &geminiFunctionResponse{
					Name:     msg.Name,
					Response: geminiToolResponse(msg.Content),
				},
			}
			// Function responses ride in user turns; parallel results share one.
			if n := len(contents); n > 0 && contents[n-1].Role == "user" && contents[n-1].Parts[0].FunctionResponse != nil {
				contents[n-1].Parts = append(contents[n-1].Parts, part)
			} else {
				contents = append(contents, geminiContent{Role: "user", Parts: []geminiPart{part}})
			}
		}
	}

	if len(req.Images) > 0 {
		last := -1
		for i := len(contents) - 1; i >= 0; i-- {
			if contents[i].Role == "user" && contents[i].Parts[0].FunctionResponse == nil {
				last = i
				break
			}
		}
		if last >= 0 {
			for _, img := range req.Images {
				contents[last].Parts = append(contents[last].Parts, geminiPart{
					InlineData: &geminiInlineData{MimeType: img.MimeType, Data: img.Data},
				})
			}
		} else {
			a.log.Warn().Int("images", len(req.Images)).Msg("no user message to attach images to, dropping")
		}
	}

	var instruction *geminiContent
	if len(system) > 0 {
		instruction = &geminiContent{Parts: system}
	}
	return instruction, contents
}

func geminiArgs(raw string) map[string]any {
	var args map[string]any
	if err := json.Unmarshal([]byte(raw), &args); err != nil || args == nil {
		return map[string]any{}
	}
	return args
}

// geminiToolResponse wraps a tool outcome into the object Gemini requires.
// JSON objects pass through; everything else is wrapped under "result".
func geminiToolResponse(content string) map[string]any {
	var obj map[string]any
	if err := json.Unmarshal([]byte(content), &obj); err == nil && obj != nil {
		return obj
	}
	return map[string]any{"result": content}
}

func (a *GeminiAdapter) convertTools(tools []Tool) ([]geminiTool, error) {
	if len(tools) == 0 {
		return nil, nil
	}
	decls := make([]geminiFunctionDeclaration, 0, len(tools))
	for _, t := range tools {
		schema, err := t.SchemaMap()
		if err != nil {
			return nil, fmt.Errorf("tool %s: %w", t.Name, err)
		}
		decls = append(decls, geminiFunctionDeclaration{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  sanitizeGeminiSchema(schema),
		})
	}
	return []geminiTool{{FunctionDeclarations: decls}}, nil
}

// sanitizeGeminiSchema strips enum constraints from non-string schema nodes,
// recursing through properties and items. Gemini rejects enums on numeric
// and boolean types that the other providers accept.
func sanitizeGeminiSchema(schema map[string]any) map[string]any {
	out := make(map[string]any, len(schema))
	for k, v := range schema {
		out[k] = v
	}
	if typ, _ := out["type"].(string); typ != "string" {
		delete(out, "enum")
	}
	if props, ok := out["properties"].(map[string]any); ok {
		cleaned := make(map[string]any, len(props))
		for name, sub := range props {
			if m, ok := sub.(map[string]any); ok {
				cleaned[name] = sanitizeGeminiSchema(m)
			} else {
				cleaned[name] = sub
			}
		}
		out["properties"] = cleaned
	}
	if items, ok := out["items"].(map[string]any); ok {
		out["items"] = sanitizeGeminiSchema(items)
	}
	return out
}

func (a *GeminiAdapter) buildRequest(req Request) (*geminiRequest, error) {
	tools, err := a.convertTools(req.Tools)
	if err != nil {
		return nil, err
	}
	instruction, contents := a.convertContents(req)

	maxTokens := req.MaxOutputTokens
	if maxTokens == 0 {
		maxTokens = a.MaxOutputTokens(req.Model)
	}
	return &geminiRequest{
		Contents:          contents,
		Tools:             tools,
		SystemInstruction: instruction,
		GenerationConfig: &geminiGenerationConfig{
			Temperature:     req.Temperature,
			MaxOutputTokens: maxTokens,
		},
	}, nil
}

func (a *GeminiAdapter) post(ctx context.Context, url string, body *geminiRequest) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal gemini request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("x-goog-api-key", a.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return nil, &ProviderError{Provider: "gemini", Err: err}
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
		return nil, &ProviderError{
			Provider:   "gemini",
			StatusCode: resp.StatusCode,
			Body:       string(raw),
			RetryAfter: resp.Header.Get("Retry-After"),
		}
	}
	return resp, nil
}

// Call performs one non-streaming completion.
func (a *GeminiAdapter) Call(ctx context.Context, req Request) (*Result, error) {
	body, err := a.buildRequest(req)
	if err != nil {
		return nil, err
	}
	url := fmt.Sprintf("%s/v1beta/models/%s:generateContent", a.baseURL, req.Model)
	resp, err := a.post(ctx, url, body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var gr geminiResponse
	if err := json.NewDecoder(resp.Body).Decode(&gr); err != nil {
		return nil, &ProviderError{Provider: "gemini", Body: "undecodable response", Err: err}
	}
	if len(gr.Candidates) == 0 {
		return nil, &ProviderError{Provider: "gemini", Body: "empty response: no candidates"}
	}
	return a.assembleResult(req.Model, gr.Candidates[0].Content.Parts, gr.Candidates[0].FinishReason, gr.UsageMetadata, nil), nil
}

// CallStream performs one streaming completion over SSE. Text parts are
// forwarded as content chunks; function calls arrive complete per event and
// are forwarded as a single tool-call chunk each.
func (a *GeminiAdapter) CallStream(ctx context.Context, req Request, onChunk ChunkFunc) (*Result, error) {
	body, err := a.buildRequest(req)
	if err != nil {
		return nil, err
	}
	url := fmt.Sprintf("%s/v1beta/models/%s:streamGenerateContent?alt=sse", a.baseURL, req.Model)
	resp, err := a.post(ctx, url, body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var (
		parts  []geminiPart
		usage  *geminiUsageMetadata
		finish string
		slot   int
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
		var gr geminiResponse
		if err := json.Unmarshal([]byte(payload), &gr); err != nil {
			a.log.Debug().Err(err).Msg("skipping undecodable stream event")
			continue
		}
		if gr.UsageMetadata != nil {
			usage = gr.UsageMetadata
		}
		for _, cand := range gr.Candidates {
			if cand.FinishReason != "" {
				finish = cand.FinishReason
			}
			for _, part := range cand.Content.Parts {
				switch {
				case part.FunctionCall != nil:
					parts = append(parts, part)
					if onChunk != nil {
						args, _ := json.Marshal(part.FunctionCall.Args)
						onChunk(Chunk{
							Kind:       ChunkToolCallDelta,
							Index:      slot,
							ToolCallID: fmt.Sprintf("call_%s_%d", part.FunctionCall.Name, slot),
							NameDelta:  part.FunctionCall.Name,
							ArgsDelta:  string(args),
						})
					}
					slot++
				case part.Text != "":
					parts = append(parts, part)
					if onChunk != nil {
						onChunk(Chunk{Kind: ChunkContent, Text: part.Text})
					}
				}
			}
		}
	}
	if err := scanner.Err(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &ProviderError{Provider: "gemini", Body: "stream read failed", Err: err}
	}

	return a.assembleResult(req.Model, parts, finish, usage, nil), nil
}

// assembleResult folds response parts into the neutral result. For thinking
// models the per-part thought signatures are preserved on structured parts so
// the next turn can echo them.
func (a *GeminiAdapter) assembleResult(model string, parts []geminiPart, finish string, usage *geminiUsageMetadata, _ error) *Result {
	result := &Result{}
	thinking := geminiThinkingModel(model)
	var text strings.Builder
	var structured []Part
	keepParts := false

	for _, part := range parts {
		if part.FunctionCall != nil {
			args, err := json.Marshal(part.FunctionCall.Args)
			if err != nil || len(args) == 0 {
				args = []byte("{}")
			}
			result.ToolCalls = append(result.ToolCalls, ToolCall{
				ID:        fmt.Sprintf("call_%s_%d", part.FunctionCall.Name, len(result.ToolCalls)),
				Name:      part.FunctionCall.Name,
				Arguments: string(args),
			})
			continue
		}
		if part.Text == "" {
			continue
		}
		text.WriteString(part.Text)
		p := Part{Type: PartText, Text: part.Text}
		if thinking && part.ThoughtSignature != "" {
			p.ThoughtSignature = part.ThoughtSignature
			keepParts = true
		}
		structured = append(structured, p)
	}

	result.Message = Message{Role: RoleAssistant, Content: text.String()}
	if keepParts {
		result.Message.Content = ""
		result.Message.Parts = structured
	}
	result.Message.ToolCalls = result.ToolCalls

	if usage != nil {
		result.Usage = Usage{
			Prompt:     usage.PromptTokenCount,
			Completion: usage.CandidatesTokenCount,
			Total:      usage.TotalTokenCount,
		}
	}
	result.FinishReason = geminiFinishReason(finish, len(result.ToolCalls))
	return result
}

// FormatToolResults shapes executed tool outcomes as tool-role messages. The
// conversion back to functionResponse parts happens in convertContents, keyed
// by tool name rather than call id.
func (a *GeminiAdapter) FormatToolResults(results []ToolResult) []Message {
	out := make([]Message, 0, len(results))
	for _, r := range results {
		content := r.Content
		if content == "" {
			content = "{}"
		}
		if r.IsError {
			raw, _ := json.Marshal(map[string]any{"error": r.Content})
			content = string(raw)
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

func geminiFinishReason(reason string, toolCalls int) string {
	if toolCalls > 0 {
		return "tool_calls"
	}
	switch reason {
	case "MAX_TOKENS":
		return "length"
	case "SAFETY", "RECITATION", "BLOCKLIST", "PROHIBITED_CONTENT":
		return "content_filter"
	default:
		return "stop"
	}
}
