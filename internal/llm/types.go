package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
)

// Role represents the role of a conversation message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// PartType tags the variants of a structured message part.
type PartType string

const (
	PartText       PartType = "text"
	PartImage      PartType = "image"
	PartToolUse    PartType = "tool_use"
	PartToolResult PartType = "tool_result"
)

// ImageData is a binary attachment carried as base64 inside JSON.
type ImageData struct {
	MimeType string `json:"mime_type"`
	Data     string `json:"data"` // base64, no data-URI prefix
}

// Part is one element of a structured message payload.
// Exactly one variant is populated, selected by Type.
type Part struct {
	Type PartType `json:"type"`

	Text string `json:"text,omitempty"`
	// ThoughtSignature is an opaque token some providers attach to text
	// parts of reasoning models. It must be round-tripped unchanged and
	// never fabricated.
	ThoughtSignature string `json:"thought_signature,omitempty"`

	Image *ImageData `json:"image,omitempty"`

	ToolUse    *ToolUsePart    `json:"tool_use,omitempty"`
	ToolResult *ToolResultPart `json:"tool_result,omitempty"`
}

// ToolUsePart is the structured form of a tool invocation inside a message.
type ToolUsePart struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input"`
}

// ToolResultPart carries one tool execution outcome inside a message.
type ToolResultPart struct {
	ToolCallID string `json:"tool_call_id"`
	Content    string `json:"content"`
	IsError    bool   `json:"is_error,omitempty"`
}

// Message is the provider-agnostic conversation message.
// Content holds plain text; Parts, when non-empty, is the structured payload
// and takes precedence over Content.
type Message struct {
	Role       Role       `json:"role"`
	Content    string     `json:"content,omitempty"`
	Parts      []Part     `json:"parts,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`   // assistant messages only
	ToolCallID string     `json:"tool_call_id,omitempty"` // tool messages only
	Name       string     `json:"name,omitempty"`         // tool name for tool messages
}

// Text returns the textual payload of the message: Content when set,
// otherwise the concatenation of all text parts.
func (m Message) Text() string {
	if m.Content != "" || len(m.Parts) == 0 {
		return m.Content
	}
	var out string
	for _, p := range m.Parts {
		if p.Type == PartText {
			out += p.Text
		}
	}
	return out
}

// Validate checks structural invariants of the message.
func (m Message) Validate() error {
	switch m.Role {
	case RoleSystem, RoleUser, RoleAssistant, RoleTool:
	default:
		return fmt.Errorf("invalid message role: %q", m.Role)
	}
	if m.Role == RoleTool && m.ToolCallID == "" {
		return fmt.Errorf("tool messages must reference a tool call id")
	}
	if m.Role != RoleAssistant && len(m.ToolCalls) > 0 {
		return fmt.Errorf("only assistant messages may carry tool calls")
	}
	return nil
}

// toolNameRE bounds tool names for cross-provider compatibility.
var toolNameRE = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]{0,63}$`)

// ValidToolName reports whether name is acceptable to every provider.
func ValidToolName(name string) bool {
	return toolNameRE.MatchString(name)
}

// Tool is a static tool definition offered to the model for one turn.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Schema      json.RawMessage `json:"schema"` // JSON-Schema object
}

// Validate checks the definition before it is offered to any provider.
func (t Tool) Validate() error {
	if !ValidToolName(t.Name) {
		return fmt.Errorf("invalid tool name: %q", t.Name)
	}
	if t.Description == "" {
		return fmt.Errorf("tool %s: description is required", t.Name)
	}
	m, err := t.SchemaMap()
	if err != nil {
		return fmt.Errorf("tool %s: schema does not parse: %w", t.Name, err)
	}
	if typ, _ := m["type"].(string); typ != "" && typ != "object" {
		return fmt.Errorf("tool %s: parameter schema must describe an object, got %q", t.Name, typ)
	}
	return nil
}

// SchemaMap decodes the raw schema into a generic map. Providers reshape the
// map rather than the raw bytes so per-provider sanitation never mutates the
// registered definition.
func (t Tool) SchemaMap() (map[string]any, error) {
	if len(t.Schema) == 0 {
		return map[string]any{"type": "object", "properties": map[string]any{}}, nil
	}
	var m map[string]any
	if err := json.Unmarshal(t.Schema, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// ToolCall is the model's request to execute a named tool.
// Arguments is the raw JSON string exactly as produced by the provider;
// validation parses it once and rejects malformed payloads.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// InvalidToolCall is a tool call rejected by schema validation, kept as a
// sidecar on the result so the retry layer can feed guidance back.
type InvalidToolCall struct {
	Call   ToolCall `json:"call"`
	Reason string   `json:"reason"`
}

// ToolResult is one executed tool outcome handed back for formatting.
type ToolResult struct {
	ToolCallID string `json:"tool_call_id"`
	Name       string `json:"name"`
	Content    string `json:"content"`
	IsError    bool   `json:"is_error,omitempty"`
}

// Usage holds token accounting returned by providers.
type Usage struct {
	Prompt     int `json:"prompt"`
	Completion int `json:"completion"`
	Total      int `json:"total"`
}

// Add accumulates usage across retries and turns.
func (u *Usage) Add(other Usage) {
	u.Prompt += other.Prompt
	u.Completion += other.Completion
	u.Total += other.Total
}

// Result is the normalized outcome of one adapter call. The retry layer
// guarantees totality: callers always receive a Result, with Recovered set
// when the content is a synthesized error reply rather than model output.
type Result struct {
	Message          Message           `json:"message"`
	ToolCalls        []ToolCall        `json:"tool_calls,omitempty"`
	InvalidToolCalls []InvalidToolCall `json:"invalid_tool_calls,omitempty"`
	Usage            Usage             `json:"usage"`
	FinishReason     string            `json:"finish_reason,omitempty"`

	Recovered      bool   `json:"recovered,omitempty"`
	RecoveredError string `json:"recovered_error,omitempty"`

	// ToolsSkipped is set when a provider rejected the tool payload and the
	// call was retried without tools (Cerebras 422 path).
	ToolsSkipped bool   `json:"tools_skipped,omitempty"`
	SkipReason   string `json:"skip_reason,omitempty"`
}

// ChunkKind tags streaming deltas.
type ChunkKind string

const (
	ChunkContent       ChunkKind = "content"
	ChunkToolCallDelta ChunkKind = "tool_call_delta"
)

// Chunk is one streaming delta. Content chunks carry Text; tool-call chunks
// carry the slot index plus whichever fragments arrived (id and name usually
// on the first delta, argument fragments on the rest).
type Chunk struct {
	Kind ChunkKind `json:"kind"`

	Text string `json:"text,omitempty"`

	Index      int    `json:"index,omitempty"`
	ToolCallID string `json:"tool_call_id,omitempty"`
	NameDelta  string `json:"name_delta,omitempty"`
	ArgsDelta  string `json:"args_delta,omitempty"`
}

// ChunkFunc consumes streaming deltas. Invocations are in source order and
// never concurrent within one stream.
type ChunkFunc func(Chunk)

// Request is one adapter invocation.
type Request struct {
	Model    string
	Messages []Message
	Tools    []Tool
	// Images are pending vision attachments for this call; adapters that
	// support vision inject them into the last user message, others drop
	// them with a warning.
	Images []ImageData

	Temperature     *float32
	MaxOutputTokens int // 0 = per-model default chosen by the adapter
}

// Adapter is the uniform provider contract. Implementations translate the
// neutral conversation model to and from one provider wire format.
type Adapter interface {
	// Name identifies the provider ("openai", "anthropic", ...).
	Name() string
	// Call performs a non-streaming completion.
	Call(ctx context.Context, req Request) (*Result, error)
	// CallStream performs a streaming completion, delivering deltas to
	// onChunk before returning the assembled result.
	CallStream(ctx context.Context, req Request, onChunk ChunkFunc) (*Result, error)
	// FormatToolResults shapes executed tool outcomes into the provider's
	// continuation messages for the next turn.
	FormatToolResults(results []ToolResult) []Message
	// MaxOutputTokens returns the output budget for the given model.
	MaxOutputTokens(model string) int
	// SupportsTools reports whether the provider accepts tool definitions.
	SupportsTools() bool
}

// ProviderError carries everything known about a failed provider call so the
// classifier can work from status and body instead of guessing from strings.
type ProviderError struct {
	Provider   string
	StatusCode int
	Body       string
	// RetryAfter is the raw Retry-After header value when the provider sent
	// one, either delay seconds or an HTTP date.
	RetryAfter string
	Err        error
}

func (e *ProviderError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: status %d: %s", e.Provider, e.StatusCode, e.Body)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Provider, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Provider, e.Body)
}

func (e *ProviderError) Unwrap() error { return e.Err }
