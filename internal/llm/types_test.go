package llm

import (
	"encoding/json"
	"testing"
)

func TestMessageText(t *testing.T) {
	tests := []struct {
		name string
		msg  Message
		want string
	}{
		{
			name: "plain content",
			msg:  Message{Role: RoleUser, Content: "hello"},
			want: "hello",
		},
		{
			name: "content wins over parts",
			msg: Message{
				Role:    RoleAssistant,
				Content: "content",
				Parts:   []Part{{Type: PartText, Text: "part"}},
			},
			want: "content",
		},
		{
			name: "parts concatenated",
			msg: Message{
				Role: RoleAssistant,
				Parts: []Part{
					{Type: PartText, Text: "one "},
					{Type: PartText, Text: "two"},
				},
			},
			want: "one two",
		},
		{
			name: "non-text parts skipped",
			msg: Message{
				Role: RoleUser,
				Parts: []Part{
					{Type: PartText, Text: "text"},
					{Type: PartImage, Image: &ImageData{MimeType: "image/png", Data: "AAAA"}},
				},
			},
			want: "text",
		},
		{
			name: "empty",
			msg:  Message{Role: RoleUser},
			want: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.msg.Text(); got != tt.want {
				t.Errorf("Text() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestMessageValidate(t *testing.T) {
	tests := []struct {
		name    string
		msg     Message
		wantErr bool
	}{
		{
			name: "valid user",
			msg:  Message{Role: RoleUser, Content: "hi"},
		},
		{
			name:    "unknown role",
			msg:     Message{Role: "robot", Content: "hi"},
			wantErr: true,
		},
		{
			name:    "tool message without call id",
			msg:     Message{Role: RoleTool, Content: "result"},
			wantErr: true,
		},
		{
			name: "tool message with call id",
			msg:  Message{Role: RoleTool, Content: "result", ToolCallID: "call_1"},
		},
		{
			name:    "user with tool calls",
			msg:     Message{Role: RoleUser, ToolCalls: []ToolCall{{ID: "c", Name: "n"}}},
			wantErr: true,
		},
		{
			name: "assistant with tool calls",
			msg: Message{
				Role:      RoleAssistant,
				ToolCalls: []ToolCall{{ID: "c", Name: "n", Arguments: "{}"}},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.msg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestToolValidate(t *testing.T) {
	tests := []struct {
		name    string
		tool    Tool
		wantErr bool
	}{
		{
			name: "valid",
			tool: Tool{
				Name:        "get_weather",
				Description: "Gets the weather",
				Schema:      json.RawMessage(`{"type":"object","properties":{}}`),
			},
		},
		{
			name: "empty schema defaults to object",
			tool: Tool{Name: "noop", Description: "Does nothing"},
		},
		{
			name:    "bad name",
			tool:    Tool{Name: "9lives", Description: "x"},
			wantErr: true,
		},
		{
			name:    "name with spaces",
			tool:    Tool{Name: "get weather", Description: "x"},
			wantErr: true,
		},
		{
			name:    "missing description",
			tool:    Tool{Name: "tool"},
			wantErr: true,
		},
		{
			name:    "non-object schema",
			tool:    Tool{Name: "tool", Description: "x", Schema: json.RawMessage(`{"type":"array"}`)},
			wantErr: true,
		},
		{
			name:    "schema does not parse",
			tool:    Tool{Name: "tool", Description: "x", Schema: json.RawMessage(`{`)},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.tool.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidToolName(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  bool
	}{
		{"simple", "search", true},
		{"underscore start", "_internal", true},
		{"digits after first", "tool2", true},
		{"64 chars ok", "a123456789012345678901234567890123456789012345678901234567890123", true},
		{"65 chars too long", "a1234567890123456789012345678901234567890123456789012345678901234", false},
		{"empty", "", false},
		{"leading digit", "1tool", false},
		{"dash", "get-weather", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ValidToolName(tt.input); got != tt.want {
				t.Errorf("ValidToolName(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}

func TestUsageAdd(t *testing.T) {
	var u Usage
	u.Add(Usage{Prompt: 10, Completion: 5, Total: 15})
	u.Add(Usage{Prompt: 1, Completion: 2, Total: 3})

	if u.Prompt != 11 || u.Completion != 7 || u.Total != 18 {
		t.Errorf("Add() = %+v, want {11 7 18}", u)
	}
}

func TestLookupByPrefix(t *testing.T) {
	table := map[string]int{
		"gpt-4":  4096,
		"gpt-4o": 16384,
	}

	tests := []struct {
		name  string
		model string
		want  int
	}{
		{"longest prefix wins", "gpt-4o-mini", 16384},
		{"shorter prefix", "gpt-4-turbo", 4096},
		{"unknown model", "mystery", 1000},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := lookupByPrefix(table, tt.model, 1000); got != tt.want {
				t.Errorf("lookupByPrefix(%q) = %d, want %d", tt.model, got, tt.want)
			}
		})
	}
}
