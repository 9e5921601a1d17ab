package engine

import (
	"reflect"
	"strings"
	"testing"

	"github.com/chamsddine/relay/internal/llm"
)

var validatorTools = []llm.Tool{
	{
		Name:        "search",
		Description: "Searches the index",
		Schema: []byte(`{
			"type": "object",
			"properties": {
				"query": {"type": "string"},
				"limit": {"type": "integer"}
			},
			"required": ["query"]
		}`),
	},
	{
		Name:        "set_mode",
		Description: "Switches the operating mode",
		Schema: []byte(`{
			"type": "object",
			"properties": {
				"mode": {"type": "string", "enum": ["fast", "thorough"]}
			},
			"required": ["mode"]
		}`),
	},
}

func TestValidateToolCalls(t *testing.T) {
	tests := []struct {
		name        string
		calls       []llm.ToolCall
		wantValid   int
		wantInvalid int
		wantReason  string
	}{
		{
			name:      "conforming call",
			calls:     []llm.ToolCall{{ID: "c1", Name: "search", Arguments: `{"query":"go"}`}},
			wantValid: 1,
		},
		{
			name:        "unknown tool",
			calls:       []llm.ToolCall{{ID: "c1", Name: "delete_all", Arguments: `{}`}},
			wantInvalid: 1,
			wantReason:  "unknown tool",
		},
		{
			name:        "malformed json",
			calls:       []llm.ToolCall{{ID: "c1", Name: "search", Arguments: `{"query":`}},
			wantInvalid: 1,
			wantReason:  "not a JSON object",
		},
		{
			name:        "missing required field",
			calls:       []llm.ToolCall{{ID: "c1", Name: "search", Arguments: `{"limit":3}`}},
			wantInvalid: 1,
			wantReason:  "query",
		},
		{
			name:        "wrong type",
			calls:       []llm.ToolCall{{ID: "c1", Name: "search", Arguments: `{"query":42}`}},
			wantInvalid: 1,
			wantReason:  "query",
		},
		{
			name:        "enum violation",
			calls:       []llm.ToolCall{{ID: "c1", Name: "set_mode", Arguments: `{"mode":"sloppy"}`}},
			wantInvalid: 1,
			wantReason:  "mode",
		},
		{
			name:      "empty arguments become an object",
			calls:     []llm.ToolCall{{ID: "c1", Name: "set_mode", Arguments: ""}},
			wantValid: 0,
			// still invalid: mode is required
			wantInvalid: 1,
		},
		{
			name: "mixed calls partition",
			calls: []llm.ToolCall{
				{ID: "c1", Name: "search", Arguments: `{"query":"go"}`},
				{ID: "c2", Name: "search", Arguments: `{"query":7}`},
				{ID: "c3", Name: "set_mode", Arguments: `{"mode":"fast"}`},
			},
			wantValid:   2,
			wantInvalid: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			valid, invalid := ValidateToolCalls(tt.calls, validatorTools)
			if len(valid) != tt.wantValid || len(invalid) != tt.wantInvalid {
				t.Fatalf("partition = (%d, %d), want (%d, %d)", len(valid), len(invalid), tt.wantValid, tt.wantInvalid)
			}
			if len(valid)+len(invalid) != len(tt.calls) {
				t.Error("partition lost calls")
			}
			if tt.wantReason != "" && !strings.Contains(invalid[0].Reason, tt.wantReason) {
				t.Errorf("reason = %q, want substring %q", invalid[0].Reason, tt.wantReason)
			}
		})
	}
}

func TestValidateToolCallsIsPure(t *testing.T) {
	calls := []llm.ToolCall{
		{ID: "c1", Name: "search", Arguments: `{"query":"go"}`},
		{ID: "c2", Name: "search", Arguments: `{"query":7}`},
	}
	v1, i1 := ValidateToolCalls(calls, validatorTools)
	v2, i2 := ValidateToolCalls(calls, validatorTools)
	if !reflect.DeepEqual(v1, v2) || !reflect.DeepEqual(i1, i2) {
		t.Error("same input produced a different partition")
	}
}

func TestRetryGuidance(t *testing.T) {
	_, invalid := ValidateToolCalls([]llm.ToolCall{
		{ID: "c1", Name: "set_mode", Arguments: `{"mode":"sloppy"}`},
	}, validatorTools)

	guidance := RetryGuidance(invalid, validatorTools)
	for _, want := range []string{"set_mode", "sloppy", "enum", `"fast"`} {
		if !strings.Contains(guidance, want) {
			t.Errorf("guidance missing %q:\n%s", want, guidance)
		}
	}
}

func TestRetryGuidanceIsDeterministic(t *testing.T) {
	_, invalid := ValidateToolCalls([]llm.ToolCall{
		{ID: "c1", Name: "search", Arguments: `{"query":42}`},
		{ID: "c2", Name: "missing_tool", Arguments: `{}`},
	}, validatorTools)

	if RetryGuidance(invalid, validatorTools) != RetryGuidance(invalid, validatorTools) {
		t.Error("guidance differs across identical inputs")
	}
}

func TestCheckTool(t *testing.T) {
	tests := []struct {
		name    string
		tool    llm.Tool
		wantErr bool
	}{
		{
			name: "valid",
			tool: llm.Tool{Name: "search", Description: "d", Schema: []byte(`{"type":"object"}`)},
		},
		{
			name:    "bad name",
			tool:    llm.Tool{Name: "my tool!", Description: "d", Schema: []byte(`{"type":"object"}`)},
			wantErr: true,
		},
		{
			name:    "missing description",
			tool:    llm.Tool{Name: "search", Schema: []byte(`{"type":"object"}`)},
			wantErr: true,
		},
		{
			name:    "schema does not parse",
			tool:    llm.Tool{Name: "search", Description: "d", Schema: []byte(`{"type":`)},
			wantErr: true,
		},
		{
			name: "empty schema allowed",
			tool: llm.Tool{Name: "ping", Description: "d"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := CheckTool(tt.tool)
			if (err != nil) != tt.wantErr {
				t.Errorf("CheckTool() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
