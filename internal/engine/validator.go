package engine

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"

	"github.com/chamsddine/relay/internal/llm"
)

// ValidateToolCalls partitions model-generated calls into schema-conforming
// and rejected ones. Every call lands in exactly one partition; rejection
// reasons name the violation path so guidance can quote it back. The
// function is pure: identical input produces an identical partition.
func ValidateToolCalls(calls []llm.ToolCall, tools []llm.Tool) ([]llm.ToolCall, []llm.InvalidToolCall) {
	byName := make(map[string]llm.Tool, len(tools))
	for _, t := range tools {
		byName[t.Name] = t
	}

	var valid []llm.ToolCall
	var invalid []llm.InvalidToolCall
	for _, call := range calls {
		tool, ok := byName[call.Name]
		if !ok {
			invalid = append(invalid, llm.InvalidToolCall{
				Call:   call,
				Reason: fmt.Sprintf("unknown tool %q", call.Name),
			})
			continue
		}
		if reason := validateArguments(call, tool); reason != "" {
			invalid = append(invalid, llm.InvalidToolCall{Call: call, Reason: reason})
			continue
		}
		valid = append(valid, call)
	}
	return valid, invalid
}

func validateArguments(call llm.ToolCall, tool llm.Tool) string {
	args := strings.TrimSpace(call.Arguments)
	if args == "" {
		args = "{}"
	}
	var probe map[string]any
	if err := json.Unmarshal([]byte(args), &probe); err != nil {
		return fmt.Sprintf("arguments are not a JSON object: %v", err)
	}
	if len(tool.Schema) == 0 {
		return ""
	}

	schemaLoader := gojsonschema.NewBytesLoader(tool.Schema)
	documentLoader := gojsonschema.NewStringLoader(args)
	result, err := gojsonschema.Validate(schemaLoader, documentLoader)
	if err != nil {
		return fmt.Sprintf("schema validation failed: %v", err)
	}
	if !result.Valid() {
		first := result.Errors()[0]
		return fmt.Sprintf("%s: %s", first.Field(), first.Description())
	}
	return ""
}

// CheckTool verifies a tool definition at registration time: name regex,
// description, and that the schema both parses and compiles.
func CheckTool(t llm.Tool) error {
	if err := t.Validate(); err != nil {
		return err
	}
	if len(t.Schema) > 0 {
		if _, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(t.Schema)); err != nil {
			return fmt.Errorf("tool %s: schema does not compile: %w", t.Name, err)
		}
	}
	return nil
}

// RetryGuidance renders a corrective system message for rejected tool calls:
// the offending call, the authoritative schema, and remediation hints. The
// retry engine injects it before the next attempt.
func RetryGuidance(invalid []llm.InvalidToolCall, tools []llm.Tool) string {
	byName := make(map[string]llm.Tool, len(tools))
	for _, t := range tools {
		byName[t.Name] = t
	}

	var b strings.Builder
	b.WriteString("Your previous response contained tool calls that failed validation. Correct them and call the tools again.\n")
	for _, inv := range invalid {
		fmt.Fprintf(&b, "\nTool call %q", inv.Call.Name)
		if inv.Call.ID != "" {
			fmt.Fprintf(&b, " (id %s)", inv.Call.ID)
		}
		fmt.Fprintf(&b, " was rejected: %s\n", inv.Reason)
		if args := strings.TrimSpace(inv.Call.Arguments); args != "" {
			fmt.Fprintf(&b, "Arguments sent: %s\n", args)
		}
		if tool, ok := byName[inv.Call.Name]; ok && len(tool.Schema) > 0 {
			fmt.Fprintf(&b, "Schema for %q: %s\n", tool.Name, string(tool.Schema))
		}
	}
	b.WriteString("\nRemember: use only declared tool names, include every required field, match declared types exactly, and pick enum values verbatim from the schema.")
	return b.String()
}
