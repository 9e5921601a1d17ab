package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/rs/zerolog"

	"github.com/chamsddine/relay/internal/llm"
)

type fakeResolver struct {
	adapter llm.Adapter
	err     error
}

func (f *fakeResolver) Adapter(provider, model string) (llm.Adapter, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.adapter, nil
}

func testOrchestrator(adapter llm.Adapter, registry *ToolRegistry) *Orchestrator {
	return NewOrchestrator(&fakeResolver{adapter: adapter}, registry, testContextManager(), nil, zerolog.Nop())
}

func toolCallResult(id, name, args string) *llm.Result {
	call := llm.ToolCall{ID: id, Name: name, Arguments: args}
	return &llm.Result{
		Message:      llm.Message{Role: llm.RoleAssistant, ToolCalls: []llm.ToolCall{call}},
		ToolCalls:    []llm.ToolCall{call},
		FinishReason: "tool_calls",
		Usage:        llm.Usage{Prompt: 20, Completion: 10, Total: 30},
	}
}

func TestRunTurnPlainAnswer(t *testing.T) {
	adapter := &scriptAdapter{steps: []scriptStep{{result: textResult("just text")}}}
	o := testOrchestrator(adapter, NewToolRegistry(zerolog.Nop()))

	result, err := o.RunTurn(context.Background(), TurnRequest{
		Provider: "openai",
		Model:    "gpt-4o",
		Messages: []llm.Message{{Role: llm.RoleUser, Content: "hi"}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if result.Message.Content != "just text" {
		t.Errorf("content = %q", result.Message.Content)
	}
	if result.ToolTurns != 0 || result.Recovered {
		t.Errorf("result = %+v", result)
	}
	if len(result.Messages) != 2 {
		t.Errorf("transcript length = %d, want 2", len(result.Messages))
	}
	if result.Usage.Total != 15 {
		t.Errorf("usage = %+v", result.Usage)
	}
}

func TestRunTurnToolLoop(t *testing.T) {
	registry := NewToolRegistry(zerolog.Nop())
	addTool := llm.Tool{
		Name:        "add",
		Description: "Add two integers.",
		Schema:      json.RawMessage(`{"type":"object","properties":{"a":{"type":"integer"},"b":{"type":"integer"}},"required":["a","b"]}`),
	}
	err := registry.Register(addTool, func(ctx context.Context, args json.RawMessage) (string, error) {
		var in struct{ A, B int }
		if err := json.Unmarshal(args, &in); err != nil {
			return "", err
		}
		return fmt.Sprintf("%d", in.A+in.B), nil
	})
	if err != nil {
		t.Fatal(err)
	}

	adapter := &scriptAdapter{steps: []scriptStep{
		{result: toolCallResult("call_add", "add", `{"a":2,"b":2}`)},
		{result: textResult("2 + 2 = 4")},
	}}
	o := testOrchestrator(adapter, registry)

	result, err := o.RunTurn(context.Background(), TurnRequest{
		Provider: "openai",
		Model:    "gpt-4o",
		Messages: []llm.Message{{Role: llm.RoleUser, Content: "what is 2+2? use the add tool"}},
	})
	if err != nil {
		t.Fatal(err)
	}

	if !strings.Contains(result.Message.Content, "4") {
		t.Errorf("final answer = %q", result.Message.Content)
	}
	if result.ToolTurns != 1 {
		t.Errorf("tool turns = %d, want 1", result.ToolTurns)
	}
	// user, assistant tool-call, tool result, final assistant.
	if len(result.Messages) != 4 {
		t.Fatalf("transcript = %d messages", len(result.Messages))
	}
	toolMsg := result.Messages[2]
	if toolMsg.Role != llm.RoleTool || toolMsg.Content != "4" || toolMsg.ToolCallID != "call_add" {
		t.Errorf("tool message = %+v", toolMsg)
	}
	if result.Usage.Total != 45 {
		t.Errorf("usage not accumulated: %+v", result.Usage)
	}

	reqs := adapter.requests()
	if len(reqs) != 2 {
		t.Fatalf("adapter calls = %d", len(reqs))
	}
	if len(reqs[1].Messages) != 3 {
		t.Errorf("second call saw %d messages", len(reqs[1].Messages))
	}
	last := reqs[1].Messages[len(reqs[1].Messages)-1]
	if last.Role != llm.RoleTool || last.Content != "4" {
		t.Errorf("second call tail = %+v", last)
	}
}

func TestRunTurnCapsToolTurns(t *testing.T) {
	registry := NewToolRegistry(zerolog.Nop())
	var executions atomic.Int32
	registry.Register(testTool("loop"), func(ctx context.Context, _ json.RawMessage) (string, error) {
		executions.Add(1)
		return "again", nil
	})

	// The script's last step repeats, so the model keeps asking for the
	// tool until the loop withholds tool definitions.
	adapter := &scriptAdapter{steps: []scriptStep{
		{result: toolCallResult("c1", "loop", `{}`)},
	}}
	o := testOrchestrator(adapter, registry)
	o.maxToolTurns = 2

	result, err := o.RunTurn(context.Background(), TurnRequest{
		Provider: "openai",
		Model:    "gpt-4o",
		Messages: []llm.Message{{Role: llm.RoleUser, Content: "go"}},
	})
	if err != nil {
		t.Fatal(err)
	}

	if result.ToolTurns != 2 {
		t.Errorf("tool turns = %d, want 2", result.ToolTurns)
	}
	if got := executions.Load(); got != 2 {
		t.Errorf("tool executions = %d, want 2", got)
	}
	reqs := adapter.requests()
	if len(reqs) != 3 {
		t.Fatalf("adapter calls = %d, want 3", len(reqs))
	}
	if len(reqs[0].Tools) == 0 || len(reqs[1].Tools) == 0 {
		t.Error("tool definitions missing from looping calls")
	}
	if len(reqs[2].Tools) != 0 {
		t.Error("final call still offered tools")
	}
}

func TestRunTurnResolverError(t *testing.T) {
	o := NewOrchestrator(&fakeResolver{err: errors.New("openai is not configured: missing API key")}, nil, testContextManager(), nil, zerolog.Nop())

	_, err := o.RunTurn(context.Background(), TurnRequest{Provider: "openai", Model: "gpt-4o"})
	if err == nil || !strings.Contains(err.Error(), "not configured") {
		t.Errorf("err = %v", err)
	}
}

func TestRunTurnRecoveredResultIsNotAnError(t *testing.T) {
	fatalErr := &llm.ProviderError{Provider: "openai", StatusCode: 404, Body: "no such model"}
	adapter := &scriptAdapter{name: "openai", steps: []scriptStep{{err: fatalErr}}}
	o := testOrchestrator(adapter, NewToolRegistry(zerolog.Nop()))

	result, err := o.RunTurn(context.Background(), TurnRequest{
		Provider: "openai",
		Model:    "gpt-nope",
		Messages: []llm.Message{{Role: llm.RoleUser, Content: "hi"}},
	})
	if err != nil {
		t.Fatalf("recovered turn returned error: %v", err)
	}
	if !result.Recovered || result.RecoveredError == "" {
		t.Errorf("result = %+v", result)
	}
	if !strings.Contains(result.Message.Content, "couldn't get a response") {
		t.Errorf("message = %q", result.Message.Content)
	}
}

func TestRunTurnPreCancelledContext(t *testing.T) {
	adapter := &scriptAdapter{steps: []scriptStep{{result: textResult("never")}}}
	o := testOrchestrator(adapter, NewToolRegistry(zerolog.Nop()))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result, err := o.RunTurn(ctx, TurnRequest{
		Provider: "openai",
		Model:    "gpt-4o",
		Messages: []llm.Message{{Role: llm.RoleUser, Content: "hi"}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if !result.Recovered || result.RecoveredError != "cancelled" {
		t.Errorf("result = %+v", result)
	}
	if result.Message.Content != "The request was cancelled by the user." {
		t.Errorf("message = %q", result.Message.Content)
	}
	if len(adapter.requests()) != 0 {
		t.Error("adapter called after cancellation")
	}
}

func TestRunTurnImagesOnlyOnFirstCall(t *testing.T) {
	registry := NewToolRegistry(zerolog.Nop())
	registry.Register(testTool("look"), func(ctx context.Context, _ json.RawMessage) (string, error) {
		return "a cat", nil
	})

	adapter := &scriptAdapter{steps: []scriptStep{
		{result: toolCallResult("c1", "look", `{}`)},
		{result: textResult("it is a cat")},
	}}
	o := testOrchestrator(adapter, registry)

	_, err := o.RunTurn(context.Background(), TurnRequest{
		Provider: "openai",
		Model:    "gpt-4o",
		Messages: []llm.Message{{Role: llm.RoleUser, Content: "what is this?"}},
		Images:   []llm.ImageData{{MimeType: "image/png", Data: "aGk="}},
	})
	if err != nil {
		t.Fatal(err)
	}

	reqs := adapter.requests()
	if len(reqs) != 2 {
		t.Fatalf("adapter calls = %d", len(reqs))
	}
	if len(reqs[0].Images) != 1 {
		t.Errorf("first call images = %d, want 1", len(reqs[0].Images))
	}
	if len(reqs[1].Images) != 0 {
		t.Errorf("follow-up call images = %d, want 0", len(reqs[1].Images))
	}
}
