package engine

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/chamsddine/relay/internal/llm"
)

// scriptAdapter replays a fixed sequence of outcomes and records every
// request it saw. The last step repeats once the script runs out.
type scriptAdapter struct {
	name   string
	maxOut int

	mu    sync.Mutex
	steps []scriptStep
	calls []llm.Request
}

type scriptStep struct {
	result *llm.Result
	err    error
}

func (a *scriptAdapter) Name() string {
	if a.name == "" {
		return "scripted"
	}
	return a.name
}

func (a *scriptAdapter) Call(ctx context.Context, req llm.Request) (*llm.Result, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls = append(a.calls, req)
	i := len(a.calls) - 1
	if i >= len(a.steps) {
		i = len(a.steps) - 1
	}
	step := a.steps[i]
	if step.err != nil {
		return nil, step.err
	}
	result := *step.result
	return &result, nil
}

func (a *scriptAdapter) CallStream(ctx context.Context, req llm.Request, onChunk llm.ChunkFunc) (*llm.Result, error) {
	result, err := a.Call(ctx, req)
	if err != nil {
		return nil, err
	}
	if onChunk != nil && result.Message.Content != "" {
		onChunk(llm.Chunk{Kind: llm.ChunkContent, Text: result.Message.Content})
	}
	return result, nil
}

func (a *scriptAdapter) FormatToolResults(results []llm.ToolResult) []llm.Message {
	msgs := make([]llm.Message, 0, len(results))
	for _, r := range results {
		msgs = append(msgs, llm.Message{
			Role:       llm.RoleTool,
			ToolCallID: r.ToolCallID,
			Name:       r.Name,
			Content:    r.Content,
		})
	}
	return msgs
}

func (a *scriptAdapter) MaxOutputTokens(string) int {
	if a.maxOut > 0 {
		return a.maxOut
	}
	return 4096
}

func (a *scriptAdapter) SupportsTools() bool { return true }

func (a *scriptAdapter) requests() []llm.Request {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]llm.Request(nil), a.calls...)
}

// testEngine builds a retry engine with instant, recorded sleeps and no
// jitter so delays are exact.
func testEngine(adapter llm.Adapter) (*RetryEngine, *[]time.Duration) {
	e := NewRetryEngine(adapter, testContextManager(), nil, zerolog.Nop())
	var slept []time.Duration
	e.sleep = func(ctx context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}
	e.jitter = func() float64 { return 0 }
	return e, &slept
}

func textResult(text string) *llm.Result {
	return &llm.Result{
		Message:      llm.Message{Role: llm.RoleAssistant, Content: text},
		FinishReason: "stop",
		Usage:        llm.Usage{Prompt: 10, Completion: 5, Total: 15},
	}
}

func TestRetrySuccessPassthrough(t *testing.T) {
	adapter := &scriptAdapter{steps: []scriptStep{{result: textResult("hello")}}}
	e, slept := testEngine(adapter)

	result := e.Do(context.Background(), llm.Request{
		Model:    "gpt-4o",
		Messages: []llm.Message{{Role: llm.RoleUser, Content: "hi"}},
	}, nil)

	if result.Recovered {
		t.Error("clean call marked recovered")
	}
	if result.Message.Content != "hello" {
		t.Errorf("content = %q", result.Message.Content)
	}
	if len(*slept) != 0 {
		t.Errorf("unexpected sleeps: %v", *slept)
	}
}

func TestRetryBackoffScheduleAndExhaustion(t *testing.T) {
	serverErr := &llm.ProviderError{Provider: "openai", StatusCode: 500, Body: `{"error":{"message":"internal server error"}}`}
	adapter := &scriptAdapter{name: "openai", steps: []scriptStep{{err: serverErr}}}
	e, slept := testEngine(adapter)

	result := e.Do(context.Background(), llm.Request{
		Model:    "gpt-4o",
		Messages: []llm.Message{{Role: llm.RoleUser, Content: "hi"}},
	}, nil)

	if !result.Recovered {
		t.Fatal("exhausted call not marked recovered")
	}
	if result.Message.Role != llm.RoleAssistant || result.Message.Content == "" {
		t.Errorf("no synthesized assistant message: %+v", result.Message)
	}
	if !strings.Contains(result.RecoveredError, "internal server error") {
		t.Errorf("RecoveredError = %q", result.RecoveredError)
	}
	// 3 retries: 1s, 2s, 4s with zero jitter; 4 calls total.
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}
	if len(*slept) != len(want) {
		t.Fatalf("sleeps = %v, want %v", *slept, want)
	}
	for i, d := range want {
		if (*slept)[i] != d {
			t.Errorf("sleep[%d] = %v, want %v", i, (*slept)[i], d)
		}
	}
	if got := len(adapter.requests()); got != 4 {
		t.Errorf("calls = %d, want 4", got)
	}
}

func TestRetryCerebrasRateLimitSchedule(t *testing.T) {
	rateErr := &llm.ProviderError{Provider: "cerebras", StatusCode: 429, Body: "too many requests"}
	adapter := &scriptAdapter{name: "cerebras", steps: []scriptStep{
		{err: rateErr}, {err: rateErr}, {err: rateErr}, {err: rateErr},
		{result: textResult("finally")},
	}}
	e, slept := testEngine(adapter)

	result := e.Do(context.Background(), llm.Request{
		Model:    "llama-3.3-70b",
		Messages: []llm.Message{{Role: llm.RoleUser, Content: "hi"}},
	}, nil)

	if result.Recovered {
		t.Fatalf("success after retries marked recovered: %q", result.RecoveredError)
	}
	if result.Message.Content != "finally" {
		t.Errorf("content = %q", result.Message.Content)
	}
	want := []time.Duration{30 * time.Second, 60 * time.Second, 120 * time.Second, 240 * time.Second}
	if len(*slept) != len(want) {
		t.Fatalf("sleeps = %v, want %v", *slept, want)
	}
	for i, d := range want {
		if (*slept)[i] != d {
			t.Errorf("sleep[%d] = %v, want %v", i, (*slept)[i], d)
		}
	}
	if got := len(adapter.requests()); got != 5 {
		t.Errorf("calls = %d, want 5", got)
	}
}

func TestRetryRateLimitCapsAtFiveMinutes(t *testing.T) {
	rateErr := &llm.ProviderError{Provider: "cerebras", StatusCode: 429, Body: "too many requests"}
	adapter := &scriptAdapter{name: "cerebras", steps: []scriptStep{{err: rateErr}}}
	e, slept := testEngine(adapter)

	e.Do(context.Background(), llm.Request{Model: "llama-3.3-70b"}, nil)

	// Schedule would be 30,60,120,240,480s; the last is capped at 300s.
	if len(*slept) != 5 {
		t.Fatalf("sleeps = %v", *slept)
	}
	if (*slept)[4] != 5*time.Minute {
		t.Errorf("capped sleep = %v, want 5m", (*slept)[4])
	}
}

func TestRetryHonorsRetryAfterWhenLonger(t *testing.T) {
	rateErr := &llm.ProviderError{Provider: "openai", StatusCode: 429, Body: "slow down", RetryAfter: "90"}
	adapter := &scriptAdapter{name: "openai", steps: []scriptStep{
		{err: rateErr},
		{result: textResult("ok")},
	}}
	e, slept := testEngine(adapter)

	result := e.Do(context.Background(), llm.Request{Model: "gpt-4o"}, nil)

	if result.Recovered {
		t.Fatal("recovered on a retryable path")
	}
	if len(*slept) != 1 || (*slept)[0] != 90*time.Second {
		t.Errorf("sleeps = %v, want [90s]", *slept)
	}
}

func TestRetryFatalStopsImmediately(t *testing.T) {
	fatalErr := &llm.ProviderError{Provider: "openai", StatusCode: 404, Body: `{"error":{"message":"model not found"}}`}
	adapter := &scriptAdapter{name: "openai", steps: []scriptStep{{err: fatalErr}}}
	e, slept := testEngine(adapter)

	result := e.Do(context.Background(), llm.Request{Model: "gpt-nope"}, nil)

	if !result.Recovered {
		t.Fatal("fatal error not recovered")
	}
	if len(*slept) != 0 {
		t.Errorf("fatal path slept: %v", *slept)
	}
	if got := len(adapter.requests()); got != 1 {
		t.Errorf("calls = %d, want 1", got)
	}
}

func TestRetryAuthStopsWithStableMessage(t *testing.T) {
	authErr := &llm.ProviderError{Provider: "openai", StatusCode: 401, Body: `{"error":{"message":"Incorrect API key provided: sk-secret"}}`}
	adapter := &scriptAdapter{name: "openai", steps: []scriptStep{{err: authErr}}}
	e, _ := testEngine(adapter)

	result := e.Do(context.Background(), llm.Request{Model: "gpt-4o"}, nil)

	if !result.Recovered {
		t.Fatal("auth error not recovered")
	}
	if strings.Contains(result.Message.Content, "sk-secret") {
		t.Errorf("recovery message leaks the key: %q", result.Message.Content)
	}
}

func TestRetryTokenLimitReducesWithoutBurningAttempt(t *testing.T) {
	tokenErr := &llm.ProviderError{Provider: "openai", StatusCode: 400, Body: `{"error":{"message":"maximum context length exceeded, please reduce the length"}}`}
	adapter := &scriptAdapter{name: "openai", maxOut: 1024, steps: []scriptStep{
		{err: tokenErr},
		{result: textResult("fits now")},
	}}
	e, slept := testEngine(adapter)

	messages := []llm.Message{
		{Role: llm.RoleSystem, Content: "You are helpful."},
		{Role: llm.RoleUser, Content: "first"},
		{Role: llm.RoleAssistant, Content: bulk(8000)},
		{Role: llm.RoleUser, Content: "latest"},
	}
	result := e.Do(context.Background(), llm.Request{Model: "llama-3.1-8b", Messages: messages}, nil)

	if result.Recovered {
		t.Fatalf("token-limit reduction path recovered: %q", result.RecoveredError)
	}
	if result.Message.Content != "fits now" {
		t.Errorf("content = %q", result.Message.Content)
	}
	if len(*slept) != 0 {
		t.Errorf("reduction retry slept: %v", *slept)
	}
	reqs := adapter.requests()
	if len(reqs) != 2 {
		t.Fatalf("calls = %d, want 2", len(reqs))
	}
	if len(reqs[1].Messages) >= len(reqs[0].Messages) {
		t.Errorf("second call not reduced: %d >= %d", len(reqs[1].Messages), len(reqs[0].Messages))
	}
}

func TestRetryTokenLimitUnreducibleRecovers(t *testing.T) {
	tokenErr := &llm.ProviderError{Provider: "openai", StatusCode: 400, Body: `{"error":{"message":"context length too long"}}`}
	adapter := &scriptAdapter{name: "openai", maxOut: 1024, steps: []scriptStep{{err: tokenErr}}}
	e, _ := testEngine(adapter)

	// System + single user turn: nothing is evictable.
	messages := []llm.Message{
		{Role: llm.RoleSystem, Content: bulk(4000)},
		{Role: llm.RoleUser, Content: bulk(8000)},
	}
	result := e.Do(context.Background(), llm.Request{Model: "llama-3.1-8b", Messages: messages}, nil)

	if !result.Recovered {
		t.Fatal("unreducible token limit must recover")
	}
	if got := len(adapter.requests()); got != 1 {
		t.Errorf("calls = %d, want 1", got)
	}
}

func TestRetryAllInvalidToolCallsInjectsGuidance(t *testing.T) {
	badCall := &llm.Result{
		Message: llm.Message{
			Role:      llm.RoleAssistant,
			ToolCalls: []llm.ToolCall{{ID: "c1", Name: "search", Arguments: `{"query":42}`}},
		},
		ToolCalls:    []llm.ToolCall{{ID: "c1", Name: "search", Arguments: `{"query":42}`}},
		FinishReason: "tool_calls",
	}
	goodCall := &llm.Result{
		Message: llm.Message{
			Role:      llm.RoleAssistant,
			ToolCalls: []llm.ToolCall{{ID: "c2", Name: "search", Arguments: `{"query":"go"}`}},
		},
		ToolCalls:    []llm.ToolCall{{ID: "c2", Name: "search", Arguments: `{"query":"go"}`}},
		FinishReason: "tool_calls",
	}
	adapter := &scriptAdapter{name: "openai", steps: []scriptStep{
		{result: badCall},
		{result: goodCall},
	}}
	e, slept := testEngine(adapter)

	result := e.Do(context.Background(), llm.Request{
		Model:    "gpt-4o",
		Messages: []llm.Message{{Role: llm.RoleUser, Content: "search go"}},
		Tools:    validatorTools,
	}, nil)

	if result.Recovered {
		t.Fatal("guidance retry recovered")
	}
	if len(result.ToolCalls) != 1 || result.ToolCalls[0].ID != "c2" {
		t.Fatalf("tool calls = %+v", result.ToolCalls)
	}
	if len(*slept) != 1 {
		t.Errorf("sleeps = %v, want one backoff", *slept)
	}

	reqs := adapter.requests()
	if len(reqs) != 2 {
		t.Fatalf("calls = %d, want 2", len(reqs))
	}
	last := reqs[1].Messages[len(reqs[1].Messages)-1]
	if last.Role != llm.RoleSystem || !strings.Contains(last.Content, "failed validation") {
		t.Errorf("guidance message missing, got %+v", last)
	}
}

func TestRetryPartialValidReturnsSidecar(t *testing.T) {
	mixed := &llm.Result{
		Message: llm.Message{
			Role: llm.RoleAssistant,
			ToolCalls: []llm.ToolCall{
				{ID: "c1", Name: "search", Arguments: `{"query":"go"}`},
				{ID: "c2", Name: "search", Arguments: `{"query":42}`},
			},
		},
		ToolCalls: []llm.ToolCall{
			{ID: "c1", Name: "search", Arguments: `{"query":"go"}`},
			{ID: "c2", Name: "search", Arguments: `{"query":42}`},
		},
		FinishReason: "tool_calls",
	}
	adapter := &scriptAdapter{name: "openai", steps: []scriptStep{{result: mixed}}}
	e, slept := testEngine(adapter)

	result := e.Do(context.Background(), llm.Request{
		Model:    "gpt-4o",
		Messages: []llm.Message{{Role: llm.RoleUser, Content: "search"}},
		Tools:    validatorTools,
	}, nil)

	if len(adapter.requests()) != 1 || len(*slept) != 0 {
		t.Error("partial-valid result should not retry")
	}
	if len(result.ToolCalls) != 1 || result.ToolCalls[0].ID != "c1" {
		t.Errorf("valid calls = %+v", result.ToolCalls)
	}
	if len(result.InvalidToolCalls) != 1 || result.InvalidToolCalls[0].Call.ID != "c2" {
		t.Errorf("sidecar = %+v", result.InvalidToolCalls)
	}
	if len(result.Message.ToolCalls) != 1 {
		t.Errorf("assistant message still carries invalid calls: %+v", result.Message.ToolCalls)
	}
}

func TestRetryCancelledDuringSleep(t *testing.T) {
	rateErr := &llm.ProviderError{Provider: "openai", StatusCode: 429, Body: "slow down"}
	adapter := &scriptAdapter{name: "openai", steps: []scriptStep{{err: rateErr}}}
	e, _ := testEngine(adapter)
	e.sleep = func(ctx context.Context, d time.Duration) error {
		return context.Canceled
	}

	result := e.Do(context.Background(), llm.Request{Model: "gpt-4o"}, nil)

	if !result.Recovered || result.RecoveredError != "cancelled" {
		t.Errorf("result = %+v", result)
	}
}

func TestRetryDoesNotMutateCallerMessages(t *testing.T) {
	badCall := &llm.Result{
		Message: llm.Message{
			Role:      llm.RoleAssistant,
			ToolCalls: []llm.ToolCall{{ID: "c1", Name: "missing", Arguments: `{}`}},
		},
		ToolCalls:    []llm.ToolCall{{ID: "c1", Name: "missing", Arguments: `{}`}},
		FinishReason: "tool_calls",
	}
	adapter := &scriptAdapter{name: "openai", steps: []scriptStep{
		{result: badCall},
		{result: textResult("done")},
	}}
	e, _ := testEngine(adapter)

	callerMessages := []llm.Message{{Role: llm.RoleUser, Content: "hi"}}
	e.Do(context.Background(), llm.Request{
		Model:    "gpt-4o",
		Messages: callerMessages,
		Tools:    validatorTools,
	}, nil)

	if len(callerMessages) != 1 {
		t.Errorf("caller slice changed: %d messages", len(callerMessages))
	}
}
