package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/chamsddine/relay/internal/llm"
)

// ToolFunc executes one tool call. The raw arguments have already passed
// schema validation; implementations unmarshal into their own types.
type ToolFunc func(ctx context.Context, args json.RawMessage) (string, error)

const defaultToolTimeout = 60 * time.Second

type registeredTool struct {
	def     llm.Tool
	fn      ToolFunc
	timeout time.Duration
}

// ToolRegistry holds the tools offered to the model and executes calls
// against them. Registration order is preserved so the schema payload is
// stable across turns.
type ToolRegistry struct {
	log zerolog.Logger

	mu    sync.RWMutex
	tools map[string]registeredTool
	order []string
}

func NewToolRegistry(log zerolog.Logger) *ToolRegistry {
	return &ToolRegistry{
		log:   log.With().Str("component", "tools").Logger(),
		tools: make(map[string]registeredTool),
	}
}

// Register adds a tool with the default execution timeout.
func (r *ToolRegistry) Register(def llm.Tool, fn ToolFunc) error {
	return r.RegisterWithTimeout(def, fn, defaultToolTimeout)
}

// RegisterWithTimeout adds a tool with a per-call execution budget.
func (r *ToolRegistry) RegisterWithTimeout(def llm.Tool, fn ToolFunc, timeout time.Duration) error {
	if err := CheckTool(def); err != nil {
		return err
	}
	if fn == nil {
		return fmt.Errorf("tool %s: nil executor", def.Name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[def.Name]; exists {
		return fmt.Errorf("tool %s: already registered", def.Name)
	}
	r.tools[def.Name] = registeredTool{def: def, fn: fn, timeout: timeout}
	r.order = append(r.order, def.Name)
	return nil
}

// Definitions returns the registered tools in registration order.
func (r *ToolRegistry) Definitions() []llm.Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]llm.Tool, 0, len(r.order))
	for _, name := range r.order {
		defs = append(defs, r.tools[name].def)
	}
	return defs
}

func (r *ToolRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}

// Execute runs every call in its own goroutine and reassembles outcomes in
// call order. Failures never abort the turn: errors, timeouts, and panics
// all become ERROR-prefixed tool results for the model to react to.
func (r *ToolRegistry) Execute(ctx context.Context, calls []llm.ToolCall, hooks Hook) []llm.ToolResult {
	if hooks == nil {
		hooks = NopHook{}
	}
	results := make([]llm.ToolResult, len(calls))
	var wg sync.WaitGroup
	for i, call := range calls {
		wg.Add(1)
		go func(i int, call llm.ToolCall) {
			defer wg.Done()
			results[i] = r.executeOne(ctx, call, hooks)
		}(i, call)
	}
	wg.Wait()
	return results
}

func (r *ToolRegistry) executeOne(ctx context.Context, call llm.ToolCall, hooks Hook) llm.ToolResult {
	hooks.OnToolStart(ctx, call)
	start := time.Now()
	output, err := r.run(ctx, call)
	hooks.OnToolEnd(ctx, call, output, err, time.Since(start))

	result := llm.ToolResult{ToolCallID: call.ID, Name: call.Name}
	if err != nil {
		r.log.Warn().Str("tool", call.Name).Err(err).Msg("tool execution failed")
		result.Content = "ERROR: " + err.Error()
		result.IsError = true
		return result
	}
	result.Content = output
	return result
}

func (r *ToolRegistry) run(ctx context.Context, call llm.ToolCall) (output string, err error) {
	r.mu.RLock()
	t, ok := r.tools[call.Name]
	r.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("unknown tool %q", call.Name)
	}

	timeout := t.timeout
	if timeout <= 0 {
		timeout = defaultToolTimeout
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("tool %s panicked: %v", call.Name, p)
		}
	}()

	args := call.Arguments
	if strings.TrimSpace(args) == "" {
		args = "{}"
	}
	return t.fn(cctx, json.RawMessage(args))
}
