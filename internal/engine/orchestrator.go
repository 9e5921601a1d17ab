package engine

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/chamsddine/relay/internal/llm"
)

const defaultMaxToolTurns = 8

// AdapterResolver yields the adapter serving a (provider, model) pair.
// *llm.Factory satisfies it.
type AdapterResolver interface {
	Adapter(provider, model string) (llm.Adapter, error)
}

// Orchestrator drives the conversation turn loop: call the model, execute
// any tool calls, feed results back, repeat until the model answers in
// plain text or the tool-turn cap is hit.
type Orchestrator struct {
	resolver AdapterResolver
	registry *ToolRegistry
	contexts *ContextManager
	hooks    Hook
	log      zerolog.Logger

	maxToolTurns int
}

func NewOrchestrator(resolver AdapterResolver, registry *ToolRegistry, contexts *ContextManager, hooks Hook, log zerolog.Logger) *Orchestrator {
	if hooks == nil {
		hooks = NopHook{}
	}
	return &Orchestrator{
		resolver:     resolver,
		registry:     registry,
		contexts:     contexts,
		hooks:        hooks,
		log:          log.With().Str("component", "orchestrator").Logger(),
		maxToolTurns: defaultMaxToolTurns,
	}
}

// TurnRequest is one user turn to run to completion.
type TurnRequest struct {
	Provider string
	Model    string
	Messages []llm.Message
	// Images attach to the first model call only; follow-up calls after
	// tool execution must not re-inject them.
	Images      []llm.ImageData
	Temperature *float32
	// OnChunk receives streaming deltas when set; nil selects the
	// non-streaming path.
	OnChunk llm.ChunkFunc
}

// TurnResult is the completed turn: the final assistant message plus the
// full message vector including intermediate tool exchanges, for callers
// that persist transcripts.
type TurnResult struct {
	Message        llm.Message
	Messages       []llm.Message
	Usage          llm.Usage
	ToolTurns      int
	Recovered      bool
	RecoveredError string
}

// RunTurn executes the loop. The only error it returns is adapter
// resolution (unknown provider, missing key); once a conversation is
// running, provider failures surface as recovered assistant messages, never
// as errors.
func (o *Orchestrator) RunTurn(ctx context.Context, req TurnRequest) (*TurnResult, error) {
	adapter, err := o.resolver.Adapter(req.Provider, req.Model)
	if err != nil {
		return nil, err
	}
	engine := NewRetryEngine(adapter, o.contexts, o.hooks, o.log)

	messages := append([]llm.Message(nil), req.Messages...)
	var usage llm.Usage
	toolTurns := 0
	images := req.Images

	for {
		if ctx.Err() != nil {
			return o.cancelled(ctx, messages, usage, toolTurns), nil
		}

		var tools []llm.Tool
		if adapter.SupportsTools() && toolTurns < o.maxToolTurns && o.registry != nil {
			tools = o.registry.Definitions()
		}

		result := engine.Do(ctx, llm.Request{
			Model:       req.Model,
			Messages:    messages,
			Tools:       tools,
			Images:      images,
			Temperature: req.Temperature,
		}, req.OnChunk)
		images = nil
		usage.Add(result.Usage)
		messages = append(messages, result.Message)

		if result.Recovered {
			o.hooks.OnTurnEnd(ctx, result, toolTurns)
			return &TurnResult{
				Message:        result.Message,
				Messages:       messages,
				Usage:          usage,
				ToolTurns:      toolTurns,
				Recovered:      true,
				RecoveredError: result.RecoveredError,
			}, nil
		}

		if len(result.ToolCalls) == 0 || len(tools) == 0 {
			o.hooks.OnTurnEnd(ctx, result, toolTurns)
			return &TurnResult{
				Message:   result.Message,
				Messages:  messages,
				Usage:     usage,
				ToolTurns: toolTurns,
			}, nil
		}

		outcomes := o.registry.Execute(ctx, result.ToolCalls, o.hooks)
		messages = append(messages, adapter.FormatToolResults(outcomes)...)
		toolTurns++
	}
}

func (o *Orchestrator) cancelled(ctx context.Context, messages []llm.Message, usage llm.Usage, toolTurns int) *TurnResult {
	msg := llm.Message{
		Role:    llm.RoleAssistant,
		Content: "The request was cancelled by the user.",
	}
	result := &llm.Result{Message: msg, Recovered: true, RecoveredError: "cancelled", FinishReason: "cancelled"}
	o.hooks.OnTurnEnd(ctx, result, toolTurns)
	return &TurnResult{
		Message:        msg,
		Messages:       append(messages, msg),
		Usage:          usage,
		ToolTurns:      toolTurns,
		Recovered:      true,
		RecoveredError: "cancelled",
	}
}
