package engine

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/chamsddine/relay/internal/llm"
)

// Hook observes turn execution. Implementations must be safe for concurrent
// use across conversations; within one conversation callbacks arrive in order.
type Hook interface {
	OnCallStart(ctx context.Context, provider, model string, messages int)
	OnCallEnd(ctx context.Context, provider, model string, usage llm.Usage, finish string, elapsed time.Duration, err error)
	OnChunk(ctx context.Context, provider string, chunk llm.Chunk)
	OnToolStart(ctx context.Context, call llm.ToolCall)
	OnToolEnd(ctx context.Context, call llm.ToolCall, output string, err error, elapsed time.Duration)
	OnRetry(ctx context.Context, provider string, class ErrorClass, attempt int, delay time.Duration, err error)
	OnRecovered(ctx context.Context, provider string, class ErrorClass, err error)
	OnTurnEnd(ctx context.Context, result *llm.Result, toolTurns int)
}

// NopHook is the embeddable no-op base; override what you need.
type NopHook struct{}

func (NopHook) OnCallStart(context.Context, string, string, int) {}
func (NopHook) OnCallEnd(context.Context, string, string, llm.Usage, string, time.Duration, error) {
}
func (NopHook) OnChunk(context.Context, string, llm.Chunk)                                  {}
func (NopHook) OnToolStart(context.Context, llm.ToolCall)                                   {}
func (NopHook) OnToolEnd(context.Context, llm.ToolCall, string, error, time.Duration)       {}
func (NopHook) OnRetry(context.Context, string, ErrorClass, int, time.Duration, error)      {}
func (NopHook) OnRecovered(context.Context, string, ErrorClass, error)                      {}
func (NopHook) OnTurnEnd(context.Context, *llm.Result, int)                                 {}

// Hooks fans out to every registered hook in order.
type Hooks []Hook

func (hs Hooks) OnCallStart(ctx context.Context, provider, model string, messages int) {
	for _, h := range hs {
		h.OnCallStart(ctx, provider, model, messages)
	}
}

func (hs Hooks) OnCallEnd(ctx context.Context, provider, model string, usage llm.Usage, finish string, elapsed time.Duration, err error) {
	for _, h := range hs {
		h.OnCallEnd(ctx, provider, model, usage, finish, elapsed, err)
	}
}

func (hs Hooks) OnChunk(ctx context.Context, provider string, chunk llm.Chunk) {
	for _, h := range hs {
		h.OnChunk(ctx, provider, chunk)
	}
}

func (hs Hooks) OnToolStart(ctx context.Context, call llm.ToolCall) {
	for _, h := range hs {
		h.OnToolStart(ctx, call)
	}
}

func (hs Hooks) OnToolEnd(ctx context.Context, call llm.ToolCall, output string, err error, elapsed time.Duration) {
	for _, h := range hs {
		h.OnToolEnd(ctx, call, output, err, elapsed)
	}
}

func (hs Hooks) OnRetry(ctx context.Context, provider string, class ErrorClass, attempt int, delay time.Duration, err error) {
	for _, h := range hs {
		h.OnRetry(ctx, provider, class, attempt, delay, err)
	}
}

func (hs Hooks) OnRecovered(ctx context.Context, provider string, class ErrorClass, err error) {
	for _, h := range hs {
		h.OnRecovered(ctx, provider, class, err)
	}
}

func (hs Hooks) OnTurnEnd(ctx context.Context, result *llm.Result, toolTurns int) {
	for _, h := range hs {
		h.OnTurnEnd(ctx, result, toolTurns)
	}
}

// LogHook writes turn events through zerolog. Chunk deltas are skipped; they
// are too chatty for logs and flow to the consumer anyway.
type LogHook struct {
	NopHook
	Log zerolog.Logger
}

func (h LogHook) OnCallStart(_ context.Context, provider, model string, messages int) {
	h.Log.Debug().
		Str("provider", provider).
		Str("model", model).
		Int("messages", messages).
		Msg("model call start")
}

func (h LogHook) OnCallEnd(_ context.Context, provider, model string, usage llm.Usage, finish string, elapsed time.Duration, err error) {
	ev := h.Log.Debug()
	if err != nil {
		ev = h.Log.Warn().Err(err)
	}
	ev.Str("provider", provider).
		Str("model", model).
		Str("finish", finish).
		Int("prompt_tokens", usage.Prompt).
		Int("completion_tokens", usage.Completion).
		Dur("elapsed", elapsed).
		Msg("model call end")
}

func (h LogHook) OnToolStart(_ context.Context, call llm.ToolCall) {
	h.Log.Debug().
		Str("tool", call.Name).
		Str("call_id", call.ID).
		Msg("tool start")
}

func (h LogHook) OnToolEnd(_ context.Context, call llm.ToolCall, output string, err error, elapsed time.Duration) {
	ev := h.Log.Debug()
	if err != nil {
		ev = h.Log.Warn().Err(err)
	}
	if len(output) > 200 {
		output = output[:200] + "..."
	}
	ev.Str("tool", call.Name).
		Str("call_id", call.ID).
		Str("output", output).
		Dur("elapsed", elapsed).
		Msg("tool end")
}

func (h LogHook) OnRetry(_ context.Context, provider string, class ErrorClass, attempt int, delay time.Duration, err error) {
	h.Log.Warn().
		Str("provider", provider).
		Str("class", string(class)).
		Int("attempt", attempt).
		Dur("delay", delay).
		Err(err).
		Msg("retrying provider call")
}

func (h LogHook) OnRecovered(_ context.Context, provider string, class ErrorClass, err error) {
	h.Log.Error().
		Str("provider", provider).
		Str("class", string(class)).
		Err(err).
		Msg("provider call unrecoverable, synthesizing reply")
}

func (h LogHook) OnTurnEnd(_ context.Context, result *llm.Result, toolTurns int) {
	h.Log.Info().
		Int("tool_turns", toolTurns).
		Int("total_tokens", result.Usage.Total).
		Bool("recovered", result.Recovered).
		Msg("turn complete")
}
