package engine

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/rs/zerolog"

	"github.com/chamsddine/relay/internal/llm"
)

// BackoffPolicy is an exponential backoff schedule with a hard cap.
type BackoffPolicy struct {
	Base time.Duration
	Cap  time.Duration
}

var (
	defaultBackoff   = BackoffPolicy{Base: time.Second, Cap: 30 * time.Second}
	rateLimitBackoff = BackoffPolicy{Base: 30 * time.Second, Cap: 5 * time.Minute}
)

const (
	defaultMaxRetries  = 3
	cerebrasMaxRetries = 5

	// defaultCallTimeout bounds one non-streaming attempt; streaming
	// attempts get the same allowance to first output, then
	// streamIdleTimeout between chunks.
	defaultCallTimeout = 120 * time.Second
	streamIdleTimeout  = 30 * time.Second
)

// RetryEngine wraps one adapter with the per-call recovery state machine:
// exponential backoff with jitter, a token-reduction branch, guidance
// injection for invalid tool calls, and a synthesized assistant reply when
// everything is exhausted. Do never returns an error; the Recovered flag on
// the result distinguishes real completions from recoveries.
type RetryEngine struct {
	adapter  llm.Adapter
	contexts *ContextManager
	hooks    Hook
	log      zerolog.Logger

	maxRetries  int
	backoff     BackoffPolicy
	rateLimit   BackoffPolicy
	callTimeout time.Duration

	// sleep and jitter are injected by tests for determinism.
	sleep  func(ctx context.Context, d time.Duration) error
	jitter func() float64
}

func NewRetryEngine(adapter llm.Adapter, contexts *ContextManager, hooks Hook, log zerolog.Logger) *RetryEngine {
	if hooks == nil {
		hooks = NopHook{}
	}
	maxRetries := defaultMaxRetries
	if adapter.Name() == "cerebras" {
		maxRetries = cerebrasMaxRetries
	}
	return &RetryEngine{
		adapter:     adapter,
		contexts:    contexts,
		hooks:       hooks,
		log:         log.With().Str("component", "retry").Str("provider", adapter.Name()).Logger(),
		maxRetries:  maxRetries,
		backoff:     defaultBackoff,
		rateLimit:   rateLimitBackoff,
		callTimeout: defaultCallTimeout,
		sleep:       sleepContext,
		jitter:      rand.Float64,
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Do runs one adapter call to completion. Streaming is used when onChunk is
// non-nil. The input request is never mutated; retries work on a local copy
// of the message vector.
func (e *RetryEngine) Do(ctx context.Context, req llm.Request, onChunk llm.ChunkFunc) *llm.Result {
	provider := e.adapter.Name()
	messages := append([]llm.Message(nil), req.Messages...)
	attempt := 0

	for {
		attemptReq := req
		attemptReq.Messages = messages

		e.hooks.OnCallStart(ctx, provider, req.Model, len(messages))
		start := time.Now()
		result, err := e.callOnce(ctx, attemptReq, onChunk)
		var usage llm.Usage
		finish := ""
		if result != nil {
			usage, finish = result.Usage, result.FinishReason
		}
		e.hooks.OnCallEnd(ctx, provider, req.Model, usage, finish, time.Since(start), err)

		if err == nil {
			if len(result.ToolCalls) == 0 || len(attemptReq.Tools) == 0 {
				return result
			}
			valid, invalid := ValidateToolCalls(result.ToolCalls, attemptReq.Tools)
			if len(invalid) == 0 {
				return result
			}
			if len(valid) == 0 && attempt < e.maxRetries {
				// Nothing usable came back; feed the violations to the
				// model and try again.
				verr := fmt.Errorf("model produced %d invalid tool calls", len(invalid))
				messages = append(messages, llm.Message{
					Role:    llm.RoleSystem,
					Content: RetryGuidance(invalid, attemptReq.Tools),
				})
				delay := e.delay(ClassInvalidToolCall, attempt, 0)
				e.hooks.OnRetry(ctx, provider, ClassInvalidToolCall, attempt+1, delay, verr)
				if serr := e.sleep(ctx, delay); serr != nil {
					return e.recoverCancelled(ctx, provider)
				}
				attempt++
				continue
			}
			// Keep the valid subset; the rejects ride along as a sidecar so
			// upstream can report them.
			result.ToolCalls = valid
			result.InvalidToolCalls = invalid
			result.Message.ToolCalls = valid
			return result
		}

		if ctx.Err() != nil {
			return e.recoverCancelled(ctx, provider)
		}

		cls := Classify(err)
		if cls.Class == ClassTokenLimit {
			reserve := e.adapter.MaxOutputTokens(req.Model)
			managed := e.contexts.Manage(messages, req.Model, attemptReq.Tools, reserve)
			if managed.WasManaged {
				// Reduction retries are free; the failure was ours to fix.
				messages = managed.Messages
				continue
			}
			return e.recover(ctx, provider, cls)
		}

		if cls.Class.Retryable() && attempt < e.maxRetries {
			if cls.Class == ClassInvalidToolCall {
				messages = append(messages, llm.Message{
					Role: llm.RoleSystem,
					Content: "The provider rejected the previous tool payload: " + cls.UserMessage +
						". Adjust the arguments to match the declared schema and try again.",
				})
			}
			delay := e.delay(cls.Class, attempt, cls.RetryAfter)
			e.hooks.OnRetry(ctx, provider, cls.Class, attempt+1, delay, err)
			if serr := e.sleep(ctx, delay); serr != nil {
				return e.recoverCancelled(ctx, provider)
			}
			attempt++
			continue
		}

		return e.recover(ctx, provider, cls)
	}
}

// callOnce performs one attempt under its timeout regime. Streaming failures
// caused by the watchdog are rewritten as deadline errors so the classifier
// sees a retryable timeout instead of a bare cancellation.
func (e *RetryEngine) callOnce(ctx context.Context, req llm.Request, onChunk llm.ChunkFunc) (*llm.Result, error) {
	if onChunk == nil {
		cctx, cancel := context.WithTimeout(ctx, e.callTimeout)
		defer cancel()
		result, err := e.adapter.Call(cctx, req)
		if err != nil && cctx.Err() != nil && ctx.Err() == nil {
			err = fmt.Errorf("provider call timed out after %s: %w", e.callTimeout, context.DeadlineExceeded)
		}
		return result, err
	}

	cctx, cancel := context.WithCancel(ctx)
	defer cancel()
	watchdog := time.AfterFunc(e.callTimeout, cancel)
	defer watchdog.Stop()

	wrapped := func(c llm.Chunk) {
		watchdog.Reset(streamIdleTimeout)
		e.hooks.OnChunk(ctx, e.adapter.Name(), c)
		onChunk(c)
	}
	result, err := e.adapter.CallStream(cctx, req, wrapped)
	if err != nil && cctx.Err() != nil && ctx.Err() == nil {
		err = fmt.Errorf("stream stalled: %w", context.DeadlineExceeded)
	}
	return result, err
}

// delay computes the wait before the next attempt:
// min(base*2^attempt + U(0, 0.1*base*2^attempt), cap), with a Retry-After
// hint replacing the computed value when longer, still subject to the cap.
func (e *RetryEngine) delay(class ErrorClass, attempt int, hint time.Duration) time.Duration {
	policy := e.backoff
	if class == ClassRateLimit {
		policy = e.rateLimit
	}
	base := float64(policy.Base) * math.Pow(2, float64(attempt))
	d := time.Duration(base + e.jitter()*0.1*base)
	if d > policy.Cap {
		d = policy.Cap
	}
	if hint > d {
		d = hint
		if d > policy.Cap {
			d = policy.Cap
		}
	}
	return d
}

func (e *RetryEngine) recover(ctx context.Context, provider string, cls ClassifiedError) *llm.Result {
	e.hooks.OnRecovered(ctx, provider, cls.Class, cls.Err)
	e.log.Error().
		Str("class", string(cls.Class)).
		Err(cls.Err).
		Msg("call unrecoverable, synthesizing assistant reply")
	msg := cls.UserMessage
	if msg == "" {
		msg = "an unexpected provider error"
	}
	return &llm.Result{
		Message: llm.Message{
			Role:    llm.RoleAssistant,
			Content: fmt.Sprintf("I couldn't get a response from the model provider: %s", msg),
		},
		FinishReason:   "error",
		Recovered:      true,
		RecoveredError: msg,
	}
}

func (e *RetryEngine) recoverCancelled(ctx context.Context, provider string) *llm.Result {
	err := ctx.Err()
	if err == nil {
		err = context.Canceled
	}
	e.hooks.OnRecovered(ctx, provider, ClassFatal, err)
	return &llm.Result{
		Message: llm.Message{
			Role:    llm.RoleAssistant,
			Content: "The request was cancelled before a response arrived.",
		},
		FinishReason:   "cancelled",
		Recovered:      true,
		RecoveredError: "cancelled",
	}
}
