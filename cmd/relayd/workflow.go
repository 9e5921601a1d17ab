package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/chamsddine/relay/internal/engine"
	"github.com/chamsddine/relay/internal/llm"
	"github.com/chamsddine/relay/internal/webhook"
)

// triggerTurnTimeout bounds one webhook-triggered turn.
const triggerTurnTimeout = 5 * time.Minute

const triggerSystemPrompt = "You handle webhook events for this workflow. " +
	"Read the event and produce the handler's response."

type turner interface {
	RunTurn(ctx context.Context, req engine.TurnRequest) (*engine.TurnResult, error)
}

// agentEngine consumes webhook triggers by running one orchestrator turn
// over the trigger payload; the assistant reply becomes the workflow
// output. Dispatch never blocks: the turn runs detached from the inbound
// request so Immediate responses return while the work continues.
type agentEngine struct {
	turns    turner
	provider string
	model    string
	log      zerolog.Logger
}

func newAgentEngine(turns turner, provider, model string, log zerolog.Logger) *agentEngine {
	return &agentEngine{
		turns:    turns,
		provider: provider,
		model:    model,
		log:      log.With().Str("component", "workflow-agent").Logger(),
	}
}

// Dispatch satisfies webhook.Engine. The returned channel is buffered so an
// abandoned Immediate dispatch never blocks the turn goroutine.
func (e *agentEngine) Dispatch(_ context.Context, trig webhook.Trigger) (<-chan webhook.Completion, error) {
	ch := make(chan webhook.Completion, 1)
	go e.run(trig, ch)
	return ch, nil
}

func (e *agentEngine) run(trig webhook.Trigger, ch chan<- webhook.Completion) {
	ctx, cancel := context.WithTimeout(context.Background(), triggerTurnTimeout)
	defer cancel()

	result, err := e.turns.RunTurn(ctx, engine.TurnRequest{
		Provider: e.provider,
		Model:    e.model,
		Messages: []llm.Message{
			{Role: llm.RoleSystem, Content: triggerSystemPrompt},
			{Role: llm.RoleUser, Content: describeTrigger(trig)},
		},
	})
	if err != nil {
		e.log.Error().Str("workflow", trig.WorkflowID).Err(err).Msg("trigger turn failed")
		ch <- webhook.Completion{TriggerID: trig.ID, Err: err.Error()}
		return
	}
	if result.Recovered {
		// A recovered turn is a synthesized apology, not a handler result.
		e.log.Warn().Str("workflow", trig.WorkflowID).Str("cause", result.RecoveredError).Msg("trigger turn recovered")
		ch <- webhook.Completion{TriggerID: trig.ID, Err: "model call failed: " + result.RecoveredError}
		return
	}

	output, err := json.Marshal(map[string]any{
		"reply":      result.Message.Text(),
		"tool_turns": result.ToolTurns,
	})
	if err != nil {
		ch <- webhook.Completion{TriggerID: trig.ID, Err: err.Error()}
		return
	}
	ch <- webhook.Completion{TriggerID: trig.ID, Output: output}
}

// describeTrigger renders the event for the model: method, workflow, query
// and payload, verbatim.
func describeTrigger(trig webhook.Trigger) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s event for workflow %s.\n", trig.Method, trig.WorkflowID)
	if len(trig.Query) > 0 {
		fmt.Fprintf(&b, "Query: %s\n", trig.Query.Encode())
	}
	if len(trig.Body) > 0 {
		fmt.Fprintf(&b, "Payload:\n%s", trig.Body)
	} else {
		b.WriteString("No payload.")
	}
	return b.String()
}
