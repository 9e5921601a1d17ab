package engine

import (
	"github.com/rs/zerolog"

	"github.com/chamsddine/relay/internal/llm"
)

// ManageResult reports what context reduction did to a message vector.
type ManageResult struct {
	Messages       []llm.Message
	OriginalTokens int
	ManagedTokens  int
	WasManaged     bool
}

// ContextManager evicts old conversation turns when a call overflows the
// model's window. The system prompt, the first user turn, and the most
// recent turn are never evicted; assistant messages leave together with
// their tool responses so pairing stays intact.
type ContextManager struct {
	counter *TokenCounter
	log     zerolog.Logger
}

func NewContextManager(counter *TokenCounter, log zerolog.Logger) *ContextManager {
	return &ContextManager{
		counter: counter,
		log:     log.With().Str("component", "context").Logger(),
	}
}

// unit is a half-open message range evicted atomically.
type unit struct {
	start, end int
	protected  bool
	tokens     int
}

// Manage reduces messages for model until they fit under the window minus
// reserve. When the vector already fits, or when no interior unit can be
// evicted, it returns the input unchanged; WasManaged tells the caller
// whether anything happened.
func (m *ContextManager) Manage(messages []llm.Message, model string, tools []llm.Tool, reserve int) ManageResult {
	window := ContextWindow(model)
	capTokens := window - reserve
	if capTokens < window/4 {
		capTokens = window / 4
	}

	perMessage := make([]int, len(messages))
	original := m.counter.CountTools(tools, model)
	for i, msg := range messages {
		perMessage[i] = m.counter.CountMessages([]llm.Message{msg}, model)
		original += perMessage[i]
	}

	unchanged := ManageResult{
		Messages:       messages,
		OriginalTokens: original,
		ManagedTokens:  original,
	}
	if original <= capTokens {
		return unchanged
	}

	units := buildUnits(messages)
	for i := range units {
		for j := units[i].start; j < units[i].end; j++ {
			units[i].tokens += perMessage[j]
		}
	}

	current := original
	evicted := make([]bool, len(units))
	for i := range units {
		if current <= capTokens {
			break
		}
		if units[i].protected {
			continue
		}
		evicted[i] = true
		current -= units[i].tokens
	}
	if current > capTokens {
		m.log.Warn().
			Str("model", model).
			Int("tokens", original).
			Int("cap", capTokens).
			Msg("context cannot be reduced below the window")
		return unchanged
	}

	reduced := make([]llm.Message, 0, len(messages))
	for i, u := range units {
		if evicted[i] {
			continue
		}
		reduced = append(reduced, messages[u.start:u.end]...)
	}
	m.log.Info().
		Str("model", model).
		Int("original_tokens", original).
		Int("managed_tokens", current).
		Int("dropped_messages", len(messages)-len(reduced)).
		Msg("reduced conversation context")
	return ManageResult{
		Messages:       reduced,
		OriginalTokens: original,
		ManagedTokens:  current,
		WasManaged:     true,
	}
}

// buildUnits groups messages into eviction units: leading system messages
// and the first user message are protected singletons; afterwards each user
// or assistant message starts a unit and tool messages attach to the open
// one. The final unit is always protected.
func buildUnits(messages []llm.Message) []unit {
	var units []unit
	i := 0
	for i < len(messages) && messages[i].Role == llm.RoleSystem {
		units = append(units, unit{start: i, end: i + 1, protected: true})
		i++
	}
	if i < len(messages) && messages[i].Role == llm.RoleUser {
		units = append(units, unit{start: i, end: i + 1, protected: true})
		i++
	}
	for i < len(messages) {
		start := i
		i++
		for i < len(messages) && messages[i].Role == llm.RoleTool {
			i++
		}
		units = append(units, unit{start: start, end: i})
	}
	if len(units) > 0 {
		units[len(units)-1].protected = true
	}
	return units
}
