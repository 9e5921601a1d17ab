package engine

import (
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"
	"github.com/rs/zerolog"

	"github.com/chamsddine/relay/internal/llm"
)

// TokenCounter estimates token counts per model. Counting prefers tiktoken;
// when an encoding cannot be initialized (offline, unknown model) counting
// falls back to a character heuristic so context management keeps working.
type TokenCounter struct {
	log zerolog.Logger

	mu       sync.Mutex
	encoders map[string]*tiktoken.Tiktoken
	failed   map[string]bool
}

func NewTokenCounter(log zerolog.Logger) *TokenCounter {
	return &TokenCounter{
		log:      log.With().Str("component", "tokenizer").Logger(),
		encoders: make(map[string]*tiktoken.Tiktoken),
		failed:   make(map[string]bool),
	}
}

// o200kModels get the o200k_base encoding; everything else counts with
// cl100k_base, which is close enough for non-OpenAI providers.
var o200kModels = []string{"gpt-4o", "gpt-5", "chatgpt-4o", "o1", "o3", "o4"}

func encodingForModel(model string) string {
	for _, prefix := range o200kModels {
		if strings.HasPrefix(model, prefix) {
			return "o200k_base"
		}
	}
	return "cl100k_base"
}

func (c *TokenCounter) encoder(encoding string) *tiktoken.Tiktoken {
	c.mu.Lock()
	defer c.mu.Unlock()
	if enc, ok := c.encoders[encoding]; ok {
		return enc
	}
	if c.failed[encoding] {
		return nil
	}
	enc, err := tiktoken.GetEncoding(encoding)
	if err != nil {
		c.failed[encoding] = true
		c.log.Warn().Err(err).Str("encoding", encoding).Msg("tiktoken unavailable, falling back to estimation")
		return nil
	}
	c.encoders[encoding] = enc
	return enc
}

// Count returns the token count of text for model.
func (c *TokenCounter) Count(text, model string) int {
	if text == "" {
		return 0
	}
	if enc := c.encoder(encodingForModel(model)); enc != nil {
		return len(enc.Encode(text, nil, nil))
	}
	return estimateTokens(text)
}

// estimateTokens approximates with ~4 chars per token, discounted for
// whitespace-heavy text.
func estimateTokens(text string) int {
	chars := len([]rune(text))
	whitespace := strings.Count(text, " ") + strings.Count(text, "\n") + strings.Count(text, "\t")
	estimated := chars/4 + whitespace/6
	if estimated < 1 {
		return 1
	}
	return estimated
}

// messageOverhead covers role markers and separators per message.
const messageOverhead = 4

// CountMessages counts a full message vector, including tool-call payloads.
func (c *TokenCounter) CountMessages(messages []llm.Message, model string) int {
	total := 0
	for _, msg := range messages {
		total += c.Count(string(msg.Role), model)
		total += c.Count(msg.Text(), model)
		for _, tc := range msg.ToolCalls {
			total += c.Count(tc.Name, model)
			total += c.Count(tc.Arguments, model)
		}
		total += messageOverhead
	}
	return total
}

// CountTools counts the schema payload sent alongside the conversation.
func (c *TokenCounter) CountTools(tools []llm.Tool, model string) int {
	total := 0
	for _, t := range tools {
		total += c.Count(t.Name, model)
		total += c.Count(t.Description, model)
		total += c.Count(string(t.Schema), model)
		total += 10
	}
	return total
}

// contextWindows holds per-model-family input windows, matched by prefix.
// Unknown models get a conservative default so reduction kicks in early
// rather than bouncing off the provider.
var contextWindows = map[string]int{
	"gpt-5":        272000,
	"gpt-4o":       128000,
	"gpt-4-turbo":  128000,
	"gpt-4":        8192,
	"gpt-3.5":      16385,
	"o1":           200000,
	"o3":           200000,
	"o4":           200000,
	"claude":       200000,
	"gemini-1.5":   1048576,
	"gemini-2":     1048576,
	"gemini-3":     1048576,
	"llama-3.3":    65536,
	"llama":        8192,
	"qwen":         32768,
	"gpt-oss-120b": 131072,
}

const defaultContextWindow = 32768

// ContextWindow returns the input window for model by longest prefix match.
func ContextWindow(model string) int {
	best := defaultContextWindow
	bestLen := 0
	for prefix, window := range contextWindows {
		if strings.HasPrefix(model, prefix) && len(prefix) > bestLen {
			best = window
			bestLen = len(prefix)
		}
	}
	return best
}
