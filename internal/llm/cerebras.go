package llm

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/rs/zerolog"
)

const cerebrasBaseURL = "https://api.cerebras.ai/v1"

// cerebrasStreamToolModels are the models that accept streaming and tool
// definitions in the same request. Everything else gets the non-streaming
// fallback when tools are present.
var cerebrasStreamToolModels = []string{
	"gpt-oss-120b",
	"qwen-3-235b",
	"llama-3.3-70b",
}

// cerebrasOutputTokens: Cerebras serves open-weight models with modest
// completion windows.
var cerebrasOutputTokens = map[string]int{
	"llama":   8192,
	"qwen":    16384,
	"gpt-oss": 32768,
}

// CerebrasAdapter rides the OpenAI-compatible transport with Cerebras
// quirks: parallel_tool_calls is never sent, streaming with tools is limited
// to an allow-list, and a 422 on a tool-bearing request is retried once with
// tools stripped.
type CerebrasAdapter struct {
	*OpenAIAdapter
}

// NewCerebrasAdapter builds the adapter against api.cerebras.ai.
func NewCerebrasAdapter(apiKey string, log zerolog.Logger) *CerebrasAdapter {
	return &CerebrasAdapter{
		OpenAIAdapter: NewOpenAIAdapter("cerebras", apiKey, cerebrasBaseURL, false, log),
	}
}

func (a *CerebrasAdapter) MaxOutputTokens(model string) int {
	return lookupByPrefix(cerebrasOutputTokens, model, 8192)
}

func (a *CerebrasAdapter) supportsStreamingTools(model string) bool {
	for _, prefix := range cerebrasStreamToolModels {
		if strings.HasPrefix(model, prefix) {
			return true
		}
	}
	return false
}

// Call retries once without tools when Cerebras rejects the tool payload
// with a 422, marking the result so callers know tools were dropped.
func (a *CerebrasAdapter) Call(ctx context.Context, req Request) (*Result, error) {
	result, err := a.OpenAIAdapter.Call(ctx, req)
	if err == nil || len(req.Tools) == 0 {
		return result, err
	}

	var provErr *ProviderError
	if !errors.As(err, &provErr) || provErr.StatusCode != http.StatusUnprocessableEntity {
		return nil, err
	}

	a.log.Warn().Str("model", req.Model).Msg("tool payload rejected with 422, retrying without tools")
	stripped := req
	stripped.Tools = nil
	result, retryErr := a.OpenAIAdapter.Call(ctx, stripped)
	if retryErr != nil {
		return nil, retryErr
	}
	result.ToolsSkipped = true
	result.SkipReason = "provider rejected tool definitions (422)"
	return result, nil
}

// CallStream streams directly for models on the allow-list. For the rest,
// when tools are present it completes non-streaming and replays the finished
// result as synthetic chunks so consumers see a uniform stream.
func (a *CerebrasAdapter) CallStream(ctx context.Context, req Request, onChunk ChunkFunc) (*Result, error) {
	if len(req.Tools) == 0 || a.supportsStreamingTools(req.Model) {
		return a.OpenAIAdapter.CallStream(ctx, req, onChunk)
	}

	result, err := a.Call(ctx, req)
	if err != nil {
		return nil, err
	}
	if onChunk != nil {
		if text := result.Message.Text(); text != "" {
			onChunk(Chunk{Kind: ChunkContent, Text: text})
		}
		for i, tc := range result.ToolCalls {
			onChunk(Chunk{
				Kind:       ChunkToolCallDelta,
				Index:      i,
				ToolCallID: tc.ID,
				NameDelta:  tc.Name,
				ArgsDelta:  tc.Arguments,
			})
		}
	}
	return result, nil
}
