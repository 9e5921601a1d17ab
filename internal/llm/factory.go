package llm

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog"
)

// CustomEndpoint describes an OpenAI-compatible endpoint registered at
// runtime (local inference servers, alternative clouds).
type CustomEndpoint struct {
	ID      string
	BaseURL string
	APIKey  string
	Vision  bool
}

// EndpointLookup resolves a provider id to a custom endpoint. Wired to the
// hot-reloading endpoints file; nil disables custom providers.
type EndpointLookup func(id string) (CustomEndpoint, bool)

// FactoryConfig carries provider credentials. Empty keys leave the provider
// unconfigured; requesting it returns an error instead of a broken adapter.
type FactoryConfig struct {
	OpenAIKey     string
	OpenAIBaseURL string
	AnthropicKey  string
	GeminiKey     string
	GeminiBaseURL string
	CerebrasKey   string

	LookupEndpoint EndpointLookup
}

// Factory builds and caches adapters. One adapter instance exists per
// provider (per endpoint for custom providers), so HTTP connection pools are
// shared across calls.
type Factory struct {
	cfg FactoryConfig
	log zerolog.Logger

	mu    sync.Mutex
	cache map[string]Adapter
}

func NewFactory(cfg FactoryConfig, log zerolog.Logger) *Factory {
	return &Factory{
		cfg:   cfg,
		log:   log,
		cache: make(map[string]Adapter),
	}
}

// Adapter returns the adapter serving provider/model. The openai provider
// splits on model family: reasoning models route to the Responses API, the
// rest to chat completions. Unknown providers are resolved as custom
// OpenAI-compatible endpoints.
func (f *Factory) Adapter(provider, model string) (Adapter, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	switch provider {
	case "openai":
		if f.cfg.OpenAIKey == "" {
			return nil, fmt.Errorf("openai is not configured: missing API key")
		}
		if IsResponsesModel(model) {
			return f.cached("openai-responses", func() Adapter {
				return NewResponsesAdapter(f.cfg.OpenAIKey, f.cfg.OpenAIBaseURL, f.log)
			}), nil
		}
		return f.cached("openai", func() Adapter {
			return NewOpenAIAdapter("openai", f.cfg.OpenAIKey, f.cfg.OpenAIBaseURL, false, f.log)
		}), nil
	case "anthropic":
		if f.cfg.AnthropicKey == "" {
			return nil, fmt.Errorf("anthropic is not configured: missing API key")
		}
		return f.cached("anthropic", func() Adapter {
			return NewAnthropicAdapter(f.cfg.AnthropicKey, f.log)
		}), nil
	case "gemini":
		if f.cfg.GeminiKey == "" {
			return nil, fmt.Errorf("gemini is not configured: missing API key")
		}
		return f.cached("gemini", func() Adapter {
			return NewGeminiAdapter(f.cfg.GeminiKey, f.cfg.GeminiBaseURL, f.log)
		}), nil
	case "cerebras":
		if f.cfg.CerebrasKey == "" {
			return nil, fmt.Errorf("cerebras is not configured: missing API key")
		}
		return f.cached("cerebras", func() Adapter {
			return NewCerebrasAdapter(f.cfg.CerebrasKey, f.log)
		}), nil
	}

	if f.cfg.LookupEndpoint != nil {
		if ep, ok := f.cfg.LookupEndpoint(provider); ok {
			// Cache per base URL so an endpoints-file edit takes effect on
			// the next call instead of serving a stale client.
			key := fmt.Sprintf("custom:%s:%s", ep.ID, ep.BaseURL)
			return f.cached(key, func() Adapter {
				return NewOpenAIAdapter(ep.ID, ep.APIKey, ep.BaseURL, ep.Vision, f.log)
			}), nil
		}
	}
	return nil, fmt.Errorf("unknown provider %q", provider)
}

func (f *Factory) cached(key string, build func() Adapter) Adapter {
	if a, ok := f.cache[key]; ok {
		return a
	}
	a := build()
	f.cache[key] = a
	return a
}
