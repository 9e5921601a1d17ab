// Package config resolves process settings from the environment and serves
// the hot-reloading custom endpoint registry.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/docker/go-units"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

const (
	defaultAddr          = ":8080"
	defaultDBPath        = "relay.db"
	defaultEndpointsFile = "endpoints.json"
	defaultProvider      = "openai"
	defaultModel         = "gpt-4o-mini"
	defaultMaxBody       = 10 * units.MiB
)

// Settings is the process configuration, resolved once at startup. A .env
// file in the working directory is folded into the environment first.
type Settings struct {
	Addr          string
	DBPath        string
	EndpointsFile string

	OpenAIKey     string
	OpenAIBaseURL string
	AnthropicKey  string
	GeminiKey     string
	GeminiBaseURL string
	CerebrasKey   string

	DefaultProvider string
	DefaultModel    string

	TelegramBotToken      string
	TelegramWebhookSecret string
	DiscordBotToken       string

	TunnelURL string
	RemoteURL string

	// APITokens maps bearer token to principal. Empty means no tokens
	// are configured and authenticated routes run open for local
	// development.
	APITokens map[string]string

	WebhookMaxBody int64

	LogLevel  string
	LogFormat string
}

// Load reads the environment into Settings.
func Load() (*Settings, error) {
	_ = godotenv.Load()

	s := &Settings{
		Addr:          envOr("RELAY_ADDR", defaultAddr),
		DBPath:        envOr("RELAY_DB", defaultDBPath),
		EndpointsFile: envOr("RELAY_ENDPOINTS_FILE", defaultEndpointsFile),

		OpenAIKey:     os.Getenv("OPENAI_API_KEY"),
		OpenAIBaseURL: os.Getenv("OPENAI_BASE_URL"),
		AnthropicKey:  os.Getenv("ANTHROPIC_API_KEY"),
		GeminiKey:     os.Getenv("GEMINI_API_KEY"),
		GeminiBaseURL: os.Getenv("GEMINI_BASE_URL"),
		CerebrasKey:   os.Getenv("CEREBRAS_API_KEY"),

		DefaultProvider: envOr("RELAY_PROVIDER", defaultProvider),
		DefaultModel:    envOr("RELAY_MODEL", defaultModel),

		TelegramBotToken:      os.Getenv("TELEGRAM_BOT_TOKEN"),
		TelegramWebhookSecret: os.Getenv("TELEGRAM_WEBHOOK_SECRET_TOKEN"),
		DiscordBotToken:       os.Getenv("DISCORD_BOT_TOKEN"),

		TunnelURL: os.Getenv("TUNNEL_URL"),
		RemoteURL: os.Getenv("REMOTE_URL"),

		WebhookMaxBody: defaultMaxBody,

		LogLevel:  envOr("LOG_LEVEL", "info"),
		LogFormat: envOr("LOG_FORMAT", "console"),
	}

	tokens, err := ParseAPITokens(os.Getenv("RELAY_API_TOKENS"))
	if err != nil {
		return nil, err
	}
	s.APITokens = tokens

	if raw := os.Getenv("WEBHOOK_MAX_BODY"); raw != "" {
		n, err := units.RAMInBytes(raw)
		if err != nil {
			return nil, fmt.Errorf("config: WEBHOOK_MAX_BODY %q: %w", raw, err)
		}
		s.WebhookMaxBody = n
	}

	return s, nil
}

// ParseAPITokens reads comma-separated "principal:token" pairs. A bare
// token gets the principal "api".
func ParseAPITokens(raw string) (map[string]string, error) {
	tokens := make(map[string]string)
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		principal, token, found := strings.Cut(entry, ":")
		if !found {
			principal, token = "api", entry
		}
		if principal == "" || token == "" {
			return nil, fmt.Errorf("config: malformed RELAY_API_TOKENS entry %q", entry)
		}
		if _, dup := tokens[token]; dup {
			return nil, fmt.Errorf("config: duplicate token in RELAY_API_TOKENS")
		}
		tokens[token] = principal
	}
	return tokens, nil
}

// NewLogger builds the root logger from LOG_LEVEL and LOG_FORMAT.
func (s *Settings) NewLogger() zerolog.Logger {
	level, err := zerolog.ParseLevel(strings.ToLower(s.LogLevel))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	var logger zerolog.Logger
	if s.LogFormat == "json" {
		logger = zerolog.New(os.Stderr)
	} else {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	}
	return logger.Level(level).With().Timestamp().Logger()
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
