// Command relayd runs the agent gateway in one process: the streaming chat
// API, the Telegram and Discord bridges, and both webhook trigger paths.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/chamsddine/relay/internal/config"
	"github.com/chamsddine/relay/internal/engine"
	"github.com/chamsddine/relay/internal/extchat"
	"github.com/chamsddine/relay/internal/llm"
	"github.com/chamsddine/relay/internal/metrics"
	"github.com/chamsddine/relay/internal/server"
	"github.com/chamsddine/relay/internal/store"
	"github.com/chamsddine/relay/internal/webhook"
)

const shutdownGrace = 10 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "relayd: %v\n", err)
		os.Exit(1)
	}
	log := cfg.NewLogger()

	if err := run(cfg, log); err != nil {
		log.Fatal().Err(err).Msg("relayd exited")
	}
}

func run(cfg *config.Settings, log zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(ctx, cfg.DBPath, log)
	if err != nil {
		return err
	}
	defer st.Close()

	endpoints := config.NewEndpointRegistry(cfg.EndpointsFile, log)
	if err := endpoints.Load(); err != nil {
		log.Warn().Err(err).Str("file", cfg.EndpointsFile).Msg("custom endpoints not loaded")
	}
	if err := endpoints.Watch(ctx); err != nil {
		log.Warn().Err(err).Msg("endpoint hot reload disabled")
	}

	factory := llm.NewFactory(llm.FactoryConfig{
		OpenAIKey:      cfg.OpenAIKey,
		OpenAIBaseURL:  cfg.OpenAIBaseURL,
		AnthropicKey:   cfg.AnthropicKey,
		GeminiKey:      cfg.GeminiKey,
		GeminiBaseURL:  cfg.GeminiBaseURL,
		CerebrasKey:    cfg.CerebrasKey,
		LookupEndpoint: endpoints.Lookup,
	}, log)

	collector := metrics.NewCollector()
	contexts := engine.NewContextManager(engine.NewTokenCounter(log), log)
	tools := engine.NewToolRegistry(log)
	hooks := engine.Hooks{engine.LogHook{Log: log}, collector.EngineHook()}
	orch := engine.NewOrchestrator(factory, tools, contexts, hooks, log)

	webhooks := webhook.NewRegistry(st, cfg.RemoteURL, log)
	if err := webhooks.LoadAll(ctx); err != nil {
		log.Warn().Err(err).Msg("webhook registry load failed")
	}
	if cfg.TunnelURL != "" {
		webhooks.SetTunnelURL(cfg.TunnelURL)
	}

	workflows := newAgentEngine(orch, cfg.DefaultProvider, cfg.DefaultModel, log)
	dispatcher := webhook.NewDispatcher(webhooks, workflows, cfg.WebhookMaxBody, log)
	dispatcher.SetRecorder(collector)
	if cfg.RemoteURL != "" {
		poller := webhook.NewPoller(webhooks, workflows, cfg.RemoteURL, log)
		poller.SetRecorder(collector)
		go poller.Run(ctx)
	}

	pairing := extchat.NewPairingService(st, log)
	go pairing.PurgeLoop(ctx)
	chat := extchat.NewService(st, orch, pairing, cfg.DefaultProvider, cfg.DefaultModel, log)
	chat.SetRecorder(collector)

	var telegram *extchat.TelegramBridge
	if cfg.TelegramBotToken != "" {
		bridge, err := extchat.ConnectTelegram(cfg.TelegramBotToken, cfg.TelegramWebhookSecret, chat, log)
		if err != nil {
			log.Error().Err(err).Msg("telegram bridge unavailable")
		} else {
			telegram = bridge
			if cfg.TunnelURL != "" {
				if err := telegram.RegisterWebhook(cfg.TunnelURL); err != nil {
					log.Error().Err(err).Msg("telegram webhook registration failed")
				}
			}
		}
	}

	if cfg.DiscordBotToken != "" {
		discord, err := extchat.NewDiscordBridge(cfg.DiscordBotToken, chat, log)
		if err != nil {
			log.Error().Err(err).Msg("discord bridge unavailable")
		} else if err := discord.Open(); err != nil {
			log.Error().Err(err).Msg("discord gateway connection failed")
		} else {
			defer discord.Close()
		}
	}

	api := server.New(server.Config{
		Turns:      orch,
		Store:      st,
		Chat:       chat,
		Telegram:   telegram,
		Dispatcher: dispatcher,
		Collector:  collector,
		APITokens:  cfg.APITokens,
		Provider:   cfg.DefaultProvider,
		Model:      cfg.DefaultModel,
		Log:        log,
	})

	// No write timeout: SSE streams and WaitForResult responses can
	// outlive any fixed deadline.
	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           api.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.Addr).Msg("relayd listening")
		errc <- srv.ListenAndServe()
	}()

	var serveErr error
	select {
	case serveErr = <-errc:
	case <-ctx.Done():
		log.Info().Msg("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		serveErr = srv.Shutdown(shutdownCtx)
	}

	stop()
	endpoints.Wait()
	return serveErr
}
