// Package server assembles the HTTP API: the streaming chat endpoint, the
// external-chat management surface, webhook trigger ingress, and the
// operational endpoints.
package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/chamsddine/relay/internal/engine"
	"github.com/chamsddine/relay/internal/extchat"
	"github.com/chamsddine/relay/internal/metrics"
	"github.com/chamsddine/relay/internal/store"
	"github.com/chamsddine/relay/internal/webhook"
)

// Turner runs one orchestrated conversation turn.
type Turner interface {
	RunTurn(ctx context.Context, req engine.TurnRequest) (*engine.TurnResult, error)
}

// Config carries the wired dependencies and defaults for the HTTP API.
// Nil optional dependencies disable their routes.
type Config struct {
	Turns      Turner
	Store      *store.Store
	Chat       *extchat.Service
	Telegram   *extchat.TelegramBridge
	Dispatcher *webhook.Dispatcher
	Collector  *metrics.Collector

	// APITokens maps bearer tokens to principal ids. Empty leaves the
	// authenticated surface open for local development.
	APITokens map[string]string

	// Provider and Model are the defaults for chat requests that do not
	// name their own.
	Provider string
	Model    string

	Log zerolog.Logger
}

type Server struct {
	turns      Turner
	store      *store.Store
	chat       *extchat.Service
	telegram   *extchat.TelegramBridge
	dispatcher *webhook.Dispatcher
	collector  *metrics.Collector
	tokens     map[string]string
	provider   string
	model      string
	log        zerolog.Logger
}

func New(cfg Config) *Server {
	return &Server{
		turns:      cfg.Turns,
		store:      cfg.Store,
		chat:       cfg.Chat,
		telegram:   cfg.Telegram,
		dispatcher: cfg.Dispatcher,
		collector:  cfg.Collector,
		tokens:     cfg.APITokens,
		provider:   cfg.Provider,
		model:      cfg.Model,
		log:        cfg.Log.With().Str("component", "http").Logger(),
	}
}

// Routes assembles the full HTTP surface.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)

	r.Get("/healthz", s.handleHealthz)
	if s.collector != nil {
		r.Method(http.MethodGet, "/metrics", s.collector.Handler())
	}

	// Trigger ingress accepts every method; the workflow config decides.
	if s.dispatcher != nil {
		r.HandleFunc("/webhooks/trigger/{workflowID}", s.dispatcher.HandleTrigger)
	}

	// The platform webhook authenticates with its own secret header, not
	// an API token.
	r.Post("/external-chat/telegram/webhook", s.handleTelegramWebhook)

	r.Group(func(r chi.Router) {
		r.Use(s.requireAuth)
		r.Post("/chat/stream", s.handleChatStream)
		r.Post("/external-chat/pair", s.handlePair)
		r.Get("/external-chat/accounts", s.handleListAccounts)
		r.Delete("/external-chat/accounts/{id}", s.handleDeleteAccount)
		r.Get("/external-chat/status", s.handleStatus)
		r.Get("/external-chat/history/search", s.handleHistorySearch)
	})

	return r
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		if r.URL.Path == "/healthz" || r.URL.Path == "/metrics" {
			return
		}
		s.log.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("elapsed", time.Since(start)).
			Msg("request")
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
