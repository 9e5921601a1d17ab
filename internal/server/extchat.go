package server

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/chamsddine/relay/internal/extchat"
	"github.com/chamsddine/relay/internal/store"
)

// apiAccount is the HTTP view of a linked platform account.
type apiAccount struct {
	ID               int64      `json:"id"`
	Platform         string     `json:"platform"`
	ExternalID       string     `json:"external_id"`
	ExternalUsername string     `json:"external_username,omitempty"`
	PairedAt         time.Time  `json:"paired_at"`
	LastMessageAt    *time.Time `json:"last_message_at,omitempty"`
}

type chatStatus struct {
	Configured bool   `json:"configured"`
	Active     bool   `json:"active"`
	WebhookURL string `json:"webhook_url,omitempty"`
}

func (s *Server) handlePair(w http.ResponseWriter, r *http.Request) {
	if s.chat == nil {
		writeError(w, http.StatusServiceUnavailable, "external chat disabled")
		return
	}
	code, err := s.chat.Pairing().Issue(r.Context(), Principal(r.Context()))
	if errors.Is(err, extchat.ErrIssueRateLimited) {
		writeError(w, http.StatusTooManyRequests, "pairing code rate limit reached")
		return
	}
	if err != nil {
		s.log.Error().Err(err).Msg("pairing code issue failed")
		writeError(w, http.StatusInternalServerError, "could not issue pairing code")
		return
	}
	writeJSON(w, http.StatusOK, code)
}

func (s *Server) handleListAccounts(w http.ResponseWriter, r *http.Request) {
	accounts, err := s.store.ListAccounts(r.Context(), Principal(r.Context()))
	if err != nil {
		s.log.Error().Err(err).Msg("account list failed")
		writeError(w, http.StatusInternalServerError, "could not list accounts")
		return
	}
	out := make([]apiAccount, 0, len(accounts))
	for _, a := range accounts {
		out = append(out, apiAccount{
			ID:               a.ID,
			Platform:         a.Platform,
			ExternalID:       a.ExternalID,
			ExternalUsername: a.ExternalUsername,
			PairedAt:         a.PairedAt,
			LastMessageAt:    a.LastMessageAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string][]apiAccount{"accounts": out})
}

func (s *Server) handleDeleteAccount(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid account id")
		return
	}
	err = s.store.DeleteAccount(r.Context(), Principal(r.Context()), id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "account not found")
		return
	}
	if err != nil {
		s.log.Error().Err(err).Int64("account", id).Msg("account delete failed")
		writeError(w, http.StatusInternalServerError, "could not delete account")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	configured := s.telegram.Configured()
	url := s.telegram.WebhookURL()
	writeJSON(w, http.StatusOK, chatStatus{
		Configured: configured,
		Active:     configured && url != "",
		WebhookURL: url,
	})
}

func (s *Server) handleHistorySearch(w http.ResponseWriter, r *http.Request) {
	query := strings.TrimSpace(r.URL.Query().Get("q"))
	if query == "" {
		writeError(w, http.StatusBadRequest, "q is required")
		return
	}
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}

	// Search is scoped to the principal's own conversation keys.
	accounts, err := s.store.ListAccounts(r.Context(), Principal(r.Context()))
	if err != nil {
		s.log.Error().Err(err).Msg("account list failed")
		writeError(w, http.StatusInternalServerError, "search failed")
		return
	}
	keys := make([]string, 0, len(accounts))
	for _, a := range accounts {
		keys = append(keys, a.ConversationKey())
	}

	hits, err := s.store.SearchConversations(r.Context(), query, limit, keys...)
	if err != nil {
		s.log.Error().Err(err).Str("query", query).Msg("conversation search failed")
		writeError(w, http.StatusInternalServerError, "search failed")
		return
	}
	if hits == nil {
		hits = []store.SearchHit{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"query": query, "hits": hits})
}

// handleTelegramWebhook hands platform updates to the bridge. Without a
// configured bridge the update is acknowledged and dropped so the platform
// does not retry into the void.
func (s *Server) handleTelegramWebhook(w http.ResponseWriter, r *http.Request) {
	if !s.telegram.Configured() {
		w.WriteHeader(http.StatusOK)
		return
	}
	s.telegram.HandleWebhook(w, r)
}
