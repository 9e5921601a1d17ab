package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/chamsddine/relay/internal/llm"
	"github.com/chamsddine/relay/internal/store"
)

func authedRequest(method, target, token string) *http.Request {
	req := httptest.NewRequest(method, target, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req
}

func TestPairEndpointIssuesCode(t *testing.T) {
	h := newTestServer(t, Config{})

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/external-chat/pair", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rr.Code, rr.Body.String())
	}
	var body struct {
		Code      string    `json:"code"`
		ExpiresAt time.Time `json:"expires_at"`
		ExpiresIn int       `json:"expires_in"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if len(body.Code) != 8 {
		t.Fatalf("code = %q, want 8 chars", body.Code)
	}
	if body.ExpiresIn != 300 {
		t.Fatalf("expires_in = %d, want 300", body.ExpiresIn)
	}
	if body.ExpiresAt.Before(time.Now()) {
		t.Fatalf("expires_at = %v, already past", body.ExpiresAt)
	}
}

func TestPairEndpointRateLimits(t *testing.T) {
	h := newTestServer(t, Config{})

	for i := 0; i < 3; i++ {
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/external-chat/pair", nil))
		if rr.Code != http.StatusOK {
			t.Fatalf("issue %d: status = %d, want 200", i+1, rr.Code)
		}
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/external-chat/pair", nil))
	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rr.Code)
	}
}

func listAccounts(t *testing.T, h http.Handler, token string) []apiAccount {
	t.Helper()
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authedRequest(http.MethodGet, "/external-chat/accounts", token))
	if rr.Code != http.StatusOK {
		t.Fatalf("list status = %d: %s", rr.Code, rr.Body.String())
	}
	var body struct {
		Accounts []apiAccount `json:"accounts"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	return body.Accounts
}

func TestAccountsLifecycle(t *testing.T) {
	st := testStore(t)
	h := newTestServer(t, Config{Store: st})

	acct, err := st.CreateAccount(context.Background(), store.ExternalAccount{
		UserID:           openPrincipal,
		Platform:         "telegram",
		ExternalID:       "tg-7",
		ExternalUsername: "kim",
	})
	if err != nil {
		t.Fatal(err)
	}

	accounts := listAccounts(t, h, "")
	if len(accounts) != 1 {
		t.Fatalf("accounts = %d, want 1", len(accounts))
	}
	got := accounts[0]
	if got.ID != acct.ID || got.Platform != "telegram" || got.ExternalID != "tg-7" || got.ExternalUsername != "kim" {
		t.Fatalf("account = %+v", got)
	}
	if got.PairedAt.IsZero() {
		t.Fatal("paired_at missing")
	}

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authedRequest(http.MethodDelete, fmt.Sprintf("/external-chat/accounts/%d", acct.ID), ""))
	if rr.Code != http.StatusOK {
		t.Fatalf("delete status = %d: %s", rr.Code, rr.Body.String())
	}
	if remaining := listAccounts(t, h, ""); len(remaining) != 0 {
		t.Fatalf("accounts after delete = %d, want 0", len(remaining))
	}

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, authedRequest(http.MethodDelete, fmt.Sprintf("/external-chat/accounts/%d", acct.ID), ""))
	if rr.Code != http.StatusNotFound {
		t.Fatalf("second delete status = %d, want 404", rr.Code)
	}

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, authedRequest(http.MethodDelete, "/external-chat/accounts/abc", ""))
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("bad id status = %d, want 400", rr.Code)
	}
}

func TestAccountsScopedToPrincipal(t *testing.T) {
	st := testStore(t)
	tokens := map[string]string{"tok-a": "alice", "tok-b": "bob"}
	h := newTestServer(t, Config{Store: st, APITokens: tokens})

	acct, err := st.CreateAccount(context.Background(), store.ExternalAccount{
		UserID:     "alice",
		Platform:   "telegram",
		ExternalID: "tg-1",
	})
	if err != nil {
		t.Fatal(err)
	}

	if accounts := listAccounts(t, h, "tok-b"); len(accounts) != 0 {
		t.Fatalf("bob sees %d accounts, want 0", len(accounts))
	}
	if accounts := listAccounts(t, h, "tok-a"); len(accounts) != 1 {
		t.Fatalf("alice sees %d accounts, want 1", len(accounts))
	}

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authedRequest(http.MethodDelete, fmt.Sprintf("/external-chat/accounts/%d", acct.ID), "tok-b"))
	if rr.Code != http.StatusNotFound {
		t.Fatalf("cross-user delete status = %d, want 404", rr.Code)
	}
	if accounts := listAccounts(t, h, "tok-a"); len(accounts) != 1 {
		t.Fatal("cross-user delete removed the account")
	}
}

func TestStatusWithoutBridge(t *testing.T) {
	h := newTestServer(t, Config{})

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/external-chat/status", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
	var body chatStatus
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body.Configured || body.Active || body.WebhookURL != "" {
		t.Fatalf("body = %+v, want unconfigured", body)
	}
}

func TestTelegramWebhookWithoutBridgeAcks(t *testing.T) {
	h := newTestServer(t, Config{})

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/external-chat/telegram/webhook", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
}

func TestHistorySearch(t *testing.T) {
	st := testStore(t)
	h := newTestServer(t, Config{Store: st})
	ctx := context.Background()

	acct, err := st.CreateAccount(ctx, store.ExternalAccount{
		UserID:     openPrincipal,
		Platform:   "telegram",
		ExternalID: "tg-9",
	})
	if err != nil {
		t.Fatal(err)
	}
	key := acct.ConversationKey()
	for _, text := range []string{"deploy the billing service on friday", "what about the invoice job"} {
		if _, err := st.AppendMessage(ctx, key, llm.Message{Role: llm.RoleUser, Content: text}, "", llm.Usage{}); err != nil {
			t.Fatal(err)
		}
	}
	// A conversation the principal does not own must stay invisible.
	if _, err := st.AppendMessage(ctx, "external-discord-2", llm.Message{Role: llm.RoleUser, Content: "billing question from someone else"}, "", llm.Usage{}); err != nil {
		t.Fatal(err)
	}

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/external-chat/history/search?q=billing", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rr.Code, rr.Body.String())
	}
	var body struct {
		Query string            `json:"query"`
		Hits  []store.SearchHit `json:"hits"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body.Query != "billing" {
		t.Fatalf("query = %q", body.Query)
	}
	if len(body.Hits) != 1 {
		t.Fatalf("hits = %d, want 1: %+v", len(body.Hits), body.Hits)
	}
	if body.Hits[0].Key != key {
		t.Fatalf("hit key = %q, want %q", body.Hits[0].Key, key)
	}
}

func TestHistorySearchValidation(t *testing.T) {
	h := newTestServer(t, Config{})

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/external-chat/history/search", nil))
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("missing q status = %d, want 400", rr.Code)
	}

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/external-chat/history/search?q=x&limit=zero", nil))
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("bad limit status = %d, want 400", rr.Code)
	}
}

func TestHistorySearchWithoutAccountsIsEmpty(t *testing.T) {
	h := newTestServer(t, Config{})

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/external-chat/history/search?q=anything", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
	var body struct {
		Hits []store.SearchHit `json:"hits"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if len(body.Hits) != 0 {
		t.Fatalf("hits = %d, want 0", len(body.Hits))
	}
}

func TestAuthenticatedSurfaceRejectsAnonymous(t *testing.T) {
	h := newTestServer(t, Config{APITokens: map[string]string{"tok-1": "alice"}})

	paths := []struct {
		method, path string
	}{
		{http.MethodPost, "/chat/stream"},
		{http.MethodPost, "/external-chat/pair"},
		{http.MethodGet, "/external-chat/accounts"},
		{http.MethodGet, "/external-chat/status"},
		{http.MethodGet, "/external-chat/history/search?q=x"},
	}
	for _, tc := range paths {
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, httptest.NewRequest(tc.method, tc.path, nil))
		if rr.Code != http.StatusUnauthorized {
			t.Fatalf("%s %s status = %d, want 401", tc.method, tc.path, rr.Code)
		}
	}
}
