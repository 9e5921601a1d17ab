package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"

	"github.com/chamsddine/relay/internal/engine"
	"github.com/chamsddine/relay/internal/extchat"
	"github.com/chamsddine/relay/internal/llm"
	"github.com/chamsddine/relay/internal/metrics"
	"github.com/chamsddine/relay/internal/store"
	"github.com/chamsddine/relay/internal/webhook"
)

func testStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(context.Background(), filepath.Join(t.TempDir(), "relay.db"), zerolog.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

// fakeTurner streams canned chunks and returns a preset result.
type fakeTurner struct {
	mu     sync.Mutex
	reqs   []engine.TurnRequest
	stream []string
	result *engine.TurnResult
	err    error
}

func (f *fakeTurner) RunTurn(_ context.Context, req engine.TurnRequest) (*engine.TurnResult, error) {
	f.mu.Lock()
	f.reqs = append(f.reqs, req)
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	if req.OnChunk != nil {
		for _, text := range f.stream {
			req.OnChunk(llm.Chunk{Kind: llm.ChunkContent, Text: text})
		}
	}
	res := *f.result
	return &res, nil
}

func (f *fakeTurner) requests() []engine.TurnRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]engine.TurnRequest(nil), f.reqs...)
}

func newTestServer(t *testing.T, cfg Config) http.Handler {
	t.Helper()
	if cfg.Store == nil {
		cfg.Store = testStore(t)
	}
	if cfg.Chat == nil {
		pairing := extchat.NewPairingService(cfg.Store, zerolog.Nop())
		cfg.Chat = extchat.NewService(cfg.Store, nil, pairing, "openai", "gpt-4o-mini", zerolog.Nop())
	}
	if cfg.Provider == "" {
		cfg.Provider = "openai"
	}
	if cfg.Model == "" {
		cfg.Model = "gpt-4o-mini"
	}
	cfg.Log = zerolog.Nop()
	return New(cfg).Routes()
}

func TestHealthz(t *testing.T) {
	h := newTestServer(t, Config{})
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body["status"] != "ok" {
		t.Fatalf("body = %v", body)
	}
}

func TestMetricsRoute(t *testing.T) {
	h := newTestServer(t, Config{Collector: metrics.NewCollector()})
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "go_goroutines") {
		t.Fatal("exposition missing runtime metrics")
	}
}

// fakeWorkflowEngine completes every trigger immediately.
type fakeWorkflowEngine struct{}

func (fakeWorkflowEngine) Dispatch(_ context.Context, trig webhook.Trigger) (<-chan webhook.Completion, error) {
	ch := make(chan webhook.Completion, 1)
	ch <- webhook.Completion{TriggerID: trig.ID, Output: json.RawMessage(`{}`)}
	return ch, nil
}

func TestWebhookTriggerRouteWired(t *testing.T) {
	st := testStore(t)
	reg := webhook.NewRegistry(st, "", zerolog.Nop())
	if _, err := reg.Register(context.Background(), webhook.Config{
		WorkflowID:   "wf-1",
		Method:       webhook.MethodPost,
		ResponseMode: webhook.ResponseImmediate,
	}); err != nil {
		t.Fatal(err)
	}
	d := webhook.NewDispatcher(reg, fakeWorkflowEngine{}, 0, zerolog.Nop())

	h := newTestServer(t, Config{Store: st, Dispatcher: d})
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/webhooks/trigger/wf-1", strings.NewReader(`{"event":"push"}`)))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rr.Code, rr.Body.String())
	}
	var body map[string]string
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body["status"] != "accepted" || body["trigger_id"] == "" {
		t.Fatalf("body = %v", body)
	}
}

func TestUnknownRouteReturns404(t *testing.T) {
	h := newTestServer(t, Config{})
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/nope", nil))
	if rr.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rr.Code)
	}
}
