package webhook

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

// fakeAggregator stands in for the remote trigger queue: it serves scripted
// batches on /webhooks/poll and records what gets confirmed.
type fakeAggregator struct {
	mu       sync.Mutex
	batches  [][]pulledTrigger
	polls    int
	confirms []confirmRequest
	srv      *httptest.Server
}

func newFakeAggregator(t *testing.T, batches ...[]pulledTrigger) *fakeAggregator {
	t.Helper()
	agg := &fakeAggregator{batches: batches}
	mux := http.NewServeMux()
	mux.HandleFunc("/webhooks/poll", func(w http.ResponseWriter, r *http.Request) {
		agg.mu.Lock()
		defer agg.mu.Unlock()
		agg.polls++
		var batch []pulledTrigger
		if len(agg.batches) > 0 {
			batch = agg.batches[0]
			agg.batches = agg.batches[1:]
		}
		json.NewEncoder(w).Encode(pollResponse{Triggers: batch})
	})
	mux.HandleFunc("/webhooks/confirm-processed", func(w http.ResponseWriter, r *http.Request) {
		var req confirmRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		agg.mu.Lock()
		agg.confirms = append(agg.confirms, req)
		agg.mu.Unlock()
	})
	agg.srv = httptest.NewServer(mux)
	t.Cleanup(agg.srv.Close)
	return agg
}

func (a *fakeAggregator) pollCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.polls
}

func (a *fakeAggregator) confirmed() []confirmRequest {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]confirmRequest(nil), a.confirms...)
}

func testPoller(t *testing.T, agg *fakeAggregator, engine Engine) (*Poller, *Registry) {
	t.Helper()
	reg := NewRegistry(testRegistryStore(t), agg.srv.URL, zerolog.Nop())
	p := NewPoller(reg, engine, agg.srv.URL, zerolog.Nop())
	p.WaitTimeout = time.Second
	return p, reg
}

func pulled(id, workflowID string) pulledTrigger {
	return pulledTrigger{
		ID:         id,
		WorkflowID: workflowID,
		Method:     "POST",
		Headers:    map[string]string{"Authorization": "Bearer secret-token"},
		Body:       json.RawMessage(`{"a":3,"b":4}`),
	}
}

func TestPollerCycleProcessesAndConfirms(t *testing.T) {
	engine := &fakeEngine{
		completes: true,
		comp:      &Completion{Output: json.RawMessage(`{"sum":7}`)},
	}
	agg := newFakeAggregator(t, []pulledTrigger{pulled("trig-1", "wf-1")})
	p, reg := testPoller(t, agg, engine)
	register(t, reg, testConfig("wf-1"))

	p.cycle(context.Background())

	trigs := engine.dispatched()
	if len(trigs) != 1 {
		t.Fatalf("dispatched %d triggers", len(trigs))
	}
	if string(trigs[0].Body) != `{"a":3,"b":4}` || trigs[0].WorkflowID != "wf-1" {
		t.Errorf("trigger = %+v", trigs[0])
	}

	confirms := agg.confirmed()
	if len(confirms) != 1 {
		t.Fatalf("confirm posts = %d", len(confirms))
	}
	c := confirms[0]
	if len(c.IDs) != 1 || c.IDs[0] != "trig-1" {
		t.Errorf("confirmed ids = %v", c.IDs)
	}
	res := c.Results["trig-1"]
	if res.Status != "ok" || string(res.Output) != `{"sum":7}` {
		t.Errorf("result = %+v", res)
	}
}

func TestPollerLeavesUnknownWorkflowsUnconfirmed(t *testing.T) {
	engine := &fakeEngine{completes: true}
	agg := newFakeAggregator(t, []pulledTrigger{
		pulled("trig-known", "wf-1"),
		pulled("trig-ghost", "wf-ghost"),
	})
	p, reg := testPoller(t, agg, engine)
	register(t, reg, testConfig("wf-1"))

	p.cycle(context.Background())

	confirms := agg.confirmed()
	if len(confirms) != 1 {
		t.Fatalf("confirm posts = %d", len(confirms))
	}
	if ids := confirms[0].IDs; len(ids) != 1 || ids[0] != "trig-known" {
		t.Errorf("confirmed ids = %v", ids)
	}
}

func TestPollerLeavesNotReadyUnconfirmed(t *testing.T) {
	engine := &fakeEngine{err: ErrWorkflowNotReady}
	agg := newFakeAggregator(t, []pulledTrigger{pulled("trig-1", "wf-1")})
	p, reg := testPoller(t, agg, engine)
	register(t, reg, testConfig("wf-1"))

	p.cycle(context.Background())

	if agg.pollCount() != 1 {
		t.Fatalf("polls = %d", agg.pollCount())
	}
	if confirms := agg.confirmed(); len(confirms) != 0 {
		t.Errorf("not-ready trigger was confirmed: %+v", confirms)
	}
}

func TestPollerConfirmsNullOutput(t *testing.T) {
	engine := &fakeEngine{
		completes: true,
		comp:      &Completion{Output: json.RawMessage(`null`)},
	}
	// No id on the pulled trigger: the poller assigns one.
	trig := pulled("", "wf-1")
	agg := newFakeAggregator(t, []pulledTrigger{trig})
	p, reg := testPoller(t, agg, engine)
	register(t, reg, testConfig("wf-1"))

	p.cycle(context.Background())

	confirms := agg.confirmed()
	if len(confirms) != 1 || len(confirms[0].IDs) != 1 {
		t.Fatalf("confirms = %+v", confirms)
	}
	id := confirms[0].IDs[0]
	if id == "" {
		t.Error("poller did not assign a trigger id")
	}
	res := confirms[0].Results[id]
	if res.Status != "ok" || string(res.Output) != "null" {
		t.Errorf("null output result = %+v", res)
	}
}

func TestPollerConfirmsPermanentFailures(t *testing.T) {
	engine := &fakeEngine{completes: true}
	badAuth := pulled("trig-auth", "wf-1")
	badAuth.Headers = map[string]string{"Authorization": "Bearer wrong"}
	badMethod := pulled("trig-method", "wf-1")
	badMethod.Method = "GET"
	agg := newFakeAggregator(t, []pulledTrigger{badAuth, badMethod})
	p, reg := testPoller(t, agg, engine)
	register(t, reg, testConfig("wf-1"))

	p.cycle(context.Background())

	if n := len(engine.dispatched()); n != 0 {
		t.Errorf("denied triggers reached the engine: %d", n)
	}
	confirms := agg.confirmed()
	if len(confirms) != 1 || len(confirms[0].IDs) != 2 {
		t.Fatalf("confirms = %+v", confirms)
	}
	if res := confirms[0].Results["trig-auth"]; res.Status != "error" || res.Error != "unauthorized" {
		t.Errorf("auth result = %+v", res)
	}
	if res := confirms[0].Results["trig-method"]; res.Status != "error" || res.Error != "method not allowed" {
		t.Errorf("method result = %+v", res)
	}
}

func TestPollerConfirmsTimeout(t *testing.T) {
	engine := &fakeEngine{completes: false}
	agg := newFakeAggregator(t, []pulledTrigger{pulled("trig-1", "wf-1")})
	p, reg := testPoller(t, agg, engine)
	p.WaitTimeout = 20 * time.Millisecond
	register(t, reg, testConfig("wf-1"))

	p.cycle(context.Background())

	confirms := agg.confirmed()
	if len(confirms) != 1 {
		t.Fatalf("confirm posts = %d", len(confirms))
	}
	if res := confirms[0].Results["trig-1"]; res.Status != "timeout" {
		t.Errorf("result = %+v", res)
	}
}

func TestPollerSkipsWhileTunnelServes(t *testing.T) {
	engine := &fakeEngine{completes: true}
	agg := newFakeAggregator(t,
		[]pulledTrigger{pulled("trig-1", "wf-1")},
		[]pulledTrigger{pulled("trig-2", "wf-1")},
	)
	p, reg := testPoller(t, agg, engine)
	register(t, reg, testConfig("wf-1")) // registered remotely: no tunnel yet

	// Tunnel comes up, but the remote-side registration has not been
	// re-registered: keep polling so queued triggers drain.
	reg.SetTunnelURL("https://tunnel.example.com")
	p.cycle(context.Background())
	if agg.pollCount() != 1 {
		t.Fatalf("drain cycle did not poll: %d", agg.pollCount())
	}

	// Re-registering through the tunnel clears the remote flag.
	register(t, reg, testConfig("wf-1"))
	p.cycle(context.Background())
	if agg.pollCount() != 1 {
		t.Errorf("polled while tunnel serves all registrations: %d", agg.pollCount())
	}

	// Tunnel drops: polling resumes.
	reg.SetTunnelURL("")
	p.cycle(context.Background())
	if agg.pollCount() != 2 {
		t.Errorf("polls after tunnel drop = %d", agg.pollCount())
	}
}

func TestPollerNoRemoteConfigured(t *testing.T) {
	engine := &fakeEngine{completes: true}
	agg := newFakeAggregator(t, []pulledTrigger{pulled("trig-1", "wf-1")})
	reg := NewRegistry(testRegistryStore(t), agg.srv.URL, zerolog.Nop())
	p := NewPoller(reg, engine, "", zerolog.Nop())
	register(t, reg, testConfig("wf-1"))

	p.cycle(context.Background())

	if agg.pollCount() != 0 {
		t.Errorf("polled without a remote url: %d", agg.pollCount())
	}
}
