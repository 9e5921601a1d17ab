package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	defaultPollInterval = 10 * time.Second
	pollCycleTimeout    = 30 * time.Second
)

// Poller is the pull-side trigger path: while no tunnel is up (or remote
// registrations are still draining) it fetches queued triggers from the
// remote aggregator, runs them, and confirms the handled ids. Triggers that
// fail because a workflow is not ready are left unconfirmed and reappear in
// a later batch.
type Poller struct {
	registry *Registry
	engine   Engine
	client   *http.Client
	remote   string
	recorder DispatchRecorder
	log      zerolog.Logger

	Interval    time.Duration
	WaitTimeout time.Duration
}

func NewPoller(registry *Registry, engine Engine, remoteURL string, log zerolog.Logger) *Poller {
	return &Poller{
		registry:    registry,
		engine:      engine,
		client:      &http.Client{Timeout: pollCycleTimeout},
		remote:      remoteURL,
		log:         log.With().Str("component", "webhook-poller").Logger(),
		Interval:    defaultPollInterval,
		WaitTimeout: defaultWaitTimeout,
	}
}

// SetRecorder attaches an outcome counter. Must be called before Run.
func (p *Poller) SetRecorder(rec DispatchRecorder) { p.recorder = rec }

// Run polls until the context ends.
func (p *Poller) Run(ctx context.Context) {
	ticker := time.NewTicker(p.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.cycle(ctx)
		}
	}
}

// cycle runs one poll round. With a tunnel connected, polling continues
// only while remote-side registrations remain, so in-flight pulls drain.
func (p *Poller) cycle(ctx context.Context) {
	if p.remote == "" {
		return
	}
	if p.registry.TunnelURL() != "" && !p.registry.HasRemoteRegistrations() {
		return
	}

	ctx, cancel := context.WithTimeout(ctx, pollCycleTimeout)
	defer cancel()

	triggers, err := p.fetch(ctx)
	if err != nil {
		p.log.Warn().Err(err).Msg("trigger poll failed")
		return
	}
	if len(triggers) == 0 {
		return
	}

	confirm := confirmRequest{Results: make(map[string]TriggerResult)}
	for _, trig := range triggers {
		result, confirmed := p.process(ctx, trig)
		if !confirmed {
			continue
		}
		if p.recorder != nil {
			p.recorder.RecordWebhookDispatch("pull", result.Status)
		}
		confirm.IDs = append(confirm.IDs, trig.ID)
		confirm.Results[trig.ID] = result
	}
	if len(confirm.IDs) == 0 {
		return
	}
	if err := p.confirm(ctx, confirm); err != nil {
		p.log.Warn().Err(err).Msg("trigger confirmation failed")
	}
}

// TriggerResult is the per-trigger outcome posted back to the aggregator.
type TriggerResult struct {
	Status string          `json:"status"`
	Output json.RawMessage `json:"output,omitempty"`
	Error  string          `json:"error,omitempty"`
}

type confirmRequest struct {
	IDs     []string                 `json:"ids"`
	Results map[string]TriggerResult `json:"results"`
}

type pollResponse struct {
	Triggers []pulledTrigger `json:"triggers"`
}

type pulledTrigger struct {
	ID         string            `json:"id"`
	WorkflowID string            `json:"workflow_id"`
	Method     string            `json:"method"`
	Headers    map[string]string `json:"headers"`
	Query      map[string]string `json:"query"`
	Body       json.RawMessage   `json:"body"`
}

func (t pulledTrigger) toTrigger() Trigger {
	id := t.ID
	if id == "" {
		id = uuid.NewString()
	}
	headers := make(http.Header, len(t.Headers))
	for k, v := range t.Headers {
		headers.Set(k, v)
	}
	query := make(url.Values, len(t.Query))
	for k, v := range t.Query {
		query.Set(k, v)
	}
	method := t.Method
	if method == "" {
		method = http.MethodPost
	}
	return Trigger{
		ID:         id,
		WorkflowID: t.WorkflowID,
		ReceivedAt: time.Now(),
		Method:     method,
		Headers:    headers,
		Query:      query,
		Body:       t.Body,
	}
}

func (p *Poller) fetch(ctx context.Context) ([]Trigger, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.remote+"/webhooks/poll", nil)
	if err != nil {
		return nil, err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("poll returned status %d", resp.StatusCode)
	}

	var payload pollResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decode poll response: %w", err)
	}
	triggers := make([]Trigger, 0, len(payload.Triggers))
	for _, t := range payload.Triggers {
		triggers = append(triggers, t.toTrigger())
	}
	return triggers, nil
}

// process runs one pulled trigger. The bool reports whether the trigger is
// consumed: permanent failures (bad method, bad credentials, workflow
// errors) are confirmed so the remote stops re-delivering, and a null
// completion output is still a completion.
func (p *Poller) process(ctx context.Context, trig Trigger) (TriggerResult, bool) {
	cfg, ok := p.registry.Get(trig.WorkflowID)
	if !ok {
		return TriggerResult{}, false
	}
	if !cfg.Method.Matches(trig.Method) {
		return TriggerResult{Status: "error", Error: "method not allowed"}, true
	}
	if err := authorize(cfg, trig.Headers); err != nil {
		return TriggerResult{Status: "error", Error: "unauthorized"}, true
	}
	if p.engine == nil {
		return TriggerResult{}, false
	}

	completions, err := p.engine.Dispatch(ctx, trig)
	if err != nil {
		if errors.Is(err, ErrWorkflowNotReady) || ctx.Err() != nil {
			return TriggerResult{}, false
		}
		return TriggerResult{Status: "error", Error: err.Error()}, true
	}

	timer := time.NewTimer(p.WaitTimeout)
	defer timer.Stop()
	select {
	case comp := <-completions:
		if comp.Err != "" {
			return TriggerResult{Status: "error", Error: comp.Err}, true
		}
		return TriggerResult{Status: "ok", Output: comp.Output}, true
	case <-timer.C:
		// The workflow is running; re-delivery would double-run it.
		return TriggerResult{Status: "timeout"}, true
	case <-ctx.Done():
		return TriggerResult{}, false
	}
}

func (p *Poller) confirm(ctx context.Context, payload confirmRequest) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		p.remote+"/webhooks/confirm-processed", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("confirm returned status %d", resp.StatusCode)
	}
	return nil
}
