package webhook

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	defaultWaitTimeout = 30 * time.Second
	defaultMaxBody     = 10 << 20
)

// DispatchRecorder counts trigger outcomes by response mode. A nil
// recorder disables counting.
type DispatchRecorder interface {
	RecordWebhookDispatch(mode, outcome string)
}

// Dispatcher is the push-side trigger path: it authorizes an inbound HTTP
// request against the registry and forwards it to the engine.
type Dispatcher struct {
	registry *Registry
	engine   Engine
	recorder DispatchRecorder
	log      zerolog.Logger

	// WaitTimeout bounds WaitForResult responses.
	WaitTimeout time.Duration
	// MaxBody caps the accepted request body size.
	MaxBody int64
}

func NewDispatcher(registry *Registry, engine Engine, maxBody int64, log zerolog.Logger) *Dispatcher {
	if maxBody <= 0 {
		maxBody = defaultMaxBody
	}
	return &Dispatcher{
		registry:    registry,
		engine:      engine,
		log:         log.With().Str("component", "webhook-dispatcher").Logger(),
		WaitTimeout: defaultWaitTimeout,
		MaxBody:     maxBody,
	}
}

// SetRecorder attaches an outcome counter. Must be called before the
// dispatcher starts serving.
func (d *Dispatcher) SetRecorder(rec DispatchRecorder) { d.recorder = rec }

func (d *Dispatcher) record(cfg Config, outcome string) {
	if d.recorder != nil {
		d.recorder.RecordWebhookDispatch(string(cfg.ResponseMode), outcome)
	}
}

// HandleTrigger serves /webhooks/trigger/{workflowID} for every HTTP
// method. Denials are ordered: unknown workflow, then method, then
// credentials, so a probe learns as little as possible.
func (d *Dispatcher) HandleTrigger(w http.ResponseWriter, r *http.Request) {
	workflowID := chi.URLParam(r, "workflowID")
	cfg, ok := d.registry.Get(workflowID)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown workflow"})
		return
	}
	if !cfg.Method.Matches(r.Method) {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}
	if err := authorize(cfg, r.Header); err != nil {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		return
	}
	if d.engine == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "engine unavailable"})
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, d.MaxBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, map[string]string{"error": "body too large"})
			return
		}
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unreadable body"})
		return
	}

	trig := Trigger{
		ID:         uuid.NewString(),
		WorkflowID: workflowID,
		ReceivedAt: time.Now(),
		Method:     r.Method,
		Headers:    r.Header.Clone(),
		Query:      r.URL.Query(),
		Body:       body,
	}

	completions, err := d.engine.Dispatch(r.Context(), trig)
	if err != nil {
		d.record(cfg, "failed")
		if errors.Is(err, ErrWorkflowNotReady) {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "workflow not ready"})
			return
		}
		d.log.Error().Str("workflow", workflowID).Err(err).Msg("dispatch failed")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "dispatch failed"})
		return
	}

	if cfg.ResponseMode == ResponseImmediate {
		d.record(cfg, "accepted")
		writeJSON(w, http.StatusOK, map[string]string{"status": "accepted", "trigger_id": trig.ID})
		return
	}

	d.respondWhenDone(w, r, cfg, trig, completions)
}

// respondWhenDone implements WaitForResult: the whole completion output (or
// its template-resolved view) goes out, never partial state. A workflow
// outliving the deadline still returns 200; the dispatch itself succeeded.
func (d *Dispatcher) respondWhenDone(w http.ResponseWriter, r *http.Request, cfg Config, trig Trigger, completions <-chan Completion) {
	timer := time.NewTimer(d.WaitTimeout)
	defer timer.Stop()

	select {
	case comp := <-completions:
		if comp.Err != "" {
			d.record(cfg, "error")
			writeJSON(w, http.StatusInternalServerError, map[string]string{"status": "error", "error": comp.Err})
			return
		}
		d.record(cfg, "ok")
		d.writeCompletion(w, cfg, comp)
	case <-timer.C:
		d.record(cfg, "timeout")
		writeJSON(w, http.StatusOK, map[string]string{
			"status":     "timeout",
			"trigger_id": trig.ID,
			"message":    "workflow did not complete before the deadline",
		})
	case <-r.Context().Done():
		// Client went away; nothing to write.
		d.record(cfg, "abandoned")
	}
}

func (d *Dispatcher) writeCompletion(w http.ResponseWriter, cfg Config, comp Completion) {
	if cfg.ResponseTemplate == "" {
		contentType := cfg.ResponseContentType
		if contentType == "" {
			contentType = "application/json"
		}
		w.Header().Set("Content-Type", contentType)
		w.WriteHeader(http.StatusOK)
		if len(comp.Output) == 0 {
			w.Write([]byte("null"))
			return
		}
		w.Write(comp.Output)
		return
	}

	resolved := ResolveTemplate(cfg.ResponseTemplate, comp.Output)
	contentType := cfg.ResponseContentType
	if contentType == "" {
		contentType = "text/plain; charset=utf-8"
	}
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(resolved))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
