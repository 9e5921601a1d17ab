package webhook

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/chamsddine/relay/internal/store"
)

// Registry maps workflow ids to webhook configs. Reads come from an
// in-memory map; writes go through to storage so registrations survive
// restarts. Credentials are never persisted; after a restart they are
// re-populated when the workflow re-activates.
type Registry struct {
	store *store.Store
	log   zerolog.Logger

	mu         sync.RWMutex
	hooks      map[string]Config
	remote     map[string]bool // registered while no tunnel was up
	tunnelURL  string
	remoteBase string
}

func NewRegistry(st *store.Store, remoteBase string, log zerolog.Logger) *Registry {
	return &Registry{
		store:      st,
		log:        log.With().Str("component", "webhook-registry").Logger(),
		hooks:      make(map[string]Config),
		remote:     make(map[string]bool),
		remoteBase: strings.TrimRight(remoteBase, "/"),
	}
}

// LoadAll warms the in-memory map from storage. Auth credentials come back
// empty; only the auth type survives a restart.
func (r *Registry) LoadAll(ctx context.Context) error {
	recs, err := r.store.ListWebhooks(ctx)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rec := range recs {
		cfg, err := configFromRecord(rec)
		if err != nil {
			r.log.Warn().Str("workflow", rec.WorkflowID).Err(err).
				Msg("skipping corrupt webhook record")
			continue
		}
		r.hooks[cfg.WorkflowID] = cfg
		r.remote[cfg.WorkflowID] = true // conservatively pollable until re-registered
	}
	r.log.Info().Int("webhooks", len(r.hooks)).Msg("webhook registrations loaded")
	return nil
}

// Register installs (or replaces) a registration and returns its public
// trigger URL.
func (r *Registry) Register(ctx context.Context, cfg Config) (string, error) {
	if cfg.WorkflowID == "" {
		return "", fmt.Errorf("webhook: register with empty workflow id")
	}
	if _, err := ParseMethod(string(cfg.Method)); err != nil {
		return "", err
	}
	switch cfg.ResponseMode {
	case ResponseImmediate, ResponseWait:
	default:
		return "", fmt.Errorf("webhook: invalid response mode %q", cfg.ResponseMode)
	}
	if cfg.CreatedAt.IsZero() {
		cfg.CreatedAt = time.Now()
	}

	if err := r.store.SaveWebhook(ctx, recordFromConfig(cfg)); err != nil {
		return "", err
	}

	r.mu.Lock()
	r.hooks[cfg.WorkflowID] = cfg
	if r.tunnelURL == "" {
		r.remote[cfg.WorkflowID] = true
	} else {
		delete(r.remote, cfg.WorkflowID)
	}
	url := r.triggerURLLocked(cfg.WorkflowID)
	r.mu.Unlock()

	r.log.Info().Str("workflow", cfg.WorkflowID).Str("url", url).Msg("webhook registered")
	return url, nil
}

// Unregister removes a registration from memory and storage.
func (r *Registry) Unregister(ctx context.Context, workflowID string) error {
	if err := r.store.DeleteWebhook(ctx, workflowID); err != nil {
		return err
	}
	r.mu.Lock()
	delete(r.hooks, workflowID)
	delete(r.remote, workflowID)
	r.mu.Unlock()
	r.log.Info().Str("workflow", workflowID).Msg("webhook unregistered")
	return nil
}

// Get returns a copy of the registration; borrowers never see later edits.
func (r *Registry) Get(workflowID string) (Config, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cfg, ok := r.hooks[workflowID]
	return cfg, ok
}

// SetTunnelURL records the current tunnel origin ("" when disconnected).
// Remote-side registrations keep their flag so in-flight pulls drain.
func (r *Registry) SetTunnelURL(url string) {
	r.mu.Lock()
	r.tunnelURL = strings.TrimRight(url, "/")
	r.mu.Unlock()
}

func (r *Registry) TunnelURL() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tunnelURL
}

// HasRemoteRegistrations reports whether any workflow still routes through
// the remote aggregator.
func (r *Registry) HasRemoteRegistrations() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.remote) > 0
}

// TriggerURL returns the public URL external callers should hit: the
// tunnel origin when one is up, the remote aggregator otherwise.
func (r *Registry) TriggerURL(workflowID string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.triggerURLLocked(workflowID)
}

func (r *Registry) triggerURLLocked(workflowID string) string {
	base := r.tunnelURL
	if base == "" {
		base = r.remoteBase
	}
	return fmt.Sprintf("%s/webhooks/trigger/%s", base, workflowID)
}

func recordFromConfig(cfg Config) store.WebhookRecord {
	return store.WebhookRecord{
		WorkflowID: cfg.WorkflowID,
		UserID:     cfg.UserID,
		Method:     string(cfg.Method),
		AuthType:   string(cfg.Auth.Type),
		// Credentials stay in memory only.
		ResponseMode:        string(cfg.ResponseMode),
		ResponseTemplate:    cfg.ResponseTemplate,
		ResponseContentType: cfg.ResponseContentType,
		CreatedAt:           cfg.CreatedAt,
	}
}

func configFromRecord(rec store.WebhookRecord) (Config, error) {
	method, err := ParseMethod(rec.Method)
	if err != nil {
		return Config{}, err
	}
	return Config{
		WorkflowID:          rec.WorkflowID,
		UserID:              rec.UserID,
		Method:              method,
		Auth:                AuthConfig{Type: AuthType(rec.AuthType)},
		ResponseMode:        ResponseMode(rec.ResponseMode),
		ResponseTemplate:    rec.ResponseTemplate,
		ResponseContentType: rec.ResponseContentType,
		CreatedAt:           rec.CreatedAt,
	}, nil
}
