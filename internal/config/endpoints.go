package config

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/chamsddine/relay/internal/llm"
)

// reloadDebounce absorbs the burst of events editors fire per save.
const reloadDebounce = 500 * time.Millisecond

// EndpointRegistry serves custom OpenAI-compatible endpoints from a JSON
// file and reloads it on change, so new endpoints appear without a restart.
type EndpointRegistry struct {
	path string
	log  zerolog.Logger

	mu        sync.RWMutex
	endpoints map[string]llm.CustomEndpoint

	watcher *fsnotify.Watcher
	wg      sync.WaitGroup
}

type endpointsFile struct {
	Endpoints []endpointEntry `json:"endpoints"`
}

type endpointEntry struct {
	ID      string `json:"id"`
	BaseURL string `json:"base_url"`
	APIKey  string `json:"api_key"`
	Vision  bool   `json:"vision"`
}

func NewEndpointRegistry(path string, log zerolog.Logger) *EndpointRegistry {
	return &EndpointRegistry{
		path:      path,
		log:       log.With().Str("component", "endpoints").Logger(),
		endpoints: make(map[string]llm.CustomEndpoint),
	}
}

// Load reads the file. A missing file is an empty registry, not an error;
// a corrupt file keeps the previously loaded entries.
func (r *EndpointRegistry) Load() error {
	data, err := os.ReadFile(r.path)
	if os.IsNotExist(err) {
		r.replace(nil)
		return nil
	}
	if err != nil {
		return fmt.Errorf("config: read endpoints file: %w", err)
	}
	var file endpointsFile
	if err := json.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("config: parse %s: %w", r.path, err)
	}
	r.replace(file.Endpoints)
	return nil
}

// Lookup satisfies llm.EndpointLookup.
func (r *EndpointRegistry) Lookup(id string) (llm.CustomEndpoint, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ep, ok := r.endpoints[id]
	return ep, ok
}

// Watch reloads the registry whenever the file changes, until the context
// ends.
func (r *EndpointRegistry) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config: watch endpoints: %w", err)
	}
	// Watch the directory, not the file: editors save by replacing the
	// file, which invalidates a watch held on the inode.
	dir := filepath.Dir(r.path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return fmt.Errorf("config: watch %s: %w", dir, err)
	}
	r.watcher = watcher

	r.wg.Add(1)
	go r.watchLoop(ctx)
	return nil
}

// Wait blocks until the watch goroutine exits.
func (r *EndpointRegistry) Wait() {
	r.wg.Wait()
}

func (r *EndpointRegistry) watchLoop(ctx context.Context) {
	defer r.wg.Done()
	defer r.watcher.Close()

	var reload *time.Timer
	defer func() {
		if reload != nil {
			reload.Stop()
		}
	}()

	target, _ := filepath.Abs(r.path)
	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-r.watcher.Events:
			if !ok {
				return
			}
			name, _ := filepath.Abs(event.Name)
			if name != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if reload != nil {
				reload.Stop()
			}
			reload = time.AfterFunc(reloadDebounce, func() {
				if err := r.Load(); err != nil {
					r.log.Warn().Err(err).Msg("endpoint reload failed, keeping previous registry")
					return
				}
				r.log.Info().Msg("custom endpoints reloaded")
			})

		case err, ok := <-r.watcher.Errors:
			if !ok {
				return
			}
			r.log.Warn().Err(err).Msg("endpoints watcher error")
		}
	}
}

func (r *EndpointRegistry) replace(entries []endpointEntry) {
	endpoints := make(map[string]llm.CustomEndpoint, len(entries))
	for _, e := range entries {
		if e.ID == "" || e.BaseURL == "" {
			r.log.Warn().Str("id", e.ID).Msg("skipping endpoint entry without id or base_url")
			continue
		}
		endpoints[e.ID] = llm.CustomEndpoint{
			ID:      e.ID,
			BaseURL: e.BaseURL,
			APIKey:  e.APIKey,
			Vision:  e.Vision,
		}
	}
	r.mu.Lock()
	r.endpoints = endpoints
	r.mu.Unlock()
}
