package wf

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Registry is the in-memory workflow definition store. It is read-mostly:
// the engine calls Get/SelectFor on every transition while Reload swaps the
// whole map under the write lock. Watch keeps it in sync with the workflows
// directory via fsnotify, with a periodic reload as a safety net.
type Registry struct {
	dir string

	mu   sync.RWMutex
	byID map[string]*WorkflowConfig
	ids  []string // sorted, for deterministic List/SelectFor order

	// fallbackInterval is the safety-net reload cadence when watching.
	fallbackInterval time.Duration
}

// NewRegistry creates a registry over dir. Call Reload before first use.
func NewRegistry(dir string) *Registry {
	return &Registry{
		dir:              dir,
		byID:             make(map[string]*WorkflowConfig),
		fallbackInterval: 60 * time.Second,
	}
}

// NewStatic builds a registry from in-memory configs: built-in workflows
// and tests use this instead of a directory. Reload and Watch are no-ops
// for a static registry without a directory.
func NewStatic(configs ...WorkflowConfig) (*Registry, error) {
	r := NewRegistry("")
	byID := make(map[string]*WorkflowConfig, len(configs))
	ids := make([]string, 0, len(configs))
	for i := range configs {
		cfg := configs[i]
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
		if _, dup := byID[cfg.ID]; dup {
			return nil, fmt.Errorf("duplicate workflow id %q", cfg.ID)
		}
		byID[cfg.ID] = &cfg
		ids = append(ids, cfg.ID)
	}
	sort.Strings(ids)
	r.byID = byID
	r.ids = ids
	return r, nil
}

// Reload re-reads the workflows directory and atomically replaces the
// registry contents. Duplicate ids across files are an error.
func (r *Registry) Reload() error {
	if r.dir == "" {
		return nil
	}
	configs, err := LoadDir(r.dir)
	if err != nil {
		return err
	}

	byID := make(map[string]*WorkflowConfig, len(configs))
	ids := make([]string, 0, len(configs))
	for i := range configs {
		cfg := configs[i]
		if _, dup := byID[cfg.ID]; dup {
			return fmt.Errorf("duplicate workflow id %q in %s", cfg.ID, r.dir)
		}
		byID[cfg.ID] = &cfg
		ids = append(ids, cfg.ID)
	}
	sort.Strings(ids)

	r.mu.Lock()
	r.byID = byID
	r.ids = ids
	r.mu.Unlock()
	return nil
}

// Get returns the workflow with the given id, or nil if unknown.
func (r *Registry) Get(id string) *WorkflowConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byID[id]
}

// List returns all workflows sorted by id.
func (r *Registry) List() []*WorkflowConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*WorkflowConfig, 0, len(r.ids))
	for _, id := range r.ids {
		out = append(out, r.byID[id])
	}
	return out
}

// Watch reloads the registry whenever the workflows directory changes.
// Falls back to pure interval polling if fsnotify is unavailable. Blocks
// until ctx is cancelled. Reload errors are reported through onErr (may be
// nil) and leave the previous contents in place.
func (r *Registry) Watch(ctx context.Context, onErr func(error)) {
	report := func(err error) {
		if onErr != nil && err != nil {
			onErr(err)
		}
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		r.watchPoll(ctx, report)
		return
	}
	defer func() { _ = watcher.Close() }()

	if err := watcher.Add(r.dir); err != nil {
		r.watchPoll(ctx, report)
		return
	}

	fallback := time.NewTicker(r.fallbackInterval)
	defer fallback.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-watcher.Events:
			report(r.Reload())
		case werr := <-watcher.Errors:
			report(werr)
		case <-fallback.C:
			report(r.Reload())
		}
	}
}

// watchPoll is the fallback reload loop when fsnotify is unavailable.
func (r *Registry) watchPoll(ctx context.Context, report func(error)) {
	ticker := time.NewTicker(r.fallbackInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			report(r.Reload())
		}
	}
}
