package main

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"foreman/pkg/engine"
	"foreman/pkg/store"
	"foreman/pkg/wf"
)

// runtime bundles everything a subcommand needs: resolved paths, config,
// the open store and a wired engine. Built per-invocation; the CLI has no
// daemon state.
type runtime struct {
	paths    *Paths
	cfg      *Config
	db       *sql.DB
	store    *store.Store
	registry *wf.Registry
	engine   *engine.Engine
}

// buildRuntime resolves paths, loads config and workflows, opens the state
// database and wires the engine. Callers must Close.
func buildRuntime(ctx context.Context) (*runtime, error) {
	paths, err := ResolvePaths()
	if err != nil {
		return nil, err
	}

	cfg, err := LoadConfig(paths.ConfigPath)
	if err != nil {
		return nil, err
	}

	db, err := store.Open(paths.StateDBPath)
	if err != nil {
		return nil, err
	}
	st := store.New(db)
	if err := st.Init(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	registry := wf.NewRegistry(paths.WorkflowsDir)
	if err := registry.Reload(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("load workflows from %s: %w", paths.WorkflowsDir, err)
	}

	gateway := NewTmuxGateway(cfg)
	eng := engine.New(st, registry, newConfigResolver(cfg), gateway, gateway, engine.Config{
		ClaimTTL:             cfg.ClaimTTL(),
		StaleAge:             cfg.StaleAge(),
		TickBatch:            cfg.Engine.TickBatch,
		DefaultMaxIterations: cfg.Engine.MaxIterations,
		DefaultMaxRetries:    cfg.Engine.MaxRetries,
		StoryMaxRetries:      cfg.Engine.StoryMaxRetries,
		AutoRedispatch:       cfg.Engine.AutoRedispatch,
	})

	return &runtime{
		paths:    paths,
		cfg:      cfg,
		db:       db,
		store:    st,
		registry: registry,
		engine:   eng,
	}, nil
}

// Close releases the state database.
func (r *runtime) Close() error {
	return r.db.Close()
}

// cmdTimeout bounds one CLI invocation. Dispatch pastes into tmux panes
// with debounce sleeps, so a tick over a full batch can take a while.
const cmdTimeout = 2 * time.Minute

// withRuntime runs fn against a freshly built runtime under the command
// timeout, closing the store afterwards.
func withRuntime(fn func(ctx context.Context, rt *runtime) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), cmdTimeout)
	defer cancel()

	rt, err := buildRuntime(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = rt.Close() }()

	return fn(ctx, rt)
}
