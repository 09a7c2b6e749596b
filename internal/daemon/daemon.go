// Package daemon assembles the loom service: configuration, logging,
// tracing, the shared database, the run coordinator, and the orchestrator,
// wired in dependency order and torn down in reverse.
package daemon

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/harun/loom/internal/config"
	"github.com/harun/loom/internal/logger"
	"github.com/harun/loom/internal/observability"
	"github.com/harun/loom/internal/state"
	"github.com/harun/loom/internal/tracing"
	"github.com/harun/loom/pkg/contextmgr"
	"github.com/harun/loom/pkg/llm"
	"github.com/harun/loom/pkg/orchestrator"
	"github.com/harun/loom/pkg/processor"
	"github.com/harun/loom/pkg/run"
	"github.com/harun/loom/pkg/thread"
	"github.com/harun/loom/pkg/tool"
)

// Daemon is the assembled loom service.
type Daemon struct {
	configPath string
	log        *logger.Logger

	db          *sql.DB
	store       *thread.Store
	registry    *tool.Registry
	coordinator *run.Coordinator
	watcher     *config.Watcher

	mu   sync.RWMutex
	cfg  *config.Config
	orch *orchestrator.Orchestrator

	tracingEnabled bool
	running        bool
}

// New builds the daemon from a loaded config. configPath is the file the
// hot-reload watcher tracks; empty disables hot reload.
func New(configPath string, cfg *config.Config, log *logger.Logger) (*Daemon, error) {
	observability.EnsureRegistered()

	d := &Daemon{
		configPath: configPath,
		cfg:        cfg,
		log:        log,
	}

	if err := tracing.InitOpenTelemetry("loom"); err != nil {
		log.Warn().Err(err).Msg("Failed to initialize tracing, continuing without it")
	} else {
		d.tracingEnabled = true
	}

	db, err := state.Open(cfg.Database.Path)
	if err != nil {
		d.shutdownTracing()
		return nil, fmt.Errorf("open database: %w", err)
	}
	d.db = db
	d.store = thread.NewStore(db, log.Zerolog())

	d.registry = tool.NewRegistry(cfg.Run.ToolTimeout)
	if err := tool.RegisterBuiltins(d.registry); err != nil {
		_ = db.Close()
		d.shutdownTracing()
		return nil, fmt.Errorf("register builtin tools: %w", err)
	}

	d.coordinator = run.NewCoordinator(db, cfg, log.Zerolog())

	if err := d.buildOrchestrator(cfg); err != nil {
		_ = db.Close()
		d.shutdownTracing()
		return nil, err
	}

	return d, nil
}

// buildOrchestrator assembles the config-dependent pipeline. Called at
// startup and again on every config reload; in-flight runs keep the
// pipeline they started with.
func (d *Daemon) buildOrchestrator(cfg *config.Config) error {
	client, err := d.buildClient(cfg)
	if err != nil {
		return err
	}

	bounder := contextmgr.New(d.store, client, cfg, d.log.Zerolog())
	proc := processor.New(d.registry, d.log.Zerolog())
	orch := orchestrator.New(d.store, bounder, client, d.registry, proc, d.coordinator, cfg, d.log.Zerolog())

	d.mu.Lock()
	d.cfg = cfg
	d.orch = orch
	d.mu.Unlock()
	return nil
}

// buildClient selects the provider from the configured credentials and
// wraps it with retry behavior.
func (d *Daemon) buildClient(cfg *config.Config) (llm.Client, error) {
	var inner llm.Client
	switch {
	case cfg.Providers.AnthropicAPIKey != "":
		inner = llm.NewAnthropicClient(cfg.Providers.AnthropicAPIKey)
	case cfg.Providers.OpenAIAPIKey != "":
		inner = llm.NewOpenAIClient(cfg.Providers.OpenAIAPIKey)
	default:
		return nil, fmt.Errorf("no LLM provider credentials configured")
	}
	return llm.NewRetryingClient(inner, cfg.Run.MaxRetries, d.log.Zerolog()), nil
}

// Start begins background work: coordinator sweeps and config hot reload.
func (d *Daemon) Start() error {
	if err := d.coordinator.Start(); err != nil {
		return fmt.Errorf("start coordinator: %w", err)
	}

	if d.configPath != "" {
		w, err := config.NewWatcher(d.configPath, d.log.Zerolog(), d.onReload)
		if err != nil {
			d.log.Warn().Err(err).Msg("Config hot reload disabled")
		} else {
			d.watcher = w
		}
	}

	d.mu.Lock()
	d.running = true
	d.mu.Unlock()
	d.log.Info().Str("instance_id", d.Config().Instance.ID).Msg("Daemon started")
	return nil
}

// onReload rebuilds the pipeline with the reloaded config. New runs pick
// up the new limits; coordinator sweep settings need a restart.
func (d *Daemon) onReload(cfg *config.Config) {
	if err := d.buildOrchestrator(cfg); err != nil {
		d.log.Warn().Err(err).Msg("Config reload not applied, keeping previous pipeline")
		return
	}
	d.log.Info().
		Int("max_iterations", cfg.Run.MaxIterations).
		Str("model", cfg.Models.Default).
		Msg("Run limits reloaded")
}

// Stop tears the daemon down: hot reload first, then the coordinator (which
// reclaims runs this instance still owns), then tracing and the database.
func (d *Daemon) Stop(ctx context.Context) error {
	d.mu.Lock()
	d.running = false
	d.mu.Unlock()

	if d.watcher != nil {
		_ = d.watcher.Close()
	}

	if err := d.coordinator.Close(ctx); err != nil {
		d.log.Warn().Err(err).Msg("Coordinator shutdown reported errors")
	}

	d.shutdownTracing()

	if err := d.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	d.log.Info().Msg("Daemon stopped")
	return nil
}

func (d *Daemon) shutdownTracing() {
	if !d.tracingEnabled {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = tracing.ShutdownOpenTelemetry(ctx)
	d.tracingEnabled = false
}

// Orchestrator returns the current pipeline.
func (d *Daemon) Orchestrator() *orchestrator.Orchestrator {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.orch
}

// Coordinator returns the run coordinator.
func (d *Daemon) Coordinator() *run.Coordinator {
	return d.coordinator
}

// Store returns the thread store.
func (d *Daemon) Store() *thread.Store {
	return d.store
}

// Registry returns the tool registry, for callers registering domain tools.
func (d *Daemon) Registry() *tool.Registry {
	return d.registry
}

// Config returns the active configuration.
func (d *Daemon) Config() *config.Config {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.cfg
}

// Running reports whether Start has completed and Stop has not.
func (d *Daemon) Running() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.running
}
