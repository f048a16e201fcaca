// Package server is the public entry point for composing the MetaHuman
// core: it wires the identity store, storage router, policy, audit
// trail, agent plane, and training pipeline into one HTTP handler with
// a managed lifecycle.
package server

import (
	"context"
	"fmt"
	"net/http"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/metahuman-os/metahuman/internal/agents"
	"github.com/metahuman-os/metahuman/internal/api"
	"github.com/metahuman-os/metahuman/internal/api/handlers"
	"github.com/metahuman-os/metahuman/internal/audit"
	"github.com/metahuman-os/metahuman/internal/config"
	"github.com/metahuman-os/metahuman/internal/identity"
	"github.com/metahuman-os/metahuman/internal/modelserver"
	"github.com/metahuman-os/metahuman/internal/policy"
	"github.com/metahuman-os/metahuman/internal/storage"
	"github.com/metahuman-os/metahuman/internal/telemetry"
	"github.com/metahuman-os/metahuman/internal/training"
	"github.com/metahuman-os/metahuman/internal/vault"
	"github.com/metahuman-os/metahuman/pkg/models"
)

const sessionSweepInterval = 10 * time.Minute

// Server holds the composed MetaHuman core.
type Server struct {
	Handler http.Handler
	Config  *config.Config
	Port    int

	Identity  *identity.Store
	Scheduler *agents.Scheduler
	Spawner   *agents.Spawner

	keys         *vault.KeyCache
	activity     *agents.ActivityMonitor
	janitor      *audit.Janitor
	telShutdown  func(context.Context) error
	sweeperStop  chan struct{}
	shutdownOnce chan struct{}
}

// New composes the core from environment configuration.
func New(ctx context.Context) (*Server, error) {
	return NewWithConfig(ctx, config.Load())
}

// NewWithConfig composes the core from an explicit configuration.
func NewWithConfig(ctx context.Context, cfg *config.Config) (*Server, error) {
	telShutdown, err := telemetry.Init(cfg.Telemetry, cfg.Version)
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}

	router := storage.NewRouter(cfg.Root)
	store := identity.NewStore(filepath.Join(cfg.Root, "state", "identity.json"))

	auditor := audit.New(filepath.Join(cfg.Root, "logs", "audit"), func(username string) (string, bool) {
		user, err := store.GetUserByUsername(context.Background(), username)
		if err != nil {
			return "", false
		}
		return filepath.Join(router.ProfileRoot(user), "logs", "audit"), true
	})
	router.OnFallback = func(username, badPath string) {
		auditor.Security(models.AuditWarn, "profile_path_fallback", username, map[string]string{
			"reason": "custom_path_invalid",
		})
	}

	janitor := audit.NewJanitor(func() []string {
		dirs := []string{filepath.Join(cfg.Root, "logs", "audit")}
		if users, err := store.ListUsers(context.Background()); err == nil {
			for _, u := range users {
				dirs = append(dirs, filepath.Join(router.ProfileRoot(u), "logs", "audit"))
			}
		}
		return dirs
	}, time.Hour)

	modeHolder := policy.NewModeHolder(cfg.HighSecurity, cfg.WetwareDeceased)
	keys := vault.NewKeyCache()
	model := modelserver.NewClient(cfg.ModelServer.Endpoint, cfg.ModelServer.Timeout)

	registry := agents.NewRegistry(filepath.Join(cfg.Root, "state", "agents-registry.json"))
	spawner := agents.NewSpawner(registry, auditor)
	activity := agents.NewActivityMonitor(auditor)
	scheduler := agents.NewScheduler(store, router, registry, spawner, activity, cfg.HeadlessRuntime)

	datasets := training.NewDatasets(router)
	activator := training.NewActivator(router, datasets, model, cfg.BaseModel)
	cycles := training.NewOrchestrator(router, datasets, activator, spawner, model, auditor)

	srv := &Server{
		Config:       cfg,
		Port:         cfg.Port,
		Identity:     store,
		Scheduler:    scheduler,
		Spawner:      spawner,
		keys:         keys,
		activity:     activity,
		janitor:      janitor,
		telShutdown:  telShutdown,
		sweeperStop:  make(chan struct{}),
		shutdownOnce: make(chan struct{}, 1),
	}

	h := &handlers.Handlers{
		Config:    cfg,
		Identity:  store,
		Router:    router,
		Auditor:   auditor,
		Mode:      modeHolder,
		Keys:      keys,
		Registry:  registry,
		Spawner:   spawner,
		Scheduler: scheduler,
		Datasets:  datasets,
		Activator: activator,
		Cycles:    cycles,
		Model:     model,
		Shutdown:  srv.requestShutdown,
	}
	srv.Handler = api.NewRouter(cfg, h)

	log.Info().
		Str("root", cfg.Root).
		Str("mode", string(modeHolderMode(modeHolder))).
		Bool("high_security", cfg.HighSecurity).
		Msg("MetaHuman core composed")
	return srv, nil
}

func modeHolderMode(h *policy.ModeHolder) models.CognitiveMode {
	mode, _ := h.Mode()
	return mode
}

// Start begins the background planes: the agent scheduler and the
// session sweeper.
func (s *Server) Start(ctx context.Context) error {
	if err := s.Scheduler.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	s.janitor.Start()

	go func() {
		ticker := time.NewTicker(sessionSweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-s.sweeperStop:
				return
			case <-ticker.C:
				if n := s.Identity.SweepExpiredSessions(ctx); n > 0 {
					log.Debug().Int("count", n).Msg("Expired sessions swept")
				}
			}
		}
	}()
	return nil
}

// ShutdownRequested reports when a handler asked for a core restart.
func (s *Server) ShutdownRequested() <-chan struct{} {
	return s.shutdownOnce
}

func (s *Server) requestShutdown() {
	select {
	case s.shutdownOnce <- struct{}{}:
	default:
	}
}

// Close stops the background planes, drains agents, locks vault keys,
// and flushes the identity snapshot and telemetry.
func (s *Server) Close(ctx context.Context) error {
	close(s.sweeperStop)
	s.Scheduler.Stop()
	s.janitor.Stop()
	s.activity.Stop()

	if err := s.Spawner.StopAll(ctx); err != nil {
		log.Warn().Err(err).Msg("Agent drain reported errors")
	}
	s.keys.LockAll()
	if err := s.Identity.Close(); err != nil {
		log.Warn().Err(err).Msg("Identity snapshot flush failed")
	}
	return s.telShutdown(ctx)
}
