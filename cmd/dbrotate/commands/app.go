package commands

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/systmms/dbrotate/internal/config"
	"github.com/systmms/dbrotate/internal/credentials"
	"github.com/systmms/dbrotate/internal/health"
	"github.com/systmms/dbrotate/internal/identity"
	"github.com/systmms/dbrotate/internal/logging"
	"github.com/systmms/dbrotate/internal/pool"
	"github.com/systmms/dbrotate/internal/providers"
	"github.com/systmms/dbrotate/internal/rotation"
	"github.com/systmms/dbrotate/internal/rotation/notifications"
	"github.com/systmms/dbrotate/internal/router"
)

// app is the wired rotation stack shared by serve and rotate.
type app struct {
	def    *config.Definition
	logger *logging.Logger

	source       *credentials.RoleSource
	builder      *pool.Builder
	checker      *health.Checker
	router       *router.Router
	orchestrator *rotation.Orchestrator
	notifier     *notifications.Manager
	identity     *identity.Resolver
	registry     *prometheus.Registry
}

// loadConfig loads the config file unless a definition was already provided.
func loadConfig(cfg *config.Config) error {
	if cfg.Logger == nil {
		cfg.Logger = logging.New(false, false)
	}
	if cfg.Definition != nil {
		return nil
	}
	if err := cfg.Load(); err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	return nil
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	if err := loadConfig(cfg); err != nil {
		return nil, err
	}
	def := cfg.Definition

	source, err := providers.NewRegistry().Create(ctx, def, cfg.Logger)
	if err != nil {
		return nil, err
	}
	builder, err := pool.NewBuilder(def.Database, def.Pool)
	if err != nil {
		_ = source.Close()
		return nil, err
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	notifier, err := notifications.FromConfig(def.Notifications, registry, cfg.Logger)
	if err != nil {
		_ = source.Close()
		return nil, err
	}
	// Delivery outlives ctx so the final attempt is still reported on shutdown.
	notifier.Start(context.Background())

	r := router.New()
	checker := health.NewChecker(def.Pool.HealthQuery, def.Pool.ConnectTimeout)
	orchestrator := rotation.New(source, builder, checker, r,
		rotation.WithLogger(cfg.Logger),
		rotation.WithDefaultRole(def.Database.DefaultRole),
		rotation.WithRetireGrace(def.Pool.RetireGrace),
		rotation.WithRegisterer(registry),
		rotation.WithNotifier(notifier),
	)

	return &app{
		def:          def,
		logger:       cfg.Logger,
		source:       source,
		builder:      builder,
		checker:      checker,
		router:       r,
		orchestrator: orchestrator,
		notifier:     notifier,
		identity:     identity.NewResolver(r, builder.Driver()),
		registry:     registry,
	}, nil
}

// close shuts the orchestrator down, flushes pending notifications and
// releases the credential source.
func (a *app) close() {
	a.orchestrator.Shutdown()
	a.notifier.Stop()
	if err := a.source.Close(); err != nil {
		a.logger.Warn("closing credential source: %v", err)
	}
}
