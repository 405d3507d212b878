package commands

import (
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/systmms/dbrotate/internal/config"
	"github.com/systmms/dbrotate/internal/server"
	"golang.org/x/sync/errgroup"
)

// NewServeCommand creates the serve command.
func NewServeCommand(cfg *config.Config) *cobra.Command {
	var (
		listen      string
		rotateEvery time.Duration
		role        string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the rotation API and optional rotation schedule",
		Long: `Initialize the first pool, then serve the HTTP API until interrupted.

Endpoints:
  POST /api/rotate?role=<role>   rotate to fresh credentials
  GET  /api/db-user              database user behind the active pool
  GET  /api/rotation/status      rotation bookkeeping as JSON
  GET  /health                   200 when the active pool answers a ping
  GET  /metrics                  Prometheus metrics

Startup fails if the first pool cannot be built and health-checked.`,
		Example: `  # Serve with settings from dbrotate.yaml
  dbrotate serve

  # Rotate every 15 minutes in addition to API-triggered rotations
  dbrotate serve --rotate-every 15m`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.close()

			if cmd.Flags().Changed("listen") {
				a.def.Server.Listen = listen
			}
			interval := a.def.Server.RotateEvery
			if cmd.Flags().Changed("rotate-every") {
				interval = rotateEvery
			}

			cfg.Logger.Info("Initializing pool for role %s from %s...", a.source.ResolveRole(""), a.source.Name())
			if err := a.orchestrator.Initialize(ctx); err != nil {
				return err
			}

			srv := server.New(a.def.Server, a.orchestrator, a.identity, a.router, a.registry, cfg.Logger)

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				return srv.Run(gctx)
			})
			if interval > 0 {
				g.Go(func() error {
					a.orchestrator.RunEvery(gctx, interval, role)
					return nil
				})
			}

			err = g.Wait()
			cfg.Logger.Info("Shutting down...")
			return err
		},
	}

	cmd.Flags().StringVar(&listen, "listen", "", "Listen address (overrides server.listen)")
	cmd.Flags().DurationVar(&rotateEvery, "rotate-every", 0, "Rotate on a fixed interval (overrides server.rotate_every)")
	cmd.Flags().StringVar(&role, "role", "", "Role for scheduled rotations (default: database.default_role)")

	return cmd
}
