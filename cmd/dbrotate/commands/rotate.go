package commands

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/systmms/dbrotate/internal/config"
)

// NewRotateCommand creates the one-shot rotate command.
func NewRotateCommand(cfg *config.Config) *cobra.Command {
	var role string

	cmd := &cobra.Command{
		Use:   "rotate",
		Short: "Initialize, rotate once and report the database user before and after",
		Long: `Build a pool from the default role, then rotate to fresh credentials for
--role and show which database user each pool authenticates as.

Useful to verify a role end to end before running serve.`,
		Example: `  dbrotate rotate
  dbrotate rotate --role readonly`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			out := cmd.OutOrStdout()

			a, err := newApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.close()

			if err := a.orchestrator.Initialize(ctx); err != nil {
				return err
			}
			before, err := a.identity.CurrentUser(ctx)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(out, "Before: %s (pool %s)\n", before, a.router.Target().Name())

			if err := a.orchestrator.Rotate(ctx, role); err != nil {
				_, _ = fmt.Fprintf(out, "Rotation failed - kept previous credentials (pool %s)\n", a.router.Target().Name())
				return err
			}

			after, err := a.identity.CurrentUser(ctx)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(out, "After:  %s (pool %s)\n", after, a.router.Target().Name())
			return nil
		},
	}

	cmd.Flags().StringVar(&role, "role", "", "Role to rotate to (default: database.default_role)")

	return cmd
}
