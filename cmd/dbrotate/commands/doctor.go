package commands

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/systmms/dbrotate/internal/config"
	"github.com/systmms/dbrotate/internal/health"
	"github.com/systmms/dbrotate/internal/identity"
	"github.com/systmms/dbrotate/internal/pool"
	"github.com/systmms/dbrotate/internal/providers"
	"github.com/systmms/dbrotate/internal/router"
)

// CheckResult is one row of doctor output.
type CheckResult struct {
	Name    string
	Status  string // ok, error, skipped
	Message string
}

// NewDoctorCommand creates the doctor command.
func NewDoctorCommand(cfg *config.Config) *cobra.Command {
	var role string

	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Check configuration, credential source and database connectivity",
		Long: `Run every step of a rotation against a throwaway pool:

- Configuration file validity
- Credential source connectivity and role
- Pool construction from the database URL
- Health query with the fetched credentials
- Database identity of the new pool

Nothing is routed to the throwaway pool and it is closed afterwards.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if err := loadConfig(cfg); err != nil {
				cfg.Logger.Error("Configuration error: %v", err)
				return err
			}
			cfg.Logger.Info("Configuration loaded from %s", cfg.Path)

			results := runChecks(ctx, cfg, role)
			displayCheckResults(cmd.OutOrStdout(), results)

			passed := 0
			for _, r := range results {
				if r.Status == "ok" {
					passed++
				}
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "\nSummary: %d/%d checks passed\n", passed, len(results))
			if passed < len(results) {
				return fmt.Errorf("some checks failed")
			}
			cfg.Logger.Info("All systems operational!")
			return nil
		},
	}

	cmd.Flags().StringVar(&role, "role", "", "Role to test (default: database.default_role)")

	return cmd
}

// runChecks stops at the first failure and marks the remaining checks skipped.
func runChecks(ctx context.Context, cfg *config.Config, role string) []CheckResult {
	def := cfg.Definition
	results := []CheckResult{
		{Name: "config", Status: "ok", Message: fmt.Sprintf("%s source, %s database", def.Source.Type, def.Driver())},
	}
	skip := func(names ...string) []CheckResult {
		for _, n := range names {
			results = append(results, CheckResult{Name: n, Status: "skipped"})
		}
		return results
	}
	fail := func(name string, err error) {
		results = append(results, CheckResult{Name: name, Status: "error", Message: headline(err)})
	}

	source, err := providers.NewRegistry().Create(ctx, def, cfg.Logger)
	if err != nil {
		fail("source", err)
		return skip("pool", "health", "identity")
	}
	defer func() { _ = source.Close() }()

	creds, err := source.Fetch(ctx, role)
	if err != nil {
		fail("source", err)
		return skip("pool", "health", "identity")
	}
	results = append(results, CheckResult{
		Name:    "source",
		Status:  "ok",
		Message: fmt.Sprintf("%s issued credentials for role %s (lease %s)", source.Name(), creds.Role, creds.LeaseID),
	})

	builder, err := pool.NewBuilder(def.Database, def.Pool)
	if err != nil {
		fail("pool", err)
		return skip("health", "identity")
	}
	p, err := builder.Build(creds)
	if err != nil {
		fail("pool", err)
		return skip("health", "identity")
	}
	defer func() { _ = p.Close() }()
	results = append(results, CheckResult{Name: "pool", Status: "ok", Message: "built " + p.Name()})

	result, err := health.NewChecker(def.Pool.HealthQuery, def.Pool.ConnectTimeout).Check(ctx, p)
	if err != nil {
		fail("health", err)
		return skip("identity")
	}
	results = append(results, CheckResult{
		Name:    "health",
		Status:  "ok",
		Message: fmt.Sprintf("%s in %v", result.Message, result.Duration.Round(time.Millisecond)),
	})

	r := router.New()
	r.SetTarget(p)
	user, err := identity.NewResolver(r, builder.Driver()).CurrentUser(ctx)
	if err != nil {
		fail("identity", err)
		return results
	}
	results = append(results, CheckResult{Name: "identity", Status: "ok", Message: "connected as " + user})
	return results
}

func displayCheckResults(out io.Writer, results []CheckResult) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	defer func() { _ = w.Flush() }()

	_, _ = fmt.Fprintf(w, "CHECK\tSTATUS\tMESSAGE\n")
	_, _ = fmt.Fprintf(w, "-----\t------\t-------\n")

	for _, result := range results {
		status := result.Status
		switch result.Status {
		case "ok":
			status = "✓ " + status
		case "error":
			status = "✗ " + status
		default:
			status = "- " + status
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\n", result.Name, status, result.Message)
	}
}
