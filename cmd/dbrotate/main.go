package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/systmms/dbrotate/cmd/dbrotate/commands"
	"github.com/systmms/dbrotate/internal/config"
	"github.com/systmms/dbrotate/internal/logging"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// Global flags
	var (
		configFile string
		noColor    bool
		debug      bool
	)

	cfg := &config.Config{}
	versionInfo := fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date)

	rootCmd := &cobra.Command{
		Use:   "dbrotate",
		Short: "Hot-swap database credentials without dropping connections",
		Long: `dbrotate keeps a service connected to its database while the credentials
behind the connection pool rotate. New credentials come from Vault, AWS Secrets
Manager, GCP Secret Manager, Azure Key Vault or static configuration; each new
pool is health-checked before any caller is routed to it.`,
		Version:       versionInfo,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			cfg.Path = configFile
			cfg.Logger = logging.New(debug, noColor)
		},
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", config.DefaultPath, "Config file path")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "Disable colored output")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging")

	rootCmd.AddCommand(
		commands.NewServeCommand(cfg),
		commands.NewRotateCommand(cfg),
		commands.NewDoctorCommand(cfg),
		commands.NewStatusCommand(cfg),
		commands.NewVersionCommand(versionInfo),
	)

	return rootCmd.Execute()
}
