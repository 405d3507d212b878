package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/systmms/dbrotate/internal/config"
	"github.com/systmms/dbrotate/internal/rotation"
	"gopkg.in/yaml.v3"
)

const statusRequestTimeout = 10 * time.Second

// NewStatusCommand creates the status command.
func NewStatusCommand(cfg *config.Config) *cobra.Command {
	var (
		addr    string
		format  string
		verbose bool
	)

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show rotation status of a running dbrotate server",
		Long: `Query GET /api/rotation/status on a running server and display:

- Active and previous pool
- Last rotation time and result
- Attempt counters
- Recent attempts (with --verbose)`,
		Example: `  dbrotate status
  dbrotate status --addr http://10.0.0.5:8080 --format json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			status, err := fetchStatus(cmd.Context(), addr)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			switch format {
			case "json":
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(status)
			case "yaml":
				enc := yaml.NewEncoder(out)
				defer func() { _ = enc.Close() }()
				return enc.Encode(status)
			case "table":
				outputStatusTable(out, status, verbose, time.Now())
				return nil
			default:
				return fmt.Errorf("unknown format %q: use table, json or yaml", format)
			}
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "http://127.0.0.1"+config.DefaultListen, "Base URL of the dbrotate server")
	cmd.Flags().StringVar(&format, "format", "table", "Output format: table, json, yaml")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Show recent attempts")

	return cmd
}

func fetchStatus(ctx context.Context, addr string) (*rotation.Status, error) {
	ctx, cancel := context.WithTimeout(ctx, statusRequestTimeout)
	defer cancel()

	url := strings.TrimRight(addr, "/") + "/api/rotation/status"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("invalid server address: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to reach %s: %w", addr, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("server returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var status rotation.Status
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return nil, fmt.Errorf("failed to decode status: %w", err)
	}
	return &status, nil
}

func outputStatusTable(out io.Writer, status *rotation.Status, verbose bool, now time.Time) {
	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)

	state := "active"
	switch {
	case status.ShutDown:
		state = "shut down"
	case !status.Initialized:
		state = "not initialized"
	}

	lastRotation := "Never"
	if status.LastRotation != nil {
		lastRotation = formatTimestamp(*status.LastRotation, now)
	}
	lastResult := formatResult(status.LastResult)
	if status.LastError != "" {
		lastResult += " (" + status.LastError + ")"
	}

	_, _ = fmt.Fprintf(w, "STATE\t%s\n", state)
	_, _ = fmt.Fprintf(w, "ACTIVE POOL\t%s\n", orDash(status.ActivePool))
	_, _ = fmt.Fprintf(w, "USER\t%s\n", orDash(status.ActiveUser))
	_, _ = fmt.Fprintf(w, "LEASE\t%s\n", orDash(status.LeaseID))
	_, _ = fmt.Fprintf(w, "PREVIOUS POOL\t%s\n", orDash(status.PreviousPool))
	_, _ = fmt.Fprintf(w, "OPEN POOLS\t%d\n", status.OpenPools)
	_, _ = fmt.Fprintf(w, "LAST ROTATION\t%s\n", lastRotation)
	_, _ = fmt.Fprintf(w, "LAST RESULT\t%s\n", lastResult)
	_, _ = fmt.Fprintf(w, "ROTATIONS\t%d (%d succeeded, %d failed)\n", status.RotationCount, status.SuccessCount, status.FailureCount)
	_ = w.Flush()

	if !verbose || len(status.History) == 0 {
		return
	}

	_, _ = fmt.Fprintln(out)
	w = tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tWHEN\tACTION\tROLE\tRESULT\tDURATION\tPOOL")
	_, _ = fmt.Fprintln(w, "--\t----\t------\t----\t------\t--------\t----")
	for i := len(status.History) - 1; i >= 0; i-- {
		entry := status.History[i]
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%v\t%s\n",
			entry.ID,
			formatTimestamp(entry.Timestamp, now),
			entry.Action,
			orDash(entry.Role),
			formatResult(entry.Status),
			entry.Duration.Round(time.Millisecond),
			orDash(entry.NewPool),
		)
	}
	_ = w.Flush()
}

func formatResult(result string) string {
	switch result {
	case rotation.ResultSuccess:
		return "✓ success"
	case rotation.ResultFailed:
		return "✗ failed"
	case rotation.ResultNeverRotated, "":
		return "-"
	default:
		return result
	}
}

// formatTimestamp renders t relative to now for recent times.
func formatTimestamp(t, now time.Time) string {
	d := now.Sub(t)
	switch {
	case d < 0:
		return t.Format("2006-01-02 15:04")
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return t.Format("2006-01-02 15:04")
	}
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
