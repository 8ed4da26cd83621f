// README: Scripted agent simulator; runs sessions in-process or against a running API.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "fieldsim",
		Short:         "Simulate field agents against the tracking core",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newScenarioCmd(), newDriveCmd(), newEventsCmd())
	return root
}

func newScenarioCmd() *cobra.Command {
	var timeout time.Duration
	var verbose bool
	cmd := &cobra.Command{
		Use:   "scenario",
		Short: "Run the in-process agent scenarios against memory stores",
		Long: `Run the in-process agent scenarios against memory stores.

Each scenario prints PASS or FAIL; the command fails if any scenario fails.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			r := NewRunner(timeout, verbose)
			return summarize(r.RunAll(cmd.Context(), scenarioCases()))
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "total timeout")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "log tracking internals")
	return cmd
}

func newDriveCmd() *cobra.Command {
	var cfg driveConfig
	cmd := &cobra.Command{
		Use:   "drive",
		Short: "Walk one agent through a visit against a running proptrack-api",
		Long: `Walk one agent through a visit against a running proptrack-api.

The API must run with PROPTRACK_DEV=true unless --token is a real Firebase ID token.

Examples:
  fieldsim drive --base-url http://localhost:8080 --agent agent-7
  fieldsim drive --lat -17.8 --lng 31.05 --property prop-42`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			r := NewRunner(cfg.Timeout, false)
			return summarize(r.RunAll(cmd.Context(), driveCases(cfg)))
		},
	}
	cmd.Flags().StringVar(&cfg.BaseURL, "base-url", envOrDefault("FIELDSIM_BASE_URL", "http://localhost:8080"), "API base URL")
	cmd.Flags().StringVar(&cfg.Agent, "agent", "fieldsim-agent", "agent uid (dev tokens only)")
	cmd.Flags().StringVar(&cfg.Token, "token", "", "bearer token; defaults to the agent uid")
	cmd.Flags().StringVar(&cfg.Property, "property", "prop-1", "property id to visit")
	cmd.Flags().Float64Var(&cfg.Lat, "lat", -17.8, "property latitude")
	cmd.Flags().Float64Var(&cfg.Lng, "lng", 31.05, "property longitude")
	cmd.Flags().DurationVar(&cfg.Timeout, "timeout", 60*time.Second, "total timeout")
	return cmd
}

func summarize(results []Result) error {
	fmt.Println("\n== Summary ==")
	pass, fail, skipped := 0, 0, 0
	for _, r := range results {
		switch r.Status {
		case StatusPass:
			pass++
		case StatusFail:
			fail++
		case StatusSkip:
			skipped++
		}
	}
	fmt.Printf("PASS=%d FAIL=%d SKIP=%d\n", pass, fail, skipped)
	if fail > 0 {
		return fmt.Errorf("%d scenario(s) failed", fail)
	}
	return nil
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
