// Command distributor runs one distributor agent against a single
// workflow-run, submitting its task instances to a cluster plugin.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"jobmon/internal/config"
	"jobmon/internal/distributor"
	"jobmon/internal/logging"
	"jobmon/internal/version"
	"jobmon/pkg/client"
	"jobmon/pkg/cluster"
	"jobmon/pkg/cluster/local"
)

var rootCmd = &cobra.Command{
	Use:     "jobmon-distributor",
	Short:   "Jobmon distributor: submits a workflow-run's task instances to a cluster",
	Version: version.GetVersionString(),
	RunE:    run,
}

func init() {
	rootCmd.Flags().Int64("workflow-run-id", 0, "workflow_run_id to distribute")
	rootCmd.MarkFlagRequired("workflow-run-id")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logging.Initialize(cfg.Debug)

	workflowRunID, _ := cmd.Flags().GetInt64("workflow-run-id")

	requester := client.New(cfg.StateServerURL)

	var plugin cluster.Plugin
	switch cfg.ClusterPlugin {
	case "local", "":
		plugin = local.New(".")
	default:
		return fmt.Errorf("unknown cluster plugin %q", cfg.ClusterPlugin)
	}

	svc := distributor.New(requester, plugin, workflowRunID, cfg.Distributor, cfg.Heartbeat)

	// SIGHUP/SIGTERM cancel the run loop, which then surfaces
	// ErrDistributorInterrupted and writes SHUTDOWN to stderr. SIGINT is
	// deliberately left unhandled here so the distributor survives a user
	// hitting Ctrl-C on an attached CLI.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGHUP)
	defer stop()
	signal.Ignore(syscall.SIGINT)

	return svc.Run(ctx)
}
