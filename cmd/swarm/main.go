// Command swarm runs the DAG scheduler for one workflow-run: it builds the
// in-memory SwarmState for an already-bound Workflow and drives tasks
// through queue_task_batch until the run finishes, is interrupted by a
// resume request, or fails fast.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"jobmon/internal/config"
	"jobmon/internal/events"
	"jobmon/internal/logging"
	"jobmon/internal/swarm"
	"jobmon/internal/version"
	"jobmon/pkg/client"
)

var rootCmd = &cobra.Command{
	Use:     "jobmon-swarm",
	Short:   "Jobmon swarm: schedules one workflow-run's DAG against the state server",
	Version: version.GetVersionString(),
	RunE:    run,
}

func init() {
	rootCmd.Flags().Int64("workflow-id", 0, "workflow_id to schedule")
	rootCmd.Flags().Int64("workflow-run-id", 0, "workflow_run_id to schedule")
	rootCmd.Flags().Bool("fail-fast", false, "stop scheduling as soon as any task enters ERROR_FATAL")
	rootCmd.MarkFlagRequired("workflow-id")
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

	workflowID, _ := cmd.Flags().GetInt64("workflow-id")
	workflowRunID, _ := cmd.Flags().GetInt64("workflow-run-id")
	failFast, _ := cmd.Flags().GetBool("fail-fast")

	requester := client.New(cfg.StateServerURL)
	builder := swarm.NewBuilder(requester, cfg.Swarm.EdgeChunkSize)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	// The swarm always builds from the persisted Workflow/Task rows: a new
	// run's tasks are bound by the client library before the swarm starts,
	// so build_from_workflow_id also serves the "fresh run" case — there is
	// no in-process handoff between a binding client and this process.
	state, err := builder.BuildFromWorkflowID(ctx, workflowID, workflowRunID, cfg.Heartbeat.WorkflowRunInterval)
	if err != nil {
		return fmt.Errorf("build swarm state: %w", err)
	}

	scheduler := swarm.NewScheduler(requester, state, cfg.Heartbeat.WorkflowRunInterval, cfg.Swarm.WedgedSyncInterval, failFast)

	eventsEngine, err := events.NewEngine(events.Options{
		Enabled:       cfg.Events.Enabled,
		Embedded:      false,
		URL:           cfg.Events.URL,
		Stream:        cfg.Events.Stream,
		SubjectPrefix: cfg.Events.SubjectPrefix,
		ConsumerName:  cfg.Events.ConsumerName,
	})
	if err != nil {
		logging.Info("events engine unavailable, falling back to poll-only resume detection: %v", err)
	} else {
		defer eventsEngine.Close()
		scheduler.WatchResumeEvents(eventsEngine)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		done, err := scheduler.Tick(ctx)
		if err != nil {
			return fmt.Errorf("scheduler tick: %w", err)
		}
		if done {
			return nil
		}
	}
}
