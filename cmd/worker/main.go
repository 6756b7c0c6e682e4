// Command worker reports a single TaskInstance's subprocess lifecycle back
// to the state server. It is the command a cluster plugin's worker-node
// command line actually invokes.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"jobmon/internal/config"
	"jobmon/internal/logging"
	"jobmon/internal/version"
	"jobmon/internal/worker"
	"jobmon/pkg/client"
	"jobmon/pkg/cluster"
	"jobmon/pkg/cluster/local"
)

var rootCmd = &cobra.Command{
	Use:     "jobmon-worker",
	Short:   "Jobmon worker: runs one task instance's subprocess and reports its outcome",
	Version: version.GetVersionString(),
	RunE:    run,
}

func init() {
	rootCmd.Flags().Int64("task-instance-id", 0, "task_instance_id this worker reports against")
	rootCmd.Flags().Int64("array-id", 0, "array_id (array step mode)")
	rootCmd.Flags().Int("array-batch-num", 0, "array_batch_num (array step mode)")
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

	taskInstanceID, _ := cmd.Flags().GetInt64("task-instance-id")
	if taskInstanceID == 0 {
		arrayID, _ := cmd.Flags().GetInt64("array-id")
		batchNum, _ := cmd.Flags().GetInt("array-batch-num")
		stepID, err := arrayStepIDFromEnv()
		if err != nil {
			return fmt.Errorf("resolve array step id: %w", err)
		}
		requester := client.New(cfg.StateServerURL)
		var resp struct {
			TaskInstanceID int64 `json:"task_instance_id"`
		}
		path := fmt.Sprintf("/task_instance/get_array_task_instance_id?array_id=%d&array_batch_num=%d&array_step_id=%d", arrayID, batchNum, stepID)
		if _, err := requester.Get(context.Background(), path, &resp); err != nil {
			return fmt.Errorf("resolve array task instance: %w", err)
		}
		taskInstanceID = resp.TaskInstanceID
	}

	var plugin cluster.Plugin
	switch cfg.ClusterPlugin {
	case "local", "":
		plugin = local.New(".")
	default:
		return fmt.Errorf("unknown cluster plugin %q", cfg.ClusterPlugin)
	}

	w := worker.New(client.New(cfg.StateServerURL), plugin, afero.NewOsFs(), worker.Config{
		TaskInstanceID:    taskInstanceID,
		HeartbeatInterval: cfg.Heartbeat.TaskInstanceInterval,
		ReportByBuffer:    cfg.Heartbeat.ReportByBuffer,
		InterruptTimeout:  cfg.Worker.CommandInterruptTimeout,
		LogDir:            ".",
	})

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	return w.Run(ctx)
}

// arrayStepIDFromEnv reads an array step's array_step_id from the
// JOBMON_ARRAY_STEP_ID environment variable.
func arrayStepIDFromEnv() (int, error) {
	raw := os.Getenv("JOBMON_ARRAY_STEP_ID")
	if raw == "" {
		return 0, fmt.Errorf("JOBMON_ARRAY_STEP_ID not set")
	}
	var stepID int
	if _, err := fmt.Sscanf(raw, "%d", &stepID); err != nil {
		return 0, err
	}
	return stepID, nil
}
