// Command jobmonctl is the operator status tool (spec §6): a flat set of
// subcommands that each issue one or two calls against the state server and
// print the result, either as a tab-aligned table or as raw JSON with -n.
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"jobmon/internal/config"
	"jobmon/internal/version"
	"jobmon/pkg/client"
)

var (
	flagWorkflowID int64
	flagTaskIDs    []int64
	flagStatus     string
	flagLimit      int
	flagJSON       bool
)

var rootCmd = &cobra.Command{
	Use:   "jobmonctl",
	Short: "jobmonctl queries and administers Jobmon workflow runs against the state server",
}

func main() {
	rootCmd.PersistentFlags().Int64VarP(&flagWorkflowID, "workflow_id", "w", 0, "workflow id")
	rootCmd.PersistentFlags().Int64SliceVarP(&flagTaskIDs, "task_id", "t", nil, "task id(s), comma-separated")
	rootCmd.PersistentFlags().StringVarP(&flagStatus, "status", "s", "", "status code")
	rootCmd.PersistentFlags().IntVarP(&flagLimit, "limit", "l", 0, "row limit")
	rootCmd.PersistentFlags().BoolVarP(&flagJSON, "json", "n", false, "print raw JSON instead of a table")

	rootCmd.AddCommand(
		workflowStatusCmd,
		workflowTasksCmd,
		taskStatusCmd,
		updateTaskStatusCmd,
		concurrencyLimitCmd,
		taskDependenciesCmd,
		workflowResetCmd,
		createResourceYAMLCmd,
		getFilepathsCmd,
		workflowResumeCmd,
		versionCmd,
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func requester() (*client.Requester, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return client.New(cfg.StateServerURL), nil
}

// printResult renders v as a JSON blob with -n, or as a tab-aligned
// key/value table otherwise — a table is only meaningful for the flat
// gin.H-shaped responses this CLI calls against, so it round-trips through
// JSON to get there rather than reflecting over v directly.
func printResult(v any) error {
	if flagJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}

	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return err
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 2, 2, ' ', 0)
	defer tw.Flush()
	printTable(tw, generic)
	return nil
}

func printTable(tw *tabwriter.Writer, v any) {
	switch val := v.(type) {
	case map[string]any:
		for k, v := range val {
			fmt.Fprintf(tw, "%s\t%v\n", k, compactValue(v))
		}
	case []any:
		for i, row := range val {
			fmt.Fprintf(tw, "[%d]\t%v\n", i, compactValue(row))
		}
	default:
		fmt.Fprintf(tw, "%v\n", val)
	}
}

func compactValue(v any) string {
	switch v.(type) {
	case map[string]any, []any:
		b, _ := json.Marshal(v)
		return string(b)
	default:
		return fmt.Sprintf("%v", v)
	}
}

func requireWorkflowID() error {
	if flagWorkflowID == 0 {
		return fmt.Errorf("-w/--workflow_id is required")
	}
	return nil
}

func requireTaskID() (int64, error) {
	if len(flagTaskIDs) != 1 {
		return 0, fmt.Errorf("-t/--task_id must name exactly one task id for this subcommand")
	}
	return flagTaskIDs[0], nil
}

var workflowStatusCmd = &cobra.Command{
	Use:   "workflow_status",
	Short: "show a workflow's metadata and status",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := requireWorkflowID(); err != nil {
			return err
		}
		req, err := requester()
		if err != nil {
			return err
		}
		var out map[string]any
		if _, err := req.Get(cmd.Context(), fmt.Sprintf("/workflow/%d/fetch_workflow_metadata", flagWorkflowID), &out); err != nil {
			return err
		}
		return printResult(out)
	},
}

var workflowTasksCmd = &cobra.Command{
	Use:   "workflow_tasks",
	Short: "list a workflow's non-DONE tasks",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := requireWorkflowID(); err != nil {
			return err
		}
		req, err := requester()
		if err != nil {
			return err
		}
		path := fmt.Sprintf("/workflow/get_tasks/%d", flagWorkflowID)
		if flagLimit > 0 {
			path += "?chunk_size=" + strconv.Itoa(flagLimit)
		}
		var out map[string]any
		if _, err := req.Get(cmd.Context(), path, &out); err != nil {
			return err
		}
		return printResult(out)
	},
}

var taskStatusCmd = &cobra.Command{
	Use:   "task_status",
	Short: "show one task's row",
	RunE: func(cmd *cobra.Command, args []string) error {
		taskID, err := requireTaskID()
		if err != nil {
			return err
		}
		req, err := requester()
		if err != nil {
			return err
		}
		var out map[string]any
		if _, err := req.Get(cmd.Context(), fmt.Sprintf("/task/%d", taskID), &out); err != nil {
			return err
		}
		return printResult(out)
	},
}

var updateTaskStatusCmd = &cobra.Command{
	Use:   "update_task_status",
	Short: "force one or more tasks to a status, bypassing the transition table",
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(flagTaskIDs) == 0 {
			return fmt.Errorf("-t/--task_id is required")
		}
		if flagStatus == "" {
			return fmt.Errorf("-s/--status is required")
		}
		req, err := requester()
		if err != nil {
			return err
		}
		body := map[string]any{"task_ids": flagTaskIDs, "status": flagStatus}
		var out map[string]any
		if _, err := req.Put(cmd.Context(), "/task/update_statuses", body, &out); err != nil {
			return err
		}
		return printResult(out)
	},
}

var concurrencyLimitCmd = &cobra.Command{
	Use:   "concurrency_limit",
	Short: "get or set a workflow's max_concurrently_running",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := requireWorkflowID(); err != nil {
			return err
		}
		req, err := requester()
		if err != nil {
			return err
		}
		var out map[string]any
		if flagLimit > 0 {
			body := map[string]any{"max_concurrently_running": flagLimit}
			if _, err := req.Put(cmd.Context(), fmt.Sprintf("/workflow/%d/update_max_concurrently_running", flagWorkflowID), body, &out); err != nil {
				return err
			}
		} else {
			if _, err := req.Get(cmd.Context(), fmt.Sprintf("/workflow/%d/get_max_concurrently_running", flagWorkflowID), &out); err != nil {
				return err
			}
		}
		return printResult(out)
	},
}

var taskDependenciesCmd = &cobra.Command{
	Use:   "task_dependencies",
	Short: "list a task's upstream and downstream task ids",
	RunE: func(cmd *cobra.Command, args []string) error {
		taskID, err := requireTaskID()
		if err != nil {
			return err
		}
		req, err := requester()
		if err != nil {
			return err
		}
		var out map[string]any
		if _, err := req.Get(cmd.Context(), fmt.Sprintf("/task_dependencies/%d", taskID), &out); err != nil {
			return err
		}
		return printResult(out)
	},
}

var workflowResetCmd = &cobra.Command{
	Use:   "workflow_reset",
	Short: "mark a workflow's active run for a cold resume (full reset of non-DONE tasks)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return resume(cmd, true)
	},
}

var workflowResumeCmd = &cobra.Command{
	Use:   "workflow_resume",
	Short: "mark a workflow's active run for a hot resume (pick up where it left off)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return resume(cmd, false)
	},
}

func resume(cmd *cobra.Command, resetIfRunning bool) error {
	if err := requireWorkflowID(); err != nil {
		return err
	}
	req, err := requester()
	if err != nil {
		return err
	}
	user := os.Getenv("USER")
	body := map[string]any{"user": user, "reset_if_running": resetIfRunning}
	var out map[string]any
	if _, err := req.Post(cmd.Context(), fmt.Sprintf("/workflow/%d/set_resume", flagWorkflowID), body, &out); err != nil {
		return err
	}
	return printResult(out)
}

// createResourceYAMLCmd dumps one task_resources row's requested_resources
// blob as YAML, the format operators hand-edit before rebinding a task's
// resources for a resume.
var createResourceYAMLCmd = &cobra.Command{
	Use:   "create_resource_yaml",
	Short: "render a task_resources row's requested_resources as YAML",
	RunE: func(cmd *cobra.Command, args []string) error {
		taskResourcesID, err := requireTaskID()
		if err != nil {
			return err
		}
		req, err := requester()
		if err != nil {
			return err
		}
		var tr struct {
			QueueID             int64  `json:"queue_id"`
			TaskResourcesTypeID int64  `json:"task_resources_type_id"`
			RequestedResources  string `json:"requested_resources"`
		}
		if _, err := req.Get(cmd.Context(), fmt.Sprintf("/task_resources/%d", taskResourcesID), &tr); err != nil {
			return err
		}

		var resources map[string]any
		if tr.RequestedResources != "" {
			if err := json.Unmarshal([]byte(tr.RequestedResources), &resources); err != nil {
				return fmt.Errorf("decode requested_resources: %w", err)
			}
		}

		doc := map[string]any{
			"queue_id":               tr.QueueID,
			"task_resources_type_id": tr.TaskResourcesTypeID,
			"resources":              resources,
		}
		out, err := yaml.Marshal(doc)
		if err != nil {
			return fmt.Errorf("encode yaml: %w", err)
		}
		fmt.Print(string(out))
		return nil
	},
}

// getFilepathsCmd resolves -t to task_instance ids: a task's stdout/stderr
// paths only exist once a concrete instance has run, so unlike every other
// subcommand here -t means task_instance_id for this one.
var getFilepathsCmd = &cobra.Command{
	Use:   "get_filepaths",
	Short: "print the stdout/stderr paths logged for one or more task instances",
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(flagTaskIDs) == 0 {
			return fmt.Errorf("-t/--task_id (task_instance id(s)) is required")
		}
		req, err := requester()
		if err != nil {
			return err
		}

		results := make([]map[string]any, 0, len(flagTaskIDs))
		for _, taskInstanceID := range flagTaskIDs {
			var ti struct {
				ID         int64  `json:"task_instance_id"`
				StdoutPath string `json:"stdout"`
				StderrPath string `json:"stderr"`
			}
			if _, err := req.Get(cmd.Context(), fmt.Sprintf("/task_instance/%d", taskInstanceID), &ti); err != nil {
				return err
			}
			results = append(results, map[string]any{
				"task_instance_id": ti.ID,
				"stdout":           ti.StdoutPath,
				"stderr":           ti.StderrPath,
			})
		}
		return printResult(map[string]any{"task_instances": results})
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "print the jobmonctl build version",
	RunE: func(cmd *cobra.Command, args []string) error {
		return printResult(version.GetBuildInfo())
	},
}
