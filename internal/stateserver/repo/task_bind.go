package repo

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"jobmon/pkg/models"
)

// TaskBindInput is one task's worth of bind_tasks_no_args input, keyed by
// the client's task hash.
type TaskBindInput struct {
	NodeID          int64
	TaskArgsHash    string
	ArrayID         int64
	TaskResourcesID int64
	Name            string
	Command         string
	MaxAttempts     int
	ResetIfRunning  bool
	ResourceScales  string
	FallbackQueues  string
}

// BoundTask is one bind_tasks_no_args response entry.
type BoundTask struct {
	TaskID int64             `json:"task_id"`
	Status models.TaskStatus `json:"status"`
}

// BindTasksNoArgs implements bind_tasks_no_args: a task already present in
// workflowID (matched on (node_id, task_args_hash)) is reset back to
// REGISTERING with the freshly-supplied name/command/max_attempts/scales —
// unless it's currently RUNNING and the caller passed reset_if_running=false,
// in which case it's left untouched (HOT_RESUME leaves live tasks alone).
// A task not yet present is inserted fresh. Binding is idempotent: calling
// it twice for the same hash converges on the same row.
func (r *TaskRepo) BindTasksNoArgs(ctx context.Context, workflowID int64, tasks map[string]TaskBindInput) (map[string]BoundTask, error) {
	result := make(map[string]BoundTask, len(tasks))
	if len(tasks) == 0 {
		return result, nil
	}

	err := r.withRetry(ctx, func(tx *sql.Tx) error {
		for hash, in := range tasks {
			var taskID int64
			var status models.TaskStatus
			row := tx.QueryRowContext(ctx, `
				SELECT id, status FROM task WHERE workflow_id = ? AND node_id = ? AND task_args_hash = ?`,
				workflowID, in.NodeID, in.TaskArgsHash)
			scanErr := row.Scan(&taskID, &status)
			switch {
			case scanErr == sql.ErrNoRows:
				res, err := tx.ExecContext(ctx, `
					INSERT INTO task (workflow_id, node_id, array_id, task_resources_id, name, command, status, max_attempts, task_args_hash, resource_scales, fallback_queues, status_date)
					VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
					workflowID, in.NodeID, in.ArrayID, in.TaskResourcesID, in.Name, in.Command, models.TaskRegistering, in.MaxAttempts, in.TaskArgsHash, in.ResourceScales, in.FallbackQueues, time.Now())
				if err != nil {
					return fmt.Errorf("insert task for hash %s: %w", hash, err)
				}
				taskID, err = res.LastInsertId()
				if err != nil {
					return err
				}
				status = models.TaskRegistering
			case scanErr != nil:
				return fmt.Errorf("lookup task for hash %s: %w", hash, scanErr)
			default:
				if in.ResetIfRunning || status != models.TaskRunning {
					if _, err := tx.ExecContext(ctx, `
						UPDATE task SET name = ?, command = ?, max_attempts = ?, resource_scales = ?, fallback_queues = ?, status = ?, num_attempts = 0, status_date = ?
						WHERE id = ?`,
						in.Name, in.Command, in.MaxAttempts, in.ResourceScales, in.FallbackQueues, models.TaskRegistering, time.Now(), taskID); err != nil {
						return fmt.Errorf("reset task %d for hash %s: %w", taskID, hash, err)
					}
					status = models.TaskRegistering
				}
			}
			result[hash] = BoundTask{TaskID: taskID, Status: status}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// TaskArgInput is one (task_id, arg_type_id, val) tuple for bind_task_args.
type TaskArgInput struct {
	TaskID    int64
	ArgTypeID int64
	Val       string
}

// BindTaskArgs inserts TaskArg rows, leaving a row untouched if one already
// exists for the same (task_id, arg_type_id) pair — a retried
// bind_task_args call is a no-op for args already recorded, matching the
// original route's INSERT-IGNORE semantics.
func (r *TaskRepo) BindTaskArgs(ctx context.Context, args []TaskArgInput) error {
	if len(args) == 0 {
		return nil
	}
	return r.withRetry(ctx, func(tx *sql.Tx) error {
		for _, a := range args {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO task_arg (task_id, arg_type_id, val) VALUES (?, ?, ?)
				ON CONFLICT(task_id, arg_type_id) DO NOTHING`,
				a.TaskID, a.ArgTypeID, a.Val); err != nil {
				return fmt.Errorf("bind task_arg (%d, %d): %w", a.TaskID, a.ArgTypeID, err)
			}
		}
		return nil
	})
}

// TaskAttributeInput is one task's attribute_name->value map for
// bind_task_attributes.
type TaskAttributeInput struct {
	TaskID     int64
	Attributes map[string]string
}

// BindTaskAttributes upserts attribute_type rows by name, then the
// task_attribute rows themselves, overwriting the value on a repeat call
// for the same (task_id, attribute_type_id) pair.
func (r *TaskRepo) BindTaskAttributes(ctx context.Context, inputs []TaskAttributeInput) error {
	if len(inputs) == 0 {
		return nil
	}
	return r.withRetry(ctx, func(tx *sql.Tx) error {
		typeIDs := make(map[string]int64)
		for _, in := range inputs {
			for name := range in.Attributes {
				if _, ok := typeIDs[name]; ok {
					continue
				}
				id, err := upsertAttributeType(ctx, tx, name)
				if err != nil {
					return err
				}
				typeIDs[name] = id
			}
		}
		for _, in := range inputs {
			for name, val := range in.Attributes {
				if _, err := tx.ExecContext(ctx, `
					INSERT INTO task_attribute (task_id, attribute_type_id, value) VALUES (?, ?, ?)
					ON CONFLICT(task_id, attribute_type_id) DO UPDATE SET value = excluded.value`,
					in.TaskID, typeIDs[name], val); err != nil {
					return fmt.Errorf("bind task_attribute %q for task %d: %w", name, in.TaskID, err)
				}
			}
		}
		return nil
	})
}

func upsertAttributeType(ctx context.Context, tx *sql.Tx, name string) (int64, error) {
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO task_attribute_type (name) VALUES (?) ON CONFLICT(name) DO NOTHING`, name); err != nil {
		return 0, fmt.Errorf("upsert task_attribute_type %q: %w", name, err)
	}
	var id int64
	if err := tx.QueryRowContext(ctx, `SELECT id FROM task_attribute_type WHERE name = ?`, name).Scan(&id); err != nil {
		return 0, fmt.Errorf("lookup task_attribute_type %q: %w", name, err)
	}
	return id, nil
}

// MostRecentTaskInstanceError returns the description and task_instance_id
// of the latest TaskInstanceErrorLog row for taskID's most recent
// TaskInstance. taskInstanceID is 0 and description is empty if taskID has
// never had an error logged against it.
func (r *TaskRepo) MostRecentTaskInstanceError(ctx context.Context, taskID int64) (description string, taskInstanceID int64, err error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT l.description, l.task_instance_id
		FROM task_instance_error_log l
		JOIN task_instance ti ON ti.id = l.task_instance_id
		WHERE ti.task_id = ?
		ORDER BY ti.id DESC, l.id DESC
		LIMIT 1`, taskID)
	switch scanErr := row.Scan(&description, &taskInstanceID); scanErr {
	case nil:
		return description, taskInstanceID, nil
	case sql.ErrNoRows:
		return "", 0, nil
	default:
		return "", 0, fmt.Errorf("most recent task instance error for task %d: %w", taskID, scanErr)
	}
}
