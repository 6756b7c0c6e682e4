package repo

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"jobmon/pkg/jobmonerr"
	"jobmon/pkg/models"
)

// TaskInstanceRepo handles database operations for TaskInstance rows and the
// coupled Task updates that follow a worker-reported terminal status.
type TaskInstanceRepo struct {
	db   *sql.DB
	task *TaskRepo
}

func NewTaskInstanceRepo(conn *sql.DB, task *TaskRepo) *TaskInstanceRepo {
	return &TaskInstanceRepo{db: conn, task: task}
}

func (r *TaskInstanceRepo) GetByID(ctx context.Context, id int64) (*models.TaskInstance, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, task_id, workflow_run_id, array_id, array_batch_num, array_step_id, task_resources_id, status,
		       distributor_id, submitted_date, status_date, report_by_date, nodename, process_group_id, wallclock, maxrss,
		       stdout, stderr, stdout_log, stderr_log
		FROM task_instance WHERE id = ?`, id)
	return scanTaskInstance(row)
}

func scanTaskInstance(row *sql.Row) (*models.TaskInstance, error) {
	var ti models.TaskInstance
	if err := row.Scan(&ti.ID, &ti.TaskID, &ti.WorkflowRunID, &ti.ArrayID, &ti.ArrayBatchNum, &ti.ArrayStepID, &ti.TaskResourcesID, &ti.Status,
		&ti.DistributorID, &ti.SubmittedDate, &ti.StatusDate, &ti.ReportByDate, &ti.Nodename, &ti.ProcessGroupID, &ti.Wallclock, &ti.MaxRSS,
		&ti.StdoutPath, &ti.StderrPath, &ti.StdoutLog, &ti.StderrLog); err != nil {
		return nil, err
	}
	return &ti, nil
}

// transition applies the legal-transition / idempotent-repeat rules of
// spec §4.1 and §7 to a single TaskInstance, persisting on success.
func (r *TaskInstanceRepo) transition(ctx context.Context, ti *models.TaskInstance, to models.TaskInstanceStatus) error {
	if ti.Status == to {
		log.Debug("task_instance %d already in status %q (idempotent repeat)", ti.ID, to)
		return nil
	}
	if !models.IsLegalTaskInstanceTransition(ti.Status, to) {
		log.Error("illegal task_instance transition for %d: %q -> %q", ti.ID, ti.Status, to)
		return jobmonerr.NewIllegalTransition("task_instance", string(ti.Status), string(to))
	}

	_, err := r.db.ExecContext(ctx, `UPDATE task_instance SET status = ?, status_date = ? WHERE id = ?`, to, time.Now(), ti.ID)
	if err != nil {
		return fmt.Errorf("persist task_instance transition: %w", err)
	}
	ti.Status = to
	return nil
}

// LogRunning records a worker's claim of a TaskInstance: nodename,
// process_group_id and an extended report_by_date. If the instance is in
// KILL_SELF, the server itself drives it to ERROR_FATAL and returns the
// illegal-transition error so the worker can react.
func (r *TaskInstanceRepo) LogRunning(ctx context.Context, tiID int64, nodename, processGroupID string, nextReportIncrement time.Duration) (*models.TaskInstance, error) {
	ti, err := r.GetByID(ctx, tiID)
	if err != nil {
		return nil, fmt.Errorf("load task_instance %d: %w", tiID, err)
	}

	if ti.Status == models.TIKillSelf {
		if err := r.transition(ctx, ti, models.TIErrorFatal); err != nil {
			return ti, err
		}
		if err := r.task.queueTaskTransition(ctx, ti.TaskID, models.TaskErrorFatal); err != nil {
			return ti, err
		}
		return ti, jobmonerr.NewIllegalTransition("task_instance", string(models.TIKillSelf), string(models.TIRunning))
	}

	if err := r.transition(ctx, ti, models.TIRunning); err != nil {
		return ti, err
	}

	_, err = r.db.ExecContext(ctx, `
		UPDATE task_instance SET nodename = ?, process_group_id = ?, report_by_date = ? WHERE id = ?`,
		nodename, processGroupID, time.Now().Add(nextReportIncrement), tiID)
	if err != nil {
		return ti, fmt.Errorf("persist log_running fields: %w", err)
	}

	if err := r.task.queueTaskTransition(ctx, ti.TaskID, models.TaskRunning); err != nil {
		return ti, err
	}
	return ti, nil
}

// LogDone transitions a TaskInstance to DONE with its captured output tails,
// and cascades the parent Task to DONE.
func (r *TaskInstanceRepo) LogDone(ctx context.Context, tiID int64, stdoutLog, stderrLog string) (*models.TaskInstance, error) {
	ti, err := r.GetByID(ctx, tiID)
	if err != nil {
		return nil, fmt.Errorf("load task_instance %d: %w", tiID, err)
	}
	if err := r.transition(ctx, ti, models.TIDone); err != nil {
		return ti, err
	}
	if _, err := r.db.ExecContext(ctx, `UPDATE task_instance SET stdout_log = ?, stderr_log = ? WHERE id = ?`, stdoutLog, stderrLog, tiID); err != nil {
		return ti, fmt.Errorf("persist log_done tails: %w", err)
	}
	if err := r.task.queueTaskTransition(ctx, ti.TaskID, models.TaskDone); err != nil {
		return ti, err
	}
	return ti, nil
}

// LogErrorWorkerNode records an error log row, transitions the TaskInstance
// to the given terminal error status, and consults num_attempts against
// max_attempts to decide whether the parent Task goes to
// ADJUSTING_RESOURCES (attempts remain) or ERROR_FATAL. The error log row is
// inserted before the transition is attempted, and only when the instance
// is not already in the target status, so a repeated call inserts no second
// row.
func (r *TaskInstanceRepo) LogErrorWorkerNode(ctx context.Context, tiID int64, status models.TaskInstanceStatus, description string) (*models.TaskInstance, error) {
	ti, err := r.GetByID(ctx, tiID)
	if err != nil {
		return nil, fmt.Errorf("load task_instance %d: %w", tiID, err)
	}

	if ti.Status != status {
		if _, err := r.db.ExecContext(ctx, `
			INSERT INTO task_instance_error_log (task_instance_id, error_time, description) VALUES (?, ?, ?)`,
			tiID, time.Now(), description); err != nil {
			return ti, fmt.Errorf("insert error log: %w", err)
		}
	}

	if err := r.transition(ctx, ti, status); err != nil {
		return ti, err
	}

	task, err := r.task.GetByID(ctx, ti.TaskID)
	if err != nil {
		return ti, fmt.Errorf("load parent task %d: %w", ti.TaskID, err)
	}
	next := models.TaskErrorFatal
	if task.NumAttempts < task.MaxAttempts {
		next = models.TaskAdjustingResources
	}
	if err := r.task.queueTaskTransition(ctx, ti.TaskID, next); err != nil {
		return ti, err
	}
	return ti, nil
}

// LogReportBy extends report_by_date for a single TaskInstance by
// nextReportIncrement. Returns the instance's current status so a caller
// (the worker) can detect a non-RUNNING status and react (e.g. KILL_SELF).
func (r *TaskInstanceRepo) LogReportBy(ctx context.Context, tiID int64, nextReportIncrement time.Duration) (models.TaskInstanceStatus, error) {
	if _, err := r.db.ExecContext(ctx, `UPDATE task_instance SET report_by_date = ? WHERE id = ?`, time.Now().Add(nextReportIncrement), tiID); err != nil {
		return "", fmt.Errorf("log_report_by: %w", err)
	}
	var status models.TaskInstanceStatus
	if err := r.db.QueryRowContext(ctx, `SELECT status FROM task_instance WHERE id = ?`, tiID).Scan(&status); err != nil {
		return "", err
	}
	return status, nil
}

// LogReportByBatch extends report_by_date for every id in tiIDs whose
// status is currently LAUNCHED or RUNNING.
func (r *TaskInstanceRepo) LogReportByBatch(ctx context.Context, tiIDs []int64, nextReportIncrement time.Duration) error {
	if len(tiIDs) == 0 {
		return nil
	}
	args := append([]any{time.Now().Add(nextReportIncrement)}, int64Args(tiIDs)...)
	args = append(args, models.TILaunched, models.TIRunning)
	_, err := r.db.ExecContext(ctx, fmt.Sprintf(`
		UPDATE task_instance SET report_by_date = ?
		WHERE id IN (%s) AND status IN (?, ?)`, placeholders(len(tiIDs))), args...)
	return err
}

// LogDistributorID assigns a cluster-assigned distributor_id.
func (r *TaskInstanceRepo) LogDistributorID(ctx context.Context, tiID int64, distributorID string) error {
	_, err := r.db.ExecContext(ctx, `UPDATE task_instance SET distributor_id = ?, submitted_date = ? WHERE id = ?`, distributorID, time.Now(), tiID)
	return err
}

// LogDistributorIDBatch assigns distributor_ids by array_step_id, scoped to
// one (array_id, array_batch_num).
func (r *TaskInstanceRepo) LogDistributorIDBatch(ctx context.Context, arrayID int64, batchNum int, stepToDistributorID map[int]string) error {
	for step, distID := range stepToDistributorID {
		if _, err := r.db.ExecContext(ctx, `
			UPDATE task_instance SET distributor_id = ?, submitted_date = ?
			WHERE array_id = ? AND array_batch_num = ? AND array_step_id = ?`,
			distID, time.Now(), arrayID, batchNum, step); err != nil {
			return fmt.Errorf("log_distributor_id for step %d: %w", step, err)
		}
	}
	return nil
}

// LogNoDistributorID transitions a TaskInstance to NO_DISTRIBUTOR_ID,
// recording the submission failure.
func (r *TaskInstanceRepo) LogNoDistributorID(ctx context.Context, tiID int64, description string) (*models.TaskInstance, error) {
	ti, err := r.GetByID(ctx, tiID)
	if err != nil {
		return nil, fmt.Errorf("load task_instance %d: %w", tiID, err)
	}
	if _, err := r.db.ExecContext(ctx, `
		INSERT INTO task_instance_error_log (task_instance_id, error_time, description) VALUES (?, ?, ?)`,
		tiID, time.Now(), description); err != nil {
		return ti, fmt.Errorf("insert error log: %w", err)
	}
	if err := r.transition(ctx, ti, models.TINoDistributorID); err != nil {
		return ti, err
	}
	return ti, nil
}

// GetErrorLog returns the append-only error trail for a TaskInstance, most
// recent first.
func (r *TaskInstanceRepo) GetErrorLog(ctx context.Context, tiID int64) ([]models.TaskInstanceErrorLog, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, task_instance_id, error_time, description FROM task_instance_error_log
		WHERE task_instance_id = ? ORDER BY error_time DESC`, tiID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.TaskInstanceErrorLog
	for rows.Next() {
		var e models.TaskInstanceErrorLog
		if err := rows.Scan(&e.ID, &e.TaskInstanceID, &e.ErrorTime, &e.Description); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

// GetArrayTaskInstanceID maps (array_id, array_batch_num, array_step_id)
// back to a task_instance_id, for cluster-side array jobs that only know
// their step index.
func (r *TaskInstanceRepo) GetArrayTaskInstanceID(ctx context.Context, arrayID int64, batchNum, stepID int) (int64, error) {
	var id int64
	err := r.db.QueryRowContext(ctx, `
		SELECT id FROM task_instance WHERE array_id = ? AND array_batch_num = ? AND array_step_id = ?`,
		arrayID, batchNum, stepID).Scan(&id)
	return id, err
}

// SyncStatus returns, for each requested status, the task_instance_ids of
// workflowRunID currently in it. An empty statuses list returns an empty
// map.
func (r *TaskInstanceRepo) SyncStatus(ctx context.Context, workflowRunID int64, statuses []models.TaskInstanceStatus) (map[models.TaskInstanceStatus][]int64, error) {
	result := make(map[models.TaskInstanceStatus][]int64)
	if len(statuses) == 0 {
		return result, nil
	}
	args := append([]any{workflowRunID}, statusArgs(statuses)...)
	rows, err := r.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT status, id FROM task_instance WHERE workflow_run_id = ? AND status IN (%s)`, placeholders(len(statuses))),
		args...)
	if err != nil {
		return nil, fmt.Errorf("sync_status: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var status models.TaskInstanceStatus
		var id int64
		if err := rows.Scan(&status, &id); err != nil {
			return nil, err
		}
		result[status] = append(result[status], id)
	}
	return result, nil
}

func statusArgs(statuses []models.TaskInstanceStatus) []any {
	args := make([]any, len(statuses))
	for i, s := range statuses {
		args[i] = s
	}
	return args
}

// TransitionTriaged moves a TaskInstance observed past its report_by_date
// into TRIAGING, the liveness-sweep entry point for the KILL_SELF/triage
// reconciliation path.
func (r *TaskInstanceRepo) TransitionTriaged(ctx context.Context, tiID int64) error {
	ti, err := r.GetByID(ctx, tiID)
	if err != nil {
		return fmt.Errorf("load task_instance %d: %w", tiID, err)
	}
	return r.transition(ctx, ti, models.TITriaging)
}

// SweepExpiredReportBy finds TaskInstances in LAUNCHED/RUNNING whose
// report_by_date has elapsed and moves them to TRIAGING, returning the
// affected ids.
func (r *TaskInstanceRepo) SweepExpiredReportBy(ctx context.Context) ([]int64, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id FROM task_instance WHERE status IN (?, ?) AND report_by_date < ?`,
		models.TILaunched, models.TIRunning, time.Now())
	if err != nil {
		return nil, fmt.Errorf("sweep expired report_by: %w", err)
	}
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()

	for _, id := range ids {
		if err := r.TransitionTriaged(ctx, id); err != nil {
			return nil, err
		}
	}
	return ids, nil
}
