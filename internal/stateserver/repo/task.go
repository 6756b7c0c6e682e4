package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"jobmon/internal/db"
	"jobmon/internal/logging"
	"jobmon/pkg/jobmonerr"
	"jobmon/pkg/models"
)

var log = logging.Named("stateserver/repo")

// chunk splits ids into groups of at most size, mirroring the ~1000-row
// batching the queue_task_batch contract calls for.
func chunk(ids []int64, size int) [][]int64 {
	var out [][]int64
	for i := 0; i < len(ids); i += size {
		end := i + size
		if end > len(ids) {
			end = len(ids)
		}
		out = append(out, ids[i:end])
	}
	return out
}

func placeholders(n int) string {
	s := ""
	for i := 0; i < n; i++ {
		if i > 0 {
			s += ","
		}
		s += "?"
	}
	return s
}

func int64Args(ids []int64) []any {
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return args
}

// isLockTimeout reports whether err looks like a SQLite lock-contention
// error worth retrying with backoff rather than surfacing immediately.
func isLockTimeout(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return contains(msg, "database is locked") || contains(msg, "busy")
}

func contains(s, substr string) bool {
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return true
		}
	}
	return false
}

// TaskRepo handles database operations for Task rows, including the
// contended batch-transition endpoints.
type TaskRepo struct {
	db          *sql.DB
	maxRetries  int
	baseBackoff time.Duration
}

func NewTaskRepo(conn *sql.DB) *TaskRepo {
	return &TaskRepo{db: conn, maxRetries: 5, baseBackoff: time.Millisecond}
}

// QueueTaskBatch implements the queue_task_batch contract: in chunks of
// 1000, transition matching Tasks from {REGISTERING, ADJUSTING_RESOURCES}
// to QUEUED and bump num_attempts, then insert one new TaskInstance per
// transitioned Task with a monotonically increasing array_batch_num within
// the array and a 0-based array_step_id. It always returns the current
// status of every id in taskIDs, including ones that were already QUEUED or
// otherwise ineligible — the final lookup runs unconditionally, regardless
// of how many (if any) tasks were actually transitioned by this call.
func (r *TaskRepo) QueueTaskBatch(ctx context.Context, arrayID int64, taskIDs []int64, taskResourcesID, workflowRunID int64) (map[models.TaskStatus][]int64, error) {
	for _, batch := range chunk(taskIDs, 1000) {
		if err := r.withRetry(ctx, func(tx *sql.Tx) error {
			return r.queueBatchChunk(ctx, tx, batch)
		}); err != nil {
			return nil, err
		}
		if err := r.withRetry(ctx, func(tx *sql.Tx) error {
			return r.insertInstancesForBatch(ctx, tx, arrayID, batch, taskResourcesID, workflowRunID)
		}); err != nil {
			return nil, err
		}
	}

	return r.statusesByID(ctx, taskIDs)
}

func (r *TaskRepo) queueBatchChunk(ctx context.Context, tx *sql.Tx, batch []int64) error {
	args := append([]any{models.TaskQueued, time.Now()}, int64Args(batch)...)
	args = append(args, models.TaskRegistering, models.TaskAdjustingResources)
	_, err := tx.ExecContext(ctx, fmt.Sprintf(`
		UPDATE task SET status = ?, status_date = ?, num_attempts = num_attempts + 1
		WHERE id IN (%s) AND status IN (?, ?)`, placeholders(len(batch))),
		args...)
	return err
}

func (r *TaskRepo) insertInstancesForBatch(ctx context.Context, tx *sql.Tx, arrayID int64, batch []int64, taskResourcesID, workflowRunID int64) error {
	var nextBatchNum int
	if err := tx.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(array_batch_num), 0) + 1 FROM task_instance WHERE array_id = ?`, arrayID).Scan(&nextBatchNum); err != nil {
		return fmt.Errorf("compute next array_batch_num: %w", err)
	}

	rows, err := tx.QueryContext(ctx, fmt.Sprintf(`
		SELECT id FROM task WHERE id IN (%s) AND status = ? ORDER BY id`, placeholders(len(batch))),
		append(int64Args(batch), models.TaskQueued)...)
	if err != nil {
		return fmt.Errorf("select queued tasks for instance insert: %w", err)
	}
	var queuedIDs []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return err
		}
		queuedIDs = append(queuedIDs, id)
	}
	rows.Close()

	now := time.Now()
	for step, taskID := range queuedIDs {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO task_instance (task_id, workflow_run_id, array_id, array_batch_num, array_step_id, task_resources_id, status, status_date, report_by_date)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			taskID, workflowRunID, arrayID, nextBatchNum, step, taskResourcesID, models.TIQueued, now, now)
		if err != nil {
			return fmt.Errorf("insert task_instance for task %d: %w", taskID, err)
		}
	}
	return nil
}

func (r *TaskRepo) statusesByID(ctx context.Context, taskIDs []int64) (map[models.TaskStatus][]int64, error) {
	result := make(map[models.TaskStatus][]int64)
	if len(taskIDs) == 0 {
		return result, nil
	}
	rows, err := r.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT status, id FROM task WHERE id IN (%s) ORDER BY status`, placeholders(len(taskIDs))),
		int64Args(taskIDs)...)
	if err != nil {
		return nil, fmt.Errorf("final status lookup: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var status models.TaskStatus
		var id int64
		if err := rows.Scan(&status, &id); err != nil {
			return nil, err
		}
		result[status] = append(result[status], id)
	}
	return result, nil
}

// withRetry runs fn inside a transaction, retrying on lock-contention errors
// with exponential backoff capped at maxRetries attempts, serialized on the
// package write mutex since SQLite allows only one writer at a time.
func (r *TaskRepo) withRetry(ctx context.Context, fn func(tx *sql.Tx) error) error {
	db.SQLiteWriteMutex.Lock()
	defer db.SQLiteWriteMutex.Unlock()

	var lastErr error
	for attempt := 0; attempt < r.maxRetries; attempt++ {
		tx, err := r.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		if err := fn(tx); err != nil {
			tx.Rollback()
			if isLockTimeout(err) {
				lastErr = err
				log.Debug("lock timeout on attempt %d/%d: %v", attempt+1, r.maxRetries, err)
				time.Sleep(r.baseBackoff * time.Duration(1<<uint(attempt+1)))
				continue
			}
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}
		return nil
	}
	return fmt.Errorf("exhausted %d retries on lock contention: %w", r.maxRetries, lastErr)
}

// InstantiateTaskInstances sets the Task rows QUEUED->INSTANTIATING for
// taskIDs, then sets only the TaskInstance rows whose Task actually
// transitioned to INSTANTIATED (inner join gate) — a TaskInstance whose
// Task was no longer QUEUED (already claimed by a concurrent distributor
// instance) is left untouched. Returns the instances that were actually
// instantiated, for the caller to group into batches.
func (r *TaskRepo) InstantiateTaskInstances(ctx context.Context, taskIDs []int64) ([]models.TaskInstance, error) {
	if len(taskIDs) == 0 {
		return nil, nil
	}

	var instantiated []models.TaskInstance
	err := r.withRetry(ctx, func(tx *sql.Tx) error {
		args := append([]any{models.TaskInstantiating, time.Now()}, int64Args(taskIDs)...)
		args = append(args, models.TaskQueued)
		if _, err := tx.ExecContext(ctx, fmt.Sprintf(`
			UPDATE task SET status = ?, status_date = ? WHERE id IN (%s) AND status = ?`, placeholders(len(taskIDs))),
			args...); err != nil {
			return fmt.Errorf("transition tasks to instantiating: %w", err)
		}

		rows, err := tx.QueryContext(ctx, fmt.Sprintf(`
			SELECT ti.id, ti.task_id, ti.workflow_run_id, ti.array_id, ti.array_batch_num, ti.array_step_id, ti.task_resources_id, ti.status
			FROM task_instance ti
			JOIN task t ON t.id = ti.task_id
			WHERE ti.task_id IN (%s) AND t.status = ? AND ti.status = ?`, placeholders(len(taskIDs))),
			append(append([]any{}, int64Args(taskIDs)...), models.TaskInstantiating, models.TIQueued)...)
		if err != nil {
			return fmt.Errorf("select gated task instances: %w", err)
		}
		defer rows.Close()

		var ids []int64
		var buf []models.TaskInstance
		for rows.Next() {
			var ti models.TaskInstance
			if err := rows.Scan(&ti.ID, &ti.TaskID, &ti.WorkflowRunID, &ti.ArrayID, &ti.ArrayBatchNum, &ti.ArrayStepID, &ti.TaskResourcesID, &ti.Status); err != nil {
				return err
			}
			buf = append(buf, ti)
			ids = append(ids, ti.ID)
		}

		if len(ids) == 0 {
			return nil
		}

		args2 := append([]any{models.TIInstantiated, time.Now()}, int64Args(ids)...)
		if _, err := tx.ExecContext(ctx, fmt.Sprintf(`
			UPDATE task_instance SET status = ?, status_date = ? WHERE id IN (%s)`, placeholders(len(ids))),
			args2...); err != nil {
			return fmt.Errorf("transition task instances to instantiated: %w", err)
		}

		for i := range buf {
			buf[i].Status = models.TIInstantiated
		}
		instantiated = buf
		return nil
	})
	if err != nil {
		return nil, err
	}
	return instantiated, nil
}

// TransitionToLaunched bulk-transitions the Task and TaskInstance rows of
// one (array_id, array_batch_num) from INSTANTIATING/INSTANTIATED to
// LAUNCHED, and bumps report_by_date by nextReportIncrement.
func (r *TaskRepo) TransitionToLaunched(ctx context.Context, arrayID int64, batchNum int, nextReportIncrement time.Duration) error {
	return r.withRetry(ctx, func(tx *sql.Tx) error {
		now := time.Now()
		if _, err := tx.ExecContext(ctx, `
			UPDATE task SET status = ?, status_date = ?
			WHERE array_id = ? AND status = ?
			AND id IN (SELECT task_id FROM task_instance WHERE array_id = ? AND array_batch_num = ?)`,
			models.TaskLaunched, now, arrayID, models.TaskInstantiating, arrayID, batchNum); err != nil {
			return fmt.Errorf("transition tasks to launched: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE task_instance SET status = ?, status_date = ?, submitted_date = ?, report_by_date = ?
			WHERE array_id = ? AND array_batch_num = ? AND status = ?`,
			models.TILaunched, now, now, now.Add(nextReportIncrement), arrayID, batchNum, models.TIInstantiated); err != nil {
			return fmt.Errorf("transition task instances to launched: %w", err)
		}
		return nil
	})
}

// TransitionToKilled bulk-transitions TaskInstances from KILL_SELF to
// ERROR_FATAL for one (array_id, array_batch_num), and marks their parent
// Tasks ERROR_FATAL if the Task is in a killable state (LAUNCHED, RUNNING).
func (r *TaskRepo) TransitionToKilled(ctx context.Context, arrayID int64, batchNum int) error {
	return r.withRetry(ctx, func(tx *sql.Tx) error {
		now := time.Now()
		if _, err := tx.ExecContext(ctx, `
			UPDATE task SET status = ?, status_date = ?
			WHERE array_id = ? AND status IN (?, ?)
			AND id IN (SELECT task_id FROM task_instance WHERE array_id = ? AND array_batch_num = ? AND status = ?)`,
			models.TaskErrorFatal, now, arrayID, models.TaskLaunched, models.TaskRunning, arrayID, batchNum, models.TIKillSelf); err != nil {
			return fmt.Errorf("mark killable tasks error_fatal: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE task_instance SET status = ?, status_date = ?
			WHERE array_id = ? AND array_batch_num = ? AND status = ?`,
			models.TIErrorFatal, now, arrayID, batchNum, models.TIKillSelf); err != nil {
			return fmt.Errorf("transition killed task instances: %w", err)
		}
		return nil
	})
}

// GetDownstreamTasks returns, for each input task_id, its node_id and the
// downstream node_ids recorded in the Edge table, for swarm topology
// rebuilds on resume.
func (r *TaskRepo) GetDownstreamTasks(ctx context.Context, taskIDs []int64) (map[int64]DownstreamInfo, error) {
	if len(taskIDs) == 0 {
		return map[int64]DownstreamInfo{}, nil
	}
	rows, err := r.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT t.id, t.node_id, e.downstream_node_ids
		FROM task t
		JOIN edge e ON e.node_id = t.node_id
		WHERE t.id IN (%s)`, placeholders(len(taskIDs))),
		int64Args(taskIDs)...)
	if err != nil {
		return nil, fmt.Errorf("get downstream tasks: %w", err)
	}
	defer rows.Close()

	result := make(map[int64]DownstreamInfo, len(taskIDs))
	for rows.Next() {
		var taskID, nodeID int64
		var downstreamJSON string
		if err := rows.Scan(&taskID, &nodeID, &downstreamJSON); err != nil {
			return nil, err
		}
		result[taskID] = DownstreamInfo{NodeID: nodeID, DownstreamNodeIDsJSON: downstreamJSON}
	}
	return result, nil
}

// DownstreamInfo is one row of the get_downstream_tasks response.
type DownstreamInfo struct {
	NodeID                int64
	DownstreamNodeIDsJSON string
}

// NonDoneTasksPage fetches one id-ordered chunk of non-DONE tasks for
// workflowID, starting after maxTaskID, used by the swarm's resume build
// path to page through a workflow's tasks without loading them all at once.
func (r *TaskRepo) NonDoneTasksPage(ctx context.Context, workflowID, maxTaskID int64, chunkSize int) ([]models.Task, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, workflow_id, array_id, node_id, command, name, status, num_attempts, max_attempts, task_args_hash, task_resources_id, resource_scales, fallback_queues, status_date
		FROM task
		WHERE workflow_id = ? AND id > ? AND status != ?
		ORDER BY id ASC LIMIT ?`,
		workflowID, maxTaskID, models.TaskDone, chunkSize)
	if err != nil {
		return nil, fmt.Errorf("fetch non-done tasks page: %w", err)
	}
	defer rows.Close()

	var out []models.Task
	for rows.Next() {
		var t models.Task
		if err := rows.Scan(&t.ID, &t.WorkflowID, &t.ArrayID, &t.NodeID, &t.Command, &t.Name, &t.Status, &t.NumAttempts, &t.MaxAttempts,
			&t.TaskArgsHash, &t.TaskResourcesID, &t.ResourceScales, &t.FallbackQueues, &t.StatusDate); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

// AllTaskNodeStatuses returns every task's id, node_id, and status for
// workflowID, DONE tasks included, so the swarm resume build can resolve
// the full edge graph even though NonDoneTasksPage only materializes
// non-DONE tasks.
func (r *TaskRepo) AllTaskNodeStatuses(ctx context.Context, workflowID int64) ([]models.Task, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT id, node_id, status FROM task WHERE workflow_id = ?`, workflowID)
	if err != nil {
		return nil, fmt.Errorf("fetch task node statuses: %w", err)
	}
	defer rows.Close()

	var out []models.Task
	for rows.Next() {
		var t models.Task
		if err := rows.Scan(&t.ID, &t.NodeID, &t.Status); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

// GetByID fetches a single Task row.
func (r *TaskRepo) GetByID(ctx context.Context, id int64) (*models.Task, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, workflow_id, array_id, node_id, command, name, status, num_attempts, max_attempts, task_args_hash, task_resources_id, resource_scales, fallback_queues, status_date
		FROM task WHERE id = ?`, id)
	var t models.Task
	if err := row.Scan(&t.ID, &t.WorkflowID, &t.ArrayID, &t.NodeID, &t.Command, &t.Name, &t.Status, &t.NumAttempts, &t.MaxAttempts,
		&t.TaskArgsHash, &t.TaskResourcesID, &t.ResourceScales, &t.FallbackQueues, &t.StatusDate); err != nil {
		return nil, err
	}
	return &t, nil
}

// TaskDependencies resolves taskID's upstream and downstream task ids via
// its Dag's edge row, for the task_dependencies CLI graph query.
func (r *TaskRepo) TaskDependencies(ctx context.Context, taskID int64) (upstream, downstream []int64, err error) {
	t, err := r.GetByID(ctx, taskID)
	if err != nil {
		return nil, nil, err
	}

	var upstreamJSON, downstreamJSON string
	row := r.db.QueryRowContext(ctx, `
		SELECT e.upstream_node_ids, e.downstream_node_ids
		FROM edge e
		JOIN task t ON t.node_id = e.node_id AND t.workflow_id = ?
		WHERE e.node_id = ?`, t.WorkflowID, t.NodeID)
	if err := row.Scan(&upstreamJSON, &downstreamJSON); err != nil {
		return nil, nil, fmt.Errorf("fetch edge for task %d: %w", taskID, err)
	}

	upstreamNodeIDs, err := decodeNodeIDs(upstreamJSON)
	if err != nil {
		return nil, nil, err
	}
	downstreamNodeIDs, err := decodeNodeIDs(downstreamJSON)
	if err != nil {
		return nil, nil, err
	}

	upstream, err = r.taskIDsForNodes(ctx, t.WorkflowID, upstreamNodeIDs)
	if err != nil {
		return nil, nil, err
	}
	downstream, err = r.taskIDsForNodes(ctx, t.WorkflowID, downstreamNodeIDs)
	if err != nil {
		return nil, nil, err
	}
	return upstream, downstream, nil
}

func decodeNodeIDs(raw string) ([]int64, error) {
	var ids []int64
	if raw == "" {
		return ids, nil
	}
	if err := json.Unmarshal([]byte(raw), &ids); err != nil {
		return nil, fmt.Errorf("decode node id list: %w", err)
	}
	return ids, nil
}

func (r *TaskRepo) taskIDsForNodes(ctx context.Context, workflowID int64, nodeIDs []int64) ([]int64, error) {
	if len(nodeIDs) == 0 {
		return nil, nil
	}
	rows, err := r.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT id FROM task WHERE workflow_id = ? AND node_id IN (%s)`, placeholders(len(nodeIDs))),
		append([]any{workflowID}, int64Args(nodeIDs)...)...)
	if err != nil {
		return nil, fmt.Errorf("resolve task ids for nodes: %w", err)
	}
	defer rows.Close()

	var out []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, nil
}

// UpdateStatuses is the admin self-service override (`PUT /task/update_statuses`):
// it force-sets the given tasks to a status without checking the normal
// transition table, for operator-driven recovery only.
func (r *TaskRepo) UpdateStatuses(ctx context.Context, taskIDs []int64, status models.TaskStatus) error {
	if len(taskIDs) == 0 {
		return nil
	}
	db.SQLiteWriteMutex.Lock()
	defer db.SQLiteWriteMutex.Unlock()

	for _, batch := range chunk(taskIDs, 1000) {
		_, err := r.db.ExecContext(ctx, fmt.Sprintf(`
			UPDATE task SET status = ?, status_date = ? WHERE id IN (%s)`, placeholders(len(batch))),
			append([]any{status, time.Now()}, int64Args(batch)...)...)
		if err != nil {
			return fmt.Errorf("update task statuses: %w", err)
		}
	}
	return nil
}

// StatusSince returns the id and current status of every Task in workflowID
// whose status_date is at or after since. A zero since performs a full
// sync, used by the swarm's wedge-recovery path.
func (r *TaskRepo) StatusSince(ctx context.Context, workflowID int64, since time.Time) (map[int64]models.TaskStatus, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, status FROM task WHERE workflow_id = ? AND status_date >= ?`, workflowID, since)
	if err != nil {
		return nil, fmt.Errorf("fetch task status since: %w", err)
	}
	defer rows.Close()

	out := make(map[int64]models.TaskStatus)
	for rows.Next() {
		var id int64
		var status models.TaskStatus
		if err := rows.Scan(&id, &status); err != nil {
			return nil, err
		}
		out[id] = status
	}
	return out, nil
}

// queueTaskTransition is the cascade helper TaskInstanceRepo uses after a
// worker-node call lands a coupled Task update. An illegal transition here
// (the parent Task already moved on through some other path) is logged and
// swallowed rather than failing the whole request, matching the idempotent
// re-transition contract: the TaskInstance's own transition is the one
// whose outcome the caller needs.
func (r *TaskRepo) queueTaskTransition(ctx context.Context, taskID int64, to models.TaskStatus) error {
	_, err := r.TransitionStatus(ctx, taskID, to)
	if err == nil {
		return nil
	}
	if _, ok := err.(*jobmonerr.InvalidStateTransition); ok {
		log.Debug("cascade task transition for %d to %q was a no-op or already illegal: %v", taskID, to, err)
		return nil
	}
	return err
}

// TransitionStatus moves a Task to `to`, validating the transition table and
// applying the idempotent-repeat / illegal-but-reported-200 rules described
// in spec §4.1 and §7. Returns the current status after the attempt.
func (r *TaskRepo) TransitionStatus(ctx context.Context, taskID int64, to models.TaskStatus) (models.TaskStatus, error) {
	task, err := r.GetByID(ctx, taskID)
	if err != nil {
		return "", fmt.Errorf("load task %d: %w", taskID, err)
	}

	if task.Status == to {
		log.Debug("task %d already in status %q (idempotent repeat)", taskID, to)
		return task.Status, nil
	}

	if !models.IsLegalTaskTransition(task.Status, to) {
		log.Error("illegal task transition for %d: %q -> %q", taskID, task.Status, to)
		return task.Status, jobmonerr.NewIllegalTransition("task", string(task.Status), string(to))
	}

	err = r.withRetry(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `UPDATE task SET status = ?, status_date = ? WHERE id = ?`, to, time.Now(), taskID)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("persist task transition: %w", err)
	}
	return to, nil
}
