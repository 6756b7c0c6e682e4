package repo

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"jobmon/internal/db"
	"jobmon/pkg/models"
)

// WorkflowRepo handles database operations for Workflow and WorkflowRun rows.
type WorkflowRepo struct {
	db *sql.DB
}

func NewWorkflowRepo(conn *sql.DB) *WorkflowRepo {
	return &WorkflowRepo{db: conn}
}

// Upsert finds an existing Workflow by its (tool_version, dag, args_hash,
// task_hash) unique key, or creates one in REGISTERED status. Returns the
// workflow and whether it was newly created.
func (r *WorkflowRepo) Upsert(ctx context.Context, dagID, toolVersionID int64, argsHash, taskHash, name string, maxConcurrentlyRunning int) (*models.Workflow, bool, error) {
	existing, err := r.getByNaturalKey(ctx, dagID, toolVersionID, argsHash, taskHash)
	if err == nil {
		return existing, false, nil
	}
	if err != sql.ErrNoRows {
		return nil, false, fmt.Errorf("lookup workflow: %w", err)
	}

	db.SQLiteWriteMutex.Lock()
	defer db.SQLiteWriteMutex.Unlock()

	res, err := r.db.ExecContext(ctx, `
		INSERT INTO workflow (dag_id, tool_version_id, args_hash, task_hash, name, max_concurrently_running, status, created_date, status_date)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		dagID, toolVersionID, argsHash, taskHash, name, maxConcurrentlyRunning, models.WFRRegistered, time.Now(), time.Now())
	if err != nil {
		return nil, false, fmt.Errorf("insert workflow: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, false, fmt.Errorf("workflow last insert id: %w", err)
	}

	wf, err := r.GetByID(ctx, id)
	if err != nil {
		return nil, false, err
	}
	return wf, true, nil
}

func (r *WorkflowRepo) getByNaturalKey(ctx context.Context, dagID, toolVersionID int64, argsHash, taskHash string) (*models.Workflow, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, dag_id, tool_version_id, args_hash, task_hash, name, max_concurrently_running, status, created_date, status_date
		FROM workflow WHERE dag_id = ? AND tool_version_id = ? AND args_hash = ? AND task_hash = ?`,
		dagID, toolVersionID, argsHash, taskHash)
	return scanWorkflow(row)
}

func (r *WorkflowRepo) GetByID(ctx context.Context, id int64) (*models.Workflow, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, dag_id, tool_version_id, args_hash, task_hash, name, max_concurrently_running, status, created_date, status_date
		FROM workflow WHERE id = ?`, id)
	return scanWorkflow(row)
}

func scanWorkflow(row *sql.Row) (*models.Workflow, error) {
	var wf models.Workflow
	if err := row.Scan(&wf.ID, &wf.DagID, &wf.ToolVersionID, &wf.ArgsHash, &wf.TaskHash, &wf.Name,
		&wf.MaxConcurrentlyRunning, &wf.Status, &wf.CreatedDate, &wf.StatusDate); err != nil {
		return nil, err
	}
	return &wf, nil
}

// UpdateMaxConcurrentlyRunning changes the workflow-level concurrency cap.
func (r *WorkflowRepo) UpdateMaxConcurrentlyRunning(ctx context.Context, workflowID int64, max int) error {
	db.SQLiteWriteMutex.Lock()
	defer db.SQLiteWriteMutex.Unlock()

	_, err := r.db.ExecContext(ctx, `UPDATE workflow SET max_concurrently_running = ? WHERE id = ?`, max, workflowID)
	return err
}

// SetResumeState resets every Task belonging to workflowID whose status is
// not in {DONE, REGISTERING} back to REGISTERING with num_attempts cleared,
// and conditionally excludes RUNNING when resetIfRunning is false (the
// HOT_RESUME vs COLD_RESUME distinction). In-flight TaskInstances belonging
// to reset tasks are moved to KILL_SELF.
func (r *WorkflowRepo) SetResumeState(ctx context.Context, workflowID int64, resetIfRunning bool) error {
	db.SQLiteWriteMutex.Lock()
	defer db.SQLiteWriteMutex.Unlock()

	excluded := fmt.Sprintf("('%s', '%s')", models.TaskDone, models.TaskRegistering)
	if !resetIfRunning {
		excluded = fmt.Sprintf("('%s', '%s', '%s')", models.TaskDone, models.TaskRegistering, models.TaskRunning)
	}

	_, err := r.db.ExecContext(ctx, fmt.Sprintf(`
		UPDATE task SET status = ?, num_attempts = 0, status_date = ?
		WHERE workflow_id = ? AND status NOT IN %s`, excluded),
		models.TaskRegistering, time.Now(), workflowID)
	if err != nil {
		return fmt.Errorf("reset tasks for resume: %w", err)
	}

	resetTaskInstanceCondition := "t.status NOT IN " + excluded
	_, err = r.db.ExecContext(ctx, fmt.Sprintf(`
		UPDATE task_instance SET status = ?, status_date = ?
		WHERE task_id IN (
			SELECT t.id FROM task t WHERE t.workflow_id = ? AND %s
		) AND status NOT IN (?, ?, ?, ?, ?, ?, ?)`, resetTaskInstanceCondition),
		models.TIKillSelf, time.Now(), workflowID,
		models.TIDone, models.TIErrorFatal, models.TIError, models.TIResourceError, models.TIUnknownError, models.TINoDistributorID, models.TINoHeartbeat)
	if err != nil {
		return fmt.Errorf("kill in-flight task instances for resume: %w", err)
	}
	return nil
}

// WorkflowRunRepo handles database operations for WorkflowRun rows.
type WorkflowRunRepo struct {
	db *sql.DB
}

func NewWorkflowRunRepo(conn *sql.DB) *WorkflowRunRepo {
	return &WorkflowRunRepo{db: conn}
}

// ActiveRun returns the most recent non-terminal WorkflowRun for a workflow,
// if any.
func (r *WorkflowRunRepo) ActiveRun(ctx context.Context, workflowID int64) (*models.WorkflowRun, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, workflow_id, external_id, user, jobmon_version, status, heartbeat_date, created_date
		FROM workflow_run
		WHERE workflow_id = ? AND status NOT IN (?, ?, ?)
		ORDER BY id DESC LIMIT 1`,
		workflowID, models.WFRDone, models.WFRError, models.WFRTerminated)
	wfr, err := scanWorkflowRun(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return wfr, err
}

// Create inserts a new WorkflowRun in REGISTERED status, stamping it with a
// fresh external_id so callers have a correlation id independent of the
// autoincrement primary key.
func (r *WorkflowRunRepo) Create(ctx context.Context, workflowID int64, user, jobmonVersion string) (*models.WorkflowRun, error) {
	db.SQLiteWriteMutex.Lock()
	defer db.SQLiteWriteMutex.Unlock()

	now := time.Now()
	externalID := uuid.New().String()
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO workflow_run (workflow_id, external_id, user, jobmon_version, status, heartbeat_date, created_date)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		workflowID, externalID, user, jobmonVersion, models.WFRRegistered, now, now)
	if err != nil {
		return nil, fmt.Errorf("insert workflow_run: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	return r.GetByID(ctx, id)
}

func (r *WorkflowRunRepo) GetByID(ctx context.Context, id int64) (*models.WorkflowRun, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, workflow_id, external_id, user, jobmon_version, status, heartbeat_date, created_date
		FROM workflow_run WHERE id = ?`, id)
	return scanWorkflowRun(row)
}

// GetByExternalID looks up a WorkflowRun by its client-facing correlation
// id, for callers that never learned the internal autoincrement id.
func (r *WorkflowRunRepo) GetByExternalID(ctx context.Context, externalID string) (*models.WorkflowRun, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, workflow_id, external_id, user, jobmon_version, status, heartbeat_date, created_date
		FROM workflow_run WHERE external_id = ?`, externalID)
	return scanWorkflowRun(row)
}

func scanWorkflowRun(row *sql.Row) (*models.WorkflowRun, error) {
	var wfr models.WorkflowRun
	if err := row.Scan(&wfr.ID, &wfr.WorkflowID, &wfr.ExternalID, &wfr.User, &wfr.JobmonVersion, &wfr.Status, &wfr.HeartbeatDate, &wfr.CreatedDate); err != nil {
		return nil, err
	}
	return &wfr, nil
}

// LogHeartbeat extends heartbeat_date to now and returns the run's current
// status, so the caller can detect a resume request.
func (r *WorkflowRunRepo) LogHeartbeat(ctx context.Context, runID int64) (models.WorkflowRunStatus, error) {
	db.SQLiteWriteMutex.Lock()
	_, err := r.db.ExecContext(ctx, `UPDATE workflow_run SET heartbeat_date = ? WHERE id = ?`, time.Now(), runID)
	db.SQLiteWriteMutex.Unlock()
	if err != nil {
		return "", fmt.Errorf("log heartbeat: %w", err)
	}

	var status models.WorkflowRunStatus
	if err := r.db.QueryRowContext(ctx, `SELECT status FROM workflow_run WHERE id = ?`, runID).Scan(&status); err != nil {
		return "", fmt.Errorf("read run status after heartbeat: %w", err)
	}
	return status, nil
}

// SetResume sets runID's status to the given resume status (COLD_RESUME or
// HOT_RESUME),
// requiring the caller's username to match the run's recorded user.
func (r *WorkflowRunRepo) SetResume(ctx context.Context, runID int64, callerUser string, status models.WorkflowRunStatus) error {
	db.SQLiteWriteMutex.Lock()
	defer db.SQLiteWriteMutex.Unlock()

	res, err := r.db.ExecContext(ctx, `
		UPDATE workflow_run SET status = ? WHERE id = ? AND user = ?`, status, runID, callerUser)
	if err != nil {
		return fmt.Errorf("set resume: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("workflow run %d not found or caller %q is not its owner", runID, callerUser)
	}
	return nil
}

// UpdateStatus sets runID's status unconditionally.
func (r *WorkflowRunRepo) UpdateStatus(ctx context.Context, runID int64, status models.WorkflowRunStatus) error {
	db.SQLiteWriteMutex.Lock()
	defer db.SQLiteWriteMutex.Unlock()

	_, err := r.db.ExecContext(ctx, `UPDATE workflow_run SET status = ? WHERE id = ?`, status, runID)
	return err
}
