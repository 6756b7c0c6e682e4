package repo

import (
	"context"
	"database/sql"
	"fmt"

	"jobmon/internal/db"
	"jobmon/pkg/models"
)

// ArrayRepo handles database operations for Array rows.
type ArrayRepo struct {
	db *sql.DB
}

func NewArrayRepo(conn *sql.DB) *ArrayRepo {
	return &ArrayRepo{db: conn}
}

func (r *ArrayRepo) GetByID(ctx context.Context, id int64) (*models.Array, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, workflow_id, task_template_version_id, max_concurrently_running, name FROM array WHERE id = ?`, id)
	var a models.Array
	if err := row.Scan(&a.ID, &a.WorkflowID, &a.TaskTemplateVersionID, &a.MaxConcurrentlyRunning, &a.Name); err != nil {
		return nil, err
	}
	return &a, nil
}

// GetOrCreate finds an Array by (workflow_id, task_template_version_id), or
// creates one with the given name and concurrency cap.
func (r *ArrayRepo) GetOrCreate(ctx context.Context, workflowID, taskTemplateVersionID int64, name string, maxConcurrentlyRunning int) (*models.Array, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, workflow_id, task_template_version_id, max_concurrently_running, name
		FROM array WHERE workflow_id = ? AND task_template_version_id = ?`, workflowID, taskTemplateVersionID)
	var a models.Array
	err := row.Scan(&a.ID, &a.WorkflowID, &a.TaskTemplateVersionID, &a.MaxConcurrentlyRunning, &a.Name)
	if err == nil {
		return &a, nil
	}
	if err != sql.ErrNoRows {
		return nil, fmt.Errorf("lookup array: %w", err)
	}

	db.SQLiteWriteMutex.Lock()
	defer db.SQLiteWriteMutex.Unlock()

	res, err := r.db.ExecContext(ctx, `
		INSERT INTO array (workflow_id, task_template_version_id, max_concurrently_running, name) VALUES (?, ?, ?, ?)`,
		workflowID, taskTemplateVersionID, maxConcurrentlyRunning, name)
	if err != nil {
		return nil, fmt.Errorf("insert array: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	return &models.Array{ID: id, WorkflowID: workflowID, TaskTemplateVersionID: taskTemplateVersionID, MaxConcurrentlyRunning: maxConcurrentlyRunning, Name: name}, nil
}

// UpdateMaxConcurrentlyRunning changes the array-level concurrency cap.
func (r *ArrayRepo) UpdateMaxConcurrentlyRunning(ctx context.Context, arrayID int64, max int) error {
	db.SQLiteWriteMutex.Lock()
	defer db.SQLiteWriteMutex.Unlock()

	_, err := r.db.ExecContext(ctx, `UPDATE array SET max_concurrently_running = ? WHERE id = ?`, max, arrayID)
	return err
}
