package repo

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/xeipuuv/gojsonschema"

	"jobmon/internal/db"
	"jobmon/pkg/models"
)

// TaskResourcesRepo handles the immutable TaskResources catalog. Binding a
// new row is the only write path — adjusting resources always creates a
// fresh row rather than mutating an existing one.
type TaskResourcesRepo struct {
	db *sql.DB
}

func NewTaskResourcesRepo(conn *sql.DB) *TaskResourcesRepo {
	return &TaskResourcesRepo{db: conn}
}

func (r *TaskResourcesRepo) GetByID(ctx context.Context, id int64) (*models.TaskResources, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, queue_id, task_resources_type_id, requested_resources FROM task_resources WHERE id = ?`, id)
	var tr models.TaskResources
	if err := row.Scan(&tr.ID, &tr.QueueID, &tr.TaskResourcesTypeID, &tr.RequestedResources); err != nil {
		return nil, err
	}
	return &tr, nil
}

// Bind validates requestedResourcesJSON against the queue's resource_schema
// (when one is set) and inserts a new TaskResources row. An empty schema
// means the queue accepts any JSON object, matching a plugin that has not
// registered a resource shape yet.
func (r *TaskResourcesRepo) Bind(ctx context.Context, queueID, taskResourcesTypeID int64, requestedResourcesJSON string) (*models.TaskResources, error) {
	var schema string
	row := r.db.QueryRowContext(ctx, `SELECT resource_schema FROM queue WHERE id = ?`, queueID)
	if err := row.Scan(&schema); err != nil {
		return nil, fmt.Errorf("lookup queue: %w", err)
	}

	if schema != "" {
		result, err := gojsonschema.Validate(
			gojsonschema.NewStringLoader(schema),
			gojsonschema.NewStringLoader(requestedResourcesJSON),
		)
		if err != nil {
			return nil, fmt.Errorf("evaluate resource schema: %w", err)
		}
		if !result.Valid() {
			msgs := make([]string, 0, len(result.Errors()))
			for _, e := range result.Errors() {
				msgs = append(msgs, e.String())
			}
			return nil, fmt.Errorf("requested_resources failed queue schema: %v", msgs)
		}
	}

	db.SQLiteWriteMutex.Lock()
	defer db.SQLiteWriteMutex.Unlock()

	res, err := r.db.ExecContext(ctx, `
		INSERT INTO task_resources (queue_id, task_resources_type_id, requested_resources) VALUES (?, ?, ?)`,
		queueID, taskResourcesTypeID, requestedResourcesJSON)
	if err != nil {
		return nil, fmt.Errorf("insert task_resources: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	return &models.TaskResources{ID: id, QueueID: queueID, TaskResourcesTypeID: taskResourcesTypeID, RequestedResources: requestedResourcesJSON}, nil
}
