package stateserver

import (
	"bytes"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"

	"jobmon/internal/db"
	"jobmon/internal/stateserver/repo"
)

func newTestTaskServer(t *testing.T) (*gin.Engine, *sql.DB) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	tdb, err := db.NewTest(t)
	if err != nil {
		t.Fatalf("new test db: %v", err)
	}
	t.Cleanup(func() { tdb.Close() })

	conn := tdb.Conn()
	s := &Server{task: repo.NewTaskRepo(conn)}

	router := gin.New()
	s.registerTaskRoutes(router)
	s.registerTaskBindRoutes(router)
	return router, conn
}

func mustExecSQL(t *testing.T, conn *sql.DB, query string) {
	t.Helper()
	if _, err := conn.Exec(query); err != nil {
		t.Fatalf("exec %q: %v", query, err)
	}
}

// seedTask inserts one dag/node/workflow/array/task fixture with task id 10.
func seedTask(t *testing.T, conn *sql.DB) {
	t.Helper()
	mustExecSQL(t, conn, `INSERT INTO dag (id, hash) VALUES (1, 'd1')`)
	mustExecSQL(t, conn, `INSERT INTO node (id, dag_id, task_template_version_id) VALUES (1, 1, 1)`)
	mustExecSQL(t, conn, `INSERT INTO workflow (id, dag_id, args_hash, task_hash) VALUES (1, 1, 'a', 't')`)
	mustExecSQL(t, conn, `INSERT INTO array (id, workflow_id) VALUES (1, 1)`)
	mustExecSQL(t, conn, `INSERT INTO cluster (id, name, plugin_name) VALUES (1, 'c1', 'local')`)
	mustExecSQL(t, conn, `INSERT INTO queue (id, cluster_id, name) VALUES (1, 1, 'q1')`)
	mustExecSQL(t, conn, `INSERT INTO task_resources (id, queue_id) VALUES (1, 1)`)
	mustExecSQL(t, conn, `INSERT INTO task (id, workflow_id, array_id, node_id, command, status, task_resources_id) VALUES (10, 1, 1, 1, 'cmd1', 'D', 1)`)
}

func TestGetTaskReturns200ForExistingTask(t *testing.T) {
	router, conn := newTestTaskServer(t)
	seedTask(t, conn)

	req := httptest.NewRequest(http.MethodGet, "/task/10", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var out map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if out["task_id"] != float64(10) {
		t.Fatalf("expected task_id 10, got %v", out["task_id"])
	}
}

func TestGetTaskReturns404ForMissingTask(t *testing.T) {
	router, _ := newTestTaskServer(t)

	req := httptest.NewRequest(http.MethodGet, "/task/999", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestGetTaskReturns400ForNonNumericID(t *testing.T) {
	router, _ := newTestTaskServer(t)

	req := httptest.NewRequest(http.MethodGet, "/task/not-a-number", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestUpdateTaskStatusesHandlerForcesStatus(t *testing.T) {
	router, conn := newTestTaskServer(t)
	seedTask(t, conn)

	body, _ := json.Marshal(map[string]any{"task_ids": []int64{10}, "status": "G"})
	req := httptest.NewRequest(http.MethodPut, "/task/update_statuses", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	req2 := httptest.NewRequest(http.MethodGet, "/task/10", nil)
	rec2 := httptest.NewRecorder()
	router.ServeHTTP(rec2, req2)
	var out map[string]any
	if err := json.Unmarshal(rec2.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if out["status"] != "G" {
		t.Fatalf("expected status forced to G, got %v", out["status"])
	}
}

func TestUpdateTaskStatusesHandlerRejectsMissingFields(t *testing.T) {
	router, _ := newTestTaskServer(t)

	req := httptest.NewRequest(http.MethodPut, "/task/update_statuses", bytes.NewReader([]byte(`{}`)))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing required fields, got %d", rec.Code)
	}
}

func TestGetTaskDependenciesHandler(t *testing.T) {
	router, conn := newTestTaskServer(t)
	seedTask(t, conn)
	mustExecSQL(t, conn, `INSERT INTO edge (dag_id, node_id, upstream_node_ids, downstream_node_ids) VALUES (1, 1, '[]', '[]')`)

	req := httptest.NewRequest(http.MethodGet, "/task_dependencies/10", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var out map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if out["upstream_task_ids"] != nil {
		t.Fatalf("expected no upstream tasks, got %v", out["upstream_task_ids"])
	}
	if out["downstream_task_ids"] != nil {
		t.Fatalf("expected no downstream tasks, got %v", out["downstream_task_ids"])
	}
}
