package stateserver

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
)

func TestBindTasksNoArgsInsertsThenResetsOnRebind(t *testing.T) {
	router, conn := newTestTaskServer(t)
	mustExecSQL(t, conn, `INSERT INTO dag (id, hash) VALUES (1, 'd1')`)
	mustExecSQL(t, conn, `INSERT INTO node (id, dag_id, task_template_version_id) VALUES (1, 1, 1)`)
	mustExecSQL(t, conn, `INSERT INTO workflow (id, dag_id, args_hash, task_hash) VALUES (1, 1, 'a', 't')`)
	mustExecSQL(t, conn, `INSERT INTO array (id, workflow_id) VALUES (1, 1)`)
	mustExecSQL(t, conn, `INSERT INTO cluster (id, name, plugin_name) VALUES (1, 'c1', 'local')`)
	mustExecSQL(t, conn, `INSERT INTO queue (id, cluster_id, name) VALUES (1, 1, 'q1')`)
	mustExecSQL(t, conn, `INSERT INTO task_resources (id, queue_id) VALUES (1, 1)`)

	body, _ := json.Marshal(map[string]any{
		"workflow_id": 1,
		"tasks": map[string]any{
			"h1": map[string]any{
				"node_id":           1,
				"task_args_hash":    "args1",
				"array_id":          1,
				"task_resources_id": 1,
				"command":           "echo hi",
			},
		},
	})
	req := httptest.NewRequest(http.MethodPost, "/task/bind_tasks_no_args", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var out struct {
		Tasks map[string]struct {
			TaskID int64  `json:"task_id"`
			Status string `json:"status"`
		} `json:"tasks"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	bound, ok := out.Tasks["h1"]
	if !ok {
		t.Fatalf("expected hash h1 in response, got %v", out.Tasks)
	}
	if bound.Status != "G" {
		t.Fatalf("expected new task REGISTERING, got %q", bound.Status)
	}
	firstID := bound.TaskID

	// Force it DONE, then rebind the same (node_id, task_args_hash): it
	// should reset back to REGISTERING on the same row rather than
	// inserting a second one.
	mustExecSQL(t, conn, `UPDATE task SET status = 'D' WHERE id = `+strconv.FormatInt(firstID, 10))

	rec2 := httptest.NewRecorder()
	req2 := httptest.NewRequest(http.MethodPost, "/task/bind_tasks_no_args", bytes.NewReader(body))
	req2.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(rec2, req2)
	if rec2.Code != http.StatusOK {
		t.Fatalf("expected 200 on rebind, got %d: %s", rec2.Code, rec2.Body.String())
	}
	var out2 struct {
		Tasks map[string]struct {
			TaskID int64  `json:"task_id"`
			Status string `json:"status"`
		} `json:"tasks"`
	}
	if err := json.Unmarshal(rec2.Body.Bytes(), &out2); err != nil {
		t.Fatalf("decode rebind response: %v", err)
	}
	rebound := out2.Tasks["h1"]
	if rebound.TaskID != firstID {
		t.Fatalf("expected rebind to reuse task id %d, got %d", firstID, rebound.TaskID)
	}
	if rebound.Status != "G" {
		t.Fatalf("expected rebind to reset status to REGISTERING, got %q", rebound.Status)
	}
}

func TestBindTaskArgsAndAttributesThenMostRecentError(t *testing.T) {
	router, conn := newTestTaskServer(t)
	seedTask(t, conn)

	argsBody, _ := json.Marshal(map[string]any{
		"task_args": []map[string]any{
			{"task_id": 10, "arg_type_id": 1, "val": "x"},
		},
	})
	req := httptest.NewRequest(http.MethodPost, "/task/bind_task_args", bytes.NewReader(argsBody))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for bind_task_args, got %d: %s", rec.Code, rec.Body.String())
	}

	attrBody, _ := json.Marshal(map[string]any{
		"task_attributes": []map[string]any{
			{"task_id": 10, "attributes": map[string]string{"priority": "high"}},
		},
	})
	req2 := httptest.NewRequest(http.MethodPost, "/task/bind_task_attributes", bytes.NewReader(attrBody))
	req2.Header.Set("Content-Type", "application/json")
	rec2 := httptest.NewRecorder()
	router.ServeHTTP(rec2, req2)
	if rec2.Code != http.StatusOK {
		t.Fatalf("expected 200 for bind_task_attributes, got %d: %s", rec2.Code, rec2.Body.String())
	}

	var attrCount int
	if err := conn.QueryRow(`SELECT COUNT(*) FROM task_attribute WHERE task_id = 10`).Scan(&attrCount); err != nil {
		t.Fatalf("count task_attribute: %v", err)
	}
	if attrCount != 1 {
		t.Fatalf("expected 1 task_attribute row, got %d", attrCount)
	}

	// No error logged yet: most_recent_error reports an empty result.
	reqNoErr := httptest.NewRequest(http.MethodGet, "/task/10/most_recent_error", nil)
	recNoErr := httptest.NewRecorder()
	router.ServeHTTP(recNoErr, reqNoErr)
	var noErrOut map[string]any
	if err := json.Unmarshal(recNoErr.Body.Bytes(), &noErrOut); err != nil {
		t.Fatalf("decode no-error response: %v", err)
	}
	if noErrOut["task_instance_id"] != nil {
		t.Fatalf("expected nil task_instance_id before any error, got %v", noErrOut["task_instance_id"])
	}

	mustExecSQL(t, conn, `INSERT INTO workflow_run (id, workflow_id) VALUES (1, 1)`)
	mustExecSQL(t, conn, `INSERT INTO task_instance (id, task_id, workflow_run_id, array_id, task_resources_id) VALUES (100, 10, 1, 1, 1)`)
	mustExecSQL(t, conn, `INSERT INTO task_instance_error_log (task_instance_id, description) VALUES (100, 'boom')`)

	reqErr := httptest.NewRequest(http.MethodGet, "/task/10/most_recent_error", nil)
	recErr := httptest.NewRecorder()
	router.ServeHTTP(recErr, reqErr)
	if recErr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", recErr.Code, recErr.Body.String())
	}
	var errOut map[string]any
	if err := json.Unmarshal(recErr.Body.Bytes(), &errOut); err != nil {
		t.Fatalf("decode error response: %v", err)
	}
	if errOut["error_description"] != "boom" {
		t.Fatalf("expected error_description boom, got %v", errOut["error_description"])
	}
	if errOut["task_instance_id"] != float64(100) {
		t.Fatalf("expected task_instance_id 100, got %v", errOut["task_instance_id"])
	}
}
