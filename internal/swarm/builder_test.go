package swarm

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"
)

// TestBuildFromWorkflowIDCountsUpstreamsAcrossDoneTasks exercises the resume
// build path against a diamond where the topmost task is already DONE:
//
//	A(DONE) -> B, A(DONE) -> C, B -> D, C -> D
//
// NonDoneTasksPage never hands the builder A, since it's DONE, but A's
// edges into B and C still have to count toward their NumUpstreams and
// NumUpstreamsDone — and D's NumUpstreams has to reflect both of its
// live upstreams, B and C, even though neither is done yet.
func TestBuildFromWorkflowIDCountsUpstreamsAcrossDoneTasks(t *testing.T) {
	var getTasksCalls int

	requester := newTestRequester(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/workflow_run/1/log_heartbeat":
			json.NewEncoder(w).Encode(map[string]any{})

		case r.Method == http.MethodGet && r.URL.Path == "/workflow/1/fetch_workflow_metadata":
			json.NewEncoder(w).Encode(map[string]any{
				"workflow": map[string]any{"workflow_id": 1, "max_concurrently_running": 10},
			})

		case r.Method == http.MethodGet && r.URL.Path == "/workflow/get_tasks/1":
			getTasksCalls++
			if getTasksCalls > 1 {
				json.NewEncoder(w).Encode(map[string]any{"tasks": []any{}})
				return
			}
			json.NewEncoder(w).Encode(map[string]any{
				"tasks": []map[string]any{
					{"task_id": 102, "array_id": 1, "array_name": "", "node_id": 2, "status": "G", "max_attempts": 3, "num_attempts": 0, "task_resources_id": 1, "cluster_id": 1, "resource_scales": "{}", "fallback_queues": "[]", "requested_resources": "{}", "array_max_concurrently_running": 1},
					{"task_id": 103, "array_id": 1, "array_name": "", "node_id": 3, "status": "G", "max_attempts": 3, "num_attempts": 0, "task_resources_id": 1, "cluster_id": 1, "resource_scales": "{}", "fallback_queues": "[]", "requested_resources": "{}", "array_max_concurrently_running": 1},
					{"task_id": 104, "array_id": 1, "array_name": "", "node_id": 4, "status": "G", "max_attempts": 3, "num_attempts": 0, "task_resources_id": 1, "cluster_id": 1, "resource_scales": "{}", "fallback_queues": "[]", "requested_resources": "{}", "array_max_concurrently_running": 1},
				},
			})

		case r.Method == http.MethodGet && r.URL.Path == "/workflow/1/task_node_statuses":
			json.NewEncoder(w).Encode(map[string]any{
				"tasks": []map[string]any{
					{"task_id": 101, "node_id": 1, "status": "D"},
					{"task_id": 102, "node_id": 2, "status": "G"},
					{"task_id": 103, "node_id": 3, "status": "G"},
					{"task_id": 104, "node_id": 4, "status": "G"},
				},
			})

		case r.Method == http.MethodPost && r.URL.Path == "/task/get_downstream_tasks":
			json.NewEncoder(w).Encode(map[string]any{
				"downstream_tasks": map[string]any{
					"101": map[string]any{"node_id": 1, "downstream_node_ids": []int64{2, 3}},
					"102": map[string]any{"node_id": 2, "downstream_node_ids": []int64{4}},
					"103": map[string]any{"node_id": 3, "downstream_node_ids": []int64{4}},
				},
			})

		default:
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
	})

	builder := NewBuilder(requester, 500)
	state, err := builder.BuildFromWorkflowID(context.Background(), 1, 1, time.Hour)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if _, ok := state.Tasks[101]; ok {
		t.Fatalf("DONE task 101 should not be materialized as a SwarmTask")
	}

	b := state.Tasks[102]
	if b == nil {
		t.Fatalf("expected task 102 to be loaded")
	}
	if b.NumUpstreams != 1 || b.NumUpstreamsDone != 1 {
		t.Fatalf("task 102: expected NumUpstreams=1 NumUpstreamsDone=1, got %d/%d", b.NumUpstreams, b.NumUpstreamsDone)
	}
	if !b.Ready() {
		t.Fatalf("task 102 should be ready: its only upstream (101) is DONE")
	}

	c := state.Tasks[103]
	if c == nil {
		t.Fatalf("expected task 103 to be loaded")
	}
	if c.NumUpstreams != 1 || c.NumUpstreamsDone != 1 {
		t.Fatalf("task 103: expected NumUpstreams=1 NumUpstreamsDone=1, got %d/%d", c.NumUpstreams, c.NumUpstreamsDone)
	}

	d := state.Tasks[104]
	if d == nil {
		t.Fatalf("expected task 104 to be loaded")
	}
	if d.NumUpstreams != 2 {
		t.Fatalf("task 104: expected NumUpstreams=2 (from both 102 and 103), got %d", d.NumUpstreams)
	}
	if d.NumUpstreamsDone != 0 {
		t.Fatalf("task 104: expected NumUpstreamsDone=0, neither upstream is done yet, got %d", d.NumUpstreamsDone)
	}
	if d.Ready() {
		t.Fatalf("task 104 should not be ready yet")
	}

	readyIDs := map[int64]bool{}
	for _, t := range state.ReadyToRun {
		readyIDs[t.TaskID] = true
	}
	if !readyIDs[102] || !readyIDs[103] || readyIDs[104] {
		t.Fatalf("expected ReadyToRun = {102, 103}, got %v", readyIDs)
	}
}

func TestBuildFromWorkflowIDReturnsErrEmptyWorkflowWhenWorkflowMissing(t *testing.T) {
	requester := newTestRequester(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/workflow_run/1/log_heartbeat":
			json.NewEncoder(w).Encode(map[string]any{})
		case r.Method == http.MethodGet && r.URL.Path == "/workflow/1/fetch_workflow_metadata":
			json.NewEncoder(w).Encode(map[string]any{"workflow": map[string]any{}})
		default:
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
	})

	builder := NewBuilder(requester, 500)
	if _, err := builder.BuildFromWorkflowID(context.Background(), 1, 1, time.Hour); err == nil {
		t.Fatalf("expected an error when the workflow can't be found")
	}
}
