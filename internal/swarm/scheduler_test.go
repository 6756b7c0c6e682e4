package swarm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"jobmon/pkg/client"
	"jobmon/pkg/models"
)

func newTestRequester(t *testing.T, handler http.HandlerFunc) *client.Requester {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return client.New(srv.URL)
}

func TestRebindAdjustingResourcesBindsAndRequeues(t *testing.T) {
	var bindCalls int
	requester := newTestRequester(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/task_resources/10":
			json.NewEncoder(w).Encode(map[string]any{
				"queue_id":               1,
				"task_resources_type_id": 1,
				"requested_resources":    `{"memory_gb": 8}`,
			})
		case r.Method == http.MethodPost && r.URL.Path == "/task/bind_resources":
			bindCalls++
			var body map[string]any
			json.NewDecoder(r.Body).Decode(&body)
			if body["requested_resources"] != `{"memory_gb":12}` {
				t.Errorf("unexpected requested_resources in bind request: %v", body["requested_resources"])
			}
			json.NewEncoder(w).Encode(map[string]any{"task_resources_id": 11})
		default:
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
	})

	state := NewState(1, 1, 10)
	bump := 4.0
	task := &SwarmTask{
		TaskID:             5,
		ArrayID:            1,
		Status:             models.TaskAdjustingResources,
		TaskResourcesID:    10,
		ResourceScales:     mustJSON(t, map[string]ResourceScaleStrategy{"memory_gb": {Bump: &bump}}),
		DownstreamSwarmTasks: map[int64]*SwarmTask{},
	}
	state.AddTask(task)

	sch := NewScheduler(requester, state, time.Minute, time.Hour, false)

	if err := sch.rebindAdjustingResources(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if bindCalls != 1 {
		t.Fatalf("expected exactly one bind_resources call, got %d", bindCalls)
	}
	if task.TaskResourcesID != 11 {
		t.Fatalf("expected task_resources_id to be updated to 11, got %d", task.TaskResourcesID)
	}
	if len(state.ReadyToRun) != 1 || state.ReadyToRun[0].TaskID != 5 {
		t.Fatalf("expected task 5 to be queued into ready_to_run, got %+v", state.ReadyToRun)
	}

	// A second call before the task leaves ADJUSTING_RESOURCES must not
	// rebind again or requeue it a second time.
	if err := sch.rebindAdjustingResources(context.Background()); err != nil {
		t.Fatalf("unexpected error on second call: %v", err)
	}
	if bindCalls != 1 {
		t.Fatalf("expected no additional bind_resources call, got %d total", bindCalls)
	}
	if len(state.ReadyToRun) != 1 {
		t.Fatalf("expected ready_to_run to still contain exactly one entry, got %d", len(state.ReadyToRun))
	}
}

func TestRebindAdjustingResourcesNoopWithNoAdjustingTasks(t *testing.T) {
	requester := newTestRequester(t, func(w http.ResponseWriter, r *http.Request) {
		t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
	})

	state := NewState(1, 1, 10)
	sch := NewScheduler(requester, state, time.Minute, time.Hour, false)

	if err := sch.rebindAdjustingResources(context.Background()); err != nil {
		t.Fatalf("unexpected error with no tasks in ADJUSTING_RESOURCES: %v", err)
	}
}

func TestTickReturnsDoneWhenResumeSignaled(t *testing.T) {
	requester := newTestRequester(t, func(w http.ResponseWriter, r *http.Request) {
		t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
	})

	state := NewState(1, 1, 10)
	sch := NewScheduler(requester, state, time.Hour, time.Hour, false)
	sch.resumeSignaled.Store(true)

	done, err := sch.Tick(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !done {
		t.Fatalf("expected Tick to report done once a resume event is signaled")
	}
}

func mustJSON(t *testing.T, v any) string {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return string(b)
}
