package distributor

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"jobmon/internal/config"
	"jobmon/pkg/client"
	"jobmon/pkg/cluster"
	"jobmon/pkg/models"
)

// fakePlugin is a cluster.Plugin test double: array submission always
// reports ErrArraysNotSupported, so launchBatch's fallback to
// SubmitToBatchDistributor is the only path exercised; per-instance
// submissions are recorded for assertions.
type fakePlugin struct {
	submittedTaskInstanceIDs []int64
}

func (p *fakePlugin) Start(ctx context.Context) error { return nil }
func (p *fakePlugin) Stop(ctx context.Context) error   { return nil }

func (p *fakePlugin) SubmitToBatchDistributor(ctx context.Context, cmd cluster.WorkerCommand, name string, resources cluster.RequestedResources) (string, error) {
	p.submittedTaskInstanceIDs = append(p.submittedTaskInstanceIDs, cmd.TaskInstanceID)
	return "dist-" + cmd.Command, nil
}

func (p *fakePlugin) SubmitArrayToBatchDistributor(ctx context.Context, cmd cluster.WorkerCommand, name string, resources cluster.RequestedResources, arrayLength int) (map[int]string, error) {
	return nil, cluster.ErrArraysNotSupported
}

func (p *fakePlugin) TerminateTaskInstances(ctx context.Context, distributorIDs []string) error {
	return nil
}

func (p *fakePlugin) GetRemoteExitInfo(ctx context.Context, distributorID string) (string, string, error) {
	return "", "", nil
}

func (p *fakePlugin) GetExitInfo(returnCode int, stderrTail string) (string, string) { return "", "" }

func (p *fakePlugin) GetSubmittedOrRunning(ctx context.Context, distributorIDs []string) (map[string]bool, error) {
	return nil, nil
}

func (p *fakePlugin) BuildWorkerNodeCommand(taskInstanceID, arrayID int64, arrayBatchNum int) string {
	return "worker"
}

func (p *fakePlugin) InitializeLogfile(stream, dir, taskName string) string { return "" }

func newTestService(t *testing.T, handler http.HandlerFunc, plugin cluster.Plugin) *Service {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	requester := client.New(srv.URL)
	return New(requester, plugin, 1, config.DistributorConfig{}, config.HeartbeatConfig{TaskInstanceInterval: time.Minute, ReportByBuffer: 2})
}

func TestLaunchBatchFallsBackToPerInstanceWhenArraysUnsupported(t *testing.T) {
	var transitionCalls int
	var logDistributorIDCalls int

	plugin := &fakePlugin{}
	service := newTestService(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/task_instance/1/log_distributor_id":
			logDistributorIDCalls++
			json.NewEncoder(w).Encode(map[string]any{})
		case r.Method == http.MethodPost && r.URL.Path == "/task_instance/2/log_distributor_id":
			logDistributorIDCalls++
			json.NewEncoder(w).Encode(map[string]any{})
		case r.Method == http.MethodPost && r.URL.Path == "/array/5/transition_to_launched":
			transitionCalls++
			json.NewEncoder(w).Encode(map[string]any{})
		default:
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
	}, plugin)

	batch := &TaskInstanceBatch{
		ArrayID:       5,
		ArrayBatchNum: 0,
		Name:          "my_array",
		TaskInstances: []models.TaskInstance{
			{ID: 1, ArrayID: 5, ArrayBatchNum: 0},
			{ID: 2, ArrayID: 5, ArrayBatchNum: 0},
		},
	}
	service.batches[batchKey{ArrayID: 5, ArrayBatchNum: 0}] = batch

	if err := service.launchInstantiated(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(plugin.submittedTaskInstanceIDs) != 2 {
		t.Fatalf("expected 2 per-instance submissions via fallback, got %d: %v", len(plugin.submittedTaskInstanceIDs), plugin.submittedTaskInstanceIDs)
	}
	if logDistributorIDCalls != 2 {
		t.Fatalf("expected 2 log_distributor_id calls, got %d", logDistributorIDCalls)
	}
	if transitionCalls != 1 {
		t.Fatalf("expected exactly 1 transition_to_launched call, got %d", transitionCalls)
	}
	if len(service.batches) != 0 {
		t.Fatalf("expected the batch to be removed after a successful launch, got %d remaining", len(service.batches))
	}
}

func TestLaunchBatchKeepsBatchOnTransitionFailure(t *testing.T) {
	plugin := &fakePlugin{}
	service := newTestService(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/task_instance/1/log_distributor_id":
			json.NewEncoder(w).Encode(map[string]any{})
		case r.Method == http.MethodPost && r.URL.Path == "/array/5/transition_to_launched":
			w.WriteHeader(http.StatusInternalServerError)
		default:
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
	}, plugin)
	service.requester.MaxRetries = 1 // avoid the retry backoff delay for this deliberately-failing call

	batch := &TaskInstanceBatch{
		ArrayID:       5,
		ArrayBatchNum: 0,
		Name:          "my_array",
		TaskInstances: []models.TaskInstance{{ID: 1, ArrayID: 5, ArrayBatchNum: 0}},
	}
	service.batches[batchKey{ArrayID: 5, ArrayBatchNum: 0}] = batch

	if err := service.launchInstantiated(context.Background()); err != nil {
		t.Fatalf("launchInstantiated itself should swallow per-batch errors, got: %v", err)
	}

	if _, ok := service.batches[batchKey{ArrayID: 5, ArrayBatchNum: 0}]; !ok {
		t.Fatalf("expected the batch to remain queued after transition_to_launched failed")
	}
}
