package swarm

import (
	"context"
	"fmt"
	"time"

	"jobmon/pkg/client"
	"jobmon/pkg/models"
)

// Synchronizer pulls the periodic corrections a single-threaded scheduling
// loop cannot see on its own: task-instance triage results it didn't cause
// directly, concurrency-limit edits made through the CLI, and the
// resume-request signal. It never causes a state change itself — every
// field it returns came from the server.
type Synchronizer struct {
	requester *client.Requester
	state     *State
}

func NewSynchronizer(requester *client.Requester, state *State) *Synchronizer {
	return &Synchronizer{requester: requester, state: state}
}

// Tick performs one incremental sync: task statuses changed since
// state.LastSync, the workflow's and each known array's current
// concurrency cap, and the workflow-run's current status (to notice a
// resume request).
func (sy *Synchronizer) Tick(ctx context.Context) (StateUpdate, error) {
	taskUpdate, serverTime, err := sy.pullTaskStatus(ctx, time.Unix(0, sy.state.LastSync))
	if err != nil {
		return StateUpdate{}, err
	}

	limitsUpdate, err := sy.pullConcurrencyLimits(ctx)
	if err != nil {
		return StateUpdate{}, err
	}

	runStatusUpdate, err := sy.pullWorkflowRunStatus(ctx)
	if err != nil {
		return StateUpdate{}, err
	}

	merged := MergeStateUpdates(MergeStateUpdates(taskUpdate, limitsUpdate), runStatusUpdate)
	merged.SyncTime = &serverTime
	return merged, nil
}

// FullSync is the wedge-recovery path: pull every task's current status
// regardless of status_date, to recover from a row whose status changed
// without its status_date being bumped.
func (sy *Synchronizer) FullSync(ctx context.Context) error {
	update, serverTime, err := sy.pullTaskStatus(ctx, time.Unix(0, 0))
	if err != nil {
		return err
	}
	update.SyncTime = &serverTime
	sy.state.ApplyUpdate(update)
	return nil
}

func (sy *Synchronizer) pullTaskStatus(ctx context.Context, since time.Time) (StateUpdate, int64, error) {
	var resp struct {
		TaskStatuses map[string]models.TaskStatus `json:"task_statuses"`
		ServerTime   int64                         `json:"server_time"`
	}
	path := fmt.Sprintf("/workflow/%d/sync_task_status?since_unix_nano=%d", sy.state.WorkflowID, since.UnixNano())
	if _, err := sy.requester.Get(ctx, path, &resp); err != nil {
		return StateUpdate{}, 0, fmt.Errorf("sync task status: %w", err)
	}

	update := StateUpdate{TaskStatuses: make(map[int64]models.TaskStatus, len(resp.TaskStatuses))}
	for idStr, status := range resp.TaskStatuses {
		var id int64
		if _, err := fmt.Sscanf(idStr, "%d", &id); err != nil {
			continue
		}
		update.TaskStatuses[id] = status
	}
	return update, resp.ServerTime, nil
}

func (sy *Synchronizer) pullConcurrencyLimits(ctx context.Context) (StateUpdate, error) {
	var wfResp struct {
		MaxConcurrentlyRunning int `json:"max_concurrently_running"`
	}
	path := fmt.Sprintf("/workflow/%d/get_max_concurrently_running", sy.state.WorkflowID)
	if _, err := sy.requester.Get(ctx, path, &wfResp); err != nil {
		return StateUpdate{}, fmt.Errorf("pull workflow concurrency limit: %w", err)
	}

	arrayLimits := make(map[int64]int, len(sy.state.Arrays))
	for arrayID := range sy.state.Arrays {
		var arrResp struct {
			MaxConcurrentlyRunning int `json:"max_concurrently_running"`
		}
		path := fmt.Sprintf("/array/%d/get_max_concurrently_running", arrayID)
		if _, err := sy.requester.Get(ctx, path, &arrResp); err != nil {
			return StateUpdate{}, fmt.Errorf("pull array %d concurrency limit: %w", arrayID, err)
		}
		arrayLimits[arrayID] = arrResp.MaxConcurrentlyRunning
	}

	max := wfResp.MaxConcurrentlyRunning
	return StateUpdate{MaxConcurrentlyRunning: &max, ArrayLimits: arrayLimits}, nil
}

func (sy *Synchronizer) pullWorkflowRunStatus(ctx context.Context) (StateUpdate, error) {
	var resp struct {
		Status models.WorkflowRunStatus `json:"status"`
	}
	path := fmt.Sprintf("/workflow_run/%d/log_heartbeat", sy.state.WorkflowRunID)
	if _, err := sy.requester.Post(ctx, path, nil, &resp); err != nil {
		return StateUpdate{}, fmt.Errorf("heartbeat workflow_run %d: %w", sy.state.WorkflowRunID, err)
	}
	status := resp.Status
	return StateUpdate{WorkflowRunStatus: &status}, nil
}
