package swarm

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"jobmon/internal/events"
	"jobmon/pkg/client"
	"jobmon/pkg/models"
)

// MaxBatchSize bounds how many tasks a single queue_task_batch request
// carries (spec §4.2).
const MaxBatchSize = 500

// Scheduler drives one WorkflowRun's State through ticks: forming batches
// from ready_to_run, submitting them, applying the response, and
// periodically pulling a Synchronizer tick.
type Scheduler struct {
	requester      *client.Requester
	state          *State
	sync           *Synchronizer
	boundResources map[int64]bool
	reboundTasks   map[int64]bool

	HeartbeatInterval          time.Duration
	WedgedWorkflowSyncInterval time.Duration
	FailFast                   bool

	lastHeartbeat time.Time
	lastChange    time.Time

	resumeSignaled atomic.Bool
}

// NewScheduler wires a Scheduler around an already-built State.
func NewScheduler(requester *client.Requester, state *State, heartbeatInterval, wedgeInterval time.Duration, failFast bool) *Scheduler {
	now := time.Now()
	return &Scheduler{
		requester:                  requester,
		state:                      state,
		sync:                       NewSynchronizer(requester, state),
		boundResources:             make(map[int64]bool),
		reboundTasks:               make(map[int64]bool),
		HeartbeatInterval:          heartbeatInterval,
		WedgedWorkflowSyncInterval: wedgeInterval,
		FailFast:                   failFast,
		lastHeartbeat:              now,
		lastChange:                 now,
	}
}

// WatchResumeEvents subscribes to the events bus so a COLD_RESUME/HOT_RESUME
// published by set_resume is noticed immediately instead of waiting for the
// next heartbeat-cadence Synchronizer tick. A nil engine (events disabled,
// or unreachable) leaves Tick relying solely on its own polling.
func (sch *Scheduler) WatchResumeEvents(engine events.Engine) {
	if engine == nil {
		return
	}
	_, err := engine.SubscribeResume(sch.state.WorkflowRunID, func(ev events.ResumeEvent) {
		log.Info("resume event received for workflow_run %d: %s", ev.WorkflowRunID, ev.Status)
		sch.resumeSignaled.Store(true)
	})
	if err != nil {
		log.Error("subscribe to resume events for workflow_run %d: %v", sch.state.WorkflowRunID, err)
	}
}

// batchKey groups ready tasks the same way the server groups instantiated
// instances: by array, bound resource request, and cluster.
type batchKey struct {
	ArrayID         int64
	TaskResourcesID int64
	ClusterID       int64
}

// Tick runs one scheduling pass: form and submit batches from ready_to_run,
// apply the resulting StateUpdate, and run a Synchronizer pass on the
// configured cadence. It returns (done, err): done is true once the state
// has reached a terminal condition (normal completion, resume request, or
// fail-fast halt) and the caller should stop looping.
func (sch *Scheduler) Tick(ctx context.Context) (bool, error) {
	if sch.FailFast && len(sch.state.TaskByStatus[models.TaskErrorFatal]) > 0 {
		log.Info("fail-fast: halting scheduling for workflow_run %d after first ERROR_FATAL task", sch.state.WorkflowRunID)
		return true, nil
	}

	if sch.resumeSignaled.Load() {
		log.Info("workflow_run %d resume event confirmed, exiting scheduling loop", sch.state.WorkflowRunID)
		return true, nil
	}

	if err := sch.rebindAdjustingResources(ctx); err != nil {
		return false, err
	}

	if len(sch.state.ReadyToRun) > 0 {
		if err := sch.drainReadyToRun(ctx); err != nil {
			return false, err
		}
	}

	if time.Since(sch.lastHeartbeat) >= sch.HeartbeatInterval {
		if err := sch.runSynchronizerTick(ctx); err != nil {
			return false, err
		}
		sch.lastHeartbeat = time.Now()

		if sch.state.Status == models.WFRColdResume || sch.state.Status == models.WFRHotResume {
			log.Info("workflow_run %d received resume request, exiting scheduling loop", sch.state.WorkflowRunID)
			return true, nil
		}
	}

	if time.Since(sch.lastChange) >= sch.WedgedWorkflowSyncInterval {
		log.Info("workflow_run %d wedge-recovery: forcing a full sync", sch.state.WorkflowRunID)
		if err := sch.sync.FullSync(ctx); err != nil {
			return false, err
		}
		sch.lastChange = time.Now()
	}

	if sch.state.AllTasksFinal() && len(sch.state.ReadyToRun) == 0 {
		return true, nil
	}

	return false, nil
}

// drainReadyToRun pops every ready task, groups into capacity-respecting
// batches, and submits each via queue_task_batch.
func (sch *Scheduler) drainReadyToRun(ctx context.Context) error {
	pending := sch.state.ReadyToRun
	sch.state.ReadyToRun = nil

	batches := make(map[batchKey][]*SwarmTask)
	var requeued []*SwarmTask

	for _, t := range pending {
		if sch.state.WorkflowCapacity() <= 0 {
			requeued = append(requeued, t)
			continue
		}
		if sch.state.ArrayCapacity(t.ArrayID) <= 0 {
			requeued = append(requeued, t)
			continue
		}
		key := batchKey{ArrayID: t.ArrayID, TaskResourcesID: t.TaskResourcesID, ClusterID: t.ClusterID}
		batches[key] = append(batches[key], t)
	}
	sch.state.ReadyToRun = append(sch.state.ReadyToRun, requeued...)

	merged := StateUpdate{}
	for key, tasks := range batches {
		for _, chunk := range chunkTasks(tasks, MaxBatchSize) {
			update, err := sch.submitBatch(ctx, key, chunk)
			if err != nil {
				return err
			}
			merged = MergeStateUpdates(merged, update)
		}
	}

	if len(merged.TaskStatuses) > 0 {
		sch.state.ApplyUpdate(merged)
		sch.lastChange = time.Now()
	}
	return nil
}

func (sch *Scheduler) submitBatch(ctx context.Context, key batchKey, tasks []*SwarmTask) (StateUpdate, error) {
	sch.bindTaskResourcesOnce(key.TaskResourcesID)

	ids := make([]int64, len(tasks))
	for i, t := range tasks {
		ids[i] = t.TaskID
	}

	var resp struct {
		TasksByStatus map[models.TaskStatus][]int64 `json:"tasks_by_status"`
	}
	path := fmt.Sprintf("/array/%d/queue_task_batch", key.ArrayID)
	body := map[string]any{
		"task_ids":          ids,
		"task_resources_id": key.TaskResourcesID,
		"workflow_run_id":   sch.state.WorkflowRunID,
	}
	if _, err := sch.requester.Post(ctx, path, body, &resp); err != nil {
		return StateUpdate{}, fmt.Errorf("queue_task_batch array %d: %w", key.ArrayID, err)
	}

	update := StateUpdate{TaskStatuses: make(map[int64]models.TaskStatus, len(ids))}
	for status, taskIDs := range resp.TasksByStatus {
		for _, id := range taskIDs {
			update.TaskStatuses[id] = status
		}
	}
	return update, nil
}

// rebindAdjustingResources derives the next requested_resources for every
// task the last sync moved into ADJUSTING_RESOURCES, binds a fresh
// TaskResources row for it (spec.md §9 "Resource scaling": adjusting
// resources always creates a new row), and queues it back into
// ready_to_run so the next drainReadyToRun call submits it under its new
// binding via the same REGISTERING/ADJUSTING_RESOURCES → QUEUED path.
func (sch *Scheduler) rebindAdjustingResources(ctx context.Context) error {
	bucket := sch.state.TaskByStatus[models.TaskAdjustingResources]
	for taskID := range sch.reboundTasks {
		if _, stillAdjusting := bucket[taskID]; !stillAdjusting {
			delete(sch.reboundTasks, taskID)
		}
	}

	for taskID, t := range bucket {
		if sch.reboundTasks[taskID] {
			continue
		}

		current, err := sch.fetchTaskResources(ctx, t.TaskResourcesID)
		if err != nil {
			return fmt.Errorf("fetch task_resources for adjusting task %d: %w", taskID, err)
		}

		requested := t.RequestedResources
		if requested == "" {
			requested = current.RequestedResources
		}
		adjusted, err := ApplyResourceScales(t.ResourceScales, requested, t.NumAttempts)
		if err != nil {
			return fmt.Errorf("apply resource_scales for task %d: %w", taskID, err)
		}

		var bound struct {
			TaskResourcesID int64 `json:"task_resources_id"`
		}
		body := map[string]any{
			"queue_id":               current.QueueID,
			"task_resources_type_id": current.TaskResourcesTypeID,
			"requested_resources":    adjusted,
		}
		if _, err := sch.requester.Post(ctx, "/task/bind_resources", body, &bound); err != nil {
			return fmt.Errorf("bind_resources for task %d: %w", taskID, err)
		}

		t.TaskResourcesID = bound.TaskResourcesID
		t.RequestedResources = adjusted
		sch.reboundTasks[taskID] = true
		sch.state.ReadyToRun = append(sch.state.ReadyToRun, t)
	}
	return nil
}

func (sch *Scheduler) fetchTaskResources(ctx context.Context, id int64) (taskResourcesInfo, error) {
	var info taskResourcesInfo
	path := fmt.Sprintf("/task_resources/%d", id)
	if _, err := sch.requester.Get(ctx, path, &info); err != nil {
		return taskResourcesInfo{}, err
	}
	return info, nil
}

type taskResourcesInfo struct {
	QueueID             int64  `json:"queue_id"`
	TaskResourcesTypeID int64  `json:"task_resources_type_id"`
	RequestedResources  string `json:"requested_resources"`
}

// bindTaskResourcesOnce is a placeholder for the "first use" resource bind:
// a production swarm would look up the unbound request payload here and
// POST /task/bind_resources; tasks arrive from the builder already carrying
// a task_resources_id, so the common case is a no-op memoized lookup.
func (sch *Scheduler) bindTaskResourcesOnce(taskResourcesID int64) {
	if sch.boundResources[taskResourcesID] {
		return
	}
	sch.boundResources[taskResourcesID] = true
}

func (sch *Scheduler) runSynchronizerTick(ctx context.Context) error {
	update, err := sch.sync.Tick(ctx)
	if err != nil {
		return err
	}
	sch.state.ApplyUpdate(update)
	return nil
}

func chunkTasks(tasks []*SwarmTask, size int) [][]*SwarmTask {
	var out [][]*SwarmTask
	for i := 0; i < len(tasks); i += size {
		end := i + size
		if end > len(tasks) {
			end = len(tasks)
		}
		out = append(out, tasks[i:end])
	}
	return out
}
