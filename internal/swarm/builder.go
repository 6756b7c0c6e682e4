package swarm

import (
	"context"
	"fmt"
	"time"

	"jobmon/pkg/client"
	"jobmon/pkg/jobmonerr"
	"jobmon/pkg/models"
)

// Builder constructs a fully-populated State before the scheduling loop
// ever starts, mirroring the teacher's separation between a "new run" build
// (everything already in memory) and a "resume" build (paginated fetch from
// the state server) — both converge on the same State shape.
type Builder struct {
	requester     *client.Requester
	edgeChunkSize int
}

func NewBuilder(requester *client.Requester, edgeChunkSize int) *Builder {
	if edgeChunkSize <= 0 {
		edgeChunkSize = 500
	}
	return &Builder{requester: requester, edgeChunkSize: edgeChunkSize}
}

// InMemoryTask is the shape a fresh workflow bind hands the builder: all
// topology is already known, no server fetch is needed.
type InMemoryTask struct {
	TaskID                      int64
	ArrayID                     int64
	ArrayName                   string
	Status                      models.TaskStatus
	UpstreamTaskIDs             []int64
	MaxAttempts                 int
	NumAttempts                 int
	TaskResourcesID             int64
	RequestedResources          string
	ClusterID                   int64
	ResourceScales              string
	FallbackQueues              string
	ArrayMaxConcurrentlyRunning int
}

// BuildFromWorkflow builds a State for a brand new run: copy arrays, then
// for each task create a SwarmTask, populate num_upstreams from the
// upstream id list, wire downstream_swarm_tasks by id lookup, and compute
// num_upstreams_done by scanning each DONE task's downstreams.
func (b *Builder) BuildFromWorkflow(workflowID, workflowRunID int64, maxConcurrentlyRunning int, tasks []InMemoryTask) (*State, error) {
	state := NewState(workflowID, workflowRunID, maxConcurrentlyRunning)

	for _, it := range tasks {
		arr, ok := state.Arrays[it.ArrayID]
		if !ok {
			arr = &SwarmArray{ArrayID: it.ArrayID, Name: it.ArrayName, MaxConcurrentlyRunning: it.ArrayMaxConcurrentlyRunning, TaskIDs: map[int64]bool{}}
			state.Arrays[it.ArrayID] = arr
		}
		arr.TaskIDs[it.TaskID] = true
	}

	for _, it := range tasks {
		if err := ValidateResourceScales(it.ResourceScales); err != nil {
			return nil, fmt.Errorf("task %d: %w", it.TaskID, err)
		}
		st := &SwarmTask{
			TaskID:               it.TaskID,
			ArrayID:              it.ArrayID,
			Status:               it.Status,
			NumUpstreams:         len(it.UpstreamTaskIDs),
			DownstreamSwarmTasks: make(map[int64]*SwarmTask),
			MaxAttempts:          it.MaxAttempts,
			NumAttempts:          it.NumAttempts,
			TaskResourcesID:      it.TaskResourcesID,
			RequestedResources:   it.RequestedResources,
			ClusterID:            it.ClusterID,
			ResourceScales:       it.ResourceScales,
			FallbackQueues:       it.FallbackQueues,
		}
		state.Tasks[st.TaskID] = st
	}

	upstreamOf := make(map[int64][]int64, len(tasks))
	for _, it := range tasks {
		upstreamOf[it.TaskID] = it.UpstreamTaskIDs
	}
	for taskID, upstreams := range upstreamOf {
		down := state.Tasks[taskID]
		for _, upID := range upstreams {
			if up, ok := state.Tasks[upID]; ok {
				up.DownstreamSwarmTasks[down.TaskID] = down
			}
		}
	}

	for _, t := range state.Tasks {
		if t.Status == models.TaskDone {
			for _, down := range t.DownstreamSwarmTasks {
				down.NumUpstreamsDone++
			}
		}
	}

	for _, t := range state.Tasks {
		state.indexTask(t)
		if t.Ready() {
			state.ReadyToRun = append(state.ReadyToRun, t)
		}
	}

	return state, nil
}

// fetchedTaskRow is the wire shape of one row from /workflow/get_tasks/{id}.
type fetchedTaskRow struct {
	TaskID                      int64             `json:"task_id"`
	ArrayID                     int64             `json:"array_id"`
	ArrayName                   string            `json:"array_name"`
	NodeID                      int64             `json:"node_id"`
	Status                      models.TaskStatus `json:"status"`
	MaxAttempts                 int               `json:"max_attempts"`
	NumAttempts                 int               `json:"num_attempts"`
	TaskResourcesID             int64             `json:"task_resources_id"`
	ClusterID                   int64             `json:"cluster_id"`
	ResourceScales              string            `json:"resource_scales"`
	FallbackQueues              string            `json:"fallback_queues"`
	RequestedResources          string            `json:"requested_resources"`
	ArrayMaxConcurrentlyRunning int               `json:"array_max_concurrently_running"`
}

// fetchedTaskNodeStatus is the wire shape of one row from
// /workflow/{id}/task_node_statuses: every task's node_id and status,
// DONE tasks included, used only to resolve the edge graph.
type fetchedTaskNodeStatus struct {
	TaskID int64             `json:"task_id"`
	NodeID int64             `json:"node_id"`
	Status models.TaskStatus `json:"status"`
}

// BuildFromWorkflowID builds a State for a resumed run: heartbeat, fetch
// workflow metadata, then page through non-DONE tasks (emitting a
// heartbeat every heartbeatInterval to keep the run alive), then fetch
// every task's node_id/status including DONE ones to resolve the full
// edge graph, then fetch downstream edges in chunks over that full set
// to recompute num_upstreams and num_upstreams_done.
func (b *Builder) BuildFromWorkflowID(ctx context.Context, workflowID, workflowRunID int64, heartbeatInterval time.Duration) (*State, error) {
	if _, err := b.requester.Post(ctx, fmt.Sprintf("/workflow_run/%d/log_heartbeat", workflowRunID), nil, nil); err != nil {
		return nil, fmt.Errorf("resume heartbeat: %w", err)
	}

	var metaResp struct {
		Workflow models.Workflow `json:"workflow"`
	}
	if _, err := b.requester.Get(ctx, fmt.Sprintf("/workflow/%d/fetch_workflow_metadata", workflowID), &metaResp); err != nil {
		return nil, fmt.Errorf("%w: %v", jobmonerr.ErrEmptyWorkflow, err)
	}
	if metaResp.Workflow.ID == 0 {
		return nil, jobmonerr.ErrEmptyWorkflow
	}

	state := NewState(workflowID, workflowRunID, metaResp.Workflow.MaxConcurrentlyRunning)

	lastHeartbeat := time.Now()
	var maxTaskID int64

	for {
		var page struct {
			Tasks []fetchedTaskRow `json:"tasks"`
		}
		path := fmt.Sprintf("/workflow/get_tasks/%d?max_task_id=%d&chunk_size=500", workflowID, maxTaskID)
		if _, err := b.requester.Get(ctx, path, &page); err != nil {
			return nil, fmt.Errorf("fetch task page: %w", err)
		}
		if len(page.Tasks) == 0 {
			break
		}

		for _, row := range page.Tasks {
			if err := ValidateResourceScales(row.ResourceScales); err != nil {
				return nil, fmt.Errorf("task %d: %w", row.TaskID, err)
			}

			arr, ok := state.Arrays[row.ArrayID]
			if !ok {
				arr = &SwarmArray{ArrayID: row.ArrayID, Name: row.ArrayName, MaxConcurrentlyRunning: row.ArrayMaxConcurrentlyRunning, TaskIDs: map[int64]bool{}}
				state.Arrays[row.ArrayID] = arr
			}
			arr.TaskIDs[row.TaskID] = true

			state.Tasks[row.TaskID] = &SwarmTask{
				TaskID:               row.TaskID,
				ArrayID:              row.ArrayID,
				Status:               row.Status,
				DownstreamSwarmTasks: make(map[int64]*SwarmTask),
				MaxAttempts:          row.MaxAttempts,
				NumAttempts:          row.NumAttempts,
				TaskResourcesID:      row.TaskResourcesID,
				RequestedResources:   row.RequestedResources,
				ClusterID:            row.ClusterID,
				ResourceScales:       row.ResourceScales,
				FallbackQueues:       row.FallbackQueues,
			}
			if row.TaskID > maxTaskID {
				maxTaskID = row.TaskID
			}
		}

		if time.Since(lastHeartbeat) >= heartbeatInterval {
			if _, err := b.requester.Post(ctx, fmt.Sprintf("/workflow_run/%d/log_heartbeat", workflowRunID), nil, nil); err != nil {
				return nil, fmt.Errorf("resume fetch heartbeat: %w", err)
			}
			lastHeartbeat = time.Now()
		}
	}

	// The page loop above only loaded non-DONE tasks, so resolving edges
	// off that set alone would miss every edge whose upstream is already
	// DONE. A DONE upstream still has to contribute to a downstream
	// task's NumUpstreams and NumUpstreamsDone, so fetch every task's
	// node_id and status (DONE included) to resolve the full edge graph,
	// not just the non-DONE subset that got SwarmTask entries.
	var allRows []fetchedTaskNodeStatus
	{
		var resp struct {
			Tasks []fetchedTaskNodeStatus `json:"tasks"`
		}
		if _, err := b.requester.Get(ctx, fmt.Sprintf("/workflow/%d/task_node_statuses", workflowID), &resp); err != nil {
			return nil, fmt.Errorf("fetch task node statuses: %w", err)
		}
		allRows = resp.Tasks
	}

	fullNodeToTask := make(map[int64]int64, len(allRows))
	statusOf := make(map[int64]models.TaskStatus, len(allRows))
	allTaskIDs := make([]int64, 0, len(allRows))
	for _, row := range allRows {
		fullNodeToTask[row.NodeID] = row.TaskID
		statusOf[row.TaskID] = row.Status
		allTaskIDs = append(allTaskIDs, row.TaskID)
	}

	for _, chunk := range chunkInt64(allTaskIDs, b.edgeChunkSize) {
		var resp struct {
			DownstreamTasks map[string]struct {
				NodeID            int64   `json:"node_id"`
				DownstreamNodeIDs []int64 `json:"downstream_node_ids"`
			} `json:"downstream_tasks"`
		}

		if _, err := b.requester.Post(ctx, "/task/get_downstream_tasks", map[string]any{"task_ids": chunk}, &resp); err != nil {
			return nil, fmt.Errorf("fetch downstream edges: %w", err)
		}

		for _, entry := range resp.DownstreamTasks {
			upTaskID, ok := fullNodeToTask[entry.NodeID]
			if !ok {
				continue
			}
			for _, downNodeID := range entry.DownstreamNodeIDs {
				downTaskID, ok := fullNodeToTask[downNodeID]
				if !ok {
					continue
				}
				down, loaded := state.Tasks[downTaskID]
				if !loaded {
					continue // downstream task is itself DONE, no SwarmTask needs this edge
				}
				down.NumUpstreams++
				if statusOf[upTaskID] == models.TaskDone {
					down.NumUpstreamsDone++
				} else if up, ok := state.Tasks[upTaskID]; ok {
					up.DownstreamSwarmTasks[down.TaskID] = down
				}
			}
		}

		if time.Since(lastHeartbeat) >= heartbeatInterval {
			if _, err := b.requester.Post(ctx, fmt.Sprintf("/workflow_run/%d/log_heartbeat", workflowRunID), nil, nil); err != nil {
				return nil, fmt.Errorf("resume edge-fetch heartbeat: %w", err)
			}
			lastHeartbeat = time.Now()
		}
	}

	for _, t := range state.Tasks {
		state.indexTask(t)
		if t.Ready() {
			state.ReadyToRun = append(state.ReadyToRun, t)
		}
	}

	return state, nil
}

func chunkInt64(ids []int64, size int) [][]int64 {
	var out [][]int64
	for i := 0; i < len(ids); i += size {
		end := i + size
		if end > len(ids) {
			end = len(ids)
		}
		out = append(out, ids[i:end])
	}
	return out
}
