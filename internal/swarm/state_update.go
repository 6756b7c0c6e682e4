package swarm

import "jobmon/pkg/models"

// StateUpdate is the value object the swarm merges server responses into:
// queue_task_batch results, synchronizer sync results, and concurrency
// limit refreshes all flow through the same shape.
type StateUpdate struct {
	TaskStatuses           map[int64]models.TaskStatus
	MaxConcurrentlyRunning *int
	ArrayLimits            map[int64]int
	WorkflowRunStatus      *models.WorkflowRunStatus
	SyncTime               *int64
}

// MergeStateUpdates takes b's value over a's per field when b sets it; for
// TaskStatuses it is a union with b's entries overriding a's on conflict.
func MergeStateUpdates(a, b StateUpdate) StateUpdate {
	merged := StateUpdate{
		TaskStatuses: make(map[int64]models.TaskStatus, len(a.TaskStatuses)+len(b.TaskStatuses)),
		ArrayLimits:  make(map[int64]int, len(a.ArrayLimits)+len(b.ArrayLimits)),
	}
	for id, s := range a.TaskStatuses {
		merged.TaskStatuses[id] = s
	}
	for id, s := range b.TaskStatuses {
		merged.TaskStatuses[id] = s
	}
	for id, l := range a.ArrayLimits {
		merged.ArrayLimits[id] = l
	}
	for id, l := range b.ArrayLimits {
		merged.ArrayLimits[id] = l
	}

	merged.MaxConcurrentlyRunning = a.MaxConcurrentlyRunning
	if b.MaxConcurrentlyRunning != nil {
		merged.MaxConcurrentlyRunning = b.MaxConcurrentlyRunning
	}
	merged.WorkflowRunStatus = a.WorkflowRunStatus
	if b.WorkflowRunStatus != nil {
		merged.WorkflowRunStatus = b.WorkflowRunStatus
	}
	merged.SyncTime = a.SyncTime
	if b.SyncTime != nil {
		merged.SyncTime = b.SyncTime
	}
	return merged
}

// ApplyUpdate applies a StateUpdate to state: moves each task whose status
// actually changed between TaskByStatus buckets, propagates DONE
// completions to downstreams, marks ERROR_FATAL cascades unreachable, and
// refreshes concurrency limits. A status entry whose value equals the
// task's current status is a no-op and is not counted as "changed" (spec
// §4.2's apply_update contract).
func (s *State) ApplyUpdate(u StateUpdate) {
	var newlyDone []*SwarmTask

	for taskID, status := range u.TaskStatuses {
		t, ok := s.Tasks[taskID]
		if !ok {
			continue
		}
		if !s.setTaskStatus(t, status) {
			continue
		}
		switch status {
		case models.TaskDone:
			newlyDone = append(newlyDone, t)
		case models.TaskErrorFatal:
			s.MarkUnreachable(t)
		}
	}

	if len(newlyDone) > 0 {
		s.PropagateCompletions(newlyDone)
	}

	if u.MaxConcurrentlyRunning != nil {
		s.MaxConcurrentlyRunning = *u.MaxConcurrentlyRunning
	}
	for arrayID, limit := range u.ArrayLimits {
		if arr, ok := s.Arrays[arrayID]; ok {
			arr.MaxConcurrentlyRunning = limit
		}
	}
	if u.WorkflowRunStatus != nil {
		s.Status = *u.WorkflowRunStatus
	}
	if u.SyncTime != nil {
		s.LastSync = *u.SyncTime
	}
}
