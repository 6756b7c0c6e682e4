// Package swarm implements the DAG scheduler: the in-memory view of a
// WorkflowRun's tasks, readiness propagation via upstream completion
// counts, and the queue-batch requests that hand ready tasks to the state
// server. One swarm instance exists per WorkflowRun.
package swarm

import (
	"jobmon/internal/logging"
	"jobmon/pkg/models"
)

var log = logging.Named("swarm")

// SwarmTask is the swarm's in-memory view of one Task, mirroring just
// enough state to decide readiness and batch membership without re-reading
// the database on every tick.
type SwarmTask struct {
	TaskID               int64
	ArrayID              int64
	Status               models.TaskStatus
	NumUpstreams         int
	NumUpstreamsDone     int
	DownstreamSwarmTasks map[int64]*SwarmTask
	MaxAttempts          int
	NumAttempts          int
	TaskResourcesID      int64
	RequestedResources   string
	ClusterID            int64
	ResourceScales       string
	FallbackQueues       string
}

// Ready reports whether every upstream of this task has reached DONE and
// the task itself hasn't already progressed past REGISTERING.
func (t *SwarmTask) Ready() bool {
	return t.Status == models.TaskRegistering && t.NumUpstreamsDone >= t.NumUpstreams
}

// SwarmArray tracks one Array's concurrency cap and task membership.
type SwarmArray struct {
	ArrayID                int64
	Name                   string
	MaxConcurrentlyRunning int
	TaskIDs                map[int64]bool
}

// activeTaskStatuses are the TaskStatus values that count against a
// workflow's or array's concurrency cap (spec §4.2 "active_count").
var activeTaskStatuses = map[models.TaskStatus]bool{
	models.TaskQueued:             true,
	models.TaskInstantiating:      true,
	models.TaskLaunched:           true,
	models.TaskRunning:            true,
	models.TaskAdjustingResources: true,
}

// State is the swarm's full in-memory view of one WorkflowRun.
type State struct {
	WorkflowID             int64
	WorkflowRunID          int64
	MaxConcurrentlyRunning int
	Status                 models.WorkflowRunStatus
	LastSync               int64 // unix nanos of the server's reported time

	Tasks        map[int64]*SwarmTask
	Arrays       map[int64]*SwarmArray
	TaskByStatus map[models.TaskStatus]map[int64]*SwarmTask
	ReadyToRun   []*SwarmTask

	FailFast     bool
	FailureCount int
}

// NewState returns an empty State ready for a builder to populate.
func NewState(workflowID, workflowRunID int64, maxConcurrentlyRunning int) *State {
	return &State{
		WorkflowID:             workflowID,
		WorkflowRunID:          workflowRunID,
		MaxConcurrentlyRunning: maxConcurrentlyRunning,
		Status:                 models.WFRBound,
		Tasks:                  make(map[int64]*SwarmTask),
		Arrays:                 make(map[int64]*SwarmArray),
		TaskByStatus:           make(map[models.TaskStatus]map[int64]*SwarmTask),
	}
}

// indexTask places t into TaskByStatus[t.Status], creating the bucket if
// needed.
func (s *State) indexTask(t *SwarmTask) {
	bucket, ok := s.TaskByStatus[t.Status]
	if !ok {
		bucket = make(map[int64]*SwarmTask)
		s.TaskByStatus[t.Status] = bucket
	}
	bucket[t.TaskID] = t
}

func (s *State) unindexTask(t *SwarmTask, from models.TaskStatus) {
	if bucket, ok := s.TaskByStatus[from]; ok {
		delete(bucket, t.TaskID)
	}
}

// AddTask registers t in both Tasks and TaskByStatus.
func (s *State) AddTask(t *SwarmTask) {
	s.Tasks[t.TaskID] = t
	s.indexTask(t)
	if t.Ready() {
		s.ReadyToRun = append(s.ReadyToRun, t)
	}
}

// ActiveCount returns the number of tasks in any status that counts against
// the workflow's concurrency cap.
func (s *State) ActiveCount() int {
	count := 0
	for status, bucket := range s.TaskByStatus {
		if activeTaskStatuses[status] {
			count += len(bucket)
		}
	}
	return count
}

// ArrayActiveCount returns the active-count restricted to one array.
func (s *State) ArrayActiveCount(arrayID int64) int {
	count := 0
	for status, bucket := range s.TaskByStatus {
		if !activeTaskStatuses[status] {
			continue
		}
		for _, t := range bucket {
			if t.ArrayID == arrayID {
				count++
			}
		}
	}
	return count
}

// WorkflowCapacity returns how many more tasks the workflow can run now.
func (s *State) WorkflowCapacity() int {
	c := s.MaxConcurrentlyRunning - s.ActiveCount()
	if c < 0 {
		return 0
	}
	return c
}

// ArrayCapacity returns how many more tasks the given array can run now.
func (s *State) ArrayCapacity(arrayID int64) int {
	arr, ok := s.Arrays[arrayID]
	if !ok {
		return s.WorkflowCapacity()
	}
	c := arr.MaxConcurrentlyRunning - s.ArrayActiveCount(arrayID)
	if c < 0 {
		return 0
	}
	return c
}

// setTaskStatus moves t between TaskByStatus buckets, rejecting a no-op
// move (apply_update's "rejects no-op status changes" rule).
func (s *State) setTaskStatus(t *SwarmTask, to models.TaskStatus) bool {
	if t.Status == to {
		return false
	}
	s.unindexTask(t, t.Status)
	t.Status = to
	s.indexTask(t)
	return true
}

// PropagateCompletions increments NumUpstreamsDone on every downstream of
// each DONE task in done, moving any downstream that becomes ready into
// ReadyToRun.
func (s *State) PropagateCompletions(done []*SwarmTask) {
	for _, t := range done {
		for _, down := range t.DownstreamSwarmTasks {
			down.NumUpstreamsDone++
			if down.Ready() {
				s.ReadyToRun = append(s.ReadyToRun, down)
			}
		}
	}
}

// MarkUnreachable records that t's failure cascades: its downstreams never
// become ready (they stay REGISTERING but are never appended to
// ReadyToRun). FailureCount counts these; the fail-fast check in
// Scheduler.Tick reads the ERROR_FATAL bucket of TaskByStatus instead.
func (s *State) MarkUnreachable(t *SwarmTask) {
	s.FailureCount++
	log.Debug("task %d entered ERROR_FATAL, %d downstream tasks unreachable", t.TaskID, len(t.DownstreamSwarmTasks))
}

// AllTasksFinal reports whether every task in state has reached a terminal
// TaskStatus (DONE or ERROR_FATAL).
func (s *State) AllTasksFinal() bool {
	for _, t := range s.Tasks {
		if !models.TaskStatusTerminal(t.Status) {
			return false
		}
	}
	return true
}
