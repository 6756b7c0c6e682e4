// Package models defines the persistent entities of the Jobmon execution
// core and the one-letter status alphabets that are stored in the database
// and travel on the wire. The letters themselves are part of the public
// contract; never renumber or relabel them.
package models

// TaskStatus is the one-letter lifecycle code for a Task.
type TaskStatus string

const (
	TaskRegistering       TaskStatus = "G"
	TaskAdjustingResources TaskStatus = "A"
	TaskQueued            TaskStatus = "Q"
	TaskInstantiating     TaskStatus = "I"
	TaskLaunched          TaskStatus = "O"
	TaskRunning           TaskStatus = "R"
	TaskDone              TaskStatus = "D"
	TaskErrorFatal        TaskStatus = "F"
)

// TaskInstanceStatus is the one-letter lifecycle code for a TaskInstance.
type TaskInstanceStatus string

const (
	TIQueued           TaskInstanceStatus = "Q"
	TIInstantiated     TaskInstanceStatus = "I"
	TILaunched         TaskInstanceStatus = "O"
	TIRunning          TaskInstanceStatus = "R"
	TITriaging         TaskInstanceStatus = "T"
	TIDone             TaskInstanceStatus = "D"
	TIError            TaskInstanceStatus = "E"
	TIUnknownError     TaskInstanceStatus = "U"
	TIResourceError    TaskInstanceStatus = "Z"
	TINoDistributorID  TaskInstanceStatus = "W"
	TIKillSelf         TaskInstanceStatus = "K"
	TIErrorFatal       TaskInstanceStatus = "F"
	TINoHeartbeat      TaskInstanceStatus = "H"
)

// WorkflowRunStatus is the one-letter lifecycle code for a WorkflowRun (and,
// after a resume, of the Workflow it is attempting).
type WorkflowRunStatus string

const (
	WFRRegistered WorkflowRunStatus = "G"
	WFRLinking    WorkflowRunStatus = "L"
	WFRBound      WorkflowRunStatus = "B"
	WFRInstantiated WorkflowRunStatus = "I"
	WFRLaunched   WorkflowRunStatus = "O"
	WFRRunning    WorkflowRunStatus = "R"
	WFRColdResume WorkflowRunStatus = "C"
	WFRHotResume  WorkflowRunStatus = "H"
	WFRTerminated WorkflowRunStatus = "T"
	WFRDone       WorkflowRunStatus = "D"
	WFRError      WorkflowRunStatus = "E"
)

// TaskInstanceTerminal reports whether a TaskInstanceStatus is terminal, i.e.
// consumes an attempt and will never transition again.
func TaskInstanceTerminal(s TaskInstanceStatus) bool {
	switch s {
	case TIDone, TIErrorFatal, TIError, TIResourceError, TIUnknownError, TINoDistributorID, TINoHeartbeat:
		return true
	default:
		return false
	}
}

// taskInstanceTransitions is the legal-successor table from spec §4.1. The
// empty-string key represents "no previous status" (initial insert).
var taskInstanceTransitions = map[TaskInstanceStatus]map[TaskInstanceStatus]bool{
	"": {
		TIQueued: true,
	},
	TIQueued: {
		TIInstantiated: true,
		TIKillSelf:     true,
	},
	TIInstantiated: {
		TILaunched:        true,
		TINoDistributorID: true,
		TIKillSelf:        true,
	},
	TILaunched: {
		TIRunning:     true,
		TITriaging:    true,
		TIKillSelf:    true,
		TINoHeartbeat: true,
	},
	TIRunning: {
		TIDone:          true,
		TIError:         true,
		TIErrorFatal:    true,
		TIResourceError: true,
		TIUnknownError:  true,
		TITriaging:      true,
		TIKillSelf:      true,
	},
	TITriaging: {
		TIRunning:       true,
		TIError:         true,
		TIResourceError: true,
		TIUnknownError:  true,
	},
	TIKillSelf: {
		TIErrorFatal: true,
		TIError:      true,
	},
}

// IsLegalTaskInstanceTransition reports whether moving a TaskInstance from
// `from` to `to` is permitted by the transition table in spec §4.1. A
// same-status "transition" is never legal here — callers must special-case
// repeats as idempotent no-ops before consulting this table (see
// stateserver's handler helpers).
func IsLegalTaskInstanceTransition(from, to TaskInstanceStatus) bool {
	next, ok := taskInstanceTransitions[from]
	if !ok {
		return false
	}
	return next[to]
}

// taskTransitions is the legal-successor table for Task from spec §4.1.
var taskTransitions = map[TaskStatus]map[TaskStatus]bool{
	TaskRegistering: {
		TaskQueued: true,
	},
	TaskAdjustingResources: {
		TaskQueued: true,
	},
	TaskQueued: {
		TaskInstantiating: true,
	},
	TaskInstantiating: {
		TaskLaunched: true,
	},
	TaskLaunched: {
		TaskRunning:            true,
		TaskDone:               true,
		TaskAdjustingResources: true,
		TaskErrorFatal:         true,
	},
	TaskRunning: {
		TaskRunning:            true,
		TaskDone:               true,
		TaskAdjustingResources: true,
		TaskErrorFatal:         true,
	},
}

// IsLegalTaskTransition reports whether moving a Task from `from` to `to` is
// permitted by the transition table in spec §4.1. "any non-terminal ->
// ERROR_FATAL" is handled as a blanket allowance here since it applies
// regardless of the specific non-terminal starting state.
func IsLegalTaskTransition(from, to TaskStatus) bool {
	if to == TaskErrorFatal && from != TaskDone && from != TaskErrorFatal {
		return true
	}
	next, ok := taskTransitions[from]
	if !ok {
		return false
	}
	return next[to]
}

// TaskStatusTerminal reports whether a TaskStatus will never transition again.
func TaskStatusTerminal(s TaskStatus) bool {
	return s == TaskDone || s == TaskErrorFatal
}
