// Package cluster defines the Cluster Plugin Interface: the sole external
// integration seam between the execution core and a real batch scheduler
// (Slurm, a local process pool, etc). A concrete plugin implements Plugin;
// array submission is an optional capability the distributor probes for by
// attempting it and catching ErrArraysNotSupported.
package cluster

import (
	"context"
	"errors"
)

// ErrArraysNotSupported is returned by SubmitArrayToBatchDistributor when a
// plugin has no batch-array submission capability; callers fall back to
// per-instance submission via SubmitToBatchDistributor.
var ErrArraysNotSupported = errors.New("cluster plugin does not support array submission")

// WorkerCommand is the fully-rendered command line plus any arguments a
// plugin needs to schedule one task instance (or, for an array job, the
// parameterized command every array step will run).
type WorkerCommand struct {
	Command      string
	TaskInstanceID int64 // zero for an array-wide command
	ArrayID        int64
	ArrayBatchNum  int
}

// RequestedResources is the decoded form of a TaskResources row's opaque
// JSON blob, interpreted by the plugin (cores, memory, runtime, etc).
type RequestedResources map[string]any

// Plugin is the capability set a batch-scheduler integration must provide.
type Plugin interface {
	// Start/Stop bracket a distributor's run loop.
	Start(ctx context.Context) error
	Stop(ctx context.Context) error

	// SubmitToBatchDistributor submits a single task instance and returns
	// a distributor_id.
	SubmitToBatchDistributor(ctx context.Context, cmd WorkerCommand, name string, resources RequestedResources) (string, error)

	// SubmitArrayToBatchDistributor submits arrayLength steps as one
	// cluster-native array job, returning a map of array_step_id ->
	// distributor_id. Returns ErrArraysNotSupported if the plugin has no
	// array capability.
	SubmitArrayToBatchDistributor(ctx context.Context, cmd WorkerCommand, name string, resources RequestedResources, arrayLength int) (map[int]string, error)

	// TerminateTaskInstances kills the given distributor_ids.
	TerminateTaskInstances(ctx context.Context, distributorIDs []string) error

	// GetRemoteExitInfo asks the scheduler why a distributor_id is no
	// longer running; returns the TaskInstanceStatus letter to transition
	// to and a human-readable message.
	GetRemoteExitInfo(ctx context.Context, distributorID string) (status string, message string, err error)

	// GetExitInfo interprets a worker subprocess's own return code and the
	// tail of its stderr into a (status, message) pair.
	GetExitInfo(returnCode int, stderrTail string) (status string, message string)

	// GetSubmittedOrRunning filters distributorIDs down to those the
	// scheduler still reports as submitted or running.
	GetSubmittedOrRunning(ctx context.Context, distributorIDs []string) (map[string]bool, error)

	// BuildWorkerNodeCommand renders the command line the worker node will
	// execute to report back to the state server for the given task
	// instance (or array/batch, when taskInstanceID is zero).
	BuildWorkerNodeCommand(taskInstanceID, arrayID int64, arrayBatchNum int) string

	// InitializeLogfile returns the path a worker should write a named
	// stream (stdout/stderr) to, inside dir, for the given task name.
	InitializeLogfile(stream, dir, taskName string) string
}
