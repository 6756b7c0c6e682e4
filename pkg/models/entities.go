package models

import "time"

// Dag is the static DAG topology shared by every Workflow with the same
// hash. Node and Edge rows are scoped to it.
type Dag struct {
	ID   int64  `json:"dag_id" db:"id"`
	Hash string `json:"hash" db:"hash"`
}

// Node represents one templated command position in a Dag.
type Node struct {
	ID           int64  `json:"node_id" db:"id"`
	DagID        int64  `json:"dag_id" db:"dag_id"`
	TaskTemplateVersionID int64 `json:"task_template_version_id" db:"task_template_version_id"`
}

// Edge stores the upstream/downstream node_id sets for one Node, scoped to
// a Dag. Stored as JSON arrays of int64 node ids.
type Edge struct {
	ID               int64   `json:"edge_id" db:"id"`
	DagID            int64   `json:"dag_id" db:"dag_id"`
	NodeID           int64   `json:"node_id" db:"node_id"`
	UpstreamNodeIDs   []int64 `json:"upstream_node_ids" db:"-"`
	DownstreamNodeIDs []int64 `json:"downstream_node_ids" db:"-"`
}

// Workflow is the identity of one DAG instance.
type Workflow struct {
	ID                    int64             `json:"workflow_id" db:"id"`
	DagID                 int64             `json:"dag_id" db:"dag_id"`
	ToolVersionID         int64             `json:"tool_version_id" db:"tool_version_id"`
	ArgsHash              string            `json:"args_hash" db:"args_hash"`
	TaskHash              string            `json:"task_hash" db:"task_hash"`
	Name                  string            `json:"name" db:"name"`
	MaxConcurrentlyRunning int              `json:"max_concurrently_running" db:"max_concurrently_running"`
	Status                WorkflowRunStatus `json:"status" db:"status"`
	CreatedDate           time.Time         `json:"created_date" db:"created_date"`
	StatusDate            time.Time         `json:"status_date" db:"status_date"`
}

// WorkflowRun is one attempt to execute a Workflow. ExternalID is a
// client-facing correlation id: stable across a resume (unlike the
// autoincrement id of a brand new run row in some deployments), suitable
// for logging and cross-system tracing without leaking the internal key.
type WorkflowRun struct {
	ID            int64             `json:"workflow_run_id" db:"id"`
	WorkflowID    int64             `json:"workflow_id" db:"workflow_id"`
	ExternalID    string            `json:"external_id" db:"external_id"`
	User          string            `json:"user" db:"user"`
	JobmonVersion string            `json:"jobmon_version" db:"jobmon_version"`
	Status        WorkflowRunStatus `json:"status" db:"status"`
	HeartbeatDate time.Time         `json:"heartbeat_date" db:"heartbeat_date"`
	CreatedDate   time.Time         `json:"created_date" db:"created_date"`
}

// Array groups Tasks that share a task-template-version within a Workflow.
type Array struct {
	ID                     int64  `json:"array_id" db:"id"`
	WorkflowID             int64  `json:"workflow_id" db:"workflow_id"`
	TaskTemplateVersionID  int64  `json:"task_template_version_id" db:"task_template_version_id"`
	MaxConcurrentlyRunning int    `json:"max_concurrently_running" db:"max_concurrently_running"`
	Name                   string `json:"name" db:"name"`
}

// Queue is a submission queue on a Cluster that the cluster plugin binds
// resource requests against.
type Queue struct {
	ID          int64  `json:"queue_id" db:"id"`
	ClusterID   int64  `json:"cluster_id" db:"cluster_id"`
	Name        string `json:"name" db:"name"`
}

// Cluster is the catalog entry the cluster plugin binds against.
type Cluster struct {
	ID         int64  `json:"cluster_id" db:"id"`
	Name       string `json:"name" db:"name"`
	PluginName string `json:"plugin_name" db:"plugin_name"`
}

// TaskResources is an immutable resource request. Adjusting resources
// always creates a new row rather than mutating this one.
type TaskResources struct {
	ID                  int64  `json:"task_resources_id" db:"id"`
	QueueID             int64  `json:"queue_id" db:"queue_id"`
	TaskResourcesTypeID int64  `json:"task_resources_type_id" db:"task_resources_type_id"`
	RequestedResources  string `json:"requested_resources" db:"requested_resources"` // opaque JSON blob
}

// Task is a single logical unit of work.
type Task struct {
	ID              int64      `json:"task_id" db:"id"`
	WorkflowID      int64      `json:"workflow_id" db:"workflow_id"`
	ArrayID         int64      `json:"array_id" db:"array_id"`
	NodeID          int64      `json:"node_id" db:"node_id"`
	Command         string     `json:"command" db:"command"`
	Name            string     `json:"name" db:"name"`
	Status          TaskStatus `json:"status" db:"status"`
	NumAttempts     int        `json:"num_attempts" db:"num_attempts"`
	MaxAttempts     int        `json:"max_attempts" db:"max_attempts"`
	TaskArgsHash    string     `json:"task_args_hash" db:"task_args_hash"`
	TaskResourcesID int64      `json:"task_resources_id" db:"task_resources_id"`
	ResourceScales  string     `json:"resource_scales" db:"resource_scales"`   // JSON-encoded map
	FallbackQueues  string     `json:"fallback_queues" db:"fallback_queues"`   // JSON-encoded list
	StatusDate      time.Time  `json:"status_date" db:"status_date"`
}

// TaskArg is one bound positional/keyword argument value recorded at
// bind-time, so a resume can reconstruct the exact rendered command.
type TaskArg struct {
	TaskID    int64  `json:"task_id" db:"task_id"`
	ArgTypeID int64  `json:"arg_type_id" db:"arg_type_id"`
	Val       string `json:"val" db:"val"`
}

// TaskAttributeType names a free-form metadata key, upserted by name.
type TaskAttributeType struct {
	ID   int64  `json:"attribute_type_id" db:"id"`
	Name string `json:"name" db:"name"`
}

// TaskAttribute attaches a free-form metadata value to a Task. Additive,
// never consulted by scheduling.
type TaskAttribute struct {
	TaskID          int64  `json:"task_id" db:"task_id"`
	AttributeTypeID int64  `json:"attribute_type_id" db:"attribute_type_id"`
	Value           string `json:"value" db:"value"`
}

// TaskInstance is one attempt at running a Task on the cluster.
type TaskInstance struct {
	ID              int64              `json:"task_instance_id" db:"id"`
	TaskID          int64              `json:"task_id" db:"task_id"`
	WorkflowRunID   int64              `json:"workflow_run_id" db:"workflow_run_id"`
	ArrayID         int64              `json:"array_id" db:"array_id"`
	ArrayBatchNum   int                `json:"array_batch_num" db:"array_batch_num"`
	ArrayStepID     int                `json:"array_step_id" db:"array_step_id"`
	TaskResourcesID int64              `json:"task_resources_id" db:"task_resources_id"`
	Status          TaskInstanceStatus `json:"status" db:"status"`
	DistributorID   string             `json:"distributor_id" db:"distributor_id"`
	SubmittedDate   *time.Time         `json:"submitted_date" db:"submitted_date"`
	StatusDate      time.Time          `json:"status_date" db:"status_date"`
	ReportByDate    time.Time          `json:"report_by_date" db:"report_by_date"`
	Nodename        string             `json:"nodename" db:"nodename"`
	ProcessGroupID  string             `json:"process_group_id" db:"process_group_id"`
	Wallclock       *float64           `json:"wallclock" db:"wallclock"`
	MaxRSS          *int64             `json:"maxrss" db:"maxrss"`
	StdoutPath      string             `json:"stdout" db:"stdout"`
	StderrPath      string             `json:"stderr" db:"stderr"`
	StdoutLog       string             `json:"stdout_log" db:"stdout_log"`
	StderrLog       string             `json:"stderr_log" db:"stderr_log"`
}

// TaskInstanceErrorLog is an append-only error trail for a TaskInstance.
type TaskInstanceErrorLog struct {
	ID             int64     `json:"id" db:"id"`
	TaskInstanceID int64     `json:"task_instance_id" db:"task_instance_id"`
	ErrorTime      time.Time `json:"error_time" db:"error_time"`
	Description    string    `json:"description" db:"description"`
}
