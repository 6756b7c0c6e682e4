package stateserver

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"jobmon/internal/stateserver/repo"
)

// registerTaskBindRoutes wires the binding-time endpoints a client walks
// through once per workflow build: bind_tasks_no_args first (one row per
// logical task), then bind_task_args and bind_task_attributes for the
// tasks that have any, plus the most_recent_error convenience read used by
// resume/CLI tooling.
func (s *Server) registerTaskBindRoutes(r *gin.Engine) {
	r.POST("/task/bind_tasks_no_args", s.bindTasksNoArgs)
	r.POST("/task/bind_task_args", s.bindTaskArgs)
	r.POST("/task/bind_task_attributes", s.bindTaskAttributes)
	r.GET("/task/:id/most_recent_error", s.mostRecentTaskError)
}

type bindTaskNoArgsRequest struct {
	NodeID          int64  `json:"node_id" binding:"required"`
	TaskArgsHash    string `json:"task_args_hash" binding:"required"`
	ArrayID         int64  `json:"array_id" binding:"required"`
	TaskResourcesID int64  `json:"task_resources_id"`
	Name            string `json:"name"`
	Command         string `json:"command" binding:"required"`
	MaxAttempts     int    `json:"max_attempts"`
	ResetIfRunning  bool   `json:"reset_if_running"`
	ResourceScales  string `json:"resource_scales"`
	FallbackQueues  string `json:"fallback_queues"`
}

// bindTasksNoArgs binds the task rows for one workflow build chunk. Taking
// the mark_created flag is wire-compatible with the client's chunked bind
// loop, but this schema stamps workflow.created_date at row creation time
// already (see `internal/stateserver/repo/workflow.go`), so the flag is
// accepted and otherwise unused here.
func (s *Server) bindTasksNoArgs(c *gin.Context) {
	var req struct {
		WorkflowID  int64                            `json:"workflow_id" binding:"required"`
		MarkCreated bool                             `json:"mark_created"`
		Tasks       map[string]bindTaskNoArgsRequest `json:"tasks" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	inputs := make(map[string]repo.TaskBindInput, len(req.Tasks))
	for hash, t := range req.Tasks {
		maxAttempts := t.MaxAttempts
		if maxAttempts == 0 {
			maxAttempts = 3
		}
		resourceScales := t.ResourceScales
		if resourceScales == "" {
			resourceScales = "{}"
		}
		fallbackQueues := t.FallbackQueues
		if fallbackQueues == "" {
			fallbackQueues = "[]"
		}
		inputs[hash] = repo.TaskBindInput{
			NodeID:          t.NodeID,
			TaskArgsHash:    t.TaskArgsHash,
			ArrayID:         t.ArrayID,
			TaskResourcesID: t.TaskResourcesID,
			Name:            t.Name,
			Command:         t.Command,
			MaxAttempts:     maxAttempts,
			ResetIfRunning:  t.ResetIfRunning,
			ResourceScales:  resourceScales,
			FallbackQueues:  fallbackQueues,
		}
	}

	bound, err := s.task.BindTasksNoArgs(c.Request.Context(), req.WorkflowID, inputs)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"tasks": bound})
}

func (s *Server) bindTaskArgs(c *gin.Context) {
	var req struct {
		TaskArgs []struct {
			TaskID    int64  `json:"task_id" binding:"required"`
			ArgTypeID int64  `json:"arg_type_id" binding:"required"`
			Val       string `json:"val"`
		} `json:"task_args"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	args := make([]repo.TaskArgInput, 0, len(req.TaskArgs))
	for _, a := range req.TaskArgs {
		args = append(args, repo.TaskArgInput{TaskID: a.TaskID, ArgTypeID: a.ArgTypeID, Val: a.Val})
	}
	if err := s.task.BindTaskArgs(c.Request.Context(), args); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{})
}

func (s *Server) bindTaskAttributes(c *gin.Context) {
	var req struct {
		TaskAttributes []struct {
			TaskID     int64             `json:"task_id" binding:"required"`
			Attributes map[string]string `json:"attributes"`
		} `json:"task_attributes"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	inputs := make([]repo.TaskAttributeInput, 0, len(req.TaskAttributes))
	for _, a := range req.TaskAttributes {
		inputs = append(inputs, repo.TaskAttributeInput{TaskID: a.TaskID, Attributes: a.Attributes})
	}
	if err := s.task.BindTaskAttributes(c.Request.Context(), inputs); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{})
}

// mostRecentTaskError backs the CLI/resume-tooling convenience read: the
// description of the latest error logged against taskID's most recent
// TaskInstance, without the caller having to walk the full error trail.
func (s *Server) mostRecentTaskError(c *gin.Context) {
	taskID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid task id"})
		return
	}
	description, taskInstanceID, err := s.task.MostRecentTaskInstanceError(c.Request.Context(), taskID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if taskInstanceID == 0 {
		c.JSON(http.StatusOK, gin.H{"error_description": "", "task_instance_id": nil})
		return
	}
	c.JSON(http.StatusOK, gin.H{"error_description": description, "task_instance_id": taskInstanceID})
}
