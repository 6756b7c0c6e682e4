package stateserver

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"jobmon/pkg/models"
)

func (s *Server) registerTaskRoutes(r *gin.Engine) {
	r.POST("/task/get_downstream_tasks", s.getDownstreamTasks)
	r.POST("/task_instance/instantiate_task_instances", s.instantiateTaskInstances)
	r.POST("/task/set_resume_state", s.setTaskResumeState)
	r.GET("/task/:id", s.getTask)
	r.GET("/task_dependencies/:id", s.getTaskDependencies)
	r.PUT("/task/update_statuses", s.updateTaskStatuses)
}

func (s *Server) getTask(c *gin.Context) {
	taskID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid task id"})
		return
	}
	t, err := s.task.GetByID(c.Request.Context(), taskID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "task not found"})
		return
	}
	c.JSON(http.StatusOK, t)
}

// getTaskDependencies implements the `task_dependencies` CLI graph query:
// the upstream and downstream task ids of one task, resolved through its
// Dag's edge row rather than walking the in-memory swarm (which may not
// even be running for this workflow right now).
func (s *Server) getTaskDependencies(c *gin.Context) {
	taskID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid task id"})
		return
	}
	upstream, downstream, err := s.task.TaskDependencies(c.Request.Context(), taskID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"upstream_task_ids": upstream, "downstream_task_ids": downstream})
}

// updateTaskStatuses is the admin self-service override `PUT
// /task/update_statuses` (spec §6): it bypasses the normal transition
// table entirely, so misuse is the caller's responsibility, not this
// handler's to second-guess.
func (s *Server) updateTaskStatuses(c *gin.Context) {
	var req struct {
		TaskIDs []int64           `json:"task_ids" binding:"required"`
		Status  models.TaskStatus `json:"status" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.task.UpdateStatuses(c.Request.Context(), req.TaskIDs, req.Status); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"task_ids": req.TaskIDs, "status": req.Status})
}

func (s *Server) getDownstreamTasks(c *gin.Context) {
	var req struct {
		TaskIDs []int64 `json:"task_ids" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	info, err := s.task.GetDownstreamTasks(c.Request.Context(), req.TaskIDs)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	out := make(map[int64]gin.H, len(info))
	for taskID, d := range info {
		var downstreamNodeIDs []int64
		if err := json.Unmarshal([]byte(d.DownstreamNodeIDsJSON), &downstreamNodeIDs); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "corrupt downstream_node_ids for task " + err.Error()})
			return
		}
		out[taskID] = gin.H{"node_id": d.NodeID, "downstream_node_ids": downstreamNodeIDs}
	}
	c.JSON(http.StatusOK, gin.H{"downstream_tasks": out})
}

// instantiateTaskInstances implements the distributor's batch claim of
// QUEUED TaskInstances (spec §4.1 "Instantiate batching"): Task rows
// QUEUED->INSTANTIATING, and only the TaskInstance rows whose Task actually
// transitioned go INSTANTIATED, grouped by (array_id, array_batch_num,
// task_resources_id) for the distributor to submit as arrays.
func (s *Server) instantiateTaskInstances(c *gin.Context) {
	var req struct {
		TaskIDs []int64 `json:"task_ids" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	instances, err := s.task.InstantiateTaskInstances(c.Request.Context(), req.TaskIDs)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	type batchKey struct {
		ArrayID         int64
		ArrayBatchNum   int
		TaskResourcesID int64
	}
	batches := make(map[batchKey][]models.TaskInstance)
	for _, ti := range instances {
		key := batchKey{ArrayID: ti.ArrayID, ArrayBatchNum: ti.ArrayBatchNum, TaskResourcesID: ti.TaskResourcesID}
		batches[key] = append(batches[key], ti)
	}

	resp := make([]gin.H, 0, len(batches))
	for key, tis := range batches {
		resp = append(resp, gin.H{
			"array_id":          key.ArrayID,
			"array_batch_num":   key.ArrayBatchNum,
			"task_resources_id": key.TaskResourcesID,
			"task_instances":    tis,
		})
	}
	c.JSON(http.StatusOK, gin.H{"batches": resp})
}

func (s *Server) setTaskResumeState(c *gin.Context) {
	var req struct {
		WorkflowID     int64 `json:"workflow_id" binding:"required"`
		ResetIfRunning bool  `json:"reset_if_running"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.workflow.SetResumeState(c.Request.Context(), req.WorkflowID, req.ResetIfRunning); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{})
}
