package stateserver

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"jobmon/internal/events"
	"jobmon/pkg/jobmonerr"
	"jobmon/pkg/models"
)

func (s *Server) registerWorkflowRoutes(r *gin.Engine) {
	r.POST("/workflow", s.upsertWorkflow)
	r.POST("/workflow_run", s.createWorkflowRun)
	r.POST("/workflow/:id/set_resume", s.setWorkflowResume)
	r.PUT("/workflow/:id/update_max_concurrently_running", s.updateWorkflowMaxConcurrentlyRunning)
	r.GET("/workflow/:id/get_max_concurrently_running", s.getWorkflowMaxConcurrentlyRunning)
	r.GET("/workflow/:id/is_resumable", s.isWorkflowResumable)
	r.GET("/workflow/:id/fetch_workflow_metadata", s.fetchWorkflowMetadata)
	r.GET("/workflow/get_tasks/:id", s.getWorkflowTasks)
	r.GET("/workflow/:id/task_node_statuses", s.getWorkflowTaskNodeStatuses)
	r.GET("/workflow/:id/sync_task_status", s.syncTaskStatus)
	r.POST("/workflow_run/:id/sync_status", s.syncStatus)
	r.POST("/workflow_run/:id/log_heartbeat", s.logWorkflowRunHeartbeat)
	r.GET("/workflow_run/external/:external_id", s.getWorkflowRunByExternalID)
}

// getWorkflowRunByExternalID resolves a WorkflowRun by its client-facing
// correlation id, for callers (CLI, external tracing systems) that only
// ever learned the external_id and never the internal autoincrement one.
func (s *Server) getWorkflowRunByExternalID(c *gin.Context) {
	externalID := c.Param("external_id")
	run, err := s.workflowRun.GetByExternalID(c.Request.Context(), externalID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "workflow run not found"})
		return
	}
	c.JSON(http.StatusOK, run)
}

type upsertWorkflowRequest struct {
	DagID                  int64  `json:"dag_id" binding:"required"`
	ToolVersionID          int64  `json:"tool_version_id"`
	ArgsHash               string `json:"args_hash" binding:"required"`
	TaskHash               string `json:"task_hash" binding:"required"`
	Name                   string `json:"name"`
	MaxConcurrentlyRunning int    `json:"max_concurrently_running"`
}

func (s *Server) upsertWorkflow(c *gin.Context) {
	var req upsertWorkflowRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	max := req.MaxConcurrentlyRunning
	if max == 0 {
		max = 10000
	}
	wf, created, err := s.workflow.Upsert(c.Request.Context(), req.DagID, req.ToolVersionID, req.ArgsHash, req.TaskHash, req.Name, max)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"workflow_id": wf.ID, "status": wf.Status, "newly_created": created})
}

type createWorkflowRunRequest struct {
	WorkflowID    int64  `json:"workflow_id" binding:"required"`
	User          string `json:"user"`
	JobmonVersion string `json:"jobmon_version"`
}

func (s *Server) createWorkflowRun(c *gin.Context) {
	var req createWorkflowRunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	active, err := s.workflowRun.ActiveRun(c.Request.Context(), req.WorkflowID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if active != nil && active.Status != models.WFRColdResume && active.Status != models.WFRHotResume {
		c.JSON(http.StatusBadRequest, gin.H{"error": jobmonerr.ErrWorkflowNotResumable.Error()})
		return
	}

	run, err := s.workflowRun.Create(c.Request.Context(), req.WorkflowID, req.User, req.JobmonVersion)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"workflow_run_id": run.ID, "external_id": run.ExternalID, "status": run.Status})
}

func (s *Server) setWorkflowResume(c *gin.Context) {
	workflowID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid workflow id"})
		return
	}

	var req struct {
		User           string `json:"user" binding:"required"`
		ResetIfRunning bool   `json:"reset_if_running"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	active, err := s.workflowRun.ActiveRun(c.Request.Context(), workflowID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if active == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": jobmonerr.ErrEmptyWorkflow.Error()})
		return
	}

	resumeStatus := models.WFRHotResume
	if req.ResetIfRunning {
		resumeStatus = models.WFRColdResume
	}
	if err := s.workflowRun.SetResume(c.Request.Context(), active.ID, req.User, resumeStatus); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.workflow.SetResumeState(c.Request.Context(), workflowID, req.ResetIfRunning); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	if err := s.events.PublishResume(c.Request.Context(), events.ResumeEvent{
		WorkflowID:    workflowID,
		WorkflowRunID: active.ID,
		Status:        resumeStatus,
	}); err != nil {
		log.Error("publish resume event for workflow_run %d: %v", active.ID, err)
	}

	c.JSON(http.StatusOK, gin.H{"workflow_run_id": active.ID, "status": resumeStatus})
}

func (s *Server) updateWorkflowMaxConcurrentlyRunning(c *gin.Context) {
	workflowID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid workflow id"})
		return
	}
	var req struct {
		MaxConcurrentlyRunning int `json:"max_concurrently_running" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.workflow.UpdateMaxConcurrentlyRunning(c.Request.Context(), workflowID, req.MaxConcurrentlyRunning); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"workflow_id": workflowID, "max_concurrently_running": req.MaxConcurrentlyRunning})
}

func (s *Server) getWorkflowMaxConcurrentlyRunning(c *gin.Context) {
	workflowID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid workflow id"})
		return
	}
	wf, err := s.workflow.GetByID(c.Request.Context(), workflowID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"max_concurrently_running": wf.MaxConcurrentlyRunning})
}

func (s *Server) isWorkflowResumable(c *gin.Context) {
	workflowID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid workflow id"})
		return
	}
	active, err := s.workflowRun.ActiveRun(c.Request.Context(), workflowID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	resumable := active == nil || active.Status == models.WFRColdResume || active.Status == models.WFRHotResume
	c.JSON(http.StatusOK, gin.H{"is_resumable": resumable})
}

func (s *Server) fetchWorkflowMetadata(c *gin.Context) {
	workflowID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid workflow id"})
		return
	}
	wf, err := s.workflow.GetByID(c.Request.Context(), workflowID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": jobmonerr.ErrEmptyWorkflow.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"workflow": wf})
}

func (s *Server) getWorkflowTasks(c *gin.Context) {
	workflowID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid workflow id"})
		return
	}

	maxTaskID, _ := strconv.ParseInt(c.Query("max_task_id"), 10, 64)
	chunkSize, _ := strconv.Atoi(c.Query("chunk_size"))
	if chunkSize <= 0 {
		chunkSize = 500
	}

	tasks, err := s.task.NonDoneTasksPage(c.Request.Context(), workflowID, maxTaskID, chunkSize)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"tasks": tasks})
}

// getWorkflowTaskNodeStatuses returns every task's id, node_id, and status
// for workflowID, DONE tasks included. The resume build only materializes
// non-DONE tasks as SwarmTasks, but it still needs DONE tasks' place in the
// edge graph to compute accurate upstream/upstream-done counts for the
// non-DONE tasks a DONE task feeds into.
func (s *Server) getWorkflowTaskNodeStatuses(c *gin.Context) {
	workflowID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid workflow id"})
		return
	}
	tasks, err := s.task.AllTaskNodeStatuses(c.Request.Context(), workflowID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"tasks": tasks})
}

// syncTaskStatus backs the swarm Synchronizer's incremental and
// wedge-recovery full-sync pulls: tasks whose status_date is at or after
// since_unix_nano (0 means "every task", used for a full sync).
func (s *Server) syncTaskStatus(c *gin.Context) {
	workflowID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid workflow id"})
		return
	}
	sinceNanos, _ := strconv.ParseInt(c.Query("since_unix_nano"), 10, 64)
	since := time.Unix(0, sinceNanos).UTC()

	statuses, err := s.task.StatusSince(c.Request.Context(), workflowID, since)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"task_statuses": statuses, "server_time": time.Now().UTC().UnixNano()})
}

func (s *Server) syncStatus(c *gin.Context) {
	runID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid workflow_run id"})
		return
	}
	var req struct {
		Statuses []models.TaskInstanceStatus `json:"statuses"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	result, err := s.taskInstance.SyncStatus(c.Request.Context(), runID, req.Statuses)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"task_instances_by_status": result})
}

func (s *Server) logWorkflowRunHeartbeat(c *gin.Context) {
	runID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid workflow_run id"})
		return
	}
	status, err := s.workflowRun.LogHeartbeat(c.Request.Context(), runID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": status})
}
