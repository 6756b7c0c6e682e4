package stateserver

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"jobmon/internal/events"
	"jobmon/pkg/models"
)

func (s *Server) registerArrayRoutes(r *gin.Engine) {
	r.POST("/array/:id/queue_task_batch", s.queueTaskBatch)
	r.POST("/array/:id/transition_to_launched", s.transitionArrayToLaunched)
	r.POST("/array/:id/transition_to_killed", s.transitionArrayToKilled)
	r.POST("/array/:id/log_distributor_id", s.logArrayDistributorID)
	r.GET("/array/:id/get_max_concurrently_running", s.getArrayMaxConcurrentlyRunning)
	r.PUT("/array/:id/update_max_concurrently_running", s.updateArrayMaxConcurrentlyRunning)
}

type queueTaskBatchRequest struct {
	TaskIDs         []int64 `json:"task_ids" binding:"required"`
	TaskResourcesID int64   `json:"task_resources_id" binding:"required"`
	WorkflowRunID   int64   `json:"workflow_run_id" binding:"required"`
}

// queueTaskBatch implements the queue_task_batch contract (spec §4.1): it
// always returns the current status of every requested task_id, even when
// none of them were eligible for transition by this call — the caller must
// never see an empty response for an input it asked about.
func (s *Server) queueTaskBatch(c *gin.Context) {
	arrayID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid array id"})
		return
	}
	var req queueTaskBatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	tasksByStatus, err := s.task.QueueTaskBatch(c.Request.Context(), arrayID, req.TaskIDs, req.TaskResourcesID, req.WorkflowRunID)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}

	s.publishTaskStatusChanges(c.Request.Context(), req.WorkflowRunID, tasksByStatus)

	c.JSON(http.StatusOK, gin.H{"tasks_by_status": tasksByStatus})
}

// publishTaskStatusChanges fans out one events.StatusChangeEvent per task
// whose status this call just committed. It's an accelerant for the
// Synchronizer's incremental poll, so a publish failure is logged and
// otherwise ignored — the next poll still converges.
func (s *Server) publishTaskStatusChanges(ctx context.Context, workflowRunID int64, tasksByStatus map[models.TaskStatus][]int64) {
	for status, taskIDs := range tasksByStatus {
		for _, taskID := range taskIDs {
			if err := s.events.PublishStatusChange(ctx, events.StatusChangeEvent{
				WorkflowRunID:  workflowRunID,
				TaskID:         taskID,
				Status:         string(status),
				OccurredAtNano: time.Now().UnixNano(),
			}); err != nil {
				log.Error("publish status change for task %d: %v", taskID, err)
			}
		}
	}
}

func (s *Server) transitionArrayToLaunched(c *gin.Context) {
	arrayID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid array id"})
		return
	}
	var req struct {
		BatchNumber            int     `json:"batch_number" binding:"required"`
		NextReportIncrementSec float64 `json:"next_report_increment"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	increment := time.Duration(req.NextReportIncrementSec * float64(time.Second))
	if increment <= 0 {
		increment = 30 * time.Second
	}
	if err := s.task.TransitionToLaunched(c.Request.Context(), arrayID, req.BatchNumber, increment); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{})
}

func (s *Server) transitionArrayToKilled(c *gin.Context) {
	arrayID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid array id"})
		return
	}
	var req struct {
		BatchNumber int `json:"batch_number" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.task.TransitionToKilled(c.Request.Context(), arrayID, req.BatchNumber); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{})
}

func (s *Server) logArrayDistributorID(c *gin.Context) {
	arrayID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid array id"})
		return
	}
	var req struct {
		BatchNumber         int               `json:"batch_number" binding:"required"`
		StepToDistributorID map[string]string `json:"array_step_id_to_distributor_id" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	stepMap := make(map[int]string, len(req.StepToDistributorID))
	for stepStr, distID := range req.StepToDistributorID {
		step, err := strconv.Atoi(stepStr)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid array_step_id key: " + stepStr})
			return
		}
		stepMap[step] = distID
	}
	if err := s.taskInstance.LogDistributorIDBatch(c.Request.Context(), arrayID, req.BatchNumber, stepMap); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{})
}

func (s *Server) getArrayMaxConcurrentlyRunning(c *gin.Context) {
	arrayID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid array id"})
		return
	}
	arr, err := s.array.GetByID(c.Request.Context(), arrayID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"max_concurrently_running": arr.MaxConcurrentlyRunning})
}

func (s *Server) updateArrayMaxConcurrentlyRunning(c *gin.Context) {
	arrayID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid array id"})
		return
	}
	var req struct {
		MaxConcurrentlyRunning int `json:"max_concurrently_running" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.array.UpdateMaxConcurrentlyRunning(c.Request.Context(), arrayID, req.MaxConcurrentlyRunning); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"array_id": arrayID, "max_concurrently_running": req.MaxConcurrentlyRunning})
}
