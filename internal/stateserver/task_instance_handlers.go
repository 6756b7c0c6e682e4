package stateserver

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"jobmon/pkg/jobmonerr"
	"jobmon/pkg/models"
)

func (s *Server) registerTaskInstanceRoutes(r *gin.Engine) {
	r.POST("/task_instance/:id/log_running", s.logRunning)
	r.POST("/task_instance/:id/log_done", s.logDone)
	r.POST("/task_instance/:id/log_error_worker_node", s.logErrorWorkerNode)
	r.POST("/task_instance/:id/log_report_by", s.logReportBy)
	r.POST("/task_instance/:id/log_distributor_id", s.logDistributorID)
	r.POST("/task_instance/:id/log_no_distributor_id", s.logNoDistributorID)
	r.POST("/task_instance/:id/log_known_error", s.logKnownError)
	r.POST("/task_instance/:id/log_unknown_error", s.logUnknownError)
	r.POST("/task_instance/log_report_by/batch", s.logReportByBatch)
	r.GET("/task_instance/:id/get_task_instance_error_log", s.getTaskInstanceErrorLog)
	r.GET("/task_instance/get_array_task_instance_id", s.getArrayTaskInstanceID)
	r.GET("/task_instance/:id", s.getTaskInstance)
}

// getTaskInstance returns the full TaskInstance row — used by the
// distributor to resolve a task_instance_id to its owning task_id or
// current distributor_id without keeping its own shadow copy.
func (s *Server) getTaskInstance(c *gin.Context) {
	tiID, ok := parseTaskInstanceID(c)
	if !ok {
		return
	}
	ti, err := s.taskInstance.GetByID(c.Request.Context(), tiID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, ti)
}

// respondTransition writes the standard response for a worker-facing
// transition call: 200 with the instance's current status regardless of
// whether the transition was applied, a no-op repeat, or rejected as
// illegal — per spec §7, InvalidStateTransition never surfaces as 4xx/5xx.
func respondTransition(c *gin.Context, ti *models.TaskInstance, err error) {
	if err != nil {
		if _, ok := err.(*jobmonerr.InvalidStateTransition); ok {
			c.JSON(http.StatusOK, gin.H{"task_instance_id": ti.ID, "status": ti.Status, "warning": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"task_instance_id": ti.ID, "status": ti.Status})
}

func parseTaskInstanceID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid task_instance id"})
		return 0, false
	}
	return id, true
}

func (s *Server) logRunning(c *gin.Context) {
	tiID, ok := parseTaskInstanceID(c)
	if !ok {
		return
	}
	var req struct {
		Nodename               string  `json:"nodename" binding:"required"`
		ProcessGroupID         string  `json:"process_group_id" binding:"required"`
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

	ti, err := s.taskInstance.LogRunning(c.Request.Context(), tiID, req.Nodename, req.ProcessGroupID, increment)
	if err != nil {
		if _, ok := err.(*jobmonerr.InvalidStateTransition); ok {
			respondTransition(c, ti, err)
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	task, err := s.task.GetByID(c.Request.Context(), ti.TaskID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"task_instance_id": ti.ID,
		"status":           ti.Status,
		"command":          task.Command,
		"stdout":           ti.StdoutPath,
		"stderr":           ti.StderrPath,
	})
}

func (s *Server) logDone(c *gin.Context) {
	tiID, ok := parseTaskInstanceID(c)
	if !ok {
		return
	}
	var req struct {
		StdoutLog string `json:"stdout_log"`
		StderrLog string `json:"stderr_log"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	ti, err := s.taskInstance.LogDone(c.Request.Context(), tiID, req.StdoutLog, req.StderrLog)
	respondTransition(c, ti, err)
}

func (s *Server) logErrorWorkerNode(c *gin.Context) {
	tiID, ok := parseTaskInstanceID(c)
	if !ok {
		return
	}
	var req struct {
		Status      models.TaskInstanceStatus `json:"status" binding:"required"`
		Description string                    `json:"description"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	ti, err := s.taskInstance.LogErrorWorkerNode(c.Request.Context(), tiID, req.Status, req.Description)
	respondTransition(c, ti, err)
}

func (s *Server) logKnownError(c *gin.Context) {
	s.logErrorWorkerNode(c)
}

func (s *Server) logUnknownError(c *gin.Context) {
	tiID, ok := parseTaskInstanceID(c)
	if !ok {
		return
	}
	var req struct {
		Description string `json:"description"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	ti, err := s.taskInstance.LogErrorWorkerNode(c.Request.Context(), tiID, models.TIUnknownError, req.Description)
	respondTransition(c, ti, err)
}

func (s *Server) logReportBy(c *gin.Context) {
	tiID, ok := parseTaskInstanceID(c)
	if !ok {
		return
	}
	var req struct {
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
	status, err := s.taskInstance.LogReportBy(c.Request.Context(), tiID, increment)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"task_instance_id": tiID, "status": status})
}

func (s *Server) logReportByBatch(c *gin.Context) {
	var req struct {
		TaskInstanceIDs        []int64 `json:"task_instance_ids" binding:"required"`
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
	if err := s.taskInstance.LogReportByBatch(c.Request.Context(), req.TaskInstanceIDs, increment); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{})
}

func (s *Server) logDistributorID(c *gin.Context) {
	tiID, ok := parseTaskInstanceID(c)
	if !ok {
		return
	}
	var req struct {
		DistributorID string `json:"distributor_id" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.taskInstance.LogDistributorID(c.Request.Context(), tiID, req.DistributorID); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{})
}

func (s *Server) logNoDistributorID(c *gin.Context) {
	tiID, ok := parseTaskInstanceID(c)
	if !ok {
		return
	}
	var req struct {
		Description string `json:"description"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	ti, err := s.taskInstance.LogNoDistributorID(c.Request.Context(), tiID, req.Description)
	respondTransition(c, ti, err)
}

func (s *Server) getTaskInstanceErrorLog(c *gin.Context) {
	tiID, ok := parseTaskInstanceID(c)
	if !ok {
		return
	}
	entries, err := s.taskInstance.GetErrorLog(c.Request.Context(), tiID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"error_log": entries})
}

func (s *Server) getArrayTaskInstanceID(c *gin.Context) {
	arrayID, err := strconv.ParseInt(c.Query("array_id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid array_id"})
		return
	}
	batchNum, err := strconv.Atoi(c.Query("array_batch_num"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid array_batch_num"})
		return
	}
	stepID, err := strconv.Atoi(c.Query("array_step_id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid array_step_id"})
		return
	}
	tiID, err := s.taskInstance.GetArrayTaskInstanceID(c.Request.Context(), arrayID, batchNum, stepID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"task_instance_id": tiID})
}
