package stateserver

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

func (s *Server) registerTaskResourcesRoutes(r *gin.Engine) {
	r.POST("/task/bind_resources", s.bindResources)
	r.GET("/task_resources/:id", s.getTaskResources)
}

// bindResources creates an immutable TaskResources row, validating the
// opaque requested_resources blob against the queue's resource schema when
// one is registered. The swarm calls it to bind the scaled request of a
// task in ADJUSTING_RESOURCES as a new row.
func (s *Server) bindResources(c *gin.Context) {
	var req struct {
		QueueID             int64  `json:"queue_id" binding:"required"`
		TaskResourcesTypeID int64  `json:"task_resources_type_id"`
		RequestedResources  string `json:"requested_resources" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.TaskResourcesTypeID == 0 {
		req.TaskResourcesTypeID = 1
	}

	tr, err := s.taskResources.Bind(c.Request.Context(), req.QueueID, req.TaskResourcesTypeID, req.RequestedResources)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, tr)
}

func (s *Server) getTaskResources(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid task_resources id"})
		return
	}
	tr, err := s.taskResources.GetByID(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, tr)
}
