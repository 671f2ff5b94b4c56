package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

type triggerProcessRequest struct {
	BatchSize int `json:"batch_size"`
}

// TriggerProcess asks the scheduler for an early dispatch pass. The
// pass runs asynchronously, hence 202 either way; a full trigger
// buffer means a pass is already owed.
func (s *Server) TriggerProcess(c *gin.Context) {
	var req triggerProcessRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			AbortWithError(c, badRequest("request body is not valid json"))
			return
		}
	}
	if req.BatchSize < 0 {
		AbortWithError(c, badRequest("batch_size must be non-negative"))
		return
	}

	queued := s.scheduler.TriggerProcess(req.BatchSize)
	c.JSON(http.StatusAccepted, gin.H{
		"queued":    queued,
		"worker_id": s.scheduler.WorkerID(),
	})
}
