package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	taskdomain "github.com/taskhub/syncengine/internal/task/domain"
	"github.com/taskhub/syncengine/pkg/tenantctx"
)

type createTaskRequest struct {
	Title            string     `json:"title"`
	Priority         int        `json:"priority"`
	DueAt            *time.Time `json:"due_at"`
	AssignedToUserID *int64     `json:"assigned_to_user_id"`
}

func (s *Server) CreateTask(c *gin.Context) {
	var req createTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, badRequest("request body is not valid json"))
		return
	}

	ctx := c.Request.Context()
	orgID, _ := tenantctx.OrgID(ctx)
	userID, _ := tenantctx.UserID(ctx)

	task, err := s.taskSvc.Create(ctx, orgID, userID, taskdomain.CreateInput{
		Title:            req.Title,
		Priority:         req.Priority,
		DueAt:            req.DueAt,
		AssignedToUserID: req.AssignedToUserID,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, task)
}

// updateTaskRequest keeps due_at as raw JSON so an explicit null, which
// clears the due date, is distinguishable from an absent field.
type updateTaskRequest struct {
	Title            *string            `json:"title"`
	Status           *taskdomain.Status `json:"status"`
	Priority         *int               `json:"priority"`
	DueAt            json.RawMessage    `json:"due_at"`
	AssignedToUserID *int64             `json:"assigned_to_user_id"`
}

var jsonNull = []byte("null")

func (s *Server) UpdateTask(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		AbortWithError(c, badRequest("task id must be a uuid"))
		return
	}

	var req updateTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, badRequest("request body is not valid json"))
		return
	}

	input := taskdomain.UpdateInput{
		Title:            req.Title,
		Status:           req.Status,
		Priority:         req.Priority,
		AssignedToUserID: req.AssignedToUserID,
	}
	if len(req.DueAt) > 0 {
		if bytes.Equal(bytes.TrimSpace(req.DueAt), jsonNull) {
			input.ClearDueAt = true
		} else {
			var dueAt time.Time
			if err := json.Unmarshal(req.DueAt, &dueAt); err != nil {
				AbortWithError(c, badRequest("due_at must be an RFC 3339 timestamp or null"))
				return
			}
			input.DueAt = &dueAt
		}
	}

	ctx := c.Request.Context()
	orgID, _ := tenantctx.OrgID(ctx)
	userID, _ := tenantctx.UserID(ctx)

	task, err := s.taskSvc.Update(ctx, orgID, userID, id, input)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, task)
}

func (s *Server) DeleteTask(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		AbortWithError(c, badRequest("task id must be a uuid"))
		return
	}

	ctx := c.Request.Context()
	orgID, _ := tenantctx.OrgID(ctx)
	userID, _ := tenantctx.UserID(ctx)

	if err := s.taskSvc.Delete(ctx, orgID, userID, id); err != nil {
		AbortWithError(c, err)
		return
	}

	c.Status(http.StatusNoContent)
}

func (s *Server) GetTask(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		AbortWithError(c, badRequest("task id must be a uuid"))
		return
	}

	ctx := c.Request.Context()
	orgID, _ := tenantctx.OrgID(ctx)

	task, err := s.taskSvc.Get(ctx, orgID, id)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, task)
}
