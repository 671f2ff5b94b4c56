package server

import (
	"net/http"

	"github.com/gin-gonic/gin"

	prefdomain "github.com/taskhub/syncengine/internal/preference/domain"
	"github.com/taskhub/syncengine/pkg/tenantctx"
)

func (s *Server) GetPreference(c *gin.Context) {
	ctx := c.Request.Context()
	orgID, _ := tenantctx.OrgID(ctx)
	userID, _ := tenantctx.UserID(ctx)

	pref, err := s.preferenceSvc.Get(ctx, orgID, userID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, pref)
}

type updatePreferenceRequest struct {
	Timezone             *string `json:"timezone"`
	RemindersEnabled     *bool   `json:"reminders_enabled"`
	DueSoonOffsetMinutes *int    `json:"due_soon_offset_minutes"`
}

func (s *Server) UpdatePreference(c *gin.Context) {
	var req updatePreferenceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, badRequest("request body is not valid json"))
		return
	}

	ctx := c.Request.Context()
	orgID, _ := tenantctx.OrgID(ctx)
	userID, _ := tenantctx.UserID(ctx)

	pref, err := s.preferenceSvc.Update(ctx, orgID, userID, prefdomain.UpdateInput{
		Timezone:             req.Timezone,
		RemindersEnabled:     req.RemindersEnabled,
		DueSoonOffsetMinutes: req.DueSoonOffsetMinutes,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, pref)
}
