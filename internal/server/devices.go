package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	devicedomain "github.com/taskhub/syncengine/internal/device/domain"
	"github.com/taskhub/syncengine/pkg/tenantctx"
)

type registerDeviceRequest struct {
	Token          string `json:"token"`
	Environment    string `json:"environment"`
	InstallationID string `json:"installation_id"`
	AppVersion     string `json:"app_version"`
	Timezone       string `json:"timezone"`
}

// RegisterDevice upserts a push target for the calling user.
func (s *Server) RegisterDevice(c *gin.Context) {
	var req registerDeviceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, badRequest("request body is not valid json"))
		return
	}

	ctx := c.Request.Context()
	orgID, _ := tenantctx.OrgID(ctx)
	userID, _ := tenantctx.UserID(ctx)

	device, err := s.deviceSvc.Register(ctx, orgID, userID, devicedomain.RegisterInput{
		Token:          req.Token,
		Environment:    req.Environment,
		InstallationID: req.InstallationID,
		AppVersion:     req.AppVersion,
		Timezone:       req.Timezone,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, device)
}

type unregisterDeviceRequest struct {
	Token string `json:"token"`
}

// UnregisterDevice removes the device matching the raw token, for app
// sign-out flows where the device id is not at hand.
func (s *Server) UnregisterDevice(c *gin.Context) {
	var req unregisterDeviceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, badRequest("request body is not valid json"))
		return
	}
	if strings.TrimSpace(req.Token) == "" {
		AbortWithError(c, badRequest("token is required"))
		return
	}

	ctx := c.Request.Context()
	orgID, _ := tenantctx.OrgID(ctx)
	if err := s.deviceSvc.Unregister(ctx, orgID, req.Token); err != nil {
		AbortWithError(c, err)
		return
	}

	c.Status(http.StatusNoContent)
}

// DeleteDevice removes a device by id. Devices belonging to another
// tenant read as absent.
func (s *Server) DeleteDevice(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		AbortWithError(c, badRequest("device id must be a uuid"))
		return
	}

	ctx := c.Request.Context()
	orgID, _ := tenantctx.OrgID(ctx)

	device, err := s.deviceSvc.Get(ctx, id)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	if device == nil || device.OrgID != orgID {
		AbortWithError(c, devicedomain.ErrDeviceNotFound)
		return
	}

	if err := s.deviceSvc.Delete(ctx, id); err != nil {
		AbortWithError(c, err)
		return
	}

	c.Status(http.StatusNoContent)
}
