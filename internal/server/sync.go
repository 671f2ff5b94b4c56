package server

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	changelogdomain "github.com/taskhub/syncengine/internal/changelog/domain"
	"github.com/taskhub/syncengine/pkg/synccursor"
	"github.com/taskhub/syncengine/pkg/tenantctx"
)

// SyncDelta serves one page of the tenant change log. A missing cursor
// starts from the beginning of the retained window.
func (s *Server) SyncDelta(c *gin.Context) {
	ctx := c.Request.Context()
	orgID, _ := tenantctx.OrgID(ctx)

	// Unparseable limits fall back to the default page size and numeric
	// ones clamp to at least one row; mobile clients never see a paging
	// validation error.
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil {
			limit = parsed
			if limit < 1 {
				limit = 1
			}
		}
	}

	page, err := s.changelogSvc.Page(ctx, orgID, c.Query("cursor"), limit)
	if err != nil {
		if isCursorExpired(err) {
			s.metrics.RecordCursorExpired(ctx, strconv.FormatInt(orgID, 10))
		}
		AbortWithError(c, err)
		return
	}

	s.metrics.RecordSyncPage(ctx, strconv.FormatInt(orgID, 10))
	c.JSON(http.StatusOK, page)
}

func isCursorExpired(err error) bool {
	return errors.Is(err, changelogdomain.ErrCursorExpired) || errors.Is(err, synccursor.ErrInvalidCursor)
}
