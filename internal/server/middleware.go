package server

import (
	"bytes"
	"context"
	"crypto/subtle"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	idempotencydomain "github.com/taskhub/syncengine/internal/idempotency/domain"
	obscontext "github.com/taskhub/syncengine/internal/observability/obscontext"
	"github.com/taskhub/syncengine/pkg/tenantctx"
)

const (
	headerOrgID          = "X-Org-ID"
	headerUserID         = "X-User-ID"
	headerIdempotencyKey = "Idempotency-Key"
	headerInternalToken  = "X-Internal-Token"
)

// TenantRequired resolves the calling tenant from the gateway-injected
// identity headers. Requests without both headers are rejected before
// any handler runs.
func (s *Server) TenantRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		orgID, orgOK := parseIDHeader(c, headerOrgID)
		userID, userOK := parseIDHeader(c, headerUserID)
		if !orgOK || !userOK {
			AbortWithError(c, errUnauthorized)
			return
		}

		ctx := tenantctx.WithOrgID(c.Request.Context(), orgID)
		ctx = tenantctx.WithUserID(ctx, userID)
		ctx = obscontext.WithOrgID(ctx, strconv.FormatInt(orgID, 10))
		ctx = obscontext.WithUserID(ctx, strconv.FormatInt(userID, 10))
		c.Request = c.Request.WithContext(ctx)

		c.Next()
	}
}

func parseIDHeader(c *gin.Context, name string) (int64, bool) {
	raw := strings.TrimSpace(c.GetHeader(name))
	if raw == "" {
		return 0, false
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

// InternalAuthRequired guards operator endpoints with the shared token.
// An empty configured token means the deployment fronts these routes
// some other way, so the guard passes everything through.
func (s *Server) InternalAuthRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		expected := s.cfg.InternalToken
		if expected == "" {
			c.Next()
			return
		}
		provided := strings.TrimSpace(c.GetHeader(headerInternalToken))
		if subtle.ConstantTimeCompare([]byte(provided), []byte(expected)) != 1 {
			AbortWithError(c, errUnauthorized)
			return
		}
		c.Next()
	}
}

// SyncRateLimit throttles delta polling per tenant. Redis trouble fails
// open: sync traffic is read-only and a broken limiter must not take
// the API down with it.
func (s *Server) SyncRateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !s.syncLimiter.Enabled() {
			c.Next()
			return
		}

		ctx := c.Request.Context()
		orgID, _ := tenantctx.OrgID(ctx)
		result, err := s.syncLimiter.AllowSync(ctx, orgID)
		if err != nil {
			s.log.Warn("sync rate limit check failed", zap.Int64("org_id", orgID), zap.Error(err))
			c.Next()
			return
		}

		orgLabel := strconv.FormatInt(orgID, 10)
		if !result.Allowed {
			s.metrics.RecordRateLimitDenied(ctx, orgLabel, c.FullPath(), "token_bucket")
			if result.RetryAfter > 0 {
				seconds := int(math.Ceil(result.RetryAfter.Seconds()))
				if seconds < 1 {
					seconds = 1
				}
				c.Header("Retry-After", strconv.Itoa(seconds))
			}
			AbortWithError(c, errRateLimited)
			return
		}

		s.metrics.RecordRateLimitAllowed(ctx, orgLabel, c.FullPath())
		c.Next()
	}
}

// Idempotent replays stored responses for repeated mutation attempts.
// Requests without an Idempotency-Key header run unprotected; clients
// opt in per request.
func (s *Server) Idempotent(endpoint string) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := strings.TrimSpace(c.GetHeader(headerIdempotencyKey))
		if key == "" {
			c.Next()
			return
		}

		payload, err := io.ReadAll(c.Request.Body)
		if err != nil {
			AbortWithError(c, badRequest("request body is unreadable"))
			return
		}
		c.Request.Body = io.NopCloser(bytes.NewReader(payload))

		userID, _ := tenantctx.UserID(c.Request.Context())
		result, err := s.idempotencySvc.ExecuteOnce(
			c.Request.Context(), userID, endpoint, key, payload,
			func(context.Context) (idempotencydomain.Response, error) {
				buffer := &bufferingWriter{ResponseWriter: c.Writer}
				c.Writer = buffer
				c.Next()
				c.Writer = buffer.ResponseWriter

				if lastErr := c.Errors.Last(); lastErr != nil {
					return idempotencydomain.Response{}, lastErr.Err
				}
				return idempotencydomain.Response{Status: buffer.Status(), Body: buffer.body.Bytes()}, nil
			},
		)
		if err != nil {
			// Handler errors are already on the context; only record
			// failures from the store itself.
			if c.Errors.Last() == nil {
				AbortWithError(c, err)
			} else {
				c.Abort()
			}
			return
		}

		if result.Replayed {
			c.Header("Idempotency-Replayed", "true")
			c.Data(result.Status, "application/json; charset=utf-8", result.Body)
			c.Abort()
			return
		}

		// Fresh run: release the buffered response to the client.
		c.Writer.WriteHeader(result.Status)
		if len(result.Body) > 0 {
			_, _ = c.Writer.Write(result.Body)
		}
	}
}

// bufferingWriter captures the handler's response so it can be stored
// before anything reaches the wire. Headers pass through to the real
// writer untouched.
type bufferingWriter struct {
	gin.ResponseWriter
	status int
	body   bytes.Buffer
}

func (w *bufferingWriter) WriteHeader(status int) {
	w.status = status
}

func (w *bufferingWriter) WriteHeaderNow() {}

func (w *bufferingWriter) Write(data []byte) (int, error) {
	return w.body.Write(data)
}

func (w *bufferingWriter) WriteString(s string) (int, error) {
	return w.body.WriteString(s)
}

func (w *bufferingWriter) Written() bool {
	return w.status != 0 || w.body.Len() > 0
}

func (w *bufferingWriter) Status() int {
	if w.status == 0 {
		return http.StatusOK
	}
	return w.status
}

func (w *bufferingWriter) Size() int {
	return w.body.Len()
}
