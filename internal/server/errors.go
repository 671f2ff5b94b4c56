package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	changelogdomain "github.com/taskhub/syncengine/internal/changelog/domain"
	devicedomain "github.com/taskhub/syncengine/internal/device/domain"
	idempotencydomain "github.com/taskhub/syncengine/internal/idempotency/domain"
	obscontext "github.com/taskhub/syncengine/internal/observability/obscontext"
	prefdomain "github.com/taskhub/syncengine/internal/preference/domain"
	taskdomain "github.com/taskhub/syncengine/internal/task/domain"
	"github.com/taskhub/syncengine/pkg/synccursor"
)

// Error codes carried in the response envelope.
const (
	CodeValidation          = "validation_error"
	CodeUnauthorized        = "unauthorized"
	CodeNotFound            = "not_found"
	CodeIdempotencyConflict = "idempotency_conflict"
	CodeCursorExpired       = "cursor_expired"
	CodeRateLimited         = "rate_limited"
	CodeInternal            = "internal_error"
)

// ErrorBody is the inner error object of the envelope.
type ErrorBody struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// ErrorEnvelope is the uniform error response shape.
type ErrorEnvelope struct {
	Error     ErrorBody `json:"error"`
	RequestID string    `json:"request_id,omitempty"`
}

// ErrorHandlingMiddleware converts errors recorded on the gin context
// into the error envelope. Handlers that already wrote a body win.
func ErrorHandlingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if c.Writer.Written() {
			return
		}
		lastErr := c.Errors.Last()
		if lastErr == nil {
			return
		}

		status, body := mapError(lastErr.Err)
		body.RequestID = obscontext.RequestIDFromContext(c.Request.Context())
		c.JSON(status, body)
	}
}

// AbortWithError records err for the error middleware and stops the
// handler chain.
func AbortWithError(c *gin.Context, err error) {
	_ = c.Error(err)
	c.Abort()
}

func mapError(err error) (int, ErrorEnvelope) {
	code := CodeInternal
	status := http.StatusInternalServerError
	message := "internal error"
	var details map[string]any

	var cursorErr *changelogdomain.CursorExpiredError

	switch {
	case errors.As(err, &cursorErr):
		code, status = CodeCursorExpired, http.StatusGone
		message = "cursor expired, full resync required"
		if cursorErr.OldestCursor != "" {
			details = map[string]any{"oldest_cursor": cursorErr.OldestCursor}
		}
	case errors.Is(err, changelogdomain.ErrCursorExpired):
		code, status = CodeCursorExpired, http.StatusGone
		message = "cursor expired, full resync required"
	case errors.Is(err, synccursor.ErrInvalidCursor):
		code, status = CodeCursorExpired, http.StatusGone
		message = "cursor not recognized, full resync required"
	case errors.Is(err, idempotencydomain.ErrConflict):
		code, status = CodeIdempotencyConflict, http.StatusConflict
		message = "idempotency key reused with a different payload"
	case errors.Is(err, idempotencydomain.ErrMissingKey):
		code, status = CodeValidation, http.StatusBadRequest
		message = "Idempotency-Key header is required"
	case errors.Is(err, taskdomain.ErrTaskNotFound),
		errors.Is(err, devicedomain.ErrDeviceNotFound),
		errors.Is(err, gorm.ErrRecordNotFound):
		code, status = CodeNotFound, http.StatusNotFound
		message = "resource not found"
	case errors.Is(err, taskdomain.ErrTitleRequired):
		code, status = CodeValidation, http.StatusBadRequest
		message = "title is required"
	case errors.Is(err, taskdomain.ErrInvalidStatus):
		code, status = CodeValidation, http.StatusBadRequest
		message = "unknown task status"
	case errors.Is(err, devicedomain.ErrInvalidToken):
		code, status = CodeValidation, http.StatusBadRequest
		message = "device token is invalid"
	case errors.Is(err, devicedomain.ErrInvalidEnvironment):
		code, status = CodeValidation, http.StatusBadRequest
		message = "environment must be sandbox or production"
	case errors.Is(err, prefdomain.ErrInvalidOffset):
		code, status = CodeValidation, http.StatusBadRequest
		message = "due soon offset out of range"
	case errors.Is(err, errBadRequest):
		code, status = CodeValidation, http.StatusBadRequest
		message = err.Error()
	case errors.Is(err, errUnauthorized):
		code, status = CodeUnauthorized, http.StatusUnauthorized
		message = "missing or invalid credentials"
	case errors.Is(err, errRateLimited):
		code, status = CodeRateLimited, http.StatusTooManyRequests
		message = "too many sync requests, slow down"
	}

	return status, ErrorEnvelope{Error: ErrorBody{Code: code, Message: message, Details: details}}
}

// classifyErrorForLog feeds the request logger an error taxonomy
// without leaking internals into log fields.
func classifyErrorForLog(err error) (string, string) {
	status, body := mapError(err)
	errorType := "client"
	if status >= http.StatusInternalServerError {
		errorType = "server"
	}
	return errorType, body.Error.Code
}

var (
	errBadRequest   = errors.New("bad_request")
	errUnauthorized = errors.New("unauthorized")
	errRateLimited  = errors.New("rate_limited")
)

// badRequest wraps a human message so mapError can surface it verbatim.
func badRequest(message string) error {
	return wrappedError{sentinel: errBadRequest, message: message}
}

type wrappedError struct {
	sentinel error
	message  string
}

func (e wrappedError) Error() string { return e.message }

func (e wrappedError) Unwrap() error { return e.sentinel }
