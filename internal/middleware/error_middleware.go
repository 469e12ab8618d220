package middleware

import (
	"errors"
	"net/http"

	steeple_errors "steeple-sync/pkg/errors"
	"steeple-sync/pkg/logger"

	"github.com/gin-gonic/gin"
)

type errorBody struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
	Code    string `json:"code"`
}

// ErrorHandler turns sentinel errors attached to the gin context into
// a JSON error body with a matching HTTP status.
func ErrorHandler(l *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 {
			return
		}

		err := c.Errors.Last().Err
		if l != nil {
			l.Errorf("request error: %s", err.Error())
		}
		status, code := classify(err)
		c.JSON(status, errorBody{Success: false, Error: err.Error(), Code: code})
	}
}

func classify(err error) (int, string) {
	switch {
	case errors.Is(err, steeple_errors.ErrNotFound):
		return http.StatusNotFound, "NOT_FOUND"
	case errors.Is(err, steeple_errors.ErrAlreadyCheckedIn):
		return http.StatusConflict, "ALREADY_CHECKED_IN"
	case errors.Is(err, steeple_errors.ErrConflict):
		return http.StatusConflict, "CONFLICT"
	case errors.Is(err, steeple_errors.ErrInvalidInput),
		errors.Is(err, steeple_errors.ErrValidation):
		return http.StatusBadRequest, "INVALID_INPUT"
	case errors.Is(err, steeple_errors.ErrSyncInProgress):
		return http.StatusAccepted, "SYNC_IN_PROGRESS"
	default:
		return http.StatusInternalServerError, "INTERNAL_ERROR"
	}
}
