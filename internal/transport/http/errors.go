package http

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/vovakirdan/itemchat-server/internal/core"
)

// ErrorResponse represents an error response body.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, core.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, core.ErrUnauthenticated):
		return http.StatusUnauthorized
	case errors.Is(err, core.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, core.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, core.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, core.ErrUnavailable), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// publicMessage hides internal error details from clients.
func publicMessage(code string, err error) string {
	switch code {
	case core.ErrCodeInternal:
		return "internal server error"
	case core.ErrCodeUnavailable:
		return "service temporarily unavailable"
	default:
		return err.Error()
	}
}

func writeError(c *gin.Context, logger *zerolog.Logger, err error, msg string) {
	status := statusFor(err)
	code := core.CodeOf(err)
	if errors.Is(err, context.DeadlineExceeded) {
		code = core.ErrCodeUnavailable
	}

	event := logger.Debug()
	if status >= http.StatusInternalServerError {
		event = logger.Error()
	}
	event.Err(err).Int("status", status).Msg(msg)

	c.JSON(status, ErrorResponse{Error: publicMessage(code, err), Code: code})
}
