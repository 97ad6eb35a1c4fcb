package api

import (
	"errors"
	"net/http"

	"github.com/fentz26/mcpgate/internal/approval"
	"github.com/fentz26/mcpgate/internal/gateway"
	"github.com/gin-gonic/gin"
)

// statusFor maps an error to its HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, approval.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, approval.ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, approval.ErrNoExecutor):
		return http.StatusServiceUnavailable
	case errors.Is(err, approval.ErrSelfApproval):
		return http.StatusForbidden
	}

	switch gateway.KindOf(err) {
	case gateway.KindPermissionDenied:
		return http.StatusForbidden
	case gateway.KindToolNotFound:
		return http.StatusNotFound
	case gateway.KindServerNotAvailable:
		return http.StatusServiceUnavailable
	case gateway.KindExecution:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// errorCode is the machine-readable "error" field of an error body.
func errorCode(err error) string {
	switch {
	case errors.Is(err, approval.ErrNotFound):
		return "not_found"
	case errors.Is(err, approval.ErrInvalidTransition):
		return "invalid_transition"
	case errors.Is(err, approval.ErrNoExecutor):
		return "unavailable"
	case errors.Is(err, approval.ErrSelfApproval):
		return "forbidden"
	}
	return string(gateway.KindOf(err))
}

func writeError(c *gin.Context, err error) {
	body := gin.H{
		"error":   errorCode(err),
		"message": err.Error(),
	}
	var ge *gateway.Error
	if errors.As(err, &ge) {
		if ge.ApprovalID != "" {
			body["approval_id"] = ge.ApprovalID
		}
		if len(ge.Approvers) > 0 {
			body["approvers"] = ge.Approvers
		}
	}
	c.JSON(statusFor(err), body)
}

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, gin.H{
		"error":   "bad_request",
		"message": msg,
	})
}

func notFound(c *gin.Context, msg string) {
	c.JSON(http.StatusNotFound, gin.H{
		"error":   "not_found",
		"message": msg,
	})
}

func unavailable(c *gin.Context, msg string) {
	c.JSON(http.StatusServiceUnavailable, gin.H{
		"error":   "unavailable",
		"message": msg,
	})
}
