package handler

import (
	"errors"

	"github.com/gin-gonic/gin"

	"github.com/xxxsen/embedpipe/internal/pkg/errcode"
	appErr "github.com/xxxsen/embedpipe/internal/pkg/errors"
	"github.com/xxxsen/embedpipe/internal/pkg/response"
)

func handleError(c *gin.Context, err error) {
	switch {
	case err == nil:
		return
	case errors.Is(err, appErr.ErrQueueFull):
		response.Error(c, errcode.ErrQueueFull, "queue full")
	case errors.Is(err, appErr.ErrCircuitOpen):
		response.Error(c, errcode.ErrCircuitOpen, "circuit breaker open")
	case errors.Is(err, appErr.ErrPipelineDisabled):
		response.Error(c, errcode.ErrPipelineDisabled, "pipeline disabled")
	case errors.Is(err, appErr.ErrShedLowPriority):
		response.Error(c, errcode.ErrShedLowPriority, "low priority task shed")
	case errors.Is(err, appErr.ErrUnavailable):
		response.Error(c, errcode.ErrModelUnavailable, "model server unavailable")
	case errors.Is(err, appErr.ErrNotFound):
		response.Error(c, errcode.ErrNotFound, "not found")
	case errors.Is(err, appErr.ErrInvalid):
		response.Error(c, errcode.ErrInvalid, "invalid request")
	default:
		response.Error(c, errcode.ErrInternal, "internal error")
	}
}
