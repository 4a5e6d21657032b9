package handler

import (
	"github.com/gin-gonic/gin"

	"github.com/xxxsen/embedpipe/internal/manager"
	"github.com/xxxsen/embedpipe/internal/model"
	"github.com/xxxsen/embedpipe/internal/pkg/errcode"
	"github.com/xxxsen/embedpipe/internal/pkg/response"
)

// AdminHandler exposes status, metrics, pipeline toggling, and dead-letter
// operations.
type AdminHandler struct {
	mgr *manager.Manager
}

func NewAdminHandler(mgr *manager.Manager) *AdminHandler {
	return &AdminHandler{mgr: mgr}
}

func (h *AdminHandler) Status(c *gin.Context) {
	response.Success(c, h.mgr.Status())
}

func (h *AdminHandler) Metrics(c *gin.Context) {
	response.Success(c, h.mgr.Metrics(c.Request.Context()))
}

type pipelineEnableRequest struct {
	Enabled *bool `json:"enabled"`
}

func (h *AdminHandler) SetPipelineEnabled(c *gin.Context) {
	var req pipelineEnableRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Enabled == nil {
		response.Error(c, errcode.ErrInvalid, "enabled is required")
		return
	}
	h.mgr.Pipeline().SetEnabled(*req.Enabled)
	response.Success(c, gin.H{"enabled": *req.Enabled})
}

// UnloadModel releases the embedding model on the server side; the next embed
// request loads it again. Useful when the host needs the memory back.
func (h *AdminHandler) UnloadModel(c *gin.Context) {
	if err := h.mgr.UnloadModel(c.Request.Context()); err != nil {
		response.Error(c, errcode.ErrModelUnavailable, "unload model: "+err.Error())
		return
	}
	response.Success(c, gin.H{"unloaded": true})
}

func (h *AdminHandler) DeadLetters(c *gin.Context) {
	items := h.mgr.Pipeline().DeadLetters()
	if items == nil {
		items = []model.DeadLetterItem{}
	}
	response.Success(c, gin.H{"items": items, "count": len(items)})
}

func (h *AdminHandler) RetryDeadLetters(c *gin.Context) {
	submitted := h.mgr.Pipeline().RetryDeadLetters(c.Request.Context())
	response.Count(c, "submitted", int64(submitted))
}

func (h *AdminHandler) ClearDeadLetters(c *gin.Context) {
	cleared := h.mgr.Pipeline().ClearDeadLetters(c.Request.Context())
	response.Count(c, "cleared", int64(cleared))
}
