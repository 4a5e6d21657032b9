package handler

import (
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/xxxsen/embedpipe/internal/manager"
	"github.com/xxxsen/embedpipe/internal/model"
	"github.com/xxxsen/embedpipe/internal/pkg/errcode"
	"github.com/xxxsen/embedpipe/internal/pkg/response"
)

type EmbedHandler struct {
	mgr *manager.Manager
}

func NewEmbedHandler(mgr *manager.Manager) *EmbedHandler {
	return &EmbedHandler{mgr: mgr}
}

type embedRequest struct {
	Text string `json:"text"`
}

type embedAndStoreRequest struct {
	Content     string `json:"content"`
	ContentType string `json:"content_type"`
	SourceID    string `json:"source_id"`
	SessionID   string `json:"session_id"`
	ProjectPath string `json:"project_path"`
	FilePath    string `json:"file_path"`
}

// Embed returns the raw vector for a piece of text without storing it.
func (h *EmbedHandler) Embed(c *gin.Context) {
	var req embedRequest
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.Text) == "" {
		response.Error(c, errcode.ErrInvalid, "text is required")
		return
	}
	vec, err := h.mgr.Embed(c.Request.Context(), req.Text)
	if err != nil {
		handleError(c, err)
		return
	}
	if vec == nil {
		response.Error(c, errcode.ErrModelUnavailable, "model server unavailable")
		return
	}
	response.Success(c, gin.H{"embedding": vec, "dims": len(vec)})
}

// EmbedAndStore chunks, embeds, and persists content in one call.
func (h *EmbedHandler) EmbedAndStore(c *gin.Context) {
	var req embedAndStoreRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, errcode.ErrInvalid, "invalid request")
		return
	}
	if strings.TrimSpace(req.Content) == "" || req.SourceID == "" {
		response.Error(c, errcode.ErrInvalid, "content and source_id are required")
		return
	}
	contentType := model.SourceType(req.ContentType)
	if !contentType.Valid() {
		response.Error(c, errcode.ErrInvalid, "unknown content_type")
		return
	}
	meta := model.ChunkMetadata{
		SourceID:    req.SourceID,
		SourceType:  contentType,
		SessionID:   req.SessionID,
		ProjectPath: req.ProjectPath,
		FilePath:    req.FilePath,
	}
	stored, err := h.mgr.EmbedAndStore(c.Request.Context(), req.Content, contentType, meta)
	if err != nil {
		handleError(c, err)
		return
	}
	response.Success(c, gin.H{"stored": stored})
}

func (h *EmbedHandler) DeleteBySource(c *gin.Context) {
	sourceID := c.Param("id")
	if sourceID == "" {
		response.Error(c, errcode.ErrInvalid, "source id is required")
		return
	}
	deleted, err := h.mgr.DeleteBySourceID(c.Request.Context(), sourceID)
	if err != nil {
		handleError(c, err)
		return
	}
	response.Count(c, "deleted", deleted)
}

func (h *EmbedHandler) DeleteBySession(c *gin.Context) {
	sessionID := c.Param("id")
	if sessionID == "" {
		response.Error(c, errcode.ErrInvalid, "session id is required")
		return
	}
	deleted, err := h.mgr.DeleteBySessionID(c.Request.Context(), sessionID)
	if err != nil {
		handleError(c, err)
		return
	}
	response.Count(c, "deleted", deleted)
}
