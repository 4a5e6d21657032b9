package handler

import (
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/xxxsen/embedpipe/internal/manager"
	"github.com/xxxsen/embedpipe/internal/model"
	"github.com/xxxsen/embedpipe/internal/pkg/errcode"
	"github.com/xxxsen/embedpipe/internal/pkg/response"
)

const defaultSearchLimit = 10

type SearchHandler struct {
	mgr *manager.Manager
}

func NewSearchHandler(mgr *manager.Manager) *SearchHandler {
	return &SearchHandler{mgr: mgr}
}

type searchRequest struct {
	Query          string  `json:"query"`
	Limit          int     `json:"limit"`
	ScoreThreshold float32 `json:"score_threshold"`
	SourceType     string  `json:"source_type"`
	SessionID      string  `json:"session_id"`
	ProjectPath    string  `json:"project_path"`
}

func (h *SearchHandler) Search(c *gin.Context) {
	var req searchRequest
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.Query) == "" {
		response.Error(c, errcode.ErrInvalid, "query is required")
		return
	}
	if req.Limit <= 0 {
		req.Limit = defaultSearchLimit
	}
	if req.SourceType != "" && !model.SourceType(req.SourceType).Valid() {
		response.Error(c, errcode.ErrInvalid, "unknown source_type")
		return
	}
	results, err := h.mgr.Search(c.Request.Context(), req.Query, model.SearchOptions{
		Limit:          req.Limit,
		ScoreThreshold: req.ScoreThreshold,
		SourceType:     model.SourceType(req.SourceType),
		SessionID:      req.SessionID,
		ProjectPath:    req.ProjectPath,
	})
	if err != nil {
		handleError(c, err)
		return
	}
	if results == nil {
		results = []model.SearchResult{}
	}
	response.Success(c, gin.H{"results": results, "count": len(results)})
}
