package handler

import (
	"github.com/gin-gonic/gin"
)

type RouterDeps struct {
	Embed  *EmbedHandler
	Search *SearchHandler
	Admin  *AdminHandler
}

func RegisterRoutes(api *gin.RouterGroup, deps RouterDeps) {
	api.POST("/embed", deps.Embed.Embed)
	api.POST("/embed/store", deps.Embed.EmbedAndStore)
	api.POST("/search", deps.Search.Search)
	api.DELETE("/embeddings/source/:id", deps.Embed.DeleteBySource)
	api.DELETE("/embeddings/session/:id", deps.Embed.DeleteBySession)

	api.GET("/status", deps.Admin.Status)
	api.GET("/metrics", deps.Admin.Metrics)
	api.PUT("/pipeline/enabled", deps.Admin.SetPipelineEnabled)
	api.POST("/model/unload", deps.Admin.UnloadModel)
	api.GET("/pipeline/deadletters", deps.Admin.DeadLetters)
	api.POST("/pipeline/deadletters/retry", deps.Admin.RetryDeadLetters)
	api.DELETE("/pipeline/deadletters", deps.Admin.ClearDeadLetters)
}
