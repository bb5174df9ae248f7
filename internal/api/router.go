// internal/api/router.go
package api

import (
	"time"

	"github.com/gin-gonic/gin"

	"github.com/Corphon/NostalgiaPipeline/internal/di"
)

// 触发外部调用的接口限流
const (
	expensiveLimit  = 20
	expensiveWindow = time.Minute
	defaultLimit    = 300
)

// SetupRouter 从容器取出服务并配置HTTP路由
func SetupRouter(container *di.Container) (*gin.Engine, error) {
	if container == nil {
		container = di.GetContainer()
	}

	p, err := container.Resolve()
	if err != nil {
		return nil, err
	}
	handler := NewHandler(p.Drafts, p.Jobs, p.Retry, p.Publish, p.Setup)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(RequestIDMiddleware())
	r.Use(RequestLogger())
	r.Use(corsMiddleware())

	limiter := NewRateLimiter()
	expensive := RateLimitByIP(limiter, expensiveLimit, expensiveWindow)

	// WebSocket 支持
	r.GET("/ws/jobs/:id", handler.JobWebSocket)

	api := r.Group("/api")
	api.Use(RateLimitByIP(limiter, defaultLimit, time.Minute))
	{
		// 批量生成
		api.POST("/generate", expensive, handler.Generate)
		api.GET("/generate/status", handler.GenerateStatus)
		api.GET("/generate/progress/:id", handler.GenerateProgress)

		// 草稿
		drafts := api.Group("/drafts")
		{
			drafts.GET("", handler.ListDrafts)
			drafts.GET("/:id", handler.GetDraft)
			drafts.GET("/:id/media", handler.DraftMedia)
			drafts.POST("/:id/post", expensive, handler.PostDraft)
			drafts.POST("/:id/retry", expensive, handler.RetryDraft)
		}

		// 运维
		api.GET("/health", handler.Health)
		api.GET("/metrics", handler.Metrics)
		api.GET("/ws/status", handler.GetWebSocketStatus)
	}

	return r, nil
}
