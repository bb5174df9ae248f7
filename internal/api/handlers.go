// internal/api/handlers.go
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/Corphon/NostalgiaPipeline/internal/models"
	"github.com/Corphon/NostalgiaPipeline/internal/services"
	"github.com/Corphon/NostalgiaPipeline/internal/storage"
	"github.com/Corphon/NostalgiaPipeline/internal/utils"
)

// MaxBatchCount 单次请求每个账号最多生成的草稿数
const MaxBatchCount = 10

// Handler 处理API请求
type Handler struct {
	Store    *storage.DraftStore      // 草稿存储
	Jobs     *services.JobTracker     // 批量任务
	Retry    *services.RetryService   // 草稿重试
	Publish  *services.PublishService // 发布
	Setup    *services.SetupService   // 环境检查
	Response *ResponseHelper          // 响应助手
	sockets  *JobSocketManager
}

// GenerateRequest 批量生成请求
type GenerateRequest struct {
	Count    int      `json:"count"`
	Accounts []string `json:"accounts"`
	NoMedia  bool     `json:"no_media"`
}

// RetryRequest 重试请求
type RetryRequest struct {
	Feedback string `json:"feedback"`
}

// NewHandler 创建处理器
func NewHandler(store *storage.DraftStore, jobs *services.JobTracker, retry *services.RetryService,
	publish *services.PublishService, setup *services.SetupService) *Handler {
	return &Handler{
		Store:    store,
		Jobs:     jobs,
		Retry:    retry,
		Publish:  publish,
		Setup:    setup,
		Response: NewResponseHelper(),
		sockets:  NewJobSocketManager(),
	}
}

// bindOptionalJSON 请求体为空时保留零值
func bindOptionalJSON(c *gin.Context, v interface{}) error {
	if c.Request.Body == nil || c.Request.ContentLength == 0 {
		return nil
	}
	if err := json.NewDecoder(c.Request.Body).Decode(v); err != nil && err != io.EOF {
		return err
	}
	return nil
}

// ========================================
// 批量生成
// ========================================

// Generate 启动后台批量生成，立即返回 job_id
func (h *Handler) Generate(c *gin.Context) {
	var req GenerateRequest
	if err := bindOptionalJSON(c, &req); err != nil {
		h.Response.BadRequest(c, "invalid JSON body: "+err.Error())
		return
	}
	if req.Count < 0 || req.Count > MaxBatchCount {
		h.Response.BadRequest(c, fmt.Sprintf("count must be between 1 and %d", MaxBatchCount))
		return
	}
	for _, account := range req.Accounts {
		if !storage.ValidID(account) {
			h.Response.BadRequest(c, fmt.Sprintf("invalid account name %q", account))
			return
		}
	}

	jobID, err := h.Jobs.Start(models.BatchRequest{Count: req.Count, Accounts: req.Accounts, NoMedia: req.NoMedia})
	if err != nil {
		h.Response.AppError(c, err)
		return
	}
	h.Response.Accepted(c, gin.H{"job_id": jobID})
}

// GenerateStatus 查询任务快照
func (h *Handler) GenerateStatus(c *gin.Context) {
	jobID := c.Query("job_id")
	if jobID == "" {
		h.Response.BadRequest(c, "job_id is required")
		return
	}
	job, err := h.Jobs.Status(jobID)
	if err != nil {
		h.Response.NotFound(c, "job", err.Error())
		return
	}
	h.Response.Success(c, job)
}

// GenerateProgress 以 SSE 推送任务进度
func (h *Handler) GenerateProgress(c *gin.Context) {
	jobID := c.Param("id")
	updates, unsubscribe, err := h.Jobs.Subscribe(jobID)
	if err != nil {
		h.Response.NotFound(c, "job", err.Error())
		return
	}
	defer unsubscribe()

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")

	clientGone := c.Request.Context().Done()
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	writeEvent := func(event string, v interface{}) {
		data, _ := json.Marshal(v)
		fmt.Fprintf(c.Writer, "event: %s\ndata: %s\n\n", event, data)
		c.Writer.Flush()
	}

	for {
		select {
		case <-clientGone:
			return
		case job, ok := <-updates:
			if !ok {
				if final, err := h.Jobs.Status(jobID); err == nil {
					writeEvent("finished", final)
				}
				return
			}
			if job.IsTerminal() {
				writeEvent("finished", job)
				return
			}
			writeEvent("progress", job)
		case <-ticker.C:
			writeEvent("heartbeat", gin.H{"time": time.Now().Unix()})
		}
	}
}

// ========================================
// 草稿
// ========================================

// ListDrafts 列出草稿，status=pending（默认）或 all
func (h *Handler) ListDrafts(c *gin.Context) {
	filter := c.DefaultQuery("status", models.FilterPending)
	drafts, err := h.Store.List(filter)
	if err != nil {
		h.Response.AppError(c, err)
		return
	}
	h.Response.Success(c, gin.H{"drafts": drafts, "count": len(drafts)})
}

// GetDraft 返回草稿内容与说明
func (h *Handler) GetDraft(c *gin.Context) {
	id := c.Param("id")
	d, err := h.Store.Read(id)
	if err != nil {
		h.Response.NotFound(c, "draft", err.Error())
		return
	}
	_, mediaErr := h.Store.MediaPath(id)
	h.Response.Success(c, gin.H{
		"id":        id,
		"content":   d,
		"brief":     h.Store.ReadBrief(id),
		"has_media": mediaErr == nil,
	})
}

// DraftMedia 下载草稿媒体
func (h *Handler) DraftMedia(c *gin.Context) {
	path, err := h.Store.MediaPath(c.Param("id"))
	if err != nil {
		h.Response.NotFound(c, "media", err.Error())
		return
	}
	c.File(path)
}

// PostDraft 发布草稿
func (h *Handler) PostDraft(c *gin.Context) {
	// 客户端断开不应中断发布，超时由 publish.Timeout 控制
	result, err := h.Publish.Publish(context.WithoutCancel(c.Request.Context()), c.Param("id"))
	if err != nil {
		h.Response.AppError(c, err)
		return
	}
	message := "Published"
	if result.Skipped {
		message = "Already published"
	}
	h.Response.Success(c, result, message)
}

// RetryDraft 带可选反馈重新生成草稿
func (h *Handler) RetryDraft(c *gin.Context) {
	var req RetryRequest
	if err := bindOptionalJSON(c, &req); err != nil {
		h.Response.BadRequest(c, "invalid JSON body: "+err.Error())
		return
	}

	id := c.Param("id")
	// 媒体构建可能持续较长时间，与请求生命周期解耦
	d, err := h.Retry.Retry(context.WithoutCancel(c.Request.Context()), id, req.Feedback)
	if err != nil {
		h.Response.AppError(c, err)
		return
	}
	h.Response.Success(c, gin.H{"id": id, "content": d}, "Draft regenerated")
}

// ========================================
// 运维
// ========================================

// Health 运行环境检查；有错误项时返回 503
func (h *Handler) Health(c *gin.Context) {
	report := h.Setup.Verify()
	if report.OK {
		h.Response.Success(c, report, "Setup OK")
		return
	}
	c.JSON(http.StatusServiceUnavailable, &APIResponse{
		Success:   false,
		Data:      report,
		Error:     &APIError{Code: ErrorSetupIncomplete, Message: "setup incomplete"},
		Timestamp: time.Now(),
		RequestID: h.Response.getRequestID(c),
	})
}

// Metrics 计数器、仪表与耗时统计
func (h *Handler) Metrics(c *gin.Context) {
	metrics := utils.GetMetricsCollector().GetMetrics()
	metrics["tracked_jobs"] = h.Jobs.Len()
	metrics["websocket"] = h.sockets.GetStatus()
	h.Response.Success(c, metrics)
}
