// internal/api/websocket.go
package api

import (
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/Corphon/NostalgiaPipeline/internal/models"
	"github.com/Corphon/NostalgiaPipeline/internal/utils"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsPongTimeout  = 60 * time.Second
	wsPingInterval = 54 * time.Second
)

// WebSocket 升级器配置
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// JobMessage 推送给客户端的消息
type JobMessage struct {
	Type string     `json:"type"` // job_update | job_finished
	Job  models.Job `json:"job"`
}

// JobSocketManager 统计各任务上的 WebSocket 连接
type JobSocketManager struct {
	mu          sync.Mutex
	connections map[string]int
	served      int64
}

// NewJobSocketManager 创建连接统计
func NewJobSocketManager() *JobSocketManager {
	return &JobSocketManager{connections: make(map[string]int)}
}

func (m *JobSocketManager) add(jobID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connections[jobID]++
	atomic.AddInt64(&m.served, 1)
}

func (m *JobSocketManager) remove(jobID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connections[jobID]--
	if m.connections[jobID] <= 0 {
		delete(m.connections, jobID)
	}
}

// GetStatus 当前连接情况
func (m *JobSocketManager) GetStatus() map[string]interface{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	active := 0
	for _, n := range m.connections {
		active += n
	}
	return map[string]interface{}{
		"active_connections": active,
		"watched_jobs":       len(m.connections),
		"served_total":       atomic.LoadInt64(&m.served),
	}
}

// JobWebSocket 推送任务进度，任务结束后发送终态并关闭连接
func (h *Handler) JobWebSocket(c *gin.Context) {
	jobID := c.Param("id")
	updates, unsubscribe, err := h.Jobs.Subscribe(jobID)
	if err != nil {
		h.Response.AppError(c, err)
		return
	}
	defer unsubscribe()

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		utils.GetLogger().Warn("websocket upgrade failed", utils.Fields{"job_id": jobID, "error": err.Error()})
		return
	}
	defer conn.Close()

	h.sockets.add(jobID)
	defer h.sockets.remove(jobID)

	// 读协程只负责发现客户端断开与处理 pong
	clientGone := make(chan struct{})
	go func() {
		defer close(clientGone)
		conn.SetReadDeadline(time.Now().Add(wsPongTimeout))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(wsPongTimeout))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	send := func(msgType string, job models.Job) bool {
		conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		if err := conn.WriteJSON(JobMessage{Type: msgType, Job: job}); err != nil {
			utils.GetLogger().Debug("websocket write failed", utils.Fields{"job_id": jobID, "error": err.Error()})
			return false
		}
		return true
	}

	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()

	var last models.Job
	for {
		select {
		case <-clientGone:
			return
		case job, ok := <-updates:
			if !ok {
				// 通道关闭说明任务已结束；中间快照可能被丢弃，以 Status 为准
				if !last.IsTerminal() {
					if final, err := h.Jobs.Status(jobID); err == nil {
						send("job_finished", final)
					}
				}
				conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
				conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "job finished"))
				return
			}
			msgType := "job_update"
			if job.IsTerminal() {
				msgType = "job_finished"
			}
			if !send(msgType, job) {
				return
			}
			last = job
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// GetWebSocketStatus 获取 WebSocket 连接状态
func (h *Handler) GetWebSocketStatus(c *gin.Context) {
	status := h.sockets.GetStatus()
	status["timestamp"] = time.Now().Format(time.RFC3339)
	h.Response.Success(c, status)
}
