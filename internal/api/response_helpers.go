// internal/api/response_helpers.go
package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	apperrors "github.com/Corphon/NostalgiaPipeline/internal/errors"
	"github.com/Corphon/NostalgiaPipeline/internal/utils"
)

// APIResponse 标准API响应格式
type APIResponse struct {
	Success   bool        `json:"success"`
	Data      interface{} `json:"data,omitempty"`
	Error     *APIError   `json:"error,omitempty"`
	Message   string      `json:"message,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
	RequestID string      `json:"request_id,omitempty"` // 用于调试和追踪
}

// APIError 标准错误格式
type APIError struct {
	Code    string `json:"code"`
	Type    string `json:"type,omitempty"`
	Message string `json:"message"`
}

// ResponseHelper 响应助手类
type ResponseHelper struct{}

// NewResponseHelper 创建响应助手
func NewResponseHelper() *ResponseHelper {
	return &ResponseHelper{}
}

func (rh *ResponseHelper) write(c *gin.Context, status int, data interface{}, message string) {
	c.JSON(status, &APIResponse{
		Success:   true,
		Data:      data,
		Message:   message,
		Timestamp: time.Now(),
		RequestID: rh.getRequestID(c),
	})
}

// Success 成功响应
func (rh *ResponseHelper) Success(c *gin.Context, data interface{}, message ...string) {
	rh.write(c, http.StatusOK, data, firstOr(message, ""))
}

// Accepted 后台任务已受理
func (rh *ResponseHelper) Accepted(c *gin.Context, data interface{}, message ...string) {
	rh.write(c, http.StatusAccepted, data, firstOr(message, "Job accepted"))
}

// credentialMarkers 出现这些片段的消息可能带有凭据值
var credentialMarkers = []string{"bearer ", "access_token=", "api_key=", "x-amz-credential", "x-amz-signature"}

// sanitizeErrorMessage removes credential values from error messages
func sanitizeErrorMessage(message string) string {
	lower := strings.ToLower(message)
	for _, marker := range credentialMarkers {
		if strings.Contains(lower, marker) {
			return "An internal error occurred"
		}
	}
	return message
}

// Error 错误响应
func (rh *ResponseHelper) Error(c *gin.Context, statusCode int, errorCode, message string) {
	c.JSON(statusCode, &APIResponse{
		Success: false,
		Error: &APIError{
			Code:    errorCode,
			Message: sanitizeErrorMessage(message),
		},
		Timestamp: time.Now(),
		RequestID: rh.getRequestID(c),
	})
}

// AppError 按错误分类输出响应
func (rh *ResponseHelper) AppError(c *gin.Context, err error) {
	status, code := StatusForError(err)
	if status >= http.StatusInternalServerError {
		utils.GetLogger().Error("request failed", utils.Fields{
			"path":       c.FullPath(),
			"status":     status,
			"error":      err.Error(),
			"request_id": rh.getRequestID(c),
		})
	}
	c.JSON(status, &APIResponse{
		Success: false,
		Error: &APIError{
			Code:    code,
			Type:    string(apperrors.TypeOf(err)),
			Message: sanitizeErrorMessage(err.Error()),
		},
		Timestamp: time.Now(),
		RequestID: rh.getRequestID(c),
	})
}

// BadRequest 400错误响应
func (rh *ResponseHelper) BadRequest(c *gin.Context, message string) {
	rh.Error(c, http.StatusBadRequest, ErrorBadRequest, message)
}

// NotFound 404错误响应
func (rh *ResponseHelper) NotFound(c *gin.Context, resource, message string) {
	rh.Error(c, http.StatusNotFound, rh.getResourceNotFoundCode(resource), message)
}

// getRequestID 获取请求ID
func (rh *ResponseHelper) getRequestID(c *gin.Context) string {
	return c.GetString(requestIDKey)
}

// getResourceNotFoundCode 根据资源类型生成错误代码
func (rh *ResponseHelper) getResourceNotFoundCode(resource string) string {
	switch resource {
	case "draft":
		return ErrorDraftNotFound
	case "job":
		return ErrorJobNotFound
	case "media":
		return ErrorMediaNotFound
	default:
		return ErrorNotFound
	}
}

func firstOr(values []string, fallback string) string {
	if len(values) > 0 {
		return values[0]
	}
	return fallback
}
