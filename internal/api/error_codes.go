// internal/api/error_codes.go
package api

import (
	"errors"
	"net/http"

	apperrors "github.com/Corphon/NostalgiaPipeline/internal/errors"
	"github.com/Corphon/NostalgiaPipeline/internal/publish"
)

// API错误代码常量
const (
	// 通用错误
	ErrorBadRequest        = "BAD_REQUEST"
	ErrorNotFound          = "NOT_FOUND"
	ErrorInternalError     = "INTERNAL_ERROR"
	ErrorConflict          = "CONFLICT"
	ErrorRateLimitExceeded = "RATE_LIMIT_EXCEEDED"

	// 草稿与任务
	ErrorDraftNotFound = "DRAFT_NOT_FOUND"
	ErrorJobNotFound   = "JOB_NOT_FOUND"
	ErrorMediaNotFound = "MEDIA_NOT_FOUND"

	// 外部依赖
	ErrorConfigMissing    = "CONFIG_MISSING"
	ErrorUpstreamFailed   = "UPSTREAM_FAILED"
	ErrorUpstreamTimeout  = "UPSTREAM_TIMEOUT"
	ErrorMediaBuildFailed = "MEDIA_BUILD_FAILED"
	ErrorNoDestination    = "NO_VALID_DESTINATION"
	ErrorUploadFailed     = "UPLOAD_FAILED"
	ErrorPlatformRejected = "PLATFORM_REJECTED"
	ErrorSetupIncomplete  = "SETUP_INCOMPLETE"
)

// StatusForError 把错误分类映射为 HTTP 状态码与错误代码
func StatusForError(err error) (int, string) {
	// 发布失败的具体原因优先
	switch {
	case errors.Is(err, publish.ErrNoValidDestination):
		return http.StatusBadRequest, ErrorNoDestination
	case errors.Is(err, publish.ErrUploadFailed) && !apperrors.IsConfigMissingError(err):
		return http.StatusBadGateway, ErrorUploadFailed
	case errors.Is(err, publish.ErrPlatformRejected):
		return http.StatusBadGateway, ErrorPlatformRejected
	}

	switch apperrors.TypeOf(err) {
	case apperrors.ErrorTypeNotFound:
		return http.StatusNotFound, ErrorNotFound
	case apperrors.ErrorTypeInvalidInput:
		return http.StatusBadRequest, ErrorBadRequest
	case apperrors.ErrorTypeConflict:
		return http.StatusConflict, ErrorConflict
	case apperrors.ErrorTypeConfigMissing:
		return http.StatusServiceUnavailable, ErrorConfigMissing
	case apperrors.ErrorTypeExternalCallFailed:
		return http.StatusBadGateway, ErrorUpstreamFailed
	case apperrors.ErrorTypeTimeout:
		return http.StatusGatewayTimeout, ErrorUpstreamTimeout
	case apperrors.ErrorTypeBuildFailed:
		return http.StatusInternalServerError, ErrorMediaBuildFailed
	default:
		return http.StatusInternalServerError, ErrorInternalError
	}
}
