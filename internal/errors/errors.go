// internal/errors/errors.go
package errors

import (
	"context"
	"errors"
	"fmt"
)

// ErrorType 定义错误类型
type ErrorType string

const (
	ErrorTypeConfigMissing      ErrorType = "config_missing"
	ErrorTypeNotFound           ErrorType = "not_found"
	ErrorTypeInvalidInput       ErrorType = "invalid_input"
	ErrorTypeExternalCallFailed ErrorType = "external_call_failed"
	ErrorTypeTimeout            ErrorType = "timeout"
	ErrorTypeBuildFailed        ErrorType = "build_failed"
	ErrorTypeConflict           ErrorType = "conflict"
)

// AppError 应用程序错误结构
type AppError struct {
	Type    ErrorType
	Message string
	Err     error
	Code    string // 对外暴露的错误代码
}

// Error 实现 error 接口
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Unwrap 实现错误链接
func (e *AppError) Unwrap() error {
	return e.Err
}

// NewAppError 创建新的 AppError
func NewAppError(errType ErrorType, message string, originalError error) *AppError {
	return &AppError{
		Type:    errType,
		Message: message,
		Err:     originalError,
		Code:    generateErrorCode(errType),
	}
}

// NewConfigMissingError 缺少凭据或配置文件
func NewConfigMissingError(message string, originalError error) *AppError {
	return NewAppError(ErrorTypeConfigMissing, message, originalError)
}

// NewNotFoundError 创建未找到错误
func NewNotFoundError(message string, originalError error) *AppError {
	return NewAppError(ErrorTypeNotFound, message, originalError)
}

// NewInvalidInputError 输入或模型输出不合法
func NewInvalidInputError(message string, originalError error) *AppError {
	return NewAppError(ErrorTypeInvalidInput, message, originalError)
}

// NewExternalCallError 外部服务调用失败
func NewExternalCallError(message string, originalError error) *AppError {
	return NewAppError(ErrorTypeExternalCallFailed, message, originalError)
}

// NewTimeoutError 创建超时错误
func NewTimeoutError(message string, originalError error) *AppError {
	return NewAppError(ErrorTypeTimeout, message, originalError)
}

// NewBuildFailedError 媒体构建失败
func NewBuildFailedError(message string, originalError error) *AppError {
	return NewAppError(ErrorTypeBuildFailed, message, originalError)
}

// NewConflictError 创建冲突错误
func NewConflictError(message string, originalError error) *AppError {
	return NewAppError(ErrorTypeConflict, message, originalError)
}

// TypeOf 返回错误链中第一个 AppError 的类型，没有则返回空
func TypeOf(err error) ErrorType {
	var appError *AppError
	if errors.As(err, &appError) {
		return appError.Type
	}
	return ""
}

func isType(err error, t ErrorType) bool {
	return TypeOf(err) == t
}

// IsConfigMissingError 检查是否为配置缺失错误
func IsConfigMissingError(err error) bool { return isType(err, ErrorTypeConfigMissing) }

// IsNotFoundError 检查是否为未找到错误
func IsNotFoundError(err error) bool { return isType(err, ErrorTypeNotFound) }

// IsInvalidInputError 检查是否为输入错误
func IsInvalidInputError(err error) bool { return isType(err, ErrorTypeInvalidInput) }

// IsExternalCallError 检查是否为外部调用错误
func IsExternalCallError(err error) bool { return isType(err, ErrorTypeExternalCallFailed) }

// IsTimeoutError 检查是否为超时错误
func IsTimeoutError(err error) bool { return isType(err, ErrorTypeTimeout) }

// IsBuildFailedError 检查是否为构建失败
func IsBuildFailedError(err error) bool { return isType(err, ErrorTypeBuildFailed) }

// IsConflictError 检查是否为冲突错误
func IsConflictError(err error) bool { return isType(err, ErrorTypeConflict) }

// generateErrorCode 根据错误类型生成错误代码
func generateErrorCode(errType ErrorType) string {
	switch errType {
	case ErrorTypeConfigMissing:
		return "CONFIG_MISSING"
	case ErrorTypeNotFound:
		return "NOT_FOUND"
	case ErrorTypeInvalidInput:
		return "INVALID_INPUT"
	case ErrorTypeExternalCallFailed:
		return "EXTERNAL_CALL_FAILED"
	case ErrorTypeTimeout:
		return "TIMEOUT"
	case ErrorTypeBuildFailed:
		return "BUILD_FAILED"
	case ErrorTypeConflict:
		return "CONFLICT"
	default:
		return "UNKNOWN_ERROR"
	}
}

// WrapError 包装现有错误
func WrapError(err error, message string, errType ErrorType) error {
	if err == nil {
		return nil
	}

	var appError *AppError
	if errors.As(err, &appError) {
		// 已经是 AppError 时保留原类型
		return &AppError{
			Type:    appError.Type,
			Message: message,
			Err:     err,
			Code:    appError.Code,
		}
	}

	return NewAppError(errType, message, err)
}

// FromContext 把上下文超时转换为 Timeout，其余情况按 fallback 类型包装
func FromContext(ctx context.Context, err error, message string, fallback ErrorType) error {
	if err == nil {
		return nil
	}
	var netErr interface{ Timeout() bool }
	if errors.Is(err, context.DeadlineExceeded) ||
		(ctx != nil && errors.Is(ctx.Err(), context.DeadlineExceeded)) ||
		(errors.As(err, &netErr) && netErr.Timeout()) {
		return NewTimeoutError(message, err)
	}
	return WrapError(err, message, fallback)
}
