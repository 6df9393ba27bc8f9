// Package errors 定义统一错误码
package errors

import (
	"fmt"
	"net/http"
)

// Code 错误码
type Code string

// 错误码定义
const (
	// 通用错误
	CodeOK             Code = "OK"
	CodeUnknown        Code = "UNKNOWN"
	CodeInvalidParam   Code = "INVALID_PARAM"
	CodeInvalidRequest Code = "INVALID_REQUEST"
	CodeNotFound       Code = "NOT_FOUND"
	CodeAlreadyExists  Code = "ALREADY_EXISTS"
	CodeInternal       Code = "INTERNAL"
	CodeUnavailable    Code = "UNAVAILABLE"
	CodeTimeout        Code = "TIMEOUT"

	// 借出流程
	CodeValidationFailed    Code = "VALIDATION_FAILED"
	CodeSessionNotFound     Code = "SESSION_NOT_FOUND"
	CodeStepNotFound        Code = "STEP_NOT_FOUND"
	CodeStateConflict       Code = "STATE_CONFLICT"
	CodeSessionCancelled    Code = "SESSION_CANCELLED"
	CodeStepExecutionFailed Code = "STEP_EXECUTION_FAILED"
	CodeRollbackFailed      Code = "ROLLBACK_FAILED"
	CodeIdempotencyConflict Code = "IDEMPOTENCY_CONFLICT"

	// 设备与学生
	CodeDeviceNotFound    Code = "DEVICE_NOT_FOUND"
	CodeDeviceUnavailable Code = "DEVICE_UNAVAILABLE"
	CodeStudentNotFound   Code = "STUDENT_NOT_FOUND"

	// 费用
	CodeFeeNotFound    Code = "FEE_NOT_FOUND"
	CodeFeeNotPayable  Code = "FEE_NOT_PAYABLE"
	CodePaymentFailure Code = "PAYMENT_FAILURE"

	// 外部服务
	CodeRenderFailure Code = "RENDER_FAILURE"
	CodeNotifyFailure Code = "NOTIFY_FAILURE"
)

// Error 业务错误
type Error struct {
	Code      Code   `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
	RequestID string `json:"requestId,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// New 创建错误
func New(code Code, message string) *Error {
	return &Error{
		Code:      code,
		Message:   message,
		Retryable: isRetryable(code),
	}
}

// Newf 创建格式化错误
func Newf(code Code, format string, args ...interface{}) *Error {
	return New(code, fmt.Sprintf(format, args...))
}

// WithRequestID 添加请求 ID
func (e *Error) WithRequestID(requestID string) *Error {
	e.RequestID = requestID
	return e
}

// HTTPStatus 返回对应的 HTTP 状态码
func (e *Error) HTTPStatus() int {
	return httpStatus(e.Code)
}

// isRetryable 判断是否可重试
//
// RollbackFailed is deliberately not retryable: partial rollback leaves
// entity state ambiguous and needs an operator.
func isRetryable(code Code) bool {
	switch code {
	case CodeTimeout, CodeUnavailable, CodeStepExecutionFailed,
		CodeRenderFailure, CodeNotifyFailure, CodePaymentFailure:
		return true
	default:
		return false
	}
}

// httpStatus 错误码对应的 HTTP 状态码
func httpStatus(code Code) int {
	switch code {
	case CodeOK:
		return http.StatusOK
	case CodeInvalidParam, CodeInvalidRequest, CodeValidationFailed:
		return http.StatusBadRequest
	case CodeNotFound, CodeSessionNotFound, CodeStepNotFound,
		CodeDeviceNotFound, CodeStudentNotFound, CodeFeeNotFound:
		return http.StatusNotFound
	case CodeAlreadyExists, CodeIdempotencyConflict, CodeStateConflict,
		CodeSessionCancelled, CodeDeviceUnavailable, CodeFeeNotPayable:
		return http.StatusConflict
	case CodeStepExecutionFailed, CodeRollbackFailed,
		CodeRenderFailure, CodeNotifyFailure, CodePaymentFailure:
		return http.StatusUnprocessableEntity
	case CodeInternal, CodeUnknown:
		return http.StatusInternalServerError
	case CodeUnavailable:
		return http.StatusServiceUnavailable
	case CodeTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// 预定义错误
var (
	ErrInvalidParam      = New(CodeInvalidParam, "invalid parameter")
	ErrNotFound          = New(CodeNotFound, "not found")
	ErrSessionNotFound   = New(CodeSessionNotFound, "checkout session not found")
	ErrStepNotFound      = New(CodeStepNotFound, "step not found")
	ErrStateConflict     = New(CodeStateConflict, "operation conflicts with current state")
	ErrDeviceNotFound    = New(CodeDeviceNotFound, "device not found")
	ErrDeviceUnavailable = New(CodeDeviceUnavailable, "device is not available for checkout")
	ErrStudentNotFound   = New(CodeStudentNotFound, "student not found")
	ErrRollbackFailed    = New(CodeRollbackFailed, "rollback failed, manual intervention required")
)
