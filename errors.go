package ratelimiter

import (
	"errors"
	"fmt"
)

var (
	// ErrExceeded 超过限流阈值
	ErrExceeded = errors.New("rate limit exceeded")

	// ErrInvalidConfig 配置无效
	ErrInvalidConfig = errors.New("invalid config")

	// ErrBackendUnavailable 后端未配置或不可用
	ErrBackendUnavailable = errors.New("rate limit backend unavailable")
)

// ExceededError 限流拒绝，携带建议等待时间
type ExceededError struct {
	Limit        int64
	ResetSeconds int64
}

func (e *ExceededError) Error() string {
	return fmt.Sprintf("rate limit exceeded, retry after %ds", e.ResetSeconds)
}

// Is 支持 errors.Is(err, ErrExceeded)
func (e *ExceededError) Is(target error) bool {
	return target == ErrExceeded
}

// ErrorKind 后端错误类型
type ErrorKind int

const (
	// ErrorKindProtocol 协议错误（Redis错误回复、返回格式不符）
	ErrorKindProtocol ErrorKind = iota
	// ErrorKindConnect 连接失败
	ErrorKindConnect
	// ErrorKindTimeout 超时
	ErrorKindTimeout
	// ErrorKindStaleScript 脚本句柄失效
	ErrorKindStaleScript
)

func (k ErrorKind) String() string {
	switch k {
	case ErrorKindConnect:
		return "connect"
	case ErrorKindTimeout:
		return "timeout"
	case ErrorKindStaleScript:
		return "stale_script"
	default:
		return "protocol"
	}
}

// BackendError 后端错误
type BackendError struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *BackendError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *BackendError) Unwrap() error {
	return e.Err
}

// KindOf 返回错误类型，未分类的错误视为协议错误
func KindOf(err error) ErrorKind {
	var be *BackendError
	if errors.As(err, &be) {
		return be.Kind
	}
	return ErrorKindProtocol
}
