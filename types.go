package ratelimiter

import "net/http"

// 限流响应头
const (
	HeaderLimit     = "X-RateLimit-Limit"
	HeaderRemaining = "X-RateLimit-Remaining"
	HeaderReset     = "X-RateLimit-Reset"
	HeaderForwarded = "X-Forwarded-For"
)

// DefaultKeyPrefix 默认限流key前缀
const DefaultKeyPrefix = "ratelimit:token_bucket"

// UnknownClient 无法识别客户端时使用的标识
const UnknownClient = "unknown"

// Result 限流检查结果
type Result struct {
	// Allowed 是否允许通过
	Allowed bool
	// Limit 桶容量
	Limit int64
	// Remaining 剩余令牌
	Remaining int64
	// Reset 建议等待时间（秒）
	Reset int64
	// FailOpen 后端不可用时降级放行
	FailOpen bool
	// Bypassed 未经过限流（排除路径、白名单或未启用）
	Bypassed bool
}

// Request 请求描述
type Request struct {
	Method string
	Path   string
	// ClientHost 连接对端地址（不含端口）
	ClientHost string
	// ForwardedFor X-Forwarded-For 头原始值
	ForwardedFor string
}

// Response 下游处理结果，限流器在其上写入响应头
type Response interface {
	Header() http.Header
}

// Handler 下游处理函数
type Handler func() (Response, error)

// Store 令牌桶后端接口
type Store interface {
	// EnsureReady 确保连接可用且脚本已注册，失败返回false
	EnsureReady() bool
	// Take 以原子方式执行一次令牌桶判定
	Take(key string, capacity int64, rate, now float64, cost int64) (*Result, error)
	// ReloadScript 重新注册脚本
	ReloadScript() error
}
