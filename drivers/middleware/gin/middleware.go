package gin

import (
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"

	ratelimiter "github.com/Fischlvor/crm-ratelimiter"
	"github.com/gin-gonic/gin"
)

// Limiter 限流器接口
type Limiter interface {
	Check(req ratelimiter.Request) (*ratelimiter.Result, error)
}

// Middleware Gin限流中间件
type Middleware struct {
	Limiter       Limiter
	OnExceeded    func(*gin.Context, *ratelimiter.ExceededError)
	RequestGetter func(*gin.Context) ratelimiter.Request
}

// NewMiddleware 创建Gin中间件
func NewMiddleware(limiter Limiter, options ...Option) gin.HandlerFunc {
	m := &Middleware{
		Limiter:       limiter,
		OnExceeded:    DefaultExceededHandler,
		RequestGetter: DefaultRequestGetter,
	}

	for _, opt := range options {
		opt(m)
	}

	return func(c *gin.Context) {
		m.Handle(c)
	}
}

// Handle 处理请求
func (m *Middleware) Handle(c *gin.Context) {
	result, err := m.Limiter.Check(m.RequestGetter(c))
	if err != nil {
		var exceeded *ratelimiter.ExceededError
		if errors.As(err, &exceeded) {
			m.OnExceeded(c, exceeded)
			return
		}
		// Check只会返回限流错误，其他错误同样放行
		c.Next()
		return
	}

	// 响应头需要在下游写入body之前设置
	if !result.Bypassed {
		ratelimiter.SetHeaders(c.Writer.Header(), result)
	}

	c.Next()
}

// Option 中间件选项
type Option func(*Middleware)

// WithExceededHandler 自定义限流超出处理
func WithExceededHandler(handler func(*gin.Context, *ratelimiter.ExceededError)) Option {
	return func(m *Middleware) {
		m.OnExceeded = handler
	}
}

// WithRequestGetter 自定义请求描述获取
func WithRequestGetter(getter func(*gin.Context) ratelimiter.Request) Option {
	return func(m *Middleware) {
		m.RequestGetter = getter
	}
}

// DefaultExceededHandler 默认限流超出处理
func DefaultExceededHandler(c *gin.Context, err *ratelimiter.ExceededError) {
	c.Header("Retry-After", strconv.FormatInt(err.ResetSeconds, 10))
	c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
		"error":       "请求过于频繁",
		"limit":       err.Limit,
		"retry_after": err.ResetSeconds,
	})
}

// DefaultRequestGetter 默认请求描述获取，客户端地址取连接对端
func DefaultRequestGetter(c *gin.Context) ratelimiter.Request {
	return ratelimiter.Request{
		Method:       c.Request.Method,
		Path:         c.Request.URL.Path,
		ClientHost:   remoteHost(c.Request.RemoteAddr),
		ForwardedFor: c.GetHeader(ratelimiter.HeaderForwarded),
	}
}

// remoteHost 去掉RemoteAddr中的端口
func remoteHost(addr string) string {
	addr = strings.TrimSpace(addr)
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}
