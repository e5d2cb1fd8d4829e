package ratelimiter

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

// Limiter 限流器
type Limiter struct {
	config        *Config
	store         Store
	logger        *zap.Logger
	meterProvider metric.MeterProvider
	metrics       *metrics
	now           func() time.Time
	whitelistIPs  map[string]bool
}

// Option 限流器选项
type Option func(*Limiter)

// WithLogger 设置日志
func WithLogger(logger *zap.Logger) Option {
	return func(l *Limiter) {
		l.logger = logger
	}
}

// WithClock 设置时钟（测试用）
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) {
		l.now = now
	}
}

// WithMeterProvider 设置指标提供者，默认使用otel全局提供者
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(l *Limiter) {
		l.meterProvider = mp
	}
}

// NewFromFile 从配置文件创建限流器
func NewFromFile(configFile string, store Store, opts ...Option) (*Limiter, error) {
	// 获取配置文件路径
	configPath, err := GetConfigPath(configFile)
	if err != nil {
		return nil, err
	}

	// 加载配置
	config, err := LoadConfig(configPath)
	if err != nil {
		return nil, err
	}

	return NewFromConfig(config, store, opts...)
}

// NewFromConfig 从配置对象创建限流器，store为nil时始终降级放行
func NewFromConfig(config *Config, store Store, opts ...Option) (*Limiter, error) {
	if err := validateConfig(config); err != nil {
		return nil, err
	}

	limiter := &Limiter{
		config:        config,
		store:         store,
		logger:        zap.NewNop(),
		meterProvider: otel.GetMeterProvider(),
		now:           time.Now,
		whitelistIPs:  make(map[string]bool),
	}
	for _, opt := range opts {
		opt(limiter)
	}

	m, err := newMetrics(limiter.meterProvider)
	if err != nil {
		return nil, err
	}
	limiter.metrics = m

	// 加载白名单
	for _, ip := range config.Whitelist.IPs {
		limiter.whitelistIPs[ip] = true
	}

	if store == nil {
		limiter.logger.Warn("未配置限流后端，所有请求将降级放行")
	}

	return limiter, nil
}

// Check 检查请求是否允许通过
// 只有令牌不足时返回 *ExceededError，后端故障一律降级放行
func (l *Limiter) Check(req Request) (*Result, error) {
	if !l.config.Enabled || l.isExcluded(req.Path) {
		l.metrics.decision(outcomeBypassed)
		return &Result{Allowed: true, Bypassed: true}, nil
	}

	client := ResolveClient(req)
	if l.whitelistIPs[client] {
		l.metrics.decision(outcomeBypassed)
		return &Result{Allowed: true, Bypassed: true}, nil
	}

	key := l.BuildKey(client)

	if l.store == nil || !l.store.EnsureReady() {
		l.logger.Warn("限流后端不可用，降级放行",
			zap.String("key", key),
			zap.String("path", req.Path))
		return l.failOpen(), nil
	}

	result, ok := l.evaluate(key)
	if !ok {
		return l.failOpen(), nil
	}

	if !result.Allowed {
		l.metrics.decision(outcomeDenied)
		return result, &ExceededError{Limit: result.Limit, ResetSeconds: result.Reset}
	}

	l.metrics.decision(outcomeAdmitted)
	return result, nil
}

// Intercept 限流后调用下游，并在下游响应上写入限流响应头
func (l *Limiter) Intercept(req Request, next Handler) (Response, error) {
	result, err := l.Check(req)
	if err != nil {
		return nil, err
	}

	resp, err := next()
	if resp != nil && !result.Bypassed {
		SetHeaders(resp.Header(), result)
	}
	return resp, err
}

// attempt 单次判定的重试状态
type attempt int

const (
	attemptFirst attempt = iota
	attemptRetryAfterReload
	attemptFailOpen
)

// evaluate 执行脚本，脚本失效时重新注册并重试一次
func (l *Limiter) evaluate(key string) (*Result, bool) {
	now := float64(l.now().UnixNano()) / float64(time.Second)

	state := attemptFirst
	for state != attemptFailOpen {
		result, err := l.store.Take(key, l.config.Capacity, l.config.RefillRate(), now, 1)
		if err == nil {
			return result, true
		}
		state = l.onError(state, key, err)
	}
	return nil, false
}

// onError 根据错误类型决定下一步
func (l *Limiter) onError(state attempt, key string, err error) attempt {
	kind := KindOf(err)

	switch kind {
	case ErrorKindStaleScript:
		if state != attemptFirst {
			l.logger.Warn("重新注册后脚本仍然失效，降级放行", zap.String("key", key), zap.Error(err))
			return attemptFailOpen
		}
		l.metrics.reload()
		if rerr := l.store.ReloadScript(); rerr != nil {
			l.logger.Warn("重新注册脚本失败，降级放行", zap.String("key", key), zap.Error(rerr))
			return attemptFailOpen
		}
		l.logger.Info("限流脚本已重新注册", zap.String("key", key))
		return attemptRetryAfterReload

	case ErrorKindConnect, ErrorKindTimeout, ErrorKindProtocol:
		l.logger.Warn("限流判定失败，降级放行",
			zap.String("key", key),
			zap.Stringer("kind", kind),
			zap.Error(err))
		return attemptFailOpen
	}

	l.logger.Warn("未知的限流后端错误，降级放行", zap.String("key", key), zap.Error(err))
	return attemptFailOpen
}

// failOpen 降级放行结果（满容量）
func (l *Limiter) failOpen() *Result {
	l.metrics.decision(outcomeFailOpen)
	return &Result{
		Allowed:   true,
		Limit:     l.config.Capacity,
		Remaining: l.config.Capacity,
		Reset:     0,
		FailOpen:  true,
	}
}

// isExcluded 检查路径是否匹配排除前缀
func (l *Limiter) isExcluded(path string) bool {
	for _, prefix := range l.config.ExcludedPaths {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

// BuildKey 构建限流key
func (l *Limiter) BuildKey(client string) string {
	return l.config.KeyPrefix + ":" + client
}

// IsEnabled 检查限流是否启用
func (l *Limiter) IsEnabled() bool {
	return l.config.Enabled
}

// GetConfig 获取配置
func (l *Limiter) GetConfig() *Config {
	return l.config
}

// ResolveClient 识别客户端：连接地址 > X-Forwarded-For第一项 > unknown
func ResolveClient(req Request) string {
	if host := strings.TrimSpace(req.ClientHost); host != "" {
		return host
	}
	if req.ForwardedFor != "" {
		first, _, _ := strings.Cut(req.ForwardedFor, ",")
		if first = strings.TrimSpace(first); first != "" {
			return first
		}
	}
	return UnknownClient
}

// SetHeaders 写入限流响应头
func SetHeaders(h http.Header, result *Result) {
	h.Set(HeaderLimit, strconv.FormatInt(result.Limit, 10))
	h.Set(HeaderRemaining, strconv.FormatInt(result.Remaining, 10))
	h.Set(HeaderReset, strconv.FormatInt(result.Reset, 10))
}
