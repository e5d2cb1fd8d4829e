package redis

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	ratelimiter "github.com/Fischlvor/crm-ratelimiter"
	"github.com/Fischlvor/crm-ratelimiter/drivers/algorithm"
	libredis "github.com/go-redis/redis"
	"go.uber.org/zap"
)

// Store Redis令牌桶存储
// 持有连接和脚本句柄，启动时创建一次后注入限流器
type Store struct {
	client   *libredis.Client
	prefix   string
	scripts  *scriptRegistry
	logger   *zap.Logger
	disabled error
}

// Option 存储选项
type Option func(*Store)

// WithLogger 设置日志
func WithLogger(logger *zap.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// NewStore 使用已有客户端创建存储
func NewStore(client *libredis.Client, prefix string, opts ...Option) *Store {
	s := newStore(prefix, opts)
	s.client = client
	return s
}

// NewStoreFromConfig 根据配置创建存储，不会立即建立连接
// 连接串缺失或无效时返回的存储始终不可用，限流器将一直降级放行
func NewStoreFromConfig(cfg ratelimiter.RedisConfig, opts ...Option) *Store {
	s := newStore(cfg.Namespace, opts)

	if strings.TrimSpace(cfg.URL) == "" {
		s.disabled = fmt.Errorf("%w: 未配置redis连接串", ratelimiter.ErrBackendUnavailable)
		s.logger.Error("Redis连接串缺失，限流将持续降级放行")
		return s
	}

	options, err := libredis.ParseURL(cfg.URL)
	if err != nil {
		s.disabled = fmt.Errorf("%w: %v", ratelimiter.ErrBackendUnavailable, err)
		s.logger.Error("Redis连接串无效，限流将持续降级放行", zap.Error(err))
		return s
	}

	if cfg.DialTimeout > 0 {
		options.DialTimeout = cfg.DialTimeout
	}
	if cfg.ReadTimeout > 0 {
		options.ReadTimeout = cfg.ReadTimeout
	}
	if cfg.WriteTimeout > 0 {
		options.WriteTimeout = cfg.WriteTimeout
	}
	if cfg.PoolSize > 0 {
		options.PoolSize = cfg.PoolSize
	}

	s.client = libredis.NewClient(options)
	return s
}

func newStore(prefix string, opts []Option) *Store {
	s := &Store{
		prefix:  prefix,
		scripts: newScriptRegistry(algorithm.TokenBucketScript),
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// key 添加前缀
func (s *Store) key(k string) string {
	if s.prefix == "" {
		return k
	}
	return s.prefix + ":" + k
}

// EnsureReady 确保连接可用且脚本已注册
// 已有脚本句柄时直接返回；否则探活并注册脚本，失败时清空句柄
func (s *Store) EnsureReady() bool {
	if s.client == nil {
		return false
	}
	if s.scripts.Handle() != "" {
		return true
	}

	if err := s.client.Ping().Err(); err != nil {
		s.scripts.Invalidate()
		s.logger.Warn("Redis连接失败", zap.Stringer("kind", classify(err)), zap.Error(err))
		return false
	}

	sha, err := s.scripts.Load(s.client)
	if err != nil {
		s.logger.Warn("注册限流脚本失败", zap.Stringer("kind", classify(err)), zap.Error(err))
		return false
	}

	s.logger.Info("限流脚本已注册", zap.String("sha", sha))
	return true
}

// ReloadScript 重新注册脚本
func (s *Store) ReloadScript() error {
	if s.client == nil {
		return s.unavailable("script load")
	}
	if _, err := s.scripts.Load(s.client); err != nil {
		return &ratelimiter.BackendError{Kind: classify(err), Op: "script load", Err: err}
	}
	return nil
}

// Take 通过EVALSHA执行令牌桶脚本
func (s *Store) Take(key string, capacity int64, rate, now float64, cost int64) (*ratelimiter.Result, error) {
	if s.client == nil {
		return nil, s.unavailable("evalsha")
	}

	sha := s.scripts.Handle()
	if sha == "" {
		return nil, &ratelimiter.BackendError{Kind: ratelimiter.ErrorKindStaleScript, Op: "evalsha", Err: errNoHandle}
	}

	raw, err := s.client.EvalSha(sha, []string{s.key(key)}, algorithm.ScriptArgs(capacity, rate, now, cost)...).Result()
	if err != nil {
		return nil, &ratelimiter.BackendError{Kind: classify(err), Op: "evalsha", Err: err}
	}

	ctx, err := algorithm.ParseResult(raw, capacity)
	if err != nil {
		return nil, &ratelimiter.BackendError{Kind: ratelimiter.ErrorKindProtocol, Op: "evalsha", Err: err}
	}

	return &ratelimiter.Result{
		Allowed:   ctx.Allowed,
		Limit:     ctx.Limit,
		Remaining: ctx.Remaining,
		Reset:     ctx.Reset,
	}, nil
}

// Inspect 读取桶状态和剩余过期时间，key不存在时返回nil
func (s *Store) Inspect(key string) (*algorithm.Bucket, time.Duration, error) {
	if s.client == nil {
		return nil, 0, s.unavailable("hgetall")
	}

	fields, err := s.client.HGetAll(s.key(key)).Result()
	if err != nil {
		return nil, 0, err
	}
	if len(fields) == 0 {
		return nil, 0, nil
	}

	tokens, err := strconv.ParseFloat(fields["tokens"], 64)
	if err != nil {
		return nil, 0, fmt.Errorf("解析tokens失败: %w", err)
	}
	lastRefill, err := strconv.ParseFloat(fields["last_refill"], 64)
	if err != nil {
		return nil, 0, fmt.Errorf("解析last_refill失败: %w", err)
	}

	ttl, err := s.client.TTL(s.key(key)).Result()
	if err != nil {
		return nil, 0, err
	}

	return &algorithm.Bucket{Tokens: tokens, LastRefill: lastRefill}, ttl, nil
}

// Reset 删除桶记录
func (s *Store) Reset(key string) error {
	if s.client == nil {
		return s.unavailable("del")
	}
	return s.client.Del(s.key(key)).Err()
}

// Close 关闭连接
func (s *Store) Close() error {
	if s.client == nil {
		return nil
	}
	return s.client.Close()
}

func (s *Store) unavailable(op string) error {
	return &ratelimiter.BackendError{Kind: ratelimiter.ErrorKindConnect, Op: op, Err: s.disabled}
}
