package memory

import (
	"errors"
	"sync"

	ratelimiter "github.com/Fischlvor/crm-ratelimiter"
	"github.com/Fischlvor/crm-ratelimiter/drivers/algorithm"
)

var errClosed = errors.New("store is closed")

// Store 进程内令牌桶存储，仅适用于单实例部署
// 与Redis脚本使用同一套计算，互斥锁保证单key原子性
type Store struct {
	mu      sync.Mutex
	buckets map[string]*entry
	closed  bool
}

type entry struct {
	bucket   algorithm.Bucket
	expireAt float64
}

// NewStore 创建内存存储
func NewStore() *Store {
	return &Store{buckets: make(map[string]*entry)}
}

// EnsureReady 内存存储关闭前始终可用
func (s *Store) EnsureReady() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.closed
}

// ReloadScript 内存存储没有脚本
func (s *Store) ReloadScript() error {
	return nil
}

// Take 执行一次令牌桶判定
func (s *Store) Take(key string, capacity int64, rate, now float64, cost int64) (*ratelimiter.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, &ratelimiter.BackendError{Kind: ratelimiter.ErrorKindConnect, Op: "take", Err: errClosed}
	}

	var current *algorithm.Bucket
	if e, ok := s.buckets[key]; ok && e.expireAt > now {
		current = &e.bucket
	}

	ctx, next := algorithm.Take(current, capacity, rate, now, cost)
	s.buckets[key] = &entry{
		bucket:   next,
		expireAt: now + algorithm.BucketTTL(capacity, rate).Seconds(),
	}

	return &ratelimiter.Result{
		Allowed:   ctx.Allowed,
		Limit:     ctx.Limit,
		Remaining: ctx.Remaining,
		Reset:     ctx.Reset,
	}, nil
}

// Inspect 读取桶状态，不存在或在now之前已过期时返回nil
func (s *Store) Inspect(key string, now float64) *algorithm.Bucket {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.buckets[key]
	if !ok || e.expireAt <= now {
		return nil
	}
	b := e.bucket
	return &b
}

// Reset 删除桶记录
func (s *Store) Reset(key string) {
	s.mu.Lock()
	delete(s.buckets, key)
	s.mu.Unlock()
}

// Cleanup 清理在now之前过期的记录，返回清理数量
func (s *Store) Cleanup(now float64) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for key, e := range s.buckets {
		if e.expireAt <= now {
			delete(s.buckets, key)
			removed++
		}
	}
	return removed
}

// Close 关闭存储
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	s.buckets = make(map[string]*entry)
	return nil
}
