package ratelimiter

import (
	"context"
	"errors"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/Fischlvor/crm-ratelimiter/drivers/algorithm"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

// MockStore 用于测试的模拟存储，判定逻辑与脚本一致
type MockStore struct {
	mu      sync.Mutex
	buckets map[string]algorithm.Bucket

	// notReady 为true时EnsureReady失败
	notReady bool
	// takeErrs 依次返回的Take错误
	takeErrs  []error
	reloadErr error

	ensures int
	takes   int
	reloads int
	keys    []string
}

func NewMockStore() *MockStore {
	return &MockStore{buckets: make(map[string]algorithm.Bucket)}
}

func (m *MockStore) EnsureReady() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ensures++
	return !m.notReady
}

func (m *MockStore) Take(key string, capacity int64, rate, now float64, cost int64) (*Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.takes++
	m.keys = append(m.keys, key)
	if len(m.takeErrs) > 0 {
		err := m.takeErrs[0]
		m.takeErrs = m.takeErrs[1:]
		return nil, err
	}

	var state *algorithm.Bucket
	if b, ok := m.buckets[key]; ok {
		state = &b
	}
	ctx, next := algorithm.Take(state, capacity, rate, now, cost)
	m.buckets[key] = next

	return &Result{
		Allowed:   ctx.Allowed,
		Limit:     ctx.Limit,
		Remaining: ctx.Remaining,
		Reset:     ctx.Reset,
	}, nil
}

func (m *MockStore) ReloadScript() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reloads++
	return m.reloadErr
}

func staleErr() error {
	return &BackendError{Kind: ErrorKindStaleScript, Op: "evalsha", Err: errors.New("NOSCRIPT No matching script")}
}

// testClock 可手动推进的时钟
type testClock struct {
	now time.Time
}

func (c *testClock) Now() time.Time { return c.now }

func (c *testClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestLimiter(t *testing.T, capacity int64, rate string, store Store, opts ...Option) (*Limiter, *testClock) {
	t.Helper()

	config := DefaultConfig()
	config.Capacity = capacity
	config.Rate = rate

	clock := &testClock{now: time.Unix(1700000000, 0)}
	opts = append([]Option{WithClock(clock.Now)}, opts...)

	limiter, err := NewFromConfig(config, store, opts...)
	if err != nil {
		t.Fatalf("NewFromConfig() error = %v", err)
	}
	return limiter, clock
}

func apiRequest(client string) Request {
	return Request{Method: "GET", Path: "/api/v1/articles", ClientHost: client}
}

func TestNewFromConfig(t *testing.T) {
	config := DefaultConfig()
	config.Whitelist.IPs = []string{"127.0.0.1"}

	limiter, err := NewFromConfig(config, NewMockStore())
	if err != nil {
		t.Fatalf("NewFromConfig() error = %v", err)
	}

	// 检查白名单
	if !limiter.whitelistIPs["127.0.0.1"] {
		t.Error("127.0.0.1 should be in whitelist")
	}
	if limiter.GetConfig().RefillRate() != 10 {
		t.Errorf("RefillRate() = %v, want 10", limiter.GetConfig().RefillRate())
	}
}

func TestNewFromConfig_Invalid(t *testing.T) {
	config := DefaultConfig()
	config.Capacity = 0

	_, err := NewFromConfig(config, NewMockStore())
	if !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("NewFromConfig() error = %v, want ErrInvalidConfig", err)
	}
}

// TestNewFromFile 测试从文件创建限流器
func TestNewFromFile(t *testing.T) {
	path := writeTempConfig(t, "capacity: 3\nrate: 1/s\n")

	limiter, err := NewFromFile(path, NewMockStore())
	if err != nil {
		t.Fatalf("从文件创建限流器失败: %v", err)
	}
	if limiter.GetConfig().Capacity != 3 {
		t.Errorf("期望容量 3，实际 %d", limiter.GetConfig().Capacity)
	}

	// 测试文件不存在
	_, err = NewFromFile("nonexistent.yaml", NewMockStore())
	if err == nil {
		t.Error("期望文件不存在错误")
	}

	// 测试无效配置
	_, err = NewFromFile(writeTempConfig(t, "capacity: -3\n"), NewMockStore())
	if !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("期望配置错误，实际 %v", err)
	}
}

// TestLimiter_BurstThenDeny 突发耗尽后拒绝，等待后恢复
func TestLimiter_BurstThenDeny(t *testing.T) {
	store := NewMockStore()
	limiter, clock := newTestLimiter(t, 5, "1/s", store)

	for i := 0; i < 5; i++ {
		result, err := limiter.Check(apiRequest("1.2.3.4"))
		if err != nil {
			t.Fatalf("请求 %d: Check() error = %v", i+1, err)
		}
		if !result.Allowed || result.Remaining != int64(4-i) || result.Limit != 5 {
			t.Errorf("请求 %d: result = %+v", i+1, result)
		}
	}

	result, err := limiter.Check(apiRequest("1.2.3.4"))
	if !errors.Is(err, ErrExceeded) {
		t.Fatalf("第6次请求应被限流, err = %v", err)
	}
	var exceeded *ExceededError
	if !errors.As(err, &exceeded) {
		t.Fatalf("error should be *ExceededError, got %T", err)
	}
	if exceeded.ResetSeconds != 1 || exceeded.Limit != 5 {
		t.Errorf("exceeded = %+v, want reset 1 limit 5", exceeded)
	}
	if result == nil || result.Allowed || result.Remaining != 0 {
		t.Errorf("result = %+v", result)
	}

	clock.Advance(time.Second)
	result, err = limiter.Check(apiRequest("1.2.3.4"))
	if err != nil {
		t.Fatalf("等待1秒后应允许, err = %v", err)
	}
	if result.Remaining != 0 {
		t.Errorf("Remaining = %d, want 0", result.Remaining)
	}

	if store.keys[0] != DefaultKeyPrefix+":1.2.3.4" {
		t.Errorf("key = %s", store.keys[0])
	}
}

// TestLimiter_ExcludedPathNeverLimited 排除路径不消耗令牌
func TestLimiter_ExcludedPathNeverLimited(t *testing.T) {
	store := NewMockStore()
	limiter, _ := newTestLimiter(t, 1, "0.001", store)

	if _, err := limiter.Check(apiRequest("1.2.3.4")); err != nil {
		t.Fatalf("第一次请求应允许, err = %v", err)
	}
	if _, err := limiter.Check(apiRequest("1.2.3.4")); !errors.Is(err, ErrExceeded) {
		t.Fatalf("第二次请求应被限流, err = %v", err)
	}

	for _, path := range []string{"/health", "/health/ready"} {
		result, err := limiter.Check(Request{Method: "GET", Path: path, ClientHost: "1.2.3.4"})
		if err != nil {
			t.Fatalf("%s Check() error = %v", path, err)
		}
		if !result.Allowed || !result.Bypassed {
			t.Errorf("%s result = %+v, want bypassed", path, result)
		}
	}

	if store.takes != 2 {
		t.Errorf("Take 调用次数 = %d, want 2", store.takes)
	}
}

// TestLimiter_ClientsAreIndependent 不同客户端互不影响
func TestLimiter_ClientsAreIndependent(t *testing.T) {
	limiter, _ := newTestLimiter(t, 1, "1/s", NewMockStore())

	if _, err := limiter.Check(apiRequest("10.0.0.1")); err != nil {
		t.Fatalf("A 第一次请求应允许, err = %v", err)
	}
	if _, err := limiter.Check(apiRequest("10.0.0.1")); !errors.Is(err, ErrExceeded) {
		t.Fatalf("A 第二次请求应被限流, err = %v", err)
	}

	result, err := limiter.Check(apiRequest("10.0.0.2"))
	if err != nil {
		t.Fatalf("B 请求应允许, err = %v", err)
	}
	if result.Remaining != 0 {
		t.Errorf("B Remaining = %d, want 0", result.Remaining)
	}
}

func TestLimiter_Check_Whitelist(t *testing.T) {
	store := NewMockStore()
	config := DefaultConfig()
	config.Capacity = 1
	config.Whitelist.IPs = []string{"192.168.1.1"}

	limiter, err := NewFromConfig(config, store)
	if err != nil {
		t.Fatalf("NewFromConfig() error = %v", err)
	}

	for i := 0; i < 3; i++ {
		result, err := limiter.Check(apiRequest("192.168.1.1"))
		if err != nil || !result.Bypassed {
			t.Errorf("白名单IP应该被放行, result = %+v, err = %v", result, err)
		}
	}

	// 通过X-Forwarded-For识别的白名单
	result, err := limiter.Check(Request{Path: "/api/v1/articles", ForwardedFor: "192.168.1.1, 10.0.0.1"})
	if err != nil || !result.Bypassed {
		t.Errorf("白名单IP应该被放行, result = %+v, err = %v", result, err)
	}

	if store.takes != 0 {
		t.Errorf("Take 调用次数 = %d, want 0", store.takes)
	}
}

func TestCheck_Disabled(t *testing.T) {
	store := NewMockStore()
	config := DefaultConfig()
	config.Enabled = false

	limiter, err := NewFromConfig(config, store)
	if err != nil {
		t.Fatalf("NewFromConfig() error = %v", err)
	}
	if limiter.IsEnabled() {
		t.Error("IsEnabled() should be false")
	}

	result, err := limiter.Check(apiRequest("1.2.3.4"))
	if err != nil || !result.Allowed || !result.Bypassed {
		t.Errorf("未启用时应直接放行, result = %+v, err = %v", result, err)
	}
	if store.ensures != 0 {
		t.Error("未启用时不应访问后端")
	}
}

// TestLimiter_ScriptReloadedOnce 脚本失效时重新注册并重试一次
func TestLimiter_ScriptReloadedOnce(t *testing.T) {
	store := NewMockStore()
	store.takeErrs = []error{staleErr()}
	limiter, _ := newTestLimiter(t, 5, "1/s", store)

	result, err := limiter.Check(apiRequest("1.2.3.4"))
	if err != nil {
		t.Fatalf("Check() error = %v", err)
	}
	if !result.Allowed || result.FailOpen || result.Remaining != 4 {
		t.Errorf("result = %+v, want real decision with remaining 4", result)
	}
	if store.reloads != 1 || store.takes != 2 {
		t.Errorf("reloads = %d, takes = %d, want 1 and 2", store.reloads, store.takes)
	}
}

func TestLimiter_FailOpen(t *testing.T) {
	tests := []struct {
		name        string
		takeErrs    []error
		reloadErr   error
		wantTakes   int
		wantReloads int
	}{
		{
			name:        "重试后脚本仍然失效",
			takeErrs:    []error{staleErr(), staleErr()},
			wantTakes:   2,
			wantReloads: 1,
		},
		{
			name:        "重新注册失败",
			takeErrs:    []error{staleErr()},
			reloadErr:   &BackendError{Kind: ErrorKindConnect, Op: "script load", Err: errors.New("connection refused")},
			wantTakes:   1,
			wantReloads: 1,
		},
		{
			name:      "连接失败",
			takeErrs:  []error{&BackendError{Kind: ErrorKindConnect, Op: "evalsha"}},
			wantTakes: 1,
		},
		{
			name:      "超时",
			takeErrs:  []error{&BackendError{Kind: ErrorKindTimeout, Op: "evalsha"}},
			wantTakes: 1,
		},
		{
			name:      "协议错误",
			takeErrs:  []error{&BackendError{Kind: ErrorKindProtocol, Op: "evalsha", Err: errors.New("ERR")}},
			wantTakes: 1,
		},
		{
			name:      "未分类错误",
			takeErrs:  []error{errors.New("boom")},
			wantTakes: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := NewMockStore()
			store.takeErrs = tt.takeErrs
			store.reloadErr = tt.reloadErr
			limiter, _ := newTestLimiter(t, 5, "1/s", store)

			result, err := limiter.Check(apiRequest("1.2.3.4"))
			if err != nil {
				t.Fatalf("降级放行不应返回错误, err = %v", err)
			}
			want := Result{Allowed: true, Limit: 5, Remaining: 5, Reset: 0, FailOpen: true}
			if *result != want {
				t.Errorf("result = %+v, want %+v", *result, want)
			}
			if store.takes != tt.wantTakes || store.reloads != tt.wantReloads {
				t.Errorf("takes = %d, reloads = %d, want %d and %d", store.takes, store.reloads, tt.wantTakes, tt.wantReloads)
			}
		})
	}
}

func TestLimiter_BackendNotReady(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)

	store := NewMockStore()
	store.notReady = true
	limiter, _ := newTestLimiter(t, 5, "1/s", store, WithLogger(zap.New(core)))

	for i := 0; i < 10; i++ {
		result, err := limiter.Check(apiRequest("1.2.3.4"))
		if err != nil || !result.FailOpen || result.Remaining != 5 {
			t.Fatalf("第 %d 次请求应降级放行, result = %+v, err = %v", i+1, result, err)
		}
	}

	if store.takes != 0 {
		t.Errorf("后端未就绪时不应执行脚本, takes = %d", store.takes)
	}
	if store.ensures != 10 {
		t.Errorf("每次请求都应尝试连接, ensures = %d", store.ensures)
	}
	if logs.FilterMessage("限流后端不可用，降级放行").Len() != 10 {
		t.Errorf("降级日志条数 = %d, want 10", logs.Len())
	}

	// 后端恢复后重新限流
	store.notReady = false
	result, err := limiter.Check(apiRequest("1.2.3.4"))
	if err != nil || result.FailOpen || result.Remaining != 4 {
		t.Errorf("恢复后应正常判定, result = %+v, err = %v", result, err)
	}
}

func TestLimiter_NilStore(t *testing.T) {
	limiter, _ := newTestLimiter(t, 7, "1/s", nil)

	result, err := limiter.Check(apiRequest("1.2.3.4"))
	if err != nil {
		t.Fatalf("Check() error = %v", err)
	}
	if !result.FailOpen || result.Limit != 7 || result.Remaining != 7 {
		t.Errorf("result = %+v", result)
	}
}

func TestLimiter_Intercept(t *testing.T) {
	t.Run("允许时写入响应头", func(t *testing.T) {
		limiter, _ := newTestLimiter(t, 5, "1/s", NewMockStore())

		rec := httptest.NewRecorder()
		resp, err := limiter.Intercept(apiRequest("1.2.3.4"), func() (Response, error) {
			return rec, nil
		})
		if err != nil {
			t.Fatalf("Intercept() error = %v", err)
		}

		h := resp.Header()
		if h.Get(HeaderLimit) != "5" || h.Get(HeaderRemaining) != "4" || h.Get(HeaderReset) != "1" {
			t.Errorf("headers = %v", h)
		}
	})

	t.Run("拒绝时不调用下游", func(t *testing.T) {
		limiter, _ := newTestLimiter(t, 1, "1/s", NewMockStore())
		calls := 0
		next := func() (Response, error) {
			calls++
			return httptest.NewRecorder(), nil
		}

		if _, err := limiter.Intercept(apiRequest("1.2.3.4"), next); err != nil {
			t.Fatalf("Intercept() error = %v", err)
		}
		resp, err := limiter.Intercept(apiRequest("1.2.3.4"), next)
		if !errors.Is(err, ErrExceeded) || resp != nil {
			t.Errorf("Intercept() = %v, %v, want nil and ErrExceeded", resp, err)
		}
		if calls != 1 {
			t.Errorf("下游调用次数 = %d, want 1", calls)
		}
	})

	t.Run("下游错误原样返回", func(t *testing.T) {
		limiter, _ := newTestLimiter(t, 5, "1/s", NewMockStore())
		downstream := errors.New("downstream failed")

		rec := httptest.NewRecorder()
		resp, err := limiter.Intercept(apiRequest("1.2.3.4"), func() (Response, error) {
			return rec, downstream
		})
		if !errors.Is(err, downstream) {
			t.Errorf("Intercept() error = %v", err)
		}
		if resp.Header().Get(HeaderLimit) != "5" {
			t.Error("下游出错时仍应写入响应头")
		}
	})

	t.Run("排除路径不写响应头", func(t *testing.T) {
		limiter, _ := newTestLimiter(t, 5, "1/s", NewMockStore())

		resp, err := limiter.Intercept(Request{Path: "/health"}, func() (Response, error) {
			return httptest.NewRecorder(), nil
		})
		if err != nil {
			t.Fatalf("Intercept() error = %v", err)
		}
		if resp.Header().Get(HeaderLimit) != "" {
			t.Error("排除路径不应写入限流响应头")
		}
	})
}

func TestResolveClient(t *testing.T) {
	tests := []struct {
		name string
		req  Request
		want string
	}{
		{"连接地址优先", Request{ClientHost: "10.0.0.1", ForwardedFor: "1.1.1.1"}, "10.0.0.1"},
		{"取X-Forwarded-For第一项", Request{ForwardedFor: " 1.1.1.1 , 2.2.2.2"}, "1.1.1.1"},
		{"单个X-Forwarded-For", Request{ForwardedFor: "3.3.3.3"}, "3.3.3.3"},
		{"X-Forwarded-For第一项为空", Request{ForwardedFor: ", 2.2.2.2"}, UnknownClient},
		{"无法识别", Request{}, UnknownClient},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ResolveClient(tt.req); got != tt.want {
				t.Errorf("ResolveClient() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestBuildKey(t *testing.T) {
	limiter, _ := newTestLimiter(t, 5, "1/s", NewMockStore())
	if got := limiter.BuildKey("1.2.3.4"); got != "ratelimit:token_bucket:1.2.3.4" {
		t.Errorf("BuildKey() = %v", got)
	}

	config := DefaultConfig()
	config.KeyPrefix = "crm"
	custom, err := NewFromConfig(config, NewMockStore())
	if err != nil {
		t.Fatal(err)
	}
	if got := custom.BuildKey(UnknownClient); got != "crm:unknown" {
		t.Errorf("BuildKey() = %v", got)
	}
}

// decisionCount 读取指定结果的判定次数
func decisionCount(t *testing.T, reader *sdkmetric.ManualReader, outcome string) int64 {
	t.Helper()

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatal(err)
	}

	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != "ratelimit_decisions_total" {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				t.Fatalf("unexpected data type %T", m.Data)
			}
			for _, dp := range sum.DataPoints {
				if v, ok := dp.Attributes.Value("outcome"); ok && v.AsString() == outcome {
					total += dp.Value
				}
			}
		}
	}
	return total
}

func TestLimiter_Metrics(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))

	store := NewMockStore()
	limiter, _ := newTestLimiter(t, 2, "1/s", store, WithMeterProvider(mp))

	limiter.Check(apiRequest("1.2.3.4"))
	limiter.Check(apiRequest("1.2.3.4"))
	limiter.Check(apiRequest("1.2.3.4"))
	limiter.Check(Request{Path: "/health"})

	store.notReady = true
	limiter.Check(apiRequest("1.2.3.4"))

	tests := map[string]int64{
		outcomeAdmitted: 2,
		outcomeDenied:   1,
		outcomeBypassed: 1,
		outcomeFailOpen: 1,
	}
	for outcome, want := range tests {
		if got := decisionCount(t, reader, outcome); got != want {
			t.Errorf("%s = %d, want %d", outcome, got, want)
		}
	}
}

func BenchmarkLimiter_Check(b *testing.B) {
	config := DefaultConfig()
	config.Capacity = 1 << 40
	limiter, err := NewFromConfig(config, NewMockStore())
	if err != nil {
		b.Fatal(err)
	}

	req := apiRequest("1.2.3.4")
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		limiter.Check(req)
	}
}
