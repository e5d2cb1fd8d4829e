package algorithm

import (
	"fmt"
	"math"
)

// TokenBucketScript 令牌桶Lua脚本，读取、补充、判定、写回、续期在Redis内一次完成
//
// KEYS[1]: 桶key
// ARGV[1]: 容量
// ARGV[2]: 补充速率（令牌/秒）
// ARGV[3]: 调用方当前时间（Unix秒，含小数）
// ARGV[4]: 本次消耗
// ARGV[5]: TTL上限（秒）
//
// 返回 {allowed(0/1), floor(tokens), reset_seconds}
const TokenBucketScript = `
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local rate = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local cost = tonumber(ARGV[4])
local max_ttl = tonumber(ARGV[5])

local function capped_ceil(x)
	local v = math.ceil(x)
	if v ~= v or v > max_ttl then
		return max_ttl
	end
	return v
end

-- 非hash类型的旧值直接删除，按不存在处理
local kind = redis.call('TYPE', key)
if type(kind) == 'table' then
	kind = kind.ok
end
if kind ~= 'hash' and kind ~= 'none' then
	redis.call('DEL', key)
end

-- 无法解析的状态按不存在处理（满桶）
local state = redis.call('HMGET', key, 'tokens', 'last_refill')
local tokens = tonumber(state[1])
local last_refill = tonumber(state[2])
if tokens == nil or last_refill == nil or tokens ~= tokens or last_refill ~= last_refill then
	tokens = capacity
	last_refill = now
end

-- 时钟回拨时不补充
local elapsed = math.max(0, now - last_refill)
tokens = math.min(capacity, tokens + elapsed * rate)
if tokens < 0 then
	tokens = 0
end

local allowed = 0
local reset = 0
if tokens >= cost then
	allowed = 1
	tokens = tokens - cost
	if tokens < capacity then
		reset = capped_ceil(1 / rate)
	end
else
	reset = capped_ceil((cost - tokens) / rate)
end

local ttl = capped_ceil(capacity / rate)
if ttl <= max_ttl - 60 then
	ttl = ttl + 60
else
	ttl = max_ttl
end

-- 拒绝时也写回补充后的令牌，进度不丢失
redis.call('HSET', key, 'tokens', tokens, 'last_refill', ARGV[3])
redis.call('EXPIRE', key, ttl)

return {allowed, math.floor(tokens), reset}
`

// ScriptArgs 构造脚本参数（顺序与ARGV一致）
func ScriptArgs(capacity int64, rate, now float64, cost int64) []interface{} {
	return []interface{}{capacity, rate, now, cost, MaxBucketTTL}
}

// Take 令牌桶判定的Go实现，与TokenBucketScript逐步一致
// bucket为nil表示记录不存在，返回判定结果和需要写回的新状态
func Take(bucket *Bucket, capacity int64, rate, now float64, cost int64) (*Context, Bucket) {
	limit := float64(capacity)

	tokens, lastRefill := limit, now
	if bucket != nil && !math.IsNaN(bucket.Tokens) && !math.IsNaN(bucket.LastRefill) {
		tokens, lastRefill = bucket.Tokens, bucket.LastRefill
	}

	elapsed := math.Max(0, now-lastRefill)
	tokens = math.Min(limit, tokens+elapsed*rate)
	if tokens < 0 {
		tokens = 0
	}

	ctx := &Context{Limit: capacity}
	if tokens >= float64(cost) {
		ctx.Allowed = true
		tokens -= float64(cost)
		if tokens < limit {
			ctx.Reset = cappedCeil(1 / rate)
		}
	} else {
		ctx.Reset = cappedCeil((float64(cost) - tokens) / rate)
	}
	ctx.Remaining = int64(math.Floor(tokens))

	return ctx, Bucket{Tokens: tokens, LastRefill: now}
}

// ParseResult 解析脚本返回值
func ParseResult(raw interface{}, capacity int64) (*Context, error) {
	values, ok := raw.([]interface{})
	if !ok || len(values) != 3 {
		return nil, fmt.Errorf("Lua脚本返回格式错误: %v", raw)
	}

	nums := make([]int64, len(values))
	for i, v := range values {
		n, ok := v.(int64)
		if !ok {
			return nil, fmt.Errorf("Lua脚本返回值[%d]类型错误: %T", i, v)
		}
		nums[i] = n
	}

	remaining := nums[1]
	if remaining < 0 {
		remaining = 0
	}
	if remaining > capacity {
		remaining = capacity
	}

	return &Context{
		Allowed:   nums[0] == 1,
		Limit:     capacity,
		Remaining: remaining,
		Reset:     nums[2],
	}, nil
}

// cappedCeil 向上取整并限制在MaxBucketTTL以内
func cappedCeil(x float64) int64 {
	v := math.Ceil(x)
	if math.IsNaN(v) || v > MaxBucketTTL {
		return MaxBucketTTL
	}
	return int64(v)
}

// bucketTTLSeconds ceil(capacity/rate)+60，不超过MaxBucketTTL
func bucketTTLSeconds(capacity int64, rate float64) int64 {
	ttl := cappedCeil(float64(capacity) / rate)
	if ttl <= MaxBucketTTL-60 {
		return ttl + 60
	}
	return MaxBucketTTL
}
