package algorithm

import "time"

// MaxBucketTTL 桶记录的最大过期时间（秒），保证极小速率下TTL仍然有限
const MaxBucketTTL = 1<<31 - 1

// Context 单次令牌桶计算结果（独立类型，不依赖核心包）
type Context struct {
	Allowed   bool  // 是否允许请求
	Limit     int64 // 桶容量
	Remaining int64 // 剩余令牌（向下取整）
	Reset     int64 // 建议等待时间（秒）
}

// Bucket 令牌桶状态记录
type Bucket struct {
	Tokens     float64 // 当前令牌数
	LastRefill float64 // 上次补充时间（Unix秒，含小数）
}

// BucketTTL 计算桶记录的过期时间: ceil(capacity/rate) + 60
func BucketTTL(capacity int64, rate float64) time.Duration {
	return time.Duration(bucketTTLSeconds(capacity, rate)) * time.Second
}
