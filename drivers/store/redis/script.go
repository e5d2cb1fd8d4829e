package redis

import (
	"errors"
	"sync"

	libredis "github.com/go-redis/redis"
)

var errNoHandle = errors.New("script handle not loaded")

// scriptRegistry 进程内缓存的脚本句柄（SHA1）
// 注册是幂等的，并发重复注册无副作用
type scriptRegistry struct {
	src string

	mu  sync.RWMutex
	sha string
}

func newScriptRegistry(src string) *scriptRegistry {
	return &scriptRegistry{src: src}
}

// Handle 返回当前句柄，未注册时为空
func (r *scriptRegistry) Handle() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sha
}

// Load 注册脚本并缓存句柄，失败时清空句柄
func (r *scriptRegistry) Load(client *libredis.Client) (string, error) {
	sha, err := client.ScriptLoad(r.src).Result()
	if err != nil {
		r.Invalidate()
		return "", err
	}

	r.mu.Lock()
	r.sha = sha
	r.mu.Unlock()
	return sha, nil
}

// Invalidate 清空句柄
func (r *scriptRegistry) Invalidate() {
	r.mu.Lock()
	r.sha = ""
	r.mu.Unlock()
}
