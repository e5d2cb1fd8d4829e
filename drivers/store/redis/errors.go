package redis

import (
	"errors"
	"io"
	"net"
	"strings"
	"syscall"

	ratelimiter "github.com/Fischlvor/crm-ratelimiter"
)

// classify 将go-redis返回的错误归类
func classify(err error) ratelimiter.ErrorKind {
	switch {
	case strings.HasPrefix(err.Error(), "NOSCRIPT"):
		return ratelimiter.ErrorKindStaleScript
	case isTimeout(err):
		return ratelimiter.ErrorKindTimeout
	case isConnError(err):
		return ratelimiter.ErrorKindConnect
	default:
		return ratelimiter.ErrorKindProtocol
	}
}

func isTimeout(err error) bool {
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	// 连接池等待超时
	return strings.Contains(err.Error(), "pool timeout")
}

func isConnError(err error) bool {
	switch {
	case errors.Is(err, io.EOF),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, syscall.ECONNREFUSED),
		errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.EPIPE):
		return true
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	return err.Error() == "redis: client is closed"
}
