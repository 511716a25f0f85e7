package store

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis carries the event fan-out bridge and the scan-audit queue. Both are
// best-effort, so timeouts stay short: a stalled Redis must never hold up a
// scan response.
type Redis struct {
	Client *redis.Client
}

// NewRedis connects with tight deadlines and a small warm pool.
func NewRedis(addr string) *Redis {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  500 * time.Millisecond,
		WriteTimeout: 500 * time.Millisecond,
		PoolSize:     16,
		MinIdleConns: 2,
	})
	return &Redis{Client: client}
}

// Healthy reports whether Redis answers a ping.
func (r *Redis) Healthy(ctx context.Context) bool {
	if r == nil || r.Client == nil {
		return false
	}
	return r.Client.Ping(ctx).Err() == nil
}
