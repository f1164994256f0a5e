// Copyright 2025 IdeaVault
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package server

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"

	"ideavault/backend/shared/logger"
)

// RateLimiter enforces a fixed window per user. With Redis configured
// the window is shared across instances; without it each instance
// counts on its own.
type RateLimiter struct {
	limit  int
	window time.Duration
	rdb    *redis.Client
	log    *logger.Logger

	mu      sync.Mutex
	windows map[string]*windowCount
	now     func() time.Time
}

type windowCount struct {
	count   int
	resetAt time.Time
}

// NewRateLimiter builds a limiter. redisURL may be empty; a broken
// Redis connection degrades to in-memory counting rather than failing
// startup.
func NewRateLimiter(redisURL string, limit int, window time.Duration, log *logger.Logger) *RateLimiter {
	rl := &RateLimiter{
		limit:   limit,
		window:  window,
		log:     log,
		windows: make(map[string]*windowCount),
		now:     time.Now,
	}
	if redisURL == "" {
		return rl
	}

	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		log.Warn("", "", "invalid REDIS_URL, rate limiting is per-instance", map[string]interface{}{"error": err.Error()})
		return rl
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		log.Warn("", "", "redis unreachable, rate limiting is per-instance", map[string]interface{}{"error": err.Error()})
		return rl
	}

	rl.rdb = client
	return rl
}

// Allow reports whether userID may make another request in the current
// window. Redis errors fail open so a cache outage never blocks the
// product.
func (rl *RateLimiter) Allow(ctx context.Context, userID string) bool {
	if rl.rdb == nil {
		return rl.allowMemory(userID)
	}

	key := fmt.Sprintf("ratelimit:query:%s", userID)

	count, err := rl.rdb.Incr(ctx, key).Result()
	if err != nil {
		rl.log.Warn(userID, "", "rate limit check failed, failing open", map[string]interface{}{"error": err.Error()})
		return true
	}
	// The TTL starts the window on the first hit only. Re-arming it on
	// every request would let a steady stream extend the window forever.
	if count == 1 {
		if err := rl.rdb.Expire(ctx, key, rl.window).Err(); err != nil {
			rl.log.Warn(userID, "", "failed to arm rate limit window", map[string]interface{}{"error": err.Error()})
		}
	}

	return count <= int64(rl.limit)
}

func (rl *RateLimiter) allowMemory(userID string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	w := rl.windows[userID]
	if w == nil || now.After(w.resetAt) {
		rl.windows[userID] = &windowCount{count: 1, resetAt: now.Add(rl.window)}
		return true
	}
	w.count++
	return w.count <= rl.limit
}

// Close releases the Redis connection. Safe without Redis.
func (rl *RateLimiter) Close() error {
	if rl.rdb != nil {
		return rl.rdb.Close()
	}
	return nil
}
