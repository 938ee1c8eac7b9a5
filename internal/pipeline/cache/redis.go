// Copyright 2026 Esteban Alvarez. All Rights Reserved.
//
// Created: August 2026
//
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

package cache

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// RedisStore implements Store on github.com/redis/go-redis/v9.
// Construct with NewRedisStore; the options mirror the rest of the platform
// (bounded pool, 5s socket timeouts) so a stalled Redis degrades the
// pipeline instead of wedging it.
type RedisStore struct {
	c *redis.Client
}

// NewRedisStore connects to addr ("host:port"). The connection is lazy; call
// Ping to verify reachability at startup.
func NewRedisStore(addr string) *RedisStore {
	return &RedisStore{c: redis.NewClient(&redis.Options{
		Addr:         addr,
		PoolSize:     20,
		MinIdleConns: 5,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	})}
}

// NewRedisStoreFromClient wraps an existing client. Used by tests and by
// binaries that share one client across subsystems.
func NewRedisStoreFromClient(c *redis.Client) *RedisStore {
	return &RedisStore{c: c}
}

func (r *RedisStore) Get(ctx context.Context, key string) (string, error) {
	v, err := r.c.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrMiss
	}
	if err != nil {
		return "", fmt.Errorf("redis get %s: %w", key, err)
	}
	return v, nil
}

func (r *RedisStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := r.c.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

func (r *RedisStore) Exists(ctx context.Context, key string) (bool, error) {
	n, err := r.c.Exists(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("redis exists %s: %w", key, err)
	}
	return n > 0, nil
}

func (r *RedisStore) Incr(ctx context.Context, key string) (int64, error) {
	n, err := r.c.Incr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("redis incr %s: %w", key, err)
	}
	return n, nil
}

func (r *RedisStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	if err := r.c.Expire(ctx, key, ttl).Err(); err != nil {
		return fmt.Errorf("redis expire %s: %w", key, err)
	}
	return nil
}

func (r *RedisStore) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	m, err := r.c.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("redis hgetall %s: %w", key, err)
	}
	return m, nil
}

func (r *RedisStore) HSet(ctx context.Context, key string, fields map[string]string) error {
	if len(fields) == 0 {
		return nil
	}
	if err := r.c.HSet(ctx, key, fields).Err(); err != nil {
		return fmt.Errorf("redis hset %s: %w", key, err)
	}
	return nil
}

func (r *RedisStore) ZAdd(ctx context.Context, key string, score float64, member string) error {
	if err := r.c.ZAdd(ctx, key, redis.Z{Score: score, Member: member}).Err(); err != nil {
		return fmt.Errorf("redis zadd %s: %w", key, err)
	}
	return nil
}

func (r *RedisStore) ZRemRangeByScore(ctx context.Context, key string, min, max float64) error {
	minArg := strconv.FormatFloat(min, 'f', -1, 64)
	maxArg := strconv.FormatFloat(max, 'f', -1, 64)
	if err := r.c.ZRemRangeByScore(ctx, key, minArg, maxArg).Err(); err != nil {
		return fmt.Errorf("redis zremrangebyscore %s: %w", key, err)
	}
	return nil
}

func (r *RedisStore) Ping(ctx context.Context) error {
	if err := r.c.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}

func (r *RedisStore) Close() error { return r.c.Close() }
