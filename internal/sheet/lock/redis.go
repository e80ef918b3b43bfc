// Copyright 2025 Esteban Alvarez. All Rights Reserved.
//
// Created: October 2025
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

package lock

import (
	"context"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// RedisCommander abstracts the minimal surface we need from a Redis client.
// Implementations may wrap github.com/redis/go-redis/v9 or any equivalent.
type RedisCommander interface {
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	Get(ctx context.Context, key string) (string, error) // "" when absent
	Del(ctx context.Context, keys ...string) error
	Eval(ctx context.Context, script string, keys []string, args ...interface{}) (interface{}, error)
}

// GoRedisCommander is a production-ready client wrapper implementing
// RedisCommander over github.com/redis/go-redis/v9.
type GoRedisCommander struct{ c *redis.Client }

// NewGoRedisCommander constructs a wrapper for an address like "127.0.0.1:6379".
func NewGoRedisCommander(addr string) *GoRedisCommander {
	return &GoRedisCommander{c: redis.NewClient(&redis.Options{Addr: addr})}
}

func (g *GoRedisCommander) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	return g.c.SetNX(ctx, key, value, ttl).Result()
}

func (g *GoRedisCommander) Get(ctx context.Context, key string) (string, error) {
	v, err := g.c.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", nil
	}
	return v, err
}

func (g *GoRedisCommander) Del(ctx context.Context, keys ...string) error {
	return g.c.Del(ctx, keys...).Err()
}

func (g *GoRedisCommander) Eval(ctx context.Context, script string, keys []string, args ...interface{}) (interface{}, error) {
	return g.c.Eval(ctx, script, keys, args...).Result()
}

// compareAndDeleteScript deletes the key only while it still holds the
// caller's token. Returns 1 if deleted, 0 otherwise. GET+DEL would race with
// TTL expiry and a successor's acquire; the script makes the pair atomic.
const compareAndDeleteScript = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
else
  return 0
end
`

// RedisStore is a lock Store shared across all server instances. SETNX
// provides the atomic put-if-absent; per-key TTLs bound staleness after a
// holder crash.
type RedisStore struct {
	client RedisCommander
}

// NewRedisStore creates a store over the given client.
func NewRedisStore(client RedisCommander) *RedisStore {
	return &RedisStore{client: client}
}

func (r *RedisStore) PutIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	ok, err := r.client.SetNX(ctx, key, value, ttl)
	if err != nil {
		return false, fmt.Errorf("redis setnx %s: %w", key, err)
	}
	return ok, nil
}

func (r *RedisStore) Get(ctx context.Context, key string) (string, error) {
	v, err := r.client.Get(ctx, key)
	if err != nil {
		return "", fmt.Errorf("redis get %s: %w", key, err)
	}
	return v, nil
}

func (r *RedisStore) CompareAndDelete(ctx context.Context, key, value string) (bool, error) {
	res, err := r.client.Eval(ctx, compareAndDeleteScript, []string{key}, value)
	if err != nil {
		return false, fmt.Errorf("redis eval del %s: %w", key, err)
	}
	n, ok := res.(int64)
	return ok && n == 1, nil
}

func (r *RedisStore) Delete(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, key); err != nil {
		return fmt.Errorf("redis del %s: %w", key, err)
	}
	return nil
}
