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

package identity

import (
	"context"
	"fmt"

	redis "github.com/redis/go-redis/v9"
)

// RedisCache drops the cached lookup entries for a natural key. The
// surrounding application caches identity lookups under both the natural key
// and the derived id; a read-back miss right after a successful write means
// those entries may be stale.
type RedisCache struct {
	c      *redis.Client
	prefix string
}

// NewRedisCache creates a cache invalidator. prefix namespaces the cache
// entries, e.g. "identity".
func NewRedisCache(addr, prefix string) *RedisCache {
	if prefix == "" {
		prefix = "identity"
	}
	return &RedisCache{c: redis.NewClient(&redis.Options{Addr: addr}), prefix: prefix}
}

func (r *RedisCache) Invalidate(ctx context.Context, naturalKey string) error {
	norm := Normalize(naturalKey)
	keys := []string{
		fmt.Sprintf("%s:key:%s", r.prefix, norm),
		fmt.Sprintf("%s:id:%s", r.prefix, DeriveID(norm)),
	}
	if err := r.c.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("identity cache invalidate %s: %w", norm, err)
	}
	return nil
}
