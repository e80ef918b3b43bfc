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
	"time"
)

// Store is the key-value backend a Locker runs on. PutIfAbsent must be
// atomic; it is the whole mutual-exclusion guarantee. Every entry carries a
// TTL so a crashed holder cannot leak a key forever.
type Store interface {
	// PutIfAbsent stores value under key with the given TTL if, and only if,
	// no live entry exists. Returns true when the entry was created.
	PutIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	// Get returns the live value for key, or "" if absent or expired.
	Get(ctx context.Context, key string) (string, error)
	// CompareAndDelete removes key only while it still holds value. Returns
	// true when the entry was removed. Used for token-checked release so a
	// holder whose lock expired cannot delete a successor's lock.
	CompareAndDelete(ctx context.Context, key, value string) (bool, error)
	// Delete removes key unconditionally.
	Delete(ctx context.Context, key string) error
}
