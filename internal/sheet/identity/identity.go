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

// Package identity provides deterministic, idempotent find-or-create of user
// records keyed by a normalized natural key (typically an email address).
package identity

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"
)

// Normalize canonicalizes a natural key: lower-cased, trimmed, inner runs of
// whitespace collapsed. Two user-typed variants of the same address must
// normalize identically or DeriveID loses its idempotence guarantee.
func Normalize(naturalKey string) string {
	return strings.Join(strings.Fields(strings.ToLower(naturalKey)), " ")
}

// DeriveID maps a natural key to a stable, collision-resistant identifier:
// the first 16 bytes of sha256(Normalize(key)), hex-encoded. It is pure —
// two concurrent upserts for the same key compute the same id with no
// coordination, which keeps double-submits safe even when the advisory lock
// times out.
func DeriveID(naturalKey string) string {
	sum := sha256.Sum256([]byte(Normalize(naturalKey)))
	return hex.EncodeToString(sum[:16])
}

// Record is one identity row.
type Record struct {
	ID         string
	NaturalKey string
	CreatedAt  time.Time
	Fields     map[string]string
}

// clone returns a deep copy so callers can't mutate store-held state.
func (r *Record) clone() *Record {
	if r == nil {
		return nil
	}
	cp := *r
	cp.Fields = make(map[string]string, len(r.Fields))
	for k, v := range r.Fields {
		cp.Fields[k] = v
	}
	return &cp
}

// Store is the identity persistence collaborator. Lookups return (nil, nil)
// when no record exists; absence is an answer, not an error.
type Store interface {
	FindByNaturalKey(ctx context.Context, naturalKey string) (*Record, error)
	FindByID(ctx context.Context, id string) (*Record, error)
	// Insert persists a new record. A concurrent insert of the same id must
	// not produce a second record (put-if-absent semantics).
	Insert(ctx context.Context, rec *Record) error
	// Update merges fields into an existing record.
	Update(ctx context.Context, id string, fields map[string]string) error
}

// Cache invalidates any read-through caches for a natural key. Used when a
// read-back after a successful write misses, which smells like propagation
// delay in a cache tier rather than data loss.
type Cache interface {
	Invalidate(ctx context.Context, naturalKey string) error
}
