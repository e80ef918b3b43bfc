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
	"errors"
	"sync"
)

// MemoryStore is an in-process Store for the demo binary and tests.
type MemoryStore struct {
	mu    sync.Mutex
	byID  map[string]*Record
	byKey map[string]string // natural key -> id
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byID: make(map[string]*Record), byKey: make(map[string]string)}
}

func (m *MemoryStore) FindByNaturalKey(ctx context.Context, naturalKey string) (*Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byKey[naturalKey]
	if !ok {
		return nil, nil
	}
	return m.byID[id].clone(), nil
}

func (m *MemoryStore) FindByID(ctx context.Context, id string) (*Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.byID[id].clone(), nil
}

func (m *MemoryStore) Insert(ctx context.Context, rec *Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.byID[rec.ID]; exists {
		// Put-if-absent: a concurrent creator already won; keep one record.
		return nil
	}
	m.byID[rec.ID] = rec.clone()
	m.byKey[rec.NaturalKey] = rec.ID
	return nil
}

func (m *MemoryStore) Update(ctx context.Context, id string, fields map[string]string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.byID[id]
	if !ok {
		return errors.New("identity: update of unknown id")
	}
	for k, v := range fields {
		rec.Fields[k] = v
	}
	return nil
}
