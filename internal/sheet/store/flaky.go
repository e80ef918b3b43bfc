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

package store

import (
	"context"
	"strconv"
	"sync"
	"time"
)

// Flaky is an in-memory Document with an injectable fault script. It lets the
// demo binary and the integration tests exercise the whole stack without a
// real sheet: rate-limit every Nth call, add per-call latency, or degrade the
// header for a window. Not for production use.
type Flaky struct {
	mu sync.Mutex

	header Header
	rows   map[int]map[string]string
	revs   map[int]int64

	calls int

	// RateLimitEvery makes every Nth remote call fail with ErrRateLimited.
	// 0 disables the fault.
	RateLimitEvery int
	// Latency is added to every remote call, honoring ctx cancellation.
	Latency time.Duration

	degraded bool
}

// NewFlaky creates an empty sheet with the given header.
func NewFlaky(header Header) *Flaky {
	return &Flaky{
		header: header,
		rows:   make(map[int]map[string]string),
		revs:   make(map[int]int64),
	}
}

// Seed writes a row directly, bypassing the fault script. Test setup only.
func (f *Flaky) Seed(row int, cells map[string]string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make(map[string]string, len(cells))
	for k, v := range cells {
		cp[k] = v
	}
	f.rows[row] = cp
	f.revs[row]++
}

// SetDegraded toggles the degraded-header window.
func (f *Flaky) SetDegraded(degraded bool) {
	f.mu.Lock()
	f.degraded = degraded
	f.mu.Unlock()
}

// Calls returns the number of remote calls observed so far.
func (f *Flaky) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// arrive runs the fault script for one remote call. Callers must not hold the
// mutex; latency is served outside it.
func (f *Flaky) arrive(ctx context.Context) error {
	f.mu.Lock()
	f.calls++
	n := f.calls
	every := f.RateLimitEvery
	latency := f.Latency
	f.mu.Unlock()

	if latency > 0 {
		t := time.NewTimer(latency)
		defer t.Stop()
		select {
		case <-t.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if every > 0 && n%every == 0 {
		return ErrRateLimited
	}
	return nil
}

func (f *Flaky) ReadRow(ctx context.Context, resourceID string, row int) (Row, error) {
	if err := f.arrive(ctx); err != nil {
		return Row{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	cells, ok := f.rows[row]
	if !ok {
		return Row{}, ErrNotFound
	}
	return f.snapshotLocked(row, cells), nil
}

func (f *Flaky) ReadHeader(ctx context.Context, resourceID string) (Header, error) {
	if err := f.arrive(ctx); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.degraded {
		return Header{}, nil
	}
	return append(Header{}, f.header...), nil
}

func (f *Flaky) WriteCells(ctx context.Context, resourceID string, row int, cells map[string]string, ifRevision string) error {
	if err := f.arrive(ctx); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if ifRevision != "" && ifRevision != strconv.FormatInt(f.revs[row], 10) {
		return ErrConflict
	}
	cur, ok := f.rows[row]
	if !ok {
		cur = make(map[string]string)
		f.rows[row] = cur
	}
	for k, v := range cells {
		cur[k] = v
	}
	f.revs[row]++
	return nil
}

func (f *Flaky) ReadRange(ctx context.Context, resourceID string, startRow, count int) ([]Row, error) {
	if err := f.arrive(ctx); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Row
	for row := startRow; row < startRow+count; row++ {
		if cells, ok := f.rows[row]; ok {
			out = append(out, f.snapshotLocked(row, cells))
		}
	}
	return out, nil
}

func (f *Flaky) snapshotLocked(row int, cells map[string]string) Row {
	cp := make(map[string]string, len(cells))
	for k, v := range cells {
		cp[k] = v
	}
	return Row{Number: row, Cells: cp, Revision: strconv.FormatInt(f.revs[row], 10)}
}
