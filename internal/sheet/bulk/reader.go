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

// Package bulk reads large row ranges in adaptive chunks. Chunk size shrinks
// while the store keeps rate-limiting us and snaps back to the maximum on the
// next success; a time budget truncates the read into a flagged partial
// result instead of failing the whole request.
package bulk

import (
	"context"
	"errors"
	"time"

	"sheetguard"
	"sheetguard/internal/sheet/store"
	"sheetguard/internal/sheet/telemetry"
)

const classSheetRead = "sheet-read"

// DefaultSizes is the chunk-size policy table indexed by consecutive
// rate-limit errors: 0 errors → 100 rows, 1 → 70, 2 or more → 50. The table
// must be non-increasing.
var DefaultSizes = []int{100, 70, 50}

// Chunk is one batch of rows from the stream. Exactly one of the terminal
// flags may be set on the final chunk: Err for a hard failure, Incomplete for
// a budget-expired truncation. A truncation is deliberately not an error —
// partial data beats a hard failure for a bulk listing.
type Chunk struct {
	Rows       []store.Row
	Err        error
	Incomplete bool
}

// Options configures a Reader.
type Options struct {
	// Sizes overrides DefaultSizes.
	Sizes []int
	// Retries caps per-chunk retries inside the executor. Kept low; the
	// reader's own shrink-and-retry loop handles persistent rate limiting.
	Retries int
	// Timeout bounds each chunk fetch.
	Timeout time.Duration
	// Pause is slept before re-fetching a rate-limited chunk at the smaller
	// size. 0 uses 250ms.
	Pause time.Duration
	// Now and Sleep are injectable for deterministic budget tests.
	Now   func() time.Time
	Sleep func(ctx context.Context, d time.Duration) error
}

// Reader walks a row range in adaptive chunks.
type Reader struct {
	docs store.Document
	exec *sheetguard.Executor
	opts Options
}

// NewReader wires a Reader.
func NewReader(docs store.Document, exec *sheetguard.Executor, opts Options) *Reader {
	if len(opts.Sizes) == 0 {
		opts.Sizes = DefaultSizes
	}
	if opts.Retries < 0 {
		opts.Retries = 0
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 15 * time.Second
	}
	if opts.Pause <= 0 {
		opts.Pause = 250 * time.Millisecond
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Sleep == nil {
		opts.Sleep = func(ctx context.Context, d time.Duration) error {
			t := time.NewTimer(d)
			defer t.Stop()
			select {
			case <-t.C:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return &Reader{docs: docs, exec: exec, opts: opts}
}

// sizeFor returns the chunk size for the current consecutive-error count.
func (r *Reader) sizeFor(consecutiveErrors int) int {
	if consecutiveErrors >= len(r.opts.Sizes) {
		consecutiveErrors = len(r.opts.Sizes) - 1
	}
	return r.opts.Sizes[consecutiveErrors]
}

// Stream lazily produces chunks for totalRows rows starting at startRow. The
// channel closes when the range is exhausted, the budget expires (final chunk
// has Incomplete set), the store fails hard (final chunk has Err set), or ctx
// is cancelled. The sequence is finite and non-restartable; consume it once.
func (r *Reader) Stream(ctx context.Context, resourceID string, startRow, totalRows int, budget time.Duration) <-chan Chunk {
	out := make(chan Chunk)
	go func() {
		defer close(out)
		start := r.opts.Now()
		row := startRow
		remaining := totalRows
		consecutiveErrors := 0

		for remaining > 0 {
			if budget > 0 && r.opts.Now().Sub(start) >= budget {
				telemetry.RecordBatchTruncation()
				send(ctx, out, Chunk{Incomplete: true})
				return
			}

			size := r.sizeFor(consecutiveErrors)
			if size > remaining {
				size = remaining
			}
			telemetry.ObserveBatchSize(size)

			var rows []store.Row
			err := r.exec.Do(ctx, sheetguard.Op{
				Name:       "sheet.read_range",
				Class:      classSheetRead,
				Idempotent: true,
				MaxRetries: r.opts.Retries,
				Timeout:    r.opts.Timeout,
			}, func(ctx context.Context) error {
				var err error
				rows, err = r.docs.ReadRange(ctx, resourceID, row, size)
				return err
			})
			if err != nil {
				var ee *sheetguard.Error
				kind := sheetguard.DefaultClassifier(err)
				if errors.As(err, &ee) {
					kind = ee.Kind
				}
				if kind == sheetguard.KindRateLimit || kind == sheetguard.KindTimeout {
					// Shrink the next chunk and retry the same offset.
					consecutiveErrors++
					if serr := r.opts.Sleep(ctx, r.opts.Pause); serr != nil {
						return
					}
					continue
				}
				send(ctx, out, Chunk{Err: err})
				return
			}

			consecutiveErrors = 0
			if len(rows) > 0 {
				if !send(ctx, out, Chunk{Rows: rows}) {
					return
				}
			}
			row += size
			remaining -= size
		}
	}()
	return out
}

// ReadAll drains Stream into a slice. It returns the rows read, whether the
// result was truncated by the budget, and any hard error.
func (r *Reader) ReadAll(ctx context.Context, resourceID string, startRow, totalRows int, budget time.Duration) ([]store.Row, bool, error) {
	var rows []store.Row
	for chunk := range r.Stream(ctx, resourceID, startRow, totalRows, budget) {
		if chunk.Err != nil {
			return rows, false, chunk.Err
		}
		if chunk.Incomplete {
			return rows, true, nil
		}
		rows = append(rows, chunk.Rows...)
	}
	return rows, false, ctx.Err()
}

func send(ctx context.Context, out chan<- Chunk, c Chunk) bool {
	select {
	case out <- c:
		return true
	case <-ctx.Done():
		return false
	}
}
