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

// Package store defines the narrow interface this core uses to talk to the
// remotely-hosted document ("sheet") and the error categories it must
// surface. The real implementation lives in the surrounding application; the
// Flaky store in this package serves the demo binary and tests.
package store

import (
	"context"
	"errors"

	"sheetguard"
)

// Error categories the document store must surface. They carry their
// taxonomy kind so the executor can classify without string matching.
var (
	// ErrRateLimited: the store's request-rate ceiling was hit.
	ErrRateLimited = sheetguard.Mark(sheetguard.KindRateLimit, errors.New("document store: rate limited"))
	// ErrNotFound: the resource or row does not exist.
	ErrNotFound = sheetguard.Mark(sheetguard.KindClient, errors.New("document store: not found"))
	// ErrUnavailable: a transient server-side failure; retryable.
	ErrUnavailable = sheetguard.Mark(sheetguard.KindTransient, errors.New("document store: temporarily unavailable"))
	// ErrPermissionDenied: the caller may not touch this resource.
	ErrPermissionDenied = sheetguard.Mark(sheetguard.KindClient, errors.New("document store: permission denied"))
	// ErrConflict: a compare-and-swap write observed a changed revision.
	ErrConflict = sheetguard.Mark(sheetguard.KindConflict, errors.New("document store: revision conflict"))
)

// Row is one sheet row: cell values keyed by column name, plus the revision
// token observed at read time. The revision is an opaque optimistic-
// concurrency token; writes supply it back and fail with ErrConflict if the
// row changed in between.
type Row struct {
	Number   int
	Cells    map[string]string
	Revision string
}

// Header is the sheet's column names, in sheet order. An empty header is the
// degraded-upstream signal (usually a quota symptom), not an error.
type Header []string

// Has reports whether the header contains all the given columns.
func (h Header) Has(columns ...string) bool {
	for _, want := range columns {
		found := false
		for _, c := range h {
			if c == want {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// Document is the remote sheet. All methods are potentially blocking remote
// calls; callers must route them through the resilient executor.
type Document interface {
	// ReadRow returns one row with its revision token.
	ReadRow(ctx context.Context, resourceID string, row int) (Row, error)
	// ReadHeader returns the column names, or an empty Header when the
	// upstream is degraded.
	ReadHeader(ctx context.Context, resourceID string) (Header, error)
	// WriteCells writes the given cells of one row. When ifRevision is
	// non-empty the write only applies if the row's revision still matches,
	// otherwise ErrConflict.
	WriteCells(ctx context.Context, resourceID string, row int, cells map[string]string, ifRevision string) error
	// ReadRange returns up to count rows starting at startRow. Short reads
	// at the end of the sheet are not an error.
	ReadRange(ctx context.Context, resourceID string, startRow, count int) ([]Row, error)
}
