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

// Package mutate performs the serialized read-modify-write toggles on sheet
// rows: reaction membership sets and the highlight flag. A per-row advisory
// lock keeps concurrent toggles from interleaving; every remote call goes
// through the resilient executor.
package mutate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"sheetguard"
	"sheetguard/internal/sheet/lock"
	"sheetguard/internal/sheet/store"
	"sheetguard/internal/sheet/telemetry"
)

// Operation classes for the shared breakers. Reads and writes are separate
// so a failing read path cannot trip the write breaker.
const (
	classSheetRead  = "sheet-read"
	classSheetWrite = "sheet-write"
)

// ErrUnavailable signals that the sheet's header could not be read (a known
// quota symptom). The feature is temporarily off; callers render a soft
// message rather than an error page.
var ErrUnavailable = sheetguard.Mark(sheetguard.KindDegraded, errors.New("toggle: feature temporarily unavailable"))

// ErrBusy signals that the row is mid-mutation by another caller. Callers
// surface a short "please retry" signal; nothing queues behind the lock.
var ErrBusy = sheetguard.Mark(sheetguard.KindContention, errors.New("toggle: row busy, retry shortly"))

// Action says what a toggle did.
type Action string

const (
	ActionAdded   Action = "added"
	ActionRemoved Action = "removed"
)

// Result is the post-mutation state of the toggled row.
type Result struct {
	Action Action
	// Members maps each reaction column to its membership after the write.
	Members map[string][]string
	// Highlighted is the post-write flag for highlight toggles.
	Highlighted bool
}

// Options configures a Toggler.
type Options struct {
	// ReactionColumns are the sheet columns holding membership sets, e.g.
	// LIKE, LOVE, IDEA. A toggle for a column not listed here is a client
	// error.
	ReactionColumns []string
	// HighlightColumn is the boolean highlight cell. Empty disables
	// highlight toggling.
	HighlightColumn string
	// LockTTL bounds how long a crashed mutation can hold a row. 0 uses 10s.
	LockTTL time.Duration
	// Retries and Timeout shape the per-call executor descriptors.
	Retries int
	Timeout time.Duration
}

// Toggler serializes reaction and highlight toggles per (resource, row).
type Toggler struct {
	docs  store.Document
	locks *lock.Locker
	exec  *sheetguard.Executor
	opts  Options
}

// NewToggler wires a Toggler. All dependencies are required except the
// options' zero values, which default sensibly.
func NewToggler(docs store.Document, locks *lock.Locker, exec *sheetguard.Executor, opts Options) *Toggler {
	if opts.LockTTL <= 0 {
		opts.LockTTL = 10 * time.Second
	}
	if opts.Retries <= 0 {
		opts.Retries = 3
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	return &Toggler{docs: docs, locks: locks, exec: exec, opts: opts}
}

// ToggleReaction flips actorID's membership in reactionType on one row.
//
// Under the row lock it reads the current membership of every reaction
// column, computes the new sets and writes all affected columns back in one
// compare-and-swap request. The invariant enforced here: an actor appears at
// most once per column, and holds at most one reaction type per row —
// selecting a new type removes the previous one in the same mutation.
func (t *Toggler) ToggleReaction(ctx context.Context, resourceID string, row int, reactionType, actorID string) (Result, error) {
	if !contains(t.opts.ReactionColumns, reactionType) {
		return Result{}, sheetguard.Mark(sheetguard.KindClient, fmt.Errorf("toggle: unknown reaction type %q", reactionType))
	}

	lease, err := t.locks.Acquire(ctx, lock.ReactionKey(resourceID, row), t.opts.LockTTL)
	if err != nil {
		if errors.Is(err, lock.ErrContended) {
			return Result{}, ErrBusy
		}
		return Result{}, err
	}
	defer lease.Release(ctx)

	header, err := t.readHeader(ctx, resourceID)
	if err != nil {
		return Result{}, err
	}
	if len(header) == 0 || !header.Has(t.opts.ReactionColumns...) {
		return Result{}, ErrUnavailable
	}

	current, err := t.readRow(ctx, resourceID, row)
	if err != nil {
		return Result{}, err
	}

	members := make(map[string][]string, len(t.opts.ReactionColumns))
	for _, col := range t.opts.ReactionColumns {
		members[col] = parseMembers(current.Cells[col])
	}

	action := ActionAdded
	changed := map[string]bool{}
	if contains(members[reactionType], actorID) {
		// Second toggle of the same type removes the reaction.
		members[reactionType], _ = without(members[reactionType], actorID)
		changed[reactionType] = true
		action = ActionRemoved
	} else {
		for _, col := range t.opts.ReactionColumns {
			if col == reactionType {
				continue
			}
			if rest, had := without(members[col], actorID); had {
				members[col] = rest
				changed[col] = true
			}
		}
		members[reactionType] = append(members[reactionType], actorID)
		changed[reactionType] = true
	}

	cells := make(map[string]string, len(changed))
	for col := range changed {
		cells[col] = formatMembers(members[col])
	}
	if err := t.writeCells(ctx, resourceID, row, cells, current.Revision); err != nil {
		return Result{}, err
	}

	telemetry.RecordToggle(string(action))
	return Result{Action: action, Members: members}, nil
}

// ToggleHighlight flips the highlight flag on one row. Same shape as the
// reaction toggle with a single boolean column.
func (t *Toggler) ToggleHighlight(ctx context.Context, resourceID string, row int) (Result, error) {
	col := t.opts.HighlightColumn
	if col == "" {
		return Result{}, sheetguard.Mark(sheetguard.KindClient, errors.New("toggle: highlight column not configured"))
	}

	lease, err := t.locks.Acquire(ctx, lock.HighlightKey(resourceID, row), t.opts.LockTTL)
	if err != nil {
		if errors.Is(err, lock.ErrContended) {
			return Result{}, ErrBusy
		}
		return Result{}, err
	}
	defer lease.Release(ctx)

	header, err := t.readHeader(ctx, resourceID)
	if err != nil {
		return Result{}, err
	}
	if len(header) == 0 || !header.Has(col) {
		return Result{}, ErrUnavailable
	}

	current, err := t.readRow(ctx, resourceID, row)
	if err != nil {
		return Result{}, err
	}

	highlighted := current.Cells[col] == "TRUE"
	action := ActionAdded
	value := "TRUE"
	if highlighted {
		action = ActionRemoved
		value = ""
	}
	if err := t.writeCells(ctx, resourceID, row, map[string]string{col: value}, current.Revision); err != nil {
		return Result{}, err
	}

	telemetry.RecordToggle(string(action))
	return Result{Action: action, Highlighted: !highlighted}, nil
}

func (t *Toggler) readHeader(ctx context.Context, resourceID string) (store.Header, error) {
	var header store.Header
	err := t.exec.Do(ctx, sheetguard.Op{
		Name:       "sheet.read_header",
		Class:      classSheetRead,
		Idempotent: true,
		MaxRetries: t.opts.Retries,
		Timeout:    t.opts.Timeout,
	}, func(ctx context.Context) error {
		var err error
		header, err = t.docs.ReadHeader(ctx, resourceID)
		return err
	})
	return header, err
}

func (t *Toggler) readRow(ctx context.Context, resourceID string, row int) (store.Row, error) {
	var out store.Row
	err := t.exec.Do(ctx, sheetguard.Op{
		Name:       "sheet.read_row",
		Class:      classSheetRead,
		Idempotent: true,
		MaxRetries: t.opts.Retries,
		Timeout:    t.opts.Timeout,
	}, func(ctx context.Context) error {
		var err error
		out, err = t.docs.ReadRow(ctx, resourceID, row)
		return err
	})
	return out, err
}

// writeCells is retried as idempotent: the revision guard turns a duplicate
// apply into ErrConflict instead of a double write.
func (t *Toggler) writeCells(ctx context.Context, resourceID string, row int, cells map[string]string, revision string) error {
	return t.exec.Do(ctx, sheetguard.Op{
		Name:       "sheet.write_cells",
		Class:      classSheetWrite,
		Idempotent: true,
		MaxRetries: t.opts.Retries,
		Timeout:    t.opts.Timeout,
	}, func(ctx context.Context) error {
		return t.docs.WriteCells(ctx, resourceID, row, cells, revision)
	})
}
