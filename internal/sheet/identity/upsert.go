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
	"fmt"
	"log"
	"time"

	"sheetguard"
	"sheetguard/internal/sheet/lock"
	"sheetguard/internal/sheet/telemetry"
)

const (
	classIdentityRead  = "identity-read"
	classIdentityWrite = "identity-write"
)

// UpsertResult is the outcome of one find-or-create.
type UpsertResult struct {
	ID     string
	IsNew  bool
	Record *Record
}

// UpserterOptions configures an Upserter.
type UpserterOptions struct {
	// Cache, when set, is invalidated on a read-back miss. Optional.
	Cache Cache
	// LockTTL bounds a crashed upsert's hold on its key. 0 uses 10s.
	LockTTL time.Duration
	// Retries and Timeout shape the executor descriptors.
	Retries int
	Timeout time.Duration
	// Now, Sleep and Logf are injectable for tests.
	Now   func() time.Time
	Sleep func(ctx context.Context, d time.Duration) error
	Logf  func(format string, args ...interface{})
}

// Upserter performs idempotent find-or-create of identity records. The
// per-key lock serializes the common case; the derived id keeps the rare
// unserialized race harmless because both racers write the same record.
type Upserter struct {
	ids   Store
	locks *lock.Locker
	exec  *sheetguard.Executor
	opts  UpserterOptions
}

// NewUpserter wires an Upserter.
func NewUpserter(ids Store, locks *lock.Locker, exec *sheetguard.Executor, opts UpserterOptions) *Upserter {
	if opts.LockTTL <= 0 {
		opts.LockTTL = 10 * time.Second
	}
	if opts.Retries <= 0 {
		opts.Retries = 3
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
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
	if opts.Logf == nil {
		opts.Logf = log.Printf
	}
	return &Upserter{ids: ids, locks: locks, exec: exec, opts: opts}
}

// Upsert finds or creates the record for naturalKey, merging extraFields
// either way. Both callers of a concurrent double-submit observe the same id.
//
// Lock contention does not fail the upsert: the operation stays idempotent
// without serialization (same derived id, put-if-absent insert), so when the
// bounded wait expires we proceed unlocked and log it.
func (u *Upserter) Upsert(ctx context.Context, naturalKey string, extraFields map[string]string) (UpsertResult, error) {
	norm := Normalize(naturalKey)
	if norm == "" {
		return UpsertResult{}, sheetguard.Mark(sheetguard.KindClient, errors.New("identity: empty natural key"))
	}
	id := DeriveID(norm)

	lease, err := u.locks.Acquire(ctx, lock.IdentityKey(norm), u.opts.LockTTL)
	if err != nil && !errors.Is(err, lock.ErrContended) {
		return UpsertResult{}, err
	}
	if lease == nil {
		u.opts.Logf("identity: upsert of %s proceeding without lock (contended)", id)
	}

	res, uerr := u.upsertLocked(ctx, norm, id, extraFields)

	// Release before the read-back: verification reads must see whatever a
	// racing caller published, not wait behind our own lock.
	if lease != nil {
		if rerr := lease.Release(ctx); rerr != nil {
			u.opts.Logf("identity: lock release for %s failed: %v", id, rerr)
		}
	}
	if uerr != nil {
		return UpsertResult{}, uerr
	}

	u.verifyReadBack(ctx, norm, id)
	telemetry.RecordUpsert(res.IsNew)
	return res, nil
}

func (u *Upserter) upsertLocked(ctx context.Context, norm, id string, extraFields map[string]string) (UpsertResult, error) {
	existing, err := u.findByNaturalKey(ctx, norm)
	if err != nil {
		return UpsertResult{}, err
	}
	if existing != nil {
		if len(extraFields) > 0 {
			if err := u.update(ctx, existing.ID, extraFields); err != nil {
				return UpsertResult{}, err
			}
			for k, v := range extraFields {
				existing.Fields[k] = v
			}
		}
		return UpsertResult{ID: existing.ID, IsNew: false, Record: existing}, nil
	}

	rec := &Record{
		ID:         id,
		NaturalKey: norm,
		CreatedAt:  u.opts.Now(),
		Fields:     make(map[string]string, len(extraFields)),
	}
	for k, v := range extraFields {
		rec.Fields[k] = v
	}
	if err := u.insert(ctx, rec); err != nil {
		return UpsertResult{}, err
	}

	// The insert is put-if-absent; if a racer created the record first, ours
	// was a no-op and the stored row is the authoritative one.
	stored, err := u.findByID(ctx, id)
	if err != nil {
		return UpsertResult{}, err
	}
	if stored == nil {
		stored = rec
	}
	isNew := stored.CreatedAt.Equal(rec.CreatedAt)
	return UpsertResult{ID: id, IsNew: isNew, Record: stored}, nil
}

// verifyReadBack looks the record up by id and natural key after release. A
// miss right after a successful write is treated as a propagation-delay
// anomaly: invalidate read caches, wait a beat, and retry once before
// surfacing a warning. Never silently inconsistent, never a hard failure.
func (u *Upserter) verifyReadBack(ctx context.Context, norm, id string) {
	for attempt := 0; ; attempt++ {
		byID, err1 := u.findByID(ctx, id)
		byKey, err2 := u.findByNaturalKey(ctx, norm)
		if err1 == nil && err2 == nil && byID != nil && byKey != nil {
			return
		}
		if attempt >= 1 {
			u.opts.Logf("WARNING identity: read-back for %s inconsistent after retry (byID=%v byKey=%v err1=%v err2=%v)",
				id, byID != nil, byKey != nil, err1, err2)
			return
		}
		if u.opts.Cache != nil {
			if cerr := u.opts.Cache.Invalidate(ctx, norm); cerr != nil {
				u.opts.Logf("identity: cache invalidate for %s failed: %v", id, cerr)
			}
		}
		if serr := u.opts.Sleep(ctx, 50*time.Millisecond); serr != nil {
			return
		}
	}
}

func (u *Upserter) findByNaturalKey(ctx context.Context, norm string) (*Record, error) {
	var rec *Record
	err := u.exec.Do(ctx, sheetguard.Op{
		Name:       "identity.find_by_key",
		Class:      classIdentityRead,
		Idempotent: true,
		MaxRetries: u.opts.Retries,
		Timeout:    u.opts.Timeout,
	}, func(ctx context.Context) error {
		var err error
		rec, err = u.ids.FindByNaturalKey(ctx, norm)
		return err
	})
	return rec, err
}

func (u *Upserter) findByID(ctx context.Context, id string) (*Record, error) {
	var rec *Record
	err := u.exec.Do(ctx, sheetguard.Op{
		Name:       "identity.find_by_id",
		Class:      classIdentityRead,
		Idempotent: true,
		MaxRetries: u.opts.Retries,
		Timeout:    u.opts.Timeout,
	}, func(ctx context.Context) error {
		var err error
		rec, err = u.ids.FindByID(ctx, id)
		return err
	})
	return rec, err
}

// insert retries as idempotent: the derived primary key turns a replay into
// a no-op conflict rather than a duplicate record.
func (u *Upserter) insert(ctx context.Context, rec *Record) error {
	return u.exec.Do(ctx, sheetguard.Op{
		Name:       "identity.insert",
		Class:      classIdentityWrite,
		Idempotent: true,
		MaxRetries: u.opts.Retries,
		Timeout:    u.opts.Timeout,
	}, func(ctx context.Context) error {
		if err := u.ids.Insert(ctx, rec); err != nil {
			return fmt.Errorf("insert %s: %w", rec.ID, err)
		}
		return nil
	})
}

func (u *Upserter) update(ctx context.Context, id string, fields map[string]string) error {
	return u.exec.Do(ctx, sheetguard.Op{
		Name:       "identity.update",
		Class:      classIdentityWrite,
		Idempotent: true,
		MaxRetries: u.opts.Retries,
		Timeout:    u.opts.Timeout,
	}, func(ctx context.Context) error {
		return u.ids.Update(ctx, id, fields)
	})
}
