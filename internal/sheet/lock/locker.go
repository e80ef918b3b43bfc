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
	"crypto/rand"
	"encoding/hex"
	"errors"
	"sync"
	"time"

	"sheetguard"
	"sheetguard/internal/sheet/telemetry"
)

// ErrContended is returned when a lock could not be acquired within the
// bounded wait. Callers surface it as a "busy, retry shortly" signal instead
// of queueing the request.
var ErrContended = sheetguard.Mark(sheetguard.KindContention, errors.New("lock: contended"))

// Options configures a Locker. Zero values get working defaults.
type Options struct {
	// MarkerTTL is the lifetime of the cheap "recently seen" tier. A second
	// request for the same key inside this window is rejected before the
	// heavier put-if-absent is even attempted. 0 uses 250ms.
	MarkerTTL time.Duration
	// WaitBudget bounds how long Acquire polls a held lock before giving up.
	// Seconds, not minutes: a caller-facing request must not stack up behind
	// a slow holder. 0 uses 3s.
	WaitBudget time.Duration
	// PollInterval is the retry cadence inside WaitBudget. 0 uses 100ms.
	PollInterval time.Duration
	// Now and Sleep are injectable for deterministic tests.
	Now   func() time.Time
	Sleep func(ctx context.Context, d time.Duration) error
	// Token mints holder tokens. Nil uses crypto/rand hex.
	Token func() string
}

// Locker hands out advisory, TTL-bounded leases over a shared Store. At most
// one live lease exists per key; expiry recovers from holders that crashed
// without releasing, which is also why the lock is advisory rather than a
// strict guarantee.
type Locker struct {
	store        Store
	markerTTL    time.Duration
	waitBudget   time.Duration
	pollInterval time.Duration
	now          func() time.Time
	sleep        func(ctx context.Context, d time.Duration) error
	token        func() string
}

// NewLocker creates a Locker over the given store.
func NewLocker(store Store, opts Options) *Locker {
	l := &Locker{
		store:        store,
		markerTTL:    opts.MarkerTTL,
		waitBudget:   opts.WaitBudget,
		pollInterval: opts.PollInterval,
		now:          opts.Now,
		sleep:        opts.Sleep,
		token:        opts.Token,
	}
	if l.markerTTL <= 0 {
		l.markerTTL = 250 * time.Millisecond
	}
	if l.waitBudget <= 0 {
		l.waitBudget = 3 * time.Second
	}
	if l.pollInterval <= 0 {
		l.pollInterval = 100 * time.Millisecond
	}
	if l.now == nil {
		l.now = time.Now
	}
	if l.sleep == nil {
		l.sleep = sleepContext
	}
	if l.token == nil {
		l.token = randomToken
	}
	return l
}

// Acquire takes the lock for key or fails with ErrContended. The two-tier
// check runs the microsecond-cheap marker first; only a key not seen within
// MarkerTTL pays for the put-if-absent poll loop. The returned Lease must be
// released exactly once, on every exit path, typically via defer.
func (l *Locker) Acquire(ctx context.Context, key Key, ttl time.Duration) (*Lease, error) {
	seen, err := l.store.PutIfAbsent(ctx, key.marker(), "1", l.markerTTL)
	if err != nil {
		return nil, err
	}
	if !seen {
		telemetry.RecordLockContention(key.Class())
		return nil, ErrContended
	}

	token := l.token()
	deadline := l.now().Add(l.waitBudget)
	for {
		ok, err := l.store.PutIfAbsent(ctx, key.String(), token, ttl)
		if err != nil {
			return nil, err
		}
		if ok {
			return &Lease{locker: l, key: key, token: token}, nil
		}
		if !l.now().Add(l.pollInterval).Before(deadline) {
			telemetry.RecordLockContention(key.Class())
			return nil, ErrContended
		}
		if err := l.sleep(ctx, l.pollInterval); err != nil {
			return nil, err
		}
	}
}

// Lease is one acquired lock. It is released at most once; extra Release
// calls are no-ops so pairing acquire with a deferred release stays safe even
// when the caller also releases early on some path.
type Lease struct {
	locker *Locker
	key    Key
	token  string
	once   sync.Once
}

// Key returns the locked key.
func (le *Lease) Key() Key { return le.key }

// Release frees the lock and the recently-seen marker. The delete is token-
// checked: if the lease's TTL already expired and another holder took over,
// the successor's lock is left alone.
func (le *Lease) Release(ctx context.Context) error {
	var err error
	le.once.Do(func() {
		deleted, derr := le.locker.store.CompareAndDelete(ctx, le.key.String(), le.token)
		if derr != nil {
			err = derr
			return
		}
		if !deleted {
			// The TTL already expired and a successor took the lock. Its
			// fresh marker is not ours to clear.
			return
		}
		err = le.locker.store.Delete(ctx, le.key.marker())
	})
	return err
}

func randomToken() string {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		// crypto/rand failing means the process is in much deeper trouble;
		// fall back to a timestamp so acquire can still proceed.
		return hex.EncodeToString([]byte(time.Now().String()))
	}
	return hex.EncodeToString(b[:])
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
