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

package sheetguard

import (
	"context"
	"log"
	"time"
)

// Op describes one remote operation for the executor. It is immutable and
// supplied per call site.
type Op struct {
	// Name identifies the operation in logs, metrics and terminal errors.
	Name string
	// Class selects the shared breaker. Empty defaults to Name. Keep read
	// and write paths in separate classes.
	Class string
	// Idempotent must be true for the executor to retry at all. A
	// non-idempotent operation is attempted exactly once; silently repeating
	// it could double-apply.
	Idempotent bool
	// MaxRetries is the number of re-attempts after the first try.
	MaxRetries int
	// Timeout bounds each individual attempt. 0 means no per-attempt bound
	// beyond the caller's context.
	Timeout time.Duration
	// Fallback, when set, is invoked after the retry budget is exhausted and
	// its result is returned instead of the terminal error.
	Fallback func(ctx context.Context) error
}

// ExecutorOptions configures an Executor. Zero values get working defaults.
type ExecutorOptions struct {
	// Backoff paces retries of generic transient failures.
	Backoff Backoff
	// RateLimitBackoff paces retries of quota errors. It should be visibly
	// slower than Backoff; hammering a quota wall only extends it.
	RateLimitBackoff Backoff
	// Classify maps errors to taxonomy kinds. Nil uses DefaultClassifier.
	Classify Classifier
	// Sleep is injectable for deterministic retry tests. Nil sleeps for
	// real, honoring ctx cancellation.
	Sleep func(ctx context.Context, d time.Duration) error
	// Now is injectable for elapsed-time accounting in tests.
	Now func() time.Time
	// Logf receives the per-attempt log lines. Nil uses the stdlib logger.
	Logf func(format string, args ...interface{})
	// OnAttempt is invoked after every attempt with the op name and the
	// outcome ("ok" or a Kind string). Used for metrics wiring.
	OnAttempt func(op, outcome string)
}

// Executor wraps remote calls with a per-class circuit breaker, a per-attempt
// timeout, error classification and jittered exponential backoff. All remote
// access in this repo funnels through one of these so timeouts and retry
// budgets are enforced uniformly.
type Executor struct {
	breakers  *BreakerSet
	backoff   Backoff
	rlBackoff Backoff
	classify  Classifier
	sleep     func(ctx context.Context, d time.Duration) error
	now       func() time.Time
	logf      func(format string, args ...interface{})
	onAttempt func(op, outcome string)
}

// NewExecutor builds an executor over the given breaker registry.
func NewExecutor(breakers *BreakerSet, opts ExecutorOptions) *Executor {
	e := &Executor{
		breakers:  breakers,
		backoff:   opts.Backoff,
		rlBackoff: opts.RateLimitBackoff,
		classify:  opts.Classify,
		sleep:     opts.Sleep,
		now:       opts.Now,
		logf:      opts.Logf,
		onAttempt: opts.OnAttempt,
	}
	if e.rlBackoff.Base <= 0 {
		// Quota errors get a much larger base than the generic default.
		e.rlBackoff.Base = 2 * time.Second
		if e.rlBackoff.Max <= 0 {
			e.rlBackoff.Max = time.Minute
		}
		e.rlBackoff.Jitter = opts.RateLimitBackoff.Jitter
		if e.rlBackoff.Jitter == nil {
			e.rlBackoff.Jitter = opts.Backoff.Jitter
		}
	}
	if e.classify == nil {
		e.classify = DefaultClassifier
	}
	if e.sleep == nil {
		e.sleep = sleepContext
	}
	if e.now == nil {
		e.now = time.Now
	}
	if e.logf == nil {
		e.logf = log.Printf
	}
	return e
}

// Do runs fn under the resilience policy described by op.
//
// The breaker for op's class is consulted once, up front: while it is open
// the call fails immediately with a KindCircuitOpen *Error and no attempt is
// made or counted. Each attempt runs under op.Timeout. Failures are
// classified; client errors never retry, quota errors retry on the slower
// backoff, and nothing retries unless op.Idempotent. Exhaustion records the
// outcome against the breaker — a failure for dependency kinds, a success
// for client kinds — and either runs op.Fallback or returns a tagged *Error.
func (e *Executor) Do(ctx context.Context, op Op, fn func(ctx context.Context) error) error {
	class := op.Class
	if class == "" {
		class = op.Name
	}
	br := e.breakers.For(class)
	if !br.Allow() {
		e.record(op.Name, KindCircuitOpen.String())
		return &Error{Op: op.Name, Kind: KindCircuitOpen, Err: ErrCircuitOpen}
	}

	start := e.now()
	var lastErr error
	var lastKind Kind
	attempts := 0
	for attempt := 0; ; attempt++ {
		attempts = attempt + 1
		err := e.attempt(ctx, op, fn)
		if err == nil {
			br.RecordSuccess()
			e.record(op.Name, "ok")
			if attempt > 0 {
				e.logf("op=%s attempt=%d outcome=ok (recovered)", op.Name, attempt)
			} else {
				e.logf("op=%s attempt=%d outcome=ok", op.Name, attempt)
			}
			return nil
		}
		lastErr = err
		lastKind = e.classify(err)
		e.record(op.Name, lastKind.String())
		e.logf("op=%s attempt=%d outcome=%s err=%v", op.Name, attempt, lastKind, err)

		if !lastKind.Retryable() || !op.Idempotent || attempt >= op.MaxRetries {
			break
		}
		bo := e.backoff
		if lastKind == KindRateLimit {
			bo = e.rlBackoff
		}
		if serr := e.sleep(ctx, bo.DelayFor(attempt)); serr != nil {
			// Caller gave up while we were waiting to retry.
			lastErr = serr
			lastKind = e.classify(serr)
			break
		}
	}

	// Only dependency failures count against the breaker; client-side
	// mistakes mean the dependency answered, so they resolve a half-open
	// probe the same way a success does. Leaving the probe unresolved would
	// strand the breaker in half-open, where Allow rejects everything.
	if lastKind.Retryable() {
		br.RecordFailure()
	} else {
		br.RecordSuccess()
	}
	if op.Fallback != nil {
		e.logf("op=%s falling back after %d attempt(s): %v", op.Name, attempts, lastErr)
		return op.Fallback(ctx)
	}
	return &Error{
		Op:       op.Name,
		Kind:     lastKind,
		Attempts: attempts,
		Elapsed:  e.now().Sub(start),
		Err:      lastErr,
	}
}

// attempt runs fn once under op.Timeout. A blocked fn is abandoned when the
// deadline expires; the attempt surfaces as a retryable timeout.
func (e *Executor) attempt(ctx context.Context, op Op, fn func(ctx context.Context) error) error {
	if op.Timeout <= 0 {
		return fn(ctx)
	}
	actx, cancel := context.WithTimeout(ctx, op.Timeout)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- fn(actx) }()
	select {
	case err := <-done:
		return err
	case <-actx.Done():
		return Mark(KindTimeout, actx.Err())
	}
}

func (e *Executor) record(op, outcome string) {
	if e.onAttempt != nil {
		e.onAttempt(op, outcome)
	}
}

// sleepContext sleeps for d or until ctx is done, whichever comes first.
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
