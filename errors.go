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

// Package sheetguard provides the resilience primitives used to talk to a
// shared, rate-limited tabular document store: a retry executor with
// exponential backoff and jitter, a per-operation-class circuit breaker, and
// an error taxonomy that decides which failures are worth retrying.
package sheetguard

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Kind categorizes a failure for retry and propagation decisions.
type Kind int

const (
	// KindUnknown is the fallback for errors we cannot classify. Treated as
	// transient for retry purposes so a novel upstream hiccup is not fatal.
	KindUnknown Kind = iota
	// KindClient covers bad input, not-found and permission failures.
	// Never retried; repeating the call cannot change the outcome.
	KindClient
	// KindTransient covers network blips and 5xx-equivalent upstream errors.
	KindTransient
	// KindRateLimit covers quota errors. Retried with a longer backoff than
	// generic transient failures.
	KindRateLimit
	// KindTimeout covers abandoned calls whose deadline expired.
	KindTimeout
	// KindContention signals a busy advisory lock. Callers fail fast and
	// surface a "try again" signal instead of queueing.
	KindContention
	// KindDegraded signals a feature that is temporarily unavailable upstream
	// (e.g. the sheet's header row could not be read). Soft failure.
	KindDegraded
	// KindCircuitOpen signals the breaker rejected the call without
	// attempting it.
	KindCircuitOpen
	// KindConflict signals a compare-and-swap write lost the race: the row
	// revision changed between read and write.
	KindConflict
)

// String returns the taxonomy name used in logs and metrics labels.
func (k Kind) String() string {
	switch k {
	case KindClient:
		return "client"
	case KindTransient:
		return "transient"
	case KindRateLimit:
		return "rate_limit"
	case KindTimeout:
		return "timeout"
	case KindContention:
		return "contention"
	case KindDegraded:
		return "degraded"
	case KindCircuitOpen:
		return "circuit_open"
	case KindConflict:
		return "conflict"
	default:
		return "unknown"
	}
}

// Retryable reports whether the executor may re-attempt a failure of this kind.
func (k Kind) Retryable() bool {
	switch k {
	case KindTransient, KindRateLimit, KindTimeout, KindUnknown:
		return true
	default:
		return false
	}
}

// kinder is implemented by errors that carry their own classification.
type kinder interface{ Kind() Kind }

type kindError struct {
	kind Kind
	err  error
}

func (e *kindError) Error() string { return e.err.Error() }
func (e *kindError) Unwrap() error { return e.err }
func (e *kindError) Kind() Kind    { return e.kind }

// Mark wraps err with an explicit classification. Collaborator packages use
// it to build sentinel errors whose kind survives further %w wrapping.
func Mark(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &kindError{kind: kind, err: err}
}

// ErrCircuitOpen is returned (wrapped in *Error) when the breaker rejects a
// call without attempting it.
var ErrCircuitOpen = Mark(KindCircuitOpen, errors.New("circuit open"))

// Error is the terminal error returned by the executor once an operation has
// failed for good. It tags the underlying cause with the operation name, the
// number of attempts made and the total elapsed time so callers and logs can
// tell a fast-failed call from an exhausted retry budget.
type Error struct {
	Op       string
	Kind     Kind
	Attempts int
	Elapsed  time.Duration
	Err      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s after %d attempt(s) in %v: %v", e.Op, e.Kind, e.Attempts, e.Elapsed.Round(time.Millisecond), e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Classifier maps an error to a Kind. The zero value is not usable; use
// DefaultClassifier or supply your own.
type Classifier func(error) Kind

// DefaultClassifier classifies by explicit marks first, then by the context
// package's sentinels, then by a message pattern table mirroring the error
// shapes the document store API is known to produce (HTTP status text, quota
// wording). Unmatched errors stay KindUnknown.
func DefaultClassifier(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var k kinder
	if errors.As(err, &k) {
		return k.Kind()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	if errors.Is(err, context.Canceled) {
		return KindClient
	}
	msg := strings.ToLower(err.Error())
	switch {
	case containsAny(msg, "429", "quota", "rate limit", "ratelimited", "too many requests", "resource_exhausted"):
		return KindRateLimit
	case containsAny(msg, "timeout", "timed out", "deadline"):
		return KindTimeout
	case containsAny(msg, "400", "401", "403", "404", "not found", "permission", "invalid argument", "bad request"):
		return KindClient
	case containsAny(msg, "500", "502", "503", "504", "unavailable", "internal error", "connection reset", "broken pipe", "eof"):
		return KindTransient
	default:
		return KindUnknown
	}
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
