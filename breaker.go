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
	"sync"
	"time"
)

// State is a circuit breaker state.
type State int

const (
	// StateClosed: normal operation, calls flow through.
	StateClosed State = iota
	// StateOpen: the breaker rejects calls until the cool-down elapses.
	StateOpen
	// StateHalfOpen: one probe call is allowed to test recovery.
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

// Breaker is a consecutive-failure circuit breaker for one operation class.
// Transitions: CLOSED→OPEN on reaching the failure threshold, OPEN→HALF_OPEN
// after the cool-down, HALF_OPEN→CLOSED on a probe success, HALF_OPEN→OPEN on
// a probe failure (cool-down restarts, not cumulative).
//
// Safe for concurrent use. Distinct operation classes must use distinct
// breakers so a failing read path cannot block writes.
type Breaker struct {
	mu sync.Mutex

	name      string
	threshold int
	openFor   time.Duration
	now       func() time.Time

	state       State
	failures    int
	lastFailure time.Time

	// onChange is invoked (outside the hot path decision, inside the lock)
	// whenever the state moves. Used for metrics wiring.
	onChange func(name string, s State)
}

// NewBreaker creates a breaker that opens after threshold consecutive
// failures and stays open for openFor before allowing a probe.
func NewBreaker(name string, threshold int, openFor time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if openFor <= 0 {
		openFor = 30 * time.Second
	}
	return &Breaker{
		name:      name,
		threshold: threshold,
		openFor:   openFor,
		now:       time.Now,
	}
}

// Allow reports whether a call may proceed. While OPEN it returns false until
// the cool-down has elapsed; the first Allow after that moves the breaker to
// HALF_OPEN and admits exactly one probe. Further calls are rejected until
// the probe's outcome is recorded.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case StateClosed:
		return true
	case StateOpen:
		if b.now().Sub(b.lastFailure) >= b.openFor {
			b.setState(StateHalfOpen)
			return true
		}
		return false
	default: // StateHalfOpen: a probe is already in flight
		return false
	}
}

// RecordSuccess closes the breaker and resets the consecutive-failure count.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	if b.state != StateClosed {
		b.setState(StateClosed)
	}
}

// RecordFailure counts a failed call. Reaching the threshold while CLOSED
// opens the breaker; failing the HALF_OPEN probe reopens it and restarts the
// cool-down from now.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures++
	b.lastFailure = b.now()
	switch b.state {
	case StateHalfOpen:
		b.setState(StateOpen)
	case StateClosed:
		if b.failures >= b.threshold {
			b.setState(StateOpen)
		}
	}
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Breaker) setState(s State) {
	b.state = s
	if b.onChange != nil {
		b.onChange(b.name, s)
	}
}

// BreakerSet is an explicitly constructed registry of breakers keyed by
// operation class. It exists so callers share breaker state per class without
// any package-level ambient registry; build one at startup and pass it down.
type BreakerSet struct {
	mu       sync.Mutex
	breakers map[string]*Breaker

	threshold int
	openFor   time.Duration
	now       func() time.Time
	onChange  func(name string, s State)
}

// BreakerSetOptions configures the breakers a set hands out.
type BreakerSetOptions struct {
	// FailureThreshold is the consecutive-failure count that opens a breaker.
	// 0 uses the default (5).
	FailureThreshold int
	// OpenFor is the cool-down before a HALF_OPEN probe. 0 uses 30s.
	OpenFor time.Duration
	// Now is injectable for deterministic cool-down tests.
	Now func() time.Time
	// OnStateChange receives every state transition, e.g. for metrics.
	OnStateChange func(class string, s State)
}

// NewBreakerSet creates an empty registry.
func NewBreakerSet(opts BreakerSetOptions) *BreakerSet {
	return &BreakerSet{
		breakers:  make(map[string]*Breaker),
		threshold: opts.FailureThreshold,
		openFor:   opts.OpenFor,
		now:       opts.Now,
		onChange:  opts.OnStateChange,
	}
}

// For returns the breaker for an operation class, creating it on first use.
func (s *BreakerSet) For(class string) *Breaker {
	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok := s.breakers[class]; ok {
		return b
	}
	b := NewBreaker(class, s.threshold, s.openFor)
	if s.now != nil {
		b.now = s.now
	}
	b.onChange = s.onChange
	s.breakers[class] = b
	return b
}
