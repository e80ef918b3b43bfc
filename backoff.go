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
	"math"
	"math/rand"
	"time"
)

// Backoff computes retry delays: min(Base * Factor^attempt, Max), scaled by a
// uniform jitter in [0.5, 1.0] so independent callers hitting the same quota
// wall do not retry in lockstep.
//
// The zero value is usable and falls back to 200ms base, 30s max, factor 2.
type Backoff struct {
	Base   time.Duration
	Max    time.Duration
	Factor float64

	// Jitter returns a value in [0, 1). Injectable so tests can pin the
	// delay exactly. Nil uses the package-level math/rand source.
	Jitter func() float64
}

const (
	defaultBase   = 200 * time.Millisecond
	defaultMax    = 30 * time.Second
	defaultFactor = 2.0
)

// DelayFor returns the delay to sleep before retry number attempt (0-based:
// attempt 0 is the wait between the first failure and the second try).
func (b Backoff) DelayFor(attempt int) time.Duration {
	base := b.Base
	if base <= 0 {
		base = defaultBase
	}
	max := b.Max
	if max <= 0 {
		max = defaultMax
	}
	factor := b.Factor
	if factor < 1 {
		factor = defaultFactor
	}
	if attempt < 0 {
		attempt = 0
	}

	d := float64(base) * math.Pow(factor, float64(attempt))
	if d > float64(max) {
		d = float64(max)
	}

	jitter := b.Jitter
	if jitter == nil {
		jitter = rand.Float64
	}
	// Scale into [0.5, 1.0] of the unjittered delay.
	return time.Duration(d * (0.5 + 0.5*jitter()))
}
