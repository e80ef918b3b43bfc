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

// Package lock provides short-TTL advisory locks keyed by resource, backed by
// a distributed key-value store. The locks serialize read-modify-write cycles
// on sheet rows and identity upserts; they are honored only by cooperating
// callers and recover from crashed holders via TTL expiry.
package lock

import (
	"fmt"
	"strconv"
)

// Key is a structured lock key. Building keys through the constructors below
// (instead of ad-hoc string concatenation) keeps the per-class namespaces
// from colliding.
type Key struct {
	class string
	parts []string
}

// ReactionKey locks the reaction columns of one row of one document.
func ReactionKey(resourceID string, row int) Key {
	return Key{class: "reaction", parts: []string{resourceID, strconv.Itoa(row)}}
}

// HighlightKey locks the highlight cell of one row of one document.
func HighlightKey(resourceID string, row int) Key {
	return Key{class: "highlight", parts: []string{resourceID, strconv.Itoa(row)}}
}

// IdentityKey locks one normalized natural identity key.
func IdentityKey(naturalKey string) Key {
	return Key{class: "identity", parts: []string{naturalKey}}
}

// Class returns the key's namespace, used as a bounded metrics label.
func (k Key) Class() string { return k.class }

// String renders the store-level key, e.g. "lock:reaction:doc-1:42".
func (k Key) String() string {
	s := "lock:" + k.class
	for _, p := range k.parts {
		s += ":" + p
	}
	return s
}

// marker is the store-level key of the cheap "recently seen" tier.
func (k Key) marker() string {
	return fmt.Sprintf("seen:%s", k.String())
}
