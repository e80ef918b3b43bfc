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

package mutate

import "strings"

// memberDelimiter joins actor ids inside one reaction cell.
const memberDelimiter = ","

// parseMembers splits a delimiter-joined membership cell. Cells may have been
// hand-edited in the sheet UI, so entries are trimmed, empties dropped and
// duplicates collapsed while preserving first-seen order.
func parseMembers(cell string) []string {
	if strings.TrimSpace(cell) == "" {
		return nil
	}
	seen := make(map[string]struct{})
	var members []string
	for _, raw := range strings.Split(cell, memberDelimiter) {
		m := strings.TrimSpace(raw)
		if m == "" {
			continue
		}
		if _, dup := seen[m]; dup {
			continue
		}
		seen[m] = struct{}{}
		members = append(members, m)
	}
	return members
}

// formatMembers renders a membership set back into cell form.
func formatMembers(members []string) string {
	return strings.Join(members, memberDelimiter)
}

// without returns members with actor removed, and whether it was present.
func without(members []string, actor string) ([]string, bool) {
	out := members[:0:0]
	found := false
	for _, m := range members {
		if m == actor {
			found = true
			continue
		}
		out = append(out, m)
	}
	return out, found
}

// contains reports membership.
func contains(members []string, actor string) bool {
	for _, m := range members {
		if m == actor {
			return true
		}
	}
	return false
}
