/*
 * Copyright 2025 Hearth Labs.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package state implements the object-revision state engine: the
// authoritative in-memory cache over the persistent store, the deep
// merge and equality rules devices depend on, and the derivation rules
// applied to merged values.
package state

import (
	"bytes"
	"encoding/json"
)

// Merge deep-merges incoming onto existing and returns the result
// without mutating either operand. Recursion happens only where both
// sides hold a non-nil mapping; everywhere else incoming wins, and lists
// are replaced atomically. Devices send partial updates expecting fields
// they did not mention to remain.
func Merge(existing, incoming map[string]any) map[string]any {
	if existing == nil {
		return copyMap(incoming)
	}

	if incoming == nil {
		return copyMap(existing)
	}

	out := copyMap(existing)

	for key, in := range incoming {
		prev, ok := out[key]
		if !ok {
			out[key] = copyAny(in)
			continue
		}

		prevMap, prevIsMap := prev.(map[string]any)
		inMap, inIsMap := in.(map[string]any)

		if prevIsMap && inIsMap {
			out[key] = Merge(prevMap, inMap)
			continue
		}

		out[key] = copyAny(in)
	}

	return out
}

// ValuesEqual reports structural equality of two values regardless of
// map iteration order. encoding/json emits map keys sorted, so the
// canonical serializations of structurally equal values are
// byte-identical.
func ValuesEqual(a, b map[string]any) bool {
	if len(a) != len(b) {
		return false
	}

	ab, err := json.Marshal(a)
	if err != nil {
		return false
	}

	bb, err := json.Marshal(b)
	if err != nil {
		return false
	}

	return bytes.Equal(ab, bb)
}

// IsServerNewer reports whether server state at (serverRev, serverTS)
// strictly dominates a client's claimed (clientRev, clientTS). Revision
// dominates timestamp.
func IsServerNewer(serverRev, serverTS, clientRev, clientTS int64) bool {
	if serverRev != clientRev {
		return serverRev > clientRev
	}

	return serverTS > clientTS
}

func copyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}

	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = copyAny(v)
	}

	return out
}

func copyAny(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return copyMap(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = copyAny(e)
		}

		return out
	default:
		return v
	}
}
