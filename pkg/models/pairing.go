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

package models

import "time"

// EntryKey is a short human-typeable pairing code binding an unowned
// device to a user account. Timestamps are milliseconds since epoch.
// Claimed codes are terminal; expired unclaimed codes may be reused.
type EntryKey struct {
	Code      string `json:"code"`
	Serial    string `json:"serial"`
	CreatedAt int64  `json:"created_at"`
	ExpiresAt int64  `json:"expires_at"`
	ClaimedBy string `json:"claimed_by,omitempty"`
	ClaimedAt int64  `json:"claimed_at,omitempty"`
}

// minMillisEpoch is the smallest value we accept as a millisecond epoch.
// Anything below it was written by a build that stored seconds; such
// entries are treated as already expired rather than honored for ~50
// more years.
const minMillisEpoch = int64(1e12)

// Claimed reports whether the code has been redeemed.
func (k *EntryKey) Claimed() bool {
	return k.ClaimedBy != ""
}

// Expired reports whether the code is past its expiry at the given wall
// clock. Seconds-epoch expiries are rejected as expired.
func (k *EntryKey) Expired(now time.Time) bool {
	if k.ExpiresAt < minMillisEpoch {
		return true
	}

	return now.UnixMilli() >= k.ExpiresAt
}
