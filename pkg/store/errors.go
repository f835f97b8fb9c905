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

package store

import "errors"

var (
	// ErrNotFound indicates the requested record does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict indicates the write lost to a conflicting record
	// (e.g. a pairing code claimed by a different user).
	ErrConflict = errors.New("conflict")
	// ErrStoreUnavailable indicates the backend cannot be reached.
	ErrStoreUnavailable = errors.New("store unavailable")
	// ErrExhaustedCodes indicates entry-code allocation failed after
	// the collision retry bound.
	ErrExhaustedCodes = errors.New("exhausted entry codes")
)
