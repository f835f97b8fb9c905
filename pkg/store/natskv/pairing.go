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

package natskv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/hearthlabs/hearthd/pkg/models"
	"github.com/hearthlabs/hearthd/pkg/store"
)

// GenerateEntryKey implements store.Store.
func (s *Store) GenerateEntryKey(ctx context.Context, serial string, ttl time.Duration) (*models.EntryKey, error) {
	now := s.clock()

	// Drop prior unclaimed codes for the serial so one device never has
	// two live codes.
	keys, err := listKeys(ctx, s.entryKeys)
	if err != nil {
		return nil, err
	}

	for _, code := range keys {
		existing, _, err := getJSON[models.EntryKey](ctx, s.entryKeys, code)
		if err != nil {
			continue
		}

		if existing.Serial == serial && !existing.Claimed() {
			_ = s.entryKeys.Delete(ctx, code)
		}
	}

	key := &models.EntryKey{
		Serial:    serial,
		CreatedAt: now.UnixMilli(),
		ExpiresAt: now.Add(ttl).UnixMilli(),
	}

	for attempt := 0; attempt < store.CodeAllocRetries; attempt++ {
		code, err := store.RandomEntryCode()
		if err != nil {
			return nil, err
		}

		key.Code = code

		raw, err := json.Marshal(key)
		if err != nil {
			return nil, fmt.Errorf("failed to encode entry key: %w", err)
		}

		// Create is the atomic claim on the code name; a collision with
		// a live code retries with a new draw.
		if _, err := s.entryKeys.Create(ctx, code, raw); err != nil {
			if errors.Is(err, jetstream.ErrKeyExists) {
				continue
			}

			return nil, fmt.Errorf("failed to store entry key: %w", err)
		}

		return key, nil
	}

	return nil, store.ErrExhaustedCodes
}

// GetEntryKey implements store.Store.
func (s *Store) GetEntryKey(ctx context.Context, code string) (*models.EntryKey, error) {
	key, _, err := getJSON[models.EntryKey](ctx, s.entryKeys, code)
	if err != nil {
		return nil, err
	}

	return key, nil
}

// ClaimEntryKey implements store.Store. The claim is a CAS update on
// the code's KV revision; a lost race re-reads and settles.
func (s *Store) ClaimEntryKey(ctx context.Context, code, userID string) (*models.EntryKey, error) {
	for {
		key, rev, err := getJSON[models.EntryKey](ctx, s.entryKeys, code)
		if err != nil {
			return nil, err
		}

		if key.Claimed() {
			if key.ClaimedBy == userID {
				return key, nil
			}

			return nil, store.ErrConflict
		}

		if key.Expired(s.clock()) {
			return nil, store.ErrNotFound
		}

		key.ClaimedBy = userID
		key.ClaimedAt = s.clock().UnixMilli()

		raw, err := json.Marshal(key)
		if err != nil {
			return nil, fmt.Errorf("failed to encode entry key: %w", err)
		}

		if _, err := s.entryKeys.Update(ctx, code, raw, rev); err != nil {
			if errors.Is(err, jetstream.ErrKeyExists) {
				// Revision moved under us; retry against the new state.
				continue
			}

			return nil, fmt.Errorf("failed to claim entry key: %w", err)
		}

		return key, nil
	}
}

// DeleteExpiredEntryKeys implements store.Store. The bucket TTL already
// purges aged records broker-side; this sweep covers records whose
// per-record expiry is shorter than the bucket's.
func (s *Store) DeleteExpiredEntryKeys(ctx context.Context) (int, error) {
	keys, err := listKeys(ctx, s.entryKeys)
	if err != nil {
		return 0, err
	}

	now := s.clock()
	deleted := 0

	for _, code := range keys {
		key, _, err := getJSON[models.EntryKey](ctx, s.entryKeys, code)
		if err != nil {
			continue
		}

		if !key.Claimed() && key.Expired(now) {
			if err := s.entryKeys.Delete(ctx, code); err == nil {
				deleted++
			}
		}
	}

	return deleted, nil
}
