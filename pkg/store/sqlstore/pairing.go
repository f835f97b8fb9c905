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

package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/hearthlabs/hearthd/pkg/models"
	"github.com/hearthlabs/hearthd/pkg/store"
)

// GenerateEntryKey implements store.Store. Prior unclaimed codes for
// the serial are dropped so at most one live code exists per device.
func (s *Store) GenerateEntryKey(ctx context.Context, serial string, ttl time.Duration) (*models.EntryKey, error) {
	now := s.clock()

	if _, err := s.exec(ctx,
		`DELETE FROM entry_keys WHERE serial = ? AND claimed_by = ''`, serial); err != nil {
		return nil, fmt.Errorf("failed to clear prior entry keys for %s: %w", serial, err)
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

		// Expired unclaimed codes are reclaimable; a claimed or live
		// collision falls through to the conflict path and retries.
		if _, err := s.exec(ctx,
			`DELETE FROM entry_keys WHERE code = ? AND claimed_by = '' AND expires_at <= ?`,
			code, now.UnixMilli()); err != nil {
			return nil, fmt.Errorf("failed to reclaim entry code: %w", err)
		}

		res, err := s.exec(ctx, `
			INSERT INTO entry_keys (code, serial, created_at, expires_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT (code) DO NOTHING`,
			code, serial, key.CreatedAt, key.ExpiresAt)
		if err != nil {
			return nil, fmt.Errorf("failed to insert entry key: %w", err)
		}

		if n, err := res.RowsAffected(); err == nil && n == 0 {
			continue
		}

		key.Code = code

		return key, nil
	}

	return nil, store.ErrExhaustedCodes
}

func (s *Store) scanEntryKey(ctx context.Context, code string) (*models.EntryKey, error) {
	key := &models.EntryKey{Code: code}

	err := s.queryRow(ctx, `
		SELECT serial, created_at, expires_at, claimed_by, claimed_at
		FROM entry_keys WHERE code = ?`, code).
		Scan(&key.Serial, &key.CreatedAt, &key.ExpiresAt, &key.ClaimedBy, &key.ClaimedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}

		return nil, fmt.Errorf("failed to read entry key: %w", err)
	}

	return key, nil
}

// GetEntryKey implements store.Store.
func (s *Store) GetEntryKey(ctx context.Context, code string) (*models.EntryKey, error) {
	return s.scanEntryKey(ctx, code)
}

// ClaimEntryKey implements store.Store.
func (s *Store) ClaimEntryKey(ctx context.Context, code, userID string) (*models.EntryKey, error) {
	now := s.clock()

	key, err := s.scanEntryKey(ctx, code)
	if err != nil {
		return nil, err
	}

	if key.Claimed() {
		if key.ClaimedBy == userID {
			return key, nil
		}

		return nil, store.ErrConflict
	}

	if key.Expired(now) {
		return nil, store.ErrNotFound
	}

	claimedAt := now.UnixMilli()

	res, err := s.exec(ctx, `
		UPDATE entry_keys SET claimed_by = ?, claimed_at = ?
		WHERE code = ? AND claimed_by = ''`,
		userID, claimedAt, code)
	if err != nil {
		return nil, fmt.Errorf("failed to claim entry key: %w", err)
	}

	if n, err := res.RowsAffected(); err == nil && n == 0 {
		// Lost a race with another claimer; re-read and settle.
		key, err := s.scanEntryKey(ctx, code)
		if err != nil {
			return nil, err
		}

		if key.ClaimedBy == userID {
			return key, nil
		}

		return nil, store.ErrConflict
	}

	key.ClaimedBy = userID
	key.ClaimedAt = claimedAt

	return key, nil
}

// DeleteExpiredEntryKeys implements store.Store.
func (s *Store) DeleteExpiredEntryKeys(ctx context.Context) (int, error) {
	res, err := s.exec(ctx,
		`DELETE FROM entry_keys WHERE claimed_by = '' AND expires_at <= ?`,
		s.clock().UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired entry keys: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, nil //nolint:nilerr // best effort count
	}

	return int(n), nil
}
