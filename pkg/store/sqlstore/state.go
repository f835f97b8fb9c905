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
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hearthlabs/hearthd/pkg/models"
	"github.com/hearthlabs/hearthd/pkg/store"
)

// UpsertState implements store.Store.
func (s *Store) UpsertState(ctx context.Context, serial, key string, revision, timestamp int64, value map[string]any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to encode object value: %w", err)
	}

	_, err = s.exec(ctx, `
		INSERT INTO device_state (serial, object_key, revision, ts, value, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (serial, object_key) DO UPDATE SET
			revision = excluded.revision,
			ts = excluded.ts,
			value = excluded.value,
			updated_at = excluded.updated_at`,
		serial, key, revision, timestamp, string(raw), s.clock().UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to upsert state %s/%s: %w", serial, key, err)
	}

	return nil
}

func scanObject(serial, key string, revision, timestamp, updatedAt int64, raw string) (*models.Object, error) {
	var value map[string]any
	if err := json.Unmarshal([]byte(raw), &value); err != nil {
		return nil, fmt.Errorf("failed to decode object value %s/%s: %w", serial, key, err)
	}

	return &models.Object{
		Serial:    serial,
		Key:       key,
		Revision:  revision,
		Timestamp: timestamp,
		Value:     value,
		UpdatedAt: time.UnixMilli(updatedAt),
	}, nil
}

// GetState implements store.Store.
func (s *Store) GetState(ctx context.Context, serial, key string) (*models.Object, error) {
	var (
		revision, timestamp, updatedAt int64
		raw                            string
	)

	err := s.queryRow(ctx, `
		SELECT revision, ts, value, updated_at
		FROM device_state WHERE serial = ? AND object_key = ?`,
		serial, key).Scan(&revision, &timestamp, &raw, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}

		return nil, fmt.Errorf("failed to read state %s/%s: %w", serial, key, err)
	}

	return scanObject(serial, key, revision, timestamp, updatedAt, raw)
}

// GetDeviceState implements store.Store.
func (s *Store) GetDeviceState(ctx context.Context, serial string) (map[string]*models.Object, error) {
	rows, err := s.query(ctx, `
		SELECT object_key, revision, ts, value, updated_at
		FROM device_state WHERE serial = ?`, serial)
	if err != nil {
		return nil, fmt.Errorf("failed to read device state %s: %w", serial, err)
	}
	defer rows.Close()

	out := make(map[string]*models.Object)

	for rows.Next() {
		var (
			key                            string
			revision, timestamp, updatedAt int64
			raw                            string
		)

		if err := rows.Scan(&key, &revision, &timestamp, &raw, &updatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan state row for %s: %w", serial, err)
		}

		obj, err := scanObject(serial, key, revision, timestamp, updatedAt, raw)
		if err != nil {
			return nil, err
		}

		out[key] = obj
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate state rows for %s: %w", serial, err)
	}

	return out, nil
}
