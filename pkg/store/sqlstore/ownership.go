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

// GetDeviceOwner implements store.Store.
func (s *Store) GetDeviceOwner(ctx context.Context, serial string) (*models.DeviceOwner, error) {
	owner := &models.DeviceOwner{Serial: serial}

	var createdAt int64

	err := s.queryRow(ctx,
		`SELECT user_id, created_at FROM device_owners WHERE serial = ?`, serial).
		Scan(&owner.UserID, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}

		return nil, fmt.Errorf("failed to read owner of %s: %w", serial, err)
	}

	owner.CreatedAt = time.UnixMilli(createdAt)

	return owner, nil
}

// SetDeviceOwner implements store.Store. Linking an already-owned
// device to the same user is a no-op; to a different user, ErrConflict.
func (s *Store) SetDeviceOwner(ctx context.Context, serial, userID string) error {
	res, err := s.exec(ctx, `
		INSERT INTO device_owners (serial, user_id, created_at)
		VALUES (?, ?, ?)
		ON CONFLICT (serial) DO NOTHING`,
		serial, userID, s.clock().UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to link %s: %w", serial, err)
	}

	if n, err := res.RowsAffected(); err == nil && n > 0 {
		return nil
	}

	existing, err := s.GetDeviceOwner(ctx, serial)
	if err != nil {
		return err
	}

	if existing.UserID != userID {
		return store.ErrConflict
	}

	return nil
}

// ListUserDevices implements store.Store.
func (s *Store) ListUserDevices(ctx context.Context, userID string) ([]string, error) {
	return s.serialList(ctx,
		`SELECT serial FROM device_owners WHERE user_id = ? ORDER BY serial`, userID)
}

// GetSharedWithMe implements store.Store.
func (s *Store) GetSharedWithMe(ctx context.Context, userID string) ([]string, error) {
	return s.serialList(ctx,
		`SELECT serial FROM device_shares WHERE user_id = ? ORDER BY serial`, userID)
}

// ShareDevice grants a second account read access to a device.
func (s *Store) ShareDevice(ctx context.Context, serial, userID string) error {
	_, err := s.exec(ctx, `
		INSERT INTO device_shares (serial, user_id) VALUES (?, ?)
		ON CONFLICT (serial, user_id) DO NOTHING`, serial, userID)
	if err != nil {
		return fmt.Errorf("failed to share %s: %w", serial, err)
	}

	return nil
}

func (s *Store) serialList(ctx context.Context, query, userID string) ([]string, error) {
	rows, err := s.query(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list devices for %s: %w", userID, err)
	}
	defer rows.Close()

	var out []string

	for rows.Next() {
		var serial string
		if err := rows.Scan(&serial); err != nil {
			return nil, fmt.Errorf("failed to scan serial: %w", err)
		}

		out = append(out, serial)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate serials: %w", err)
	}

	return out, nil
}
