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

// ValidateAPIKey implements store.Store.
func (s *Store) ValidateAPIKey(ctx context.Context, rawKey string) (*models.AuthContext, error) {
	hash := store.HashAPIKey(rawKey)
	key := &models.APIKey{KeyHash: hash}

	var permissions string

	err := s.queryRow(ctx, `
		SELECT id, user_id, permissions FROM api_keys
		WHERE key_hash = ? AND revoked_at IS NULL`, hash).
		Scan(&key.ID, &key.UserID, &permissions)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}

		return nil, fmt.Errorf("failed to validate api key: %w", err)
	}

	if err := json.Unmarshal([]byte(permissions), &key.Permissions); err != nil {
		return nil, fmt.Errorf("failed to decode key permissions: %w", err)
	}

	if _, err := s.exec(ctx,
		`UPDATE api_keys SET last_used_at = ? WHERE id = ?`,
		s.clock().UnixMilli(), key.ID); err != nil {
		s.log.Warn().Err(err).Str("key_id", key.ID).Msg("Failed to record key usage")
	}

	return store.AuthContextForKey(key), nil
}

// CreateAPIKey implements store.Store.
func (s *Store) CreateAPIKey(ctx context.Context, key *models.APIKey) error {
	permissions, err := json.Marshal(key.Permissions)
	if err != nil {
		return fmt.Errorf("failed to encode key permissions: %w", err)
	}

	_, err = s.exec(ctx, `
		INSERT INTO api_keys (id, key_hash, key_preview, user_id, name, permissions, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		key.ID, key.KeyHash, key.KeyPreview, key.UserID, key.Name,
		string(permissions), key.CreatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to create api key: %w", err)
	}

	return nil
}

// RevokeAPIKey implements store.Store.
func (s *Store) RevokeAPIKey(ctx context.Context, keyID string) error {
	res, err := s.exec(ctx,
		`UPDATE api_keys SET revoked_at = ? WHERE id = ? AND revoked_at IS NULL`,
		s.clock().UnixMilli(), keyID)
	if err != nil {
		return fmt.Errorf("failed to revoke api key: %w", err)
	}

	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return store.ErrNotFound
	}

	return nil
}

// ListAPIKeys implements store.Store.
func (s *Store) ListAPIKeys(ctx context.Context, userID string) ([]models.APIKey, error) {
	rows, err := s.query(ctx, `
		SELECT id, key_hash, key_preview, user_id, name, permissions,
		       created_at, last_used_at, revoked_at
		FROM api_keys WHERE user_id = ? ORDER BY created_at`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list api keys: %w", err)
	}
	defer rows.Close()

	var out []models.APIKey

	for rows.Next() {
		var (
			key                  models.APIKey
			permissions          string
			createdAt            int64
			lastUsedAt, revokedAt sql.NullInt64
		)

		if err := rows.Scan(&key.ID, &key.KeyHash, &key.KeyPreview, &key.UserID,
			&key.Name, &permissions, &createdAt, &lastUsedAt, &revokedAt); err != nil {
			return nil, fmt.Errorf("failed to scan api key row: %w", err)
		}

		if err := json.Unmarshal([]byte(permissions), &key.Permissions); err != nil {
			return nil, fmt.Errorf("failed to decode key permissions: %w", err)
		}

		key.CreatedAt = time.UnixMilli(createdAt)

		if lastUsedAt.Valid {
			t := time.UnixMilli(lastUsedAt.Int64)
			key.LastUsedAt = &t
		}

		if revokedAt.Valid {
			t := time.UnixMilli(revokedAt.Int64)
			key.RevokedAt = &t
		}

		out = append(out, key)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate api key rows: %w", err)
	}

	return out, nil
}
