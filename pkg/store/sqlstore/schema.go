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
	"fmt"
)

// The DDL sticks to types both sqlite and postgres accept verbatim.
// Epoch columns are milliseconds unless named _s.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS device_state (
		serial      TEXT   NOT NULL,
		object_key  TEXT   NOT NULL,
		revision    BIGINT NOT NULL,
		ts          BIGINT NOT NULL,
		value       TEXT   NOT NULL,
		updated_at  BIGINT NOT NULL,
		PRIMARY KEY (serial, object_key)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_device_state_serial ON device_state (serial)`,
	`CREATE TABLE IF NOT EXISTS entry_keys (
		code       TEXT   PRIMARY KEY,
		serial     TEXT   NOT NULL,
		created_at BIGINT NOT NULL,
		expires_at BIGINT NOT NULL,
		claimed_by TEXT   NOT NULL DEFAULT '',
		claimed_at BIGINT NOT NULL DEFAULT 0
	)`,
	`CREATE INDEX IF NOT EXISTS idx_entry_keys_serial ON entry_keys (serial)`,
	`CREATE TABLE IF NOT EXISTS device_owners (
		serial     TEXT   PRIMARY KEY,
		user_id    TEXT   NOT NULL,
		created_at BIGINT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_device_owners_user ON device_owners (user_id)`,
	`CREATE TABLE IF NOT EXISTS device_shares (
		serial  TEXT NOT NULL,
		user_id TEXT NOT NULL,
		PRIMARY KEY (serial, user_id)
	)`,
	`CREATE TABLE IF NOT EXISTS weather_cache (
		postal_code TEXT   NOT NULL,
		country     TEXT   NOT NULL,
		fetched_at  BIGINT NOT NULL,
		payload     TEXT   NOT NULL,
		PRIMARY KEY (postal_code, country)
	)`,
	`CREATE TABLE IF NOT EXISTS integrations (
		user_id    TEXT    NOT NULL,
		type       TEXT    NOT NULL,
		enabled    BOOLEAN NOT NULL,
		config     TEXT    NOT NULL,
		updated_at BIGINT  NOT NULL,
		PRIMARY KEY (user_id, type)
	)`,
	`CREATE TABLE IF NOT EXISTS api_keys (
		id           TEXT   PRIMARY KEY,
		key_hash     TEXT   NOT NULL UNIQUE,
		key_preview  TEXT   NOT NULL,
		user_id      TEXT   NOT NULL,
		name         TEXT   NOT NULL,
		permissions  TEXT   NOT NULL,
		created_at   BIGINT NOT NULL,
		last_used_at BIGINT,
		revoked_at   BIGINT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_api_keys_user ON api_keys (user_id)`,
}

func (s *Store) initSchema(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}

	return nil
}
