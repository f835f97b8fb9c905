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
	"encoding/json"
	"fmt"
	"time"

	"github.com/hearthlabs/hearthd/pkg/models"
)

// ListEnabledIntegrations implements store.Store.
func (s *Store) ListEnabledIntegrations(ctx context.Context, integrationType string) ([]models.IntegrationConfig, error) {
	q := `SELECT user_id, type, config, updated_at FROM integrations WHERE enabled`
	args := []any{}

	if integrationType != "" {
		q += ` AND type = ?`

		args = append(args, integrationType)
	}

	rows, err := s.query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list integrations: %w", err)
	}
	defer rows.Close()

	var out []models.IntegrationConfig

	for rows.Next() {
		cfg := models.IntegrationConfig{Enabled: true}

		var (
			stored    string
			updatedAt int64
		)

		if err := rows.Scan(&cfg.UserID, &cfg.Type, &stored, &updatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan integration row: %w", err)
		}

		raw, err := s.openConfig(stored)
		if err != nil {
			return nil, fmt.Errorf("failed to open config %s/%s: %w", cfg.UserID, cfg.Type, err)
		}

		cfg.Config = json.RawMessage(raw)
		cfg.UpdatedAt = time.UnixMilli(updatedAt)

		out = append(out, cfg)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate integration rows: %w", err)
	}

	return out, nil
}

// UpsertIntegration implements store.Store.
func (s *Store) UpsertIntegration(ctx context.Context, cfg *models.IntegrationConfig) error {
	stored, err := s.sealConfig(cfg.Config)
	if err != nil {
		return err
	}

	_, err = s.exec(ctx, `
		INSERT INTO integrations (user_id, type, enabled, config, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (user_id, type) DO UPDATE SET
			enabled = excluded.enabled,
			config = excluded.config,
			updated_at = excluded.updated_at`,
		cfg.UserID, cfg.Type, cfg.Enabled, stored, s.clock().UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to upsert integration %s/%s: %w", cfg.UserID, cfg.Type, err)
	}

	return nil
}
