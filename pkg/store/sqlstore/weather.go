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

// GetWeather implements store.Store.
func (s *Store) GetWeather(ctx context.Context, postal, country string) (*models.WeatherEntry, error) {
	entry := &models.WeatherEntry{PostalCode: postal, Country: country}

	var (
		fetchedAt int64
		raw       string
	)

	err := s.queryRow(ctx, `
		SELECT fetched_at, payload FROM weather_cache
		WHERE postal_code = ? AND country = ?`, postal, country).
		Scan(&fetchedAt, &raw)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}

		return nil, fmt.Errorf("failed to read weather %s,%s: %w", postal, country, err)
	}

	if err := json.Unmarshal([]byte(raw), &entry.Payload); err != nil {
		return nil, fmt.Errorf("failed to decode weather payload: %w", err)
	}

	entry.FetchedAt = time.UnixMilli(fetchedAt)

	return entry, nil
}

// UpsertWeather implements store.Store.
func (s *Store) UpsertWeather(ctx context.Context, entry *models.WeatherEntry) error {
	raw, err := json.Marshal(entry.Payload)
	if err != nil {
		return fmt.Errorf("failed to encode weather payload: %w", err)
	}

	_, err = s.exec(ctx, `
		INSERT INTO weather_cache (postal_code, country, fetched_at, payload)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (postal_code, country) DO UPDATE SET
			fetched_at = excluded.fetched_at,
			payload = excluded.payload`,
		entry.PostalCode, entry.Country, entry.FetchedAt.UnixMilli(), string(raw))
	if err != nil {
		return fmt.Errorf("failed to upsert weather %s,%s: %w", entry.PostalCode, entry.Country, err)
	}

	return nil
}
