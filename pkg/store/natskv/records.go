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
	"sort"
	"strings"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/hearthlabs/hearthd/pkg/models"
	"github.com/hearthlabs/hearthd/pkg/store"
)

// GetDeviceOwner implements store.Store.
func (s *Store) GetDeviceOwner(ctx context.Context, serial string) (*models.DeviceOwner, error) {
	owner, _, err := getJSON[models.DeviceOwner](ctx, s.owners, serial)
	if err != nil {
		return nil, err
	}

	return owner, nil
}

// SetDeviceOwner implements store.Store. Create is the atomic
// first-writer-wins; a losing writer compares against the stored owner.
func (s *Store) SetDeviceOwner(ctx context.Context, serial, userID string) error {
	owner := models.DeviceOwner{Serial: serial, UserID: userID, CreatedAt: s.clock()}

	raw, err := json.Marshal(&owner)
	if err != nil {
		return fmt.Errorf("failed to encode owner record: %w", err)
	}

	if _, err := s.owners.Create(ctx, serial, raw); err != nil {
		if !errors.Is(err, jetstream.ErrKeyExists) {
			return fmt.Errorf("failed to link %s: %w", serial, err)
		}

		existing, _, err := getJSON[models.DeviceOwner](ctx, s.owners, serial)
		if err != nil {
			return err
		}

		if existing.UserID != userID {
			return store.ErrConflict
		}
	}

	return nil
}

// ListUserDevices implements store.Store.
func (s *Store) ListUserDevices(ctx context.Context, userID string) ([]string, error) {
	keys, err := listKeys(ctx, s.owners)
	if err != nil {
		return nil, err
	}

	var out []string

	for _, serial := range keys {
		owner, _, err := getJSON[models.DeviceOwner](ctx, s.owners, serial)
		if err != nil {
			continue
		}

		if owner.UserID == userID {
			out = append(out, serial)
		}
	}

	sort.Strings(out)

	return out, nil
}

// GetSharedWithMe implements store.Store. Share grants are stored as
// bare serial/user keys.
func (s *Store) GetSharedWithMe(ctx context.Context, userID string) ([]string, error) {
	keys, err := listKeys(ctx, s.shares)
	if err != nil {
		return nil, err
	}

	suffix := "/" + userID

	var out []string

	for _, k := range keys {
		if serial, ok := strings.CutSuffix(k, suffix); ok {
			out = append(out, serial)
		}
	}

	sort.Strings(out)

	return out, nil
}

// ShareDevice grants a second account read access to a device.
func (s *Store) ShareDevice(ctx context.Context, serial, userID string) error {
	if _, err := s.shares.Put(ctx, serial+"/"+userID, []byte("1")); err != nil {
		return fmt.Errorf("failed to share %s: %w", serial, err)
	}

	return nil
}

// weatherKey flattens a postal/country pair into a KV-legal key.
func weatherKey(postal, country string) string {
	clean := func(in string) string {
		return strings.Map(func(r rune) rune {
			switch {
			case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-':
				return r
			default:
				return '_'
			}
		}, in)
	}

	return clean(postal) + "." + clean(country)
}

// GetWeather implements store.Store.
func (s *Store) GetWeather(ctx context.Context, postal, country string) (*models.WeatherEntry, error) {
	entry, _, err := getJSON[models.WeatherEntry](ctx, s.weather, weatherKey(postal, country))
	if err != nil {
		return nil, err
	}

	return entry, nil
}

// UpsertWeather implements store.Store.
func (s *Store) UpsertWeather(ctx context.Context, entry *models.WeatherEntry) error {
	return putJSON(ctx, s.weather, weatherKey(entry.PostalCode, entry.Country), entry)
}

// ListEnabledIntegrations implements store.Store.
func (s *Store) ListEnabledIntegrations(ctx context.Context, integrationType string) ([]models.IntegrationConfig, error) {
	keys, err := listKeys(ctx, s.integrations)
	if err != nil {
		return nil, err
	}

	var out []models.IntegrationConfig

	for _, k := range keys {
		cfg, _, err := getJSON[models.IntegrationConfig](ctx, s.integrations, k)
		if err != nil {
			continue
		}

		if !cfg.Enabled {
			continue
		}

		if integrationType != "" && cfg.Type != integrationType {
			continue
		}

		out = append(out, *cfg)
	}

	return out, nil
}

// UpsertIntegration implements store.Store.
func (s *Store) UpsertIntegration(ctx context.Context, cfg *models.IntegrationConfig) error {
	cp := *cfg
	cp.UpdatedAt = s.clock()

	return putJSON(ctx, s.integrations, cfg.UserID+"/"+cfg.Type, &cp)
}

// ValidateAPIKey implements store.Store. The key population is small,
// so validation scans the bucket.
func (s *Store) ValidateAPIKey(ctx context.Context, rawKey string) (*models.AuthContext, error) {
	hash := store.HashAPIKey(rawKey)

	keys, err := listKeys(ctx, s.apiKeys)
	if err != nil {
		return nil, err
	}

	for _, id := range keys {
		key, rev, err := getJSON[models.APIKey](ctx, s.apiKeys, id)
		if err != nil {
			continue
		}

		if key.KeyHash != hash || key.RevokedAt != nil {
			continue
		}

		used := s.clock()
		key.LastUsedAt = &used

		if raw, err := json.Marshal(key); err == nil {
			// Best effort; a lost race only loses the usage timestamp.
			_, _ = s.apiKeys.Update(ctx, id, raw, rev)
		}

		return store.AuthContextForKey(key), nil
	}

	return nil, store.ErrNotFound
}

// CreateAPIKey implements store.Store.
func (s *Store) CreateAPIKey(ctx context.Context, key *models.APIKey) error {
	raw, err := json.Marshal(key)
	if err != nil {
		return fmt.Errorf("failed to encode api key: %w", err)
	}

	if _, err := s.apiKeys.Create(ctx, key.ID, raw); err != nil {
		if errors.Is(err, jetstream.ErrKeyExists) {
			return store.ErrConflict
		}

		return fmt.Errorf("failed to create api key: %w", err)
	}

	return nil
}

// RevokeAPIKey implements store.Store.
func (s *Store) RevokeAPIKey(ctx context.Context, keyID string) error {
	key, rev, err := getJSON[models.APIKey](ctx, s.apiKeys, keyID)
	if err != nil {
		return err
	}

	if key.RevokedAt != nil {
		return nil
	}

	revoked := s.clock()
	key.RevokedAt = &revoked

	raw, err := json.Marshal(key)
	if err != nil {
		return fmt.Errorf("failed to encode api key: %w", err)
	}

	if _, err := s.apiKeys.Update(ctx, keyID, raw, rev); err != nil {
		return fmt.Errorf("failed to revoke api key: %w", err)
	}

	return nil
}

// ListAPIKeys implements store.Store.
func (s *Store) ListAPIKeys(ctx context.Context, userID string) ([]models.APIKey, error) {
	keys, err := listKeys(ctx, s.apiKeys)
	if err != nil {
		return nil, err
	}

	var out []models.APIKey

	for _, id := range keys {
		key, _, err := getJSON[models.APIKey](ctx, s.apiKeys, id)
		if err != nil {
			continue
		}

		if key.UserID == userID {
			out = append(out, *key)
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })

	return out, nil
}
