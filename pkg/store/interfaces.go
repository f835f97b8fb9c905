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

// Package store defines the persistence interface the core consumes.
// Implementations must be plug-compatible: an embedded relational store
// (sqlite), the same schema on Postgres, a NATS JetStream KV document
// store, and an in-memory store for tests and ephemeral deployments.
package store

import (
	"context"
	"time"

	"github.com/hearthlabs/hearthd/pkg/models"
)

// Store is the durable persistence boundary. Every operation is
// idempotent under retry.
type Store interface {
	// Object state.
	UpsertState(ctx context.Context, serial, key string, revision, timestamp int64, value map[string]any) error
	GetState(ctx context.Context, serial, key string) (*models.Object, error)
	GetDeviceState(ctx context.Context, serial string) (map[string]*models.Object, error)

	// Pairing codes. GenerateEntryKey atomically replaces any prior code
	// for the serial and retries on collision up to a small bound,
	// failing with ErrExhaustedCodes.
	GenerateEntryKey(ctx context.Context, serial string, ttl time.Duration) (*models.EntryKey, error)
	GetEntryKey(ctx context.Context, code string) (*models.EntryKey, error)
	// ClaimEntryKey marks an unclaimed, unexpired code as redeemed by
	// userID. A code already claimed by the same user is returned
	// unchanged; one claimed by a different user fails with ErrConflict.
	ClaimEntryKey(ctx context.Context, code, userID string) (*models.EntryKey, error)
	DeleteExpiredEntryKeys(ctx context.Context) (int, error)

	// Ownership.
	GetDeviceOwner(ctx context.Context, serial string) (*models.DeviceOwner, error)
	SetDeviceOwner(ctx context.Context, serial, userID string) error
	ListUserDevices(ctx context.Context, userID string) ([]string, error)
	// ShareDevice grants a second account read access to a device;
	// GetSharedWithMe lists the serials granted to a user.
	ShareDevice(ctx context.Context, serial, userID string) error
	GetSharedWithMe(ctx context.Context, userID string) ([]string, error)

	// Weather cache.
	GetWeather(ctx context.Context, postal, country string) (*models.WeatherEntry, error)
	UpsertWeather(ctx context.Context, entry *models.WeatherEntry) error

	// Integrations. An empty integrationType lists every enabled config.
	ListEnabledIntegrations(ctx context.Context, integrationType string) ([]models.IntegrationConfig, error)
	UpsertIntegration(ctx context.Context, cfg *models.IntegrationConfig) error

	// API keys. ValidateAPIKey updates last_used_at as a side effect.
	ValidateAPIKey(ctx context.Context, rawKey string) (*models.AuthContext, error)
	CreateAPIKey(ctx context.Context, key *models.APIKey) error
	RevokeAPIKey(ctx context.Context, keyID string) error
	ListAPIKeys(ctx context.Context, userID string) ([]models.APIKey, error)

	Ping(ctx context.Context) error
	Close() error
}
