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
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hearthlabs/hearthd/pkg/logger"
	"github.com/hearthlabs/hearthd/pkg/models"
	"github.com/hearthlabs/hearthd/pkg/store"
)

const (
	testSerial = "02AA01AC11180001"
	testUser   = "user_42"
	testTTL    = 48 * time.Hour
)

func newSQLiteStore(t *testing.T, opts ...Option) *Store {
	t.Helper()

	dsn := filepath.Join(t.TempDir(), "hearthd.db")

	s, err := New(context.Background(), DialectSQLite, dsn, logger.NewTestLogger(), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	return s
}

func TestRebind(t *testing.T) {
	sqlite := &Store{dialect: DialectSQLite}
	postgres := &Store{dialect: DialectPostgres}

	const q = `UPDATE entry_keys SET claimed_by = ?, claimed_at = ? WHERE code = ?`

	assert.Equal(t, q, sqlite.rebind(q))
	assert.Equal(t,
		`UPDATE entry_keys SET claimed_by = $1, claimed_at = $2 WHERE code = $3`,
		postgres.rebind(q))

	// No placeholders: untouched.
	assert.Equal(t, `SELECT 1`, postgres.rebind(`SELECT 1`))
}

func TestStateRoundTrip(t *testing.T) {
	s := newSQLiteStore(t)
	ctx := context.Background()
	key := "device." + testSerial

	_, err := s.GetState(ctx, testSerial, key)
	assert.ErrorIs(t, err, store.ErrNotFound)

	value := map[string]any{"current_temperature": 21.5, "fan_mode": "auto"}
	require.NoError(t, s.UpsertState(ctx, testSerial, key, 1, 1_700_000_000_000, value))

	obj, err := s.GetState(ctx, testSerial, key)
	require.NoError(t, err)
	assert.Equal(t, int64(1), obj.Revision)
	assert.Equal(t, int64(1_700_000_000_000), obj.Timestamp)
	assert.Equal(t, 21.5, obj.Value["current_temperature"])
	assert.Equal(t, "auto", obj.Value["fan_mode"])

	// Upsert replaces the row in place.
	value["fan_mode"] = "off"
	require.NoError(t, s.UpsertState(ctx, testSerial, key, 2, 1_700_000_000_001, value))

	obj, err = s.GetState(ctx, testSerial, key)
	require.NoError(t, err)
	assert.Equal(t, int64(2), obj.Revision)
	assert.Equal(t, "off", obj.Value["fan_mode"])
}

func TestGetDeviceState(t *testing.T) {
	s := newSQLiteStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertState(ctx, testSerial, "device."+testSerial, 1, 1_700_000_000_000,
		map[string]any{"serial_number": testSerial}))
	require.NoError(t, s.UpsertState(ctx, testSerial, "shared."+testSerial, 3, 1_700_000_000_100,
		map[string]any{"target_temperature": 20.0}))
	require.NoError(t, s.UpsertState(ctx, "OTHERSERIAL99", "device.OTHERSERIAL99", 1, 1_700_000_000_200,
		map[string]any{}))

	objects, err := s.GetDeviceState(ctx, testSerial)
	require.NoError(t, err)
	require.Len(t, objects, 2)
	assert.Equal(t, int64(3), objects["shared."+testSerial].Revision)

	empty, err := s.GetDeviceState(ctx, "NEVERSEEN00001")
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestEntryKeyLifecycle(t *testing.T) {
	s := newSQLiteStore(t)
	ctx := context.Background()

	key, err := s.GenerateEntryKey(ctx, testSerial, testTTL)
	require.NoError(t, err)
	assert.Regexp(t, store.CodePattern, key.Code)
	assert.Equal(t, testSerial, key.Serial)
	assert.Equal(t, testTTL.Milliseconds(), key.ExpiresAt-key.CreatedAt)

	// A fresh code for the same device replaces the old one.
	second, err := s.GenerateEntryKey(ctx, testSerial, testTTL)
	require.NoError(t, err)
	require.NotEqual(t, key.Code, second.Code)

	_, err = s.GetEntryKey(ctx, key.Code)
	assert.ErrorIs(t, err, store.ErrNotFound)

	claimed, err := s.ClaimEntryKey(ctx, second.Code, testUser)
	require.NoError(t, err)
	assert.Equal(t, testUser, claimed.ClaimedBy)
	assert.NotZero(t, claimed.ClaimedAt)

	// Same user again: idempotent. Different user: conflict.
	again, err := s.ClaimEntryKey(ctx, second.Code, testUser)
	require.NoError(t, err)
	assert.Equal(t, claimed.ClaimedAt, again.ClaimedAt)

	_, err = s.ClaimEntryKey(ctx, second.Code, "user_other")
	assert.ErrorIs(t, err, store.ErrConflict)

	_, err = s.ClaimEntryKey(ctx, "000ZZZZ", testUser)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestClaimExpiredEntryKey(t *testing.T) {
	s := newSQLiteStore(t)
	ctx := context.Background()

	now := time.Now()
	s.SetClock(func() time.Time { return now })

	key, err := s.GenerateEntryKey(ctx, testSerial, testTTL)
	require.NoError(t, err)

	s.SetClock(func() time.Time { return now.Add(testTTL + time.Minute) })

	_, err = s.ClaimEntryKey(ctx, key.Code, testUser)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestDeleteExpiredEntryKeys(t *testing.T) {
	s := newSQLiteStore(t)
	ctx := context.Background()

	now := time.Now()
	s.SetClock(func() time.Time { return now })

	_, err := s.GenerateEntryKey(ctx, testSerial, testTTL)
	require.NoError(t, err)

	claimed, err := s.GenerateEntryKey(ctx, "OTHERSERIAL99", testTTL)
	require.NoError(t, err)

	_, err = s.ClaimEntryKey(ctx, claimed.Code, testUser)
	require.NoError(t, err)

	s.SetClock(func() time.Time { return now.Add(testTTL + time.Minute) })

	// Only the unclaimed code is swept; claimed codes are the pairing
	// record of truth and stay.
	n, err := s.DeleteExpiredEntryKeys(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = s.GetEntryKey(ctx, claimed.Code)
	assert.NoError(t, err)
}

func TestDeviceOwnership(t *testing.T) {
	s := newSQLiteStore(t)
	ctx := context.Background()

	_, err := s.GetDeviceOwner(ctx, testSerial)
	assert.ErrorIs(t, err, store.ErrNotFound)

	require.NoError(t, s.SetDeviceOwner(ctx, testSerial, testUser))

	owner, err := s.GetDeviceOwner(ctx, testSerial)
	require.NoError(t, err)
	assert.Equal(t, testUser, owner.UserID)
	assert.False(t, owner.CreatedAt.IsZero())

	// Relinking to the same user is a no-op; to another, a conflict.
	assert.NoError(t, s.SetDeviceOwner(ctx, testSerial, testUser))
	assert.ErrorIs(t, s.SetDeviceOwner(ctx, testSerial, "user_other"), store.ErrConflict)

	require.NoError(t, s.SetDeviceOwner(ctx, "02AA01AC11180002", testUser))

	serials, err := s.ListUserDevices(ctx, testUser)
	require.NoError(t, err)
	assert.Equal(t, []string{testSerial, "02AA01AC11180002"}, serials)
}

func TestDeviceShares(t *testing.T) {
	s := newSQLiteStore(t)
	ctx := context.Background()

	serials, err := s.GetSharedWithMe(ctx, "user_guest")
	require.NoError(t, err)
	assert.Empty(t, serials)

	require.NoError(t, s.ShareDevice(ctx, testSerial, "user_guest"))
	// Re-granting is idempotent.
	require.NoError(t, s.ShareDevice(ctx, testSerial, "user_guest"))

	serials, err = s.GetSharedWithMe(ctx, "user_guest")
	require.NoError(t, err)
	assert.Equal(t, []string{testSerial}, serials)
}

func TestWeatherCacheRows(t *testing.T) {
	s := newSQLiteStore(t)
	ctx := context.Background()

	_, err := s.GetWeather(ctx, "94107", "US")
	assert.ErrorIs(t, err, store.ErrNotFound)

	entry := &models.WeatherEntry{
		PostalCode: "94107",
		Country:    "US",
		FetchedAt:  time.Now().Truncate(time.Millisecond),
		Payload:    map[string]any{"temp_c": 18.0, "condition": "fog"},
	}
	require.NoError(t, s.UpsertWeather(ctx, entry))

	got, err := s.GetWeather(ctx, "94107", "US")
	require.NoError(t, err)
	assert.Equal(t, entry.Payload, got.Payload)
	assert.Equal(t, entry.FetchedAt.UnixMilli(), got.FetchedAt.UnixMilli())

	entry.Payload = map[string]any{"temp_c": 19.5}
	require.NoError(t, s.UpsertWeather(ctx, entry))

	got, err = s.GetWeather(ctx, "94107", "US")
	require.NoError(t, err)
	assert.Equal(t, 19.5, got.Payload["temp_c"])
}

func TestIntegrationConfigs(t *testing.T) {
	s := newSQLiteStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertIntegration(ctx, &models.IntegrationConfig{
		UserID: testUser, Type: "mqtt", Enabled: true,
		Config: json.RawMessage(`{"broker_url":"tcp://localhost:1883"}`),
	}))
	require.NoError(t, s.UpsertIntegration(ctx, &models.IntegrationConfig{
		UserID: testUser, Type: "webhook", Enabled: false,
		Config: json.RawMessage(`{}`),
	}))

	configs, err := s.ListEnabledIntegrations(ctx, "")
	require.NoError(t, err)
	require.Len(t, configs, 1)
	assert.Equal(t, "mqtt", configs[0].Type)
	assert.JSONEq(t, `{"broker_url":"tcp://localhost:1883"}`, string(configs[0].Config))

	configs, err = s.ListEnabledIntegrations(ctx, "webhook")
	require.NoError(t, err)
	assert.Empty(t, configs)

	// Toggling enabled updates in place.
	require.NoError(t, s.UpsertIntegration(ctx, &models.IntegrationConfig{
		UserID: testUser, Type: "mqtt", Enabled: false,
		Config: json.RawMessage(`{}`),
	}))

	configs, err = s.ListEnabledIntegrations(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, configs)
}

func TestIntegrationConfigEncryption(t *testing.T) {
	dsn := filepath.Join(t.TempDir(), "hearthd.db")
	ctx := context.Background()

	s, err := New(ctx, DialectSQLite, dsn, logger.NewTestLogger(), WithSecretKey("hunter2"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	plaintext := `{"broker_url":"tcp://localhost:1883","password":"swordfish"}`
	require.NoError(t, s.UpsertIntegration(ctx, &models.IntegrationConfig{
		UserID: testUser, Type: "mqtt", Enabled: true,
		Config: json.RawMessage(plaintext),
	}))

	// Round-trips through the cipher.
	configs, err := s.ListEnabledIntegrations(ctx, "")
	require.NoError(t, err)
	require.Len(t, configs, 1)
	assert.JSONEq(t, plaintext, string(configs[0].Config))

	// On disk the row is ciphertext, not the secret.
	var stored string
	require.NoError(t, s.db.QueryRowContext(ctx,
		`SELECT config FROM integrations WHERE user_id = ? AND type = ?`,
		testUser, "mqtt").Scan(&stored))
	assert.Contains(t, stored, encPrefix)
	assert.NotContains(t, stored, "swordfish")

	// A wrong key refuses to open the config rather than feeding garbage
	// to the integration.
	wrong := &Store{db: s.db, dialect: DialectSQLite, log: s.log, secretKey: deriveKey("letmein"), clock: time.Now}

	_, err = wrong.ListEnabledIntegrations(ctx, "")
	assert.Error(t, err)
}

func TestAPIKeyLifecycle(t *testing.T) {
	s := newSQLiteStore(t)
	ctx := context.Background()

	key := &models.APIKey{
		ID:         "key-1",
		KeyHash:    store.HashAPIKey("hd_raw_key_0001"),
		KeyPreview: store.KeyPreview("hd_raw_key_0001"),
		UserID:     testUser,
		Name:       "dashboard",
		Permissions: models.APIKeyPermissions{
			Scopes:  []string{models.ScopeRead, models.ScopeCommand},
			Serials: []string{testSerial},
		},
		CreatedAt: time.Now(),
	}
	require.NoError(t, s.CreateAPIKey(ctx, key))

	auth, err := s.ValidateAPIKey(ctx, "hd_raw_key_0001")
	require.NoError(t, err)
	assert.Equal(t, testUser, auth.UserID)
	assert.Equal(t, "key-1", auth.KeyID)
	assert.Equal(t, []string{models.ScopeRead, models.ScopeCommand}, auth.Scopes)
	assert.Equal(t, []string{testSerial}, auth.Serials)

	_, err = s.ValidateAPIKey(ctx, "wrong-key")
	assert.ErrorIs(t, err, store.ErrNotFound)

	// Validation stamps last_used_at.
	keys, err := s.ListAPIKeys(ctx, testUser)
	require.NoError(t, err)
	require.Len(t, keys, 1)
	assert.NotNil(t, keys[0].LastUsedAt)
	assert.Nil(t, keys[0].RevokedAt)

	require.NoError(t, s.RevokeAPIKey(ctx, "key-1"))

	_, err = s.ValidateAPIKey(ctx, "hd_raw_key_0001")
	assert.ErrorIs(t, err, store.ErrNotFound)

	// Revoking twice, or a key that never existed, reports not found.
	assert.ErrorIs(t, s.RevokeAPIKey(ctx, "key-1"), store.ErrNotFound)
	assert.ErrorIs(t, s.RevokeAPIKey(ctx, "no-such-key"), store.ErrNotFound)

	keys, err = s.ListAPIKeys(ctx, testUser)
	require.NoError(t, err)
	require.Len(t, keys, 1)
	assert.NotNil(t, keys[0].RevokedAt)
}
