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

// Package memstore implements the state store in process memory. It
// backs tests and ephemeral single-node deployments where persistence
// across restarts is not needed.
package memstore

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/hearthlabs/hearthd/pkg/models"
	"github.com/hearthlabs/hearthd/pkg/store"
)

// Store keeps everything behind one RWMutex; contention is irrelevant at
// the scale this backend is meant for.
type Store struct {
	mu           sync.RWMutex
	objects      map[string]map[string]*models.Object // serial -> key -> object
	owners       map[string]*models.DeviceOwner       // serial -> owner
	shared       map[string][]string                  // user -> serials shared with them
	entryKeys    map[string]*models.EntryKey          // code -> key
	weather      map[string]*models.WeatherEntry      // postal|country -> entry
	integrations map[string]*models.IntegrationConfig // type|user -> config
	apiKeys      map[string]*models.APIKey            // id -> key
	now          func() time.Time
}

var _ store.Store = (*Store)(nil)

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		objects:      make(map[string]map[string]*models.Object),
		owners:       make(map[string]*models.DeviceOwner),
		shared:       make(map[string][]string),
		entryKeys:    make(map[string]*models.EntryKey),
		weather:      make(map[string]*models.WeatherEntry),
		integrations: make(map[string]*models.IntegrationConfig),
		apiKeys:      make(map[string]*models.APIKey),
		now:          time.Now,
	}
}

// SetClock overrides the wall clock; tests use it to drive expiry.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func (s *Store) UpsertState(_ context.Context, serial, key string, revision, timestamp int64, value map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	device, ok := s.objects[serial]
	if !ok {
		device = make(map[string]*models.Object)
		s.objects[serial] = device
	}

	device[key] = &models.Object{
		Serial:    serial,
		Key:       key,
		Revision:  revision,
		Timestamp: timestamp,
		Value:     cloneValue(value),
		UpdatedAt: s.now(),
	}

	return nil
}

func (s *Store) GetState(_ context.Context, serial, key string) (*models.Object, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	obj, ok := s.objects[serial][key]
	if !ok {
		return nil, store.ErrNotFound
	}

	return copyObject(obj), nil
}

func (s *Store) GetDeviceState(_ context.Context, serial string) (map[string]*models.Object, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]*models.Object, len(s.objects[serial]))
	for key, obj := range s.objects[serial] {
		out[key] = copyObject(obj)
	}

	return out, nil
}

func (s *Store) GenerateEntryKey(_ context.Context, serial string, ttl time.Duration) (*models.EntryKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Re-issue removes older codes for the serial.
	for code, key := range s.entryKeys {
		if key.Serial == serial && !key.Claimed() {
			delete(s.entryKeys, code)
		}
	}

	now := s.now()

	for attempt := 0; attempt < store.CodeAllocRetries; attempt++ {
		code, err := store.RandomEntryCode()
		if err != nil {
			return nil, err
		}

		if existing, ok := s.entryKeys[code]; ok {
			if existing.Claimed() || !existing.Expired(now) {
				continue
			}
		}

		key := &models.EntryKey{
			Code:      code,
			Serial:    serial,
			CreatedAt: now.UnixMilli(),
			ExpiresAt: now.Add(ttl).UnixMilli(),
		}
		s.entryKeys[code] = key

		out := *key

		return &out, nil
	}

	return nil, store.ErrExhaustedCodes
}

func (s *Store) GetEntryKey(_ context.Context, code string) (*models.EntryKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	key, ok := s.entryKeys[code]
	if !ok {
		return nil, store.ErrNotFound
	}

	out := *key

	return &out, nil
}

func (s *Store) ClaimEntryKey(_ context.Context, code, userID string) (*models.EntryKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key, ok := s.entryKeys[code]
	if !ok {
		return nil, store.ErrNotFound
	}

	if key.Claimed() {
		if key.ClaimedBy == userID {
			out := *key
			return &out, nil
		}

		return nil, store.ErrConflict
	}

	if key.Expired(s.now()) {
		return nil, store.ErrNotFound
	}

	key.ClaimedBy = userID
	key.ClaimedAt = s.now().UnixMilli()

	out := *key

	return &out, nil
}

func (s *Store) DeleteExpiredEntryKeys(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	removed := 0

	for code, key := range s.entryKeys {
		if !key.Claimed() && key.Expired(now) {
			delete(s.entryKeys, code)
			removed++
		}
	}

	return removed, nil
}

func (s *Store) GetDeviceOwner(_ context.Context, serial string) (*models.DeviceOwner, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	owner, ok := s.owners[serial]
	if !ok {
		return nil, store.ErrNotFound
	}

	out := *owner

	return &out, nil
}

func (s *Store) SetDeviceOwner(_ context.Context, serial, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.owners[serial]; ok {
		if existing.UserID == userID {
			return nil
		}

		return store.ErrConflict
	}

	s.owners[serial] = &models.DeviceOwner{
		Serial:    serial,
		UserID:    userID,
		CreatedAt: s.now(),
	}

	return nil
}

func (s *Store) ListUserDevices(_ context.Context, userID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var serials []string

	for serial, owner := range s.owners {
		if owner.UserID == userID {
			serials = append(serials, serial)
		}
	}

	return serials, nil
}

func (s *Store) GetSharedWithMe(_ context.Context, userID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return append([]string(nil), s.shared[userID]...), nil
}

func (s *Store) ShareDevice(_ context.Context, serial, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, sn := range s.shared[userID] {
		if sn == serial {
			return nil
		}
	}

	s.shared[userID] = append(s.shared[userID], serial)

	return nil
}

func weatherKey(postal, country string) string {
	return postal + "|" + country
}

func (s *Store) GetWeather(_ context.Context, postal, country string) (*models.WeatherEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.weather[weatherKey(postal, country)]
	if !ok {
		return nil, store.ErrNotFound
	}

	out := *entry
	out.Payload = cloneValue(entry.Payload)

	return &out, nil
}

func (s *Store) UpsertWeather(_ context.Context, entry *models.WeatherEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *entry
	cp.Payload = cloneValue(entry.Payload)
	s.weather[weatherKey(entry.PostalCode, entry.Country)] = &cp

	return nil
}

func integrationKey(integrationType, userID string) string {
	return integrationType + "|" + userID
}

func (s *Store) ListEnabledIntegrations(_ context.Context, integrationType string) ([]models.IntegrationConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []models.IntegrationConfig

	for _, cfg := range s.integrations {
		if cfg.Enabled && (integrationType == "" || cfg.Type == integrationType) {
			cp := *cfg
			cp.Config = append(json.RawMessage(nil), cfg.Config...)
			out = append(out, cp)
		}
	}

	return out, nil
}

func (s *Store) UpsertIntegration(_ context.Context, cfg *models.IntegrationConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *cfg
	cp.Config = append(json.RawMessage(nil), cfg.Config...)
	cp.UpdatedAt = s.now()
	s.integrations[integrationKey(cfg.Type, cfg.UserID)] = &cp

	return nil
}

func (s *Store) ValidateAPIKey(_ context.Context, rawKey string) (*models.AuthContext, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	hash := store.HashAPIKey(rawKey)

	for _, key := range s.apiKeys {
		if key.KeyHash != hash || key.RevokedAt != nil {
			continue
		}

		used := s.now()
		key.LastUsedAt = &used

		return store.AuthContextForKey(key), nil
	}

	return nil, store.ErrNotFound
}

func (s *Store) CreateAPIKey(_ context.Context, key *models.APIKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *key
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = s.now()
	}

	s.apiKeys[key.ID] = &cp

	return nil
}

func (s *Store) RevokeAPIKey(_ context.Context, keyID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key, ok := s.apiKeys[keyID]
	if !ok {
		return store.ErrNotFound
	}

	if key.RevokedAt == nil {
		revoked := s.now()
		key.RevokedAt = &revoked
	}

	return nil
}

func (s *Store) ListAPIKeys(_ context.Context, userID string) ([]models.APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []models.APIKey

	for _, key := range s.apiKeys {
		if key.UserID == userID {
			out = append(out, *key)
		}
	}

	return out, nil
}

func (s *Store) Ping(context.Context) error { return nil }

func (s *Store) Close() error { return nil }

// cloneValue deep-copies a JSON-shaped value through marshal/unmarshal;
// callers must never share nested maps with the store.
func cloneValue(value map[string]any) map[string]any {
	if value == nil {
		return nil
	}

	raw, err := json.Marshal(value)
	if err != nil {
		return map[string]any{}
	}

	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return map[string]any{}
	}

	return out
}

func copyObject(obj *models.Object) *models.Object {
	cp := *obj
	cp.Value = cloneValue(obj.Value)

	return &cp
}
