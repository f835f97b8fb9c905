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

// Package natskv implements the persistence boundary on NATS JetStream
// KV buckets, one bucket per concern. Entry keys live in a TTL bucket
// so the broker ages them out on its own.
package natskv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/hearthlabs/hearthd/pkg/logger"
	"github.com/hearthlabs/hearthd/pkg/models"
	"github.com/hearthlabs/hearthd/pkg/store"
)

const (
	bucketState        = "hearthd_state"
	bucketEntryKeys    = "hearthd_entry_keys"
	bucketOwners       = "hearthd_owners"
	bucketShares       = "hearthd_shares"
	bucketWeather      = "hearthd_weather"
	bucketIntegrations = "hearthd_integrations"
	bucketAPIKeys      = "hearthd_api_keys"
)

var errNotConnected = errors.New("nats connection is not established")

var _ store.Store = (*Store)(nil)

// Store is a JetStream KV implementation of store.Store.
type Store struct {
	nc           *nats.Conn
	state        jetstream.KeyValue
	entryKeys    jetstream.KeyValue
	owners       jetstream.KeyValue
	shares       jetstream.KeyValue
	weather      jetstream.KeyValue
	integrations jetstream.KeyValue
	apiKeys      jetstream.KeyValue
	log          logger.Logger
	clock        func() time.Time
}

// New connects to NATS and provisions the buckets. entryKeyTTL becomes
// the entry-key bucket's broker-side TTL; expiry is still enforced per
// record so shortening the TTL applies to existing codes.
func New(ctx context.Context, natsURL string, entryKeyTTL time.Duration, log logger.Logger) (*Store, error) {
	nc, err := nats.Connect(natsURL,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()

		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	s := &Store{
		nc:    nc,
		log:   log.WithComponent("natskv"),
		clock: time.Now,
	}

	buckets := []struct {
		dst *jetstream.KeyValue
		cfg jetstream.KeyValueConfig
	}{
		{&s.state, jetstream.KeyValueConfig{Bucket: bucketState}},
		{&s.entryKeys, jetstream.KeyValueConfig{Bucket: bucketEntryKeys, TTL: entryKeyTTL}},
		{&s.owners, jetstream.KeyValueConfig{Bucket: bucketOwners}},
		{&s.shares, jetstream.KeyValueConfig{Bucket: bucketShares}},
		{&s.weather, jetstream.KeyValueConfig{Bucket: bucketWeather}},
		{&s.integrations, jetstream.KeyValueConfig{Bucket: bucketIntegrations}},
		{&s.apiKeys, jetstream.KeyValueConfig{Bucket: bucketAPIKeys}},
	}

	for _, b := range buckets {
		kv, err := js.CreateOrUpdateKeyValue(ctx, b.cfg)
		if err != nil {
			nc.Close()

			return nil, fmt.Errorf("failed to create KV bucket %s: %w", b.cfg.Bucket, err)
		}

		*b.dst = kv
	}

	return s, nil
}

// SetClock overrides the wall clock for tests.
func (s *Store) SetClock(now func() time.Time) { s.clock = now }

// stateKey joins serial and object key. Object keys already contain
// dots, which are legal KV key characters; "/" separates the serial so
// prefix scans stay unambiguous.
func stateKey(serial, key string) string {
	return serial + "/" + key
}

func getJSON[T any](ctx context.Context, kv jetstream.KeyValue, key string) (*T, uint64, error) {
	entry, err := kv.Get(ctx, key)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return nil, 0, store.ErrNotFound
		}

		return nil, 0, fmt.Errorf("failed to get key %s: %w", key, err)
	}

	var out T
	if err := json.Unmarshal(entry.Value(), &out); err != nil {
		return nil, 0, fmt.Errorf("failed to decode key %s: %w", key, err)
	}

	return &out, entry.Revision(), nil
}

func putJSON(ctx context.Context, kv jetstream.KeyValue, key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode key %s: %w", key, err)
	}

	if _, err := kv.Put(ctx, key, raw); err != nil {
		return fmt.Errorf("failed to put key %s: %w", key, err)
	}

	return nil
}

func listKeys(ctx context.Context, kv jetstream.KeyValue) ([]string, error) {
	lister, err := kv.ListKeys(ctx)
	if err != nil {
		if errors.Is(err, jetstream.ErrNoKeysFound) {
			return nil, nil
		}

		return nil, fmt.Errorf("failed to list keys: %w", err)
	}

	var out []string
	for key := range lister.Keys() {
		out = append(out, key)
	}

	return out, nil
}

// UpsertState implements store.Store.
func (s *Store) UpsertState(ctx context.Context, serial, key string, revision, timestamp int64, value map[string]any) error {
	obj := models.Object{
		Serial:    serial,
		Key:       key,
		Revision:  revision,
		Timestamp: timestamp,
		Value:     value,
		UpdatedAt: s.clock(),
	}

	return putJSON(ctx, s.state, stateKey(serial, key), &obj)
}

// GetState implements store.Store.
func (s *Store) GetState(ctx context.Context, serial, key string) (*models.Object, error) {
	obj, _, err := getJSON[models.Object](ctx, s.state, stateKey(serial, key))
	if err != nil {
		return nil, err
	}

	return obj, nil
}

// GetDeviceState implements store.Store.
func (s *Store) GetDeviceState(ctx context.Context, serial string) (map[string]*models.Object, error) {
	keys, err := listKeys(ctx, s.state)
	if err != nil {
		return nil, err
	}

	prefix := serial + "/"
	out := make(map[string]*models.Object)

	for _, k := range keys {
		if !strings.HasPrefix(k, prefix) {
			continue
		}

		obj, _, err := getJSON[models.Object](ctx, s.state, k)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				continue
			}

			return nil, err
		}

		out[obj.Key] = obj
	}

	return out, nil
}

// Ping implements store.Store.
func (s *Store) Ping(_ context.Context) error {
	if s.nc.Status() != nats.CONNECTED {
		return errNotConnected
	}

	return nil
}

// Close implements store.Store.
func (s *Store) Close() error {
	s.nc.Close()

	return nil
}
