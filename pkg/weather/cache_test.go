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

package weather

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hearthlabs/hearthd/pkg/logger"
	"github.com/hearthlabs/hearthd/pkg/store/memstore"
)

var errUpstreamDown = errors.New("upstream down")

type fakeProvider struct {
	calls   int
	payload map[string]any
	err     error
}

func (f *fakeProvider) Fetch(_ context.Context, _ string) (map[string]any, error) {
	f.calls++

	if f.err != nil {
		return nil, f.err
	}

	return f.payload, nil
}

type capturePropagator struct {
	postal, country string
	calls           int
}

func (c *capturePropagator) PropagateWeather(_ context.Context, postal, country string, _ map[string]any) {
	c.calls++
	c.postal = postal
	c.country = country
}

func TestGetFetchesOncePerTTL(t *testing.T) {
	provider := &fakeProvider{payload: map[string]any{"temp_c": 18.0}}
	cache := NewCache(memstore.New(), provider, nil, 30*time.Minute, logger.NewTestLogger(), nil)
	ctx := context.Background()

	now := time.Now()
	cache.SetClock(func() time.Time { return now })

	for i := 0; i < 5; i++ {
		payload, err := cache.Get(ctx, "94107,US")
		require.NoError(t, err)
		assert.Equal(t, 18.0, payload["temp_c"])
	}

	assert.Equal(t, 1, provider.calls)

	// Past the TTL the next read refreshes.
	cache.SetClock(func() time.Time { return now.Add(31 * time.Minute) })

	_, err := cache.Get(ctx, "94107,US")
	require.NoError(t, err)
	assert.Equal(t, 2, provider.calls)
}

func TestGetDefaultsCountry(t *testing.T) {
	provider := &fakeProvider{payload: map[string]any{"temp_c": 18.0}}
	prop := &capturePropagator{}
	cache := NewCache(memstore.New(), provider, prop, 30*time.Minute, logger.NewTestLogger(), nil)

	_, err := cache.Get(context.Background(), "94107")
	require.NoError(t, err)

	assert.Equal(t, "94107", prop.postal)
	assert.Equal(t, "US", prop.country)
}

func TestGetIPQueryBypassesCache(t *testing.T) {
	provider := &fakeProvider{payload: map[string]any{"temp_c": 12.0}}
	cache := NewCache(memstore.New(), provider, nil, 30*time.Minute, logger.NewTestLogger(), nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		payload, err := cache.Get(ctx, "203.0.113.7")
		require.NoError(t, err)
		assert.Equal(t, 12.0, payload["temp_c"])
	}

	assert.Equal(t, 3, provider.calls)
}

func TestGetFailureReturnsStaleWithoutPoisoning(t *testing.T) {
	provider := &fakeProvider{payload: map[string]any{"temp_c": 18.0}}
	cache := NewCache(memstore.New(), provider, nil, 30*time.Minute, logger.NewTestLogger(), nil)
	ctx := context.Background()

	now := time.Now()
	cache.SetClock(func() time.Time { return now })

	_, err := cache.Get(ctx, "94107,US")
	require.NoError(t, err)

	// TTL lapses and the upstream goes down: serve the stale entry.
	cache.SetClock(func() time.Time { return now.Add(time.Hour) })

	provider.err = errUpstreamDown

	payload, err := cache.Get(ctx, "94107,US")
	require.NoError(t, err)
	assert.Equal(t, 18.0, payload["temp_c"])

	// Upstream recovers: the failure must not have refreshed FetchedAt,
	// so the next read fetches again.
	provider.err = nil
	provider.payload = map[string]any{"temp_c": 20.0}

	payload, err = cache.Get(ctx, "94107,US")
	require.NoError(t, err)
	assert.Equal(t, 20.0, payload["temp_c"])
	assert.Equal(t, 3, provider.calls)
}

func TestGetFailureWithNoCacheReturnsNil(t *testing.T) {
	provider := &fakeProvider{err: errUpstreamDown}
	cache := NewCache(memstore.New(), provider, nil, 30*time.Minute, logger.NewTestLogger(), nil)

	payload, err := cache.Get(context.Background(), "94107,US")
	require.NoError(t, err)
	assert.Nil(t, payload)
}

func TestGetPropagatesOnRefresh(t *testing.T) {
	provider := &fakeProvider{payload: map[string]any{"temp_c": 18.0}}
	prop := &capturePropagator{}
	cache := NewCache(memstore.New(), provider, prop, 30*time.Minute, logger.NewTestLogger(), nil)
	ctx := context.Background()

	_, err := cache.Get(ctx, "94107,US")
	require.NoError(t, err)
	require.Equal(t, 1, prop.calls)

	// Cache hits do not re-propagate.
	_, err = cache.Get(ctx, "94107,US")
	require.NoError(t, err)
	assert.Equal(t, 1, prop.calls)
}
