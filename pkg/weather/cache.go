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

// Package weather proxies the upstream weather feed behind a TTL cache.
package weather

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"

	"github.com/hearthlabs/hearthd/pkg/logger"
	"github.com/hearthlabs/hearthd/pkg/metrics"
	"github.com/hearthlabs/hearthd/pkg/models"
	"github.com/hearthlabs/hearthd/pkg/store"
)

// Provider fetches a weather payload from the upstream feed.
type Provider interface {
	Fetch(ctx context.Context, query string) (map[string]any, error)
}

// Propagator receives refreshed payloads so they can be pushed into
// user objects; implemented by the state service.
type Propagator interface {
	PropagateWeather(ctx context.Context, postal, country string, payload map[string]any)
}

// Cache gates upstream fetches behind the store's weather table. Fetch
// failures return nil without poisoning the cache.
type Cache struct {
	store      store.Store
	provider   Provider
	propagator Propagator
	ttl        time.Duration
	log        logger.Logger
	metrics    *metrics.Metrics
	clock      func() time.Time
}

// NewCache builds the weather cache. propagator and m may be nil.
func NewCache(st store.Store, provider Provider, propagator Propagator, ttl time.Duration, log logger.Logger, m *metrics.Metrics) *Cache {
	return &Cache{
		store:      st,
		provider:   provider,
		propagator: propagator,
		ttl:        ttl,
		log:        log.WithComponent("weather"),
		metrics:    m,
		clock:      time.Now,
	}
}

// SetClock overrides the wall clock for tests.
func (c *Cache) SetClock(now func() time.Time) { c.clock = now }

// Get resolves a device weather query ("94107,US" or a bare IP). IP
// queries bypass the cache entirely. A nil payload with nil error means
// the upstream is unavailable and nothing is cached.
func (c *Cache) Get(ctx context.Context, query string) (map[string]any, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, nil
	}

	if net.ParseIP(query) != nil {
		payload, err := c.provider.Fetch(ctx, query)
		if err != nil {
			c.log.Warn().Err(err).Str("query", query).Msg("Upstream weather fetch failed for IP query")
			return nil, nil
		}

		return payload, nil
	}

	postal, country := splitQuery(query)

	cached, err := c.store.GetWeather(ctx, postal, country)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		c.log.Warn().Err(err).Msg("Weather cache read failed")
	}

	now := c.clock()

	if cached != nil && now.Sub(cached.FetchedAt) < c.ttl {
		if c.metrics != nil {
			c.metrics.WeatherCacheHits.Inc()
		}

		return cached.Payload, nil
	}

	if c.metrics != nil {
		c.metrics.WeatherCacheMisses.Inc()
	}

	payload, err := c.provider.Fetch(ctx, query)
	if err != nil {
		c.log.Warn().Err(err).Str("query", query).Msg("Upstream weather fetch failed")

		// Stale data beats none.
		if cached != nil {
			return cached.Payload, nil
		}

		return nil, nil
	}

	entry := &models.WeatherEntry{
		PostalCode: postal,
		Country:    country,
		FetchedAt:  now,
		Payload:    payload,
	}

	if err := c.store.UpsertWeather(ctx, entry); err != nil {
		c.log.Warn().Err(err).Msg("Weather cache write failed")
	}

	if c.propagator != nil {
		c.propagator.PropagateWeather(ctx, postal, country, payload)
	}

	return payload, nil
}

func splitQuery(query string) (postal, country string) {
	parts := strings.SplitN(query, ",", 2)
	postal = strings.TrimSpace(parts[0])
	country = "US"

	if len(parts) == 2 && strings.TrimSpace(parts[1]) != "" {
		country = strings.TrimSpace(parts[1])
	}

	return postal, country
}
