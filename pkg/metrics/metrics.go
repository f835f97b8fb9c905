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

// Package metrics exposes the operational counters of the server over
// prometheus.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles every collector the server updates. A single instance
// is shared across components.
type Metrics struct {
	registry *prometheus.Registry

	RequestsTotal        *prometheus.CounterVec
	StateChanges         prometheus.Counter
	StoreWriteFailures   prometheus.Counter
	SubscriptionsParked  prometheus.Gauge
	SubscriptionsWoken   prometheus.Counter
	SubscriptionsExpired prometheus.Counter
	WeatherCacheHits     prometheus.Counter
	WeatherCacheMisses   prometheus.Counter
	IntegrationErrors    *prometheus.CounterVec
}

// New registers all collectors on a private registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hearthd",
			Name:      "http_requests_total",
			Help:      "HTTP requests by surface, endpoint and status code.",
		}, []string{"surface", "endpoint", "status"}),
		StateChanges: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "hearthd",
			Name:      "state_changes_total",
			Help:      "Accepted object writes that advanced a revision.",
		}),
		StoreWriteFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "hearthd",
			Name:      "store_write_failures_total",
			Help:      "Async store writes that exhausted their retries.",
		}),
		SubscriptionsParked: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "hearthd",
			Name:      "subscriptions_parked",
			Help:      "Long-poll subscriptions currently parked.",
		}),
		SubscriptionsWoken: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "hearthd",
			Name:      "subscriptions_woken_total",
			Help:      "Subscriptions woken by a state change.",
		}),
		SubscriptionsExpired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "hearthd",
			Name:      "subscriptions_expired_total",
			Help:      "Subscriptions expired by the sweeper.",
		}),
		WeatherCacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "hearthd",
			Name:      "weather_cache_hits_total",
			Help:      "Weather lookups served from cache.",
		}),
		WeatherCacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "hearthd",
			Name:      "weather_cache_misses_total",
			Help:      "Weather lookups that required an upstream fetch.",
		}),
		IntegrationErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hearthd",
			Name:      "integration_errors_total",
			Help:      "Integration callback failures by type.",
		}, []string{"type"}),
	}

	registry.MustRegister(
		m.RequestsTotal,
		m.StateChanges,
		m.StoreWriteFailures,
		m.SubscriptionsParked,
		m.SubscriptionsWoken,
		m.SubscriptionsExpired,
		m.WeatherCacheHits,
		m.WeatherCacheMisses,
		m.IntegrationErrors,
	)

	return m
}

// Handler serves the registry for the control port's /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
