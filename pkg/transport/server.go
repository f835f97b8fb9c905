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

// Package transport implements the device-facing HTTP surface: the
// service-discovery entry document and the list/subscribe/put protocol
// the thermostat firmware embeds.
package transport

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/hearthlabs/hearthd/pkg/logger"
	"github.com/hearthlabs/hearthd/pkg/metrics"
	"github.com/hearthlabs/hearthd/pkg/models"
	"github.com/hearthlabs/hearthd/pkg/pairing"
	"github.com/hearthlabs/hearthd/pkg/state"
	"github.com/hearthlabs/hearthd/pkg/subscription"
	"github.com/hearthlabs/hearthd/pkg/weather"
)

// ServiceTimestampHeader carries the server wall clock (ms) on every
// transport response.
const ServiceTimestampHeader = "X-nl-service-timestamp"

// ConnectionTracker observes device activity; the integration manager
// uses it for connected/disconnected callbacks.
type ConnectionTracker interface {
	DeviceSeen(serial string)
}

// Server is the device-facing HTTP server.
type Server struct {
	router  *mux.Router
	state   *state.Service
	subs    *subscription.Manager
	weather *weather.Cache
	pairing *pairing.Service
	tracker ConnectionTracker
	cfg     *models.CoreConfig
	log     logger.Logger
	metrics *metrics.Metrics
	clock   func() time.Time
}

// NewServer wires the transport handlers. Options adjust collaborators
// after the required ones.
func NewServer(cfg *models.CoreConfig, svc *state.Service, subs *subscription.Manager, wx *weather.Cache, pair *pairing.Service, log logger.Logger, options ...func(*Server)) *Server {
	s := &Server{
		router:  mux.NewRouter(),
		state:   svc,
		subs:    subs,
		weather: wx,
		pairing: pair,
		cfg:     cfg,
		log:     log.WithComponent("transport"),
		clock:   time.Now,
	}

	for _, o := range options {
		o(s)
	}

	s.setupRoutes()

	return s
}

// WithMetrics adds the prometheus collectors.
func WithMetrics(m *metrics.Metrics) func(*Server) {
	return func(s *Server) { s.metrics = m }
}

// WithConnectionTracker adds the device activity observer.
func WithConnectionTracker(t ConnectionTracker) func(*Server) {
	return func(s *Server) { s.tracker = t }
}

// Router exposes the handler for the HTTP listener.
func (s *Server) Router() http.Handler {
	return s.router
}

func (s *Server) setupRoutes() {
	s.router.Use(s.requestMiddleware)

	s.router.HandleFunc("/nest/entry", s.handleEntry).Methods(http.MethodGet)
	s.router.HandleFunc("/nest/ping", s.handlePing).Methods(http.MethodGet)
	s.router.HandleFunc("/nest/pro_info", s.handleProInfo).Methods(http.MethodGet)
	s.router.HandleFunc("/nest/weather/v1", s.handleWeather).Methods(http.MethodGet)

	s.router.HandleFunc("/nest/passphrase", s.requireSerial(s.handlePassphrase)).Methods(http.MethodGet)
	s.router.HandleFunc("/nest/transport/device/{serial}", s.requireSerial(s.handleList)).Methods(http.MethodGet)
	s.router.HandleFunc("/nest/transport", s.requireSerial(s.handleSubscribe)).Methods(http.MethodPost)
	s.router.HandleFunc("/nest/transport/put", s.requireSerial(s.handlePut)).Methods(http.MethodPost)
	s.router.HandleFunc("/nest/upload", s.requireSerial(s.handleUpload)).Methods(http.MethodPost)
}

// requestMiddleware stamps the service timestamp header, counts the
// request and keeps a handler panic from taking the process down.
func (s *Server) requestMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set(ServiceTimestampHeader, strconv.FormatInt(s.clock().UnixMilli(), 10))

		defer func() {
			if rec := recover(); rec != nil {
				s.log.Error().
					Interface("panic", rec).
					Str("path", r.URL.Path).
					Msg("Handler panic recovered")
				http.Error(w, "internal error", http.StatusInternalServerError)
			}
		}()

		if s.metrics != nil {
			s.metrics.RequestsTotal.WithLabelValues("transport", r.URL.Path, "").Inc()
		}

		next.ServeHTTP(w, r)
	})
}

type serialHandler func(w http.ResponseWriter, r *http.Request, serial string)

// requireSerial resolves the device identity and rejects requests that
// carry none.
func (s *Server) requireSerial(h serialHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		serial := ResolveSerial(r)
		if serial == "" {
			// The object-list path names the serial explicitly; trust
			// it when the identity header is absent but well formed.
			if v, ok := mux.Vars(r)["serial"]; ok && serialPattern.MatchString(v) {
				serial = v
			}
		}

		if serial == "" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}

		if s.tracker != nil {
			s.tracker.DeviceSeen(serial)
		}

		h(w, r, serial)
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if body == nil {
		return
	}

	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.log.Warn().Err(err).Msg("Response write failed")
	}
}

// wireObject is the JSON shape of an object on the transport.
type wireObject struct {
	ObjectKey       string         `json:"object_key"`
	ObjectRevision  *int64         `json:"object_revision,omitempty"`
	ObjectTimestamp *int64         `json:"object_timestamp,omitempty"`
	Value           map[string]any `json:"value,omitempty"`
}

func (o *wireObject) revision() int64 {
	if o.ObjectRevision == nil {
		return 0
	}

	return *o.ObjectRevision
}

func (o *wireObject) timestamp() int64 {
	if o.ObjectTimestamp == nil {
		return 0
	}

	return *o.ObjectTimestamp
}

type objectsResponse struct {
	Objects []wireObject `json:"objects"`
}

func toWire(obj *models.Object, includeValue bool) wireObject {
	rev := obj.Revision
	ts := obj.Timestamp

	out := wireObject{
		ObjectKey:       obj.Key,
		ObjectRevision:  &rev,
		ObjectTimestamp: &ts,
	}

	if includeValue {
		out.Value = obj.Value
	}

	return out
}
