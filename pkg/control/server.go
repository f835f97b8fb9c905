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

// Package control implements the authenticated dashboard-facing API.
// Commands written here go through the same state service as
// device-originated updates, so devices pick them up over their normal
// long poll.
package control

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	srhttp "github.com/hearthlabs/hearthd/pkg/http"
	"github.com/hearthlabs/hearthd/pkg/logger"
	"github.com/hearthlabs/hearthd/pkg/metrics"
	"github.com/hearthlabs/hearthd/pkg/models"
	"github.com/hearthlabs/hearthd/pkg/state"
	"github.com/hearthlabs/hearthd/pkg/store"
	"github.com/hearthlabs/hearthd/pkg/subscription"
	"github.com/hearthlabs/hearthd/pkg/version"
)

// Server is the control-plane HTTP server.
type Server struct {
	router    *mux.Router
	state     *state.Service
	subs      *subscription.Manager
	store     store.Store
	hub       *EventHub
	log       logger.Logger
	metrics   *metrics.Metrics
	startedAt time.Time
}

// NewServer wires the control routes.
func NewServer(svc *state.Service, subs *subscription.Manager, st store.Store, hub *EventHub, log logger.Logger, options ...func(*Server)) *Server {
	s := &Server{
		router:    mux.NewRouter(),
		state:     svc,
		subs:      subs,
		store:     st,
		hub:       hub,
		log:       log.WithComponent("control"),
		startedAt: time.Now(),
	}

	for _, o := range options {
		o(s)
	}

	s.setupRoutes()

	return s
}

// WithMetrics adds the prometheus collectors and the /metrics endpoint.
func WithMetrics(m *metrics.Metrics) func(*Server) {
	return func(s *Server) { s.metrics = m }
}

// Router exposes the handler for the HTTP listener.
func (s *Server) Router() http.Handler {
	return s.router
}

func (s *Server) setupRoutes() {
	s.router.Use(srhttp.CommonMiddleware)

	s.router.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)

	if s.metrics != nil {
		s.router.Handle("/metrics", s.metrics.Handler()).Methods(http.MethodGet)
	}

	// The websocket route authenticates itself (browsers cannot set the
	// Authorization header on a websocket dial).
	s.router.HandleFunc("/ws", s.handleWS).Methods(http.MethodGet)

	authed := s.router.NewRoute().Subrouter()
	authed.Use(srhttp.BearerAuthMiddleware(s.store, s.log))
	authed.HandleFunc("/command", s.handleCommand).Methods(http.MethodPost)
	authed.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	authed.HandleFunc("/api/devices", s.handleDevices).Methods(http.MethodGet)
	authed.HandleFunc("/api/devices/{serial}/share", s.handleShareDevice).Methods(http.MethodPost)
	authed.HandleFunc("/api/shared", s.handleSharedWithMe).Methods(http.MethodGet)
	authed.HandleFunc("/notify-device", s.handleNotifyDevice).Methods(http.MethodPost)
	authed.HandleFunc("/api/keys", s.handleCreateKey).Methods(http.MethodPost)
	authed.HandleFunc("/api/keys", s.handleListKeys).Methods(http.MethodGet)
	authed.HandleFunc("/api/keys/{id}", s.handleRevokeKey).Methods(http.MethodDelete)
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

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		s.writeError(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	auth := srhttp.AuthFromContext(r.Context())
	if auth == nil || !auth.HasScope(models.ScopeRead) {
		s.writeError(w, http.StatusUnauthorized, "read scope required")
		return
	}

	serials := s.state.Serials()
	parked := 0

	for _, serial := range serials {
		parked += s.subs.Count(serial)
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"server_version": version.Version,
		"uptime_s":       int(time.Since(s.startedAt).Seconds()),
		"devices":        len(serials),
		"subscriptions":  parked,
	})
}

// deviceView is the dashboard projection of one device.
type deviceView struct {
	Serial      string         `json:"serial"`
	Owner       string         `json:"owner,omitempty"`
	Device      map[string]any `json:"device,omitempty"`
	Shared      map[string]any `json:"shared,omitempty"`
	Subscribers int            `json:"subscribers"`
}

func (s *Server) handleDevices(w http.ResponseWriter, r *http.Request) {
	auth := srhttp.AuthFromContext(r.Context())
	if auth == nil || !auth.HasScope(models.ScopeRead) {
		s.writeError(w, http.StatusUnauthorized, "read scope required")
		return
	}

	ctx := r.Context()

	var views []deviceView

	for _, serial := range s.state.Serials() {
		if !auth.AllowsSerial(serial) {
			continue
		}

		view := deviceView{Serial: serial, Subscribers: s.subs.Count(serial)}

		if owner, err := s.store.GetDeviceOwner(ctx, serial); err == nil {
			view.Owner = owner.UserID
		}

		if obj, err := s.state.Get(ctx, serial, models.PrefixDevice+"."+serial); err == nil {
			view.Device = obj.Value
		}

		if obj, err := s.state.Get(ctx, serial, models.PrefixShared+"."+serial); err == nil {
			view.Shared = obj.Value
		}

		if view.Device == nil && view.Shared == nil {
			continue
		}

		views = append(views, view)
	}

	s.writeJSON(w, http.StatusOK, map[string]any{"devices": views})
}

// handleShareDevice grants another account read access to one of the
// caller's devices.
func (s *Server) handleShareDevice(w http.ResponseWriter, r *http.Request) {
	auth := srhttp.AuthFromContext(r.Context())
	if auth == nil || !auth.HasScope(models.ScopeAdmin) {
		s.writeError(w, http.StatusUnauthorized, "admin scope required")
		return
	}

	serial := mux.Vars(r)["serial"]
	if !auth.AllowsSerial(serial) {
		s.writeError(w, http.StatusForbidden, "serial not permitted")
		return
	}

	var req struct {
		UserID string `json:"user_id"`
	}

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID == "" {
		s.writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}

	if _, err := s.store.GetDeviceOwner(r.Context(), serial); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "device not paired")
			return
		}

		s.writeError(w, http.StatusServiceUnavailable, "store unavailable")

		return
	}

	if err := s.store.ShareDevice(r.Context(), serial, req.UserID); err != nil {
		s.writeError(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]string{"status": "shared"})
}

func (s *Server) handleSharedWithMe(w http.ResponseWriter, r *http.Request) {
	auth := srhttp.AuthFromContext(r.Context())
	if auth == nil || !auth.HasScope(models.ScopeRead) {
		s.writeError(w, http.StatusUnauthorized, "read scope required")
		return
	}

	serials, err := s.store.GetSharedWithMe(r.Context(), auth.UserID)
	if err != nil {
		s.writeError(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}

	if serials == nil {
		serials = []string{}
	}

	s.writeJSON(w, http.StatusOK, map[string]any{"serials": serials})
}

// handleNotifyDevice forces a fan-out of the device's current objects
// to its parked subscribers; a test/debug hook.
func (s *Server) handleNotifyDevice(w http.ResponseWriter, r *http.Request) {
	auth := srhttp.AuthFromContext(r.Context())
	if auth == nil || !auth.HasScope(models.ScopeAdmin) {
		s.writeError(w, http.StatusUnauthorized, "admin scope required")
		return
	}

	var req struct {
		Serial string `json:"serial"`
	}

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Serial == "" {
		s.writeError(w, http.StatusBadRequest, "serial is required")
		return
	}

	objects, err := s.state.GetAll(r.Context(), req.Serial)
	if err != nil {
		s.writeError(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}

	notified, removed := s.subs.NotifyAll(req.Serial, objects)

	s.writeJSON(w, http.StatusOK, map[string]any{
		"notified": notified,
		"removed":  removed,
	})
}

func (s *Server) handleCreateKey(w http.ResponseWriter, r *http.Request) {
	auth := srhttp.AuthFromContext(r.Context())
	if auth == nil || !auth.HasScope(models.ScopeAdmin) {
		s.writeError(w, http.StatusUnauthorized, "admin scope required")
		return
	}

	var req struct {
		Name        string                   `json:"name"`
		RawKey      string                   `json:"key"`
		Permissions models.APIKeyPermissions `json:"permissions"`
	}

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.RawKey == "" {
		s.writeError(w, http.StatusBadRequest, "key is required")
		return
	}

	key := &models.APIKey{
		ID:          newKeyID(),
		KeyHash:     store.HashAPIKey(req.RawKey),
		KeyPreview:  store.KeyPreview(req.RawKey),
		UserID:      auth.UserID,
		Name:        req.Name,
		Permissions: req.Permissions,
		CreatedAt:   time.Now(),
	}

	if err := s.store.CreateAPIKey(r.Context(), key); err != nil {
		s.writeError(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}

	key.KeyHash = ""
	s.writeJSON(w, http.StatusCreated, key)
}

func (s *Server) handleListKeys(w http.ResponseWriter, r *http.Request) {
	auth := srhttp.AuthFromContext(r.Context())
	if auth == nil || !auth.HasScope(models.ScopeRead) {
		s.writeError(w, http.StatusUnauthorized, "read scope required")
		return
	}

	keys, err := s.store.ListAPIKeys(r.Context(), auth.UserID)
	if err != nil {
		s.writeError(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}

	for i := range keys {
		keys[i].KeyHash = ""
	}

	s.writeJSON(w, http.StatusOK, map[string]any{"keys": keys})
}

func (s *Server) handleRevokeKey(w http.ResponseWriter, r *http.Request) {
	auth := srhttp.AuthFromContext(r.Context())
	if auth == nil || !auth.HasScope(models.ScopeAdmin) {
		s.writeError(w, http.StatusUnauthorized, "admin scope required")
		return
	}

	id := mux.Vars(r)["id"]

	if err := s.store.RevokeAPIKey(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "key not found")
			return
		}

		s.writeError(w, http.StatusServiceUnavailable, "store unavailable")

		return
	}

	s.writeJSON(w, http.StatusOK, map[string]string{"status": "revoked"})
}
