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

package transport

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/hearthlabs/hearthd/pkg/models"
	"github.com/hearthlabs/hearthd/pkg/state"
	"github.com/hearthlabs/hearthd/pkg/subscription"
)

// handleList returns the value-less object refs the server holds for a
// serial, so a reconnecting device can discover what the server already
// knows.
func (s *Server) handleList(w http.ResponseWriter, r *http.Request, serial string) {
	if v, ok := mux.Vars(r)["serial"]; ok && v != "" {
		serial = v
	}

	if err := s.pairing.EnsureAlertDialog(r.Context(), serial); err != nil {
		s.log.Warn().Err(err).Str("serial", serial).Msg("Alert dialog ensure failed")
	}

	objects, err := s.state.GetAll(r.Context(), serial)
	if err != nil {
		http.Error(w, "store unavailable", http.StatusServiceUnavailable)
		return
	}

	refs := make([]models.ObjectRef, 0, len(objects))
	for _, obj := range objects {
		refs = append(refs, obj.Ref())
	}

	s.writeJSON(w, http.StatusOK, map[string]any{"objects": refs})
}

type subscribeRequest struct {
	Session string       `json:"session,omitempty"`
	Chunked bool         `json:"chunked,omitempty"`
	Objects []wireObject `json:"objects"`
}

// handleSubscribe reconciles the client's claimed object versions with
// the server's, applying embedded updates, answering immediately when
// the server is ahead, and parking the response otherwise.
func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request, serial string) {
	var req subscribeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "malformed request body", http.StatusBadRequest)
		return
	}

	ctx := r.Context()

	var outdated []wireObject

	var interests []subscription.Interest

	for i := range req.Objects {
		o := &req.Objects[i]
		if o.ObjectKey == "" {
			continue
		}

		keySerial := objectSerial(o.ObjectKey, serial)

		// A value with no claimed version is an update, not a probe.
		if o.Value != nil && o.revision() == 0 && o.timestamp() == 0 {
			incoming := o.Value
			if models.ObjectType(o.ObjectKey) == models.PrefixDevice {
				annotateDeviceIdentity(incoming, serial)
			}

			if _, _, err := s.state.Put(ctx, keySerial, o.ObjectKey, incoming, state.PutOptions{}); err != nil {
				s.log.Warn().Err(err).Str("object_key", o.ObjectKey).Msg("Subscribe-embedded update failed")
			}

			continue
		}

		server, err := s.state.Get(ctx, keySerial, o.ObjectKey)
		if err != nil {
			server = nil
		}

		switch {
		case o.revision() == 0 && o.timestamp() == 0 && server != nil:
			// Fresh client wants the current value now.
			outdated = append(outdated, toWire(server, true))

		case server != nil && state.IsServerNewer(server.Revision, server.Timestamp, o.revision(), o.timestamp()):
			outdated = append(outdated, toWire(server, true))

		case server == nil || !state.IsServerNewer(server.Revision, server.Timestamp, o.revision(), o.timestamp()):
			// Client is ahead (or server knows nothing): adopt its
			// claimed version, overlaying the server value it may be
			// missing fields from.
			if clientAhead(server, o) {
				var base map[string]any
				if server != nil {
					base = server.Value
				}

				accepted := state.Merge(base, o.Value)
				if _, _, err := s.state.UpsertRaw(ctx, keySerial, o.ObjectKey, o.revision(), o.timestamp(), accepted, state.PutOptions{}); err != nil {
					s.log.Warn().Err(err).Str("object_key", o.ObjectKey).Msg("Client-version adoption failed")
				}
			}

			interests = append(interests, subscription.Interest{
				Key:       o.ObjectKey,
				Revision:  o.revision(),
				Timestamp: o.timestamp(),
			})
		}
	}

	if len(outdated) > 0 {
		s.writeJSON(w, http.StatusOK, objectsResponse{Objects: outdated})
		return
	}

	if !req.Chunked || len(interests) == 0 {
		w.WriteHeader(http.StatusOK)
		return
	}

	s.parkSubscription(w, r, serial, req.Session, interests)
}

func clientAhead(server *models.Object, o *wireObject) bool {
	if o.revision() == 0 && o.timestamp() == 0 {
		return false
	}

	if server == nil {
		return true
	}

	return state.IsServerNewer(o.revision(), o.timestamp(), server.Revision, server.Timestamp)
}

// parkSubscription suspends the response as a chunked transfer until a
// relevant object advances or the sweeper expires the subscription.
func (s *Server) parkSubscription(w http.ResponseWriter, r *http.Request, serial, session string, interests []subscription.Interest) {
	sub := subscription.NewSubscription(serial, session, interests)

	if !s.subs.Add(sub) {
		http.Error(w, "too many subscriptions", http.StatusTooManyRequests)
		return
	}

	defer sub.Finish()

	flusher, ok := w.(http.Flusher)
	if !ok {
		s.subs.Remove(sub)
		w.WriteHeader(http.StatusOK)

		return
	}

	// First chunk is empty: headers go out, the connection stays open.
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	select {
	case deltas, delivered := <-sub.Deliveries():
		if !delivered {
			// Expired or shutting down: close with an empty result.
			if err := json.NewEncoder(w).Encode(objectsResponse{Objects: []wireObject{}}); err != nil {
				s.log.Debug().Err(err).Msg("Empty-result write failed")
			}

			return
		}

		wired := make([]wireObject, 0, len(deltas))
		for _, obj := range deltas {
			wired = append(wired, toWire(obj, true))
		}

		if err := json.NewEncoder(w).Encode(objectsResponse{Objects: wired}); err != nil {
			s.log.Debug().Err(err).Str("serial", serial).Msg("Delta write failed")
		}

		flusher.Flush()

	case <-r.Context().Done():
		s.subs.Remove(sub)
	}
}

// handlePut applies device pushes: each object deep-merges into server
// state, the revision advances iff the merged value changed, and parked
// subscribers wake afterwards in one batch per serial.
func (s *Server) handlePut(w http.ResponseWriter, r *http.Request, serial string) {
	var req struct {
		Objects []wireObject `json:"objects"`
	}

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "malformed request body", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	response := make([]wireObject, 0, len(req.Objects))
	changedBySerial := make(map[string][]*models.Object)

	for i := range req.Objects {
		o := &req.Objects[i]
		if o.ObjectKey == "" {
			http.Error(w, "object_key is required", http.StatusBadRequest)
			return
		}

		keySerial := objectSerial(o.ObjectKey, serial)

		obj, changed, err := s.state.Put(ctx, keySerial, o.ObjectKey, o.Value, state.PutOptions{SkipNotify: true})
		if err != nil {
			s.log.Warn().Err(err).Str("object_key", o.ObjectKey).Msg("Put failed")
			http.Error(w, "write failed", http.StatusServiceUnavailable)

			return
		}

		response = append(response, toWire(obj, changed))

		if changed {
			changedBySerial[keySerial] = append(changedBySerial[keySerial], obj)
		}
	}

	for sn, objs := range changedBySerial {
		notified, removed := s.subs.NotifyAll(sn, objs)
		if notified > 0 {
			s.log.Debug().
				Str("serial", sn).
				Int("notified", notified).
				Int("removed", removed).
				Msg("Put woke subscribers")
		}
	}

	s.writeJSON(w, http.StatusOK, objectsResponse{Objects: response})
}

// objectSerial maps an object key to the device serial it belongs to;
// user- and structure-scoped keys fall back to the requesting device.
func objectSerial(key, requestSerial string) string {
	switch models.ObjectType(key) {
	case models.PrefixDevice, models.PrefixShared, models.PrefixLink,
		models.PrefixAlertDialog, models.PrefixSchedule:
		if suffix := models.ObjectSuffix(key); suffix != "" {
			return suffix
		}
	}

	return requestSerial
}

// annotateDeviceIdentity stamps the serial into a device value that
// omitted it.
func annotateDeviceIdentity(value map[string]any, serial string) {
	if _, ok := value["serial_number"]; !ok {
		value["serial_number"] = serial
	}
}
