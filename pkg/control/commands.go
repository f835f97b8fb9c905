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

package control

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/google/uuid"

	srhttp "github.com/hearthlabs/hearthd/pkg/http"
	"github.com/hearthlabs/hearthd/pkg/models"
	"github.com/hearthlabs/hearthd/pkg/state"
	"github.com/hearthlabs/hearthd/pkg/store"
)

// Target temperature bounds, in Celsius. The firmware refuses values
// outside this range, so the API clamps rather than erroring.
const (
	minTargetTemp = 9.0
	maxTargetTemp = 32.0
)

// commandRequest covers every command shape; unused fields are ignored
// per action.
type commandRequest struct {
	Serial string   `json:"serial"`
	Action string   `json:"action"`
	Value  *float64 `json:"value,omitempty"`
	Mode   string   `json:"mode,omitempty"`
	Low    *float64 `json:"low,omitempty"`
	High   *float64 `json:"high,omitempty"`
	Away   *bool    `json:"away,omitempty"`
	Object string   `json:"object,omitempty"`
	Field  string   `json:"field,omitempty"`
	Raw    any      `json:"raw,omitempty"`
}

func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	auth := srhttp.AuthFromContext(r.Context())
	if auth == nil || !auth.HasScope(models.ScopeCommand) {
		s.writeError(w, http.StatusUnauthorized, "command scope required")
		return
	}

	var req commandRequest

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if req.Serial == "" {
		s.writeError(w, http.StatusBadRequest, "serial is required")
		return
	}

	if !auth.AllowsSerial(req.Serial) {
		s.writeError(w, http.StatusForbidden, "serial not permitted")
		return
	}

	var (
		obj     *models.Object
		changed bool
		err     error
	)

	switch req.Action {
	case "temp":
		obj, changed, err = s.commandTemp(r, auth, &req)
	case "away":
		obj, changed, err = s.commandAway(r, &req)
	case "set":
		obj, changed, err = s.commandSet(r, &req)
	default:
		s.writeError(w, http.StatusBadRequest, "unknown action")
		return
	}

	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "object not found")
			return
		}

		if errors.Is(err, errBadCommand) {
			s.writeError(w, http.StatusBadRequest, err.Error())
			return
		}

		s.log.Error().Err(err).Str("serial", req.Serial).Str("action", req.Action).Msg("Command failed")
		s.writeError(w, http.StatusServiceUnavailable, "store unavailable")

		return
	}

	s.log.Info().
		Str("serial", req.Serial).
		Str("action", req.Action).
		Bool("changed", changed).
		Msg("Applied command")

	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":           "ok",
		"changed":          changed,
		"object_key":       obj.Key,
		"object_revision":  obj.Revision,
		"object_timestamp": obj.Timestamp,
	})
}

var errBadCommand = errors.New("invalid command")

func clampTemp(v float64) float64 {
	switch {
	case v < minTargetTemp:
		return minTargetTemp
	case v > maxTargetTemp:
		return maxTargetTemp
	default:
		return v
	}
}

// commandTemp writes the target temperature into the shared object the
// firmware watches. Mode defaults to heat; range mode takes low/high.
func (s *Server) commandTemp(r *http.Request, auth *models.AuthContext, req *commandRequest) (*models.Object, bool, error) {
	mode := req.Mode
	if mode == "" {
		mode = "heat"
	}

	value := map[string]any{
		"target_temperature_type": mode,
		"target_change_pending":   true,
		"touched_by":              auth.UserID,
	}

	switch mode {
	case "range":
		if req.Low == nil || req.High == nil {
			return nil, false, errBadCommand
		}

		value["target_temperature_low"] = clampTemp(*req.Low)
		value["target_temperature_high"] = clampTemp(*req.High)
	default:
		if req.Value == nil {
			return nil, false, errBadCommand
		}

		value["target_temperature"] = clampTemp(*req.Value)
	}

	key := models.PrefixShared + "." + req.Serial

	return s.state.Put(r.Context(), req.Serial, key, value, state.PutOptions{})
}

// commandAway flips the device's away fields; the derivation layer
// recomputes the user-level aggregate from there.
func (s *Server) commandAway(r *http.Request, req *commandRequest) (*models.Object, bool, error) {
	if req.Away == nil {
		return nil, false, errBadCommand
	}

	value := map[string]any{
		"auto_away":      boolToAway(*req.Away),
		"away":           *req.Away,
		"away_timestamp": s.state.Now().UnixMilli(),
	}

	key := models.PrefixDevice + "." + req.Serial

	return s.state.Put(r.Context(), req.Serial, key, value, state.PutOptions{})
}

func boolToAway(away bool) int {
	if away {
		return 1
	}

	return 0
}

// commandSet writes a single field on an existing object. Unlike temp
// and away it refuses to create objects, so typos 404 instead of
// minting garbage keys.
func (s *Server) commandSet(r *http.Request, req *commandRequest) (*models.Object, bool, error) {
	if req.Object == "" || req.Field == "" {
		return nil, false, errBadCommand
	}

	if _, err := s.state.Get(r.Context(), req.Serial, req.Object); err != nil {
		return nil, false, err
	}

	value := map[string]any{req.Field: req.Raw}

	return s.state.Put(r.Context(), req.Serial, req.Object, value, state.PutOptions{})
}

func newKeyID() string {
	return uuid.NewString()
}
