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

package state

import (
	"context"
	"errors"

	"github.com/hearthlabs/hearthd/pkg/models"
	"github.com/hearthlabs/hearthd/pkg/store"
)

// fanTimerFields are the fan control fields a device omits from partial
// updates; their prior server values must survive the merge bit-exactly.
var fanTimerFields = []string{
	"fan_timer_timeout",
	"fan_control_state",
	"fan_timer_duration",
	"fan_current_speed",
	"fan_mode",
}

// awayFields on a device object feed the owner's user aggregate.
var awayFields = []string{
	"away",
	"away_timestamp",
	"vacation_mode",
	"manual_away_timestamp",
}

// preserveFanTimer restores fan fields the merge lost. Enforced
// post-merge, before the revision comparison, so a partial update that
// drops every fan field is a no-op for them.
func preserveFanTimer(prev, merged map[string]any) {
	if prev == nil {
		return
	}

	for _, field := range fanTimerFields {
		if _, ok := merged[field]; ok {
			continue
		}

		if v, ok := prev[field]; ok {
			merged[field] = v
		}
	}
}

// backfillStructureID fills a missing structure_id on a device value
// from the ownership record.
func (s *Service) backfillStructureID(ctx context.Context, serial string, merged map[string]any) {
	if v, ok := merged["structure_id"]; ok {
		if str, isStr := v.(string); !isStr || str != "" {
			return
		}
	}

	owner, err := s.store.GetDeviceOwner(ctx, serial)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			s.log.Warn().Err(err).Str("serial", serial).Msg("Owner lookup failed during structure backfill")
		}

		return
	}

	merged["structure_id"] = models.UserIDSuffix(owner.UserID)
}

func awayFieldsChanged(prev, next map[string]any) bool {
	for _, field := range awayFields {
		if !ValuesEqual(
			map[string]any{field: prev[field]},
			map[string]any{field: next[field]},
		) {
			return true
		}
	}

	return false
}

// RecomputeUserAway recomputes the owning user's away aggregate after a
// device's away fields changed: away iff every owned device reports
// away, the freshest away/manual-away timestamps win, and vacation mode
// is on if any device has it on.
func (s *Service) RecomputeUserAway(ctx context.Context, serial string) {
	owner, err := s.store.GetDeviceOwner(ctx, serial)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			s.log.Warn().Err(err).Str("serial", serial).Msg("Owner lookup failed during away recompute")
		}

		return
	}

	serials, err := s.store.ListUserDevices(ctx, owner.UserID)
	if err != nil {
		s.log.Warn().Err(err).Str("user_id", owner.UserID).Msg("Device list failed during away recompute")
		return
	}

	allAway := len(serials) > 0
	anyVacation := false

	var latestAwayTS, latestManualTS float64

	var awaySetter any

	for _, sn := range serials {
		device, err := s.Get(ctx, sn, models.PrefixDevice+"."+sn)
		if err != nil {
			continue
		}

		if b, _ := device.Value["away"].(bool); !b {
			allAway = false
		}

		if b, _ := device.Value["vacation_mode"].(bool); b {
			anyVacation = true
		}

		if ts := asNumber(device.Value["away_timestamp"]); ts > latestAwayTS {
			latestAwayTS = ts

			if setter, ok := device.Value["away_setter"]; ok {
				awaySetter = setter
			}
		}

		if ts := asNumber(device.Value["manual_away_timestamp"]); ts > latestManualTS {
			latestManualTS = ts
		}
	}

	aggregate := map[string]any{
		"away":          allAway,
		"vacation_mode": anyVacation,
	}

	if latestAwayTS > 0 {
		aggregate["away_timestamp"] = latestAwayTS
	}

	if latestManualTS > 0 {
		aggregate["manual_away_timestamp"] = latestManualTS
	}

	if awaySetter != nil {
		aggregate["away_setter"] = awaySetter
	}

	userKey := models.PrefixUser + "." + models.UserIDSuffix(owner.UserID)

	_, _, err = s.Put(ctx, serial, userKey, aggregate, PutOptions{
		SkipDerive:    true,
		NotifySerials: serials,
	})
	if err != nil {
		s.log.Warn().Err(err).Str("user_id", owner.UserID).Msg("Away aggregate write failed")
	}
}

// postalCodeChanged reports the postal code a device write introduced
// or moved to.
func postalCodeChanged(prev, next map[string]any) (string, bool) {
	pc, _ := next["postal_code"].(string)
	if pc == "" {
		return "", false
	}

	prevPC, _ := prev["postal_code"].(string)

	return pc, pc != prevPC
}

// propagateCachedWeather pushes the stored weather payload for a postal
// code a device just reported, so the owner's user object follows the
// move instead of waiting for the next cache miss on that postal.
func (s *Service) propagateCachedWeather(ctx context.Context, postal, country string) {
	entry, err := s.store.GetWeather(ctx, postal, country)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			s.log.Warn().Err(err).Str("postal_code", postal).Msg("Weather cache read failed during propagation")
		}

		return
	}

	s.PropagateWeather(ctx, postal, country, entry.Payload)
}

// PropagateWeather pushes a refreshed weather payload into the user
// object of every owner whose device reports the postal code.
func (s *Service) PropagateWeather(ctx context.Context, postal, country string, payload map[string]any) {
	s.mu.RLock()

	var matched []string

	for serial, device := range s.cache {
		obj, ok := device[models.PrefixDevice+"."+serial]
		if !ok {
			continue
		}

		if pc, _ := obj.Value["postal_code"].(string); pc == postal {
			matched = append(matched, serial)
		}
	}
	s.mu.RUnlock()

	seen := make(map[string]bool)

	for _, serial := range matched {
		owner, err := s.store.GetDeviceOwner(ctx, serial)
		if err != nil {
			continue
		}

		if seen[owner.UserID] {
			continue
		}
		seen[owner.UserID] = true

		serials, err := s.store.ListUserDevices(ctx, owner.UserID)
		if err != nil {
			serials = []string{serial}
		}

		userKey := models.PrefixUser + "." + models.UserIDSuffix(owner.UserID)
		value := map[string]any{
			"weather": map[string]any{
				"postal_code": postal,
				"country":     country,
				"data":        payload,
			},
		}

		if _, _, err := s.Put(ctx, serial, userKey, value, PutOptions{
			SkipDerive:    true,
			NotifySerials: serials,
		}); err != nil {
			s.log.Warn().Err(err).Str("user_id", owner.UserID).Msg("Weather propagation write failed")
		}
	}
}

func asNumber(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int64:
		return float64(n)
	case int:
		return float64(n)
	default:
		return 0
	}
}
