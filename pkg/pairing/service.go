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

// Package pairing issues and redeems the entry codes that bind an
// unowned device to a user account, and materializes the object graph a
// freshly claimed device needs.
package pairing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hearthlabs/hearthd/pkg/logger"
	"github.com/hearthlabs/hearthd/pkg/models"
	"github.com/hearthlabs/hearthd/pkg/state"
	"github.com/hearthlabs/hearthd/pkg/store"
)

const gcInterval = time.Hour

var (
	// ErrCodeInvalid covers unknown and expired codes.
	ErrCodeInvalid = errors.New("entry code invalid or expired")
	// ErrCodeClaimed means the code was redeemed by a different user.
	ErrCodeClaimed = errors.New("entry code already claimed")
	// ErrAlreadyLinked means the device is owned by a different user.
	ErrAlreadyLinked = errors.New("device already linked to another account")
)

// Service implements entry-code generation, the claim flow, and the
// hourly garbage collection of expired codes.
type Service struct {
	store store.Store
	state *state.Service
	ttl   time.Duration
	log   logger.Logger
}

// NewService builds the pairing service.
func NewService(st store.Store, svc *state.Service, ttl time.Duration, log logger.Logger) *Service {
	return &Service{
		store: st,
		state: svc,
		ttl:   ttl,
		log:   log.WithComponent("pairing"),
	}
}

// GenerateEntryKey issues a fresh code for the serial, replacing any
// prior unclaimed code.
func (s *Service) GenerateEntryKey(ctx context.Context, serial string) (*models.EntryKey, error) {
	key, err := s.store.GenerateEntryKey(ctx, serial, s.ttl)
	if err != nil {
		return nil, fmt.Errorf("failed to generate entry key for %s: %w", serial, err)
	}

	s.log.Info().
		Str("serial", serial).
		Int64("expires_at", key.ExpiresAt).
		Msg("Issued entry code")

	return key, nil
}

// Claim redeems a code for userID and materializes the pairing object
// graph. Every step is idempotent so a failed claim can be retried; a
// code claimed by the same user re-runs the materialization instead of
// failing.
func (s *Service) Claim(ctx context.Context, code, userID string) error {
	key, err := s.store.ClaimEntryKey(ctx, code, userID)
	if err != nil {
		switch {
		case errors.Is(err, store.ErrNotFound):
			return ErrCodeInvalid
		case errors.Is(err, store.ErrConflict):
			return ErrCodeClaimed
		default:
			return fmt.Errorf("failed to claim entry key: %w", err)
		}
	}

	serial := key.Serial

	if err := s.store.SetDeviceOwner(ctx, serial, userID); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return ErrAlreadyLinked
		}

		return fmt.Errorf("failed to record device owner: %w", err)
	}

	if err := s.materialize(ctx, serial, userID); err != nil {
		return err
	}

	s.log.Info().
		Str("serial", serial).
		Str("user_id", userID).
		Str("code", code).
		Msg("Entry code claimed")

	return nil
}

// materialize ensures the five objects a paired device depends on. Each
// Ensure either completes or leaves state a retry can finish.
func (s *Service) materialize(ctx context.Context, serial, userID string) error {
	structureID := models.UserIDSuffix(userID)
	structureKey := models.PrefixStructure + "." + structureID
	deviceKey := models.PrefixDevice + "." + serial
	userKey := models.PrefixUser + "." + structureID

	if err := s.EnsureAlertDialog(ctx, serial); err != nil {
		return err
	}

	if _, err := s.state.Ensure(ctx, serial, deviceKey, map[string]any{
		"serial_number": serial,
		"structure_id":  structureID,
	}); err != nil {
		return fmt.Errorf("failed to ensure device object: %w", err)
	}

	if _, err := s.state.Ensure(ctx, serial, structureKey, map[string]any{
		"name":         "Home",
		"devices":      []any{deviceKey},
		"user":         models.PrefixUser + "." + structureID,
		"country_code": "US",
		"time_zone":    "UTC",
		"away":         false,
	}); err != nil {
		return fmt.Errorf("failed to ensure structure object: %w", err)
	}

	if _, err := s.state.Ensure(ctx, serial, models.PrefixLink+"."+serial, map[string]any{
		"structure": structureKey,
	}); err != nil {
		return fmt.Errorf("failed to ensure link object: %w", err)
	}

	userObj, err := s.state.Ensure(ctx, serial, userKey, map[string]any{
		"name":       "",
		"structures": []any{structureKey},
		"structure_memberships": []any{
			map[string]any{"structure": structureKey, "roles": []any{"owner"}},
		},
		"email_verified": true,
	})
	if err != nil {
		return fmt.Errorf("failed to ensure user object: %w", err)
	}

	// A pre-existing user gains this structure in its lists if missing.
	if !userHasStructure(userObj.Value, structureKey) {
		structures, _ := userObj.Value["structures"].([]any)
		memberships, _ := userObj.Value["structure_memberships"].([]any)

		update := map[string]any{
			"structures": append(structures, structureKey),
			"structure_memberships": append(memberships,
				map[string]any{"structure": structureKey, "roles": []any{"owner"}}),
		}

		if _, _, err := s.state.Put(ctx, serial, userKey, update, state.PutOptions{SkipDerive: true}); err != nil {
			return fmt.Errorf("failed to update user memberships: %w", err)
		}
	}

	return nil
}

// EnsureAlertDialog creates device_alert_dialog.{serial} with the
// pairing-confirm payload when it does not exist; the transport calls
// this on every object list.
func (s *Service) EnsureAlertDialog(ctx context.Context, serial string) error {
	_, err := s.state.Ensure(ctx, serial, models.PrefixAlertDialog+"."+serial, map[string]any{
		"dialog_id":   "confirm-pairing",
		"dialog_data": "",
	})
	if err != nil {
		return fmt.Errorf("failed to ensure alert dialog: %w", err)
	}

	return nil
}

func userHasStructure(value map[string]any, structureKey string) bool {
	structures, _ := value["structures"].([]any)

	for _, s := range structures {
		if s == structureKey {
			return true
		}
	}

	return false
}

// RunGC deletes expired unclaimed codes every hour until ctx ends.
func (s *Service) RunGC(ctx context.Context) {
	ticker := time.NewTicker(gcInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			removed, err := s.store.DeleteExpiredEntryKeys(ctx)
			if err != nil {
				s.log.Warn().Err(err).Msg("Entry code GC failed")
				continue
			}

			if removed > 0 {
				s.log.Debug().Int("removed", removed).Msg("Collected expired entry codes")
			}
		case <-ctx.Done():
			return
		}
	}
}
