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

// Package integrations runs the outbound bridges (MQTT, webhooks) that
// mirror device state into external systems. Each integration instance
// belongs to one user and sees only that user's devices.
package integrations

import (
	"context"
	"encoding/json"

	"github.com/hearthlabs/hearthd/pkg/logger"
	"github.com/hearthlabs/hearthd/pkg/models"
	"github.com/hearthlabs/hearthd/pkg/state"
)

// Integration is one running bridge instance. Implementations must
// tolerate OnStateChange being called concurrently with lifecycle
// callbacks; a failing integration is isolated, never fatal.
type Integration interface {
	// Type returns the integration type name used in configuration.
	Type() string

	// Initialize connects the integration. A returned error leaves the
	// instance unregistered; the manager retries on the next
	// reconciliation pass.
	Initialize(ctx context.Context) error

	OnStateChange(ctx context.Context, ev models.StateChange)
	OnDeviceConnected(ctx context.Context, serial string)
	OnDeviceDisconnected(ctx context.Context, serial string)

	Shutdown(ctx context.Context) error
}

// Deps is what the manager hands to every factory.
type Deps struct {
	State  *state.Service
	Logger logger.Logger
	UserID string
}

// Factory builds an integration instance from its raw config blob.
type Factory func(deps Deps, config json.RawMessage) (Integration, error)
