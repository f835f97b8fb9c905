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

package models

import (
	"encoding/json"
	"time"
)

// IntegrationConfig is one user's configuration for one outbound
// integration type. Config is a type-specific blob; secret fields inside
// it are stored encrypted when a secret key is configured.
type IntegrationConfig struct {
	UserID    string          `json:"user_id"`
	Type      string          `json:"type"`
	Enabled   bool            `json:"enabled"`
	Config    json.RawMessage `json:"config"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// WeatherEntry is one cached upstream weather payload.
type WeatherEntry struct {
	PostalCode string         `json:"postal_code"`
	Country    string         `json:"country"`
	FetchedAt  time.Time      `json:"fetched_at"`
	Payload    map[string]any `json:"payload"`
}
