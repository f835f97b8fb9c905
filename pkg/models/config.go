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

import "time"

// Store backend selectors.
const (
	StoreBackendSQLite   = "sqlite"
	StoreBackendPostgres = "postgres"
	StoreBackendNATS     = "nats"
	StoreBackendMemory   = "memory"
)

// CoreConfig is the environment-driven configuration surface of the
// server. Defaults are applied by the env loader before overrides.
type CoreConfig struct {
	TransportAddr string `env:"TRANSPORT_ADDR" default:":8443"`
	ControlAddr   string `env:"CONTROL_ADDR" default:"127.0.0.1:8700"`
	// CertDir holds server.crt/server.key; when empty the device port
	// serves plain HTTP.
	CertDir string `env:"CERT_DIR" default:""`

	EntryKeyTTL         time.Duration `env:"ENTRY_KEY_TTL" default:"48h"`
	WeatherTTL          time.Duration `env:"WEATHER_TTL" default:"30m"`
	WeatherURL          string        `env:"WEATHER_URL" default:"https://wx.hearthlabs.io/v1"`
	SubscriptionTimeout time.Duration `env:"SUBSCRIPTION_TIMEOUT" default:"5m"`
	MaxSubscriptions    int           `env:"MAX_SUBSCRIPTIONS" default:"6"`

	StoreBackend string `env:"STORE_BACKEND" default:"sqlite"`
	SQLitePath   string `env:"SQLITE_PATH" default:"hearthd.db"`
	PostgresDSN  string `env:"POSTGRES_DSN" default:""`
	NATSURL      string `env:"NATS_URL" default:""`

	// SecretKey enables AES-GCM encryption of integration config blobs
	// at rest. Any passphrase; the store derives the cipher key from it.
	SecretKey string `env:"SECRET_KEY" default:""`

	UploadDir         string `env:"UPLOAD_DIR" default:"uploads"`
	TierName          string `env:"TIER_NAME" default:"hearthd"`
	SoftwareUpdateURL string `env:"SOFTWARE_UPDATE_URL" default:""`

	Debug bool `env:"DEBUG" default:"false"`
}
