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

// Package mqttbridge mirrors device state onto an MQTT broker and
// accepts writes back over a command topic. Topic layout:
//
//	{prefix}/{serial}/{object_type}         full object JSON, retained
//	{prefix}/{serial}/{object_type}/{field} scalar fields, retained
//	{prefix}/{serial}/ha/{capability}       normalized climate/presence values
//	{prefix}/{serial}/availability          online/offline, retained
//	{prefix}/{serial}/command/{object_type} inbound field writes
package mqttbridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"github.com/hearthlabs/hearthd/pkg/integrations"
	"github.com/hearthlabs/hearthd/pkg/logger"
	"github.com/hearthlabs/hearthd/pkg/models"
	"github.com/hearthlabs/hearthd/pkg/state"
)

const (
	// TypeName is the integration type key in stored configs.
	TypeName = "mqtt"

	connectTimeout = 10 * time.Second
	publishQoS     = 0
	commandQoS     = 1
)

var errBrokerRequired = errors.New("broker URL is required")

// Config is the user-supplied bridge configuration.
type Config struct {
	BrokerURL string `json:"broker_url"`
	Username  string `json:"username"`
	Password  string `json:"password"`
	Prefix    string `json:"prefix"`
	ClientID  string `json:"client_id"`
	Retain    bool   `json:"retain"`
}

// Bridge is one user's MQTT connection.
type Bridge struct {
	cfg    Config
	state  *state.Service
	log    logger.Logger
	userID string
	client mqtt.Client
}

// NewFactory returns the factory the integration manager registers
// under TypeName.
func NewFactory() integrations.Factory {
	return func(deps integrations.Deps, raw json.RawMessage) (integrations.Integration, error) {
		cfg := Config{Prefix: "hearthd", Retain: true}

		if err := json.Unmarshal(raw, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse mqtt config: %w", err)
		}

		if cfg.BrokerURL == "" {
			return nil, errBrokerRequired
		}

		if cfg.ClientID == "" {
			cfg.ClientID = "hearthd-" + uuid.NewString()[:8]
		}

		return &Bridge{
			cfg:    cfg,
			state:  deps.State,
			log:    deps.Logger.WithComponent("mqtt"),
			userID: deps.UserID,
		}, nil
	}
}

// Type implements integrations.Integration.
func (b *Bridge) Type() string { return TypeName }

// Initialize connects to the broker and subscribes the command topic.
func (b *Bridge) Initialize(ctx context.Context) error {
	opts := mqtt.NewClientOptions().
		AddBroker(b.cfg.BrokerURL).
		SetClientID(b.cfg.ClientID).
		SetUsername(b.cfg.Username).
		SetPassword(b.cfg.Password).
		SetAutoReconnect(true).
		SetConnectTimeout(connectTimeout).
		SetWill(b.cfg.Prefix+"/bridge/availability", "offline", publishQoS, true)

	b.client = mqtt.NewClient(opts)

	if err := wait(ctx, b.client.Connect()); err != nil {
		return fmt.Errorf("failed to connect to mqtt broker: %w", err)
	}

	topic := b.cfg.Prefix + "/+/command/+"
	if err := wait(ctx, b.client.Subscribe(topic, commandQoS, b.handleCommand)); err != nil {
		b.client.Disconnect(0)
		return fmt.Errorf("failed to subscribe %s: %w", topic, err)
	}

	b.publish(b.cfg.Prefix+"/bridge/availability", "online", true)
	b.log.Info().Str("broker", b.cfg.BrokerURL).Str("prefix", b.cfg.Prefix).Msg("MQTT bridge connected")

	return nil
}

// wait adapts paho's token API to context cancellation.
func wait(ctx context.Context, tok mqtt.Token) error {
	select {
	case <-tok.Done():
		return tok.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *Bridge) publish(topic string, payload any, retain bool) {
	if b.client == nil || !b.client.IsConnected() {
		return
	}

	var body []byte

	switch v := payload.(type) {
	case string:
		body = []byte(v)
	case []byte:
		body = v
	default:
		var err error
		if body, err = json.Marshal(v); err != nil {
			b.log.Warn().Err(err).Str("topic", topic).Msg("MQTT payload marshal failed")
			return
		}
	}

	b.client.Publish(topic, publishQoS, retain, body)
}

// haCapabilities maps raw object fields to the normalized topic names
// home-automation consumers expect. Keyed by object type.
var haCapabilities = map[string]map[string]string{
	models.PrefixShared: {
		"current_temperature":     "current_temperature",
		"target_temperature":      "target_temperature",
		"target_temperature_type": "mode",
	},
	models.PrefixDevice: {
		"fan_mode": "fan",
		"away":     "away",
	},
}

// OnStateChange mirrors the changed object and its scalar fields.
func (b *Bridge) OnStateChange(_ context.Context, ev models.StateChange) {
	objType := models.ObjectType(ev.Key)
	base := fmt.Sprintf("%s/%s/%s", b.cfg.Prefix, ev.Serial, objType)

	b.publish(base, ev.Value, b.cfg.Retain)

	caps := haCapabilities[objType]

	for field, v := range ev.Value {
		switch v.(type) {
		case map[string]any, []any:
			continue
		default:
			b.publish(base+"/"+field, fmt.Sprint(v), b.cfg.Retain)

			if capability, ok := caps[field]; ok {
				b.publish(fmt.Sprintf("%s/%s/ha/%s", b.cfg.Prefix, ev.Serial, capability),
					fmt.Sprint(v), b.cfg.Retain)
			}
		}
	}
}

// OnDeviceConnected publishes availability.
func (b *Bridge) OnDeviceConnected(_ context.Context, serial string) {
	b.publish(fmt.Sprintf("%s/%s/availability", b.cfg.Prefix, serial), "online", true)
}

// OnDeviceDisconnected publishes availability.
func (b *Bridge) OnDeviceDisconnected(_ context.Context, serial string) {
	b.publish(fmt.Sprintf("%s/%s/availability", b.cfg.Prefix, serial), "offline", true)
}

// handleCommand applies an inbound field write. The topic names the
// serial and object type; the payload is a JSON object of fields. Only
// devices the bridge's user owns or has been granted access to are
// writable.
func (b *Bridge) handleCommand(_ mqtt.Client, msg mqtt.Message) {
	parts := strings.Split(msg.Topic(), "/")
	if len(parts) != 4 || parts[2] != "command" {
		return
	}

	serial, objType := parts[1], parts[3]

	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()

	if !b.allowsSerial(ctx, serial) {
		b.log.Warn().Str("serial", serial).Msg("Rejected MQTT command for foreign device")
		return
	}

	var value map[string]any
	if err := json.Unmarshal(msg.Payload(), &value); err != nil {
		b.log.Warn().Err(err).Str("topic", msg.Topic()).Msg("Invalid MQTT command payload")
		return
	}

	key := objType + "." + serial

	if _, _, err := b.state.Put(ctx, serial, key, value, state.PutOptions{}); err != nil {
		b.log.Error().Err(err).Str("serial", serial).Str("object_key", key).Msg("MQTT command write failed")
	}
}

func (b *Bridge) allowsSerial(ctx context.Context, serial string) bool {
	st := b.state.Store()

	if owner, err := st.GetDeviceOwner(ctx, serial); err == nil && owner.UserID == b.userID {
		return true
	}

	shared, err := st.GetSharedWithMe(ctx, b.userID)
	if err != nil {
		return false
	}

	for _, sn := range shared {
		if sn == serial {
			return true
		}
	}

	return false
}

// Shutdown flips availability and disconnects.
func (b *Bridge) Shutdown(_ context.Context) error {
	if b.client == nil {
		return nil
	}

	if !b.client.IsConnected() {
		return nil
	}

	b.publish(b.cfg.Prefix+"/bridge/availability", "offline", true)
	b.client.Disconnect(250)

	return nil
}
