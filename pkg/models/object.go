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

// Package models contains the shared data types exchanged between the
// transport, state, store and integration layers.
package models

import (
	"strings"
	"time"
)

// Well-known object key prefixes. The prefix identifies the role of an
// object; the suffix is usually the device serial or a user identifier.
const (
	PrefixDevice      = "device"
	PrefixShared      = "shared"
	PrefixLink        = "link"
	PrefixStructure   = "structure"
	PrefixUser        = "user"
	PrefixSchedule    = "schedule"
	PrefixAlertDialog = "device_alert_dialog"
	PrefixWeather     = "weather"
)

// Object is the atomic unit of device state: a revisioned value stored
// under a (serial, object_key) identifier. Revision is monotone
// non-decreasing; Timestamp is milliseconds since epoch and is assigned
// by the server on write.
type Object struct {
	Serial    string         `json:"serial"`
	Key       string         `json:"object_key"`
	Revision  int64          `json:"object_revision"`
	Timestamp int64          `json:"object_timestamp"`
	Value     map[string]any `json:"value,omitempty"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// Ref returns the value-less projection used by list responses.
func (o *Object) Ref() ObjectRef {
	return ObjectRef{
		Key:       o.Key,
		Revision:  o.Revision,
		Timestamp: o.Timestamp,
	}
}

// ObjectRef identifies a version of an object without carrying its value.
type ObjectRef struct {
	Key       string `json:"object_key"`
	Revision  int64  `json:"object_revision"`
	Timestamp int64  `json:"object_timestamp"`
}

// ObjectType returns the prefix portion of an object key
// ("device.02AA01AB0123456K" -> "device").
func ObjectType(key string) string {
	if i := strings.IndexByte(key, '.'); i >= 0 {
		return key[:i]
	}

	return key
}

// ObjectSuffix returns the portion of an object key after the prefix,
// usually a device serial or user identifier.
func ObjectSuffix(key string) string {
	if i := strings.IndexByte(key, '.'); i >= 0 {
		return key[i+1:]
	}

	return ""
}

// StateChange is the event emitted by the state service whenever an
// object advances. Serial is the device whose subscribers should be
// woken; for user-scoped objects one event is emitted per owned device.
type StateChange struct {
	Serial    string         `json:"serial"`
	Key       string         `json:"object_key"`
	Revision  int64          `json:"object_revision"`
	Timestamp int64          `json:"object_timestamp"`
	Value     map[string]any `json:"value"`
}

// DeviceOwner binds a device serial to the user that claimed it. At most
// one owner exists per serial.
type DeviceOwner struct {
	Serial    string    `json:"serial"`
	UserID    string    `json:"user_id"`
	CreatedAt time.Time `json:"created_at"`
}

// UserIDSuffix strips the well-known "user_" prefix from a user
// identifier; structure keys are derived from the stripped form.
func UserIDSuffix(userID string) string {
	return strings.TrimPrefix(userID, "user_")
}
