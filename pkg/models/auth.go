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

// API key scopes accepted on the control surface.
const (
	ScopeRead    = "read"
	ScopeCommand = "command"
	ScopeAdmin   = "admin"
)

// APIKeyPermissions scope a key to a set of serials and operations. An
// empty serial list grants access to every device the key's user owns.
type APIKeyPermissions struct {
	Serials []string `json:"serials"`
	Scopes  []string `json:"scopes"`
}

// APIKey is a control-plane credential. Only the SHA-256 hash of the raw
// key is persisted; Preview keeps the first characters for display.
type APIKey struct {
	ID          string            `json:"id"`
	KeyHash     string            `json:"key_hash"`
	KeyPreview  string            `json:"key_preview"`
	UserID      string            `json:"user_id"`
	Name        string            `json:"name"`
	Permissions APIKeyPermissions `json:"permissions"`
	CreatedAt   time.Time         `json:"created_at"`
	LastUsedAt  *time.Time        `json:"last_used_at,omitempty"`
	RevokedAt   *time.Time        `json:"revoked_at,omitempty"`
}

// AuthContext is the resolved identity of an authenticated control
// request.
type AuthContext struct {
	UserID  string   `json:"user_id"`
	KeyID   string   `json:"key_id"`
	Serials []string `json:"serials"`
	Scopes  []string `json:"scopes"`
}

// HasScope reports whether the context carries the scope. Admin implies
// everything.
func (a *AuthContext) HasScope(scope string) bool {
	for _, s := range a.Scopes {
		if s == scope || s == ScopeAdmin {
			return true
		}
	}

	return false
}

// AllowsSerial reports whether the context may act on the serial. An
// empty allow-list permits all serials.
func (a *AuthContext) AllowsSerial(serial string) bool {
	if len(a.Serials) == 0 {
		return true
	}

	for _, s := range a.Serials {
		if s == serial {
			return true
		}
	}

	return false
}
