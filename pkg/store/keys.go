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

package store

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/hearthlabs/hearthd/pkg/models"
)

// HashAPIKey derives the persisted hash of a raw API key.
func HashAPIKey(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// KeyPreview returns the displayable prefix of a raw API key.
func KeyPreview(raw string) string {
	const n = 8
	if len(raw) <= n {
		return raw
	}

	return raw[:n] + "..."
}

// AuthContextForKey builds the request auth context from a validated
// key record.
func AuthContextForKey(key *models.APIKey) *models.AuthContext {
	return &models.AuthContext{
		UserID:  key.UserID,
		KeyID:   key.ID,
		Serials: append([]string(nil), key.Permissions.Serials...),
		Scopes:  append([]string(nil), key.Permissions.Scopes...),
	}
}
