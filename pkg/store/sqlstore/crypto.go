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

package sqlstore

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
)

// Encrypted values carry this prefix so plaintext rows written before a
// secret key was configured still read back.
const encPrefix = "enc:"

var errCiphertextTooShort = errors.New("ciphertext too short")

func deriveKey(secret string) []byte {
	sum := sha256.Sum256([]byte(secret))
	return sum[:]
}

func (s *Store) sealConfig(plaintext []byte) (string, error) {
	if s.secretKey == nil {
		return string(plaintext), nil
	}

	block, err := aes.NewCipher(s.secretKey)
	if err != nil {
		return "", fmt.Errorf("failed to init cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("failed to init gcm: %w", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("failed to draw nonce: %w", err)
	}

	sealed := gcm.Seal(nonce, nonce, plaintext, nil)

	return encPrefix + base64.StdEncoding.EncodeToString(sealed), nil
}

func (s *Store) openConfig(stored string) ([]byte, error) {
	if !strings.HasPrefix(stored, encPrefix) {
		return []byte(stored), nil
	}

	if s.secretKey == nil {
		return nil, errors.New("encrypted config but no secret key configured")
	}

	sealed, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(stored, encPrefix))
	if err != nil {
		return nil, fmt.Errorf("failed to decode config ciphertext: %w", err)
	}

	block, err := aes.NewCipher(s.secretKey)
	if err != nil {
		return nil, fmt.Errorf("failed to init cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to init gcm: %w", err)
	}

	if len(sealed) < gcm.NonceSize() {
		return nil, errCiphertextTooShort
	}

	plaintext, err := gcm.Open(nil, sealed[:gcm.NonceSize()], sealed[gcm.NonceSize():], nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt config: %w", err)
	}

	return plaintext, nil
}
