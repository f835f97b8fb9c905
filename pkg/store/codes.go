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
	"crypto/rand"
	"fmt"
	"math/big"
	"regexp"
)

// Entry codes are three digits followed by four uppercase letters: a
// space large enough to make guessing impractical within the TTL while
// staying typeable off a thermostat screen.
const (
	codeDigits  = 3
	codeLetters = 4

	// CodeAllocRetries bounds collision retries during allocation.
	CodeAllocRetries = 8
)

// CodePattern matches a well-formed entry code.
var CodePattern = regexp.MustCompile(`^[0-9]{3}[A-Z]{4}$`)

// RandomEntryCode draws a fresh pairing code from crypto/rand.
func RandomEntryCode() (string, error) {
	buf := make([]byte, 0, codeDigits+codeLetters)

	for i := 0; i < codeDigits; i++ {
		n, err := rand.Int(rand.Reader, big.NewInt(10))
		if err != nil {
			return "", fmt.Errorf("failed to draw code digit: %w", err)
		}

		buf = append(buf, byte('0'+n.Int64()))
	}

	for i := 0; i < codeLetters; i++ {
		n, err := rand.Int(rand.Reader, big.NewInt(26))
		if err != nil {
			return "", fmt.Errorf("failed to draw code letter: %w", err)
		}

		buf = append(buf, byte('A'+n.Int64()))
	}

	return string(buf), nil
}
