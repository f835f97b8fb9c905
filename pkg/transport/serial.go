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

package transport

import (
	"net/http"
	"regexp"
	"strings"
)

// IdentityHeader is the fixed-format device identifier the firmware
// sends on every request, e.g. "serial=02AA01AB0123456K,sw=5.9.3".
const IdentityHeader = "X-nl-client-identifier"

var serialPattern = regexp.MustCompile(`^[0-9A-Z]{8,32}$`)

// ResolveSerial extracts the device serial from the identity header or,
// failing that, from the TLS client certificate's common name. An empty
// result means the request carries no usable device identity.
func ResolveSerial(r *http.Request) string {
	if header := r.Header.Get(IdentityHeader); header != "" {
		if serial := parseIdentity(header); serial != "" {
			return serial
		}
	}

	if r.TLS != nil && len(r.TLS.PeerCertificates) > 0 {
		cn := strings.ToUpper(strings.TrimSpace(r.TLS.PeerCertificates[0].Subject.CommonName))
		if serialPattern.MatchString(cn) {
			return cn
		}
	}

	return ""
}

func parseIdentity(header string) string {
	for _, part := range strings.FieldsFunc(header, func(r rune) bool {
		return r == ',' || r == ';' || r == ' '
	}) {
		if v, ok := strings.CutPrefix(part, "serial="); ok {
			v = strings.ToUpper(strings.TrimPrefix(v, "0x"))
			if serialPattern.MatchString(v) {
				return v
			}
		}
	}

	// Some bootloader builds send the bare serial.
	bare := strings.ToUpper(strings.TrimSpace(header))
	if serialPattern.MatchString(bare) {
		return bare
	}

	return ""
}
