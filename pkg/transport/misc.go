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
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/hearthlabs/hearthd/pkg/store"
)

const maxUploadBytes = 4 << 20

func (s *Server) handlePing(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleProInfo(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"professionally_installed": false,
		"installer":                map[string]any{},
	})
}

// handlePassphrase issues a pairing code for the requesting device. The
// body is the bare code so the firmware can display it verbatim.
func (s *Server) handlePassphrase(w http.ResponseWriter, r *http.Request, serial string) {
	key, err := s.pairing.GenerateEntryKey(r.Context(), serial)
	if err != nil {
		if errors.Is(err, store.ErrExhaustedCodes) {
			http.Error(w, "no codes available", http.StatusServiceUnavailable)
			return
		}

		http.Error(w, "store unavailable", http.StatusServiceUnavailable)

		return
	}

	w.Header().Set("Content-Type", "text/plain")
	fmt.Fprint(w, key.Code)
}

func (s *Server) handleWeather(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query().Get("query")
	if query == "" {
		http.Error(w, "query is required", http.StatusBadRequest)
		return
	}

	payload, err := s.weather.Get(r.Context(), query)
	if err != nil {
		http.Error(w, "weather unavailable", http.StatusServiceUnavailable)
		return
	}

	if payload == nil {
		http.Error(w, "weather unavailable", http.StatusServiceUnavailable)
		return
	}

	s.writeJSON(w, http.StatusOK, payload)
}

// handleUpload persists an opaque device log blob; the filename is
// derived from the device identity and the service clock.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request, serial string) {
	if err := os.MkdirAll(s.cfg.UploadDir, 0o755); err != nil {
		http.Error(w, "upload unavailable", http.StatusServiceUnavailable)
		return
	}

	name := fmt.Sprintf("%s_%d.log", sanitizeFilename(serial), s.clock().UnixMilli())
	path := filepath.Join(s.cfg.UploadDir, name)

	f, err := os.Create(path)
	if err != nil {
		http.Error(w, "upload unavailable", http.StatusServiceUnavailable)
		return
	}
	defer f.Close()

	if _, err := io.Copy(f, io.LimitReader(r.Body, maxUploadBytes)); err != nil {
		s.log.Warn().Err(err).Str("serial", serial).Msg("Upload write failed")
		http.Error(w, "upload failed", http.StatusInternalServerError)

		return
	}

	s.log.Debug().Str("serial", serial).Str("file", name).Msg("Stored device log upload")
	w.WriteHeader(http.StatusOK)
}

func sanitizeFilename(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, s)
}
