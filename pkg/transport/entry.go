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

	"github.com/hearthlabs/hearthd/pkg/version"
)

// EntryDocument is the service-discovery document the firmware fetches
// first; every URL it will ever contact is listed here.
type EntryDocument struct {
	CzfeURL            string `json:"czfe_url"`
	TransportURL       string `json:"transport_url"`
	DirectTransportURL string `json:"direct_transport_url"`
	PassphraseURL      string `json:"passphrase_url"`
	PingURL            string `json:"ping_url"`
	ProInfoURL         string `json:"pro_info_url"`
	WeatherURL         string `json:"weather_url"`
	UploadURL          string `json:"upload_url"`
	SoftwareUpdateURL  string `json:"software_update_url"`
	ServerVersion      string `json:"server_version"`
	TierName           string `json:"tier_name"`
}

func (s *Server) handleEntry(w http.ResponseWriter, r *http.Request) {
	base := baseURL(r)

	doc := EntryDocument{
		CzfeURL:            base + "/nest",
		TransportURL:       base + "/nest/transport",
		DirectTransportURL: base + "/nest/transport",
		PassphraseURL:      base + "/nest/passphrase",
		PingURL:            base + "/nest/ping",
		ProInfoURL:         base + "/nest/pro_info",
		WeatherURL:         base + "/nest/weather/v1?query=",
		UploadURL:          base + "/nest/upload",
		SoftwareUpdateURL:  s.cfg.SoftwareUpdateURL,
		ServerVersion:      version.Version,
		TierName:           s.cfg.TierName,
	}

	s.writeJSON(w, http.StatusOK, doc)
}

func baseURL(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}

	return scheme + "://" + r.Host
}
