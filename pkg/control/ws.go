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

package control

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hearthlabs/hearthd/pkg/logger"
	"github.com/hearthlabs/hearthd/pkg/models"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPingPeriod = 30 * time.Second
	wsSendBuffer = 64
)

// wsEvent is the envelope pushed to dashboard clients.
type wsEvent struct {
	Type   string             `json:"type"`
	Serial string             `json:"serial,omitempty"`
	Change *models.StateChange `json:"change,omitempty"`
}

// EventHub fans state changes out to connected websocket clients. It
// registers as a change sink on the state service; a slow client drops
// events rather than stalling the write path.
type EventHub struct {
	mu      sync.RWMutex
	clients map[*wsClient]struct{}
	log     logger.Logger
}

type wsClient struct {
	conn *websocket.Conn
	send chan wsEvent
	auth *models.AuthContext
}

// NewEventHub creates an empty hub.
func NewEventHub(log logger.Logger) *EventHub {
	return &EventHub{
		clients: make(map[*wsClient]struct{}),
		log:     log.WithComponent("ws"),
	}
}

// OnStateChange implements state.ChangeSink.
func (h *EventHub) OnStateChange(ev models.StateChange) {
	change := ev

	h.mu.RLock()
	defer h.mu.RUnlock()

	for c := range h.clients {
		if !c.auth.AllowsSerial(ev.Serial) {
			continue
		}

		select {
		case c.send <- wsEvent{Type: "state_change", Serial: ev.Serial, Change: &change}:
		default:
			// Client buffer full; skip this event for that client.
		}
	}
}

// DeviceSeen pushes a connectivity event; wired from the transport
// connection tracker.
func (h *EventHub) DeviceSeen(serial string) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for c := range h.clients {
		if !c.auth.AllowsSerial(serial) {
			continue
		}

		select {
		case c.send <- wsEvent{Type: "device_seen", Serial: serial}:
		default:
		}
	}
}

func (h *EventHub) add(c *wsClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c] = struct{}{}
}

func (h *EventHub) remove(c *wsClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.clients, c)
}

// drop unregisters the client and then closes its send channel. Order
// matters: fan-outs send while holding the read lock, so removal must
// complete before the channel closes or a concurrent OnStateChange
// panics on the closed channel.
func (h *EventHub) drop(c *wsClient) {
	h.remove(c)
	close(c.send)
}

// Count returns the number of connected clients.
func (h *EventHub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return len(h.clients)
}

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The control surface already allows any origin over CORS.
	CheckOrigin: func(*http.Request) bool { return true },
}

// handleWS upgrades the connection and streams events until the client
// goes away. Auth accepts either a bearer header or an access_token
// query parameter, since browser websocket clients cannot set headers.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("access_token")
	if token == "" {
		header := r.Header.Get("Authorization")
		if len(header) > 7 && header[:7] == "Bearer " {
			token = header[7:]
		}
	}

	if token == "" {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	auth, err := s.store.ValidateAPIKey(r.Context(), token)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("Websocket upgrade failed")
		return
	}

	client := &wsClient{
		conn: conn,
		send: make(chan wsEvent, wsSendBuffer),
		auth: auth,
	}

	s.hub.add(client)
	s.log.Debug().Str("user_id", auth.UserID).Msg("Websocket client connected")

	go s.wsWriteLoop(client)
	go s.wsReadLoop(client)
}

func (s *Server) wsWriteLoop(client *wsClient) {
	ticker := time.NewTicker(wsPingPeriod)

	defer func() {
		ticker.Stop()
		s.hub.remove(client)
		_ = client.conn.Close()
	}()

	for {
		select {
		case ev, ok := <-client.send:
			if !ok {
				return
			}

			_ = client.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))

			if err := client.conn.WriteJSON(ev); err != nil {
				return
			}
		case <-ticker.C:
			_ = client.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))

			if err := client.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// wsReadLoop drains inbound frames so pongs and close frames are
// processed; the stream is one-way otherwise. When the peer goes away
// the client is dropped from the hub before its channel closes, which
// ends the write loop.
func (s *Server) wsReadLoop(client *wsClient) {
	defer s.hub.drop(client)

	for {
		if _, _, err := client.conn.ReadMessage(); err != nil {
			return
		}
	}
}
