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
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hearthlabs/hearthd/pkg/logger"
	"github.com/hearthlabs/hearthd/pkg/models"
)

func newHubClient(buffer int, serials ...string) *wsClient {
	return &wsClient{
		send: make(chan wsEvent, buffer),
		auth: &models.AuthContext{UserID: testUser, Serials: serials},
	}
}

func TestHubFansOutToPermittedClients(t *testing.T) {
	hub := NewEventHub(logger.NewTestLogger())

	all := newHubClient(1)
	scoped := newHubClient(1, "OTHERSERIAL99")
	hub.add(all)
	hub.add(scoped)

	hub.OnStateChange(models.StateChange{Serial: testSerial, Key: "shared." + testSerial})

	require.Len(t, all.send, 1)
	assert.Empty(t, scoped.send)

	ev := <-all.send
	assert.Equal(t, "state_change", ev.Type)
	assert.Equal(t, testSerial, ev.Serial)
}

func TestHubSkipsSlowClient(t *testing.T) {
	hub := NewEventHub(logger.NewTestLogger())

	slow := newHubClient(1)
	hub.add(slow)

	hub.OnStateChange(models.StateChange{Serial: testSerial})
	hub.OnStateChange(models.StateChange{Serial: testSerial})

	// The second event is dropped, not blocked on.
	assert.Len(t, slow.send, 1)
}

func TestHubSurvivesFanOutToDroppedClient(t *testing.T) {
	hub := NewEventHub(logger.NewTestLogger())

	client := newHubClient(1)
	hub.add(client)
	require.Equal(t, 1, hub.Count())

	// The read loop's disconnect path: unregister, then close.
	hub.drop(client)
	require.Zero(t, hub.Count())

	assert.NotPanics(t, func() {
		hub.OnStateChange(models.StateChange{Serial: testSerial, Key: "device." + testSerial})
		hub.DeviceSeen(testSerial)
	})
}

func TestHubConcurrentDisconnectAndFanOut(t *testing.T) {
	hub := NewEventHub(logger.NewTestLogger())

	clients := make([]*wsClient, 32)
	for i := range clients {
		clients[i] = newHubClient(1)
		hub.add(clients[i])
	}

	var wg sync.WaitGroup

	assert.NotPanics(t, func() {
		wg.Add(2)

		go func() {
			defer wg.Done()

			for i := 0; i < 200; i++ {
				hub.OnStateChange(models.StateChange{Serial: testSerial})
				hub.DeviceSeen(testSerial)
			}
		}()

		go func() {
			defer wg.Done()

			for _, c := range clients {
				hub.drop(c)
			}
		}()

		wg.Wait()
	})

	assert.Zero(t, hub.Count())
}
