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

package subscription

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hearthlabs/hearthd/pkg/logger"
	"github.com/hearthlabs/hearthd/pkg/models"
)

const (
	testSerial  = "02AA01AC11180001"
	testTimeout = 5 * time.Minute
)

func newTestManager(t *testing.T, max int) *Manager {
	t.Helper()

	m := NewManager(max, testTimeout, logger.NewTestLogger(), nil)
	t.Cleanup(m.Shutdown)

	return m
}

func obj(key string, rev, ts int64) *models.Object {
	return &models.Object{
		Serial:    testSerial,
		Key:       key,
		Revision:  rev,
		Timestamp: ts,
		Value:     map[string]any{"v": float64(rev)},
	}
}

func TestAddEnforcesPerDeviceCap(t *testing.T) {
	m := newTestManager(t, 2)

	require.True(t, m.Add(NewSubscription(testSerial, "", nil)))
	require.True(t, m.Add(NewSubscription(testSerial, "", nil)))
	assert.False(t, m.Add(NewSubscription(testSerial, "", nil)))

	// Another device has its own budget.
	assert.True(t, m.Add(NewSubscription("OTHERSERIAL99", "", nil)))
	assert.Equal(t, 2, m.Count(testSerial))
}

func TestNotifyWakesOnlyOutdatedInterests(t *testing.T) {
	m := newTestManager(t, 6)

	stale := NewSubscription(testSerial, "", []Interest{
		{Key: "shared." + testSerial, Revision: 3, Timestamp: 100},
	})
	current := NewSubscription(testSerial, "", []Interest{
		{Key: "shared." + testSerial, Revision: 4, Timestamp: 200},
	})
	unrelated := NewSubscription(testSerial, "", []Interest{
		{Key: "device." + testSerial, Revision: 1, Timestamp: 100},
	})

	require.True(t, m.Add(stale))
	require.True(t, m.Add(current))
	require.True(t, m.Add(unrelated))

	notified, removed := m.Notify(testSerial, "shared."+testSerial,
		obj("shared."+testSerial, 4, 200))

	assert.Equal(t, 1, notified)
	assert.Equal(t, 1, removed)
	assert.Equal(t, 2, m.Count(testSerial))

	select {
	case deltas, ok := <-stale.Deliveries():
		require.True(t, ok)
		require.Len(t, deltas, 1)
		assert.Equal(t, int64(4), deltas[0].Revision)
	default:
		t.Fatal("expected a delivery for the stale subscription")
	}

	// The woken channel is closed after its single delivery.
	_, ok := <-stale.Deliveries()
	assert.False(t, ok)

	// The up-to-date subscription stays parked with nothing delivered.
	select {
	case <-current.Deliveries():
		t.Fatal("current subscription must not be woken")
	default:
	}
}

func TestNotifyAllDeliversOnlyNewerObjects(t *testing.T) {
	m := newTestManager(t, 6)

	sub := NewSubscription(testSerial, "", []Interest{
		{Key: "shared." + testSerial, Revision: 3, Timestamp: 100},
		{Key: "device." + testSerial, Revision: 9, Timestamp: 900},
	})
	require.True(t, m.Add(sub))

	notified, _ := m.NotifyAll(testSerial, []*models.Object{
		obj("shared."+testSerial, 4, 200), // newer
		obj("device."+testSerial, 9, 900), // equal, not newer
	})
	require.Equal(t, 1, notified)

	deltas := <-sub.Deliveries()
	require.Len(t, deltas, 1)
	assert.Equal(t, "shared."+testSerial, deltas[0].Key)
}

func TestNotifyIgnoresUndeclaredKeys(t *testing.T) {
	m := newTestManager(t, 6)

	sub := NewSubscription(testSerial, "", []Interest{
		{Key: "shared." + testSerial, Revision: 1, Timestamp: 1},
	})
	require.True(t, m.Add(sub))

	notified, _ := m.Notify(testSerial, "device."+testSerial,
		obj("device."+testSerial, 5, 500))
	assert.Zero(t, notified)
	assert.Equal(t, 1, m.Count(testSerial))
}

func TestSweepExpiresOldSubscriptions(t *testing.T) {
	m := newTestManager(t, 6)

	now := time.Now()
	m.clock = func() time.Time { return now.Add(testTimeout + time.Second) }

	sub := NewSubscription(testSerial, "", nil)
	require.True(t, m.Add(sub))

	m.sweep()

	assert.Zero(t, m.Count(testSerial))

	// Expiry closes the channel with no delivery.
	deltas, ok := <-sub.Deliveries()
	assert.False(t, ok)
	assert.Nil(t, deltas)
}

func TestSweepKeepsFreshSubscriptions(t *testing.T) {
	m := newTestManager(t, 6)

	sub := NewSubscription(testSerial, "", nil)
	require.True(t, m.Add(sub))

	m.sweep()

	assert.Equal(t, 1, m.Count(testSerial))
}

func TestShutdownDrainsParkedSubscriptions(t *testing.T) {
	m := NewManager(6, testTimeout, logger.NewTestLogger(), nil)

	sub := NewSubscription(testSerial, "", nil)
	require.True(t, m.Add(sub))

	// The handler goroutine sees the close and acks.
	done := make(chan struct{})

	go func() {
		defer close(done)

		_, ok := <-sub.Deliveries()
		assert.False(t, ok)
		sub.Finish()
	}()

	m.Shutdown()
	<-done

	assert.Zero(t, m.Count(testSerial))
	assert.False(t, m.Add(NewSubscription(testSerial, "", nil)))
}
