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

// Package subscription parks device long-poll responses until relevant
// objects advance. Subscriptions are ephemeral and in-memory only.
package subscription

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hearthlabs/hearthd/pkg/logger"
	"github.com/hearthlabs/hearthd/pkg/metrics"
	"github.com/hearthlabs/hearthd/pkg/models"
	"github.com/hearthlabs/hearthd/pkg/state"
)

const (
	sweepInterval    = 10 * time.Second
	shutdownDeadline = 5 * time.Second
)

// Interest is one object a subscriber declared, with the revision and
// timestamp the client claims to hold.
type Interest struct {
	Key       string
	Revision  int64
	Timestamp int64
}

// Subscription is one parked long-poll response. The owning handler
// goroutine blocks on Deliveries; the manager wakes it by sending the
// outdated objects and closing the channel, or closes it empty on
// expiry and shutdown.
type Subscription struct {
	ID          string
	Serial      string
	Session     string
	ConnectedAt time.Time
	Interests   []Interest

	deliveries chan []*models.Object
	ack        chan struct{}
	ackOnce    sync.Once
}

// NewSubscription builds a subscription for a serial. Session may be
// empty; a fresh id is assigned either way.
func NewSubscription(serial, session string, interests []Interest) *Subscription {
	return &Subscription{
		ID:          uuid.NewString(),
		Serial:      serial,
		Session:     session,
		ConnectedAt: time.Now(),
		Interests:   interests,
		deliveries:  make(chan []*models.Object, 1),
		ack:         make(chan struct{}),
	}
}

// Deliveries yields at most one batch of outdated objects; the channel
// closes when the subscription ends for any reason.
func (s *Subscription) Deliveries() <-chan []*models.Object {
	return s.deliveries
}

// Finish acknowledges that the transport response has been written and
// closed. Called by the handler, exactly once, via defer.
func (s *Subscription) Finish() {
	s.ackOnce.Do(func() { close(s.ack) })
}

// Manager is the connection multiplexer: a table of parked
// subscriptions keyed by device serial with a per-device cap, a timeout
// sweeper, and per-serial notify ordering.
type Manager struct {
	log     logger.Logger
	metrics *metrics.Metrics
	max     int
	timeout time.Duration

	mu   sync.Mutex
	subs map[string][]*Subscription

	serialMuMu sync.Mutex
	serialMu   map[string]*sync.Mutex

	done     chan struct{}
	doneOnce sync.Once
	wg       sync.WaitGroup

	clock func() time.Time
}

// NewManager creates the manager and starts its sweeper.
func NewManager(maxPerDevice int, timeout time.Duration, log logger.Logger, m *metrics.Metrics) *Manager {
	mgr := &Manager{
		log:      log.WithComponent("subscription"),
		metrics:  m,
		max:      maxPerDevice,
		timeout:  timeout,
		subs:     make(map[string][]*Subscription),
		serialMu: make(map[string]*sync.Mutex),
		done:     make(chan struct{}),
		clock:    time.Now,
	}

	mgr.wg.Add(1)
	go mgr.sweepLoop()

	return mgr
}

var _ state.Notifier = (*Manager)(nil)

// Add parks a subscription. It returns false when the device already
// holds the maximum number of parked subscriptions.
func (m *Manager) Add(sub *Subscription) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	select {
	case <-m.done:
		return false
	default:
	}

	if len(m.subs[sub.Serial]) >= m.max {
		return false
	}

	m.subs[sub.Serial] = append(m.subs[sub.Serial], sub)

	if m.metrics != nil {
		m.metrics.SubscriptionsParked.Inc()
	}

	return true
}

// Count returns the number of parked subscriptions for a serial.
func (m *Manager) Count(serial string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.subs[serial])
}

// Remove unparks a subscription without delivering anything, used when
// the transport write fails before parking completes.
func (m *Manager) Remove(sub *Subscription) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removeLocked(sub)
}

func (m *Manager) removeLocked(sub *Subscription) {
	list := m.subs[sub.Serial]

	for i, s := range list {
		if s.ID != sub.ID {
			continue
		}

		m.subs[sub.Serial] = append(list[:i], list[i+1:]...)
		if len(m.subs[sub.Serial]) == 0 {
			delete(m.subs, sub.Serial)
		}

		if m.metrics != nil {
			m.metrics.SubscriptionsParked.Dec()
		}

		return
	}
}

// lockSerial enforces a total order on concurrent notify calls for the
// same serial; the deltas a subscriber sees respect that order.
func (m *Manager) lockSerial(serial string) *sync.Mutex {
	m.serialMuMu.Lock()
	defer m.serialMuMu.Unlock()

	l, ok := m.serialMu[serial]
	if !ok {
		l = &sync.Mutex{}
		m.serialMu[serial] = l
	}

	return l
}

// Notify wakes every subscription on serial whose declared interest in
// key is strictly older than obj. It returns how many subscriptions
// were notified and how many were removed.
func (m *Manager) Notify(serial, key string, obj *models.Object) (notified, removed int) {
	return m.NotifyAll(serial, []*models.Object{obj})
}

// NotifyAll is the batch form of Notify: each woken subscriber receives
// all and only the objects of the batch that are strictly newer than
// its declared revisions.
func (m *Manager) NotifyAll(serial string, objs []*models.Object) (notified, removed int) {
	if len(objs) == 0 {
		return 0, 0
	}

	l := m.lockSerial(serial)
	l.Lock()
	defer l.Unlock()

	m.mu.Lock()

	type wake struct {
		sub    *Subscription
		deltas []*models.Object
	}

	var wakes []wake

	for _, sub := range m.subs[serial] {
		var deltas []*models.Object

		for _, obj := range objs {
			for _, interest := range sub.Interests {
				if interest.Key != obj.Key {
					continue
				}

				if state.IsServerNewer(obj.Revision, obj.Timestamp, interest.Revision, interest.Timestamp) {
					deltas = append(deltas, obj)
				}

				break
			}
		}

		if len(deltas) > 0 {
			wakes = append(wakes, wake{sub: sub, deltas: deltas})
		}
	}

	for _, w := range wakes {
		m.removeLocked(w.sub)
	}
	m.mu.Unlock()

	for _, w := range wakes {
		w.sub.deliveries <- w.deltas
		close(w.sub.deliveries)

		notified++
		removed++

		if m.metrics != nil {
			m.metrics.SubscriptionsWoken.Inc()
		}
	}

	return notified, removed
}

func (m *Manager) sweepLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.sweep()
		case <-m.done:
			return
		}
	}
}

// sweep expires subscriptions past connected_at + timeout, closing
// their responses with an empty result.
func (m *Manager) sweep() {
	now := m.clock()

	m.mu.Lock()

	var expired []*Subscription

	for _, list := range m.subs {
		for _, sub := range list {
			if now.Sub(sub.ConnectedAt) >= m.timeout {
				expired = append(expired, sub)
			}
		}
	}

	for _, sub := range expired {
		m.removeLocked(sub)
	}
	m.mu.Unlock()

	for _, sub := range expired {
		close(sub.deliveries)

		if m.metrics != nil {
			m.metrics.SubscriptionsExpired.Inc()
		}

		m.log.Debug().
			Str("serial", sub.Serial).
			Str("subscription_id", sub.ID).
			Msg("Expired parked subscription")
	}
}

// Shutdown drains every parked subscription with an empty result and
// waits, up to a bounded deadline, for the transport handlers to finish
// writing their responses.
func (m *Manager) Shutdown() {
	m.doneOnce.Do(func() { close(m.done) })
	m.wg.Wait()

	m.mu.Lock()

	var drained []*Subscription

	for _, list := range m.subs {
		drained = append(drained, list...)
	}

	m.subs = make(map[string][]*Subscription)

	if m.metrics != nil {
		m.metrics.SubscriptionsParked.Set(0)
	}
	m.mu.Unlock()

	for _, sub := range drained {
		close(sub.deliveries)
	}

	deadline := time.After(shutdownDeadline)

	for _, sub := range drained {
		select {
		case <-sub.ack:
		case <-deadline:
			m.log.Warn().Msg("Shutdown deadline reached before all subscribers closed")
			return
		}
	}
}
