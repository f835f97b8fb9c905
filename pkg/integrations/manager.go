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

package integrations

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hearthlabs/hearthd/pkg/logger"
	"github.com/hearthlabs/hearthd/pkg/metrics"
	"github.com/hearthlabs/hearthd/pkg/models"
	"github.com/hearthlabs/hearthd/pkg/state"
	"github.com/hearthlabs/hearthd/pkg/store"
)

const (
	defaultReconcileInterval = 10 * time.Second
	dispatchTimeout          = 15 * time.Second

	// A device with no transport contact for this long is reported as
	// disconnected to its integrations.
	staleAfter = 11 * time.Minute
)

type instance struct {
	integ      Integration
	configHash string
	userID     string
}

// Manager reconciles running integration instances against the enabled
// configurations in the store and routes state/connectivity events to
// them. It implements state.ChangeSink and transport.ConnectionTracker.
type Manager struct {
	store     store.Store
	state     *state.Service
	log       logger.Logger
	metrics   *metrics.Metrics
	factories map[string]Factory
	interval  time.Duration

	mu       sync.RWMutex
	running  map[string]*instance // userID + "/" + type
	lastSeen map[string]time.Time
	online   map[string]bool
	owners   map[string]string // serial -> userID, filled lazily

	clock func() time.Time
}

// NewManager builds a manager with no registered factories.
func NewManager(st store.Store, svc *state.Service, log logger.Logger, m *metrics.Metrics) *Manager {
	return &Manager{
		store:     st,
		state:     svc,
		log:       log.WithComponent("integrations"),
		metrics:   m,
		factories: make(map[string]Factory),
		interval:  defaultReconcileInterval,
		running:   make(map[string]*instance),
		lastSeen:  make(map[string]time.Time),
		online:    make(map[string]bool),
		owners:    make(map[string]string),
		clock:     time.Now,
	}
}

// Register adds a factory for an integration type. Call before Run.
func (m *Manager) Register(typ string, f Factory) {
	m.factories[typ] = f
}

// SetClock overrides the wall clock for tests.
func (m *Manager) SetClock(now func() time.Time) { m.clock = now }

// SetInterval overrides the reconciliation interval for tests.
func (m *Manager) SetInterval(d time.Duration) { m.interval = d }

// Run reconciles on an interval until ctx is done, then shuts all
// instances down.
func (m *Manager) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.Reconcile(ctx)

	for {
		select {
		case <-ctx.Done():
			m.shutdownAll()
			return nil
		case <-ticker.C:
			m.Reconcile(ctx)
			m.expireStale(ctx)
		}
	}
}

func configHash(raw []byte) string {
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

// Reconcile diffs the enabled configurations against the running set:
// new configs start, removed configs stop, changed configs restart with
// the new settings.
func (m *Manager) Reconcile(ctx context.Context) {
	configs, err := m.store.ListEnabledIntegrations(ctx, "")
	if err != nil {
		m.log.Warn().Err(err).Msg("Integration config listing failed")
		return
	}

	want := make(map[string]*models.IntegrationConfig, len(configs))

	for i := range configs {
		cfg := &configs[i]
		if _, ok := m.factories[cfg.Type]; !ok {
			continue
		}

		want[cfg.UserID+"/"+cfg.Type] = cfg
	}

	m.mu.Lock()

	var stop []*instance

	for id, inst := range m.running {
		cfg, ok := want[id]
		if ok && configHash(cfg.Config) == inst.configHash {
			delete(want, id)
			continue
		}

		stop = append(stop, inst)
		delete(m.running, id)
	}

	m.mu.Unlock()

	for _, inst := range stop {
		m.stopInstance(inst)
	}

	g, gctx := errgroup.WithContext(ctx)

	for id, cfg := range want {
		id, cfg := id, cfg

		g.Go(func() error {
			m.startInstance(gctx, id, cfg)
			return nil
		})
	}

	_ = g.Wait()
}

func (m *Manager) startInstance(ctx context.Context, id string, cfg *models.IntegrationConfig) {
	factory := m.factories[cfg.Type]

	integ, err := factory(Deps{State: m.state, Logger: m.log, UserID: cfg.UserID}, cfg.Config)
	if err != nil {
		m.recordError(cfg.Type)
		m.log.Error().Err(err).Str("type", cfg.Type).Str("user_id", cfg.UserID).Msg("Integration construction failed")

		return
	}

	initCtx, cancel := context.WithTimeout(ctx, dispatchTimeout)
	defer cancel()

	if err := integ.Initialize(initCtx); err != nil {
		m.recordError(cfg.Type)
		m.log.Error().Err(err).Str("type", cfg.Type).Str("user_id", cfg.UserID).Msg("Integration initialization failed")

		return
	}

	m.mu.Lock()
	m.running[id] = &instance{integ: integ, configHash: configHash(cfg.Config), userID: cfg.UserID}
	m.mu.Unlock()

	m.log.Info().Str("type", cfg.Type).Str("user_id", cfg.UserID).Msg("Integration started")
}

func (m *Manager) stopInstance(inst *instance) {
	ctx, cancel := context.WithTimeout(context.Background(), dispatchTimeout)
	defer cancel()

	if err := inst.integ.Shutdown(ctx); err != nil {
		m.log.Warn().Err(err).Str("type", inst.integ.Type()).Msg("Integration shutdown failed")
	}

	m.log.Info().Str("type", inst.integ.Type()).Str("user_id", inst.userID).Msg("Integration stopped")
}

func (m *Manager) shutdownAll() {
	m.mu.Lock()
	all := make([]*instance, 0, len(m.running))

	for id, inst := range m.running {
		all = append(all, inst)
		delete(m.running, id)
	}
	m.mu.Unlock()

	for _, inst := range all {
		m.stopInstance(inst)
	}
}

// Count reports the number of running instances.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return len(m.running)
}

// ownerOf resolves and caches the owning user for a serial. Unowned
// devices return "".
func (m *Manager) ownerOf(ctx context.Context, serial string) string {
	m.mu.RLock()
	user, ok := m.owners[serial]
	m.mu.RUnlock()

	if ok {
		return user
	}

	owner, err := m.store.GetDeviceOwner(ctx, serial)
	if err != nil {
		return ""
	}

	m.mu.Lock()
	m.owners[serial] = owner.UserID
	m.mu.Unlock()

	return owner.UserID
}

// forUser snapshots the instances belonging to one user.
func (m *Manager) forUser(userID string) []*instance {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*instance

	for _, inst := range m.running {
		if inst.userID == userID {
			out = append(out, inst)
		}
	}

	return out
}

func (m *Manager) recordError(typ string) {
	if m.metrics != nil {
		m.metrics.IntegrationErrors.WithLabelValues(typ).Inc()
	}
}

// dispatch runs fn against each instance in parallel, isolating panics
// so one broken bridge cannot take down the event path.
func (m *Manager) dispatch(instances []*instance, fn func(ctx context.Context, integ Integration)) {
	if len(instances) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), dispatchTimeout)
	defer cancel()

	var g errgroup.Group

	for _, inst := range instances {
		inst := inst

		g.Go(func() error {
			defer func() {
				if rec := recover(); rec != nil {
					m.recordError(inst.integ.Type())
					m.log.Error().Any("panic", rec).Str("type", inst.integ.Type()).Msg("Integration panicked")
				}
			}()

			fn(ctx, inst.integ)

			return nil
		})
	}

	_ = g.Wait()
}

// OnStateChange implements state.ChangeSink; the event goes to the
// owning user's integrations only.
func (m *Manager) OnStateChange(ev models.StateChange) {
	ctx, cancel := context.WithTimeout(context.Background(), dispatchTimeout)
	user := m.ownerOf(ctx, ev.Serial)

	cancel()

	if user == "" {
		return
	}

	m.dispatch(m.forUser(user), func(ctx context.Context, integ Integration) {
		integ.OnStateChange(ctx, ev)
	})
}

// DeviceSeen implements transport.ConnectionTracker. The first contact
// after an offline period raises OnDeviceConnected.
func (m *Manager) DeviceSeen(serial string) {
	now := m.clock()

	m.mu.Lock()
	wasOnline := m.online[serial]
	m.online[serial] = true
	m.lastSeen[serial] = now
	m.mu.Unlock()

	if wasOnline {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), dispatchTimeout)
	user := m.ownerOf(ctx, serial)

	cancel()

	if user == "" {
		return
	}

	m.dispatch(m.forUser(user), func(ctx context.Context, integ Integration) {
		integ.OnDeviceConnected(ctx, serial)
	})
}

// expireStale flips devices offline after a quiet period longer than
// the firmware's reconnect cadence allows.
func (m *Manager) expireStale(ctx context.Context) {
	now := m.clock()

	m.mu.Lock()

	var gone []string

	for serial, online := range m.online {
		if online && now.Sub(m.lastSeen[serial]) > staleAfter {
			m.online[serial] = false
			gone = append(gone, serial)
		}
	}

	m.mu.Unlock()

	for _, serial := range gone {
		user := m.ownerOf(ctx, serial)
		if user == "" {
			continue
		}

		m.dispatch(m.forUser(user), func(ctx context.Context, integ Integration) {
			integ.OnDeviceDisconnected(ctx, serial)
		})
	}
}
