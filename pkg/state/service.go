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

package state

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/hearthlabs/hearthd/pkg/logger"
	"github.com/hearthlabs/hearthd/pkg/metrics"
	"github.com/hearthlabs/hearthd/pkg/models"
	"github.com/hearthlabs/hearthd/pkg/store"
)

const (
	writeQueueDepth   = 256
	persistRetries    = 3
	persistRetryDelay = 250 * time.Millisecond
)

// ErrClosed is returned by writes after Close.
var ErrClosed = errors.New("state service closed")

// ChangeSink receives one event per accepted write. Sink failures are
// the sink's problem; the service never propagates them.
type ChangeSink interface {
	OnStateChange(ev models.StateChange)
}

// Notifier is the subscriber wake path, implemented by the subscription
// manager.
type Notifier interface {
	Notify(serial, key string, obj *models.Object) (notified, removed int)
	NotifyAll(serial string, objs []*models.Object) (notified, removed int)
}

// Service is the authoritative in-memory cache over the persistent
// store. Writes to the same (serial, key) serialize on a keyed mutex;
// persistence happens asynchronously and never fails the caller.
type Service struct {
	store   store.Store
	log     logger.Logger
	metrics *metrics.Metrics
	clock   func() time.Time

	mu     sync.RWMutex
	cache  map[string]map[string]*models.Object
	loaded map[string]bool

	lockMu sync.Mutex
	locks  map[string]*sync.Mutex

	sinkMu   sync.RWMutex
	sinks    []ChangeSink
	notifier Notifier

	writeQ chan writeOp
	wg     sync.WaitGroup
	closed chan struct{}
	once   sync.Once
}

type writeOp struct {
	serial    string
	key       string
	revision  int64
	timestamp int64
	value     map[string]any
}

// NewService creates the state service and starts its persistence
// worker. m may be nil.
func NewService(st store.Store, log logger.Logger, m *metrics.Metrics) *Service {
	s := &Service{
		store:   st,
		log:     log.WithComponent("state"),
		metrics: m,
		clock:   time.Now,
		cache:   make(map[string]map[string]*models.Object),
		loaded:  make(map[string]bool),
		locks:   make(map[string]*sync.Mutex),
		writeQ:  make(chan writeOp, writeQueueDepth),
		closed:  make(chan struct{}),
	}

	s.wg.Add(1)
	go s.persistLoop()

	return s
}

// SetClock overrides the wall clock; tests use it for deterministic
// timestamps.
func (s *Service) SetClock(now func() time.Time) { s.clock = now }

// Now reads the service clock.
func (s *Service) Now() time.Time { return s.clock() }

// AddSink registers a change sink. Call during startup wiring, before
// writes are in flight.
func (s *Service) AddSink(sink ChangeSink) {
	s.sinkMu.Lock()
	defer s.sinkMu.Unlock()
	s.sinks = append(s.sinks, sink)
}

// SetNotifier wires the subscriber wake path.
func (s *Service) SetNotifier(n Notifier) {
	s.sinkMu.Lock()
	defer s.sinkMu.Unlock()
	s.notifier = n
}

// Store exposes the backing store for collaborators that need direct
// reads (pairing, control projections).
func (s *Service) Store() store.Store { return s.store }

func (s *Service) keyLock(serial, key string) *sync.Mutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()

	id := serial + "\x00" + key

	l, ok := s.locks[id]
	if !ok {
		l = &sync.Mutex{}
		s.locks[id] = l
	}

	return l
}

// Get returns the object for (serial, key), reading through to the
// store on cache miss. Returns store.ErrNotFound when absent.
func (s *Service) Get(ctx context.Context, serial, key string) (*models.Object, error) {
	s.mu.RLock()
	obj, ok := s.cache[serial][key]
	s.mu.RUnlock()

	if ok {
		return obj, nil
	}

	obj, err := s.store.GetState(ctx, serial, key)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Another reader may have raced us; cached state wins.
	if cached, ok := s.cache[serial][key]; ok {
		return cached, nil
	}

	s.cacheLocked(obj)

	return obj, nil
}

// GetAll returns every cached object for the serial, hydrating the full
// set from the store on first access.
func (s *Service) GetAll(ctx context.Context, serial string) ([]*models.Object, error) {
	s.mu.RLock()
	loaded := s.loaded[serial]
	s.mu.RUnlock()

	if !loaded {
		stored, err := s.store.GetDeviceState(ctx, serial)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}

		s.mu.Lock()
		if !s.loaded[serial] {
			for key, obj := range stored {
				if _, ok := s.cache[serial][key]; !ok {
					s.cacheLocked(obj)
				}
			}
			s.loaded[serial] = true
		}
		s.mu.Unlock()
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*models.Object, 0, len(s.cache[serial]))
	for _, obj := range s.cache[serial] {
		out = append(out, obj)
	}

	return out, nil
}

// Serials lists every device serial with cached state.
func (s *Service) Serials() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]string, 0, len(s.cache))
	for serial := range s.cache {
		out = append(out, serial)
	}

	return out
}

// PutOptions tune a single write.
type PutOptions struct {
	// SkipNotify leaves subscriber notification to the caller (the
	// transport put path batches it).
	SkipNotify bool
	// NotifySerials overrides the wake targets; used for user-scoped
	// objects whose watchers are the user's devices.
	NotifySerials []string
	// SkipDerive suppresses derivation rules for writes that are
	// themselves derived (away aggregates, weather propagation).
	SkipDerive bool
}

// Put deep-merges incoming into the server value for (serial, key),
// applies derivation rules, and bumps the revision iff the merged value
// differs from the prior one. It returns the resulting object and
// whether the revision advanced.
func (s *Service) Put(ctx context.Context, serial, key string, incoming map[string]any, opts PutOptions) (*models.Object, bool, error) {
	select {
	case <-s.closed:
		return nil, false, ErrClosed
	default:
	}

	l := s.keyLock(serial, key)
	l.Lock()

	prev, err := s.Get(ctx, serial, key)
	if err != nil && !errors.Is(err, store.ErrNotFound) && !errors.Is(err, store.ErrStoreUnavailable) {
		l.Unlock()
		return nil, false, err
	}

	var prevValue map[string]any

	var prevRev, prevTS int64

	if prev != nil {
		prevValue = prev.Value
		prevRev = prev.Revision
		prevTS = prev.Timestamp
	}

	merged := Merge(prevValue, incoming)

	if !opts.SkipDerive && models.ObjectType(key) == models.PrefixDevice {
		preserveFanTimer(prevValue, merged)
		s.backfillStructureID(ctx, serial, merged)
	}

	if prev != nil && ValuesEqual(prevValue, merged) {
		l.Unlock()
		return prev, false, nil
	}

	obj := &models.Object{
		Serial:    serial,
		Key:       key,
		Revision:  prevRev + 1,
		Timestamp: s.clock().UnixMilli(),
		Value:     merged,
		UpdatedAt: s.clock(),
	}

	// Wall clocks can stand still within a millisecond; the ordering
	// invariant wants strictly advancing timestamps per key.
	if obj.Timestamp <= prevTS {
		obj.Timestamp = prevTS + 1
	}

	s.commit(obj)
	l.Unlock()

	s.afterWrite(ctx, serial, key, prevValue, obj, opts)

	return obj, true, nil
}

// UpsertRaw accepts a client-authored (revision, timestamp, value)
// verbatim, used when the transport decides the client is newer than
// the server. Stale writes are dropped in favor of the held object.
func (s *Service) UpsertRaw(ctx context.Context, serial, key string, revision, timestamp int64, value map[string]any, opts PutOptions) (*models.Object, bool, error) {
	select {
	case <-s.closed:
		return nil, false, ErrClosed
	default:
	}

	l := s.keyLock(serial, key)
	l.Lock()

	prev, err := s.Get(ctx, serial, key)
	if err != nil && !errors.Is(err, store.ErrNotFound) && !errors.Is(err, store.ErrStoreUnavailable) {
		l.Unlock()
		return nil, false, err
	}

	if prev != nil && IsServerNewer(prev.Revision, prev.Timestamp, revision, timestamp) {
		l.Unlock()
		return prev, false, nil
	}

	if prev != nil && prev.Revision == revision && prev.Timestamp == timestamp && ValuesEqual(prev.Value, value) {
		l.Unlock()
		return prev, false, nil
	}

	obj := &models.Object{
		Serial:    serial,
		Key:       key,
		Revision:  revision,
		Timestamp: timestamp,
		Value:     copyMap(value),
		UpdatedAt: s.clock(),
	}

	s.commit(obj)
	l.Unlock()

	var prevValue map[string]any
	if prev != nil {
		prevValue = prev.Value
	}

	s.afterWrite(ctx, serial, key, prevValue, obj, opts)

	return obj, true, nil
}

// Ensure creates (serial, key) with the given value at revision 1 when
// it does not exist yet; an existing object is returned untouched.
func (s *Service) Ensure(ctx context.Context, serial, key string, value map[string]any) (*models.Object, error) {
	l := s.keyLock(serial, key)
	l.Lock()

	existing, err := s.Get(ctx, serial, key)
	if err == nil {
		l.Unlock()
		return existing, nil
	}

	if !errors.Is(err, store.ErrNotFound) {
		l.Unlock()
		return nil, err
	}

	obj := &models.Object{
		Serial:    serial,
		Key:       key,
		Revision:  1,
		Timestamp: s.clock().UnixMilli(),
		Value:     copyMap(value),
		UpdatedAt: s.clock(),
	}

	s.commit(obj)
	l.Unlock()

	s.afterWrite(ctx, serial, key, nil, obj, PutOptions{SkipDerive: true})

	return obj, nil
}

// commit writes the object into the cache and schedules the async
// store write. Callers hold the key lock.
func (s *Service) commit(obj *models.Object) {
	s.mu.Lock()
	s.cacheLocked(obj)
	s.mu.Unlock()

	op := writeOp{
		serial:    obj.Serial,
		key:       obj.Key,
		revision:  obj.Revision,
		timestamp: obj.Timestamp,
		value:     obj.Value,
	}

	select {
	case s.writeQ <- op:
	default:
		// Queue full: persist inline rather than drop, at the cost of
		// caller latency.
		if err := s.store.UpsertState(context.Background(), op.serial, op.key, op.revision, op.timestamp, op.value); err != nil {
			s.recordPersistFailure(op, err)
		}
	}
}

func (s *Service) cacheLocked(obj *models.Object) {
	device, ok := s.cache[obj.Serial]
	if !ok {
		device = make(map[string]*models.Object)
		s.cache[obj.Serial] = device
	}

	device[obj.Key] = obj
}

// afterWrite fans out change events, wakes subscribers and runs the
// cross-object derivation rules. Runs outside the key lock.
func (s *Service) afterWrite(ctx context.Context, serial, key string, prevValue map[string]any, obj *models.Object, opts PutOptions) {
	ev := models.StateChange{
		Serial:    serial,
		Key:       key,
		Revision:  obj.Revision,
		Timestamp: obj.Timestamp,
		Value:     obj.Value,
	}

	s.sinkMu.RLock()
	sinks := s.sinks
	notifier := s.notifier
	s.sinkMu.RUnlock()

	for _, sink := range sinks {
		sink.OnStateChange(ev)
	}

	if notifier != nil && !opts.SkipNotify {
		targets := opts.NotifySerials
		if len(targets) == 0 {
			targets = []string{serial}
		}

		for _, target := range targets {
			notified, removed := notifier.Notify(target, key, obj)
			if notified > 0 || removed > 0 {
				s.log.Debug().
					Str("serial", target).
					Str("object_key", key).
					Int("notified", notified).
					Int("removed", removed).
					Msg("Woke subscribers")
			}
		}
	}

	if s.metrics != nil {
		s.metrics.StateChanges.Inc()
	}

	if !opts.SkipDerive && models.ObjectType(key) == models.PrefixDevice {
		if awayFieldsChanged(prevValue, obj.Value) {
			s.RecomputeUserAway(ctx, serial)
		}

		if postal, changed := postalCodeChanged(prevValue, obj.Value); changed {
			country, _ := obj.Value["country_code"].(string)
			if country == "" {
				country = "US"
			}

			s.propagateCachedWeather(ctx, postal, country)
		}
	}
}

func (s *Service) persistLoop() {
	defer s.wg.Done()

	for {
		select {
		case op := <-s.writeQ:
			s.persist(op)
		case <-s.closed:
			// Drain whatever is still queued before exiting.
			for {
				select {
				case op := <-s.writeQ:
					s.persist(op)
				default:
					return
				}
			}
		}
	}
}

func (s *Service) persist(op writeOp) {
	var err error

	for attempt := 0; attempt < persistRetries; attempt++ {
		err = s.store.UpsertState(context.Background(), op.serial, op.key, op.revision, op.timestamp, op.value)
		if err == nil {
			return
		}

		time.Sleep(persistRetryDelay << attempt)
	}

	s.recordPersistFailure(op, err)
}

func (s *Service) recordPersistFailure(op writeOp, err error) {
	if s.metrics != nil {
		s.metrics.StoreWriteFailures.Inc()
	}

	s.log.Error().
		Err(err).
		Str("serial", op.serial).
		Str("object_key", op.key).
		Int64("object_revision", op.revision).
		Msg("Failed to persist object; cache remains authoritative")
}

// Close drains the in-flight async writes and stops the worker.
func (s *Service) Close() {
	s.once.Do(func() {
		close(s.closed)
	})
	s.wg.Wait()
}
