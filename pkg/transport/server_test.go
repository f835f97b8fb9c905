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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hearthlabs/hearthd/pkg/logger"
	"github.com/hearthlabs/hearthd/pkg/models"
	"github.com/hearthlabs/hearthd/pkg/pairing"
	"github.com/hearthlabs/hearthd/pkg/state"
	"github.com/hearthlabs/hearthd/pkg/store"
	"github.com/hearthlabs/hearthd/pkg/store/memstore"
	"github.com/hearthlabs/hearthd/pkg/subscription"
	"github.com/hearthlabs/hearthd/pkg/weather"
)

const testSerial = "02AA01AC11180001"

type testEnv struct {
	server *Server
	state  *state.Service
	subs   *subscription.Manager
	store  *memstore.Store
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	log := logger.NewTestLogger()
	st := memstore.New()
	svc := state.NewService(st, log, nil)
	t.Cleanup(svc.Close)

	subs := subscription.NewManager(6, 5*time.Minute, log, nil)
	t.Cleanup(subs.Shutdown)
	svc.SetNotifier(subs)

	cfg := &models.CoreConfig{
		EntryKeyTTL: 48 * time.Hour,
		UploadDir:   t.TempDir(),
		TierName:    "hearthd",
	}

	pair := pairing.NewService(st, svc, cfg.EntryKeyTTL, log)
	wx := weather.NewCache(st, staticProvider{}, nil, 30*time.Minute, log, nil)

	return &testEnv{
		server: NewServer(cfg, svc, subs, wx, pair, log),
		state:  svc,
		subs:   subs,
		store:  st,
	}
}

type staticProvider struct{}

func (staticProvider) Fetch(_ context.Context, _ string) (map[string]any, error) {
	return map[string]any{"temp_c": 18.0}, nil
}

func deviceRequest(method, path string, body any) *http.Request {
	var buf bytes.Buffer

	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}

	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set(IdentityHeader, "serial="+testSerial)

	return req
}

func TestEntryDocument(t *testing.T) {
	env := newTestEnv(t)

	req := httptest.NewRequest(http.MethodGet, "https://hearth.example/nest/entry", nil)
	rec := httptest.NewRecorder()
	env.server.Router().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get(ServiceTimestampHeader))

	var doc map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &doc))

	assert.Contains(t, doc["transport_url"], "/nest/transport")
	assert.Contains(t, doc["weather_url"], "/nest/weather/v1?query=")
	assert.Equal(t, "hearthd", doc["tier_name"])
}

func TestRequireSerialRejectsAnonymous(t *testing.T) {
	env := newTestEnv(t)

	req := httptest.NewRequest(http.MethodPost, "/nest/transport", bytes.NewBufferString("{}"))
	rec := httptest.NewRecorder()
	env.server.Router().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestPassphraseReturnsBareCode(t *testing.T) {
	env := newTestEnv(t)

	req := deviceRequest(http.MethodGet, "/nest/passphrase", nil)
	rec := httptest.NewRecorder()
	env.server.Router().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Regexp(t, store.CodePattern, rec.Body.String())
}

func TestListReturnsRefsWithoutValues(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, _, err := env.state.Put(ctx, testSerial, "device."+testSerial,
		map[string]any{"current_temperature": 21.0}, state.PutOptions{})
	require.NoError(t, err)

	req := deviceRequest(http.MethodGet, "/nest/transport/device/"+testSerial, nil)
	rec := httptest.NewRecorder()
	env.server.Router().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Objects []map[string]any `json:"objects"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))

	// The device object plus the auto-created alert dialog.
	require.Len(t, resp.Objects, 2)

	for _, obj := range resp.Objects {
		assert.NotEmpty(t, obj["object_key"])
		assert.NotContains(t, obj, "value")
	}
}

func TestSubscribeRespondsImmediatelyWhenServerNewer(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	key := "shared." + testSerial

	obj, _, err := env.state.Put(ctx, testSerial, key,
		map[string]any{"target_temperature": 21.0}, state.PutOptions{})
	require.NoError(t, err)

	body := map[string]any{
		"objects": []map[string]any{
			{"object_key": key, "object_revision": obj.Revision - 1, "object_timestamp": obj.Timestamp - 1},
		},
	}

	req := deviceRequest(http.MethodPost, "/nest/transport", body)
	rec := httptest.NewRecorder()
	env.server.Router().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var resp objectsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Objects, 1)
	assert.Equal(t, key, resp.Objects[0].ObjectKey)
	assert.Equal(t, obj.Revision, resp.Objects[0].revision())
	assert.Equal(t, 21.0, resp.Objects[0].Value["target_temperature"])
}

func TestSubscribeZeroProbeGetsCurrentValue(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	key := "shared." + testSerial

	obj, _, err := env.state.Put(ctx, testSerial, key,
		map[string]any{"target_temperature": 19.5}, state.PutOptions{})
	require.NoError(t, err)

	body := map[string]any{
		"objects": []map[string]any{
			{"object_key": key, "object_revision": 0, "object_timestamp": 0},
		},
	}

	req := deviceRequest(http.MethodPost, "/nest/transport", body)
	rec := httptest.NewRecorder()
	env.server.Router().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var resp objectsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Objects, 1)

	// The server reports its true revision, not a reset one.
	assert.Equal(t, obj.Revision, resp.Objects[0].revision())
	assert.Equal(t, 19.5, resp.Objects[0].Value["target_temperature"])
}

func TestSubscribeEmbeddedUpdateIsApplied(t *testing.T) {
	env := newTestEnv(t)
	key := "device." + testSerial

	body := map[string]any{
		"objects": []map[string]any{
			{"object_key": key, "value": map[string]any{"current_temperature": 22.5}},
		},
	}

	req := deviceRequest(http.MethodPost, "/nest/transport", body)
	rec := httptest.NewRecorder()
	env.server.Router().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	obj, err := env.state.Get(context.Background(), testSerial, key)
	require.NoError(t, err)
	assert.Equal(t, 22.5, obj.Value["current_temperature"])
	assert.Equal(t, testSerial, obj.Value["serial_number"])
}

func TestSubscribeAdoptsAheadClient(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	key := "schedule." + testSerial

	_, _, err := env.state.UpsertRaw(ctx, testSerial, key, 3, 2_000_000_000_000,
		map[string]any{"ver": 1.0, "name": "week"}, state.PutOptions{})
	require.NoError(t, err)

	body := map[string]any{
		"objects": []map[string]any{
			{
				"object_key":       key,
				"object_revision":  9,
				"object_timestamp": 3_000_000_000_000,
				"value":            map[string]any{"ver": 2.0},
			},
		},
	}

	req := deviceRequest(http.MethodPost, "/nest/transport", body)
	rec := httptest.NewRecorder()
	env.server.Router().ServeHTTP(rec, req)

	// Nothing outdated and not chunked: an empty 200.
	require.Equal(t, http.StatusOK, rec.Code)

	obj, err := env.state.Get(ctx, testSerial, key)
	require.NoError(t, err)
	assert.Equal(t, int64(9), obj.Revision)
	assert.Equal(t, 2.0, obj.Value["ver"])
	// Fields the client omitted survive from the server value.
	assert.Equal(t, "week", obj.Value["name"])
}

func TestSubscribeParksAndWakes(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	key := "shared." + testSerial

	obj, _, err := env.state.Put(ctx, testSerial, key,
		map[string]any{"target_temperature": 20.0}, state.PutOptions{})
	require.NoError(t, err)

	body := map[string]any{
		"chunked": true,
		"objects": []map[string]any{
			{"object_key": key, "object_revision": obj.Revision, "object_timestamp": obj.Timestamp},
		},
	}

	done := make(chan *httptest.ResponseRecorder, 1)

	go func() {
		req := deviceRequest(http.MethodPost, "/nest/transport", body)
		rec := httptest.NewRecorder()
		env.server.Router().ServeHTTP(rec, req)
		done <- rec
	}()

	// Wait until the subscription is parked, then advance the object.
	require.Eventually(t, func() bool {
		return env.subs.Count(testSerial) == 1
	}, time.Second, 5*time.Millisecond)

	_, _, err = env.state.Put(ctx, testSerial, key,
		map[string]any{"target_temperature": 23.0}, state.PutOptions{})
	require.NoError(t, err)

	select {
	case rec := <-done:
		require.Equal(t, http.StatusOK, rec.Code)

		var resp objectsResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		require.Len(t, resp.Objects, 1)
		assert.Equal(t, 23.0, resp.Objects[0].Value["target_temperature"])
	case <-time.After(2 * time.Second):
		t.Fatal("parked subscription was not woken")
	}
}

func TestShutdownReleasesParkedSubscribers(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	key := "shared." + testSerial

	obj, _, err := env.state.Put(ctx, testSerial, key,
		map[string]any{"target_temperature": 20.0}, state.PutOptions{})
	require.NoError(t, err)

	body := map[string]any{
		"chunked": true,
		"objects": []map[string]any{
			{"object_key": key, "object_revision": obj.Revision, "object_timestamp": obj.Timestamp},
		},
	}

	done := make(chan *httptest.ResponseRecorder, 1)

	go func() {
		req := deviceRequest(http.MethodPost, "/nest/transport", body)
		rec := httptest.NewRecorder()
		env.server.Router().ServeHTTP(rec, req)
		done <- rec
	}()

	require.Eventually(t, func() bool {
		return env.subs.Count(testSerial) == 1
	}, time.Second, 5*time.Millisecond)

	// Draining the manager must release the handler promptly; the
	// listener drain during shutdown depends on it.
	env.subs.Shutdown()

	select {
	case rec := <-done:
		assert.Equal(t, http.StatusOK, rec.Code)
	case <-time.After(time.Second):
		t.Fatal("parked handler still blocked after subscription drain")
	}
}

func TestSubscribeCapReturns429(t *testing.T) {
	env := newTestEnv(t)

	for i := 0; i < 6; i++ {
		require.True(t, env.subs.Add(subscription.NewSubscription(testSerial, "", nil)))
	}

	body := map[string]any{
		"chunked": true,
		"objects": []map[string]any{
			{"object_key": "shared." + testSerial, "object_revision": 1, "object_timestamp": 1},
		},
	}

	req := deviceRequest(http.MethodPost, "/nest/transport", body)
	rec := httptest.NewRecorder()
	env.server.Router().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
}

func TestPutMergesAndReportsChanges(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	key := "device." + testSerial

	_, _, err := env.state.Put(ctx, testSerial, key,
		map[string]any{"battery_level": 3.9}, state.PutOptions{})
	require.NoError(t, err)

	body := map[string]any{
		"objects": []map[string]any{
			{"object_key": key, "value": map[string]any{"current_temperature": 21.0}},
			{"object_key": key, "value": map[string]any{"current_temperature": 21.0}},
		},
	}

	req := deviceRequest(http.MethodPost, "/nest/transport/put", body)
	rec := httptest.NewRecorder()
	env.server.Router().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var resp objectsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Objects, 2)

	// First write changed and echoes the value; the repeat did not.
	assert.NotNil(t, resp.Objects[0].Value)
	assert.Nil(t, resp.Objects[1].Value)
	assert.Equal(t, resp.Objects[0].revision(), resp.Objects[1].revision())

	obj, err := env.state.Get(ctx, testSerial, key)
	require.NoError(t, err)
	assert.Equal(t, 3.9, obj.Value["battery_level"])
	assert.Equal(t, 21.0, obj.Value["current_temperature"])
}

func TestPutRoutesObjectsToOwningSerial(t *testing.T) {
	env := newTestEnv(t)
	const other = "02BB01AC11180002"

	body := map[string]any{
		"objects": []map[string]any{
			{"object_key": "shared." + other, "value": map[string]any{"target_temperature": 19.0}},
		},
	}

	req := deviceRequest(http.MethodPost, "/nest/transport/put", body)
	rec := httptest.NewRecorder()
	env.server.Router().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	obj, err := env.state.Get(context.Background(), other, "shared."+other)
	require.NoError(t, err)
	assert.Equal(t, 19.0, obj.Value["target_temperature"])
}

func TestWeatherEndpoint(t *testing.T) {
	env := newTestEnv(t)

	req := httptest.NewRequest(http.MethodGet, "/nest/weather/v1?query=94107,US", nil)
	rec := httptest.NewRecorder()
	env.server.Router().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var payload map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payload))
	assert.Equal(t, 18.0, payload["temp_c"])

	rec = httptest.NewRecorder()
	env.server.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/nest/weather/v1", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestResolveSerial(t *testing.T) {
	tests := []struct {
		name     string
		header   string
		expected string
	}{
		{"serial token", "serial=" + testSerial, testSerial},
		{"hex prefix stripped", "serial=0x02aa01ac11180001", testSerial},
		{"multiple tokens", "fw=5.9.3,serial=" + testSerial, testSerial},
		{"bare serial", testSerial, testSerial},
		{"garbage", "not a serial!", ""},
		{"empty", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/nest/ping", nil)
			if tt.header != "" {
				req.Header.Set(IdentityHeader, tt.header)
			}

			assert.Equal(t, tt.expected, ResolveSerial(req))
		})
	}
}

func TestUploadStoresLog(t *testing.T) {
	env := newTestEnv(t)

	req := deviceRequest(http.MethodPost, "/nest/upload", nil)
	req.Body = http.NoBody
	req.Header.Set("Content-Type", "application/octet-stream")

	rec := httptest.NewRecorder()
	env.server.Router().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestObjectSerial(t *testing.T) {
	assert.Equal(t, "ABC", objectSerial("device.ABC", testSerial))
	assert.Equal(t, "ABC", objectSerial("shared.ABC", testSerial))
	assert.Equal(t, testSerial, objectSerial("user.42", testSerial))
	assert.Equal(t, testSerial, objectSerial("structure.42", testSerial))
}

func TestPing(t *testing.T) {
	env := newTestEnv(t)

	rec := httptest.NewRecorder()
	env.server.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/nest/ping", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestEntryURLsShareBase(t *testing.T) {
	env := newTestEnv(t)

	req := httptest.NewRequest(http.MethodGet, "http://device.local/nest/entry", nil)
	rec := httptest.NewRecorder()
	env.server.Router().ServeHTTP(rec, req)

	var doc map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &doc))

	for _, field := range []string{"czfe_url", "transport_url", "ping_url", "weather_url"} {
		assert.Contains(t, doc[field], "http://device.local", fmt.Sprintf("field %s", field))
	}
}
