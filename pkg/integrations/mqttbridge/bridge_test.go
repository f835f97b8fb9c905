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

package mqttbridge

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hearthlabs/hearthd/pkg/integrations"
	"github.com/hearthlabs/hearthd/pkg/logger"
	"github.com/hearthlabs/hearthd/pkg/models"
	"github.com/hearthlabs/hearthd/pkg/state"
	"github.com/hearthlabs/hearthd/pkg/store/memstore"
)

const (
	testSerial = "02AA01AC11180001"
	testUser   = "user_42"
)

func newTestBridge(t *testing.T) (*Bridge, *memstore.Store, *state.Service) {
	t.Helper()

	log := logger.NewTestLogger()
	st := memstore.New()
	svc := state.NewService(st, log, nil)
	t.Cleanup(svc.Close)

	deps := integrations.Deps{State: svc, Logger: log, UserID: testUser}

	integ, err := NewFactory()(deps, json.RawMessage(`{"broker_url":"tcp://broker:1883"}`))
	require.NoError(t, err)

	return integ.(*Bridge), st, svc
}

// fakeMessage satisfies mqtt.Message for handleCommand tests.
type fakeMessage struct {
	topic   string
	payload []byte
}

func (m *fakeMessage) Duplicate() bool   { return false }
func (m *fakeMessage) Qos() byte         { return commandQoS }
func (m *fakeMessage) Retained() bool    { return false }
func (m *fakeMessage) Topic() string     { return m.topic }
func (m *fakeMessage) MessageID() uint16 { return 0 }
func (m *fakeMessage) Payload() []byte   { return m.payload }
func (m *fakeMessage) Ack()              {}

var _ mqtt.Message = (*fakeMessage)(nil)

func TestFactoryDefaults(t *testing.T) {
	b, _, _ := newTestBridge(t)

	assert.Equal(t, "hearthd", b.cfg.Prefix)
	assert.True(t, b.cfg.Retain)
	assert.True(t, strings.HasPrefix(b.cfg.ClientID, "hearthd-"))
	assert.Equal(t, TypeName, b.Type())
}

func TestFactoryRequiresBroker(t *testing.T) {
	deps := integrations.Deps{Logger: logger.NewTestLogger(), UserID: testUser}

	_, err := NewFactory()(deps, json.RawMessage(`{}`))
	assert.ErrorIs(t, err, errBrokerRequired)
}

func TestFactoryRejectsMalformedConfig(t *testing.T) {
	deps := integrations.Deps{Logger: logger.NewTestLogger(), UserID: testUser}

	_, err := NewFactory()(deps, json.RawMessage(`{"broker_url":`))
	assert.Error(t, err)
}

func TestAllowsSerial(t *testing.T) {
	b, st, _ := newTestBridge(t)
	ctx := context.Background()

	require.NoError(t, st.SetDeviceOwner(ctx, testSerial, testUser))
	require.NoError(t, st.SetDeviceOwner(ctx, "SHAREDSERIAL01", "user_99"))
	require.NoError(t, st.ShareDevice(ctx, "SHAREDSERIAL01", testUser))

	assert.True(t, b.allowsSerial(ctx, testSerial))
	assert.True(t, b.allowsSerial(ctx, "SHAREDSERIAL01"))
	assert.False(t, b.allowsSerial(ctx, "FOREIGNSERIAL1"))
}

func TestHandleCommandWritesState(t *testing.T) {
	b, st, svc := newTestBridge(t)
	ctx := context.Background()

	require.NoError(t, st.SetDeviceOwner(ctx, testSerial, testUser))

	b.handleCommand(nil, &fakeMessage{
		topic:   "hearthd/" + testSerial + "/command/" + models.PrefixShared,
		payload: []byte(`{"target_temperature":21.5}`),
	})

	obj, err := svc.Get(ctx, testSerial, models.PrefixShared+"."+testSerial)
	require.NoError(t, err)
	assert.Equal(t, 21.5, obj.Value["target_temperature"])
}

func TestHandleCommandRejectsForeignDevice(t *testing.T) {
	b, st, svc := newTestBridge(t)
	ctx := context.Background()

	require.NoError(t, st.SetDeviceOwner(ctx, testSerial, "user_99"))

	b.handleCommand(nil, &fakeMessage{
		topic:   "hearthd/" + testSerial + "/command/" + models.PrefixShared,
		payload: []byte(`{"target_temperature":30}`),
	})

	_, err := svc.Get(ctx, testSerial, models.PrefixShared+"."+testSerial)
	assert.Error(t, err)
}

func TestHandleCommandIgnoresMalformedTopic(t *testing.T) {
	b, st, svc := newTestBridge(t)
	ctx := context.Background()

	require.NoError(t, st.SetDeviceOwner(ctx, testSerial, testUser))

	for _, topic := range []string{
		"hearthd/" + testSerial + "/shared",
		"hearthd/" + testSerial + "/notcommand/shared",
		"hearthd/" + testSerial + "/command/shared/extra",
	} {
		b.handleCommand(nil, &fakeMessage{topic: topic, payload: []byte(`{"away":true}`)})
	}

	b.handleCommand(nil, &fakeMessage{
		topic:   "hearthd/" + testSerial + "/command/shared",
		payload: []byte(`not json`),
	})

	_, err := svc.Get(ctx, testSerial, models.PrefixShared+"."+testSerial)
	assert.Error(t, err)
}
