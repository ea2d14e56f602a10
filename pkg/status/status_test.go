// Copyright 2024 The fleetgate Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package status

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/turtacn/fleetgate/pkg/config"
	"github.com/turtacn/fleetgate/pkg/devstate"
	"github.com/turtacn/fleetgate/pkg/dmap"
	"github.com/turtacn/fleetgate/pkg/routes"
	"github.com/turtacn/fleetgate/pkg/stream"
	"github.com/turtacn/fleetgate/pkg/topics"
)

type fixture struct {
	handler  *Handler
	store    *devstate.Store
	presence *dmap.MemStore
	sink     *stream.MemSink
}

func newFixture(t *testing.T, allowList []string) *fixture {
	t.Helper()

	codec := topics.NewCodec("fleet/v1")
	topicsCfg := config.TopicsConfig{
		Prefix:       "fleet/v1",
		GlobalTopics: []string{"fleet/broadcast"},
	}
	resolver, err := routes.NewResolver(codec, []config.RouteConfig{
		{
			TopicKey:             "fleet/v1/+/up/ro",
			ServiceID:            "ro",
			ServiceName:          "remote-operations",
			Direction:            "up",
			StreamTopic:          "fleet-ro",
			StatusStreamTopic:    "fleet-ro-status",
			DeviceStatusRequired: true,
		},
		{
			TopicKey:             "fleet/v1/+/up/remotectrl",
			ServiceID:            "remotectrl",
			ServiceName:          "remote-control",
			Direction:            "up",
			StreamTopic:          "fleet-remotectrl",
			StatusStreamTopic:    "fleet-remotectrl-status",
			DeviceStatusRequired: true,
		},
		{
			TopicKey:    "fleet/v1/+/up/telemetry",
			ServiceID:   "telemetry",
			ServiceName: "telemetry",
			Direction:   "up",
			StreamTopic: "fleet-telemetry",
		},
		{
			TopicKey:             "fleet/v1/+/dn/ota",
			ServiceID:            "ota",
			ServiceName:          "ota",
			Direction:            "dn",
			StreamTopic:          "fleet-ota",
			StatusStreamTopic:    "fleet-ota-status",
			DeviceStatusRequired: true,
		},
	}, topicsCfg)
	require.NoError(t, err)

	f := &fixture{
		store:    devstate.NewStore(),
		presence: dmap.NewMemStore(),
		sink:     stream.NewMemSink(),
	}
	f.handler = NewHandler(resolver, f.store, f.presence, f.sink, allowList)
	return f
}

func TestHandleActiveEmitsEventAndRecordsPresence(t *testing.T) {
	f := newFixture(t, nil)
	f.store.Put("dev1", "veh1", "tcu")

	err := f.handler.Handle(context.Background(), "dev1", []string{"fleet/v1/dev1/up/ro"}, Active)
	require.NoError(t, err)

	msgs := f.sink.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "fleet-ro-status", msgs[0].Topic)
	assert.Equal(t, []byte("veh1"), msgs[0].Key)

	var ev Event
	require.NoError(t, json.Unmarshal(msgs[0].Payload, &ev))
	assert.Equal(t, "veh1", ev.VehicleID)
	assert.Equal(t, "dev1", ev.DeviceID)
	assert.Equal(t, "ro", ev.ServiceID)
	assert.Equal(t, Active, ev.Status)
	assert.Empty(t, ev.Transport)

	assert.Equal(t, map[string]string{"dev1": "veh1"}, f.presence.Entry("remote-operations"))

	rec, err := f.store.Get("dev1")
	require.NoError(t, err)
	assert.Contains(t, rec.Snapshot().SubscribedTopics, "fleet/v1/dev1/up/ro")
}

func TestHandleInactiveRemovesSoleMember(t *testing.T) {
	f := newFixture(t, nil)
	f.store.Put("dev1", "veh1", "tcu")
	ctx := context.Background()

	require.NoError(t, f.handler.Handle(ctx, "dev1", []string{"fleet/v1/dev1/up/ro", "fleet/v1/dev1/up/remotectrl"}, Active))
	require.NoError(t, f.handler.Handle(ctx, "dev1", []string{"fleet/v1/dev1/up/ro", "fleet/v1/dev1/up/remotectrl"}, Inactive))

	// dev1 was the sole member of both entries, so both are gone entirely.
	assert.Nil(t, f.presence.Entry("remote-operations"))
	assert.Nil(t, f.presence.Entry("remote-control"))

	rec, err := f.store.Get("dev1")
	require.NoError(t, err)
	assert.Empty(t, rec.Snapshot().SubscribedTopics)
}

func TestHandleSkipsUntrackedTopics(t *testing.T) {
	f := newFixture(t, nil)
	f.store.Put("dev1", "veh1", "tcu")

	// A global topic, an untracked service, and a cloud-to-device route:
	// none of them produce a status event or touch the local set.
	err := f.handler.Handle(context.Background(), "dev1", []string{
		"fleet/broadcast",
		"fleet/v1/dev1/up/telemetry",
		"fleet/v1/dev1/dn/ota",
	}, Active)
	require.NoError(t, err)

	assert.Empty(t, f.sink.Messages())
	assert.Nil(t, f.presence.Entry("telemetry"))
	assert.Nil(t, f.presence.Entry("ota"))

	rec, err := f.store.Get("dev1")
	require.NoError(t, err)
	assert.Empty(t, rec.Snapshot().SubscribedTopics)
}

func TestHandleSuspiciousDeviceAbortsWholeBatch(t *testing.T) {
	f := newFixture(t, []string{"ro"})
	rec := f.store.Put("dev1", "veh1", "tcu")
	rec.SetSuspicious(true)

	err := f.handler.Handle(context.Background(), "dev1",
		[]string{"fleet/v1/dev1/up/ro", "fleet/v1/dev1/up/remotectrl"}, Active)

	var batchErr *BatchError
	require.ErrorAs(t, err, &batchErr)
	assert.Equal(t, "dev1", batchErr.ClientID)
	assert.Equal(t, "remotectrl", batchErr.ServiceID)

	// The batch is validated before anything is applied, so the allowed
	// topic ahead of the offending one produced no effects either.
	assert.Empty(t, f.sink.Messages())
	assert.Nil(t, f.presence.Entry("remote-operations"))
}

func TestHandleUnlinkedDeviceFallsBackToClientID(t *testing.T) {
	f := newFixture(t, []string{"ro"})

	err := f.handler.Handle(context.Background(), "dev1", []string{"fleet/v1/dev1/up/ro"}, Active)
	require.NoError(t, err)

	var ev Event
	require.NoError(t, json.Unmarshal(f.sink.Messages()[0].Payload, &ev))
	assert.Equal(t, "dev1", ev.VehicleID)
	assert.Equal(t, map[string]string{"dev1": "dev1"}, f.presence.Entry("remote-operations"))
}

func TestHandleAlternateTransportShapesEvent(t *testing.T) {
	f := newFixture(t, nil)
	rec := f.store.Put("dev1", "veh1", "tcu")
	rec.SetAlternateTransport(true)

	require.NoError(t, f.handler.Handle(context.Background(), "dev1", []string{"fleet/v1/dev1/up/ro"}, Active))

	var ev Event
	require.NoError(t, json.Unmarshal(f.sink.Messages()[0].Payload, &ev))
	assert.Equal(t, "alternate", ev.Transport)
}

func TestHandlePresenceFailureSurfacesAfterBatch(t *testing.T) {
	f := newFixture(t, nil)
	f.store.Put("dev1", "veh1", "tcu")
	f.presence.FailNext = errors.New("store down")

	err := f.handler.Handle(context.Background(), "dev1",
		[]string{"fleet/v1/dev1/up/ro", "fleet/v1/dev1/up/remotectrl"}, Active)
	require.Error(t, err)

	// The failure is per-topic and the rest of the batch still applied.
	assert.Equal(t, map[string]string{"dev1": "veh1"}, f.presence.Entry("remote-control"))
	assert.Len(t, f.sink.Messages(), 2)
}

func TestHandleDisconnectAnnouncesInactive(t *testing.T) {
	f := newFixture(t, nil)
	f.store.Put("dev1", "veh1", "tcu")
	ctx := context.Background()

	require.NoError(t, f.handler.Handle(ctx, "dev1", []string{"fleet/v1/dev1/up/ro"}, Active))

	view, removed := f.store.Disconnect("dev1")
	require.True(t, removed)

	require.NoError(t, f.handler.HandleDisconnect(ctx, "dev1", view))
	assert.Nil(t, f.presence.Entry("remote-operations"))

	msgs := f.sink.Messages()
	require.Len(t, msgs, 2)
	var ev Event
	require.NoError(t, json.Unmarshal(msgs[1].Payload, &ev))
	assert.Equal(t, Inactive, ev.Status)
	assert.Equal(t, "veh1", ev.VehicleID)
}
