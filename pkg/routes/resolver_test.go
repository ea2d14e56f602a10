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

package routes

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/turtacn/fleetgate/pkg/config"
	"github.com/turtacn/fleetgate/pkg/topics"
)

func testResolver(t *testing.T) *Resolver {
	t.Helper()
	codec := topics.NewCodec("fleet/v1")
	r, err := NewResolver(codec, []config.RouteConfig{
		{
			TopicKey:             "fleet/v1/+/up/ro",
			ServiceID:            "ro",
			ServiceName:          "remote-operations",
			Direction:            "up",
			StreamTopic:          "fleet.ro.events",
			StatusStreamTopic:    "fleet.device.status",
			DeviceStatusRequired: true,
		},
		{
			TopicKey:    "fleet/v1/+/dn/ota",
			ServiceID:   "ota",
			ServiceName: "ota-delivery",
			Direction:   "dn",
			StreamTopic: "fleet.ota.commands",
		},
		{
			TopicKey:    "fleet/v1/+/dn/devicedisconnect",
			ServiceID:   "devicedisconnect",
			ServiceName: "hand-off",
			Direction:   "dn",
			StreamTopic: "fleet.handoff",
		},
	}, config.TopicsConfig{
		GlobalTopics:     []string{"fleet/v1/broadcast"},
		DisconnectMarker: "devicedisconnect",
	})
	require.NoError(t, err)
	return r
}

func TestResolve(t *testing.T) {
	r := testResolver(t)

	res, err := r.Resolve("fleet/v1/dev1/up/ro")
	require.NoError(t, err)
	assert.Equal(t, "ro", res.Route.ServiceID)
	assert.Equal(t, topics.DeviceToCloud, res.Route.Direction)
	assert.Equal(t, "dev1", res.DeviceID())
	assert.True(t, res.Route.DeviceStatusRequired)
}

func TestResolveGlobalTopicIsDeliberateNotFound(t *testing.T) {
	r := testResolver(t)

	_, err := r.Resolve("fleet/v1/broadcast")
	assert.ErrorIs(t, err, ErrRouteNotFound)
	assert.True(t, r.IsGlobal("fleet/v1/broadcast"))
}

func TestResolveMalformedVsUnmapped(t *testing.T) {
	r := testResolver(t)

	_, err := r.Resolve("fleet/v1/dev1/sideways/ro")
	assert.ErrorIs(t, err, ErrMalformedTopic)

	_, err = r.Resolve("not-even-canonical")
	assert.ErrorIs(t, err, ErrMalformedTopic)

	_, err = r.Resolve("fleet/v1/dev1/up/unknownservice")
	assert.ErrorIs(t, err, ErrRouteNotFound)
	assert.NotErrorIs(t, err, ErrMalformedTopic)
}

func TestIsDisconnectRequest(t *testing.T) {
	r := testResolver(t)

	res, err := r.Resolve("fleet/v1/dev1/dn/devicedisconnect")
	require.NoError(t, err)
	assert.True(t, r.IsDisconnectRequest(res, "fleet/v1/dev1/dn/devicedisconnect"))

	// Ordinary cloud-to-device routes are not hand-off signals.
	res, err = r.Resolve("fleet/v1/dev1/dn/ota")
	require.NoError(t, err)
	assert.False(t, r.IsDisconnectRequest(res, "fleet/v1/dev1/dn/ota"))

	// Device-to-cloud routes never are.
	res, err = r.Resolve("fleet/v1/dev1/up/ro")
	require.NoError(t, err)
	assert.False(t, r.IsDisconnectRequest(res, "fleet/v1/dev1/up/ro"))

	assert.False(t, r.IsDisconnectRequest(nil, "x"))
}

func TestNewResolverRejectsBadKeys(t *testing.T) {
	codec := topics.NewCodec("fleet/v1")

	_, err := NewResolver(codec, []config.RouteConfig{
		{TopicKey: "wrong/+/up/ro", ServiceID: "ro", Direction: "up"},
	}, config.TopicsConfig{})
	assert.Error(t, err)

	_, err = NewResolver(codec, []config.RouteConfig{
		{TopicKey: "fleet/v1/+/up/ro", ServiceID: "ro", Direction: "up"},
		{TopicKey: "fleet/v1/+/up/ro", ServiceID: "ro", Direction: "up"},
	}, config.TopicsConfig{})
	assert.Error(t, err)
}
