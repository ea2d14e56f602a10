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

package devstate

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConnectCreatesRecord(t *testing.T) {
	s := NewStore()

	rec, created := s.Connect("dev1", "veh1", "tcu")
	require.True(t, created)

	view := rec.Snapshot()
	assert.Equal(t, "veh1", view.VehicleID)
	assert.Equal(t, "tcu", view.DeviceType)
	assert.Equal(t, 1, view.ConnectionRefCount)
}

func TestReentrantConnectIncrements(t *testing.T) {
	s := NewStore()

	s.Connect("dev1", "veh1", "tcu")
	rec, created := s.Connect("dev1", "", "")
	assert.False(t, created)
	assert.Equal(t, 2, rec.Snapshot().ConnectionRefCount)
	// Vehicle linkage from the first connect survives an empty update.
	assert.Equal(t, "veh1", rec.Snapshot().VehicleID)
}

func TestRefCountingAcrossDisconnects(t *testing.T) {
	s := NewStore()

	s.Connect("dev1", "veh1", "tcu")
	s.Connect("dev1", "veh1", "tcu")

	// Two connects, one disconnect: record stays with count 1.
	_, removed := s.Disconnect("dev1")
	assert.False(t, removed)

	rec, err := s.Get("dev1")
	require.NoError(t, err)
	assert.Equal(t, 1, rec.Snapshot().ConnectionRefCount)

	// Second disconnect removes the record; exactly one removal in total.
	view, removed := s.Disconnect("dev1")
	assert.True(t, removed)
	assert.Equal(t, "veh1", view.VehicleID)

	_, err = s.Get("dev1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDisconnectAboveOneReturnsEmptyView(t *testing.T) {
	s := NewStore()

	s.Connect("dev1", "veh1", "tcu")
	s.Connect("dev1", "veh1", "tcu")

	view, removed := s.Disconnect("dev1")
	assert.False(t, removed, "decrement above one must not remove")
	assert.Empty(t, view.VehicleID)

	rec, err := s.Get("dev1")
	require.NoError(t, err)
	assert.Equal(t, 1, rec.Snapshot().ConnectionRefCount)
}

func TestDisconnectUnknownClient(t *testing.T) {
	s := NewStore()
	_, removed := s.Disconnect("ghost")
	assert.False(t, removed)
}

func TestEvictHookFiresOnRemovalOnly(t *testing.T) {
	s := NewStore()
	var evicted []string
	s.OnEvict(func(id string) { evicted = append(evicted, id) })

	s.Connect("dev1", "veh1", "")
	s.Connect("dev1", "veh1", "")

	s.Disconnect("dev1")
	assert.Empty(t, evicted, "decrement must not evict")

	s.Disconnect("dev1")
	assert.Equal(t, []string{"dev1"}, evicted)
}

func TestAddTopicRecreatesMissingRecord(t *testing.T) {
	s := NewStore()

	s.AddTopic("dev1", "veh1", "fleet/v1/dev1/dn/ota")

	rec, err := s.Get("dev1")
	require.NoError(t, err)
	view := rec.Snapshot()
	assert.Equal(t, "veh1", view.VehicleID)
	assert.Contains(t, view.SubscribedTopics, "fleet/v1/dev1/dn/ota")
}

func TestRemoveTopic(t *testing.T) {
	s := NewStore()

	s.Connect("dev1", "veh1", "")
	s.AddTopic("dev1", "veh1", "a/b")
	s.RemoveTopic("dev1", "a/b")

	rec, err := s.Get("dev1")
	require.NoError(t, err)
	assert.Empty(t, rec.Snapshot().SubscribedTopics)

	// Removing from an absent record must not panic.
	s.RemoveTopic("ghost", "a/b")
}

func TestRemove(t *testing.T) {
	s := NewStore()
	s.Connect("dev1", "veh1", "")

	view, ok := s.Remove("dev1")
	assert.True(t, ok)
	assert.Equal(t, "veh1", view.VehicleID)

	_, ok = s.Remove("dev1")
	assert.False(t, ok)
}

func TestConcurrentConnectDisconnect(t *testing.T) {
	s := NewStore()

	const n = 64
	var wg sync.WaitGroup
	wg.Add(2 * n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			s.Connect("dev1", "veh1", "tcu")
		}()
		go func() {
			defer wg.Done()
			s.Disconnect("dev1")
		}()
	}
	wg.Wait()

	// Drain whatever survived; the store must stay consistent throughout.
	for {
		if _, err := s.Get("dev1"); err != nil {
			break
		}
		if _, removed := s.Disconnect("dev1"); removed {
			break
		}
	}
	assert.Equal(t, 0, s.Len())
}
