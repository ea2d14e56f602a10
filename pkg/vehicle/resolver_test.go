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

package vehicle

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStaticResolver(t *testing.T) {
	r := NewStaticResolver()
	r.Add("dev1", Identity{VehicleID: "veh1", DeviceType: "tcu"})

	id, err := r.Resolve(context.Background(), "dev1")
	require.NoError(t, err)
	assert.Equal(t, "veh1", id.VehicleID)
	assert.Equal(t, "tcu", id.DeviceType)
	assert.False(t, id.Suspicious)
}

func TestStaticResolverUnlinked(t *testing.T) {
	r := NewStaticResolver()
	_, err := r.Resolve(context.Background(), "unknown")
	assert.ErrorIs(t, err, ErrNotLinked)
}

func TestStaticResolverError(t *testing.T) {
	r := NewStaticResolver()
	r.Add("dev1", Identity{VehicleID: "veh1"})
	r.Err = errors.New("resolver offline")

	_, err := r.Resolve(context.Background(), "dev1")
	assert.EqualError(t, err, "resolver offline")
}
