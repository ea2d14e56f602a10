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

package topics

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFormat(t *testing.T) {
	c := NewCodec("fleet/v1")
	assert.Equal(t, "fleet/v1/dev1/up/ro", c.Format(DeviceToCloud, "dev1", "ro"))
	assert.Equal(t, "fleet/v1/dev1/dn/ota", c.Format(CloudToDevice, "dev1", "ota"))
}

func TestParse(t *testing.T) {
	c := NewCodec("fleet/v1")

	addr, err := c.Parse("fleet/v1/dev1/up/ro")
	require.NoError(t, err)
	assert.Equal(t, "dev1", addr.Identity)
	assert.Equal(t, DeviceToCloud, addr.Direction)
	assert.Equal(t, "ro", addr.Service)

	_, err = c.Parse("fleet/v1/dev1/sideways/ro")
	assert.ErrorIs(t, err, ErrBadTopic)

	_, err = c.Parse("other/v1/dev1/up/ro")
	assert.ErrorIs(t, err, ErrBadTopic)

	_, err = c.Parse("fleet/v1/dev1/up")
	assert.ErrorIs(t, err, ErrBadTopic)

	_, err = c.Parse("fleet/v1/dev1/up/ro/extra")
	assert.ErrorIs(t, err, ErrBadTopic)
}

func TestSingleLevelWildcard(t *testing.T) {
	m, err := ToMatchExpression("a/+/c")
	require.NoError(t, err)

	assert.True(t, m.Matches("a/b/c"))
	assert.False(t, m.Matches("a/c"), "zero-segment substitution must not match")
	assert.False(t, m.Matches("a/b/x/c"), "multi-segment substitution must not match")
	assert.False(t, m.Matches("a//c"), "empty segment must not match")
	assert.False(t, m.Matches("a/b c/c"), "whitespace is outside the segment class")
}

func TestMultiLevelWildcard(t *testing.T) {
	m, err := ToMatchExpression("a/#")
	require.NoError(t, err)

	assert.True(t, m.Matches("a/b"))
	assert.True(t, m.Matches("a/b/c"))
	assert.False(t, m.Matches("a"), "'#' requires at least one trailing segment")
	assert.False(t, m.Matches("a/"))
	assert.False(t, m.Matches("b/c"))
}

func TestLiteralPattern(t *testing.T) {
	m, err := ToMatchExpression("fleet/v1/dev1/up/ro")
	require.NoError(t, err)

	assert.True(t, m.Matches("fleet/v1/dev1/up/ro"))
	assert.False(t, m.Matches("fleet/v1/dev1/up/ro2"))
	assert.False(t, m.Matches(""))
}

func TestLiteralDotIsNotAWildcard(t *testing.T) {
	m, err := ToMatchExpression("a/b.c")
	require.NoError(t, err)

	assert.True(t, m.Matches("a/b.c"))
	assert.False(t, m.Matches("a/bxc"), "'.' must be matched literally")
}

func TestBadPatterns(t *testing.T) {
	for _, pattern := range []string{"", "a/#/b", "a/b#", "a/+b"} {
		_, err := ToMatchExpression(pattern)
		assert.ErrorIs(t, err, ErrBadPattern, "pattern %q", pattern)
	}
}

func TestNilMatcher(t *testing.T) {
	var m *Matcher
	assert.False(t, m.Matches("a/b"))
}
