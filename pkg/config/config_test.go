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

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigIsValid(t *testing.T) {
	require.NoError(t, Validate(DefaultConfig()))
}

func TestLoadConfigEmptyPathYieldsDefault(t *testing.T) {
	cfg, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestLoadConfigYAML(t *testing.T) {
	content := `
gate:
  node_id: "test-node"
  mqtt_port: ":2883"
  metrics_port: ":9090"
  topics:
    prefix: "fleet/v1"
    keep_alive_pattern: "fleet/v1/+/up/commcheck"
  acl:
    services:
      - id: "ro"
        direction: "up"
  routes:
    - topic_key: "fleet/v1/+/up/ro"
      service_id: "ro"
      service_name: "remote-operations"
      direction: "up"
      stream_topic: "fleet.ro.events"
      device_status_required: true
`
	path := filepath.Join(t.TempDir(), "gate.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "test-node", cfg.Gate.NodeID)
	assert.Equal(t, ":2883", cfg.Gate.MQTTPort)
	require.Len(t, cfg.Gate.Routes, 1)
	assert.True(t, cfg.Gate.Routes[0].DeviceStatusRequired)
}

func TestLoadConfigRejectsUnknownExtension(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gate.toml")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))
	_, err := LoadConfig(path)
	assert.Error(t, err)
}

func TestValidateRejectsBadDirection(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Gate.ACL.Services[0].Direction = "sideways"
	assert.Error(t, Validate(cfg))
}

func TestValidateRejectsDuplicateRouteKey(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Gate.Routes = append(cfg.Gate.Routes, cfg.Gate.Routes[0])
	assert.Error(t, Validate(cfg))
}

func TestValidateRejectsMissingStreamTopic(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Gate.Routes[0].StreamTopic = ""
	assert.Error(t, Validate(cfg))
}
