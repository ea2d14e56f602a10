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

// Package config provides configuration management for fleetgate: the
// topic addressing scheme, the static route and service tables, feature
// flags for the publish pipeline, and the endpoints of the external
// collaborators (Kafka, Redis, Postgres). The tables are loaded once at
// startup; reload is out of scope.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v2"
)

// TopicsConfig describes the canonical topic scheme and the special
// topics the core treats out of band.
type TopicsConfig struct {
	// Prefix is the leading path of every canonical topic.
	Prefix string `yaml:"prefix" json:"prefix"`
	// GlobalTopics never require routing and never produce status events.
	GlobalTopics []string `yaml:"global_topics" json:"global_topics"`
	// KeepAlivePattern matches the commcheck side channel; publishes on it
	// are handled by the keep-alive detector instead of being routed.
	KeepAlivePattern string `yaml:"keep_alive_pattern" json:"keep_alive_pattern"`
	// DisconnectMarker identifies cloud-to-device routes that carry a
	// forced-disconnect request instead of a deliverable message.
	DisconnectMarker string `yaml:"disconnect_marker" json:"disconnect_marker"`
	// HealthTopic is the fixed topic the health probe identity may publish on.
	HealthTopic string `yaml:"health_topic" json:"health_topic"`
	// NotificationService is the service segment of a plain user's private
	// notification topic.
	NotificationService string `yaml:"notification_service" json:"notification_service"`
}

// ServiceConfig is one entry of the ACL service table.
type ServiceConfig struct {
	ID string `yaml:"id" json:"id"`
	// Direction is "up" (device-to-cloud) or "dn" (cloud-to-device).
	Direction string `yaml:"direction" json:"direction"`
	// DeviceTypes restricts the service to the listed ECU classes. Empty
	// means the service applies to every device type.
	DeviceTypes []string `yaml:"device_types,omitempty" json:"device_types,omitempty"`
	// Disabled services are omitted from computed permissions entirely.
	Disabled bool `yaml:"disabled,omitempty" json:"disabled,omitempty"`
	// Diagnostic services are always allowed regardless of device type.
	Diagnostic bool `yaml:"diagnostic,omitempty" json:"diagnostic,omitempty"`
}

// ACLConfig drives permission computation.
type ACLConfig struct {
	// ServicePrefixes classify a username as an internal service identity.
	ServicePrefixes []string `yaml:"service_prefixes" json:"service_prefixes"`
	// Services is the device service table, keyed implicitly by ID.
	Services []ServiceConfig `yaml:"services" json:"services"`
	// SuspiciousAllowList names the only services deliverable for devices
	// whose vehicle linkage is untrusted or absent.
	SuspiciousAllowList []string `yaml:"suspicious_allow_list" json:"suspicious_allow_list"`
	// RepopulateOnMismatch enables the per-packet ACL staleness self-check:
	// if the first cached entry does not textually contain the client id or
	// username, the ACL is recomputed. Heuristic, preserved as-is.
	RepopulateOnMismatch bool `yaml:"repopulate_on_mismatch" json:"repopulate_on_mismatch"`
}

// RouteConfig is one entry of the static topic route table.
type RouteConfig struct {
	TopicKey             string `yaml:"topic_key" json:"topic_key"`
	ServiceID            string `yaml:"service_id" json:"service_id"`
	ServiceName          string `yaml:"service_name" json:"service_name"`
	Direction            string `yaml:"direction" json:"direction"`
	StreamTopic          string `yaml:"stream_topic" json:"stream_topic"`
	StatusStreamTopic    string `yaml:"status_stream_topic" json:"status_stream_topic"`
	DeviceStatusRequired bool   `yaml:"device_status_required" json:"device_status_required"`
}

// PipelineConfig holds the publish pipeline feature flags.
type PipelineConfig struct {
	// WrapEnvelope wraps raw payloads in the event envelope before dispatch.
	WrapEnvelope bool `yaml:"wrap_envelope" json:"wrap_envelope"`
	// Decompress gunzips inbound payloads before dispatch.
	Decompress bool `yaml:"decompress" json:"decompress"`
	// DeviceAwareServices selects the envelope variant carrying the source
	// device identity.
	DeviceAwareServices []string `yaml:"device_aware_services" json:"device_aware_services"`
}

// UserConfig is one static credential entry for the password strategy.
type UserConfig struct {
	Username     string `yaml:"username" json:"username"`
	PasswordHash string `yaml:"password_hash" json:"password_hash"`
}

// AuthConfig configures the authentication strategy chain.
type AuthConfig struct {
	Users []UserConfig `yaml:"users" json:"users"`
	// JWTSecret is the HMAC secret for the token strategy.
	JWTSecret string `yaml:"jwt_secret" json:"jwt_secret"`
	// ProbeUsername identifies the health-check probe identity.
	ProbeUsername string `yaml:"probe_username" json:"probe_username"`
}

// KafkaConfig configures the stream sink.
type KafkaConfig struct {
	Brokers []string `yaml:"brokers" json:"brokers"`
}

// RedisConfig configures the distributed map store.
type RedisConfig struct {
	Addr     string `yaml:"addr" json:"addr"`
	Password string `yaml:"password,omitempty" json:"password,omitempty"`
	DB       int    `yaml:"db" json:"db"`
}

// PostgresConfig configures the vehicle identity resolver.
type PostgresConfig struct {
	DSN string `yaml:"dsn" json:"dsn"`
}

// GateConfig is the overall fleetgate configuration.
type GateConfig struct {
	NodeID      string         `yaml:"node_id" json:"node_id"`
	MQTTPort    string         `yaml:"mqtt_port" json:"mqtt_port"`
	MetricsPort string         `yaml:"metrics_port" json:"metrics_port"`
	Topics      TopicsConfig   `yaml:"topics" json:"topics"`
	ACL         ACLConfig      `yaml:"acl" json:"acl"`
	Routes      []RouteConfig  `yaml:"routes" json:"routes"`
	Pipeline    PipelineConfig `yaml:"pipeline" json:"pipeline"`
	Auth        AuthConfig     `yaml:"auth" json:"auth"`
	Kafka       KafkaConfig    `yaml:"kafka" json:"kafka"`
	Redis       RedisConfig    `yaml:"redis" json:"redis"`
	Postgres    PostgresConfig `yaml:"postgres" json:"postgres"`
}

// Config holds the complete configuration.
type Config struct {
	Gate GateConfig `yaml:"gate" json:"gate"`
}

// DefaultConfig returns a configuration suitable for local development.
func DefaultConfig() *Config {
	return &Config{
		Gate: GateConfig{
			NodeID:      "fleetgate-node",
			MQTTPort:    ":1883",
			MetricsPort: ":8082",
			Topics: TopicsConfig{
				Prefix:              "fleet/v1",
				GlobalTopics:        []string{"fleet/v1/broadcast"},
				KeepAlivePattern:    "fleet/v1/+/up/commcheck",
				DisconnectMarker:    "devicedisconnect",
				HealthTopic:         "fleet/v1/healthcheck/up/probe",
				NotificationService: "notify",
			},
			ACL: ACLConfig{
				ServicePrefixes: []string{"svc-"},
				Services: []ServiceConfig{
					{ID: "ro", Direction: "up"},
					{ID: "telemetry", Direction: "up"},
					{ID: "ota", Direction: "dn"},
					{ID: "remotectrl", Direction: "dn", DeviceTypes: []string{"tcu"}},
					{ID: "commcheck", Direction: "up", Diagnostic: true},
				},
				SuspiciousAllowList:  []string{"commcheck"},
				RepopulateOnMismatch: false,
			},
			Routes: []RouteConfig{
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
					TopicKey:             "fleet/v1/+/up/telemetry",
					ServiceID:            "telemetry",
					ServiceName:          "telemetry",
					Direction:            "up",
					StreamTopic:          "fleet.telemetry.events",
					StatusStreamTopic:    "fleet.device.status",
					DeviceStatusRequired: false,
				},
				{
					TopicKey:             "fleet/v1/+/dn/ota",
					ServiceID:            "ota",
					ServiceName:          "ota-delivery",
					Direction:            "dn",
					StreamTopic:          "fleet.ota.commands",
					StatusStreamTopic:    "fleet.device.status",
					DeviceStatusRequired: false,
				},
			},
			Pipeline: PipelineConfig{
				WrapEnvelope:        true,
				Decompress:          false,
				DeviceAwareServices: []string{"ro"},
			},
			Auth: AuthConfig{
				ProbeUsername: "healthcheck",
			},
			Kafka: KafkaConfig{Brokers: []string{"localhost:9092"}},
			Redis: RedisConfig{Addr: "localhost:6379"},
		},
	}
}

// LoadConfig loads configuration from a YAML or JSON file. An empty path
// yields the default configuration.
func LoadConfig(configPath string) (*Config, error) {
	if configPath == "" {
		return DefaultConfig(), nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	}

	config := &Config{}
	ext := strings.ToLower(filepath.Ext(configPath))

	switch ext {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, config)
	case ".json":
		err = json.Unmarshal(data, config)
	default:
		return nil, fmt.Errorf("unsupported config file format: %s (supported: .yaml, .yml, .json)", ext)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", configPath, err)
	}

	if err := Validate(config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

// Validate checks the structural invariants of a configuration.
func Validate(config *Config) error {
	g := &config.Gate
	if g.NodeID == "" {
		return fmt.Errorf("node_id cannot be empty")
	}
	if g.Topics.Prefix == "" {
		return fmt.Errorf("topics.prefix cannot be empty")
	}

	serviceIDs := make(map[string]bool)
	for i, svc := range g.ACL.Services {
		if svc.ID == "" {
			return fmt.Errorf("acl.services[%d]: id cannot be empty", i)
		}
		if serviceIDs[svc.ID] {
			return fmt.Errorf("acl.services: duplicate service id %s", svc.ID)
		}
		serviceIDs[svc.ID] = true
		if svc.Direction != "up" && svc.Direction != "dn" {
			return fmt.Errorf("acl.services[%s]: direction must be \"up\" or \"dn\", got %q", svc.ID, svc.Direction)
		}
	}

	topicKeys := make(map[string]bool)
	for i, route := range g.Routes {
		if route.TopicKey == "" {
			return fmt.Errorf("routes[%d]: topic_key cannot be empty", i)
		}
		if topicKeys[route.TopicKey] {
			return fmt.Errorf("routes: duplicate topic_key %s", route.TopicKey)
		}
		topicKeys[route.TopicKey] = true
		if route.ServiceID == "" {
			return fmt.Errorf("routes[%s]: service_id cannot be empty", route.TopicKey)
		}
		if route.Direction != "up" && route.Direction != "dn" {
			return fmt.Errorf("routes[%s]: direction must be \"up\" or \"dn\", got %q", route.TopicKey, route.Direction)
		}
		if route.Direction == "up" && route.StreamTopic == "" {
			return fmt.Errorf("routes[%s]: device-to-cloud routes need a stream_topic", route.TopicKey)
		}
	}

	for i, user := range g.Auth.Users {
		if user.Username == "" {
			return fmt.Errorf("auth.users[%d]: username cannot be empty", i)
		}
		if user.PasswordHash == "" {
			return fmt.Errorf("auth.users[%s]: password_hash cannot be empty", user.Username)
		}
	}

	return nil
}
