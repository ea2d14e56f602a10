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

// Package routes maps concrete topic strings onto the statically
// configured routing table: which downstream service a topic belongs to,
// which stream it feeds, and whether the service tracks device status.
// The table is loaded once at startup.
package routes

import (
	"errors"
	"fmt"
	"strings"

	"github.com/turtacn/fleetgate/pkg/config"
	"github.com/turtacn/fleetgate/pkg/topics"
)

var (
	// ErrRouteNotFound is returned when no service is configured for a
	// topic, including the deliberate case of global topics.
	ErrRouteNotFound = errors.New("no route for topic")
	// ErrMalformedTopic is returned when a topic fails the canonical
	// syntax. Distinct from ErrRouteNotFound so callers can log it at a
	// higher severity.
	ErrMalformedTopic = errors.New("malformed topic")
)

// Route is one entry of the static route table.
type Route struct {
	TopicKey             string
	ServiceID            string
	ServiceName          string
	Direction            topics.Direction
	StreamTopic          string
	StatusStreamTopic    string
	DeviceStatusRequired bool
}

// Resolution is the outcome of resolving one concrete topic: the matched
// route plus the decomposed address the topic carried.
type Resolution struct {
	Route   *Route
	Address topics.Address
}

// DeviceID returns the device identifier segment of the resolved topic.
func (r *Resolution) DeviceID() string {
	return r.Address.Identity
}

// Resolver performs table lookups from concrete topics to routes.
type Resolver struct {
	codec            *topics.Codec
	byKey            map[string]*Route
	globals          map[string]struct{}
	disconnectMarker string
}

// NewResolver builds a resolver over the configured route table. Route
// topic keys must use the canonical shape with a '+' in the identity
// segment, e.g. "fleet/v1/+/up/ro".
func NewResolver(codec *topics.Codec, routeCfgs []config.RouteConfig, topicsCfg config.TopicsConfig) (*Resolver, error) {
	r := &Resolver{
		codec:            codec,
		byKey:            make(map[string]*Route, len(routeCfgs)),
		globals:          make(map[string]struct{}, len(topicsCfg.GlobalTopics)),
		disconnectMarker: topicsCfg.DisconnectMarker,
	}

	for _, g := range topicsCfg.GlobalTopics {
		r.globals[g] = struct{}{}
	}

	for _, rc := range routeCfgs {
		route := &Route{
			TopicKey:             rc.TopicKey,
			ServiceID:            rc.ServiceID,
			ServiceName:          rc.ServiceName,
			Direction:            topics.Direction(rc.Direction),
			StreamTopic:          rc.StreamTopic,
			StatusStreamTopic:    rc.StatusStreamTopic,
			DeviceStatusRequired: rc.DeviceStatusRequired,
		}
		key := codec.Format(route.Direction, "+", route.ServiceID)
		if key != rc.TopicKey {
			return nil, fmt.Errorf("route %s: topic_key does not match canonical key %s", rc.TopicKey, key)
		}
		if _, dup := r.byKey[key]; dup {
			return nil, fmt.Errorf("route %s: duplicate topic key", rc.TopicKey)
		}
		r.byKey[key] = route
	}

	return r, nil
}

// IsGlobal reports whether a topic is in the configured global set, which
// never requires routing.
func (r *Resolver) IsGlobal(topic string) bool {
	_, ok := r.globals[topic]
	return ok
}

// Resolve maps a concrete topic to its route. Global topics resolve to
// ErrRouteNotFound deliberately. Malformed topics surface as
// ErrMalformedTopic; unmapped ones as ErrRouteNotFound.
func (r *Resolver) Resolve(topic string) (*Resolution, error) {
	if r.IsGlobal(topic) {
		return nil, fmt.Errorf("%w: global topic %q", ErrRouteNotFound, topic)
	}

	addr, err := r.codec.Parse(topic)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrMalformedTopic, topic)
	}

	route, ok := r.byKey[r.codec.Format(addr.Direction, "+", addr.Service)]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrRouteNotFound, topic)
	}

	return &Resolution{Route: route, Address: addr}, nil
}

// IsDisconnectRequest reports whether a resolved cloud-to-device topic is
// the cross-device hand-off signal: rather than being delivered, it must
// trigger an out-of-band forced disconnect of the target device.
func (r *Resolver) IsDisconnectRequest(res *Resolution, topic string) bool {
	if res == nil || res.Route.Direction != topics.CloudToDevice {
		return false
	}
	return r.disconnectMarker != "" && strings.Contains(topic, r.disconnectMarker)
}
