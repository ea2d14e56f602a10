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

// Package pipeline routes an authorized inbound publish to the event
// stream: route resolution, subscription-state lookup and repair, payload
// transform, and dispatch to the sink. Every failure mode here ends in
// "drop and log"; nothing escapes to crash the broker's handling task.
package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/gzip"

	"github.com/turtacn/fleetgate/pkg/devstate"
	"github.com/turtacn/fleetgate/pkg/metrics"
	"github.com/turtacn/fleetgate/pkg/routes"
	"github.com/turtacn/fleetgate/pkg/stream"
	"github.com/turtacn/fleetgate/pkg/topics"
	"github.com/turtacn/fleetgate/pkg/vehicle"
)

// Outcome describes what the pipeline did with one publish.
type Outcome int

const (
	// Dispatched means the event reached the stream sink.
	Dispatched Outcome = iota
	// DroppedKeepAlive means the keep-alive detector consumed the publish.
	DroppedKeepAlive
	// DroppedGlobal means the topic is in the global set and needs no routing.
	DroppedGlobal
	// DroppedNoRoute means no service is configured for the topic.
	DroppedNoRoute
	// DroppedMalformed means the topic failed canonical syntax.
	DroppedMalformed
	// DroppedWrongDirection means a cloud-to-device route arrived as a
	// device publish, which a correct ACL never permits.
	DroppedWrongDirection
	// DisconnectRequested means the publish was a cross-device hand-off
	// signal and triggered a forced disconnect instead of delivery.
	DisconnectRequested
	// DroppedNotAllowed means the device's linkage restricts it to the
	// allow-list and the target service is not on it.
	DroppedNotAllowed
	// DroppedDecompress means gunzipping the payload failed.
	DroppedDecompress
	// DroppedResolve means the vehicle resolver failed while rebuilding
	// an absent record.
	DroppedResolve
	// DroppedSink means the stream sink returned an error.
	DroppedSink
)

var outcomeReasons = map[Outcome]string{
	DroppedKeepAlive:      "keepalive",
	DroppedGlobal:         "global",
	DroppedNoRoute:        "no_route",
	DroppedMalformed:      "malformed",
	DroppedWrongDirection: "wrong_direction",
	DroppedNotAllowed:     "not_allowed",
	DroppedDecompress:     "decompress",
	DroppedResolve:        "resolve",
	DroppedSink:           "sink",
}

// Disconnector forcibly closes a device's current connection. Implemented
// by the broker host adapter; calls are fire-and-forget.
type Disconnector interface {
	ForceDisconnect(clientID string, reason string)
}

// Envelope is the event wrapper dispatched when wrapping is enabled. The
// DeviceID field is only populated for services configured as
// device-aware.
type Envelope struct {
	RequestID string `json:"request_id"`
	Timestamp int64  `json:"timestamp"`
	VehicleID string `json:"vehicle_id"`
	EcuType   string `json:"ecu_type,omitempty"`
	ServiceID string `json:"service_id"`
	DeviceID  string `json:"device_id,omitempty"`
	Payload   []byte `json:"payload"`
}

// partitionIdentity is the serialized vehicle identity used as the
// stream partition key when wrapping is enabled.
type partitionIdentity struct {
	VehicleID string `json:"vehicle_id"`
	EcuType   string `json:"ecu_type,omitempty"`
}

// Options are the pipeline feature flags and tables.
type Options struct {
	// KeepAlivePattern matches the commcheck side channel.
	KeepAlivePattern string
	// WrapEnvelope enables the envelope transform.
	WrapEnvelope bool
	// Decompress enables payload gunzipping.
	Decompress bool
	// DeviceAwareServices selects the envelope variant per service.
	DeviceAwareServices []string
	// SuspiciousAllowList names the services deliverable for suspicious
	// or unlinked devices.
	SuspiciousAllowList []string
}

// Pipeline orchestrates the publish path.
type Pipeline struct {
	resolver     *routes.Resolver
	store        *devstate.Store
	vehicles     vehicle.Resolver
	sink         stream.Sink
	disconnector Disconnector

	keepAlive   *topics.Matcher
	wrap        bool
	decompress  bool
	deviceAware map[string]struct{}
	allowList   map[string]struct{}

	// OnKeepAlive, when set, is invoked for publishes consumed by the
	// keep-alive detector.
	OnKeepAlive func(clientID, topic string)

	// now is swapped by tests for deterministic envelopes.
	now func() time.Time
}

// New creates a publish pipeline.
func New(resolver *routes.Resolver, store *devstate.Store, vehicles vehicle.Resolver, sink stream.Sink, disconnector Disconnector, opts Options) (*Pipeline, error) {
	p := &Pipeline{
		resolver:     resolver,
		store:        store,
		vehicles:     vehicles,
		sink:         sink,
		disconnector: disconnector,
		wrap:         opts.WrapEnvelope,
		decompress:   opts.Decompress,
		deviceAware:  make(map[string]struct{}, len(opts.DeviceAwareServices)),
		allowList:    make(map[string]struct{}, len(opts.SuspiciousAllowList)),
		now:          time.Now,
	}
	for _, s := range opts.DeviceAwareServices {
		p.deviceAware[s] = struct{}{}
	}
	for _, s := range opts.SuspiciousAllowList {
		p.allowList[s] = struct{}{}
	}
	if opts.KeepAlivePattern != "" {
		m, err := topics.ToMatchExpression(opts.KeepAlivePattern)
		if err != nil {
			return nil, err
		}
		p.keepAlive = m
	}
	return p, nil
}

// Handle routes one inbound publish that already passed the permission
// check. It is safe to call concurrently and safe to repeat for a
// redelivered publish; the pipeline performs no deduplication.
func (p *Pipeline) Handle(ctx context.Context, clientID, topic string, payload []byte) Outcome {
	if p.resolver.IsGlobal(topic) {
		return p.dropped(DroppedGlobal)
	}
	if p.keepAlive.Matches(topic) {
		if p.OnKeepAlive != nil {
			p.OnKeepAlive(clientID, topic)
		}
		return p.dropped(DroppedKeepAlive)
	}

	res, err := p.resolver.Resolve(topic)
	if err != nil {
		if errors.Is(err, routes.ErrMalformedTopic) {
			log.Printf("[ERROR] Dropping publish from %s: %v", clientID, err)
			return p.dropped(DroppedMalformed)
		}
		log.Printf("[WARN] Dropping publish from %s: %v", clientID, err)
		return p.dropped(DroppedNoRoute)
	}

	if p.resolver.IsDisconnectRequest(res, topic) {
		// Cross-device hand-off: the target device is kicked instead of
		// receiving the message.
		p.disconnector.ForceDisconnect(res.DeviceID(), "hand-off requested")
		return DisconnectRequested
	}

	if res.Route.Direction == topics.CloudToDevice {
		log.Printf("[ERROR] Cloud-to-device topic %s arrived as a device publish from %s; check the ACL tables", topic, clientID)
		return p.dropped(DroppedWrongDirection)
	}

	deviceID := res.DeviceID()
	rec, err := p.store.Get(deviceID)
	if err != nil {
		// The record was torn down while the device is still sending: a
		// disconnect cleanup raced this publish. Rebuild from the
		// authoritative resolver, then kick the stale connection.
		rec, err = p.rebuildRecord(ctx, deviceID)
		if err != nil {
			log.Printf("[ERROR] Failed to rebuild subscription state for %s: %v", deviceID, err)
			return p.dropped(DroppedResolve)
		}
		go p.disconnector.ForceDisconnect(deviceID, "stale session state")
	}

	// Re-fetched above if we crossed the resolver await; from here on the
	// view is a consistent copy.
	view := rec.Snapshot()
	vehicleID := view.VehicleID
	unlinked := vehicleID == "" || vehicleID == deviceID
	if view.Suspicious || unlinked {
		if _, ok := p.allowList[res.Route.ServiceID]; !ok {
			log.Printf("[WARN] Suppressing publish from %s on %s: service %s not allow-listed for restricted devices",
				deviceID, topic, res.Route.ServiceID)
			return p.dropped(DroppedNotAllowed)
		}
	}
	if unlinked && !view.Suspicious {
		// Unlinked but trusted: route under the raw device identifier.
		vehicleID = deviceID
	}

	if p.decompress {
		payload, err = gunzip(payload)
		if err != nil {
			log.Printf("[WARN] Dropping publish from %s on %s: decompression failed: %v", deviceID, topic, err)
			return p.dropped(DroppedDecompress)
		}
	}

	key := []byte(vehicleID)
	if p.wrap {
		_, deviceAware := p.deviceAware[res.Route.ServiceID]
		env := Envelope{
			RequestID: uuid.NewString(),
			Timestamp: p.now().UnixMilli(),
			VehicleID: vehicleID,
			EcuType:   view.DeviceType,
			ServiceID: res.Route.ServiceID,
			Payload:   payload,
		}
		if deviceAware {
			env.DeviceID = deviceID
		}
		wrapped, err := json.Marshal(env)
		if err != nil {
			log.Printf("[ERROR] Failed to encode envelope for %s: %v", deviceID, err)
			return p.dropped(DroppedSink)
		}
		payload = wrapped
		key, _ = json.Marshal(partitionIdentity{VehicleID: vehicleID, EcuType: view.DeviceType})
	}

	if err := p.sink.Publish(ctx, key, payload, res.Route.StreamTopic); err != nil {
		log.Printf("[ERROR] Stream dispatch failed for %s on %s: %v", deviceID, res.Route.StreamTopic, err)
		return p.dropped(DroppedSink)
	}

	metrics.PublishesRoutedTotal.WithLabelValues(res.Route.ServiceID).Inc()
	return Dispatched
}

// rebuildRecord restores a missing subscription record from the vehicle
// resolver. Unlinked devices get a record keyed by their own identifier
// so routing can still proceed.
func (p *Pipeline) rebuildRecord(ctx context.Context, deviceID string) (*devstate.Record, error) {
	id, err := p.vehicles.Resolve(ctx, deviceID)
	if err != nil {
		if err == vehicle.ErrNotLinked {
			return p.store.Put(deviceID, deviceID, ""), nil
		}
		return nil, err
	}
	rec := p.store.Put(deviceID, id.VehicleID, id.DeviceType)
	if id.Suspicious {
		rec.SetSuspicious(true)
	}
	return rec, nil
}

func (p *Pipeline) dropped(o Outcome) Outcome {
	if reason, ok := outcomeReasons[o]; ok {
		metrics.PublishesDroppedTotal.WithLabelValues(reason).Inc()
	}
	return o
}

func gunzip(payload []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}
