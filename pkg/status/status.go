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

// Package status turns subscribe/unsubscribe batches into per-service
// presence: a status event on the service's status stream, a field in
// the distributed presence map, and the device's local topic set. One
// handler call covers one batch of topics sharing a single status.
package status

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/turtacn/fleetgate/pkg/devstate"
	"github.com/turtacn/fleetgate/pkg/dmap"
	"github.com/turtacn/fleetgate/pkg/metrics"
	"github.com/turtacn/fleetgate/pkg/routes"
	"github.com/turtacn/fleetgate/pkg/stream"
	"github.com/turtacn/fleetgate/pkg/topics"
)

// Status is the presence state carried by one batch.
type Status string

const (
	// Active marks topics the device just subscribed to.
	Active Status = "ACTIVE"
	// Inactive marks topics the device just dropped.
	Inactive Status = "INACTIVE"
)

// BatchError aborts a batch that contains a topic a restricted device
// may not announce presence for. The whole batch is validated before
// anything is applied, so an abort leaves the presence map, the status
// stream and the local topic set untouched.
type BatchError struct {
	ClientID  string
	Topic     string
	ServiceID string
}

func (e *BatchError) Error() string {
	return fmt.Sprintf("status batch for %s aborted: service %s not allowed for restricted device (topic %s)",
		e.ClientID, e.ServiceID, e.Topic)
}

// Event is the presence change published on a service's status stream.
type Event struct {
	VehicleID string `json:"vehicle_id"`
	DeviceID  string `json:"device_id"`
	ServiceID string `json:"service_id"`
	Status    Status `json:"status"`
	Timestamp int64  `json:"timestamp"`
	// Transport is "alternate" when the device is connected over the
	// secondary presence channel, absent otherwise.
	Transport string `json:"transport,omitempty"`
}

// Handler processes subscription status batches.
type Handler struct {
	resolver  *routes.Resolver
	store     *devstate.Store
	presence  dmap.Store
	sink      stream.Sink
	allowList map[string]struct{}

	// now is swapped by tests for deterministic events.
	now func() time.Time
}

// NewHandler creates a status handler. allowList names the services a
// suspicious or unlinked device may still announce presence for.
func NewHandler(resolver *routes.Resolver, store *devstate.Store, presence dmap.Store, sink stream.Sink, allowList []string) *Handler {
	h := &Handler{
		resolver:  resolver,
		store:     store,
		presence:  presence,
		sink:      sink,
		allowList: make(map[string]struct{}, len(allowList)),
		now:       time.Now,
	}
	for _, s := range allowList {
		h.allowList[s] = struct{}{}
	}
	return h
}

// linkage is the identity context a batch is processed under, taken once
// at the start so the whole batch sees one consistent view.
type linkage struct {
	vehicleID  string
	suspicious bool
	unlinked   bool
	transport  string
}

func linkageFromView(clientID string, view devstate.View) linkage {
	l := linkage{vehicleID: clientID, unlinked: true}
	l.suspicious = view.Suspicious
	if view.VehicleID != "" && view.VehicleID != clientID {
		l.vehicleID = view.VehicleID
		l.unlinked = false
	}
	if view.AlternateTransport {
		l.transport = "alternate"
	}
	return l
}

// Handle applies one status batch for a client. Global topics and topics
// of services that do not track device status are silently skipped. The
// batch is validated in full before any effect is applied, so a
// restricted-device abort leaves nothing half-done; presence-map
// failures after that point surface as an error after the rest of the
// batch completed.
func (h *Handler) Handle(ctx context.Context, clientID string, batch []string, status Status) error {
	l := linkage{vehicleID: clientID, unlinked: true}
	if rec, err := h.store.Get(clientID); err == nil {
		l = linkageFromView(clientID, rec.Snapshot())
	}
	return h.handle(ctx, clientID, batch, status, l)
}

// HandleDisconnect announces every tracked topic of a removed record as
// inactive. The gate calls this with the final record view after a
// terminal disconnect; the record itself is already gone from the store.
func (h *Handler) HandleDisconnect(ctx context.Context, clientID string, view devstate.View) error {
	return h.handle(ctx, clientID, view.SubscribedTopics, Inactive, linkageFromView(clientID, view))
}

func (h *Handler) handle(ctx context.Context, clientID string, batch []string, status Status, l linkage) error {
	surviving := make([]*routes.Resolution, 0, len(batch))
	topicsOf := make([]string, 0, len(batch))
	for _, topic := range batch {
		if h.resolver.IsGlobal(topic) {
			continue
		}
		res, err := h.resolver.Resolve(topic)
		if err != nil {
			log.Printf("[WARN] Skipping status for %s on %s: %v", clientID, topic, err)
			continue
		}
		if res.Route.Direction == topics.CloudToDevice || !res.Route.DeviceStatusRequired {
			continue
		}
		if l.suspicious || l.unlinked {
			if _, ok := h.allowList[res.Route.ServiceID]; !ok {
				return &BatchError{ClientID: clientID, Topic: topic, ServiceID: res.Route.ServiceID}
			}
		}
		surviving = append(surviving, res)
		topicsOf = append(topicsOf, topic)
	}

	var firstErr error
	applied := 0
	for i, res := range surviving {
		topic := topicsOf[i]
		h.emit(ctx, res, Event{
			VehicleID: l.vehicleID,
			DeviceID:  clientID,
			ServiceID: res.Route.ServiceID,
			Status:    status,
			Timestamp: h.now().UnixMilli(),
			Transport: l.transport,
		})

		var err error
		switch status {
		case Active:
			err = h.presence.PutFields(ctx, res.Route.ServiceName, map[string]string{clientID: l.vehicleID})
			h.store.AddTopic(clientID, l.vehicleID, topic)
		case Inactive:
			err = h.presence.DeleteFields(ctx, res.Route.ServiceName, []string{clientID})
			h.store.RemoveTopic(clientID, topic)
		}
		if err != nil {
			log.Printf("[WARN] Presence map update failed for %s/%s after %d of %d topics: %v",
				res.Route.ServiceName, clientID, applied, len(surviving), err)
			if firstErr == nil {
				firstErr = fmt.Errorf("presence map update for %s: %w", res.Route.ServiceName, err)
			}
			continue
		}
		applied++
		metrics.StatusEventsTotal.WithLabelValues(string(status)).Inc()
	}
	return firstErr
}

func (h *Handler) emit(ctx context.Context, res *routes.Resolution, ev Event) {
	if res.Route.StatusStreamTopic == "" {
		return
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		log.Printf("[ERROR] Failed to encode status event for %s: %v", ev.DeviceID, err)
		return
	}
	if err := h.sink.Publish(ctx, []byte(ev.VehicleID), payload, res.Route.StatusStreamTopic); err != nil {
		log.Printf("[WARN] Status dispatch failed for %s on %s: %v", ev.DeviceID, res.Route.StatusStreamTopic, err)
	}
}
