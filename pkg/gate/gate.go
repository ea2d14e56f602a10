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

// Package gate is the decision core behind the broker host: it owns the
// connect/subscribe/publish/disconnect lifecycle of a client session and
// delegates to the permission engine, the subscription store, the publish
// pipeline and the status handler. The broker adapter in hook.go is a
// thin shim over this type, so the whole decision surface is testable
// without a live broker.
package gate

import (
	"context"
	"log"
	"sync"

	"github.com/turtacn/fleetgate/pkg/acl"
	"github.com/turtacn/fleetgate/pkg/devstate"
	"github.com/turtacn/fleetgate/pkg/identity"
	"github.com/turtacn/fleetgate/pkg/metrics"
	"github.com/turtacn/fleetgate/pkg/pipeline"
	"github.com/turtacn/fleetgate/pkg/status"
	"github.com/turtacn/fleetgate/pkg/vehicle"
)

// Decision is the outcome of one ACL check.
type Decision int

const (
	// Allow lets the operation through.
	Allow Decision = iota
	// Suppress drops a publish without disconnecting the client.
	Suppress
	// Ignore accepts a subscription that will never be acted on.
	// Unauthorized subscriptions are not fatal.
	Ignore
	// Terminate closes the connection: no ACL could be computed at all.
	Terminate
)

// Gate drives the session lifecycle decisions for the broker host.
type Gate struct {
	chain        *identity.Chain
	engine       *acl.Engine
	store        *devstate.Store
	vehicles     vehicle.Resolver
	pipeline     *pipeline.Pipeline
	status       *status.Handler
	disconnector pipeline.Disconnector

	identities sync.Map // client id -> *identity.Identity
}

// New wires a gate over its collaborators. The permission cache and the
// stashed identities are evicted together with the subscription record.
func New(chain *identity.Chain, engine *acl.Engine, store *devstate.Store, vehicles vehicle.Resolver, pipe *pipeline.Pipeline, statusHandler *status.Handler, disconnector pipeline.Disconnector) *Gate {
	g := &Gate{
		chain:        chain,
		engine:       engine,
		store:        store,
		vehicles:     vehicles,
		pipeline:     pipe,
		status:       statusHandler,
		disconnector: disconnector,
	}
	store.OnEvict(engine.Invalidate)
	store.OnEvict(func(clientID string) {
		g.identities.Delete(clientID)
	})
	return g
}

// Authenticate runs the credentials through the strategy chain and, on
// success, registers the connection: vehicle linkage is resolved, the
// subscription record is created or its reference count incremented, and
// the session ACL is computed and memoized.
func (g *Gate) Authenticate(ctx context.Context, creds identity.Credentials) bool {
	id, result := g.chain.Authenticate(creds)
	if result != identity.Success {
		return false
	}

	vehicleID := ""
	deviceType := id.DeviceType
	suspicious := false
	if id.Kind == identity.KindDevice {
		resolved, err := g.vehicles.Resolve(ctx, creds.ClientID)
		switch {
		case err == nil:
			vehicleID = resolved.VehicleID
			suspicious = resolved.Suspicious
			if resolved.DeviceType != "" {
				deviceType = resolved.DeviceType
			}
		case err == vehicle.ErrNotLinked:
			// Unlinked devices connect under their own identifier.
		default:
			log.Printf("[WARN] Vehicle resolution failed for %s, connecting unlinked: %v", creds.ClientID, err)
		}
	}

	rec, created := g.store.Connect(creds.ClientID, vehicleID, deviceType)
	if suspicious {
		rec.SetSuspicious(true)
	}
	// The ACL and the record must agree on the device type; the resolver
	// may know a type the credential did not carry.
	id.DeviceType = deviceType
	g.identities.Store(creds.ClientID, id)
	g.engine.PermissionsFor(id)

	metrics.ConnectionsTotal.Inc()
	if created {
		log.Printf("[INFO] Client %s connected (vehicle %q, type %q)", creds.ClientID, vehicleID, deviceType)
	} else {
		log.Printf("[INFO] Client %s reconnected, reference count raised", creds.ClientID)
	}
	return true
}

// CheckACL adjudicates one topic operation for a connected client. The
// write flag marks publishes; subscribes that match no permission are
// accepted but ignored, unauthorized publishes are suppressed, and a
// client with no computable identity is terminated.
func (g *Gate) CheckACL(clientID, topic string, write, retain bool) Decision {
	stored, ok := g.identities.Load(clientID)
	if !ok {
		log.Printf("[ERROR] No identity for client %s, terminating connection", clientID)
		metrics.ACLDenialsTotal.WithLabelValues("unresolved").Inc()
		g.disconnector.ForceDisconnect(clientID, "identity unresolved")
		return Terminate
	}
	id := stored.(*identity.Identity)

	if write {
		if g.engine.Authorize(id, topic, acl.ActivityPublish, retain) {
			return Allow
		}
		log.Printf("[WARN] Suppressing unauthorized publish from %s on %s", clientID, topic)
		metrics.ACLDenialsTotal.WithLabelValues("publish").Inc()
		return Suppress
	}

	if g.engine.Authorize(id, topic, acl.ActivitySubscribe, retain) {
		return Allow
	}
	log.Printf("[WARN] Ignoring unauthorized subscription from %s on %s", clientID, topic)
	metrics.ACLDenialsTotal.WithLabelValues("subscribe").Inc()
	return Ignore
}

// Publish hands an authorized publish to the routing pipeline.
func (g *Gate) Publish(ctx context.Context, clientID, topic string, payload []byte) pipeline.Outcome {
	return g.pipeline.Handle(ctx, clientID, topic, payload)
}

// Subscribed records a batch of granted subscriptions. Topics the
// session's ACL does not cover were accepted at the protocol level but
// are excluded here, which is what makes them inert.
func (g *Gate) Subscribed(ctx context.Context, clientID string, filters []string) {
	authorized := g.authorizedSubset(clientID, filters)
	if len(authorized) == 0 {
		return
	}
	if err := g.status.Handle(ctx, clientID, authorized, status.Active); err != nil {
		log.Printf("[WARN] Subscription status batch for %s failed: %v", clientID, err)
	}
}

// Unsubscribed withdraws a batch of subscriptions. Status failures on
// this path are non-fatal.
func (g *Gate) Unsubscribed(ctx context.Context, clientID string, filters []string) {
	if err := g.status.Handle(ctx, clientID, filters, status.Inactive); err != nil {
		log.Printf("[WARN] Unsubscription status batch for %s failed: %v", clientID, err)
	}
}

// Disconnect processes one terminal disconnect. The reference count is
// decremented; only the transition to zero removes the record, and only
// a non-takeover removal announces the device offline. Status failures
// during cleanup are swallowed with a warning, propagation here is best
// effort.
func (g *Gate) Disconnect(ctx context.Context, clientID string, takeover bool) {
	view, removed := g.store.Disconnect(clientID)
	if takeover {
		metrics.SessionTakeoversTotal.Inc()
	}
	if !removed {
		log.Printf("[INFO] Client %s disconnected, newer connection remains", clientID)
		return
	}
	if takeover {
		log.Printf("[INFO] Client %s session taken over, state released without offline event", clientID)
		return
	}
	log.Printf("[INFO] Client %s disconnected, announcing offline", clientID)
	if err := g.status.HandleDisconnect(ctx, clientID, view); err != nil {
		log.Printf("[WARN] Offline status propagation for %s failed: %v", clientID, err)
	}
}

// ForceDisconnect closes a client's current connection out of band.
func (g *Gate) ForceDisconnect(clientID, reason string) {
	g.disconnector.ForceDisconnect(clientID, reason)
}

func (g *Gate) authorizedSubset(clientID string, filters []string) []string {
	stored, ok := g.identities.Load(clientID)
	if !ok {
		return nil
	}
	id := stored.(*identity.Identity)
	authorized := make([]string, 0, len(filters))
	for _, f := range filters {
		if g.engine.Authorize(id, f, acl.ActivitySubscribe, false) {
			authorized = append(authorized, f)
		}
	}
	return authorized
}
