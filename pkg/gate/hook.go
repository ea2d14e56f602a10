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

package gate

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"log"

	mqtt "github.com/mochi-mqtt/server/v2"
	"github.com/mochi-mqtt/server/v2/packets"

	"github.com/turtacn/fleetgate/pkg/identity"
)

// Hook adapts the gate onto the broker host's extension points. All
// decisions happen in Gate; this type only translates packets and
// reason codes.
type Hook struct {
	mqtt.HookBase
	gate *Gate
}

// NewHook wraps a gate for registration with the broker.
func NewHook(g *Gate) *Hook {
	return &Hook{gate: g}
}

// ID returns the hook identifier.
func (h *Hook) ID() string {
	return "fleetgate"
}

// Provides reports the broker events this hook handles.
func (h *Hook) Provides(b byte) bool {
	switch b {
	case mqtt.OnConnectAuthenticate,
		mqtt.OnACLCheck,
		mqtt.OnPublish,
		mqtt.OnSubscribed,
		mqtt.OnUnsubscribed,
		mqtt.OnSessionEstablished,
		mqtt.OnDisconnect:
		return true
	}
	return false
}

// OnConnectAuthenticate authenticates the connect packet through the
// strategy chain and registers the connection on success.
func (h *Hook) OnConnectAuthenticate(cl *mqtt.Client, pk packets.Packet) bool {
	return h.gate.Authenticate(context.Background(), identity.Credentials{
		ClientID:     cl.ID,
		Username:     string(pk.Connect.Username),
		Password:     string(pk.Connect.Password),
		Certificates: peerCertificates(cl),
	})
}

// OnACLCheck only rejects clients whose identity could not be resolved
// at all; every narrower denial is handled as suppress-or-ignore so the
// client is not disconnected.
func (h *Hook) OnACLCheck(cl *mqtt.Client, topic string, write bool) bool {
	return h.gate.CheckACL(cl.ID, topic, write, false) != Terminate
}

// OnPublish adjudicates and routes one inbound publish. Unauthorized
// publishes are silently rejected, never fatal.
func (h *Hook) OnPublish(cl *mqtt.Client, pk packets.Packet) (packets.Packet, error) {
	if h.gate.CheckACL(cl.ID, pk.TopicName, true, pk.FixedHeader.Retain) != Allow {
		return pk, packets.ErrRejectPacket
	}
	h.gate.Publish(context.Background(), cl.ID, pk.TopicName, pk.Payload)
	return pk, nil
}

// OnSubscribed records the granted filters of a subscribe packet.
func (h *Hook) OnSubscribed(cl *mqtt.Client, pk packets.Packet, reasonCodes []byte) {
	filters := make([]string, 0, len(pk.Filters))
	for i, f := range pk.Filters {
		if i < len(reasonCodes) && reasonCodes[i] >= packets.ErrUnspecifiedError.Code {
			continue
		}
		filters = append(filters, f.Filter)
	}
	h.gate.Subscribed(context.Background(), cl.ID, filters)
}

// OnUnsubscribed withdraws the filters of an unsubscribe packet.
func (h *Hook) OnUnsubscribed(cl *mqtt.Client, pk packets.Packet) {
	filters := make([]string, 0, len(pk.Filters))
	for _, f := range pk.Filters {
		filters = append(filters, f.Filter)
	}
	h.gate.Unsubscribed(context.Background(), cl.ID, filters)
}

// OnSessionEstablished logs the established session.
func (h *Hook) OnSessionEstablished(cl *mqtt.Client, _ packets.Packet) {
	log.Printf("[INFO] Session established for client %s from %s", cl.ID, cl.Net.Remote)
}

// OnDisconnect processes the terminal disconnect, distinguishing a
// session takeover from every other reason.
func (h *Hook) OnDisconnect(cl *mqtt.Client, err error, _ bool) {
	takeover := errors.Is(err, packets.ErrSessionTakenOver)
	h.gate.Disconnect(context.Background(), cl.ID, takeover)
}

func peerCertificates(cl *mqtt.Client) []*x509.Certificate {
	conn, ok := cl.Net.Conn.(*tls.Conn)
	if !ok {
		return nil
	}
	return conn.ConnectionState().PeerCertificates
}

// ServerDisconnector force-closes client connections through the broker.
// The takeover reason code keeps the gate's disconnect path from
// announcing the device offline while it reconnects.
type ServerDisconnector struct {
	Server *mqtt.Server
}

// ForceDisconnect stops the named client's connection if it is present.
func (d *ServerDisconnector) ForceDisconnect(clientID, reason string) {
	cl, ok := d.Server.Clients.Get(clientID)
	if !ok {
		return
	}
	log.Printf("[INFO] Forcing disconnect of client %s: %s", clientID, reason)
	cl.Stop(packets.ErrSessionTakenOver)
}
