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

// Package identity authenticates and classifies MQTT clients. Credential
// verification is delegated to an ordered chain of independent strategies
// (password, token, certificate); the chain's only output is an
// authenticated Identity with its classification and expiry, which is
// what the permission engine consumes.
package identity

import (
	"crypto/x509"
	"log"
	"time"
)

// Kind classifies an authenticated client.
type Kind int

const (
	// KindDevice is a vehicle device (ECU) identified by its serial.
	KindDevice Kind = iota
	// KindService is a whitelisted internal service.
	KindService
	// KindUser is a back-office user with a private notification topic.
	KindUser
	// KindProbe is the health-check probe.
	KindProbe
)

// String returns the string representation of a Kind.
func (k Kind) String() string {
	switch k {
	case KindDevice:
		return "device"
	case KindService:
		return "service"
	case KindUser:
		return "user"
	case KindProbe:
		return "probe"
	default:
		return "unknown"
	}
}

// Identity is the authenticated identity of one client session.
type Identity struct {
	// ClientID is the MQTT client identifier, which for devices equals the
	// device serial.
	ClientID string
	// Username is the authenticated username, when one was presented.
	Username string
	// Kind is the classification the permission engine keys on.
	Kind Kind
	// DeviceType is the ECU class for device identities, empty otherwise.
	DeviceType string
	// ExpiresAt is the credential expiry; zero means no expiry was conveyed.
	ExpiresAt time.Time
}

// Credentials carries everything a client presented at connect time.
type Credentials struct {
	ClientID     string
	Username     string
	Password     string
	Certificates []*x509.Certificate
}

// Result represents the outcome of one authentication attempt.
type Result int

const (
	// Success indicates successful authentication.
	Success Result = iota
	// Failure indicates authentication failed due to invalid credentials.
	Failure
	// Error indicates an error occurred during authentication.
	Error
	// Ignore indicates the authenticator does not apply to the credentials.
	Ignore
)

// String returns the string representation of a Result.
func (r Result) String() string {
	switch r {
	case Success:
		return "success"
	case Failure:
		return "failure"
	case Error:
		return "error"
	case Ignore:
		return "ignore"
	default:
		return "unknown"
	}
}

// Authenticator is one authentication strategy.
type Authenticator interface {
	// Authenticate verifies the provided credentials. The identity is
	// non-nil only on Success.
	Authenticate(creds Credentials) (*Identity, Result)
	// Name returns the name of the authenticator.
	Name() string
	// Enabled returns whether the authenticator is enabled.
	Enabled() bool
}

// Chain composes authenticators in a fixed fallback order:
// the first Success wins, a Failure stops the chain, Error and Ignore
// move on to the next strategy, and exhausting the chain is a Failure.
type Chain struct {
	authenticators []Authenticator
}

// NewChain creates an empty authentication chain.
func NewChain() *Chain {
	return &Chain{}
}

// Add appends an authenticator to the chain.
func (c *Chain) Add(auth Authenticator) {
	c.authenticators = append(c.authenticators, auth)
}

// Count returns the number of authenticators in the chain.
func (c *Chain) Count() int {
	return len(c.authenticators)
}

// Authenticate runs the credentials through the chain.
func (c *Chain) Authenticate(creds Credentials) (*Identity, Result) {
	if len(c.authenticators) == 0 {
		log.Printf("[WARN] No authenticators configured, denying client %s", creds.ClientID)
		return nil, Failure
	}

	for _, auth := range c.authenticators {
		if !auth.Enabled() {
			continue
		}

		id, result := auth.Authenticate(creds)
		switch result {
		case Success:
			log.Printf("[INFO] Client %s authenticated as %s via %s", creds.ClientID, id.Kind, auth.Name())
			return id, Success
		case Failure:
			log.Printf("[WARN] Authentication failed for client %s via %s", creds.ClientID, auth.Name())
			return nil, Failure
		case Error:
			log.Printf("[ERROR] Authentication error for client %s via %s", creds.ClientID, auth.Name())
			continue
		case Ignore:
			continue
		}
	}

	log.Printf("[WARN] All authenticators skipped for client %s, denying access", creds.ClientID)
	return nil, Failure
}
