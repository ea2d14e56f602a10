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

package identity

import (
	"strings"
	"sync"

	"golang.org/x/crypto/bcrypt"
)

// PasswordAuthenticator verifies a static username/password table with
// bcrypt hashes. It classifies internal services by username prefix and
// the health probe by its configured username; everything else it
// authenticates as a back-office user.
type PasswordAuthenticator struct {
	mu              sync.RWMutex
	hashes          map[string]string
	servicePrefixes []string
	probeUsername   string
	enabled         bool
}

// NewPasswordAuthenticator creates a password strategy over a static
// credential table.
func NewPasswordAuthenticator(servicePrefixes []string, probeUsername string) *PasswordAuthenticator {
	return &PasswordAuthenticator{
		hashes:          make(map[string]string),
		servicePrefixes: servicePrefixes,
		probeUsername:   probeUsername,
		enabled:         true,
	}
}

// AddUser registers a username with its bcrypt password hash.
func (p *PasswordAuthenticator) AddUser(username, passwordHash string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.hashes[username] = passwordHash
}

// Name returns the name of the authenticator.
func (p *PasswordAuthenticator) Name() string { return "password" }

// Enabled returns whether the authenticator is enabled.
func (p *PasswordAuthenticator) Enabled() bool { return p.enabled }

// SetEnabled enables or disables the strategy.
func (p *PasswordAuthenticator) SetEnabled(enabled bool) { p.enabled = enabled }

// Authenticate verifies the username/password pair. Credentials without a
// username are ignored so the next strategy can try.
func (p *PasswordAuthenticator) Authenticate(creds Credentials) (*Identity, Result) {
	if creds.Username == "" {
		return nil, Ignore
	}

	p.mu.RLock()
	hash, ok := p.hashes[creds.Username]
	p.mu.RUnlock()
	if !ok {
		return nil, Ignore
	}

	if bcrypt.CompareHashAndPassword([]byte(hash), []byte(creds.Password)) != nil {
		return nil, Failure
	}

	return &Identity{
		ClientID: creds.ClientID,
		Username: creds.Username,
		Kind:     p.classify(creds.Username),
	}, Success
}

func (p *PasswordAuthenticator) classify(username string) Kind {
	if username == p.probeUsername {
		return KindProbe
	}
	for _, prefix := range p.servicePrefixes {
		if strings.HasPrefix(username, prefix) {
			return KindService
		}
	}
	return KindUser
}
