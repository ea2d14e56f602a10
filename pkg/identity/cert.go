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

// CertAuthenticator authenticates devices by their client certificate.
// Chain validation itself happens during the TLS handshake; this strategy
// only consumes its output, mapping the subject common name to the device
// serial and the first organizational unit to the ECU class. The identity
// expiry is the certificate expiry.
type CertAuthenticator struct {
	enabled bool
}

// NewCertAuthenticator creates a certificate strategy.
func NewCertAuthenticator() *CertAuthenticator {
	return &CertAuthenticator{enabled: true}
}

// Name returns the name of the authenticator.
func (c *CertAuthenticator) Name() string { return "x509" }

// Enabled returns whether the authenticator is enabled.
func (c *CertAuthenticator) Enabled() bool { return c.enabled }

// SetEnabled enables or disables the strategy.
func (c *CertAuthenticator) SetEnabled(enabled bool) { c.enabled = enabled }

// Authenticate maps a verified peer certificate to a device identity.
// Credentials without a certificate are ignored. The certificate subject
// must name the connecting client id, otherwise a stolen certificate
// could impersonate another device.
func (c *CertAuthenticator) Authenticate(creds Credentials) (*Identity, Result) {
	if len(creds.Certificates) == 0 {
		return nil, Ignore
	}

	leaf := creds.Certificates[0]
	if leaf.Subject.CommonName == "" {
		return nil, Failure
	}
	if leaf.Subject.CommonName != creds.ClientID {
		return nil, Failure
	}

	deviceType := ""
	if len(leaf.Subject.OrganizationalUnit) > 0 {
		deviceType = leaf.Subject.OrganizationalUnit[0]
	}

	return &Identity{
		ClientID:   creds.ClientID,
		Username:   creds.Username,
		Kind:       KindDevice,
		DeviceType: deviceType,
		ExpiresAt:  leaf.NotAfter,
	}, Success
}
