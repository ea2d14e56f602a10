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

	"github.com/golang-jwt/jwt/v5"
)

// deviceClaims are the claims a provisioned device token carries.
type deviceClaims struct {
	DeviceType string `json:"device_type"`
	jwt.RegisteredClaims
}

// JWTAuthenticator verifies HMAC-signed device tokens presented in the
// password field. The token subject must match the client identifier; the
// device_type claim selects the permission set and the token expiry is
// carried into the identity.
type JWTAuthenticator struct {
	secret  []byte
	enabled bool
}

// NewJWTAuthenticator creates a token strategy with the given HMAC secret.
func NewJWTAuthenticator(secret string) *JWTAuthenticator {
	return &JWTAuthenticator{
		secret:  []byte(secret),
		enabled: secret != "",
	}
}

// Name returns the name of the authenticator.
func (j *JWTAuthenticator) Name() string { return "jwt" }

// Enabled returns whether the authenticator is enabled.
func (j *JWTAuthenticator) Enabled() bool { return j.enabled }

// Authenticate verifies a JWT in the password field. Passwords that do not
// look like a JWT are ignored so the chain can fall through.
func (j *JWTAuthenticator) Authenticate(creds Credentials) (*Identity, Result) {
	if strings.Count(creds.Password, ".") != 2 {
		return nil, Ignore
	}

	claims := &deviceClaims{}
	token, err := jwt.ParseWithClaims(creds.Password, claims, func(t *jwt.Token) (interface{}, error) {
		return j.secret, nil
	}, jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"}))
	if err != nil || !token.Valid {
		return nil, Failure
	}

	if claims.Subject == "" || claims.Subject != creds.ClientID {
		return nil, Failure
	}

	id := &Identity{
		ClientID:   creds.ClientID,
		Username:   creds.Username,
		Kind:       KindDevice,
		DeviceType: claims.DeviceType,
	}
	if claims.ExpiresAt != nil {
		id.ExpiresAt = claims.ExpiresAt.Time
	}
	return id, Success
}
