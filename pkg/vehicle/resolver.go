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

// Package vehicle resolves a device serial to its vehicle linkage. The
// resolver is the authoritative source the core rebuilds subscription
// state from; it is asynchronous and may fail or report the device as
// unlinked.
package vehicle

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	// Postgres driver for the production resolver.
	_ "github.com/lib/pq"
)

var (
	// ErrNotLinked is returned when the device exists but has no vehicle
	// linkage. Callers fall back to the raw client identifier.
	ErrNotLinked = errors.New("device not linked to a vehicle")
)

// Identity is the resolved vehicle linkage of a device.
type Identity struct {
	VehicleID  string
	DeviceType string
	// Suspicious is set when the linkage is currently untrusted, e.g. a
	// detected head-unit swap that has not been confirmed yet.
	Suspicious bool
}

// Resolver looks up the vehicle linkage for a device serial.
type Resolver interface {
	Resolve(ctx context.Context, deviceID string) (*Identity, error)
}

// PostgresResolver resolves linkage from the provisioning database.
type PostgresResolver struct {
	db *sql.DB
}

// NewPostgresResolver opens the provisioning database.
func NewPostgresResolver(dsn string) (*PostgresResolver, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open vehicle database: %w", err)
	}
	return &PostgresResolver{db: db}, nil
}

// Resolve queries the device's current linkage.
func (r *PostgresResolver) Resolve(ctx context.Context, deviceID string) (*Identity, error) {
	var id Identity
	row := r.db.QueryRowContext(ctx,
		`SELECT vehicle_id, device_type, suspicious FROM device_vehicle WHERE device_id = $1`,
		deviceID)
	if err := row.Scan(&id.VehicleID, &id.DeviceType, &id.Suspicious); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotLinked
		}
		return nil, fmt.Errorf("vehicle lookup for %s failed: %w", deviceID, err)
	}
	return &id, nil
}

// Close releases the database handle.
func (r *PostgresResolver) Close() error {
	return r.db.Close()
}

// StaticResolver serves a fixed linkage table; used by tests and local
// development.
type StaticResolver struct {
	mu      sync.RWMutex
	entries map[string]Identity
	// Err, when set, is returned by every Resolve call.
	Err error
}

// NewStaticResolver creates an empty static resolver.
func NewStaticResolver() *StaticResolver {
	return &StaticResolver{entries: make(map[string]Identity)}
}

// Add registers a device linkage.
func (r *StaticResolver) Add(deviceID string, id Identity) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[deviceID] = id
}

// Resolve returns the registered linkage or ErrNotLinked.
func (r *StaticResolver) Resolve(_ context.Context, deviceID string) (*Identity, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.Err != nil {
		return nil, r.Err
	}
	id, ok := r.entries[deviceID]
	if !ok {
		return nil, ErrNotLinked
	}
	return &id, nil
}
