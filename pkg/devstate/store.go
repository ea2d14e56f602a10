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

// Package devstate holds the per-client device subscription state: vehicle
// linkage, the set of active topics, and the connection reference count
// that resolves the session-takeover race. A record exists iff the device
// is currently considered connected by this core. All mutation of a record
// goes through its own lock, so unrelated devices never contend.
package devstate

import (
	"errors"
	"sync"
)

var (
	// ErrNotFound is returned when no record exists for a client identifier.
	// Callers treat it as "rebuild from the vehicle identity resolver".
	ErrNotFound = errors.New("not found")
)

// Record is the subscription state for one connected client identifier.
// The zero value is not usable; create records through the Store.
type Record struct {
	mu sync.Mutex

	vehicleID          string
	deviceType         string
	suspicious         bool
	alternateTransport bool
	subscribedTopics   map[string]struct{}
	connectionRefCount int
}

// View is an immutable copy of a record taken under its lock. Components
// that span a suspension point must take a fresh View afterwards instead
// of holding one across the await.
type View struct {
	VehicleID          string
	DeviceType         string
	Suspicious         bool
	AlternateTransport bool
	SubscribedTopics   []string
	ConnectionRefCount int
}

// Snapshot returns a consistent copy of the record's state.
func (r *Record) Snapshot() View {
	r.mu.Lock()
	defer r.mu.Unlock()
	topicsCopy := make([]string, 0, len(r.subscribedTopics))
	for t := range r.subscribedTopics {
		topicsCopy = append(topicsCopy, t)
	}
	return View{
		VehicleID:          r.vehicleID,
		DeviceType:         r.deviceType,
		Suspicious:         r.suspicious,
		AlternateTransport: r.alternateTransport,
		SubscribedTopics:   topicsCopy,
		ConnectionRefCount: r.connectionRefCount,
	}
}

// SetVehicle updates the resolved vehicle linkage of the record.
func (r *Record) SetVehicle(vehicleID, deviceType string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.vehicleID = vehicleID
	r.deviceType = deviceType
}

// SetSuspicious marks the record's vehicle linkage as untrustworthy.
func (r *Record) SetSuspicious(suspicious bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.suspicious = suspicious
}

// SetAlternateTransport marks the record as connected over the secondary
// presence channel.
func (r *Record) SetAlternateTransport(alt bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alternateTransport = alt
}

func (r *Record) addTopic(topic string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subscribedTopics[topic] = struct{}{}
}

func (r *Record) removeTopic(topic string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.subscribedTopics, topic)
}

// Store is the concurrent key-value state of all connected clients, keyed
// by client identifier.
type Store struct {
	mu      sync.RWMutex
	records map[string]*Record

	evictHooks []func(clientID string)
}

// NewStore creates an empty device subscription store.
func NewStore() *Store {
	return &Store{
		records: make(map[string]*Record),
	}
}

// OnEvict registers a hook invoked after a record is removed from the
// store. The permission cache registers here so the memoized ACL lives
// exactly as long as the connection state it was computed for.
func (s *Store) OnEvict(hook func(clientID string)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.evictHooks = append(s.evictHooks, hook)
}

func (s *Store) notifyEvict(clientID string) {
	s.mu.RLock()
	hooks := s.evictHooks
	s.mu.RUnlock()
	for _, hook := range hooks {
		hook(clientID)
	}
}

// Get returns the record for a client identifier, or ErrNotFound. A Get
// racing a Remove by a concurrent disconnect returns ErrNotFound, never
// a stale record.
func (s *Store) Get(clientID string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[clientID]
	if !ok {
		return nil, ErrNotFound
	}
	return rec, nil
}

// Put creates or replaces the record for a client identifier with the
// given vehicle linkage and a reference count of one.
func (s *Store) Put(clientID, vehicleID, deviceType string) *Record {
	rec := &Record{
		vehicleID:          vehicleID,
		deviceType:         deviceType,
		subscribedTopics:   make(map[string]struct{}),
		connectionRefCount: 1,
	}
	s.mu.Lock()
	s.records[clientID] = rec
	s.mu.Unlock()
	return rec
}

// Connect registers a connect event: it increments the reference count of
// an existing record or creates one with a count of one. It returns the
// record and whether it was newly created.
func (s *Store) Connect(clientID, vehicleID, deviceType string) (*Record, bool) {
	// The increment happens under the store lock so it cannot interleave
	// with a racing Disconnect removal of the same record.
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[clientID]
	if !ok {
		rec = &Record{
			vehicleID:          vehicleID,
			deviceType:         deviceType,
			subscribedTopics:   make(map[string]struct{}),
			connectionRefCount: 1,
		}
		s.records[clientID] = rec
		return rec, true
	}

	rec.mu.Lock()
	rec.connectionRefCount++
	if vehicleID != "" {
		rec.vehicleID = vehicleID
	}
	if deviceType != "" {
		rec.deviceType = deviceType
	}
	rec.mu.Unlock()
	return rec, false
}

// Disconnect registers a terminal disconnect event. The reference count
// is decremented; only the transition to zero removes the record,
// whatever the reason for the disconnect. The removed view is returned
// when the record was removed; emitting the downstream offline status on
// that removal (and suppressing it for session takeovers) is the
// caller's job.
func (s *Store) Disconnect(clientID string) (View, bool) {
	s.mu.Lock()
	rec, ok := s.records[clientID]
	if !ok {
		s.mu.Unlock()
		return View{}, false
	}

	rec.mu.Lock()
	rec.connectionRefCount--
	if rec.connectionRefCount > 0 {
		rec.mu.Unlock()
		s.mu.Unlock()
		return View{}, false
	}
	rec.mu.Unlock()

	delete(s.records, clientID)
	s.mu.Unlock()

	s.notifyEvict(clientID)
	return rec.Snapshot(), true
}

// Remove deletes the record for a client identifier outright, returning
// its final view. Used by forced-disconnect cleanup.
func (s *Store) Remove(clientID string) (View, bool) {
	s.mu.Lock()
	rec, ok := s.records[clientID]
	if ok {
		delete(s.records, clientID)
	}
	s.mu.Unlock()
	if !ok {
		return View{}, false
	}
	s.notifyEvict(clientID)
	return rec.Snapshot(), true
}

// AddTopic records a topic as active for a client. If the record is absent
// (evicted mid-flight while authentication created it asynchronously) it
// is recreated with the given vehicle identity.
func (s *Store) AddTopic(clientID, vehicleID, topic string) {
	s.mu.Lock()
	rec, ok := s.records[clientID]
	if !ok {
		rec = &Record{
			vehicleID:          vehicleID,
			subscribedTopics:   make(map[string]struct{}),
			connectionRefCount: 1,
		}
		s.records[clientID] = rec
	}
	s.mu.Unlock()
	rec.addTopic(topic)
}

// RemoveTopic drops a topic from a client's active set. Missing records
// are a no-op; the disconnect cleanup may already have run.
func (s *Store) RemoveTopic(clientID, topic string) {
	s.mu.RLock()
	rec, ok := s.records[clientID]
	s.mu.RUnlock()
	if !ok {
		return
	}
	rec.removeTopic(topic)
}

// Len returns the number of connected client identifiers.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}
