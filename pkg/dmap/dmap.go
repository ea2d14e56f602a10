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

// Package dmap is the externally persisted distributed map the status
// handler records service presence in (service name -> set of device
// ids). Updates are last-writer-wins per field with no cross-process
// lock; concurrent handlers for different devices touching the same
// service key may race, and the design accepts eventual consistency here.
package dmap

import (
	"context"
	"sync"

	"github.com/redis/go-redis/v9"
)

// Store is a map of hash maps keyed by map key and field.
type Store interface {
	// GetFields returns the values of the requested fields. Missing
	// fields are absent from the result, not an error.
	GetFields(ctx context.Context, mapKey string, fields []string) (map[string]string, error)
	// PutFields sets the given field values.
	PutFields(ctx context.Context, mapKey string, values map[string]string) error
	// DeleteFields removes the given fields, and the map entry itself once
	// no field remains.
	DeleteFields(ctx context.Context, mapKey string, fields []string) error
}

// RedisStore implements Store on Redis hashes.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore creates a store over a Redis connection.
func NewRedisStore(addr, password string, db int) *RedisStore {
	return &RedisStore{
		client: redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: password,
			DB:       db,
		}),
	}
}

// GetFields reads hash fields with HMGET.
func (s *RedisStore) GetFields(ctx context.Context, mapKey string, fields []string) (map[string]string, error) {
	if len(fields) == 0 {
		return map[string]string{}, nil
	}
	values, err := s.client.HMGet(ctx, mapKey, fields...).Result()
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, len(fields))
	for i, v := range values {
		if v == nil {
			continue
		}
		if str, ok := v.(string); ok {
			out[fields[i]] = str
		}
	}
	return out, nil
}

// PutFields writes hash fields with HSET.
func (s *RedisStore) PutFields(ctx context.Context, mapKey string, values map[string]string) error {
	if len(values) == 0 {
		return nil
	}
	args := make(map[string]interface{}, len(values))
	for k, v := range values {
		args[k] = v
	}
	return s.client.HSet(ctx, mapKey, args).Err()
}

// DeleteFields removes hash fields with HDEL. Redis drops the hash key
// itself once its last field is deleted, which matches the contract.
func (s *RedisStore) DeleteFields(ctx context.Context, mapKey string, fields []string) error {
	if len(fields) == 0 {
		return nil
	}
	return s.client.HDel(ctx, mapKey, fields...).Err()
}

// Close releases the underlying connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// MemStore is an in-memory Store used by tests.
type MemStore struct {
	mu   sync.Mutex
	data map[string]map[string]string
	// FailNext makes the next operation return the given error once.
	FailNext error
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{data: make(map[string]map[string]string)}
}

func (s *MemStore) failNext() error {
	if s.FailNext != nil {
		err := s.FailNext
		s.FailNext = nil
		return err
	}
	return nil
}

// GetFields returns the stored values of the requested fields.
func (s *MemStore) GetFields(_ context.Context, mapKey string, fields []string) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failNext(); err != nil {
		return nil, err
	}
	out := make(map[string]string, len(fields))
	entry := s.data[mapKey]
	for _, f := range fields {
		if v, ok := entry[f]; ok {
			out[f] = v
		}
	}
	return out, nil
}

// PutFields stores the given field values.
func (s *MemStore) PutFields(_ context.Context, mapKey string, values map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failNext(); err != nil {
		return err
	}
	entry, ok := s.data[mapKey]
	if !ok {
		entry = make(map[string]string, len(values))
		s.data[mapKey] = entry
	}
	for k, v := range values {
		entry[k] = v
	}
	return nil
}

// DeleteFields removes the given fields, dropping the whole entry once it
// becomes empty.
func (s *MemStore) DeleteFields(_ context.Context, mapKey string, fields []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failNext(); err != nil {
		return err
	}
	entry, ok := s.data[mapKey]
	if !ok {
		return nil
	}
	for _, f := range fields {
		delete(entry, f)
	}
	if len(entry) == 0 {
		delete(s.data, mapKey)
	}
	return nil
}

// Entry returns a copy of one map entry, for assertions.
func (s *MemStore) Entry(mapKey string) map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.data[mapKey]
	if !ok {
		return nil
	}
	out := make(map[string]string, len(entry))
	for k, v := range entry {
		out[k] = v
	}
	return out
}
