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

// Package stream is the downstream event-stream sink: an append-only
// partitioned stream addressed by (key, topic). Delivery is
// fire-and-forget with at-least-once semantics; deduplication, if any,
// belongs to the consumer side.
package stream

import (
	"context"
	"sync"

	"github.com/segmentio/kafka-go"
)

// Sink publishes events to a partitioned stream. The key selects the
// partition so all events of one vehicle stay ordered.
type Sink interface {
	Publish(ctx context.Context, key, payload []byte, topic string) error
	Close() error
}

// KafkaSink implements Sink on a Kafka producer.
type KafkaSink struct {
	writer *kafka.Writer
}

// NewKafkaSink creates a sink producing to the given brokers. Messages
// are hashed onto partitions by key and acknowledged by the leader only;
// the pipeline treats dispatch as fire-and-forget.
func NewKafkaSink(brokers []string) *KafkaSink {
	return &KafkaSink{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireOne,
			Async:        true,
		},
	}
}

// Publish sends one event to the stream.
func (s *KafkaSink) Publish(ctx context.Context, key, payload []byte, topic string) error {
	return s.writer.WriteMessages(ctx, kafka.Message{
		Topic: topic,
		Key:   key,
		Value: payload,
	})
}

// Close flushes and closes the producer.
func (s *KafkaSink) Close() error {
	return s.writer.Close()
}

// Message is one event captured by MemSink.
type Message struct {
	Key     []byte
	Payload []byte
	Topic   string
}

// MemSink is an in-memory Sink used by tests.
type MemSink struct {
	mu       sync.Mutex
	messages []Message
	// FailNext makes the next Publish return the given error once.
	FailNext error
}

// NewMemSink creates an empty in-memory sink.
func NewMemSink() *MemSink {
	return &MemSink{}
}

// Publish records the event.
func (s *MemSink) Publish(_ context.Context, key, payload []byte, topic string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailNext != nil {
		err := s.FailNext
		s.FailNext = nil
		return err
	}
	keyCopy := append([]byte(nil), key...)
	payloadCopy := append([]byte(nil), payload...)
	s.messages = append(s.messages, Message{Key: keyCopy, Payload: payloadCopy, Topic: topic})
	return nil
}

// Close is a no-op.
func (s *MemSink) Close() error { return nil }

// Messages returns a copy of everything published so far.
func (s *MemSink) Messages() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Message, len(s.messages))
	copy(out, s.messages)
	return out
}
