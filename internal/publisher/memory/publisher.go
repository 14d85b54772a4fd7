// Package memory contains an in-memory publisher for local runs and tests.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// Publisher records published payloads for inspection.
type Publisher struct {
	mu       sync.RWMutex
	messages []PublishedMessage
}

// PublishedMessage captures one publish call.
type PublishedMessage struct {
	ID      string
	Topic   string
	Payload any
	// Data is the JSON encoding the payload would have on the wire.
	Data []byte
}

// New returns a memory Publisher.
func New() *Publisher {
	return &Publisher{}
}

// Publish encodes and records the message and returns a sequential ID.
func (p *Publisher) Publish(_ context.Context, topic string, payload any) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	id := fmt.Sprintf("memory-%d", len(p.messages)+1)
	p.messages = append(p.messages, PublishedMessage{ID: id, Topic: topic, Payload: payload, Data: data})
	return id, nil
}

// Messages returns the recorded publishes.
func (p *Publisher) Messages() []PublishedMessage {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]PublishedMessage, len(p.messages))
	copy(out, p.messages)
	return out
}
