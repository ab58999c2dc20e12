package events

import (
	"context"
	"encoding/json"
	"sync"
)

// MemoryBus records envelopes in order. Used by tests to assert event
// sequences and as the bus for single-node setups.
type MemoryBus struct {
	mu       sync.Mutex
	recorded []*Envelope
}

// NewMemoryBus creates an in-memory event bus
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{}
}

// Publish records the envelope
func (b *MemoryBus) Publish(ctx context.Context, env *Envelope) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.recorded = append(b.recorded, env)
	return nil
}

// Envelopes returns a copy of everything published, in order
func (b *MemoryBus) Envelopes() []*Envelope {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*Envelope, len(b.recorded))
	copy(out, b.recorded)
	return out
}

// EventTypes extracts the eventType of every published detail, in order
func (b *MemoryBus) EventTypes() []string {
	var types []string
	for _, env := range b.Envelopes() {
		var detail struct {
			EventType string `json:"eventType"`
		}
		if err := json.Unmarshal(env.Detail, &detail); err == nil && detail.EventType != "" {
			types = append(types, detail.EventType)
		}
	}
	return types
}

// Close is a no-op
func (b *MemoryBus) Close() error {
	return nil
}
