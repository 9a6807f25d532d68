// Package memory keeps recent refresh notifications in process. It backs
// the debug event feed when no Pub/Sub project is configured.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/JakeFAU/statcache/internal/statcache"
)

// DefaultCapacity bounds the number of retained messages.
const DefaultCapacity = 256

// Publisher retains the most recent published payloads.
type Publisher struct {
	mu       sync.RWMutex
	capacity int
	seq      int
	messages []PublishedMessage
}

var _ statcache.Publisher = (*Publisher)(nil)

// PublishedMessage captures one publish call.
type PublishedMessage struct {
	ID      string `json:"id"`
	Topic   string `json:"topic"`
	Payload any    `json:"payload"`
}

// New returns a memory Publisher keeping at most capacity messages.
func New(capacity int) *Publisher {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Publisher{capacity: capacity}
}

// Publish records the message and returns a sequential ID.
func (p *Publisher) Publish(_ context.Context, topic string, payload any) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.seq++
	id := fmt.Sprintf("memory-%d", p.seq)
	p.messages = append(p.messages, PublishedMessage{ID: id, Topic: topic, Payload: payload})
	if over := len(p.messages) - p.capacity; over > 0 {
		p.messages = append(p.messages[:0:0], p.messages[over:]...)
	}
	return id, nil
}

// Messages returns the retained publishes, oldest first.
func (p *Publisher) Messages() []PublishedMessage {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]PublishedMessage, len(p.messages))
	copy(out, p.messages)
	return out
}

// Events returns the retained refresh events for key, oldest first. An
// empty key matches every event.
func (p *Publisher) Events(key string) []statcache.RefreshEvent {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var out []statcache.RefreshEvent
	for _, msg := range p.messages {
		event, ok := msg.Payload.(statcache.RefreshEvent)
		if !ok {
			continue
		}
		if key == "" || event.Key == key {
			out = append(out, event)
		}
	}
	return out
}
