// Package events implements the small set of typed notification channels
// called for by the specification's "event emitters to contracts" design
// note: producers are single-owner and must not be re-entered from listener
// code, and listeners may be many.
//
// Generalized from the teacher's public/orchestrator.EventBridge, which
// bridged broker pub/sub topics to Go channels for a single host process;
// this version drops the broker dependency and the colon-segmented project
// id convention, keeping the pattern-matching non-blocking fan-out idiom.
package events

import (
	"strings"
	"sync"
	"time"
)

// Name enumerates the events the mesh raises.
type Name string

const (
	AgentRegistered    Name = "agentRegistered"
	AgentUpdated       Name = "agentUpdated"
	AgentUnregistered  Name = "agentUnregistered"
	ProtocolActivated  Name = "protocol_activated"
	MetricsUpdated     Name = "metricsUpdated"
)

// Event is the payload delivered to subscribers.
type Event struct {
	Name      Name
	Topic     string // dot-segmented, e.g. "registry.agentRegistered"
	AgentID   string
	Data      map[string]interface{}
	Timestamp time.Time
}

// Bus is a topic-pattern pub/sub bridge from component-internal state
// changes to subscriber-owned Go channels.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string][]chan Event
}

// NewBus constructs an empty, ready-to-use Bus.
func NewBus() *Bus {
	return &Bus{subscribers: make(map[string][]chan Event)}
}

// Subscribe returns a buffered channel receiving events whose topic matches
// pattern. A "*" segment matches any single segment; "*" alone matches
// every topic.
func (b *Bus) Subscribe(pattern string) <-chan Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan Event, 100)
	b.subscribers[pattern] = append(b.subscribers[pattern], ch)
	return ch
}

// Unsubscribe closes and removes ch from pattern's subscriber list.
func (b *Bus) Unsubscribe(pattern string, ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.subscribers[pattern]
	kept := make([]chan Event, 0, len(subs))
	for _, sub := range subs {
		if channelsEqual(sub, ch) {
			close(sub)
			continue
		}
		kept = append(kept, sub)
	}
	b.subscribers[pattern] = kept
}

func channelsEqual(a chan Event, b <-chan Event) bool {
	// Two distinct channel values can never compare equal across direction
	// types without a conversion; converting a to the receive-only type the
	// caller obtained from Subscribe is the direct way to find it.
	return (<-chan Event)(a) == b
}

// Publish delivers an event to every subscriber whose pattern matches
// event.Topic, non-blocking: a full subscriber channel drops the event
// rather than stalling the producer.
func (b *Bus) Publish(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for pattern, subs := range b.subscribers {
		if !topicMatches(event.Topic, pattern) {
			continue
		}
		for _, sub := range subs {
			select {
			case sub <- event:
			default:
			}
		}
	}
}

func topicMatches(topic, pattern string) bool {
	if pattern == "*" {
		return true
	}
	topicParts := strings.Split(topic, ".")
	patternParts := strings.Split(pattern, ".")
	if len(topicParts) != len(patternParts) {
		return false
	}
	for i := range topicParts {
		if patternParts[i] == "*" {
			continue
		}
		if topicParts[i] != patternParts[i] {
			return false
		}
	}
	return true
}

// Close closes every subscriber channel and clears the bus.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for pattern, subs := range b.subscribers {
		for _, sub := range subs {
			close(sub)
		}
		delete(b.subscribers, pattern)
	}
}
