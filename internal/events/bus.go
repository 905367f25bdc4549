/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package events

import (
	"strings"
	"sync"
	"time"
)

// EventType enumerates event categories.
type EventType string

const (
	EventBroadcastScheduled EventType = "broadcast.scheduled"
	EventBroadcastStarted   EventType = "broadcast.started"
	EventBroadcastCompleted EventType = "broadcast.completed"
	EventBroadcastFailed    EventType = "broadcast.failed"
	EventBroadcastCancelled EventType = "broadcast.cancelled"

	EventChannelStarted  EventType = "channel.started"
	EventChannelAdvanced EventType = "channel.advanced"
	EventChannelStopped  EventType = "channel.stopped"
	EventChannelFailed   EventType = "channel.failed"

	// Cache invalidation events
	EventMediaUpdated EventType = "cache.media_updated"
	EventMediaDeleted EventType = "cache.media_deleted"

	// EventAll subscribes to every event type.
	EventAll EventType = "*"
)

// Action is the part after the entity prefix, e.g. "started" for broadcast.started.
func (t EventType) Action() string {
	if i := strings.LastIndexByte(string(t), '.'); i >= 0 {
		return string(t)[i+1:]
	}
	return string(t)
}

// Entity is the part before the action, e.g. "channel" for channel.stopped.
func (t EventType) Entity() string {
	if i := strings.IndexByte(string(t), '.'); i >= 0 {
		return string(t)[:i]
	}
	return ""
}

// Payload generic event payload.
type Payload map[string]any

// Common payload keys.
const (
	KeyEntityID   = "entity_id"
	KeyEntityType = "entity_type"
	KeyOwnerID    = "owner_id"
	KeyEvent      = "event"
	KeyTimestamp  = "timestamp"
	KeyData       = "data"
)

// Notification builds the payload published for an engine transition.
func Notification(t EventType, entityID, ownerID string, data map[string]any) Payload {
	p := Payload{
		KeyEntityID:   entityID,
		KeyEntityType: t.Entity(),
		KeyOwnerID:    ownerID,
		KeyEvent:      t.Action(),
		KeyTimestamp:  time.Now().UTC().Format(time.RFC3339Nano),
	}
	if len(data) > 0 {
		p[KeyData] = data
	}
	return p
}

// String returns the string value stored under key, or "".
func (p Payload) String(key string) string {
	s, _ := p[key].(string)
	return s
}

// Subscriber receives event payloads.
type Subscriber chan Payload

// Publisher is the write side of a bus.
type Publisher interface {
	Publish(eventType EventType, payload Payload)
}

// Broker is implemented by the in-process bus and the distributed buses in eventbus.
type Broker interface {
	Publisher
	Subscribe(eventType EventType) Subscriber
	Unsubscribe(eventType EventType, sub Subscriber)
	Close() error
}

// Bus implements a simple in-process pubsub.
type Bus struct {
	mu   sync.RWMutex
	subs map[EventType][]Subscriber
}

// NewBus creates an event bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[EventType][]Subscriber)}
}

// Subscribe registers a subscriber for event type.
func (b *Bus) Subscribe(eventType EventType) Subscriber {
	ch := make(Subscriber, 32)
	b.mu.Lock()
	b.subs[eventType] = append(b.subs[eventType], ch)
	b.mu.Unlock()
	return ch
}

// Publish sends payload to subscribers. Slow subscribers miss events rather than block the publisher.
func (b *Bus) Publish(eventType EventType, payload Payload) {
	if payload == nil {
		payload = Payload{}
	}
	if _, ok := payload["type"]; !ok {
		payload["type"] = string(eventType)
	}

	b.mu.RLock()
	subs := append([]Subscriber(nil), b.subs[eventType]...)
	if eventType != EventAll {
		subs = append(subs, b.subs[EventAll]...)
	}
	b.mu.RUnlock()
	for _, sub := range subs {
		select {
		case sub <- payload:
		default:
		}
	}
}

// Unsubscribe removes the subscriber.
func (b *Bus) Unsubscribe(eventType EventType, sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.subs[eventType]
	for i, candidate := range subs {
		if candidate == sub {
			subs = append(subs[:i], subs[i+1:]...)
			close(sub)
			break
		}
	}
	b.subs[eventType] = subs
}

// Close is a no-op for the in-process bus.
func (b *Bus) Close() error { return nil }
