package events

import (
	"sync"
	"time"

	"github.com/sashimono/agent/pkg/types"
)

// EventType represents the type of instance lifecycle event
type EventType string

const (
	EventInstanceCreated   EventType = "instance.created"
	EventInstanceRunning   EventType = "instance.running"
	EventInstanceStopped   EventType = "instance.stopped"
	EventInstanceDestroyed EventType = "instance.destroyed"
	EventInstanceExited    EventType = "instance.exited"
)

// ForStatus maps a persisted instance status to its lifecycle event type
func ForStatus(status types.InstanceStatus) EventType {
	switch status {
	case types.InstanceStatusCreated:
		return EventInstanceCreated
	case types.InstanceStatusRunning:
		return EventInstanceRunning
	case types.InstanceStatusStopped:
		return EventInstanceStopped
	case types.InstanceStatusDestroyed:
		return EventInstanceDestroyed
	default:
		return EventInstanceExited
	}
}

// Event represents one instance lifecycle transition
type Event struct {
	Type      EventType
	Name      string // container name
	Username  string
	Timestamp time.Time
}

// Subscriber is a channel that receives events
type Subscriber chan *Event

// Broker manages event subscriptions and distribution
type Broker struct {
	subscribers map[Subscriber]bool
	mu          sync.RWMutex
	eventCh     chan *Event
	stopCh      chan struct{}
}

// NewBroker creates a new event broker
func NewBroker() *Broker {
	return &Broker{
		subscribers: make(map[Subscriber]bool),
		eventCh:     make(chan *Event, 100), // Buffer up to 100 events
		stopCh:      make(chan struct{}),
	}
}

// Start begins the broker's event distribution loop
func (b *Broker) Start() {
	go b.run()
}

// Stop stops the broker
func (b *Broker) Stop() {
	close(b.stopCh)
}

// Subscribe creates a new subscription and returns a channel
func (b *Broker) Subscribe() Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := make(Subscriber, 50) // Buffer per subscriber
	b.subscribers[sub] = true
	return sub
}

// Unsubscribe removes a subscription
func (b *Broker) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.subscribers, sub)
	close(sub)
}

// Publish publishes an event to all subscribers. Safe on a nil broker so
// callers without an event bus wired need no guards.
func (b *Broker) Publish(event *Event) {
	if b == nil {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	select {
	case b.eventCh <- event:
	case <-b.stopCh:
	}
}

func (b *Broker) run() {
	for {
		select {
		case event := <-b.eventCh:
			b.broadcast(event)
		case <-b.stopCh:
			return
		}
	}
}

func (b *Broker) broadcast(event *Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subscribers {
		select {
		case sub <- event:
		default:
			// Subscriber buffer full, skip
		}
	}
}

// SubscriberCount returns the number of active subscribers
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
