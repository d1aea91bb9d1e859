// Package events is the in-process pub/sub bus. The front end and the flow
// engine publish lifecycle events here; subscribers (audit logging, the hunt
// dispatcher's crash accounting) consume them without coupling the
// publishers to every consumer.
package events

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/vigilsec/fleet/internal/ids"
)

// Type names one kind of lifecycle event.
type Type string

const (
	ClientEnrolled Type = "client.enrolled"
	ClientCrashed  Type = "client.crashed"
	FlowCompleted  Type = "flow.completed"
	HuntStopped    Type = "hunt.stopped"
)

// Event is one bus record. Subject carries the event-specific detail: the
// crash message, the flow's terminal state, the hunt's stop reason.
type Event struct {
	Type     Type
	ClientID ids.ClientID
	FlowID   ids.FlowID
	HuntID   ids.HuntID
	Subject  string
	Time     time.Time
}

// Bus fans events out to subscriber channels. Delivery is best effort: a
// subscriber that stops draining its channel loses events rather than
// blocking the publisher.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[Type][]chan Event
	allSubs     []chan Event
	bufferSize  int
	log         *logrus.Entry
}

// NewBus creates an event bus with a 100-event buffer per subscriber.
func NewBus(log *logrus.Logger) *Bus {
	return &Bus{
		subscribers: make(map[Type][]chan Event),
		bufferSize:  100,
		log:         log.WithField("component", "events"),
	}
}

// Subscribe returns a channel receiving the given event types, or all events
// when none are named.
func (b *Bus) Subscribe(types ...Type) chan Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan Event, b.bufferSize)
	if len(types) == 0 {
		b.allSubs = append(b.allSubs, ch)
		return ch
	}
	for _, t := range types {
		b.subscribers[t] = append(b.subscribers[t], ch)
	}
	return ch
}

// Unsubscribe detaches and closes a subscriber channel.
func (b *Bus) Unsubscribe(ch chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for t, subs := range b.subscribers {
		b.subscribers[t] = removeChan(subs, ch)
	}
	b.allSubs = removeChan(b.allSubs, ch)
	close(ch)
}

// Publish delivers the event to every matching subscriber without blocking.
func (b *Bus) Publish(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subscribers[ev.Type] {
		b.deliver(ch, ev)
	}
	for _, ch := range b.allSubs {
		b.deliver(ch, ev)
	}
}

func (b *Bus) deliver(ch chan Event, ev Event) {
	select {
	case ch <- ev:
	default:
		b.log.WithField("type", ev.Type).Warn("dropping event, subscriber is not draining")
	}
}

func removeChan(subs []chan Event, ch chan Event) []chan Event {
	out := subs[:0]
	for _, s := range subs {
		if s != ch {
			out = append(out, s)
		}
	}
	return out
}
