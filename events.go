// SPDX-License-Identifier: MPL-2.0

package softphone

import (
	"sync"

	"github.com/mirkobertone/softphone/account"
)

const (
	topicRegistration = "registrationStatusChanged"
	topicIncomingCall = "incomingCall"
	topicCallEnded    = "callEnded"
)

// RegistrationStatusEvent is published on every observable registration
// status change of the current account.
type RegistrationStatusEvent struct {
	AccountID string
	Status    account.Status
	Cause     string
}

// IncomingCallEvent carries a new inbound session.
type IncomingCallEvent struct {
	Session Session
}

// CallEndedEvent is a best effort notification that a session the facade
// knows about has terminated.
type CallEndedEvent struct {
	Session Session
}

// Subscription identifies one subscriber for unsubscribe.
type Subscription struct {
	topic string
	id    uint64
}

type busHandler struct {
	id uint64
	fn func(ev any)
}

// Bus is an ordered multi subscriber event channel. Handlers for one topic
// run in subscription order; a second subscriber never displaces the first.
type Bus struct {
	mu     sync.RWMutex
	seq    uint64
	topics map[string][]busHandler
	closed bool
}

func NewBus() *Bus {
	return &Bus{topics: make(map[string][]busHandler)}
}

func (b *Bus) OnRegistrationStatus(fn func(ev RegistrationStatusEvent)) Subscription {
	return b.subscribe(topicRegistration, func(ev any) {
		fn(ev.(RegistrationStatusEvent))
	})
}

func (b *Bus) OnIncomingCall(fn func(ev IncomingCallEvent)) Subscription {
	return b.subscribe(topicIncomingCall, func(ev any) {
		fn(ev.(IncomingCallEvent))
	})
}

func (b *Bus) OnCallEnded(fn func(ev CallEndedEvent)) Subscription {
	return b.subscribe(topicCallEnded, func(ev any) {
		fn(ev.(CallEndedEvent))
	})
}

func (b *Bus) Unsubscribe(sub Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	handlers := b.topics[sub.topic]
	for i := range handlers {
		if handlers[i].id == sub.id {
			b.topics[sub.topic] = append(handlers[:i], handlers[i+1:]...)
			return
		}
	}
}

// Close drops all subscriptions. Publishing after close is a no-op.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.topics = make(map[string][]busHandler)
}

func (b *Bus) subscribe(topic string, fn func(ev any)) Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return Subscription{}
	}
	b.seq++
	b.topics[topic] = append(b.topics[topic], busHandler{id: b.seq, fn: fn})
	return Subscription{topic: topic, id: b.seq}
}

func (b *Bus) publish(topic string, ev any) {
	b.mu.RLock()
	handlers := make([]busHandler, len(b.topics[topic]))
	copy(handlers, b.topics[topic])
	b.mu.RUnlock()

	for _, h := range handlers {
		h.fn(ev)
	}
}
