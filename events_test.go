// SPDX-License-Identifier: MPL-2.0

package softphone

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/mirkobertone/softphone/account"
)

func TestBusMultipleSubscribers(t *testing.T) {
	b := NewBus()

	var order []string
	b.OnRegistrationStatus(func(ev RegistrationStatusEvent) {
		order = append(order, "first:"+string(ev.Status))
	})
	b.OnRegistrationStatus(func(ev RegistrationStatusEvent) {
		order = append(order, "second:"+string(ev.Status))
	})

	b.publish(topicRegistration, RegistrationStatusEvent{AccountID: "a1", Status: account.StatusRegistered})

	// Both handlers ran, in subscription order.
	assert.Equal(t, []string{"first:registered", "second:registered"}, order)
}

func TestBusUnsubscribe(t *testing.T) {
	b := NewBus()

	var first, second int
	sub := b.OnCallEnded(func(ev CallEndedEvent) { first++ })
	b.OnCallEnded(func(ev CallEndedEvent) { second++ })

	b.publish(topicCallEnded, CallEndedEvent{})
	b.Unsubscribe(sub)
	b.publish(topicCallEnded, CallEndedEvent{})

	assert.Equal(t, 1, first)
	assert.Equal(t, 2, second)
}

func TestBusTopicsIsolated(t *testing.T) {
	b := NewBus()

	var calls, regs int
	b.OnIncomingCall(func(ev IncomingCallEvent) { calls++ })
	b.OnRegistrationStatus(func(ev RegistrationStatusEvent) { regs++ })

	b.publish(topicIncomingCall, IncomingCallEvent{})

	assert.Equal(t, 1, calls)
	assert.Equal(t, 0, regs)
}

func TestBusClose(t *testing.T) {
	b := NewBus()

	var seen int
	b.OnIncomingCall(func(ev IncomingCallEvent) { seen++ })
	b.Close()
	b.publish(topicIncomingCall, IncomingCallEvent{})
	assert.Equal(t, 0, seen)

	// Subscribing after close is inert.
	b.OnIncomingCall(func(ev IncomingCallEvent) { seen++ })
	b.publish(topicIncomingCall, IncomingCallEvent{})
	assert.Equal(t, 0, seen)
}
