// SPDX-License-Identifier: GPL-3.0-or-later

package comsrv

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Every subscriber receives every notification in publish order.
func TestBusFanOut(t *testing.T) {
	cfg, _ := newTestConfig()
	bus := NewBus(cfg)

	first, cancelFirst := bus.Subscribe()
	defer cancelFirst()
	second, cancelSecond := bus.Subscribe()
	defer cancelSecond()

	messages := []CANMessage{
		{ID: 1, Data: ByteArray{1}},
		{ID: 2, Data: ByteArray{2}},
		{ID: 3, Data: ByteArray{3}},
	}
	for idx := range messages {
		bus.Publish(Notification{Source: "can::loopback", Can: &messages[idx]})
	}

	for _, sub := range []<-chan Notification{first, second} {
		for idx := range messages {
			note := <-sub
			assert.Equal(t, "can::loopback", note.Source)
			require.NotNil(t, note.Can)
			assert.Equal(t, messages[idx].ID, note.Can.ID)
		}
	}
}

// A full subscriber loses its oldest notifications instead of blocking
// the producer.
func TestBusLossyNewest(t *testing.T) {
	cfg, _ := newTestConfig()
	bus := NewBus(cfg)

	sub, cancel := bus.Subscribe()
	defer cancel()

	total := busSubscriptionBuffer + 10
	for idx := 0; idx < total; idx++ {
		msg := CANMessage{ID: uint32(idx)}
		bus.Publish(Notification{Source: fmt.Sprintf("note-%d", idx), Can: &msg})
	}

	// The oldest 10 were dropped; delivery resumes at 10 and stays in
	// order.
	note := <-sub
	require.NotNil(t, note.Can)
	assert.Equal(t, uint32(10), note.Can.ID)
	note = <-sub
	assert.Equal(t, uint32(11), note.Can.ID)
}

// Cancelling a subscription closes its channel; publishing continues to
// the remaining subscribers.
func TestBusCancel(t *testing.T) {
	cfg, _ := newTestConfig()
	bus := NewBus(cfg)

	gone, cancelGone := bus.Subscribe()
	stays, cancelStays := bus.Subscribe()
	defer cancelStays()

	cancelGone()
	_, open := <-gone
	assert.False(t, open)

	msg := CANMessage{ID: 42}
	bus.Publish(Notification{Source: "can::loopback", Can: &msg})
	note := <-stays
	require.NotNil(t, note.Can)
	assert.Equal(t, uint32(42), note.Can.ID)

	// Cancelling twice is harmless.
	cancelGone()
}
