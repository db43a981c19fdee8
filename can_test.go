// SPDX-License-Identifier: GPL-3.0-or-later

package comsrv

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Frames transmitted on the loopback bus reach every subscriber.
func TestLoopbackCANFanOut(t *testing.T) {
	loopback := NewLoopbackCAN()
	frames, cancel := loopback.subscribe()
	defer cancel()

	loopback.Publish(CANMessage{ID: 0x123, Data: ByteArray{1, 2}})
	msg := <-frames
	assert.Equal(t, uint32(0x123), msg.ID)
	assert.Equal(t, ByteArray{1, 2}, msg.Data)
}

// Arbitration ids are validated at the 11/29-bit boundary before any
// I/O happens.
func TestValidateCANMessage(t *testing.T) {
	tests := []struct {
		// name describes what this test case verifies.
		name string

		// msg is the frame to validate.
		msg CANMessage

		// wantErr indicates whether validation must fail.
		wantErr bool
	}{
		{name: "max standard id", msg: CANMessage{ID: 0x7FF}, wantErr: false},
		{name: "standard id overflow", msg: CANMessage{ID: 0x800}, wantErr: true},
		{name: "extended id at standard boundary", msg: CANMessage{ID: 0x800, ExtID: true}, wantErr: false},
		{name: "max extended id", msg: CANMessage{ID: 0x1FFFFFFF, ExtID: true}, wantErr: false},
		{name: "extended id overflow", msg: CANMessage{ID: 0x20000000, ExtID: true}, wantErr: true},
		{name: "oversized payload", msg: CANMessage{ID: 1, Data: make(ByteArray, 9)}, wantErr: true},
		{name: "empty payload", msg: CANMessage{ID: 1}, wantErr: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateCANMessage(tt.msg)
			if tt.wantErr {
				require.Error(t, err)
				assert.Equal(t, KindArgument, KindOf(err))
				return
			}
			require.NoError(t, err)
		})
	}
}

// A listening CAN driver publishes received frames onto the
// notification bus tagged with its source address.
func TestCANDriverListenPublishes(t *testing.T) {
	cfg, _ := newTestConfig()
	bus := NewBus(cfg)
	loopback := NewLoopbackCAN()
	addr := CANAddress{Bus: CANLoopback}
	drv := newCANDriver(cfg, addr, bus, loopback)
	defer drv.Close()

	notes, cancel := bus.Subscribe()
	defer cancel()

	listen := true
	_, _, err := drv.Transact(context.Background(), CanRequest{ListenRaw: &listen})
	require.NoError(t, err)

	// Transmit three frames through the driver itself; the listen loop
	// sees them via the loopback and fans them out in order.
	for id := uint32(1); id <= 3; id++ {
		resp, committed, err := drv.Transact(context.Background(), CanRequest{
			TxRaw: &CANMessage{ID: id, Data: ByteArray{byte(id)}},
		})
		require.NoError(t, err)
		assert.True(t, committed)
		assert.True(t, resp.Ok)
	}

	for id := uint32(1); id <= 3; id++ {
		select {
		case note := <-notes:
			assert.Equal(t, "can::loopback", note.Source)
			require.NotNil(t, note.Can)
			assert.Equal(t, id, note.Can.ID)
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for frame %d", id)
		}
	}

	// Stopping the listener is idempotent and terminates the loop.
	stop := false
	_, _, err = drv.Transact(context.Background(), CanRequest{ListenRaw: &stop})
	require.NoError(t, err)
	_, _, err = drv.Transact(context.Background(), CanRequest{ListenRaw: &stop})
	require.NoError(t, err)
}

// Invalid frames are rejected as Argument errors without opening the
// bus.
func TestCANDriverRejectsInvalidFrame(t *testing.T) {
	cfg, _ := newTestConfig()
	drv := newCANDriver(cfg, CANAddress{Bus: CANLoopback}, NewBus(cfg), NewLoopbackCAN())
	defer drv.Close()

	_, committed, err := drv.Transact(context.Background(), CanRequest{
		TxRaw: &CANMessage{ID: 0x800},
	})
	require.Error(t, err)
	assert.False(t, committed)
	assert.Equal(t, KindArgument, KindOf(err))
}
