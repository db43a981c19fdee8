// SPDX-License-Identifier: GPL-3.0-or-later

package comsrv

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Duration converts to and from the {seconds, micros} wire form.
func TestDurationRoundTrip(t *testing.T) {
	tests := []struct {
		// name describes what this test case verifies.
		name string

		// std is the native duration.
		std time.Duration

		// wire is the expected wire form.
		wire Duration
	}{
		{name: "zero", std: 0, wire: Duration{}},
		{name: "whole seconds", std: 3 * time.Second, wire: Duration{Seconds: 3}},
		{name: "sub second", std: 1500 * time.Millisecond, wire: Duration{Seconds: 1, Micros: 500000}},
		{name: "micros only", std: 250 * time.Microsecond, wire: Duration{Micros: 250}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.wire, DurationFrom(tt.std))
			assert.Equal(t, tt.std, tt.wire.Std())
		})
	}
}

// ByteArray encodes as a JSON array of small integers and rejects
// out-of-range elements.
func TestByteArrayJSON(t *testing.T) {
	data, err := json.Marshal(ByteArray{0, 1, 255})
	require.NoError(t, err)
	assert.Equal(t, "[0,1,255]", string(data))

	var decoded ByteArray
	require.NoError(t, json.Unmarshal([]byte("[0,1,255]"), &decoded))
	assert.Equal(t, ByteArray{0, 1, 255}, decoded)

	var empty ByteArray
	require.NoError(t, json.Unmarshal([]byte("[]"), &empty))
	assert.Len(t, empty, 0)

	assert.Error(t, json.Unmarshal([]byte("[256]"), &decoded))
	assert.Error(t, json.Unmarshal([]byte("[-1]"), &decoded))
}

// Unit variants encode as bare strings and payload variants as
// single-key objects.
func TestRequestEncoding(t *testing.T) {
	data, err := json.Marshal(Request{Shutdown: true})
	require.NoError(t, err)
	assert.Equal(t, `"Shutdown"`, string(data))

	drop := "tcp::1.2.3.4:502"
	data, err = json.Marshal(Request{Drop: &drop})
	require.NoError(t, err)
	assert.JSONEq(t, `{"Drop": "tcp::1.2.3.4:502"}`, string(data))
}

// decode(encode(r)) = r for representative Request variants.
func TestRequestRoundTrip(t *testing.T) {
	lockID := uuid.New()
	write := "*IDN?"
	readUpTo := uint32(128)
	listen := true

	tests := []struct {
		// name describes what this test case verifies.
		name string

		// request is the value to round-trip.
		request Request
	}{
		{
			name: "scpi query with lock and timeout",
			request: Request{Scpi: &ScpiEnvelope{
				InstrumentEnvelope: InstrumentEnvelope{
					Instrument: "vxi::10.0.0.7",
					Lock:       &lockID,
					Timeout:    &Duration{Seconds: 2},
				},
				Request: ScpiRequest{QueryString: &write},
			}},
		},

		{
			name: "bytes write",
			request: Request{Bytes: &BytesEnvelope{
				InstrumentEnvelope: InstrumentEnvelope{Instrument: "tcp::127.0.0.1:9000"},
				Request:            BytesRequest{Write: &ByteArray{1, 2, 3, 4}},
			}},
		},

		{
			name: "bytes read up to",
			request: Request{Bytes: &BytesEnvelope{
				InstrumentEnvelope: InstrumentEnvelope{Instrument: "serial::/dev/ttyUSB0::9600::8N1"},
				Request:            BytesRequest{ReadUpTo: &readUpTo},
			}},
		},

		{
			name: "modbus read holding",
			request: Request{ModBus: &ModBusEnvelope{
				InstrumentEnvelope: InstrumentEnvelope{Instrument: "modbus::tcp::1.2.3.4:502::5"},
				Request:            ModBusRequest{ReadHolding: &ModBusRange{Addr: 0x10, Count: 4}},
			}},
		},

		{
			name: "modbus write registers",
			request: Request{ModBus: &ModBusEnvelope{
				InstrumentEnvelope: InstrumentEnvelope{Instrument: "modbus::rtu::/dev/ttyS1::19200::8E1::9"},
				Request: ModBusRequest{WriteRegisters: &WriteRegistersRequest{
					Addr:   0x20,
					Values: []uint16{1, 2, 0xFFFF},
				}},
			}},
		},

		{
			name: "can transmit",
			request: Request{Can: &CanEnvelope{
				InstrumentEnvelope: InstrumentEnvelope{Instrument: "can::loopback"},
				Request: CanRequest{TxRaw: &CANMessage{
					ID:    0x123,
					Data:  ByteArray{0xDE, 0xAD},
					ExtID: false,
					RTR:   false,
				}},
			}},
		},

		{
			name: "can listen",
			request: Request{Can: &CanEnvelope{
				InstrumentEnvelope: InstrumentEnvelope{Instrument: "can::socket::can0"},
				Request:            CanRequest{ListenRaw: &listen},
			}},
		},

		{
			name: "hid read",
			request: Request{Hid: &HidEnvelope{
				InstrumentEnvelope: InstrumentEnvelope{Instrument: "hid::16c0::05df"},
				Request:            HidRequest{Read: &HidReadRequest{Timeout: Duration{Seconds: 1}}},
			}},
		},

		{
			name: "sigrok acquisition",
			request: Request{Sigrok: &SigrokEnvelope{
				InstrumentEnvelope: InstrumentEnvelope{Instrument: "sigrok::fx2lafw"},
				Request: SigrokRequest{ReadData: &SigrokAcquireRequest{
					Channels:   []string{"D0", "D1"},
					SampleRate: 1000000,
					Samples:    4096,
				}},
			}},
		},

		{
			name:    "lock",
			request: Request{Lock: &LockRequest{Addr: "tcp::1.2.3.4:502", Timeout: Duration{Seconds: 2}}},
		},

		{
			name:    "unlock",
			request: Request{Unlock: &UnlockRequest{Addr: "tcp::1.2.3.4:502", ID: lockID}},
		},

		{
			name:    "list instruments",
			request: Request{ListInstruments: true},
		},

		{
			name:    "version",
			request: Request{Version: true},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := json.Marshal(tt.request)
			require.NoError(t, err)
			var decoded Request
			require.NoError(t, json.Unmarshal(data, &decoded))
			assert.Equal(t, tt.request, decoded)
		})
	}
}

// decode(encode(r)) = r for representative Response variants.
func TestResponseRoundTrip(t *testing.T) {
	idn := "ACME,4000,123,1.0"
	instruments := []string{"tcp::1.2.3.4:502"}
	bits := []bool{true, false, true}
	regs := []uint16{10, 20}

	tests := []struct {
		// name describes what this test case verifies.
		name string

		// response is the value to round-trip.
		response Response
	}{
		{name: "done", response: DoneResponse()},
		{name: "scpi string", response: Response{Scpi: &ScpiResponse{String: &idn}}},
		{name: "scpi binary", response: Response{Scpi: &ScpiResponse{Binary: []byte{1, 2, 3}}}},
		{name: "instruments", response: Response{Instruments: &instruments}},
		{name: "modbus bits", response: Response{ModBus: &ModBusResponse{Bool: &bits}}},
		{name: "modbus registers", response: Response{ModBus: &ModBusResponse{Number: &regs}}},
		{name: "locked", response: Response{Locked: &LockedPayload{LockID: uuid.New()}}},
		{name: "version", response: Response{Version: &VersionPayload{Major: 1, Minor: 1}}},
		{
			name: "notify",
			response: Response{Notify: &Notification{
				Source: "can::loopback",
				Can:    &CANMessage{ID: 0x7FF, Data: ByteArray{1}},
			}},
		},
		{
			name:     "error",
			response: ErrorResponse(Transportf("connect", "connection refused")),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := json.Marshal(tt.response)
			require.NoError(t, err)
			var decoded Response
			require.NoError(t, json.Unmarshal(data, &decoded))
			assert.Equal(t, tt.response, decoded)
		})
	}
}

// NewErrorPayload maps surface sentinels to dedicated tags and other
// errors to their kind.
func TestNewErrorPayload(t *testing.T) {
	tests := []struct {
		// name describes what this test case verifies.
		name string

		// err is the input error.
		err error

		// wantTag is the expected wire tag.
		wantTag string
	}{
		{name: "transport", err: Transportf("write", "broken pipe"), wantTag: "Transport"},
		{name: "protocol", err: Protocolf("modbus", "CRC mismatch"), wantTag: "Protocol"},
		{name: "argument", err: Argumentf("can", "bad id"), wantTag: "Argument"},
		{name: "internal", err: Internalf("actor", "driver panic"), wantTag: "Internal"},
		{name: "timeout", err: contextError("send", nil), wantTag: "Timeout"},
		{name: "disconnected", err: disconnectedError("send"), wantTag: "Disconnected"},
		{
			name:    "locked",
			err:     &Error{Kind: KindArgument, Op: "dispatch", Err: ErrLockedByOther},
			wantTag: "LockedByOther",
		},
		{
			name:    "not supported",
			err:     &Error{Kind: KindArgument, Op: "visa", Err: ErrNotSupported},
			wantTag: "NotSupported",
		},
		{
			name:    "invalid address",
			err:     invalidAddress("nope", "missing scheme separator"),
			wantTag: "InvalidAddress",
		},
		{
			name:    "invalid request",
			err:     &Error{Kind: KindArgument, Op: "dispatch", Err: ErrInvalidRequest},
			wantTag: "InvalidRequest",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			payload := NewErrorPayload(tt.err)
			assert.Equal(t, tt.wantTag, payload.Tag)
			assert.NotEmpty(t, payload.Message)
		})
	}
}

// Unknown tags are rejected rather than silently ignored.
func TestUnknownTags(t *testing.T) {
	var req Request
	err := json.Unmarshal([]byte(`{"Reboot": {}}`), &req)
	require.Error(t, err)

	var resp Response
	err = json.Unmarshal([]byte(`"Maybe"`), &resp)
	require.Error(t, err)

	err = json.Unmarshal([]byte(`{"Scpi": {}, "Bytes": {}}`), &req)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errNotOneVariant))
}
