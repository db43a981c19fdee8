// SPDX-License-Identifier: GPL-3.0-or-later

package comsrv

import (
	"bytes"
	"context"
	"encoding/binary"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeStreamHandle is an in-memory [streamHandle]: reads serve the rx
// buffer and an empty buffer behaves like an expired read timeout.
type fakeStreamHandle struct {
	// rx holds the bytes Read will serve.
	rx bytes.Buffer

	// tx records everything written.
	tx bytes.Buffer

	// closed records whether Close ran.
	closed bool
}

var _ streamHandle = &fakeStreamHandle{}

func (h *fakeStreamHandle) Read(buf []byte) (int, error) {
	if h.closed {
		return 0, Transportf("read", "handle closed")
	}
	if h.rx.Len() == 0 {
		return 0, &Error{Kind: KindProtocol, Op: "read", Err: errReadTimeout}
	}
	return h.rx.Read(buf)
}

func (h *fakeStreamHandle) Write(data []byte) (int, error) {
	if h.closed {
		return 0, Transportf("write", "handle closed")
	}
	return h.tx.Write(data)
}

func (h *fakeStreamHandle) Close() error {
	h.closed = true
	return nil
}

func (h *fakeStreamHandle) SetReadTimeout(d time.Duration) error { return nil }

// newFakeStreamDriver returns a driver whose serial opens are served by
// fresh fake handles, recording each one.
func newFakeStreamDriver(cfg *Config) (*streamDriver, *[]*fakeStreamHandle) {
	var handles []*fakeStreamHandle
	drv := newStreamDriver(cfg)
	drv.openSerial = func(path string, cfg SerialConfig) (streamHandle, error) {
		handle := &fakeStreamHandle{}
		handles = append(handles, handle)
		return handle, nil
	}
	return drv, &handles
}

func serialTestConfig(baud int) streamConfig {
	cfg := DefaultSerialConfig()
	cfg.Baud = baud
	return streamConfig{kind: streamSerial, path: "/dev/ttyUSB0", serial: cfg}
}

// Write commits bytes to the handle; zero-length writes succeed without
// committing anything.
func TestStreamDriverWrite(t *testing.T) {
	cfg, _ := newTestConfig()
	drv, handles := newFakeStreamDriver(cfg)
	defer drv.Close()

	payload := ByteArray{1, 2, 3, 4}
	reply, committed, err := drv.Transact(context.Background(), streamRequest{
		config: serialTestConfig(9600),
		bytes:  &BytesRequest{Write: &payload},
	})
	require.NoError(t, err)
	assert.True(t, committed)
	require.NotNil(t, reply.bytes)
	assert.True(t, reply.bytes.Done)
	assert.Equal(t, []byte{1, 2, 3, 4}, (*handles)[0].tx.Bytes())

	empty := ByteArray{}
	_, committed, err = drv.Transact(context.Background(), streamRequest{
		config: serialTestConfig(9600),
		bytes:  &BytesRequest{Write: &empty},
	})
	require.NoError(t, err)
	assert.False(t, committed)
}

// Read operations serve buffered data; an exact read that cannot
// complete is a protocol-level timeout that keeps the handle open.
func TestStreamDriverReads(t *testing.T) {
	cfg, _ := newTestConfig()
	drv, handles := newFakeStreamDriver(cfg)
	defer drv.Close()

	// Open lazily via a first transaction.
	all := uint32(4)
	_, _, err := drv.Transact(context.Background(), streamRequest{
		config: serialTestConfig(9600),
		bytes:  &BytesRequest{ReadUpTo: &all},
	})
	require.NoError(t, err)
	handle := (*handles)[0]

	handle.rx.WriteString("abcdef")
	reply, committed, err := drv.Transact(context.Background(), streamRequest{
		config: serialTestConfig(9600),
		bytes:  &BytesRequest{ReadExact: &ReadExactRequest{Count: 3, Timeout: DurationFrom(time.Second)}},
	})
	require.NoError(t, err)
	assert.False(t, committed)
	require.NotNil(t, reply.bytes.Data)
	assert.Equal(t, ByteArray("abc"), *reply.bytes.Data)

	// The rest is drained by ReadAll.
	reply, _, err = drv.Transact(context.Background(), streamRequest{
		config: serialTestConfig(9600),
		bytes:  &BytesRequest{ReadAll: true},
	})
	require.NoError(t, err)
	assert.Equal(t, ByteArray("def"), *reply.bytes.Data)

	// Exact read on an empty buffer times out at protocol level.
	_, _, err = drv.Transact(context.Background(), streamRequest{
		config: serialTestConfig(9600),
		bytes:  &BytesRequest{ReadExact: &ReadExactRequest{Count: 1, Timeout: DurationFrom(time.Millisecond)}},
	})
	require.Error(t, err)
	assert.Equal(t, KindProtocol, KindOf(err))
	assert.False(t, handle.closed)
}

// ReadToTerm stops at the terminator and excludes it.
func TestStreamDriverReadToTerm(t *testing.T) {
	cfg, _ := newTestConfig()
	drv, handles := newFakeStreamDriver(cfg)
	defer drv.Close()

	zero := uint32(0)
	_, _, err := drv.Transact(context.Background(), streamRequest{
		config: serialTestConfig(9600),
		bytes:  &BytesRequest{ReadUpTo: &zero},
	})
	require.NoError(t, err)
	(*handles)[0].rx.WriteString("value\nrest")

	reply, _, err := drv.Transact(context.Background(), streamRequest{
		config: serialTestConfig(9600),
		bytes:  &BytesRequest{ReadToTerm: &ReadToTermRequest{Term: '\n', Timeout: DurationFrom(time.Second)}},
	})
	require.NoError(t, err)
	assert.Equal(t, ByteArray("value"), *reply.bytes.Data)
}

// A config change on an existing handle closes it and re-opens with the
// new settings; one logical instrument remains.
func TestStreamDriverConfigReinit(t *testing.T) {
	cfg, _ := newTestConfig()
	drv, handles := newFakeStreamDriver(cfg)
	defer drv.Close()

	payload := ByteArray{1}
	_, _, err := drv.Transact(context.Background(), streamRequest{
		config: serialTestConfig(9600),
		bytes:  &BytesRequest{Write: &payload},
	})
	require.NoError(t, err)
	require.Len(t, *handles, 1)

	_, _, err = drv.Transact(context.Background(), streamRequest{
		config: serialTestConfig(115200),
		bytes:  &BytesRequest{Write: &payload},
	})
	require.NoError(t, err)
	require.Len(t, *handles, 2)
	assert.True(t, (*handles)[0].closed)
	assert.False(t, (*handles)[1].closed)

	// Same config again: no re-open.
	_, _, err = drv.Transact(context.Background(), streamRequest{
		config: serialTestConfig(115200),
		bytes:  &BytesRequest{Write: &payload},
	})
	require.NoError(t, err)
	assert.Len(t, *handles, 2)
}

// SCPI queries write the command line and decode the response; binary
// responses follow the IEEE 488.2 block format.
func TestStreamDriverScpi(t *testing.T) {
	cfg, _ := newTestConfig()
	drv, handles := newFakeStreamDriver(cfg)
	defer drv.Close()

	zero := uint32(0)
	_, _, err := drv.Transact(context.Background(), streamRequest{
		config: serialTestConfig(9600),
		bytes:  &BytesRequest{ReadUpTo: &zero},
	})
	require.NoError(t, err)
	handle := (*handles)[0]

	handle.rx.WriteString("ACME,4000,123,1.0\r\n")
	query := "*IDN?"
	reply, committed, err := drv.Transact(context.Background(), streamRequest{
		config: serialTestConfig(9600),
		scpi:   &ScpiRequest{QueryString: &query},
	})
	require.NoError(t, err)
	assert.True(t, committed)
	require.NotNil(t, reply.scpi.String)
	assert.Equal(t, "ACME,4000,123,1.0", *reply.scpi.String)
	assert.Equal(t, "*IDN?\n", handle.tx.String())

	handle.tx.Reset()
	handle.rx.WriteString("#15hello\n")
	binQuery := "CURV?"
	reply, _, err = drv.Transact(context.Background(), streamRequest{
		config: serialTestConfig(9600),
		scpi:   &ScpiRequest{QueryBinary: &binQuery},
	})
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), reply.scpi.Binary)
}

// Prologix transactions select the GPIB address before the first
// operation and skip re-selection while it is unchanged.
func TestStreamDriverPrologix(t *testing.T) {
	cfg, _ := newTestConfig()
	drv, handles := newFakeStreamDriver(cfg)
	defer drv.Close()

	gpib := uint8(9)
	command := "*RST"
	config := serialTestConfig(115200)
	_, _, err := drv.Transact(context.Background(), streamRequest{
		config: config,
		gpib:   &gpib,
		scpi:   &ScpiRequest{Write: &command},
	})
	require.NoError(t, err)
	handle := (*handles)[0]
	assert.Equal(t, "++mode 1\n++auto 1\n++addr 9\n*RST\n", handle.tx.String())

	// Same address again: no ++addr prefix.
	handle.tx.Reset()
	_, _, err = drv.Transact(context.Background(), streamRequest{
		config: config,
		gpib:   &gpib,
		scpi:   &ScpiRequest{Write: &command},
	})
	require.NoError(t, err)
	assert.Equal(t, "*RST\n", handle.tx.String())

	// A different instrument behind the same adapter re-selects.
	other := uint8(12)
	handle.tx.Reset()
	_, _, err = drv.Transact(context.Background(), streamRequest{
		config: config,
		gpib:   &other,
		scpi:   &ScpiRequest{Write: &command},
	})
	require.NoError(t, err)
	assert.Equal(t, "++addr 12\n*RST\n", handle.tx.String())
}

// Modbus-TCP transactions frame the PDU with an MBAP header and decode
// register responses; exceptions surface as protocol errors.
func TestStreamDriverModbusTCP(t *testing.T) {
	cfg, _ := newTestConfig()
	drv, handles := newFakeStreamDriver(cfg)
	defer drv.Close()

	zero := uint32(0)
	_, _, err := drv.Transact(context.Background(), streamRequest{
		config: serialTestConfig(9600),
		bytes:  &BytesRequest{ReadUpTo: &zero},
	})
	require.NoError(t, err)
	handle := (*handles)[0]

	// Response for txid 1, station 5: fc 03, 4 bytes, regs 0x1234 0x5678.
	resp := []byte{0x00, 0x01, 0x00, 0x00, 0x00, 0x07, 0x05, 0x03, 0x04, 0x12, 0x34, 0x56, 0x78}
	handle.rx.Write(resp)

	reply, committed, err := drv.Transact(context.Background(), streamRequest{
		config: serialTestConfig(9600),
		modbus: &modbusTransaction{
			proto:   modbusTCP,
			station: 5,
			req:     ModBusRequest{ReadHolding: &ModBusRange{Addr: 0x10, Count: 2}},
		},
	})
	require.NoError(t, err)
	assert.True(t, committed)
	require.NotNil(t, reply.modbus.Number)
	assert.Equal(t, []uint16{0x1234, 0x5678}, *reply.modbus.Number)

	// The request frame carried the MBAP header and the read PDU.
	sent := handle.tx.Bytes()
	require.Len(t, sent, 12)
	assert.Equal(t, uint16(1), binary.BigEndian.Uint16(sent[0:]))
	assert.Equal(t, byte(5), sent[6])
	assert.Equal(t, byte(fnReadHolding), sent[7])

	// Exception response for txid 2.
	handle.tx.Reset()
	handle.rx.Write([]byte{0x00, 0x02, 0x00, 0x00, 0x00, 0x03, 0x05, 0x83, 0x02})
	_, _, err = drv.Transact(context.Background(), streamRequest{
		config: serialTestConfig(9600),
		modbus: &modbusTransaction{
			proto:   modbusTCP,
			station: 5,
			req:     ModBusRequest{ReadHolding: &ModBusRange{Addr: 0x10, Count: 2}},
		},
	})
	require.Error(t, err)
	assert.Equal(t, KindProtocol, KindOf(err))
	assert.False(t, handle.closed)
}

// Modbus-RTU transactions carry station and CRC16 and validate the
// response checksum.
func TestStreamDriverModbusRTU(t *testing.T) {
	cfg, _ := newTestConfig()
	drv, handles := newFakeStreamDriver(cfg)
	defer drv.Close()

	zero := uint32(0)
	_, _, err := drv.Transact(context.Background(), streamRequest{
		config: serialTestConfig(19200),
		bytes:  &BytesRequest{ReadUpTo: &zero},
	})
	require.NoError(t, err)
	handle := (*handles)[0]

	// Coil read response: station 9, fc 01, 1 byte, coils 0b00000101.
	respPayload := []byte{0x09, 0x01, 0x01, 0x05}
	resp := binary.LittleEndian.AppendUint16(respPayload, crc16(respPayload))
	handle.rx.Write(resp)

	reply, _, err := drv.Transact(context.Background(), streamRequest{
		config: serialTestConfig(19200),
		modbus: &modbusTransaction{
			proto:   modbusRTU,
			station: 9,
			req:     ModBusRequest{ReadCoils: &ModBusRange{Addr: 0, Count: 3}},
		},
	})
	require.NoError(t, err)
	require.NotNil(t, reply.modbus.Bool)
	assert.Equal(t, []bool{true, false, true}, *reply.modbus.Bool)

	// The request frame ends with a valid CRC over the preceding bytes.
	sent := handle.tx.Bytes()
	require.GreaterOrEqual(t, len(sent), 4)
	payload, sum := sent[:len(sent)-2], sent[len(sent)-2:]
	assert.Equal(t, crc16(payload), binary.LittleEndian.Uint16(sum))
	assert.Equal(t, byte(9), sent[0])

	// A corrupted checksum is a protocol error.
	bad := append([]byte{0x09, 0x01, 0x01, 0x05}, 0xDE, 0xAD)
	handle.rx.Write(bad)
	_, _, err = drv.Transact(context.Background(), streamRequest{
		config: serialTestConfig(19200),
		modbus: &modbusTransaction{
			proto:   modbusRTU,
			station: 9,
			req:     ModBusRequest{ReadCoils: &ModBusRange{Addr: 0, Count: 3}},
		},
	})
	require.Error(t, err)
	assert.Equal(t, KindProtocol, KindOf(err))
}

// Out-of-range Modbus counts are rejected before any I/O.
func TestBuildModbusPDUBoundaries(t *testing.T) {
	tests := []struct {
		// name describes what this test case verifies.
		name string

		// req is the request to encode.
		req ModBusRequest

		// wantErr indicates whether encoding must fail.
		wantErr bool
	}{
		{
			name:    "count zero",
			req:     ModBusRequest{ReadCoils: &ModBusRange{Addr: 0, Count: 0}},
			wantErr: true,
		},
		{
			name:    "count 0xFFFF",
			req:     ModBusRequest{ReadCoils: &ModBusRange{Addr: 0, Count: 0xFFFF}},
			wantErr: true,
		},
		{
			name:    "max coil read",
			req:     ModBusRequest{ReadCoils: &ModBusRange{Addr: 0, Count: maxReadBits}},
			wantErr: false,
		},
		{
			name:    "register read above limit",
			req:     ModBusRequest{ReadHolding: &ModBusRange{Addr: 0, Count: maxReadRegisters + 1}},
			wantErr: true,
		},
		{
			name:    "empty register write",
			req:     ModBusRequest{WriteRegisters: &WriteRegistersRequest{Addr: 0}},
			wantErr: true,
		},
		{
			name:    "single coil write",
			req:     ModBusRequest{WriteCoil: &WriteCoilRequest{Addr: 1, Value: true}},
			wantErr: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pdu, err := buildModbusPDU(tt.req)
			if tt.wantErr {
				require.Error(t, err)
				assert.Equal(t, KindArgument, KindOf(err))
				return
			}
			require.NoError(t, err)
			assert.NotEmpty(t, pdu)
		})
	}
}

// crc16 matches the reference value for the canonical test vector.
func TestCRC16(t *testing.T) {
	// From the Modbus over serial line specification: the ADU
	// 0x02 0x07 yields CRC 0x1241 (low byte first on the wire).
	assert.Equal(t, uint16(0x1241), crc16([]byte{0x02, 0x07}))
}
