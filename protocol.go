// SPDX-License-Identifier: GPL-3.0-or-later

package comsrv

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// This file implements the JSON wire protocol: externally tagged
// variants where unit variants encode as bare strings ("Shutdown") and
// payload variants as single-key objects ({"Drop": "..."}), durations as
// {seconds, micros}, and binary payloads as arrays of small integers
// except SCPI binary responses, which are base64.

// Duration is the wire form of a time duration.
type Duration struct {
	// Seconds is the whole-seconds part.
	Seconds uint64 `json:"seconds"`

	// Micros is the sub-second part in microseconds.
	Micros uint32 `json:"micros"`
}

// DurationFrom converts a [time.Duration] to the wire form.
func DurationFrom(d time.Duration) Duration {
	if d < 0 {
		d = 0
	}
	return Duration{
		Seconds: uint64(d / time.Second),
		Micros:  uint32((d % time.Second) / time.Microsecond),
	}
}

// Std converts the wire form back to a [time.Duration].
func (d Duration) Std() time.Duration {
	return time.Duration(d.Seconds)*time.Second + time.Duration(d.Micros)*time.Microsecond
}

// ByteArray is a binary payload encoded as a JSON array of small
// integers, matching the wire convention for Vec<u8> payloads.
type ByteArray []byte

var (
	_ json.Marshaler   = ByteArray(nil)
	_ json.Unmarshaler = &ByteArray{}
)

// MarshalJSON implements [json.Marshaler].
func (b ByteArray) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('[')
	for idx, value := range b {
		if idx > 0 {
			buf.WriteByte(',')
		}
		fmt.Fprintf(&buf, "%d", value)
	}
	buf.WriteByte(']')
	return buf.Bytes(), nil
}

// UnmarshalJSON implements [json.Unmarshaler].
func (b *ByteArray) UnmarshalJSON(data []byte) error {
	var values []int
	if err := json.Unmarshal(data, &values); err != nil {
		return err
	}
	out := make([]byte, 0, len(values))
	for _, value := range values {
		if value < 0 || value > 255 {
			return fmt.Errorf("byte array element out of range: %d", value)
		}
		out = append(out, byte(value))
	}
	*b = out
	return nil
}

// errNotOneVariant means a variant object did not have exactly one key.
var errNotOneVariant = errors.New("expected exactly one variant")

// decodeVariant splits an externally tagged variant into its tag and raw
// payload. Unit variants are bare strings and yield a nil payload.
func decodeVariant(data []byte) (string, json.RawMessage, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '"' {
		var tag string
		if err := json.Unmarshal(trimmed, &tag); err != nil {
			return "", nil, err
		}
		return tag, nil, nil
	}
	var object map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &object); err != nil {
		return "", nil, err
	}
	if len(object) != 1 {
		return "", nil, errNotOneVariant
	}
	for tag, payload := range object {
		return tag, payload, nil
	}
	panic("unreachable")
}

// encodeVariant encodes an externally tagged variant. A nil payload
// produces the bare-string unit form.
func encodeVariant(tag string, payload any) ([]byte, error) {
	if payload == nil {
		return json.Marshal(tag)
	}
	return json.Marshal(map[string]any{tag: payload})
}

// InstrumentEnvelope carries the fields shared by every instrument
// sub-request: the target address, an optional lease id, and an optional
// dispatch timeout override.
type InstrumentEnvelope struct {
	// Instrument is the canonical address string of the target.
	Instrument string `json:"instrument"`

	// Lock is the lease id to present to the lock manager, if any.
	Lock *uuid.UUID `json:"lock,omitempty"`

	// Timeout overrides the default dispatch timeout when present.
	Timeout *Duration `json:"timeout,omitempty"`
}

// ScpiEnvelope is the Scpi instrument request.
type ScpiEnvelope struct {
	InstrumentEnvelope
	Request ScpiRequest `json:"request"`
}

// BytesEnvelope is the Bytes instrument request.
type BytesEnvelope struct {
	InstrumentEnvelope
	Request BytesRequest `json:"request"`
}

// ModBusEnvelope is the ModBus instrument request.
type ModBusEnvelope struct {
	InstrumentEnvelope
	Request ModBusRequest `json:"request"`
}

// CanEnvelope is the Can instrument request.
type CanEnvelope struct {
	InstrumentEnvelope
	Request CanRequest `json:"request"`
}

// SigrokEnvelope is the Sigrok instrument request.
type SigrokEnvelope struct {
	InstrumentEnvelope
	Request SigrokRequest `json:"request"`
}

// HidEnvelope is the Hid instrument request.
type HidEnvelope struct {
	InstrumentEnvelope
	Request HidRequest `json:"request"`
}

// LockRequest asks for a timed lease on an address.
type LockRequest struct {
	// Addr is the canonical address string.
	Addr string `json:"addr"`

	// Timeout is the lease duration.
	Timeout Duration `json:"timeout"`
}

// UnlockRequest releases a lease.
type UnlockRequest struct {
	// Addr is the canonical address string.
	Addr string `json:"addr"`

	// ID is the lease id returned by Lock.
	ID uuid.UUID `json:"id"`
}

// Request is the top-level tagged request union.
//
// Exactly one field is set. Instrument variants carry an envelope; admin
// variants are unit tags or small payloads.
type Request struct {
	Scpi   *ScpiEnvelope
	Bytes  *BytesEnvelope
	ModBus *ModBusEnvelope
	Can    *CanEnvelope
	Sigrok *SigrokEnvelope
	Hid    *HidEnvelope

	Drop   *string
	Lock   *LockRequest
	Unlock *UnlockRequest

	ListInstruments   bool
	ListSerialPorts   bool
	ListCanDevices    bool
	ListFtdiDevices   bool
	ListSigrokDevices bool
	DropAll           bool
	Shutdown          bool
	Version           bool
}

var (
	_ json.Marshaler   = Request{}
	_ json.Unmarshaler = &Request{}
)

// MarshalJSON implements [json.Marshaler].
func (r Request) MarshalJSON() ([]byte, error) {
	switch {
	case r.Scpi != nil:
		return encodeVariant("Scpi", r.Scpi)
	case r.Bytes != nil:
		return encodeVariant("Bytes", r.Bytes)
	case r.ModBus != nil:
		return encodeVariant("ModBus", r.ModBus)
	case r.Can != nil:
		return encodeVariant("Can", r.Can)
	case r.Sigrok != nil:
		return encodeVariant("Sigrok", r.Sigrok)
	case r.Hid != nil:
		return encodeVariant("Hid", r.Hid)
	case r.Drop != nil:
		return encodeVariant("Drop", r.Drop)
	case r.Lock != nil:
		return encodeVariant("Lock", r.Lock)
	case r.Unlock != nil:
		return encodeVariant("Unlock", r.Unlock)
	case r.ListInstruments:
		return encodeVariant("ListInstruments", nil)
	case r.ListSerialPorts:
		return encodeVariant("ListSerialPorts", nil)
	case r.ListCanDevices:
		return encodeVariant("ListCanDevices", nil)
	case r.ListFtdiDevices:
		return encodeVariant("ListFtdiDevices", nil)
	case r.ListSigrokDevices:
		return encodeVariant("ListSigrokDevices", nil)
	case r.DropAll:
		return encodeVariant("DropAll", nil)
	case r.Shutdown:
		return encodeVariant("Shutdown", nil)
	case r.Version:
		return encodeVariant("Version", nil)
	default:
		return nil, errors.New("empty request")
	}
}

// UnmarshalJSON implements [json.Unmarshaler].
func (r *Request) UnmarshalJSON(data []byte) error {
	tag, payload, err := decodeVariant(data)
	if err != nil {
		return err
	}
	*r = Request{}
	switch tag {
	case "Scpi":
		r.Scpi = &ScpiEnvelope{}
		return json.Unmarshal(payload, r.Scpi)
	case "Bytes":
		r.Bytes = &BytesEnvelope{}
		return json.Unmarshal(payload, r.Bytes)
	case "ModBus":
		r.ModBus = &ModBusEnvelope{}
		return json.Unmarshal(payload, r.ModBus)
	case "Can":
		r.Can = &CanEnvelope{}
		return json.Unmarshal(payload, r.Can)
	case "Sigrok":
		r.Sigrok = &SigrokEnvelope{}
		return json.Unmarshal(payload, r.Sigrok)
	case "Hid":
		r.Hid = &HidEnvelope{}
		return json.Unmarshal(payload, r.Hid)
	case "Drop":
		r.Drop = new(string)
		return json.Unmarshal(payload, r.Drop)
	case "Lock":
		r.Lock = &LockRequest{}
		return json.Unmarshal(payload, r.Lock)
	case "Unlock":
		r.Unlock = &UnlockRequest{}
		return json.Unmarshal(payload, r.Unlock)
	case "ListInstruments":
		r.ListInstruments = true
		return nil
	case "ListSerialPorts":
		r.ListSerialPorts = true
		return nil
	case "ListCanDevices":
		r.ListCanDevices = true
		return nil
	case "ListFtdiDevices":
		r.ListFtdiDevices = true
		return nil
	case "ListSigrokDevices":
		r.ListSigrokDevices = true
		return nil
	case "DropAll":
		r.DropAll = true
		return nil
	case "Shutdown":
		r.Shutdown = true
		return nil
	case "Version":
		r.Version = true
		return nil
	default:
		return fmt.Errorf("unknown request tag %q", tag)
	}
}

// ScpiRequest is the SCPI sub-request union.
type ScpiRequest struct {
	// Write sends a command without reading a response.
	Write *string

	// QueryString sends a command and reads a textual response line.
	QueryString *string

	// QueryBinary sends a command and reads an IEEE 488.2 definite
	// length block response.
	QueryBinary *string
}

var (
	_ json.Marshaler   = ScpiRequest{}
	_ json.Unmarshaler = &ScpiRequest{}
)

// MarshalJSON implements [json.Marshaler].
func (r ScpiRequest) MarshalJSON() ([]byte, error) {
	switch {
	case r.Write != nil:
		return encodeVariant("Write", r.Write)
	case r.QueryString != nil:
		return encodeVariant("QueryString", r.QueryString)
	case r.QueryBinary != nil:
		return encodeVariant("QueryBinary", r.QueryBinary)
	default:
		return nil, errors.New("empty scpi request")
	}
}

// UnmarshalJSON implements [json.Unmarshaler].
func (r *ScpiRequest) UnmarshalJSON(data []byte) error {
	tag, payload, err := decodeVariant(data)
	if err != nil {
		return err
	}
	*r = ScpiRequest{}
	switch tag {
	case "Write":
		r.Write = new(string)
		return json.Unmarshal(payload, r.Write)
	case "QueryString":
		r.QueryString = new(string)
		return json.Unmarshal(payload, r.QueryString)
	case "QueryBinary":
		r.QueryBinary = new(string)
		return json.Unmarshal(payload, r.QueryBinary)
	default:
		return fmt.Errorf("unknown scpi request tag %q", tag)
	}
}

// ScpiResponse is the SCPI sub-response union. Binary payloads are
// base64-encoded on the wire (the one exception to the integer-array
// convention, because SCPI blocks can be large).
type ScpiResponse struct {
	Done   bool
	String *string
	Binary []byte
}

var (
	_ json.Marshaler   = ScpiResponse{}
	_ json.Unmarshaler = &ScpiResponse{}
)

// MarshalJSON implements [json.Marshaler].
func (r ScpiResponse) MarshalJSON() ([]byte, error) {
	switch {
	case r.String != nil:
		return encodeVariant("String", r.String)
	case r.Binary != nil:
		return encodeVariant("Binary", r.Binary)
	case r.Done:
		return encodeVariant("Done", nil)
	default:
		return nil, errors.New("empty scpi response")
	}
}

// UnmarshalJSON implements [json.Unmarshaler].
func (r *ScpiResponse) UnmarshalJSON(data []byte) error {
	tag, payload, err := decodeVariant(data)
	if err != nil {
		return err
	}
	*r = ScpiResponse{}
	switch tag {
	case "Done":
		r.Done = true
		return nil
	case "String":
		r.String = new(string)
		return json.Unmarshal(payload, r.String)
	case "Binary":
		return json.Unmarshal(payload, &r.Binary)
	default:
		return fmt.Errorf("unknown scpi response tag %q", tag)
	}
}

// ReadExactRequest reads an exact number of bytes within a timeout.
type ReadExactRequest struct {
	Count   uint32   `json:"count"`
	Timeout Duration `json:"timeout"`
}

// ReadToTermRequest reads until a terminator byte within a timeout.
type ReadToTermRequest struct {
	Term    uint8    `json:"term"`
	Timeout Duration `json:"timeout"`
}

// LineRequest writes a line with the given terminator.
type LineRequest struct {
	Line string `json:"line"`
	Term string `json:"term"`
}

// QueryLineRequest writes a line and reads one line back.
type QueryLineRequest struct {
	Line    string   `json:"line"`
	Term    string   `json:"term"`
	Timeout Duration `json:"timeout"`
}

// BytesRequest is the raw byte-stream sub-request union.
type BytesRequest struct {
	Write      *ByteArray
	ReadExact  *ReadExactRequest
	ReadUpTo   *uint32
	ReadAll    bool
	ReadToTerm *ReadToTermRequest
	WriteLine  *LineRequest
	QueryLine  *QueryLineRequest
}

var (
	_ json.Marshaler   = BytesRequest{}
	_ json.Unmarshaler = &BytesRequest{}
)

// MarshalJSON implements [json.Marshaler].
func (r BytesRequest) MarshalJSON() ([]byte, error) {
	switch {
	case r.Write != nil:
		return encodeVariant("Write", r.Write)
	case r.ReadExact != nil:
		return encodeVariant("ReadExact", r.ReadExact)
	case r.ReadUpTo != nil:
		return encodeVariant("ReadUpTo", r.ReadUpTo)
	case r.ReadAll:
		return encodeVariant("ReadAll", nil)
	case r.ReadToTerm != nil:
		return encodeVariant("ReadToTerm", r.ReadToTerm)
	case r.WriteLine != nil:
		return encodeVariant("WriteLine", r.WriteLine)
	case r.QueryLine != nil:
		return encodeVariant("QueryLine", r.QueryLine)
	default:
		return nil, errors.New("empty bytes request")
	}
}

// UnmarshalJSON implements [json.Unmarshaler].
func (r *BytesRequest) UnmarshalJSON(data []byte) error {
	tag, payload, err := decodeVariant(data)
	if err != nil {
		return err
	}
	*r = BytesRequest{}
	switch tag {
	case "Write":
		r.Write = &ByteArray{}
		return json.Unmarshal(payload, r.Write)
	case "ReadExact":
		r.ReadExact = &ReadExactRequest{}
		return json.Unmarshal(payload, r.ReadExact)
	case "ReadUpTo":
		r.ReadUpTo = new(uint32)
		return json.Unmarshal(payload, r.ReadUpTo)
	case "ReadAll":
		r.ReadAll = true
		return nil
	case "ReadToTerm":
		r.ReadToTerm = &ReadToTermRequest{}
		return json.Unmarshal(payload, r.ReadToTerm)
	case "WriteLine":
		r.WriteLine = &LineRequest{}
		return json.Unmarshal(payload, r.WriteLine)
	case "QueryLine":
		r.QueryLine = &QueryLineRequest{}
		return json.Unmarshal(payload, r.QueryLine)
	default:
		return fmt.Errorf("unknown bytes request tag %q", tag)
	}
}

// BytesResponse is the raw byte-stream sub-response union.
type BytesResponse struct {
	Done   bool
	Data   *ByteArray
	String *string
}

var (
	_ json.Marshaler   = BytesResponse{}
	_ json.Unmarshaler = &BytesResponse{}
)

// MarshalJSON implements [json.Marshaler].
func (r BytesResponse) MarshalJSON() ([]byte, error) {
	switch {
	case r.Data != nil:
		return encodeVariant("Data", r.Data)
	case r.String != nil:
		return encodeVariant("String", r.String)
	case r.Done:
		return encodeVariant("Done", nil)
	default:
		return nil, errors.New("empty bytes response")
	}
}

// UnmarshalJSON implements [json.Unmarshaler].
func (r *BytesResponse) UnmarshalJSON(data []byte) error {
	tag, payload, err := decodeVariant(data)
	if err != nil {
		return err
	}
	*r = BytesResponse{}
	switch tag {
	case "Done":
		r.Done = true
		return nil
	case "Data":
		r.Data = &ByteArray{}
		return json.Unmarshal(payload, r.Data)
	case "String":
		r.String = new(string)
		return json.Unmarshal(payload, r.String)
	default:
		return fmt.Errorf("unknown bytes response tag %q", tag)
	}
}

// ModBusRange addresses a run of coils or registers.
type ModBusRange struct {
	Addr  uint16 `json:"addr"`
	Count uint16 `json:"count"`
}

// WriteCoilRequest writes a single coil.
type WriteCoilRequest struct {
	Addr  uint16 `json:"addr"`
	Value bool   `json:"value"`
}

// WriteRegisterRequest writes a single holding register.
type WriteRegisterRequest struct {
	Addr  uint16 `json:"addr"`
	Value uint16 `json:"value"`
}

// WriteCoilsRequest writes multiple coils.
type WriteCoilsRequest struct {
	Addr   uint16 `json:"addr"`
	Values []bool `json:"values"`
}

// WriteRegistersRequest writes multiple holding registers.
type WriteRegistersRequest struct {
	Addr   uint16   `json:"addr"`
	Values []uint16 `json:"values"`
}

// ModBusRequest is the Modbus sub-request union.
type ModBusRequest struct {
	ReadCoils      *ModBusRange
	ReadDiscretes  *ModBusRange
	ReadHolding    *ModBusRange
	ReadInput      *ModBusRange
	WriteCoil      *WriteCoilRequest
	WriteRegister  *WriteRegisterRequest
	WriteCoils     *WriteCoilsRequest
	WriteRegisters *WriteRegistersRequest
}

var (
	_ json.Marshaler   = ModBusRequest{}
	_ json.Unmarshaler = &ModBusRequest{}
)

// MarshalJSON implements [json.Marshaler].
func (r ModBusRequest) MarshalJSON() ([]byte, error) {
	switch {
	case r.ReadCoils != nil:
		return encodeVariant("ReadCoils", r.ReadCoils)
	case r.ReadDiscretes != nil:
		return encodeVariant("ReadDiscretes", r.ReadDiscretes)
	case r.ReadHolding != nil:
		return encodeVariant("ReadHolding", r.ReadHolding)
	case r.ReadInput != nil:
		return encodeVariant("ReadInput", r.ReadInput)
	case r.WriteCoil != nil:
		return encodeVariant("WriteCoil", r.WriteCoil)
	case r.WriteRegister != nil:
		return encodeVariant("WriteRegister", r.WriteRegister)
	case r.WriteCoils != nil:
		return encodeVariant("WriteCoils", r.WriteCoils)
	case r.WriteRegisters != nil:
		return encodeVariant("WriteRegisters", r.WriteRegisters)
	default:
		return nil, errors.New("empty modbus request")
	}
}

// UnmarshalJSON implements [json.Unmarshaler].
func (r *ModBusRequest) UnmarshalJSON(data []byte) error {
	tag, payload, err := decodeVariant(data)
	if err != nil {
		return err
	}
	*r = ModBusRequest{}
	switch tag {
	case "ReadCoils":
		r.ReadCoils = &ModBusRange{}
		return json.Unmarshal(payload, r.ReadCoils)
	case "ReadDiscretes":
		r.ReadDiscretes = &ModBusRange{}
		return json.Unmarshal(payload, r.ReadDiscretes)
	case "ReadHolding":
		r.ReadHolding = &ModBusRange{}
		return json.Unmarshal(payload, r.ReadHolding)
	case "ReadInput":
		r.ReadInput = &ModBusRange{}
		return json.Unmarshal(payload, r.ReadInput)
	case "WriteCoil":
		r.WriteCoil = &WriteCoilRequest{}
		return json.Unmarshal(payload, r.WriteCoil)
	case "WriteRegister":
		r.WriteRegister = &WriteRegisterRequest{}
		return json.Unmarshal(payload, r.WriteRegister)
	case "WriteCoils":
		r.WriteCoils = &WriteCoilsRequest{}
		return json.Unmarshal(payload, r.WriteCoils)
	case "WriteRegisters":
		r.WriteRegisters = &WriteRegistersRequest{}
		return json.Unmarshal(payload, r.WriteRegisters)
	default:
		return fmt.Errorf("unknown modbus request tag %q", tag)
	}
}

// ModBusResponse is the Modbus sub-response union.
type ModBusResponse struct {
	Done   bool
	Bool   *[]bool
	Number *[]uint16
}

var (
	_ json.Marshaler   = ModBusResponse{}
	_ json.Unmarshaler = &ModBusResponse{}
)

// MarshalJSON implements [json.Marshaler].
func (r ModBusResponse) MarshalJSON() ([]byte, error) {
	switch {
	case r.Bool != nil:
		return encodeVariant("Bool", r.Bool)
	case r.Number != nil:
		return encodeVariant("Number", r.Number)
	case r.Done:
		return encodeVariant("Done", nil)
	default:
		return nil, errors.New("empty modbus response")
	}
}

// UnmarshalJSON implements [json.Unmarshaler].
func (r *ModBusResponse) UnmarshalJSON(data []byte) error {
	tag, payload, err := decodeVariant(data)
	if err != nil {
		return err
	}
	*r = ModBusResponse{}
	switch tag {
	case "Done":
		r.Done = true
		return nil
	case "Bool":
		r.Bool = &[]bool{}
		return json.Unmarshal(payload, r.Bool)
	case "Number":
		r.Number = &[]uint16{}
		return json.Unmarshal(payload, r.Number)
	default:
		return fmt.Errorf("unknown modbus response tag %q", tag)
	}
}

// CANMessage is one raw CAN frame.
type CANMessage struct {
	// ID is the arbitration id: 11 bits for standard frames, 29 bits
	// for extended frames.
	ID uint32 `json:"id"`

	// Data is the frame payload (0..8 bytes).
	Data ByteArray `json:"data"`

	// ExtID marks an extended (29-bit) arbitration id.
	ExtID bool `json:"ext_id"`

	// RTR marks a remote transmission request frame.
	RTR bool `json:"rtr"`
}

// CanRequest is the CAN sub-request union.
type CanRequest struct {
	// TxRaw transmits one raw frame.
	TxRaw *CANMessage

	// ListenRaw enables or disables publication of received raw frames
	// onto the notification bus.
	ListenRaw *bool
}

var (
	_ json.Marshaler   = CanRequest{}
	_ json.Unmarshaler = &CanRequest{}
)

// MarshalJSON implements [json.Marshaler].
func (r CanRequest) MarshalJSON() ([]byte, error) {
	switch {
	case r.TxRaw != nil:
		return encodeVariant("TxRaw", r.TxRaw)
	case r.ListenRaw != nil:
		return encodeVariant("ListenRaw", r.ListenRaw)
	default:
		return nil, errors.New("empty can request")
	}
}

// UnmarshalJSON implements [json.Unmarshaler].
func (r *CanRequest) UnmarshalJSON(data []byte) error {
	tag, payload, err := decodeVariant(data)
	if err != nil {
		return err
	}
	*r = CanRequest{}
	switch tag {
	case "TxRaw":
		r.TxRaw = &CANMessage{}
		return json.Unmarshal(payload, r.TxRaw)
	case "ListenRaw":
		r.ListenRaw = new(bool)
		return json.Unmarshal(payload, r.ListenRaw)
	default:
		return fmt.Errorf("unknown can request tag %q", tag)
	}
}

// CanResponse is the CAN sub-response union.
type CanResponse struct {
	Ok  bool
	Raw *CANMessage
}

var (
	_ json.Marshaler   = CanResponse{}
	_ json.Unmarshaler = &CanResponse{}
)

// MarshalJSON implements [json.Marshaler].
func (r CanResponse) MarshalJSON() ([]byte, error) {
	switch {
	case r.Raw != nil:
		return encodeVariant("Raw", r.Raw)
	case r.Ok:
		return encodeVariant("Ok", nil)
	default:
		return nil, errors.New("empty can response")
	}
}

// UnmarshalJSON implements [json.Unmarshaler].
func (r *CanResponse) UnmarshalJSON(data []byte) error {
	tag, payload, err := decodeVariant(data)
	if err != nil {
		return err
	}
	*r = CanResponse{}
	switch tag {
	case "Ok":
		r.Ok = true
		return nil
	case "Raw":
		r.Raw = &CANMessage{}
		return json.Unmarshal(payload, r.Raw)
	default:
		return fmt.Errorf("unknown can response tag %q", tag)
	}
}

// SigrokAcquireRequest configures one acquisition run.
type SigrokAcquireRequest struct {
	// Channels selects the probe channels, e.g. ["D0", "D1"]. Empty
	// means all channels.
	Channels []string `json:"channels"`

	// SampleRate is the sample rate in Hz.
	SampleRate uint64 `json:"sample_rate"`

	// Samples is the number of samples to acquire.
	Samples uint64 `json:"samples"`
}

// SigrokRequest is the sigrok sub-request union.
type SigrokRequest struct {
	ReadData *SigrokAcquireRequest
}

var (
	_ json.Marshaler   = SigrokRequest{}
	_ json.Unmarshaler = &SigrokRequest{}
)

// MarshalJSON implements [json.Marshaler].
func (r SigrokRequest) MarshalJSON() ([]byte, error) {
	if r.ReadData == nil {
		return nil, errors.New("empty sigrok request")
	}
	return encodeVariant("ReadData", r.ReadData)
}

// UnmarshalJSON implements [json.Unmarshaler].
func (r *SigrokRequest) UnmarshalJSON(data []byte) error {
	tag, payload, err := decodeVariant(data)
	if err != nil {
		return err
	}
	*r = SigrokRequest{}
	switch tag {
	case "ReadData":
		r.ReadData = &SigrokAcquireRequest{}
		return json.Unmarshal(payload, r.ReadData)
	default:
		return fmt.Errorf("unknown sigrok request tag %q", tag)
	}
}

// SigrokData is one acquisition result.
type SigrokData struct {
	// TSample is the sampling period in seconds.
	TSample float64 `json:"tsample"`

	// Length is the number of samples per channel.
	Length uint64 `json:"length"`

	// Channels maps each channel name to its sample bytes.
	Channels map[string]ByteArray `json:"channels"`
}

// SigrokResponse is the sigrok sub-response union.
type SigrokResponse struct {
	Data *SigrokData
}

var (
	_ json.Marshaler   = SigrokResponse{}
	_ json.Unmarshaler = &SigrokResponse{}
)

// MarshalJSON implements [json.Marshaler].
func (r SigrokResponse) MarshalJSON() ([]byte, error) {
	if r.Data == nil {
		return nil, errors.New("empty sigrok response")
	}
	return encodeVariant("Data", r.Data)
}

// UnmarshalJSON implements [json.Unmarshaler].
func (r *SigrokResponse) UnmarshalJSON(data []byte) error {
	tag, payload, err := decodeVariant(data)
	if err != nil {
		return err
	}
	*r = SigrokResponse{}
	switch tag {
	case "Data":
		r.Data = &SigrokData{}
		return json.Unmarshal(payload, r.Data)
	default:
		return fmt.Errorf("unknown sigrok response tag %q", tag)
	}
}

// HidReadRequest reads one input report within a timeout.
type HidReadRequest struct {
	Timeout Duration `json:"timeout"`
}

// HidRequest is the HID sub-request union.
type HidRequest struct {
	Write   *ByteArray
	Read    *HidReadRequest
	GetInfo bool
}

var (
	_ json.Marshaler   = HidRequest{}
	_ json.Unmarshaler = &HidRequest{}
)

// MarshalJSON implements [json.Marshaler].
func (r HidRequest) MarshalJSON() ([]byte, error) {
	switch {
	case r.Write != nil:
		return encodeVariant("Write", r.Write)
	case r.Read != nil:
		return encodeVariant("Read", r.Read)
	case r.GetInfo:
		return encodeVariant("GetInfo", nil)
	default:
		return nil, errors.New("empty hid request")
	}
}

// UnmarshalJSON implements [json.Unmarshaler].
func (r *HidRequest) UnmarshalJSON(data []byte) error {
	tag, payload, err := decodeVariant(data)
	if err != nil {
		return err
	}
	*r = HidRequest{}
	switch tag {
	case "Write":
		r.Write = &ByteArray{}
		return json.Unmarshal(payload, r.Write)
	case "Read":
		r.Read = &HidReadRequest{}
		return json.Unmarshal(payload, r.Read)
	case "GetInfo":
		r.GetInfo = true
		return nil
	default:
		return fmt.Errorf("unknown hid request tag %q", tag)
	}
}

// HidDeviceInfo describes an open HID device.
type HidDeviceInfo struct {
	VID          uint16 `json:"vid"`
	PID          uint16 `json:"pid"`
	Manufacturer string `json:"manufacturer"`
	Product      string `json:"product"`
}

// HidResponse is the HID sub-response union.
type HidResponse struct {
	Done bool
	Data *ByteArray
	Info *HidDeviceInfo
}

var (
	_ json.Marshaler   = HidResponse{}
	_ json.Unmarshaler = &HidResponse{}
)

// MarshalJSON implements [json.Marshaler].
func (r HidResponse) MarshalJSON() ([]byte, error) {
	switch {
	case r.Data != nil:
		return encodeVariant("Data", r.Data)
	case r.Info != nil:
		return encodeVariant("Info", r.Info)
	case r.Done:
		return encodeVariant("Done", nil)
	default:
		return nil, errors.New("empty hid response")
	}
}

// UnmarshalJSON implements [json.Unmarshaler].
func (r *HidResponse) UnmarshalJSON(data []byte) error {
	tag, payload, err := decodeVariant(data)
	if err != nil {
		return err
	}
	*r = HidResponse{}
	switch tag {
	case "Done":
		r.Done = true
		return nil
	case "Data":
		r.Data = &ByteArray{}
		return json.Unmarshal(payload, r.Data)
	case "Info":
		r.Info = &HidDeviceInfo{}
		return json.Unmarshal(payload, r.Info)
	default:
		return fmt.Errorf("unknown hid response tag %q", tag)
	}
}

// FtdiDeviceInfo describes one enumerated FTDI adapter.
type FtdiDeviceInfo struct {
	// Port is the OS device node, e.g. "/dev/ttyUSB0".
	Port string `json:"port"`

	// SerialNumber is the adapter serial number used in ftdi
	// addresses.
	SerialNumber string `json:"serial_number"`

	// VID and PID are the USB ids as reported by enumeration.
	VID string `json:"vid"`
	PID string `json:"pid"`

	// Product is the USB product string.
	Product string `json:"product"`
}

// ErrorPayload is the wire form of a relay error: a category tag plus a
// human-readable message.
type ErrorPayload struct {
	// Tag is one of Transport, Protocol, Argument, Internal,
	// Disconnected, Timeout, InvalidAddress, InvalidRequest,
	// NotSupported, LockedByOther.
	Tag string

	// Message is the human-readable description.
	Message string
}

var (
	_ json.Marshaler   = ErrorPayload{}
	_ json.Unmarshaler = &ErrorPayload{}
)

// MarshalJSON implements [json.Marshaler].
func (p ErrorPayload) MarshalJSON() ([]byte, error) {
	return encodeVariant(p.Tag, p.Message)
}

// UnmarshalJSON implements [json.Unmarshaler].
func (p *ErrorPayload) UnmarshalJSON(data []byte) error {
	tag, payload, err := decodeVariant(data)
	if err != nil {
		return err
	}
	p.Tag = tag
	p.Message = ""
	if payload != nil {
		return json.Unmarshal(payload, &p.Message)
	}
	return nil
}

// NewErrorPayload derives the wire form from err, mapping surface
// sentinels to their dedicated tags and everything else to its
// [ErrorKind].
func NewErrorPayload(err error) ErrorPayload {
	tag := KindOf(err).String()
	switch {
	case errors.Is(err, ErrDisconnected):
		tag = "Disconnected"
	case errors.Is(err, ErrTimeout):
		tag = "Timeout"
	case errors.Is(err, ErrInvalidAddress):
		tag = "InvalidAddress"
	case errors.Is(err, ErrInvalidRequest):
		tag = "InvalidRequest"
	case errors.Is(err, ErrNotSupported):
		tag = "NotSupported"
	case errors.Is(err, ErrLockedByOther):
		tag = "LockedByOther"
	}
	return ErrorPayload{Tag: tag, Message: err.Error()}
}

// LockedPayload carries a freshly issued lease id.
type LockedPayload struct {
	LockID uuid.UUID `json:"lock_id"`
}

// VersionPayload carries the relay version triple.
type VersionPayload struct {
	Major uint32 `json:"major"`
	Minor uint32 `json:"minor"`
	Build uint32 `json:"build"`
}

// Response is the top-level tagged response union. Exactly one field is
// set.
type Response struct {
	Error  *ErrorPayload
	Scpi   *ScpiResponse
	Bytes  *BytesResponse
	ModBus *ModBusResponse
	Can    *CanResponse
	Sigrok *SigrokResponse
	Hid    *HidResponse

	Instruments   *[]string
	SerialPorts   *[]string
	CanDevices    *[]string
	FtdiDevices   *[]FtdiDeviceInfo
	SigrokDevices *[]string

	Locked  *LockedPayload
	Version *VersionPayload
	Notify  *Notification
	Done    bool
}

var (
	_ json.Marshaler   = Response{}
	_ json.Unmarshaler = &Response{}
)

// ErrorResponse wraps err into the Error response variant.
func ErrorResponse(err error) Response {
	payload := NewErrorPayload(err)
	return Response{Error: &payload}
}

// DoneResponse returns the unit success response.
func DoneResponse() Response {
	return Response{Done: true}
}

// MarshalJSON implements [json.Marshaler].
func (r Response) MarshalJSON() ([]byte, error) {
	switch {
	case r.Error != nil:
		return encodeVariant("Error", r.Error)
	case r.Scpi != nil:
		return encodeVariant("Scpi", r.Scpi)
	case r.Bytes != nil:
		return encodeVariant("Bytes", r.Bytes)
	case r.ModBus != nil:
		return encodeVariant("ModBus", r.ModBus)
	case r.Can != nil:
		return encodeVariant("Can", r.Can)
	case r.Sigrok != nil:
		return encodeVariant("Sigrok", r.Sigrok)
	case r.Hid != nil:
		return encodeVariant("Hid", r.Hid)
	case r.Instruments != nil:
		return encodeVariant("Instruments", r.Instruments)
	case r.SerialPorts != nil:
		return encodeVariant("SerialPorts", r.SerialPorts)
	case r.CanDevices != nil:
		return encodeVariant("CanDevices", r.CanDevices)
	case r.FtdiDevices != nil:
		return encodeVariant("FtdiDevices", r.FtdiDevices)
	case r.SigrokDevices != nil:
		return encodeVariant("SigrokDevices", r.SigrokDevices)
	case r.Locked != nil:
		return encodeVariant("Locked", r.Locked)
	case r.Version != nil:
		return encodeVariant("Version", r.Version)
	case r.Notify != nil:
		return encodeVariant("Notify", r.Notify)
	case r.Done:
		return encodeVariant("Done", nil)
	default:
		return nil, errors.New("empty response")
	}
}

// UnmarshalJSON implements [json.Unmarshaler].
func (r *Response) UnmarshalJSON(data []byte) error {
	tag, payload, err := decodeVariant(data)
	if err != nil {
		return err
	}
	*r = Response{}
	switch tag {
	case "Error":
		r.Error = &ErrorPayload{}
		return json.Unmarshal(payload, r.Error)
	case "Scpi":
		r.Scpi = &ScpiResponse{}
		return json.Unmarshal(payload, r.Scpi)
	case "Bytes":
		r.Bytes = &BytesResponse{}
		return json.Unmarshal(payload, r.Bytes)
	case "ModBus":
		r.ModBus = &ModBusResponse{}
		return json.Unmarshal(payload, r.ModBus)
	case "Can":
		r.Can = &CanResponse{}
		return json.Unmarshal(payload, r.Can)
	case "Sigrok":
		r.Sigrok = &SigrokResponse{}
		return json.Unmarshal(payload, r.Sigrok)
	case "Hid":
		r.Hid = &HidResponse{}
		return json.Unmarshal(payload, r.Hid)
	case "Instruments":
		r.Instruments = &[]string{}
		return json.Unmarshal(payload, r.Instruments)
	case "SerialPorts":
		r.SerialPorts = &[]string{}
		return json.Unmarshal(payload, r.SerialPorts)
	case "CanDevices":
		r.CanDevices = &[]string{}
		return json.Unmarshal(payload, r.CanDevices)
	case "FtdiDevices":
		r.FtdiDevices = &[]FtdiDeviceInfo{}
		return json.Unmarshal(payload, r.FtdiDevices)
	case "SigrokDevices":
		r.SigrokDevices = &[]string{}
		return json.Unmarshal(payload, r.SigrokDevices)
	case "Locked":
		r.Locked = &LockedPayload{}
		return json.Unmarshal(payload, r.Locked)
	case "Version":
		r.Version = &VersionPayload{}
		return json.Unmarshal(payload, r.Version)
	case "Notify":
		r.Notify = &Notification{}
		return json.Unmarshal(payload, r.Notify)
	case "Done":
		r.Done = true
		return nil
	default:
		return fmt.Errorf("unknown response tag %q", tag)
	}
}
