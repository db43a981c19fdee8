// SPDX-License-Identifier: GPL-3.0-or-later

package comsrv

import (
	"encoding/binary"
	"time"
)

// Modbus function codes served by the relay.
const (
	fnReadCoils      = 0x01
	fnReadDiscretes  = 0x02
	fnReadHolding    = 0x03
	fnReadInput      = 0x04
	fnWriteCoil      = 0x05
	fnWriteRegister  = 0x06
	fnWriteCoils     = 0x0F
	fnWriteRegisters = 0x10
)

// Modbus protocol limits (Modbus Application Protocol v1.1b3).
const (
	maxReadBits      = 0x07D0
	maxReadRegisters = 0x007D
	maxWriteBits     = 0x07B0
	maxWriteRegs     = 0x007B
)

// modbusReadTimeout bounds one response frame.
const modbusReadTimeout = time.Second

// buildModbusPDU encodes the protocol data unit for req: function code
// plus payload, without station or checksum.
func buildModbusPDU(req ModBusRequest) ([]byte, error) {
	switch {
	case req.ReadCoils != nil:
		return buildReadPDU(fnReadCoils, *req.ReadCoils, maxReadBits)
	case req.ReadDiscretes != nil:
		return buildReadPDU(fnReadDiscretes, *req.ReadDiscretes, maxReadBits)
	case req.ReadHolding != nil:
		return buildReadPDU(fnReadHolding, *req.ReadHolding, maxReadRegisters)
	case req.ReadInput != nil:
		return buildReadPDU(fnReadInput, *req.ReadInput, maxReadRegisters)
	case req.WriteCoil != nil:
		value := uint16(0x0000)
		if req.WriteCoil.Value {
			value = 0xFF00
		}
		pdu := make([]byte, 5)
		pdu[0] = fnWriteCoil
		binary.BigEndian.PutUint16(pdu[1:], req.WriteCoil.Addr)
		binary.BigEndian.PutUint16(pdu[3:], value)
		return pdu, nil
	case req.WriteRegister != nil:
		pdu := make([]byte, 5)
		pdu[0] = fnWriteRegister
		binary.BigEndian.PutUint16(pdu[1:], req.WriteRegister.Addr)
		binary.BigEndian.PutUint16(pdu[3:], req.WriteRegister.Value)
		return pdu, nil
	case req.WriteCoils != nil:
		count := len(req.WriteCoils.Values)
		if count == 0 || count > maxWriteBits {
			return nil, Argumentf("modbus", "coil count %d out of range 1..%d", count, maxWriteBits)
		}
		byteCount := (count + 7) / 8
		pdu := make([]byte, 6+byteCount)
		pdu[0] = fnWriteCoils
		binary.BigEndian.PutUint16(pdu[1:], req.WriteCoils.Addr)
		binary.BigEndian.PutUint16(pdu[3:], uint16(count))
		pdu[5] = byte(byteCount)
		for idx, value := range req.WriteCoils.Values {
			if value {
				pdu[6+idx/8] |= 1 << (idx % 8)
			}
		}
		return pdu, nil
	case req.WriteRegisters != nil:
		count := len(req.WriteRegisters.Values)
		if count == 0 || count > maxWriteRegs {
			return nil, Argumentf("modbus", "register count %d out of range 1..%d", count, maxWriteRegs)
		}
		pdu := make([]byte, 6+2*count)
		pdu[0] = fnWriteRegisters
		binary.BigEndian.PutUint16(pdu[1:], req.WriteRegisters.Addr)
		binary.BigEndian.PutUint16(pdu[3:], uint16(count))
		pdu[5] = byte(2 * count)
		for idx, value := range req.WriteRegisters.Values {
			binary.BigEndian.PutUint16(pdu[6+2*idx:], value)
		}
		return pdu, nil
	default:
		return nil, Argumentf("modbus", "empty modbus request")
	}
}

func buildReadPDU(fn byte, rng ModBusRange, maxCount int) ([]byte, error) {
	if rng.Count == 0 || int(rng.Count) > maxCount {
		return nil, Argumentf("modbus", "read count %d out of range 1..%d", rng.Count, maxCount)
	}
	pdu := make([]byte, 5)
	pdu[0] = fn
	binary.BigEndian.PutUint16(pdu[1:], rng.Addr)
	binary.BigEndian.PutUint16(pdu[3:], rng.Count)
	return pdu, nil
}

// parseModbusPDU decodes the response PDU for req. Exception responses
// (function code with the high bit set) are [KindProtocol] failures.
func parseModbusPDU(req ModBusRequest, pdu []byte) (ModBusResponse, error) {
	if len(pdu) < 2 {
		return ModBusResponse{}, Protocolf("modbus", "short response PDU (%d bytes)", len(pdu))
	}
	if pdu[0]&0x80 != 0 {
		return ModBusResponse{}, Protocolf("modbus", "exception response: function %#02x code %#02x", pdu[0]&0x7F, pdu[1])
	}
	switch {
	case req.ReadCoils != nil, req.ReadDiscretes != nil:
		count := readRangeOf(req).Count
		bits, err := parseBitsPayload(pdu, int(count))
		if err != nil {
			return ModBusResponse{}, err
		}
		return ModBusResponse{Bool: &bits}, nil
	case req.ReadHolding != nil, req.ReadInput != nil:
		count := readRangeOf(req).Count
		regs, err := parseRegistersPayload(pdu, int(count))
		if err != nil {
			return ModBusResponse{}, err
		}
		return ModBusResponse{Number: &regs}, nil
	default:
		// All write functions echo the request header; receiving a
		// non-exception frame is confirmation enough.
		return ModBusResponse{Done: true}, nil
	}
}

// readRangeOf returns the range of the set read variant.
func readRangeOf(req ModBusRequest) ModBusRange {
	switch {
	case req.ReadCoils != nil:
		return *req.ReadCoils
	case req.ReadDiscretes != nil:
		return *req.ReadDiscretes
	case req.ReadHolding != nil:
		return *req.ReadHolding
	default:
		return *req.ReadInput
	}
}

func parseBitsPayload(pdu []byte, count int) ([]bool, error) {
	byteCount := int(pdu[1])
	if len(pdu) != 2+byteCount || byteCount != (count+7)/8 {
		return nil, Protocolf("modbus", "bit payload length mismatch: %d bytes for %d bits", byteCount, count)
	}
	bits := make([]bool, count)
	for idx := range bits {
		bits[idx] = pdu[2+idx/8]&(1<<(idx%8)) != 0
	}
	return bits, nil
}

func parseRegistersPayload(pdu []byte, count int) ([]uint16, error) {
	byteCount := int(pdu[1])
	if len(pdu) != 2+byteCount || byteCount != 2*count {
		return nil, Protocolf("modbus", "register payload length mismatch: %d bytes for %d registers", byteCount, count)
	}
	regs := make([]uint16, count)
	for idx := range regs {
		regs[idx] = binary.BigEndian.Uint16(pdu[2+2*idx:])
	}
	return regs, nil
}

// crc16 computes the Modbus RTU checksum.
func crc16(data []byte) uint16 {
	crc := uint16(0xFFFF)
	for _, b := range data {
		crc ^= uint16(b)
		for bit := 0; bit < 8; bit++ {
			if crc&1 != 0 {
				crc = crc>>1 ^ 0xA001
			} else {
				crc >>= 1
			}
		}
	}
	return crc
}

// modbusTransact runs one Modbus exchange over the open handle.
func (d *streamDriver) modbusTransact(tx modbusTransaction) (ModBusResponse, bool, error) {
	pdu, err := buildModbusPDU(tx.req)
	if err != nil {
		return ModBusResponse{}, false, err
	}
	switch tx.proto {
	case modbusTCP:
		return d.modbusTransactTCP(tx, pdu)
	default:
		return d.modbusTransactRTU(tx, pdu)
	}
}

// modbusTransactTCP frames the PDU with an MBAP header and validates the
// echoed transaction and unit ids.
func (d *streamDriver) modbusTransactTCP(tx modbusTransaction, pdu []byte) (ModBusResponse, bool, error) {
	d.mbTxID++
	txid := d.mbTxID

	adu := make([]byte, 7+len(pdu))
	binary.BigEndian.PutUint16(adu[0:], txid)
	binary.BigEndian.PutUint16(adu[2:], 0) // protocol id
	binary.BigEndian.PutUint16(adu[4:], uint16(1+len(pdu)))
	adu[6] = tx.station
	copy(adu[7:], pdu)

	n, err := d.writeFull(adu)
	if err != nil {
		return ModBusResponse{}, n > 0, err
	}

	header, err := d.readExact(7, modbusReadTimeout)
	if err != nil {
		return ModBusResponse{}, true, err
	}
	gotTxid := binary.BigEndian.Uint16(header[0:])
	length := binary.BigEndian.Uint16(header[4:])
	if gotTxid != txid {
		return ModBusResponse{}, true, Protocolf("modbus", "transaction id mismatch: sent %d got %d", txid, gotTxid)
	}
	if header[6] != tx.station {
		return ModBusResponse{}, true, Protocolf("modbus", "station mismatch: sent %d got %d", tx.station, header[6])
	}
	if length < 2 || length > 256 {
		return ModBusResponse{}, true, Protocolf("modbus", "invalid MBAP length %d", length)
	}
	respPDU, err := d.readExact(int(length)-1, modbusReadTimeout)
	if err != nil {
		return ModBusResponse{}, true, err
	}
	resp, err := parseModbusPDU(tx.req, respPDU)
	return resp, true, err
}

// modbusTransactRTU frames the PDU with station and CRC16 and reads the
// function-specific response length.
func (d *streamDriver) modbusTransactRTU(tx modbusTransaction, pdu []byte) (ModBusResponse, bool, error) {
	adu := make([]byte, 0, 1+len(pdu)+2)
	adu = append(adu, tx.station)
	adu = append(adu, pdu...)
	adu = binary.LittleEndian.AppendUint16(adu, crc16(adu))

	n, err := d.writeFull(adu)
	if err != nil {
		return ModBusResponse{}, n > 0, err
	}

	// Station and function code decide how much more to read.
	head, err := d.readExact(2, modbusReadTimeout)
	if err != nil {
		return ModBusResponse{}, true, err
	}
	var body []byte
	switch fn := head[1]; {
	case fn&0x80 != 0:
		// Exception: one code byte plus CRC.
		body, err = d.readExact(3, modbusReadTimeout)
	case fn == fnReadCoils || fn == fnReadDiscretes || fn == fnReadHolding || fn == fnReadInput:
		// Byte count, payload, CRC.
		var countByte []byte
		countByte, err = d.readExact(1, modbusReadTimeout)
		if err == nil {
			var rest []byte
			rest, err = d.readExact(int(countByte[0])+2, modbusReadTimeout)
			body = append(countByte, rest...)
		}
	default:
		// Write echoes: four payload bytes plus CRC.
		body, err = d.readExact(6, modbusReadTimeout)
	}
	if err != nil {
		return ModBusResponse{}, true, err
	}

	frame := append(head, body...)
	payload, sum := frame[:len(frame)-2], frame[len(frame)-2:]
	if crc16(payload) != binary.LittleEndian.Uint16(sum) {
		return ModBusResponse{}, true, Protocolf("modbus", "CRC mismatch")
	}
	if frame[0] != tx.station {
		return ModBusResponse{}, true, Protocolf("modbus", "station mismatch: sent %d got %d", tx.station, frame[0])
	}
	resp, err := parseModbusPDU(tx.req, payload[1:])
	return resp, true, err
}
