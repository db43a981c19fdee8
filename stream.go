// SPDX-License-Identifier: GPL-3.0-or-later

package comsrv

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"go.bug.st/serial"
)

// streamKind selects the OS resource class of a byte-stream handle.
type streamKind int

const (
	streamSerial = streamKind(iota)
	streamTCP
	streamFTDI
)

// streamConfig describes how a byte-stream handle must be opened. The
// driver compares the carried configuration against the configuration at
// open time and cycles the handle when they differ.
//
// All fields are comparable so configs compare with ==.
type streamConfig struct {
	// kind selects the resource class.
	kind streamKind

	// path is the serial device path (streamSerial) or the FTDI
	// adapter serial number (streamFTDI).
	path string

	// endpoint is the "host:port" endpoint (streamTCP).
	endpoint string

	// serial holds the line settings for serial and FTDI handles.
	serial SerialConfig
}

// streamConfigFor maps a byte-stream address onto its open configuration
// and optional Prologix GPIB selection.
func streamConfigFor(addr Address) (streamConfig, *uint8, error) {
	switch a := addr.(type) {
	case SerialAddress:
		return streamConfig{kind: streamSerial, path: a.Path, serial: a.Config}, nil, nil
	case TCPAddress:
		return streamConfig{kind: streamTCP, endpoint: endpointString(a.Host, a.Port)}, nil, nil
	case ModbusTCPAddress:
		return streamConfig{kind: streamTCP, endpoint: endpointString(a.Host, a.Port)}, nil, nil
	case ModbusRTUAddress:
		return streamConfig{kind: streamSerial, path: a.Path, serial: a.Config}, nil, nil
	case FTDIAddress:
		return streamConfig{kind: streamFTDI, path: a.Port, serial: a.Config}, nil, nil
	case PrologixAddress:
		gpib := a.GPIB
		cfg := DefaultSerialConfig()
		cfg.Baud = 115200
		return streamConfig{kind: streamSerial, path: a.Path, serial: cfg}, &gpib, nil
	case VISAAddress:
		tcp, ok := a.socketEndpoint()
		if !ok {
			return streamConfig{}, nil, &Error{Kind: KindArgument, Op: "visa", Err: ErrNotSupported}
		}
		return streamConfig{kind: streamTCP, endpoint: endpointString(tcp.Host, tcp.Port)}, nil, nil
	default:
		return streamConfig{}, nil, &Error{Kind: KindArgument, Op: "stream", Err: ErrInvalidRequest}
	}
}

func endpointString(host string, port uint16) string {
	return fmt.Sprintf("%s:%d", host, port)
}

// modbusProto selects the Modbus framing.
type modbusProto int

const (
	modbusTCP = modbusProto(iota)
	modbusRTU
)

// modbusTransaction is one Modbus exchange routed through a byte-stream
// handle.
type modbusTransaction struct {
	proto   modbusProto
	station uint8
	req     ModBusRequest
}

// streamRequest is the typed sub-request processed by a byte-stream
// actor. Exactly one of bytes, scpi, modbus is set.
type streamRequest struct {
	// config selects how the handle must be opened.
	config streamConfig

	// gpib, when set, selects a Prologix GPIB address before the
	// operation.
	gpib *uint8

	bytes  *BytesRequest
	scpi   *ScpiRequest
	modbus *modbusTransaction
}

// streamReply mirrors streamRequest: the field matching the request is
// set.
type streamReply struct {
	bytes  *BytesResponse
	scpi   *ScpiResponse
	modbus *ModBusResponse
}

// errReadTimeout marks a read that expired while the handle stayed
// healthy. This is [KindProtocol]: the handle is kept open.
var errReadTimeout = errors.New("read timeout")

// streamHandle is the byte-oriented handle abstraction shared by serial
// ports and TCP connections.
//
// Read returns a [KindProtocol] error wrapping [errReadTimeout] when the
// armed read timeout expires.
type streamHandle interface {
	io.ReadWriteCloser

	// SetReadTimeout arms the timeout for subsequent reads. Zero or
	// negative disarms it.
	SetReadTimeout(d time.Duration) error
}

// tcpStreamHandle adapts a [net.Conn] to [streamHandle] using read
// deadlines.
type tcpStreamHandle struct {
	conn    net.Conn
	timeout time.Duration
}

var _ streamHandle = &tcpStreamHandle{}

func (h *tcpStreamHandle) Read(buf []byte) (int, error) {
	if h.timeout > 0 {
		if err := h.conn.SetReadDeadline(time.Now().Add(h.timeout)); err != nil {
			return 0, WrapTransport("read", err)
		}
	} else {
		if err := h.conn.SetReadDeadline(time.Time{}); err != nil {
			return 0, WrapTransport("read", err)
		}
	}
	count, err := h.conn.Read(buf)
	if err != nil && isTimeoutError(err) {
		return count, &Error{Kind: KindProtocol, Op: "read", Err: errReadTimeout}
	}
	return count, err
}

func (h *tcpStreamHandle) Write(data []byte) (int, error) {
	return h.conn.Write(data)
}

func (h *tcpStreamHandle) Close() error {
	return h.conn.Close()
}

func (h *tcpStreamHandle) SetReadTimeout(d time.Duration) error {
	h.timeout = d
	return nil
}

// isTimeoutError reports whether err is a deadline expiry.
func isTimeoutError(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// serialStreamHandle adapts a [serial.Port] to [streamHandle].
//
// The serial library reports an expired read timeout as a zero-length
// read with a nil error; we normalize that to the shared timeout error.
type serialStreamHandle struct {
	port  serial.Port
	armed bool
}

var _ streamHandle = &serialStreamHandle{}

func (h *serialStreamHandle) Read(buf []byte) (int, error) {
	count, err := h.port.Read(buf)
	if err != nil {
		return count, WrapTransport("read", err)
	}
	if count == 0 && h.armed {
		return 0, &Error{Kind: KindProtocol, Op: "read", Err: errReadTimeout}
	}
	return count, nil
}

func (h *serialStreamHandle) Write(data []byte) (int, error) {
	return h.port.Write(data)
}

func (h *serialStreamHandle) Close() error {
	return h.port.Close()
}

func (h *serialStreamHandle) SetReadTimeout(d time.Duration) error {
	h.armed = d > 0
	if d <= 0 {
		d = serial.NoTimeout
	}
	return h.port.SetReadTimeout(d)
}

// drainTimeout bounds non-blocking drain reads (ReadAll, ReadUpTo).
const drainTimeout = 100 * time.Millisecond

// streamDriver is the [Driver] for serial, TCP, FTDI, Prologix, Modbus,
// and VISA socket instruments.
type streamDriver struct {
	// classifier labels errors for logging.
	classifier ErrClassifier

	// logger is the SLogger to use.
	logger SLogger

	// openTCP is the TCP open pipeline (dial then observe).
	openTCP Func[string, net.Conn]

	// openSerial opens a serial port; overridable in tests.
	openSerial func(path string, cfg SerialConfig) (streamHandle, error)

	// resolveFTDI maps an FTDI adapter serial number onto its device
	// node; overridable in tests.
	resolveFTDI func(serialNumber string) (string, error)

	// mu guards handle against concurrent Abort.
	mu sync.Mutex

	// handle is the open handle, nil when closed.
	handle streamHandle

	// openCfg is the configuration the handle was opened with.
	openCfg streamConfig

	// prologixAddr is the currently selected GPIB address, -1 when
	// none was selected since open.
	prologixAddr int

	// mbTxID is the Modbus-TCP transaction id counter.
	mbTxID uint16
}

// newStreamDriver creates the byte-stream [Driver].
//
// The cfg argument contains the common configuration for comsrv components.
func newStreamDriver(cfg *Config) *streamDriver {
	return &streamDriver{
		classifier:   cfg.ErrClassifier,
		logger:       cfg.Logger,
		openTCP:      Compose2[string, net.Conn, net.Conn](NewConnectFunc(cfg, cfg.Logger), NewObserveConnFunc(cfg, cfg.Logger)),
		openSerial:   openSerialPort,
		resolveFTDI:  resolveFTDIPort,
		prologixAddr: -1,
	}
}

// openSerialPort opens path with the given line settings.
func openSerialPort(path string, cfg SerialConfig) (streamHandle, error) {
	mode := &serial.Mode{
		BaudRate: cfg.Baud,
		DataBits: cfg.DataBits,
		Parity:   serialParity(cfg.Parity),
		StopBits: serialStopBits(cfg.StopBits),
	}
	port, err := serial.Open(path, mode)
	if err != nil {
		return nil, WrapTransport("serial open", err)
	}
	return &serialStreamHandle{port: port}, nil
}

func serialParity(p byte) serial.Parity {
	switch p {
	case 'E':
		return serial.EvenParity
	case 'O':
		return serial.OddParity
	default:
		return serial.NoParity
	}
}

func serialStopBits(n int) serial.StopBits {
	if n == 2 {
		return serial.TwoStopBits
	}
	return serial.OneStopBit
}

var _ Driver[streamRequest, streamReply] = &streamDriver{}

// Transact implements [Driver].
func (d *streamDriver) Transact(ctx context.Context, req streamRequest) (streamReply, bool, error) {
	if err := d.ensureOpen(ctx, req.config); err != nil {
		return streamReply{}, false, err
	}
	if req.gpib != nil {
		if err := d.selectGPIB(*req.gpib); err != nil {
			return streamReply{}, false, err
		}
	}
	switch {
	case req.bytes != nil:
		resp, committed, err := d.bytesTransact(*req.bytes)
		return streamReply{bytes: &resp}, committed, err
	case req.scpi != nil:
		resp, committed, err := d.scpiTransact(*req.scpi)
		return streamReply{scpi: &resp}, committed, err
	case req.modbus != nil:
		resp, committed, err := d.modbusTransact(*req.modbus)
		return streamReply{modbus: &resp}, committed, err
	default:
		return streamReply{}, false, Argumentf("stream", "empty stream request")
	}
}

// ensureOpen opens the handle lazily, cycling it when the carried
// configuration differs from the configuration at open time.
func (d *streamDriver) ensureOpen(ctx context.Context, cfg streamConfig) error {
	if d.current() != nil && d.openCfg != cfg {
		d.logger.Info("streamReconfigure", "old", d.openCfg.serial.Settings(), "new", cfg.serial.Settings())
		d.Close()
	}
	if d.current() != nil {
		return nil
	}
	var handle streamHandle
	var err error
	switch cfg.kind {
	case streamTCP:
		var conn net.Conn
		conn, err = d.openTCP.Call(ctx, cfg.endpoint)
		if err == nil {
			handle = &tcpStreamHandle{conn: conn}
		}
	case streamFTDI:
		var path string
		path, err = d.resolveFTDI(cfg.path)
		if err == nil {
			handle, err = d.openSerial(path, cfg.serial)
		}
	default:
		handle, err = d.openSerial(cfg.path, cfg.serial)
	}
	if err != nil {
		return err
	}
	d.mu.Lock()
	d.handle = handle
	d.mu.Unlock()
	d.openCfg = cfg
	d.prologixAddr = -1
	return nil
}

// current returns the open handle or nil.
func (d *streamDriver) current() streamHandle {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.handle
}

// Abort implements [Driver]: closing the handle unblocks in-flight I/O.
func (d *streamDriver) Abort() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.handle != nil {
		d.handle.Close()
	}
}

// Close implements [Driver].
func (d *streamDriver) Close() error {
	d.mu.Lock()
	handle := d.handle
	d.handle = nil
	d.mu.Unlock()
	d.prologixAddr = -1
	if handle == nil {
		return nil
	}
	return handle.Close()
}

// selectGPIB emits the Prologix addressing command when the selected
// GPIB address changed since the last transaction.
func (d *streamDriver) selectGPIB(addr uint8) error {
	if d.prologixAddr == int(addr) {
		return nil
	}
	if d.prologixAddr < 0 {
		// Fresh handle: put the adapter in controller mode with
		// read-after-write so queries answer without an explicit
		// ++read.
		if _, err := d.writeFull([]byte("++mode 1\n++auto 1\n")); err != nil {
			return WrapTransport("prologix setup", err)
		}
	}
	if _, err := d.writeFull(fmt.Appendf(nil, "++addr %d\n", addr)); err != nil {
		return WrapTransport("prologix addr", err)
	}
	d.prologixAddr = int(addr)
	return nil
}

// writeFull writes data completely or fails.
func (d *streamDriver) writeFull(data []byte) (int, error) {
	handle := d.current()
	if handle == nil {
		return 0, Transportf("write", "handle closed")
	}
	written := 0
	for written < len(data) {
		count, err := handle.Write(data[written:])
		written += count
		if err != nil {
			return written, WrapTransport("write", err)
		}
	}
	return written, nil
}

// readExact reads exactly count bytes under the armed timeout.
func (d *streamDriver) readExact(count int, timeout time.Duration) ([]byte, error) {
	handle := d.current()
	if handle == nil {
		return nil, Transportf("read", "handle closed")
	}
	if err := handle.SetReadTimeout(timeout); err != nil {
		return nil, WrapTransport("read", err)
	}
	buf := make([]byte, count)
	filled := 0
	for filled < count {
		n, err := handle.Read(buf[filled:])
		filled += n
		if err != nil {
			return buf[:filled], err
		}
	}
	return buf, nil
}

// readToTerm reads until term under the armed timeout, excluding term
// from the result.
func (d *streamDriver) readToTerm(term byte, timeout time.Duration) ([]byte, error) {
	handle := d.current()
	if handle == nil {
		return nil, Transportf("read", "handle closed")
	}
	if err := handle.SetReadTimeout(timeout); err != nil {
		return nil, WrapTransport("read", err)
	}
	var out []byte
	one := make([]byte, 1)
	for {
		n, err := handle.Read(one)
		if n > 0 {
			if one[0] == term {
				return out, nil
			}
			out = append(out, one[0])
		}
		if err != nil {
			return out, err
		}
	}
}

// drain reads whatever arrives until the drain timeout expires, up to
// limit bytes (0 means unlimited). An expired timeout is not an error.
func (d *streamDriver) drain(limit int) ([]byte, error) {
	handle := d.current()
	if handle == nil {
		return nil, Transportf("read", "handle closed")
	}
	if err := handle.SetReadTimeout(drainTimeout); err != nil {
		return nil, WrapTransport("read", err)
	}
	var out []byte
	buf := make([]byte, 4096)
	for {
		space := len(buf)
		if limit > 0 {
			if remaining := limit - len(out); remaining < space {
				space = remaining
			}
			if space == 0 {
				return out, nil
			}
		}
		n, err := handle.Read(buf[:space])
		out = append(out, buf[:n]...)
		if err != nil {
			if errors.Is(err, errReadTimeout) {
				return out, nil
			}
			return out, err
		}
	}
}

// bytesTransact serves the raw byte-stream operations.
func (d *streamDriver) bytesTransact(req BytesRequest) (BytesResponse, bool, error) {
	switch {
	case req.Write != nil:
		n, err := d.writeFull(*req.Write)
		return BytesResponse{Done: true}, n > 0, err
	case req.ReadExact != nil:
		data, err := d.readExact(int(req.ReadExact.Count), req.ReadExact.Timeout.Std())
		out := ByteArray(data)
		return BytesResponse{Data: &out}, false, err
	case req.ReadUpTo != nil:
		data, err := d.drain(int(*req.ReadUpTo))
		out := ByteArray(data)
		return BytesResponse{Data: &out}, false, err
	case req.ReadAll:
		data, err := d.drain(0)
		out := ByteArray(data)
		return BytesResponse{Data: &out}, false, err
	case req.ReadToTerm != nil:
		data, err := d.readToTerm(req.ReadToTerm.Term, req.ReadToTerm.Timeout.Std())
		out := ByteArray(data)
		return BytesResponse{Data: &out}, false, err
	case req.WriteLine != nil:
		n, err := d.writeFull(append([]byte(req.WriteLine.Line), []byte(req.WriteLine.Term)...))
		return BytesResponse{Done: true}, n > 0, err
	case req.QueryLine != nil:
		return d.queryLine(*req.QueryLine)
	default:
		return BytesResponse{}, false, Argumentf("bytes", "empty bytes request")
	}
}

// queryLine writes one line and reads one line back.
func (d *streamDriver) queryLine(req QueryLineRequest) (BytesResponse, bool, error) {
	term := req.Term
	if term == "" {
		term = "\n"
	}
	n, err := d.writeFull(append([]byte(req.Line), []byte(term)...))
	if err != nil {
		return BytesResponse{}, n > 0, err
	}
	data, err := d.readToTerm(term[len(term)-1], req.Timeout.Std())
	if err != nil {
		return BytesResponse{}, true, err
	}
	line := strings.TrimRight(string(data), term)
	return BytesResponse{String: &line}, true, nil
}

// scpiReadTimeout bounds SCPI query responses.
const scpiReadTimeout = 2 * time.Second

// scpiTransact serves line-oriented SCPI over the byte stream.
func (d *streamDriver) scpiTransact(req ScpiRequest) (ScpiResponse, bool, error) {
	switch {
	case req.Write != nil:
		n, err := d.writeFull(append([]byte(*req.Write), '\n'))
		return ScpiResponse{Done: true}, n > 0, err
	case req.QueryString != nil:
		n, err := d.writeFull(append([]byte(*req.QueryString), '\n'))
		if err != nil {
			return ScpiResponse{}, n > 0, err
		}
		data, err := d.readToTerm('\n', scpiReadTimeout)
		if err != nil {
			return ScpiResponse{}, true, err
		}
		line := strings.TrimRight(string(data), "\r")
		return ScpiResponse{String: &line}, true, nil
	case req.QueryBinary != nil:
		n, err := d.writeFull(append([]byte(*req.QueryBinary), '\n'))
		if err != nil {
			return ScpiResponse{}, n > 0, err
		}
		data, err := d.readBinaryBlock()
		if err != nil {
			return ScpiResponse{}, true, err
		}
		return ScpiResponse{Binary: data}, true, nil
	default:
		return ScpiResponse{}, false, Argumentf("scpi", "empty scpi request")
	}
}

// readBinaryBlock parses an IEEE 488.2 definite length block:
// '#' <n> <n digits length> <payload>.
func (d *streamDriver) readBinaryBlock() ([]byte, error) {
	header, err := d.readExact(2, scpiReadTimeout)
	if err != nil {
		return nil, err
	}
	if header[0] != '#' {
		return nil, Protocolf("scpi", "binary block must start with '#', got %q", header[0])
	}
	digits := int(header[1] - '0')
	if digits < 1 || digits > 9 {
		return nil, Protocolf("scpi", "invalid binary block digit count %q", header[1])
	}
	lenField, err := d.readExact(digits, scpiReadTimeout)
	if err != nil {
		return nil, err
	}
	length := 0
	for _, c := range lenField {
		if c < '0' || c > '9' {
			return nil, Protocolf("scpi", "invalid binary block length %q", lenField)
		}
		length = length*10 + int(c-'0')
	}
	payload, err := d.readExact(length, scpiReadTimeout)
	if err != nil {
		return nil, err
	}
	// Consume the trailing newline if the instrument sends one.
	d.drain(1)
	return bytes.Clone(payload), nil
}
