// SPDX-License-Identifier: GPL-3.0-or-later

package comsrv

import (
	"bytes"
	"context"
	"encoding/binary"
	"io"
	"net"
	"strings"
	"sync"
	"time"
)

// VXI-11 (ONC RPC) protocol constants.
const (
	rpcVersion     = 2
	rpcCall        = 0
	rpcReply       = 1
	rpcMsgAccepted = 0
	rpcSuccess     = 0

	portmapProgram = 100000
	portmapVersion = 2
	portmapGetPort = 3
	portmapPort    = 111
	protoTCP       = 6

	vxiCoreProgram = 0x0607AF
	vxiCoreVersion = 1
	vxiCreateLink  = 10
	vxiDeviceWrite = 11
	vxiDeviceRead  = 12
	vxiDestroyLink = 23

	// vxiReadEnd is the device_read reason bit meaning the instrument
	// finished its answer.
	vxiReadEnd = 0x04
)

// vxiIOTimeout is the io_timeout passed to the instrument, and also the
// socket deadline for one RPC round trip.
const vxiIOTimeout = 2 * time.Second

// xdrBuffer builds XDR-encoded RPC payloads.
type xdrBuffer struct {
	buf bytes.Buffer
}

func (x *xdrBuffer) putUint32(v uint32) {
	var word [4]byte
	binary.BigEndian.PutUint32(word[:], v)
	x.buf.Write(word[:])
}

func (x *xdrBuffer) putOpaque(data []byte) {
	x.putUint32(uint32(len(data)))
	x.buf.Write(data)
	for pad := (4 - len(data)%4) % 4; pad > 0; pad-- {
		x.buf.WriteByte(0)
	}
}

func (x *xdrBuffer) bytes() []byte {
	return x.buf.Bytes()
}

// xdrReader decodes XDR-encoded RPC payloads.
type xdrReader struct {
	data []byte
}

func (x *xdrReader) uint32() (uint32, error) {
	if len(x.data) < 4 {
		return 0, Protocolf("vxi", "truncated XDR stream")
	}
	v := binary.BigEndian.Uint32(x.data)
	x.data = x.data[4:]
	return v, nil
}

func (x *xdrReader) opaque() ([]byte, error) {
	length, err := x.uint32()
	if err != nil {
		return nil, err
	}
	padded := int(length) + (4-int(length)%4)%4
	if len(x.data) < padded {
		return nil, Protocolf("vxi", "truncated XDR opaque")
	}
	out := x.data[:length]
	x.data = x.data[padded:]
	return out, nil
}

// vxiConn is one ONC RPC connection with record marking.
type vxiConn struct {
	conn net.Conn
	xid  uint32
}

// call performs one RPC round trip and returns the result payload.
func (c *vxiConn) call(program, version, procedure uint32, args []byte) ([]byte, error) {
	c.xid++
	var msg xdrBuffer
	msg.putUint32(c.xid)
	msg.putUint32(rpcCall)
	msg.putUint32(rpcVersion)
	msg.putUint32(program)
	msg.putUint32(version)
	msg.putUint32(procedure)
	msg.putUint32(0) // cred AUTH_NONE
	msg.putUint32(0)
	msg.putUint32(0) // verf AUTH_NONE
	msg.putUint32(0)
	msg.buf.Write(args)

	payload := msg.bytes()
	header := make([]byte, 4)
	binary.BigEndian.PutUint32(header, 0x80000000|uint32(len(payload)))
	deadline := time.Now().Add(vxiIOTimeout)
	if err := c.conn.SetDeadline(deadline); err != nil {
		return nil, WrapTransport("vxi", err)
	}
	if _, err := c.conn.Write(append(header, payload...)); err != nil {
		return nil, WrapTransport("vxi write", err)
	}

	reply, err := c.readRecord()
	if err != nil {
		return nil, err
	}
	rd := &xdrReader{data: reply}
	xid, err := rd.uint32()
	if err != nil {
		return nil, err
	}
	if xid != c.xid {
		return nil, Protocolf("vxi", "xid mismatch: sent %d got %d", c.xid, xid)
	}
	if err := expectUint32(rd, rpcReply, "message type"); err != nil {
		return nil, err
	}
	if err := expectUint32(rd, rpcMsgAccepted, "reply status"); err != nil {
		return nil, err
	}
	if _, err := rd.uint32(); err != nil { // verf flavor
		return nil, err
	}
	verfLen, err := rd.uint32()
	if err != nil {
		return nil, err
	}
	if int(verfLen) > len(rd.data) {
		return nil, Protocolf("vxi", "truncated verifier")
	}
	rd.data = rd.data[verfLen:]
	if err := expectUint32(rd, rpcSuccess, "accept status"); err != nil {
		return nil, err
	}
	return rd.data, nil
}

func expectUint32(rd *xdrReader, want uint32, what string) error {
	got, err := rd.uint32()
	if err != nil {
		return err
	}
	if got != want {
		return Protocolf("vxi", "unexpected %s %d", what, got)
	}
	return nil
}

// readRecord reads one record-marked RPC message.
func (c *vxiConn) readRecord() ([]byte, error) {
	var out []byte
	for {
		header := make([]byte, 4)
		if _, err := io.ReadFull(c.conn, header); err != nil {
			return nil, WrapTransport("vxi read", err)
		}
		marker := binary.BigEndian.Uint32(header)
		length := marker & 0x7FFFFFFF
		if length > 1<<24 {
			return nil, Protocolf("vxi", "oversized RPC fragment (%d bytes)", length)
		}
		fragment := make([]byte, length)
		if _, err := io.ReadFull(c.conn, fragment); err != nil {
			return nil, WrapTransport("vxi read", err)
		}
		out = append(out, fragment...)
		if marker&0x80000000 != 0 {
			return out, nil
		}
	}
}

// vxiDriver is the [Driver] for VXI-11 instruments. It speaks the core
// channel only: create_link on open, device_write/device_read per
// transaction, destroy_link on close.
type vxiDriver struct {
	// addr is the instrument address.
	addr VXIAddress

	// logger is the SLogger to use.
	logger SLogger

	// openConn is the TCP open pipeline (dial then observe).
	openConn Func[string, net.Conn]

	// mu guards conn against concurrent Abort.
	mu sync.Mutex

	// conn is the open core channel, nil when closed.
	conn *vxiConn

	// lid is the device link returned by create_link.
	lid uint32
}

// newVXIDriver creates the VXI-11 [Driver] for addr.
//
// The cfg argument contains the common configuration for comsrv components.
func newVXIDriver(cfg *Config, addr VXIAddress) *vxiDriver {
	return &vxiDriver{
		addr:     addr,
		logger:   cfg.Logger,
		openConn: Compose2[string, net.Conn, net.Conn](NewConnectFunc(cfg, cfg.Logger), NewObserveConnFunc(cfg, cfg.Logger)),
	}
}

var _ Driver[ScpiRequest, ScpiResponse] = &vxiDriver{}

// Transact implements [Driver].
//
// The commit point of a VXI write is not observable once the RPC call is
// on the socket, so any post-open failure reports committed=true and is
// never auto-retried.
func (d *vxiDriver) Transact(ctx context.Context, req ScpiRequest) (ScpiResponse, bool, error) {
	if err := d.ensureOpen(ctx); err != nil {
		return ScpiResponse{}, false, err
	}
	switch {
	case req.Write != nil:
		err := d.deviceWrite(*req.Write)
		return ScpiResponse{Done: true}, true, err
	case req.QueryString != nil:
		data, err := d.query(*req.QueryString)
		if err != nil {
			return ScpiResponse{}, true, err
		}
		line := strings.TrimRight(string(data), "\r\n")
		return ScpiResponse{String: &line}, true, nil
	case req.QueryBinary != nil:
		data, err := d.query(*req.QueryBinary)
		if err != nil {
			return ScpiResponse{}, true, err
		}
		payload, err := parseBinaryBlock(data)
		if err != nil {
			return ScpiResponse{}, true, err
		}
		return ScpiResponse{Binary: payload}, true, nil
	default:
		return ScpiResponse{}, false, Argumentf("vxi", "empty scpi request")
	}
}

// ensureOpen dials the portmapper, locates the core channel, and
// creates the device link.
func (d *vxiDriver) ensureOpen(ctx context.Context) error {
	if d.current() != nil {
		return nil
	}

	// Resolve the core channel port through the portmapper.
	pmConn, err := d.openConn.Call(ctx, endpointString(d.addr.Host, portmapPort))
	if err != nil {
		return err
	}
	pm := &vxiConn{conn: pmConn}
	var args xdrBuffer
	args.putUint32(vxiCoreProgram)
	args.putUint32(vxiCoreVersion)
	args.putUint32(protoTCP)
	args.putUint32(0)
	reply, err := pm.call(portmapProgram, portmapVersion, portmapGetPort, args.bytes())
	pmConn.Close()
	if err != nil {
		return err
	}
	rd := &xdrReader{data: reply}
	port, err := rd.uint32()
	if err != nil {
		return err
	}
	if port == 0 || port > 0xFFFF {
		return Transportf("vxi", "portmapper reports no core channel for %s", d.addr.Host)
	}

	// Connect the core channel and create the link.
	coreConn, err := d.openConn.Call(ctx, endpointString(d.addr.Host, uint16(port)))
	if err != nil {
		return err
	}
	core := &vxiConn{conn: coreConn}
	args = xdrBuffer{}
	args.putUint32(0) // client id
	args.putUint32(0) // lockDevice false
	args.putUint32(0) // lock_timeout
	args.putOpaque([]byte("inst0"))
	reply, err = core.call(vxiCoreProgram, vxiCoreVersion, vxiCreateLink, args.bytes())
	if err != nil {
		coreConn.Close()
		return err
	}
	rd = &xdrReader{data: reply}
	devErr, err := rd.uint32()
	if err != nil {
		coreConn.Close()
		return err
	}
	if devErr != 0 {
		coreConn.Close()
		return Transportf("vxi", "create_link failed with device error %d", devErr)
	}
	lid, err := rd.uint32()
	if err != nil {
		coreConn.Close()
		return err
	}

	d.mu.Lock()
	d.conn = core
	d.mu.Unlock()
	d.lid = lid
	return nil
}

func (d *vxiDriver) current() *vxiConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.conn
}

// deviceWrite sends one complete command with the END flag set.
func (d *vxiDriver) deviceWrite(command string) error {
	conn := d.current()
	if conn == nil {
		return Transportf("vxi", "link closed")
	}
	var args xdrBuffer
	args.putUint32(d.lid)
	args.putUint32(uint32(vxiIOTimeout / time.Millisecond))
	args.putUint32(0)    // lock_timeout
	args.putUint32(0x08) // flags: END
	args.putOpaque(append([]byte(command), '\n'))
	reply, err := conn.call(vxiCoreProgram, vxiCoreVersion, vxiDeviceWrite, args.bytes())
	if err != nil {
		return err
	}
	rd := &xdrReader{data: reply}
	devErr, err := rd.uint32()
	if err != nil {
		return err
	}
	if devErr != 0 {
		return Protocolf("vxi", "device_write failed with device error %d", devErr)
	}
	return nil
}

// deviceRead reads until the instrument signals END.
func (d *vxiDriver) deviceRead() ([]byte, error) {
	conn := d.current()
	if conn == nil {
		return nil, Transportf("vxi", "link closed")
	}
	var out []byte
	for {
		var args xdrBuffer
		args.putUint32(d.lid)
		args.putUint32(64 * 1024) // requestSize
		args.putUint32(uint32(vxiIOTimeout / time.Millisecond))
		args.putUint32(0) // lock_timeout
		args.putUint32(0) // flags
		args.putUint32(0) // termChar
		reply, err := conn.call(vxiCoreProgram, vxiCoreVersion, vxiDeviceRead, args.bytes())
		if err != nil {
			return nil, err
		}
		rd := &xdrReader{data: reply}
		devErr, err := rd.uint32()
		if err != nil {
			return nil, err
		}
		if devErr != 0 {
			return nil, Protocolf("vxi", "device_read failed with device error %d", devErr)
		}
		reason, err := rd.uint32()
		if err != nil {
			return nil, err
		}
		data, err := rd.opaque()
		if err != nil {
			return nil, err
		}
		out = append(out, data...)
		if reason&vxiReadEnd != 0 || len(data) == 0 {
			return out, nil
		}
	}
}

// query is a write followed by a read-to-END.
func (d *vxiDriver) query(command string) ([]byte, error) {
	if err := d.deviceWrite(command); err != nil {
		return nil, err
	}
	return d.deviceRead()
}

// Abort implements [Driver].
func (d *vxiDriver) Abort() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.conn != nil {
		d.conn.conn.Close()
	}
}

// Close implements [Driver]. The destroy_link call is best-effort: the
// socket close is what actually frees the handle.
func (d *vxiDriver) Close() error {
	d.mu.Lock()
	conn := d.conn
	d.conn = nil
	d.mu.Unlock()
	if conn == nil {
		return nil
	}
	var args xdrBuffer
	args.putUint32(d.lid)
	conn.call(vxiCoreProgram, vxiCoreVersion, vxiDestroyLink, args.bytes())
	return conn.conn.Close()
}

// parseBinaryBlock decodes an IEEE 488.2 definite length block from an
// in-memory buffer.
func parseBinaryBlock(data []byte) ([]byte, error) {
	if len(data) < 2 || data[0] != '#' {
		return nil, Protocolf("scpi", "binary block must start with '#'")
	}
	digits := int(data[1] - '0')
	if digits < 1 || digits > 9 || len(data) < 2+digits {
		return nil, Protocolf("scpi", "invalid binary block header")
	}
	length := 0
	for _, c := range data[2 : 2+digits] {
		if c < '0' || c > '9' {
			return nil, Protocolf("scpi", "invalid binary block length %q", data[2:2+digits])
		}
		length = length*10 + int(c-'0')
	}
	if len(data) < 2+digits+length {
		return nil, Protocolf("scpi", "binary block shorter than declared length")
	}
	return bytes.Clone(data[2+digits : 2+digits+length]), nil
}
