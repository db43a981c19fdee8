// SPDX-License-Identifier: GPL-3.0-or-later

package comsrv

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

// HandleID is the canonical identity of an OS-level hardware resource,
// derived from an [Address] by stripping per-request configuration.
//
// Two addresses with equal HandleID contend for the same OS resource and
// therefore route to the same actor. Baud rate, Modbus station, GPIB
// address on a shared Prologix adapter, and similar per-transaction
// parameters never participate in the HandleID.
type HandleID string

// InstrumentKind tags the transport family an actor serves.
//
// The dispatcher matches the request variant against the kind of the live
// actor; a mismatch yields [ErrInvalidRequest]. The set is closed: runtime
// dispatch is an explicit switch, never open polymorphism.
type InstrumentKind string

const (
	// KindByteStream serves serial ports, raw TCP sockets, Modbus over
	// both, Prologix GPIB adapters, FTDI ports, and VISA socket
	// resources. They all multiplex SCPI, raw-byte, and Modbus payloads
	// over one byte-oriented OS handle.
	KindByteStream = InstrumentKind("bytestream")

	// KindCan serves CAN buses.
	KindCan = InstrumentKind("can")

	// KindHid serves USB-HID devices.
	KindHid = InstrumentKind("hid")

	// KindVxi serves VXI-11 core channels.
	KindVxi = InstrumentKind("vxi")

	// KindSigrok serves sigrok-cli logic analyzers.
	KindSigrok = InstrumentKind("sigrok")

	// KindVisa serves VISA resources that are not socket resources.
	KindVisa = InstrumentKind("visa")
)

// Address names a transport endpoint together with the configuration the
// handle should be opened with. The string form uses "::"-separated fields
// (see [ParseAddress]); [Address.String] and [ParseAddress] round-trip for
// every supported scheme.
//
// Address is a closed set: the variants below are the only
// implementations.
type Address interface {
	// HandleID returns the canonical OS-resource identity.
	HandleID() HandleID

	// Kind returns the transport family serving this address.
	Kind() InstrumentKind

	// String returns the canonical "::"-separated form.
	String() string

	// sealed prevents implementations outside this package.
	sealed()
}

// SerialConfig holds serial line settings in the compact "8N1" notation:
// data bits, parity ('N', 'E', 'O'), stop bits.
type SerialConfig struct {
	// Baud is the line speed in bits per second.
	Baud int

	// DataBits is the number of data bits (5..8).
	DataBits int

	// Parity is 'N', 'E', or 'O'.
	Parity byte

	// StopBits is 1 or 2.
	StopBits int
}

// DefaultSerialConfig returns 9600 baud, 8N1.
func DefaultSerialConfig() SerialConfig {
	return SerialConfig{Baud: 9600, DataBits: 8, Parity: 'N', StopBits: 1}
}

// Settings returns the compact settings field, e.g. "8N1".
func (c SerialConfig) Settings() string {
	return fmt.Sprintf("%d%c%d", c.DataBits, c.Parity, c.StopBits)
}

// parseSerialSettings parses the compact "8N1" notation.
func parseSerialSettings(s string) (dataBits int, parity byte, stopBits int, err error) {
	if len(s) != 3 {
		return 0, 0, 0, fmt.Errorf("serial settings must be three characters: %q", s)
	}
	dataBits = int(s[0] - '0')
	if dataBits < 5 || dataBits > 8 {
		return 0, 0, 0, fmt.Errorf("invalid data bits: %q", s)
	}
	parity = s[1]
	if parity != 'N' && parity != 'E' && parity != 'O' {
		return 0, 0, 0, fmt.Errorf("invalid parity: %q", s)
	}
	stopBits = int(s[2] - '0')
	if stopBits != 1 && stopBits != 2 {
		return 0, 0, 0, fmt.Errorf("invalid stop bits: %q", s)
	}
	return dataBits, parity, stopBits, nil
}

// SerialAddress names a serial port with its line settings.
type SerialAddress struct {
	// Path is the device path, e.g. "/dev/ttyUSB0".
	Path string

	// Config holds the line settings the handle is opened with.
	Config SerialConfig
}

var _ Address = SerialAddress{}

func (a SerialAddress) sealed() {}

// HandleID implements [Address]. The line settings are per-request
// configuration and do not participate.
func (a SerialAddress) HandleID() HandleID {
	return HandleID("serial::" + a.Path)
}

// Kind implements [Address].
func (a SerialAddress) Kind() InstrumentKind { return KindByteStream }

// String implements [Address].
func (a SerialAddress) String() string {
	return fmt.Sprintf("serial::%s::%d::%s", a.Path, a.Config.Baud, a.Config.Settings())
}

// TCPAddress names a raw TCP byte-stream endpoint.
type TCPAddress struct {
	// Host is the host name or IP address.
	Host string

	// Port is the TCP port.
	Port uint16
}

var _ Address = TCPAddress{}

func (a TCPAddress) sealed() {}

// HandleID implements [Address].
func (a TCPAddress) HandleID() HandleID {
	return HandleID("tcp::" + net.JoinHostPort(a.Host, strconv.Itoa(int(a.Port))))
}

// Kind implements [Address].
func (a TCPAddress) Kind() InstrumentKind { return KindByteStream }

// String implements [Address].
func (a TCPAddress) String() string {
	return fmt.Sprintf("tcp::%s:%d", a.Host, a.Port)
}

// VXIAddress names a VXI-11 core channel on an instrument.
type VXIAddress struct {
	// Host is the instrument host name or IP address.
	Host string
}

var _ Address = VXIAddress{}

func (a VXIAddress) sealed() {}

// HandleID implements [Address].
func (a VXIAddress) HandleID() HandleID { return HandleID("vxi::" + a.Host) }

// Kind implements [Address].
func (a VXIAddress) Kind() InstrumentKind { return KindVxi }

// String implements [Address].
func (a VXIAddress) String() string { return "vxi::" + a.Host }

// ModbusTCPAddress names a Modbus station behind a Modbus-TCP gateway.
//
// The station is a per-transaction parameter: every station behind the
// same socket shares one handle and one actor.
type ModbusTCPAddress struct {
	// Host is the gateway host name or IP address.
	Host string

	// Port is the gateway TCP port.
	Port uint16

	// Station is the Modbus unit identifier.
	Station uint8
}

var _ Address = ModbusTCPAddress{}

func (a ModbusTCPAddress) sealed() {}

// HandleID implements [Address]. The station does not participate: the
// OS resource is the gateway socket, shared with [TCPAddress].
func (a ModbusTCPAddress) HandleID() HandleID {
	return TCPAddress{Host: a.Host, Port: a.Port}.HandleID()
}

// Kind implements [Address].
func (a ModbusTCPAddress) Kind() InstrumentKind { return KindByteStream }

// String implements [Address].
func (a ModbusTCPAddress) String() string {
	return fmt.Sprintf("modbus::tcp::%s:%d::%d", a.Host, a.Port, a.Station)
}

// ModbusRTUAddress names a Modbus station on a serial RTU bus.
type ModbusRTUAddress struct {
	// Path is the serial device path.
	Path string

	// Config holds the serial line settings.
	Config SerialConfig

	// Station is the Modbus unit identifier.
	Station uint8
}

var _ Address = ModbusRTUAddress{}

func (a ModbusRTUAddress) sealed() {}

// HandleID implements [Address]. Station and line settings are
// per-request; the OS resource is the serial port, shared with
// [SerialAddress].
func (a ModbusRTUAddress) HandleID() HandleID {
	return SerialAddress{Path: a.Path}.HandleID()
}

// Kind implements [Address].
func (a ModbusRTUAddress) Kind() InstrumentKind { return KindByteStream }

// String implements [Address].
func (a ModbusRTUAddress) String() string {
	return fmt.Sprintf("modbus::rtu::%s::%d::%s::%d",
		a.Path, a.Config.Baud, a.Config.Settings(), a.Station)
}

// CANBusKind selects the CAN backend.
type CANBusKind string

const (
	// CANSocket is a Linux SocketCAN interface.
	CANSocket = CANBusKind("socket")

	// CANLoopback is the in-process loopback bus used for testing and
	// local fan-out.
	CANLoopback = CANBusKind("loopback")
)

// CANAddress names a CAN bus.
type CANAddress struct {
	// Bus selects the backend.
	Bus CANBusKind

	// Interface is the SocketCAN interface name, e.g. "can0". Empty for
	// the loopback bus.
	Interface string
}

var _ Address = CANAddress{}

func (a CANAddress) sealed() {}

// HandleID implements [Address].
func (a CANAddress) HandleID() HandleID {
	if a.Bus == CANLoopback {
		return HandleID("can::loopback")
	}
	return HandleID("can::" + a.Interface)
}

// Kind implements [Address].
func (a CANAddress) Kind() InstrumentKind { return KindCan }

// String implements [Address].
func (a CANAddress) String() string {
	if a.Bus == CANLoopback {
		return "can::loopback"
	}
	return fmt.Sprintf("can::socket::%s", a.Interface)
}

// HIDAddress names a USB-HID device by vendor and product id.
type HIDAddress struct {
	// VID is the USB vendor id.
	VID uint16

	// PID is the USB product id.
	PID uint16
}

var _ Address = HIDAddress{}

func (a HIDAddress) sealed() {}

// HandleID implements [Address].
func (a HIDAddress) HandleID() HandleID {
	return HandleID(fmt.Sprintf("hid::%04x:%04x", a.VID, a.PID))
}

// Kind implements [Address].
func (a HIDAddress) Kind() InstrumentKind { return KindHid }

// String implements [Address].
func (a HIDAddress) String() string {
	return fmt.Sprintf("hid::%04x::%04x", a.VID, a.PID)
}

// FTDIAddress names an FTDI-backed serial port by its adapter serial
// number, resolved through USB enumeration at open time.
type FTDIAddress struct {
	// Port is the FTDI adapter serial number.
	Port string

	// Config holds the serial line settings.
	Config SerialConfig
}

var _ Address = FTDIAddress{}

func (a FTDIAddress) sealed() {}

// HandleID implements [Address].
func (a FTDIAddress) HandleID() HandleID { return HandleID("ftdi::" + a.Port) }

// Kind implements [Address].
func (a FTDIAddress) Kind() InstrumentKind { return KindByteStream }

// String implements [Address].
func (a FTDIAddress) String() string {
	return fmt.Sprintf("ftdi::%s::%d::%s", a.Port, a.Config.Baud, a.Config.Settings())
}

// PrologixAddress names a GPIB instrument behind a Prologix USB adapter.
//
// The GPIB address is a per-transaction parameter: every instrument behind
// the same adapter shares one serial handle and one actor, which emits the
// "++addr" selection command before each transaction.
type PrologixAddress struct {
	// Path is the adapter serial device path.
	Path string

	// GPIB is the instrument GPIB address (0..30).
	GPIB uint8
}

var _ Address = PrologixAddress{}

func (a PrologixAddress) sealed() {}

// HandleID implements [Address]. The GPIB address does not participate:
// the OS resource is the adapter serial port, shared with [SerialAddress].
func (a PrologixAddress) HandleID() HandleID {
	return SerialAddress{Path: a.Path}.HandleID()
}

// Kind implements [Address].
func (a PrologixAddress) Kind() InstrumentKind { return KindByteStream }

// String implements [Address].
func (a PrologixAddress) String() string {
	return fmt.Sprintf("prologix::%s::%d", a.Path, a.GPIB)
}

// SigrokAddress names a logic analyzer driven through sigrok-cli.
type SigrokAddress struct {
	// Device is the sigrok driver/device identifier, e.g. "fx2lafw".
	Device string
}

var _ Address = SigrokAddress{}

func (a SigrokAddress) sealed() {}

// HandleID implements [Address].
func (a SigrokAddress) HandleID() HandleID { return HandleID("sigrok::" + a.Device) }

// Kind implements [Address].
func (a SigrokAddress) Kind() InstrumentKind { return KindSigrok }

// String implements [Address].
func (a SigrokAddress) String() string { return "sigrok::" + a.Device }

// VISAAddress names an instrument by VISA resource string.
//
// TCPIP SOCKET resources are served natively by the byte-stream driver;
// other resource classes require an external VISA library, which has no
// pure-Go implementation, and answer [ErrNotSupported].
type VISAAddress struct {
	// Resource is the VISA resource string, e.g.
	// "TCPIP::192.168.1.20::5025::SOCKET".
	Resource string
}

var _ Address = VISAAddress{}

func (a VISAAddress) sealed() {}

// HandleID implements [Address]. Socket resources collapse onto the
// underlying TCP handle.
func (a VISAAddress) HandleID() HandleID {
	if tcp, ok := a.socketEndpoint(); ok {
		return tcp.HandleID()
	}
	return HandleID("visa::" + a.Resource)
}

// Kind implements [Address].
func (a VISAAddress) Kind() InstrumentKind {
	if _, ok := a.socketEndpoint(); ok {
		return KindByteStream
	}
	return KindVisa
}

// String implements [Address].
func (a VISAAddress) String() string { return "visa::" + a.Resource }

// socketEndpoint extracts the TCP endpoint from a
// "TCPIP[board]::host::port::SOCKET" resource.
func (a VISAAddress) socketEndpoint() (TCPAddress, bool) {
	fields := strings.Split(a.Resource, "::")
	if len(fields) != 4 || !strings.EqualFold(fields[3], "SOCKET") {
		return TCPAddress{}, false
	}
	if !strings.HasPrefix(strings.ToUpper(fields[0]), "TCPIP") {
		return TCPAddress{}, false
	}
	port, err := strconv.ParseUint(fields[2], 10, 16)
	if err != nil {
		return TCPAddress{}, false
	}
	return TCPAddress{Host: fields[1], Port: uint16(port)}, true
}

// ParseAddress parses the canonical "::"-separated address form.
//
// Supported schemes:
//
//	serial::<path>[::<baud>::<settings>]
//	tcp::<host>:<port>
//	vxi::<host>
//	modbus::tcp::<host>:<port>::<station>
//	modbus::rtu::<path>::<baud>::<settings>::<station>
//	can::socket::<interface> | can::loopback
//	hid::<vid>::<pid>                      (hexadecimal)
//	ftdi::<serialnumber>[::<baud>::<settings>]
//	prologix::<path>::<gpib>
//	sigrok::<device>
//	visa::<resource>
//
// Errors are [KindArgument] and surface as [ErrInvalidAddress].
func ParseAddress(s string) (Address, error) {
	fields := strings.Split(s, "::")
	if len(fields) < 2 {
		return nil, invalidAddress(s, "missing scheme separator")
	}
	switch fields[0] {
	case "serial":
		path, cfg, err := parseSerialFields(fields[1:])
		if err != nil {
			return nil, invalidAddress(s, err.Error())
		}
		return SerialAddress{Path: path, Config: cfg}, nil
	case "tcp":
		host, port, err := parseHostPort(fields[1])
		if err != nil || len(fields) != 2 {
			return nil, invalidAddress(s, "expected tcp::<host>:<port>")
		}
		return TCPAddress{Host: host, Port: port}, nil
	case "vxi":
		if len(fields) != 2 || fields[1] == "" {
			return nil, invalidAddress(s, "expected vxi::<host>")
		}
		return VXIAddress{Host: fields[1]}, nil
	case "modbus":
		return parseModbusAddress(s, fields[1:])
	case "can":
		return parseCANAddress(s, fields[1:])
	case "hid":
		if len(fields) != 3 {
			return nil, invalidAddress(s, "expected hid::<vid>::<pid>")
		}
		vid, err1 := strconv.ParseUint(fields[1], 16, 16)
		pid, err2 := strconv.ParseUint(fields[2], 16, 16)
		if err1 != nil || err2 != nil {
			return nil, invalidAddress(s, "vid and pid must be hexadecimal")
		}
		return HIDAddress{VID: uint16(vid), PID: uint16(pid)}, nil
	case "ftdi":
		port, cfg, err := parseSerialFields(fields[1:])
		if err != nil {
			return nil, invalidAddress(s, err.Error())
		}
		return FTDIAddress{Port: port, Config: cfg}, nil
	case "prologix":
		if len(fields) != 3 {
			return nil, invalidAddress(s, "expected prologix::<path>::<gpib>")
		}
		gpib, err := strconv.ParseUint(fields[2], 10, 8)
		if err != nil || gpib > 30 {
			return nil, invalidAddress(s, "gpib address must be 0..30")
		}
		return PrologixAddress{Path: fields[1], GPIB: uint8(gpib)}, nil
	case "sigrok":
		if len(fields) != 2 || fields[1] == "" {
			return nil, invalidAddress(s, "expected sigrok::<device>")
		}
		return SigrokAddress{Device: fields[1]}, nil
	case "visa":
		resource := strings.Join(fields[1:], "::")
		if resource == "" {
			return nil, invalidAddress(s, "expected visa::<resource>")
		}
		return VISAAddress{Resource: resource}, nil
	default:
		return nil, invalidAddress(s, "unknown scheme "+strconv.Quote(fields[0]))
	}
}

// parseSerialFields parses "<path>[::<baud>::<settings>]" tails shared by
// the serial and ftdi schemes.
func parseSerialFields(fields []string) (string, SerialConfig, error) {
	cfg := DefaultSerialConfig()
	switch len(fields) {
	case 1:
		// default line settings
	case 3:
		baud, err := strconv.Atoi(fields[1])
		if err != nil || baud <= 0 {
			return "", cfg, fmt.Errorf("invalid baud rate %q", fields[1])
		}
		dataBits, parity, stopBits, err := parseSerialSettings(fields[2])
		if err != nil {
			return "", cfg, err
		}
		cfg = SerialConfig{Baud: baud, DataBits: dataBits, Parity: parity, StopBits: stopBits}
	default:
		return "", cfg, fmt.Errorf("expected <path>[::<baud>::<settings>]")
	}
	if fields[0] == "" {
		return "", cfg, fmt.Errorf("empty device path")
	}
	return fields[0], cfg, nil
}

func parseModbusAddress(s string, fields []string) (Address, error) {
	if len(fields) < 1 {
		return nil, invalidAddress(s, "missing modbus protocol")
	}
	switch fields[0] {
	case "tcp":
		if len(fields) != 3 {
			return nil, invalidAddress(s, "expected modbus::tcp::<host>:<port>::<station>")
		}
		host, port, err := parseHostPort(fields[1])
		if err != nil {
			return nil, invalidAddress(s, err.Error())
		}
		station, err := strconv.ParseUint(fields[2], 10, 8)
		if err != nil {
			return nil, invalidAddress(s, "invalid station "+strconv.Quote(fields[2]))
		}
		return ModbusTCPAddress{Host: host, Port: port, Station: uint8(station)}, nil
	case "rtu":
		if len(fields) != 5 {
			return nil, invalidAddress(s, "expected modbus::rtu::<path>::<baud>::<settings>::<station>")
		}
		path, cfg, err := parseSerialFields(fields[1:4])
		if err != nil {
			return nil, invalidAddress(s, err.Error())
		}
		station, err := strconv.ParseUint(fields[4], 10, 8)
		if err != nil {
			return nil, invalidAddress(s, "invalid station "+strconv.Quote(fields[4]))
		}
		return ModbusRTUAddress{Path: path, Config: cfg, Station: uint8(station)}, nil
	default:
		return nil, invalidAddress(s, "modbus protocol must be tcp or rtu")
	}
}

func parseCANAddress(s string, fields []string) (Address, error) {
	switch {
	case len(fields) == 1 && fields[0] == "loopback":
		return CANAddress{Bus: CANLoopback}, nil
	case len(fields) == 2 && fields[0] == "socket" && fields[1] != "":
		return CANAddress{Bus: CANSocket, Interface: fields[1]}, nil
	default:
		return nil, invalidAddress(s, "expected can::loopback or can::socket::<interface>")
	}
}

// parseHostPort splits "host:port" validating the port range.
func parseHostPort(s string) (string, uint16, error) {
	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		return "", 0, fmt.Errorf("invalid endpoint %q", s)
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return "", 0, fmt.Errorf("invalid port %q", portStr)
	}
	return host, uint16(port), nil
}

func invalidAddress(s, reason string) error {
	return &Error{
		Kind: KindArgument,
		Op:   "parse address",
		Err:  fmt.Errorf("%w: %s: %s", ErrInvalidAddress, strconv.Quote(s), reason),
	}
}
