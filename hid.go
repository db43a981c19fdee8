// SPDX-License-Identifier: GPL-3.0-or-later

package comsrv

import (
	"context"
	"sync"
	"time"

	"github.com/sstallion/go-hid"
)

// hidHandle abstracts the hidapi device so tests can stub it.
type hidHandle interface {
	Write(data []byte) (int, error)
	ReadWithTimeout(buf []byte, timeout time.Duration) (int, error)
	GetMfrStr() (string, error)
	GetProductStr() (string, error)
	Close() error
}

// hidReportSize is the read buffer size; hidapi truncates reports to the
// buffer, and 1024 covers every interrupt endpoint in practice.
const hidReportSize = 1024

// hidDriver is the [Driver] for USB-HID instruments.
//
// The hidapi calls block, which is acceptable because the actor
// goroutine is the dedicated executor for this handle; cancellation
// unblocks them by closing the device.
type hidDriver struct {
	// addr identifies the device.
	addr HIDAddress

	// logger is the SLogger to use.
	logger SLogger

	// open opens the device; overridable in tests.
	open func(vid, pid uint16) (hidHandle, error)

	// mu guards handle against concurrent Abort.
	mu sync.Mutex

	// handle is the open device, nil when closed.
	handle hidHandle
}

// newHIDDriver creates the HID [Driver] for addr.
//
// The cfg argument contains the common configuration for comsrv components.
func newHIDDriver(cfg *Config, addr HIDAddress) *hidDriver {
	return &hidDriver{
		addr:   addr,
		logger: cfg.Logger,
		open:   openHIDDevice,
	}
}

func openHIDDevice(vid, pid uint16) (hidHandle, error) {
	device, err := hid.OpenFirst(vid, pid)
	if err != nil {
		return nil, WrapTransport("hid open", err)
	}
	return device, nil
}

var _ Driver[HidRequest, HidResponse] = &hidDriver{}

// Transact implements [Driver].
//
// HID writes are single reports whose commit point is not observable, so
// they report committed=true and are never auto-retried. Reads and
// GetInfo commit nothing.
func (d *hidDriver) Transact(ctx context.Context, req HidRequest) (HidResponse, bool, error) {
	handle, err := d.ensureOpen()
	if err != nil {
		return HidResponse{}, false, err
	}
	switch {
	case req.Write != nil:
		if _, err := handle.Write(*req.Write); err != nil {
			return HidResponse{}, true, WrapTransport("hid write", err)
		}
		return HidResponse{Done: true}, true, nil
	case req.Read != nil:
		buf := make([]byte, hidReportSize)
		count, err := handle.ReadWithTimeout(buf, req.Read.Timeout.Std())
		if err != nil {
			return HidResponse{}, false, WrapTransport("hid read", err)
		}
		data := ByteArray(buf[:count])
		return HidResponse{Data: &data}, false, nil
	case req.GetInfo:
		manufacturer, err := handle.GetMfrStr()
		if err != nil {
			return HidResponse{}, false, WrapTransport("hid info", err)
		}
		product, err := handle.GetProductStr()
		if err != nil {
			return HidResponse{}, false, WrapTransport("hid info", err)
		}
		info := HidDeviceInfo{
			VID:          d.addr.VID,
			PID:          d.addr.PID,
			Manufacturer: manufacturer,
			Product:      product,
		}
		return HidResponse{Info: &info}, false, nil
	default:
		return HidResponse{}, false, Argumentf("hid", "empty hid request")
	}
}

// ensureOpen opens the device lazily.
func (d *hidDriver) ensureOpen() (hidHandle, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.handle != nil {
		return d.handle, nil
	}
	handle, err := d.open(d.addr.VID, d.addr.PID)
	if err != nil {
		return nil, err
	}
	d.handle = handle
	return handle, nil
}

// Abort implements [Driver].
func (d *hidDriver) Abort() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.handle != nil {
		d.handle.Close()
	}
}

// Close implements [Driver].
func (d *hidDriver) Close() error {
	d.mu.Lock()
	handle := d.handle
	d.handle = nil
	d.mu.Unlock()
	if handle == nil {
		return nil
	}
	return handle.Close()
}
