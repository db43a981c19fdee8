// SPDX-License-Identifier: GPL-3.0-or-later

package comsrv

import "context"

// visaDriver is the [Driver] for VISA resources that are not TCPIP
// SOCKET resources (those are bridged onto the byte-stream driver by the
// dispatcher).
//
// There is no pure-Go VISA implementation; answering every transaction
// with [ErrNotSupported] keeps the address space uniform while making
// the limitation explicit to clients.
type visaDriver struct {
	// addr is the unsupported resource.
	addr VISAAddress
}

// newVISADriver creates the VISA [Driver] for addr.
func newVISADriver(addr VISAAddress) *visaDriver {
	return &visaDriver{addr: addr}
}

var _ Driver[ScpiRequest, ScpiResponse] = &visaDriver{}

// Transact implements [Driver].
func (d *visaDriver) Transact(ctx context.Context, req ScpiRequest) (ScpiResponse, bool, error) {
	return ScpiResponse{}, false, &Error{
		Kind: KindArgument,
		Op:   "visa",
		Err:  ErrNotSupported,
	}
}

// Abort implements [Driver].
func (d *visaDriver) Abort() {}

// Close implements [Driver].
func (d *visaDriver) Close() error { return nil }
