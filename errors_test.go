// SPDX-License-Identifier: GPL-3.0-or-later

package comsrv

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
)

// KindOf extracts explicit kinds and classifies foreign errors
// conservatively.
func TestKindOf(t *testing.T) {
	tests := []struct {
		// name describes what this test case verifies.
		name string

		// err is the input error.
		err error

		// want is the expected kind.
		want ErrorKind
	}{
		{name: "explicit transport", err: Transportf("open", "no such device"), want: KindTransport},
		{name: "explicit protocol", err: Protocolf("modbus", "exception"), want: KindProtocol},
		{name: "explicit argument", err: Argumentf("parse", "bad input"), want: KindArgument},
		{name: "explicit internal", err: Internalf("actor", "bug"), want: KindInternal},
		{name: "wrapped relay error", err: fmt.Errorf("context: %w", Protocolf("scpi", "bad block")), want: KindProtocol},
		{name: "eof", err: io.EOF, want: KindTransport},
		{name: "unexpected eof", err: io.ErrUnexpectedEOF, want: KindTransport},
		{name: "closed network connection", err: net.ErrClosed, want: KindTransport},
		{name: "missing file", err: os.ErrNotExist, want: KindTransport},
		{name: "syscall error", err: &os.SyscallError{Syscall: "write", Err: errors.New("EPIPE")}, want: KindTransport},
		{name: "net op error", err: &net.OpError{Op: "dial", Err: errors.New("refused")}, want: KindTransport},
		{name: "unclassified", err: errors.New("mystery"), want: KindInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, KindOf(tt.err))
		})
	}
}

// Transport and Internal failures close the handle; Protocol and
// Argument failures keep it; context expiry always closes.
func TestIsTransportFatal(t *testing.T) {
	assert.True(t, IsTransportFatal(Transportf("write", "broken pipe")))
	assert.True(t, IsTransportFatal(Internalf("actor", "bug")))
	assert.True(t, IsTransportFatal(context.Canceled))
	assert.True(t, IsTransportFatal(context.DeadlineExceeded))
	assert.False(t, IsTransportFatal(Protocolf("modbus", "exception")))
	assert.False(t, IsTransportFatal(Argumentf("parse", "bad input")))
}

// Wrapping preserves an inner relay kind instead of overriding it.
func TestWrapKeepsKind(t *testing.T) {
	inner := Protocolf("scpi", "malformed block")
	wrapped := WrapTransport("query", inner)
	assert.Equal(t, KindProtocol, wrapped.Kind)
	assert.ErrorIs(t, wrapped, inner)
}
