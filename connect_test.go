// SPDX-License-Identifier: GPL-3.0-or-later

package comsrv

import (
	"context"
	"errors"
	"net"
	"testing"

	"github.com/bassosimone/netstub"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// NewConnectFunc populates all fields from Config and the provided logger.
func TestNewConnectFunc(t *testing.T) {
	cfg := NewConfig()
	logger := DefaultSLogger()

	fn := NewConnectFunc(cfg, logger)

	require.NotNil(t, fn)
	assert.NotNil(t, fn.Dialer)
	assert.NotNil(t, fn.Logger)
	assert.NotNil(t, fn.TimeNow)
	assert.NotNil(t, fn.ErrClassifier)
}

// Call dials the endpoint and classifies failures as transport faults.
func TestConnectFunc(t *testing.T) {
	tests := []struct {
		// name describes what this test case verifies.
		name string

		// dialer is the mock dialer to use.
		dialer *netstub.FuncDialer

		// endpoint is the target endpoint.
		endpoint string

		// wantErr indicates whether we expect an error.
		wantErr bool
	}{
		{
			name: "successful connect",
			dialer: &netstub.FuncDialer{
				DialContextFunc: func(ctx context.Context, network, address string) (net.Conn, error) {
					conn := newMinimalConn()
					conn.CloseFunc = func() error { return nil }
					return conn, nil
				},
			},
			endpoint: "192.168.1.12:5025",
			wantErr:  false,
		},

		{
			name: "dial error",
			dialer: &netstub.FuncDialer{
				DialContextFunc: func(ctx context.Context, network, address string) (net.Conn, error) {
					return nil, errors.New("connection refused")
				},
			},
			endpoint: "192.168.1.12:5025",
			wantErr:  true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewConfig()
			cfg.Dialer = tt.dialer

			fn := NewConnectFunc(cfg, DefaultSLogger())
			conn, err := fn.Call(context.Background(), tt.endpoint)

			if tt.wantErr {
				require.Error(t, err)
				assert.Nil(t, conn)
				assert.Equal(t, KindTransport, KindOf(err))
				return
			}

			require.NoError(t, err)
			require.NotNil(t, conn)
			conn.Close()
		})
	}
}

// The observe wrapper logs reads and writes while delegating to the
// underlying connection.
func TestObserveConnFunc(t *testing.T) {
	cfg := NewConfig()
	logger, records := newCapturingLogger()

	inner := newMinimalConn()
	inner.ReadFunc = func(buf []byte) (int, error) {
		copy(buf, "ok")
		return 2, nil
	}
	inner.WriteFunc = func(data []byte) (int, error) { return len(data), nil }
	inner.CloseFunc = func() error { return nil }

	fn := NewObserveConnFunc(cfg, logger)
	observed, err := fn.Call(context.Background(), inner)
	require.NoError(t, err)

	buf := make([]byte, 2)
	count, err := observed.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	_, err = observed.Write([]byte("ping"))
	require.NoError(t, err)
	require.NoError(t, observed.Close())

	// Close twice follows the net.ErrClosed convention.
	assert.ErrorIs(t, observed.Close(), net.ErrClosed)

	messages := map[string]bool{}
	for _, record := range *records {
		messages[record.Message] = true
	}
	assert.True(t, messages["readDone"])
	assert.True(t, messages["writeDone"])
	assert.True(t, messages["closeDone"])
}
