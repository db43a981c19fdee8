// SPDX-License-Identifier: GPL-3.0-or-later

package comsrv

import (
	"context"
	"log/slog"
	"net"
	"time"

	"github.com/bassosimone/safeconn"
)

// NewConnectFunc returns a new [*ConnectFunc] dialing TCP endpoints.
//
// The cfg argument contains the common configuration for comsrv components.
//
// The logger argument is the [SLogger] to use for structured logging.
func NewConnectFunc(cfg *Config, logger SLogger) *ConnectFunc {
	return &ConnectFunc{
		Dialer:        cfg.Dialer,
		ErrClassifier: cfg.ErrClassifier,
		Logger:        logger,
		TimeNow:       cfg.TimeNow,
	}
}

// ConnectFunc dials a "host:port" endpoint over TCP.
//
// Returns either a valid [net.Conn] or an error, never both. Dial
// failures are [KindTransport]: nothing was committed to the wire, so the
// actor may transparently retry the transaction on a fresh handle.
//
// All fields are safe to modify after construction but before first use.
// Fields must not be mutated concurrently with calls to [Call].
type ConnectFunc struct {
	// Dialer is the [Dialer] to use.
	//
	// Set by [NewConnectFunc] from [Config.Dialer].
	Dialer Dialer

	// ErrClassifier classifies errors for structured logging.
	//
	// Set by [NewConnectFunc] from [Config.ErrClassifier].
	ErrClassifier ErrClassifier

	// Logger is the [SLogger] to use (configurable for testing or custom logging).
	//
	// Set by [NewConnectFunc] to the user-provided logger.
	Logger SLogger

	// TimeNow is the function to get the current time (configurable for testing).
	//
	// Set by [NewConnectFunc] from [Config.TimeNow].
	TimeNow func() time.Time
}

var _ Func[string, net.Conn] = &ConnectFunc{}

// Call invokes the [*ConnectFunc] to connect to the given endpoint.
func (op *ConnectFunc) Call(ctx context.Context, endpoint string) (net.Conn, error) {
	t0 := op.TimeNow()
	deadline, _ := ctx.Deadline()
	op.logConnectStart(endpoint, t0, deadline)
	conn, err := op.Dialer.DialContext(ctx, "tcp", endpoint)
	op.logConnectDone(endpoint, t0, deadline, conn, err)
	if err != nil {
		return nil, WrapTransport("connect", err)
	}
	return conn, nil
}

func (op *ConnectFunc) logConnectStart(endpoint string, t0 time.Time, deadline time.Time) {
	op.Logger.Info(
		"connectStart",
		slog.Time("deadline", deadline),
		slog.String("protocol", "tcp"),
		slog.String("remoteAddr", endpoint),
		slog.Time("t", t0),
	)
}

func (op *ConnectFunc) logConnectDone(
	endpoint string, t0 time.Time, deadline time.Time, conn net.Conn, err error) {
	op.Logger.Info(
		"connectDone",
		slog.Time("deadline", deadline),
		slog.Any("err", err),
		slog.String("errClass", op.ErrClassifier.Classify(err)),
		slog.String("localAddr", safeconn.LocalAddr(conn)),
		slog.String("protocol", "tcp"),
		slog.String("remoteAddr", endpoint),
		slog.Time("t0", t0),
		slog.Time("t", op.TimeNow()),
	)
}
