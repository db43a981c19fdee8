// SPDX-License-Identifier: GPL-3.0-or-later

package comsrv

import (
	"context"
	"net"
	"time"

	"github.com/bassosimone/errclass"
	"github.com/jonboulle/clockwork"
)

// Dialer abstracts the [*net.Dialer] behavior.
//
// By making the TCP openers depend on an abstract implementation we
// allow for unit testing and for using alternative dialers.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// Config holds common configuration for comsrv components.
//
// Pass this to constructor functions to pre-wire dependencies.
// All fields have sensible defaults set by [NewConfig].
type Config struct {
	// Clock provides the current time for lock deadlines and timers.
	//
	// Set by [NewConfig] to [clockwork.NewRealClock]. Tests inject a
	// fake clock to exercise lease expiry without sleeping.
	Clock clockwork.Clock

	// Dialer is used by the TCP byte-stream and VXI openers.
	//
	// Set by [NewConfig] to [*net.Dialer].
	Dialer Dialer

	// ErrClassifier classifies errors for structured logging.
	//
	// Set by [NewConfig] to [errclass.New].
	ErrClassifier ErrClassifier

	// Logger is the [SLogger] used by all components.
	//
	// Set by [NewConfig] to [DefaultSLogger].
	Logger SLogger

	// TimeNow returns the current time.
	//
	// Set by [NewConfig] to [time.Now].
	TimeNow func() time.Time
}

// NewConfig creates a [*Config] with sensible defaults.
func NewConfig() *Config {
	return &Config{
		Clock:         clockwork.NewRealClock(),
		Dialer:        &net.Dialer{},
		ErrClassifier: ErrClassifierFunc(errclass.New),
		Logger:        DefaultSLogger(),
		TimeNow:       time.Now,
	}
}
