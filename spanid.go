// SPDX-License-Identifier: GPL-3.0-or-later

package comsrv

import (
	"github.com/bassosimone/runtimex"
	"github.com/google/uuid"
)

// NewSpanID returns a UUIDv7 representing a span.
//
// A span is the lifetime of one dispatched request: decode, lock check,
// actor resolution, transaction, and reply. Attach the span ID to the
// logger with [*slog.Logger.With] so all log entries from that request
// share the same spanID, enabling correlation across components.
//
// The span terminology is borrowed from OTel.
//
// This function panics if the system random number generator fails,
// which should only happen under extraordinary circumstances.
func NewSpanID() string {
	return runtimex.PanicOnError1(uuid.NewV7()).String()
}
