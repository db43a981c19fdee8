// SPDX-License-Identifier: GPL-3.0-or-later

// Package comsrv implements a long-running instrument communication relay.
//
// The relay multiplexes JSON RPC requests from many clients onto
// heterogeneous hardware transports (serial ports, TCP sockets, USB-HID,
// CAN interfaces, VXI-11, Modbus over TCP and RTU, Prologix GPIB adapters,
// sigrok logic analyzers). Clients speak a single tagged-variant protocol
// over WebSockets (primary) or one-shot HTTP; the relay hides connection
// lifecycle, re-opening after transient faults, cross-client
// synchronization, and protocol framing.
//
// # Core Abstractions
//
// The package is built around four cooperating pieces:
//
//   - [Address] and [HandleID]: an Address names a transport endpoint with
//     its per-request configuration; its HandleID strips the configuration
//     down to the OS-level resource identity. Two addresses with equal
//     HandleID contend for the same physical handle and therefore route to
//     the same actor.
//
//   - [Actor]: a goroutine owning exactly one hardware handle, processing
//     requests strictly in FIFO order. The actor lazily opens the handle on
//     first use, classifies every failure as transport-fatal or
//     protocol-level, closes the handle only on transport and internal
//     faults, and
//     transparently retries a request once when the fault occurred before
//     any bytes were committed to the wire.
//
//   - [Inventory]: the registry of live actors keyed by [HandleID], with
//     spawn-on-demand, idempotent drop, and graceful fan-out shutdown.
//
//   - [Dispatcher]: the request router. It validates addresses, enforces
//     [LockManager] leases, resolves or spawns the matching actor, forwards
//     the typed sub-request under a dispatch timeout, and translates the
//     outcome into a [Response].
//
// Broadcast-capable transports (CAN) publish unsolicited messages onto a
// shared [Bus]; the WebSocket carrier fans them out to subscribed clients
// as Notify frames tagged with the source address.
//
// # Error Model
//
// Every failure carries one of four kinds (see [ErrorKind]): Transport
// faults close the handle and the next request re-opens it; Protocol
// failures are reported verbatim with the handle kept open; Argument
// failures never touch the handle; Internal failures indicate a relay bug
// and close the handle. A driver panic is answered as Internal, logged with
// a stack trace, and terminates the offending actor so the next request
// re-spawns it; an Internal error returned by a driver is logged without a
// stack trace. Errors are never delivered out-of-band: they
// ride the normal Error response variant.
//
// # Observability
//
// All components support structured logging via [SLogger] (compatible with
// [log/slog]). By default logging is disabled; set a custom [*slog.Logger]
// to enable it. Completion events carry an errClass label produced by the
// configured [ErrClassifier]. Use [NewSpanID] to correlate all log entries
// belonging to one dispatched request.
//
// # Timeout and Context Philosophy
//
// Operations never modify the context they receive beyond deriving the
// per-request deadline (client-supplied or the 10 second default). The
// actor honors cancellation at its next suspension point; cancellation
// while a transaction is in flight closes the handle, because silently
// leaving bytes on the wire produces phantom responses on the next
// request.
package comsrv
