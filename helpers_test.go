// SPDX-License-Identifier: GPL-3.0-or-later

package comsrv

import (
	"context"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/bassosimone/netstub"
	"github.com/bassosimone/slogstub"
	"github.com/jonboulle/clockwork"
)

// newCapturingLogger returns a logger that captures all log records into the
// returned slice. The caller can inspect the slice after exercising the code
// under test to verify which events were emitted.
func newCapturingLogger() (*slog.Logger, *[]slog.Record) {
	var records []slog.Record
	handler := &slogstub.FuncHandler{
		EnabledFunc: func(ctx context.Context, level slog.Level) bool {
			return true
		},
		HandleFunc: func(ctx context.Context, record slog.Record) error {
			records = append(records, record)
			return nil
		},
	}
	return slog.New(handler), &records
}

// newTestConfig returns a [*Config] suitable for tests: no-op logging
// and a fake clock the caller can advance.
func newTestConfig() (*Config, *clockwork.FakeClock) {
	cfg := NewConfig()
	clock := clockwork.NewFakeClock()
	cfg.Clock = clock
	return cfg, clock
}

// newMinimalConn returns a [*netstub.FuncConn] with only LocalAddrFunc and
// RemoteAddrFunc set. This is the minimum needed for code that calls
// [safeconn.LocalAddr] and [safeconn.RemoteAddr] during construction.
func newMinimalConn() *netstub.FuncConn {
	return &netstub.FuncConn{
		LocalAddrFunc:  func() net.Addr { return &net.TCPAddr{} },
		RemoteAddrFunc: func() net.Addr { return &net.TCPAddr{} },
	}
}

// scriptedDriver is a [Driver] whose Transact results are scripted per
// call. It records every request it sees and how often Close ran. All
// counters are mutex-guarded because Abort arrives from the actor's
// cancellation watcher while tests poll from their own goroutine.
type scriptedDriver struct {
	// script holds one outcome per expected Transact call; calls
	// beyond the script succeed with the zero response.
	script []scriptedOutcome

	// block, when non-nil, makes Transact wait until the channel
	// closes (for cancellation and drop tests).
	block chan struct{}

	// mu guards the recorded state below.
	mu       sync.Mutex
	calls    int
	closes   int
	aborts   int
	requests []string
}

// scriptedOutcome is one scripted Transact result.
type scriptedOutcome struct {
	resp      string
	committed bool
	err       error
}

var _ Driver[string, string] = &scriptedDriver{}

func (d *scriptedDriver) Transact(ctx context.Context, req string) (string, bool, error) {
	d.mu.Lock()
	d.requests = append(d.requests, req)
	idx := d.calls
	d.calls++
	d.mu.Unlock()
	if d.block != nil {
		select {
		case <-d.block:
		case <-ctx.Done():
			return "", true, WrapTransport("transact", ctx.Err())
		}
	}
	if idx < len(d.script) {
		out := d.script[idx]
		return out.resp, out.committed, out.err
	}
	return "", true, nil
}

func (d *scriptedDriver) Abort() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.aborts++
}

func (d *scriptedDriver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closes++
	return nil
}

// Calls returns how many Transact invocations happened.
func (d *scriptedDriver) Calls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

// Closes returns how many Close invocations happened.
func (d *scriptedDriver) Closes() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closes
}

// Aborts returns how many Abort invocations happened.
func (d *scriptedDriver) Aborts() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.aborts
}

// Requests returns a snapshot of the requests seen so far.
func (d *scriptedDriver) Requests() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string{}, d.requests...)
}

// waitUntil polls cond for up to timeout; used where a goroutine side
// effect needs a bounded wait without fake-clock support.
func waitUntil(timeout time.Duration, cond func() bool) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(time.Millisecond)
	}
	return cond()
}
