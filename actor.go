// SPDX-License-Identifier: GPL-3.0-or-later

package comsrv

import (
	"context"
	"runtime/debug"
	"sync"
)

// Driver is the per-transport contract hosted by an [Actor].
//
// A driver owns exactly one hardware handle. It opens the handle lazily on
// the first transaction, re-opens it when the carried configuration
// differs from the configuration at open time, and tags every failure
// with an [ErrorKind] so the actor can decide close-or-keep.
//
// Drivers are never called concurrently: the actor serializes all access.
// The only exception is [Driver.Abort], which the actor invokes from a
// context watcher while a transaction is in flight.
type Driver[Req, Resp any] interface {
	// Transact performs one transaction against the handle, opening it
	// first when needed. The committed result reports whether user bytes
	// reached the wire before err occurred; the actor only auto-retries
	// uncommitted transport faults. Drivers that cannot observe the
	// commit point must report committed=true.
	Transact(ctx context.Context, req Req) (resp Resp, committed bool, err error)

	// Abort closes the handle out-of-band to unblock an in-flight
	// Transact. Called on request cancellation; must be safe to call
	// concurrently with Transact and when the handle is closed.
	Abort()

	// Close closes the handle if open. Closing a closed handle is a
	// no-op.
	Close() error
}

// actorMailboxSize bounds the number of queued requests per actor.
const actorMailboxSize = 32

// mail is one queued request with its reply channel.
type mail[Req, Resp any] struct {
	// ctx carries the caller's deadline and cancellation.
	ctx context.Context

	// req is the typed sub-request.
	req Req

	// reply receives exactly one result. Buffered so the actor never
	// blocks on an abandoned caller.
	reply chan result[Resp]
}

// result pairs a response with its error.
type result[Resp any] struct {
	resp Resp
	err  error
}

// Actor hosts a [Driver] on a dedicated goroutine and serializes
// concurrent requests into a single in-flight transaction.
//
// Requests are processed strictly in FIFO order: request k is fully
// completed (reply sent) before request k+1 begins. Blocking driver calls
// are acceptable because the actor goroutine is the dedicated executor for
// this handle; cancellation unblocks them via [Driver.Abort].
//
// Construct with [StartActor].
type Actor[Req, Resp any] struct {
	// classifier labels errors for logging.
	classifier ErrClassifier

	// done is closed when the actor goroutine has exited.
	done chan struct{}

	// drv is the hosted driver.
	drv Driver[Req, Resp]

	// handle identifies the actor in log output.
	handle HandleID

	// logger is the SLogger to use.
	logger SLogger

	// mailbox carries queued requests.
	mailbox chan mail[Req, Resp]

	// quit is closed by Drop to request graceful shutdown.
	quit chan struct{}

	// quitOnce guards closing quit.
	quitOnce sync.Once
}

// StartActor spawns the actor goroutine for drv and returns the running
// [*Actor]. The actor is ready to receive before StartActor returns.
//
// The cfg argument contains the common configuration for comsrv components.
func StartActor[Req, Resp any](cfg *Config, handle HandleID, drv Driver[Req, Resp]) *Actor[Req, Resp] {
	a := &Actor[Req, Resp]{
		classifier: cfg.ErrClassifier,
		done:       make(chan struct{}),
		drv:        drv,
		handle:     handle,
		logger:     cfg.Logger,
		mailbox:    make(chan mail[Req, Resp], actorMailboxSize),
		quit:       make(chan struct{}),
		quitOnce:   sync.Once{},
	}
	a.logger.Info("actorStart", "handle", string(handle))
	go a.loop()
	return a
}

// Send enqueues one request and blocks until the actor completes it, the
// context is done, or the actor terminates.
func (a *Actor[Req, Resp]) Send(ctx context.Context, req Req) (Resp, error) {
	var zero Resp
	m := mail[Req, Resp]{ctx: ctx, req: req, reply: make(chan result[Resp], 1)}
	select {
	case a.mailbox <- m:
	case <-a.done:
		return zero, disconnectedError("send")
	case <-ctx.Done():
		return zero, contextError("send", ctx)
	}
	select {
	case res := <-m.reply:
		return res.resp, res.err
	case <-a.done:
		// The loop drains the mailbox on exit, so a reply may still be
		// pending; prefer it over the generic disconnect error.
		select {
		case res := <-m.reply:
			return res.resp, res.err
		default:
			return zero, disconnectedError("send")
		}
	case <-ctx.Done():
		return zero, contextError("send", ctx)
	}
}

// Drop signals graceful shutdown and waits for the actor to exit or the
// context to expire, whichever comes first. Pending requests fail with
// [ErrDisconnected]; the in-flight transaction completes best-effort.
func (a *Actor[Req, Resp]) Drop(ctx context.Context) error {
	a.quitOnce.Do(func() { close(a.quit) })
	select {
	case <-a.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Alive reports whether the actor goroutine is still running. This is a
// non-blocking probe: a true result may be stale by the time it is used.
func (a *Actor[Req, Resp]) Alive() bool {
	select {
	case <-a.done:
		return false
	default:
		return true
	}
}

// loop is the actor goroutine: mailbox receive, transaction, reply.
func (a *Actor[Req, Resp]) loop() {
	defer close(a.done)
	defer a.logger.Info("actorExit", "handle", string(a.handle))
	defer a.drv.Close()
	defer a.drainMailbox()
	for {
		// Prefer quit over further mailbox work.
		select {
		case <-a.quit:
			return
		default:
		}
		select {
		case <-a.quit:
			return
		case m := <-a.mailbox:
			if !a.processOne(m) {
				return
			}
		}
	}
}

// drainMailbox fails every queued request with [ErrDisconnected].
func (a *Actor[Req, Resp]) drainMailbox() {
	for {
		select {
		case m := <-a.mailbox:
			m.reply <- result[Resp]{err: disconnectedError("transact")}
		default:
			return
		}
	}
}

// processOne runs a single transaction. It returns false when the actor
// must terminate (driver panic), true otherwise.
func (a *Actor[Req, Resp]) processOne(m mail[Req, Resp]) (ok bool) {
	ok = true

	// A request cancelled while queued is answered without touching the
	// handle, releasing the mailbox slot promptly.
	if m.ctx.Err() != nil {
		m.reply <- result[Resp]{err: contextError("transact", m.ctx)}
		return
	}

	// A panicking driver violates the relay's invariants: answer the
	// caller with Internal and terminate so the next request re-spawns a
	// fresh actor.
	defer func() {
		if r := recover(); r != nil {
			a.logger.Error(
				"actorPanic",
				"handle", string(a.handle),
				"panic", r,
				"stack", string(debug.Stack()),
			)
			m.reply <- result[Resp]{err: Internalf("transact", "driver panic: %v", r)}
			ok = false
		}
	}()

	// While the transaction is in flight, context cancellation closes
	// the handle: abandoning a partially written transaction would
	// produce phantom responses on the next request.
	stop := context.AfterFunc(m.ctx, a.drv.Abort)
	defer stop()

	resp, err := a.transact(m.ctx, m.req)
	if err != nil && m.ctx.Err() != nil {
		err = contextError("transact", m.ctx)
	}
	m.reply <- result[Resp]{resp: resp, err: err}
	return
}

// transact runs the driver transaction applying the close-or-keep and
// reopen-and-retry policies.
func (a *Actor[Req, Resp]) transact(ctx context.Context, req Req) (Resp, error) {
	resp, committed, err := a.drv.Transact(ctx, req)
	a.logger.Info(
		"transactionDone",
		"handle", string(a.handle),
		"committed", committed,
		"err", err,
		"errClass", a.classifier.Classify(err),
	)
	if err == nil {
		return resp, nil
	}
	if !IsTransportFatal(err) {
		// Protocol or argument failure: the handle stays open.
		return resp, err
	}
	a.drv.Close()
	if committed || ctx.Err() != nil {
		// Bytes reached the wire: at-most-once write semantics forbid a
		// retry.
		return resp, err
	}

	// Transparent single retry: close (done above), re-open inside the
	// driver, run the transaction again. A second failure of any kind is
	// final.
	resp, _, err = a.drv.Transact(ctx, req)
	a.logger.Info(
		"transactionRetryDone",
		"handle", string(a.handle),
		"err", err,
		"errClass", a.classifier.Classify(err),
	)
	if err != nil && IsTransportFatal(err) {
		a.drv.Close()
	}
	return resp, err
}

// disconnectedError wraps [ErrDisconnected] for the given operation.
func disconnectedError(op string) error {
	return &Error{Kind: KindTransport, Op: op, Err: ErrDisconnected}
}

// contextError maps a done context to the dispatch-level surface error.
func contextError(op string, ctx context.Context) error {
	return &Error{Kind: KindTransport, Op: op, Err: ErrTimeout}
}
