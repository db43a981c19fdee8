// SPDX-License-Identifier: GPL-3.0-or-later

package comsrv

import (
	"context"
	"sync"
	"time"
)

// defaultDispatchTimeout bounds one instrument transaction when the
// request does not carry its own timeout.
const defaultDispatchTimeout = 10 * time.Second

// Relay version reported by the Version request.
const (
	versionMajor = 1
	versionMinor = 1
	versionBuild = 0
)

// Dispatcher is the root request handler: it validates addresses, looks
// up or spawns actors, applies locks, forwards typed sub-requests, and
// classifies outcomes into [Response] values.
//
// One Handle call runs per incoming request; many run in parallel. All
// shared state (inventory, lock table, bus) is internally synchronized.
//
// The zero value is not usable; construct with [NewDispatcher].
type Dispatcher struct {
	// bus fans out notifications from broadcast-capable actors.
	bus *Bus

	// cfg is the common configuration, also passed to spawned actors.
	cfg *Config

	// inventory is the registry of live actors.
	inventory *Inventory

	// locks is the lease table.
	locks *LockManager

	// logger is the SLogger to use.
	logger SLogger

	// loopback backs can::loopback addresses.
	loopback *LoopbackCAN

	// runScan executes sigrok-cli for device scans; overridable in
	// tests.
	runScan runCommand

	// mu guards accepting.
	mu sync.Mutex

	// accepting is false once shutdown began; new requests are
	// rejected.
	accepting bool

	// shutdown is closed when graceful shutdown completes.
	shutdown chan struct{}

	// shutdownOnce guards the shutdown sequence.
	shutdownOnce sync.Once
}

// NewDispatcher creates a [*Dispatcher] with an empty inventory and
// lease table.
//
// The cfg argument contains the common configuration for comsrv components.
func NewDispatcher(cfg *Config) *Dispatcher {
	return &Dispatcher{
		bus:       NewBus(cfg),
		cfg:       cfg,
		inventory: NewInventory(cfg),
		locks:     NewLockManager(cfg),
		logger:    cfg.Logger,
		loopback:  NewLoopbackCAN(),
		runScan:   execCommand,
		accepting: true,
		shutdown:  make(chan struct{}),
	}
}

// Bus returns the notification bus carriers subscribe to.
func (d *Dispatcher) Bus() *Bus { return d.bus }

// Loopback returns the in-process CAN loopback bus.
func (d *Dispatcher) Loopback() *LoopbackCAN { return d.loopback }

// Done returns a channel closed when graceful shutdown has completed
// and the process should exit.
func (d *Dispatcher) Done() <-chan struct{} { return d.shutdown }

// Handle processes one request and always returns a response; errors
// ride the Error variant, never panics or out-of-band failures.
func (d *Dispatcher) Handle(ctx context.Context, req Request) Response {
	span := NewSpanID()
	d.logger.Info("dispatchStart", "spanID", span)

	d.mu.Lock()
	accepting := d.accepting
	d.mu.Unlock()
	if !accepting {
		return ErrorResponse(disconnectedError("dispatch"))
	}

	resp := d.dispatch(ctx, req)
	if resp.Error != nil {
		d.logger.Info("dispatchDone", "spanID", span, "errTag", resp.Error.Tag, "errMessage", resp.Error.Message)
	} else {
		d.logger.Info("dispatchDone", "spanID", span)
	}
	return resp
}

func (d *Dispatcher) dispatch(ctx context.Context, req Request) Response {
	switch {
	case req.Scpi != nil:
		return d.handleScpi(ctx, *req.Scpi)
	case req.Bytes != nil:
		return d.handleBytes(ctx, *req.Bytes)
	case req.ModBus != nil:
		return d.handleModBus(ctx, *req.ModBus)
	case req.Can != nil:
		return d.handleCan(ctx, *req.Can)
	case req.Sigrok != nil:
		return d.handleSigrok(ctx, *req.Sigrok)
	case req.Hid != nil:
		return d.handleHid(ctx, *req.Hid)
	case req.Drop != nil:
		return d.handleDrop(ctx, *req.Drop)
	case req.DropAll:
		if err := d.inventory.DropAll(ctx); err != nil {
			return ErrorResponse(Internalf("drop all", "%v", err))
		}
		return DoneResponse()
	case req.Lock != nil:
		return d.handleLock(*req.Lock)
	case req.Unlock != nil:
		return d.handleUnlock(*req.Unlock)
	case req.ListInstruments:
		instruments := d.inventory.List()
		return Response{Instruments: &instruments}
	case req.ListSerialPorts:
		ports, err := ListSerialPorts()
		if err != nil {
			return ErrorResponse(err)
		}
		return Response{SerialPorts: &ports}
	case req.ListCanDevices:
		devices, err := ListCanDevices()
		if err != nil {
			return ErrorResponse(err)
		}
		return Response{CanDevices: &devices}
	case req.ListFtdiDevices:
		devices, err := ListFtdiDevices()
		if err != nil {
			return ErrorResponse(err)
		}
		return Response{FtdiDevices: &devices}
	case req.ListSigrokDevices:
		devices, err := ListSigrokDevices(ctx, d.runScan)
		if err != nil {
			return ErrorResponse(err)
		}
		return Response{SigrokDevices: &devices}
	case req.Version:
		return Response{Version: &VersionPayload{Major: versionMajor, Minor: versionMinor, Build: versionBuild}}
	case req.Shutdown:
		return d.handleShutdown(ctx)
	default:
		return ErrorResponse(Argumentf("dispatch", "empty request"))
	}
}

// admit parses the address and runs the lock admission check, returning
// the derived per-request context.
func (d *Dispatcher) admit(ctx context.Context, env InstrumentEnvelope) (Address, context.Context, context.CancelFunc, error) {
	addr, err := ParseAddress(env.Instrument)
	if err != nil {
		return nil, nil, nil, err
	}
	if !d.locks.Check(addr.HandleID(), env.Lock) {
		return nil, nil, nil, &Error{Kind: KindArgument, Op: "dispatch", Err: ErrLockedByOther}
	}
	timeout := defaultDispatchTimeout
	if env.Timeout != nil {
		timeout = env.Timeout.Std()
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	return addr, reqCtx, cancel, nil
}

// spawn constructs the actor matching the address variant. It is passed
// to [Inventory.GetOrSpawn].
func (d *Dispatcher) spawn(addr Address) (actorRef, error) {
	handle := addr.HandleID()
	switch addr.Kind() {
	case KindByteStream:
		return StartActor[streamRequest, streamReply](d.cfg, handle, newStreamDriver(d.cfg)), nil
	case KindCan:
		return StartActor[CanRequest, CanResponse](d.cfg, handle, newCANDriver(d.cfg, addr.(CANAddress), d.bus, d.loopback)), nil
	case KindHid:
		return StartActor[HidRequest, HidResponse](d.cfg, handle, newHIDDriver(d.cfg, addr.(HIDAddress))), nil
	case KindVxi:
		return StartActor[ScpiRequest, ScpiResponse](d.cfg, handle, newVXIDriver(d.cfg, addr.(VXIAddress))), nil
	case KindSigrok:
		return StartActor[SigrokRequest, SigrokResponse](d.cfg, handle, newSigrokDriver(d.cfg, addr.(SigrokAddress))), nil
	case KindVisa:
		return StartActor[ScpiRequest, ScpiResponse](d.cfg, handle, newVISADriver(addr.(VISAAddress))), nil
	default:
		return nil, Internalf("spawn", "unhandled instrument kind %q", addr.Kind())
	}
}

// resolveActor returns the live actor for addr, verifying that the
// entry's transport kind matches the address variant.
func resolveActor[Req, Resp any](d *Dispatcher, addr Address) (*Actor[Req, Resp], error) {
	entry, err := d.inventory.GetOrSpawn(addr, d.spawn)
	if err != nil {
		return nil, err
	}
	actor, ok := entry.Actor().(*Actor[Req, Resp])
	if !ok || entry.Kind != addr.Kind() {
		return nil, &Error{Kind: KindArgument, Op: "dispatch", Err: ErrInvalidRequest}
	}
	return actor, nil
}

// sendStream routes one byte-stream transaction.
func (d *Dispatcher) sendStream(ctx context.Context, addr Address, req streamRequest) (streamReply, error) {
	actor, err := resolveActor[streamRequest, streamReply](d, addr)
	if err != nil {
		return streamReply{}, err
	}
	return actor.Send(ctx, req)
}

func (d *Dispatcher) handleScpi(ctx context.Context, env ScpiEnvelope) Response {
	addr, reqCtx, cancel, err := d.admit(ctx, env.InstrumentEnvelope)
	if err != nil {
		return ErrorResponse(err)
	}
	defer cancel()

	switch addr.Kind() {
	case KindByteStream:
		config, gpib, err := streamConfigFor(addr)
		if err != nil {
			return ErrorResponse(err)
		}
		reply, err := d.sendStream(reqCtx, addr, streamRequest{config: config, gpib: gpib, scpi: &env.Request})
		if err != nil {
			return ErrorResponse(err)
		}
		return Response{Scpi: reply.scpi}
	case KindVxi, KindVisa:
		actor, err := resolveActor[ScpiRequest, ScpiResponse](d, addr)
		if err != nil {
			return ErrorResponse(err)
		}
		resp, err := actor.Send(reqCtx, env.Request)
		if err != nil {
			return ErrorResponse(err)
		}
		return Response{Scpi: &resp}
	default:
		return ErrorResponse(&Error{Kind: KindArgument, Op: "scpi", Err: ErrInvalidRequest})
	}
}

func (d *Dispatcher) handleBytes(ctx context.Context, env BytesEnvelope) Response {
	addr, reqCtx, cancel, err := d.admit(ctx, env.InstrumentEnvelope)
	if err != nil {
		return ErrorResponse(err)
	}
	defer cancel()

	if addr.Kind() != KindByteStream {
		return ErrorResponse(&Error{Kind: KindArgument, Op: "bytes", Err: ErrInvalidRequest})
	}
	config, gpib, err := streamConfigFor(addr)
	if err != nil {
		return ErrorResponse(err)
	}
	reply, err := d.sendStream(reqCtx, addr, streamRequest{config: config, gpib: gpib, bytes: &env.Request})
	if err != nil {
		return ErrorResponse(err)
	}
	return Response{Bytes: reply.bytes}
}

func (d *Dispatcher) handleModBus(ctx context.Context, env ModBusEnvelope) Response {
	addr, reqCtx, cancel, err := d.admit(ctx, env.InstrumentEnvelope)
	if err != nil {
		return ErrorResponse(err)
	}
	defer cancel()

	var tx modbusTransaction
	switch a := addr.(type) {
	case ModbusTCPAddress:
		tx = modbusTransaction{proto: modbusTCP, station: a.Station, req: env.Request}
	case ModbusRTUAddress:
		tx = modbusTransaction{proto: modbusRTU, station: a.Station, req: env.Request}
	default:
		return ErrorResponse(&Error{Kind: KindArgument, Op: "modbus", Err: ErrInvalidRequest})
	}
	config, _, err := streamConfigFor(addr)
	if err != nil {
		return ErrorResponse(err)
	}
	reply, err := d.sendStream(reqCtx, addr, streamRequest{config: config, modbus: &tx})
	if err != nil {
		return ErrorResponse(err)
	}
	return Response{ModBus: reply.modbus}
}

func (d *Dispatcher) handleCan(ctx context.Context, env CanEnvelope) Response {
	addr, reqCtx, cancel, err := d.admit(ctx, env.InstrumentEnvelope)
	if err != nil {
		return ErrorResponse(err)
	}
	defer cancel()

	if addr.Kind() != KindCan {
		return ErrorResponse(&Error{Kind: KindArgument, Op: "can", Err: ErrInvalidRequest})
	}
	actor, err := resolveActor[CanRequest, CanResponse](d, addr)
	if err != nil {
		return ErrorResponse(err)
	}
	resp, err := actor.Send(reqCtx, env.Request)
	if err != nil {
		return ErrorResponse(err)
	}
	return Response{Can: &resp}
}

func (d *Dispatcher) handleSigrok(ctx context.Context, env SigrokEnvelope) Response {
	addr, reqCtx, cancel, err := d.admit(ctx, env.InstrumentEnvelope)
	if err != nil {
		return ErrorResponse(err)
	}
	defer cancel()

	if addr.Kind() != KindSigrok {
		return ErrorResponse(&Error{Kind: KindArgument, Op: "sigrok", Err: ErrInvalidRequest})
	}
	actor, err := resolveActor[SigrokRequest, SigrokResponse](d, addr)
	if err != nil {
		return ErrorResponse(err)
	}
	resp, err := actor.Send(reqCtx, env.Request)
	if err != nil {
		return ErrorResponse(err)
	}
	return Response{Sigrok: &resp}
}

func (d *Dispatcher) handleHid(ctx context.Context, env HidEnvelope) Response {
	addr, reqCtx, cancel, err := d.admit(ctx, env.InstrumentEnvelope)
	if err != nil {
		return ErrorResponse(err)
	}
	defer cancel()

	if addr.Kind() != KindHid {
		return ErrorResponse(&Error{Kind: KindArgument, Op: "hid", Err: ErrInvalidRequest})
	}
	actor, err := resolveActor[HidRequest, HidResponse](d, addr)
	if err != nil {
		return ErrorResponse(err)
	}
	resp, err := actor.Send(reqCtx, env.Request)
	if err != nil {
		return ErrorResponse(err)
	}
	return Response{Hid: &resp}
}

func (d *Dispatcher) handleDrop(ctx context.Context, instrument string) Response {
	addr, err := ParseAddress(instrument)
	if err != nil {
		return ErrorResponse(err)
	}
	if err := d.inventory.Drop(ctx, addr); err != nil {
		return ErrorResponse(Internalf("drop", "%v", err))
	}
	return DoneResponse()
}

func (d *Dispatcher) handleLock(req LockRequest) Response {
	addr, err := ParseAddress(req.Addr)
	if err != nil {
		return ErrorResponse(err)
	}
	id, err := d.locks.Lock(addr.HandleID(), req.Timeout.Std())
	if err != nil {
		return ErrorResponse(err)
	}
	return Response{Locked: &LockedPayload{LockID: id}}
}

func (d *Dispatcher) handleUnlock(req UnlockRequest) Response {
	addr, err := ParseAddress(req.Addr)
	if err != nil {
		return ErrorResponse(err)
	}
	if err := d.locks.Unlock(addr.HandleID(), req.ID); err != nil {
		return ErrorResponse(err)
	}
	return DoneResponse()
}

// handleShutdown stops accepting new requests, drops every actor, and
// then signals the process run group to exit.
func (d *Dispatcher) handleShutdown(ctx context.Context) Response {
	d.shutdownOnce.Do(func() {
		d.mu.Lock()
		d.accepting = false
		d.mu.Unlock()
		d.logger.Info("shutdownStart")
		if err := d.inventory.DropAll(ctx); err != nil {
			d.logger.Warn("shutdownDropAll", "err", err)
		}
		close(d.shutdown)
	})
	return DoneResponse()
}
