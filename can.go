// SPDX-License-Identifier: GPL-3.0-or-later

package comsrv

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.einride.tech/can"
	"go.einride.tech/can/pkg/socketcan"
)

// CAN arbitration id limits at the standard/extended boundary.
const (
	maxStandardCANID = 0x7FF
	maxExtendedCANID = 0x1FFFFFFF
)

// validateCANMessage rejects frames that cannot exist on the wire before
// any I/O happens.
func validateCANMessage(msg CANMessage) error {
	limit := uint32(maxStandardCANID)
	if msg.ExtID {
		limit = maxExtendedCANID
	}
	if msg.ID > limit {
		return Argumentf("can", "arbitration id %#x exceeds %#x", msg.ID, limit)
	}
	if len(msg.Data) > 8 {
		return Argumentf("can", "frame payload %d bytes exceeds 8", len(msg.Data))
	}
	return nil
}

// canBus abstracts one CAN backend: SocketCAN or the in-process
// loopback.
type canBus interface {
	// Transmit sends one validated frame.
	Transmit(ctx context.Context, msg CANMessage) error

	// Receive blocks for the next frame.
	Receive(ctx context.Context) (CANMessage, error)

	// Close releases the backend. Receive unblocks with an error.
	Close() error
}

// LoopbackCAN is the in-process loopback bus: frames transmitted by any
// holder are fanned out to every subscriber. It backs the can::loopback
// address for tests and local notification fan-out.
//
// The zero value is not usable; construct with [NewLoopbackCAN]. The
// dispatcher owns one instance; tests construct their own.
type LoopbackCAN struct {
	mu     sync.Mutex
	subs   map[int]chan CANMessage
	nextID int
}

// loopbackCANBuffer bounds each subscriber queue; the oldest frame is
// dropped on overflow, mirroring the notification bus policy.
const loopbackCANBuffer = 64

// NewLoopbackCAN creates a [*LoopbackCAN].
func NewLoopbackCAN() *LoopbackCAN {
	return &LoopbackCAN{subs: make(map[int]chan CANMessage)}
}

// Publish fans msg out to every subscriber without blocking.
func (l *LoopbackCAN) Publish(msg CANMessage) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, sub := range l.subs {
		for {
			select {
			case sub <- msg:
			default:
				select {
				case <-sub:
				default:
				}
				continue
			}
			break
		}
	}
}

// subscribe registers a frame consumer; the returned cancel removes it.
func (l *LoopbackCAN) subscribe() (<-chan CANMessage, func()) {
	ch := make(chan CANMessage, loopbackCANBuffer)
	l.mu.Lock()
	id := l.nextID
	l.nextID++
	l.subs[id] = ch
	l.mu.Unlock()
	return ch, func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		delete(l.subs, id)
	}
}

// loopbackCANBus adapts [*LoopbackCAN] to [canBus].
type loopbackCANBus struct {
	loopback *LoopbackCAN
	frames   <-chan CANMessage
	cancel   func()
	closed   chan struct{}
	once     sync.Once
}

var _ canBus = &loopbackCANBus{}

func newLoopbackCANBus(loopback *LoopbackCAN) *loopbackCANBus {
	frames, cancel := loopback.subscribe()
	return &loopbackCANBus{
		loopback: loopback,
		frames:   frames,
		cancel:   cancel,
		closed:   make(chan struct{}),
	}
}

// Transmit implements [canBus].
func (b *loopbackCANBus) Transmit(ctx context.Context, msg CANMessage) error {
	select {
	case <-b.closed:
		return Transportf("can", "loopback bus closed")
	default:
	}
	b.loopback.Publish(msg)
	return nil
}

// Receive implements [canBus].
func (b *loopbackCANBus) Receive(ctx context.Context) (CANMessage, error) {
	select {
	case msg := <-b.frames:
		return msg, nil
	case <-b.closed:
		return CANMessage{}, Transportf("can", "loopback bus closed")
	case <-ctx.Done():
		return CANMessage{}, WrapTransport("can receive", ctx.Err())
	}
}

// Close implements [canBus].
func (b *loopbackCANBus) Close() error {
	b.once.Do(func() {
		b.cancel()
		close(b.closed)
	})
	return nil
}

// socketCANBus adapts a SocketCAN interface to [canBus].
type socketCANBus struct {
	tx *socketcan.Transmitter
	rx *socketcan.Receiver

	// txConn and rxConn are the underlying connections; separate so a
	// blocked receive never delays transmissions.
	txConn, rxConn net.Conn
}

var _ canBus = &socketCANBus{}

func dialSocketCAN(ctx context.Context, iface string) (canBus, error) {
	txConn, err := socketcan.DialContext(ctx, "can", iface)
	if err != nil {
		return nil, WrapTransport("can open", err)
	}
	rxConn, err := socketcan.DialContext(ctx, "can", iface)
	if err != nil {
		txConn.Close()
		return nil, WrapTransport("can open", err)
	}
	return &socketCANBus{
		tx:     socketcan.NewTransmitter(txConn),
		rx:     socketcan.NewReceiver(rxConn),
		txConn: txConn,
		rxConn: rxConn,
	}, nil
}

// Transmit implements [canBus].
func (b *socketCANBus) Transmit(ctx context.Context, msg CANMessage) error {
	frame := can.Frame{
		ID:         msg.ID,
		Length:     uint8(len(msg.Data)),
		IsExtended: msg.ExtID,
		IsRemote:   msg.RTR,
	}
	copy(frame.Data[:], msg.Data)
	if err := b.tx.TransmitFrame(ctx, frame); err != nil {
		return WrapTransport("can transmit", err)
	}
	return nil
}

// Receive implements [canBus].
func (b *socketCANBus) Receive(ctx context.Context) (CANMessage, error) {
	if !b.rx.Receive() {
		err := b.rx.Err()
		if err == nil {
			err = Transportf("can", "receiver closed")
		}
		return CANMessage{}, WrapTransport("can receive", err)
	}
	frame := b.rx.Frame()
	return CANMessage{
		ID:    frame.ID,
		Data:  ByteArray(frame.Data[:frame.Length]),
		ExtID: frame.IsExtended,
		RTR:   frame.IsRemote,
	}, nil
}

// Close implements [canBus].
func (b *socketCANBus) Close() error {
	err := b.txConn.Close()
	if rxErr := b.rxConn.Close(); err == nil {
		err = rxErr
	}
	return err
}

// canDriver is the [Driver] for CAN instruments.
type canDriver struct {
	// addr is the served bus address; its string form tags
	// notifications.
	addr CANAddress

	// bus receives raw-frame notifications while listening.
	bus *Bus

	// classifier labels errors for logging.
	classifier ErrClassifier

	// logger is the SLogger to use.
	logger SLogger

	// loopback backs can::loopback addresses.
	loopback *LoopbackCAN

	// mu guards conn against concurrent Abort.
	mu sync.Mutex

	// conn is the open backend, nil when closed.
	conn canBus

	// listen management: cancel stops the listen loop, done closes
	// when it exits.
	listenCancel context.CancelFunc
	listenDone   chan struct{}
}

// newCANDriver creates the CAN [Driver] for addr.
//
// The cfg argument contains the common configuration for comsrv components.
func newCANDriver(cfg *Config, addr CANAddress, bus *Bus, loopback *LoopbackCAN) *canDriver {
	return &canDriver{
		addr:       addr,
		bus:        bus,
		classifier: cfg.ErrClassifier,
		logger:     cfg.Logger,
		loopback:   loopback,
	}
}

var _ Driver[CanRequest, CanResponse] = &canDriver{}

// Transact implements [Driver].
//
// Transmission reports committed=true on any post-open failure: a CAN
// send is a single syscall whose commit point is not observable, so the
// actor must not auto-retry it.
func (d *canDriver) Transact(ctx context.Context, req CanRequest) (CanResponse, bool, error) {
	switch {
	case req.TxRaw != nil:
		if err := validateCANMessage(*req.TxRaw); err != nil {
			return CanResponse{}, false, err
		}
		conn, err := d.ensureOpen(ctx)
		if err != nil {
			return CanResponse{}, false, err
		}
		if err := conn.Transmit(ctx, *req.TxRaw); err != nil {
			return CanResponse{}, true, err
		}
		return CanResponse{Ok: true}, true, nil
	case req.ListenRaw != nil:
		if *req.ListenRaw {
			if _, err := d.ensureOpen(ctx); err != nil {
				return CanResponse{}, false, err
			}
			d.startListening()
		} else {
			d.stopListening()
		}
		return CanResponse{Ok: true}, false, nil
	default:
		return CanResponse{}, false, Argumentf("can", "empty can request")
	}
}

// ensureOpen opens the backend lazily.
func (d *canDriver) ensureOpen(ctx context.Context) (canBus, error) {
	d.mu.Lock()
	conn := d.conn
	d.mu.Unlock()
	if conn != nil {
		return conn, nil
	}
	var err error
	if d.addr.Bus == CANLoopback {
		conn = newLoopbackCANBus(d.loopback)
	} else {
		conn, err = dialSocketCAN(ctx, d.addr.Interface)
		if err != nil {
			return nil, err
		}
	}
	d.mu.Lock()
	d.conn = conn
	d.mu.Unlock()
	return conn, nil
}

// startListening spawns the listen loop once.
func (d *canDriver) startListening() {
	if d.listenDone != nil {
		select {
		case <-d.listenDone:
			// previous loop died; restart below
		default:
			return
		}
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	d.listenCancel = cancel
	d.listenDone = done
	go d.listenLoop(ctx, done)
}

// stopListening stops the listen loop and waits for it to exit.
func (d *canDriver) stopListening() {
	if d.listenCancel == nil {
		return
	}
	d.listenCancel()
	<-d.listenDone
	d.listenCancel = nil
	d.listenDone = nil
}

// listenLoop publishes every received frame onto the notification bus,
// re-opening the backend with capped exponential backoff when a
// transport fault interrupts the stream.
func (d *canDriver) listenLoop(ctx context.Context, done chan struct{}) {
	defer close(done)
	source := d.addr.String()
	retry := backoff.NewExponentialBackOff()
	retry.MaxElapsedTime = 0
	for ctx.Err() == nil {
		conn, err := d.ensureOpen(ctx)
		if err != nil {
			d.logger.Warn(
				"canListenReopenFailed",
				"source", source,
				"err", err,
				"errClass", d.classifier.Classify(err),
			)
			select {
			case <-ctx.Done():
				return
			case <-time.After(retry.NextBackOff()):
			}
			continue
		}
		// Cancellation closes the backend so that a Receive which does not
		// watch ctx (SocketCAN) unblocks as well.
		stopWatch := context.AfterFunc(ctx, func() {
			d.mu.Lock()
			if d.conn == conn {
				d.conn = nil
			}
			d.mu.Unlock()
			conn.Close()
		})
		msg, err := conn.Receive(ctx)
		stopWatch()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			d.logger.Warn(
				"canListenInterrupted",
				"source", source,
				"err", err,
				"errClass", d.classifier.Classify(err),
			)
			d.closeConn()
			select {
			case <-ctx.Done():
				return
			case <-time.After(retry.NextBackOff()):
			}
			continue
		}
		retry.Reset()
		d.bus.Publish(Notification{Source: source, Can: &msg})
	}
}

// closeConn drops the backend so the next use re-opens it.
func (d *canDriver) closeConn() {
	d.mu.Lock()
	conn := d.conn
	d.conn = nil
	d.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

// Abort implements [Driver].
func (d *canDriver) Abort() {
	d.mu.Lock()
	conn := d.conn
	d.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

// Close implements [Driver].
func (d *canDriver) Close() error {
	d.stopListening()
	d.closeConn()
	return nil
}
