package tcan

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
)

// Transport is the contract a concrete driver must satisfy to back a
// Bus (§6).
type Transport[M any] interface {
	Init() error
	Read() (frame M, delivered bool, err error)
	Write(frame M) error
}

// PollableTransport is an optional Transport extension exposing a file
// descriptor, for managers running a unified epoll/select loop.
type PollableTransport interface {
	Fd() int
}

// BusOptions configures a Bus's lifecycle and threading behavior.
type BusOptions struct {
	Name                   string
	Asynchronous           bool
	StartPassive           bool
	ActivateBusOnReception bool
	MaxQueueSize           int
	SanityCheckInterval    time.Duration

	// Goroutine FIFO scheduling priorities; 0 disables elevation for that
	// goroutine (best effort, Linux only, §4.1).
	ReceivePriority  int
	TransmitPriority int
	SanityPriority   int
}

// DefaultBusOptions returns sane defaults for a named, asynchronous bus.
func DefaultBusOptions(name string) BusOptions {
	return BusOptions{
		Name:                name,
		Asynchronous:        true,
		MaxQueueSize:        64,
		SanityCheckInterval: 100 * time.Millisecond,
	}
}

// Bus is the transport-agnostic engine: it owns a bounded outgoing
// queue, a dispatch hook invoked per received frame, and (when
// asynchronous) the receive/transmit/sanity goroutines that drive it.
// It is generic over the frame type M so the same engine drives CAN and
// non-CAN transports alike (§1, §2).
type Bus[M any] struct {
	opts      BusOptions
	transport Transport[M]
	handle    func(M)

	queueMu       sync.Mutex
	queueNotEmpty *sync.Cond
	queueEmpty    *sync.Cond
	queue         []M

	running   atomic.Bool
	isPassive atomic.Bool
	busError  atomic.Bool
	wg        sync.WaitGroup

	syncFrame func() M

	// SanityCheck is invoked once per sanity tick by the sanity
	// goroutine. Left nil by NewBus; a specialization such as CanBus
	// assigns its own device-aggregating implementation.
	SanityCheck func() bool
}

// NewBus constructs a Bus bound to transport, with handle invoked from
// the receive goroutine for every delivered frame.
func NewBus[M any](opts BusOptions, transport Transport[M], handle func(M)) *Bus[M] {
	b := &Bus[M]{opts: opts, transport: transport, handle: handle}
	b.queueNotEmpty = sync.NewCond(&b.queueMu)
	b.queueEmpty = sync.NewCond(&b.queueMu)
	b.isPassive.Store(opts.StartPassive)
	return b
}

// SetSyncFrame installs the builder used by SendSync and the
// BusManager's coordinated sync.
func (b *Bus[M]) SetSyncFrame(fn func() M) {
	b.syncFrame = fn
}

// Init opens the underlying transport and, for an asynchronous bus,
// launches the receive/transmit/sanity goroutines.
func (b *Bus[M]) Init() (bool, error) {
	if err := b.transport.Init(); err != nil {
		log.Errorf("[BUS][%s] failed to open transport: %v", b.opts.Name, err)
		return false, fmt.Errorf("%w: %v", ErrTransportOpenFailed, err)
	}
	b.running.Store(true)
	if !b.opts.Asynchronous {
		log.Infof("[BUS][%s] initialized in synchronous mode", b.opts.Name)
		return true, nil
	}
	b.wg.Add(3)
	go b.receiveLoop()
	go b.transmitLoop()
	go b.sanityLoop()
	log.Infof("[BUS][%s] initialized, goroutines started", b.opts.Name)
	return true, nil
}

func (b *Bus[M]) receiveLoop() {
	defer b.wg.Done()
	maybeSetPriority(b.opts.ReceivePriority, "receive", b.opts.Name)
	for b.running.Load() {
		frame, delivered, err := b.transport.Read()
		if err != nil {
			log.Warnf("[BUS][%s] read error: %v", b.opts.Name, err)
			b.busError.Store(true)
			continue
		}
		if !delivered {
			continue
		}
		b.onFrameDelivered(frame)
	}
}

// onFrameDelivered applies the effects common to every successfully
// delivered frame, regardless of whether it arrived via the receive
// goroutine or a caller-driven ReadMessage: auto-activation out of the
// passive state, clearing the bus-error flag, and dispatch (§4.1).
func (b *Bus[M]) onFrameDelivered(frame M) {
	if b.isPassive.Load() && b.opts.ActivateBusOnReception {
		b.isPassive.Store(false)
		log.Warnf("[BUS][%s] activating on reception", b.opts.Name)
	}
	b.busError.Store(false)
	if b.handle != nil {
		b.handle(frame)
	}
}

func (b *Bus[M]) transmitLoop() {
	defer b.wg.Done()
	maybeSetPriority(b.opts.TransmitPriority, "transmit", b.opts.Name)
	for {
		b.queueMu.Lock()
		for len(b.queue) == 0 && b.running.Load() {
			b.queueNotEmpty.Wait()
		}
		if !b.running.Load() {
			b.queueMu.Unlock()
			return
		}
		head := b.queue[0]
		passive := b.isPassive.Load()
		b.queueMu.Unlock()

		if passive {
			b.popHead()
			continue
		}
		if err := b.transport.Write(head); err != nil {
			log.Warnf("[BUS][%s] write error, will retry: %v", b.opts.Name, err)
			time.Sleep(time.Millisecond)
			continue
		}
		b.popHead()
	}
}

func (b *Bus[M]) popHead() {
	b.queueMu.Lock()
	if len(b.queue) > 0 {
		b.queue = b.queue[1:]
	}
	if len(b.queue) == 0 {
		b.queueEmpty.Broadcast()
	}
	b.queueMu.Unlock()
}

func (b *Bus[M]) sanityLoop() {
	defer b.wg.Done()
	maybeSetPriority(b.opts.SanityPriority, "sanity", b.opts.Name)
	if b.opts.SanityCheckInterval <= 0 {
		return
	}
	next := time.Now().Add(b.opts.SanityCheckInterval)
	for b.running.Load() {
		if sleep := time.Until(next); sleep > 0 {
			time.Sleep(sleep)
		}
		next = next.Add(b.opts.SanityCheckInterval)
		if !b.running.Load() {
			return
		}
		if b.SanityCheck != nil {
			b.SanityCheck()
		}
	}
}

// StopThreads stops the bus's goroutines, optionally waiting for them to
// exit via the internal WaitGroup.
func (b *Bus[M]) StopThreads(wait bool) {
	b.running.Store(false)
	b.queueMu.Lock()
	b.queueNotEmpty.Broadcast()
	b.queueEmpty.Broadcast()
	b.queueMu.Unlock()
	if wait {
		b.wg.Wait()
	}
	log.Infof("[BUS][%s] stopped", b.opts.Name)
}

// Send pushes frame onto the outgoing queue and wakes the transmit
// goroutine. Overflow beyond MaxQueueSize only warns; it is not a hard
// bound (§5, §Open Questions).
func (b *Bus[M]) Send(frame M) error {
	if !b.running.Load() {
		return ErrBusClosed
	}
	b.queueMu.Lock()
	if b.opts.MaxQueueSize > 0 && len(b.queue) >= b.opts.MaxQueueSize {
		log.Warnf("[BUS][%s] outgoing queue over capacity (%d), enqueueing anyway", b.opts.Name, len(b.queue))
	}
	b.queue = append(b.queue, frame)
	b.queueMu.Unlock()
	b.queueNotEmpty.Signal()
	return nil
}

// Activate flips the bus out of the passive state.
func (b *Bus[M]) Activate() { b.isPassive.Store(false) }

// Passivate flips the bus into the passive state. While passive, queued
// frames are popped as if written successfully instead of being sent.
func (b *Bus[M]) Passivate() { b.isPassive.Store(true) }

// IsPassive reports the bus's current passive/active state.
func (b *Bus[M]) IsPassive() bool { return b.isPassive.Load() }

// HasBusError reports whether the most recent read attempt failed; it is
// cleared by the next successfully delivered frame.
func (b *Bus[M]) HasBusError() bool { return b.busError.Load() }

// WaitForEmptyQueue blocks until the outgoing queue is empty or ctx is
// cancelled.
func (b *Bus[M]) WaitForEmptyQueue(ctx context.Context) error {
	for {
		b.queueMu.Lock()
		empty := len(b.queue) == 0
		b.queueMu.Unlock()
		if empty {
			return nil
		}
		select {
		case <-ctx.Done():
			if ctx.Err() == context.DeadlineExceeded {
				return fmt.Errorf("%w: %w", ErrTimeout, ctx.Err())
			}
			return ctx.Err()
		case <-time.After(time.Millisecond):
		}
	}
}

// SendSync enqueues a broadcast sync frame built by SetSyncFrame.
func (b *Bus[M]) SendSync() error {
	if b.syncFrame == nil {
		return ErrIllegalArgument
	}
	return b.Send(b.syncFrame())
}

// sendSyncDirect writes the sync frame straight to the transport,
// bypassing the queue. BusManager.SendSyncOnAllBuses calls it while
// holding queueMu with the queue empty, so no queued frame is written
// ahead of or alongside it (§4.1).
func (b *Bus[M]) sendSyncDirect() error {
	if b.syncFrame == nil {
		return ErrIllegalArgument
	}
	return b.transport.Write(b.syncFrame())
}

// ReadMessage performs one blocking read and dispatches it; used by a
// caller-driven loop when the bus is synchronous.
func (b *Bus[M]) ReadMessage() error {
	if !b.running.Load() {
		return ErrBusClosed
	}
	frame, delivered, err := b.transport.Read()
	if err != nil {
		b.busError.Store(true)
		return err
	}
	if delivered {
		b.onFrameDelivered(frame)
	}
	return nil
}

// WriteMessage pops and writes one frame from the outgoing queue, if
// any; used by a caller-driven loop when the bus is synchronous.
func (b *Bus[M]) WriteMessage() error {
	if !b.running.Load() {
		return ErrBusClosed
	}
	b.queueMu.Lock()
	if len(b.queue) == 0 {
		b.queueMu.Unlock()
		return nil
	}
	head := b.queue[0]
	passive := b.isPassive.Load()
	b.queueMu.Unlock()

	if passive {
		b.popHead()
		return nil
	}
	if err := b.transport.Write(head); err != nil {
		return err
	}
	b.popHead()
	return nil
}
