package rpc

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/kbirk/tether/pkg/dispatch"
	"github.com/kbirk/tether/pkg/log"
	"github.com/kbirk/tether/pkg/wire"
)

type bindingState int32

const (
	stateBound bindingState = iota
	stateUnbinding
	stateUnbound
)

// binding is the core shared by ServerBinding and Client: one transport
// end, one serialized dispatch queue, the strong-hold count, and the
// teardown state machine.
//
// Teardown sequencing: the first trigger wins a CAS out of Bound, records
// its UnbindInfo, and closes the transport. That stops the receive loop,
// which then posts the teardown task behind any still-queued dispatch
// callbacks. The teardown task drains per-binding bookkeeping (the client's
// pending table), after which the binding finalizes as soon as no strong
// holds remain: the unbound callback fires exactly once and the done
// channel closes. Strong holds delay only finalization, never the exit
// from Bound.
type binding struct {
	id     string
	conn   Conn
	queue  *dispatch.SerialQueue
	logger log.Logger

	ctx    context.Context
	cancel context.CancelFunc

	state atomic.Int32

	mu        sync.Mutex
	info      UnbindInfo
	holds     int
	drained   bool
	finalized bool

	handle    func(*wire.Message)
	onDrain   func(UnbindInfo)
	onUnbound func(UnbindInfo)

	doneCh chan struct{}
}

func newBinding(conn Conn, disp *dispatch.Dispatcher, logger log.Logger, onUnbound func(UnbindInfo)) *binding {
	ctx, cancel := context.WithCancel(context.Background())
	return &binding{
		id:        uuid.NewString(),
		conn:      conn,
		queue:     dispatch.NewSerialQueue(disp),
		logger:    logger,
		ctx:       ctx,
		cancel:    cancel,
		onUnbound: onUnbound,
		doneCh:    make(chan struct{}),
	}
}

func (b *binding) start() {
	go b.recvLoop()
}

func (b *binding) recvLoop() {
	for {
		data, caps, err := b.conn.Recv()
		if err != nil {
			// any receive failure is terminal; the first trigger wins
			b.beginUnbind(UnbindInfo{Reason: ReasonPeerClosed, Status: wire.StatusPeerClosed}, nil)
			break
		}

		msg, err := wire.Decode(data, caps)
		if err != nil {
			b.logWarn("binding " + b.id + " received undecodable message: " + err.Error())
			b.beginUnbind(UnbindInfo{Reason: ReasonUnexpectedMessage, Status: wire.StatusInvalidArgs}, nil)
			break
		}

		if err := b.queue.Post(func() { b.dispatchMessage(msg) }); err != nil {
			msg.ReleaseCapabilities()
			b.logError("binding " + b.id + " lost its dispatcher: " + err.Error())
			b.beginUnbind(UnbindInfo{Reason: ReasonDispatcherError, Status: wire.StatusInternal}, nil)
			break
		}
	}

	b.recvExited()
}

// dispatchMessage runs on the serial queue. Messages already queued when
// teardown began are dropped; their capabilities are released.
func (b *binding) dispatchMessage(msg *wire.Message) {
	if bindingState(b.state.Load()) != stateBound {
		msg.ReleaseCapabilities()
		return
	}
	b.handle(msg)
}

// beginUnbind moves the binding out of Bound. The first caller wins and
// records info; every later trigger is a no-op. The winner writes the
// epitaph, if any, before closing the transport so it is the last message
// the peer sees.
func (b *binding) beginUnbind(info UnbindInfo, epitaph []byte) bool {
	if !b.state.CompareAndSwap(int32(stateBound), int32(stateUnbinding)) {
		return false
	}

	b.mu.Lock()
	b.info = info
	b.mu.Unlock()

	b.logDebug(fmt.Sprintf("binding %s unbinding: %s", b.id, info))

	if epitaph != nil {
		// best effort; the peer may already be gone
		_ = b.conn.Send(epitaph)
	}
	b.cancel()
	_ = b.conn.Close()
	return true
}

// recvExited runs once the receive loop has stopped consuming messages.
// The teardown task is posted to the serial queue so it runs strictly
// after every dispatch callback already in flight.
func (b *binding) recvExited() {
	if err := b.queue.Post(b.teardown); err != nil {
		// dispatcher is gone; tear down on this goroutine instead
		b.teardown()
	}
}

func (b *binding) teardown() {
	b.mu.Lock()
	info := b.info
	onDrain := b.onDrain
	b.mu.Unlock()

	if onDrain != nil {
		onDrain(info)
	}

	b.mu.Lock()
	b.drained = true
	fire := b.maybeFinalizeLocked()
	b.mu.Unlock()
	b.finalize(fire)
}

// maybeFinalizeLocked transitions to Unbound once the binding is drained
// and unreferenced. It returns the notification to run outside the lock,
// or nil if finalization is not due yet. Callers hold b.mu.
func (b *binding) maybeFinalizeLocked() func() {
	if b.finalized || !b.drained || b.holds != 0 {
		return nil
	}
	b.finalized = true
	b.state.Store(int32(stateUnbound))
	info := b.info

	return func() {
		b.logDebug(fmt.Sprintf("binding %s unbound: %s", b.id, info))
		if b.onUnbound != nil {
			b.onUnbound(info)
		}
		close(b.doneCh)
	}
}

func (b *binding) finalize(fire func()) {
	if fire == nil {
		return
	}
	if err := b.queue.Post(fire); err != nil {
		fire()
	}
}

// hold takes a strong reference: the binding will not finalize while any
// hold is outstanding.
func (b *binding) hold() {
	b.mu.Lock()
	b.holds++
	b.mu.Unlock()
}

func (b *binding) release() {
	b.mu.Lock()
	b.holds--
	if b.holds < 0 {
		b.mu.Unlock()
		panic("binding hold released twice")
	}
	fire := b.maybeFinalizeLocked()
	b.mu.Unlock()
	b.finalize(fire)
}

func (b *binding) unbind() {
	b.beginUnbind(UnbindInfo{Reason: ReasonUnbind, Status: wire.StatusOK}, nil)
}

// send writes an encoded message while the binding is bound. A transport
// write failure is terminal.
func (b *binding) send(data []byte, caps ...wire.Capability) error {
	if bindingState(b.state.Load()) != stateBound {
		wire.ReleaseAll(caps)
		return &UnboundError{Info: b.currentInfo()}
	}
	if err := b.conn.Send(data, caps...); err != nil {
		// the transport released the capabilities
		b.beginUnbind(UnbindInfo{Reason: ReasonPeerClosed, Status: wire.StatusPeerClosed}, nil)
		return err
	}
	return nil
}

func (b *binding) currentInfo() UnbindInfo {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.info
}

func (b *binding) unbindInfo() (UnbindInfo, bool) {
	if bindingState(b.state.Load()) == stateBound {
		return UnbindInfo{}, false
	}
	return b.currentInfo(), true
}

func (b *binding) retain() *BindingRef {
	b.hold()
	return &BindingRef{b: b}
}

// BindingRef is a strong reference to a binding. It delays the unbound
// notification and resource release, never the start of teardown. Release
// is idempotent.
type BindingRef struct {
	b    *binding
	once sync.Once
}

func (r *BindingRef) Release() {
	r.once.Do(r.b.release)
}

func (b *binding) logDebug(msg string) {
	if b.logger != nil {
		b.logger.Debug(msg)
	}
}

func (b *binding) logInfo(msg string) {
	if b.logger != nil {
		b.logger.Info(msg)
	}
}

func (b *binding) logWarn(msg string) {
	if b.logger != nil {
		b.logger.Warn(msg)
	}
}

func (b *binding) logError(msg string) {
	if b.logger != nil {
		b.logger.Error(msg)
	}
}
