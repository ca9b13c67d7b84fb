package rpc

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/kbirk/tether/pkg/wire"
)

const (
	completerPending int32 = iota
	completerReplied
	completerClosed
	completerConverted
	completerAbandoned
)

// Completer carries the obligation to answer one inbound interaction. For
// a two-way call exactly one resolution must happen before the handler
// returns: Reply, Close, or ToAsync. Misuse is a programming error and
// panics; losing a race against binding teardown is not, and surfaces as
// an ErrUnbound error instead.
//
// One-way calls and events also hand their handler a Completer so that
// dispatch functions share one shape, but it accepts no reply.
type Completer struct {
	core    *binding
	txid    uint64
	ordinal uint64
	flags   uint32
	state   int32
}

// ExpectsReply reports whether the peer is blocked awaiting a reply.
func (c *Completer) ExpectsReply() bool {
	return c.txid != 0
}

// Reply sends the response for a two-way call. Ownership of the
// capabilities moves into the reply.
func (c *Completer) Reply(body []byte, caps ...wire.Capability) error {
	if c.txid == 0 {
		wire.ReleaseAll(caps)
		panic(fmt.Sprintf("reply to one-way interaction, ordinal %d", c.ordinal))
	}
	if !atomic.CompareAndSwapInt32(&c.state, completerPending, completerReplied) {
		wire.ReleaseAll(caps)
		panic(fmt.Sprintf("interaction already resolved, ordinal %d txid %d", c.ordinal, c.txid))
	}
	return c.core.send(wire.Encode(wire.Header{
		Txid:    c.txid,
		Ordinal: c.ordinal,
		Flags:   c.flags,
	}, body), caps...)
}

// Close resolves the interaction without a reply: it sends an epitaph
// carrying status and begins unbinding.
func (c *Completer) Close(status wire.Status) {
	if !atomic.CompareAndSwapInt32(&c.state, completerPending, completerClosed) {
		panic(fmt.Sprintf("interaction already resolved, ordinal %d txid %d", c.ordinal, c.txid))
	}
	c.core.beginUnbind(UnbindInfo{Reason: ReasonUnbind, Status: status}, wire.EncodeEpitaph(status))
}

// ToAsync converts the completer into one that may outlive the handler.
// The binding will not fully unbind until the returned completer resolves.
func (c *Completer) ToAsync() *AsyncCompleter {
	if c.txid == 0 {
		panic(fmt.Sprintf("one-way interaction cannot defer a reply, ordinal %d", c.ordinal))
	}
	if !atomic.CompareAndSwapInt32(&c.state, completerPending, completerConverted) {
		panic(fmt.Sprintf("interaction already resolved, ordinal %d txid %d", c.ordinal, c.txid))
	}
	c.core.hold()
	return &AsyncCompleter{
		inner: Completer{
			core:    c.core,
			txid:    c.txid,
			ordinal: c.ordinal,
			flags:   c.flags,
		},
	}
}

// abandon suppresses the dropped-reply check when dispatch itself failed
// and the binding is tearing down.
func (c *Completer) abandon() {
	atomic.StoreInt32(&c.state, completerAbandoned)
}

// finishSync runs after the handler returns. A still-pending two-way
// completer means the caller would hang forever, which the runtime treats
// as a crash-worthy bug rather than a silent leak.
func (c *Completer) finishSync() {
	if c.txid == 0 {
		return
	}
	if atomic.LoadInt32(&c.state) != completerPending {
		return
	}
	if bindingState(c.core.state.Load()) != stateBound {
		// teardown raced the handler; nothing was owed anymore
		return
	}
	panic(fmt.Sprintf("two-way interaction dropped without a reply, ordinal %d txid %d", c.ordinal, c.txid))
}

// AsyncCompleter is the owned form of a Completer, produced by ToAsync. It
// holds the binding alive (in the unbinding sense: teardown may begin, but
// not complete) until resolved exactly once via Reply or Close.
type AsyncCompleter struct {
	inner   Completer
	release sync.Once
}

func (a *AsyncCompleter) ExpectsReply() bool {
	return true
}

func (a *AsyncCompleter) Reply(body []byte, caps ...wire.Capability) error {
	err := a.inner.Reply(body, caps...)
	a.release.Do(a.inner.core.release)
	return err
}

func (a *AsyncCompleter) Close(status wire.Status) {
	a.inner.Close(status)
	a.release.Do(a.inner.core.release)
}
