package rpc

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/kbirk/tether/pkg/dispatch"
	"github.com/kbirk/tether/pkg/log"
	"github.com/kbirk/tether/pkg/wire"
)

type ClientConfig struct {
	Dispatcher *dispatch.Dispatcher
	Events     *MethodTable
	Middleware []Middleware
	OnUnbound  func(UnbindInfo)
	Logger     log.Logger
}

// Response is a successful two-way reply. The receiver owns the
// capabilities and must release whatever it does not consume.
type Response struct {
	Ordinal      uint64
	Flags        uint32
	Body         []byte
	Capabilities []wire.Capability
}

// ReleaseCapabilities closes any capabilities still attached.
func (r *Response) ReleaseCapabilities() {
	wire.ReleaseAll(r.Capabilities)
	r.Capabilities = nil
}

// ResponseContext tracks one outstanding two-way call. Exactly one of
// OnReply or OnError fires, exactly once, unless the context is forgotten
// first.
type ResponseContext struct {
	// Type bounds the expected reply; the zero value applies the wire
	// format's default limits.
	Type wire.TypeDescriptor

	// OnReply receives the reply. A nil OnReply releases the reply's
	// capabilities and drops it.
	OnReply func(*Response)

	// OnError fires when the binding tears down before the reply arrives.
	OnError func(UnbindInfo)

	txid uint64
}

// Txid reports the transaction id assigned by PrepareAsyncTxn, zero if the
// context was never registered.
func (rc *ResponseContext) Txid() uint64 {
	return rc.txid
}

// Client ties one connection to outgoing calls and inbound replies and
// events.
type Client struct {
	core *binding
	conf ClientConfig

	pendingMu sync.Mutex
	pending   map[uint64]*ResponseContext
	draining  bool

	nextTxid atomic.Uint64
}

// NewClient attaches conn and starts reading. The client owns conn from
// this point on.
func NewClient(conn Conn, conf ClientConfig) *Client {
	if conn == nil {
		panic("rpc: NewClient requires a connection")
	}
	if conf.Dispatcher == nil {
		panic("rpc: NewClient requires a dispatcher")
	}

	c := &Client{
		conf:    conf,
		pending: make(map[uint64]*ResponseContext),
	}
	c.core = newBinding(conn, conf.Dispatcher, conf.Logger, conf.OnUnbound)
	c.core.handle = c.handleMessage
	c.core.onDrain = c.drainPending
	c.core.start()
	return c
}

// Dial connects through the transport and binds a client to the resulting
// connection.
func Dial(transport ClientTransport, conf ClientConfig) (*Client, error) {
	conn, err := transport.Connect()
	if err != nil {
		return nil, err
	}
	return NewClient(conn, conf), nil
}

func (c *Client) allocTxid() uint64 {
	for {
		txid := c.nextTxid.Add(1)
		if txid != 0 {
			return txid
		}
	}
}

// PrepareAsyncTxn assigns a transaction id and registers rc to receive the
// reply. Once teardown has begun it returns an error and rc is never
// registered; neither callback will fire.
func (c *Client) PrepareAsyncTxn(rc *ResponseContext) (uint64, error) {
	c.pendingMu.Lock()
	if c.draining {
		c.pendingMu.Unlock()
		return 0, &UnboundError{Info: c.core.currentInfo()}
	}
	txid := c.allocTxid()
	rc.txid = txid
	c.pending[txid] = rc
	c.pendingMu.Unlock()
	return txid, nil
}

// ForgetAsyncTxn removes rc from the pending set so neither callback
// fires. It reports false if rc already completed or was drained, in which
// case a callback owns the outcome.
func (c *Client) ForgetAsyncTxn(rc *ResponseContext) bool {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	got, ok := c.pending[rc.txid]
	if !ok || got != rc {
		return false
	}
	delete(c.pending, rc.txid)
	return true
}

func (c *Client) takePending(txid uint64) (*ResponseContext, bool) {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	rc, ok := c.pending[txid]
	if ok {
		delete(c.pending, txid)
	}
	return rc, ok
}

// drainPending runs on the binding's serial queue during teardown, after
// the receive loop has exited. Every remaining context hears OnError
// exactly once.
func (c *Client) drainPending(info UnbindInfo) {
	c.pendingMu.Lock()
	c.draining = true
	remaining := c.pending
	c.pending = make(map[uint64]*ResponseContext)
	c.pendingMu.Unlock()

	for _, rc := range remaining {
		if rc.OnError != nil {
			rc.OnError(info)
		}
	}
}

// AsyncCall sends a two-way call and arranges for rc to receive the
// outcome. Ownership of the capabilities moves into the message. A nil
// return means exactly one of rc's callbacks will fire; a non-nil return
// means neither will.
func (c *Client) AsyncCall(rc *ResponseContext, ordinal uint64, flags uint32, body []byte, caps ...wire.Capability) error {
	txid, err := c.PrepareAsyncTxn(rc)
	if err != nil {
		wire.ReleaseAll(caps)
		return err
	}

	err = c.core.send(wire.Encode(wire.Header{
		Txid:    txid,
		Ordinal: ordinal,
		Flags:   flags,
	}, body), caps...)
	if err != nil {
		if c.ForgetAsyncTxn(rc) {
			return err
		}
		// the drain got there first and already fired OnError
		return nil
	}
	return nil
}

// Call is the blocking form of AsyncCall. Unbind before a reply surfaces
// as *UnboundError; ctx cancellation abandons the call.
func (c *Client) Call(ctx context.Context, ordinal uint64, flags uint32, body []byte, caps ...wire.Capability) (*Response, error) {
	type callResult struct {
		resp *Response
		info UnbindInfo
		ok   bool
	}
	ch := make(chan callResult, 1)

	rc := &ResponseContext{
		OnReply: func(resp *Response) {
			ch <- callResult{resp: resp, ok: true}
		},
		OnError: func(info UnbindInfo) {
			ch <- callResult{info: info}
		},
	}

	if err := c.AsyncCall(rc, ordinal, flags, body, caps...); err != nil {
		return nil, err
	}

	select {
	case res := <-ch:
		if !res.ok {
			return nil, &UnboundError{Info: res.info}
		}
		return res.resp, nil
	case <-ctx.Done():
		if c.ForgetAsyncTxn(rc) {
			return nil, ctx.Err()
		}
		// a callback already fired; the call is abandoned either way
		res := <-ch
		if res.ok {
			res.resp.ReleaseCapabilities()
		}
		return nil, ctx.Err()
	}
}

// Send writes a one-way message. Ownership of the capabilities moves into
// the message.
func (c *Client) Send(ordinal uint64, flags uint32, body []byte, caps ...wire.Capability) error {
	return c.core.send(wire.Encode(wire.Header{
		Txid:    0,
		Ordinal: ordinal,
		Flags:   flags,
	}, body), caps...)
}

func (c *Client) handleMessage(msg *wire.Message) {
	hdr := msg.Header

	if hdr.IsEpitaph() {
		status, err := wire.ParseEpitaph(msg)
		if err != nil {
			msg.ReleaseCapabilities()
			c.core.logWarn("received malformed epitaph, unbinding")
			c.core.beginUnbind(UnbindInfo{
				Reason: ReasonUnexpectedMessage,
				Status: wire.StatusInvalidArgs,
			}, nil)
			return
		}
		c.core.logDebug(fmt.Sprintf("received epitaph %s", status.String()))
		c.core.beginUnbind(UnbindInfo{Reason: ReasonPeerClosed, Status: status}, nil)
		return
	}

	if hdr.Txid != 0 {
		c.handleReply(msg)
		return
	}
	c.handleEvent(msg)
}

func (c *Client) handleReply(msg *wire.Message) {
	hdr := msg.Header

	rc, ok := c.takePending(hdr.Txid)
	if !ok {
		msg.ReleaseCapabilities()
		c.core.logWarn(fmt.Sprintf("unrecognized transaction id %d, unbinding", hdr.Txid))
		c.core.beginUnbind(UnbindInfo{
			Reason: ReasonUnexpectedMessage,
			Status: wire.StatusInvalidArgs,
		}, nil)
		return
	}

	if err := rc.Type.Check(len(msg.Body), len(msg.Capabilities)); err != nil {
		msg.ReleaseCapabilities()
		c.core.logWarn(fmt.Sprintf("rejecting reply for txid %d: %s", hdr.Txid, err.Error()))
		c.core.beginUnbind(UnbindInfo{
			Reason: ReasonUnexpectedMessage,
			Status: wire.StatusInvalidArgs,
		}, nil)
		// rc is already out of the pending set, so the drain cannot
		// reach it; deliver the failure here to keep exactly-once
		if rc.OnError != nil {
			rc.OnError(c.core.currentInfo())
		}
		return
	}

	resp := &Response{
		Ordinal:      hdr.Ordinal,
		Flags:        hdr.Flags,
		Body:         msg.Body,
		Capabilities: msg.TakeCapabilities(),
	}
	if rc.OnReply == nil {
		resp.ReleaseCapabilities()
		return
	}
	rc.OnReply(resp)
}

func (c *Client) handleEvent(msg *wire.Message) {
	hdr := msg.Header

	if c.conf.Events == nil {
		msg.ReleaseCapabilities()
		c.core.logWarn(fmt.Sprintf("dropping event ordinal %d, no event table", hdr.Ordinal))
		return
	}

	entry, ok := c.conf.Events.lookup(hdr.Ordinal)
	if !ok {
		c.handleUnknownEvent(hdr)
		msg.ReleaseCapabilities()
		return
	}

	if err := entry.Type.Check(len(msg.Body), len(msg.Capabilities)); err != nil {
		msg.ReleaseCapabilities()
		c.core.logWarn(fmt.Sprintf("rejecting event %s: %s", entry.Name, err.Error()))
		c.core.beginUnbind(UnbindInfo{
			Reason: ReasonUnexpectedMessage,
			Status: wire.StatusInvalidArgs,
		}, nil)
		return
	}

	req := &Request{
		Txid:    0,
		Ordinal: hdr.Ordinal,
		Flags:   hdr.Flags,
		Body:    msg.Body,
		caps:    msg.TakeCapabilities(),
	}
	handlerCompleter := &Completer{core: c.core, txid: 0, ordinal: hdr.Ordinal}

	handler := buildMethodChain(c.conf.Middleware, entry.Func)
	err := handler(c.core.ctx, req, handlerCompleter)
	req.releaseUnconsumed()
	if err != nil {
		c.core.logError(fmt.Sprintf("event handler for %s failed: %s", entry.Name, err.Error()))
		c.core.beginUnbind(UnbindInfo{
			Reason: ReasonUnexpectedMessage,
			Status: wire.StatusInvalidArgs,
		}, nil)
	}
}

func (c *Client) handleUnknownEvent(hdr wire.Header) {
	if !hdr.IsFlexible() || c.conf.Events.openness == OpennessClosed {
		c.core.logWarn(fmt.Sprintf("unknown event ordinal %d, unbinding", hdr.Ordinal))
		c.core.beginUnbind(UnbindInfo{
			Reason: ReasonUnexpectedMessage,
			Status: wire.StatusNotSupported,
		}, nil)
		return
	}

	// Ajar and Open both tolerate unknown flexible events
	c.core.logDebug(fmt.Sprintf("ignoring unknown flexible event ordinal %d", hdr.Ordinal))
	if c.conf.Events.unknown != nil {
		c.conf.Events.unknown(c.core.ctx, hdr.Ordinal, InteractionEvent)
	}
}

// Unbind begins teardown.
func (c *Client) Unbind() {
	c.core.unbind()
}

// Retain delays full teardown until the returned ref is released.
func (c *Client) Retain() *BindingRef {
	return c.core.retain()
}

// Done is closed once teardown has completed and the unbound callback has
// run.
func (c *Client) Done() <-chan struct{} {
	return c.core.doneCh
}

// Info reports the recorded teardown cause, if teardown has begun.
func (c *Client) Info() (UnbindInfo, bool) {
	return c.core.unbindInfo()
}
