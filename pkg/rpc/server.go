package rpc

import (
	"encoding/binary"
	"fmt"

	"github.com/kbirk/tether/pkg/dispatch"
	"github.com/kbirk/tether/pkg/log"
	"github.com/kbirk/tether/pkg/wire"
)

type ServerConfig struct {
	Dispatcher *dispatch.Dispatcher
	Table      *MethodTable
	Middleware []Middleware
	OnUnbound  func(UnbindInfo)
	Logger     log.Logger
}

// ServerBinding ties one connection to a method table and dispatches
// inbound interactions to its handlers.
type ServerBinding struct {
	core  *binding
	conf  ServerConfig
	table *MethodTable
}

// BindServer attaches conn to the table's handlers and starts reading.
// The binding owns conn from this point on.
func BindServer(conn Conn, conf ServerConfig) *ServerBinding {
	if conn == nil {
		panic("rpc: BindServer requires a connection")
	}
	if conf.Dispatcher == nil {
		panic("rpc: BindServer requires a dispatcher")
	}
	if conf.Table == nil {
		panic("rpc: BindServer requires a method table")
	}

	s := &ServerBinding{
		conf:  conf,
		table: conf.Table,
	}
	s.core = newBinding(conn, conf.Dispatcher, conf.Logger, conf.OnUnbound)
	s.core.handle = s.handleMessage
	s.core.start()
	return s
}

func (s *ServerBinding) handleMessage(msg *wire.Message) {
	hdr := msg.Header

	if hdr.IsEpitaph() {
		// epitaphs only travel server to client
		msg.ReleaseCapabilities()
		s.core.logWarn("received epitaph from client, unbinding")
		s.core.beginUnbind(UnbindInfo{
			Reason: ReasonUnexpectedMessage,
			Status: wire.StatusInvalidArgs,
		}, nil)
		return
	}

	entry, ok := s.table.lookup(hdr.Ordinal)
	if !ok {
		s.handleUnknown(msg)
		return
	}

	if err := entry.Type.Check(len(msg.Body), len(msg.Capabilities)); err != nil {
		msg.ReleaseCapabilities()
		s.core.logWarn(fmt.Sprintf("rejecting %s: %s", entry.Name, err.Error()))
		s.core.beginUnbind(UnbindInfo{
			Reason: ReasonUnexpectedMessage,
			Status: wire.StatusInvalidArgs,
		}, wire.EncodeEpitaph(wire.StatusInvalidArgs))
		return
	}

	req := &Request{
		Txid:    hdr.Txid,
		Ordinal: hdr.Ordinal,
		Flags:   hdr.Flags,
		Body:    msg.Body,
		caps:    msg.TakeCapabilities(),
	}
	c := &Completer{
		core:    s.core,
		txid:    hdr.Txid,
		ordinal: hdr.Ordinal,
		flags:   hdr.Flags & wire.FlagFlexible,
	}

	handler := buildMethodChain(s.conf.Middleware, entry.Func)
	err := handler(s.core.ctx, req, c)
	req.releaseUnconsumed()
	if err != nil {
		c.abandon()
		s.core.logError(fmt.Sprintf("handler for %s failed: %s", entry.Name, err.Error()))
		s.core.beginUnbind(UnbindInfo{
			Reason: ReasonUnexpectedMessage,
			Status: wire.StatusInvalidArgs,
		}, wire.EncodeEpitaph(wire.StatusInvalidArgs))
		return
	}
	c.finishSync()
}

func (s *ServerBinding) handleUnknown(msg *wire.Message) {
	hdr := msg.Header
	msg.ReleaseCapabilities()

	kind := InteractionOneWay
	if hdr.ExpectsReply() {
		kind = InteractionTwoWay
	}

	if !hdr.IsFlexible() {
		s.fatalUnknown(hdr, kind, "strict")
		return
	}

	// Ajar tolerates unknown events only, and events never arrive at a
	// server, so anything short of Open is fatal here.
	if s.table.openness != OpennessOpen {
		s.fatalUnknown(hdr, kind, s.table.openness.String())
		return
	}

	s.core.logDebug(fmt.Sprintf("ignoring unknown flexible ordinal %d", hdr.Ordinal))

	if kind == InteractionTwoWay {
		var body [4]byte
		binary.BigEndian.PutUint32(body[:], uint32(wire.StatusNotSupported))
		err := s.core.send(wire.Encode(wire.Header{
			Txid:    hdr.Txid,
			Ordinal: hdr.Ordinal,
			Flags:   wire.FlagFlexible,
		}, body[:]))
		if err != nil {
			return
		}
	}

	if s.table.unknown != nil {
		s.table.unknown(s.core.ctx, hdr.Ordinal, kind)
	}
}

func (s *ServerBinding) fatalUnknown(hdr wire.Header, kind InteractionKind, mode string) {
	s.core.logWarn(fmt.Sprintf("unknown %s ordinal %d on %s protocol, unbinding", kind.String(), hdr.Ordinal, mode))
	var epitaph []byte
	if hdr.ExpectsReply() {
		epitaph = wire.EncodeEpitaph(wire.StatusNotSupported)
	}
	s.core.beginUnbind(UnbindInfo{
		Reason: ReasonUnexpectedMessage,
		Status: wire.StatusNotSupported,
	}, epitaph)
}

// SendEvent sends an unsolicited message to the client. Ownership of the
// capabilities moves into the event.
func (s *ServerBinding) SendEvent(ordinal uint64, flags uint32, body []byte, caps ...wire.Capability) error {
	return s.core.send(wire.Encode(wire.Header{
		Txid:    0,
		Ordinal: ordinal,
		Flags:   flags,
	}, body), caps...)
}

// Close sends an epitaph carrying status and begins unbinding.
func (s *ServerBinding) Close(status wire.Status) {
	s.core.beginUnbind(UnbindInfo{Reason: ReasonUnbind, Status: status}, wire.EncodeEpitaph(status))
}

// Unbind begins teardown without an epitaph.
func (s *ServerBinding) Unbind() {
	s.core.unbind()
}

// Retain delays full teardown until the returned ref is released.
func (s *ServerBinding) Retain() *BindingRef {
	return s.core.retain()
}

// Done is closed once teardown has completed and the unbound callback has
// run.
func (s *ServerBinding) Done() <-chan struct{} {
	return s.core.doneCh
}

// Info reports the recorded teardown cause, if teardown has begun.
func (s *ServerBinding) Info() (UnbindInfo, bool) {
	return s.core.unbindInfo()
}
