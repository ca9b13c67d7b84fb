package rpc

import (
	"errors"
	"fmt"

	"github.com/kbirk/tether/pkg/wire"
)

var (
	// ErrPeerClosed is returned by Conn.Recv once the peer has closed its
	// end and every delivered message has been drained.
	ErrPeerClosed = errors.New("peer closed")

	// ErrTransportClosed is returned by ServerTransport.Accept after the
	// transport has been closed.
	ErrTransportClosed = errors.New("transport is closed")

	// ErrUnbound indicates an operation on a binding that has left the
	// bound state.
	ErrUnbound = errors.New("binding is unbound")

	// ErrCapabilitiesUnsupported is returned by byte-oriented transports
	// when asked to carry capabilities.
	ErrCapabilitiesUnsupported = errors.New("transport does not support capabilities")
)

// UnbindReason identifies which trigger began a binding's teardown.
type UnbindReason int

const (
	// ReasonUnbind is a local request: Unbind, Close, or a completer
	// closing the binding.
	ReasonUnbind UnbindReason = iota + 1

	// ReasonPeerClosed covers the peer closing its end, a transport write
	// failure, and received epitaphs.
	ReasonPeerClosed

	// ReasonUnexpectedMessage is a protocol violation: an unknown txid, an
	// undecodable message, or an intolerable unknown ordinal.
	ReasonUnexpectedMessage

	// ReasonDispatcherError means the dispatcher rejected work, typically
	// because it was shut down while the binding was live.
	ReasonDispatcherError
)

func (r UnbindReason) String() string {
	switch r {
	case ReasonUnbind:
		return "UNBIND"
	case ReasonPeerClosed:
		return "PEER_CLOSED"
	case ReasonUnexpectedMessage:
		return "UNEXPECTED_MESSAGE"
	case ReasonDispatcherError:
		return "DISPATCHER_ERROR"
	default:
		return fmt.Sprintf("REASON(%d)", int(r))
	}
}

// UnbindInfo records why a binding tore down. Status carries the epitaph
// status when one was sent or received, otherwise the default status for
// the reason.
type UnbindInfo struct {
	Reason UnbindReason
	Status wire.Status
}

func (i UnbindInfo) String() string {
	return fmt.Sprintf("reason=%s status=%s", i.Reason, i.Status)
}

// UnboundError is returned by call paths that lost their binding before
// completing. errors.Is(err, ErrUnbound) matches it.
type UnboundError struct {
	Info UnbindInfo
}

func (e *UnboundError) Error() string {
	return fmt.Sprintf("binding is unbound: %s", e.Info)
}

func (e *UnboundError) Is(target error) bool {
	return target == ErrUnbound
}
