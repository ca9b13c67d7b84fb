package wire

import "fmt"

// Status is an opaque status code carried by epitaphs and surfaced through
// unbind notifications. The runtime does not define the full code set; it
// propagates whatever the surrounding system uses. The constants below are
// the well-known values the runtime itself produces.
type Status int32

const (
	StatusOK           Status = 0
	StatusInternal     Status = -1
	StatusNotSupported Status = -2
	StatusInvalidArgs  Status = -10
	StatusBadState     Status = -20
	StatusPeerClosed   Status = -24
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "OK"
	case StatusInternal:
		return "INTERNAL"
	case StatusNotSupported:
		return "NOT_SUPPORTED"
	case StatusInvalidArgs:
		return "INVALID_ARGS"
	case StatusBadState:
		return "BAD_STATE"
	case StatusPeerClosed:
		return "PEER_CLOSED"
	default:
		return fmt.Sprintf("STATUS(%d)", int32(s))
	}
}
