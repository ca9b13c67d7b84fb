package wire

import (
	"encoding/binary"
	"fmt"
)

// Message is a parsed inbound message: header, opaque body, and any
// capabilities the transport delivered with it. The body aliases the
// transport's buffer and is only valid until the handler returns.
type Message struct {
	Header       Header
	Body         []byte
	Capabilities []Capability
}

// Encode assembles header+body into a single buffer ready for Conn.Send.
func Encode(h Header, body []byte) []byte {
	buf := make([]byte, HeaderSize+len(body))
	PutHeader(buf, h)
	copy(buf[HeaderSize:], body)
	return buf
}

// Decode splits raw transport bytes into a Message. The capabilities, if
// any, are attached as-is; ownership moves to the returned message.
func Decode(data []byte, caps []Capability) (*Message, error) {
	h, err := ParseHeader(data)
	if err != nil {
		ReleaseAll(caps)
		return nil, err
	}
	return &Message{
		Header:       h,
		Body:         data[HeaderSize:],
		Capabilities: caps,
	}, nil
}

// TakeCapabilities moves the capabilities out of the message. Subsequent
// calls return nil.
func (m *Message) TakeCapabilities() []Capability {
	caps := m.Capabilities
	m.Capabilities = nil
	return caps
}

// ReleaseCapabilities closes any capabilities still owned by the message.
func (m *Message) ReleaseCapabilities() {
	ReleaseAll(m.Capabilities)
	m.Capabilities = nil
}

// EpitaphBodySize is the body size of an epitaph message: one status code.
const EpitaphBodySize = 4

// EncodeEpitaph builds a ready-to-send epitaph carrying status.
func EncodeEpitaph(status Status) []byte {
	buf := make([]byte, HeaderSize+EpitaphBodySize)
	PutHeader(buf, Header{
		Txid:    0,
		Ordinal: OrdinalEpitaph,
		Flags:   FlagEpitaph,
	})
	binary.BigEndian.PutUint32(buf[HeaderSize:], uint32(status))
	return buf
}

// ParseEpitaph extracts the status from an epitaph message. Epitaphs never
// carry capabilities; any present are a protocol violation.
func ParseEpitaph(m *Message) (Status, error) {
	if !m.Header.IsEpitaph() {
		return StatusOK, fmt.Errorf("message ordinal %d is not an epitaph", m.Header.Ordinal)
	}
	if len(m.Body) != EpitaphBodySize {
		return StatusOK, fmt.Errorf("malformed epitaph body, expected %d bytes got %d", EpitaphBodySize, len(m.Body))
	}
	if len(m.Capabilities) != 0 {
		return StatusOK, fmt.Errorf("epitaph carries %d capabilities", len(m.Capabilities))
	}
	return Status(int32(binary.BigEndian.Uint32(m.Body))), nil
}
