package wire

import (
	"encoding/binary"
	"fmt"
)

const (
	// HeaderSize is the fixed size of an encoded message header.
	HeaderSize = 20

	// TxidSize is the width of the transaction id field.
	TxidSize = 8

	// OrdinalSize is the width of the ordinal field.
	OrdinalSize = 8

	// FlagsSize is the width of the flags field.
	FlagsSize = 4
)

const (
	// FlagEpitaph marks the terminal status message a server sends before
	// closing its end.
	FlagEpitaph uint32 = 1 << 0

	// FlagFlexible marks an interaction whose sender tolerates the peer not
	// recognizing the ordinal, subject to the protocol's openness.
	FlagFlexible uint32 = 1 << 1
)

// OrdinalEpitaph is the reserved ordinal for epitaph messages. Method tables
// may not register it.
const OrdinalEpitaph uint64 = 0xFFFFFFFFFFFFFFFF

// Header precedes every message on the wire. A Txid of 0 means no reply is
// expected: a one-way call on the request direction, an event on the reply
// direction. Responses carry the txid and ordinal of their request.
type Header struct {
	Txid    uint64
	Ordinal uint64
	Flags   uint32
}

func (h Header) IsEpitaph() bool {
	return h.Ordinal == OrdinalEpitaph
}

func (h Header) IsFlexible() bool {
	return h.Flags&FlagFlexible != 0
}

// ExpectsReply reports whether the header belongs to a two-way interaction.
func (h Header) ExpectsReply() bool {
	return h.Txid != 0
}

// PutHeader encodes h into the first HeaderSize bytes of dst. Panics if dst
// is too small, mirroring the fixed-size writer discipline used throughout
// the framing layer.
func PutHeader(dst []byte, h Header) {
	if len(dst) < HeaderSize {
		panic(fmt.Sprintf("not enough space, need %d bytes but only %d available", HeaderSize, len(dst)))
	}
	binary.BigEndian.PutUint64(dst[0:8], h.Txid)
	binary.BigEndian.PutUint64(dst[8:16], h.Ordinal)
	binary.BigEndian.PutUint32(dst[16:20], h.Flags)
}

// ParseHeader decodes a header from the front of data.
func ParseHeader(data []byte) (Header, error) {
	if len(data) < HeaderSize {
		return Header{}, fmt.Errorf("message too short, need %d header bytes but only %d available", HeaderSize, len(data))
	}
	return Header{
		Txid:    binary.BigEndian.Uint64(data[0:8]),
		Ordinal: binary.BigEndian.Uint64(data[8:16]),
		Flags:   binary.BigEndian.Uint32(data[16:20]),
	}, nil
}
