package wire

import "fmt"

const (
	// MaxMessageSize is the default bound on an encoded message, header
	// included, when a descriptor does not narrow it.
	MaxMessageSize = 65536

	// MaxMessageCapabilities is the default bound on capabilities per
	// message when a descriptor does not narrow it.
	MaxMessageCapabilities = 64
)

// TypeDescriptor bounds the payload of one method's request or response.
// It stands in for full body decoding, which belongs to generated code:
// the runtime only verifies the envelope fits before dispatching. Zero
// values fall back to the transport-wide limits. HasFlexibleEnvelope is
// carried for generated decoders that tolerate unknown envelope contents;
// the runtime itself does not branch on it.
type TypeDescriptor struct {
	MaxSize             uint32
	MaxCapabilities     uint32
	HasFlexibleEnvelope bool
}

// Check validates an inbound body and capability count against the
// descriptor. A failure is treated by the binding as a protocol violation.
func (d TypeDescriptor) Check(bodyLen int, numCaps int) error {
	maxSize := int(d.MaxSize)
	if maxSize == 0 {
		maxSize = MaxMessageSize - HeaderSize
	}
	if bodyLen > maxSize {
		return fmt.Errorf("body size %d exceeds limit %d", bodyLen, maxSize)
	}
	maxCaps := int(d.MaxCapabilities)
	if maxCaps == 0 {
		maxCaps = MaxMessageCapabilities
	}
	if numCaps > maxCaps {
		return fmt.Errorf("message carries %d capabilities, limit %d", numCaps, maxCaps)
	}
	return nil
}
