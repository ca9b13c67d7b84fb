package wire

// Capability is a transferable resource attached to a message, such as the
// endpoint of another pipe. Capabilities are moved, never copied: whoever
// ends up holding one is responsible for closing it.
type Capability interface {
	Close() error
}

// ReleaseAll closes every capability in the slice, ignoring close errors.
// Used on teardown and protocol-error paths where the capabilities cannot
// be delivered to anyone.
func ReleaseAll(caps []Capability) {
	for _, c := range caps {
		if c != nil {
			_ = c.Close()
		}
	}
}
