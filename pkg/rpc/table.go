package rpc

import (
	"context"
	"fmt"
	"sort"

	"github.com/kbirk/tether/pkg/wire"
)

// Openness is a protocol-level policy governing whether unknown ordinals
// are tolerated and for which interaction kinds.
type Openness int

const (
	// OpennessClosed protocols treat every unknown ordinal as fatal.
	OpennessClosed Openness = iota

	// OpennessAjar protocols tolerate unknown flexible events only.
	OpennessAjar

	// OpennessOpen protocols tolerate unknown flexible events, one-way
	// calls, and two-way calls.
	OpennessOpen
)

func (o Openness) String() string {
	switch o {
	case OpennessClosed:
		return "closed"
	case OpennessAjar:
		return "ajar"
	case OpennessOpen:
		return "open"
	default:
		return fmt.Sprintf("openness(%d)", int(o))
	}
}

// InteractionKind classifies a message for the unknown-interaction handler.
type InteractionKind int

const (
	InteractionOneWay InteractionKind = iota
	InteractionTwoWay
	InteractionEvent
)

func (k InteractionKind) String() string {
	switch k {
	case InteractionOneWay:
		return "one-way"
	case InteractionTwoWay:
		return "two-way"
	case InteractionEvent:
		return "event"
	default:
		return fmt.Sprintf("interaction(%d)", int(k))
	}
}

// Request is one inbound interaction as seen by a method handler. The body
// aliases the transport buffer and must not be retained past the handler.
type Request struct {
	Txid    uint64
	Ordinal uint64
	Flags   uint32
	Body    []byte

	caps      []wire.Capability
	capsTaken bool
}

func (r *Request) Flexible() bool {
	return r.Flags&wire.FlagFlexible != 0
}

// TakeCapabilities moves the message's capabilities to the handler, which
// then owns them. Capabilities not taken are released by the runtime when
// the handler returns.
func (r *Request) TakeCapabilities() []wire.Capability {
	if r.capsTaken {
		return nil
	}
	r.capsTaken = true
	caps := r.caps
	r.caps = nil
	return caps
}

func (r *Request) releaseUnconsumed() {
	wire.ReleaseAll(r.caps)
	r.caps = nil
}

// MethodFunc decodes and dispatches one inbound interaction. A non-nil
// error means the payload could not be decoded, which is a fatal protocol
// violation; business failures belong in typed replies instead.
type MethodFunc func(ctx context.Context, req *Request, c *Completer) error

// UnknownMethodHandler observes interactions the protocol tolerates but
// does not recognize. Capabilities are released before it runs, and any
// required framework reply has already been sent.
type UnknownMethodHandler func(ctx context.Context, ordinal uint64, kind InteractionKind)

// MethodEntry binds one ordinal to its dispatch function and payload
// bounds. Name is used only for diagnostics.
type MethodEntry struct {
	Ordinal uint64
	Name    string
	Type    wire.TypeDescriptor
	Func    MethodFunc
}

type MethodTableConfig struct {
	Protocol string
	Openness Openness
	Methods  []MethodEntry
	Unknown  UnknownMethodHandler
}

// MethodTable is a protocol's immutable, ordinal-sorted dispatch table.
// Built once, shared by any number of bindings, and safe for concurrent
// lookups without synchronization.
type MethodTable struct {
	protocol string
	openness Openness
	entries  []MethodEntry
	unknown  UnknownMethodHandler
}

// NewMethodTable builds a table from the config. Panics on a nil dispatch
// function, a reserved ordinal, or a duplicate ordinal: tables come from
// generated code, so a bad one is a programming error.
func NewMethodTable(conf MethodTableConfig) *MethodTable {
	entries := append([]MethodEntry(nil), conf.Methods...)
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Ordinal < entries[j].Ordinal
	})

	for i, entry := range entries {
		if entry.Func == nil {
			panic(fmt.Sprintf("method %q has no dispatch function", entry.Name))
		}
		if entry.Ordinal == 0 || entry.Ordinal == wire.OrdinalEpitaph {
			panic(fmt.Sprintf("method %q uses reserved ordinal %d", entry.Name, entry.Ordinal))
		}
		if i > 0 && entries[i-1].Ordinal == entry.Ordinal {
			panic(fmt.Sprintf("method with ordinal %d already registered", entry.Ordinal))
		}
	}

	return &MethodTable{
		protocol: conf.Protocol,
		openness: conf.Openness,
		entries:  entries,
		unknown:  conf.Unknown,
	}
}

func (t *MethodTable) Protocol() string {
	return t.protocol
}

func (t *MethodTable) Openness() Openness {
	return t.openness
}

func (t *MethodTable) lookup(ordinal uint64) (*MethodEntry, bool) {
	i := sort.Search(len(t.entries), func(i int) bool {
		return t.entries[i].Ordinal >= ordinal
	})
	if i < len(t.entries) && t.entries[i].Ordinal == ordinal {
		return &t.entries[i], true
	}
	return nil, false
}
