package rpc

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/kbirk/tether/pkg/dispatch"
	"github.com/kbirk/tether/pkg/log"
)

type HostConfig struct {
	Transport  ServerTransport
	Dispatcher *dispatch.Dispatcher
	Table      *MethodTable
	Middleware []Middleware
	ErrHandler func(error)
	OnUnbound  func(UnbindInfo)
	Logger     log.Logger
}

// Host accepts connections from a server transport and binds each one to
// the configured method table.
type Host struct {
	conf      HostConfig
	transport ServerTransport
	mu        *sync.Mutex
	bindings  map[*ServerBinding]struct{}
	running   bool
}

func NewHost(conf HostConfig) *Host {
	if conf.Transport == nil {
		panic("rpc: NewHost requires a transport")
	}
	if conf.Dispatcher == nil {
		panic("rpc: NewHost requires a dispatcher")
	}
	if conf.Table == nil {
		panic("rpc: NewHost requires a method table")
	}
	return &Host{
		conf:      conf,
		transport: conf.Transport,
		mu:        &sync.Mutex{},
		bindings:  make(map[*ServerBinding]struct{}),
	}
}

func (h *Host) handleError(err error) {
	h.logError("Encountered error: " + err.Error())
	if h.conf.ErrHandler != nil {
		h.conf.ErrHandler(err)
	}
}

func (h *Host) logInfo(msg string) {
	if h.conf.Logger != nil {
		h.conf.Logger.Info(msg)
	}
}

func (h *Host) logError(msg string) {
	if h.conf.Logger != nil {
		h.conf.Logger.Error(msg)
	}
}

func (h *Host) ListenAndServe() error {
	h.mu.Lock()
	if h.running {
		h.mu.Unlock()
		return fmt.Errorf("host is already running")
	}
	h.running = true
	h.mu.Unlock()

	h.logInfo("Starting host")

	err := h.transport.Listen()
	if err != nil {
		h.mu.Lock()
		h.running = false
		h.mu.Unlock()
		return err
	}

	for {
		h.mu.Lock()
		running := h.running
		h.mu.Unlock()

		if !running {
			break
		}

		conn, err := h.transport.Accept()
		if err != nil {
			// If the transport is closed (during shutdown), don't treat it as an error
			if errors.Is(err, ErrTransportClosed) {
				break
			}
			h.handleError(err)
			continue
		}

		h.bindConn(conn)
	}

	return nil
}

func (h *Host) bindConn(conn Conn) {
	// Holding the lock across bind and insert keeps the unbound callback
	// from racing the insertion.
	h.mu.Lock()
	defer h.mu.Unlock()

	var binding *ServerBinding
	binding = BindServer(conn, ServerConfig{
		Dispatcher: h.conf.Dispatcher,
		Table:      h.conf.Table,
		Middleware: h.conf.Middleware,
		Logger:     h.conf.Logger,
		OnUnbound: func(info UnbindInfo) {
			h.mu.Lock()
			delete(h.bindings, binding)
			h.mu.Unlock()
			h.logInfo("Client disconnected: " + info.String())
			if h.conf.OnUnbound != nil {
				h.conf.OnUnbound(info)
			}
		},
	})
	h.bindings[binding] = struct{}{}
}

// NumBindings reports how many connections are currently bound.
func (h *Host) NumBindings() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.bindings)
}

// Shutdown stops accepting, unbinds every live connection, and waits for
// their teardowns to finish or ctx to expire.
func (h *Host) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	h.running = false
	remaining := make([]*ServerBinding, 0, len(h.bindings))
	for b := range h.bindings {
		remaining = append(remaining, b)
	}
	h.mu.Unlock()

	err := h.transport.Close()

	for _, b := range remaining {
		b.Unbind()
	}
	for _, b := range remaining {
		select {
		case <-b.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	return err
}
