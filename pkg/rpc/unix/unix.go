package unix

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"

	"github.com/kbirk/tether/pkg/rpc"
	"github.com/kbirk/tether/pkg/wire"
)

func mapConnErr(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) {
		return rpc.ErrPeerClosed
	}
	return err
}

// UnixConn implements the Conn interface over a Unix domain socket using
// 4-byte big-endian length-prefixed frames. It carries bytes only.
type UnixConn struct {
	conn net.Conn
	mu   sync.Mutex
}

func (c *UnixConn) Send(data []byte, caps ...wire.Capability) error {
	if len(caps) > 0 {
		wire.ReleaseAll(caps)
		return rpc.ErrCapabilitiesUnsupported
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	buf := wire.GetBuffer(4 + len(data))
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(data)))
	buf = append(buf, data...)

	_, err := c.conn.Write(buf)
	wire.PutBuffer(buf)
	if err != nil {
		return mapConnErr(err)
	}
	return nil
}

func (c *UnixConn) Recv() ([]byte, []wire.Capability, error) {
	var header [4]byte
	if _, err := io.ReadFull(c.conn, header[:]); err != nil {
		return nil, nil, mapConnErr(err)
	}
	length := binary.BigEndian.Uint32(header[:])
	if length > wire.MaxMessageSize {
		return nil, nil, fmt.Errorf("frame of %d bytes exceeds maximum message size", length)
	}

	data := make([]byte, length)
	if _, err := io.ReadFull(c.conn, data); err != nil {
		return nil, nil, mapConnErr(err)
	}
	return data, nil, nil
}

func (c *UnixConn) Close() error {
	return c.conn.Close()
}

// ServerTransport implements rpc.ServerTransport for Unix sockets
type ServerTransport struct {
	SocketPath string
	listener   net.Listener
	connCh     chan rpc.Conn
	mu         sync.Mutex
	closed     bool
}

type ServerTransportConfig struct {
	SocketPath string // Path to the Unix socket file
}

func NewServerTransport(config ServerTransportConfig) *ServerTransport {
	return &ServerTransport{
		SocketPath: config.SocketPath,
		connCh:     make(chan rpc.Conn, 16),
	}
}

func (t *ServerTransport) Listen() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.listener != nil {
		return fmt.Errorf("transport is already listening")
	}

	// Remove existing socket file if it exists
	if err := os.RemoveAll(t.SocketPath); err != nil {
		return fmt.Errorf("failed to remove existing socket file: %w", err)
	}

	l, err := net.Listen("unix", t.SocketPath)
	if err != nil {
		return err
	}
	t.listener = l

	go t.acceptLoop()

	return nil
}

func (t *ServerTransport) acceptLoop() {
	for {
		conn, err := t.listener.Accept()
		if err != nil {
			// Check if closed
			t.mu.Lock()
			if t.closed {
				t.mu.Unlock()
				return
			}
			t.mu.Unlock()
			continue
		}

		unixConn := &UnixConn{
			conn: conn,
		}

		t.mu.Lock()
		if !t.closed {
			select {
			case t.connCh <- unixConn:
			default:
				conn.Close()
			}
		} else {
			conn.Close()
		}
		t.mu.Unlock()
	}
}

func (t *ServerTransport) Accept() (rpc.Conn, error) {
	conn, ok := <-t.connCh
	if !ok {
		return nil, rpc.ErrTransportClosed
	}
	return conn, nil
}

func (t *ServerTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil
	}
	t.closed = true
	close(t.connCh)

	var err error
	if t.listener != nil {
		err = t.listener.Close()
	}

	// Clean up socket file
	os.RemoveAll(t.SocketPath)

	return err
}

// ClientTransport implements rpc.ClientTransport for Unix sockets
type ClientTransport struct {
	SocketPath string
}

type ClientTransportConfig struct {
	SocketPath string // Path to the Unix socket file
}

func NewClientTransport(config ClientTransportConfig) *ClientTransport {
	return &ClientTransport{
		SocketPath: config.SocketPath,
	}
}

func (t *ClientTransport) Connect() (rpc.Conn, error) {
	conn, err := net.Dial("unix", t.SocketPath)
	if err != nil {
		return nil, err
	}

	return &UnixConn{
		conn: conn,
	}, nil
}
