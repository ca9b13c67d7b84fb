package tcp

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"

	"github.com/kbirk/tether/pkg/rpc"
	"github.com/kbirk/tether/pkg/wire"
)

// setNoDelay sets the TCP_NODELAY option on a TCP connection
func setNoDelay(conn net.Conn, noDelay bool) error {
	if tcpConn, ok := conn.(*net.TCPConn); ok {
		return tcpConn.SetNoDelay(noDelay)
	}
	return nil
}

func mapConnErr(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) {
		return rpc.ErrPeerClosed
	}
	return err
}

// TCPConn implements the Conn interface over a TCP socket using 4-byte
// big-endian length-prefixed frames. It carries bytes only.
type TCPConn struct {
	conn net.Conn
	mu   sync.Mutex
}

func (c *TCPConn) Send(data []byte, caps ...wire.Capability) error {
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

func (c *TCPConn) Recv() ([]byte, []wire.Capability, error) {
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

func (c *TCPConn) Close() error {
	return c.conn.Close()
}

// ServerTransport implements rpc.ServerTransport for TCP
type ServerTransport struct {
	Port     int
	NoDelay  bool
	listener net.Listener
	connCh   chan rpc.Conn
	mu       sync.Mutex
	closed   bool
}

type ServerTransportConfig struct {
	Port    int
	NoDelay bool // Disable Nagle's algorithm for better latency
}

func NewServerTransport(config ServerTransportConfig) *ServerTransport {
	return &ServerTransport{
		Port:    config.Port,
		NoDelay: config.NoDelay,
		connCh:  make(chan rpc.Conn, 16),
	}
}

func (t *ServerTransport) Listen() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.listener != nil {
		return fmt.Errorf("transport is already listening")
	}

	l, err := net.Listen("tcp", fmt.Sprintf(":%d", t.Port))
	if err != nil {
		return err
	}
	t.listener = l

	go t.acceptLoop()

	return nil
}

// Addr returns the bound listen address, useful when Port was 0.
func (t *ServerTransport) Addr() net.Addr {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.listener == nil {
		return nil
	}
	return t.listener.Addr()
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

		// Set TCP_NODELAY option
		if err := setNoDelay(conn, t.NoDelay); err != nil {
			conn.Close()
			continue
		}

		tcpConn := &TCPConn{
			conn: conn,
		}

		t.mu.Lock()
		if !t.closed {
			select {
			case t.connCh <- tcpConn:
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

	if t.listener != nil {
		return t.listener.Close()
	}
	return nil
}

// ClientTransport implements rpc.ClientTransport for TCP
type ClientTransport struct {
	Host    string
	Port    int
	NoDelay bool
}

type ClientTransportConfig struct {
	Host    string
	Port    int
	NoDelay bool // Disable Nagle's algorithm for better latency
}

func NewClientTransport(config ClientTransportConfig) *ClientTransport {
	return &ClientTransport{
		Host:    config.Host,
		Port:    config.Port,
		NoDelay: config.NoDelay,
	}
}

func (t *ClientTransport) Connect() (rpc.Conn, error) {
	conn, err := net.Dial("tcp", net.JoinHostPort(t.Host, strconv.Itoa(t.Port)))
	if err != nil {
		return nil, err
	}

	// Set TCP_NODELAY option
	if err := setNoDelay(conn, t.NoDelay); err != nil {
		conn.Close()
		return nil, err
	}

	return &TCPConn{
		conn: conn,
	}, nil
}
