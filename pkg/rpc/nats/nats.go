// Package nats provides a Conn transport over NATS subjects. Each
// connection is a pair of inboxes, one per direction, negotiated by a
// request to the transport's well-known subject.
package nats

import (
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/kbirk/tether/pkg/rpc"
	"github.com/kbirk/tether/pkg/wire"
)

const (
	// frame markers, first byte of every published message
	markerData  byte = 0x00
	markerClose byte = 0x01

	defaultSubject        = "tether.rpc"
	defaultConnectTimeout = 5 * time.Second
)

// natsConn implements the Conn interface over an inbox pair. It carries
// bytes only. A close marker published on hangup gives the peer
// drain-then-closed semantics, since inbox delivery is ordered.
type natsConn struct {
	nc          *nats.Conn
	sendSubject string
	sub         *nats.Subscription
	msgCh       chan []byte
	closed      chan struct{}
	closeOnce   sync.Once
	mu          sync.Mutex
	peerClosed  bool
}

func newNatsConn(nc *nats.Conn, sendSubject string) *natsConn {
	return &natsConn{
		nc:          nc,
		sendSubject: sendSubject,
		msgCh:       make(chan []byte, 100),
		closed:      make(chan struct{}),
	}
}

// subscribe binds the conn's receive inbox. The callback drops frames once
// the conn is closed rather than blocking the NATS client.
func (c *natsConn) subscribe(inbox string) error {
	sub, err := c.nc.Subscribe(inbox, func(msg *nats.Msg) {
		select {
		case c.msgCh <- msg.Data:
		case <-c.closed:
			// connection closed, discard message
		}
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to inbox: %w", err)
	}
	c.sub = sub
	return nil
}

func (c *natsConn) Send(data []byte, caps ...wire.Capability) error {
	if len(caps) > 0 {
		wire.ReleaseAll(caps)
		return rpc.ErrCapabilitiesUnsupported
	}

	select {
	case <-c.closed:
		return rpc.ErrPeerClosed
	default:
	}

	frame := wire.GetBuffer(1 + len(data))
	frame = append(frame, markerData)
	frame = append(frame, data...)
	err := c.nc.Publish(c.sendSubject, frame)
	wire.PutBuffer(frame)
	return err
}

func (c *natsConn) Recv() ([]byte, []wire.Capability, error) {
	c.mu.Lock()
	peerClosed := c.peerClosed
	c.mu.Unlock()
	if peerClosed {
		return nil, nil, rpc.ErrPeerClosed
	}

	select {
	case frame := <-c.msgCh:
		if len(frame) == 0 || frame[0] == markerClose {
			c.mu.Lock()
			c.peerClosed = true
			c.mu.Unlock()
			return nil, nil, rpc.ErrPeerClosed
		}
		data := frame[1:]
		if uint32(len(data)) > wire.MaxMessageSize {
			return nil, nil, fmt.Errorf("frame of %d bytes exceeds maximum message size", len(data))
		}
		return data, nil, nil
	case <-c.closed:
		return nil, nil, rpc.ErrPeerClosed
	}
}

func (c *natsConn) Close() error {
	c.closeOnce.Do(func() {
		// best effort hangup notice to the peer
		c.nc.Publish(c.sendSubject, []byte{markerClose})
		close(c.closed)
		if c.sub != nil {
			c.sub.Unsubscribe()
		}
	})
	return nil
}

// ServerTransport implements rpc.ServerTransport over NATS
type ServerTransport struct {
	URL     string
	Subject string
	nc      *nats.Conn
	sub     *nats.Subscription
	connCh  chan rpc.Conn
	mu      *sync.Mutex
	closed  bool
}

type ServerTransportConfig struct {
	URL     string
	Subject string // Well-known subject connections are negotiated on (default "tether.rpc")
}

func NewServerTransport(config ServerTransportConfig) *ServerTransport {
	subject := config.Subject
	if subject == "" {
		subject = defaultSubject
	}
	return &ServerTransport{
		URL:     config.URL,
		Subject: subject,
		connCh:  make(chan rpc.Conn, 100),
		mu:      &sync.Mutex{},
	}
}

func (t *ServerTransport) Listen() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.nc != nil {
		return fmt.Errorf("transport is already listening")
	}

	nc, err := nats.Connect(t.URL)
	if err != nil {
		return fmt.Errorf("failed to connect to NATS: %w", err)
	}
	t.nc = nc

	sub, err := nc.Subscribe(t.Subject, t.handleConnect)
	if err != nil {
		nc.Close()
		t.nc = nil
		return fmt.Errorf("failed to subscribe to subject %s: %w", t.Subject, err)
	}
	t.sub = sub

	return nil
}

// handleConnect negotiates one connection. The request payload is the
// client's receive inbox; the reply payload is ours. An empty reply tells
// the client it was rejected.
func (t *ServerTransport) handleConnect(msg *nats.Msg) {
	if msg.Reply == "" || len(msg.Data) == 0 {
		return
	}

	conn := newNatsConn(t.nc, string(msg.Data))
	inbox := nats.NewInbox()
	if err := conn.subscribe(inbox); err != nil {
		msg.Respond(nil)
		return
	}

	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()

	if closed {
		conn.Close()
		msg.Respond(nil)
		return
	}

	select {
	case t.connCh <- conn:
		msg.Respond([]byte(inbox))
	default:
		// server busy
		conn.Close()
		msg.Respond(nil)
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

	if t.sub != nil {
		t.sub.Unsubscribe()
		t.sub = nil
	}
	if t.nc != nil {
		t.nc.Close()
		t.nc = nil
	}

	return nil
}

// ClientTransport implements rpc.ClientTransport over NATS
type ClientTransport struct {
	URL            string
	Subject        string
	ConnectTimeout time.Duration
	nc             *nats.Conn
	mu             *sync.Mutex
}

type ClientTransportConfig struct {
	URL            string
	Subject        string        // Well-known subject connections are negotiated on (default "tether.rpc")
	ConnectTimeout time.Duration // How long to wait for the server to answer (default 5s)
}

func NewClientTransport(config ClientTransportConfig) *ClientTransport {
	subject := config.Subject
	if subject == "" {
		subject = defaultSubject
	}
	timeout := config.ConnectTimeout
	if timeout == 0 {
		timeout = defaultConnectTimeout
	}
	return &ClientTransport{
		URL:            config.URL,
		Subject:        subject,
		ConnectTimeout: timeout,
		mu:             &sync.Mutex{},
	}
}

func (t *ClientTransport) Connect() (rpc.Conn, error) {
	t.mu.Lock()
	if t.nc == nil {
		nc, err := nats.Connect(t.URL)
		if err != nil {
			t.mu.Unlock()
			return nil, fmt.Errorf("failed to connect to NATS: %w", err)
		}
		t.nc = nc
	}
	nc := t.nc
	t.mu.Unlock()

	inbox := nats.NewInbox()
	conn := newNatsConn(nc, "")
	if err := conn.subscribe(inbox); err != nil {
		return nil, err
	}

	resp, err := nc.Request(t.Subject, []byte(inbox), t.ConnectTimeout)
	if err != nil {
		conn.sub.Unsubscribe()
		return nil, fmt.Errorf("failed to negotiate connection: %w", err)
	}
	if len(resp.Data) == 0 {
		conn.sub.Unsubscribe()
		return nil, fmt.Errorf("server rejected connection")
	}

	conn.sendSubject = string(resp.Data)
	return conn, nil
}
