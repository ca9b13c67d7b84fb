// Package channel provides an in-process duplex pipe transport. It is the
// only transport that carries capabilities, which makes it the natural
// harness for exercising bindings without a network.
package channel

import (
	"fmt"
	"sync"

	"github.com/kbirk/tether/pkg/rpc"
	"github.com/kbirk/tether/pkg/wire"
)

type frame struct {
	data []byte
	caps []wire.Capability
}

// queue is one direction of a pipe. closed with frames remaining means the
// writer hung up; readers drain what is left before seeing the close.
type queue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	frames []frame
	closed bool
}

func newQueue() *queue {
	q := &queue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

func (q *queue) push(f frame) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		wire.ReleaseAll(f.caps)
		return rpc.ErrPeerClosed
	}
	q.frames = append(q.frames, f)
	q.cond.Signal()
	return nil
}

func (q *queue) pop() (frame, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.frames) == 0 && !q.closed {
		q.cond.Wait()
	}
	if len(q.frames) > 0 {
		f := q.frames[0]
		q.frames = q.frames[1:]
		return f, nil
	}
	return frame{}, rpc.ErrPeerClosed
}

// close marks the queue closed. When drain is false the queued frames are
// undeliverable and their capabilities are released.
func (q *queue) close(drain bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	if !drain {
		for _, f := range q.frames {
			wire.ReleaseAll(f.caps)
		}
		q.frames = nil
	}
	q.cond.Broadcast()
}

type conn struct {
	recvQ     *queue
	sendQ     *queue
	closeOnce sync.Once
}

// Pipe returns two connected in-process connection ends. Data and
// capabilities written to one end arrive at the other in order.
func Pipe() (rpc.Conn, rpc.Conn) {
	q1 := newQueue()
	q2 := newQueue()
	a := &conn{recvQ: q1, sendQ: q2}
	b := &conn{recvQ: q2, sendQ: q1}
	return a, b
}

func (c *conn) Send(data []byte, caps ...wire.Capability) error {
	// copy so the caller may reuse its buffer after Send returns
	buf := wire.GetBuffer(len(data))
	buf = append(buf, data...)
	return c.sendQ.push(frame{data: buf, caps: caps})
}

func (c *conn) Recv() ([]byte, []wire.Capability, error) {
	f, err := c.recvQ.pop()
	if err != nil {
		return nil, nil, err
	}
	return f.data, f.caps, nil
}

func (c *conn) Close() error {
	c.closeOnce.Do(func() {
		// nothing will read this end again
		c.recvQ.close(false)
		// the peer still drains what was already written
		c.sendQ.close(true)
	})
	return nil
}

// Transport hands in-process pipes to a host. Connect creates a pipe and
// queues the server end for Accept.
type Transport struct {
	mu      sync.Mutex
	pending chan rpc.Conn
	closed  bool
}

func NewTransport() *Transport {
	return &Transport{
		pending: make(chan rpc.Conn, 16),
	}
}

func (t *Transport) Listen() error {
	return nil
}

func (t *Transport) Accept() (rpc.Conn, error) {
	conn, ok := <-t.pending
	if !ok {
		return nil, rpc.ErrTransportClosed
	}
	return conn, nil
}

func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.closed {
		t.closed = true
		close(t.pending)
	}
	return nil
}

func (t *Transport) Connect() (rpc.Conn, error) {
	client, server := Pipe()

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, rpc.ErrTransportClosed
	}
	select {
	case t.pending <- server:
		return client, nil
	default:
		return nil, fmt.Errorf("too many pending connections")
	}
}
