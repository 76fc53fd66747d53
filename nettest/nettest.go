// Package nettest provides in-memory connections for testing the bridge.
package nettest

import (
	"io"
	"net"
	"sync"
	"sync/atomic"
)

// MessageConn is one end of an in-memory, buffered, message-oriented pipe.
// It behaves like an inbound WebSocket: messages written before the peer
// starts reading are queued, not dropped.
type MessageConn struct {
	rx <-chan []byte
	tx chan<- []byte

	done     chan struct{}
	doneOnce sync.Once
	peer     *MessageConn

	closes atomic.Int32
}

// MessagePipe returns two connected ends. Each direction buffers up to
// buffer messages.
func MessagePipe(buffer int) (*MessageConn, *MessageConn) {
	ab := make(chan []byte, buffer)
	ba := make(chan []byte, buffer)
	a := &MessageConn{rx: ba, tx: ab, done: make(chan struct{})}
	b := &MessageConn{rx: ab, tx: ba, done: make(chan struct{})}
	a.peer, b.peer = b, a
	return a, b
}

// ReadMessage returns the next queued message. Messages queued before the
// peer closed are still delivered; after that it returns io.EOF.
func (c *MessageConn) ReadMessage() ([]byte, error) {
	select {
	case m := <-c.rx:
		return m, nil
	default:
	}
	select {
	case m := <-c.rx:
		return m, nil
	case <-c.done:
		return nil, net.ErrClosed
	case <-c.peer.done:
		select {
		case m := <-c.rx:
			return m, nil
		default:
			return nil, io.EOF
		}
	}
}

// WriteMessage queues msg for the peer.
func (c *MessageConn) WriteMessage(msg []byte) error {
	b := append([]byte(nil), msg...)
	select {
	case <-c.done:
		return net.ErrClosed
	case <-c.peer.done:
		return io.ErrClosedPipe
	default:
	}
	select {
	case c.tx <- b:
		return nil
	case <-c.done:
		return net.ErrClosed
	case <-c.peer.done:
		return io.ErrClosedPipe
	}
}

// Close closes this end. Every call is counted.
func (c *MessageConn) Close() error {
	c.closes.Add(1)
	c.doneOnce.Do(func() { close(c.done) })
	return nil
}

// Closes returns the number of times Close was called.
func (c *MessageConn) Closes() int {
	return int(c.closes.Load())
}

// Done is closed when this end is closed.
func (c *MessageConn) Done() <-chan struct{} {
	return c.done
}

// CountingConn wraps a net.Conn and counts calls to Close.
type CountingConn struct {
	net.Conn
	closes atomic.Int32
}

// Close counts the call and closes the wrapped connection.
func (c *CountingConn) Close() error {
	c.closes.Add(1)
	return c.Conn.Close()
}

// Closes returns the number of times Close was called.
func (c *CountingConn) Closes() int {
	return int(c.closes.Load())
}
