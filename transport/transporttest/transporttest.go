// Package transporttest provides a scripted in-memory transport for driving
// the connection lifecycle deterministically in tests. Tests dial through the
// fake, then fire Open/Close/Error/Message signals to simulate the remote
// side and inspect the frames the lifecycle sent.
package transporttest

import (
	"context"
	"errors"
	"sync"

	"goa.design/agentwire/transport"
)

type (
	// Dialer records every dial and hands out fake connections. Thread-safe.
	Dialer struct {
		mu    sync.Mutex
		conns []*Conn
		// DialErr, when non-nil, is returned by Dial instead of a connection.
		DialErr error
	}

	// Conn is a fake transport connection. Tests drive the remote side via
	// the Fire* methods and read frames written by the code under test via
	// Sent.
	Conn struct {
		mu     sync.Mutex
		cb     transport.Callbacks
		target string
		sent   [][]byte
		closed bool
	}
)

// NewDialer constructs a fake dialer.
func NewDialer() *Dialer {
	return &Dialer{}
}

// Dial records the attempt and returns a new fake connection.
func (d *Dialer) Dial(_ context.Context, target string, cb transport.Callbacks) (transport.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.DialErr != nil {
		return nil, d.DialErr
	}
	conn := &Conn{cb: cb, target: target}
	d.conns = append(d.conns, conn)
	return conn, nil
}

// Conns returns all connections handed out so far, oldest first.
func (d *Dialer) Conns() []*Conn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*Conn(nil), d.conns...)
}

// LastConn returns the most recently dialed connection, or nil.
func (d *Dialer) LastConn() *Conn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		return nil
	}
	return d.conns[len(d.conns)-1]
}

// Target returns the dial target for this connection.
func (c *Conn) Target() string { return c.target }

// Send records the frame. Fails once the connection is closed.
func (c *Conn) Send(_ context.Context, raw []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.New("send on closed connection")
	}
	frame := append([]byte(nil), raw...)
	c.sent = append(c.sent, frame)
	return nil
}

// Close marks the connection closed. It does not fire OnClose: the lifecycle
// initiated the close and already knows, matching real transports where the
// orderly close handshake races connection teardown. Tests that want the
// close signal call FireClose explicitly.
func (c *Conn) Close(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

// Closed reports whether Close was called.
func (c *Conn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Sent returns the frames written so far, oldest first.
func (c *Conn) Sent() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.sent...)
}

// FireOpen simulates the connection becoming established.
func (c *Conn) FireOpen() {
	if c.cb.OnOpen != nil {
		c.cb.OnOpen()
	}
}

// FireClose simulates the remote side closing the connection.
func (c *Conn) FireClose(code int, reason string) {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	if c.cb.OnClose != nil {
		c.cb.OnClose(code, reason)
	}
}

// FireError simulates a transport error.
func (c *Conn) FireError(message string) {
	if c.cb.OnError != nil {
		c.cb.OnError(message)
	}
}

// FireMessage simulates a pushed frame.
func (c *Conn) FireMessage(raw []byte) {
	if c.cb.OnMessage != nil {
		c.cb.OnMessage(raw)
	}
}
