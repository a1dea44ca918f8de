// Package ws implements the transport contract over WebSocket using
// gorilla/websocket. It runs a read pump goroutine that dispatches pushed
// frames to the callbacks and a ping loop that doubles as a heartbeat: a
// missing pong closes the connection, which the connection lifecycle treats
// as a transient failure and retries with backoff.
package ws

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"goa.design/agentwire/transport"
)

type (
	// Options configures the WebSocket dialer.
	Options struct {
		// HandshakeTimeout bounds the WebSocket handshake. Defaults to 10s.
		HandshakeTimeout time.Duration
		// PingInterval is the heartbeat ping cadence. Defaults to 20s.
		PingInterval time.Duration
		// PongWait is how long to wait for a pong (or any read) before
		// declaring the connection dead. Defaults to 2×PingInterval.
		PongWait time.Duration
		// WriteTimeout bounds individual frame writes. Defaults to 10s.
		WriteTimeout time.Duration
	}

	// Dialer opens WebSocket connections satisfying transport.Dialer.
	Dialer struct {
		opts Options
	}

	conn struct {
		ws           *websocket.Conn
		cb           transport.Callbacks
		writeTimeout time.Duration

		writeMu sync.Mutex
		once    sync.Once

		done     chan struct{}
		doneOnce sync.Once
	}
)

// NewDialer constructs a WebSocket dialer with defaulted options.
func NewDialer(opts Options) *Dialer {
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = 10 * time.Second
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = 20 * time.Second
	}
	if opts.PongWait <= 0 {
		opts.PongWait = 2 * opts.PingInterval
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 10 * time.Second
	}
	return &Dialer{opts: opts}
}

// Dial connects to the WebSocket URL in target. On success it fires OnOpen
// and starts the read and ping pumps; read failure or a missed heartbeat
// fires OnClose exactly once with the close code when the peer supplied one.
func (d *Dialer) Dial(ctx context.Context, target string, cb transport.Callbacks) (transport.Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: d.opts.HandshakeTimeout}
	ws, _, err := dialer.DialContext(ctx, target, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", target, err)
	}
	c := &conn{ws: ws, cb: cb, writeTimeout: d.opts.WriteTimeout, done: make(chan struct{})}

	_ = ws.SetReadDeadline(time.Now().Add(d.opts.PongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(d.opts.PongWait))
	})

	if cb.OnOpen != nil {
		cb.OnOpen()
	}
	go c.readPump()
	go c.pingPump(d.opts.PingInterval)
	return c, nil
}

// Send writes one text frame. Serialized with the ping pump since gorilla
// connections allow only one concurrent writer.
func (c *conn) Send(ctx context.Context, raw []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	deadline := time.Now().Add(c.writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = c.ws.SetWriteDeadline(deadline)
	if err := c.ws.WriteMessage(websocket.TextMessage, raw); err != nil {
		if c.cb.OnError != nil {
			c.cb.OnError(err.Error())
		}
		return fmt.Errorf("websocket write: %w", err)
	}
	return nil
}

// Close sends a close frame, stops the ping pump, and tears down the socket.
// Idempotent. The closure still surfaces through OnClose via the read pump,
// which typically observes an abnormal closure because local teardown races
// the orderly close handshake.
func (c *conn) Close(context.Context) error {
	c.writeMu.Lock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	_ = c.ws.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	c.writeMu.Unlock()
	c.doneOnce.Do(func() { close(c.done) })
	return c.ws.Close()
}

// readPump delivers pushed frames until the connection dies, then reports
// the closure exactly once.
func (c *conn) readPump() {
	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			c.reportClose(err)
			return
		}
		if c.cb.OnMessage != nil {
			c.cb.OnMessage(raw)
		}
	}
}

// pingPump sends heartbeat pings. A failed ping write means the connection
// is dead; the read pump notices via the expired read deadline.
func (c *conn) pingPump(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
			err := c.ws.WriteMessage(websocket.PingMessage, nil)
			c.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

func (c *conn) reportClose(err error) {
	c.once.Do(func() {
		code := websocket.CloseAbnormalClosure
		reason := ""
		var closeErr *websocket.CloseError
		if errors.As(err, &closeErr) {
			code = closeErr.Code
			reason = closeErr.Text
		} else if err != nil {
			reason = err.Error()
		}
		c.doneOnce.Do(func() { close(c.done) })
		_ = c.ws.Close()
		if c.cb.OnClose != nil {
			c.cb.OnClose(code, reason)
		}
	})
}
