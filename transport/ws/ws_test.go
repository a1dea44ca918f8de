package ws

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goa.design/agentwire/transport"
)

// wsServer is a minimal WebSocket echo endpoint for exercising the dialer.
type wsServer struct {
	upgrader websocket.Upgrader
	mu       sync.Mutex
	conns    []*websocket.Conn
	received [][]byte
	handler  func(ws *websocket.Conn)
}

func newWSServer(t *testing.T) (*wsServer, string) {
	t.Helper()
	s := &wsServer{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := s.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		s.mu.Lock()
		s.conns = append(s.conns, ws)
		handler := s.handler
		s.mu.Unlock()
		if handler != nil {
			handler(ws)
			return
		}
		for {
			_, raw, err := ws.ReadMessage()
			if err != nil {
				return
			}
			s.mu.Lock()
			s.received = append(s.received, raw)
			s.mu.Unlock()
		}
	}))
	t.Cleanup(srv.Close)
	return s, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func (s *wsServer) receivedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.received)
}

func (s *wsServer) lastConn() *websocket.Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.conns) == 0 {
		return nil
	}
	return s.conns[len(s.conns)-1]
}

type callbackRecorder struct {
	mu       sync.Mutex
	opened   bool
	closed   bool
	code     int
	reason   string
	messages [][]byte
}

func (r *callbackRecorder) callbacks() transport.Callbacks {
	return transport.Callbacks{
		OnOpen: func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.opened = true
		},
		OnClose: func(code int, reason string) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.closed = true
			r.code = code
			r.reason = reason
		},
		OnMessage: func(raw []byte) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.messages = append(r.messages, append([]byte(nil), raw...))
		},
	}
}

func (r *callbackRecorder) isOpened() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.opened
}

func (r *callbackRecorder) closeInfo() (bool, int, string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed, r.code, r.reason
}

func (r *callbackRecorder) messageCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.messages)
}

func TestDialFiresOnOpenAndSends(t *testing.T) {
	server, url := newWSServer(t)
	recorder := &callbackRecorder{}
	dialer := NewDialer(Options{})

	conn, err := dialer.Dial(context.Background(), url, recorder.callbacks())
	require.NoError(t, err)
	defer conn.Close(context.Background())
	assert.True(t, recorder.isOpened())

	require.NoError(t, conn.Send(context.Background(), []byte("hello")))
	require.Eventually(t, func() bool { return server.receivedCount() == 1 }, time.Second, time.Millisecond)
}

func TestDialFailure(t *testing.T) {
	dialer := NewDialer(Options{HandshakeTimeout: 200 * time.Millisecond})
	_, err := dialer.Dial(context.Background(), "ws://127.0.0.1:1/ws", transport.Callbacks{})
	require.Error(t, err)
}

func TestReadPumpDeliversMessages(t *testing.T) {
	server, url := newWSServer(t)
	recorder := &callbackRecorder{}
	dialer := NewDialer(Options{})

	conn, err := dialer.Dial(context.Background(), url, recorder.callbacks())
	require.NoError(t, err)
	defer conn.Close(context.Background())

	require.Eventually(t, func() bool { return server.lastConn() != nil }, time.Second, time.Millisecond)
	require.NoError(t, server.lastConn().WriteMessage(websocket.TextMessage, []byte(`{"type":"x"}`)))
	require.Eventually(t, func() bool { return recorder.messageCount() == 1 }, time.Second, time.Millisecond)
}

func TestServerCloseReportsCode(t *testing.T) {
	server, url := newWSServer(t)
	server.handler = func(ws *websocket.Conn) {
		deadline := time.Now().Add(time.Second)
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"), deadline)
		// Wait for the client close response before dropping the TCP side.
		_, _, _ = ws.ReadMessage()
		_ = ws.Close()
	}
	recorder := &callbackRecorder{}
	dialer := NewDialer(Options{})

	_, err := dialer.Dial(context.Background(), url, recorder.callbacks())
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		closed, _, _ := recorder.closeInfo()
		return closed
	}, time.Second, time.Millisecond)
	_, code, reason := recorder.closeInfo()
	assert.Equal(t, websocket.CloseGoingAway, code)
	assert.Equal(t, "shutting down", reason)
}

func TestCloseStopsPingPump(t *testing.T) {
	_, url := newWSServer(t)
	dialer := NewDialer(Options{})

	tc, err := dialer.Dial(context.Background(), url, transport.Callbacks{})
	require.NoError(t, err)
	c := tc.(*conn)

	select {
	case <-c.done:
		t.Fatal("done channel closed before Close")
	default:
	}

	require.NoError(t, tc.Close(context.Background()))
	// The ping pump selects on done, so with the default 20s interval it must
	// exit now rather than lingering until the next tick.
	select {
	case <-c.done:
	case <-time.After(time.Second):
		t.Fatal("Close did not release the ping pump")
	}

	// Second close must not panic or block.
	_ = tc.Close(context.Background())
}

func TestMissedHeartbeatClosesConnection(t *testing.T) {
	// The server never answers pings, so the pong deadline expires and the
	// read pump reports an abnormal closure.
	server, url := newWSServer(t)
	server.handler = func(ws *websocket.Conn) {
		ws.SetPingHandler(func(string) error { return nil })
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}
	recorder := &callbackRecorder{}
	dialer := NewDialer(Options{PingInterval: 20 * time.Millisecond, PongWait: 50 * time.Millisecond})

	_, err := dialer.Dial(context.Background(), url, recorder.callbacks())
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		closed, _, _ := recorder.closeInfo()
		return closed
	}, 2*time.Second, 10*time.Millisecond)
	_, code, _ := recorder.closeInfo()
	assert.Equal(t, websocket.CloseAbnormalClosure, code)
}
