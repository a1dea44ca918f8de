package connection_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"goa.design/agentwire/connection"
	"goa.design/agentwire/telemetry"
	"goa.design/agentwire/transport/transporttest"
)

// recordingHandler captures notifications and application frames delivered by
// the lifecycle actor.
type recordingHandler struct {
	mu       sync.Mutex
	notifs   []connection.Notification
	messages [][]byte
}

func (h *recordingHandler) HandleNotification(_ context.Context, n connection.Notification) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.notifs = append(h.notifs, n)
}

func (h *recordingHandler) HandleMessage(_ context.Context, raw []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.messages = append(h.messages, append([]byte(nil), raw...))
}

func (h *recordingHandler) notifications() []connection.Notification {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]connection.Notification(nil), h.notifs...)
}

func (h *recordingHandler) lastNotification() (connection.Notification, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.notifs) == 0 {
		return connection.Notification{}, false
	}
	return h.notifs[len(h.notifs)-1], true
}

func (h *recordingHandler) messageCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.messages)
}

// fakeTracer records spans started by the lifecycle.
type fakeTracer struct {
	mu    sync.Mutex
	spans []*fakeSpan
}

type fakeSpan struct {
	mu    sync.Mutex
	name  string
	ended bool
	errs  []error
}

func (tr *fakeTracer) Start(ctx context.Context, name string, _ ...trace.SpanStartOption) (context.Context, telemetry.Span) {
	span := &fakeSpan{name: name}
	tr.mu.Lock()
	tr.spans = append(tr.spans, span)
	tr.mu.Unlock()
	return ctx, span
}

func (tr *fakeTracer) Span(context.Context) telemetry.Span { return &fakeSpan{} }

func (tr *fakeTracer) spansNamed(name string) []*fakeSpan {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	var out []*fakeSpan
	for _, s := range tr.spans {
		if s.name == name {
			out = append(out, s)
		}
	}
	return out
}

func (s *fakeSpan) End(...trace.SpanEndOption) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ended = true
}

func (s *fakeSpan) AddEvent(string, ...any) {}

func (s *fakeSpan) SetStatus(codes.Code, string) {}

func (s *fakeSpan) RecordError(err error, _ ...trace.EventOption) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errs = append(s.errs, err)
}

func (s *fakeSpan) done() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ended
}

func (s *fakeSpan) errors() []error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]error(nil), s.errs...)
}

func startLifecycle(t *testing.T, dialer *transporttest.Dialer, opts connection.Options) (*connection.Lifecycle, *recordingHandler) {
	t.Helper()
	handler := &recordingHandler{}
	opts.Dialer = dialer
	opts.Target = "wss://agent.test/session"
	opts.Handler = handler
	lc, err := connection.NewLifecycle(opts)
	require.NoError(t, err)
	lc.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = lc.Stop(ctx)
	})
	return lc, handler
}

func authOK(t *testing.T, userID string) []byte {
	t.Helper()
	raw, err := json.Marshal(map[string]any{"type": "auth_result", "ok": true, "user_id": userID})
	require.NoError(t, err)
	return raw
}

func authRejected(t *testing.T, message string) []byte {
	t.Helper()
	raw, err := json.Marshal(map[string]any{"type": "auth_result", "ok": false, "code": "unauthorized", "message": message})
	require.NoError(t, err)
	return raw
}

func TestLifecycleHappyPath(t *testing.T) {
	dialer := transporttest.NewDialer()
	lc, handler := startLifecycle(t, dialer, connection.Options{})

	lc.Connect("s1", "t1")
	require.Eventually(t, func() bool { return dialer.LastConn() != nil }, time.Second, time.Millisecond)
	conn := dialer.LastConn()
	assert.Equal(t, "wss://agent.test/session", conn.Target())

	conn.FireOpen()
	require.Eventually(t, func() bool { return len(conn.Sent()) == 1 }, time.Second, time.Millisecond)

	var req map[string]string
	require.NoError(t, json.Unmarshal(conn.Sent()[0], &req))
	assert.Equal(t, "auth", req["type"])
	assert.Equal(t, "t1", req["token"])

	conn.FireMessage(authOK(t, "u1"))
	require.Eventually(t, func() bool { return lc.State() == connection.StateConnected }, time.Second, time.Millisecond)
	assert.Equal(t, "u1", lc.Context().UserID)

	last, ok := handler.lastNotification()
	require.True(t, ok)
	assert.Equal(t, connection.NotifyConnected, last.Type)
	assert.Equal(t, "u1", last.UserID)
}

func TestLifecycleAuthRejection(t *testing.T) {
	dialer := transporttest.NewDialer()
	lc, handler := startLifecycle(t, dialer, connection.Options{})

	lc.Connect("s1", "bad-token")
	require.Eventually(t, func() bool { return dialer.LastConn() != nil }, time.Second, time.Millisecond)
	conn := dialer.LastConn()
	conn.FireOpen()
	require.Eventually(t, func() bool { return len(conn.Sent()) == 1 }, time.Second, time.Millisecond)

	conn.FireMessage(authRejected(t, "token expired"))
	require.Eventually(t, func() bool { return lc.State() == connection.StateIdle }, time.Second, time.Millisecond)
	assert.Equal(t, "token expired", lc.Context().LastError)
	assert.Equal(t, 0, lc.Context().Retries)

	// No redial: auth failures are terminal for the attempt.
	assert.Len(t, dialer.Conns(), 1)
	last, ok := handler.lastNotification()
	require.True(t, ok)
	assert.Equal(t, connection.NotifyAuthFailed, last.Type)
}

func TestLifecycleAuthTimeout(t *testing.T) {
	dialer := transporttest.NewDialer()
	lc, _ := startLifecycle(t, dialer, connection.Options{AuthTimeout: 20 * time.Millisecond})

	lc.Connect("s1", "t1")
	require.Eventually(t, func() bool { return dialer.LastConn() != nil }, time.Second, time.Millisecond)
	dialer.LastConn().FireOpen()

	require.Eventually(t, func() bool { return lc.State() == connection.StateIdle }, time.Second, time.Millisecond)
	assert.Equal(t, "authentication timed out", lc.Context().LastError)
	require.Eventually(t, func() bool { return dialer.LastConn().Closed() }, time.Second, time.Millisecond)
}

func TestLifecycleRetriesUntilBudgetExhausted(t *testing.T) {
	dialer := transporttest.NewDialer()
	lc, handler := startLifecycle(t, dialer, connection.Options{
		Machine: connection.MachineConfig{MaxRetries: 2, BaseBackoff: time.Millisecond},
	})

	lc.Connect("s1", "t1")
	require.Eventually(t, func() bool { return dialer.LastConn() != nil }, time.Second, time.Millisecond)

	// Fail every attempt as soon as it is dialed.
	go func() {
		seen := 0
		for lc.State() != connection.StateFailed {
			conns := dialer.Conns()
			if len(conns) > seen {
				conns[len(conns)-1].FireError("connection refused")
				seen = len(conns)
			}
			time.Sleep(time.Millisecond)
		}
	}()

	require.Eventually(t, func() bool { return lc.State() == connection.StateFailed }, 2*time.Second, time.Millisecond)
	assert.Equal(t, 2, lc.Context().Retries)

	var reconnects int
	for _, n := range handler.notifications() {
		if n.Type == connection.NotifyReconnecting {
			reconnects++
		}
	}
	assert.Equal(t, 2, reconnects)
	last, ok := handler.lastNotification()
	require.True(t, ok)
	assert.Equal(t, connection.NotifyFailed, last.Type)

	// A fresh connect restarts the cycle from failed.
	lc.Connect("s1", "t1")
	require.Eventually(t, func() bool { return lc.State() == connection.StateConnecting }, time.Second, time.Millisecond)
}

func TestLifecycleDialErrorTriggersBackoffRedial(t *testing.T) {
	dialer := transporttest.NewDialer()
	lc, _ := startLifecycle(t, dialer, connection.Options{
		Machine: connection.MachineConfig{MaxRetries: 4, BaseBackoff: time.Millisecond},
	})

	lc.Connect("s1", "t1")
	require.Eventually(t, func() bool { return len(dialer.Conns()) >= 1 }, time.Second, time.Millisecond)
	dialer.LastConn().FireError("tls handshake failed")

	// The retry timer elapses and a second dial goes out.
	require.Eventually(t, func() bool { return len(dialer.Conns()) >= 2 }, time.Second, time.Millisecond)
	assert.GreaterOrEqual(t, lc.Context().Retries, 1)
}

func TestLifecycleGatesMessagesOnAuthentication(t *testing.T) {
	dialer := transporttest.NewDialer()
	lc, handler := startLifecycle(t, dialer, connection.Options{})

	lc.Connect("s1", "t1")
	require.Eventually(t, func() bool { return dialer.LastConn() != nil }, time.Second, time.Millisecond)
	conn := dialer.LastConn()
	conn.FireOpen()
	require.Eventually(t, func() bool { return len(conn.Sent()) == 1 }, time.Second, time.Millisecond)

	// Frames pushed before authentication completes are dropped.
	conn.FireMessage([]byte(`{"event":{"type":"message.part.updated"}}`))
	conn.FireMessage(authOK(t, "u1"))
	require.Eventually(t, func() bool { return lc.State() == connection.StateConnected }, time.Second, time.Millisecond)
	assert.Equal(t, 0, handler.messageCount())

	// Once connected they flow through.
	conn.FireMessage([]byte(`{"event":{"type":"message.part.updated"}}`))
	require.Eventually(t, func() bool { return handler.messageCount() == 1 }, time.Second, time.Millisecond)
}

func TestLifecycleReconnectsOnConnectionLoss(t *testing.T) {
	dialer := transporttest.NewDialer()
	lc, _ := startLifecycle(t, dialer, connection.Options{
		Machine: connection.MachineConfig{MaxRetries: 4, BaseBackoff: time.Millisecond},
	})

	lc.Connect("s1", "t1")
	require.Eventually(t, func() bool { return dialer.LastConn() != nil }, time.Second, time.Millisecond)
	conn := dialer.LastConn()
	conn.FireOpen()
	require.Eventually(t, func() bool { return len(conn.Sent()) == 1 }, time.Second, time.Millisecond)
	conn.FireMessage(authOK(t, "u1"))
	require.Eventually(t, func() bool { return lc.State() == connection.StateConnected }, time.Second, time.Millisecond)

	conn.FireClose(1006, "abnormal closure")
	require.Eventually(t, func() bool { return len(dialer.Conns()) >= 2 }, time.Second, time.Millisecond)

	// The replacement attempt authenticates again from scratch.
	conn2 := dialer.Conns()[1]
	conn2.FireOpen()
	require.Eventually(t, func() bool { return len(conn2.Sent()) == 1 }, time.Second, time.Millisecond)
	conn2.FireMessage(authOK(t, "u1"))
	require.Eventually(t, func() bool { return lc.State() == connection.StateConnected }, time.Second, time.Millisecond)
	assert.Equal(t, 0, lc.Context().Retries)
}

func TestLifecycleHeartbeatWatchdog(t *testing.T) {
	dialer := transporttest.NewDialer()
	lc, _ := startLifecycle(t, dialer, connection.Options{
		Machine:          connection.MachineConfig{MaxRetries: 4, BaseBackoff: time.Millisecond},
		HeartbeatTimeout: 30 * time.Millisecond,
	})

	lc.Connect("s1", "t1")
	require.Eventually(t, func() bool { return dialer.LastConn() != nil }, time.Second, time.Millisecond)
	conn := dialer.LastConn()
	conn.FireOpen()
	require.Eventually(t, func() bool { return len(conn.Sent()) == 1 }, time.Second, time.Millisecond)
	conn.FireMessage(authOK(t, "u1"))
	require.Eventually(t, func() bool { return lc.State() == connection.StateConnected }, time.Second, time.Millisecond)

	// Silence trips the watchdog and forces a redial.
	require.Eventually(t, func() bool { return len(dialer.Conns()) >= 2 }, time.Second, time.Millisecond)
	assert.Equal(t, "heartbeat timeout", lc.Context().LastError)
}

func TestLifecycleDisconnectClosesConnection(t *testing.T) {
	dialer := transporttest.NewDialer()
	lc, handler := startLifecycle(t, dialer, connection.Options{})

	lc.Connect("s1", "t1")
	require.Eventually(t, func() bool { return dialer.LastConn() != nil }, time.Second, time.Millisecond)
	conn := dialer.LastConn()
	conn.FireOpen()
	require.Eventually(t, func() bool { return len(conn.Sent()) == 1 }, time.Second, time.Millisecond)
	conn.FireMessage(authOK(t, "u1"))
	require.Eventually(t, func() bool { return lc.State() == connection.StateConnected }, time.Second, time.Millisecond)

	lc.Disconnect()
	require.Eventually(t, func() bool { return lc.State() == connection.StateIdle }, time.Second, time.Millisecond)
	require.Eventually(t, func() bool { return conn.Closed() }, time.Second, time.Millisecond)
	assert.Equal(t, connection.ConnectionContext{}, lc.Context())

	last, ok := handler.lastNotification()
	require.True(t, ok)
	assert.Equal(t, connection.NotifyDisconnected, last.Type)
}

func TestLifecycleStaleCallbacksAfterDisconnect(t *testing.T) {
	dialer := transporttest.NewDialer()
	lc, _ := startLifecycle(t, dialer, connection.Options{})

	lc.Connect("s1", "t1")
	require.Eventually(t, func() bool { return dialer.LastConn() != nil }, time.Second, time.Millisecond)
	conn := dialer.LastConn()
	lc.Disconnect()
	require.Eventually(t, func() bool { return lc.State() == connection.StateIdle }, time.Second, time.Millisecond)

	// Signals from the torn-down attempt must not restart anything.
	conn.FireOpen()
	conn.FireError("late error")
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, connection.StateIdle, lc.State())
	assert.Len(t, dialer.Conns(), 1)
}

func TestLifecycleStopDeliversDisconnect(t *testing.T) {
	dialer := transporttest.NewDialer()
	lc, handler := startLifecycle(t, dialer, connection.Options{})

	lc.Connect("s1", "t1")
	require.Eventually(t, func() bool { return dialer.LastConn() != nil }, time.Second, time.Millisecond)
	conn := dialer.LastConn()
	conn.FireOpen()
	require.Eventually(t, func() bool { return len(conn.Sent()) == 1 }, time.Second, time.Millisecond)
	conn.FireMessage(authOK(t, "u1"))
	require.Eventually(t, func() bool { return lc.State() == connection.StateConnected }, time.Second, time.Millisecond)

	// Stop posts a disconnect and then shuts the actor down. The disconnect
	// must still be processed: subscribers rely on the final disconnected
	// notification to tear down session state.
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, lc.Stop(ctx))

	last, ok := handler.lastNotification()
	require.True(t, ok)
	assert.Equal(t, connection.NotifyDisconnected, last.Type)
	assert.Equal(t, connection.StateIdle, lc.State())
	require.Eventually(t, func() bool { return conn.Closed() }, time.Second, time.Millisecond)
}

func TestLifecycleTracesDialAttempts(t *testing.T) {
	dialer := transporttest.NewDialer()
	tracer := &fakeTracer{}
	lc, _ := startLifecycle(t, dialer, connection.Options{Tracer: tracer})

	lc.Connect("s1", "t1")
	require.Eventually(t, func() bool { return dialer.LastConn() != nil }, time.Second, time.Millisecond)

	require.Eventually(t, func() bool {
		spans := tracer.spansNamed("connection.dial")
		return len(spans) == 1 && spans[0].done()
	}, time.Second, time.Millisecond)
	assert.Empty(t, tracer.spansNamed("connection.dial")[0].errors())
}

func TestLifecycleTracesDialFailures(t *testing.T) {
	dialer := transporttest.NewDialer()
	dialer.DialErr = errors.New("connection refused")
	tracer := &fakeTracer{}
	lc, _ := startLifecycle(t, dialer, connection.Options{
		Machine: connection.MachineConfig{MaxRetries: 1, BaseBackoff: time.Hour},
		Tracer:  tracer,
	})

	lc.Connect("s1", "t1")
	require.Eventually(t, func() bool {
		spans := tracer.spansNamed("connection.dial")
		return len(spans) == 1 && spans[0].done()
	}, time.Second, time.Millisecond)
	require.Len(t, tracer.spansNamed("connection.dial")[0].errors(), 1)
	assert.ErrorIs(t, tracer.spansNamed("connection.dial")[0].errors()[0], dialer.DialErr)
}
