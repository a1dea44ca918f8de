package connection

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.opentelemetry.io/otel/codes"

	"goa.design/agentwire/telemetry"
	"goa.design/agentwire/transport"
)

type (
	// Handler receives the lifecycle's outputs: discrete notifications for
	// every externally visible transition, and application frames forwarded
	// only while the session is connected. Both are invoked from the
	// lifecycle's single actor goroutine, one at a time.
	Handler interface {
		HandleNotification(ctx context.Context, n Notification)
		HandleMessage(ctx context.Context, raw []byte)
	}

	// Options configures a Lifecycle.
	Options struct {
		// Dialer opens transport connections. Required.
		Dialer transport.Dialer
		// Target is the dial target passed to the dialer. Required.
		Target string
		// Handler receives notifications and application frames. Required.
		Handler Handler
		// Machine holds the retry arithmetic; zero values use the machine
		// defaults (4 retries, 500ms base backoff).
		Machine MachineConfig
		// Codec frames the auth exchange. Defaults to JSONAuthCodec.
		Codec AuthCodec
		// AuthTimeout bounds the auth exchange. Defaults to 10s.
		AuthTimeout time.Duration
		// HeartbeatTimeout declares the connection dead when no frame arrives
		// for this long while connected. Zero disables the watchdog (the
		// websocket transport's ping/pong already covers liveness there).
		HeartbeatTimeout time.Duration
		// Logger, Metrics, and Tracer default to no-ops.
		Logger  telemetry.Logger
		Metrics telemetry.Metrics
		Tracer  telemetry.Tracer
	}

	// Lifecycle is the reactive actor owning one session's connection cycle.
	// It wraps the pure Machine: every transport signal, user intent, and
	// elapsed timer becomes a mailbox message processed to completion by a
	// single goroutine, so no internal locking is needed beyond the snapshot
	// used by State/Context observers.
	Lifecycle struct {
		opts    Options
		machine *Machine
		mailbox chan mail
		stop    chan struct{}
		done    chan struct{}
		once    sync.Once

		// snapshot of machine state for concurrent observers.
		mu        sync.RWMutex
		snapState State
		snapCtx   ConnectionContext

		// Run-loop-owned fields; never touched outside the actor goroutine.
		conn        transport.Conn
		attempt     uint64
		pendingAuth bool
		retryTimer  *time.Timer
		authTimer   *time.Timer
		hbTimer     *time.Timer
		retryGen    uint64
		authGen     uint64
		hbGen       uint64
	}

	mailKind int

	// mail is one mailbox message. Transport-originated mail carries the
	// attempt id it belongs to so signals from torn-down attempts are
	// discarded instead of perturbing the machine.
	mail struct {
		kind    mailKind
		ev      Event
		attempt uint64
		gen     uint64
		raw     []byte
		conn    transport.Conn
		err     error
	}
)

const (
	mailIntent mailKind = iota
	mailSocket
	mailFrame
	mailDialResult
	mailRetryTimer
	mailAuthTimer
	mailHeartbeatTimer
)

// NewLifecycle constructs a lifecycle actor. Call Start to begin processing;
// the machine starts in StateIdle and does nothing until a Connect intent.
func NewLifecycle(opts Options) (*Lifecycle, error) {
	if opts.Dialer == nil {
		return nil, errors.New("transport dialer is required")
	}
	if opts.Target == "" {
		return nil, errors.New("dial target is required")
	}
	if opts.Handler == nil {
		return nil, errors.New("handler is required")
	}
	if opts.Codec == nil {
		opts.Codec = JSONAuthCodec{}
	}
	if opts.AuthTimeout <= 0 {
		opts.AuthTimeout = 10 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = telemetry.NewNoopLogger()
	}
	if opts.Metrics == nil {
		opts.Metrics = telemetry.NewNoopMetrics()
	}
	if opts.Tracer == nil {
		opts.Tracer = telemetry.NewNoopTracer()
	}
	machine := NewMachine(opts.Machine)
	return &Lifecycle{
		opts:      opts,
		machine:   machine,
		mailbox:   make(chan mail, 256),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
		snapState: machine.State(),
	}, nil
}

// Start launches the actor goroutine. The context is the base context for
// handler invocations and logging; cancelling it stops the actor.
func (l *Lifecycle) Start(ctx context.Context) {
	go l.run(ctx)
}

// Connect posts the intent to (re)attach with the given credentials. Any
// in-flight attempt is torn down first.
func (l *Lifecycle) Connect(sessionID, sessionToken string) {
	l.post(mail{kind: mailIntent, ev: ConnectEvent{SessionID: sessionID, SessionToken: sessionToken}})
}

// Disconnect posts the intent to detach. Accepted in every state.
func (l *Lifecycle) Disconnect() {
	l.post(mail{kind: mailIntent, ev: DisconnectEvent{}})
}

// Stop disconnects and shuts the actor down, waiting for the run loop to
// drain or the context to expire.
func (l *Lifecycle) Stop(ctx context.Context) error {
	l.Disconnect()
	l.once.Do(func() { close(l.stop) })
	select {
	case <-l.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// State returns the current lifecycle state.
func (l *Lifecycle) State() State {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.snapState
}

// Context returns a snapshot of the connection context.
func (l *Lifecycle) Context() ConnectionContext {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.snapCtx
}

func (l *Lifecycle) post(m mail) {
	select {
	case <-l.stop:
	case l.mailbox <- m:
	}
}

func (l *Lifecycle) run(ctx context.Context) {
	defer close(l.done)
	defer l.teardown(ctx)
	for {
		select {
		case <-l.stop:
			l.drain(ctx)
			return
		case <-ctx.Done():
			l.drain(ctx)
			return
		case m := <-l.mailbox:
			l.handle(ctx, m)
		}
	}
}

// drain processes mail already queued at shutdown. Stop posts the Disconnect
// intent before closing the stop channel; without the drain the run loop
// could observe the closed channel first and drop the intent along with its
// disconnected notification.
func (l *Lifecycle) drain(ctx context.Context) {
	for {
		select {
		case m := <-l.mailbox:
			l.handle(ctx, m)
		default:
			return
		}
	}
}

// teardown releases run-loop resources on shutdown: mail arriving after the
// drain is abandoned, timers cancelled, the connection closed.
func (l *Lifecycle) teardown(ctx context.Context) {
	l.stopTimer(&l.retryTimer, &l.retryGen)
	l.stopTimer(&l.authTimer, &l.authGen)
	l.stopTimer(&l.hbTimer, &l.hbGen)
	if l.conn != nil {
		_ = l.conn.Close(ctx)
		l.conn = nil
	}
}

func (l *Lifecycle) handle(ctx context.Context, m mail) {
	switch m.kind {
	case mailIntent:
		l.apply(ctx, m.ev)
	case mailSocket:
		if m.attempt == l.attempt {
			l.apply(ctx, m.ev)
		}
	case mailFrame:
		if m.attempt == l.attempt {
			l.handleFrame(ctx, m.raw)
		}
	case mailDialResult:
		l.handleDialResult(ctx, m)
	case mailRetryTimer:
		if m.gen == l.retryGen {
			l.apply(ctx, RetryElapsedEvent{})
		}
	case mailAuthTimer:
		if m.gen == l.authGen {
			l.apply(ctx, AuthTimeoutEvent{})
		}
	case mailHeartbeatTimer:
		if m.gen == l.hbGen {
			l.apply(ctx, HeartbeatTimeoutEvent{})
		}
	}
}

// apply feeds one event through the machine, publishes the state snapshot,
// and executes the resulting effects in order.
func (l *Lifecycle) apply(ctx context.Context, ev Event) {
	before := l.machine.State()
	effects := l.machine.Apply(ev)
	after := l.machine.State()

	l.mu.Lock()
	l.snapState = after
	l.snapCtx = l.machine.Context()
	l.mu.Unlock()

	if before != after {
		l.opts.Logger.Debug(ctx, "connection state change",
			"from", string(before), "to", string(after),
			"session_id", l.machine.Context().SessionID,
			"retries", l.machine.Context().Retries)
	}
	for _, eff := range effects {
		l.exec(ctx, eff)
	}
}

func (l *Lifecycle) exec(ctx context.Context, eff Effect) {
	switch eff.Kind {
	case EffectDial:
		l.dial(ctx)
	case EffectCloseConn:
		l.closeConn(ctx)
	case EffectSendAuth:
		if l.conn == nil {
			// Dial has not resolved yet; send as soon as it does.
			l.pendingAuth = true
			return
		}
		l.sendAuth(ctx)
	case EffectStartAuthTimer:
		l.startTimer(ctx, &l.authTimer, &l.authGen, l.opts.AuthTimeout, mailAuthTimer)
	case EffectCancelAuthTimer:
		l.stopTimer(&l.authTimer, &l.authGen)
	case EffectStartRetryTimer:
		l.startTimer(ctx, &l.retryTimer, &l.retryGen, eff.Backoff, mailRetryTimer)
	case EffectCancelRetryTimer:
		l.stopTimer(&l.retryTimer, &l.retryGen)
	case EffectNotify:
		l.notify(ctx, eff.Notification)
	}
}

// dial starts a transport attempt under a fresh attempt id. The dial itself
// runs off the actor goroutine so a slow handshake cannot block intents;
// callbacks and the dial result funnel back through the mailbox tagged with
// the attempt id.
func (l *Lifecycle) dial(ctx context.Context) {
	l.attempt++
	l.pendingAuth = false
	attempt := l.attempt

	kind := "initial"
	if l.machine.Context().Retries > 0 {
		kind = "retry"
	}
	l.opts.Metrics.IncCounter(telemetry.MetricConnectAttempts, 1, "kind", kind)

	cb := transport.Callbacks{
		OnOpen: func() {
			l.post(mail{kind: mailSocket, attempt: attempt, ev: SocketOpenedEvent{}})
		},
		OnClose: func(code int, reason string) {
			l.post(mail{kind: mailSocket, attempt: attempt, ev: SocketClosedEvent{Code: code, Reason: reason}})
		},
		OnError: func(message string) {
			l.post(mail{kind: mailSocket, attempt: attempt, ev: SocketErrorEvent{Message: message}})
		},
		OnMessage: func(raw []byte) {
			l.post(mail{kind: mailFrame, attempt: attempt, raw: raw})
		},
	}
	go func() {
		dialCtx, span := l.opts.Tracer.Start(ctx, "connection.dial")
		conn, err := l.opts.Dialer.Dial(dialCtx, l.opts.Target, cb)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "dial failed")
		}
		span.End()
		l.post(mail{kind: mailDialResult, attempt: attempt, conn: conn, err: err})
	}()
}

func (l *Lifecycle) handleDialResult(ctx context.Context, m mail) {
	if m.attempt != l.attempt {
		// The attempt was torn down while the dial was in flight.
		if m.conn != nil {
			conn := m.conn
			go func() { _ = conn.Close(context.WithoutCancel(ctx)) }()
		}
		return
	}
	if m.err != nil {
		l.apply(ctx, SocketErrorEvent{Message: m.err.Error()})
		return
	}
	l.conn = m.conn
	if l.pendingAuth {
		l.pendingAuth = false
		l.sendAuth(ctx)
	}
}

func (l *Lifecycle) closeConn(ctx context.Context) {
	// Bump the attempt id so late callbacks from this connection are
	// discarded as stale.
	l.attempt++
	l.pendingAuth = false
	l.stopTimer(&l.hbTimer, &l.hbGen)
	if l.conn != nil {
		conn := l.conn
		l.conn = nil
		go func() { _ = conn.Close(context.WithoutCancel(ctx)) }()
	}
}

func (l *Lifecycle) sendAuth(ctx context.Context) {
	data, err := l.opts.Codec.EncodeRequest(l.machine.Context().SessionToken)
	if err != nil {
		l.opts.Logger.Error(ctx, "encode auth request", "err", err)
		l.apply(ctx, AuthErrorEvent{Message: "auth request encoding failed"})
		return
	}
	if err := l.conn.Send(ctx, data); err != nil {
		// The transport surfaces the failure through its callbacks as well;
		// the machine reacts there.
		l.opts.Logger.Warn(ctx, "send auth request", "err", err)
	}
}

// handleFrame routes one inbound frame: auth results feed the machine,
// anything else is an application message forwarded only while connected.
func (l *Lifecycle) handleFrame(ctx context.Context, raw []byte) {
	if result, ok := l.opts.Codec.DecodeResult(raw); ok {
		if result.OK {
			l.apply(ctx, AuthOKEvent{UserID: result.UserID})
		} else {
			l.apply(ctx, AuthErrorEvent{Message: result.Message})
		}
		return
	}
	if l.machine.State() != StateConnected {
		// Application frames are gated on authentication.
		return
	}
	l.resetHeartbeat(ctx)
	l.opts.Handler.HandleMessage(ctx, raw)
}

func (l *Lifecycle) notify(ctx context.Context, n Notification) {
	switch n.Type {
	case NotifyConnected:
		l.resetHeartbeat(ctx)
	case NotifyAuthFailed:
		l.opts.Metrics.IncCounter(telemetry.MetricAuthFailures, 1)
		l.opts.Logger.Warn(ctx, "authentication failed", "reason", n.Reason)
	case NotifyFailed:
		l.opts.Metrics.IncCounter(telemetry.MetricConnectionsFailed, 1)
		l.opts.Logger.Error(ctx, "connection failed", "reason", n.Reason)
	case NotifyReconnecting:
		l.opts.Logger.Info(ctx, "reconnecting",
			"reason", n.Reason, "retries", n.Retries, "backoff", n.Backoff.String())
	}
	l.opts.Handler.HandleNotification(ctx, n)
}

func (l *Lifecycle) resetHeartbeat(ctx context.Context) {
	if l.opts.HeartbeatTimeout <= 0 {
		return
	}
	l.startTimer(ctx, &l.hbTimer, &l.hbGen, l.opts.HeartbeatTimeout, mailHeartbeatTimer)
}

// startTimer (re)arms a timer under a fresh generation. A fired timer whose
// generation no longer matches is stale and ignored by the run loop, which
// closes the race between Stop and an in-flight AfterFunc.
func (l *Lifecycle) startTimer(_ context.Context, timer **time.Timer, gen *uint64, d time.Duration, kind mailKind) {
	if *timer != nil {
		(*timer).Stop()
	}
	*gen++
	g := *gen
	*timer = time.AfterFunc(d, func() {
		l.post(mail{kind: kind, gen: g})
	})
}

func (l *Lifecycle) stopTimer(timer **time.Timer, gen *uint64) {
	*gen++
	if *timer != nil {
		(*timer).Stop()
		*timer = nil
	}
}
