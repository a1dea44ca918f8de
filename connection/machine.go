// Package connection owns one agent session's connect/authenticate/stream/
// retry/fail cycle. The package splits the problem in two: Machine is the
// pure transition table over discrete events, small enough to drive
// exhaustively from property tests, and Lifecycle is the reactive actor that
// wraps a Machine, executes its effects against a transport, and schedules
// timer events back into its own mailbox.
//
// Failure semantics: transient transport failures (socket error/close,
// heartbeat timeout) retry with bounded exponential backoff until the retry
// budget is exhausted, then the machine parks in StateFailed until a fresh
// Connect intent. Authentication failures never retry automatically — a bad
// token is a credential problem, not a network fault — and drop the machine
// back to StateIdle with the retry counter forced to zero.
package connection

import (
	"fmt"
	"time"
)

// State enumerates the connection lifecycle states.
type State string

const (
	// StateIdle is the initial state: no transport attempt in flight.
	StateIdle State = "idle"
	// StateConnecting means a transport dial is in flight.
	StateConnecting State = "connecting"
	// StateAuthenticating means the socket is open and the auth exchange is
	// pending.
	StateAuthenticating State = "authenticating"
	// StateConnected means the session is authenticated and application
	// messages flow.
	StateConnected State = "connected"
	// StateReconnecting means a transient failure occurred and a retry timer
	// is pending.
	StateReconnecting State = "reconnecting"
	// StateFailed means the retry budget is exhausted; only a fresh Connect
	// intent restarts the cycle.
	StateFailed State = "failed"
)

type (
	// MachineConfig holds the retry arithmetic constants.
	MachineConfig struct {
		// MaxRetries bounds consecutive transient-failure retries within one
		// attempt sequence.
		MaxRetries int
		// BaseBackoff seeds the exponential backoff: the nth retry waits
		// BaseBackoff * 2^(n-1).
		BaseBackoff time.Duration
	}

	// ConnectionContext is the machine's mutable context, replaced wholesale
	// on each Connect intent. Consumers never mutate it directly; they send
	// intents and observe snapshots.
	ConnectionContext struct {
		// SessionID and SessionToken are the credentials of the most recent
		// Connect intent. Cleared only by Disconnect.
		SessionID    string
		SessionToken string
		// UserID is set by successful authentication and is non-empty exactly
		// when the state is StateConnected.
		UserID string
		// Retries counts transient failures within the current attempt
		// sequence, clamped to [0, MaxRetries].
		Retries int
		// Backoff is the wait before the next reconnect. When Retries > 0 it
		// equals BaseBackoff * 2^(Retries-1).
		Backoff time.Duration
		// LastError is the most recent failure reason, cleared by successful
		// authentication.
		LastError string
	}

	// Machine is the pure connection state machine. Apply consumes one event
	// and returns the side effects the caller must execute. Machine itself
	// performs no I/O and keeps no timers, which is what makes its invariants
	// checkable after any event sequence.
	//
	// Not safe for concurrent use; the Lifecycle actor serializes access.
	Machine struct {
		state State
		ctx   ConnectionContext
		cfg   MachineConfig
	}
)

type (
	// Event is a discrete input to the machine: a user intent, a transport
	// signal, or an elapsed timer.
	Event interface{ isEvent() }

	// ConnectEvent is the user intent to (re)attach with fresh credentials.
	// Accepted in every state; any in-flight attempt is torn down first.
	ConnectEvent struct {
		SessionID    string
		SessionToken string
	}

	// DisconnectEvent is the user intent to detach. Accepted in every state
	// and never fails.
	DisconnectEvent struct{}

	// SocketOpenedEvent signals the transport connection is established.
	SocketOpenedEvent struct{}

	// SocketClosedEvent signals the transport connection closed.
	SocketClosedEvent struct {
		Code   int
		Reason string
	}

	// SocketErrorEvent signals a transport failure.
	SocketErrorEvent struct {
		Message string
	}

	// AuthOKEvent signals successful authentication.
	AuthOKEvent struct {
		UserID string
	}

	// AuthErrorEvent signals the backend rejected the session token.
	AuthErrorEvent struct {
		Message string
	}

	// AuthTimeoutEvent signals no auth response arrived within the window.
	AuthTimeoutEvent struct{}

	// HeartbeatTimeoutEvent signals the connection went silent while
	// connected. Treated as a transient transport failure.
	HeartbeatTimeoutEvent struct{}

	// RetryElapsedEvent signals the backoff wait completed.
	RetryElapsedEvent struct{}
)

func (ConnectEvent) isEvent()          {}
func (DisconnectEvent) isEvent()       {}
func (SocketOpenedEvent) isEvent()     {}
func (SocketClosedEvent) isEvent()     {}
func (SocketErrorEvent) isEvent()      {}
func (AuthOKEvent) isEvent()           {}
func (AuthErrorEvent) isEvent()        {}
func (AuthTimeoutEvent) isEvent()      {}
func (HeartbeatTimeoutEvent) isEvent() {}
func (RetryElapsedEvent) isEvent()     {}

// EffectKind enumerates the side effects the machine asks its driver to
// execute.
type EffectKind string

const (
	// EffectDial opens a new transport connection.
	EffectDial EffectKind = "dial"
	// EffectCloseConn tears down the current transport connection, if any.
	EffectCloseConn EffectKind = "close_conn"
	// EffectSendAuth sends the auth request with the context's session token.
	EffectSendAuth EffectKind = "send_auth"
	// EffectStartAuthTimer arms the auth timeout window.
	EffectStartAuthTimer EffectKind = "start_auth_timer"
	// EffectCancelAuthTimer disarms the auth timeout window.
	EffectCancelAuthTimer EffectKind = "cancel_auth_timer"
	// EffectStartRetryTimer schedules a RetryElapsedEvent after Backoff.
	EffectStartRetryTimer EffectKind = "start_retry_timer"
	// EffectCancelRetryTimer cancels a pending retry timer.
	EffectCancelRetryTimer EffectKind = "cancel_retry_timer"
	// EffectNotify publishes a lifecycle notification to consumers.
	EffectNotify EffectKind = "notify"
)

// Effect is one side effect requested by a transition, executed by the
// driver in order.
type Effect struct {
	Kind EffectKind
	// Backoff is the wait duration for EffectStartRetryTimer.
	Backoff time.Duration
	// Notification is the payload for EffectNotify.
	Notification Notification
}

// NotificationType enumerates lifecycle notifications exposed to consumers.
type NotificationType string

const (
	// NotifyConnected fires when authentication succeeds.
	NotifyConnected NotificationType = "connected"
	// NotifyDisconnected fires when a Disconnect intent completes.
	NotifyDisconnected NotificationType = "disconnected"
	// NotifyReconnecting fires when a transient failure schedules a retry.
	NotifyReconnecting NotificationType = "reconnecting"
	// NotifyAuthFailed fires when authentication is rejected or times out.
	NotifyAuthFailed NotificationType = "auth_failed"
	// NotifyFailed fires when the retry budget is exhausted.
	NotifyFailed NotificationType = "failed"
)

// Notification is a discrete lifecycle notification for UI/consumer
// reaction.
type Notification struct {
	Type NotificationType
	// UserID accompanies NotifyConnected.
	UserID string
	// Reason carries the failure message for reconnecting/auth_failed/failed.
	Reason string
	// Retries and Backoff describe the pending retry for NotifyReconnecting.
	Retries int
	Backoff time.Duration
}

// NewMachine constructs a machine in StateIdle with a zeroed context.
// MaxRetries defaults to 4 and BaseBackoff to 500ms when unset.
func NewMachine(cfg MachineConfig) *Machine {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 4
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = 500 * time.Millisecond
	}
	return &Machine{state: StateIdle, cfg: cfg}
}

// State returns the current state.
func (m *Machine) State() State { return m.state }

// Context returns a snapshot of the connection context.
func (m *Machine) Context() ConnectionContext { return m.ctx }

// Config returns the retry arithmetic constants.
func (m *Machine) Config() MachineConfig { return m.cfg }

// Apply consumes one event, transitions the machine, and returns the side
// effects to execute. Unexpected events in a given state are ignored and
// return no effects: stale timers and signals from torn-down transport
// attempts must not perturb the machine.
func (m *Machine) Apply(ev Event) []Effect {
	switch ev := ev.(type) {
	case ConnectEvent:
		return m.applyConnect(ev)
	case DisconnectEvent:
		return m.applyDisconnect()
	case SocketOpenedEvent:
		if m.state != StateConnecting {
			return nil
		}
		m.state = StateAuthenticating
		return []Effect{{Kind: EffectSendAuth}, {Kind: EffectStartAuthTimer}}
	case SocketClosedEvent:
		return m.applyTransportFailure(closeReason(ev.Code, ev.Reason))
	case SocketErrorEvent:
		return m.applyTransportFailure(ev.Message)
	case AuthOKEvent:
		if m.state != StateAuthenticating {
			return nil
		}
		m.state = StateConnected
		m.ctx.UserID = ev.UserID
		m.ctx.LastError = ""
		m.ctx.Retries = 0
		m.ctx.Backoff = 0
		return []Effect{
			{Kind: EffectCancelAuthTimer},
			{Kind: EffectNotify, Notification: Notification{Type: NotifyConnected, UserID: ev.UserID}},
		}
	case AuthErrorEvent:
		return m.applyAuthFailure(ev.Message)
	case AuthTimeoutEvent:
		return m.applyAuthFailure("authentication timed out")
	case HeartbeatTimeoutEvent:
		if m.state != StateConnected {
			return nil
		}
		return m.applyTransportFailure("heartbeat timeout")
	case RetryElapsedEvent:
		if m.state != StateReconnecting {
			return nil
		}
		m.state = StateConnecting
		return []Effect{{Kind: EffectDial}}
	default:
		return nil
	}
}

// applyConnect restarts the cycle with fresh credentials from any state,
// tearing down whatever attempt was in flight.
func (m *Machine) applyConnect(ev ConnectEvent) []Effect {
	effects := []Effect{
		{Kind: EffectCancelRetryTimer},
		{Kind: EffectCancelAuthTimer},
	}
	if m.state == StateConnecting || m.state == StateAuthenticating || m.state == StateConnected {
		effects = append(effects, Effect{Kind: EffectCloseConn})
	}
	m.ctx = ConnectionContext{
		SessionID:    ev.SessionID,
		SessionToken: ev.SessionToken,
	}
	m.state = StateConnecting
	return append(effects, Effect{Kind: EffectDial})
}

// applyDisconnect drops to idle from any state, clearing credentials and
// cancelling timers. This is the one event guaranteed to succeed.
func (m *Machine) applyDisconnect() []Effect {
	effects := []Effect{
		{Kind: EffectCancelRetryTimer},
		{Kind: EffectCancelAuthTimer},
		{Kind: EffectCloseConn},
	}
	m.ctx = ConnectionContext{}
	m.state = StateIdle
	return append(effects, Effect{Kind: EffectNotify, Notification: Notification{Type: NotifyDisconnected}})
}

// applyTransportFailure handles socket errors/closes and heartbeat loss:
// schedule a backoff retry, or park in StateFailed once the budget is spent.
// Failures also count while already reconnecting (a dial can fail fast,
// before its retry timer elapses); signals in idle and failed are stale and
// ignored.
func (m *Machine) applyTransportFailure(reason string) []Effect {
	switch m.state {
	case StateConnecting, StateAuthenticating, StateConnected, StateReconnecting:
	default:
		return nil
	}
	m.ctx.UserID = ""
	m.ctx.LastError = reason

	next := m.ctx.Retries + 1
	if next > m.cfg.MaxRetries {
		m.ctx.Retries = m.cfg.MaxRetries
		m.state = StateFailed
		return []Effect{
			{Kind: EffectCancelRetryTimer},
			{Kind: EffectCancelAuthTimer},
			{Kind: EffectCloseConn},
			{Kind: EffectNotify, Notification: Notification{Type: NotifyFailed, Reason: reason}},
		}
	}
	m.ctx.Retries = next
	m.ctx.Backoff = m.cfg.BaseBackoff << (next - 1)
	m.state = StateReconnecting
	return []Effect{
		{Kind: EffectCancelRetryTimer},
		{Kind: EffectCancelAuthTimer},
		{Kind: EffectCloseConn},
		{Kind: EffectStartRetryTimer, Backoff: m.ctx.Backoff},
		{Kind: EffectNotify, Notification: Notification{
			Type:    NotifyReconnecting,
			Reason:  reason,
			Retries: m.ctx.Retries,
			Backoff: m.ctx.Backoff,
		}},
	}
}

// applyAuthFailure drops to idle without touching the retry counter: auth
// failures are credential problems and are never retried automatically.
func (m *Machine) applyAuthFailure(message string) []Effect {
	if m.state != StateAuthenticating {
		return nil
	}
	m.state = StateIdle
	m.ctx.UserID = ""
	m.ctx.Retries = 0
	m.ctx.Backoff = 0
	m.ctx.LastError = message
	return []Effect{
		{Kind: EffectCancelAuthTimer},
		{Kind: EffectCloseConn},
		{Kind: EffectNotify, Notification: Notification{Type: NotifyAuthFailed, Reason: message}},
	}
}

func closeReason(code int, reason string) string {
	if reason == "" {
		return fmt.Sprintf("connection closed (code %d)", code)
	}
	return fmt.Sprintf("connection closed (code %d): %s", code, reason)
}
