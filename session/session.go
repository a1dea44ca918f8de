// Package session wires the connection lifecycle to the event normalizer and
// exposes the results to consumers: application frames pushed by the
// transport (delivered only once authenticated) are decoded into raw harness
// events, normalized into canonical envelopes, and published to an in-process
// feed and optionally to a forwarding sink such as the Pulse sink.
//
// One Session owns one connection scope. Its normalizer state (sequence
// numbers, terminal tool dedup) lives exactly as long as the authenticated
// session: every disconnect or reconnect discards it.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"goa.design/agentwire/connection"
	"goa.design/agentwire/normalize"
	"goa.design/agentwire/stream"
	"goa.design/agentwire/telemetry"
	"goa.design/agentwire/transport"
)

type (
	// Options configures a Session.
	Options struct {
		// Dialer and Target configure the underlying connection. Required.
		Dialer transport.Dialer
		Target string
		// Harness names the upstream backend for emitted envelopes.
		Harness string
		// Provider optionally names the model provider behind the harness.
		Provider string
		// ForwardSink, when set, receives every canonical event after the
		// in-process feed (for example the Pulse sink). Send errors are
		// logged, not fatal: a broken forwarder must not stall the local
		// consumer.
		ForwardSink stream.Sink
		// Connection tunes the lifecycle; zero values use its defaults.
		Connection connection.MachineConfig
		// AuthTimeout and HeartbeatTimeout pass through to the lifecycle.
		AuthTimeout      time.Duration
		HeartbeatTimeout time.Duration
		// Codec frames the auth exchange. Defaults to the JSON codec.
		Codec connection.AuthCodec
		// Logger, Metrics, and Tracer default to no-ops.
		Logger  telemetry.Logger
		Metrics telemetry.Metrics
		Tracer  telemetry.Tracer
	}

	// Session is the top-level client object: consumers register on Events
	// for canonical events and on Notifications for lifecycle transitions,
	// then call Connect.
	Session struct {
		lifecycle  *connection.Lifecycle
		normalizer *normalize.Normalizer
		events     stream.Feed
		notifs     *notificationFeed
		forward    stream.Sink
		harness    string
		provider   string
		logger     telemetry.Logger
		metrics    telemetry.Metrics
	}

	// rawFrame is the outer shape of one pushed application frame. Harnesses
	// disagree on envelope key casing, so both spellings decode.
	rawFrame struct {
		WorkspaceID    string          `json:"workspace_id"`
		WorkspaceIDAlt string          `json:"workspaceId"`
		SessionID      string          `json:"session_id"`
		SessionIDAlt   string          `json:"sessionId"`
		Event          json.RawMessage `json:"event"`
	}

	rawInner struct {
		Type       string         `json:"type"`
		Properties map[string]any `json:"properties"`
	}
)

// New constructs a Session. Call Start then Connect.
func New(opts Options) (*Session, error) {
	if opts.Harness == "" {
		return nil, errors.New("harness name is required")
	}
	if opts.Logger == nil {
		opts.Logger = telemetry.NewNoopLogger()
	}
	if opts.Metrics == nil {
		opts.Metrics = telemetry.NewNoopMetrics()
	}
	s := &Session{
		normalizer: normalize.New(normalize.Options{
			Logger:  opts.Logger,
			Metrics: opts.Metrics,
		}),
		events:   stream.NewFeed(),
		notifs:   newNotificationFeed(),
		forward:  opts.ForwardSink,
		harness:  opts.Harness,
		provider: opts.Provider,
		logger:   opts.Logger,
		metrics:  opts.Metrics,
	}
	lifecycle, err := connection.NewLifecycle(connection.Options{
		Dialer:           opts.Dialer,
		Target:           opts.Target,
		Handler:          s,
		Machine:          opts.Connection,
		Codec:            opts.Codec,
		AuthTimeout:      opts.AuthTimeout,
		HeartbeatTimeout: opts.HeartbeatTimeout,
		Logger:           opts.Logger,
		Metrics:          opts.Metrics,
		Tracer:           opts.Tracer,
	})
	if err != nil {
		return nil, err
	}
	s.lifecycle = lifecycle
	return s, nil
}

// Start launches the session's actor goroutine.
func (s *Session) Start(ctx context.Context) {
	s.lifecycle.Start(ctx)
}

// Connect attaches to the remote session with the given credentials.
func (s *Session) Connect(sessionID, sessionToken string) {
	s.lifecycle.Connect(sessionID, sessionToken)
}

// Disconnect detaches. Always accepted.
func (s *Session) Disconnect() {
	s.lifecycle.Disconnect()
}

// Stop disconnects and shuts the session down.
func (s *Session) Stop(ctx context.Context) error {
	return s.lifecycle.Stop(ctx)
}

// State returns the current connection state.
func (s *Session) State() connection.State {
	return s.lifecycle.State()
}

// Events returns the canonical event feed. Subscribers observe events of
// each stream in non-decreasing sequence order; prior sequence numbers are
// not resumed after a reconnect.
func (s *Session) Events() stream.Feed {
	return s.events
}

// Notifications registers a callback for lifecycle notifications. The
// returned close function unregisters it.
func (s *Session) Notifications(fn func(connection.Notification)) func() {
	return s.notifs.register(fn)
}

// HandleNotification implements connection.Handler. Disconnects and retries
// tear down normalizer state: sequence numbers are scoped to one continuous
// authenticated session.
func (s *Session) HandleNotification(ctx context.Context, n connection.Notification) {
	switch n.Type {
	case connection.NotifyDisconnected, connection.NotifyReconnecting, connection.NotifyFailed:
		s.normalizer = normalize.New(normalize.Options{Logger: s.logger, Metrics: s.metrics})
	}
	s.notifs.publish(n)
}

// HandleMessage implements connection.Handler: decode, normalize, publish.
// Undecodable frames are dropped like any other malformed upstream event.
func (s *Session) HandleMessage(ctx context.Context, raw []byte) {
	event, ok := s.decodeFrame(ctx, raw)
	if !ok {
		return
	}
	canonical := s.normalizer.Normalize(ctx, event)
	if canonical == nil {
		return
	}
	if err := s.events.Publish(ctx, *canonical); err != nil {
		s.logger.Error(ctx, "publish canonical event", "err", err, "event_id", canonical.EventID)
	}
	if s.forward != nil {
		if err := s.forward.Send(ctx, *canonical); err != nil {
			s.logger.Error(ctx, "forward canonical event", "err", err, "event_id", canonical.EventID)
		}
	}
}

func (s *Session) decodeFrame(ctx context.Context, raw []byte) (normalize.RawEvent, bool) {
	var frame rawFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		s.logger.Debug(ctx, "drop undecodable frame", "err", err)
		return normalize.RawEvent{}, false
	}
	var inner rawInner
	if len(frame.Event) > 0 {
		if err := json.Unmarshal(frame.Event, &inner); err != nil {
			s.logger.Debug(ctx, "drop frame with undecodable inner event", "err", err)
			return normalize.RawEvent{}, false
		}
	}
	workspaceID := frame.WorkspaceID
	if workspaceID == "" {
		workspaceID = frame.WorkspaceIDAlt
	}
	sessionID := frame.SessionID
	if sessionID == "" {
		sessionID = frame.SessionIDAlt
	}
	return normalize.RawEvent{
		WorkspaceID: workspaceID,
		SessionID:   sessionID,
		Harness:     s.harness,
		Provider:    s.provider,
		Type:        inner.Type,
		Properties:  inner.Properties,
	}, true
}
