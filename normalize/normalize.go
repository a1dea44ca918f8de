// Package normalize converts heterogeneous harness event payloads into the
// canonical stream.Event envelope. It owns the per-workspace stream
// registries: each logical stream (one per message, plus one per session for
// status/error) gets monotonically increasing sequence numbers, and terminal
// tool-call events are deduplicated so consumers see them at most once even
// when the harness re-sends the terminal payload.
//
// The normalizer performs no I/O and is a synchronous transform safe to call
// from the single-threaded loop that delivers transport pushes. State is
// instance-owned and scoped per connection: discard it (DiscardWorkspace)
// when the owning connection goes away — sequence numbers are not durable
// across reconnects.
package normalize

import (
	"context"
	"time"

	"github.com/google/uuid"

	"goa.design/agentwire/stream"
	"goa.design/agentwire/telemetry"
)

type (
	// Options configures a Normalizer. All fields are optional.
	Options struct {
		// Logger records dropped payloads at debug level. Defaults to a no-op.
		Logger telemetry.Logger
		// Metrics counts emitted events by type. Defaults to a no-op.
		Metrics telemetry.Metrics
		// Clock supplies emission timestamps. Defaults to time.Now. Tests
		// inject a fixed clock.
		Clock func() time.Time
		// NewID generates event IDs. Defaults to uuid.NewString.
		NewID func() string
	}

	// Normalizer is the per-connection event sequencer. Not safe for
	// concurrent use: call it from the single goroutine that delivers raw
	// events, the way the connection lifecycle does.
	Normalizer struct {
		workspaces map[string]*workspaceState
		logger     telemetry.Logger
		metrics    telemetry.Metrics
		clock      func() time.Time
		newID      func() string
	}

	// RawEvent is one harness event as delivered by the transport: an outer
	// envelope identifying the workspace/session plus the inner typed
	// payload.
	RawEvent struct {
		// WorkspaceID scopes the event to a workspace. Required; events
		// without it carry no usable correlation and are dropped.
		WorkspaceID string
		// SessionID identifies the agent session. Falls back to WorkspaceID
		// when the harness omits it.
		SessionID string
		// Harness names the upstream backend that produced the payload.
		Harness string
		// Provider optionally names the model provider behind the harness.
		Provider string
		// Type is the inner event type (for example "message.part.updated").
		Type string
		// Properties is the inner event payload as decoded JSON.
		Properties map[string]any
	}

	// workspaceState holds the stream registry for one workspace. Created
	// lazily on first event, discarded wholesale on teardown.
	workspaceState struct {
		streams        map[string]*streamState
		completedTools map[string]struct{}
	}

	// streamState allocates sequence numbers for one logical stream.
	streamState struct {
		id  string
		seq uint64
	}
)

// Inner event types recognized by the normalizer. Anything else is dropped.
const (
	typePartUpdated   = "message.part.updated"
	typeSessionStatus = "session.status"
	typeSessionError  = "session.error"
	typeSessionIdle   = "session.idle"
)

// New constructs a Normalizer.
func New(opts Options) *Normalizer {
	if opts.Logger == nil {
		opts.Logger = telemetry.NewNoopLogger()
	}
	if opts.Metrics == nil {
		opts.Metrics = telemetry.NewNoopMetrics()
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	return &Normalizer{
		workspaces: make(map[string]*workspaceState),
		logger:     opts.Logger,
		metrics:    opts.Metrics,
		clock:      opts.Clock,
		newID:      opts.NewID,
	}
}

// Normalize converts one raw harness event into its canonical form. It
// returns nil when the event carries no actionable signal: unrecognized
// type, missing workspace or correlation id, unmapped status value, or a
// duplicate terminal tool event. The nil path never mutates state and never
// returns an error — upstream schema drift must not take down the stream.
func (n *Normalizer) Normalize(ctx context.Context, raw RawEvent) *stream.Event {
	if raw.WorkspaceID == "" {
		n.logger.Debug(ctx, "drop event without workspace id", "type", raw.Type)
		return nil
	}
	var event *stream.Event
	switch raw.Type {
	case typePartUpdated:
		event = n.normalizePart(ctx, raw)
	case typeSessionStatus:
		event = n.normalizeStatus(ctx, raw)
	case typeSessionError:
		event = n.newSessionEvent(raw, stream.EventError, stream.Error{
			Code:        "recoverable",
			Message:     n.errorMessage(raw),
			Recoverable: true,
		})
	case typeSessionIdle:
		event = n.newSessionEvent(raw, stream.EventStatus, stream.Status{State: stream.SessionIdle})
	default:
		n.logger.Debug(ctx, "drop unrecognized event", "type", raw.Type)
		return nil
	}
	if event != nil {
		n.metrics.IncCounter(telemetry.MetricEventsNormalized, 1, "type", string(event.Type))
	}
	return event
}

// DiscardWorkspace drops all stream state owned by the workspace. Sequence
// numbers restart from zero if the workspace reappears; terminal tool dedup
// state is gone with it, matching the one-continuous-session guarantee.
func (n *Normalizer) DiscardWorkspace(workspaceID string) {
	delete(n.workspaces, workspaceID)
}

// normalizePart dispatches message part updates by part type.
func (n *Normalizer) normalizePart(ctx context.Context, raw RawEvent) *stream.Event {
	part, ok := mapField(raw.Properties, "part")
	if !ok {
		n.logger.Debug(ctx, "drop part event without part object")
		return nil
	}
	messageID, ok := stringField(raw.Properties, "messageId", "message_id", "messageID")
	if !ok || messageID == "" {
		messageID, ok = stringField(part, "messageId", "message_id", "messageID")
	}
	if !ok || messageID == "" {
		n.logger.Debug(ctx, "drop part event without message id")
		return nil
	}
	partType, _ := stringField(part, "type")
	switch partType {
	case "text":
		return n.newMessageEvent(raw, messageID, stream.EventTextDelta,
			stream.TextDelta{Text: deltaText(part)})
	case "reasoning":
		return n.newMessageEvent(raw, messageID, stream.EventThinkingDelta,
			stream.ThinkingDelta{Text: deltaText(part)})
	case "tool":
		return n.normalizeTool(ctx, raw, messageID, part)
	default:
		n.logger.Debug(ctx, "drop part event with unrecognized part type", "part_type", partType)
		return nil
	}
}

// normalizeTool emits either an in-flight tool delta or the deduplicated
// terminal completion event.
func (n *Normalizer) normalizeTool(ctx context.Context, raw RawEvent, messageID string, part map[string]any) *stream.Event {
	callID, ok := stringField(part, "callId", "call_id", "toolCallId", "tool_call_id", "id")
	if !ok || callID == "" {
		n.logger.Debug(ctx, "drop tool part without call id", "message_id", messageID)
		return nil
	}
	toolName, _ := stringField(part, "tool", "toolName", "tool_name", "name")

	output, hasOutput := anyField(part, "output", "result")
	_, hasEnd := anyField(part, "endTime", "end_time", "endedAt", "ended_at", "completedAt", "completed_at")
	errValue, hasErr := anyField(part, "error", "errorMessage", "error_message")

	if !hasOutput && !hasEnd && !hasErr {
		args, _ := stringField(part, "argsDelta", "args_delta", "inputDelta", "input_delta", "arguments", "args", "input")
		return n.newMessageEvent(raw, messageID, stream.EventToolCallDelta, stream.ToolCallDelta{
			CallID:    callID,
			ToolName:  toolName,
			ArgsDelta: args,
		})
	}

	ws := n.workspace(raw.WorkspaceID)
	if _, done := ws.completedTools[callID]; done {
		// Terminal events are at-most-once per call id.
		n.logger.Debug(ctx, "drop duplicate terminal tool event", "call_id", callID)
		return nil
	}
	ws.completedTools[callID] = struct{}{}

	payload := stream.ToolCallCompleted{
		CallID:   callID,
		ToolName: toolName,
		Status:   stream.ToolCompleted,
		Output:   stringify(output),
	}
	if hasErr {
		payload.Status = stream.ToolFailed
		payload.ErrorMessage = stringify(errValue)
	}
	return n.newMessageEvent(raw, messageID, stream.EventToolCallCompleted, payload)
}

// normalizeStatus maps the harness status vocabulary onto the canonical one.
// Unmapped values are dropped rather than guessed.
func (n *Normalizer) normalizeStatus(ctx context.Context, raw RawEvent) *stream.Event {
	status, _ := stringField(raw.Properties, "status", "state")
	switch status {
	case "busy":
		return n.newSessionEvent(raw, stream.EventStatus, stream.Status{State: stream.SessionProcessing})
	case "idle":
		return n.newSessionEvent(raw, stream.EventStatus, stream.Status{State: stream.SessionIdle})
	default:
		n.logger.Debug(ctx, "drop unmapped session status", "status", status)
		return nil
	}
}

// newMessageEvent stamps the next sequence number on the message's stream
// and wraps the payload in the canonical envelope.
func (n *Normalizer) newMessageEvent(raw RawEvent, messageID string, t stream.EventType, payload stream.Payload) *stream.Event {
	ws := n.workspace(raw.WorkspaceID)
	st, ok := ws.streams[messageID]
	if !ok {
		st = &streamState{id: "message/" + messageID}
		ws.streams[messageID] = st
	}
	seq := st.seq
	st.seq++

	parentID, _ := stringField(raw.Properties, "parentMessageId", "parent_message_id", "parentID")
	event := n.newEnvelope(raw, t, payload)
	event.StreamID = st.id
	event.Seq = seq
	event.MessageID = messageID
	event.ParentMessageID = parentID
	return event
}

// newSessionEvent wraps the payload on the session-scoped status/error
// stream. These events are last-write-wins: Seq stays fixed at zero and
// consumers keep only the most recent value.
func (n *Normalizer) newSessionEvent(raw RawEvent, t stream.EventType, payload stream.Payload) *stream.Event {
	event := n.newEnvelope(raw, t, payload)
	event.StreamID = "session/" + n.sessionID(raw)
	event.Seq = 0
	return event
}

func (n *Normalizer) newEnvelope(raw RawEvent, t stream.EventType, payload stream.Payload) *stream.Event {
	return &stream.Event{
		SchemaVersion: stream.SchemaVersion,
		EventID:       n.newID(),
		SessionID:     n.sessionID(raw),
		Harness:       raw.Harness,
		Provider:      raw.Provider,
		TimestampMs:   n.clock().UnixMilli(),
		Type:          t,
		Payload:       payload,
	}
}

func (n *Normalizer) sessionID(raw RawEvent) string {
	if raw.SessionID != "" {
		return raw.SessionID
	}
	return raw.WorkspaceID
}

func (n *Normalizer) errorMessage(raw RawEvent) string {
	msg, _ := stringField(raw.Properties, "message", "error", "errorMessage", "error_message")
	return msg
}

func (n *Normalizer) workspace(id string) *workspaceState {
	ws, ok := n.workspaces[id]
	if !ok {
		ws = &workspaceState{
			streams:        make(map[string]*streamState),
			completedTools: make(map[string]struct{}),
		}
		n.workspaces[id] = ws
	}
	return ws
}

// deltaText prefers the incremental text field and falls back to the
// harness's full-text field, accepting both key spellings of each.
func deltaText(part map[string]any) string {
	if delta, ok := stringField(part, "delta", "textDelta", "text_delta"); ok {
		return delta
	}
	text, _ := stringField(part, "text", "content")
	return text
}
