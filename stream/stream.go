// Package stream defines the canonical event envelope delivered to clients
// observing a remote agent session. Raw harness payloads differ in shape and
// field naming across providers; the normalize package reconciles them into
// the single versioned Event form defined here so consumers never see
// provider quirks.
//
// Events are immutable values. Within one logical stream (identified by
// StreamID) events carry strictly increasing sequence numbers assigned at
// normalization time; status and error events live on separate last-write-wins
// streams with Seq fixed at zero.
//
// All events can be sent through a Sink implementation. Implementations are
// responsible for marshaling events into their wire format (JSON over a
// message bus like Pulse, Server-Sent Events, WebSockets).
package stream

import (
	"context"
)

// SchemaVersion identifies the wire schema of the Event envelope. Bump only
// on incompatible envelope changes; consumers reject versions they do not
// understand.
const SchemaVersion = 1

type (
	// Sink delivers canonical events to clients over a transport (Pulse, SSE,
	// WebSocket). Implementations must be thread-safe: a session may publish
	// events for interleaved workspaces from the delivery loop while other
	// goroutines flush or close the sink.
	Sink interface {
		// Send publishes an event to the sink's underlying transport. The
		// implementation marshals the event into its wire format and handles
		// transport-specific delivery semantics (buffering, backpressure).
		//
		// Send returns an error if delivery fails (connection closed,
		// serialization error, transport unavailable). Callers treat Send
		// errors as fatal for the owning subscription so streaming failures
		// surface immediately rather than silently dropping events.
		Send(ctx context.Context, event Event) error

		// Close releases resources owned by the sink. Close is idempotent;
		// after Close returns, subsequent Send calls must return errors. The
		// context bounds graceful shutdown: implementations abort and may
		// drop unflushed events once it expires.
		Close(ctx context.Context) error
	}

	// Event is the canonical, versioned envelope for one normalized agent
	// session event. It is the only event shape consumers observe regardless
	// of which harness produced the underlying payload.
	Event struct {
		// SchemaVersion is the envelope schema version (SchemaVersion const).
		SchemaVersion int `json:"schema_version"`
		// EventID is a globally unique identifier generated at emission time.
		EventID string `json:"event_id"`
		// SessionID identifies the agent session that produced the event.
		SessionID string `json:"session_id"`
		// Harness names the upstream agent backend that produced the raw
		// payload (for example "claude-code", "codex").
		Harness string `json:"harness"`
		// Provider optionally names the model provider behind the harness.
		Provider string `json:"provider,omitempty"`
		// StreamID identifies the logical stream this event belongs to.
		// Message-part events stream per owning message; status and error
		// events stream per session.
		StreamID string `json:"stream_id"`
		// Seq is this event's position within its stream. Strictly increasing
		// per stream for message-part events; fixed at zero for status and
		// error events, which are last-write-wins.
		Seq uint64 `json:"seq"`
		// TimestampMs is the wall-clock emission time in Unix milliseconds.
		TimestampMs int64 `json:"timestamp_ms"`
		// Type discriminates the Payload variant.
		Type EventType `json:"type"`
		// Payload carries the type-specific data. Exactly one of the payload
		// fields below is non-nil, matching Type.
		Payload Payload `json:"payload"`
		// MessageID identifies the owning message for message-part events.
		MessageID string `json:"message_id,omitempty"`
		// ParentMessageID identifies the parent message when the harness
		// reports one (agent-spawned sub-messages).
		ParentMessageID string `json:"parent_message_id,omitempty"`
	}

	// Payload is the variant carried by an Event. Concrete payload types below
	// implement it; consumers type-switch on the concrete type or dispatch on
	// Event.Type.
	Payload interface {
		payload()
	}

	// TextDelta carries an incremental fragment of assistant message text.
	// Consumers concatenate fragments in Seq order to reconstruct the message.
	TextDelta struct {
		// Text is the incremental text fragment.
		Text string `json:"text"`
	}

	// ThinkingDelta carries an incremental fragment of model reasoning text.
	ThinkingDelta struct {
		// Text is the incremental reasoning fragment.
		Text string `json:"text"`
	}

	// ToolCallDelta streams progress for an in-flight tool call: the tool name
	// and an incremental fragment of the call's argument text.
	//
	// Fragments are not guaranteed to be valid JSON on their own; the terminal
	// ToolCallCompleted event carries the canonical outcome.
	ToolCallDelta struct {
		// CallID identifies the tool call being streamed.
		CallID string `json:"call_id"`
		// ToolName is the harness-reported tool identifier.
		ToolName string `json:"tool_name"`
		// ArgsDelta is the raw argument text fragment.
		ArgsDelta string `json:"args_delta,omitempty"`
	}

	// ToolCallCompleted is the terminal event for a tool call. It is delivered
	// at most once per CallID even when the harness re-sends the terminal
	// payload.
	ToolCallCompleted struct {
		// CallID identifies the completed tool call.
		CallID string `json:"call_id"`
		// ToolName is the harness-reported tool identifier.
		ToolName string `json:"tool_name"`
		// Status is ToolCompleted on success, ToolFailed when the harness
		// reported an error.
		Status ToolStatus `json:"status"`
		// Output is the tool's output text when the harness provided one.
		Output string `json:"output,omitempty"`
		// ErrorMessage carries the harness error when Status is ToolFailed.
		ErrorMessage string `json:"error_message,omitempty"`
	}

	// Status reports the session's coarse activity state. Status events are
	// last-write-wins: only the most recent value matters to consumers.
	Status struct {
		// State is the normalized session state.
		State SessionState `json:"state"`
	}

	// Error forwards an upstream-reported application error. Recoverable
	// errors leave the decision to retry the underlying operation to the
	// consumer; the stream itself stays up.
	Error struct {
		// Code is a stable error code ("recoverable" for harness-reported
		// session errors).
		Code string `json:"code"`
		// Message is the upstream error message.
		Message string `json:"message"`
		// Recoverable reports whether the consumer may retry the underlying
		// operation.
		Recoverable bool `json:"recoverable"`
	}
)

func (TextDelta) payload()         {}
func (ThinkingDelta) payload()     {}
func (ToolCallDelta) payload()     {}
func (ToolCallCompleted) payload() {}
func (Status) payload()            {}
func (Error) payload()             {}

// EventType enumerates canonical event payload flavors.
type EventType string

const (
	// EventTextDelta streams incremental assistant message text.
	EventTextDelta EventType = "text_delta"
	// EventThinkingDelta streams incremental model reasoning text.
	EventThinkingDelta EventType = "thinking_delta"
	// EventToolCallDelta streams in-flight tool call progress.
	EventToolCallDelta EventType = "tool_call_delta"
	// EventToolCallCompleted is the terminal event for a tool call, delivered
	// at most once per call id.
	EventToolCallCompleted EventType = "tool_call_completed"
	// EventStatus reports the session activity state (last-write-wins).
	EventStatus EventType = "status"
	// EventError forwards an upstream-reported application error.
	EventError EventType = "error"
)

// ToolStatus is the terminal outcome of a tool call.
type ToolStatus string

const (
	// ToolCompleted marks a tool call that produced a result.
	ToolCompleted ToolStatus = "completed"
	// ToolFailed marks a tool call whose harness reported an error.
	ToolFailed ToolStatus = "failed"
)

// SessionState is the normalized session activity vocabulary. Harness-specific
// status values outside this vocabulary are dropped by the normalizer.
type SessionState string

const (
	// SessionProcessing indicates the session is actively working ("busy"
	// upstream).
	SessionProcessing SessionState = "processing"
	// SessionIdle indicates the session is waiting for input.
	SessionIdle SessionState = "idle"
)
