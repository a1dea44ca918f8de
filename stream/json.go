package stream

import (
	"encoding/json"
	"fmt"
)

// eventAlias mirrors Event with a raw payload so UnmarshalJSON can defer
// payload decoding until the type discriminator is known.
type eventAlias struct {
	SchemaVersion   int             `json:"schema_version"`
	EventID         string          `json:"event_id"`
	SessionID       string          `json:"session_id"`
	Harness         string          `json:"harness"`
	Provider        string          `json:"provider,omitempty"`
	StreamID        string          `json:"stream_id"`
	Seq             uint64          `json:"seq"`
	TimestampMs     int64           `json:"timestamp_ms"`
	Type            EventType       `json:"type"`
	Payload         json.RawMessage `json:"payload"`
	MessageID       string          `json:"message_id,omitempty"`
	ParentMessageID string          `json:"parent_message_id,omitempty"`
}

// UnmarshalJSON decodes the envelope and dispatches the payload by the type
// discriminator. Unknown types fail decoding so consumers on older schema
// versions do not silently misinterpret events.
func (e *Event) UnmarshalJSON(data []byte) error {
	var alias eventAlias
	if err := json.Unmarshal(data, &alias); err != nil {
		return fmt.Errorf("decode event envelope: %w", err)
	}
	payload, err := decodePayload(alias.Type, alias.Payload)
	if err != nil {
		return err
	}
	*e = Event{
		SchemaVersion:   alias.SchemaVersion,
		EventID:         alias.EventID,
		SessionID:       alias.SessionID,
		Harness:         alias.Harness,
		Provider:        alias.Provider,
		StreamID:        alias.StreamID,
		Seq:             alias.Seq,
		TimestampMs:     alias.TimestampMs,
		Type:            alias.Type,
		Payload:         payload,
		MessageID:       alias.MessageID,
		ParentMessageID: alias.ParentMessageID,
	}
	return nil
}

func decodePayload(t EventType, raw json.RawMessage) (Payload, error) {
	decode := func(v Payload) (Payload, error) {
		if len(raw) == 0 {
			return nil, fmt.Errorf("event type %q missing payload", t)
		}
		if err := json.Unmarshal(raw, v); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", t, err)
		}
		return v, nil
	}
	switch t {
	case EventTextDelta:
		p, err := decode(&TextDelta{})
		if err != nil {
			return nil, err
		}
		return *p.(*TextDelta), nil
	case EventThinkingDelta:
		p, err := decode(&ThinkingDelta{})
		if err != nil {
			return nil, err
		}
		return *p.(*ThinkingDelta), nil
	case EventToolCallDelta:
		p, err := decode(&ToolCallDelta{})
		if err != nil {
			return nil, err
		}
		return *p.(*ToolCallDelta), nil
	case EventToolCallCompleted:
		p, err := decode(&ToolCallCompleted{})
		if err != nil {
			return nil, err
		}
		return *p.(*ToolCallCompleted), nil
	case EventStatus:
		p, err := decode(&Status{})
		if err != nil {
			return nil, err
		}
		return *p.(*Status), nil
	case EventError:
		p, err := decode(&Error{})
		if err != nil {
			return nil, err
		}
		return *p.(*Error), nil
	default:
		return nil, fmt.Errorf("unknown event type %q", t)
	}
}
