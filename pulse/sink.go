package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/codes"

	"goa.design/agentwire/stream"
	"goa.design/agentwire/telemetry"
)

type (
	// SinkOptions configures the Pulse-backed stream sink.
	SinkOptions struct {
		// Client is the Pulse client used to publish events. Required.
		Client Client
		// StreamName derives the target Pulse stream from an event. Defaults
		// to `session/<SessionID>` so all streams of one agent session land
		// in one Pulse stream and consumers demultiplex on StreamID.
		StreamName func(stream.Event) (string, error)
		// Validate, when true, checks each marshaled envelope against the
		// canonical schema before publishing. Useful in staging to catch
		// marshaling drift before foreign consumers do.
		Validate bool
		// Metrics times publishes. Defaults to a no-op.
		Metrics telemetry.Metrics
		// Tracer traces publishes. Defaults to a no-op.
		Tracer telemetry.Tracer
	}

	// StreamSink publishes canonical events into Pulse streams. It implements
	// stream.Sink and is thread-safe for concurrent Send operations.
	StreamSink struct {
		client     Client
		streamName func(stream.Event) (string, error)
		validate   bool
		metrics    telemetry.Metrics
		tracer     telemetry.Tracer
	}
)

// NewSink constructs a Pulse-backed stream sink.
func NewSink(opts SinkOptions) (*StreamSink, error) {
	if opts.Client == nil {
		return nil, errors.New("pulse client is required")
	}
	if opts.StreamName == nil {
		opts.StreamName = defaultStreamName
	}
	if opts.Metrics == nil {
		opts.Metrics = telemetry.NewNoopMetrics()
	}
	if opts.Tracer == nil {
		opts.Tracer = telemetry.NewNoopTracer()
	}
	return &StreamSink{
		client:     opts.Client,
		streamName: opts.StreamName,
		validate:   opts.Validate,
		metrics:    opts.Metrics,
		tracer:     opts.Tracer,
	}, nil
}

// Send publishes the canonical envelope, unmodified, to the derived Pulse
// stream. The envelope already carries everything a foreign consumer needs
// (schema version, stream id, sequence number), so no extra wrapping is
// applied.
func (s *StreamSink) Send(ctx context.Context, event stream.Event) (err error) {
	ctx, span := s.tracer.Start(ctx, "pulse.publish")
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "publish failed")
		}
		span.End()
	}()
	name, err := s.streamName(event)
	if err != nil {
		return err
	}
	handle, err := s.client.Stream(name)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event envelope: %w", err)
	}
	if s.validate {
		if err := stream.ValidateEnvelope(payload); err != nil {
			return fmt.Errorf("envelope failed schema validation: %w", err)
		}
	}
	start := time.Now()
	if _, err := handle.Add(ctx, string(event.Type), payload); err != nil {
		return err
	}
	s.metrics.RecordTimer(telemetry.MetricPublishDuration, time.Since(start), "type", string(event.Type))
	return nil
}

// Close delegates to the underlying Pulse client.
func (s *StreamSink) Close(ctx context.Context) error {
	return s.client.Close(ctx)
}

// defaultStreamName derives the Pulse stream from the event's session.
func defaultStreamName(event stream.Event) (string, error) {
	if event.SessionID == "" {
		return "", errors.New("stream event missing session id")
	}
	return fmt.Sprintf("session/%s", event.SessionID), nil
}
