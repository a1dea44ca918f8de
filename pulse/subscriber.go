package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	streamopts "goa.design/pulse/streaming/options"

	"goa.design/agentwire/stream"
)

type (
	// EnvelopeDecoder converts raw payloads read from Pulse into canonical
	// events. Custom decoders can handle non-standard envelope formats.
	EnvelopeDecoder func([]byte) (stream.Event, error)

	// SubscriberOptions configures a Pulse-backed subscriber.
	SubscriberOptions struct {
		// Client is the Pulse client used to consume events. Required.
		Client Client
		// SinkName identifies the Pulse consumer group. Defaults to
		// "agentwire_subscriber".
		SinkName string
		// Buffer specifies the event channel capacity. Defaults to 64.
		Buffer int
		// Decoder deserializes event payloads. Defaults to the canonical
		// envelope decoder.
		Decoder EnvelopeDecoder
	}

	// Subscriber consumes Pulse streams and emits canonical events in
	// foreign processes (UIs, persistence workers) that did not produce
	// them.
	Subscriber struct {
		client Client
		buffer int
		name   string
		decode EnvelopeDecoder
	}
)

// NewSubscriber constructs a Pulse-backed subscriber.
func NewSubscriber(opts SubscriberOptions) (*Subscriber, error) {
	if opts.Client == nil {
		return nil, errors.New("pulse client is required")
	}
	if opts.SinkName == "" {
		opts.SinkName = "agentwire_subscriber"
	}
	if opts.Buffer <= 0 {
		opts.Buffer = 64
	}
	if opts.Decoder == nil {
		opts.Decoder = decodeEnvelope
	}
	return &Subscriber{
		client: opts.Client,
		buffer: opts.Buffer,
		name:   opts.SinkName,
		decode: opts.Decoder,
	}, nil
}

// Subscribe opens a Pulse consumer group on the given stream and returns
// channels for events and errors. The returned cancel function stops
// consumption, closes the sink, and closes both channels.
//
//	events, errs, cancel, err := sub.Subscribe(ctx, "session/s1")
//	defer cancel()
//	for evt := range events {
//	    render(evt)
//	}
func (s *Subscriber) Subscribe(
	ctx context.Context,
	streamName string,
	opts ...streamopts.Sink,
) (<-chan stream.Event, <-chan error, context.CancelFunc, error) {
	str, err := s.client.Stream(streamName)
	if err != nil {
		return nil, nil, nil, err
	}
	sink, err := str.NewSink(ctx, s.name, opts...)
	if err != nil {
		return nil, nil, nil, err
	}
	events := make(chan stream.Event, s.buffer)
	errs := make(chan error, 1)
	runCtx, cancel := context.WithCancel(ctx)
	go s.consume(runCtx, sink, events, errs)
	cancelFunc := func() {
		cancel()
		sink.Close(context.Background())
	}
	return events, errs, cancelFunc, nil
}

// consume reads from the Pulse sink, decodes envelopes, emits them, and acks
// each event after successful emission. Closes both channels when ctx is
// cancelled or the sink channel closes; emits one error and returns when
// decoding or acking fails.
func (s *Subscriber) consume(ctx context.Context, sink Sink, out chan<- stream.Event, errs chan<- error) {
	defer close(out)
	defer close(errs)
	ch := sink.Subscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			decoded, err := s.decode(evt.Payload)
			if err != nil {
				errs <- fmt.Errorf("pulse decode payload: %w", err)
				return
			}
			select {
			case out <- decoded:
			case <-ctx.Done():
				return
			}
			if ackErr := sink.Ack(ctx, evt); ackErr != nil {
				errs <- fmt.Errorf("pulse ack: %w", ackErr)
				return
			}
		}
	}
}

// decodeEnvelope deserializes the canonical envelope.
func decodeEnvelope(payload []byte) (stream.Event, error) {
	var event stream.Event
	if err := json.Unmarshal(payload, &event); err != nil {
		return stream.Event{}, err
	}
	return event, nil
}
