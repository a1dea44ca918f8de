package stream

import (
	"context"
	"errors"

	"golang.org/x/time/rate"
)

// RateLimitedSink wraps a Sink with a token-bucket limiter so bursty harness
// output (large tool results split into many deltas) does not overwhelm slow
// transports. Send blocks until capacity is available or the context expires.
//
// The limiter sits at the transport boundary: construct one instance per sink
// and share it across the goroutines publishing to that sink.
type RateLimitedSink struct {
	next    Sink
	limiter *rate.Limiter
}

// NewRateLimitedSink wraps next with the given limiter. Both are required.
func NewRateLimitedSink(next Sink, limiter *rate.Limiter) (*RateLimitedSink, error) {
	if next == nil {
		return nil, errors.New("sink is required")
	}
	if limiter == nil {
		return nil, errors.New("limiter is required")
	}
	return &RateLimitedSink{next: next, limiter: limiter}, nil
}

// Send waits for limiter capacity then delegates to the wrapped sink.
func (s *RateLimitedSink) Send(ctx context.Context, event Event) error {
	if err := s.limiter.Wait(ctx); err != nil {
		return err
	}
	return s.next.Send(ctx, event)
}

// Close delegates to the wrapped sink.
func (s *RateLimitedSink) Close(ctx context.Context) error {
	return s.next.Close(ctx)
}
