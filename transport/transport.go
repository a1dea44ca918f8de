// Package transport defines the byte transport contract consumed by the
// connection lifecycle. Any bidirectional channel with request/response and
// push semantics satisfies it: the lifecycle only needs to dial a target,
// send frames, receive pushed frames, and learn about closure.
//
// Implementations surface failures exclusively through the OnClose and
// OnError callbacks; the lifecycle converts them into state machine events.
// The websocket implementation lives in the ws subpackage; tests use the
// scripted fake in transporttest.
package transport

import "context"

type (
	// Callbacks receives asynchronous transport signals. All callbacks are
	// invoked from the transport's delivery goroutine, one at a time, and must
	// not block for long: the connection lifecycle feeds them into its mailbox
	// and returns immediately.
	//
	// Nil callback fields are skipped.
	Callbacks struct {
		// OnOpen fires once when the connection is established and frames can
		// be sent.
		OnOpen func()
		// OnClose fires once when the connection closes, with the transport's
		// close code and reason. It fires for both orderly and failure
		// closes; after OnClose no further callbacks are invoked.
		OnClose func(code int, reason string)
		// OnError fires on transport errors that do not immediately close the
		// connection (write failures, protocol violations).
		OnError func(message string)
		// OnMessage fires for each pushed frame.
		OnMessage func(raw []byte)
	}

	// Conn is an established transport connection.
	Conn interface {
		// Send transmits one frame. It returns an error if the connection is
		// closed or the write fails; the failure also surfaces via OnError or
		// OnClose.
		Send(ctx context.Context, raw []byte) error

		// Close tears the connection down. Idempotent. OnClose fires with an
		// orderly close code.
		Close(ctx context.Context) error
	}

	// Dialer opens transport connections. The connection lifecycle holds at
	// most one open Conn per Dialer at a time.
	Dialer interface {
		// Dial connects to target and wires the callbacks. Dial may return
		// before the connection is established; OnOpen signals readiness and
		// OnClose/OnError signal dial failure. A non-nil error means no
		// connection attempt is in flight and no callbacks will fire.
		Dial(ctx context.Context, target string, cb Callbacks) (Conn, error)
	}
)
