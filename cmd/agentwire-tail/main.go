// Command agentwire-tail attaches to a remote agent session over WebSocket
// and prints the canonical event stream to stdout. With -redis it also fans
// the events out to a Pulse stream so other processes can consume them.
//
// Usage:
//
//	agentwire-tail -target wss://host/session -session s1 -token $TOKEN
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"goa.design/clue/log"

	"goa.design/agentwire/connection"
	"goa.design/agentwire/pulse"
	"goa.design/agentwire/session"
	"goa.design/agentwire/stream"
	"goa.design/agentwire/telemetry"
	"goa.design/agentwire/transport/ws"
)

func main() {
	var (
		targetF  = flag.String("target", "", "WebSocket URL of the agent session endpoint (required)")
		sessionF = flag.String("session", "", "Session ID to attach to (required)")
		tokenF   = flag.String("token", "", "Session token (required)")
		harnessF = flag.String("harness", "opencode", "Harness name stamped on emitted events")
		redisF   = flag.String("redis", "", "Redis address for Pulse fan-out (optional)")
		dbgF     = flag.Bool("debug", false, "Enable debug logs")
	)
	flag.Parse()
	if *targetF == "" || *sessionF == "" || *tokenF == "" {
		flag.Usage()
		os.Exit(2)
	}

	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))
	if *dbgF {
		ctx = log.Context(ctx, log.WithDebug())
		log.Debugf(ctx, "debug logs enabled")
	}

	var forward stream.Sink
	if *redisF != "" {
		client, err := pulse.New(pulse.Options{
			Redis: goredis.NewClient(&goredis.Options{Addr: *redisF}),
		})
		if err != nil {
			log.Fatal(ctx, err, log.KV{K: "msg", V: "create pulse client"})
		}
		forward, err = pulse.NewSink(pulse.SinkOptions{
			Client:  client,
			Metrics: telemetry.NewClueMetrics(),
			Tracer:  telemetry.NewClueTracer(),
		})
		if err != nil {
			log.Fatal(ctx, err, log.KV{K: "msg", V: "create pulse sink"})
		}
	}

	sess, err := session.New(session.Options{
		Dialer:      ws.NewDialer(ws.Options{}),
		Target:      *targetF,
		Harness:     *harnessF,
		ForwardSink: forward,
		Logger:      telemetry.NewClueLogger(),
		Metrics:     telemetry.NewClueMetrics(),
		Tracer:      telemetry.NewClueTracer(),
	})
	if err != nil {
		log.Fatal(ctx, err, log.KV{K: "msg", V: "create session"})
	}

	if _, err := sess.Events().Register(stream.SubscriberFunc(printEvent)); err != nil {
		log.Fatal(ctx, err, log.KV{K: "msg", V: "register subscriber"})
	}
	unregister := sess.Notifications(func(n connection.Notification) {
		log.Print(ctx, log.KV{K: "notification", V: string(n.Type)},
			log.KV{K: "reason", V: n.Reason}, log.KV{K: "retries", V: n.Retries})
	})
	defer unregister()

	sess.Start(ctx)
	sess.Connect(*sessionF, *tokenF)
	log.Print(ctx, log.KV{K: "msg", V: "attached"},
		log.KV{K: "target", V: *targetF}, log.KV{K: "session", V: *sessionF})

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	<-sigs

	stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := sess.Stop(stopCtx); err != nil {
		log.Errorf(ctx, err, "stop session")
	}
}

func printEvent(_ context.Context, event stream.Event) error {
	switch payload := event.Payload.(type) {
	case stream.TextDelta:
		fmt.Print(payload.Text)
	case stream.ThinkingDelta:
		fmt.Printf("\x1b[2m%s\x1b[0m", payload.Text)
	case stream.ToolCallDelta:
		if payload.ArgsDelta != "" {
			fmt.Print(payload.ArgsDelta)
		} else {
			fmt.Printf("\n[tool %s %s]\n", payload.ToolName, payload.CallID)
		}
	case stream.ToolCallCompleted:
		fmt.Printf("\n[tool %s %s: %s]\n", payload.ToolName, payload.CallID, payload.Status)
		if payload.ErrorMessage != "" {
			fmt.Printf("  error: %s\n", payload.ErrorMessage)
		}
	case stream.Status:
		fmt.Printf("\n[session %s]\n", payload.State)
	case stream.Error:
		fmt.Printf("\n[error %s: %s]\n", payload.Code, payload.Message)
	}
	return nil
}
