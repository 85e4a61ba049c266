// Command fakebroker runs a minimal STOMP-over-WebSocket chat broker for
// local development and integration testing. It assigns message ids,
// broadcasts to conversation topics, fans notifications out to per-user
// queues, and can replay history on subscribe to simulate at-least-once
// redelivery.
package main

import (
	"flag"
	"log/slog"
	"net/http"
	"os"
)

func main() {
	addr := flag.String("addr", ":8080", "listen address")
	replay := flag.Bool("replay", false, "redeliver conversation history on every subscribe")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	broker := NewBroker(logger)
	broker.ReplayOnSubscribe = *replay

	mux := http.NewServeMux()
	mux.Handle("/ws", broker)

	logger.Info("fakebroker listening", slog.String("addr", *addr), slog.Bool("replay", *replay))
	if err := http.ListenAndServe(*addr, mux); err != nil {
		logger.Error("serve failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
}
