// Command chattail connects to the chat broker, subscribes to one
// conversation, and prints every message it admits. It exercises the full
// public surface of the chat package end to end.
//
// Configuration comes from the environment (see chat.Config); a .env file in
// the working directory is honored. The bearer token is read from CHAT_TOKEN.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/deliveryhub/chat-client-go/chat"
	"github.com/joho/godotenv"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	conversation := flag.Int64("conversation", 0, "conversation id to tail")
	senderID := flag.Int64("sender", 0, "sender id stamped on outbound messages")
	senderName := flag.String("name", "chattail", "sender display name")
	flag.Parse()

	_ = godotenv.Load()

	cfg, err := chat.LoadConfig()
	if err != nil {
		return err
	}

	token := os.Getenv("CHAT_TOKEN")
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	session := chat.NewSession(cfg, chat.NewStaticTokenSource(token)).
		SetLogger(logger).
		SetSender(*senderID, *senderName, "CUSTOMER").
		SetStateHandler(func(state chat.ConnectionState) {
			logger.Info("connection state", slog.String("state", state.String()))
		}).
		SetMessageHandler(func(message *chat.ChatMessage) {
			fmt.Printf("[%s] %s: %s\n",
				message.Timestamp.Format("15:04:05"), message.SenderName, message.Content)
		}).
		SetStatusHandler(func(message *chat.ChatMessage) {
			if message.HasID() {
				logger.Info("status update",
					slog.Int64("id", *message.ID),
					slog.Bool("read", message.IsRead),
					slog.Bool("delivered", message.IsDelivered))
			}
		}).
		SetNotificationHandler(func(notification *chat.Notification) {
			logger.Info("notification",
				slog.String("type", string(notification.Type)),
				slog.Int64("conversation", notification.ConversationID))
		})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := session.Start(ctx); err != nil {
		return err
	}
	defer func() { _ = session.Stop() }()

	if *conversation != 0 {
		if err := session.SetActiveConversation(*conversation); err != nil {
			logger.Warn("subscribing to conversation", slog.String("error", err.Error()))
		}
	}

	// Lines typed on stdin are sent as chat messages.
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" {
				continue
			}
			if !session.SendMessage(line, chat.MessageTypeChat, "", "") {
				logger.Warn("message not sent, check connection")
			}
		}
	}()

	<-ctx.Done()
	return nil
}
