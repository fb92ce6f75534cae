package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"zalachat/sync/internal/chatapi"
	"zalachat/sync/internal/directory"
	"zalachat/sync/internal/events"
	"zalachat/sync/internal/models"
	"zalachat/sync/internal/reconcile"
	"zalachat/sync/internal/socket"
)

// chatcli opens one conversation against a running relay and drives the
// full client stack: REST hydrate, push channel, optimistic sends.
func main() {
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()

	if err := godotenv.Load(); err != nil {
		log.Debug().Msg("no .env file found")
	}

	baseURL := getenv("RELAY_URL", "http://localhost:8080")
	token := os.Getenv("RELAY_TOKEN")
	userID := os.Getenv("RELAY_USER")
	conversationKey := os.Getenv("CONVERSATION")
	if token == "" || userID == "" || conversationKey == "" {
		log.Fatal().Msg("RELAY_TOKEN, RELAY_USER and CONVERSATION must be set")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	api := chatapi.New(baseURL, token)
	names := directory.NewCache(api, log)

	convs, err := api.Conversations(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to list conversations")
	}
	names.PrimeFromConversations(userID, convs)

	conv, ok := findConversation(convs, conversationKey)
	if !ok {
		log.Fatal().Str("conversation", conversationKey).Msg("conversation not found")
	}

	wsBase := strings.Replace(baseURL, "http", "ws", 1)
	conn, err := socket.Dial(ctx, wsBase, token, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect push channel")
	}
	defer conn.Close()

	if conv.Group {
		err = conn.JoinGroup(ctx, conv.Key)
	} else {
		err = conn.JoinConversation(ctx, conv.Key)
	}
	if err != nil {
		log.Fatal().Err(err).Msg("failed to join room")
	}

	engine := reconcile.New(reconcile.Config{
		Session:      reconcile.Session{Token: token, UserID: userID},
		Conversation: conv,
		Transport:    conn,
		History:      api,
		Resolver:     names,
		Logger:       log,
	})

	if err := engine.Hydrate(ctx); err != nil {
		log.Warn().Err(err).Msg("history fetch failed, starting empty")
	}
	render(engine.Snapshot(), userID)

	go func() {
		err := conn.Run(ctx, func(ev events.Event) {
			if aerr := engine.ApplyRemoteEvent(ctx, ev); aerr == nil {
				render(engine.Snapshot(), userID)
			}
		})
		if err != nil && ctx.Err() == nil {
			log.Error().Err(err).Msg("push channel closed")
		}
		cancel()
	}()

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		if text == "/quit" {
			break
		}
		if _, err := engine.ApplyLocalSend(ctx, reconcile.Draft{Content: text}); err != nil {
			log.Warn().Err(err).Msg("send failed")
		}
		render(engine.Snapshot(), userID)
	}

	engine.Close(context.Background())
}

func findConversation(convs []models.Conversation, key string) (models.Conversation, bool) {
	for _, c := range convs {
		if c.Key == key {
			return c, true
		}
	}
	return models.Conversation{}, false
}

func render(msgs []models.Message, selfID string) {
	fmt.Println("----")
	for _, m := range msgs {
		who := m.SenderID
		if m.SenderID == selfID {
			who = "you"
		}
		switch {
		case m.Type == models.TypeRecalled:
			fmt.Printf("[%s] %s: (message recalled)\n", m.Timestamp.Format("15:04"), who)
		case m.Status == models.StatusDeleted:
			fmt.Printf("[%s] %s: (message deleted)\n", m.Timestamp.Format("15:04"), who)
		default:
			suffix := ""
			if m.Status == models.StatusPending {
				suffix = " …"
			} else if m.Status == models.StatusFailed {
				suffix = " (failed)"
			}
			if m.ForwardedFrom != "" {
				name := m.ForwardedName
				if name == "" {
					name = m.ForwardedFrom
				}
				fmt.Printf("[%s] %s (forwarded from %s): %s%s\n", m.Timestamp.Format("15:04"), who, name, m.Content, suffix)
				continue
			}
			fmt.Printf("[%s] %s: %s%s\n", m.Timestamp.Format("15:04"), who, m.Content, suffix)
		}
	}
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
