// Package socket owns the push-channel connection lifecycle: dialing with
// a credential, joining conversation rooms, and feeding normalized events
// to a handler. The reconciler never sees this package; it is driven by
// canonical events only.
package socket

import (
	"context"
	"errors"
	"fmt"
	"net/url"

	"github.com/coder/websocket"
	"github.com/rs/zerolog"

	"zalachat/sync/internal/events"
)

// Handler consumes normalized inbound events.
type Handler func(ev events.Event)

// Conn is one authenticated push-channel connection.
type Conn struct {
	ws  *websocket.Conn
	log zerolog.Logger
}

// Dial connects to the relay's websocket endpoint with a bearer token.
func Dial(ctx context.Context, baseURL, token string, log zerolog.Logger) (*Conn, error) {
	u := fmt.Sprintf("%s/api/v1/ws?token=%s", baseURL, url.QueryEscape(token))
	ws, _, err := websocket.Dial(ctx, u, nil)
	if err != nil {
		return nil, fmt.Errorf("dial push channel: %w", err)
	}
	// Room broadcasts can outpace a slow reader; the default 32KB frame
	// limit stays, only the total buffered amount grows.
	ws.SetReadLimit(1 << 20)
	return &Conn{ws: ws, log: log}, nil
}

// Emit sends a wire envelope. Satisfies the reconciler's Transport.
func (c *Conn) Emit(ctx context.Context, env events.Envelope) error {
	data, err := env.Encode()
	if err != nil {
		return err
	}
	return c.ws.Write(ctx, websocket.MessageText, data)
}

// JoinConversation subscribes this connection to a direct conversation
// room.
func (c *Conn) JoinConversation(ctx context.Context, key string) error {
	env, err := events.NewEnvelope(events.TypeJoinConversation, events.JoinPayload{ConversationID: key})
	if err != nil {
		return err
	}
	return c.Emit(ctx, env)
}

// JoinGroup subscribes this connection to a group room.
func (c *Conn) JoinGroup(ctx context.Context, key string) error {
	env, err := events.NewEnvelope(events.TypeJoinGroup, events.JoinPayload{GroupID: key})
	if err != nil {
		return err
	}
	return c.Emit(ctx, env)
}

// Run reads frames until the context is canceled or the connection drops,
// handing each normalized event to the handler. Unknown event types are
// skipped, not fatal.
func (c *Conn) Run(ctx context.Context, handler Handler) error {
	for {
		_, data, err := c.ws.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("push channel read: %w", err)
		}
		env, err := events.ParseEnvelope(data)
		if err != nil {
			c.log.Warn().Err(err).Msg("malformed frame dropped")
			continue
		}
		ev, err := events.Normalize(env)
		if err != nil {
			if errors.Is(err, events.ErrUnknownEvent) {
				c.log.Debug().Str("type", string(env.Type)).Msg("ignoring event")
			} else {
				c.log.Warn().Err(err).Msg("bad event payload dropped")
			}
			continue
		}
		handler(ev)
	}
}

// Close tears the connection down.
func (c *Conn) Close() error {
	return c.ws.Close(websocket.StatusNormalClosure, "leaving")
}
