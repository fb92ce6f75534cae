package relay

import (
	"context"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/rs/zerolog"

	"zalachat/sync/internal/events"
)

const (
	readWait  = 60 * time.Second
	writeWait = 10 * time.Second
	pingEvery = 54 * time.Second
)

// Client represents one authenticated websocket connection.
type Client struct {
	UserID   string
	Username string
	Conn     *websocket.Conn
	Hub      *Hub
	Send     chan []byte

	log zerolog.Logger
}

// NewClient wraps an upgraded connection.
func NewClient(userID, username string, conn *websocket.Conn, hub *Hub) *Client {
	return &Client{
		UserID:   userID,
		Username: username,
		Conn:     conn,
		Hub:      hub,
		Send:     make(chan []byte, 256),
		log:      hub.log.With().Str("user", userID).Logger(),
	}
}

// ReadPump consumes frames from the client until the connection closes.
func (c *Client) ReadPump() {
	defer func() {
		c.Hub.Unregister <- c
		c.Conn.Close()
	}()

	c.Conn.SetReadDeadline(time.Now().Add(readWait))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(readWait))
		return nil
	})

	for {
		_, data, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.log.Warn().Err(err).Msg("websocket error")
			}
			break
		}

		env, err := events.ParseEnvelope(data)
		if err != nil {
			c.log.Warn().Err(err).Msg("malformed frame")
			continue
		}
		c.handleIncoming(env)
	}
}

// WritePump flushes outgoing frames and keeps the connection alive.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingEvery)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.Conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.log.Warn().Err(err).Msg("write error")
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleIncoming routes one wire event to the hub.
func (c *Client) handleIncoming(env events.Envelope) {
	ctx := context.Background()

	var err error
	switch env.Type {
	case events.TypeJoinConversation, events.TypeJoinGroup:
		var p events.JoinPayload
		if err = env.Decode(&p); err == nil {
			c.Hub.Join(c, roomKey(p))
		}

	case events.TypeLeaveConversation, events.TypeLeaveGroup:
		var p events.JoinPayload
		if err = env.Decode(&p); err == nil {
			c.Hub.Leave(c, roomKey(p))
		}

	case events.TypeSendMessage, events.TypeSendGroupMessage:
		var p events.MessagePayload
		if err = env.Decode(&p); err == nil {
			err = c.Hub.HandleSend(ctx, c.UserID, p)
		}

	case events.TypeRecallMessage, events.TypeRecallGroupMessage:
		var p events.PatchPayload
		if err = env.Decode(&p); err == nil {
			err = c.Hub.HandleRecall(ctx, p)
		}

	case events.TypeDeleteMessage, events.TypeDeleteGroupMessage:
		var p events.PatchPayload
		if err = env.Decode(&p); err == nil {
			err = c.Hub.HandleDelete(ctx, p)
		}

	case events.TypeForwardMessage, events.TypeForwardGroupMessage:
		var p events.ForwardPayload
		if err = env.Decode(&p); err == nil {
			err = c.Hub.HandleForward(ctx, c.UserID, p)
		}

	case events.TypeGroupUpdated:
		var p events.MembershipPayload
		if err = env.Decode(&p); err == nil {
			err = c.Hub.HandleMembership(ctx, p)
		}

	case events.TypeGroupDissolved:
		var p events.DissolvedPayload
		if err = env.Decode(&p); err == nil {
			err = c.Hub.HandleDissolved(ctx, p)
		}

	default:
		c.log.Debug().Str("type", string(env.Type)).Msg("unhandled event type")
		return
	}

	if err != nil {
		c.log.Warn().Err(err).Str("type", string(env.Type)).Msg("event rejected")
		c.sendError(string(env.Type), err)
	}
}

func (c *Client) sendError(code string, cause error) {
	env, err := events.NewEnvelope(events.TypeError, events.ErrorPayload{Code: code, Message: cause.Error()})
	if err != nil {
		return
	}
	data, err := env.Encode()
	if err != nil {
		return
	}
	select {
	case c.Send <- data:
	default:
	}
}

func roomKey(p events.JoinPayload) string {
	if p.GroupID != "" {
		return p.GroupID
	}
	return p.ConversationID
}
