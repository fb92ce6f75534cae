package relay

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"zalachat/sync/internal/events"
	"zalachat/sync/internal/models"
)

var errBadPayload = errors.New("invalid payload")

// HandleSend persists an inbound message and broadcasts it to the room.
// The sender identity comes from the authenticated connection, never the
// payload.
func (h *Hub) HandleSend(ctx context.Context, senderID string, p events.MessagePayload) error {
	msg := p.ToMessage()
	if msg.ConversationKey == "" || msg.Content == "" {
		return errBadPayload
	}
	if !models.ValidType(msg.Type) {
		return errBadPayload
	}
	msg.SenderID = senderID
	msg.Status = models.StatusSent
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}

	id, err := h.store.SaveMessage(ctx, msg)
	if err != nil {
		return err
	}
	msg.ID = id

	typ := events.TypeReceiveMessage
	if msg.GroupID != nil {
		typ = events.TypeReceiveGroupMessage
	}
	return h.broadcastMessage(typ, msg)
}

// HandleRecall applies the recall patch and fans it out. Zero matched rows
// is not an error: the event may address history a client has not pushed
// through this relay instance.
func (h *Hub) HandleRecall(ctx context.Context, p events.PatchPayload) error {
	key := patchKey(p)
	if key == "" {
		return errBadPayload
	}
	if _, err := h.store.MarkRecalled(ctx, key, p.Timestamp); err != nil {
		return err
	}

	typ := events.TypeMessageRecalled
	if p.GroupID != "" {
		typ = events.TypeGroupMessageRecalled
	}
	return h.broadcastPatch(typ, p)
}

// HandleDelete mirrors HandleRecall for the delete patch.
func (h *Hub) HandleDelete(ctx context.Context, p events.PatchPayload) error {
	key := patchKey(p)
	if key == "" {
		return errBadPayload
	}
	if _, err := h.store.MarkDeleted(ctx, key, p.Timestamp); err != nil {
		return err
	}

	typ := events.TypeMessageDeleted
	if p.GroupID != "" {
		typ = events.TypeGroupMessageDeleted
	}
	return h.broadcastPatch(typ, p)
}

// HandleForward materializes a copy of a message in the target
// conversation with a fresh server-assigned timestamp and broadcasts it
// there. The source conversation is untouched.
func (h *Hub) HandleForward(ctx context.Context, senderID string, p events.ForwardPayload) error {
	targetKey := p.NewConversationID
	group := false
	if p.NewGroupID != "" {
		targetKey = p.NewGroupID
		group = true
	}
	if targetKey == "" || p.Content == "" || p.ForwardedFrom == "" {
		return errBadPayload
	}
	if !models.ValidType(p.Type) {
		return errBadPayload
	}

	msg := models.Message{
		Nonce:           p.Nonce,
		ConversationKey: targetKey,
		SenderID:        senderID,
		Content:         p.Content,
		Type:            p.Type,
		Status:          models.StatusSent,
		Timestamp:       time.Now().UTC(),
		ForwardedFrom:   p.ForwardedFrom,
	}
	if msg.Nonce == "" {
		msg.Nonce = uuid.NewString()
	}
	typ := events.TypeReceiveMessage
	if group {
		gid := targetKey
		msg.GroupID = &gid
		typ = events.TypeReceiveGroupMessage
	}

	id, err := h.store.SaveMessage(ctx, msg)
	if err != nil {
		return err
	}
	msg.ID = id
	return h.broadcastMessage(typ, msg)
}

// HandleMembership persists a groupUpdated variant and fans it out.
func (h *Hub) HandleMembership(ctx context.Context, p events.MembershipPayload) error {
	if p.GroupID == "" {
		return errBadPayload
	}

	var err error
	switch {
	case p.NewMember != "":
		err = h.store.AddMember(ctx, p.GroupID, p.NewMember, models.RoleMember)
	case p.RemovedMember != "":
		err = h.store.RemoveMember(ctx, p.GroupID, p.RemovedMember)
	case p.UpdatedMember != "":
		err = h.store.SetRole(ctx, p.GroupID, p.UpdatedMember, p.Role)
	default:
		return errBadPayload
	}
	if err != nil {
		return err
	}

	env, err := events.NewEnvelope(events.TypeGroupUpdated, p)
	if err != nil {
		return err
	}
	h.Broadcast(p.GroupID, env)
	return nil
}

// HandleDissolved marks the group destroyed and notifies the room.
func (h *Hub) HandleDissolved(ctx context.Context, p events.DissolvedPayload) error {
	if p.GroupID == "" {
		return errBadPayload
	}
	if err := h.store.Dissolve(ctx, p.GroupID); err != nil {
		return err
	}

	env, err := events.NewEnvelope(events.TypeGroupDissolved, p)
	if err != nil {
		return err
	}
	h.Broadcast(p.GroupID, env)
	return nil
}

func (h *Hub) broadcastMessage(typ events.Type, msg models.Message) error {
	env, err := events.NewEnvelope(typ, events.FromMessage(msg))
	if err != nil {
		return err
	}
	h.Broadcast(msg.ConversationKey, env)
	return nil
}

func (h *Hub) broadcastPatch(typ events.Type, p events.PatchPayload) error {
	env, err := events.NewEnvelope(typ, p)
	if err != nil {
		return err
	}
	h.Broadcast(patchKey(p), env)
	return nil
}

func patchKey(p events.PatchPayload) string {
	if p.GroupID != "" {
		return p.GroupID
	}
	return p.ConversationID
}
