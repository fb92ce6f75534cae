package events

import (
	"time"

	"zalachat/sync/internal/models"
)

// Type represents the wire-level event names shared by the relay and its
// clients.
type Type string

const (
	// Outbound user actions
	TypeSendMessage         Type = "sendMessage"
	TypeRecallMessage       Type = "recallMessage"
	TypeDeleteMessage       Type = "deleteMessage"
	TypeForwardMessage      Type = "forwardMessage"
	TypeSendGroupMessage    Type = "sendGroupMessage"
	TypeRecallGroupMessage  Type = "recallGroupMessage"
	TypeDeleteGroupMessage  Type = "deleteGroupMessage"
	TypeForwardGroupMessage Type = "forwardGroupMessage"

	// Room membership
	TypeJoinConversation  Type = "joinConversation"
	TypeJoinGroup         Type = "joinGroup"
	TypeLeaveConversation Type = "leaveConversation"
	TypeLeaveGroup        Type = "leaveGroup"

	// Server broadcasts
	TypeReceiveMessage       Type = "receiveMessage"
	TypeMessageRecalled      Type = "messageRecalled"
	TypeMessageDeleted       Type = "messageDeleted"
	TypeReceiveGroupMessage  Type = "receiveGroupMessage"
	TypeGroupMessageRecalled Type = "groupMessageRecalled"
	TypeGroupMessageDeleted  Type = "groupMessageDeleted"
	TypeGroupCreated         Type = "groupCreated"
	TypeGroupUpdated         Type = "groupUpdated"
	TypeGroupDissolved       Type = "groupDissolved"

	// Error events
	TypeError Type = "error"
)

// MessagePayload is the wire shape of a chat message. Direct messages carry
// conversationId and receiverId; group messages carry groupId.
type MessagePayload struct {
	Nonce          string    `json:"nonce,omitempty"`
	ID             string    `json:"id,omitempty"`
	ConversationID string    `json:"conversationId,omitempty"`
	GroupID        string    `json:"groupId,omitempty"`
	SenderID       string    `json:"senderId"`
	ReceiverID     string    `json:"receiverId,omitempty"`
	Content        string    `json:"content"`
	Type           string    `json:"type"`
	Status         string    `json:"status,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
	ForwardedFrom  string    `json:"forwardedFrom,omitempty"`
}

// PatchPayload targets a single message by conversation and timestamp, the
// addressing scheme recall and delete use on the wire.
type PatchPayload struct {
	ConversationID string    `json:"conversationId,omitempty"`
	GroupID        string    `json:"groupId,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}

// ForwardPayload asks the relay to materialize a copy of a message in
// another conversation. The relay assigns the fresh timestamp.
type ForwardPayload struct {
	Nonce             string `json:"nonce,omitempty"`
	ConversationID    string `json:"conversationId,omitempty"`
	NewConversationID string `json:"newConversationId,omitempty"`
	GroupID           string `json:"groupId,omitempty"`
	NewGroupID        string `json:"newGroupId,omitempty"`
	Content           string `json:"content"`
	Type              string `json:"type"`
	ForwardedFrom     string `json:"forwardedFrom"`
}

// MembershipPayload carries exactly one of the three groupUpdated variants:
// a member added, a member removed, or a role change.
type MembershipPayload struct {
	GroupID       string `json:"groupId"`
	NewMember     string `json:"newMember,omitempty"`
	RemovedMember string `json:"removedMember,omitempty"`
	UpdatedMember string `json:"updatedMember,omitempty"`
	Role          string `json:"role,omitempty"`
}

// DissolvedPayload announces a group's destruction.
type DissolvedPayload struct {
	GroupID string `json:"groupId"`
}

// JoinPayload subscribes the connection to a conversation or group room.
type JoinPayload struct {
	ConversationID string `json:"conversationId,omitempty"`
	GroupID        string `json:"groupId,omitempty"`
}

// ErrorPayload reports a wire-level failure back to the client.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ToMessage converts a wire payload into the canonical message shape.
func (p *MessagePayload) ToMessage() models.Message {
	m := models.Message{
		Nonce:         p.Nonce,
		ID:            p.ID,
		SenderID:      p.SenderID,
		Content:       p.Content,
		Type:          p.Type,
		Status:        p.Status,
		Timestamp:     p.Timestamp,
		ForwardedFrom: p.ForwardedFrom,
	}
	if m.Type == "" {
		m.Type = models.TypeText
	}
	if m.Status == "" {
		m.Status = models.StatusSent
	}
	if p.GroupID != "" {
		gid := p.GroupID
		m.ConversationKey = gid
		m.GroupID = &gid
	} else {
		m.ConversationKey = p.ConversationID
		if p.ReceiverID != "" {
			rid := p.ReceiverID
			m.ReceiverID = &rid
		}
	}
	return m
}

// FromMessage converts a canonical message into its wire payload.
func FromMessage(m models.Message) MessagePayload {
	p := MessagePayload{
		Nonce:         m.Nonce,
		ID:            m.ID,
		SenderID:      m.SenderID,
		Content:       m.Content,
		Type:          m.Type,
		Timestamp:     m.Timestamp,
		ForwardedFrom: m.ForwardedFrom,
	}
	if m.GroupID != nil {
		p.GroupID = *m.GroupID
	} else {
		p.ConversationID = m.ConversationKey
		if m.ReceiverID != nil {
			p.ReceiverID = *m.ReceiverID
		}
	}
	return p
}
