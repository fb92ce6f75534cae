package models

import "time"

// Message type values. Recalled is terminal and replaces the original type.
const (
	TypeText     = "text"
	TypeImage    = "image"
	TypeFile     = "file"
	TypeRecalled = "recalled"
)

// Message status values. Pending messages are local-only until the server
// echo confirms them; deleted and failed are terminal.
const (
	StatusPending   = "pending"
	StatusSent      = "sent"
	StatusDelivered = "delivered"
	StatusDeleted   = "deleted"
	StatusFailed    = "failed"
)

// Message represents one entry in a conversation timeline.
type Message struct {
	Nonce           string    `json:"nonce,omitempty"` // client-generated idempotency key
	ID              string    `json:"id,omitempty"`    // server-assigned, empty until echoed
	ConversationKey string    `json:"conversationKey"`
	SenderID        string    `json:"senderId"`
	ReceiverID      *string   `json:"receiverId,omitempty"` // nil for group messages
	GroupID         *string   `json:"groupId,omitempty"`    // nil for direct messages
	Content         string    `json:"content"`
	Type            string    `json:"type"`
	Status          string    `json:"status"`
	Timestamp       time.Time `json:"timestamp"`
	ForwardedFrom   string    `json:"forwardedFrom,omitempty"`
	ForwardedName   string    `json:"forwardedName,omitempty"`
}

// DedupKey identifies a logical message when no nonce is available. An
// optimistic local entry and its server echo carry the same triple even
// though they never shared a server ID at creation time.
type DedupKey struct {
	Timestamp time.Time
	SenderID  string
	Content   string
}

// Dedup returns the fallback dedup key for the message.
func (m *Message) Dedup() DedupKey {
	return DedupKey{Timestamp: m.Timestamp.UTC(), SenderID: m.SenderID, Content: m.Content}
}

// Terminal reports whether the message can no longer change. Recalled is
// tracked on the type axis, deleted and failed on the status axis.
func (m *Message) Terminal() bool {
	return m.Type == TypeRecalled || m.Status == StatusDeleted || m.Status == StatusFailed
}

// ValidType reports whether t is a sendable message type.
func ValidType(t string) bool {
	return t == TypeText || t == TypeImage || t == TypeFile
}
