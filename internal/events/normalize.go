package events

import (
	"errors"
	"fmt"
	"time"

	"zalachat/sync/internal/models"
)

// Kind is the closed set of canonical inbound events the reconciler
// consumes. Every server broadcast collapses into one of these.
type Kind string

const (
	KindMessage    Kind = "message"
	KindRecall     Kind = "recall"
	KindDelete     Kind = "delete"
	KindMembership Kind = "membership"
	KindDissolved  Kind = "dissolved"
)

// ErrUnknownEvent marks wire types the client does not consume.
var ErrUnknownEvent = errors.New("unknown event type")

// MembershipChange is the normalized groupUpdated variant. Exactly one of
// Added, Removed, or Updated is set; Role accompanies Updated.
type MembershipChange struct {
	Added   string
	Removed string
	Updated string
	Role    string
}

// Event is the canonical inbound shape handed to the reconciler.
type Event struct {
	Kind            Kind
	ConversationKey string
	Message         *models.Message   // KindMessage
	Timestamp       time.Time         // KindRecall, KindDelete patch target
	Membership      *MembershipChange // KindMembership
}

// Normalize collapses a wire envelope into a canonical event. Direct and
// group variants of the same action map to the same kind; only the
// conversation key differs.
func Normalize(env Envelope) (Event, error) {
	switch env.Type {
	case TypeReceiveMessage, TypeReceiveGroupMessage:
		var p MessagePayload
		if err := env.Decode(&p); err != nil {
			return Event{}, err
		}
		msg := p.ToMessage()
		if msg.ConversationKey == "" {
			return Event{}, fmt.Errorf("%s: missing conversation key", env.Type)
		}
		return Event{Kind: KindMessage, ConversationKey: msg.ConversationKey, Message: &msg}, nil

	case TypeMessageRecalled, TypeGroupMessageRecalled, TypeMessageDeleted, TypeGroupMessageDeleted:
		var p PatchPayload
		if err := env.Decode(&p); err != nil {
			return Event{}, err
		}
		key := p.ConversationID
		if key == "" {
			key = p.GroupID
		}
		if key == "" {
			return Event{}, fmt.Errorf("%s: missing conversation key", env.Type)
		}
		kind := KindRecall
		if env.Type == TypeMessageDeleted || env.Type == TypeGroupMessageDeleted {
			kind = KindDelete
		}
		return Event{Kind: kind, ConversationKey: key, Timestamp: p.Timestamp}, nil

	case TypeGroupUpdated:
		var p MembershipPayload
		if err := env.Decode(&p); err != nil {
			return Event{}, err
		}
		if p.GroupID == "" {
			return Event{}, fmt.Errorf("%s: missing group id", env.Type)
		}
		return Event{
			Kind:            KindMembership,
			ConversationKey: p.GroupID,
			Membership: &MembershipChange{
				Added:   p.NewMember,
				Removed: p.RemovedMember,
				Updated: p.UpdatedMember,
				Role:    p.Role,
			},
		}, nil

	case TypeGroupDissolved:
		var p DissolvedPayload
		if err := env.Decode(&p); err != nil {
			return Event{}, err
		}
		if p.GroupID == "" {
			return Event{}, fmt.Errorf("%s: missing group id", env.Type)
		}
		return Event{Kind: KindDissolved, ConversationKey: p.GroupID}, nil
	}

	return Event{}, fmt.Errorf("%w: %s", ErrUnknownEvent, env.Type)
}
