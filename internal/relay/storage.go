package relay

import (
	"context"
	"time"

	"zalachat/sync/internal/models"
)

// Storage is the persistence boundary of the relay. Handlers and the hub
// are written against it so tests can run on a stub.
type Storage interface {
	// SaveMessage persists a message and returns the server-assigned ID.
	SaveMessage(ctx context.Context, msg models.Message) (string, error)

	// MarkRecalled applies the recall terminal patch to every message at
	// (conversationKey, ts). Returns the number of rows touched.
	MarkRecalled(ctx context.Context, conversationKey string, ts time.Time) (int64, error)

	// MarkDeleted applies the delete terminal patch, same addressing.
	MarkDeleted(ctx context.Context, conversationKey string, ts time.Time) (int64, error)

	// Messages returns the full history snapshot for a conversation,
	// timestamp ascending.
	Messages(ctx context.Context, conversationKey string) ([]models.Message, error)

	// Conversations lists every conversation and group the user belongs to.
	Conversations(ctx context.Context, userID string) ([]models.Conversation, error)

	// User returns the directory entry for one user.
	User(ctx context.Context, userID string) (models.User, error)

	// Membership mutations behind groupUpdated/groupDissolved events.
	AddMember(ctx context.Context, groupID, userID, role string) error
	RemoveMember(ctx context.Context, groupID, userID string) error
	SetRole(ctx context.Context, groupID, userID, role string) error
	Dissolve(ctx context.Context, groupID string) error
}
