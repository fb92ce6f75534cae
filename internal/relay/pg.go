package relay

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"zalachat/sync/internal/models"
)

// PGStore is the Postgres-backed Storage implementation.
type PGStore struct {
	pool *pgxpool.Pool
}

// NewPGStore wraps an existing connection pool.
func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

func (s *PGStore) SaveMessage(ctx context.Context, msg models.Message) (string, error) {
	id := msg.ID
	if id == "" {
		id = uuid.NewString()
	}
	// The no-op conflict update lets RETURNING yield the already-stored
	// row's id on a nonce replay, so broadcasts never carry an id that
	// matches no row.
	var stored string
	err := s.pool.QueryRow(ctx, `
		INSERT INTO messages (id, nonce, conversation_key, sender_id, receiver_id, group_id, content, type, status, ts, forwarded_from)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (nonce) DO UPDATE SET status = messages.status
		RETURNING id
	`, id, nullable(msg.Nonce), msg.ConversationKey, msg.SenderID, msg.ReceiverID, msg.GroupID,
		msg.Content, msg.Type, msg.Status, msg.Timestamp, nullable(msg.ForwardedFrom)).Scan(&stored)
	if err != nil {
		return "", fmt.Errorf("save message: %w", err)
	}
	return stored, nil
}

func (s *PGStore) MarkRecalled(ctx context.Context, conversationKey string, ts time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE messages SET type = 'recalled'
		WHERE conversation_key = $1 AND ts = $2 AND type != 'recalled'
	`, conversationKey, ts)
	if err != nil {
		return 0, fmt.Errorf("mark recalled: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *PGStore) MarkDeleted(ctx context.Context, conversationKey string, ts time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE messages SET status = 'deleted'
		WHERE conversation_key = $1 AND ts = $2 AND status != 'deleted'
	`, conversationKey, ts)
	if err != nil {
		return 0, fmt.Errorf("mark deleted: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *PGStore) Messages(ctx context.Context, conversationKey string) ([]models.Message, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, COALESCE(nonce, ''), conversation_key, sender_id, receiver_id, group_id,
		       content, type, status, ts, COALESCE(forwarded_from, '')
		FROM messages
		WHERE conversation_key = $1
		ORDER BY ts ASC
	`, conversationKey)
	if err != nil {
		return nil, fmt.Errorf("load messages: %w", err)
	}
	defer rows.Close()

	var out []models.Message
	for rows.Next() {
		var m models.Message
		if err := rows.Scan(&m.ID, &m.Nonce, &m.ConversationKey, &m.SenderID, &m.ReceiverID,
			&m.GroupID, &m.Content, &m.Type, &m.Status, &m.Timestamp, &m.ForwardedFrom); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *PGStore) Conversations(ctx context.Context, userID string) ([]models.Conversation, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT c.key, c.display_name, c.is_group, COALESCE(c.theme, ''), c.dissolved, c.created_at, c.updated_at
		FROM conversations c
		INNER JOIN participants p ON p.conversation_key = c.key
		WHERE p.user_id = $1
		ORDER BY c.updated_at DESC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("load conversations: %w", err)
	}
	defer rows.Close()

	var out []models.Conversation
	for rows.Next() {
		var c models.Conversation
		if err := rows.Scan(&c.Key, &c.DisplayName, &c.Group, &c.Theme, &c.Dissolved, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range out {
		members, err := s.participants(ctx, out[i].Key)
		if err != nil {
			return nil, err
		}
		out[i].Participants = members
	}
	return out, nil
}

func (s *PGStore) participants(ctx context.Context, conversationKey string) ([]models.Participant, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT user_id, role, joined_at FROM participants WHERE conversation_key = $1
	`, conversationKey)
	if err != nil {
		return nil, fmt.Errorf("load participants: %w", err)
	}
	defer rows.Close()

	var out []models.Participant
	for rows.Next() {
		var p models.Participant
		if err := rows.Scan(&p.UserID, &p.Role, &p.JoinedAt); err != nil {
			return nil, fmt.Errorf("scan participant: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *PGStore) User(ctx context.Context, userID string) (models.User, error) {
	var u models.User
	err := s.pool.QueryRow(ctx, `
		SELECT id, username, COALESCE(name, '') FROM users WHERE id = $1
	`, userID).Scan(&u.ID, &u.Username, &u.Name)
	if err != nil {
		return models.User{}, fmt.Errorf("load user %s: %w", userID, err)
	}
	return u, nil
}

func (s *PGStore) AddMember(ctx context.Context, groupID, userID, role string) error {
	if role == "" {
		role = models.RoleMember
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO participants (conversation_key, user_id, role, joined_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (conversation_key, user_id) DO NOTHING
	`, groupID, userID, role, time.Now())
	if err != nil {
		return fmt.Errorf("add member: %w", err)
	}
	return nil
}

func (s *PGStore) RemoveMember(ctx context.Context, groupID, userID string) error {
	_, err := s.pool.Exec(ctx, `
		DELETE FROM participants WHERE conversation_key = $1 AND user_id = $2
	`, groupID, userID)
	if err != nil {
		return fmt.Errorf("remove member: %w", err)
	}
	return nil
}

func (s *PGStore) SetRole(ctx context.Context, groupID, userID, role string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE participants SET role = $3 WHERE conversation_key = $1 AND user_id = $2
	`, groupID, userID, role)
	if err != nil {
		return fmt.Errorf("set role: %w", err)
	}
	return nil
}

func (s *PGStore) Dissolve(ctx context.Context, groupID string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE conversations SET dissolved = true, updated_at = $2 WHERE key = $1
	`, groupID, time.Now())
	if err != nil {
		return fmt.Errorf("dissolve group: %w", err)
	}
	return nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
