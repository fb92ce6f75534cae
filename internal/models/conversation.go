package models

import "time"

// Participant roles within a group conversation.
const (
	RoleAdmin  = "admin"
	RoleMember = "member"
)

// Participant is a user's membership in a conversation.
type Participant struct {
	UserID   string    `json:"userId"`
	Role     string    `json:"role"`
	JoinedAt time.Time `json:"joinedAt,omitempty"`
}

// Conversation is a directory entry for a direct chat (exactly two
// participants) or a group (N participants with roles). The key scopes a
// timeline; theme is display-only.
type Conversation struct {
	Key          string        `json:"conversationKey"`
	DisplayName  string        `json:"displayName"`
	Group        bool          `json:"group"`
	Participants []Participant `json:"participants"`
	Theme        string        `json:"theme,omitempty"`
	Dissolved    bool          `json:"dissolved,omitempty"`
	CreatedAt    time.Time     `json:"createdAt,omitempty"`
	UpdatedAt    time.Time     `json:"updatedAt,omitempty"`
}

// Member returns the participant with the given user ID, if present.
func (c *Conversation) Member(userID string) (Participant, bool) {
	for _, p := range c.Participants {
		if p.UserID == userID {
			return p, true
		}
	}
	return Participant{}, false
}

// IsAdmin reports whether the user holds the admin role.
func (c *Conversation) IsAdmin(userID string) bool {
	p, ok := c.Member(userID)
	return ok && p.Role == RoleAdmin
}

// AddMember appends a participant unless already present.
func (c *Conversation) AddMember(userID, role string) {
	if _, ok := c.Member(userID); ok {
		return
	}
	if role == "" {
		role = RoleMember
	}
	c.Participants = append(c.Participants, Participant{UserID: userID, Role: role, JoinedAt: time.Now()})
}

// RemoveMember deletes a participant; unknown IDs are ignored.
func (c *Conversation) RemoveMember(userID string) {
	for i, p := range c.Participants {
		if p.UserID == userID {
			c.Participants = append(c.Participants[:i], c.Participants[i+1:]...)
			return
		}
	}
}

// SetRole changes a participant's role; unknown IDs are ignored.
func (c *Conversation) SetRole(userID, role string) {
	for i := range c.Participants {
		if c.Participants[i].UserID == userID {
			c.Participants[i].Role = role
			return
		}
	}
}
