// Package model defines data structures for the chat platform.
package model

import (
	"time"
)

// ConversationKind distinguishes the conversation variants a message can belong to.
type ConversationKind string

const (
	KindPrivate ConversationKind = "private"
	KindGroup   ConversationKind = "group"
	// KindSession is an AI chat thread owned by one user.
	KindSession ConversationKind = "session"
)

// ConversationRef points a message at exactly one conversation.
type ConversationRef struct {
	Kind ConversationKind `json:"chat_type"`
	ID   string           `json:"chat_id"`
}

func PrivateRef(id string) ConversationRef { return ConversationRef{Kind: KindPrivate, ID: id} }
func GroupRef(id string) ConversationRef { return ConversationRef{Kind: KindGroup, ID: id} }
func SessionRef(id string) ConversationRef { return ConversationRef{Kind: KindSession, ID: id} }

// Key returns the fan-out and assistant key for the conversation.
func (r ConversationRef) Key() string {
	switch r.Kind {
	case KindGroup:
		return "group_" + r.ID
	case KindSession:
		return "session_" + r.ID
	default:
		return "chat_" + r.ID
	}
}

// MailboxKey is the per-user management channel key.
func MailboxKey(userID string) string {
	return "user_" + userID + "_management"
}

// User is a platform account as seen by the chat subsystem.
type User struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email,omitempty"`
}

// Conversation is a private chat or a group.
type Conversation struct {
	ID          string           `json:"id"`
	Kind        ConversationKind `json:"chat_type"`
	Name        string           `json:"name,omitempty"`
	Description string           `json:"description,omitempty"`
	CreatedBy   string           `json:"created_by,omitempty"`

	// Private chats only.
	Participants []string `json:"participants,omitempty"`

	// Groups only.
	Members  []Membership `json:"members,omitempty"`
	IsActive bool         `json:"is_active"`

	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
	LastMessageAt *time.Time `json:"last_message_at,omitempty"`

	// Populated for listings.
	Messages []Message `json:"messages,omitempty"`
}

// Ref returns the reference messages use for this conversation.
func (c *Conversation) Ref() ConversationRef {
	return ConversationRef{Kind: c.Kind, ID: c.ID}
}

// HasParticipant reports whether userID may post to the conversation.
func (c *Conversation) HasParticipant(userID string) bool {
	if c.Kind == KindGroup {
		m := c.Membership(userID)
		return c.IsActive && m != nil && m.Effective()
	}
	for _, p := range c.Participants {
		if p == userID {
			return true
		}
	}
	return false
}

// Membership returns userID's membership record in a group, active or not.
func (c *Conversation) Membership(userID string) *Membership {
	for i := range c.Members {
		if c.Members[i].UserID == userID {
			return &c.Members[i]
		}
	}
	return nil
}

// IsAdmin reports whether userID may manage the group.
func (c *Conversation) IsAdmin(userID string) bool {
	if c.CreatedBy == userID {
		return true
	}
	m := c.Membership(userID)
	return m != nil && m.Effective() && m.IsAdmin
}

// ActiveMemberIDs lists the users that currently receive group traffic.
func (c *Conversation) ActiveMemberIDs() []string {
	if c.Kind != KindGroup {
		return append([]string(nil), c.Participants...)
	}
	ids := make([]string, 0, len(c.Members))
	for _, m := range c.Members {
		if m.Effective() {
			ids = append(ids, m.UserID)
		}
	}
	return ids
}

// Recipients lists everyone except the sender who should get a receipt.
func (c *Conversation) Recipients(senderID string) []string {
	var out []string
	for _, id := range c.ActiveMemberIDs() {
		if id != senderID {
			out = append(out, id)
		}
	}
	return out
}

// Membership is a user's participation in a group.
type Membership struct {
	UserID   string     `json:"user_id"`
	GroupID  string     `json:"group_id"`
	JoinedAt time.Time  `json:"joined_at"`
	LeftAt   *time.Time `json:"left_at,omitempty"`
	IsActive bool       `json:"is_active"`
	IsAdmin  bool       `json:"is_admin"`
}

// Effective reports whether the membership still routes traffic.
func (m Membership) Effective() bool {
	return m.IsActive && m.LeftAt == nil
}

// ChatSession is one AI chat thread.
type ChatSession struct {
	ID        string    `json:"id"`
	OwnerID   string    `json:"owner_id"`
	CreatedAt time.Time `json:"created_at"`
}
