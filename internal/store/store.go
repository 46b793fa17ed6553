// Package store persists conversations, memberships, messages and receipts.
package store

import (
	"context"
	"strings"
	"time"

	"github.com/paperhub/chat-platform/internal/model"
	"github.com/paperhub/chat-platform/pkg/apperr"
)

var (
	errChatNotFound    = apperr.NotFound("Chat not found")
	errGroupNotFound   = apperr.NotFound("Group not found")
	errSessionNotFound = apperr.NotFound("Chat session not found")
	errMessageNotFound = apperr.NotFound("Message not found")
	errUserNotFound    = apperr.NotFound("User not found")
	errReceiptNotFound = apperr.NotFound("Receipt not found")
	errChatExists      = apperr.Conflict("Chat already exists")
)

// Store is the narrow persistence contract used by the chat services.
type Store interface {
	// EnsureUser returns the user with u.Email, creating it when absent.
	EnsureUser(ctx context.Context, u model.User) (*model.User, error)
	GetUser(ctx context.Context, id string) (*model.User, error)

	// CreatePrivateChat fails with a conflict when the pair already has a chat.
	CreatePrivateChat(ctx context.Context, creatorID, otherID string, now time.Time) (*model.Conversation, error)
	CreateGroup(ctx context.Context, g *model.Conversation) error
	GetConversation(ctx context.Context, ref model.ConversationRef) (*model.Conversation, error)
	DeleteConversation(ctx context.Context, ref model.ConversationRef) error
	// ListConversations returns the user's private chats and active groups,
	// each with up to messageLimit recent messages, most recent activity first.
	ListConversations(ctx context.Context, userID string, messageLimit int) ([]model.Conversation, error)
	// AddMembers inserts or reactivates memberships and returns the users changed.
	AddMembers(ctx context.Context, groupID string, userIDs []string, now time.Time) ([]string, error)
	// RemoveMembers deactivates memberships and returns the users changed.
	RemoveMembers(ctx context.Context, groupID string, userIDs []string, now time.Time) ([]string, error)

	// SaveMessage stores the message and one receipt per recipient atomically.
	SaveMessage(ctx context.Context, msg *model.Message, recipients []string) ([]model.Receipt, error)
	GetMessage(ctx context.Context, id string) (*model.Message, error)
	// UpdateMessageStatus writes msg's status and deletion time only while the
	// stored status is still prev. It reports whether the write happened.
	UpdateMessageStatus(ctx context.Context, msg *model.Message, prev model.Status) (bool, error)
	// RecentMessages returns up to limit messages in chronological order.
	RecentMessages(ctx context.Context, ref model.ConversationRef, limit int) ([]model.Message, error)
	// BotExchanges returns recent messages addressed to or sent by the bot, chronologically.
	BotExchanges(ctx context.Context, ref model.ConversationRef, botID string, limit int) ([]model.Message, error)
	MarkReceiptDelivered(ctx context.Context, messageID, userID string, now time.Time) error
	// MarkReceiptRead returns true once every receipt of the message is read.
	MarkReceiptRead(ctx context.Context, messageID, userID string, now time.Time) (bool, error)
	Receipts(ctx context.Context, messageID string) ([]model.Receipt, error)

	CreateSession(ctx context.Context, s model.ChatSession) error
	GetSession(ctx context.Context, id string) (*model.ChatSession, error)
	ListSessions(ctx context.Context, ownerID string) ([]model.ChatSession, error)

	Ping(ctx context.Context) error
}

func pairKey(a, b string) string {
	if a > b {
		a, b = b, a
	}
	return a + ":" + b
}

func notFoundFor(kind model.ConversationKind) error {
	switch kind {
	case model.KindGroup:
		return errGroupNotFound
	case model.KindSession:
		return errSessionNotFound
	default:
		return errChatNotFound
	}
}

func isBotExchange(m model.Message, botID string) bool {
	return m.SenderID == botID || hasBotPrefix(m.Text)
}

func hasBotPrefix(text string) bool {
	return len(text) >= 4 && strings.EqualFold(text[:4], "@bot")
}
