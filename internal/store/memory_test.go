package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paperhub/chat-platform/internal/model"
	"github.com/paperhub/chat-platform/pkg/apperr"
)

func newGroup(t *testing.T, s *Memory, creator string, members ...string) *model.Conversation {
	t.Helper()
	now := time.Now()
	g := &model.Conversation{
		Name:      "papers",
		CreatedBy: creator,
		IsActive:  true,
		CreatedAt: now,
		UpdatedAt: now,
	}
	g.Members = append(g.Members, model.Membership{UserID: creator, JoinedAt: now, IsActive: true, IsAdmin: true})
	for _, m := range members {
		g.Members = append(g.Members, model.Membership{UserID: m, JoinedAt: now, IsActive: true})
	}
	require.NoError(t, s.CreateGroup(context.Background(), g))
	return g
}

func textMessage(ref model.ConversationRef, sender, text string, at time.Time) *model.Message {
	return &model.Message{
		ID:           uuid.NewString(),
		Conversation: ref,
		SenderID:     sender,
		Type:         model.TypeText,
		Text:         text,
		Status:       model.StatusSent,
		CreatedAt:    at,
	}
}

func TestPrivateChatIsUniquePerPair(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()

	c, err := s.CreatePrivateChat(ctx, "a", "b", time.Now())
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "b"}, c.Participants)

	_, err = s.CreatePrivateChat(ctx, "b", "a", time.Now())
	assert.True(t, errors.Is(err, apperr.ErrConflict))

	require.NoError(t, s.DeleteConversation(ctx, c.Ref()))
	_, err = s.CreatePrivateChat(ctx, "b", "a", time.Now())
	assert.NoError(t, err)
}

func TestSaveMessageCreatesOneReceiptPerRecipient(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	g := newGroup(t, s, "a", "b", "c")

	msg := textMessage(g.Ref(), "a", "hi", time.Now())
	receipts, err := s.SaveMessage(ctx, msg, g.Recipients("a"))
	require.NoError(t, err)
	require.Len(t, receipts, 2)

	stored, err := s.Receipts(ctx, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, "b", stored[0].UserID)
	assert.Equal(t, "c", stored[1].UserID)

	conv, err := s.GetConversation(ctx, g.Ref())
	require.NoError(t, err)
	require.NotNil(t, conv.LastMessageAt)
}

func TestSaveMessageFailureLeavesNothingBehind(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	g := newGroup(t, s, "a", "b")
	s.FailSave = errors.New("disk full")

	msg := textMessage(g.Ref(), "a", "hi", time.Now())
	_, err := s.SaveMessage(ctx, msg, []string{"b"})
	require.Error(t, err)

	_, err = s.GetMessage(ctx, msg.ID)
	assert.True(t, errors.Is(err, apperr.ErrNotFound))
	receipts, err := s.Receipts(ctx, msg.ID)
	require.NoError(t, err)
	assert.Empty(t, receipts)
}

func TestMarkReceiptReadReportsAllRead(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	g := newGroup(t, s, "a", "b", "c")
	msg := textMessage(g.Ref(), "a", "hi", time.Now())
	_, err := s.SaveMessage(ctx, msg, []string{"b", "c"})
	require.NoError(t, err)

	all, err := s.MarkReceiptRead(ctx, msg.ID, "b", time.Now())
	require.NoError(t, err)
	assert.False(t, all)

	all, err = s.MarkReceiptRead(ctx, msg.ID, "c", time.Now())
	require.NoError(t, err)
	assert.True(t, all)

	_, err = s.MarkReceiptRead(ctx, msg.ID, "a", time.Now())
	assert.True(t, errors.Is(err, apperr.ErrNotFound))
}

func TestUpdateMessageStatusIsConditional(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	g := newGroup(t, s, "a", "b")
	msg := textMessage(g.Ref(), "a", "hi", time.Now())
	_, err := s.SaveMessage(ctx, msg, []string{"b"})
	require.NoError(t, err)

	deleted := *msg
	require.NoError(t, deleted.SoftDelete(time.Now()))
	ok, err := s.UpdateMessageStatus(ctx, &deleted, model.StatusSent)
	require.NoError(t, err)
	assert.True(t, ok)

	stale := *msg
	require.NoError(t, stale.MarkDelivered())
	ok, err = s.UpdateMessageStatus(ctx, &stale, model.StatusSent)
	require.NoError(t, err)
	assert.False(t, ok)

	stored, err := s.GetMessage(ctx, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusDeleted, stored.Status)
	assert.NotNil(t, stored.DeletedAt)

	missing := textMessage(g.Ref(), "a", "never saved", time.Now())
	_, err = s.UpdateMessageStatus(ctx, missing, model.StatusSent)
	assert.True(t, errors.Is(err, apperr.ErrNotFound))
}

func TestRemoveMembersKeepsPastReceipts(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	g := newGroup(t, s, "a", "b")
	msg := textMessage(g.Ref(), "a", "before", time.Now())
	_, err := s.SaveMessage(ctx, msg, []string{"b"})
	require.NoError(t, err)

	removed, err := s.RemoveMembers(ctx, g.ID, []string{"b", "zzz"}, time.Now())
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, removed)

	conv, err := s.GetConversation(ctx, g.Ref())
	require.NoError(t, err)
	assert.Empty(t, conv.Recipients("a"))

	receipts, err := s.Receipts(ctx, msg.ID)
	require.NoError(t, err)
	assert.Len(t, receipts, 1)

	added, err := s.AddMembers(ctx, g.ID, []string{"b", "a"}, time.Now())
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, added)
}

func TestListConversationsOrdersByLastMessage(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	base := time.Now()

	quiet, err := s.CreatePrivateChat(ctx, "a", "q", base)
	require.NoError(t, err)
	older, err := s.CreatePrivateChat(ctx, "a", "o", base)
	require.NoError(t, err)
	g := newGroup(t, s, "a", "b")

	_, err = s.SaveMessage(ctx, textMessage(older.Ref(), "o", "old", base.Add(time.Minute)), []string{"a"})
	require.NoError(t, err)
	for i := 0; i < 25; i++ {
		_, err = s.SaveMessage(ctx, textMessage(g.Ref(), "b", "new", base.Add(time.Hour+time.Duration(i)*time.Second)), []string{"a"})
		require.NoError(t, err)
	}

	list, err := s.ListConversations(ctx, "a", 20)
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, g.ID, list[0].ID)
	assert.Len(t, list[0].Messages, 20)
	assert.Equal(t, older.ID, list[1].ID)
	assert.Equal(t, quiet.ID, list[2].ID)
	assert.Empty(t, list[2].Messages)
}

func TestBotExchanges(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	g := newGroup(t, s, "a", "bot")
	now := time.Now()

	for i, m := range []*model.Message{
		textMessage(g.Ref(), "a", "hello all", now),
		textMessage(g.Ref(), "a", "@bot what is attention?", now.Add(time.Second)),
		textMessage(g.Ref(), "bot", "A weighting mechanism.", now.Add(2*time.Second)),
		textMessage(g.Ref(), "a", "thanks", now.Add(3*time.Second)),
	} {
		_, err := s.SaveMessage(ctx, m, nil)
		require.NoError(t, err, "message %d", i)
	}

	got, err := s.BotExchanges(ctx, g.Ref(), "bot", 50)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "@bot what is attention?", got[0].Text)
	assert.Equal(t, "bot", got[1].SenderID)
}

func TestSessionsAndUsers(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()

	bot, err := s.EnsureUser(ctx, model.User{Name: "bot", Email: "bot@gmail.com"})
	require.NoError(t, err)
	again, err := s.EnsureUser(ctx, model.User{Name: "other", Email: "bot@gmail.com"})
	require.NoError(t, err)
	assert.Equal(t, bot.ID, again.ID)

	require.NoError(t, s.CreateSession(ctx, model.ChatSession{ID: "s1", OwnerID: "u1", CreatedAt: time.Now()}))
	cs, err := s.GetSession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "u1", cs.OwnerID)

	_, err = s.SaveMessage(ctx, textMessage(model.SessionRef("s1"), "u1", "hi", time.Now()), nil)
	require.NoError(t, err)
	_, err = s.SaveMessage(ctx, textMessage(model.SessionRef("nope"), "u1", "hi", time.Now()), nil)
	assert.True(t, errors.Is(err, apperr.ErrNotFound))
}
