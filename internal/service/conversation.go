package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/paperhub/chat-platform/internal/fanout"
	"github.com/paperhub/chat-platform/internal/model"
	"github.com/paperhub/chat-platform/internal/store"
	"github.com/paperhub/chat-platform/pkg/apperr"
	"github.com/paperhub/chat-platform/pkg/logger"
)

// Management commands accepted on the management channel.
const (
	CmdCreateChat    = "create_chat"
	CmdCreateGroup   = "create_group"
	CmdDeleteChat    = "delete_chat"
	CmdDeleteGroup   = "delete_group"
	CmdAddMembers    = "add_members"
	CmdRemoveMembers = "remove_members"
	CmdGetAllChats   = "get_all_chats"
)

// listMessageLimit is how many recent messages each conversation carries in get_all_chats.
const listMessageLimit = 20

var errNotAdmin = apperr.Forbidden("Only group admins can manage this group")

// ConversationService runs management commands. Every participant affected
// by a command is told on its management channel.
type ConversationService struct {
	store      store.Store
	router     *fanout.Router
	assistants *AssistantService
	botID      string
	logger     *logger.Logger
	now        func() time.Time
}

// NewConversationService creates a conversation service. New groups get the
// bot as a member when botID is set. assistants may be nil.
func NewConversationService(st store.Store, router *fanout.Router, assistants *AssistantService, botID string, log *logger.Logger) *ConversationService {
	return &ConversationService{
		store:      st,
		router:     router,
		assistants: assistants,
		botID:      botID,
		logger:     log,
		now:        time.Now,
	}
}

// Handle runs one command for user. The returned event, if any, is the reply
// for the requesting connection only.
func (s *ConversationService) Handle(ctx context.Context, user model.User, in model.Inbound) (*model.Event, error) {
	switch in.Command {
	case CmdCreateChat:
		return nil, s.createChat(ctx, user, in.ParticipantIDs)
	case CmdCreateGroup:
		return nil, s.createGroup(ctx, user, in.Name, in.Description, in.MemberIDs)
	case CmdDeleteChat:
		return nil, s.deleteChat(ctx, user, in.ChatID)
	case CmdDeleteGroup:
		return nil, s.deleteGroup(ctx, user, in.GroupID)
	case CmdAddMembers:
		return nil, s.addMembers(ctx, user, in.GroupID, in.MemberIDs)
	case CmdRemoveMembers:
		return nil, s.removeMembers(ctx, user, in.GroupID, in.MemberIDs)
	case CmdGetAllChats:
		convs, err := s.store.ListConversations(ctx, user.ID, listMessageLimit)
		if err != nil {
			return nil, err
		}
		if convs == nil {
			convs = []model.Conversation{}
		}
		return &model.Event{Type: model.EventAllChats, Data: convs}, nil
	case "":
		return nil, apperr.Validation("command is required")
	default:
		return nil, apperr.Validation(fmt.Sprintf("Unknown command: %s", in.Command))
	}
}

func (s *ConversationService) createChat(ctx context.Context, user model.User, participants []string) error {
	if len(participants) != 1 {
		return apperr.Validation("A private chat needs exactly one other participant")
	}
	other := participants[0]
	if other == user.ID {
		return apperr.Validation("You cannot start a chat with yourself")
	}
	if _, err := s.store.GetUser(ctx, other); err != nil {
		return err
	}

	conv, err := s.store.CreatePrivateChat(ctx, user.ID, other, s.now())
	if err != nil {
		return err
	}
	s.logger.Info("chat created", zap.String("chat_id", conv.ID), zap.String("created_by", user.ID))
	s.notify(ctx, conv.Participants, model.NewConversationEvent(model.EventChatCreated, conv.Ref(), conv))
	return nil
}

func (s *ConversationService) createGroup(ctx context.Context, user model.User, name, description string, memberIDs []string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return apperr.Validation("Group name is required")
	}

	now := s.now()
	g := &model.Conversation{
		ID:          uuid.NewString(),
		Kind:        model.KindGroup,
		Name:        name,
		Description: description,
		CreatedBy:   user.ID,
		IsActive:    true,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	seen := make(map[string]bool)
	join := func(id string, admin bool) {
		if id == "" || seen[id] {
			return
		}
		seen[id] = true
		g.Members = append(g.Members, model.Membership{UserID: id, GroupID: g.ID, JoinedAt: now, IsActive: true, IsAdmin: admin})
	}
	join(user.ID, true)
	for _, id := range memberIDs {
		join(id, false)
	}
	join(s.botID, false)

	if err := s.store.CreateGroup(ctx, g); err != nil {
		return err
	}
	s.logger.Info("group created",
		zap.String("group_id", g.ID), zap.String("created_by", user.ID), zap.Int("members", len(g.Members)))
	s.notify(ctx, g.ActiveMemberIDs(), model.NewConversationEvent(model.EventGroupCreated, g.Ref(), g))
	return nil
}

func (s *ConversationService) deleteChat(ctx context.Context, user model.User, chatID string) error {
	ref := model.PrivateRef(chatID)
	conv, err := s.store.GetConversation(ctx, ref)
	if err != nil {
		return err
	}
	if !conv.HasParticipant(user.ID) {
		return errNotParticipant
	}
	if err := s.store.DeleteConversation(ctx, ref); err != nil {
		return err
	}
	s.logger.Info("chat deleted", zap.String("chat_id", chatID), zap.String("deleted_by", user.ID))
	s.disconnect(ctx, ref, conv.Participants)
	s.notify(ctx, conv.Participants, model.NewConversationEvent(model.EventChatDeleted, ref, nil))
	return nil
}

// manageable returns the group when user may administer it.
func (s *ConversationService) manageable(ctx context.Context, user model.User, groupID string) (*model.Conversation, error) {
	if groupID == "" {
		return nil, apperr.Validation("group_id is required")
	}
	g, err := s.store.GetConversation(ctx, model.GroupRef(groupID))
	if err != nil {
		return nil, err
	}
	if !g.IsAdmin(user.ID) {
		return nil, errNotAdmin
	}
	return g, nil
}

func (s *ConversationService) deleteGroup(ctx context.Context, user model.User, groupID string) error {
	g, err := s.manageable(ctx, user, groupID)
	if err != nil {
		return err
	}
	members := g.ActiveMemberIDs()
	if err := s.store.DeleteConversation(ctx, g.Ref()); err != nil {
		return err
	}
	if s.assistants != nil {
		s.assistants.Forget(g.Ref().Key())
	}
	s.logger.Info("group deleted", zap.String("group_id", groupID), zap.String("deleted_by", user.ID))
	s.disconnect(ctx, g.Ref(), members)
	s.notify(ctx, members, model.NewConversationEvent(model.EventGroupDeleted, g.Ref(), nil))
	return nil
}

func (s *ConversationService) addMembers(ctx context.Context, user model.User, groupID string, memberIDs []string) error {
	if len(memberIDs) == 0 {
		return apperr.Validation("member_ids is required")
	}
	g, err := s.manageable(ctx, user, groupID)
	if err != nil {
		return err
	}
	added, err := s.store.AddMembers(ctx, groupID, memberIDs, s.now())
	if err != nil {
		return err
	}
	if len(added) == 0 {
		return apperr.Validation("No new members were added")
	}

	if g, err = s.store.GetConversation(ctx, g.Ref()); err != nil {
		return err
	}
	s.notify(ctx, g.ActiveMemberIDs(), model.NewConversationEvent(model.EventMembersAdded, g.Ref(), map[string]any{
		"member_ids": added,
		"group":      g,
	}))
	return nil
}

func (s *ConversationService) removeMembers(ctx context.Context, user model.User, groupID string, memberIDs []string) error {
	if len(memberIDs) == 0 {
		return apperr.Validation("member_ids is required")
	}
	g, err := s.manageable(ctx, user, groupID)
	if err != nil {
		return err
	}
	removed, err := s.store.RemoveMembers(ctx, groupID, memberIDs, s.now())
	if err != nil {
		return err
	}
	if len(removed) == 0 {
		return apperr.Validation("No members were removed")
	}
	s.disconnect(ctx, g.Ref(), removed)

	if g, err = s.store.GetConversation(ctx, g.Ref()); err != nil {
		return err
	}
	event := model.NewConversationEvent(model.EventMembersRemoved, g.Ref(), map[string]any{
		"member_ids": removed,
		"group":      g,
	})
	s.notify(ctx, append(g.ActiveMemberIDs(), removed...), event)
	return nil
}

// disconnect closes the live connections userIDs hold on ref.
func (s *ConversationService) disconnect(ctx context.Context, ref model.ConversationRef, userIDs []string) {
	if err := s.router.Evict(ctx, ref.Key(), userIDs); err != nil {
		s.logger.Error("failed to disconnect former participants",
			zap.String("key", ref.Key()), zap.Strings("user_ids", userIDs), zap.Error(err))
	}
}

// notify sends event to each user's management channel, skipping the bot.
func (s *ConversationService) notify(ctx context.Context, userIDs []string, event *model.Event) {
	for _, id := range userIDs {
		if id == s.botID {
			continue
		}
		if err := s.router.NotifyOffline(ctx, id, event); err != nil {
			s.logger.Error("failed to notify participant",
				zap.String("user_id", id), zap.String("event", string(event.Type)), zap.Error(err))
		}
	}
}
