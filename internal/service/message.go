// Package service implements the chat operations behind the websocket channels.
package service

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/paperhub/chat-platform/internal/fanout"
	"github.com/paperhub/chat-platform/internal/model"
	"github.com/paperhub/chat-platform/internal/presence"
	"github.com/paperhub/chat-platform/internal/store"
	"github.com/paperhub/chat-platform/internal/worker"
	"github.com/paperhub/chat-platform/pkg/apperr"
	"github.com/paperhub/chat-platform/pkg/logger"
	"github.com/paperhub/chat-platform/pkg/metrics"
)

const (
	historyLimit          = 50
	maxTransitionAttempts = 5
)

var (
	errNotGroupMember  = apperr.Membership("You are no longer a member of this group")
	errNotParticipant  = apperr.Forbidden("You are not a participant of this chat")
	errNotSender       = apperr.Forbidden("You can only delete your own messages")
	errAlreadyDeleted  = apperr.Validation("Message already deleted")
	errNoReceiptToRead = apperr.Validation("Message has no receipt for you")
	errReadDeleted     = apperr.Validation("cannot mark a DELETED message read")

	errMessageContended = errors.New("message status contended")
)

// poster persists messages and delivers them to their conversation.
type poster struct {
	store  store.Store
	router *fanout.Router
	logger *logger.Logger
	now    func() time.Time

	// silent users get receipts but are never notified.
	silent map[string]bool
}

func newPoster(st store.Store, router *fanout.Router, log *logger.Logger, silent ...string) *poster {
	p := &poster{store: st, router: router, logger: log, now: time.Now, silent: make(map[string]bool)}
	for _, id := range silent {
		if id != "" {
			p.silent[id] = true
		}
	}
	return p
}

// post saves msg with one receipt per recipient of conv and delivers it.
// Online recipients have their receipts marked delivered. A delivery failure
// after the message is stored is logged, not returned.
func (p *poster) post(ctx context.Context, conv *model.Conversation, msg *model.Message) error {
	recipients := conv.Recipients(msg.SenderID)
	receipts, err := p.store.SaveMessage(ctx, msg, recipients)
	if err != nil {
		return apperr.Persistence(err)
	}
	metrics.RecordMessage(string(conv.Kind), string(msg.Type), len(receipts))

	now := p.now()
	notify := make([]string, 0, len(recipients))
	for _, id := range recipients {
		if !p.silent[id] {
			notify = append(notify, id)
			continue
		}
		// Assistants read everything they receive.
		if _, err := p.store.MarkReceiptRead(ctx, msg.ID, id, now); err != nil {
			p.logger.Warn("failed to mark assistant receipt read",
				zap.String("message_id", msg.ID), zap.String("user_id", id), zap.Error(err))
		}
	}

	key := conv.Ref().Key()
	online, err := p.router.Deliver(ctx, key, notify, model.NewMessageEvent(msg), model.NewMessageNotification(msg))
	if err != nil {
		p.logger.Error("failed to deliver message",
			zap.String("key", key), zap.String("message_id", msg.ID), zap.Error(err))
	}
	if len(online) == 0 {
		return nil
	}

	for _, id := range online {
		if err := p.store.MarkReceiptDelivered(ctx, msg.ID, id, now); err != nil {
			p.logger.Warn("failed to mark receipt delivered",
				zap.String("message_id", msg.ID), zap.String("user_id", id), zap.Error(err))
		}
	}
	stored, err := p.transition(ctx, msg.ID, (*model.Message).MarkDelivered)
	switch {
	case err == nil:
		msg.Status = stored.Status
	case errors.Is(err, model.ErrInvalidTransition):
		// Deleted while it was being delivered.
		msg.Status = model.StatusDeleted
	default:
		p.logger.Warn("failed to update message status", zap.String("message_id", msg.ID), zap.Error(err))
	}
	return nil
}

// transition applies change to the stored message and writes the result only
// if no other writer moved the message in between, retrying from the latest
// state otherwise.
func (p *poster) transition(ctx context.Context, messageID string, change func(*model.Message) error) (*model.Message, error) {
	for attempt := 0; attempt < maxTransitionAttempts; attempt++ {
		msg, err := p.store.GetMessage(ctx, messageID)
		if err != nil {
			return nil, err
		}
		prev := msg.Status
		if err := change(msg); err != nil {
			return msg, err
		}
		if msg.Status == prev {
			return msg, nil
		}
		ok, err := p.store.UpdateMessageStatus(ctx, msg, prev)
		if err != nil {
			return nil, apperr.Persistence(err)
		}
		if ok {
			return msg, nil
		}
	}
	return nil, apperr.Transient("message changed concurrently", errMessageContended)
}

// MessageService handles messages on chat and group channels.
type MessageService struct {
	*poster
	registry   presence.Registry
	pool       *worker.Pool
	assistants *AssistantService
}

// NewMessageService creates a message service. assistants may be nil, in
// which case bot mentions are stored but never answered.
func NewMessageService(
	st store.Store,
	router *fanout.Router,
	registry presence.Registry,
	pool *worker.Pool,
	assistants *AssistantService,
	log *logger.Logger,
) *MessageService {
	var silent []string
	if assistants != nil {
		silent = assistants.identities()
	}
	return &MessageService{
		poster:     newPoster(st, router, log, silent...),
		registry:   registry,
		pool:       pool,
		assistants: assistants,
	}
}

// Authorize returns the conversation when userID may use it.
func (s *MessageService) Authorize(ctx context.Context, userID string, ref model.ConversationRef) (*model.Conversation, error) {
	conv, err := s.store.GetConversation(ctx, ref)
	if err != nil {
		return nil, err
	}
	if conv.HasParticipant(userID) {
		return conv, nil
	}
	if ref.Kind == model.KindGroup {
		return nil, errNotGroupMember
	}
	return nil, errNotParticipant
}

// Send validates, stores and delivers a message from sender. Group messages
// that mention the bot are answered in the background.
func (s *MessageService) Send(ctx context.Context, sender model.User, ref model.ConversationRef, in model.Inbound) (*model.Message, error) {
	conv, err := s.Authorize(ctx, sender.ID, ref)
	if err != nil {
		return nil, err
	}
	payload, err := model.ParsePayload(in)
	if err != nil {
		return nil, err
	}

	msg := model.NewMessage(ref, sender, payload, in.ReplyTo, in.Mention, s.now())
	if err := s.post(ctx, conv, msg); err != nil {
		return nil, err
	}

	if ref.Kind == model.KindGroup && s.assistants != nil && s.assistants.mentioned(msg) {
		reply := *msg
		err := s.pool.Submit("group_bot", func(ctx context.Context) error {
			return s.assistants.AnswerMention(ctx, ref.ID, &reply)
		})
		if err != nil {
			s.logger.Warn("bot mention dropped",
				zap.String("group_id", ref.ID), zap.String("message_id", msg.ID), zap.Error(err))
		}
	}
	return msg, nil
}

// MarkRead records that userID read messageID. The message becomes READ once
// every recipient has read it.
func (s *MessageService) MarkRead(ctx context.Context, userID, messageID string) error {
	msg, err := s.store.GetMessage(ctx, messageID)
	if err != nil {
		return err
	}
	conv, err := s.Authorize(ctx, userID, msg.Conversation)
	if err != nil {
		return err
	}
	if msg.SenderID == userID {
		return errNoReceiptToRead
	}

	if msg.Status == model.StatusDeleted {
		return errReadDeleted
	}

	allRead, err := s.store.MarkReceiptRead(ctx, messageID, userID, s.now())
	if err != nil {
		return err
	}
	if allRead {
		msg, err = s.transition(ctx, messageID, (*model.Message).MarkRead)
		if errors.Is(err, model.ErrInvalidTransition) {
			return errReadDeleted
		}
		if err != nil {
			return err
		}
	}
	event := model.NewConversationEvent(model.EventMessageRead, conv.Ref(), map[string]any{
		"message_id": msg.ID,
		"status":     msg.Status,
	})
	event.UserID = userID
	return s.router.Publish(ctx, conv.Ref().Key(), event)
}

// Delete soft-deletes a message. Only its sender may delete it.
func (s *MessageService) Delete(ctx context.Context, userID, messageID string) error {
	msg, err := s.store.GetMessage(ctx, messageID)
	if err != nil {
		return err
	}
	conv, err := s.Authorize(ctx, userID, msg.Conversation)
	if err != nil {
		return err
	}
	if msg.SenderID != userID {
		return errNotSender
	}
	now := s.now()
	msg, err = s.transition(ctx, messageID, func(m *model.Message) error {
		return m.SoftDelete(now)
	})
	if errors.Is(err, model.ErrInvalidTransition) {
		return errAlreadyDeleted
	}
	if err != nil {
		return err
	}

	event := model.NewConversationEvent(model.EventMessageDeleted, conv.Ref(), map[string]any{
		"message_id": msg.ID,
		"deleted_at": msg.DeletedAt,
	})
	event.UserID = userID
	return s.router.Publish(ctx, conv.Ref().Key(), event)
}

// Typing marks user as typing in ref and tells the other viewers.
func (s *MessageService) Typing(ctx context.Context, user model.User, ref model.ConversationRef) error {
	if _, err := s.Authorize(ctx, user.ID, ref); err != nil {
		return err
	}
	if err := s.registry.SetTyping(ctx, ref.Key(), user.ID); err != nil {
		return apperr.Transient("failed to set typing", err)
	}
	event := model.NewConversationEvent(model.EventTyping, ref, map[string]any{"name": user.Name})
	event.UserID = user.ID
	return s.router.Publish(ctx, ref.Key(), event)
}

// History returns up to limit recent messages of ref, oldest first.
func (s *MessageService) History(ctx context.Context, userID string, ref model.ConversationRef, limit int) ([]model.Message, error) {
	if _, err := s.Authorize(ctx, userID, ref); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > historyLimit {
		limit = historyLimit
	}
	return s.store.RecentMessages(ctx, ref, limit)
}
