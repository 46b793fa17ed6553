package service

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/paperhub/chat-platform/internal/assistant"
	"github.com/paperhub/chat-platform/internal/fanout"
	"github.com/paperhub/chat-platform/internal/llm"
	"github.com/paperhub/chat-platform/internal/model"
	"github.com/paperhub/chat-platform/internal/session"
	"github.com/paperhub/chat-platform/internal/store"
	"github.com/paperhub/chat-platform/internal/worker"
	"github.com/paperhub/chat-platform/pkg/apperr"
	"github.com/paperhub/chat-platform/pkg/logger"
	"github.com/paperhub/chat-platform/pkg/metrics"
)

// AI agents selectable on the AI channel.
const (
	AgentPDF = "pdf_agent"
	AgentWeb = "web_agent"
)

const (
	botName         = "bot"
	botPrefix       = "@bot"
	botImageName    = "AiChatBot.png"
	groupApology    = "Sorry, I encountered an error processing your request."
	sessionApology  = "I apologize, but I'm having trouble processing your request right now."
	summaryPreamble = "I've processed the PDF. Here's a summary:\n\n"
)

// AssistantDeps wires an AssistantService.
type AssistantDeps struct {
	Store    store.Store
	Router   *fanout.Router
	Sessions *session.Manager
	Cache    *assistant.Cache[*assistant.Assistant]
	Builder  *assistant.Builder
	// Web answers web_agent questions.
	Web  llm.Client
	Pool *worker.Pool

	// Bot posts in groups; AI posts in AI sessions.
	Bot model.User
	AI  model.User

	// Timeout bounds one assistant job.
	Timeout time.Duration
}

// AssistantService answers bot mentions in groups and questions in AI sessions.
type AssistantService struct {
	*poster
	deps AssistantDeps
}

// NewAssistantService creates an assistant service.
func NewAssistantService(deps AssistantDeps, log *logger.Logger) *AssistantService {
	if deps.Timeout <= 0 {
		deps.Timeout = 2 * time.Minute
	}
	return &AssistantService{
		poster: newPoster(deps.Store, deps.Router, log, deps.Bot.ID, deps.AI.ID),
		deps:   deps,
	}
}

func (s *AssistantService) identities() []string {
	return []string{s.deps.Bot.ID, s.deps.AI.ID}
}

// mentioned reports whether msg addresses the group bot.
func (s *AssistantService) mentioned(msg *model.Message) bool {
	if msg.SenderID == s.deps.Bot.ID {
		return false
	}
	for _, m := range msg.Mentions {
		if strings.EqualFold(m.Name, botName) || (m.UserID != "" && m.UserID == s.deps.Bot.ID) {
			return true
		}
	}
	for _, f := range strings.Fields(msg.Text) {
		if strings.EqualFold(f, botPrefix) {
			return true
		}
	}
	return false
}

// botQuestion strips a leading @bot from text.
func botQuestion(text string) string {
	t := strings.TrimSpace(text)
	if len(t) >= len(botPrefix) && strings.EqualFold(t[:len(botPrefix)], botPrefix) {
		t = t[len(botPrefix):]
	}
	return strings.TrimSpace(t)
}

// groupAssistant loads the group's assistant, warming a fresh one with the
// bot exchanges already stored for the group.
func (s *AssistantService) groupAssistant(ctx context.Context, groupID string) (*assistant.Assistant, error) {
	ref := model.GroupRef(groupID)
	return s.deps.Cache.GetOrCreate(ctx, ref.Key(), func(ctx context.Context) (*assistant.Assistant, error) {
		a, err := s.deps.Builder.Load(ctx, ref.Key())
		if err != nil {
			return nil, err
		}
		msgs, err := s.store.BotExchanges(ctx, ref, s.deps.Bot.ID, historyLimit)
		if err != nil {
			s.logger.Warn("failed to load bot history", zap.String("group_id", groupID), zap.Error(err))
			return a, nil
		}
		warm(a, msgs, s.deps.Bot.ID)
		return a, nil
	})
}

// warm pairs each question with the bot reply that follows it.
func warm(a *assistant.Assistant, msgs []model.Message, botID string) {
	var question string
	for _, m := range msgs {
		if m.SenderID != botID {
			question = botQuestion(m.Text)
			continue
		}
		a.Remember(question, m.Text)
		question = ""
	}
}

// AnswerMention ingests the attachments of msg and answers its question as
// the group bot. Any failure is reported in the group as an apology.
func (s *AssistantService) AnswerMention(ctx context.Context, groupID string, msg *model.Message) error {
	ctx, cancel := context.WithTimeout(ctx, s.deps.Timeout)
	defer cancel()

	err := s.answerMention(ctx, groupID, msg)
	if err == nil {
		return nil
	}
	if errors.Is(err, apperr.ErrNotFound) {
		return err
	}
	s.logger.Error("bot failed to answer",
		zap.String("group_id", groupID), zap.String("message_id", msg.ID), zap.Error(err))
	if perr := s.postGroup(context.WithoutCancel(ctx), groupID, s.reply(model.GroupRef(groupID), s.deps.Bot, model.TypeText, groupApology)); perr != nil {
		s.logger.Error("failed to post apology", zap.String("group_id", groupID), zap.Error(perr))
	}
	return err
}

func (s *AssistantService) answerMention(ctx context.Context, groupID string, msg *model.Message) error {
	a, err := s.groupAssistant(ctx, groupID)
	if err != nil {
		return err
	}
	ref := model.GroupRef(groupID)

	for _, att := range msg.Attachments {
		summary, err := a.Ingest(ctx, att.Path)
		if err != nil {
			return fmt.Errorf("ingest %s: %w", att.Name, err)
		}
		if summary == "" {
			continue
		}
		if err := s.postGroup(ctx, groupID, s.reply(ref, s.deps.Bot, model.TypeText, summary)); err != nil {
			return err
		}
	}

	question := botQuestion(msg.Text)
	if question == "" {
		return nil
	}
	ans, err := a.Ask(ctx, question)
	if err != nil {
		return err
	}
	return s.postGroup(ctx, groupID, s.answerMessage(ref, s.deps.Bot, model.TypeText, ans))
}

// postGroup re-reads the group so membership changes made while the bot was
// working are respected.
func (s *AssistantService) postGroup(ctx context.Context, groupID string, msg *model.Message) error {
	conv, err := s.store.GetConversation(ctx, model.GroupRef(groupID))
	if err != nil {
		return err
	}
	return s.post(ctx, conv, msg)
}

func (s *AssistantService) reply(ref model.ConversationRef, from model.User, typ model.MessageType, text string) *model.Message {
	return &model.Message{
		ID:           uuid.NewString(),
		Conversation: ref,
		SenderID:     from.ID,
		SenderName:   from.Name,
		Type:         typ,
		Text:         text,
		Status:       model.StatusSent,
		CreatedAt:    s.now(),
	}
}

// answerMessage carries image answers as a MULTIPLE message with the image attached.
func (s *AssistantService) answerMessage(ref model.ConversationRef, from model.User, textType model.MessageType, ans *assistant.Answer) *model.Message {
	if ans.ImagePath == "" {
		return s.reply(ref, from, textType, ans.Text)
	}
	msg := s.reply(ref, from, model.TypeMultiple, ans.Text)
	msg.Attachments = []model.Attachment{{
		ID:       uuid.NewString(),
		Path:     ans.ImagePath,
		Name:     botImageName,
		Size:     int64(math.Round(ans.ImageSizeKB * 1024)),
		MimeType: string(model.TypeImage),
	}}
	return msg
}

// Forget evicts key's assistant and deletes its index in the background.
func (s *AssistantService) Forget(key string) {
	s.deps.Cache.Remove(key)
	err := s.deps.Pool.Submit("remove_index", func(context.Context) error {
		return s.deps.Builder.RemoveIndex(key)
	})
	if err == nil {
		return
	}
	s.logger.Warn("index removal not queued, removing inline", zap.String("key", key), zap.Error(err))
	if err := s.deps.Builder.RemoveIndex(key); err != nil {
		s.logger.Error("failed to remove index", zap.String("key", key), zap.Error(err))
	}
}

// SendToSession stores a user message in an AI session, shows it to the
// session's viewers and queues the assistant's answer.
func (s *AssistantService) SendToSession(ctx context.Context, user model.User, sessionID string, in model.Inbound) (*model.Message, error) {
	agent := in.AIAgent
	if agent == "" {
		agent = AgentPDF
	}
	if agent != AgentPDF && agent != AgentWeb {
		return nil, apperr.Validation(fmt.Sprintf("Unknown ai_agent: %s", agent))
	}
	payload, err := model.ParsePayload(in)
	if err != nil {
		return nil, err
	}

	ref := model.SessionRef(sessionID)
	msg := model.NewMessage(ref, user, payload, in.ReplyTo, in.Mention, s.now())
	if err := s.postSession(ctx, msg, s.deps.AI.ID); err != nil {
		return nil, err
	}

	question := *msg
	err = s.deps.Pool.Submit("ai_session", func(ctx context.Context) error {
		return s.answerSession(ctx, user, sessionID, agent, &question)
	})
	if err != nil {
		s.logger.Warn("AI session request dropped", zap.String("session_id", sessionID), zap.Error(err))
		apology := s.reply(ref, s.deps.AI, model.TypeSystem, sessionApology)
		if perr := s.postSession(ctx, apology, user.ID); perr != nil {
			s.logger.Error("failed to post apology", zap.String("session_id", sessionID), zap.Error(perr))
		}
	}
	return msg, nil
}

func (s *AssistantService) postSession(ctx context.Context, msg *model.Message, recipient string) error {
	receipts, err := s.store.SaveMessage(ctx, msg, []string{recipient})
	if err != nil {
		return apperr.Persistence(err)
	}
	metrics.RecordMessage(string(model.KindSession), string(msg.Type), len(receipts))
	return s.router.Publish(ctx, msg.Conversation.Key(), model.NewMessageEvent(msg))
}

func (s *AssistantService) answerSession(ctx context.Context, user model.User, sessionID, agent string, msg *model.Message) error {
	ctx, cancel := context.WithTimeout(ctx, s.deps.Timeout)
	defer cancel()

	reply, err := s.sessionReply(ctx, sessionID, agent, msg)
	if err != nil {
		s.logger.Error("assistant failed to answer",
			zap.String("session_id", sessionID), zap.String("agent", agent), zap.Error(err))
		reply = s.reply(model.SessionRef(sessionID), s.deps.AI, model.TypeSystem, sessionApology)
	}
	if reply == nil {
		return err
	}
	if perr := s.postSession(context.WithoutCancel(ctx), reply, user.ID); perr != nil {
		return errors.Join(err, perr)
	}
	return err
}

// sessionReply returns nil when msg needs no answer.
func (s *AssistantService) sessionReply(ctx context.Context, sessionID, agent string, msg *model.Message) (*model.Message, error) {
	ref := model.SessionRef(sessionID)
	a, err := s.deps.Sessions.Assistant(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	question := strings.TrimSpace(msg.Text)

	if agent == AgentWeb {
		if question == "" {
			return nil, nil
		}
		answer, err := assistant.AnswerWeb(ctx, s.deps.Web, question, a.History())
		if err != nil {
			return nil, err
		}
		a.Remember(question, answer)
		return s.reply(ref, s.deps.AI, model.TypeAI, answer), nil
	}

	if len(msg.Attachments) > 0 {
		summary, err := a.Ingest(ctx, msg.Attachments[0].Path)
		if err != nil {
			return nil, err
		}
		return s.reply(ref, s.deps.AI, model.TypeAI, summaryPreamble+summary), nil
	}
	if question == "" {
		return nil, nil
	}
	ans, err := a.Ask(ctx, question)
	if err != nil {
		return nil, err
	}
	return s.answerMessage(ref, s.deps.AI, model.TypeAI, ans), nil
}
