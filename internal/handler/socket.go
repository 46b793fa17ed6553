// Package handler serves the websocket channels and health endpoints.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/paperhub/chat-platform/internal/fanout"
	"github.com/paperhub/chat-platform/internal/middleware"
	"github.com/paperhub/chat-platform/internal/model"
	"github.com/paperhub/chat-platform/internal/presence"
	"github.com/paperhub/chat-platform/internal/service"
	"github.com/paperhub/chat-platform/internal/session"
	"github.com/paperhub/chat-platform/internal/store"
	"github.com/paperhub/chat-platform/pkg/apperr"
	"github.com/paperhub/chat-platform/pkg/logger"
	"github.com/paperhub/chat-platform/pkg/metrics"
)

// Control frames.
const (
	frameMarkRead      = "mark_read"
	frameDeleteMessage = "delete_message"
	frameTyping        = "typing"
	frameLogout        = "logout"
)

const cleanupTimeout = 5 * time.Second

var errInvalidFormat = apperr.Validation("Invalid message format")

// SocketDeps are the collaborators of the websocket channels.
type SocketDeps struct {
	Store         store.Store
	Messages      *service.MessageService
	Conversations *service.ConversationService
	Assistants    *service.AssistantService
	Sessions      *session.Manager
	Router        *fanout.Router
	Registry      presence.Registry
}

// SocketHandler serves the chat, group, AI and management channels.
type SocketHandler struct {
	deps       SocketDeps
	upgrader   websocket.Upgrader
	sendBuffer int
	logger     *logger.Logger
}

// NewSocketHandler creates the websocket handler. Upgrades are accepted from
// allowedOrigins, which may end in a "*" wildcard.
func NewSocketHandler(deps SocketDeps, allowedOrigins []string, sendBuffer int, log *logger.Logger) *SocketHandler {
	if sendBuffer <= 0 {
		sendBuffer = 64
	}
	return &SocketHandler{
		deps: deps,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				return originAllowed(r.Header.Get("Origin"), allowedOrigins)
			},
		},
		sendBuffer: sendBuffer,
		logger:     log,
	}
}

func originAllowed(origin string, allowed []string) bool {
	if origin == "" {
		return true
	}
	for _, pattern := range allowed {
		if pattern == "*" || pattern == origin {
			return true
		}
		if prefix, ok := strings.CutSuffix(pattern, "*"); ok && strings.HasPrefix(origin, prefix) {
			return true
		}
	}
	return false
}

// identify returns the stored user behind the request's token, creating it on
// first contact.
func (h *SocketHandler) identify(r *http.Request) (model.User, error) {
	claims, ok := middleware.GetUser(r.Context())
	if !ok {
		return model.User{}, apperr.New(apperr.KindAuthentication, "unauthorized")
	}
	u, err := h.deps.Store.GetUser(r.Context(), claims.ID)
	if err == nil {
		return *u, nil
	}
	if !errors.Is(err, apperr.ErrNotFound) {
		return model.User{}, err
	}
	if claims.Email == "" {
		claims.Email = claims.ID
	}
	u, err = h.deps.Store.EnsureUser(r.Context(), claims)
	if err != nil {
		return model.User{}, err
	}
	return *u, nil
}

// open upgrades the request and starts the connection's writer. The returned
// context lives until the connection closes; it keeps the request's values
// but not its cancellation.
func (h *SocketHandler) open(w http.ResponseWriter, r *http.Request, user model.User, channel string) (*conn, context.Context, context.CancelFunc, bool) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.String("channel", channel), zap.Error(err))
		return nil, nil, nil, false
	}

	c := newConn(ws, user, h.sendBuffer, h.logger)
	c.logger = h.logger.WithConnection(c.id, user.ID, channel).
		With(zap.String("correlation_id", middleware.GetCorrelationID(r.Context())))

	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	metrics.IncrementWSConnections(channel)
	go c.writePump()

	c.logger.Info("connection opened")
	return c, ctx, cancel, true
}

func (h *SocketHandler) close(c *conn, cancel context.CancelFunc, channel string) {
	cancel()
	c.Drop()
	metrics.DecrementWSConnections(channel)
	c.logger.Info("connection closed")
}

// join subscribes c to key before registering it online, so that a user
// counted as online is already receiving the key's events.
func (h *SocketHandler) join(ctx context.Context, c *conn, key string) error {
	if err := h.deps.Router.Subscribe(key, c); err != nil {
		return apperr.Wrap(apperr.KindResourceInit, "failed to join conversation", err)
	}
	if err := h.deps.Registry.Register(ctx, key, c.user.ID, c.id); err != nil {
		h.deps.Router.Unsubscribe(key, c)
		return apperr.Wrap(apperr.KindResourceInit, "failed to join conversation", err)
	}
	return nil
}

func (h *SocketHandler) leave(c *conn, key string) {
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()
	if err := h.deps.Registry.Deregister(ctx, key, c.user.ID, c.id); err != nil {
		c.logger.Warn("failed to deregister connection", zap.String("key", key), zap.Error(err))
	}
	h.deps.Router.Unsubscribe(key, c)
}

// report sends err to the connection that caused it.
func (h *SocketHandler) report(c *conn, err error) {
	switch apperr.KindOf(err) {
	case apperr.KindInternal, apperr.KindPersistence, apperr.KindResourceInit, apperr.KindTransient:
		c.logger.Error("request failed", zap.Error(err))
	default:
		c.logger.Debug("request rejected", zap.Error(err))
	}
	c.sendError(err)
}

func decodeFrame(frame []byte) (model.Inbound, error) {
	var in model.Inbound
	if err := json.Unmarshal(frame, &in); err != nil {
		return in, errInvalidFormat
	}
	return in, nil
}

// Chat handles GET /ws/chat/{chatID}
func (h *SocketHandler) Chat(w http.ResponseWriter, r *http.Request) {
	h.serveConversation(w, r, model.PrivateRef(chi.URLParam(r, "chatID")), "chat")
}

// Group handles GET /ws/group/{groupID}
func (h *SocketHandler) Group(w http.ResponseWriter, r *http.Request) {
	h.serveConversation(w, r, model.GroupRef(chi.URLParam(r, "groupID")), "group")
}

func (h *SocketHandler) serveConversation(w http.ResponseWriter, r *http.Request, ref model.ConversationRef, channel string) {
	user, err := h.identify(r)
	if err != nil {
		writeAppError(w, err)
		return
	}
	if _, err := h.deps.Messages.Authorize(r.Context(), user.ID, ref); err != nil {
		writeAppError(w, err)
		return
	}

	c, ctx, cancel, ok := h.open(w, r, user, channel)
	if !ok {
		return
	}
	defer h.close(c, cancel, channel)

	key := ref.Key()
	if err := h.join(ctx, c, key); err != nil {
		h.report(c, err)
		c.closeNormally("join failed")
		return
	}
	defer h.leave(c, key)

	c.readPump(func(frame []byte) {
		if err := h.conversationFrame(ctx, c, ref, frame); err != nil {
			h.report(c, err)
		}
	})
}

func (h *SocketHandler) conversationFrame(ctx context.Context, c *conn, ref model.ConversationRef, frame []byte) error {
	in, err := decodeFrame(frame)
	if err != nil {
		return err
	}

	switch in.Type {
	case "":
		_, err := h.deps.Messages.Send(ctx, c.user, ref, in)
		return err
	case frameMarkRead, frameDeleteMessage:
		if in.MessageID == "" {
			return apperr.Validation("message_id is required")
		}
		if in.Type == frameMarkRead {
			return h.deps.Messages.MarkRead(ctx, c.user.ID, in.MessageID)
		}
		return h.deps.Messages.Delete(ctx, c.user.ID, in.MessageID)
	case frameTyping:
		return h.deps.Messages.Typing(ctx, c.user, ref)
	default:
		return apperr.Validation("Unknown frame type: " + in.Type)
	}
}

// AI handles GET /ws/ai. A connection views one session at a time; every
// message may move it to another of the user's sessions or open a new one.
func (h *SocketHandler) AI(w http.ResponseWriter, r *http.Request) {
	const channel = "ai"
	user, err := h.identify(r)
	if err != nil {
		writeAppError(w, err)
		return
	}

	c, ctx, cancel, ok := h.open(w, r, user, channel)
	if !ok {
		return
	}
	defer h.close(c, cancel, channel)

	// key is only touched by this goroutine.
	var key string
	view := func(sessionID string) error {
		next := model.SessionRef(sessionID).Key()
		if next == key {
			return nil
		}
		if key != "" {
			h.leave(c, key)
			key = ""
		}
		if err := h.join(ctx, c, next); err != nil {
			return err
		}
		key = next
		return nil
	}
	defer func() {
		h.deps.Sessions.Unbind(c.id)
		if key != "" {
			h.leave(c, key)
		}
	}()

	if requested := r.URL.Query().Get("session_id"); requested != "" {
		bound, err := h.deps.Sessions.Attach(ctx, user.ID, c.id, requested)
		switch {
		case err != nil:
			h.report(c, err)
		case bound:
			if err := view(requested); err != nil {
				h.report(c, err)
			} else {
				c.sendEvent(&model.Event{Type: model.EventSessionBound, ChatType: model.KindSession, SessionID: requested})
			}
		}
	}

	c.readPump(func(frame []byte) {
		in, err := decodeFrame(frame)
		if err != nil {
			h.report(c, err)
			return
		}
		switch in.Type {
		case "":
		case frameLogout:
			h.logout(ctx, c)
			return
		default:
			h.report(c, apperr.Validation("Unknown frame type: "+in.Type))
			return
		}

		requested := in.SessionID
		if requested == "" {
			requested, _ = h.deps.Sessions.SessionOf(c.id)
		}
		sessionID, created, err := h.deps.Sessions.ResolveOrCreate(ctx, user.ID, c.id, requested)
		if err != nil {
			h.report(c, err)
			return
		}
		if err := view(sessionID); err != nil {
			h.report(c, err)
			return
		}
		if created {
			c.sendEvent(&model.Event{
				Type:      model.EventChatCreated,
				ChatType:  model.KindSession,
				SessionID: sessionID,
				Message:   "New chat session created successfully",
			})
		}
		if _, err := h.deps.Assistants.SendToSession(ctx, c.user, sessionID, in); err != nil {
			h.report(c, err)
		}
	})
}

// Manage handles GET /ws/manage, the user's personal channel. Notifications
// queued while the user was away are sent first.
func (h *SocketHandler) Manage(w http.ResponseWriter, r *http.Request) {
	const channel = "manage"
	user, err := h.identify(r)
	if err != nil {
		writeAppError(w, err)
		return
	}

	c, ctx, cancel, ok := h.open(w, r, user, channel)
	if !ok {
		return
	}
	defer h.close(c, cancel, channel)

	key := model.MailboxKey(user.ID)
	if err := h.join(ctx, c, key); err != nil {
		h.report(c, err)
		c.closeNormally("join failed")
		return
	}
	defer h.leave(c, key)

	pending, err := h.deps.Router.Drain(ctx, user.ID)
	if err != nil {
		c.logger.Warn("failed to drain mailbox", zap.Error(err))
	}
	if len(pending) > 0 {
		c.sendEvent(&model.Event{Type: model.EventPendingNotifications, Data: pending})
	}

	c.readPump(func(frame []byte) {
		in, err := decodeFrame(frame)
		if err != nil {
			h.report(c, err)
			return
		}
		if in.Type == frameLogout {
			h.logout(ctx, c)
			return
		}
		reply, err := h.deps.Conversations.Handle(ctx, c.user, in)
		if err != nil {
			h.report(c, err)
			return
		}
		if reply != nil {
			c.sendEvent(reply)
		}
	})
}

// logout releases the user's AI sessions and closes the connection.
func (h *SocketHandler) logout(ctx context.Context, c *conn) {
	if err := h.deps.Sessions.Logout(ctx, c.user.ID); err != nil {
		c.logger.Error("logout cleanup failed", zap.Error(err))
	}
	c.closeNormally("logged out")
}
