package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paperhub/chat-platform/internal/assistant"
	"github.com/paperhub/chat-platform/internal/fanout"
	"github.com/paperhub/chat-platform/internal/llm"
	"github.com/paperhub/chat-platform/internal/mailbox"
	"github.com/paperhub/chat-platform/internal/middleware"
	"github.com/paperhub/chat-platform/internal/model"
	"github.com/paperhub/chat-platform/internal/presence"
	"github.com/paperhub/chat-platform/internal/service"
	"github.com/paperhub/chat-platform/internal/session"
	"github.com/paperhub/chat-platform/internal/store"
	"github.com/paperhub/chat-platform/internal/worker"
	"github.com/paperhub/chat-platform/pkg/logger"
)

const testSecret = "test-secret"

type echoLLM struct {
	mu      sync.Mutex
	prompts []string
}

func (e *echoLLM) Name() string { return "echo" }

func (e *echoLLM) Complete(_ context.Context, req *llm.CompletionRequest) (*llm.CompletionResponse, error) {
	e.mu.Lock()
	e.prompts = append(e.prompts, req.Messages[len(req.Messages)-1].Content)
	e.mu.Unlock()
	return &llm.CompletionResponse{Content: "web answer", Model: "echo"}, nil
}

type zeroEmbedder struct{}

func (zeroEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range out {
		out[i] = make([]float32, 8)
	}
	return out, nil
}

type testServer struct {
	*httptest.Server
	store    *store.Memory
	registry *presence.Local
	convs    *service.ConversationService
	sessions *session.Manager

	alice, bob, carol model.User
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	log := logger.NewNop()
	ts := &testServer{
		store:    store.NewMemory(),
		registry: presence.NewLocal(),
		alice:    model.User{ID: "alice", Name: "Alice", Email: "alice@example.com"},
		bob:      model.User{ID: "bob", Name: "Bob", Email: "bob@example.com"},
		carol:    model.User{ID: "carol", Name: "Carol", Email: "carol@example.com"},
	}
	bot := model.User{ID: "bot", Name: "bot", Email: "bot@gmail.com"}
	ai := model.User{ID: "ai", Name: "AI Assistant", Email: "ai@assistant.com"}
	for _, u := range []model.User{ts.alice, ts.bob, ts.carol, bot, ai} {
		ts.store.AddUser(u)
	}

	router := fanout.NewRouter(fanout.NewHub(log), fanout.NewLocalBus(), ts.registry, mailbox.NewMemory(100), log)
	pool := worker.NewPool(2, 16, log)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = pool.Stop(ctx)
	})

	dir := t.TempDir()
	web := &echoLLM{}
	cache := assistant.NewCache[*assistant.Assistant](time.Minute, time.Hour, log)
	builder := assistant.NewBuilder(dir+"/indexes", dir+"/uploads", assistant.Deps{
		LLM:      web,
		Embedder: zeroEmbedder{},
	}, log)
	ts.sessions = session.NewManager(ts.store, cache, builder, log)
	assistants := service.NewAssistantService(service.AssistantDeps{
		Store:    ts.store,
		Router:   router,
		Sessions: ts.sessions,
		Cache:    cache,
		Builder:  builder,
		Web:      web,
		Pool:     pool,
		Bot:      bot,
		AI:       ai,
		Timeout:  5 * time.Second,
	}, log)
	messages := service.NewMessageService(ts.store, router, ts.registry, pool, assistants, log)
	ts.convs = service.NewConversationService(ts.store, router, assistants, bot.ID, log)

	sockets := NewSocketHandler(SocketDeps{
		Store:         ts.store,
		Messages:      messages,
		Conversations: ts.convs,
		Assistants:    assistants,
		Sessions:      ts.sessions,
		Router:        router,
		Registry:      ts.registry,
	}, []string{"*"}, 16, log)

	r := chi.NewRouter()
	r.Group(func(r chi.Router) {
		r.Use(middleware.Auth(testSecret))
		r.Get("/ws/chat/{chatID}", sockets.Chat)
		r.Get("/ws/group/{groupID}", sockets.Group)
		r.Get("/ws/ai", sockets.AI)
		r.Get("/ws/manage", sockets.Manage)
	})
	ts.Server = httptest.NewServer(r)
	t.Cleanup(ts.Close)
	return ts
}

func (ts *testServer) url(t *testing.T, path string, u model.User) string {
	t.Helper()
	token, err := middleware.IssueToken(testSecret, u, time.Hour)
	require.NoError(t, err)
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return "ws" + strings.TrimPrefix(ts.URL, "http") + path + sep + "token=" + token
}

func (ts *testServer) dial(t *testing.T, path string, u model.User) *websocket.Conn {
	t.Helper()
	ws, resp, err := websocket.DefaultDialer.Dial(ts.url(t, path, u), nil)
	require.NoError(t, err)
	resp.Body.Close()
	t.Cleanup(func() { ws.Close() })
	return ws
}

// online waits until u is registered on key.
func (ts *testServer) online(t *testing.T, key string, u model.User) {
	t.Helper()
	require.Eventually(t, func() bool {
		ok, _ := ts.registry.IsOnline(context.Background(), key, u.ID)
		return ok
	}, 2*time.Second, 10*time.Millisecond)
}

func (ts *testServer) privateChat(t *testing.T, a, b model.User) string {
	t.Helper()
	_, err := ts.convs.Handle(context.Background(), a, model.Inbound{Command: service.CmdCreateChat, ParticipantIDs: []string{b.ID}})
	require.NoError(t, err)
	convs, err := ts.store.ListConversations(context.Background(), a.ID, 0)
	require.NoError(t, err)
	for _, c := range convs {
		if c.Kind == model.KindPrivate && c.HasParticipant(b.ID) {
			return c.ID
		}
	}
	t.Fatal("private chat not created")
	return ""
}

type event struct {
	Type      model.EventType `json:"type"`
	SessionID string          `json:"session_id"`
	ChatID    string          `json:"chat_id"`
	Message   json.RawMessage `json:"message"`
	Data      json.RawMessage `json:"data"`
}

func (e event) text(t *testing.T) string {
	t.Helper()
	var s string
	if err := json.Unmarshal(e.Message, &s); err == nil {
		return s
	}
	var m model.Message
	require.NoError(t, json.Unmarshal(e.Message, &m))
	return m.Text
}

func read(t *testing.T, ws *websocket.Conn) event {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(3*time.Second)))
	var e event
	require.NoError(t, ws.ReadJSON(&e))
	return e
}

// readType skips frames until one of type typ arrives.
func readType(t *testing.T, ws *websocket.Conn, typ model.EventType) event {
	t.Helper()
	for {
		if e := read(t, ws); e.Type == typ {
			return e
		}
	}
}

func TestHandshakeRequiresToken(t *testing.T) {
	ts := newTestServer(t)

	_, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/ws/manage", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestHandshakeRejectsOutsider(t *testing.T) {
	ts := newTestServer(t)
	chatID := ts.privateChat(t, ts.alice, ts.bob)

	_, resp, err := websocket.DefaultDialer.Dial(ts.url(t, "/ws/chat/"+chatID, ts.carol), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	_, resp, err = websocket.DefaultDialer.Dial(ts.url(t, "/ws/chat/missing", ts.alice), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestPrivateChatLiveDelivery(t *testing.T) {
	ts := newTestServer(t)
	chatID := ts.privateChat(t, ts.alice, ts.bob)
	key := model.PrivateRef(chatID).Key()

	alice := ts.dial(t, "/ws/chat/"+chatID, ts.alice)
	bob := ts.dial(t, "/ws/chat/"+chatID, ts.bob)
	ts.online(t, key, ts.alice)
	ts.online(t, key, ts.bob)

	require.NoError(t, alice.WriteJSON(map[string]any{"message_type": "TEXT", "text": "hello"}))

	got := readType(t, bob, model.EventChatMessage)
	assert.Equal(t, chatID, got.ChatID)
	assert.Equal(t, "hello", got.text(t))
	assert.Equal(t, "hello", readType(t, alice, model.EventChatMessage).text(t))

	require.NoError(t, bob.WriteJSON(map[string]any{"type": "typing"}))
	assert.Equal(t, model.EventTyping, readType(t, alice, model.EventTyping).Type)
}

func TestConversationFrameErrors(t *testing.T) {
	ts := newTestServer(t)
	chatID := ts.privateChat(t, ts.alice, ts.bob)
	alice := ts.dial(t, "/ws/chat/"+chatID, ts.alice)

	require.NoError(t, alice.WriteMessage(websocket.TextMessage, []byte("{not json")))
	assert.Equal(t, "Invalid message format", readType(t, alice, model.EventError).text(t))

	require.NoError(t, alice.WriteJSON(map[string]any{"message_type": "LOCATION"}))
	assert.Equal(t, model.EventError, readType(t, alice, model.EventError).Type)

	require.NoError(t, alice.WriteJSON(map[string]any{"type": "mark_read"}))
	assert.Equal(t, "message_id is required", readType(t, alice, model.EventError).text(t))

	require.NoError(t, alice.WriteJSON(map[string]any{"type": "dance"}))
	assert.Equal(t, "Unknown frame type: dance", readType(t, alice, model.EventError).text(t))
}

func TestRemovedMemberIsDisconnectedFromGroup(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()
	_, err := ts.convs.Handle(ctx, ts.alice, model.Inbound{
		Command:   service.CmdCreateGroup,
		Name:      "Reading group",
		MemberIDs: []string{ts.bob.ID, ts.carol.ID},
	})
	require.NoError(t, err)
	convs, err := ts.store.ListConversations(ctx, ts.alice.ID, 0)
	require.NoError(t, err)
	require.Len(t, convs, 1)
	groupID := convs[0].ID
	key := model.GroupRef(groupID).Key()

	alice := ts.dial(t, "/ws/group/"+groupID, ts.alice)
	bob := ts.dial(t, "/ws/group/"+groupID, ts.bob)
	carol := ts.dial(t, "/ws/group/"+groupID, ts.carol)
	ts.online(t, key, ts.alice)
	ts.online(t, key, ts.bob)
	ts.online(t, key, ts.carol)

	_, err = ts.convs.Handle(ctx, ts.alice, model.Inbound{
		Command:   service.CmdRemoveMembers,
		GroupID:   groupID,
		MemberIDs: []string{ts.bob.ID},
	})
	require.NoError(t, err)

	require.NoError(t, alice.WriteJSON(map[string]any{"message_type": "TEXT", "text": "after removal"}))
	assert.Equal(t, "after removal", readType(t, carol, model.EventChatMessage).text(t))

	require.NoError(t, bob.SetReadDeadline(time.Now().Add(3*time.Second)))
	for {
		var e event
		err := bob.ReadJSON(&e)
		if err != nil {
			var netErr net.Error
			assert.False(t, errors.As(err, &netErr) && netErr.Timeout(), "connection was not closed")
			break
		}
		if e.Type == model.EventChatMessage {
			t.Fatalf("removed member received %q", e.text(t))
		}
	}

	_, resp, err := websocket.DefaultDialer.Dial(ts.url(t, "/ws/group/"+groupID, ts.bob), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestManagementChannelReceivesQueuedNotifications(t *testing.T) {
	ts := newTestServer(t)
	chatID := ts.privateChat(t, ts.alice, ts.bob)

	alice := ts.dial(t, "/ws/chat/"+chatID, ts.alice)
	ts.online(t, model.PrivateRef(chatID).Key(), ts.alice)
	require.NoError(t, alice.WriteJSON(map[string]any{"message_type": "TEXT", "text": "are you there?"}))
	readType(t, alice, model.EventChatMessage)

	bob := ts.dial(t, "/ws/manage", ts.bob)
	pending := readType(t, bob, model.EventPendingNotifications)

	var items []event
	require.NoError(t, json.Unmarshal(pending.Data, &items))
	types := make([]model.EventType, len(items))
	for i, it := range items {
		types[i] = it.Type
	}
	assert.Equal(t, []model.EventType{model.EventChatCreated, model.EventNewMessage}, types)

	require.NoError(t, bob.WriteJSON(map[string]any{"command": "get_all_chats"}))
	all := readType(t, bob, model.EventAllChats)
	assert.Contains(t, string(all.Data), chatID)

	require.NoError(t, bob.WriteJSON(map[string]any{"command": "fly"}))
	assert.Equal(t, "Unknown command: fly", readType(t, bob, model.EventError).text(t))
}

func TestManagementChannelLiveNotification(t *testing.T) {
	ts := newTestServer(t)
	bob := ts.dial(t, "/ws/manage", ts.bob)
	ts.online(t, model.MailboxKey(ts.bob.ID), ts.bob)

	ts.privateChat(t, ts.alice, ts.bob)
	assert.Equal(t, model.EventChatCreated, read(t, bob).Type)
}

func TestAIChannelCreatesAndRebindsSessions(t *testing.T) {
	ts := newTestServer(t)
	ai := ts.dial(t, "/ws/ai", ts.alice)

	require.NoError(t, ai.WriteJSON(map[string]any{"message_type": "TEXT", "text": "what is attention?", "ai_agent": "web_agent"}))

	created := readType(t, ai, model.EventChatCreated)
	require.NotEmpty(t, created.SessionID)
	assert.Equal(t, "New chat session created successfully", created.text(t))

	assert.Equal(t, "what is attention?", readType(t, ai, model.EventChatMessage).text(t))
	reply := readType(t, ai, model.EventChatMessage)
	assert.Equal(t, "web answer", reply.text(t))
	assert.Equal(t, created.SessionID, reply.SessionID)

	// A second tab viewing the same session sees the replies too.
	other := ts.dial(t, "/ws/ai?session_id="+created.SessionID, ts.alice)
	assert.Equal(t, model.EventSessionBound, readType(t, other, model.EventSessionBound).Type)
	require.Eventually(t, func() bool {
		return len(ts.sessions.ChannelsBoundTo(created.SessionID)) == 2
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, ai.WriteJSON(map[string]any{
		"message_type": "TEXT", "text": "and transformers?", "ai_agent": "web_agent", "session_id": created.SessionID,
	}))
	assert.Equal(t, "and transformers?", readType(t, other, model.EventChatMessage).text(t))

	require.NoError(t, ai.WriteJSON(map[string]any{"message_type": "TEXT", "text": "x", "ai_agent": "shell_agent"}))
	assert.Equal(t, "Unknown ai_agent: shell_agent", readType(t, ai, model.EventError).text(t))
}

func TestAIChannelIgnoresForeignSessionOnConnect(t *testing.T) {
	ts := newTestServer(t)
	id, _, err := ts.sessions.ResolveOrCreate(context.Background(), ts.bob.ID, "bob-tab", "")
	require.NoError(t, err)

	ai := ts.dial(t, "/ws/ai?session_id="+id, ts.alice)
	require.NoError(t, ai.WriteJSON(map[string]any{"message_type": "TEXT", "text": "hi", "ai_agent": "web_agent"}))

	created := readType(t, ai, model.EventChatCreated)
	assert.NotEqual(t, id, created.SessionID)
	assert.Equal(t, []string{"bob-tab"}, ts.sessions.ChannelsBoundTo(id))
}

func TestLogoutClosesConnection(t *testing.T) {
	ts := newTestServer(t)
	ai := ts.dial(t, "/ws/ai", ts.alice)
	require.NoError(t, ai.WriteJSON(map[string]any{"message_type": "TEXT", "text": "hi", "ai_agent": "web_agent"}))
	created := readType(t, ai, model.EventChatCreated)

	require.NoError(t, ai.WriteJSON(map[string]any{"type": "logout"}))
	require.NoError(t, ai.SetReadDeadline(time.Now().Add(3*time.Second)))
	for {
		if _, _, err := ai.ReadMessage(); err != nil {
			assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), err.Error())
			break
		}
	}

	_, err := ts.store.GetSession(context.Background(), created.SessionID)
	assert.NoError(t, err)
}

func TestOriginAllowed(t *testing.T) {
	tests := []struct {
		origin  string
		allowed []string
		want    bool
	}{
		{"", []string{"https://app.example.com"}, true},
		{"https://app.example.com", []string{"https://app.example.com"}, true},
		{"https://evil.example.com", []string{"https://app.example.com"}, false},
		{"https://anything.test", []string{"https://*"}, true},
		{"http://anything.test", []string{"https://*"}, false},
		{"http://x", []string{"*"}, true},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, originAllowed(tt.origin, tt.allowed), tt.origin)
	}
}
