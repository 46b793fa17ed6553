package service

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"hash/fnv"
	"image"
	"image/color"
	"image/png"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/paperhub/chat-platform/internal/assistant"
	"github.com/paperhub/chat-platform/internal/fanout"
	"github.com/paperhub/chat-platform/internal/llm"
	"github.com/paperhub/chat-platform/internal/mailbox"
	"github.com/paperhub/chat-platform/internal/model"
	"github.com/paperhub/chat-platform/internal/presence"
	"github.com/paperhub/chat-platform/internal/session"
	"github.com/paperhub/chat-platform/internal/store"
	"github.com/paperhub/chat-platform/internal/worker"
	"github.com/paperhub/chat-platform/pkg/logger"
)

type fakeLLM struct {
	mu      sync.Mutex
	prompts []string
	reply   func(prompt string) string
}

func (f *fakeLLM) Name() string { return "fake" }

func (f *fakeLLM) Complete(_ context.Context, req *llm.CompletionRequest) (*llm.CompletionResponse, error) {
	prompt := req.Messages[len(req.Messages)-1].Content
	f.mu.Lock()
	f.prompts = append(f.prompts, prompt)
	f.mu.Unlock()
	out := "ok"
	if f.reply != nil {
		out = f.reply(prompt)
	}
	return &llm.CompletionResponse{Content: out, Model: "fake"}, nil
}

func (f *fakeLLM) lastPrompt() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.prompts) == 0 {
		return ""
	}
	return f.prompts[len(f.prompts)-1]
}

type bagEmbedder struct{}

func (bagEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v := make([]float32, 32)
		for _, w := range strings.Fields(strings.ToLower(t)) {
			h := fnv.New32a()
			h.Write([]byte(w))
			v[h.Sum32()%32]++
		}
		out[i] = v
	}
	return out, nil
}

type fakeDescriber struct{}

func (fakeDescriber) DescribeImage(context.Context, string, string) (string, error) {
	return "a figure", nil
}

type fakeExtractor map[string]*assistant.Document

func (f fakeExtractor) Extract(_ context.Context, source string) (*assistant.Document, error) {
	doc, ok := f[source]
	if !ok {
		return nil, errors.New("cannot open " + source)
	}
	return doc, nil
}

// recorder is a live connection that keeps every frame it is sent.
type recorder struct {
	id     string
	user   string
	mu      sync.Mutex
	frames  []frame
	dropped bool
}

type frame struct {
	Type    model.EventType `json:"type"`
	UserID  string          `json:"user_id"`
	Message json.RawMessage `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func (r *recorder) ID() string     { return r.id }
func (r *recorder) UserID() string { return r.user }

func (r *recorder) Drop() {
	r.mu.Lock()
	r.dropped = true
	r.mu.Unlock()
}

func (r *recorder) isDropped() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropped
}

func (r *recorder) Enqueue(b []byte) bool {
	var f frame
	if err := json.Unmarshal(b, &f); err != nil {
		return false
	}
	r.mu.Lock()
	r.frames = append(r.frames, f)
	r.mu.Unlock()
	return true
}

func (r *recorder) types() []model.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]model.EventType, len(r.frames))
	for i, f := range r.frames {
		out[i] = f.Type
	}
	return out
}

type env struct {
	store      *store.Memory
	registry   *presence.Local
	router     *fanout.Router
	pool       *worker.Pool
	cache      *assistant.Cache[*assistant.Assistant]
	builder    *assistant.Builder
	sessions   *session.Manager
	messages   *MessageService
	convs      *ConversationService
	assistants *AssistantService
	model      *fakeLLM
	web        *fakeLLM

	alice, bob, carol, bot, ai model.User
}

func newEnv(t *testing.T, docs fakeExtractor) *env {
	t.Helper()
	log := logger.NewNop()
	e := &env{
		store:    store.NewMemory(),
		registry: presence.NewLocal(),
		model:    &fakeLLM{},
		web:      &fakeLLM{},
		alice:    model.User{ID: "alice", Name: "Alice", Email: "alice@example.com"},
		bob:      model.User{ID: "bob", Name: "Bob", Email: "bob@example.com"},
		carol:    model.User{ID: "carol", Name: "Carol", Email: "carol@example.com"},
		bot:      model.User{ID: "bot", Name: "bot", Email: "bot@gmail.com"},
		ai:       model.User{ID: "ai", Name: "AI Assistant", Email: "ai@assistant.com"},
	}
	for _, u := range []model.User{e.alice, e.bob, e.carol, e.bot, e.ai} {
		e.store.AddUser(u)
	}

	e.router = fanout.NewRouter(fanout.NewHub(log), fanout.NewLocalBus(), e.registry, mailbox.NewMemory(100), log)
	e.pool = worker.NewPool(2, 16, log)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = e.pool.Stop(ctx)
	})

	dir := t.TempDir()
	e.cache = assistant.NewCache[*assistant.Assistant](time.Minute, time.Hour, log)
	e.builder = assistant.NewBuilder(dir+"/indexes", dir+"/uploads", assistant.Deps{
		LLM:       e.model,
		Embedder:  bagEmbedder{},
		Describer: fakeDescriber{},
		Extractor: docs,
	}, log)
	e.sessions = session.NewManager(e.store, e.cache, e.builder, log)
	e.assistants = NewAssistantService(AssistantDeps{
		Store:    e.store,
		Router:   e.router,
		Sessions: e.sessions,
		Cache:    e.cache,
		Builder:  e.builder,
		Web:      e.web,
		Pool:     e.pool,
		Bot:      e.bot,
		AI:       e.ai,
		Timeout:  5 * time.Second,
	}, log)
	e.messages = NewMessageService(e.store, e.router, e.registry, e.pool, e.assistants, log)
	e.convs = NewConversationService(e.store, e.router, e.assistants, e.bot.ID, log)
	return e
}

// connect puts user online on key with a recording connection.
func (e *env) connect(t *testing.T, key string, user model.User) *recorder {
	t.Helper()
	rec := &recorder{id: user.ID + "-" + key, user: user.ID}
	require.NoError(t, e.registry.Register(context.Background(), key, user.ID, rec.id))
	require.NoError(t, e.router.Subscribe(key, rec))
	return rec
}

func (e *env) privateChat(t *testing.T, a, b model.User) *model.Conversation {
	t.Helper()
	_, err := e.convs.Handle(context.Background(), a, model.Inbound{Command: CmdCreateChat, ParticipantIDs: []string{b.ID}})
	require.NoError(t, err)
	convs, err := e.store.ListConversations(context.Background(), a.ID, 0)
	require.NoError(t, err)
	for i := range convs {
		if convs[i].Kind == model.KindPrivate && convs[i].HasParticipant(b.ID) {
			return &convs[i]
		}
	}
	t.Fatal("private chat not created")
	return nil
}

func (e *env) group(t *testing.T, creator model.User, members ...model.User) *model.Conversation {
	t.Helper()
	ids := make([]string, len(members))
	for i, m := range members {
		ids[i] = m.ID
	}
	_, err := e.convs.Handle(context.Background(), creator, model.Inbound{Command: CmdCreateGroup, Name: "Reading group", MemberIDs: ids})
	require.NoError(t, err)
	convs, err := e.store.ListConversations(context.Background(), creator.ID, 0)
	require.NoError(t, err)
	for i := range convs {
		if convs[i].Kind == model.KindGroup {
			return &convs[i]
		}
	}
	t.Fatal("group not created")
	return nil
}

func text(s string) model.Inbound {
	return model.Inbound{MessageType: model.TypeText, Text: s}
}

func drainTypes(t *testing.T, e *env, userID string) []model.EventType {
	t.Helper()
	items, err := e.router.Drain(context.Background(), userID)
	require.NoError(t, err)
	out := make([]model.EventType, len(items))
	for i, raw := range items {
		var f frame
		require.NoError(t, json.Unmarshal(raw, &f))
		out[i] = f.Type
	}
	return out
}

func pngBase64(t *testing.T) string {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 2, 2))
	img.Set(0, 0, color.RGBA{B: 255, A: 255})
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return base64.StdEncoding.EncodeToString(buf.Bytes())
}
