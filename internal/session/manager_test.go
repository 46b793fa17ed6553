package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paperhub/chat-platform/internal/assistant"
	"github.com/paperhub/chat-platform/internal/model"
	"github.com/paperhub/chat-platform/internal/store"
	"github.com/paperhub/chat-platform/pkg/logger"
)

func newManager(t *testing.T) (*Manager, *store.Memory, *assistant.Cache[*assistant.Assistant], *assistant.Builder) {
	t.Helper()
	log := logger.NewNop()
	st := store.NewMemory()
	cache := assistant.NewCache[*assistant.Assistant](time.Minute, time.Hour, log)
	dir := t.TempDir()
	builder := assistant.NewBuilder(dir+"/indexes", dir+"/uploads", assistant.Deps{}, log)
	return NewManager(st, cache, builder, log), st, cache, builder
}

func TestResolveOrCreate(t *testing.T) {
	ctx := context.Background()
	m, _, _, _ := newManager(t)

	id, created, err := m.ResolveOrCreate(ctx, "u1", "conn-1", "")
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEmpty(t, id)

	again, created, err := m.ResolveOrCreate(ctx, "u1", "conn-2", id)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, id, again)
	assert.Equal(t, []string{"conn-1", "conn-2"}, m.ChannelsBoundTo(id))

	other, created, err := m.ResolveOrCreate(ctx, "u2", "conn-3", id)
	require.NoError(t, err)
	assert.True(t, created, "sessions of another user are never shared")
	assert.NotEqual(t, id, other)

	unknown, created, err := m.ResolveOrCreate(ctx, "u1", "conn-4", "no-such-session")
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEqual(t, "no-such-session", unknown)
}

func TestRebindMovesConnection(t *testing.T) {
	ctx := context.Background()
	m, _, _, _ := newManager(t)

	first, _, err := m.ResolveOrCreate(ctx, "u1", "tab", "")
	require.NoError(t, err)
	second, _, err := m.ResolveOrCreate(ctx, "u1", "other-tab", "")
	require.NoError(t, err)

	_, _, err = m.ResolveOrCreate(ctx, "u1", "tab", second)
	require.NoError(t, err)

	assert.Empty(t, m.ChannelsBoundTo(first))
	assert.Equal(t, []string{"other-tab", "tab"}, m.ChannelsBoundTo(second))
	bound, ok := m.SessionOf("tab")
	require.True(t, ok)
	assert.Equal(t, second, bound)
}

func TestUnbindKeepsSessionAndAssistant(t *testing.T) {
	ctx := context.Background()
	m, st, cache, _ := newManager(t)

	id, _, err := m.ResolveOrCreate(ctx, "u1", "conn-1", "")
	require.NoError(t, err)
	_, err = m.Assistant(ctx, id)
	require.NoError(t, err)

	m.Unbind("conn-1")
	assert.Empty(t, m.ChannelsBoundTo(id))

	_, err = st.GetSession(ctx, id)
	assert.NoError(t, err)
	_, ok := cache.Get(model.SessionRef(id).Key())
	assert.True(t, ok)

	again, created, err := m.ResolveOrCreate(ctx, "u1", "conn-2", id)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, id, again)
}

func TestLogoutEvictsAndDeletesIndices(t *testing.T) {
	ctx := context.Background()
	m, st, cache, builder := newManager(t)

	a, _, err := m.ResolveOrCreate(ctx, "u1", "c1", "")
	require.NoError(t, err)
	b, _, err := m.ResolveOrCreate(ctx, "u1", "c2", "")
	require.NoError(t, err)
	other, _, err := m.ResolveOrCreate(ctx, "u2", "c3", "")
	require.NoError(t, err)
	for _, id := range []string{a, b, other} {
		_, err := m.Assistant(ctx, id)
		require.NoError(t, err)
	}

	require.NoError(t, m.Logout(ctx, "u1"))

	for _, id := range []string{a, b} {
		key := model.SessionRef(id).Key()
		_, ok := cache.Get(key)
		assert.False(t, ok)
		assert.NoDirExists(t, builder.Dir(key))
		assert.Empty(t, m.ChannelsBoundTo(id))
		_, err := st.GetSession(ctx, id)
		assert.NoError(t, err)
	}

	_, ok := cache.Get(model.SessionRef(other).Key())
	assert.True(t, ok)
	assert.DirExists(t, builder.Dir(model.SessionRef(other).Key()))
}

func TestAttachNeverCreates(t *testing.T) {
	ctx := context.Background()
	m, _, _, _ := newManager(t)

	id, _, err := m.ResolveOrCreate(ctx, "u1", "c1", "")
	require.NoError(t, err)

	ok, err := m.Attach(ctx, "u1", "c2", id)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []string{"c1", "c2"}, m.ChannelsBoundTo(id))

	ok, err = m.Attach(ctx, "u2", "c3", id)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = m.Attach(ctx, "u1", "c4", "missing")
	require.NoError(t, err)
	assert.False(t, ok)
	_, bound := m.SessionOf("c4")
	assert.False(t, bound)
}
