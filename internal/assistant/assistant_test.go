package assistant

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paperhub/chat-platform/pkg/apperr"
	"github.com/paperhub/chat-platform/pkg/logger"
)

func TestChunking(t *testing.T) {
	text := strings.Repeat("a", 1200)
	chunks := chunkText(text, textChunkSize)
	require.Len(t, chunks, 3)
	assert.Len(t, chunks[0], 500)
	assert.Len(t, chunks[2], 200)

	line := strings.Repeat("b", 3000)
	packed := chunkLines(line+"\n"+line+"\nshort", summaryChunkSize)
	require.Len(t, packed, 2)
	assert.True(t, strings.HasSuffix(packed[1], "\nshort"))

	rows := tableRows([]Table{{{"Model", "BLEU", "Cost"}, {"Transformer", "28.4", "2.3"}}})
	assert.Equal(t, []string{
		"Table Row: Model | BLEU | Cost",
		"Table Row: Transformer | 28.4 | 2.3",
	}, rows)
}

func TestWantsImage(t *testing.T) {
	assert.True(t, wantsImage("Show me the architecture diagram"))
	assert.True(t, wantsImage("any PHOTO?"))
	assert.False(t, wantsImage("what does imagery mean"))
	assert.False(t, wantsImage("what is attention"))
}

func TestIngestThenAskUsesRetrievedContext(t *testing.T) {
	ctx := context.Background()
	model := &fakeLLM{reply: func(p string) string {
		if strings.HasPrefix(p, "Summarize") {
			return "A paper about attention."
		}
		return "Attention weighs tokens."
	}}
	b := newTestBuilder(t, model, fakeExtractor{
		"uploads/paper.pdf": {
			Name:   "paper.pdf",
			Text:   "The attention mechanism weighs every token against every other token.",
			Tables: []Table{{{"layer", "heads", "dim"}, {"encoder", "8", "512"}}},
		},
	})

	a, err := b.Load(ctx, "group_g1")
	require.NoError(t, err)

	summary, err := a.Ingest(ctx, "uploads/paper.pdf")
	require.NoError(t, err)
	assert.Equal(t, "A paper about attention.", summary)

	ans, err := a.Ask(ctx, "what does the attention mechanism do?")
	require.NoError(t, err)
	assert.Equal(t, "Attention weighs tokens.", ans.Text)
	assert.Empty(t, ans.ImagePath)

	prompt := model.lastPrompt()
	assert.Contains(t, prompt, "weighs every token")
	assert.Contains(t, prompt, "Table Row: encoder | 8 | 512")
	assert.NotContains(t, prompt, "Sorry i cant answer this question")

	_, err = a.Ask(ctx, "and the heads?")
	require.NoError(t, err)
	assert.Contains(t, model.lastPrompt(), "Q: what does the attention mechanism do?\nA: Attention weighs tokens.")
	assert.Len(t, a.History(), 2)
}

func TestAskWithoutContextDeclines(t *testing.T) {
	model := &fakeLLM{reply: func(string) string { return "Sorry i cant answer this question" }}
	a, err := newTestBuilder(t, model, nil).Load(context.Background(), "session_s1")
	require.NoError(t, err)

	ans, err := a.Ask(context.Background(), "who won the match yesterday?")
	require.NoError(t, err)
	assert.Equal(t, "Sorry i cant answer this question", ans.Text)
	assert.Contains(t, model.lastPrompt(), `respond with "Sorry i cant answer this question"`)
	assert.Contains(t, model.lastPrompt(), "greeting")
}

func TestImageQuestionReturnsSavedImage(t *testing.T) {
	ctx := context.Background()
	model := &fakeLLM{}
	b := newTestBuilder(t, model, fakeExtractor{
		"fig.png": {Name: "fig.png", Images: []string{pngBase64(t)}},
	})
	now := time.Unix(1700000000, 0)
	b.now = func() time.Time { return now }

	a, err := b.Load(ctx, "group_g1")
	require.NoError(t, err)
	_, err = a.Ingest(ctx, "fig.png")
	require.NoError(t, err)

	ans, err := a.Ask(ctx, "show the transformer architecture diagram")
	require.NoError(t, err)
	assert.Equal(t, "architecture diagram of the transformer model", ans.Text)
	name := filepath.Base(ans.ImagePath)
	assert.True(t, strings.HasPrefix(name, "1700000000_"), name)
	assert.True(t, strings.HasSuffix(name, ImageFileSuffix), name)
	assert.Greater(t, ans.ImageSizeKB, 0.0)

	info, err := os.Stat(ans.ImagePath)
	require.NoError(t, err)
	assert.InDelta(t, float64(info.Size())/1024, ans.ImageSizeKB, 0.001)

	again, err := a.Ask(ctx, "show the transformer architecture diagram")
	require.NoError(t, err)
	assert.NotEqual(t, ans.ImagePath, again.ImagePath)
	_, err = os.Stat(ans.ImagePath)
	require.NoError(t, err)
	_, err = os.Stat(again.ImagePath)
	require.NoError(t, err)
}

func TestImageQuestionWithoutImagesFallsBackToText(t *testing.T) {
	model := &fakeLLM{reply: func(string) string { return "no figure" }}
	a, err := newTestBuilder(t, model, nil).Load(context.Background(), "chat_c1")
	require.NoError(t, err)

	ans, err := a.Ask(context.Background(), "show me a picture")
	require.NoError(t, err)
	assert.Equal(t, "no figure", ans.Text)
	assert.Empty(t, ans.ImagePath)
}

func TestIngestRejectsEmptyDocument(t *testing.T) {
	b := newTestBuilder(t, &fakeLLM{}, fakeExtractor{"blank.pdf": {Name: "blank.pdf"}})
	a, err := b.Load(context.Background(), "group_g1")
	require.NoError(t, err)

	_, err = a.Ingest(context.Background(), "blank.pdf")
	assert.True(t, errors.Is(err, apperr.ErrValidation))
}

func TestIndexSurvivesEvictionAndReload(t *testing.T) {
	ctx := context.Background()
	model := &fakeLLM{}
	b := newTestBuilder(t, model, fakeExtractor{
		"a.pdf": {Name: "a.pdf", Text: "positional encoding uses sine waves", Images: []string{pngBase64(t)}},
	})

	cache := NewCache[*Assistant](time.Minute, time.Minute, logger.NewNop())
	now := time.Now()
	cache.now = func() time.Time { return now }
	load := func(ctx context.Context) (*Assistant, error) { return b.Load(ctx, "group_g1") }

	a, err := cache.GetOrCreate(ctx, "group_g1", load)
	require.NoError(t, err)
	_, err = a.Ingest(ctx, "a.pdf")
	require.NoError(t, err)

	now = now.Add(2 * time.Minute)
	assert.Equal(t, 1, cache.Sweep())
	assert.Equal(t, 0, cache.Len())
	assert.DirExists(t, b.Dir("group_g1"))

	reloaded, err := cache.GetOrCreate(ctx, "group_g1", load)
	require.NoError(t, err)
	assert.NotSame(t, a, reloaded)
	assert.Equal(t, 1, reloaded.text.Len())
	assert.Equal(t, 1, reloaded.image.Len())
	assert.Contains(t, reloaded.imageMap, "0")
}

func TestBuilderRemoveIndex(t *testing.T) {
	b := newTestBuilder(t, &fakeLLM{}, nil)
	_, err := b.Load(context.Background(), "session_s1")
	require.NoError(t, err)
	require.DirExists(t, b.Dir("session_s1"))

	require.NoError(t, b.RemoveIndex("session_s1"))
	assert.NoDirExists(t, b.Dir("session_s1"))

	_, err = b.Load(context.Background(), "../escape")
	assert.True(t, errors.Is(err, apperr.ErrValidation))
}
