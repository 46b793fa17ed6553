package assistant

import (
	"bytes"
	"context"
	"encoding/base64"
	"hash/fnv"
	"image"
	"image/color"
	"image/png"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/paperhub/chat-platform/internal/llm"
	"github.com/paperhub/chat-platform/pkg/apperr"
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

// bagEmbedder hashes words into a small vector so texts sharing words are close.
type bagEmbedder struct{}

func (bagEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v := make([]float32, 64)
		for _, w := range strings.Fields(strings.ToLower(t)) {
			h := fnv.New32a()
			h.Write([]byte(strings.Trim(w, ".,?!:")))
			v[h.Sum32()%64]++
		}
		out[i] = v
	}
	return out, nil
}

type fakeDescriber struct {
	caption string
}

func (f fakeDescriber) DescribeImage(context.Context, string, string) (string, error) {
	return f.caption, nil
}

type fakeExtractor map[string]*Document

func (f fakeExtractor) Extract(_ context.Context, source string) (*Document, error) {
	doc, ok := f[source]
	if !ok {
		return nil, apperr.Validation("unsupported attachment")
	}
	return doc, nil
}

func pngBase64(t *testing.T) string {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 4, 4))
	img.Set(1, 1, color.RGBA{R: 255, A: 255})
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return base64.StdEncoding.EncodeToString(buf.Bytes())
}

func newTestBuilder(t *testing.T, model *fakeLLM, docs fakeExtractor) *Builder {
	t.Helper()
	dir := t.TempDir()
	return NewBuilder(dir+"/indexes", dir+"/uploads", Deps{
		LLM:       model,
		Embedder:  bagEmbedder{},
		Describer: fakeDescriber{caption: "architecture diagram of the transformer model"},
		Extractor: docs,
	}, logger.NewNop())
}
