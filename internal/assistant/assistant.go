// Package assistant implements the per-conversation retrieval assistant and
// the cache that keeps assistants alive between questions.
package assistant

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/paperhub/chat-platform/internal/llm"
	"github.com/paperhub/chat-platform/pkg/apperr"
	"github.com/paperhub/chat-platform/pkg/logger"
)

const (
	topK = 5

	textIndexFile  = "text.idx"
	tableIndexFile = "table.idx"
	imageIndexFile = "image.idx"
	imageMapFile   = "image_mapping.json"

	// ImageFileSuffix ends the name of every image the assistant saves.
	ImageFileSuffix = "_AiChatBot.PNG"
)

// Answer is the assistant's reply. ImagePath is set for image answers.
type Answer struct {
	Text        string
	ImagePath   string
	ImageSizeKB float64
}

// Exchange is one question and its answer.
type Exchange struct {
	Question string
	Answer   string
}

type imageEntry struct {
	Base64 string `json:"base64"`
}

// Deps are the services an assistant calls.
type Deps struct {
	LLM       llm.Client
	Embedder  llm.Embedder
	Describer llm.Describer
	Extractor Extractor
}

// Assistant answers questions over the documents ingested for one
// conversation key. Its indices live under its own directory.
type Assistant struct {
	key     string
	dir     string
	uploads string
	deps    Deps
	images  *ImageEncoder
	tracer  trace.Tracer
	logger  *logger.Logger
	now     func() time.Time

	mu       sync.Mutex
	text     *Index
	table    *Index
	image    *Index
	imageMap map[string]imageEntry
	history  []Exchange
}

// Key returns the conversation key the assistant serves.
func (a *Assistant) Key() string { return a.key }

// Remember appends an exchange to the history without asking anything.
func (a *Assistant) Remember(question, answer string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.history = append(a.history, Exchange{Question: question, Answer: answer})
}

// History returns a copy of the exchanges so far.
func (a *Assistant) History() []Exchange {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]Exchange(nil), a.history...)
}

// Ingest extracts source, indexes its text chunks, table rows and images,
// and returns a short summary of its text.
func (a *Assistant) Ingest(ctx context.Context, source string) (string, error) {
	ctx, span := a.tracer.Start(ctx, "assistant.ingest", trace.WithAttributes(
		attribute.String("assistant.key", a.key),
	))
	defer span.End()

	doc, err := a.deps.Extractor.Extract(ctx, source)
	if err != nil {
		span.RecordError(err)
		return "", err
	}

	chunks := chunkText(doc.Text, textChunkSize)
	rows := tableRows(doc.Tables)
	if len(chunks) == 0 && len(rows) == 0 && len(doc.Images) == 0 {
		return "", apperr.Validation("No content could be extracted from the attachment")
	}

	var (
		textVecs, tableVecs, imageVecs [][]float32
		captions                       []string
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		textVecs, err = a.deps.Embedder.Embed(gctx, chunks)
		return err
	})
	g.Go(func() (err error) {
		tableVecs, err = a.deps.Embedder.Embed(gctx, rows)
		return err
	})
	g.Go(func() (err error) {
		imageVecs, captions, err = a.images.Encode(gctx, doc.Images)
		return err
	})
	if err := g.Wait(); err != nil {
		span.RecordError(err)
		return "", apperr.Transient("failed to index attachment", err)
	}

	summarySource := doc.Text
	if strings.TrimSpace(summarySource) == "" {
		summarySource = strings.Join(captions, "\n")
	}
	summary, err := a.summarize(ctx, summarySource)
	if err != nil {
		span.RecordError(err)
		return "", apperr.Transient("failed to summarize attachment", err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.text.Add(textVecs, chunks); err != nil {
		return "", err
	}
	if err := a.table.Add(tableVecs, rows); err != nil {
		return "", err
	}
	start := a.image.Len()
	if err := a.image.Add(imageVecs, captions); err != nil {
		return "", err
	}
	for i, img := range doc.Images {
		a.imageMap[strconv.Itoa(start+i)] = imageEntry{Base64: img}
	}
	if err := a.persistLocked(); err != nil {
		return "", err
	}

	a.logger.Info("attachment ingested",
		zap.String("key", a.key),
		zap.String("source", doc.Name),
		zap.Int("text_chunks", len(chunks)),
		zap.Int("table_rows", len(rows)),
		zap.Int("images", len(doc.Images)),
	)
	return summary, nil
}

func (a *Assistant) summarize(ctx context.Context, text string) (string, error) {
	var parts []string
	for _, chunk := range chunkLines(text, summaryChunkSize) {
		s, err := llm.Text(ctx, a.deps.LLM, summarySystem, summaryPrompt(chunk))
		if err != nil {
			return "", err
		}
		parts = append(parts, strings.TrimSpace(s))
	}
	return strings.Join(parts, " "), nil
}

// Ask answers question from the indexed documents and the history. Questions
// that ask for a figure are answered with the closest indexed image.
func (a *Assistant) Ask(ctx context.Context, question string) (*Answer, error) {
	ctx, span := a.tracer.Start(ctx, "assistant.ask", trace.WithAttributes(
		attribute.String("assistant.key", a.key),
	))
	defer span.End()

	if wantsImage(question) {
		ans, ok, err := a.askImage(ctx, question)
		if err != nil {
			span.RecordError(err)
			return nil, err
		}
		if ok {
			span.SetAttributes(attribute.Bool("assistant.image", true))
			return ans, nil
		}
	}

	a.mu.Lock()
	text, table := a.text.clone(), a.table.clone()
	history := formatHistory(a.history)
	a.mu.Unlock()

	var docs []string
	if text.Len() > 0 || table.Len() > 0 {
		vecs, err := a.deps.Embedder.Embed(ctx, []string{question})
		if err != nil {
			span.RecordError(err)
			return nil, fmt.Errorf("embed question: %w", err)
		}
		for _, h := range text.Search(vecs[0], topK) {
			docs = append(docs, h.Doc)
		}
		for _, h := range table.Search(vecs[0], topK) {
			docs = append(docs, h.Doc)
		}
	}
	span.SetAttributes(attribute.Int("assistant.context_docs", len(docs)))

	answer, err := llm.Text(ctx, a.deps.LLM, answerSystem, answerPrompt(question, strings.Join(docs, " "), history))
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	a.Remember(question, answer)
	return &Answer{Text: answer}, nil
}

// askImage returns ok=false when no image has been indexed.
func (a *Assistant) askImage(ctx context.Context, question string) (*Answer, bool, error) {
	a.mu.Lock()
	images := a.image.clone()
	a.mu.Unlock()
	if images.Len() == 0 {
		return nil, false, nil
	}

	vecs, err := a.deps.Embedder.Embed(ctx, []string{question})
	if err != nil {
		return nil, false, fmt.Errorf("embed question: %w", err)
	}
	hits := images.Search(vecs[0], 1)
	if len(hits) == 0 {
		return nil, false, nil
	}

	a.mu.Lock()
	entry, ok := a.imageMap[strconv.Itoa(hits[0].Position)]
	a.mu.Unlock()
	if !ok {
		return nil, false, fmt.Errorf("image %d missing from mapping", hits[0].Position)
	}

	explanation, err := a.deps.Describer.DescribeImage(ctx, entry.Base64, describeImagePrompt)
	if err != nil {
		return nil, false, err
	}

	path, sizeKB, err := a.saveImage(entry.Base64)
	if err != nil {
		return nil, false, err
	}
	return &Answer{Text: explanation, ImagePath: path, ImageSizeKB: sizeKB}, true, nil
}

func (a *Assistant) saveImage(b64 string) (string, float64, error) {
	data, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return "", 0, fmt.Errorf("decode image: %w", err)
	}
	if err := os.MkdirAll(a.uploads, 0o755); err != nil {
		return "", 0, fmt.Errorf("create uploads dir: %w", err)
	}
	name := strconv.FormatInt(a.now().Unix(), 10) + "_" + uuid.NewString()[:8] + ImageFileSuffix
	path := filepath.Join(a.uploads, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", 0, fmt.Errorf("save image: %w", err)
	}
	return path, float64(len(data)) / 1024, nil
}

func (a *Assistant) persistLocked() error {
	if err := a.text.save(filepath.Join(a.dir, textIndexFile)); err != nil {
		return err
	}
	if err := a.table.save(filepath.Join(a.dir, tableIndexFile)); err != nil {
		return err
	}
	if err := a.image.save(filepath.Join(a.dir, imageIndexFile)); err != nil {
		return err
	}
	data, err := json.Marshal(a.imageMap)
	if err != nil {
		return fmt.Errorf("encode image mapping: %w", err)
	}
	return os.WriteFile(filepath.Join(a.dir, imageMapFile), data, 0o644)
}

func formatHistory(history []Exchange) string {
	parts := make([]string, len(history))
	for i, h := range history {
		parts[i] = fmt.Sprintf("Q: %s\nA: %s", h.Question, h.Answer)
	}
	return strings.Join(parts, " ")
}

func loadImageMap(path string) (map[string]imageEntry, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return make(map[string]imageEntry), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read image mapping: %w", err)
	}
	m := make(map[string]imageEntry)
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode image mapping: %w", err)
	}
	return m, nil
}

// AnswerWeb answers without retrieval, from the model's own knowledge and the
// given history.
func AnswerWeb(ctx context.Context, client llm.Client, question string, history []Exchange) (string, error) {
	return llm.Text(ctx, client, answerSystem, webPrompt(question, formatHistory(history)))
}
