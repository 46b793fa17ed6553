package assistant

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/paperhub/chat-platform/pkg/apperr"
	"github.com/paperhub/chat-platform/pkg/logger"
	"github.com/paperhub/chat-platform/pkg/tracing"
)

// Builder creates assistants from their on-disk index directories.
type Builder struct {
	root    string
	uploads string
	deps    Deps
	logger  *logger.Logger
	now     func() time.Time
}

// NewBuilder creates a builder rooted at root. Image answers are written to uploads.
func NewBuilder(root, uploads string, deps Deps, log *logger.Logger) *Builder {
	return &Builder{root: root, uploads: uploads, deps: deps, logger: log, now: time.Now}
}

// Dir returns the index directory for key.
func (b *Builder) Dir(key string) string {
	return filepath.Join(b.root, key)
}

func validKey(key string) error {
	if key == "" || key == "." || key == ".." || strings.ContainsAny(key, `/\`) {
		return apperr.Validation(fmt.Sprintf("invalid assistant key %q", key))
	}
	return nil
}

// Load opens the assistant for key, starting empty when nothing was indexed yet.
func (b *Builder) Load(ctx context.Context, key string) (*Assistant, error) {
	if err := validKey(key); err != nil {
		return nil, err
	}
	_, span := tracing.Tracer("assistant").Start(ctx, "assistant.load")
	defer span.End()

	dir := b.Dir(key)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, apperr.Wrap(apperr.KindResourceInit, "failed to prepare assistant", err)
	}

	a := &Assistant{
		key:     key,
		dir:     dir,
		uploads: b.uploads,
		deps:    b.deps,
		images:  NewImageEncoder(b.deps.Describer, b.deps.Embedder),
		tracer:  tracing.Tracer("assistant"),
		logger:  b.logger.With(zap.String("key", key)),
		now:     b.now,
	}

	var err error
	if a.text, err = loadIndex(filepath.Join(dir, textIndexFile)); err != nil {
		return nil, apperr.Wrap(apperr.KindResourceInit, "failed to load assistant", err)
	}
	if a.table, err = loadIndex(filepath.Join(dir, tableIndexFile)); err != nil {
		return nil, apperr.Wrap(apperr.KindResourceInit, "failed to load assistant", err)
	}
	if a.image, err = loadIndex(filepath.Join(dir, imageIndexFile)); err != nil {
		return nil, apperr.Wrap(apperr.KindResourceInit, "failed to load assistant", err)
	}
	if a.imageMap, err = loadImageMap(filepath.Join(dir, imageMapFile)); err != nil {
		return nil, apperr.Wrap(apperr.KindResourceInit, "failed to load assistant", err)
	}

	b.logger.Debug("assistant loaded",
		zap.String("key", key),
		zap.Int("text_chunks", a.text.Len()),
		zap.Int("table_rows", a.table.Len()),
		zap.Int("images", a.image.Len()),
	)
	return a, nil
}

// RemoveIndex deletes key's index directory.
func (b *Builder) RemoveIndex(key string) error {
	if err := validKey(key); err != nil {
		return err
	}
	if err := os.RemoveAll(b.Dir(key)); err != nil {
		return fmt.Errorf("remove index %s: %w", key, err)
	}
	return nil
}
