package assistant

import (
	"context"
	"fmt"

	"github.com/paperhub/chat-platform/internal/llm"
)

// ImageEncoder maps images into the text embedding space by captioning them
// with a vision model and embedding the caption. Image-intent questions are
// embedded with the same text embedder, so both sides share one space.
type ImageEncoder struct {
	describer llm.Describer
	embedder  llm.Embedder
}

// NewImageEncoder creates an encoder.
func NewImageEncoder(describer llm.Describer, embedder llm.Embedder) *ImageEncoder {
	return &ImageEncoder{describer: describer, embedder: embedder}
}

// Encode returns one vector and one caption per image.
func (e *ImageEncoder) Encode(ctx context.Context, images []string) ([][]float32, []string, error) {
	if len(images) == 0 {
		return nil, nil, nil
	}
	captions := make([]string, len(images))
	for i, img := range images {
		caption, err := e.describer.DescribeImage(ctx, img, describeImagePrompt)
		if err != nil {
			return nil, nil, fmt.Errorf("caption image %d: %w", i, err)
		}
		captions[i] = caption
	}
	vectors, err := e.embedder.Embed(ctx, captions)
	if err != nil {
		return nil, nil, fmt.Errorf("embed image captions: %w", err)
	}
	return vectors, captions, nil
}
