package core

import (
	"context"
	"fmt"
)

// EmbeddingProvider maps texts to fixed-dimension vectors. Output order matches input order.
type EmbeddingProvider interface {
	EmbedTexts(ctx context.Context, texts []string) ([][]float32, error)
	Dimensions() int
}

// LLMProvider generates text from a system and user prompt.
type LLMProvider interface {
	Generate(ctx context.Context, systemPrompt string, userPrompt string) (string, error)
}

// Embed embeds a single text.
func Embed(ctx context.Context, p EmbeddingProvider, text string) ([]float32, error) {
	vecs, err := p.EmbedTexts(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(vecs) != 1 {
		return nil, fmt.Errorf("%w: expected 1 vector, got %d", ErrEmbeddingUnavailable, len(vecs))
	}
	return vecs[0], nil
}
