package llm

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
	"unicode"

	"github.com/markdave123-py/Lexa/internal/core"
)

// HashEmbedder is a deterministic, offline embedder. Each lower-cased word is
// hashed into one of dim buckets with a hashed sign, and the result is
// L2-normalised. Texts sharing vocabulary get a high cosine similarity.
// Vectors are never zero: text without words, or whose words cancel out, is
// hashed as a whole.
type HashEmbedder struct {
	dim int
}

func NewHashEmbedder(dim int) *HashEmbedder {
	if dim <= 0 {
		dim = 256
	}
	return &HashEmbedder{dim: dim}
}

func (h *HashEmbedder) Dimensions() int { return h.dim }

func (h *HashEmbedder) EmbedTexts(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		out[i] = h.embed(t)
	}
	return out, nil
}

func (h *HashEmbedder) embed(text string) []float32 {
	vec := make([]float32, h.dim)
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
	for _, w := range words {
		h.add(vec, w)
	}

	norm := sumSquares(vec)
	if norm == 0 {
		h.add(vec, strings.TrimSpace(text))
		norm = sumSquares(vec)
	}
	norm = math.Sqrt(norm)
	for i := range vec {
		vec[i] = float32(float64(vec[i]) / norm)
	}
	return vec
}

// add hashes token into its bucket with a hashed sign.
func (h *HashEmbedder) add(vec []float32, token string) {
	f := fnv.New64a()
	_, _ = f.Write([]byte(token))
	sum := f.Sum64()
	idx := int(sum % uint64(h.dim))
	if (sum>>63)&1 == 1 {
		vec[idx]--
	} else {
		vec[idx]++
	}
}

func sumSquares(vec []float32) float64 {
	var n float64
	for _, v := range vec {
		n += float64(v) * float64(v)
	}
	return n
}

var _ core.EmbeddingProvider = (*HashEmbedder)(nil)
