// Package chunker splits normalized document text into overlapping, size-bounded passages.
package chunker

import (
	"fmt"
	"iter"
	"slices"
	"unicode"

	"github.com/markdave123-py/Lexa/internal/core"
	"github.com/markdave123-py/Lexa/internal/models"
)

// Default configuration values, in runes.
const (
	DefaultMaxSize = 1000
	DefaultOverlap = 150
)

// Chunker splits text at sentence or word boundaries and falls back to a hard
// cut when none is available inside the size budget. Input is normalized, so
// paragraph breaks have already become single spaces.
type Chunker struct {
	maxSize int
	overlap int
	tokens  TokenCounter
}

// Option configures a Chunker.
type Option func(*Chunker)

// WithMaxSize sets the maximum chunk length in runes.
func WithMaxSize(n int) Option {
	return func(c *Chunker) { c.maxSize = n }
}

// WithOverlap sets how many runes consecutive chunks share.
func WithOverlap(n int) Option {
	return func(c *Chunker) { c.overlap = n }
}

// WithTokenCounter sets the counter used to fill Chunk.TokenCount.
func WithTokenCounter(tc TokenCounter) Option {
	return func(c *Chunker) { c.tokens = tc }
}

// New creates a Chunker. It fails with a ValidationError when the overlap is
// negative or not smaller than the maximum size.
func New(opts ...Option) (*Chunker, error) {
	c := &Chunker{
		maxSize: DefaultMaxSize,
		overlap: DefaultOverlap,
		tokens:  ApproxCounter{},
	}
	for _, opt := range opts {
		opt(c)
	}

	switch {
	case c.maxSize <= 0:
		return nil, core.NewValidationError("max_chunk_size", "must be positive")
	case c.overlap < 0:
		return nil, core.NewValidationError("overlap_size", "must not be negative")
	case c.overlap >= c.maxSize:
		return nil, core.NewValidationError("overlap_size", "must be smaller than max_chunk_size")
	}
	if c.tokens == nil {
		c.tokens = ApproxCounter{}
	}
	return c, nil
}

func (c *Chunker) MaxSize() int { return c.maxSize }
func (c *Chunker) Overlap() int { return c.overlap }

// Split returns every chunk of text in sequence order.
func (c *Chunker) Split(documentID, text string) []models.Chunk {
	return slices.Collect(c.Chunks(documentID, text))
}

// Chunks returns a lazy sequence of chunks. Ranging over it again restarts
// from the beginning and yields the same boundaries.
func (c *Chunker) Chunks(documentID, text string) iter.Seq[models.Chunk] {
	return func(yield func(models.Chunk) bool) {
		runes := []rune(text)
		n := len(runes)

		start := skipSpace(runes, 0)
		for seq := 0; start < n; seq++ {
			end := n
			if n-start > c.maxSize {
				end = c.cut(runes, start)
			}

			e := end
			for e > start && unicode.IsSpace(runes[e-1]) {
				e--
			}
			body := string(runes[start:e])
			ch := models.Chunk{
				ID:            ChunkID(documentID, seq),
				DocumentID:    documentID,
				Text:          body,
				StartOffset:   start,
				EndOffset:     e,
				SequenceIndex: seq,
				TokenCount:    c.tokens.Count(body),
			}
			if !yield(ch) {
				return
			}
			if end >= n {
				return
			}

			next := alignToWord(runes, end-c.overlap, end)
			if next <= start {
				next = end
			}
			start = skipSpace(runes, next)
		}
	}
}

// ChunkID is the deterministic id of the seq-th chunk of a document.
func ChunkID(documentID string, seq int) string {
	return fmt.Sprintf("%s_chunk_%d", documentID, seq)
}

// cut picks the exclusive end of the chunk starting at start. Candidates must
// leave a chunk longer than the overlap so the next chunk always advances.
func (c *Chunker) cut(runes []rune, start int) int {
	limit := start + c.maxSize
	lowest := start + c.overlap + 1

	for b := limit; b >= lowest; b-- {
		if isSentenceEnd(runes[b-1]) && (b == len(runes) || unicode.IsSpace(runes[b])) {
			return b
		}
	}
	for b := limit; b >= lowest; b-- {
		if b < len(runes) && unicode.IsSpace(runes[b]) && !unicode.IsSpace(runes[b-1]) {
			return b
		}
	}
	return limit
}

func isSentenceEnd(r rune) bool {
	switch r {
	case '.', '!', '?', ';':
		return true
	}
	return false
}

// alignToWord moves pos forward to the next whitespace when it lands inside a
// word, as long as that stays before end.
func alignToWord(runes []rune, pos, end int) int {
	if pos <= 0 || unicode.IsSpace(runes[pos-1]) {
		return pos
	}
	for p := pos; p < end; p++ {
		if unicode.IsSpace(runes[p]) {
			return p
		}
	}
	return pos
}

func skipSpace(runes []rune, pos int) int {
	for pos < len(runes) && unicode.IsSpace(runes[pos]) {
		pos++
	}
	return pos
}
