// Package answering answers questions from the vector index and grounds the
// generated answer in citations.
package answering

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/markdave123-py/Lexa/internal/core"
	"github.com/markdave123-py/Lexa/internal/models"
)

const (
	// Apology is the answer of every degraded request.
	Apology = "Sorry, I was unable to answer your question right now. Please try again later."
	// NoContextAnswer is returned when retrieval finds nothing.
	NoContextAnswer = "I couldn't find relevant documents to answer your question."

	DefaultTopK    = 3
	snippetLength  = 150
	contextDivider = "\n\n---\n"
)

const systemPrompt = "You are a legal assistant. Answer the user's question based only on the provided context snippets. " +
	"Do not use any prior knowledge. " +
	"If the context does not contain the answer, state that you cannot answer based on the provided information. " +
	"Be concise and directly answer the question."

// Options tunes an Engine. Zero values select the defaults.
type Options struct {
	DefaultTopK int
	Logger      *slog.Logger
}

// Engine runs the question answering state machine
// Received, Embedding, Retrieving, Generating, then Answered or Degraded.
type Engine struct {
	embedder core.EmbeddingProvider
	index    core.VectorIndex
	llm      core.LLMProvider
	docs     core.DocumentRepository
	topK     int
	log      *slog.Logger
}

// New builds an Engine. llm may be nil, in which case every answer that needs
// generation degrades.
func New(embedder core.EmbeddingProvider, index core.VectorIndex, llm core.LLMProvider, docs core.DocumentRepository, opts Options) *Engine {
	if opts.DefaultTopK <= 0 {
		opts.DefaultTopK = DefaultTopK
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Engine{
		embedder: embedder,
		index:    index,
		llm:      llm,
		docs:     docs,
		topK:     opts.DefaultTopK,
		log:      opts.Logger.With("component", "answering"),
	}
}

// Search embeds query and returns the nearest chunks. Unlike Answer it reports
// backend failures to the caller.
func (e *Engine) Search(ctx context.Context, query string, topK int) ([]models.SearchHit, error) {
	if strings.TrimSpace(query) == "" {
		return nil, core.NewValidationError("query", "must not be empty")
	}
	vec, err := core.Embed(ctx, e.embedder, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	hits, err := e.index.Search(ctx, vec, topK)
	if err != nil {
		return nil, fmt.Errorf("search index: %w", err)
	}
	return hits, nil
}

// request tracks one pass through the state machine.
type request struct {
	answer models.Answer
}

func (r *request) enter(s models.AnswerState) {
	r.answer.State = s
	r.answer.Trace = append(r.answer.Trace, s)
}

// Answer never fails: backend errors end in the Degraded state with the fixed
// apology and no citations.
func (e *Engine) Answer(ctx context.Context, question string, topK int) models.Answer {
	if topK <= 0 {
		topK = e.topK
	}
	r := &request{answer: models.Answer{Question: question, Citations: []models.Citation{}}}
	r.enter(models.StateReceived)

	r.enter(models.StateEmbedding)
	vec, err := core.Embed(ctx, e.embedder, question)
	if err != nil {
		return e.degrade(r, err)
	}

	r.enter(models.StateRetrieving)
	hits, err := e.index.Search(ctx, vec, topK)
	if err != nil {
		return e.degrade(r, err)
	}

	r.enter(models.StateGenerating)
	if len(hits) == 0 {
		r.answer.Answer = NoContextAnswer
		r.enter(models.StateAnswered)
		return r.answer
	}
	if e.llm == nil {
		return e.degrade(r, fmt.Errorf("%w: no generation backend configured", core.ErrGenerationFailure))
	}

	text, err := e.llm.Generate(ctx, systemPrompt, userPrompt(question, hits))
	if err == nil && strings.TrimSpace(text) == "" {
		err = fmt.Errorf("%w: empty answer", core.ErrGenerationFailure)
	}
	if err != nil {
		return e.degrade(r, err)
	}

	r.answer.Answer = strings.TrimSpace(text)
	r.answer.Citations = Citations(hits)
	r.enter(models.StateAnswered)
	e.log.Debug("question answered", "citations", len(hits), "top_score", hits[0].Score)
	return r.answer
}

func (e *Engine) degrade(r *request, err error) models.Answer {
	from := r.answer.State
	if errors.Is(err, core.ErrDimensionMismatch) {
		e.log.Error("answer degraded: index and embedder disagree", "state", from, "err", err)
	} else {
		e.log.Warn("answer degraded", "state", from, "err", err)
	}
	r.answer.Answer = Apology
	r.answer.Citations = []models.Citation{}
	r.enter(models.StateDegraded)
	return r.answer
}

// FormatContext renders retrieved chunks in rank order for the prompt.
func FormatContext(hits []models.SearchHit) string {
	blocks := make([]string, len(hits))
	for i, h := range hits {
		name := h.SourceName
		if name == "" {
			name = "N/A"
		}
		blocks[i] = fmt.Sprintf("Source ID: %s\nSource File: %s\nContent: %s", h.ChunkID, name, h.Text)
	}
	return strings.Join(blocks, contextDivider)
}

func userPrompt(question string, hits []models.SearchHit) string {
	return fmt.Sprintf("Context Snippets:\n%s\n\nQuestion:\n%s", FormatContext(hits), question)
}

// Citations maps hits one to one, keeping their order.
func Citations(hits []models.SearchHit) []models.Citation {
	out := make([]models.Citation, len(hits))
	for i, h := range hits {
		out[i] = models.Citation{
			Source:      h.DocumentID,
			SourceName:  h.SourceName,
			ChunkID:     h.ChunkID,
			TextSnippet: Snippet(h.Text),
			Score:       h.Score,
			FileURL:     FileURL(h.DocumentID),
		}
	}
	return out
}

// Snippet returns the first 150 runes of text, with "..." when cut.
func Snippet(text string) string {
	runes := []rune(text)
	if len(runes) <= snippetLength {
		return text
	}
	return string(runes[:snippetLength]) + "..."
}

func FileURL(documentID string) string {
	return "/documents/" + documentID + "/file"
}
