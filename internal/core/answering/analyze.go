package answering

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/markdave123-py/Lexa/internal/core"
	"github.com/markdave123-py/Lexa/internal/core/normalizer"
	"github.com/markdave123-py/Lexa/internal/models"
)

const maxAnalysisRunes = 32000

const analysisSystemPrompt = "You are a legal document analysis expert specializing in contract review, " +
	"legal risk assessment, and compliance analysis. Reply with JSON only."

const analysisPrompt = `Analyze the following legal document and return a JSON object with exactly these keys:
"summary": a brief summary of the document,
"key_points": the material terms, obligations, dates and remedies, one per entry,
"entities": the parties, organizations, people and dates mentioned,
"recommendations": legal recommendations or risks to review.

Document:
%s`

var validate = validator.New(validator.WithRequiredStructEnabled())

// Analyze asks the generator for a structured analysis of one document and
// stores it on the document. Output that is not a valid AnalysisResult is a
// GenerationFailure.
func (e *Engine) Analyze(ctx context.Context, documentID string) (models.AnalysisResult, error) {
	doc, err := e.docs.Get(ctx, documentID)
	if err != nil {
		return models.AnalysisResult{}, err
	}
	text := normalizer.Normalize(doc.RawText)
	if text == "" {
		return models.AnalysisResult{}, core.NewValidationError("document_id", "document has no extracted text yet")
	}
	if e.llm == nil {
		return models.AnalysisResult{}, fmt.Errorf("%w: no generation backend configured", core.ErrGenerationFailure)
	}

	if runes := []rune(text); len(runes) > maxAnalysisRunes {
		text = string(runes[:maxAnalysisRunes]) + "...[truncated]"
	}

	raw, err := e.llm.Generate(ctx, analysisSystemPrompt, fmt.Sprintf(analysisPrompt, text))
	if err != nil {
		return models.AnalysisResult{}, err
	}

	res, err := ParseAnalysis(raw)
	if err != nil {
		e.log.Warn("unusable analysis output", "doc_id", documentID, "err", err)
		return models.AnalysisResult{}, err
	}
	res.DocumentID = documentID
	if err := e.docs.SaveAnalysis(ctx, documentID, &res); err != nil {
		return models.AnalysisResult{}, fmt.Errorf("save analysis: %w", err)
	}
	return res, nil
}

// StoredAnalysis returns the last analysis saved by Analyze. ErrNotFound
// means the document is unknown or was never analyzed since its content last
// changed.
func (e *Engine) StoredAnalysis(ctx context.Context, documentID string) (models.AnalysisResult, error) {
	doc, err := e.docs.Get(ctx, documentID)
	if err != nil {
		return models.AnalysisResult{}, err
	}
	if doc.Analysis == nil {
		return models.AnalysisResult{}, fmt.Errorf("analysis of %s: %w", documentID, core.ErrNotFound)
	}
	return *doc.Analysis, nil
}

// ParseAnalysis decodes and validates a model reply, tolerating a markdown code fence.
func ParseAnalysis(raw string) (models.AnalysisResult, error) {
	var res models.AnalysisResult

	dec := json.NewDecoder(bytes.NewReader([]byte(stripFence(raw))))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&res); err != nil {
		return res, fmt.Errorf("%w: decode analysis: %v", core.ErrGenerationFailure, err)
	}
	if err := validate.Struct(res); err != nil {
		return res, fmt.Errorf("%w: invalid analysis: %v", core.ErrGenerationFailure, err)
	}
	if res.KeyPoints == nil {
		res.KeyPoints = []string{}
	}
	if res.Entities == nil {
		res.Entities = []string{}
	}
	if res.Recommendations == nil {
		res.Recommendations = []string{}
	}
	return res, nil
}

func stripFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		s = s[nl+1:] // language tag
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
