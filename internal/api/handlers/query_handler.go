package handlers

import (
	"net/http"
	"strings"

	"github.com/markdave123-py/Lexa/internal/core"
	"github.com/markdave123-py/Lexa/internal/core/answering"
	"github.com/markdave123-py/Lexa/internal/models"
)

const (
	DefaultSearchTopK = 5
	DefaultQueryTopK  = 3
)

type QueryHandler struct {
	engine     *answering.Engine
	searchTopK int
	queryTopK  int
}

func NewQueryHandler(engine *answering.Engine, searchTopK, queryTopK int) *QueryHandler {
	if searchTopK <= 0 {
		searchTopK = DefaultSearchTopK
	}
	if queryTopK <= 0 {
		queryTopK = DefaultQueryTopK
	}
	return &QueryHandler{engine: engine, searchTopK: searchTopK, queryTopK: queryTopK}
}

type searchRequest struct {
	Query string `json:"query" validate:"required"`
	TopK  *int   `json:"top_k" validate:"omitempty,min=1,max=50"`
}

type searchResult struct {
	Source     string  `json:"source"`
	SourceName string  `json:"source_name,omitempty"`
	ChunkID    string  `json:"chunk_id"`
	Text       string  `json:"text"`
	Score      float64 `json:"score"`
}

type searchResponse struct {
	Results []searchResult `json:"results"`
}

func (h *QueryHandler) Search(w http.ResponseWriter, r *http.Request) {
	var req searchRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	topK := h.searchTopK
	if req.TopK != nil {
		topK = *req.TopK
	}

	hits, err := h.engine.Search(r.Context(), req.Query, topK)
	if err != nil {
		writeError(w, r, err)
		return
	}
	resp := searchResponse{Results: make([]searchResult, len(hits))}
	for i, hit := range hits {
		resp.Results[i] = searchResult{
			Source:     hit.DocumentID,
			SourceName: hit.SourceName,
			ChunkID:    hit.ChunkID,
			Text:       hit.Text,
			Score:      hit.Score,
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

type queryRequest struct {
	Question      string `json:"question" validate:"required"`
	TopKRetrieval *int   `json:"top_k_retrieval" validate:"omitempty,min=1,max=10"`
}

type queryResponse struct {
	Answer    string             `json:"answer"`
	Citations []models.Citation  `json:"citations"`
	State     models.AnswerState `json:"state"`
}

// Query answers a question. Backend failures still produce a 200 with the
// apology answer; only malformed requests are rejected.
func (h *QueryHandler) Query(w http.ResponseWriter, r *http.Request) {
	var req queryRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if strings.TrimSpace(req.Question) == "" {
		writeError(w, r, core.NewValidationError("question", "is required"))
		return
	}
	topK := h.queryTopK
	if req.TopKRetrieval != nil {
		topK = *req.TopKRetrieval
	}

	ans := h.engine.Answer(r.Context(), req.Question, topK)
	writeJSON(w, http.StatusOK, queryResponse{Answer: ans.Answer, Citations: ans.Citations, State: ans.State})
}

func Health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
