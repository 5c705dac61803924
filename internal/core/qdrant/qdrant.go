// Package qdrant is a VectorIndex backed by the Qdrant REST API.
package qdrant

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/markdave123-py/Lexa/internal/core"
	"github.com/markdave123-py/Lexa/internal/models"
)

var _ core.VectorIndex = (*Storage)(nil)

type Config struct {
	URL        string
	APIKey     string
	Collection string
	Dimensions int
	Timeout    time.Duration
}

// Storage is a minimal REST client to one Qdrant collection using cosine distance.
type Storage struct {
	url        string
	apiKey     string
	collection string
	dim        int
	client     *http.Client

	mu      sync.Mutex
	lastSeq int64
}

type point struct {
	ID      string         `json:"id"`
	Vector  []float32      `json:"vector"`
	Payload map[string]any `json:"payload"`
}

type matchFilter struct {
	Must []fieldMatch `json:"must"`
}

type fieldMatch struct {
	Key   string `json:"key"`
	Match struct {
		Value string `json:"value"`
	} `json:"match"`
}

func documentFilter(documentID string) matchFilter {
	m := fieldMatch{Key: "document_id"}
	m.Match.Value = documentID
	return matchFilter{Must: []fieldMatch{m}}
}

// New connects to Qdrant and ensures the collection exists with the configured
// dimension. An existing collection with another size is a DimensionMismatch.
func New(ctx context.Context, cfg Config) (*Storage, error) {
	if cfg.Dimensions <= 0 {
		return nil, fmt.Errorf("qdrant: dimension must be positive, got %d", cfg.Dimensions)
	}
	if cfg.Collection == "" {
		cfg.Collection = "legal_documents"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 15 * time.Second
	}
	s := &Storage{
		url:        strings.TrimRight(cfg.URL, "/"),
		apiKey:     cfg.APIKey,
		collection: cfg.Collection,
		dim:        cfg.Dimensions,
		client:     &http.Client{Timeout: cfg.Timeout},
	}
	if err := s.ensureCollection(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Storage) Dimensions() int { return s.dim }

func (s *Storage) ensureCollection(ctx context.Context) error {
	var info struct {
		Result struct {
			Config struct {
				Params struct {
					Vectors struct {
						Size int `json:"size"`
					} `json:"vectors"`
				} `json:"params"`
			} `json:"config"`
		} `json:"result"`
	}
	status, err := s.do(ctx, http.MethodGet, s.collectionPath(""), nil, &info)
	if err != nil && status != http.StatusNotFound {
		return fmt.Errorf("qdrant get collection: %w", err)
	}
	if status == http.StatusOK {
		if size := info.Result.Config.Params.Vectors.Size; size != s.dim {
			return core.DimensionError(s.dim, size)
		}
		return nil
	}

	body := map[string]any{
		"vectors": map[string]any{
			"size":     s.dim,
			"distance": "Cosine",
		},
	}
	if _, err := s.do(ctx, http.MethodPut, s.collectionPath(""), body, nil); err != nil {
		return fmt.Errorf("qdrant create collection: %w", err)
	}
	return nil
}

// nextSeq returns a strictly increasing sequence used to break score ties.
func (s *Storage) nextSeq() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	seq := time.Now().UnixMicro()
	if seq <= s.lastSeq {
		seq = s.lastSeq + 1
	}
	s.lastSeq = seq
	return seq
}

// PointID maps a chunk id to the UUID Qdrant requires.
func PointID(chunkID string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(chunkID)).String()
}

func (s *Storage) Upsert(ctx context.Context, records ...models.EmbeddingRecord) error {
	if len(records) == 0 {
		return nil
	}
	points := make([]point, len(records))
	for i, r := range records {
		if len(r.Vector) != s.dim {
			return core.DimensionError(s.dim, len(r.Vector))
		}
		ch := r.Chunk
		points[i] = point{
			ID:     PointID(ch.ID),
			Vector: r.Vector,
			Payload: map[string]any{
				"chunk_id":       ch.ID,
				"document_id":    ch.DocumentID,
				"source_name":    r.SourceName,
				"text":           ch.Text,
				"sequence_index": ch.SequenceIndex,
				"start_offset":   ch.StartOffset,
				"end_offset":     ch.EndOffset,
				"seq":            s.nextSeq(),
			},
		}
	}
	body := map[string]any{"points": points}
	if _, err := s.do(ctx, http.MethodPut, s.collectionPath("/points?wait=true"), body, nil); err != nil {
		return fmt.Errorf("qdrant upsert: %w", err)
	}
	return nil
}

func (s *Storage) DeleteDocument(ctx context.Context, documentID string) error {
	body := map[string]any{"filter": documentFilter(documentID)}
	if _, err := s.do(ctx, http.MethodPost, s.collectionPath("/points/delete?wait=true"), body, nil); err != nil {
		return fmt.Errorf("qdrant delete document %s: %w", documentID, err)
	}
	return nil
}

func (s *Storage) CountDocument(ctx context.Context, documentID string) (int, error) {
	body := map[string]any{"filter": documentFilter(documentID), "exact": true}
	var resp struct {
		Result struct {
			Count int `json:"count"`
		} `json:"result"`
	}
	if _, err := s.do(ctx, http.MethodPost, s.collectionPath("/points/count"), body, &resp); err != nil {
		return 0, fmt.Errorf("qdrant count: %w", err)
	}
	return resp.Result.Count, nil
}

func (s *Storage) Search(ctx context.Context, vector []float32, topK int) ([]models.SearchHit, error) {
	if len(vector) != s.dim {
		return nil, core.DimensionError(s.dim, len(vector))
	}
	if topK <= 0 {
		return []models.SearchHit{}, nil
	}

	req := map[string]any{
		"vector":       vector,
		"limit":        topK,
		"with_payload": true,
		"params":       map[string]any{"exact": true},
	}
	var resp struct {
		Result []struct {
			Score   float64        `json:"score"`
			Payload map[string]any `json:"payload"`
		} `json:"result"`
	}
	if _, err := s.do(ctx, http.MethodPost, s.collectionPath("/points/search"), req, &resp); err != nil {
		return nil, fmt.Errorf("qdrant search: %w", err)
	}

	type ranked struct {
		hit models.SearchHit
		seq float64
	}
	results := make([]ranked, 0, len(resp.Result))
	for _, r := range resp.Result {
		h := models.SearchHit{Score: core.FiniteScore(r.Score)}
		h.ChunkID, _ = r.Payload["chunk_id"].(string)
		h.DocumentID, _ = r.Payload["document_id"].(string)
		h.SourceName, _ = r.Payload["source_name"].(string)
		h.Text, _ = r.Payload["text"].(string)
		h.SequenceIndex = payloadInt(r.Payload, "sequence_index")
		h.StartOffset = payloadInt(r.Payload, "start_offset")
		h.EndOffset = payloadInt(r.Payload, "end_offset")
		seq, _ := r.Payload["seq"].(float64)
		results = append(results, ranked{hit: h, seq: seq})
	}
	sort.SliceStable(results, func(i, j int) bool {
		if results[i].hit.Score != results[j].hit.Score {
			return results[i].hit.Score > results[j].hit.Score
		}
		return results[i].seq < results[j].seq
	})

	hits := make([]models.SearchHit, len(results))
	for i, r := range results {
		hits[i] = r.hit
	}
	return hits, nil
}

func payloadInt(p map[string]any, key string) int {
	if v, ok := p[key].(float64); ok {
		return int(v)
	}
	return 0
}

func (s *Storage) collectionPath(suffix string) string {
	return fmt.Sprintf("%s/collections/%s%s", s.url, s.collection, suffix)
}

// do sends a JSON request and decodes the JSON response into out when non-nil.
// It returns the HTTP status even when the request failed with a non-2xx code.
func (s *Storage) do(ctx context.Context, method, url string, body, out any) (int, error) {
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return 0, fmt.Errorf("marshal request: %w", err)
		}
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, rd)
	if err != nil {
		return 0, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if s.apiKey != "" {
		req.Header.Set("api-key", s.apiKey)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return resp.StatusCode, fmt.Errorf("qdrant %s %s failed: %s: %s", method, url, resp.Status, strings.TrimSpace(string(msg)))
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, fmt.Errorf("decode response: %w", err)
		}
	}
	return resp.StatusCode, nil
}
