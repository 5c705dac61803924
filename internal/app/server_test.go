package app

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/markdave123-py/Lexa/internal/api/handlers"
	"github.com/markdave123-py/Lexa/internal/config"
	"github.com/markdave123-py/Lexa/internal/core"
	"github.com/markdave123-py/Lexa/internal/core/answering"
	"github.com/markdave123-py/Lexa/internal/core/chunker"
	"github.com/markdave123-py/Lexa/internal/core/ingestion_engine"
	"github.com/markdave123-py/Lexa/internal/core/llm"
	"github.com/markdave123-py/Lexa/internal/core/memstore"
	objectclient "github.com/markdave123-py/Lexa/internal/core/object-client"
	"github.com/markdave123-py/Lexa/internal/models"
	"github.com/markdave123-py/Lexa/internal/services"
)

const (
	dim      = 32
	contract = "This is a test document about breach of contract remedies."
)

type cannedLLM struct{}

func (cannedLLM) Generate(_ context.Context, system, _ string) (string, error) {
	if strings.Contains(system, "JSON") {
		return `{"summary":"A note on remedies.","key_points":["damages"],"entities":[],"recommendations":["review"]}`, nil
	}
	return "The document discusses remedies for breach of contract.", nil
}

type brokenEmbedder struct{}

func (brokenEmbedder) Dimensions() int { return dim }
func (brokenEmbedder) EmbedTexts(context.Context, []string) ([][]float32, error) {
	return nil, core.ErrEmbeddingUnavailable
}

// gatedEmbedder blocks every call until release is closed.
type gatedEmbedder struct {
	inner   core.EmbeddingProvider
	release chan struct{}
}

func (g *gatedEmbedder) Dimensions() int { return g.inner.Dimensions() }
func (g *gatedEmbedder) EmbedTexts(ctx context.Context, texts []string) ([][]float32, error) {
	select {
	case <-g.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return g.inner.EmbedTexts(ctx, texts)
}

type testAPI struct {
	srv  *httptest.Server
	docs *memstore.DocumentStore
	ing  *ingestion_engine.DocumentIngestor
}

func newTestAPI(t *testing.T, emb core.EmbeddingProvider, gen core.LLMProvider, secret string) *testAPI {
	t.Helper()
	if emb == nil {
		emb = llm.NewHashEmbedder(dim)
	}
	docs := memstore.NewDocumentStore()
	vectors := memstore.NewVectorIndex(dim)
	objects := objectclient.NewMemoryClient()
	ch, err := chunker.New(chunker.WithMaxSize(50), chunker.WithOverlap(10))
	require.NoError(t, err)

	ing, err := ingestion_engine.NewDocumentIngestor(ingestion_engine.Dependencies{
		Documents: docs,
		Vectors:   vectors,
		Objects:   objects,
		Embedder:  emb,
		Extractor: ingestion_engine.NewDocconvExtractor(false),
		Chunker:   ch,
	}, ingestion_engine.IngestConfig{JobTimeout: 10 * time.Second})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	ing.Start(ctx, 2)

	engine := answering.New(emb, vectors, gen, docs, answering.Options{})
	svc := services.NewDocumentService(docs, vectors, objects, ing, nil)
	srv := httptest.NewServer(NewRouter(RouterConfig{
		Documents: handlers.NewDocumentHandler(svc, engine, 1<<20),
		Queries:   handlers.NewQueryHandler(engine, handlers.DefaultSearchTopK, handlers.DefaultQueryTopK),
		JWTSecret: secret,
	}))
	t.Cleanup(func() {
		srv.Close()
		cancel()
		ing.Wait()
	})
	return &testAPI{srv: srv, docs: docs, ing: ing}
}

func (a *testAPI) do(t *testing.T, method, path string, body any) (*http.Response, []byte) {
	t.Helper()
	var rd io.Reader
	if body != nil {
		switch b := body.(type) {
		case string:
			rd = strings.NewReader(b)
		default:
			raw, err := json.Marshal(b)
			require.NoError(t, err)
			rd = bytes.NewReader(raw)
		}
	}
	req, err := http.NewRequest(method, a.srv.URL+path, rd)
	require.NoError(t, err)
	if rd != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, data
}

func (a *testAPI) waitCompleted(t *testing.T, id string) {
	t.Helper()
	require.Eventually(t, func() bool {
		d, err := a.docs.Get(context.Background(), id)
		return err == nil && d.Status == models.StatusCompleted && !a.ing.InFlight(id)
	}, 5*time.Second, 10*time.Millisecond)
}

type queryResponse struct {
	Answer    string             `json:"answer"`
	Citations []models.Citation  `json:"citations"`
	State     models.AnswerState `json:"state"`
}

func TestEndToEnd(t *testing.T) {
	api := newTestAPI(t, nil, cannedLLM{}, "")

	resp, body := api.do(t, http.MethodPost, "/documents/text", map[string]string{
		"document_id": "doc1",
		"source_name": "contract.txt",
		"text":        contract,
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode, string(body))
	api.waitCompleted(t, "doc1")

	resp, body = api.do(t, http.MethodPost, "/query", map[string]string{"question": "What remedies are discussed?"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var qr queryResponse
	require.NoError(t, json.Unmarshal(body, &qr))
	assert.Equal(t, models.StateAnswered, qr.State)
	assert.Equal(t, "The document discusses remedies for breach of contract.", qr.Answer)
	require.NotEmpty(t, qr.Citations)
	assert.Equal(t, "doc1", qr.Citations[0].Source)
	assert.Equal(t, "/documents/doc1/file", qr.Citations[0].FileURL)

	resp, body = api.do(t, http.MethodPost, "/search", map[string]any{"query": "remedies", "top_k": 5})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var sr struct {
		Results []struct {
			Source  string  `json:"source"`
			ChunkID string  `json:"chunk_id"`
			Score   float64 `json:"score"`
		} `json:"results"`
	}
	require.NoError(t, json.Unmarshal(body, &sr))
	require.NotEmpty(t, sr.Results)
	assert.LessOrEqual(t, len(sr.Results), 5)
	for i, res := range sr.Results {
		assert.Equal(t, "doc1", res.Source)
		assert.True(t, strings.HasPrefix(res.ChunkID, "doc1_chunk_"), res.ChunkID)
		if i == 0 {
			continue
		}
		assert.GreaterOrEqual(t, sr.Results[i-1].Score, sr.Results[i].Score)
	}

	resp, body = api.do(t, http.MethodGet, "/documents/doc1/file", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, contract, string(body))

	resp, body = api.do(t, http.MethodGet, "/documents", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `"id":"doc1"`)
	assert.NotContains(t, string(body), "raw_text")

	resp, _ = api.do(t, http.MethodGet, "/documents/doc1/analysis", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, body = api.do(t, http.MethodPost, "/documents/doc1/analyze", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var analysis models.AnalysisResult
	require.NoError(t, json.Unmarshal(body, &analysis))
	assert.Equal(t, "doc1", analysis.DocumentID)
	assert.Equal(t, []string{"damages"}, analysis.KeyPoints)

	resp, body = api.do(t, http.MethodGet, "/documents/doc1/analysis", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var stored models.AnalysisResult
	require.NoError(t, json.Unmarshal(body, &stored))
	assert.Equal(t, analysis, stored)
	resp, _ = api.do(t, http.MethodGet, "/documents/nope/analysis", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = api.do(t, http.MethodDelete, "/documents/doc1", nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp, _ = api.do(t, http.MethodGet, "/documents/doc1", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	// nothing left to retrieve
	resp, body = api.do(t, http.MethodPost, "/query", map[string]string{"question": "What remedies are discussed?"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.Unmarshal(body, &qr))
	assert.Equal(t, answering.NoContextAnswer, qr.Answer)
	assert.Empty(t, qr.Citations)
}

func TestAnalysis_ClearedByNewContent(t *testing.T) {
	api := newTestAPI(t, nil, cannedLLM{}, "")
	text := map[string]string{"document_id": "doc1", "source_name": "contract.txt", "text": contract}

	resp, body := api.do(t, http.MethodPost, "/documents/text", text)
	require.Equal(t, http.StatusAccepted, resp.StatusCode, string(body))
	api.waitCompleted(t, "doc1")
	resp, body = api.do(t, http.MethodPost, "/documents/doc1/analyze", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))

	text["text"] = "Zoning permits for agricultural land use."
	resp, body = api.do(t, http.MethodPost, "/documents/text", text)
	require.Equal(t, http.StatusAccepted, resp.StatusCode, string(body))
	api.waitCompleted(t, "doc1")

	resp, _ = api.do(t, http.MethodGet, "/documents/doc1/analysis", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestQuery_PunctuationOnlyQuestion(t *testing.T) {
	api := newTestAPI(t, nil, cannedLLM{}, "")
	resp, body := api.do(t, http.MethodPost, "/documents/text", map[string]string{
		"document_id": "doc1",
		"source_name": "contract.txt",
		"text":        contract,
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode, string(body))
	api.waitCompleted(t, "doc1")

	for _, path := range []string{"/query", "/search"} {
		var payload any = map[string]string{"question": "???"}
		if path == "/search" {
			payload = map[string]any{"query": "???", "top_k": 3}
		}
		resp, body = api.do(t, http.MethodPost, path, payload)
		require.Equal(t, http.StatusOK, resp.StatusCode, path)
		require.NotEmpty(t, body, path)
		assert.True(t, json.Valid(body), "%s: %s", path, body)
	}
}

func TestUploadMultipart(t *testing.T) {
	api := newTestAPI(t, nil, cannedLLM{}, "")

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	require.NoError(t, mw.WriteField("document_id", "doc2"))
	fw, err := mw.CreateFormFile("file", "notes.txt")
	require.NoError(t, err)
	_, err = fw.Write([]byte(contract))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	resp, err := http.Post(api.srv.URL+"/documents/upload", mw.FormDataContentType(), &buf)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var out struct {
		Documents []struct {
			DocumentID string `json:"document_id"`
			SourceName string `json:"source_name"`
		} `json:"documents"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.Len(t, out.Documents, 1)
	assert.Equal(t, "doc2", out.Documents[0].DocumentID)
	assert.Equal(t, "notes.txt", out.Documents[0].SourceName)
	api.waitCompleted(t, "doc2")

	resp2, _ := api.do(t, http.MethodPost, "/documents/upload", "not multipart")
	assert.Equal(t, http.StatusBadRequest, resp2.StatusCode)
}

func TestQuery_DegradesWithStatus200(t *testing.T) {
	api := newTestAPI(t, brokenEmbedder{}, cannedLLM{}, "")

	resp, body := api.do(t, http.MethodPost, "/query", map[string]string{"question": "What remedies are discussed?"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var qr queryResponse
	require.NoError(t, json.Unmarshal(body, &qr))
	assert.Equal(t, answering.Apology, qr.Answer)
	assert.Equal(t, models.StateDegraded, qr.State)
	assert.Empty(t, qr.Citations)

	resp, _ = api.do(t, http.MethodPost, "/search", map[string]string{"query": "remedies"})
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestValidationErrors(t *testing.T) {
	api := newTestAPI(t, nil, nil, "")

	cases := []struct {
		name string
		path string
		body any
	}{
		{"missing question", "/query", map[string]string{}},
		{"blank question", "/query", map[string]string{"question": "   "}},
		{"top_k_retrieval too large", "/query", map[string]any{"question": "q", "top_k_retrieval": 11}},
		{"top_k_retrieval zero", "/query", map[string]any{"question": "q", "top_k_retrieval": 0}},
		{"search top_k too large", "/search", map[string]any{"query": "q", "top_k": 51}},
		{"unknown field", "/search", map[string]any{"query": "q", "limit": 3}},
		{"malformed json", "/search", "{"},
		{"text without source", "/documents/text", map[string]string{"text": "t"}},
		{"bad document id", "/documents/text", map[string]string{"document_id": "a/b", "source_name": "s", "text": "t"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp, body := api.do(t, http.MethodPost, tc.path, tc.body)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode, string(body))
			assert.Contains(t, string(body), `"error"`)
		})
	}

	resp, _ := api.do(t, http.MethodPost, "/documents/missing/reingest", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp, _ = api.do(t, http.MethodGet, "/documents/missing/file", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestIngestionConflict(t *testing.T) {
	gate := &gatedEmbedder{inner: llm.NewHashEmbedder(dim), release: make(chan struct{})}
	api := newTestAPI(t, gate, nil, "")
	released := false
	release := func() {
		if !released {
			close(gate.release)
			released = true
		}
	}
	t.Cleanup(release)

	body := map[string]string{"document_id": "doc1", "source_name": "a.txt", "text": contract}
	resp, _ := api.do(t, http.MethodPost, "/documents/text", body)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	resp, _ = api.do(t, http.MethodPost, "/documents/text", body)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	resp, _ = api.do(t, http.MethodPost, "/documents/doc1/reingest", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	release()
	api.waitCompleted(t, "doc1")
	resp, _ = api.do(t, http.MethodPost, "/documents/doc1/reingest", nil)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
}

func TestAnalyze_NoGenerator(t *testing.T) {
	api := newTestAPI(t, nil, nil, "")
	resp, _ := api.do(t, http.MethodPost, "/documents/text", map[string]string{"document_id": "doc1", "source_name": "a.txt", "text": contract})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	api.waitCompleted(t, "doc1")

	resp, _ = api.do(t, http.MethodPost, "/documents/doc1/analyze", nil)
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
}

func TestJWTProtectsAPI(t *testing.T) {
	const secret = "test-secret"
	api := newTestAPI(t, nil, nil, secret)

	resp, _ := api.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = api.do(t, http.MethodGet, "/documents", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "user-1",
		"exp": time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte(secret))
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodGet, api.srv.URL+"/documents", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token)
	res, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer res.Body.Close()
	assert.Equal(t, http.StatusOK, res.StatusCode)
}

func TestNewApp_MemoryStack(t *testing.T) {
	cfg := &config.Config{
		Port:           "0",
		VectorBackend:  "memory",
		ObjectBackend:  "memory",
		EmbedProvider:  "hash",
		EmbedDim:       dim,
		LLMProvider:    "none",
		ChunkSize:      50,
		ChunkOverlap:   10,
		SearchTopK:     5,
		QueryTopK:      3,
		RequestTimeout: 10 * time.Second,
	}
	require.NoError(t, cfg.Validate())

	a, err := NewApp(context.Background(), cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, a.Close()) })

	ctx, cancel := context.WithCancel(context.Background())
	a.Ingestor.Start(ctx, 1)
	defer func() {
		cancel()
		a.Ingestor.Wait()
	}()

	_, err = a.Service.CreateFromText(context.Background(), services.TextInput{DocumentID: "doc1", SourceName: "doc1.txt", Text: contract})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		d, err := a.Documents.Get(context.Background(), "doc1")
		return err == nil && d.Status == models.StatusCompleted
	}, 5*time.Second, 10*time.Millisecond)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/query", strings.NewReader(`{"question":"What remedies are discussed?"}`))
	a.Server.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var qr queryResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &qr))
	// no generator configured
	assert.Equal(t, answering.Apology, qr.Answer)
	assert.Equal(t, models.StateDegraded, qr.State)
}

func TestNewApp_RejectsBadChunking(t *testing.T) {
	cfg := &config.Config{
		VectorBackend: "memory",
		ObjectBackend: "memory",
		EmbedProvider: "hash",
		EmbedDim:      dim,
		LLMProvider:   "none",
		ChunkSize:     10,
		ChunkOverlap:  10,
	}
	_, err := NewApp(context.Background(), cfg, nil)
	assert.True(t, errors.Is(err, core.ErrValidation))
}
