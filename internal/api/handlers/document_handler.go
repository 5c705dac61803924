package handlers

import (
	"errors"
	"io"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/go-chi/chi/v5"

	appMiddleware "github.com/markdave123-py/Lexa/internal/api/middlewares"
	"github.com/markdave123-py/Lexa/internal/core"
	"github.com/markdave123-py/Lexa/internal/core/answering"
	"github.com/markdave123-py/Lexa/internal/models"
	"github.com/markdave123-py/Lexa/internal/services"
)

type DocumentHandler struct {
	docs      *services.DocumentService
	engine    *answering.Engine
	maxUpload int64
}

func NewDocumentHandler(docs *services.DocumentService, engine *answering.Engine, maxUploadBytes int64) *DocumentHandler {
	if maxUploadBytes <= 0 {
		maxUploadBytes = 32 << 20
	}
	return &DocumentHandler{docs: docs, engine: engine, maxUpload: maxUploadBytes}
}

type acceptedDocument struct {
	DocumentID string                `json:"document_id"`
	SourceName string                `json:"source_name"`
	Status     models.DocumentStatus `json:"status"`
}

type acceptedResponse struct {
	Documents []acceptedDocument `json:"documents"`
}

func accepted(doc *models.Document) acceptedDocument {
	return acceptedDocument{DocumentID: doc.ID, SourceName: doc.SourceName, Status: doc.Status}
}

// UploadDocument accepts one or more "file" parts and schedules their ingestion.
// "document_id" and "source_name" may accompany a single file.
func (h *DocumentHandler) UploadDocument(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxUpload)
	if err := r.ParseMultipartForm(h.maxUpload); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, r, core.NewValidationError("file", "exceeds the upload size limit"))
			return
		}
		writeError(w, r, core.NewValidationError("body", "expected multipart/form-data"))
		return
	}
	defer r.MultipartForm.RemoveAll()

	files := r.MultipartForm.File["file"]
	if len(files) == 0 {
		writeError(w, r, core.NewValidationError("file", "is required"))
		return
	}
	docID := strings.TrimSpace(r.FormValue("document_id"))
	sourceName := strings.TrimSpace(r.FormValue("source_name"))
	if len(files) > 1 && (docID != "" || sourceName != "") {
		writeError(w, r, core.NewValidationError("document_id", "only allowed with a single file"))
		return
	}
	if strings.ContainsAny(docID, "/?#") {
		writeError(w, r, core.NewValidationError("document_id", "contains forbidden characters"))
		return
	}

	owner := appMiddleware.UserID(r.Context())
	resp := acceptedResponse{Documents: make([]acceptedDocument, 0, len(files))}
	for _, fh := range files {
		f, err := fh.Open()
		if err != nil {
			writeError(w, r, core.NewValidationError("file", "unreadable upload"))
			return
		}
		data, err := io.ReadAll(f)
		f.Close()
		if err != nil {
			writeError(w, r, core.NewValidationError("file", "unreadable upload"))
			return
		}

		name := sourceName
		if name == "" {
			name = filepath.Base(fh.Filename)
		}
		doc, err := h.docs.UploadAndCreate(r.Context(), services.Upload{
			DocumentID:  docID,
			OwnerID:     owner,
			SourceName:  name,
			ContentType: fh.Header.Get("Content-Type"),
			Data:        data,
		})
		if err != nil {
			writeError(w, r, err)
			return
		}
		resp.Documents = append(resp.Documents, accepted(doc))
	}

	writeJSON(w, http.StatusAccepted, resp)
}

type textRequest struct {
	DocumentID string `json:"document_id" validate:"omitempty,max=200,excludesall=/?#"`
	SourceName string `json:"source_name" validate:"required,max=512"`
	Text       string `json:"text" validate:"required"`
}

func (h *DocumentHandler) CreateText(w http.ResponseWriter, r *http.Request) {
	var req textRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	doc, err := h.docs.CreateFromText(r.Context(), services.TextInput{
		DocumentID: req.DocumentID,
		OwnerID:    appMiddleware.UserID(r.Context()),
		SourceName: req.SourceName,
		Text:       req.Text,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, acceptedResponse{Documents: []acceptedDocument{accepted(doc)}})
}

func (h *DocumentHandler) GetDocuments(w http.ResponseWriter, r *http.Request) {
	documents, err := h.docs.List(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"documents": documents})
}

func (h *DocumentHandler) GetDocument(w http.ResponseWriter, r *http.Request) {
	doc, err := h.docs.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

func (h *DocumentHandler) GetFile(w http.ResponseWriter, r *http.Request) {
	data, doc, err := h.docs.File(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	ct := doc.ContentType
	if ct == "" {
		ct = "application/octet-stream"
	}
	w.Header().Set("Content-Type", ct)
	w.Header().Set("Content-Disposition", `inline; filename="`+strings.ReplaceAll(doc.SourceName, `"`, "")+`"`)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (h *DocumentHandler) Reingest(w http.ResponseWriter, r *http.Request) {
	doc, err := h.docs.Reingest(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, acceptedResponse{Documents: []acceptedDocument{accepted(doc)}})
}

func (h *DocumentHandler) Delete(w http.ResponseWriter, r *http.Request) {
	if err := h.docs.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *DocumentHandler) Analyze(w http.ResponseWriter, r *http.Request) {
	res, err := h.engine.Analyze(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// GetAnalysis serves the stored analysis without calling the generator.
func (h *DocumentHandler) GetAnalysis(w http.ResponseWriter, r *http.Request) {
	res, err := h.engine.StoredAnalysis(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
