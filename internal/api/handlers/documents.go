package handlers

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/cloo-solutions/lectern/internal/api"
	"github.com/cloo-solutions/lectern/internal/domain"
	"github.com/cloo-solutions/lectern/internal/service"
	"github.com/go-chi/chi/v5"
)

// multipart parts above this size spill to temporary files
const multipartMemory = 8 << 20

type DocumentService interface {
	Upload(ctx context.Context, input service.UploadInput) (*domain.Document, error)
	Get(ctx context.Context, id string) (*domain.Document, error)
	ListByCourse(ctx context.Context, input service.ListDocumentsInput) (*service.ListDocumentsOutput, error)
	GetChunks(ctx context.Context, documentID string) ([]domain.Chunk, error)
	DeleteChunks(ctx context.Context, documentID string) (int64, error)
	Delete(ctx context.Context, id string) error
}

type DocumentHandler struct {
	svc DocumentService
}

func NewDocumentHandler(svc DocumentService) *DocumentHandler {
	return &DocumentHandler{svc: svc}
}

type DocumentResponse struct {
	ID          string `json:"id"`
	CourseID    string `json:"course_id"`
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
	SizeBytes   int64  `json:"size_bytes"`
	Status      string `json:"status"`
	Error       string `json:"error,omitempty"`
	FailedStage string `json:"failed_stage,omitempty"`
	PageCount   int    `json:"page_count"`
	CreatedAt   string `json:"created_at"`
	UpdatedAt   string `json:"updated_at"`
}

type DocumentListResponse struct {
	Items   []*DocumentResponse `json:"items"`
	Cursor  string              `json:"cursor,omitempty"`
	HasMore bool                `json:"has_more"`
}

type ChunkResponse struct {
	ID         string `json:"id"`
	DocumentID string `json:"document_id"`
	ChunkIndex int    `json:"chunk_index"`
	PageNumber int    `json:"page_number"`
	Text       string `json:"text"`
}

type DeleteChunksResponse struct {
	Deleted int64 `json:"deleted"`
}

func documentToResponse(d *domain.Document) *DocumentResponse {
	return &DocumentResponse{
		ID:          d.ID,
		CourseID:    d.CourseID,
		Filename:    d.Filename,
		ContentType: d.ContentType,
		SizeBytes:   d.SizeBytes,
		Status:      string(d.Status),
		Error:       d.Error,
		FailedStage: string(d.FailedStage),
		PageCount:   d.PageCount,
		CreatedAt:   d.CreatedAt.Format(time.RFC3339),
		UpdatedAt:   d.UpdatedAt.Format(time.RFC3339),
	}
}

// Upload accepts a multipart form with the PDF in the "file" field. The
// document is returned in the processing state; ingestion runs in the worker.
func (h *DocumentHandler) Upload(w http.ResponseWriter, r *http.Request) {
	courseID := chi.URLParam(r, "courseID")
	if courseID == "" {
		api.Error(w, http.StatusBadRequest, "course id is required")
		return
	}

	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			api.HandleError(w, r, domain.ErrFileTooLarge)
			return
		}
		api.Error(w, http.StatusBadRequest, "invalid multipart form")
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile("file")
	if err != nil {
		api.Error(w, http.StatusBadRequest, "file is required")
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		api.Error(w, http.StatusBadRequest, "failed to read file")
		return
	}

	doc, err := h.svc.Upload(r.Context(), service.UploadInput{
		CourseID:    courseID,
		Filename:    header.Filename,
		ContentType: header.Header.Get("Content-Type"),
		Data:        data,
	})
	if err != nil {
		api.HandleError(w, r, err)
		return
	}

	api.Success(w, http.StatusAccepted, documentToResponse(doc))
}

func (h *DocumentHandler) List(w http.ResponseWriter, r *http.Request) {
	courseID := chi.URLParam(r, "courseID")
	if courseID == "" {
		api.Error(w, http.StatusBadRequest, "course id is required")
		return
	}

	limit := 20
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if parsed, err := strconv.Atoi(limitStr); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	output, err := h.svc.ListByCourse(r.Context(), service.ListDocumentsInput{
		CourseID: courseID,
		Cursor:   r.URL.Query().Get("cursor"),
		Limit:    limit,
	})
	if err != nil {
		api.HandleError(w, r, err)
		return
	}

	responses := make([]*DocumentResponse, len(output.Items))
	for i, d := range output.Items {
		responses[i] = documentToResponse(d)
	}

	api.Success(w, http.StatusOK, DocumentListResponse{
		Items:   responses,
		Cursor:  output.Cursor,
		HasMore: output.HasMore,
	})
}

func (h *DocumentHandler) Get(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == "" {
		api.Error(w, http.StatusBadRequest, "id is required")
		return
	}

	doc, err := h.svc.Get(r.Context(), id)
	if err != nil {
		api.HandleError(w, r, err)
		return
	}

	api.Success(w, http.StatusOK, documentToResponse(doc))
}

func (h *DocumentHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == "" {
		api.Error(w, http.StatusBadRequest, "id is required")
		return
	}

	if err := h.svc.Delete(r.Context(), id); err != nil {
		api.HandleError(w, r, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// Chunks lists the stored chunks of a document. Embeddings are not returned.
func (h *DocumentHandler) Chunks(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == "" {
		api.Error(w, http.StatusBadRequest, "id is required")
		return
	}

	chunks, err := h.svc.GetChunks(r.Context(), id)
	if err != nil {
		api.HandleError(w, r, err)
		return
	}

	responses := make([]ChunkResponse, len(chunks))
	for i, c := range chunks {
		responses[i] = ChunkResponse{
			ID:         c.ID,
			DocumentID: c.DocumentID,
			ChunkIndex: c.ChunkIndex,
			PageNumber: c.PageNumber,
			Text:       c.Text,
		}
	}

	api.Success(w, http.StatusOK, responses)
}

func (h *DocumentHandler) DeleteChunks(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == "" {
		api.Error(w, http.StatusBadRequest, "id is required")
		return
	}

	n, err := h.svc.DeleteChunks(r.Context(), id)
	if err != nil {
		api.HandleError(w, r, err)
		return
	}

	api.Success(w, http.StatusOK, DeleteChunksResponse{Deleted: n})
}
