package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/cloo-solutions/lectern/internal/domain"
	"github.com/cloo-solutions/lectern/internal/service"
	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type MockDocumentService struct {
	mock.Mock
}

func (m *MockDocumentService) Upload(ctx context.Context, input service.UploadInput) (*domain.Document, error) {
	args := m.Called(ctx, input)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Document), args.Error(1)
}

func (m *MockDocumentService) Get(ctx context.Context, id string) (*domain.Document, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Document), args.Error(1)
}

func (m *MockDocumentService) ListByCourse(ctx context.Context, input service.ListDocumentsInput) (*service.ListDocumentsOutput, error) {
	args := m.Called(ctx, input)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*service.ListDocumentsOutput), args.Error(1)
}

func (m *MockDocumentService) GetChunks(ctx context.Context, documentID string) ([]domain.Chunk, error) {
	args := m.Called(ctx, documentID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]domain.Chunk), args.Error(1)
}

func (m *MockDocumentService) DeleteChunks(ctx context.Context, documentID string) (int64, error) {
	args := m.Called(ctx, documentID)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockDocumentService) Delete(ctx context.Context, id string) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

func newTestDocument() *domain.Document {
	doc := domain.NewDocument("doc-1", "course-1", "week1.pdf", 12, "courses/course-1/documents/doc-1.pdf")
	doc.CreatedAt = time.Date(2026, 9, 1, 8, 0, 0, 0, time.UTC)
	doc.UpdatedAt = doc.CreatedAt
	return doc
}

func withURLParams(req *http.Request, kv ...string) *http.Request {
	rctx := chi.NewRouteContext()
	for i := 0; i+1 < len(kv); i += 2 {
		rctx.URLParams.Add(kv[i], kv[i+1])
	}
	return req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, rctx))
}

func multipartUpload(t *testing.T, field, filename string, data []byte) *http.Request {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile(field, filename)
	require.NoError(t, err)
	_, err = part.Write(data)
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/courses/course-1/documents", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return withURLParams(req, "courseID", "course-1")
}

func decodeData(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	data, ok := resp["data"].(map[string]interface{})
	require.True(t, ok, "response has no data object: %s", w.Body.String())
	return data
}

func TestDocumentHandler_Upload_Success(t *testing.T) {
	mockSvc := new(MockDocumentService)
	handler := NewDocumentHandler(mockSvc)

	payload := []byte("%PDF-1.4 abc")
	mockSvc.On("Upload", mock.Anything, mock.MatchedBy(func(in service.UploadInput) bool {
		return in.CourseID == "course-1" && in.Filename == "week1.pdf" && bytes.Equal(in.Data, payload)
	})).Return(newTestDocument(), nil)

	w := httptest.NewRecorder()
	handler.Upload(w, multipartUpload(t, "file", "week1.pdf", payload))

	assert.Equal(t, http.StatusAccepted, w.Code)
	data := decodeData(t, w)
	assert.Equal(t, "doc-1", data["id"])
	assert.Equal(t, "processing", data["status"])
	assert.Equal(t, "2026-09-01T08:00:00Z", data["created_at"])
	mockSvc.AssertExpectations(t)
}

func TestDocumentHandler_Upload_MissingFile(t *testing.T) {
	mockSvc := new(MockDocumentService)
	handler := NewDocumentHandler(mockSvc)

	w := httptest.NewRecorder()
	handler.Upload(w, multipartUpload(t, "attachment", "week1.pdf", []byte("%PDF-")))

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "file is required")
	mockSvc.AssertNotCalled(t, "Upload", mock.Anything, mock.Anything)
}

func TestDocumentHandler_Upload_NotMultipart(t *testing.T) {
	handler := NewDocumentHandler(new(MockDocumentService))

	req := withURLParams(httptest.NewRequest(http.MethodPost, "/courses/course-1/documents", bytes.NewReader([]byte("{}"))), "courseID", "course-1")
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	handler.Upload(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestDocumentHandler_Upload_ValidationErrors(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
	}{
		{"not a pdf", domain.ErrUnsupportedContentType, http.StatusBadRequest},
		{"too large", domain.ErrFileTooLarge, http.StatusRequestEntityTooLarge},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mockSvc := new(MockDocumentService)
			handler := NewDocumentHandler(mockSvc)
			mockSvc.On("Upload", mock.Anything, mock.Anything).Return(nil, tt.err)

			w := httptest.NewRecorder()
			handler.Upload(w, multipartUpload(t, "file", "notes.txt", []byte("plain text")))

			assert.Equal(t, tt.status, w.Code)
		})
	}
}

func TestDocumentHandler_List(t *testing.T) {
	mockSvc := new(MockDocumentService)
	handler := NewDocumentHandler(mockSvc)

	mockSvc.On("ListByCourse", mock.Anything, service.ListDocumentsInput{
		CourseID: "course-1",
		Cursor:   "abc",
		Limit:    5,
	}).Return(&service.ListDocumentsOutput{
		Items:   []*domain.Document{newTestDocument()},
		Cursor:  "next",
		HasMore: true,
	}, nil)

	req := withURLParams(httptest.NewRequest(http.MethodGet, "/courses/course-1/documents?cursor=abc&limit=5", nil), "courseID", "course-1")
	w := httptest.NewRecorder()
	handler.List(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	data := decodeData(t, w)
	assert.Equal(t, "next", data["cursor"])
	assert.Equal(t, true, data["has_more"])
	assert.Len(t, data["items"], 1)
	mockSvc.AssertExpectations(t)
}

func TestDocumentHandler_List_DefaultLimit(t *testing.T) {
	mockSvc := new(MockDocumentService)
	handler := NewDocumentHandler(mockSvc)

	mockSvc.On("ListByCourse", mock.Anything, mock.MatchedBy(func(in service.ListDocumentsInput) bool {
		return in.Limit == 20
	})).Return(&service.ListDocumentsOutput{}, nil)

	req := withURLParams(httptest.NewRequest(http.MethodGet, "/courses/course-1/documents?limit=bogus", nil), "courseID", "course-1")
	w := httptest.NewRecorder()
	handler.List(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	mockSvc.AssertExpectations(t)
}

func TestDocumentHandler_Get(t *testing.T) {
	mockSvc := new(MockDocumentService)
	handler := NewDocumentHandler(mockSvc)

	failed := newTestDocument()
	require.NoError(t, failed.MarkFailed(domain.StageOCR, assert.AnError))
	mockSvc.On("Get", mock.Anything, "doc-1").Return(failed, nil)

	w := httptest.NewRecorder()
	handler.Get(w, withURLParams(httptest.NewRequest(http.MethodGet, "/documents/doc-1", nil), "id", "doc-1"))

	assert.Equal(t, http.StatusOK, w.Code)
	data := decodeData(t, w)
	assert.Equal(t, "failed", data["status"])
	assert.Equal(t, "ocr", data["failed_stage"])
}

func TestDocumentHandler_Get_NotFound(t *testing.T) {
	mockSvc := new(MockDocumentService)
	handler := NewDocumentHandler(mockSvc)
	mockSvc.On("Get", mock.Anything, "missing").Return(nil, domain.ErrDocumentNotFound)

	w := httptest.NewRecorder()
	handler.Get(w, withURLParams(httptest.NewRequest(http.MethodGet, "/documents/missing", nil), "id", "missing"))

	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestDocumentHandler_Delete(t *testing.T) {
	mockSvc := new(MockDocumentService)
	handler := NewDocumentHandler(mockSvc)
	mockSvc.On("Delete", mock.Anything, "doc-1").Return(nil)

	w := httptest.NewRecorder()
	handler.Delete(w, withURLParams(httptest.NewRequest(http.MethodDelete, "/documents/doc-1", nil), "id", "doc-1"))

	assert.Equal(t, http.StatusNoContent, w.Code)
	mockSvc.AssertExpectations(t)
}

func TestDocumentHandler_Chunks(t *testing.T) {
	mockSvc := new(MockDocumentService)
	handler := NewDocumentHandler(mockSvc)
	mockSvc.On("GetChunks", mock.Anything, "doc-1").Return([]domain.Chunk{
		{ID: "c-0", DocumentID: "doc-1", ChunkIndex: 0, PageNumber: 1, Text: "intro", Embedding: []float32{1, 0}},
	}, nil)

	w := httptest.NewRecorder()
	handler.Chunks(w, withURLParams(httptest.NewRequest(http.MethodGet, "/documents/doc-1/chunks", nil), "id", "doc-1"))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"text":"intro"`)
	assert.NotContains(t, w.Body.String(), "embedding")
}

func TestDocumentHandler_DeleteChunks(t *testing.T) {
	mockSvc := new(MockDocumentService)
	handler := NewDocumentHandler(mockSvc)
	mockSvc.On("DeleteChunks", mock.Anything, "doc-1").Return(int64(4), nil)

	w := httptest.NewRecorder()
	handler.DeleteChunks(w, withURLParams(httptest.NewRequest(http.MethodDelete, "/documents/doc-1/chunks", nil), "id", "doc-1"))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(4), decodeData(t, w)["deleted"])
}
