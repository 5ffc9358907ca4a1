package service_test

import (
	"context"
	"errors"
	"testing"

	"github.com/cloo-solutions/lectern/internal/domain"
	"github.com/cloo-solutions/lectern/internal/events"
	"github.com/cloo-solutions/lectern/internal/memstore"
	"github.com/cloo-solutions/lectern/internal/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var samplePDF = []byte("%PDF-1.4\n1 0 obj\n<<>>\nendobj\n%%EOF")

func newDocumentService(store *memstore.Store) (*service.DocumentService, *recordingPublisher) {
	svc := service.NewDocumentServiceWithTx(store.Documents(), store.Jobs(), store.Chunks(), store.Blobs(), 1024, store)
	svc.SetUUIDGenerator(&sequentialUUIDs{})
	pub := &recordingPublisher{}
	svc.SetEventPublisher(pub)
	return svc, pub
}

func TestDocumentService_Upload(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	svc, _ := newDocumentService(store)

	doc, err := svc.Upload(ctx, service.UploadInput{
		CourseID:    "course-1",
		Filename:    "../slides/week1.pdf",
		ContentType: domain.ContentTypePDF,
		Data:        samplePDF,
	})
	require.NoError(t, err)

	assert.Equal(t, domain.DocumentStatusProcessing, doc.Status)
	assert.Equal(t, "week1.pdf", doc.Filename)
	assert.Equal(t, int64(len(samplePDF)), doc.SizeBytes)
	assert.Equal(t, "courses/course-1/documents/"+doc.ID+".pdf", doc.StorageKey)

	stored, err := svc.Get(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, doc.ID, stored.ID)

	payload, err := store.Blobs().Get(ctx, doc.StorageKey)
	require.NoError(t, err)
	assert.Equal(t, samplePDF, payload)

	job, err := store.Jobs().GetByDocumentID(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.IngestionJobStatusPending, job.Status)
}

func TestDocumentService_UploadValidation(t *testing.T) {
	tests := []struct {
		name    string
		input   service.UploadInput
		wantErr error
	}{
		{
			name:    "missing course",
			input:   service.UploadInput{Filename: "a.pdf", ContentType: domain.ContentTypePDF, Data: samplePDF},
			wantErr: domain.ErrMissingRequiredField,
		},
		{
			name:    "empty file",
			input:   service.UploadInput{CourseID: "c", Filename: "a.pdf", ContentType: domain.ContentTypePDF},
			wantErr: domain.ErrEmptyFile,
		},
		{
			name:    "not a pdf",
			input:   service.UploadInput{CourseID: "c", Filename: "a.docx", ContentType: "application/msword", Data: []byte("PK\x03\x04")},
			wantErr: domain.ErrUnsupportedContentType,
		},
		{
			name:    "pdf content type without magic bytes",
			input:   service.UploadInput{CourseID: "c", Filename: "a.pdf", ContentType: domain.ContentTypePDF, Data: []byte("hello")},
			wantErr: domain.ErrUnsupportedContentType,
		},
		{
			name:    "too large",
			input:   service.UploadInput{CourseID: "c", Filename: "a.pdf", ContentType: domain.ContentTypePDF, Data: append([]byte("%PDF-"), make([]byte, 2048)...)},
			wantErr: domain.ErrFileTooLarge,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			store := memstore.New()
			svc, _ := newDocumentService(store)

			doc, err := svc.Upload(ctx, tt.input)
			assert.Nil(t, doc)
			assert.ErrorIs(t, err, tt.wantErr)

			// nothing is created for a rejected upload
			page, err := store.Documents().ListByCourseWithCursor(ctx, tt.input.CourseID, nil, 10)
			require.NoError(t, err)
			assert.Empty(t, page.Items)
			_, err = store.Blobs().Get(ctx, "courses/"+tt.input.CourseID+"/documents/00000000-0000-0000-0000-000000000001.pdf")
			assert.ErrorIs(t, err, domain.ErrPayloadNotFound)
		})
	}
}

func TestDocumentService_DeleteCascades(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	svc, pub := newDocumentService(store)

	doc, err := svc.Upload(ctx, service.UploadInput{CourseID: "course-1", Filename: "a.pdf", Data: samplePDF})
	require.NoError(t, err)
	require.NoError(t, store.Chunks().InsertMany(ctx, []domain.Chunk{
		{ID: "c1", DocumentID: doc.ID, ChunkIndex: 0, PageNumber: 1, Text: "x", Embedding: []float32{1}},
	}))

	require.NoError(t, svc.Delete(ctx, doc.ID))

	_, err = svc.Get(ctx, doc.ID)
	assert.ErrorIs(t, err, domain.ErrDocumentNotFound)
	chunks, err := store.Chunks().ListByDocument(ctx, doc.ID)
	require.NoError(t, err)
	assert.Empty(t, chunks)
	_, err = store.Blobs().Get(ctx, doc.StorageKey)
	assert.ErrorIs(t, err, domain.ErrPayloadNotFound)
	_, err = store.Jobs().GetByDocumentID(ctx, doc.ID)
	assert.ErrorIs(t, err, domain.ErrIngestionJobNotFound)
	assert.Equal(t, []events.EventType{events.DocumentDeleted}, pub.types())

	assert.ErrorIs(t, svc.Delete(ctx, doc.ID), domain.ErrDocumentNotFound)
}

func TestDocumentService_Chunks(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	svc, _ := newDocumentService(store)

	doc, err := svc.Upload(ctx, service.UploadInput{CourseID: "course-1", Filename: "a.pdf", Data: samplePDF})
	require.NoError(t, err)
	require.NoError(t, store.Chunks().InsertMany(ctx, []domain.Chunk{
		{ID: "c2", DocumentID: doc.ID, ChunkIndex: 1, PageNumber: 2, Text: "second", Embedding: []float32{0, 1}},
		{ID: "c1", DocumentID: doc.ID, ChunkIndex: 0, PageNumber: 1, Text: "first", Embedding: []float32{1, 0}},
	}))

	chunks, err := svc.GetChunks(ctx, doc.ID)
	require.NoError(t, err)
	require.Len(t, chunks, 2)
	assert.Equal(t, "first", chunks[0].Text)
	assert.Equal(t, "second", chunks[1].Text)

	n, err := svc.DeleteChunks(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	chunks, err = svc.GetChunks(ctx, doc.ID)
	require.NoError(t, err)
	assert.Empty(t, chunks)

	_, err = svc.GetChunks(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrDocumentNotFound)
	_, err = svc.DeleteChunks(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrDocumentNotFound)
}

func TestDocumentService_ListByCourse(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	svc, _ := newDocumentService(store)

	for range 3 {
		_, err := svc.Upload(ctx, service.UploadInput{CourseID: "course-1", Filename: "a.pdf", Data: samplePDF})
		require.NoError(t, err)
	}
	_, err := svc.Upload(ctx, service.UploadInput{CourseID: "course-2", Filename: "b.pdf", Data: samplePDF})
	require.NoError(t, err)

	first, err := svc.ListByCourse(ctx, service.ListDocumentsInput{CourseID: "course-1", Limit: 2})
	require.NoError(t, err)
	assert.Len(t, first.Items, 2)
	assert.True(t, first.HasMore)
	assert.NotEmpty(t, first.Cursor)

	second, err := svc.ListByCourse(ctx, service.ListDocumentsInput{CourseID: "course-1", Limit: 2, Cursor: first.Cursor})
	require.NoError(t, err)
	assert.Len(t, second.Items, 1)
	assert.False(t, second.HasMore)

	seen := map[string]bool{}
	for _, d := range append(first.Items, second.Items...) {
		assert.Equal(t, "course-1", d.CourseID)
		seen[d.ID] = true
	}
	assert.Len(t, seen, 3)

	_, err = svc.ListByCourse(ctx, service.ListDocumentsInput{CourseID: "course-1", Cursor: "%%%"})
	var domainErr *domain.DomainError
	require.True(t, errors.As(err, &domainErr))
	assert.Equal(t, domain.ErrCodeValidation, domainErr.Code)
}
