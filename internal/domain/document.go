package domain

import (
	"bytes"
	"fmt"
	"time"
)

// DocumentStatus is the ingestion state of an uploaded document.
type DocumentStatus string

const (
	DocumentStatusProcessing DocumentStatus = "processing"
	DocumentStatusCompleted  DocumentStatus = "completed"
	DocumentStatusFailed     DocumentStatus = "failed"
)

// ContentTypePDF is the only accepted upload type.
const ContentTypePDF = "application/pdf"

var pdfMagic = []byte("%PDF-")

// Document is an uploaded course file and its ingestion outcome.
type Document struct {
	ID          string
	CourseID    string
	Filename    string
	ContentType string
	SizeBytes   int64
	StorageKey  string
	Status      DocumentStatus
	Error       string
	FailedStage IngestionStage
	PageCount   int
	TextContent string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// NewDocument creates a Document in the processing state.
func NewDocument(id, courseID, filename string, sizeBytes int64, storageKey string) *Document {
	now := time.Now().UTC()
	return &Document{
		ID:          id,
		CourseID:    courseID,
		Filename:    filename,
		ContentType: ContentTypePDF,
		SizeBytes:   sizeBytes,
		StorageKey:  storageKey,
		Status:      DocumentStatusProcessing,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// CanTransitionTo reports whether s may move to next.
// Only processing documents may change state; completed and failed are terminal.
func (s DocumentStatus) CanTransitionTo(next DocumentStatus) bool {
	if s != DocumentStatusProcessing {
		return false
	}
	return next == DocumentStatusCompleted || next == DocumentStatusFailed
}

// IsTerminal reports whether no further transitions are allowed.
func (s DocumentStatus) IsTerminal() bool {
	return s == DocumentStatusCompleted || s == DocumentStatusFailed
}

// MarkCompleted moves the document to completed.
func (d *Document) MarkCompleted(pageCount int, textContent string) error {
	if err := d.transition(DocumentStatusCompleted); err != nil {
		return err
	}
	d.PageCount = pageCount
	d.TextContent = textContent
	d.Error = ""
	d.FailedStage = ""
	return nil
}

// MarkFailed moves the document to failed and records why.
func (d *Document) MarkFailed(stage IngestionStage, cause error) error {
	if err := d.transition(DocumentStatusFailed); err != nil {
		return err
	}
	d.FailedStage = stage
	if cause != nil {
		d.Error = cause.Error()
	}
	return nil
}

func (d *Document) transition(next DocumentStatus) error {
	if !d.Status.CanTransitionTo(next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidStatusTransition, d.Status, next)
	}
	d.Status = next
	d.UpdatedAt = time.Now().UTC()
	return nil
}

// ValidateUpload checks an upload before any record is created.
func ValidateUpload(contentType string, data []byte, maxBytes int64) error {
	if len(data) == 0 {
		return ErrEmptyFile
	}
	if int64(len(data)) > maxBytes {
		return ErrFileTooLarge
	}
	if !IsPDF(contentType, data) {
		return ErrUnsupportedContentType
	}
	return nil
}

// IsPDF requires the PDF magic bytes and a declared type that is either
// application/pdf or generic.
func IsPDF(contentType string, data []byte) bool {
	switch contentType {
	case ContentTypePDF, "", "application/octet-stream":
		return bytes.HasPrefix(data, pdfMagic)
	}
	return false
}

// ValidateDocument validates a Document instance
func ValidateDocument(d *Document) error {
	if d == nil {
		return fmt.Errorf("document cannot be nil")
	}
	if d.ID == "" {
		return fmt.Errorf("document ID is required")
	}
	if d.CourseID == "" {
		return fmt.Errorf("document CourseID is required")
	}
	if d.Filename == "" {
		return fmt.Errorf("document Filename is required")
	}
	if d.ContentType != ContentTypePDF {
		return fmt.Errorf("document ContentType must be %s", ContentTypePDF)
	}
	if !isValidDocumentStatus(d.Status) {
		return fmt.Errorf("document Status is invalid: %s", d.Status)
	}
	return nil
}

// ParseDocumentStatus converts a stored status string.
func ParseDocumentStatus(s string) (DocumentStatus, error) {
	status := DocumentStatus(s)
	if !isValidDocumentStatus(status) {
		return "", ErrInvalidDocumentStatus
	}
	return status, nil
}

func isValidDocumentStatus(s DocumentStatus) bool {
	switch s {
	case DocumentStatusProcessing, DocumentStatusCompleted, DocumentStatusFailed:
		return true
	}
	return false
}
