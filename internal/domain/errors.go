package domain

import (
	"errors"
	"fmt"
	"strings"
)

// DomainError represents a domain-specific error
type DomainError struct {
	Code    string
	Message string
	Err     error
}

// Error implements the error interface
func (e *DomainError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *DomainError) Unwrap() error {
	return e.Err
}

// NewDomainError creates a new DomainError
func NewDomainError(code, message string) *DomainError {
	return &DomainError{
		Code:    code,
		Message: message,
		Err:     nil,
	}
}

// NewDomainErrorWithCause creates a new DomainError with an underlying cause
func NewDomainErrorWithCause(code, message string, err error) *DomainError {
	return &DomainError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// Common domain error codes
const (
	ErrCodeValidation       = "VALIDATION_ERROR"
	ErrCodePayloadTooLarge  = "PAYLOAD_TOO_LARGE"
	ErrCodeNotFound         = "NOT_FOUND"
	ErrCodeAlreadyExists    = "ALREADY_EXISTS"
	ErrCodeInternalError    = "INTERNAL_ERROR"
	ErrCodeInvalidOperation = "INVALID_OPERATION"
	ErrCodeProvider         = "PROVIDER_ERROR"
)

// Validation errors
var (
	ErrUnsupportedContentType = NewDomainError(ErrCodeValidation, "only application/pdf documents are accepted")
	ErrFileTooLarge           = NewDomainError(ErrCodePayloadTooLarge, "document exceeds the maximum upload size")
	ErrEmptyFile              = NewDomainError(ErrCodeValidation, "document is empty")
	ErrMissingRequiredField   = NewDomainError(ErrCodeValidation, "missing required field")
	ErrInvalidDocumentStatus  = NewDomainError(ErrCodeValidation, "invalid document status")
	ErrInvalidIngestionStatus = NewDomainError(ErrCodeValidation, "invalid ingestion job status")
	ErrInvalidAnswerMode      = NewDomainError(ErrCodeValidation, "invalid answer mode")
	ErrInvalidRole            = NewDomainError(ErrCodeValidation, "invalid conversation role")
	ErrEmptyConversation      = NewDomainError(ErrCodeValidation, "conversation must end with a user turn")
	ErrNoDocuments            = NewDomainError(ErrCodeValidation, "no documents selected for retrieval")
)

// Not found errors
var (
	ErrDocumentNotFound     = NewDomainError(ErrCodeNotFound, "document not found")
	ErrIngestionJobNotFound = NewDomainError(ErrCodeNotFound, "ingestion job not found")
	ErrPayloadNotFound      = NewDomainError(ErrCodeNotFound, "document payload not found")
)

// Operation errors
var (
	ErrInvalidStatusTransition = NewDomainError(ErrCodeInvalidOperation, "invalid document status transition")
	ErrDocumentDeleted         = NewDomainError(ErrCodeInvalidOperation, "document was deleted or left processing during ingestion")
	ErrStorageOperationFail    = NewDomainError(ErrCodeInternalError, "storage operation failed")
)

// IngestionStage names the pipeline step an ingestion failure happened in.
type IngestionStage string

const (
	StageLoad      IngestionStage = "load"
	StageRender    IngestionStage = "render"
	StageOCR       IngestionStage = "ocr"
	StageChunk     IngestionStage = "chunk"
	StageDescribe  IngestionStage = "describe"
	StageNormalize IngestionStage = "normalize"
	StageEmbed     IngestionStage = "embed"
	StagePersist   IngestionStage = "persist"
	// StageRecovery marks documents whose ingestion was abandoned mid-run.
	StageRecovery IngestionStage = "recovery"
)

// IngestionError is returned when a document could not be turned into chunks.
// By the time it is returned the document has been marked failed and any
// partial chunks removed.
type IngestionError struct {
	DocumentID string
	Stage      IngestionStage
	Err        error
}

func (e *IngestionError) Error() string {
	return fmt.Sprintf("ingestion of document %s failed at %s: %v", e.DocumentID, e.Stage, e.Err)
}

func (e *IngestionError) Unwrap() error {
	return e.Err
}

// AugmentationError is returned when retrieval context could not be built.
type AugmentationError struct {
	Err error
}

func (e *AugmentationError) Error() string {
	return fmt.Sprintf("query augmentation failed: %v", e.Err)
}

func (e *AugmentationError) Unwrap() error {
	return e.Err
}

// SummarizationError reports documents whose reduce fold failed.
type SummarizationError struct {
	DocumentIDs []string
	Err         error
}

func (e *SummarizationError) Error() string {
	return fmt.Sprintf("summarization failed for [%s]: %v", strings.Join(e.DocumentIDs, ", "), e.Err)
}

func (e *SummarizationError) Unwrap() error {
	return e.Err
}

// ProviderErrorKind classifies failures of external model providers.
type ProviderErrorKind string

const (
	ProviderErrRateLimit  ProviderErrorKind = "rate_limit"
	ProviderErrAuth       ProviderErrorKind = "auth"
	ProviderErrNetwork    ProviderErrorKind = "network"
	ProviderErrTimeout    ProviderErrorKind = "timeout"
	ProviderErrServer     ProviderErrorKind = "server"
	ProviderErrBadRequest ProviderErrorKind = "bad_request"
)

// ProviderError wraps a failed call to an embedding, chat, vision, OCR or
// normalization provider.
type ProviderError struct {
	Provider   string
	Op         string
	Kind       ProviderErrorKind
	StatusCode int
	Err        error
}

func (e *ProviderError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s %s: %s (status %d): %v", e.Provider, e.Op, e.Kind, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s %s: %s: %v", e.Provider, e.Op, e.Kind, e.Err)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// Transient reports whether retrying the call may succeed.
func (e *ProviderError) Transient() bool {
	switch e.Kind {
	case ProviderErrRateLimit, ProviderErrNetwork, ProviderErrTimeout, ProviderErrServer:
		return true
	}
	return false
}

// IsTransient reports whether err carries a transient ProviderError.
func IsTransient(err error) bool {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Transient()
	}
	return false
}
