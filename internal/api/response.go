package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/cloo-solutions/lectern/internal/domain"
	"github.com/cloo-solutions/lectern/internal/logger"
)

// SuccessResponse wraps successful API responses
type SuccessResponse struct {
	Data interface{} `json:"data"`
}

// ErrorResponse represents an error API response
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// JSON writes a JSON response with the given status code
func JSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// Success writes a successful JSON response
func Success(w http.ResponseWriter, status int, data interface{}) {
	JSON(w, status, SuccessResponse{Data: data})
}

// Error writes an error JSON response
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, ErrorResponse{Error: message})
}

// DomainErrorToHTTP maps domain errors to HTTP status codes. Wrapped errors
// are unwrapped.
func DomainErrorToHTTP(err error) int {
	if err == nil {
		return http.StatusOK
	}

	var providerErr *domain.ProviderError
	var augErr *domain.AugmentationError
	var sumErr *domain.SummarizationError
	var ingestErr *domain.IngestionError
	switch {
	case errors.As(err, &providerErr):
		if providerErr.Transient() {
			return http.StatusServiceUnavailable
		}
		return http.StatusBadGateway
	case errors.As(err, &augErr), errors.As(err, &sumErr):
		return http.StatusBadGateway
	case errors.As(err, &ingestErr):
		return http.StatusUnprocessableEntity
	}

	var domainErr *domain.DomainError
	if !errors.As(err, &domainErr) {
		return http.StatusInternalServerError
	}

	switch domainErr.Code {
	case domain.ErrCodeValidation:
		return http.StatusBadRequest
	case domain.ErrCodePayloadTooLarge:
		return http.StatusRequestEntityTooLarge
	case domain.ErrCodeNotFound:
		return http.StatusNotFound
	case domain.ErrCodeAlreadyExists:
		return http.StatusConflict
	case domain.ErrCodeInvalidOperation:
		return http.StatusConflict
	case domain.ErrCodeProvider:
		return http.StatusBadGateway
	case domain.ErrCodeInternalError:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

// HandleError writes an appropriate error response based on the error type.
// Internal errors are logged and their details are not sent to the client.
func HandleError(w http.ResponseWriter, r *http.Request, err error) {
	status := DomainErrorToHTTP(err)

	resp := ErrorResponse{Error: err.Error()}
	var domainErr *domain.DomainError
	if errors.As(err, &domainErr) {
		resp.Code = domainErr.Code
	}
	if status == http.StatusInternalServerError {
		logger.FromContext(r.Context()).Error("request failed", "path", r.URL.Path, "error", err)
		resp = ErrorResponse{Error: "internal server error", Code: domain.ErrCodeInternalError}
	}
	JSON(w, status, resp)
}
