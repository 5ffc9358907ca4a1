package handlers

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/cloo-solutions/lectern/internal/api"
	"github.com/cloo-solutions/lectern/internal/domain"
	"github.com/cloo-solutions/lectern/internal/service"
)

type AnswerService interface {
	Answer(ctx context.Context, input service.AnswerInput) (*service.AnswerResult, error)
}

type AnswerHandler struct {
	svc AnswerService
}

func NewAnswerHandler(svc AnswerService) *AnswerHandler {
	return &AnswerHandler{svc: svc}
}

type SourceDocumentRequest struct {
	ID   string `json:"id"`
	Text string `json:"text"`
}

type AnswerRequest struct {
	Conversation domain.Conversation     `json:"conversation"`
	Mode         string                  `json:"mode"`
	DocumentIDs  []string                `json:"document_ids"`
	Documents    []SourceDocumentRequest `json:"documents"`
	Constraints  []string                `json:"constraints"`
}

type AnswerResponse struct {
	Conversation domain.Conversation `json:"conversation"`
	Answer       string              `json:"answer"`
	Model        string              `json:"model,omitempty"`
	Mode         string              `json:"mode"`
	Degraded     bool                `json:"degraded"`
	Notices      []string            `json:"notices,omitempty"`
}

// Answer returns the conversation extended by one assistant turn.
func (h *AnswerHandler) Answer(w http.ResponseWriter, r *http.Request) {
	var req AnswerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		api.Error(w, http.StatusBadRequest, "invalid request body")
		return
	}

	mode, err := domain.ParseAnswerMode(req.Mode)
	if err != nil {
		api.HandleError(w, r, err)
		return
	}

	docs := make([]service.SourceDocument, len(req.Documents))
	for i, d := range req.Documents {
		docs[i] = service.SourceDocument{ID: d.ID, Text: d.Text}
	}

	result, err := h.svc.Answer(r.Context(), service.AnswerInput{
		Conversation: req.Conversation,
		Mode:         mode,
		DocumentIDs:  req.DocumentIDs,
		Documents:    docs,
		Constraints:  req.Constraints,
	})
	if err != nil {
		api.HandleError(w, r, err)
		return
	}

	resp := AnswerResponse{
		Conversation: result.Conversation,
		Mode:         string(result.Mode),
		Degraded:     result.Degraded,
		Notices:      result.Notices,
	}
	if n := len(result.Conversation); n > 0 {
		last := result.Conversation[n-1]
		resp.Answer = last.Content
		resp.Model = last.ModelUsed
	}
	api.Success(w, http.StatusOK, resp)
}
