package openai

import (
	"context"
	"strings"
	"testing"

	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/cloo-solutions/lectern/internal/domain"
)

type MockChatAPI struct {
	mock.Mock
}

func (m *MockChatAPI) CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	args := m.Called(ctx, req)
	return args.Get(0).(openai.ChatCompletionResponse), args.Error(1)
}

func completion(content string) openai.ChatCompletionResponse {
	return openai.ChatCompletionResponse{
		Model: "gpt-4o-mini-2024-07-18",
		Choices: []openai.ChatCompletionChoice{
			{Message: openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: content}},
		},
	}
}

func TestChatClient_Complete(t *testing.T) {
	api := new(MockChatAPI)
	client := NewChatClient(api, Config{ChatModel: "gpt-4o-mini"})

	api.On("CreateChatCompletion", mock.Anything, mock.MatchedBy(func(req openai.ChatCompletionRequest) bool {
		return req.Model == "gpt-4o-mini" &&
			len(req.Messages) == 2 &&
			req.Messages[0].Role == "system" &&
			req.Messages[1].Content == "What is a monad?"
	})).Return(completion("A monoid in the category of endofunctors."), nil)

	out, err := client.Complete(context.Background(), []domain.Message{
		{Role: domain.RoleSystem, Content: "Be brief."},
		{Role: domain.RoleUser, Content: "What is a monad?"},
	})

	require.NoError(t, err)
	assert.Equal(t, "A monoid in the category of endofunctors.", out.Content)
	assert.Equal(t, "gpt-4o-mini-2024-07-18", out.Model)
	api.AssertExpectations(t)
}

func TestChatClient_Complete_NoChoices(t *testing.T) {
	api := new(MockChatAPI)
	client := NewChatClient(api, Config{})

	api.On("CreateChatCompletion", mock.Anything, mock.Anything).Return(openai.ChatCompletionResponse{}, nil)

	_, err := client.Complete(context.Background(), []domain.Message{{Role: domain.RoleUser, Content: "hi"}})

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNoChoices)
	assert.True(t, domain.IsTransient(err))
}

func TestChatClient_Complete_AuthErrorIsPermanent(t *testing.T) {
	api := new(MockChatAPI)
	client := NewChatClient(api, Config{})

	api.On("CreateChatCompletion", mock.Anything, mock.Anything).
		Return(openai.ChatCompletionResponse{}, &openai.APIError{HTTPStatusCode: 401, Message: "invalid key"})

	_, err := client.Complete(context.Background(), []domain.Message{{Role: domain.RoleUser, Content: "hi"}})

	require.Error(t, err)
	assert.False(t, domain.IsTransient(err))
}

func TestVisionClient_Describe(t *testing.T) {
	api := new(MockChatAPI)
	client := NewVisionClient(api, Config{VisionModel: "gpt-4o"})

	api.On("CreateChatCompletion", mock.Anything, mock.MatchedBy(func(req openai.ChatCompletionRequest) bool {
		if req.Model != "gpt-4o" || len(req.Messages) != 1 {
			return false
		}
		parts := req.Messages[0].MultiContent
		return len(parts) == 2 &&
			parts[0].Text == DefaultVisionPrompt &&
			parts[1].ImageURL != nil &&
			strings.HasPrefix(parts[1].ImageURL.URL, "data:image/png;base64,")
	})).Return(completion("  A bar chart of enrolment by year.\n"), nil)

	desc, err := client.Describe(context.Background(), []byte{0x89, 'P', 'N', 'G'})

	require.NoError(t, err)
	assert.Equal(t, "A bar chart of enrolment by year.", desc)
	api.AssertExpectations(t)
}

func TestVisionClient_Describe_EmptyImage(t *testing.T) {
	client := NewVisionClient(new(MockChatAPI), Config{})

	_, err := client.Describe(context.Background(), nil)
	assert.ErrorIs(t, err, ErrEmptyImage)
}
