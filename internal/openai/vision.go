package openai

import (
	"context"
	"encoding/base64"
	"errors"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

// DefaultVisionPrompt asks for a description of non-text content on a page.
const DefaultVisionPrompt = "Describe the figures, diagrams, charts, tables and other visual elements on this page of course material. " +
	"Be concise and factual. If the page contains only text, reply exactly: No visual elements detected"

// ErrEmptyImage is returned when no image bytes are supplied.
var ErrEmptyImage = errors.New("image cannot be empty")

// VisionClient describes rendered page images with a multimodal chat model.
type VisionClient struct {
	chat   *ChatClient
	prompt string
}

// NewVisionClient creates a describer backed by api.
func NewVisionClient(api ChatAPI, cfg Config) *VisionClient {
	chatCfg := cfg
	chatCfg.ChatModel = cfg.VisionModel
	prompt := cfg.VisionPrompt
	if prompt == "" {
		prompt = DefaultVisionPrompt
	}
	return &VisionClient{chat: NewChatClient(api, chatCfg), prompt: prompt}
}

// Describe returns a textual description of the visual content of a PNG.
func (v *VisionClient) Describe(ctx context.Context, png []byte) (string, error) {
	if len(png) == 0 {
		return "", ErrEmptyImage
	}

	dataURI := "data:image/png;base64," + base64.StdEncoding.EncodeToString(png)
	req := openai.ChatCompletionRequest{
		Model: v.chat.model,
		Messages: []openai.ChatCompletionMessage{
			{
				Role: openai.ChatMessageRoleUser,
				MultiContent: []openai.ChatMessagePart{
					{Type: openai.ChatMessagePartTypeText, Text: v.prompt},
					{
						Type: openai.ChatMessagePartTypeImageURL,
						ImageURL: &openai.ChatMessageImageURL{
							URL:    dataURI,
							Detail: openai.ImageURLDetailLow,
						},
					},
				},
			},
		},
	}

	resp, err := v.chat.create(ctx, "vision", req)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}
