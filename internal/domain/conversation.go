package domain

import "fmt"

// Role identifies the author of a conversation turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Message is one turn of a conversation.
type Message struct {
	Role      Role   `json:"role"`
	Content   string `json:"content"`
	ModelUsed string `json:"model_used,omitempty"`
}

// Conversation is an ordered list of turns. Operations never mutate the
// receiver's backing array.
type Conversation []Message

// Append returns a copy of c with m added at the end.
func (c Conversation) Append(m Message) Conversation {
	out := make(Conversation, len(c), len(c)+1)
	copy(out, c)
	return append(out, m)
}

// LastUser returns the index and content of the last user turn.
func (c Conversation) LastUser() (int, string, bool) {
	for i := len(c) - 1; i >= 0; i-- {
		if c[i].Role == RoleUser {
			return i, c[i].Content, true
		}
	}
	return -1, "", false
}

// Validate checks roles and that the conversation ends with a user question.
func (c Conversation) Validate() error {
	if len(c) == 0 || c[len(c)-1].Role != RoleUser {
		return ErrEmptyConversation
	}
	for i, m := range c {
		switch m.Role {
		case RoleUser, RoleAssistant, RoleSystem:
		default:
			return NewDomainErrorWithCause(ErrCodeValidation, ErrInvalidRole.Message,
				fmt.Errorf("turn %d has role %q", i, m.Role))
		}
	}
	return nil
}

// Completion is the result of a single chat model call.
type Completion struct {
	Content string
	Model   string
}

// AnswerMode selects how the question is answered.
type AnswerMode string

const (
	AnswerModeDirect     AnswerMode = "direct"
	AnswerModeRAG        AnswerMode = "rag"
	AnswerModeMultiAgent AnswerMode = "multi-agent"
	AnswerModeCombined   AnswerMode = "combined"
)

// ParseAnswerMode validates a mode string; empty means direct.
func ParseAnswerMode(s string) (AnswerMode, error) {
	switch AnswerMode(s) {
	case "":
		return AnswerModeDirect, nil
	case AnswerModeDirect, AnswerModeRAG, AnswerModeMultiAgent, AnswerModeCombined:
		return AnswerMode(s), nil
	}
	return "", ErrInvalidAnswerMode
}

// UsesRetrieval reports whether the mode needs query augmentation.
func (m AnswerMode) UsesRetrieval() bool {
	return m == AnswerModeRAG || m == AnswerModeCombined
}

// UsesSummary reports whether the mode needs the reduce summarizer.
func (m AnswerMode) UsesSummary() bool {
	return m == AnswerModeMultiAgent || m == AnswerModeCombined
}
