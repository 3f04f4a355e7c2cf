package llm

import (
	"context"
	"errors"
	"fmt"

	"github.com/sashabaranov/go-openai"
)

// OpenAIBackend answers with a chat completion. It produces no emotion analysis.
type OpenAIBackend struct {
	client       Client
	model        string
	systemPrompt string
}

func NewOpenAIBackend(client Client, model, systemPrompt string) *OpenAIBackend {
	return &OpenAIBackend{client: client, model: model, systemPrompt: systemPrompt}
}

func (b *OpenAIBackend) Name() string { return "openai" }

func (b *OpenAIBackend) Complete(ctx context.Context, userText string, history []Turn) (Reply, error) {
	messages := make([]openai.ChatCompletionMessage, 0, len(history)+2)
	if b.systemPrompt != "" {
		messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: b.systemPrompt})
	}
	for _, t := range history {
		role := openai.ChatMessageRoleAssistant
		if t.Role == RoleUser {
			role = openai.ChatMessageRoleUser
		}
		messages = append(messages, openai.ChatCompletionMessage{Role: role, Content: t.Content})
	}
	messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: userText})

	resp, err := b.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:    b.model,
		Messages: messages,
	})
	if err != nil {
		var apiErr *openai.APIError
		if errors.As(err, &apiErr) {
			switch fmt.Sprint(apiErr.Code) {
			case "content_filter", "content_policy_violation":
				return Reply{}, &ContentRejectedError{Reason: apiErr.Message}
			}
		}
		return Reply{}, err
	}
	if len(resp.Choices) == 0 {
		return Reply{}, errors.New("no choices returned by LLM")
	}

	choice := resp.Choices[0]
	if choice.FinishReason == openai.FinishReasonContentFilter {
		return Reply{}, &ContentRejectedError{Reason: "completion stopped by content filter"}
	}
	return Reply{Text: choice.Message.Content}, nil
}
