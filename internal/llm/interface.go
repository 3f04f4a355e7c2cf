package llm

import (
	"context"

	"github.com/sashabaranov/go-openai"
)

// Client is minimal subset of openai.Client used by the openai backend; it is easy to mock in tests.
type Client interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// Backend performs one reasoning round-trip. Implementations return
// *ContentRejectedError for safety rejections and any other error for
// failures the gateway should absorb.
type Backend interface {
	Name() string
	Complete(ctx context.Context, userText string, history []Turn) (Reply, error)
}

// Observer receives the outcome of every exchange.
type Observer interface {
	ObserveReasoning(backend, outcome string, elapsed float64)
}
