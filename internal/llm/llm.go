package llm

import (
	"fmt"
	"net/http"

	"github.com/sashabaranov/go-openai"

	"github.com/TwistrOP/Generative-AI-Pyschologist/internal/config"
)

// NewClient creates a new OpenAI client
func NewClient(cfg config.LLMConfig) *openai.Client {
	config := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		config.BaseURL = cfg.BaseURL
	}

	return openai.NewClientWithConfig(config)
}

// NewGateway builds the gateway for the configured provider.
func NewGateway(cfg config.LLMConfig, observer Observer) (*Gateway, error) {
	var backend Backend
	switch cfg.Provider {
	case config.ProviderAthena, "":
		backend = NewAthenaBackend(cfg.BaseURL, &http.Client{})
	case config.ProviderOpenAI:
		backend = NewOpenAIBackend(NewClient(cfg), cfg.Model, cfg.SystemPrompt)
	default:
		return nil, fmt.Errorf("unsupported llm provider %q", cfg.Provider)
	}
	return New(backend, WithTimeout(cfg.Timeout), WithObserver(observer)), nil
}
