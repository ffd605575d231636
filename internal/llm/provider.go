// Package llm abstracts the language-model clients used for parameter
// repair and cached synthesis. Providers are small: one bounded, non-
// streaming completion call.
package llm

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/haasonsaas/dispatch/internal/config"
)

// ErrNoAPIKey means the configured key environment variable is unset.
var ErrNoAPIKey = errors.New("llm: api key environment variable is empty")

// Request is one completion request.
type Request struct {
	System    string
	Prompt    string
	MaxTokens int
}

// Provider generates a completion for a request. Implementations must honor
// ctx cancellation and return the raw text of the first completion.
type Provider interface {
	Name() string
	Generate(ctx context.Context, req Request) (string, error)
}

// NewProvider builds the configured provider.
func NewProvider(cfg config.LLMConfig) (Provider, error) {
	key := os.Getenv(cfg.APIKeyEnv)
	if key == "" {
		return nil, fmt.Errorf("%w: %s", ErrNoAPIKey, cfg.APIKeyEnv)
	}
	switch cfg.Provider {
	case "anthropic":
		return newAnthropicProvider(key, cfg.Model), nil
	case "openai":
		return newOpenAIProvider(key, cfg.Model), nil
	default:
		return nil, fmt.Errorf("llm: unknown provider %q", cfg.Provider)
	}
}
