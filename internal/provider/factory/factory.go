// Package factory turns a provider.Descriptor into a ready adapter.
package factory

import (
	"fmt"
	"strings"

	"github.com/prime399/study-flow-kiro-sub000/internal/provider"
	"github.com/prime399/study-flow-kiro-sub000/internal/provider/anthropic"
	"github.com/prime399/study-flow-kiro-sub000/internal/provider/openai"
)

// New selects the adapter variant for d.Provider.
func New(d provider.Descriptor) (provider.Adapter, error) {
	if strings.TrimSpace(d.APIKey) == "" {
		return nil, fmt.Errorf("api key is required for provider %q", d.Provider)
	}

	switch d.Provider {
	case provider.Anthropic:
		return anthropic.New(d.APIKey, d.BaseURL), nil
	case provider.OpenAI:
		return openai.New(d.APIKey, d.BaseURL), nil
	case provider.OpenRouter:
		return openai.NewOpenRouter(d.APIKey, d.BaseURL), nil
	default:
		return nil, fmt.Errorf("unsupported provider: %s", d.Provider)
	}
}

// Known reports whether name is a supported provider.
func Known(name string) bool {
	switch name {
	case provider.Anthropic, provider.OpenAI, provider.OpenRouter:
		return true
	}
	return false
}
