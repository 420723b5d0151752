package provider

import (
	"strings"

	"github.com/Anteroom/Anteroom/internal/errs"
)

// Resolve builds the provider named by kind. Supported kinds: "openai"
// (any OpenAI-compatible endpoint, selected by apiBase) and "anthropic".
func Resolve(kind, apiKey, apiBase, model string) (LLMProvider, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "", "openai", "openrouter", "compatible":
		return NewOpenAIProvider(apiKey, apiBase, model), nil
	case "anthropic":
		return NewAnthropicProvider(apiKey, model), nil
	default:
		return nil, errs.New(errs.KindConfig, "provider.resolve", "unknown provider kind: "+kind)
	}
}
