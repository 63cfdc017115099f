package providers

import (
	"fmt"

	"github.com/danharwell/chatmux/internal/config"
)

// Default API bases and models for the supported providers.
var providerDefaults = map[string]struct {
	apiBase string
	model   string
}{
	"openai":     {"https://api.openai.com/v1", "gpt-4.1-mini"},
	"openrouter": {"https://openrouter.ai/api/v1", "openai/gpt-4.1-mini"},
	"groq":       {"https://api.groq.com/openai/v1", "llama-3.3-70b-versatile"},
	"deepseek":   {"https://api.deepseek.com/v1", "deepseek-chat"},
}

// New builds a provider client by name from config. Unknown names and
// missing API keys are errors.
func New(name string, cfg *config.Config) (Provider, error) {
	defaults, ok := providerDefaults[name]
	if !ok {
		return nil, fmt.Errorf("unknown provider %q", name)
	}

	pc, _ := cfg.Provider(name)
	if pc.APIKey == "" {
		return nil, fmt.Errorf("provider %q has no API key configured", name)
	}

	apiBase := pc.APIBase
	if apiBase == "" {
		apiBase = defaults.apiBase
	}

	return NewOpenAIProvider(name, pc.APIKey, apiBase, defaults.model), nil
}
