package providers

import (
	"strings"
	"testing"

	"github.com/danharwell/chatmux/internal/config"
)

func TestNewKnownProviders(t *testing.T) {
	cfg := config.Default()
	cfg.Providers.OpenAI.APIKey = "sk-test"
	cfg.Providers.OpenRouter.APIKey = "or-test"
	cfg.Providers.Groq.APIKey = "gq-test"
	cfg.Providers.DeepSeek.APIKey = "ds-test"

	for _, name := range []string{"openai", "openrouter", "groq", "deepseek"} {
		p, err := New(name, cfg)
		if err != nil {
			t.Errorf("New(%q) error = %v", name, err)
			continue
		}
		if p.Name() != name {
			t.Errorf("Name() = %q, want %q", p.Name(), name)
		}
		if p.DefaultModel() == "" {
			t.Errorf("New(%q) has empty default model", name)
		}
	}
}

func TestNewUnknownProvider(t *testing.T) {
	cfg := config.Default()
	_, err := New("anthropic", cfg)
	if err == nil || !strings.Contains(err.Error(), "unknown provider") {
		t.Errorf("New(anthropic) error = %v, want unknown provider", err)
	}
}

func TestNewMissingAPIKey(t *testing.T) {
	cfg := config.Default()
	_, err := New("openai", cfg)
	if err == nil || !strings.Contains(err.Error(), "no API key") {
		t.Errorf("New without key error = %v, want missing key", err)
	}
}

func TestOpenRouterCustomBase(t *testing.T) {
	cfg := config.Default()
	cfg.Providers.OpenRouter.APIKey = "or-test"
	cfg.Providers.OpenRouter.APIBase = "https://proxy.internal/v1/"

	p, err := New("openrouter", cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	op := p.(*OpenAIProvider)
	if op.apiBase != "https://proxy.internal/v1" {
		t.Errorf("apiBase = %q, want trimmed custom base", op.apiBase)
	}
}
