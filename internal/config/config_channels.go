package config

// ChannelsConfig contains per-channel configuration.
type ChannelsConfig struct {
	Telegram TelegramConfig `json:"telegram"`
	Discord  DiscordConfig  `json:"discord"`
	WhatsApp WhatsAppConfig `json:"whatsapp"`
	WebChat  WebChatConfig  `json:"webchat"`
}

type TelegramConfig struct {
	Enabled        bool                `json:"enabled"`
	Token          string              `json:"token"`
	Proxy          string              `json:"proxy,omitempty"`
	AllowFrom      FlexibleStringSlice `json:"allow_from"`
	DMPolicy       string              `json:"dm_policy,omitempty"`       // "open" (default), "allowlist", "disabled"
	GroupPolicy    string              `json:"group_policy,omitempty"`    // "open" (default), "allowlist", "disabled"
	RequireMention *bool               `json:"require_mention,omitempty"` // require @bot mention in groups (default true)
	SendRatePerSec float64             `json:"send_rate_per_sec,omitempty"`
}

type DiscordConfig struct {
	Enabled        bool                `json:"enabled"`
	Token          string              `json:"token"`
	AllowFrom      FlexibleStringSlice `json:"allow_from"`
	DMPolicy       string              `json:"dm_policy,omitempty"`       // "open" (default), "allowlist", "disabled"
	GroupPolicy    string              `json:"group_policy,omitempty"`    // "open" (default), "allowlist", "disabled"
	RequireMention *bool               `json:"require_mention,omitempty"` // require @bot mention in guild channels (default true)
	SendRatePerSec float64             `json:"send_rate_per_sec,omitempty"`
}

type WhatsAppConfig struct {
	Enabled        bool                `json:"enabled"`
	BridgeURL      string              `json:"bridge_url"` // ws:// or wss:// endpoint of the bridge process
	BridgeToken    string              `json:"bridge_token,omitempty"`
	AllowFrom      FlexibleStringSlice `json:"allow_from"`
	DMPolicy       string              `json:"dm_policy,omitempty"`    // "open" (default), "allowlist", "disabled"
	GroupPolicy    string              `json:"group_policy,omitempty"` // "open" (default), "allowlist", "disabled"
	SendRatePerSec float64             `json:"send_rate_per_sec,omitempty"`
}

type WebChatConfig struct {
	Enabled        bool     `json:"enabled"`
	Path           string   `json:"path,omitempty"`            // WebSocket path (default "/ws")
	AllowedOrigins []string `json:"allowed_origins,omitempty"` // empty = allow all
}

// ProvidersConfig maps provider name to its credentials. All providers speak
// the OpenAI-compatible chat completions API.
type ProvidersConfig struct {
	OpenAI     ProviderConfig `json:"openai"`
	OpenRouter ProviderConfig `json:"openrouter"`
	Groq       ProviderConfig `json:"groq"`
	DeepSeek   ProviderConfig `json:"deepseek"`
}

type ProviderConfig struct {
	APIKey  string `json:"api_key"`
	APIBase string `json:"api_base,omitempty"`
}

// HasAnyProvider returns true if at least one provider has an API key configured.
func (c *Config) HasAnyProvider() bool {
	p := c.Providers
	return p.OpenAI.APIKey != "" ||
		p.OpenRouter.APIKey != "" ||
		p.Groq.APIKey != "" ||
		p.DeepSeek.APIKey != ""
}

// Provider returns the credentials for a named provider, false if unknown.
func (c *Config) Provider(name string) (ProviderConfig, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	switch name {
	case "openai":
		return c.Providers.OpenAI, true
	case "openrouter":
		return c.Providers.OpenRouter, true
	case "groq":
		return c.Providers.Groq, true
	case "deepseek":
		return c.Providers.DeepSeek, true
	}
	return ProviderConfig{}, false
}
