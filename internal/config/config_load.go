package config

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/titanous/json5"
)

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Agents: AgentsConfig{
			Defaults: AgentDefaults{
				Provider:    "openai",
				Model:       "gpt-4.1-mini",
				MaxTokens:   8192,
				Temperature: 0.7,
				ChunkSize:   800,
			},
		},
		Gateway: GatewayConfig{
			Host:            "0.0.0.0",
			Port:            18790,
			MaxMessageChars: 32000,
			DedupeTTLMin:    20,
			DedupeMaxSize:   5000,
		},
		Routing: RoutingConfig{
			Queue: QueueConfig{
				Mode:       "collect",
				DebounceMs: 1000,
				Cap:        20,
				DropPolicy: "summarize",
			},
		},
		Channels: ChannelsConfig{
			WebChat: WebChatConfig{
				Path: "/ws",
			},
		},
		Sessions: SessionsConfig{
			Backend: "sqlite",
			Path:    "~/.chatmux/sessions.db",
		},
	}
}

// Load reads config from a JSON5 file, then overlays env vars. A missing file
// is not an error; defaults plus env apply.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// applyEnvOverrides overlays env vars onto the config.
// Env vars take precedence over file values.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	envStr("CHATMUX_OPENAI_API_KEY", &c.Providers.OpenAI.APIKey)
	envStr("CHATMUX_OPENROUTER_API_KEY", &c.Providers.OpenRouter.APIKey)
	envStr("CHATMUX_GROQ_API_KEY", &c.Providers.Groq.APIKey)
	envStr("CHATMUX_DEEPSEEK_API_KEY", &c.Providers.DeepSeek.APIKey)
	envStr("CHATMUX_GATEWAY_TOKEN", &c.Gateway.Token)
	envStr("CHATMUX_TELEGRAM_TOKEN", &c.Channels.Telegram.Token)
	envStr("CHATMUX_DISCORD_TOKEN", &c.Channels.Discord.Token)
	envStr("CHATMUX_WHATSAPP_BRIDGE_URL", &c.Channels.WhatsApp.BridgeURL)
	envStr("CHATMUX_WHATSAPP_BRIDGE_TOKEN", &c.Channels.WhatsApp.BridgeToken)

	// Auto-enable channels if credentials are provided via env
	if c.Channels.Telegram.Token != "" {
		c.Channels.Telegram.Enabled = true
	}
	if c.Channels.Discord.Token != "" {
		c.Channels.Discord.Enabled = true
	}
	if c.Channels.WhatsApp.BridgeURL != "" {
		c.Channels.WhatsApp.Enabled = true
	}

	// Allow overriding default provider/model
	envStr("CHATMUX_PROVIDER", &c.Agents.Defaults.Provider)
	envStr("CHATMUX_MODEL", &c.Agents.Defaults.Model)

	// Sessions storage
	envStr("CHATMUX_SESSIONS_BACKEND", &c.Sessions.Backend)
	envStr("CHATMUX_SESSIONS_PATH", &c.Sessions.Path)

	// Gateway host/port
	envStr("CHATMUX_HOST", &c.Gateway.Host)
	if v := os.Getenv("CHATMUX_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil && port > 0 {
			c.Gateway.Port = port
		}
	}

	// Queue policy
	envStr("CHATMUX_QUEUE_MODE", &c.Routing.Queue.Mode)
	envStr("CHATMUX_QUEUE_DROP_POLICY", &c.Routing.Queue.DropPolicy)
	if v := os.Getenv("CHATMUX_QUEUE_DEBOUNCE_MS"); v != "" {
		if ms, err := strconv.Atoi(v); err == nil && ms >= 0 {
			c.Routing.Queue.DebounceMs = ms
		}
	}
	if v := os.Getenv("CHATMUX_QUEUE_CAP"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 1 {
			c.Routing.Queue.Cap = n
		}
	}

	// Telemetry
	envStr("CHATMUX_TELEMETRY_ENDPOINT", &c.Telemetry.Endpoint)
	envStr("CHATMUX_TELEMETRY_PROTOCOL", &c.Telemetry.Protocol)
	envStr("CHATMUX_TELEMETRY_SERVICE_NAME", &c.Telemetry.ServiceName)
	if v := os.Getenv("CHATMUX_TELEMETRY_ENABLED"); v != "" {
		c.Telemetry.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("CHATMUX_TELEMETRY_INSECURE"); v != "" {
		c.Telemetry.Insecure = v == "true" || v == "1"
	}

	// Owner IDs from env (comma-separated)
	if v := os.Getenv("CHATMUX_OWNER_IDS"); v != "" {
		c.Gateway.OwnerIDs = strings.Split(v, ",")
	}
}

// ApplyEnvOverrides re-applies environment variable overrides onto the config.
// Call this after replacing config contents to restore runtime secrets.
func (c *Config) ApplyEnvOverrides() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.applyEnvOverrides()
}

// Save writes the config to a JSON file.
func Save(path string, cfg *Config) error {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	return os.WriteFile(path, data, 0600)
}

// Hash returns a SHA-256 hash of the config for change detection.
func (c *Config) Hash() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	data, _ := json.Marshal(c)
	h := sha256.Sum256(data)
	return fmt.Sprintf("%x", h[:8])
}

const secretMask = "***"

// MaskedCopy returns a deep copy of the config with all secret fields masked.
func (c *Config) MaskedCopy() *Config {
	c.mu.RLock()
	defer c.mu.RUnlock()

	// Deep copy via JSON round-trip
	data, err := json.Marshal(c)
	if err != nil {
		return &Config{}
	}
	cp := Default()
	if err := json.Unmarshal(data, cp); err != nil {
		return &Config{}
	}

	maskNonEmpty(&cp.Providers.OpenAI.APIKey)
	maskNonEmpty(&cp.Providers.OpenRouter.APIKey)
	maskNonEmpty(&cp.Providers.Groq.APIKey)
	maskNonEmpty(&cp.Providers.DeepSeek.APIKey)
	maskNonEmpty(&cp.Gateway.Token)
	maskNonEmpty(&cp.Channels.Telegram.Token)
	maskNonEmpty(&cp.Channels.Discord.Token)
	maskNonEmpty(&cp.Channels.WhatsApp.BridgeToken)

	return cp
}

func maskNonEmpty(s *string) {
	if *s != "" {
		*s = secretMask
	}
}

// ExpandHome replaces leading ~ with the user home directory.
func ExpandHome(path string) string {
	if path == "" || path[0] != '~' {
		return path
	}
	home, _ := os.UserHomeDir()
	if len(path) > 1 && path[1] == '/' {
		return home + path[1:]
	}
	return home
}
