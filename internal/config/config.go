// Package config defines the chatmux configuration: agents, channels,
// gateway, routing (queue policy), sessions, and telemetry. Config is loaded
// from a JSON5 file, overlaid with CHATMUX_* env vars, and may be hot-reloaded
// via Watcher.
package config

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/danharwell/chatmux/internal/queue"
)

// DefaultAgentID is used when no agent is explicitly bound or marked default.
const DefaultAgentID = "default"

// FlexibleStringSlice accepts both ["str"] and [123] in JSON.
type FlexibleStringSlice []string

func (f *FlexibleStringSlice) UnmarshalJSON(data []byte) error {
	var ss []string
	if err := json.Unmarshal(data, &ss); err == nil {
		*f = ss
		return nil
	}
	var raw []interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	result := make([]string, 0, len(raw))
	for _, v := range raw {
		switch val := v.(type) {
		case string:
			result = append(result, val)
		case float64:
			result = append(result, fmt.Sprintf("%.0f", val))
		default:
			result = append(result, fmt.Sprintf("%v", val))
		}
	}
	*f = result
	return nil
}

// Config is the root configuration for the chatmux gateway.
type Config struct {
	Agents    AgentsConfig    `json:"agents"`
	Channels  ChannelsConfig  `json:"channels"`
	Providers ProvidersConfig `json:"providers"`
	Gateway   GatewayConfig   `json:"gateway"`
	Routing   RoutingConfig   `json:"routing"`
	Sessions  SessionsConfig  `json:"sessions"`
	Telemetry TelemetryConfig `json:"telemetry,omitempty"`
	Bindings  []AgentBinding  `json:"bindings,omitempty"`
	mu        sync.RWMutex
}

// AgentsConfig contains agent defaults and per-agent overrides.
type AgentsConfig struct {
	Defaults AgentDefaults        `json:"defaults"`
	List     map[string]AgentSpec `json:"list,omitempty"`
}

// AgentDefaults are default settings for all agents.
type AgentDefaults struct {
	Provider       string  `json:"provider"`
	Model          string  `json:"model"`
	MaxTokens      int     `json:"max_tokens"`
	Temperature    float64 `json:"temperature"`
	SystemPrompt   string  `json:"system_prompt,omitempty"`
	ResponsePrefix string  `json:"response_prefix,omitempty"` // prepended to every outbound reply
	ChunkSize      int     `json:"chunk_size,omitempty"`      // streamed block size in runes (default 800)
}

// AgentSpec overrides defaults for one agent.
type AgentSpec struct {
	DisplayName    string  `json:"displayName,omitempty"`
	Provider       string  `json:"provider,omitempty"`
	Model          string  `json:"model,omitempty"`
	MaxTokens      int     `json:"max_tokens,omitempty"`
	Temperature    float64 `json:"temperature,omitempty"`
	SystemPrompt   string  `json:"system_prompt,omitempty"`
	ResponsePrefix string  `json:"response_prefix,omitempty"`
	Default        bool    `json:"default,omitempty"`
}

// AgentBinding routes messages matching a pattern to a specific agent.
// Bindings are evaluated in order; first match wins.
type AgentBinding struct {
	AgentID string       `json:"agentId"`
	Match   BindingMatch `json:"match"`
}

// BindingMatch specifies what messages this binding applies to.
type BindingMatch struct {
	Channel string       `json:"channel"`        // "telegram", "discord", "whatsapp", "webchat"
	Peer    *BindingPeer `json:"peer,omitempty"` // specific DM/group
}

// BindingPeer specifies a specific chat target.
type BindingPeer struct {
	Kind string `json:"kind"` // "direct" or "group"
	ID   string `json:"id"`
}

// RoutingConfig controls how inbound messages are admitted into sessions.
type RoutingConfig struct {
	Queue     QueueConfig            `json:"queue"`                // global queue policy
	ByChannel map[string]QueueConfig `json:"by_channel,omitempty"` // per-channel overrides
}

// QueueConfig is the raw (string-typed) queue policy for one scope. Empty or
// unrecognized fields fall through to the next precedence level.
type QueueConfig struct {
	Mode       string `json:"mode,omitempty"`        // steer|interrupt|followup|collect|steer-backlog (+aliases)
	DebounceMs int    `json:"debounce_ms,omitempty"` // trailing debounce before drain
	Cap        int    `json:"cap,omitempty"`         // max queued followups per session
	DropPolicy string `json:"drop_policy,omitempty"` // old|new|summarize
}

// Overrides converts the raw config values into a queue overrides layer.
// Returns nil when nothing is set.
func (q QueueConfig) Overrides() *queue.Overrides {
	return queue.OverridesFromConfig(q.Mode, q.DebounceMs, q.Cap, q.DropPolicy)
}

// QueueLayers returns the (surface, global) override layers for a channel,
// for use with queue.Resolve.
func (c *Config) QueueLayers(channel string) (surface, global *queue.Overrides) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if qc, ok := c.Routing.ByChannel[channel]; ok {
		surface = qc.Overrides()
	}
	return surface, c.Routing.Queue.Overrides()
}

// GatewayConfig controls the gateway server.
type GatewayConfig struct {
	Host            string   `json:"host"`
	Port            int      `json:"port"`
	Token           string   `json:"token,omitempty"`             // bearer token for webchat auth
	OwnerIDs        []string `json:"owner_ids,omitempty"`         // sender IDs considered "owner"
	MaxMessageChars int      `json:"max_message_chars,omitempty"` // max user message characters (default 32000)
	DedupeTTLMin    int      `json:"dedupe_ttl_min,omitempty"`    // inbound dedupe window in minutes (default 20)
	DedupeMaxSize   int      `json:"dedupe_max_size,omitempty"`   // inbound dedupe cache size (default 5000)
}

// SessionsConfig controls session entry persistence and key scoping.
type SessionsConfig struct {
	Backend string `json:"backend,omitempty"`  // "sqlite" (default) or "file"
	Path    string `json:"path"`               // db file or directory for session entries
	Scope   string `json:"scope,omitempty"`    // "per-sender" (default), "global"
	DmScope string `json:"dm_scope,omitempty"` // "main", "per-peer", "per-channel-peer" (default)
	MainKey string `json:"main_key,omitempty"` // main session key suffix (default "main")
}

// TelemetryConfig configures the optional OTLP trace exporter.
type TelemetryConfig struct {
	Enabled     bool              `json:"enabled,omitempty"`
	Endpoint    string            `json:"endpoint,omitempty"`     // e.g. "localhost:4317"
	Protocol    string            `json:"protocol,omitempty"`     // "grpc" (default) or "http"
	Insecure    bool              `json:"insecure,omitempty"`     // plaintext export for local dev
	ServiceName string            `json:"service_name,omitempty"` // default "chatmux-gateway"
	Headers     map[string]string `json:"headers,omitempty"`      // extra headers (auth tokens)
}

// ResolveAgent returns the effective config for a given agent ID,
// merging defaults with per-agent overrides.
func (c *Config) ResolveAgent(agentID string) AgentDefaults {
	c.mu.RLock()
	defer c.mu.RUnlock()

	d := c.Agents.Defaults
	if spec, ok := c.Agents.List[agentID]; ok {
		if spec.Provider != "" {
			d.Provider = spec.Provider
		}
		if spec.Model != "" {
			d.Model = spec.Model
		}
		if spec.MaxTokens > 0 {
			d.MaxTokens = spec.MaxTokens
		}
		if spec.Temperature > 0 {
			d.Temperature = spec.Temperature
		}
		if spec.SystemPrompt != "" {
			d.SystemPrompt = spec.SystemPrompt
		}
		if spec.ResponsePrefix != "" {
			d.ResponsePrefix = spec.ResponsePrefix
		}
	}
	return d
}

// ResolveDefaultAgentID returns the ID of the agent marked as default,
// or "default" if none is explicitly marked.
func (c *Config) ResolveDefaultAgentID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	for id, spec := range c.Agents.List {
		if spec.Default {
			return id
		}
	}
	return DefaultAgentID
}

// ResolveAgentRoute returns the agent ID bound to a (channel, peerKind,
// chatID) triple. Bindings are checked in order; the default agent is the
// fallback.
func (c *Config) ResolveAgentRoute(channel, peerKind, chatID string) string {
	c.mu.RLock()
	bindings := c.Bindings
	c.mu.RUnlock()

	for _, b := range bindings {
		if b.Match.Channel != "" && b.Match.Channel != channel {
			continue
		}
		if p := b.Match.Peer; p != nil {
			if p.Kind != "" && p.Kind != peerKind {
				continue
			}
			if p.ID != "" && p.ID != chatID {
				continue
			}
		}
		return b.AgentID
	}
	return c.ResolveDefaultAgentID()
}

// ReplaceFrom copies all data fields from src into c, preserving c's mutex.
// Used by the hot-reload watcher so pointers held by callers stay valid.
func (c *Config) ReplaceFrom(src *Config) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Agents = src.Agents
	c.Channels = src.Channels
	c.Providers = src.Providers
	c.Gateway = src.Gateway
	c.Routing = src.Routing
	c.Sessions = src.Sessions
	c.Telemetry = src.Telemetry
	c.Bindings = src.Bindings
}
