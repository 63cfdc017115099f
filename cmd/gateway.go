package cmd

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/danharwell/chatmux/internal/agent"
	"github.com/danharwell/chatmux/internal/bus"
	"github.com/danharwell/chatmux/internal/channels"
	"github.com/danharwell/chatmux/internal/channels/discord"
	"github.com/danharwell/chatmux/internal/channels/telegram"
	"github.com/danharwell/chatmux/internal/channels/webchat"
	"github.com/danharwell/chatmux/internal/channels/whatsapp"
	"github.com/danharwell/chatmux/internal/config"
	"github.com/danharwell/chatmux/internal/providers"
	"github.com/danharwell/chatmux/internal/queue"
	"github.com/danharwell/chatmux/internal/sessions"
	"github.com/danharwell/chatmux/internal/store"
	"github.com/danharwell/chatmux/internal/telemetry"
)

func runGateway() error {
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})))

	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if !cfg.HasAnyProvider() {
		fmt.Println("No AI provider API key configured.")
		fmt.Println()
		fmt.Println("Set one in your config file or environment, e.g.:")
		fmt.Println()
		fmt.Println("  export CHATMUX_OPENAI_API_KEY=sk-...")
		fmt.Println()
		return fmt.Errorf("no provider configured")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := telemetry.Setup(ctx, cfg.Telemetry, Version)
	if err != nil {
		return fmt.Errorf("telemetry setup: %w", err)
	}
	defer shutdownTelemetry(context.Background())

	msgBus := bus.New()

	entryStore, err := store.Open(ctx, cfg.Sessions.Backend, config.ExpandHome(cfg.Sessions.Path))
	if err != nil {
		return fmt.Errorf("open session store: %w", err)
	}
	if closer, ok := entryStore.(io.Closer); ok {
		defer closer.Close()
	}
	sessMgr := sessions.NewManager(ctx, entryStore)

	runners := buildRunners(cfg)
	if len(runners) == 0 {
		return fmt.Errorf("no agents could be created")
	}

	registry := queue.NewRegistry()

	channelMgr := channels.NewManager(msgBus)
	registerChannels(cfg, msgBus, channelMgr)

	consumer := newConsumer(cfg, msgBus, sessMgr, registry, runners, channelMgr)
	defer consumer.close()

	// Hot reload: config edits take effect without a restart. Components
	// read through cfg, which the watcher swaps in place.
	watcher, err := config.NewWatcher(cfgPath, cfg, func(c *config.Config) {
		slog.Info("config reloaded", "hash", c.Hash())
	})
	if err != nil {
		slog.Warn("config watcher unavailable", "error", err)
	} else if err := watcher.Start(); err != nil {
		slog.Warn("config watcher start failed", "error", err)
	} else {
		defer watcher.Stop()
	}

	if err := channelMgr.StartAll(ctx); err != nil {
		slog.Error("failed to start channels", "error", err)
	}
	defer channelMgr.StopAll(context.Background())

	slog.Info("chatmux gateway started",
		"version", Version,
		"agents", agentIDs(runners),
		"channels", channelMgr.EnabledChannels(),
		"store", cfg.Sessions.Backend,
	)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		consumer.run(ctx)
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	slog.Info("chatmux gateway stopped")
	return nil
}

// buildRunners creates one StreamRunner per configured agent. Agents whose
// provider cannot be constructed are skipped with a warning so one bad API
// key does not take the whole gateway down.
func buildRunners(cfg *config.Config) map[string]agent.Runner {
	ids := []string{cfg.ResolveDefaultAgentID()}
	for id := range cfg.Agents.List {
		if id != ids[0] {
			ids = append(ids, id)
		}
	}

	runners := make(map[string]agent.Runner, len(ids))
	for _, id := range ids {
		ac := cfg.ResolveAgent(id)
		provider, err := providers.New(ac.Provider, cfg)
		if err != nil {
			slog.Warn("agent skipped", "agent", id, "provider", ac.Provider, "error", err)
			continue
		}
		runners[id] = agent.NewStreamRunner(agent.Config{
			AgentID:      id,
			Provider:     provider,
			Model:        ac.Model,
			SystemPrompt: ac.SystemPrompt,
			MaxTokens:    ac.MaxTokens,
			Temperature:  ac.Temperature,
			ChunkSize:    ac.ChunkSize,
		})
		slog.Info("agent ready", "agent", id, "provider", ac.Provider, "model", ac.Model)
	}
	return runners
}

func agentIDs(runners map[string]agent.Runner) []string {
	ids := make([]string, 0, len(runners))
	for id := range runners {
		ids = append(ids, id)
	}
	return ids
}

// registerChannels wires every enabled chat surface into the manager with
// its configured send rate.
func registerChannels(cfg *config.Config, msgBus *bus.MessageBus, mgr *channels.Manager) {
	if tc := cfg.Channels.Telegram; tc.Enabled && tc.Token != "" {
		tg, err := telegram.New(tc, msgBus)
		if err != nil {
			slog.Error("telegram channel init failed", "error", err)
		} else {
			mgr.RegisterChannel("telegram", tg, tc.SendRatePerSec)
			slog.Info("telegram channel enabled")
		}
	}

	if dc := cfg.Channels.Discord; dc.Enabled && dc.Token != "" {
		d, err := discord.New(dc, msgBus)
		if err != nil {
			slog.Error("discord channel init failed", "error", err)
		} else {
			mgr.RegisterChannel("discord", d, dc.SendRatePerSec)
			slog.Info("discord channel enabled")
		}
	}

	if wc := cfg.Channels.WhatsApp; wc.Enabled && wc.BridgeURL != "" {
		wa, err := whatsapp.New(wc, msgBus)
		if err != nil {
			slog.Error("whatsapp channel init failed", "error", err)
		} else {
			mgr.RegisterChannel("whatsapp", wa, wc.SendRatePerSec)
			slog.Info("whatsapp channel enabled", "bridge", wc.BridgeURL)
		}
	}

	if web := cfg.Channels.WebChat; web.Enabled {
		ws := webchat.New(web, cfg.Gateway, msgBus)
		mgr.RegisterChannel("webchat", ws, 0)
		slog.Info("webchat channel enabled", "host", cfg.Gateway.Host, "port", cfg.Gateway.Port)
	}
}
