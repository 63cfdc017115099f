package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/danharwell/chatmux/internal/agent"
	"github.com/danharwell/chatmux/internal/bus"
	"github.com/danharwell/chatmux/internal/channels"
	"github.com/danharwell/chatmux/internal/config"
	"github.com/danharwell/chatmux/internal/dispatch"
	"github.com/danharwell/chatmux/internal/queue"
	"github.com/danharwell/chatmux/internal/sessions"
)

const defaultMaxMessageChars = 32_000

// consumer routes inbound messages: dedupe, directive parsing, agent
// resolution, queue submission, and reply dispatch back to the bus.
type consumer struct {
	cfg        *config.Config
	bus        *bus.MessageBus
	sessions   *sessions.Manager
	registry   *queue.Registry
	runners    map[string]agent.Runner
	channelMgr *channels.Manager
	dedupe     *bus.DedupeCache

	mu          sync.Mutex
	dispatchers map[string]*dispatch.Dispatcher
	activeRuns  map[string]context.CancelFunc
}

func newConsumer(cfg *config.Config, msgBus *bus.MessageBus, sessMgr *sessions.Manager,
	registry *queue.Registry, runners map[string]agent.Runner, channelMgr *channels.Manager) *consumer {

	ttl := time.Duration(cfg.Gateway.DedupeTTLMin) * time.Minute
	if ttl <= 0 {
		ttl = 20 * time.Minute
	}
	maxSize := cfg.Gateway.DedupeMaxSize
	if maxSize <= 0 {
		maxSize = 5000
	}

	c := &consumer{
		cfg:         cfg,
		bus:         msgBus,
		sessions:    sessMgr,
		registry:    registry,
		runners:     runners,
		channelMgr:  channelMgr,
		dedupe:      bus.NewDedupeCache(ttl, maxSize),
		dispatchers: make(map[string]*dispatch.Dispatcher),
		activeRuns:  make(map[string]context.CancelFunc),
	}

	// Interrupt mode aborts the in-flight run for the session, if any.
	registry.SetInterrupt(func(key string) bool {
		c.mu.Lock()
		cancel := c.activeRuns[key]
		c.mu.Unlock()
		if cancel == nil {
			return false
		}
		cancel()
		return true
	})

	return c
}

func (c *consumer) run(ctx context.Context) {
	slog.Info("inbound message consumer started")
	for {
		msg, ok := c.bus.ConsumeInbound(ctx)
		if !ok {
			slog.Info("inbound message consumer stopped")
			return
		}
		c.handle(ctx, msg)
	}
}

func (c *consumer) handle(ctx context.Context, msg bus.InboundMessage) {
	// Webhook retries and client double-taps get the same message_id.
	if msgID := msg.Metadata["message_id"]; msgID != "" {
		dedupeKey := fmt.Sprintf("%s|%s|%s|%s", msg.Channel, msg.SenderID, msg.ChatID, msgID)
		if c.dedupe.IsDuplicate(dedupeKey) {
			slog.Debug("dedupe: skipping duplicate message", "key", dedupeKey)
			return
		}
	}

	maxChars := c.cfg.Gateway.MaxMessageChars
	if maxChars <= 0 {
		maxChars = defaultMaxMessageChars
	}
	if len(msg.Content) > maxChars {
		slog.Warn("inbound message truncated",
			"channel", msg.Channel, "sender", msg.SenderID,
			"original_len", len(msg.Content), "max", maxChars)
		msg.Content = channels.Truncate(msg.Content, maxChars)
	}

	peerKind := msg.PeerKind
	if peerKind == "" {
		peerKind = string(sessions.PeerDirect)
	}

	agentID := msg.AgentID
	if agentID == "" {
		agentID = c.cfg.ResolveAgentRoute(msg.Channel, peerKind, msg.ChatID)
	}
	runner, ok := c.runners[agentID]
	if !ok {
		slog.Warn("inbound: agent not found", "agent", agentID, "channel", msg.Channel)
		return
	}

	sessionKey := c.sessionKeyFor(agentID, msg, peerKind)
	outMeta := outboundMetadata(msg)

	inline, body := queue.ParseDirective(msg.Content)
	if inline != nil && strings.TrimSpace(body) == "" {
		// A directive with no message body persists as the session's queue
		// override (or clears it on reset) and is acknowledged, not run.
		c.applyDirective(ctx, sessionKey, inline)
		c.ack(msg, directiveAck(inline), outMeta)
		return
	}

	surface, global := c.cfg.QueueLayers(msg.Channel)
	settings := queue.Resolve(inline, c.sessions.QueueOverride(sessionKey), surface, global)

	d := c.dispatcherFor(msg.Channel, msg.ChatID, agentID, outMeta)

	run := queue.FollowupRun{
		Prompt:     body,
		EnqueuedAt: time.Now(),
		Run: agent.RunContext{
			SessionKey: sessionKey,
			Channel:    msg.Channel,
			ChatID:     msg.ChatID,
			PeerKind:   peerKind,
			SenderID:   msg.SenderID,
			AgentID:    agentID,
		},
	}

	slog.Info("inbound: submitting run",
		"channel", msg.Channel, "chat", msg.ChatID, "agent", agentID,
		"session", sessionKey, "mode", settings.Mode)

	if !c.registry.Submit(sessionKey, run, settings, c.runFunc(ctx, runner, d, outMeta)) {
		c.ack(msg, "Message dropped: the followup queue is full.", outMeta)
	}
}

// outboundMetadata carries the fields replies must echo back, like the
// forum topic a message arrived in.
func outboundMetadata(msg bus.InboundMessage) map[string]string {
	tid := msg.Metadata["message_thread_id"]
	if tid == "" {
		return nil
	}
	return map[string]string{"message_thread_id": tid}
}

// sessionKeyFor builds the scoped session key, isolating forum topics into
// their own sessions.
func (c *consumer) sessionKeyFor(agentID string, msg bus.InboundMessage, peerKind string) string {
	key := sessions.BuildScopedSessionKey(agentID, msg.Channel, sessions.PeerKind(peerKind),
		msg.ChatID, c.cfg.Sessions.Scope, c.cfg.Sessions.DmScope, c.cfg.Sessions.MainKey)

	if msg.Metadata["is_forum"] == "true" && peerKind == string(sessions.PeerGroup) {
		var topicID int
		fmt.Sscanf(msg.Metadata["message_thread_id"], "%d", &topicID)
		if topicID > 0 {
			key = sessions.BuildGroupTopicSessionKey(agentID, msg.Channel, msg.ChatID, topicID)
		}
	}
	return key
}

func (c *consumer) applyDirective(ctx context.Context, sessionKey string, inline *queue.Overrides) {
	var err error
	if inline.Reset {
		err = c.sessions.SetQueueOverride(ctx, sessionKey, nil)
	} else {
		err = c.sessions.SetQueueOverride(ctx, sessionKey, inline)
	}
	if err != nil {
		slog.Warn("failed to persist queue override", "session", sessionKey, "error", err)
	}
}

func directiveAck(inline *queue.Overrides) string {
	if inline.Reset {
		return "Queue settings reset to defaults."
	}
	var parts []string
	if inline.Mode != nil {
		parts = append(parts, fmt.Sprintf("mode=%s", *inline.Mode))
	}
	if inline.Debounce != nil {
		parts = append(parts, fmt.Sprintf("debounce=%s", *inline.Debounce))
	}
	if inline.Cap != nil {
		parts = append(parts, fmt.Sprintf("cap=%d", *inline.Cap))
	}
	if inline.DropPolicy != nil {
		parts = append(parts, fmt.Sprintf("drop=%s", *inline.DropPolicy))
	}
	if len(parts) == 0 {
		return "Queue settings unchanged."
	}
	return "Queue settings updated: " + strings.Join(parts, " ")
}

// ack sends a short notice back to the originating chat, outside the
// dispatcher (directive acks are not agent replies).
func (c *consumer) ack(msg bus.InboundMessage, text string, meta map[string]string) {
	c.bus.PublishOutbound(bus.OutboundMessage{
		Channel:  msg.Channel,
		ChatID:   msg.ChatID,
		Content:  text,
		Metadata: meta,
	})
}

// runFunc adapts a Runner for the followup queue. The run's context is
// cancellable by the interrupt hook, delivery errors surface to the chat,
// and the function only returns after the dispatcher has drained so runs
// for the same session never interleave their replies.
func (c *consumer) runFunc(ctx context.Context, runner agent.Runner, d *dispatch.Dispatcher, outMeta map[string]string) queue.RunFunc {
	return func(prompt string, runCtx any) error {
		rc, ok := runCtx.(agent.RunContext)
		if !ok {
			return fmt.Errorf("unexpected run context type %T", runCtx)
		}

		runCtx2, cancel := context.WithCancel(ctx)
		defer cancel()
		c.mu.Lock()
		c.activeRuns[rc.SessionKey] = cancel
		c.mu.Unlock()
		defer func() {
			c.mu.Lock()
			delete(c.activeRuns, rc.SessionKey)
			c.mu.Unlock()
		}()

		result, err := runner.Run(runCtx2, agent.RunRequest{RunContext: rc, Message: prompt}, d)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				slog.Info("run interrupted", "session", rc.SessionKey)
				return nil
			}
			c.bus.PublishOutbound(bus.OutboundMessage{
				Channel:  rc.Channel,
				ChatID:   rc.ChatID,
				Content:  formatAgentError(err),
				Metadata: outMeta,
			})
			return err
		}

		if terr := c.sessions.TouchRun(ctx, rc.SessionKey, rc.Channel, rc.ChatID, rc.PeerKind); terr != nil {
			slog.Warn("failed to record run on session", "session", rc.SessionKey, "error", terr)
		}

		slog.Debug("run delivered", "session", rc.SessionKey, "run", result.RunID)
		return d.WaitForIdle(ctx)
	}
}

// dispatcherFor returns the per-conversation dispatcher, creating it on
// first use. Delivery publishes outbound messages; the typing indicator is
// wired when the channel supports one.
func (c *consumer) dispatcherFor(channel, chatID, agentID string, outMeta map[string]string) *dispatch.Dispatcher {
	key := channel + "|" + chatID + "|" + agentID
	if tid := outMeta["message_thread_id"]; tid != "" {
		key += "|" + tid
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if d, ok := c.dispatchers[key]; ok {
		return d
	}

	opts := dispatch.Options{
		ResponsePrefix: c.cfg.ResolveAgent(agentID).ResponsePrefix,
		Deliver: func(ctx context.Context, text string, kind dispatch.Kind) error {
			c.bus.PublishOutbound(bus.OutboundMessage{
				Channel:  channel,
				ChatID:   chatID,
				Content:  text,
				Kind:     string(kind),
				Metadata: outMeta,
			})
			return nil
		},
		OnError: func(err error, kind dispatch.Kind) {
			slog.Warn("reply delivery failed", "channel", channel, "chat", chatID, "kind", kind, "error", err)
		},
	}

	var d *dispatch.Dispatcher
	if tc := c.typingFor(channel, chatID); tc != nil {
		d = dispatch.NewWithTyping(opts, tc)
	} else {
		d = dispatch.New(opts)
	}
	c.dispatchers[key] = d
	return d
}

// close shuts down all per-conversation dispatchers.
func (c *consumer) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, d := range c.dispatchers {
		d.Close()
	}
	c.dispatchers = make(map[string]*dispatch.Dispatcher)
}

// Channel adapters expose typing in two shapes; both are adapted to the
// dispatcher's TypingController.
type typingWithContext interface {
	StartTyping(ctx context.Context, chatID string)
	StopTyping(chatID string)
}

type typingPlain interface {
	StartTyping(chatID string)
	StopTyping(chatID string)
}

type typingAdapter struct {
	start func()
	stop  func()
}

func (t typingAdapter) Start() { t.start() }
func (t typingAdapter) Stop()  { t.stop() }

func (c *consumer) typingFor(channel, chatID string) dispatch.TypingController {
	ch, ok := c.channelMgr.GetChannel(channel)
	if !ok {
		return nil
	}
	switch t := ch.(type) {
	case typingWithContext:
		return typingAdapter{
			start: func() { t.StartTyping(context.Background(), chatID) },
			stop:  func() { t.StopTyping(chatID) },
		}
	case typingPlain:
		return typingAdapter{
			start: func() { t.StartTyping(chatID) },
			stop:  func() { t.StopTyping(chatID) },
		}
	default:
		return nil
	}
}

// formatAgentError renders a run failure for the chat surface without
// leaking internals.
func formatAgentError(err error) string {
	msg := err.Error()
	if len(msg) > 300 {
		msg = msg[:300] + "..."
	}
	return "⚠️ Agent error: " + msg
}
