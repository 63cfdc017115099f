// Package telegram connects to Telegram via the Bot API using long polling.
package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"

	"github.com/danharwell/chatmux/internal/bus"
	"github.com/danharwell/chatmux/internal/channels"
	"github.com/danharwell/chatmux/internal/channels/typing"
	"github.com/danharwell/chatmux/internal/config"
)

// telegramMaxMessageLen is the Bot API hard limit per sendMessage call.
const telegramMaxMessageLen = 4096

// Channel connects to Telegram via the Bot API using long polling.
type Channel struct {
	*channels.BaseChannel
	bot            *telego.Bot
	config         config.TelegramConfig
	typingCtrls    sync.Map // chatID string → *typing.Controller
	requireMention bool
	pollCancel     context.CancelFunc
	pollDone       chan struct{}
}

// New creates a new Telegram channel from config.
func New(cfg config.TelegramConfig, msgBus *bus.MessageBus) (*Channel, error) {
	var opts []telego.BotOption

	if cfg.Proxy != "" {
		proxyURL, parseErr := url.Parse(cfg.Proxy)
		if parseErr != nil {
			return nil, fmt.Errorf("invalid proxy URL %q: %w", cfg.Proxy, parseErr)
		}
		opts = append(opts, telego.WithHTTPClient(&http.Client{
			Transport: &http.Transport{
				Proxy: http.ProxyURL(proxyURL),
			},
		}))
	}

	bot, err := telego.NewBot(cfg.Token, opts...)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}

	requireMention := true
	if cfg.RequireMention != nil {
		requireMention = *cfg.RequireMention
	}

	return &Channel{
		BaseChannel:    channels.NewBaseChannel("telegram", msgBus, cfg.AllowFrom),
		bot:            bot,
		config:         cfg,
		requireMention: requireMention,
	}, nil
}

// Start begins long polling for Telegram updates.
func (c *Channel) Start(ctx context.Context) error {
	slog.Info("starting telegram bot (polling mode)")

	pollCtx, cancel := context.WithCancel(ctx)
	c.pollCancel = cancel
	c.pollDone = make(chan struct{})

	updates, err := c.bot.UpdatesViaLongPolling(pollCtx, &telego.GetUpdatesParams{
		Timeout:        30,
		AllowedUpdates: []string{"message"},
	})
	if err != nil {
		cancel()
		return fmt.Errorf("start long polling: %w", err)
	}

	c.SetRunning(true)
	slog.Info("telegram bot connected", "username", c.bot.Username())

	go func() {
		defer close(c.pollDone)
		for {
			select {
			case <-pollCtx.Done():
				return
			case update, ok := <-updates:
				if !ok {
					slog.Info("telegram updates channel closed")
					return
				}
				if update.Message != nil {
					c.handleMessage(pollCtx, update.Message)
				}
			}
		}
	}()

	return nil
}

// Stop shuts down the bot by cancelling the long polling context and waiting
// for the polling goroutine to exit so Telegram releases the getUpdates lock.
func (c *Channel) Stop(_ context.Context) error {
	slog.Info("stopping telegram bot")
	c.SetRunning(false)

	if c.pollCancel != nil {
		c.pollCancel()
	}

	if c.pollDone != nil {
		select {
		case <-c.pollDone:
		case <-time.After(10 * time.Second):
			slog.Warn("telegram polling goroutine did not exit within timeout")
		}
	}

	return nil
}

// Send delivers an outbound message, splitting it at the Bot API length cap.
func (c *Channel) Send(ctx context.Context, msg bus.OutboundMessage) error {
	if !c.IsRunning() {
		return fmt.Errorf("telegram bot not running")
	}

	chatID, err := parseChatID(msg.ChatID)
	if err != nil {
		return fmt.Errorf("invalid telegram chat ID %q: %w", msg.ChatID, err)
	}

	// The reply is going out; any live typing indicator is stale now.
	if ctrl, ok := c.typingCtrls.LoadAndDelete(msg.ChatID); ok {
		ctrl.(*typing.Controller).Stop()
	}

	content := msg.Content
	for len(content) > 0 {
		chunk := content
		if len(chunk) > telegramMaxMessageLen {
			cutAt := telegramMaxMessageLen
			if idx := lastIndexByte(content[:telegramMaxMessageLen], '\n'); idx > telegramMaxMessageLen/2 {
				cutAt = idx + 1
			}
			chunk = content[:cutAt]
			content = content[cutAt:]
		} else {
			content = ""
		}

		params := tu.Message(tu.ID(chatID), chunk)
		// Forum replies land in the topic the message came from.
		if tid := msg.Metadata["message_thread_id"]; tid != "" {
			if n, err := strconv.Atoi(tid); err == nil {
				params.MessageThreadID = n
			}
		}
		if _, err := c.bot.SendMessage(ctx, params); err != nil {
			return fmt.Errorf("send telegram message: %w", err)
		}
	}

	return nil
}

// StartTyping begins the typing indicator for a chat. Telegram expires the
// indicator after 5s, so the controller re-sends every 4s with a 60s TTL.
func (c *Channel) StartTyping(ctx context.Context, chatIDStr string) {
	chatID, err := parseChatID(chatIDStr)
	if err != nil {
		return
	}

	ctrl := typing.New(typing.Options{
		MaxDuration:       60 * time.Second,
		KeepaliveInterval: 4 * time.Second,
		StartFn: func() error {
			return c.bot.SendChatAction(ctx, tu.ChatAction(tu.ID(chatID), telego.ChatActionTyping))
		},
	})
	if prev, ok := c.typingCtrls.Load(chatIDStr); ok {
		prev.(*typing.Controller).Stop()
	}
	c.typingCtrls.Store(chatIDStr, ctrl)
	ctrl.Start()
}

// StopTyping ends the typing indicator for a chat.
func (c *Channel) StopTyping(chatIDStr string) {
	if ctrl, ok := c.typingCtrls.LoadAndDelete(chatIDStr); ok {
		ctrl.(*typing.Controller).Stop()
	}
}

// handleMessage processes an incoming Telegram message.
func (c *Channel) handleMessage(ctx context.Context, message *telego.Message) {
	user := message.From
	if user == nil || user.IsBot {
		return
	}
	if message.Text == "" {
		return
	}

	userID := fmt.Sprintf("%d", user.ID)
	senderID := userID
	if user.Username != "" {
		senderID = fmt.Sprintf("%s|%s", userID, user.Username)
	}

	isGroup := message.Chat.Type == "group" || message.Chat.Type == "supergroup"
	peerKind := "direct"
	if isGroup {
		peerKind = "group"
	}

	if !c.CheckPolicy(peerKind, c.config.DMPolicy, c.config.GroupPolicy, senderID) {
		slog.Debug("telegram message rejected by policy",
			"user_id", userID, "chat_id", message.Chat.ID, "peer_kind", peerKind)
		return
	}
	if !c.IsAllowed(userID) && !c.IsAllowed(senderID) {
		slog.Debug("telegram message rejected by allowlist",
			"user_id", userID, "username", user.Username)
		return
	}

	// Mention gating: in groups, only respond when the bot is @mentioned.
	if isGroup && c.requireMention && !c.detectMention(message) {
		return
	}

	chatIDStr := fmt.Sprintf("%d", message.Chat.ID)

	slog.Debug("telegram message received",
		"chat_type", message.Chat.Type,
		"chat_id", message.Chat.ID,
		"user_id", user.ID,
		"text_preview", channels.Truncate(message.Text, 60),
	)

	c.StartTyping(ctx, chatIDStr)

	content := message.Text
	if isGroup {
		name := user.FirstName
		if user.Username != "" {
			name = user.Username
		}
		content = fmt.Sprintf("[From: %s]\n%s", name, content)
	}

	metadata := map[string]string{
		"message_id": fmt.Sprintf("%d", message.MessageID),
		"user_id":    userID,
		"username":   user.Username,
		"chat_id":    chatIDStr,
	}
	// Forum supergroups route each topic to its own session.
	if message.Chat.IsForum && message.MessageThreadID != 0 {
		metadata["is_forum"] = "true"
		metadata["message_thread_id"] = fmt.Sprintf("%d", message.MessageThreadID)
	}

	c.HandleMessage(senderID, chatIDStr, content, metadata, peerKind)
}

// detectMention reports whether the bot is @mentioned in a group message.
func (c *Channel) detectMention(msg *telego.Message) bool {
	botUsername := c.bot.Username()
	if botUsername == "" {
		return false
	}

	for _, entity := range msg.Entities {
		if entity.Type != "mention" {
			continue
		}
		start, end := entity.Offset, entity.Offset+entity.Length
		if start < 0 || end > len(msg.Text) {
			continue
		}
		if strings.EqualFold(msg.Text[start:end], "@"+botUsername) {
			return true
		}
	}

	if strings.Contains(strings.ToLower(msg.Text), "@"+strings.ToLower(botUsername)) {
		return true
	}

	// Replies to the bot's own messages count as mentions.
	if msg.ReplyToMessage != nil && msg.ReplyToMessage.From != nil &&
		msg.ReplyToMessage.From.Username == botUsername {
		return true
	}
	return false
}

// parseChatID converts a string chat ID to int64.
func parseChatID(chatIDStr string) (int64, error) {
	var id int64
	_, err := fmt.Sscanf(chatIDStr, "%d", &id)
	return id, err
}

// lastIndexByte returns the last index of byte c in s, or -1.
func lastIndexByte(s string, c byte) int {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == c {
			return i
		}
	}
	return -1
}
