package cmd

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/danharwell/chatmux/internal/agent"
	"github.com/danharwell/chatmux/internal/bus"
	"github.com/danharwell/chatmux/internal/channels"
	"github.com/danharwell/chatmux/internal/config"
	"github.com/danharwell/chatmux/internal/dispatch"
	"github.com/danharwell/chatmux/internal/queue"
	"github.com/danharwell/chatmux/internal/sessions"
)

type fakeRunner struct {
	mu       sync.Mutex
	requests []agent.RunRequest
	reply    string
	err      error
}

func (f *fakeRunner) Run(ctx context.Context, req agent.RunRequest, d *dispatch.Dispatcher) (*agent.RunResult, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	d.SendFinalReply(f.reply)
	return &agent.RunResult{RunID: "run-1", Content: f.reply}, nil
}

func (f *fakeRunner) requestCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

func (f *fakeRunner) lastRequest(t *testing.T) agent.RunRequest {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.requests) == 0 {
		t.Fatal("no runs recorded")
	}
	return f.requests[len(f.requests)-1]
}

type consumerHarness struct {
	consumer *consumer
	bus      *bus.MessageBus
	sessions *sessions.Manager
	runner   *fakeRunner
}

func newConsumerHarness(t *testing.T) *consumerHarness {
	t.Helper()

	cfg := config.Default()
	msgBus := bus.New()
	sessMgr := sessions.NewManager(context.Background(), nil)
	runner := &fakeRunner{reply: "hello from agent"}
	runners := map[string]agent.Runner{config.DefaultAgentID: runner}
	channelMgr := channels.NewManager(msgBus)

	c := newConsumer(cfg, msgBus, sessMgr, queue.NewRegistry(), runners, channelMgr)
	t.Cleanup(c.close)

	return &consumerHarness{consumer: c, bus: msgBus, sessions: sessMgr, runner: runner}
}

func (h *consumerHarness) awaitOutbound(t *testing.T) bus.OutboundMessage {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	msg, ok := h.bus.ConsumeOutbound(ctx)
	if !ok {
		t.Fatal("timed out waiting for outbound message")
	}
	return msg
}

func inboundText(content string) bus.InboundMessage {
	return bus.InboundMessage{
		Channel:  "telegram",
		SenderID: "42|alice",
		ChatID:   "42",
		Content:  content,
		PeerKind: "direct",
		Metadata: map[string]string{"message_id": "100"},
	}
}

func TestConsumerRunsMessageAndDeliversReply(t *testing.T) {
	h := newConsumerHarness(t)

	h.consumer.handle(context.Background(), inboundText("hi there"))

	out := h.awaitOutbound(t)
	if out.Channel != "telegram" || out.ChatID != "42" {
		t.Errorf("outbound routed to %s/%s, want telegram/42", out.Channel, out.ChatID)
	}
	if out.Content != "hello from agent" {
		t.Errorf("Content = %q, want agent reply", out.Content)
	}
	if out.Kind != string(dispatch.KindFinal) {
		t.Errorf("Kind = %q, want final", out.Kind)
	}

	req := h.runner.lastRequest(t)
	if req.Message != "hi there" {
		t.Errorf("run prompt = %q, want %q", req.Message, "hi there")
	}
	if !strings.HasPrefix(req.SessionKey, "agent:"+config.DefaultAgentID+":telegram:") {
		t.Errorf("SessionKey = %q, want default agent telegram scope", req.SessionKey)
	}
}

func TestConsumerDeduplicatesByMessageID(t *testing.T) {
	h := newConsumerHarness(t)

	msg := inboundText("only once")
	h.consumer.handle(context.Background(), msg)
	h.awaitOutbound(t)

	h.consumer.handle(context.Background(), msg)

	time.Sleep(50 * time.Millisecond)
	if got := h.runner.requestCount(); got != 1 {
		t.Errorf("run count = %d, want 1 (duplicate must be skipped)", got)
	}
	if h.bus.OutboundLen() != 0 {
		t.Errorf("duplicate produced %d outbound messages, want 0", h.bus.OutboundLen())
	}
}

func TestConsumerDirectiveOnlyPersistsOverrideAndAcks(t *testing.T) {
	h := newConsumerHarness(t)

	h.consumer.handle(context.Background(), inboundText("/queue collect cap:5"))

	out := h.awaitOutbound(t)
	if !strings.Contains(out.Content, "mode=collect") || !strings.Contains(out.Content, "cap=5") {
		t.Errorf("ack = %q, want mode and cap echoed", out.Content)
	}
	if got := h.runner.requestCount(); got != 0 {
		t.Errorf("directive-only message triggered %d runs, want 0", got)
	}

	key := h.consumer.sessionKeyFor(config.DefaultAgentID, inboundText(""), "direct")
	ov := h.sessions.QueueOverride(key)
	if ov == nil || ov.Mode == nil || *ov.Mode != queue.ModeCollect {
		t.Fatalf("session override = %+v, want mode collect", ov)
	}
	if ov.Cap == nil || *ov.Cap != 5 {
		t.Errorf("Cap = %v, want 5", ov.Cap)
	}
}

func TestConsumerDirectiveResetClearsOverride(t *testing.T) {
	h := newConsumerHarness(t)
	ctx := context.Background()

	h.consumer.handle(ctx, inboundText("/queue interrupt"))
	h.awaitOutbound(t)

	reset := inboundText("/queue default")
	reset.Metadata["message_id"] = "101"
	h.consumer.handle(ctx, reset)

	out := h.awaitOutbound(t)
	if !strings.Contains(out.Content, "reset") {
		t.Errorf("ack = %q, want reset confirmation", out.Content)
	}

	key := h.consumer.sessionKeyFor(config.DefaultAgentID, inboundText(""), "direct")
	if ov := h.sessions.QueueOverride(key); ov != nil {
		t.Errorf("override after reset = %+v, want nil", ov)
	}
}

func TestConsumerDirectiveWithBodyAppliesInlineOnly(t *testing.T) {
	h := newConsumerHarness(t)

	h.consumer.handle(context.Background(), inboundText("/queue collect summarize this"))

	out := h.awaitOutbound(t)
	if out.Content != "hello from agent" {
		t.Errorf("Content = %q, want agent reply (body must run)", out.Content)
	}
	req := h.runner.lastRequest(t)
	if req.Message != "summarize this" {
		t.Errorf("run prompt = %q, want directive stripped", req.Message)
	}

	key := h.consumer.sessionKeyFor(config.DefaultAgentID, inboundText(""), "direct")
	if ov := h.sessions.QueueOverride(key); ov != nil {
		t.Errorf("inline directive persisted %+v, want nil", ov)
	}
}

func TestConsumerForumTopicScopesSessionAndReply(t *testing.T) {
	h := newConsumerHarness(t)

	msg := bus.InboundMessage{
		Channel:  "telegram",
		SenderID: "42|alice",
		ChatID:   "-100123",
		Content:  "topic question",
		PeerKind: "group",
		Metadata: map[string]string{
			"message_id":        "7",
			"is_forum":          "true",
			"message_thread_id": "55",
		},
	}
	h.consumer.handle(context.Background(), msg)

	out := h.awaitOutbound(t)
	if out.Metadata["message_thread_id"] != "55" {
		t.Errorf("outbound thread = %q, want 55", out.Metadata["message_thread_id"])
	}

	req := h.runner.lastRequest(t)
	want := sessions.BuildGroupTopicSessionKey(config.DefaultAgentID, "telegram", "-100123", 55)
	if req.SessionKey != want {
		t.Errorf("SessionKey = %q, want %q", req.SessionKey, want)
	}
}

func TestConsumerAgentErrorSurfacesToChat(t *testing.T) {
	h := newConsumerHarness(t)
	h.runner.err = errors.New("provider exploded")

	h.consumer.handle(context.Background(), inboundText("boom"))

	out := h.awaitOutbound(t)
	if !strings.Contains(out.Content, "Agent error") || !strings.Contains(out.Content, "provider exploded") {
		t.Errorf("error notice = %q", out.Content)
	}
}

func TestConsumerTruncatesOversizedMessages(t *testing.T) {
	h := newConsumerHarness(t)
	h.consumer.cfg.Gateway.MaxMessageChars = 50

	h.consumer.handle(context.Background(), inboundText(strings.Repeat("x", 200)))

	h.awaitOutbound(t)
	req := h.runner.lastRequest(t)
	if len(req.Message) > 50 {
		t.Errorf("prompt length = %d, want <= 50", len(req.Message))
	}
	if !strings.HasSuffix(req.Message, "...") {
		t.Errorf("prompt = %q, want truncation marker", req.Message)
	}
}

func TestConsumerUnknownAgentDropsMessage(t *testing.T) {
	h := newConsumerHarness(t)

	msg := inboundText("hello")
	msg.AgentID = "nonexistent"
	h.consumer.handle(context.Background(), msg)

	time.Sleep(50 * time.Millisecond)
	if got := h.runner.requestCount(); got != 0 {
		t.Errorf("run count = %d, want 0", got)
	}
}

func TestConsumerRecordsRunOnSession(t *testing.T) {
	h := newConsumerHarness(t)

	h.consumer.handle(context.Background(), inboundText("track me"))
	h.awaitOutbound(t)

	key := h.runner.lastRequest(t).SessionKey
	deadline := time.Now().Add(2 * time.Second)
	for {
		if e := h.sessions.Get(key); e != nil && e.RunCount == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("session %q never recorded the run", key)
		}
		time.Sleep(10 * time.Millisecond)
	}
}
