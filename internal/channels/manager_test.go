package channels

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/danharwell/chatmux/internal/bus"
)

// fakeChannel records sends for assertions.
type fakeChannel struct {
	*BaseChannel
	mu    sync.Mutex
	sent  []bus.OutboundMessage
	fails bool
}

func newFakeChannel(name string, b *bus.MessageBus) *fakeChannel {
	return &fakeChannel{BaseChannel: NewBaseChannel(name, b, nil)}
}

func (f *fakeChannel) Start(context.Context) error { f.SetRunning(true); return nil }
func (f *fakeChannel) Stop(context.Context) error  { f.SetRunning(false); return nil }

func (f *fakeChannel) Send(_ context.Context, msg bus.OutboundMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, msg)
	return nil
}

func (f *fakeChannel) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func TestOutboundDispatchRoutesToChannel(t *testing.T) {
	b := bus.New()
	m := NewManager(b)
	tg := newFakeChannel("telegram", b)
	dc := newFakeChannel("discord", b)
	m.RegisterChannel("telegram", tg, 100)
	m.RegisterChannel("discord", dc, 100)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := m.StartAll(ctx); err != nil {
		t.Fatalf("StartAll: %v", err)
	}
	defer m.StopAll(ctx)

	b.PublishOutbound(bus.OutboundMessage{Channel: "telegram", ChatID: "1", Content: "a"})
	b.PublishOutbound(bus.OutboundMessage{Channel: "discord", ChatID: "2", Content: "b"})
	b.PublishOutbound(bus.OutboundMessage{Channel: "telegram", ChatID: "1", Content: "c"})

	waitFor(t, func() bool { return tg.sentCount() == 2 && dc.sentCount() == 1 })

	tg.mu.Lock()
	defer tg.mu.Unlock()
	if tg.sent[0].Content != "a" || tg.sent[1].Content != "c" {
		t.Errorf("telegram sends out of order: %+v", tg.sent)
	}
}

func TestUnknownChannelIsSkipped(t *testing.T) {
	b := bus.New()
	m := NewManager(b)
	tg := newFakeChannel("telegram", b)
	m.RegisterChannel("telegram", tg, 100)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := m.StartAll(ctx); err != nil {
		t.Fatalf("StartAll: %v", err)
	}
	defer m.StopAll(ctx)

	b.PublishOutbound(bus.OutboundMessage{Channel: "nope", ChatID: "1", Content: "lost"})
	b.PublishOutbound(bus.OutboundMessage{Channel: "telegram", ChatID: "1", Content: "kept"})

	waitFor(t, func() bool { return tg.sentCount() == 1 })
}

func TestInternalChannelIsSkipped(t *testing.T) {
	b := bus.New()
	m := NewManager(b)
	tg := newFakeChannel("telegram", b)
	m.RegisterChannel("telegram", tg, 100)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := m.StartAll(ctx); err != nil {
		t.Fatalf("StartAll: %v", err)
	}
	defer m.StopAll(ctx)

	b.PublishOutbound(bus.OutboundMessage{Channel: "system", ChatID: "1", Content: "internal"})
	b.PublishOutbound(bus.OutboundMessage{Channel: "telegram", ChatID: "1", Content: "real"})

	waitFor(t, func() bool { return tg.sentCount() == 1 })
	tg.mu.Lock()
	defer tg.mu.Unlock()
	if tg.sent[0].Content != "real" {
		t.Errorf("got %q, want real", tg.sent[0].Content)
	}
}

func TestSendToChannel(t *testing.T) {
	b := bus.New()
	m := NewManager(b)
	tg := newFakeChannel("telegram", b)
	m.RegisterChannel("telegram", tg, 100)

	if err := m.SendToChannel(context.Background(), "telegram", "42", "direct"); err != nil {
		t.Fatalf("SendToChannel: %v", err)
	}
	if tg.sentCount() != 1 {
		t.Fatalf("sent = %d, want 1", tg.sentCount())
	}
	if err := m.SendToChannel(context.Background(), "missing", "42", "x"); err == nil {
		t.Error("expected error for unknown channel")
	}
}

func TestStatusAndLifecycle(t *testing.T) {
	b := bus.New()
	m := NewManager(b)
	tg := newFakeChannel("telegram", b)
	m.RegisterChannel("telegram", tg, 0)

	ctx := context.Background()
	if err := m.StartAll(ctx); err != nil {
		t.Fatalf("StartAll: %v", err)
	}
	if status := m.GetStatus(); !status["telegram"] {
		t.Error("telegram should be running after StartAll")
	}
	if err := m.StopAll(ctx); err != nil {
		t.Fatalf("StopAll: %v", err)
	}
	if status := m.GetStatus(); status["telegram"] {
		t.Error("telegram should be stopped after StopAll")
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met within deadline")
}
