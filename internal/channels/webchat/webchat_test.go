package webchat

import (
	"context"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/danharwell/chatmux/internal/bus"
	"github.com/danharwell/chatmux/internal/config"
)

func startTestChannel(t *testing.T, token string) (*Channel, *bus.MessageBus) {
	t.Helper()
	b := bus.New()
	ch := New(
		config.WebChatConfig{Enabled: true},
		config.GatewayConfig{Host: "127.0.0.1", Port: 0, Token: token},
		b,
	)
	if err := ch.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { _ = ch.Stop(context.Background()) })
	return ch, b
}

func TestInboundAndOutboundRoundTrip(t *testing.T) {
	ch, b := startTestChannel(t, "")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, "ws://"+ch.Addr()+"/ws?session=tester", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	if err := wsjson.Write(ctx, conn, inboundFrame{Type: "message", Text: "hello"}); err != nil {
		t.Fatalf("write: %v", err)
	}

	msg, ok := b.ConsumeInbound(ctx)
	if !ok {
		t.Fatal("no inbound message")
	}
	if msg.Channel != "webchat" || msg.ChatID != "tester" || msg.Content != "hello" {
		t.Errorf("unexpected inbound: %+v", msg)
	}

	if err := ch.Send(ctx, bus.OutboundMessage{Channel: "webchat", ChatID: "tester", Content: "hi back", Kind: "final"}); err != nil {
		t.Fatalf("Send: %v", err)
	}

	var frame outboundFrame
	if err := wsjson.Read(ctx, conn, &frame); err != nil {
		t.Fatalf("read: %v", err)
	}
	if frame.Type != "response" || frame.Text != "hi back" || frame.Kind != "final" {
		t.Errorf("unexpected frame: %+v", frame)
	}
}

func TestSendToDisconnectedSessionFails(t *testing.T) {
	ch, _ := startTestChannel(t, "")

	err := ch.Send(context.Background(), bus.OutboundMessage{ChatID: "ghost", Content: "x"})
	if err == nil {
		t.Error("expected error for disconnected session")
	}
}

func TestTokenAuth(t *testing.T) {
	ch, _ := startTestChannel(t, "s3cret")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// Wrong token rejected.
	if _, _, err := websocket.Dial(ctx, "ws://"+ch.Addr()+"/ws?token=wrong", nil); err == nil {
		t.Error("dial with wrong token should fail")
	}

	// Correct token via query parameter accepted.
	conn, _, err := websocket.Dial(ctx, "ws://"+ch.Addr()+"/ws?token=s3cret", nil)
	if err != nil {
		t.Fatalf("dial with token: %v", err)
	}
	conn.Close(websocket.StatusNormalClosure, "")
}

func TestEmptyTextIgnored(t *testing.T) {
	ch, b := startTestChannel(t, "")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, "ws://"+ch.Addr()+"/ws?session=tester", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	if err := wsjson.Write(ctx, conn, inboundFrame{Text: "   "}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := wsjson.Write(ctx, conn, inboundFrame{Text: "real"}); err != nil {
		t.Fatalf("write: %v", err)
	}

	msg, ok := b.ConsumeInbound(ctx)
	if !ok {
		t.Fatal("no inbound message")
	}
	if msg.Content != "real" {
		t.Errorf("Content = %q, want real (blank frame must be skipped)", msg.Content)
	}
}

func TestSanitizeSessionID(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"abc-123", "abc-123"},
		{" padded ", "padded"},
		{"bad/slash", ""},
		{"", ""},
	}
	for _, tt := range tests {
		if got := sanitizeSessionID(tt.in); got != tt.want {
			t.Errorf("sanitizeSessionID(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
