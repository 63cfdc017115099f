// Package webchat serves a browser chat surface over WebSocket.
package webchat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/danharwell/chatmux/internal/bus"
	"github.com/danharwell/chatmux/internal/channels"
	"github.com/danharwell/chatmux/internal/config"
)

const (
	defaultWSPath   = "/ws"
	shutdownTimeout = 5 * time.Second
)

// Channel implements a web chat surface: each WebSocket client is a direct
// peer whose chat ID is its session ID.
type Channel struct {
	*channels.BaseChannel
	addr   string
	path   string
	token  string
	origin []string

	server    *http.Server
	boundAddr string
	wg        sync.WaitGroup
	done      chan struct{}
	msgID     int64

	mu      sync.RWMutex
	clients map[string]*wsClient // sessionID → client
}

type wsClient struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

type inboundFrame struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id,omitempty"`
	Text      string `json:"text"`
}

type outboundFrame struct {
	Type  string `json:"type"`
	Kind  string `json:"kind,omitempty"`
	Text  string `json:"text,omitempty"`
	Error string `json:"error,omitempty"`
}

// New creates a web chat channel. The server listens on the gateway
// host/port; gatewayToken (optional) is required from clients as a bearer
// token or ?token= query parameter.
func New(cfg config.WebChatConfig, gw config.GatewayConfig, msgBus *bus.MessageBus) *Channel {
	path := cfg.Path
	if path == "" {
		path = defaultWSPath
	}
	return &Channel{
		BaseChannel: channels.NewBaseChannel("webchat", msgBus, nil),
		addr:        fmt.Sprintf("%s:%d", gw.Host, gw.Port),
		path:        path,
		token:       gw.Token,
		origin:      cfg.AllowedOrigins,
		done:        make(chan struct{}),
		clients:     make(map[string]*wsClient),
	}
}

// Start begins serving the WebSocket endpoint.
func (c *Channel) Start(_ context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc(c.path, c.handleWS)

	c.server = &http.Server{
		Addr:    c.addr,
		Handler: mux,
	}

	ln, err := net.Listen("tcp", c.addr)
	if err != nil {
		return fmt.Errorf("webchat listen on %s: %w", c.addr, err)
	}

	c.boundAddr = ln.Addr().String()
	slog.Info("webchat started", "addr", c.boundAddr, "path", c.path)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		if serveErr := c.server.Serve(ln); serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
			slog.Error("webchat server error", "error", serveErr)
		}
	}()

	c.SetRunning(true)
	return nil
}

// Stop shuts the server down and closes all client connections.
func (c *Channel) Stop(_ context.Context) error {
	select {
	case <-c.done:
	default:
		close(c.done)
	}

	c.mu.Lock()
	clients := make([]*wsClient, 0, len(c.clients))
	for _, client := range c.clients {
		clients = append(clients, client)
	}
	c.clients = make(map[string]*wsClient)
	c.mu.Unlock()

	for _, client := range clients {
		_ = client.conn.Close(websocket.StatusNormalClosure, "shutdown")
	}

	if c.server != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := c.server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Warn("webchat shutdown error", "error", err)
		}
	}

	c.wg.Wait()
	c.SetRunning(false)
	slog.Info("webchat stopped")
	return nil
}

// Addr returns the bound listen address, valid after Start.
func (c *Channel) Addr() string { return c.boundAddr }

// Send delivers a reply to the web client identified by msg.ChatID.
func (c *Channel) Send(ctx context.Context, msg bus.OutboundMessage) error {
	c.mu.RLock()
	client := c.clients[msg.ChatID]
	c.mu.RUnlock()
	if client == nil {
		return fmt.Errorf("webchat session not connected: %s", msg.ChatID)
	}

	payload := outboundFrame{
		Type: "response",
		Kind: msg.Kind,
		Text: msg.Content,
	}

	client.mu.Lock()
	defer client.mu.Unlock()
	if err := wsjson.Write(ctx, client.conn, payload); err != nil {
		return fmt.Errorf("webchat send failed: %w", err)
	}
	return nil
}

func (c *Channel) handleWS(rw http.ResponseWriter, r *http.Request) {
	if !c.authorize(r) {
		http.Error(rw, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := websocket.Accept(rw, r, &websocket.AcceptOptions{
		OriginPatterns: c.origin,
	})
	if err != nil {
		return
	}

	sessionID := sanitizeSessionID(r.URL.Query().Get("session"))
	if sessionID == "" {
		sessionID = fmt.Sprintf("web-%d", atomic.AddInt64(&c.msgID, 1))
	}

	client := &wsClient{conn: conn}
	c.bindClient(sessionID, client)
	defer func() {
		c.unbindClient(sessionID, client)
		_ = conn.Close(websocket.StatusNormalClosure, "")
	}()

	for {
		var req inboundFrame
		if err := wsjson.Read(r.Context(), conn, &req); err != nil {
			return
		}

		reqType := strings.TrimSpace(req.Type)
		if reqType == "" {
			reqType = "message"
		}
		if reqType != "message" {
			_ = wsjson.Write(r.Context(), conn, outboundFrame{Type: "error", Error: "unsupported message type"})
			continue
		}

		text := strings.TrimSpace(req.Text)
		if text == "" {
			continue
		}

		metadata := map[string]string{
			"message_id": fmt.Sprintf("web-%d", atomic.AddInt64(&c.msgID, 1)),
		}
		c.HandleMessage(sessionID, sessionID, text, metadata, "direct")

		select {
		case <-c.done:
			return
		case <-r.Context().Done():
			return
		default:
		}
	}
}

// authorize checks the gateway bearer token when one is configured.
func (c *Channel) authorize(r *http.Request) bool {
	if c.token == "" {
		return true
	}
	if auth := r.Header.Get("Authorization"); strings.TrimPrefix(auth, "Bearer ") == c.token {
		return true
	}
	return r.URL.Query().Get("token") == c.token
}

func (c *Channel) bindClient(sessionID string, client *wsClient) {
	c.mu.Lock()
	old := c.clients[sessionID]
	c.clients[sessionID] = client
	c.mu.Unlock()

	if old != nil && old != client {
		_ = old.conn.Close(websocket.StatusNormalClosure, "replaced")
	}
}

func (c *Channel) unbindClient(sessionID string, client *wsClient) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.clients[sessionID] == client {
		delete(c.clients, sessionID)
	}
}

func sanitizeSessionID(raw string) string {
	s := strings.TrimSpace(raw)
	if s == "" || len(s) > 128 {
		return ""
	}
	for _, r := range s {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '-' || r == '_' {
			continue
		}
		return ""
	}
	return s
}
