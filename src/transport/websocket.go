package transport

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"

	"github.com/square-key-labs/voiceline-ai/src/events"
	"github.com/square-key-labs/voiceline-ai/src/logger"
	"github.com/square-key-labs/voiceline-ai/src/session"
)

// WebSocketConfig configures the events-only side-channel transport
type WebSocketConfig struct {
	// URL is the realtime WebSocket endpoint.
	URL string

	// Model selects the remote speech model, passed as a query parameter.
	Model string

	// Dialer defaults to websocket.DefaultDialer.
	Dialer *websocket.Dialer
}

// DefaultWebSocketConfig returns the reference endpoint configuration
func DefaultWebSocketConfig() WebSocketConfig {
	return WebSocketConfig{
		URL:    "wss://api.openai.com/v1/realtime",
		Model:  "gpt-4o-realtime-preview",
		Dialer: websocket.DefaultDialer,
	}
}

// WebSocketTransport is the server-side variant of the side-channel: protocol
// events over a WebSocket, no peer-to-peer media path, so no inbound track is
// ever delivered. It implements session.Transport.
type WebSocketTransport struct {
	cfg WebSocketConfig
	log *logger.Logger

	mu      sync.Mutex
	conn    *websocket.Conn
	writeMu sync.Mutex
	closed  *atomic.Bool
}

// NewWebSocketTransport creates an events-only transport
func NewWebSocketTransport(cfg WebSocketConfig) *WebSocketTransport {
	def := DefaultWebSocketConfig()
	if cfg.URL == "" {
		cfg.URL = def.URL
	}
	if cfg.Model == "" {
		cfg.Model = def.Model
	}
	if cfg.Dialer == nil {
		cfg.Dialer = def.Dialer
	}
	return &WebSocketTransport{
		cfg: cfg,
		log: logger.WithPrefix("WebSocket"),
	}
}

// Connect dials the endpoint and starts the read loop
func (t *WebSocketTransport) Connect(ctx context.Context, token string, h session.Handler) error {
	t.mu.Lock()
	if t.conn != nil {
		t.mu.Unlock()
		return fmt.Errorf("transport already connected")
	}
	t.mu.Unlock()

	url := fmt.Sprintf("%s?model=%s", t.cfg.URL, t.cfg.Model)
	headers := http.Header{}
	headers.Set("Authorization", "Bearer "+token)
	headers.Set("OpenAI-Beta", "realtime=v1")

	conn, resp, err := t.cfg.Dialer.DialContext(ctx, url, headers)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("websocket handshake returned %d: %w", resp.StatusCode, err)
		}
		return fmt.Errorf("websocket dial failed: %w", err)
	}

	closed := &atomic.Bool{}
	t.mu.Lock()
	t.conn = conn
	t.closed = closed
	t.mu.Unlock()

	go t.readLoop(conn, closed, h)

	t.log.Info("transport connected")
	return nil
}

// readLoop delivers each inbound message to the handler in arrival order
func (t *WebSocketTransport) readLoop(conn *websocket.Conn, closed *atomic.Bool, h session.Handler) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if closed.Load() {
				return
			}
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				t.log.Warn("read error: %v", err)
			}
			h.OnDisconnect(err)
			return
		}
		h.OnMessage(data)
	}
}

// Send transmits one outbound instruction message
func (t *WebSocketTransport) Send(event events.ClientEvent) error {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()

	if conn == nil {
		return fmt.Errorf("not connected")
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	return conn.WriteJSON(event)
}

// Close shuts the connection down. Safe when nothing is connected and safe to
// call more than once.
func (t *WebSocketTransport) Close() error {
	t.mu.Lock()
	conn, closed := t.conn, t.closed
	t.conn, t.closed = nil, nil
	t.mu.Unlock()

	if conn == nil {
		return nil
	}
	closed.Store(true)

	t.writeMu.Lock()
	conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	t.writeMu.Unlock()

	return conn.Close()
}
