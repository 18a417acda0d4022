package outputs

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nickborgers/monorepo/webview-telemetry/internal/config"
	"github.com/nickborgers/monorepo/webview-telemetry/internal/models"
)

const wsWriteTimeout = 5 * time.Second

// WebSocketOutput pushes every telemetry notification to connected
// dashboard clients
type WebSocketOutput struct {
	config   *config.WebSocketConfig
	logger   *slog.Logger
	upgrader websocket.Upgrader
	server   *http.Server

	mu      sync.Mutex
	clients map[*wsClient]struct{}
	closed  bool
	dropped int64
}

// wsMessage is the frame sent to clients
type wsMessage struct {
	Event   string                 `json:"event"`
	Payload *models.TelemetryEvent `json:"payload"`
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
	done chan struct{}
}

// NewWebSocketOutput creates the live feed and starts its HTTP server
func NewWebSocketOutput(cfg *config.WebSocketConfig, logger *slog.Logger) (*WebSocketOutput, error) {
	if !cfg.Enabled {
		return nil, nil
	}

	ws := newWebSocketOutput(cfg, logger)

	mux := http.NewServeMux()
	mux.Handle(cfg.Path, ws.Handler())

	addr := fmt.Sprintf("%s:%d", cfg.ListenAddress, cfg.Port)
	ws.server = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		ws.logger.Info("Starting WebSocket feed", "addr", addr, "path", cfg.Path)
		if err := ws.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			ws.logger.Error("WebSocket server error", "error", err)
		}
	}()

	return ws, nil
}

func newWebSocketOutput(cfg *config.WebSocketConfig, logger *slog.Logger) *WebSocketOutput {
	if logger == nil {
		logger = slog.Default()
	}

	return &WebSocketOutput{
		config: cfg,
		logger: logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // The feed is read-only
			},
		},
		clients: make(map[*wsClient]struct{}),
	}
}

// Handler upgrades requests and streams notifications until the client leaves
func (ws *WebSocketOutput) Handler() http.Handler {
	return http.HandlerFunc(ws.handleWebSocket)
}

func (ws *WebSocketOutput) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := ws.upgrader.Upgrade(w, r, nil)
	if err != nil {
		ws.logger.Debug("WebSocket upgrade failed", "error", err)
		return
	}

	bufSize := ws.config.SendBuffer
	if bufSize <= 0 {
		bufSize = 256
	}

	client := &wsClient{
		conn: conn,
		send: make(chan []byte, bufSize),
		done: make(chan struct{}),
	}

	ws.mu.Lock()
	if ws.closed {
		ws.mu.Unlock()
		conn.Close()
		return
	}
	ws.clients[client] = struct{}{}
	ws.mu.Unlock()

	ws.logger.Debug("WebSocket client connected", "remote", r.RemoteAddr)

	go ws.writePump(client)

	// Drain reads so close frames and pings are handled
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}

	ws.remove(client)
	ws.logger.Debug("WebSocket client disconnected", "remote", r.RemoteAddr)
}

func (ws *WebSocketOutput) writePump(c *wsClient) {
	defer c.conn.Close()

	for {
		select {
		case <-c.done:
			c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			return
		case msg := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				ws.remove(c)
				return
			}
		}
	}
}

func (ws *WebSocketOutput) remove(c *wsClient) {
	ws.mu.Lock()
	defer ws.mu.Unlock()

	if _, ok := ws.clients[c]; ok {
		delete(ws.clients, c)
		close(c.done)
	}
}

// Write broadcasts an event; slow clients drop frames instead of blocking
func (ws *WebSocketOutput) Write(event *models.TelemetryEvent) error {
	if ws == nil {
		return nil
	}

	data, err := json.Marshal(wsMessage{Event: event.NotificationName(), Payload: event})
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	ws.mu.Lock()
	defer ws.mu.Unlock()

	for c := range ws.clients {
		select {
		case c.send <- data:
		default:
			ws.dropped++
		}
	}
	return nil
}

// Clients returns the number of connected clients
func (ws *WebSocketOutput) Clients() int {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	return len(ws.clients)
}

// Name returns the output module name
func (ws *WebSocketOutput) Name() string {
	return "websocket"
}

// Close disconnects every client and stops the server
func (ws *WebSocketOutput) Close() error {
	if ws == nil {
		return nil
	}

	ws.mu.Lock()
	ws.closed = true
	for c := range ws.clients {
		delete(ws.clients, c)
		close(c.done)
	}
	dropped := ws.dropped
	ws.mu.Unlock()

	ws.logger.Info("Shutting down WebSocket feed", "dropped_frames", dropped)

	if ws.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	return ws.server.Shutdown(ctx)
}
