package status

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/Carsten0007/Tradingbot-2/logging"
)

// DefaultPushInterval is how often connected clients receive updates.
const DefaultPushInterval = time.Second

// Message is one websocket push.
type Message struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

// Hub pushes instrument state, and optionally one instrument's chart
// frame, to websocket clients.
type Hub struct {
	handler  *Handler
	logger   logging.LoggerInterface
	upgrader websocket.Upgrader
	interval time.Duration

	mu      sync.Mutex
	clients map[*websocket.Conn]string // chart instrument, "" for none
}

func NewHub(h *Handler, interval time.Duration) *Hub {
	if interval <= 0 {
		interval = DefaultPushInterval
	}
	return &Hub{
		handler:  h,
		logger:   h.logger,
		interval: interval,
		upgrader: websocket.Upgrader{
			// local diagnostics only
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		clients: make(map[*websocket.Conn]string),
	}
}

func (hub *Hub) serve(c *gin.Context) {
	conn, err := hub.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		hub.logger.Warning("Status websocket upgrade failed: %v", err)
		return
	}
	inst := strings.ToUpper(c.Query("instrument"))

	hub.mu.Lock()
	hub.clients[conn] = inst
	hub.mu.Unlock()
	hub.logger.Debug("Status websocket client connected (chart %q)", inst)

	// Drain client frames so close and ping control messages are handled.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				hub.remove(conn)
				return
			}
		}
	}()
}

func (hub *Hub) remove(conn *websocket.Conn) {
	hub.mu.Lock()
	_, ok := hub.clients[conn]
	delete(hub.clients, conn)
	hub.mu.Unlock()
	if ok {
		conn.Close()
	}
}

// Clients returns the number of connected clients.
func (hub *Hub) Clients() int {
	hub.mu.Lock()
	defer hub.mu.Unlock()
	return len(hub.clients)
}

// Broadcast sends one round of updates to every client. Clients that fail
// a write are dropped.
func (hub *Hub) Broadcast() {
	hub.mu.Lock()
	defer hub.mu.Unlock()
	if len(hub.clients) == 0 {
		return
	}

	state := Message{Type: "status", Data: hub.handler.state.Snapshot()}
	for conn, inst := range hub.clients {
		conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		err := conn.WriteJSON(state)
		if err == nil && inst != "" && hub.handler.charts != nil {
			if frame, ok := hub.handler.charts.Snapshot(inst); ok {
				err = conn.WriteJSON(Message{Type: "chart", Data: frame})
			}
		}
		if err != nil {
			hub.logger.Debug("Status websocket write failed, dropping client: %v", err)
			delete(hub.clients, conn)
			conn.Close()
		}
	}
}

// Run broadcasts every interval until ctx is done, then disconnects all
// clients.
func (hub *Hub) Run(ctx context.Context) {
	ticker := time.NewTicker(hub.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			hub.mu.Lock()
			for conn := range hub.clients {
				conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutdown"),
					time.Now().Add(time.Second))
				conn.Close()
				delete(hub.clients, conn)
			}
			hub.mu.Unlock()
			return
		case <-ticker.C:
			hub.Broadcast()
		}
	}
}
