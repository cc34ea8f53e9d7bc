// Package ws pushes call lifecycle events to connected devices over
// WebSocket. The stream is one-way: clients receive incoming-call and
// call-update events, signaling itself stays on the shared channel.
package ws

import (
	"encoding/json"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"pairchat-backend/internal/domain"
	"pairchat-backend/pkg/constants"
	"pairchat-backend/pkg/logger"
	"pairchat-backend/pkg/metrics"
)

// CallEvent types
const (
	EventTypeIncomingCall = "incoming_call"
	EventTypeCallUpdate   = "call_update"
)

// CallEvent is one call lifecycle notification pushed to a user's devices.
type CallEvent struct {
	Type      string            `json:"type"`
	CallID    string            `json:"call_id"`
	CallerID  string            `json:"caller_id"`
	CallType  domain.CallType   `json:"call_type"`
	Status    domain.CallStatus `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
}

// targeted pairs an event with the user it is addressed to
type targeted struct {
	userID string
	event  *CallEvent
}

// CallEventHub manages per-user WebSocket connections and fans call
// events out to every device a user has connected.
type CallEventHub struct {
	// Registered clients per user
	users map[string]map[*CallEventClient]bool

	// Mutex for thread-safe operations
	mu sync.RWMutex

	// Channels
	register   chan *CallEventClient
	unregister chan *CallEventClient
	broadcast  chan *targeted

	// Concurrency limit: maxConnections is the maximum number of concurrent WebSocket connections
	maxConnections int
	// Semaphore for limiting concurrent connections
	semaphore chan struct{}
}

// CallEventClient represents one connected device
type CallEventClient struct {
	hub    *CallEventHub
	conn   *websocket.Conn
	send   chan []byte
	userID string
}

// GetAllowedOrigins returns allowed WebSocket origins from environment or defaults
func GetAllowedOrigins() map[string]bool {
	allowedOrigins := map[string]bool{
		"http://localhost:3000": true,
		"http://localhost:8080": true,
		"http://127.0.0.1:3000": true,
		"http://127.0.0.1:8080": true,
	}

	// Add production origins from environment if set
	if origins := os.Getenv("CORS_ALLOWED_ORIGINS"); origins != "" {
		// Parse comma-separated origins
		for _, origin := range strings.Split(origins, ",") {
			allowedOrigins[strings.TrimSpace(origin)] = true
		}
	}

	return allowedOrigins
}

var callEventUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			// Reject empty origins - require explicit origin for security
			return false
		}

		allowedOrigins := GetAllowedOrigins()
		for allowed := range allowedOrigins {
			if origin == allowed {
				return true
			}
		}
		return false
	},
}

// NewCallEventHub creates a new call event hub
func NewCallEventHub() *CallEventHub {
	// Default max connections: 1000 (configurable via environment if needed)
	maxConns := 1000
	if val := os.Getenv("WS_MAX_EVENT_CONNECTIONS"); val != "" {
		if n, err := strconv.Atoi(val); err == nil && n > 0 {
			maxConns = n
		}
	}

	hub := &CallEventHub{
		users:          make(map[string]map[*CallEventClient]bool),
		register:       make(chan *CallEventClient),
		unregister:     make(chan *CallEventClient),
		broadcast:      make(chan *targeted, 256),
		maxConnections: maxConns,
		semaphore:      make(chan struct{}, maxConns),
	}

	go hub.run()

	return hub
}

// NotifyIncomingCall pushes an incoming_call event to the callee's devices.
func (h *CallEventHub) NotifyIncomingCall(session *domain.CallSession) {
	h.broadcast <- &targeted{
		userID: session.CalleeID,
		event: &CallEvent{
			Type:      EventTypeIncomingCall,
			CallID:    session.ID,
			CallerID:  session.CallerID,
			CallType:  session.Type,
			Status:    session.Status,
			Timestamp: time.Now(),
		},
	}
}

// NotifyCallUpdate pushes a call_update event to both participants.
func (h *CallEventHub) NotifyCallUpdate(session *domain.CallSession) {
	event := &CallEvent{
		Type:      EventTypeCallUpdate,
		CallID:    session.ID,
		CallerID:  session.CallerID,
		CallType:  session.Type,
		Status:    session.Status,
		Timestamp: time.Now(),
	}
	h.broadcast <- &targeted{userID: session.CallerID, event: event}
	h.broadcast <- &targeted{userID: session.CalleeID, event: event}
}

// run handles hub operations
func (h *CallEventHub) run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			if h.users[client.userID] == nil {
				h.users[client.userID] = make(map[*CallEventClient]bool)
			}
			h.users[client.userID][client] = true
			h.mu.Unlock()
			metrics.WebSocketConnectionsActive.Inc()

		case client := <-h.unregister:
			h.mu.Lock()
			if clients, ok := h.users[client.userID]; ok {
				if _, exists := clients[client]; exists {
					delete(clients, client)
					close(client.send)
					metrics.WebSocketConnectionsActive.Dec()

					// Clean up users with no remaining devices
					if len(clients) == 0 {
						delete(h.users, client.userID)
					}
				}
			}
			h.mu.Unlock()

		case message := <-h.broadcast:
			h.mu.RLock()
			if clients, ok := h.users[message.userID]; ok {
				eventJSON, _ := json.Marshal(message.event)
				for client := range clients {
					select {
					case client.send <- eventJSON:
					default:
						close(client.send)
						delete(clients, client)
						metrics.WebSocketConnectionsActive.Dec()
					}
				}
			}
			h.mu.RUnlock()
		}
	}
}

// ServeWS handles WebSocket requests for call events
func (h *CallEventHub) ServeWS(c *gin.Context) {
	// Acquire semaphore to limit concurrent connections
	select {
	case h.semaphore <- struct{}{}:
		defer func() {
			<-h.semaphore // Release semaphore when connection closes
		}()
	default:
		logger.Warn("WebSocket connection rejected: max connections reached",
			zap.Int("max_connections", h.maxConnections))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Server at capacity, please try again later"})
		return
	}

	// Get user ID from context (set by auth middleware)
	userIDVal, exists := c.Get("user_id")
	if !exists {
		c.JSON(401, gin.H{"error": "unauthorized"})
		return
	}

	userID, ok := userIDVal.(string)
	if !ok || userID == "" {
		c.JSON(500, gin.H{"error": "invalid user_id"})
		return
	}

	// Upgrade to WebSocket
	conn, err := callEventUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Warn("WebSocket upgrade failed",
			zap.String("user_id", userID),
			zap.Error(err))
		return
	}

	client := &CallEventClient{
		hub:    h,
		conn:   conn,
		send:   make(chan []byte, 256),
		userID: userID,
	}

	client.hub.register <- client

	// Start goroutines for read/write
	go client.writePump()
	go client.readPump()
}

// readPump drains the connection. Clients never send application
// messages on this stream, the read loop only services pong frames
// and detects disconnects.
func (c *CallEventClient) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(constants.WebSocketPingInterval))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(constants.WebSocketPingInterval))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logger.Debug("WebSocket connection closed",
					zap.String("user_id", c.userID),
					zap.Error(err))
			}
			break
		}
	}
}

// writePump writes events to WebSocket
func (c *CallEventClient) writePump() {
	ticker := time.NewTicker(constants.WebSocketPingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
