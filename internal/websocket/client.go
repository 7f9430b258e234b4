package websocket

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/relaychat/backend/internal/auth"
	"github.com/relaychat/backend/internal/models"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer
	maxMessageSize = 10240 // 10KB

	// Unauthenticated connections are dropped after this long
	authDeadline = 15 * time.Second
)

// TokenValidator verifies socket credentials. auth.JWTService satisfies it.
type TokenValidator interface {
	ValidateToken(tokenString string) (*auth.Claims, error)
}

// Client represents one socket connection. It starts unauthenticated and
// joins no rooms until the peer sends a valid authenticate event.
type Client struct {
	hub         *Hub
	conn        *websocket.Conn
	send        chan []byte
	auth        TokenValidator
	userID      uuid.UUID
	email       string
	connectedAt time.Time

	// Rooms this client is joined to; guarded by the hub's mutex
	rooms map[string]bool

	// simple token-bucket rate limiter
	tokens       int
	maxTokens    int
	refillPeriod time.Duration
	lastRefill   time.Time
}

// NewClient creates a new socket client
func NewClient(hub *Hub, conn *websocket.Conn, auth TokenValidator) *Client {
	return &Client{
		hub:          hub,
		conn:         conn,
		send:         make(chan []byte, 256),
		auth:         auth,
		connectedAt:  time.Now(),
		rooms:        make(map[string]bool),
		tokens:       20,
		maxTokens:    20,
		refillPeriod: time.Second,
		lastRefill:   time.Now(),
	}
}

func (c *Client) authenticated() bool {
	return c.userID != uuid.Nil
}

// ReadPump pumps messages from the socket connection to the hub
func (c *Client) ReadPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(authDeadline))
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				zap.L().Debug("socket read error", zap.Error(err))
			}
			break
		}

		// Rate limit: simple per-connection token bucket
		now := time.Now()
		elapsed := now.Sub(c.lastRefill)
		if elapsed >= c.refillPeriod {
			add := int(elapsed / c.refillPeriod)
			c.tokens += add
			if c.tokens > c.maxTokens {
				c.tokens = c.maxTokens
			}
			c.lastRefill = now
		}

		if c.tokens <= 0 {
			c.sendError("rate_limited")
			continue
		}
		c.tokens--

		c.handleMessage(message)
	}
}

// WritePump pumps messages from the hub to the socket connection
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The hub closed the channel
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			// Add queued messages to the current socket frame
			n := len(c.send)
			for i := 0; i < n; i++ {
				w.Write([]byte{'\n'})
				w.Write(<-c.send)
			}

			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleMessage handles incoming socket messages
func (c *Client) handleMessage(data []byte) {
	var wsMsg models.WSMessage
	if err := json.Unmarshal(data, &wsMsg); err != nil {
		c.sendError("Invalid message format")
		return
	}

	if wsMsg.Event == models.EventAuthenticate {
		c.handleAuthenticate(wsMsg.Payload)
		return
	}

	if !c.authenticated() {
		c.sendError("Not authenticated")
		return
	}

	switch wsMsg.Event {
	case models.EventJoinConversation:
		c.handleJoin(wsMsg.Payload)

	case models.EventLeaveConversation:
		c.handleLeave(wsMsg.Payload)

	case models.EventTypingStart:
		c.handleTyping(wsMsg.Payload, true)

	case models.EventTypingStop:
		c.handleTyping(wsMsg.Payload, false)

	default:
		c.sendError("Unknown event type")
	}
}

// handleAuthenticate validates the token and registers the connection
func (c *Client) handleAuthenticate(payload interface{}) {
	if c.authenticated() {
		c.sendError("Already authenticated")
		return
	}

	var req models.WSAuthenticatePayload
	if !decodePayload(payload, &req) || req.Token == "" {
		c.sendError("Authentication token required")
		return
	}

	claims, err := c.auth.ValidateToken(req.Token)
	if err != nil {
		c.sendError("Invalid authentication token")
		return
	}

	c.userID = claims.UserID
	c.email = claims.Email
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.hub.register <- c

	c.reply(models.EventAuthenticated, map[string]interface{}{
		"user_id": c.userID,
	})
}

// handleJoin joins the conversation room after a membership check
func (c *Client) handleJoin(payload interface{}) {
	var req models.WSConversationPayload
	if !decodePayload(payload, &req) {
		c.sendError("Invalid conversation payload")
		return
	}

	if !c.isParticipant(req.ConversationID) {
		c.sendError("Access denied")
		return
	}

	c.hub.Join(c, models.ConversationRoom(req.ConversationID))
	c.reply(models.EventConversationJoined, req)
}

// handleLeave leaves the conversation room
func (c *Client) handleLeave(payload interface{}) {
	var req models.WSConversationPayload
	if !decodePayload(payload, &req) {
		c.sendError("Invalid conversation payload")
		return
	}

	c.hub.Leave(c, models.ConversationRoom(req.ConversationID))
	c.hub.StopTyping(req.ConversationID, c.userID)
	c.reply(models.EventConversationLeft, req)
}

// handleTyping starts or stops the typing indicator
func (c *Client) handleTyping(payload interface{}, start bool) {
	var req models.WSConversationPayload
	if !decodePayload(payload, &req) {
		c.sendError("Invalid typing payload")
		return
	}

	if !c.isParticipant(req.ConversationID) {
		return
	}

	if start {
		c.hub.StartTyping(req.ConversationID, c.userID)
	} else {
		c.hub.StopTyping(req.ConversationID, c.userID)
	}
}

func (c *Client) isParticipant(conversationID uuid.UUID) bool {
	p, err := c.hub.directory.GetParticipant(conversationID, c.userID)
	return err == nil && p.IsActive
}

// reply sends an event frame back to this connection only
func (c *Client) reply(event string, payload interface{}) {
	data, _ := json.Marshal(models.WSMessage{
		Event:     event,
		Payload:   payload,
		Timestamp: time.Now(),
	})
	select {
	case c.send <- data:
	default:
	}
}

// sendError sends an error message to the client
func (c *Client) sendError(message string) {
	c.reply(models.EventError, models.WSErrorPayload{Message: message})
}

func decodePayload(payload interface{}, out interface{}) bool {
	data, err := json.Marshal(payload)
	if err != nil {
		return false
	}
	return json.Unmarshal(data, out) == nil
}
