package websocket

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/relaychat/backend/internal/cache"
	"github.com/relaychat/backend/internal/models"
)

// RoomDirectory answers membership questions for room joins. The
// Postgres-backed conversation repository satisfies it.
type RoomDirectory interface {
	GetParticipant(conversationID, userID uuid.UUID) (*models.Participant, error)
	ListConversationIDsForUser(userID uuid.UUID) ([]uuid.UUID, error)
}

// Hub maintains the set of authenticated clients, their room
// memberships, and the typing timers. Events published to the bus by any
// API instance are relayed to the local members of the addressed room.
type Hub struct {
	// Room name -> clients currently joined
	rooms map[string]map[*Client]bool

	// Connections per user, for presence bookkeeping
	clients map[uuid.UUID]map[*Client]bool

	// Register requests from authenticated clients
	register chan *Client

	// Unregister requests from clients
	unregister chan *Client

	redis     *cache.RedisClient
	directory RoomDirectory
	log       *zap.Logger

	// Auto-stop timers for typing indicators, keyed conversation+user
	typingTimers map[string]*time.Timer
	typingTTL    time.Duration

	mu sync.RWMutex
}

// NewHub creates a new Hub
func NewHub(redis *cache.RedisClient, directory RoomDirectory, typingTTL time.Duration, log *zap.Logger) *Hub {
	return &Hub{
		rooms:        make(map[string]map[*Client]bool),
		clients:      make(map[uuid.UUID]map[*Client]bool),
		register:     make(chan *Client),
		unregister:   make(chan *Client),
		redis:        redis,
		directory:    directory,
		log:          log,
		typingTimers: make(map[string]*time.Timer),
		typingTTL:    typingTTL,
	}
}

// Run starts the hub
func (h *Hub) Run() {
	go h.subscribeToEvents()

	for {
		select {
		case client := <-h.register:
			h.registerClient(client)

		case client := <-h.unregister:
			h.unregisterClient(client)
		}
	}
}

// registerClient joins an authenticated client to its personal room and
// every conversation it participates in, and marks the user online.
func (h *Hub) registerClient(client *Client) {
	h.mu.Lock()
	if h.clients[client.userID] == nil {
		h.clients[client.userID] = make(map[*Client]bool)
	}
	h.clients[client.userID][client] = true
	first := len(h.clients[client.userID]) == 1
	h.mu.Unlock()

	h.Join(client, models.UserRoom(client.userID))

	conversationIDs, err := h.directory.ListConversationIDsForUser(client.userID)
	if err != nil {
		h.log.Warn("failed to list conversations for socket join",
			zap.String("user_id", client.userID.String()),
			zap.Error(err))
	}
	for _, id := range conversationIDs {
		h.Join(client, models.ConversationRoom(id))
	}

	if first {
		if err := h.redis.SetUserOnline(client.userID); err != nil {
			h.log.Warn("failed to set user online", zap.Error(err))
		}
		for _, id := range conversationIDs {
			h.publish(models.ConversationRoom(id), models.EventUserOnline,
				map[string]interface{}{"user_id": client.userID})
		}
	}

	h.log.Info("client registered", zap.String("user_id", client.userID.String()))
}

// unregisterClient removes a client from every room; the last connection
// for a user flips presence to offline.
func (h *Hub) unregisterClient(client *Client) {
	h.mu.Lock()
	for room := range client.rooms {
		h.removeFromRoom(client, room)
	}
	var last bool
	if conns, ok := h.clients[client.userID]; ok && conns[client] {
		delete(conns, client)
		if len(conns) == 0 {
			delete(h.clients, client.userID)
			last = true
		}
		close(client.send)
	}
	h.mu.Unlock()

	if !client.authenticated() {
		return
	}

	if last {
		if err := h.redis.SetUserOffline(client.userID); err != nil {
			h.log.Warn("failed to set user offline", zap.Error(err))
		}

		conversationIDs, err := h.directory.ListConversationIDsForUser(client.userID)
		if err == nil {
			for _, id := range conversationIDs {
				h.StopTyping(id, client.userID)
				h.publish(models.ConversationRoom(id), models.EventUserOffline,
					map[string]interface{}{"user_id": client.userID})
			}
		}
	}

	h.log.Info("client unregistered", zap.String("user_id", client.userID.String()))
}

// Join adds a client to a room
func (h *Hub) Join(client *Client, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.rooms[room] == nil {
		h.rooms[room] = make(map[*Client]bool)
	}
	h.rooms[room][client] = true
	client.rooms[room] = true
}

// Leave removes a client from a room
func (h *Hub) Leave(client *Client, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeFromRoom(client, room)
}

// removeFromRoom requires h.mu to be held
func (h *Hub) removeFromRoom(client *Client, room string) {
	if members, ok := h.rooms[room]; ok {
		delete(members, client)
		if len(members) == 0 {
			delete(h.rooms, room)
		}
	}
	delete(client.rooms, room)
}

// InRoom reports whether a client is joined to a room
func (h *Hub) InRoom(client *Client, room string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return client.rooms[room]
}

// IsUserOnline checks if a user has at least one live connection on this
// instance
func (h *Hub) IsUserOnline(userID uuid.UUID) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[userID]) > 0
}

// StartTyping marks a user as typing and arms the auto-stop timer.
// Repeated starts extend the timer, so a held-down key never expires
// mid-typing while a crashed client stops within the TTL.
func (h *Hub) StartTyping(conversationID, userID uuid.UUID) {
	if err := h.redis.SetTyping(conversationID, userID, h.typingTTL); err != nil {
		h.log.Warn("failed to set typing state", zap.Error(err))
	}

	key := conversationID.String() + ":" + userID.String()
	h.mu.Lock()
	if timer, ok := h.typingTimers[key]; ok {
		timer.Stop()
	}
	h.typingTimers[key] = time.AfterFunc(h.typingTTL, func() {
		h.StopTyping(conversationID, userID)
	})
	h.mu.Unlock()

	h.publish(models.ConversationRoom(conversationID), models.EventTypingStart,
		models.TypingPayload{ConversationID: conversationID, UserID: userID})
}

// StopTyping clears a typing indicator. Safe to call when no indicator
// is active.
func (h *Hub) StopTyping(conversationID, userID uuid.UUID) {
	key := conversationID.String() + ":" + userID.String()
	h.mu.Lock()
	timer, ok := h.typingTimers[key]
	if ok {
		timer.Stop()
		delete(h.typingTimers, key)
	}
	h.mu.Unlock()
	if !ok {
		return
	}

	if err := h.redis.RemoveTyping(conversationID, userID); err != nil {
		h.log.Warn("failed to clear typing state", zap.Error(err))
	}

	h.publish(models.ConversationRoom(conversationID), models.EventTypingStop,
		models.TypingPayload{ConversationID: conversationID, UserID: userID})
}

// TypingUsers lists users with a live typing indicator in the
// conversation, across all instances.
func (h *Hub) TypingUsers(conversationID uuid.UUID) ([]uuid.UUID, error) {
	return h.redis.GetTypingUsers(conversationID)
}

// Presence reports a user's latest presence record.
func (h *Hub) Presence(userID uuid.UUID) (*models.UserPresence, error) {
	return h.redis.GetUserPresence(userID)
}

// publish routes an event through the bus so every instance's hub
// delivers it to its local room members.
func (h *Hub) publish(room, event string, payload interface{}) {
	err := h.redis.PublishEvent(models.BusEvent{
		Room:      room,
		Event:     event,
		Payload:   payload,
		Timestamp: time.Now(),
	})
	if err != nil {
		h.log.Warn("failed to publish event",
			zap.String("room", room),
			zap.String("event", event),
			zap.Error(err))
	}
}

// subscribeToEvents relays bus events to local room members
func (h *Hub) subscribeToEvents() {
	pubsub := h.redis.SubscribeToEvents()
	defer pubsub.Close()

	for msg := range pubsub.Channel() {
		var event models.BusEvent
		if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
			h.log.Warn("failed to decode bus event", zap.Error(err))
			continue
		}
		h.deliver(event)
	}
}

// deliver fans a bus event out to the local members of its room. Clients
// with a full send buffer are dropped rather than blocking the relay.
func (h *Hub) deliver(event models.BusEvent) {
	frame, err := json.Marshal(models.WSMessage{
		Event:     event.Event,
		Payload:   event.Payload,
		Timestamp: event.Timestamp,
	})
	if err != nil {
		h.log.Warn("failed to encode event frame", zap.Error(err))
		return
	}

	// Send under the read lock: unregister closes send channels under the
	// write lock, so a frame is never written to a closed channel.
	h.mu.RLock()
	var slow []*Client
	for client := range h.rooms[event.Room] {
		select {
		case client.send <- frame:
		default:
			slow = append(slow, client)
		}
	}
	h.mu.RUnlock()

	for _, client := range slow {
		h.log.Warn("dropping slow client",
			zap.String("user_id", client.userID.String()))
		go func(c *Client) { h.unregister <- c }(client)
	}
}
