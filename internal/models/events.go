package models

import (
	"time"

	"github.com/google/uuid"
)

// Socket event names. Client-to-server events drive room membership and
// typing state only; every message mutation travels over the HTTP API and
// is mirrored back out as a server push.
const (
	// Client -> server
	EventAuthenticate      = "authenticate"
	EventJoinConversation  = "chat:join_conversation"
	EventLeaveConversation = "chat:leave_conversation"
	EventTypingStart       = "chat:typing:start"
	EventTypingStop        = "chat:typing:stop"

	// Server -> client
	EventAuthenticated       = "authenticated"
	EventError               = "error"
	EventConversationJoined  = "chat:conversation:joined"
	EventConversationLeft    = "chat:conversation:left"
	EventMessageSent         = "chat:message:sent"
	EventMessageEdited       = "chat:message:edited"
	EventMessageDeleted      = "chat:message:deleted"
	EventMessageRead         = "chat:message:read"
	EventMessageReaction     = "chat:message:reaction"
	EventMessagePinned       = "chat:message:pinned"
	EventMessagesRead        = "chat:messages:read"
	EventConversationCreated = "chat:conversation:created"
	EventConversationUpdated = "chat:conversation:updated"
	EventParticipantAdded    = "chat:conversation:participant:added"
	EventParticipantRemoved  = "chat:conversation:participant:removed"
	EventUserOnline          = "chat:user:online"
	EventUserOffline         = "chat:user:offline"
)

// Room name helpers: one broadcast room per conversation, one per user.
func ConversationRoom(id uuid.UUID) string { return "conversation:" + id.String() }
func UserRoom(id uuid.UUID) string         { return "user:" + id.String() }

// WSMessage is the frame exchanged on the socket channel.
type WSMessage struct {
	Event     string      `json:"event"`
	Payload   interface{} `json:"payload,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// BusEvent is the envelope relayed over the event bus between the pipeline
// and socket hubs, addressed to a single room.
type BusEvent struct {
	Room      string      `json:"room"`
	Event     string      `json:"event"`
	Payload   interface{} `json:"payload,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

type WSAuthenticatePayload struct {
	Token string `json:"token"`
}

type WSConversationPayload struct {
	ConversationID uuid.UUID `json:"conversation_id"`
}

type WSErrorPayload struct {
	Message string `json:"message"`
}

type TypingPayload struct {
	ConversationID uuid.UUID `json:"conversation_id"`
	UserID         uuid.UUID `json:"user_id"`
}
