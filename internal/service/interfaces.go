package service

import (
	"time"

	"github.com/google/uuid"

	"github.com/relaychat/backend/internal/models"
)

// ConversationStore persists conversations and participant membership.
// The Postgres implementation lives in internal/repository; tests use an
// in-memory fake.
type ConversationStore interface {
	CreateDirect(conv *models.Conversation, participants []*models.Participant) error
	CreateGroup(conv *models.Conversation, participants []*models.Participant) error
	GetByID(id uuid.UUID) (*models.Conversation, error)
	GetByDirectKey(key string) (*models.Conversation, error)
	ListForUser(userID uuid.UUID, archived bool, limit, offset int) ([]models.Conversation, error)
	ListConversationIDsForUser(userID uuid.UUID) ([]uuid.UUID, error)

	GetParticipant(conversationID, userID uuid.UUID) (*models.Participant, error)
	ActiveParticipants(conversationID uuid.UUID) ([]models.Participant, error)
	CountActive(conversationID uuid.UUID) (int, error)
	UpsertParticipant(p *models.Participant) error
	DeactivateParticipant(conversationID, userID uuid.UUID, leftAt time.Time) error
	SetParticipantRole(conversationID, userID uuid.UUID, role models.ParticipantRole) error
	SetOwner(conversationID, ownerID uuid.UUID) error

	SetLastMessage(conversationID, messageID uuid.UUID, at time.Time) error
	AddMessageCount(conversationID uuid.UUID, delta int) error
	AddUnreadExcept(conversationID, exceptUserID uuid.UUID, delta int) error
	AddUnread(conversationID, userID uuid.UUID, delta int) error
	ResetUnread(conversationID, userID uuid.UUID, lastReadAt time.Time) error
	SetLastReadAt(conversationID, userID uuid.UUID, at time.Time) error
	SetArchived(conversationID uuid.UUID, archivedAt *time.Time) error
	SetMuted(conversationID, userID uuid.UUID, muted bool, until *time.Time) error
	UpdateMetadata(conversationID uuid.UUID, name, description, avatarURL *string) error
}

// MessageStore persists messages and their reaction/read/tombstone state.
// Counter mutations are floored at zero by the implementation.
type MessageStore interface {
	Create(m *models.Message) error
	GetByID(id uuid.UUID) (*models.Message, error)
	// ListPage returns a newest-first page, excluding messages deleted for
	// everyone and messages tombstoned by the viewer.
	ListPage(conversationID, viewerID uuid.UUID, limit, offset int, before *time.Time) ([]models.Message, error)
	SetContent(id uuid.UUID, encryptedContent, contentHash string, editedAt time.Time) error
	SoftDelete(id, deletedBy uuid.UUID, at time.Time) error
	AddTombstone(messageID, userID uuid.UUID) error
	SetPinned(id uuid.UUID, pinnedBy *uuid.UUID, at *time.Time) error
	ListPinned(conversationID uuid.UUID, limit, offset int) ([]models.Message, error)

	GetReaction(messageID, userID uuid.UUID, emoji string) (*models.MessageReaction, error)
	AddReaction(r *models.MessageReaction) error
	RemoveReaction(messageID, userID uuid.UUID, emoji string) error
	AddReactionsCount(messageID uuid.UUID, delta int) error
	ReactionsFor(messageIDs []uuid.UUID) (map[uuid.UUID][]models.ReactionGroup, error)

	GetRead(messageID, userID uuid.UUID) (*models.MessageRead, error)
	// AddRead inserts a receipt; inserted is false when one already exists.
	AddRead(r *models.MessageRead) (inserted bool, err error)
	ReadsFor(messageIDs []uuid.UUID, userID uuid.UUID) (map[uuid.UUID]time.Time, error)
	AddReadCount(messageID uuid.UUID, delta int) error
	// UnreadIDsSince lists messages in the conversation created after since,
	// not sent by userID, not deleted, and without a receipt from userID.
	UnreadIDsSince(conversationID, userID uuid.UUID, since time.Time) ([]uuid.UUID, error)
	// AddReads bulk-inserts receipts and bumps read counts, returning how
	// many were newly inserted.
	AddReads(userID uuid.UUID, messageIDs []uuid.UUID, at time.Time) (int, error)
}

// UserDirectory is the narrow view of the platform's user module.
type UserDirectory interface {
	GetByID(id uuid.UUID) (*models.User, error)
	GetByIDs(ids []uuid.UUID) (map[uuid.UUID]models.User, error)
	FindMissing(ids []uuid.UUID) ([]uuid.UUID, error)
}

// Broadcaster pushes an event to a realtime room. Delivery is
// best-effort: implementations log failures and never return them, so a
// committed mutation is never rolled back by a broadcast problem.
type Broadcaster interface {
	Emit(room, event string, payload interface{})
}

// Notifier is the notification dispatcher collaborator. Failures are
// logged by callers and never fail the triggering operation.
type Notifier interface {
	CreateNotification(userID uuid.UUID, kind string, payload map[string]interface{}, priority string) error
}
