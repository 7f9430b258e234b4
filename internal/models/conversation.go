package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

type ConversationType string

const (
	ConversationDirect ConversationType = "direct"
	ConversationGroup  ConversationType = "group"
)

type ParticipantRole string

const (
	RoleOwner  ParticipantRole = "owner"
	RoleAdmin  ParticipantRole = "admin"
	RoleMember ParticipantRole = "member"
)

type Conversation struct {
	ID          uuid.UUID        `json:"id" db:"id"`
	Type        ConversationType `json:"type" db:"type"`
	Name        *string          `json:"name,omitempty" db:"name"`
	Description *string          `json:"description,omitempty" db:"description"`
	AvatarURL   *string          `json:"avatar_url,omitempty" db:"avatar_url"`
	OwnerID     *uuid.UUID       `json:"owner_id,omitempty" db:"owner_id"`

	// DirectKey is the sorted "userA:userB" pair for direct conversations,
	// unique at the storage layer so concurrent creates converge on one row.
	DirectKey *string `json:"-" db:"direct_key"`

	// ConversationKey is the base64 symmetric key shared by all participants.
	// Content is encrypted at rest with it; the server can read it, so this
	// is not end-to-end encryption.
	ConversationKey   string `json:"-" db:"conversation_key"`
	EncryptionEnabled bool   `json:"encryption_enabled" db:"encryption_enabled"`

	LastMessageID *uuid.UUID `json:"last_message_id,omitempty" db:"last_message_id"`
	LastMessageAt *time.Time `json:"last_message_at,omitempty" db:"last_message_at"`
	MessageCount  int        `json:"message_count" db:"message_count"`

	// ArchivedAt is a per-conversation flag: archiving a direct conversation
	// hides it for both participants.
	ArchivedAt *time.Time `json:"archived_at,omitempty" db:"archived_at"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`

	Participants       []Participant `json:"participants,omitempty"`
	LastMessagePreview *string       `json:"last_message_preview,omitempty"`
}

type Participant struct {
	ID             uuid.UUID       `json:"id" db:"id"`
	ConversationID uuid.UUID       `json:"conversation_id" db:"conversation_id"`
	UserID         uuid.UUID       `json:"user_id" db:"user_id"`
	Role           ParticipantRole `json:"role" db:"role"`
	IsActive       bool            `json:"is_active" db:"is_active"`
	JoinedAt       time.Time       `json:"joined_at" db:"joined_at"`
	LeftAt         *time.Time      `json:"left_at,omitempty" db:"left_at"`
	UnreadCount    int             `json:"unread_count" db:"unread_count"`
	LastReadAt     *time.Time      `json:"last_read_at,omitempty" db:"last_read_at"`
	Muted          bool            `json:"muted" db:"muted"`
	MutedUntil     *time.Time      `json:"muted_until,omitempty" db:"muted_until"`

	User *User `json:"user,omitempty"`
}

// IsMuted reports the effective mute state; an expired muted_until counts
// as unmuted without requiring a write.
func (p *Participant) IsMuted(now time.Time) bool {
	if !p.Muted {
		return false
	}
	if p.MutedUntil != nil && p.MutedUntil.Before(now) {
		return false
	}
	return true
}

// CanModerate reports whether the participant may act on other members
// and on shared message state (pins, delete for everyone).
func (p *Participant) CanModerate() bool {
	return p.Role == RoleOwner || p.Role == RoleAdmin
}

// DirectKey returns the canonical unordered pair key for two user ids.
func DirectKey(a, b uuid.UUID) string {
	sa, sb := a.String(), b.String()
	if sa > sb {
		sa, sb = sb, sa
	}
	return sa + ":" + sb
}

type CreateDirectConversationRequest struct {
	OtherUserID uuid.UUID `json:"otherUserId" binding:"required"`
}

type CreateGroupConversationRequest struct {
	Name           string      `json:"name" binding:"required"`
	Description    *string     `json:"description,omitempty"`
	AvatarURL      *string     `json:"avatar,omitempty"`
	ParticipantIDs []uuid.UUID `json:"participantIds" binding:"required"`
}

// ValidateName checks the group name bounds after trimming.
func (r *CreateGroupConversationRequest) ValidateName() (string, error) {
	name := strings.TrimSpace(r.Name)
	if name == "" || len(name) > 100 {
		return "", fmt.Errorf("group name must be 1-100 characters")
	}
	return name, nil
}

type AddParticipantsRequest struct {
	ParticipantIDs []uuid.UUID `json:"participantIds" binding:"required,min=1"`
}

type RemoveParticipantRequest struct {
	ParticipantID uuid.UUID `json:"participantId" binding:"required"`
}

type UpdateConversationRequest struct {
	Name        *string `json:"name,omitempty"`
	Description *string `json:"description,omitempty"`
	AvatarURL   *string `json:"avatar,omitempty"`
}

type ArchiveConversationRequest struct {
	Archive bool `json:"archive"`
}

type MuteConversationRequest struct {
	Mute      bool       `json:"mute"`
	MuteUntil *time.Time `json:"muteUntil,omitempty"`
}
