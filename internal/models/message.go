package models

import (
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

type MessageType string

const (
	MessageText   MessageType = "text"
	MessageImage  MessageType = "image"
	MessageVideo  MessageType = "video"
	MessageAudio  MessageType = "audio"
	MessageFile   MessageType = "file"
	MessageSystem MessageType = "system"
)

// MaxAttachmentSize is the per-file cap in bytes.
const MaxAttachmentSize = 5 << 20

func ValidMessageType(t MessageType) bool {
	switch t {
	case MessageText, MessageImage, MessageVideo, MessageAudio, MessageFile, MessageSystem:
		return true
	}
	return false
}

type Attachment struct {
	Type         string  `json:"type"`
	URL          string  `json:"url"`
	Filename     string  `json:"filename"`
	Size         int64   `json:"size"`
	MimeType     string  `json:"mime_type"`
	ThumbnailURL *string `json:"thumbnail,omitempty"`
}

func (a *Attachment) Validate() error {
	if a.URL == "" {
		return fmt.Errorf("attachment url is required")
	}
	if a.Size <= 0 || a.Size > MaxAttachmentSize {
		return fmt.Errorf("attachment size must be 1 byte to 5MB")
	}
	return nil
}

type Message struct {
	ID             uuid.UUID `json:"id" db:"id"`
	ConversationID uuid.UUID `json:"conversation_id" db:"conversation_id"`
	SenderID       uuid.UUID `json:"sender_id" db:"sender_id"`

	// EncryptedContent is the JSON ciphertext envelope stored at rest.
	// Content carries the decrypted plaintext on the way out of the
	// pipeline only; it is never persisted.
	EncryptedContent string `json:"encrypted_content" db:"encrypted_content"`
	ContentHash      string `json:"content_hash" db:"content_hash"`
	Content          string `json:"content"`

	MessageType MessageType  `json:"message_type" db:"message_type"`
	ReplyToID   *uuid.UUID   `json:"reply_to,omitempty" db:"reply_to_id"`
	Attachments []Attachment `json:"attachments"`

	IsEdited bool       `json:"is_edited" db:"is_edited"`
	EditedAt *time.Time `json:"edited_at,omitempty" db:"edited_at"`

	DeletedAt *time.Time `json:"deleted_at,omitempty" db:"deleted_at"`
	DeletedBy *uuid.UUID `json:"deleted_by,omitempty" db:"deleted_by"`

	IsPinned bool       `json:"is_pinned" db:"is_pinned"`
	PinnedAt *time.Time `json:"pinned_at,omitempty" db:"pinned_at"`
	PinnedBy *uuid.UUID `json:"pinned_by,omitempty" db:"pinned_by"`

	ForwardedFromID *uuid.UUID `json:"forwarded_from,omitempty" db:"forwarded_from_id"`

	ReactionsCount int `json:"reactions_count" db:"reactions_count"`
	ReadCount      int `json:"read_count" db:"read_count"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`

	Sender    *User           `json:"sender,omitempty"`
	ReadAt    *time.Time      `json:"read_at,omitempty"`
	Reactions []ReactionGroup `json:"reactions,omitempty"`
}

// Preview returns the type-based placeholder used by conversation lists,
// which never decrypt content.
func (m *Message) Preview() string {
	switch m.MessageType {
	case MessageImage:
		return "🖼️ Image"
	case MessageVideo, MessageAudio, MessageFile:
		return "📎 Attachment"
	default:
		if len(m.Attachments) > 0 {
			return "📎 Attachment"
		}
		return "Message"
	}
}

type MessageReaction struct {
	ID        uuid.UUID `json:"id" db:"id"`
	MessageID uuid.UUID `json:"message_id" db:"message_id"`
	UserID    uuid.UUID `json:"user_id" db:"user_id"`
	Emoji     string    `json:"emoji" db:"emoji"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// ReactionGroup aggregates one emoji's reactions on a message.
type ReactionGroup struct {
	Emoji   string      `json:"emoji"`
	Count   int         `json:"count"`
	UserIDs []uuid.UUID `json:"user_ids"`
}

type MessageRead struct {
	ID        uuid.UUID `json:"id" db:"id"`
	MessageID uuid.UUID `json:"message_id" db:"message_id"`
	UserID    uuid.UUID `json:"user_id" db:"user_id"`
	ReadAt    time.Time `json:"read_at" db:"read_at"`
}

// MessageDeletion is the per-user tombstone for "delete for me".
type MessageDeletion struct {
	ID        uuid.UUID `json:"id" db:"id"`
	MessageID uuid.UUID `json:"message_id" db:"message_id"`
	UserID    uuid.UUID `json:"user_id" db:"user_id"`
	DeletedAt time.Time `json:"deleted_at" db:"deleted_at"`
}

// ValidateEmoji bounds reaction emoji input: non-empty, at most 8 runes.
func ValidateEmoji(emoji string) error {
	if emoji == "" {
		return fmt.Errorf("emoji is required")
	}
	if !utf8.ValidString(emoji) || utf8.RuneCountInString(emoji) > 8 {
		return fmt.Errorf("invalid emoji")
	}
	return nil
}

type SendMessageRequest struct {
	Content       string      `json:"content" form:"content"`
	ReplyTo       *uuid.UUID  `json:"replyTo,omitempty" form:"replyTo"`
	MessageType   MessageType `json:"messageType" form:"messageType"`
	ForwardedFrom *uuid.UUID  `json:"forwardedFrom,omitempty" form:"forwardedFrom"`
	Attachments   []Attachment
}

type EditMessageRequest struct {
	Content string `json:"content" binding:"required"`
}

type DeleteMessageRequest struct {
	DeleteFor string `json:"deleteFor"` // me, everyone
}

type ReactionRequest struct {
	Emoji string `json:"emoji" binding:"required"`
}

type PinMessageRequest struct {
	Pin bool `json:"pin"`
}

type GetMessagesQuery struct {
	Page   int        `form:"page"`
	Limit  int        `form:"limit"`
	Before *time.Time `form:"before" time_format:"2006-01-02T15:04:05Z07:00"`
}
