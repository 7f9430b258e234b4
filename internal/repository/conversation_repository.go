package repository

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/relaychat/backend/internal/database"
	"github.com/relaychat/backend/internal/models"
	"github.com/relaychat/backend/internal/service"
)

const uniqueViolation = "23505"

type ConversationRepository struct {
	db *database.DB
}

func NewConversationRepository(db *database.DB) *ConversationRepository {
	return &ConversationRepository{db: db}
}

const conversationColumns = `
	id, type, name, description, avatar_url, owner_id, direct_key,
	conversation_key, encryption_enabled, last_message_id, last_message_at,
	message_count, archived_at, created_at, updated_at
`

func scanConversation(row interface{ Scan(...interface{}) error }) (*models.Conversation, error) {
	conv := &models.Conversation{}
	err := row.Scan(
		&conv.ID,
		&conv.Type,
		&conv.Name,
		&conv.Description,
		&conv.AvatarURL,
		&conv.OwnerID,
		&conv.DirectKey,
		&conv.ConversationKey,
		&conv.EncryptionEnabled,
		&conv.LastMessageID,
		&conv.LastMessageAt,
		&conv.MessageCount,
		&conv.ArchivedAt,
		&conv.CreatedAt,
		&conv.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return conv, nil
}

// CreateDirect inserts a direct conversation and both participants in one
// transaction. A duplicate direct_key maps to service.ErrConflict so the
// caller can fetch the winning row.
func (r *ConversationRepository) CreateDirect(conv *models.Conversation, participants []*models.Participant) error {
	return r.createWithParticipants(conv, participants)
}

// CreateGroup inserts a group conversation and its initial roster.
func (r *ConversationRepository) CreateGroup(conv *models.Conversation, participants []*models.Participant) error {
	return r.createWithParticipants(conv, participants)
}

func (r *ConversationRepository) createWithParticipants(conv *models.Conversation, participants []*models.Participant) error {
	tx, err := r.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(`
		INSERT INTO conversations (
			id, type, name, description, avatar_url, owner_id, direct_key,
			conversation_key, encryption_enabled, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`,
		conv.ID, conv.Type, conv.Name, conv.Description, conv.AvatarURL,
		conv.OwnerID, conv.DirectKey, conv.ConversationKey,
		conv.EncryptionEnabled, conv.CreatedAt, conv.UpdatedAt,
	)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && string(pqErr.Code) == uniqueViolation {
			return service.ErrConflict
		}
		return fmt.Errorf("failed to create conversation: %w", err)
	}

	for _, p := range participants {
		_, err = tx.Exec(`
			INSERT INTO conversation_participants (
				id, conversation_id, user_id, role, is_active, joined_at
			) VALUES ($1, $2, $3, $4, $5, $6)
		`, p.ID, p.ConversationID, p.UserID, p.Role, p.IsActive, p.JoinedAt)
		if err != nil {
			return fmt.Errorf("failed to add participant: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// GetByID retrieves a conversation by ID
func (r *ConversationRepository) GetByID(id uuid.UUID) (*models.Conversation, error) {
	conv, err := scanConversation(r.db.QueryRow(
		`SELECT `+conversationColumns+` FROM conversations WHERE id = $1`, id))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("conversation not found")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get conversation: %w", err)
	}
	return conv, nil
}

// GetByDirectKey retrieves the direct conversation for an unordered pair
func (r *ConversationRepository) GetByDirectKey(key string) (*models.Conversation, error) {
	conv, err := scanConversation(r.db.QueryRow(
		`SELECT `+conversationColumns+` FROM conversations WHERE type = 'direct' AND direct_key = $1`, key))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("conversation not found")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get conversation: %w", err)
	}
	return conv, nil
}

// ListForUser retrieves a page of the user's conversations filtered by
// archive state, most recent activity first. The last-message preview is
// computed from the message type; list queries never decrypt.
func (r *ConversationRepository) ListForUser(userID uuid.UUID, archived bool, limit, offset int) ([]models.Conversation, error) {
	query := `
		SELECT c.id, c.type, c.name, c.description, c.avatar_url, c.owner_id,
		       c.direct_key, c.conversation_key, c.encryption_enabled,
		       c.last_message_id, c.last_message_at, c.message_count,
		       c.archived_at, c.created_at, c.updated_at,
		       m.message_type, COALESCE(jsonb_array_length(m.attachments), 0)
		FROM conversations c
		INNER JOIN conversation_participants cp
			ON c.id = cp.conversation_id AND cp.user_id = $1 AND cp.is_active
		LEFT JOIN messages m ON c.last_message_id = m.id
		WHERE ($2 AND c.archived_at IS NOT NULL) OR (NOT $2 AND c.archived_at IS NULL)
		ORDER BY c.last_message_at DESC NULLS LAST, c.created_at DESC
		LIMIT $3 OFFSET $4
	`

	rows, err := r.db.Query(query, userID, archived, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}
	defer rows.Close()

	conversations := []models.Conversation{}
	for rows.Next() {
		conv := models.Conversation{}
		var lastType *string
		var attachmentCount int
		err := rows.Scan(
			&conv.ID, &conv.Type, &conv.Name, &conv.Description, &conv.AvatarURL,
			&conv.OwnerID, &conv.DirectKey, &conv.ConversationKey,
			&conv.EncryptionEnabled, &conv.LastMessageID, &conv.LastMessageAt,
			&conv.MessageCount, &conv.ArchivedAt, &conv.CreatedAt, &conv.UpdatedAt,
			&lastType, &attachmentCount,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan conversation: %w", err)
		}
		if lastType != nil {
			preview := previewFor(models.MessageType(*lastType), attachmentCount)
			conv.LastMessagePreview = &preview
		}
		conversations = append(conversations, conv)
	}

	return conversations, nil
}

// ListConversationIDsForUser returns the ids of every conversation the
// user actively participates in, used for socket room joins.
func (r *ConversationRepository) ListConversationIDsForUser(userID uuid.UUID) ([]uuid.UUID, error) {
	rows, err := r.db.Query(`
		SELECT conversation_id FROM conversation_participants
		WHERE user_id = $1 AND is_active
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list conversation ids: %w", err)
	}
	defer rows.Close()

	ids := []uuid.UUID{}
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan conversation id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

const participantColumns = `
	id, conversation_id, user_id, role, is_active, joined_at, left_at,
	unread_count, last_read_at, muted, muted_until
`

func scanParticipant(row interface{ Scan(...interface{}) error }) (*models.Participant, error) {
	p := &models.Participant{}
	err := row.Scan(
		&p.ID, &p.ConversationID, &p.UserID, &p.Role, &p.IsActive,
		&p.JoinedAt, &p.LeftAt, &p.UnreadCount, &p.LastReadAt,
		&p.Muted, &p.MutedUntil,
	)
	if err != nil {
		return nil, err
	}
	return p, nil
}

// GetParticipant retrieves a participant row, active or not
func (r *ConversationRepository) GetParticipant(conversationID, userID uuid.UUID) (*models.Participant, error) {
	p, err := scanParticipant(r.db.QueryRow(
		`SELECT `+participantColumns+` FROM conversation_participants
		 WHERE conversation_id = $1 AND user_id = $2`, conversationID, userID))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("participant not found")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get participant: %w", err)
	}
	return p, nil
}

// ActiveParticipants retrieves the active roster ordered by join time
func (r *ConversationRepository) ActiveParticipants(conversationID uuid.UUID) ([]models.Participant, error) {
	rows, err := r.db.Query(
		`SELECT `+participantColumns+` FROM conversation_participants
		 WHERE conversation_id = $1 AND is_active
		 ORDER BY joined_at ASC`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to get participants: %w", err)
	}
	defer rows.Close()

	participants := []models.Participant{}
	for rows.Next() {
		p, err := scanParticipant(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan participant: %w", err)
		}
		participants = append(participants, *p)
	}
	return participants, nil
}

// CountActive counts active participants
func (r *ConversationRepository) CountActive(conversationID uuid.UUID) (int, error) {
	var count int
	err := r.db.QueryRow(`
		SELECT COUNT(*) FROM conversation_participants
		WHERE conversation_id = $1 AND is_active
	`, conversationID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count participants: %w", err)
	}
	return count, nil
}

// UpsertParticipant inserts a participant, or reactivates the existing
// row for the (conversation, user) pair. The pair is unique forever, so
// re-adding a removed user never duplicates.
func (r *ConversationRepository) UpsertParticipant(p *models.Participant) error {
	_, err := r.db.Exec(`
		INSERT INTO conversation_participants (
			id, conversation_id, user_id, role, is_active, joined_at
		) VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (conversation_id, user_id) DO UPDATE SET
			is_active = TRUE,
			left_at = NULL,
			role = EXCLUDED.role,
			joined_at = EXCLUDED.joined_at,
			unread_count = 0
	`, p.ID, p.ConversationID, p.UserID, p.Role, p.IsActive, p.JoinedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert participant: %w", err)
	}
	return nil
}

// DeactivateParticipant soft-deletes a membership row
func (r *ConversationRepository) DeactivateParticipant(conversationID, userID uuid.UUID, leftAt time.Time) error {
	result, err := r.db.Exec(`
		UPDATE conversation_participants
		SET is_active = FALSE, left_at = $3
		WHERE conversation_id = $1 AND user_id = $2 AND is_active
	`, conversationID, userID, leftAt)
	if err != nil {
		return fmt.Errorf("failed to deactivate participant: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("participant not found")
	}
	return nil
}

// SetParticipantRole updates a participant's role
func (r *ConversationRepository) SetParticipantRole(conversationID, userID uuid.UUID, role models.ParticipantRole) error {
	_, err := r.db.Exec(`
		UPDATE conversation_participants SET role = $3
		WHERE conversation_id = $1 AND user_id = $2
	`, conversationID, userID, role)
	if err != nil {
		return fmt.Errorf("failed to set role: %w", err)
	}
	return nil
}

// SetOwner updates the conversation's owner reference
func (r *ConversationRepository) SetOwner(conversationID, ownerID uuid.UUID) error {
	_, err := r.db.Exec(`
		UPDATE conversations SET owner_id = $2, updated_at = NOW() WHERE id = $1
	`, conversationID, ownerID)
	if err != nil {
		return fmt.Errorf("failed to set owner: %w", err)
	}
	return nil
}

// SetLastMessage updates the denormalized last-message reference
func (r *ConversationRepository) SetLastMessage(conversationID, messageID uuid.UUID, at time.Time) error {
	_, err := r.db.Exec(`
		UPDATE conversations
		SET last_message_id = $2, last_message_at = $3, updated_at = NOW()
		WHERE id = $1
	`, conversationID, messageID, at)
	if err != nil {
		return fmt.Errorf("failed to set last message: %w", err)
	}
	return nil
}

// AddMessageCount adjusts the message counter, floored at zero
func (r *ConversationRepository) AddMessageCount(conversationID uuid.UUID, delta int) error {
	_, err := r.db.Exec(`
		UPDATE conversations
		SET message_count = GREATEST(message_count + $2, 0), updated_at = NOW()
		WHERE id = $1
	`, conversationID, delta)
	if err != nil {
		return fmt.Errorf("failed to update message count: %w", err)
	}
	return nil
}

// AddUnreadExcept adjusts unread counters for every active participant
// but one (the sender), floored at zero
func (r *ConversationRepository) AddUnreadExcept(conversationID, exceptUserID uuid.UUID, delta int) error {
	_, err := r.db.Exec(`
		UPDATE conversation_participants
		SET unread_count = GREATEST(unread_count + $3, 0)
		WHERE conversation_id = $1 AND user_id != $2 AND is_active
	`, conversationID, exceptUserID, delta)
	if err != nil {
		return fmt.Errorf("failed to update unread counts: %w", err)
	}
	return nil
}

// AddUnread adjusts one participant's unread counter, floored at zero
func (r *ConversationRepository) AddUnread(conversationID, userID uuid.UUID, delta int) error {
	_, err := r.db.Exec(`
		UPDATE conversation_participants
		SET unread_count = GREATEST(unread_count + $3, 0)
		WHERE conversation_id = $1 AND user_id = $2
	`, conversationID, userID, delta)
	if err != nil {
		return fmt.Errorf("failed to update unread count: %w", err)
	}
	return nil
}

// ResetUnread zeroes the unread counter and advances last_read_at
func (r *ConversationRepository) ResetUnread(conversationID, userID uuid.UUID, lastReadAt time.Time) error {
	_, err := r.db.Exec(`
		UPDATE conversation_participants
		SET unread_count = 0, last_read_at = $3
		WHERE conversation_id = $1 AND user_id = $2
	`, conversationID, userID, lastReadAt)
	if err != nil {
		return fmt.Errorf("failed to reset unread count: %w", err)
	}
	return nil
}

// SetLastReadAt advances a participant's read position
func (r *ConversationRepository) SetLastReadAt(conversationID, userID uuid.UUID, at time.Time) error {
	_, err := r.db.Exec(`
		UPDATE conversation_participants
		SET last_read_at = GREATEST(COALESCE(last_read_at, 'epoch'::timestamptz), $3)
		WHERE conversation_id = $1 AND user_id = $2
	`, conversationID, userID, at)
	if err != nil {
		return fmt.Errorf("failed to set last read time: %w", err)
	}
	return nil
}

// SetArchived sets or clears the conversation-wide archive flag
func (r *ConversationRepository) SetArchived(conversationID uuid.UUID, archivedAt *time.Time) error {
	_, err := r.db.Exec(`
		UPDATE conversations SET archived_at = $2, updated_at = NOW() WHERE id = $1
	`, conversationID, archivedAt)
	if err != nil {
		return fmt.Errorf("failed to set archive state: %w", err)
	}
	return nil
}

// SetMuted updates a participant's mute state
func (r *ConversationRepository) SetMuted(conversationID, userID uuid.UUID, muted bool, until *time.Time) error {
	_, err := r.db.Exec(`
		UPDATE conversation_participants
		SET muted = $3, muted_until = $4
		WHERE conversation_id = $1 AND user_id = $2
	`, conversationID, userID, muted, until)
	if err != nil {
		return fmt.Errorf("failed to set mute state: %w", err)
	}
	return nil
}

// UpdateMetadata updates the provided group metadata fields
func (r *ConversationRepository) UpdateMetadata(conversationID uuid.UUID, name, description, avatarURL *string) error {
	_, err := r.db.Exec(`
		UPDATE conversations
		SET name = COALESCE($2, name),
		    description = COALESCE($3, description),
		    avatar_url = COALESCE($4, avatar_url),
		    updated_at = NOW()
		WHERE id = $1
	`, conversationID, name, description, avatarURL)
	if err != nil {
		return fmt.Errorf("failed to update metadata: %w", err)
	}
	return nil
}

func previewFor(t models.MessageType, attachmentCount int) string {
	m := models.Message{MessageType: t}
	if attachmentCount > 0 {
		m.Attachments = make([]models.Attachment, attachmentCount)
	}
	return m.Preview()
}
