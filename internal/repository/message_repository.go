package repository

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/relaychat/backend/internal/database"
	"github.com/relaychat/backend/internal/models"
)

type MessageRepository struct {
	db *database.DB
}

func NewMessageRepository(db *database.DB) *MessageRepository {
	return &MessageRepository{db: db}
}

const messageColumns = `
	id, conversation_id, sender_id, encrypted_content, content_hash,
	message_type, reply_to_id, attachments, is_edited, edited_at,
	deleted_at, deleted_by, is_pinned, pinned_at, pinned_by,
	forwarded_from_id, reactions_count, read_count, created_at, updated_at
`

func scanMessage(row interface{ Scan(...interface{}) error }) (*models.Message, error) {
	m := &models.Message{}
	var attachments []byte
	err := row.Scan(
		&m.ID, &m.ConversationID, &m.SenderID, &m.EncryptedContent,
		&m.ContentHash, &m.MessageType, &m.ReplyToID, &attachments,
		&m.IsEdited, &m.EditedAt, &m.DeletedAt, &m.DeletedBy,
		&m.IsPinned, &m.PinnedAt, &m.PinnedBy, &m.ForwardedFromID,
		&m.ReactionsCount, &m.ReadCount, &m.CreatedAt, &m.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if len(attachments) > 0 {
		if err := json.Unmarshal(attachments, &m.Attachments); err != nil {
			return nil, fmt.Errorf("failed to decode attachments: %w", err)
		}
	}
	return m, nil
}

// Create inserts a message
func (r *MessageRepository) Create(m *models.Message) error {
	attachments, err := json.Marshal(m.Attachments)
	if err != nil {
		return fmt.Errorf("failed to encode attachments: %w", err)
	}
	if m.Attachments == nil {
		attachments = []byte("[]")
	}

	_, err = r.db.Exec(`
		INSERT INTO messages (
			id, conversation_id, sender_id, encrypted_content, content_hash,
			message_type, reply_to_id, attachments, forwarded_from_id,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`,
		m.ID, m.ConversationID, m.SenderID, m.EncryptedContent,
		m.ContentHash, m.MessageType, m.ReplyToID, attachments,
		m.ForwardedFromID, m.CreatedAt, m.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create message: %w", err)
	}
	return nil
}

// GetByID retrieves a message by ID
func (r *MessageRepository) GetByID(id uuid.UUID) (*models.Message, error) {
	m, err := scanMessage(r.db.QueryRow(
		`SELECT `+messageColumns+` FROM messages WHERE id = $1`, id))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("message not found")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get message: %w", err)
	}
	return m, nil
}

// ListPage returns a newest-first page of a conversation's messages,
// excluding messages deleted for everyone and messages the viewer has
// deleted for themselves.
func (r *MessageRepository) ListPage(conversationID, viewerID uuid.UUID, limit, offset int, before *time.Time) ([]models.Message, error) {
	query := `
		SELECT m.id, m.conversation_id, m.sender_id, m.encrypted_content,
		       m.content_hash, m.message_type, m.reply_to_id, m.attachments,
		       m.is_edited, m.edited_at, m.deleted_at, m.deleted_by,
		       m.is_pinned, m.pinned_at, m.pinned_by, m.forwarded_from_id,
		       m.reactions_count, m.read_count, m.created_at, m.updated_at
		FROM messages m
		LEFT JOIN message_deletions md
			ON md.message_id = m.id AND md.user_id = $2
		WHERE m.conversation_id = $1
		  AND m.deleted_at IS NULL
		  AND md.id IS NULL
		  AND ($5::timestamptz IS NULL OR m.created_at < $5)
		ORDER BY m.created_at DESC
		LIMIT $3 OFFSET $4
	`

	rows, err := r.db.Query(query, conversationID, viewerID, limit, offset, before)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	defer rows.Close()

	return collectMessages(rows)
}

// SetContent replaces the ciphertext after an edit
func (r *MessageRepository) SetContent(id uuid.UUID, encryptedContent, contentHash string, editedAt time.Time) error {
	result, err := r.db.Exec(`
		UPDATE messages
		SET encrypted_content = $2, content_hash = $3,
		    is_edited = TRUE, edited_at = $4, updated_at = NOW()
		WHERE id = $1 AND deleted_at IS NULL
	`, id, encryptedContent, contentHash, editedAt)
	if err != nil {
		return fmt.Errorf("failed to update message: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("message not found")
	}
	return nil
}

// SoftDelete marks a message deleted for everyone
func (r *MessageRepository) SoftDelete(id, deletedBy uuid.UUID, at time.Time) error {
	result, err := r.db.Exec(`
		UPDATE messages
		SET deleted_at = $3, deleted_by = $2, updated_at = NOW()
		WHERE id = $1 AND deleted_at IS NULL
	`, id, deletedBy, at)
	if err != nil {
		return fmt.Errorf("failed to delete message: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("message not found")
	}
	return nil
}

// AddTombstone hides a message from one user only. Repeated deletes for
// the same user are a no-op.
func (r *MessageRepository) AddTombstone(messageID, userID uuid.UUID) error {
	_, err := r.db.Exec(`
		INSERT INTO message_deletions (id, message_id, user_id, deleted_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (message_id, user_id) DO NOTHING
	`, uuid.New(), messageID, userID)
	if err != nil {
		return fmt.Errorf("failed to add deletion record: %w", err)
	}
	return nil
}

// SetPinned pins or unpins a message
func (r *MessageRepository) SetPinned(id uuid.UUID, pinnedBy *uuid.UUID, at *time.Time) error {
	_, err := r.db.Exec(`
		UPDATE messages
		SET is_pinned = $2, pinned_by = $3, pinned_at = $4, updated_at = NOW()
		WHERE id = $1
	`, id, at != nil, pinnedBy, at)
	if err != nil {
		return fmt.Errorf("failed to set pin state: %w", err)
	}
	return nil
}

// ListPinned returns a conversation's pinned messages, newest pin first
func (r *MessageRepository) ListPinned(conversationID uuid.UUID, limit, offset int) ([]models.Message, error) {
	rows, err := r.db.Query(`
		SELECT `+messageColumns+` FROM messages
		WHERE conversation_id = $1 AND is_pinned AND deleted_at IS NULL
		ORDER BY pinned_at DESC
		LIMIT $2 OFFSET $3
	`, conversationID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list pinned messages: %w", err)
	}
	defer rows.Close()

	return collectMessages(rows)
}

// GetReaction retrieves one user's reaction by emoji
func (r *MessageRepository) GetReaction(messageID, userID uuid.UUID, emoji string) (*models.MessageReaction, error) {
	reaction := &models.MessageReaction{}
	err := r.db.QueryRow(`
		SELECT id, message_id, user_id, emoji, created_at
		FROM message_reactions
		WHERE message_id = $1 AND user_id = $2 AND emoji = $3
	`, messageID, userID, emoji).Scan(
		&reaction.ID, &reaction.MessageID, &reaction.UserID,
		&reaction.Emoji, &reaction.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get reaction: %w", err)
	}
	return reaction, nil
}

// AddReaction inserts a reaction
func (r *MessageRepository) AddReaction(reaction *models.MessageReaction) error {
	_, err := r.db.Exec(`
		INSERT INTO message_reactions (id, message_id, user_id, emoji, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (message_id, user_id, emoji) DO NOTHING
	`, reaction.ID, reaction.MessageID, reaction.UserID, reaction.Emoji, reaction.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to add reaction: %w", err)
	}
	return nil
}

// RemoveReaction deletes a reaction
func (r *MessageRepository) RemoveReaction(messageID, userID uuid.UUID, emoji string) error {
	_, err := r.db.Exec(`
		DELETE FROM message_reactions
		WHERE message_id = $1 AND user_id = $2 AND emoji = $3
	`, messageID, userID, emoji)
	if err != nil {
		return fmt.Errorf("failed to remove reaction: %w", err)
	}
	return nil
}

// AddReactionsCount adjusts the denormalized reaction counter, floored
// at zero
func (r *MessageRepository) AddReactionsCount(messageID uuid.UUID, delta int) error {
	_, err := r.db.Exec(`
		UPDATE messages
		SET reactions_count = GREATEST(reactions_count + $2, 0)
		WHERE id = $1
	`, messageID, delta)
	if err != nil {
		return fmt.Errorf("failed to update reaction count: %w", err)
	}
	return nil
}

// ReactionsFor groups reactions by emoji for a batch of messages
func (r *MessageRepository) ReactionsFor(messageIDs []uuid.UUID) (map[uuid.UUID][]models.ReactionGroup, error) {
	result := make(map[uuid.UUID][]models.ReactionGroup)
	if len(messageIDs) == 0 {
		return result, nil
	}

	rows, err := r.db.Query(`
		SELECT message_id, emoji, user_id
		FROM message_reactions
		WHERE message_id = ANY($1)
		ORDER BY message_id, emoji, created_at
	`, pq.Array(uuidStrings(messageIDs)))
	if err != nil {
		return nil, fmt.Errorf("failed to get reactions: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var messageID, userID uuid.UUID
		var emoji string
		if err := rows.Scan(&messageID, &emoji, &userID); err != nil {
			return nil, fmt.Errorf("failed to scan reaction: %w", err)
		}

		groups := result[messageID]
		if n := len(groups); n > 0 && groups[n-1].Emoji == emoji {
			groups[n-1].Count++
			groups[n-1].UserIDs = append(groups[n-1].UserIDs, userID)
		} else {
			groups = append(groups, models.ReactionGroup{
				Emoji:   emoji,
				Count:   1,
				UserIDs: []uuid.UUID{userID},
			})
		}
		result[messageID] = groups
	}

	return result, nil
}

// GetRead retrieves one user's read receipt
func (r *MessageRepository) GetRead(messageID, userID uuid.UUID) (*models.MessageRead, error) {
	read := &models.MessageRead{}
	err := r.db.QueryRow(`
		SELECT id, message_id, user_id, read_at
		FROM message_reads
		WHERE message_id = $1 AND user_id = $2
	`, messageID, userID).Scan(&read.ID, &read.MessageID, &read.UserID, &read.ReadAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get read receipt: %w", err)
	}
	return read, nil
}

// AddRead inserts a read receipt. inserted reports whether the row is
// new; a concurrent duplicate comes back false so callers skip the
// counter bump.
func (r *MessageRepository) AddRead(read *models.MessageRead) (bool, error) {
	result, err := r.db.Exec(`
		INSERT INTO message_reads (id, message_id, user_id, read_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (message_id, user_id) DO NOTHING
	`, read.ID, read.MessageID, read.UserID, read.ReadAt)
	if err != nil {
		return false, fmt.Errorf("failed to add read receipt: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rows > 0, nil
}

// ReadsFor returns the viewer's read times for a batch of messages
func (r *MessageRepository) ReadsFor(messageIDs []uuid.UUID, userID uuid.UUID) (map[uuid.UUID]time.Time, error) {
	result := make(map[uuid.UUID]time.Time)
	if len(messageIDs) == 0 {
		return result, nil
	}

	rows, err := r.db.Query(`
		SELECT message_id, read_at
		FROM message_reads
		WHERE user_id = $1 AND message_id = ANY($2)
	`, userID, pq.Array(uuidStrings(messageIDs)))
	if err != nil {
		return nil, fmt.Errorf("failed to get read receipts: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var messageID uuid.UUID
		var readAt time.Time
		if err := rows.Scan(&messageID, &readAt); err != nil {
			return nil, fmt.Errorf("failed to scan read receipt: %w", err)
		}
		result[messageID] = readAt
	}

	return result, nil
}

// AddReadCount adjusts the denormalized read counter, floored at zero
func (r *MessageRepository) AddReadCount(messageID uuid.UUID, delta int) error {
	_, err := r.db.Exec(`
		UPDATE messages
		SET read_count = GREATEST(read_count + $2, 0)
		WHERE id = $1
	`, messageID, delta)
	if err != nil {
		return fmt.Errorf("failed to update read count: %w", err)
	}
	return nil
}

// UnreadIDsSince lists messages the user has not read: created after
// since, sent by someone else, not deleted, and without a receipt.
func (r *MessageRepository) UnreadIDsSince(conversationID, userID uuid.UUID, since time.Time) ([]uuid.UUID, error) {
	rows, err := r.db.Query(`
		SELECT m.id
		FROM messages m
		LEFT JOIN message_reads mr
			ON mr.message_id = m.id AND mr.user_id = $2
		WHERE m.conversation_id = $1
		  AND m.sender_id != $2
		  AND m.created_at > $3
		  AND m.deleted_at IS NULL
		  AND mr.id IS NULL
		ORDER BY m.created_at ASC
	`, conversationID, userID, since)
	if err != nil {
		return nil, fmt.Errorf("failed to list unread messages: %w", err)
	}
	defer rows.Close()

	ids := []uuid.UUID{}
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan message id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// AddReads bulk-inserts read receipts and bumps each message's read
// counter, all in one transaction. Returns how many receipts were new.
func (r *MessageRepository) AddReads(userID uuid.UUID, messageIDs []uuid.UUID, at time.Time) (int, error) {
	if len(messageIDs) == 0 {
		return 0, nil
	}

	tx, err := r.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	inserted := 0
	for _, messageID := range messageIDs {
		result, err := tx.Exec(`
			INSERT INTO message_reads (id, message_id, user_id, read_at)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (message_id, user_id) DO NOTHING
		`, uuid.New(), messageID, userID, at)
		if err != nil {
			return 0, fmt.Errorf("failed to add read receipt: %w", err)
		}
		rows, err := result.RowsAffected()
		if err != nil {
			return 0, fmt.Errorf("failed to get rows affected: %w", err)
		}
		if rows == 0 {
			continue
		}
		inserted++

		_, err = tx.Exec(`
			UPDATE messages SET read_count = read_count + 1 WHERE id = $1
		`, messageID)
		if err != nil {
			return 0, fmt.Errorf("failed to update read count: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return inserted, nil
}

func collectMessages(rows *sql.Rows) ([]models.Message, error) {
	messages := []models.Message{}
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		messages = append(messages, *m)
	}
	return messages, nil
}
