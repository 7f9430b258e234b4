package service

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/relaychat/backend/internal/apperrors"
	"github.com/relaychat/backend/internal/encryption"
	"github.com/relaychat/backend/internal/models"
)

// MessageService is the pipeline every message mutation flows through:
// membership check, encryption, persistence, denormalized counters, then
// best-effort fan-out and notifications.
type MessageService struct {
	msgs      MessageStore
	convs     ConversationStore
	keys      *encryption.KeyManager
	broadcast Broadcaster
	notifier  Notifier
	log       *zap.Logger
}

func NewMessageService(
	msgs MessageStore,
	convs ConversationStore,
	keys *encryption.KeyManager,
	broadcast Broadcaster,
	notifier Notifier,
	log *zap.Logger,
) *MessageService {
	return &MessageService{
		msgs:      msgs,
		convs:     convs,
		keys:      keys,
		broadcast: broadcast,
		notifier:  notifier,
		log:       log,
	}
}

// ReactionResult reports which way a reaction toggle went.
type ReactionResult struct {
	Removed  bool                    `json:"removed"`
	Reaction *models.MessageReaction `json:"reaction,omitempty"`
}

// Send validates, encrypts and persists a message, updates conversation
// counters, and fans the decrypted message out to the room. The returned
// message carries plaintext content for the caller's immediate display.
func (s *MessageService) Send(conversationID, senderID uuid.UUID, req *models.SendMessageRequest) (*models.Message, error) {
	if _, err := s.requireActiveParticipant(conversationID, senderID); err != nil {
		return nil, err
	}

	conv, err := s.convs.GetByID(conversationID)
	if err != nil {
		return nil, apperrors.NotFound("conversation not found")
	}

	content := strings.TrimSpace(req.Content)
	if content == "" && len(req.Attachments) == 0 {
		return nil, apperrors.BadRequest("a message needs content or at least one attachment")
	}

	msgType := req.MessageType
	if msgType == "" {
		msgType = models.MessageText
	}
	if !models.ValidMessageType(msgType) {
		return nil, apperrors.BadRequest("invalid message type")
	}

	for i := range req.Attachments {
		if err := req.Attachments[i].Validate(); err != nil {
			return nil, apperrors.BadRequest(err.Error())
		}
	}

	if req.ReplyTo != nil {
		target, err := s.msgs.GetByID(*req.ReplyTo)
		if err != nil {
			return nil, apperrors.NotFound("reply target not found")
		}
		if target.DeletedAt != nil {
			return nil, apperrors.BadRequest("cannot reply to a deleted message")
		}
		if target.ConversationID != conversationID {
			return nil, apperrors.BadRequest("reply target belongs to another conversation")
		}
	}

	key, err := s.conversationKey(conv)
	if err != nil {
		return nil, err
	}

	// Attachment-only messages still get a real ciphertext envelope for
	// the empty string.
	env, err := encryption.Encrypt(content, key)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeBadRequest, "failed to encrypt message", err)
	}
	stored, err := env.Marshal()
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeInternal, "failed to serialize envelope", err)
	}

	now := time.Now()
	msg := &models.Message{
		ID:               uuid.New(),
		ConversationID:   conversationID,
		SenderID:         senderID,
		EncryptedContent: stored,
		ContentHash:      encryption.Hash(content),
		MessageType:      msgType,
		ReplyToID:        req.ReplyTo,
		ForwardedFromID:  req.ForwardedFrom,
		Attachments:      req.Attachments,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if msg.Attachments == nil {
		msg.Attachments = []models.Attachment{}
	}

	if err := s.msgs.Create(msg); err != nil {
		return nil, apperrors.Wrap(apperrors.CodeInternal, "failed to save message", err)
	}

	// Persistence is the durability boundary; everything below is
	// best-effort and never fails the send.
	if err := s.convs.SetLastMessage(conversationID, msg.ID, now); err != nil {
		s.log.Warn("failed to update last message", zap.Error(err))
	}
	if err := s.convs.AddMessageCount(conversationID, 1); err != nil {
		s.log.Warn("failed to bump message count", zap.Error(err))
	}
	if err := s.convs.AddUnreadExcept(conversationID, senderID, 1); err != nil {
		s.log.Warn("failed to bump unread counts", zap.Error(err))
	}

	msg.Content = content

	s.broadcast.Emit(models.ConversationRoom(conversationID), models.EventMessageSent, msg)
	s.notifyRecipients(conv, msg)

	return msg, nil
}

// GetMessages returns a page of messages for a participant, oldest first.
// Messages deleted for everyone and messages the viewer tombstoned are
// excluded; a message that fails to decrypt is returned with empty
// content rather than failing the page.
func (s *MessageService) GetMessages(conversationID, userID uuid.UUID, q *models.GetMessagesQuery) ([]models.Message, error) {
	if _, err := s.requireActiveParticipant(conversationID, userID); err != nil {
		return nil, err
	}

	conv, err := s.convs.GetByID(conversationID)
	if err != nil {
		return nil, apperrors.NotFound("conversation not found")
	}

	limit, offset := pageBounds(q.Page, q.Limit)
	msgs, err := s.msgs.ListPage(conversationID, userID, limit, offset, q.Before)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeInternal, "failed to load messages", err)
	}

	s.decorate(conv, userID, msgs)

	// Fetched newest-first for pagination, served oldest-first for display.
	reverse(msgs)
	return msgs, nil
}

// Edit re-encrypts a message's content. Only the sender may edit, and
// only while the message is not deleted.
func (s *MessageService) Edit(messageID, userID uuid.UUID, newContent string) (*models.Message, error) {
	msg, err := s.msgs.GetByID(messageID)
	if err != nil {
		return nil, apperrors.NotFound("message not found")
	}
	if msg.SenderID != userID {
		return nil, apperrors.Forbidden("only the sender can edit a message")
	}
	if msg.DeletedAt != nil {
		return nil, apperrors.BadRequest("cannot edit a deleted message")
	}

	content := strings.TrimSpace(newContent)
	if content == "" {
		return nil, apperrors.BadRequest("message content cannot be empty")
	}

	conv, err := s.convs.GetByID(msg.ConversationID)
	if err != nil {
		return nil, apperrors.NotFound("conversation not found")
	}
	key, err := s.conversationKey(conv)
	if err != nil {
		return nil, err
	}

	env, err := encryption.Encrypt(content, key)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeBadRequest, "failed to encrypt message", err)
	}
	stored, err := env.Marshal()
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeInternal, "failed to serialize envelope", err)
	}

	now := time.Now()
	if err := s.msgs.SetContent(messageID, stored, encryption.Hash(content), now); err != nil {
		return nil, apperrors.Wrap(apperrors.CodeInternal, "failed to update message", err)
	}

	msg.EncryptedContent = stored
	msg.ContentHash = encryption.Hash(content)
	msg.Content = content
	msg.IsEdited = true
	msg.EditedAt = &now

	s.broadcast.Emit(models.ConversationRoom(msg.ConversationID), models.EventMessageEdited, msg)
	return msg, nil
}

// Delete removes a message either for everyone (sender or moderator;
// soft-delete plus message-count decrement) or just for the caller
// (per-user tombstone). Both scopes broadcast the scope so clients can
// tell them apart.
func (s *MessageService) Delete(messageID, userID uuid.UUID, scope string) error {
	if scope != "me" && scope != "everyone" {
		return apperrors.BadRequest("deleteFor must be 'me' or 'everyone'")
	}

	msg, err := s.msgs.GetByID(messageID)
	if err != nil {
		return apperrors.NotFound("message not found")
	}

	participant, err := s.requireActiveParticipant(msg.ConversationID, userID)
	if err != nil {
		return err
	}

	if scope == "everyone" {
		if msg.SenderID != userID && !participant.CanModerate() {
			return apperrors.Forbidden("cannot delete this message for everyone")
		}
		if msg.DeletedAt == nil {
			if err := s.msgs.SoftDelete(messageID, userID, time.Now()); err != nil {
				return apperrors.Wrap(apperrors.CodeInternal, "failed to delete message", err)
			}
			if err := s.convs.AddMessageCount(msg.ConversationID, -1); err != nil {
				s.log.Warn("failed to decrement message count", zap.Error(err))
			}
		}
	} else {
		if err := s.msgs.AddTombstone(messageID, userID); err != nil {
			return apperrors.Wrap(apperrors.CodeInternal, "failed to delete message", err)
		}
	}

	s.broadcast.Emit(models.ConversationRoom(msg.ConversationID), models.EventMessageDeleted, map[string]interface{}{
		"message_id":      messageID,
		"conversation_id": msg.ConversationID,
		"deleted_by":      userID,
		"deleteFor":       scope,
	})
	return nil
}

// ToggleReaction adds the (message, user, emoji) reaction, or removes it
// when it already exists. The counter is floored at zero.
func (s *MessageService) ToggleReaction(messageID, userID uuid.UUID, emoji string) (*ReactionResult, error) {
	if err := models.ValidateEmoji(emoji); err != nil {
		return nil, apperrors.BadRequest(err.Error())
	}

	msg, err := s.msgs.GetByID(messageID)
	if err != nil {
		return nil, apperrors.NotFound("message not found")
	}
	if _, err := s.requireActiveParticipant(msg.ConversationID, userID); err != nil {
		return nil, err
	}

	var result ReactionResult
	if existing, err := s.msgs.GetReaction(messageID, userID, emoji); err == nil && existing != nil {
		if err := s.msgs.RemoveReaction(messageID, userID, emoji); err != nil {
			return nil, apperrors.Wrap(apperrors.CodeInternal, "failed to remove reaction", err)
		}
		if err := s.msgs.AddReactionsCount(messageID, -1); err != nil {
			s.log.Warn("failed to decrement reaction count", zap.Error(err))
		}
		result.Removed = true
	} else {
		reaction := &models.MessageReaction{
			ID:        uuid.New(),
			MessageID: messageID,
			UserID:    userID,
			Emoji:     emoji,
			CreatedAt: time.Now(),
		}
		if err := s.msgs.AddReaction(reaction); err != nil {
			return nil, apperrors.Wrap(apperrors.CodeInternal, "failed to add reaction", err)
		}
		if err := s.msgs.AddReactionsCount(messageID, 1); err != nil {
			s.log.Warn("failed to increment reaction count", zap.Error(err))
		}
		result.Reaction = reaction
	}

	s.broadcast.Emit(models.ConversationRoom(msg.ConversationID), models.EventMessageReaction, map[string]interface{}{
		"message_id":      messageID,
		"conversation_id": msg.ConversationID,
		"user_id":         userID,
		"emoji":           emoji,
		"removed":         result.Removed,
	})
	return &result, nil
}

// MarkRead records a read receipt. Re-marking is a no-op returning the
// existing receipt; the unread counter is decremented at most once.
func (s *MessageService) MarkRead(messageID, userID uuid.UUID) (*models.MessageRead, error) {
	msg, err := s.msgs.GetByID(messageID)
	if err != nil {
		return nil, apperrors.NotFound("message not found")
	}
	if _, err := s.requireActiveParticipant(msg.ConversationID, userID); err != nil {
		return nil, err
	}

	if existing, err := s.msgs.GetRead(messageID, userID); err == nil && existing != nil {
		return existing, nil
	}

	receipt := &models.MessageRead{
		ID:        uuid.New(),
		MessageID: messageID,
		UserID:    userID,
		ReadAt:    time.Now(),
	}
	inserted, err := s.msgs.AddRead(receipt)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeInternal, "failed to mark as read", err)
	}
	if !inserted {
		// Raced with another reader of the same message.
		if existing, err := s.msgs.GetRead(messageID, userID); err == nil && existing != nil {
			return existing, nil
		}
		return receipt, nil
	}

	if err := s.msgs.AddReadCount(messageID, 1); err != nil {
		s.log.Warn("failed to increment read count", zap.Error(err))
	}
	if err := s.convs.AddUnread(msg.ConversationID, userID, -1); err != nil {
		s.log.Warn("failed to decrement unread count", zap.Error(err))
	}
	if err := s.convs.SetLastReadAt(msg.ConversationID, userID, receipt.ReadAt); err != nil {
		s.log.Warn("failed to update last read time", zap.Error(err))
	}

	s.broadcast.Emit(models.ConversationRoom(msg.ConversationID), models.EventMessageRead, map[string]interface{}{
		"message_id":      messageID,
		"conversation_id": msg.ConversationID,
		"user_id":         userID,
		"read_at":         receipt.ReadAt,
	})
	return receipt, nil
}

// MarkAllRead receipts every unread message after the participant's last
// read point, zeroes the unread counter and advances last_read_at.
// Returns the number of newly marked messages.
func (s *MessageService) MarkAllRead(conversationID, userID uuid.UUID) (int, error) {
	participant, err := s.requireActiveParticipant(conversationID, userID)
	if err != nil {
		return 0, err
	}

	since := time.Time{}
	if participant.LastReadAt != nil {
		since = *participant.LastReadAt
	}

	ids, err := s.msgs.UnreadIDsSince(conversationID, userID, since)
	if err != nil {
		return 0, apperrors.Wrap(apperrors.CodeInternal, "failed to collect unread messages", err)
	}

	now := time.Now()
	marked := 0
	if len(ids) > 0 {
		marked, err = s.msgs.AddReads(userID, ids, now)
		if err != nil {
			return 0, apperrors.Wrap(apperrors.CodeInternal, "failed to mark messages as read", err)
		}
	}

	if err := s.convs.ResetUnread(conversationID, userID, now); err != nil {
		s.log.Warn("failed to reset unread count", zap.Error(err))
	}

	if len(ids) > 0 {
		s.broadcast.Emit(models.ConversationRoom(conversationID), models.EventMessagesRead, map[string]interface{}{
			"conversation_id": conversationID,
			"user_id":         userID,
			"message_ids":     ids,
		})
	}
	return marked, nil
}

// SetPinned pins or unpins a message. Owner/admin only.
func (s *MessageService) SetPinned(messageID, userID uuid.UUID, pin bool) (*models.Message, error) {
	msg, err := s.msgs.GetByID(messageID)
	if err != nil {
		return nil, apperrors.NotFound("message not found")
	}
	participant, err := s.requireActiveParticipant(msg.ConversationID, userID)
	if err != nil {
		return nil, err
	}
	if !participant.CanModerate() {
		return nil, apperrors.Forbidden("only the owner or admins can pin messages")
	}

	if pin {
		now := time.Now()
		if err := s.msgs.SetPinned(messageID, &userID, &now); err != nil {
			return nil, apperrors.Wrap(apperrors.CodeInternal, "failed to pin message", err)
		}
		msg.IsPinned, msg.PinnedAt, msg.PinnedBy = true, &now, &userID
	} else {
		if err := s.msgs.SetPinned(messageID, nil, nil); err != nil {
			return nil, apperrors.Wrap(apperrors.CodeInternal, "failed to unpin message", err)
		}
		msg.IsPinned, msg.PinnedAt, msg.PinnedBy = false, nil, nil
	}

	s.broadcast.Emit(models.ConversationRoom(msg.ConversationID), models.EventMessagePinned, map[string]interface{}{
		"message_id":      messageID,
		"conversation_id": msg.ConversationID,
		"pinned":          pin,
		"pinned_by":       userID,
	})
	return msg, nil
}

// ListPinned returns the conversation's pinned messages, decrypted.
func (s *MessageService) ListPinned(conversationID, userID uuid.UUID, page, limit int) ([]models.Message, error) {
	if _, err := s.requireActiveParticipant(conversationID, userID); err != nil {
		return nil, err
	}
	conv, err := s.convs.GetByID(conversationID)
	if err != nil {
		return nil, apperrors.NotFound("conversation not found")
	}

	boundedLimit, offset := pageBounds(page, limit)
	msgs, err := s.msgs.ListPinned(conversationID, boundedLimit, offset)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeInternal, "failed to load pinned messages", err)
	}

	s.decorate(conv, userID, msgs)
	return msgs, nil
}

// Search returns a participant-gated page of messages. Content is
// encrypted at rest, so no server-side filtering happens here: the
// client re-filters on decrypted content.
func (s *MessageService) Search(conversationID, userID uuid.UUID, query string, page, limit int) ([]models.Message, error) {
	if _, err := s.requireActiveParticipant(conversationID, userID); err != nil {
		return nil, err
	}
	if strings.TrimSpace(query) == "" {
		return nil, apperrors.BadRequest("search query is required")
	}

	conv, err := s.convs.GetByID(conversationID)
	if err != nil {
		return nil, apperrors.NotFound("conversation not found")
	}

	boundedLimit, offset := pageBounds(page, limit)
	msgs, err := s.msgs.ListPage(conversationID, userID, boundedLimit, offset, nil)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeInternal, "failed to search messages", err)
	}

	s.decorate(conv, userID, msgs)
	reverse(msgs)
	return msgs, nil
}

// decorate decrypts content and attaches the viewer's receipts and the
// grouped reactions. A failed decrypt degrades that one message to empty
// content and never aborts the batch.
func (s *MessageService) decorate(conv *models.Conversation, viewerID uuid.UUID, msgs []models.Message) {
	if len(msgs) == 0 {
		return
	}

	key, keyErr := s.conversationKey(conv)

	ids := make([]uuid.UUID, len(msgs))
	for i := range msgs {
		ids[i] = msgs[i].ID
	}

	reads, err := s.msgs.ReadsFor(ids, viewerID)
	if err != nil {
		s.log.Warn("failed to load read receipts", zap.Error(err))
		reads = map[uuid.UUID]time.Time{}
	}
	reactions, err := s.msgs.ReactionsFor(ids)
	if err != nil {
		s.log.Warn("failed to load reactions", zap.Error(err))
		reactions = map[uuid.UUID][]models.ReactionGroup{}
	}

	for i := range msgs {
		m := &msgs[i]
		m.Content = ""
		if keyErr == nil && m.DeletedAt == nil {
			if env, err := encryption.ParseEnvelope(m.EncryptedContent); err == nil {
				if plain, err := encryption.Decrypt(env, key); err == nil {
					m.Content = plain
				} else {
					s.log.Warn("message decrypt failed",
						zap.String("message_id", m.ID.String()), zap.Error(err))
				}
			}
		}
		if readAt, ok := reads[m.ID]; ok {
			t := readAt
			m.ReadAt = &t
		}
		if groups, ok := reactions[m.ID]; ok {
			m.Reactions = groups
		}
	}
}

func (s *MessageService) conversationKey(conv *models.Conversation) ([]byte, error) {
	key, err := s.keys.UnwrapConversationKey(conv.ConversationKey)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeBadRequest, "conversation key unavailable", err)
	}
	return key, nil
}

func (s *MessageService) requireActiveParticipant(conversationID, userID uuid.UUID) (*models.Participant, error) {
	p, err := s.convs.GetParticipant(conversationID, userID)
	if err != nil || !p.IsActive {
		return nil, apperrors.Forbidden("not a participant of this conversation")
	}
	return p, nil
}

// notifyRecipients dispatches async notifications to every active
// participant except the sender, skipping muted ones. Failures only log.
func (s *MessageService) notifyRecipients(conv *models.Conversation, msg *models.Message) {
	participants, err := s.convs.ActiveParticipants(conv.ID)
	if err != nil {
		s.log.Warn("failed to load recipients for notification", zap.Error(err))
		return
	}

	now := time.Now()
	for _, p := range participants {
		if p.UserID == msg.SenderID || p.IsMuted(now) {
			continue
		}
		recipient := p.UserID
		go func() {
			err := s.notifier.CreateNotification(recipient, "new_message", map[string]interface{}{
				"conversation_id": conv.ID,
				"message_id":      msg.ID,
				"sender_id":       msg.SenderID,
				"preview":         msg.Preview(),
			}, "normal")
			if err != nil {
				s.log.Warn("notification dispatch failed",
					zap.String("user_id", recipient.String()), zap.Error(err))
			}
		}()
	}
}

func reverse(msgs []models.Message) {
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
}
