package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/relaychat/backend/internal/apperrors"
	"github.com/relaychat/backend/internal/models"
	"github.com/relaychat/backend/internal/service"
)

// TypingReporter answers which users currently have a live typing
// indicator. The socket hub satisfies it.
type TypingReporter interface {
	TypingUsers(conversationID uuid.UUID) ([]uuid.UUID, error)
}

type ConversationHandler struct {
	conversations *service.ConversationService
	typing        TypingReporter
}

func NewConversationHandler(conversations *service.ConversationService, typing TypingReporter) *ConversationHandler {
	return &ConversationHandler{conversations: conversations, typing: typing}
}

// CreateDirect creates or returns the direct conversation with another user
func (h *ConversationHandler) CreateDirect(c *gin.Context) {
	var req models.CreateDirectConversationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		Error(c, apperrors.BadRequest(err.Error()))
		return
	}

	conv, err := h.conversations.CreateDirect(currentUserID(c), req.OtherUserID)
	if err != nil {
		Error(c, err)
		return
	}

	OK(c, http.StatusOK, "Conversation ready", conv)
}

// CreateGroup creates a group conversation
func (h *ConversationHandler) CreateGroup(c *gin.Context) {
	var req models.CreateGroupConversationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		Error(c, apperrors.BadRequest(err.Error()))
		return
	}

	conv, err := h.conversations.CreateGroup(currentUserID(c), &req)
	if err != nil {
		Error(c, err)
		return
	}

	OK(c, http.StatusCreated, "Group created", conv)
}

// List returns a page of the user's conversations
func (h *ConversationHandler) List(c *gin.Context) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))
	archived := c.Query("archived") == "true"

	conversations, err := h.conversations.ListForUser(currentUserID(c), archived, page, limit)
	if err != nil {
		Error(c, err)
		return
	}

	OKPage(c, "", conversations, page, limit)
}

// Get returns one conversation with its roster
func (h *ConversationHandler) Get(c *gin.Context) {
	conversationID, ok := pathUUID(c, "id")
	if !ok {
		return
	}

	conv, err := h.conversations.GetByID(conversationID, currentUserID(c))
	if err != nil {
		Error(c, err)
		return
	}

	OK(c, http.StatusOK, "", conv)
}

// AddParticipants adds users to a group conversation
func (h *ConversationHandler) AddParticipants(c *gin.Context) {
	conversationID, ok := pathUUID(c, "id")
	if !ok {
		return
	}

	var req models.AddParticipantsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		Error(c, apperrors.BadRequest(err.Error()))
		return
	}

	conv, err := h.conversations.AddParticipants(conversationID, currentUserID(c), req.ParticipantIDs)
	if err != nil {
		Error(c, err)
		return
	}

	OK(c, http.StatusOK, "Participants added", conv)
}

// RemoveParticipant removes a user from a group, or the caller leaves
func (h *ConversationHandler) RemoveParticipant(c *gin.Context) {
	conversationID, ok := pathUUID(c, "id")
	if !ok {
		return
	}
	targetID, ok := pathUUID(c, "userId")
	if !ok {
		return
	}

	err := h.conversations.RemoveParticipant(conversationID, currentUserID(c), targetID)
	if err != nil {
		Error(c, err)
		return
	}

	OK(c, http.StatusOK, "Participant removed", nil)
}

// Update changes group metadata
func (h *ConversationHandler) Update(c *gin.Context) {
	conversationID, ok := pathUUID(c, "id")
	if !ok {
		return
	}

	var req models.UpdateConversationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		Error(c, apperrors.BadRequest(err.Error()))
		return
	}

	conv, err := h.conversations.UpdateMetadata(conversationID, currentUserID(c), &req)
	if err != nil {
		Error(c, err)
		return
	}

	OK(c, http.StatusOK, "Conversation updated", conv)
}

// Archive sets or clears the archive flag
func (h *ConversationHandler) Archive(c *gin.Context) {
	conversationID, ok := pathUUID(c, "id")
	if !ok {
		return
	}

	var req models.ArchiveConversationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		Error(c, apperrors.BadRequest(err.Error()))
		return
	}

	if err := h.conversations.SetArchived(conversationID, currentUserID(c), req.Archive); err != nil {
		Error(c, err)
		return
	}

	OK(c, http.StatusOK, "Archive state updated", nil)
}

// Typing lists the users currently typing in a conversation
func (h *ConversationHandler) Typing(c *gin.Context) {
	conversationID, ok := pathUUID(c, "id")
	if !ok {
		return
	}

	// Membership gate; the roster itself is discarded
	if _, err := h.conversations.GetByID(conversationID, currentUserID(c)); err != nil {
		Error(c, err)
		return
	}

	userIDs, err := h.typing.TypingUsers(conversationID)
	if err != nil {
		Error(c, apperrors.Wrap(apperrors.CodeInternal, "failed to load typing users", err))
		return
	}

	OK(c, http.StatusOK, "", gin.H{"user_ids": userIDs})
}

// Mute sets or clears the caller's mute state
func (h *ConversationHandler) Mute(c *gin.Context) {
	conversationID, ok := pathUUID(c, "id")
	if !ok {
		return
	}

	var req models.MuteConversationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		Error(c, apperrors.BadRequest(err.Error()))
		return
	}

	if err := h.conversations.SetMuted(conversationID, currentUserID(c), req.Mute, req.MuteUntil); err != nil {
		Error(c, err)
		return
	}

	OK(c, http.StatusOK, "Mute state updated", nil)
}
