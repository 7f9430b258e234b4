package handlers

import (
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/relaychat/backend/internal/apperrors"
	"github.com/relaychat/backend/internal/models"
	"github.com/relaychat/backend/internal/service"
	"github.com/relaychat/backend/internal/storage"
)

type MessageHandler struct {
	messages       *service.MessageService
	store          storage.ObjectStore
	maxAttachments int
}

func NewMessageHandler(messages *service.MessageService, store storage.ObjectStore, maxAttachments int) *MessageHandler {
	return &MessageHandler{
		messages:       messages,
		store:          store,
		maxAttachments: maxAttachments,
	}
}

// Send creates a message. Accepts JSON, or multipart/form-data when the
// client attaches files under the "attachments" field.
func (h *MessageHandler) Send(c *gin.Context) {
	conversationID, ok := pathUUID(c, "id")
	if !ok {
		return
	}

	var req models.SendMessageRequest
	var uploaded []models.Attachment

	if strings.HasPrefix(c.ContentType(), "multipart/form-data") {
		if err := c.ShouldBind(&req); err != nil {
			Error(c, apperrors.BadRequest(err.Error()))
			return
		}

		attachments, err := h.saveAttachments(c)
		if err != nil {
			Error(c, err)
			return
		}
		uploaded = attachments
		req.Attachments = attachments
	} else {
		if err := c.ShouldBindJSON(&req); err != nil {
			Error(c, apperrors.BadRequest(err.Error()))
			return
		}
	}

	msg, err := h.messages.Send(conversationID, currentUserID(c), &req)
	if err != nil {
		h.discardUploads(uploaded)
		Error(c, err)
		return
	}

	OK(c, http.StatusCreated, "Message sent", msg)
}

// saveAttachments uploads multipart files and returns their descriptors
func (h *MessageHandler) saveAttachments(c *gin.Context) ([]models.Attachment, error) {
	form, err := c.MultipartForm()
	if err != nil {
		return nil, apperrors.BadRequest("invalid multipart form")
	}

	files := form.File["attachments"]
	if len(files) == 0 {
		return nil, nil
	}
	if len(files) > h.maxAttachments {
		return nil, apperrors.BadRequest(fmt.Sprintf("at most %d attachments per message", h.maxAttachments))
	}

	attachments := make([]models.Attachment, 0, len(files))
	for _, file := range files {
		if file.Size <= 0 || file.Size > models.MaxAttachmentSize {
			h.discardUploads(attachments)
			return nil, apperrors.BadRequest("attachment size must be 1 byte to 5MB")
		}

		src, err := file.Open()
		if err != nil {
			h.discardUploads(attachments)
			return nil, apperrors.Wrap(apperrors.CodeInternal, "failed to read attachment", err)
		}
		data, err := io.ReadAll(src)
		src.Close()
		if err != nil {
			h.discardUploads(attachments)
			return nil, apperrors.Wrap(apperrors.CodeInternal, "failed to read attachment", err)
		}

		mimeType := file.Header.Get("Content-Type")
		obj, err := h.store.Upload(data, "chat", file.Filename, mimeType)
		if err != nil {
			h.discardUploads(attachments)
			return nil, apperrors.Wrap(apperrors.CodeInternal, "failed to store attachment", err)
		}

		attachments = append(attachments, models.Attachment{
			Type:     attachmentType(mimeType),
			URL:      obj.URL,
			Filename: file.Filename,
			Size:     file.Size,
			MimeType: mimeType,
		})
	}

	return attachments, nil
}

// discardUploads best-effort removes files after a failed send
func (h *MessageHandler) discardUploads(attachments []models.Attachment) {
	for _, a := range attachments {
		if _, err := h.store.Delete(a.URL); err != nil {
			zap.L().Warn("failed to discard attachment",
				zap.String("url", a.URL),
				zap.Error(err))
		}
	}
}

func attachmentType(mimeType string) string {
	switch {
	case strings.HasPrefix(mimeType, "image/"):
		return "image"
	case strings.HasPrefix(mimeType, "video/"):
		return "video"
	case strings.HasPrefix(mimeType, "audio/"):
		return "audio"
	default:
		return "file"
	}
}

// List returns a page of a conversation's messages, oldest first
func (h *MessageHandler) List(c *gin.Context) {
	conversationID, ok := pathUUID(c, "id")
	if !ok {
		return
	}

	var q models.GetMessagesQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		Error(c, apperrors.BadRequest(err.Error()))
		return
	}

	messages, err := h.messages.GetMessages(conversationID, currentUserID(c), &q)
	if err != nil {
		Error(c, err)
		return
	}

	OKPage(c, "", messages, q.Page, q.Limit)
}

// Edit replaces a message's content
func (h *MessageHandler) Edit(c *gin.Context) {
	messageID, ok := pathUUID(c, "id")
	if !ok {
		return
	}

	var req models.EditMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		Error(c, apperrors.BadRequest(err.Error()))
		return
	}

	msg, err := h.messages.Edit(messageID, currentUserID(c), req.Content)
	if err != nil {
		Error(c, err)
		return
	}

	OK(c, http.StatusOK, "Message edited", msg)
}

// Delete removes a message for the caller or for everyone
func (h *MessageHandler) Delete(c *gin.Context) {
	messageID, ok := pathUUID(c, "id")
	if !ok {
		return
	}

	var req models.DeleteMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil && err != io.EOF {
		Error(c, apperrors.BadRequest(err.Error()))
		return
	}
	if req.DeleteFor == "" {
		req.DeleteFor = "me"
	}

	if err := h.messages.Delete(messageID, currentUserID(c), req.DeleteFor); err != nil {
		Error(c, err)
		return
	}

	OK(c, http.StatusOK, "Message deleted", nil)
}

// React toggles the caller's reaction
func (h *MessageHandler) React(c *gin.Context) {
	messageID, ok := pathUUID(c, "id")
	if !ok {
		return
	}

	var req models.ReactionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		Error(c, apperrors.BadRequest(err.Error()))
		return
	}

	result, err := h.messages.ToggleReaction(messageID, currentUserID(c), req.Emoji)
	if err != nil {
		Error(c, err)
		return
	}

	message := "Reaction added"
	if result.Removed {
		message = "Reaction removed"
	}
	OK(c, http.StatusOK, message, result)
}

// MarkRead records a read receipt for one message
func (h *MessageHandler) MarkRead(c *gin.Context) {
	messageID, ok := pathUUID(c, "id")
	if !ok {
		return
	}

	read, err := h.messages.MarkRead(messageID, currentUserID(c))
	if err != nil {
		Error(c, err)
		return
	}

	OK(c, http.StatusOK, "Message marked as read", read)
}

// MarkAllRead records receipts for every unread message in a conversation
func (h *MessageHandler) MarkAllRead(c *gin.Context) {
	conversationID, ok := pathUUID(c, "id")
	if !ok {
		return
	}

	count, err := h.messages.MarkAllRead(conversationID, currentUserID(c))
	if err != nil {
		Error(c, err)
		return
	}

	OK(c, http.StatusOK, "Messages marked as read", gin.H{"marked": count})
}

// Pin pins or unpins a message
func (h *MessageHandler) Pin(c *gin.Context) {
	messageID, ok := pathUUID(c, "id")
	if !ok {
		return
	}

	var req models.PinMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		Error(c, apperrors.BadRequest(err.Error()))
		return
	}

	msg, err := h.messages.SetPinned(messageID, currentUserID(c), req.Pin)
	if err != nil {
		Error(c, err)
		return
	}

	message := "Message pinned"
	if !req.Pin {
		message = "Message unpinned"
	}
	OK(c, http.StatusOK, message, msg)
}

// ListPinned returns a conversation's pinned messages
func (h *MessageHandler) ListPinned(c *gin.Context) {
	conversationID, ok := pathUUID(c, "id")
	if !ok {
		return
	}

	page, limit := pageQuery(c)
	messages, err := h.messages.ListPinned(conversationID, currentUserID(c), page, limit)
	if err != nil {
		Error(c, err)
		return
	}

	OKPage(c, "", messages, page, limit)
}

// Search returns messages matching a query. Content is encrypted at
// rest, so server-side filtering is not available yet; the endpoint
// returns recent messages for the client to filter after decryption.
func (h *MessageHandler) Search(c *gin.Context) {
	conversationID, ok := pathUUID(c, "id")
	if !ok {
		return
	}

	query := c.Query("q")
	page, limit := pageQuery(c)

	messages, err := h.messages.Search(conversationID, currentUserID(c), query, page, limit)
	if err != nil {
		Error(c, err)
		return
	}

	OKPage(c, "", messages, page, limit)
}

func pageQuery(c *gin.Context) (int, int) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))
	return page, limit
}
