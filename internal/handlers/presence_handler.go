package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/relaychat/backend/internal/apperrors"
	"github.com/relaychat/backend/internal/models"
)

// PresenceReporter answers user presence queries. The socket hub
// satisfies it.
type PresenceReporter interface {
	Presence(userID uuid.UUID) (*models.UserPresence, error)
}

type PresenceHandler struct {
	presence PresenceReporter
}

func NewPresenceHandler(presence PresenceReporter) *PresenceHandler {
	return &PresenceHandler{presence: presence}
}

// Get returns a user's online/offline status and last-seen time
func (h *PresenceHandler) Get(c *gin.Context) {
	userID, ok := pathUUID(c, "id")
	if !ok {
		return
	}

	presence, err := h.presence.Presence(userID)
	if err != nil {
		Error(c, apperrors.Wrap(apperrors.CodeInternal, "failed to load presence", err))
		return
	}

	OK(c, http.StatusOK, "", presence)
}
