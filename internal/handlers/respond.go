package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/relaychat/backend/internal/apperrors"
)

// Meta carries response metadata; pagination fields are set on list
// endpoints only.
type Meta struct {
	Timestamp time.Time `json:"timestamp"`
	Page      int       `json:"page,omitempty"`
	Limit     int       `json:"limit,omitempty"`
}

type response struct {
	Success bool        `json:"success"`
	Message string      `json:"message,omitempty"`
	Data    interface{} `json:"data,omitempty"`
	Meta    Meta        `json:"meta"`
}

// OK sends a success envelope
func OK(c *gin.Context, status int, message string, data interface{}) {
	c.JSON(status, response{
		Success: true,
		Message: message,
		Data:    data,
		Meta:    Meta{Timestamp: time.Now()},
	})
}

// OKPage sends a success envelope with pagination metadata
func OKPage(c *gin.Context, message string, data interface{}, page, limit int) {
	c.JSON(http.StatusOK, response{
		Success: true,
		Message: message,
		Data:    data,
		Meta:    Meta{Timestamp: time.Now(), Page: page, Limit: limit},
	})
}

// Error maps an error to its HTTP status and sends a failure envelope.
// Internal causes are logged but never leak into the body.
func Error(c *gin.Context, err error) {
	appErr := apperrors.From(err)
	if appErr.Code == apperrors.CodeInternal {
		zap.L().Error("request failed",
			zap.String("path", c.FullPath()),
			zap.Error(err))
	}

	c.JSON(apperrors.HTTPStatus(appErr), response{
		Success: false,
		Message: appErr.Message,
		Meta:    Meta{Timestamp: time.Now()},
	})
}

// currentUserID reads the authenticated user id placed by the auth
// middleware.
func currentUserID(c *gin.Context) uuid.UUID {
	userID, _ := c.Get("user_id")
	uid, _ := userID.(uuid.UUID)
	return uid
}

// pathUUID parses a UUID path parameter
func pathUUID(c *gin.Context, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param(name))
	if err != nil {
		Error(c, apperrors.BadRequest("invalid "+name))
		return uuid.Nil, false
	}
	return id, true
}
