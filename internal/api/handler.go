package api

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"presence-backplane/internal/messages"
	"presence-backplane/internal/model"
	"presence-backplane/internal/store"
)

// Sender persists a message and starts its delivery.
type Sender interface {
	Send(ctx context.Context, targetUserID, body string, opts ...messages.Option) (int64, error)
}

// MessageReader is the read and acknowledge side of the message store.
type MessageReader interface {
	MarkDelivered(ctx context.Context, id int64, connectionID string) (bool, error)
	GetUndeliveredForUser(ctx context.Context, userID string) ([]model.Message, error)
}

// Presence is the connection registry as seen by the endpoints.
type Presence interface {
	GetConnectionsForUser(ctx context.Context, userID string) ([]string, error)
	ActiveCount(ctx context.Context) (int64, error)
	Instance() string
}

// SessionReader reports a user's latest session.
type SessionReader interface {
	Current(ctx context.Context, userID string) (*model.Session, error)
}

// Handler holds shared dependencies for API handlers.
type Handler struct {
	sender   Sender
	messages MessageReader
	presence Presence
	sessions SessionReader
	log      zerolog.Logger
}

// NewHandler creates a new API handler.
func NewHandler(sender Sender, msgs MessageReader, presence Presence, sessions SessionReader, log zerolog.Logger) *Handler {
	return &Handler{
		sender:   sender,
		messages: msgs,
		presence: presence,
		sessions: sessions,
		log:      log.With().Str("component", "api").Logger(),
	}
}

// fail writes err as a response whose status follows its kind: transient
// failures ask the caller to try again, invalid input is a 400 and anything
// else is a 500.
func (h *Handler) fail(c *gin.Context, err error) {
	switch store.Classify(err) {
	case store.KindTransient:
		c.Header("Retry-After", "1")
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "temporarily unavailable, try again"})
	case store.KindInvalid:
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		h.log.Error().Err(err).Str("path", c.FullPath()).Msg("request failed")
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
