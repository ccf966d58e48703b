package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"presence-backplane/internal/messages"
	"presence-backplane/internal/model"
)

type sendMessageRequest struct {
	TargetUserID string     `json:"target_user_id" binding:"required"`
	Body         *string    `json:"body" binding:"required"`
	SenderUserID string     `json:"sender_user_id"`
	MessageType  string     `json:"message_type"`
	Persistent   *bool      `json:"persistent"`
	ExpiresAt    *time.Time `json:"expires_at"`
	NeverExpires bool       `json:"never_expires"`
}

func (r sendMessageRequest) options() []messages.Option {
	opts := []messages.Option{
		messages.WithSender(r.SenderUserID),
		messages.WithType(r.MessageType),
	}
	if r.Persistent != nil && !*r.Persistent {
		opts = append(opts, messages.Transient())
	}
	switch {
	case r.NeverExpires:
		opts = append(opts, messages.NeverExpires())
	case r.ExpiresAt != nil:
		opts = append(opts, messages.ExpiresAt(*r.ExpiresAt))
	}
	return opts
}

// SendMessage handles POST /api/messages. The message is stored before the
// response is written; delivery happens in the background.
func (h *Handler) SendMessage(c *gin.Context) {
	var req sendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	id, err := h.sender.Send(c.Request.Context(), req.TargetUserID, *req.Body, req.options()...)
	if err != nil {
		h.fail(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"id": id})
}

type markDeliveredRequest struct {
	ConnectionID string `json:"connection_id" binding:"required"`
}

// MarkDelivered handles POST /api/messages/{id}/delivered, the client's
// acknowledgement of a pushed message.
func (h *Handler) MarkDelivered(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid message id"})
		return
	}

	var req markDeliveredRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	flipped, err := h.messages.MarkDelivered(c.Request.Context(), id, req.ConnectionID)
	if err != nil {
		h.fail(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"id": id, "newlyDelivered": flipped})
}

// GetUndelivered handles GET /api/users/{user_id}/messages.
func (h *Handler) GetUndelivered(c *gin.Context) {
	pending, err := h.messages.GetUndeliveredForUser(c.Request.Context(), c.Param("user_id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	if pending == nil {
		pending = []model.Message{}
	}

	c.JSON(http.StatusOK, gin.H{"messages": pending})
}
